package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/dronebassan/pdf-parser-pro-v2/internal/llm"
	"github.com/dronebassan/pdf-parser-pro-v2/internal/models"
	"github.com/dronebassan/pdf-parser-pro-v2/internal/ocr"
	"github.com/dronebassan/pdf-parser-pro-v2/internal/services"
)

const (
	maxMultipartMemory = 8 << 20 // 8 MB
	serviceVersion     = "2.0.0"
)

// documentParser runs the parse pipeline on a stored file.
type documentParser interface {
	Parse(ctx context.Context, path string, opts services.ParseOptions, progress services.ProgressCallback) (*services.ParseResult, error)
}

// Options carries the deployment knobs the handlers report or enforce.
type Options struct {
	Environment   string
	OCRAvailable  bool
	MaxUploadSize int64
}

type Server struct {
	router    *chi.Mux
	db        *sql.DB
	documents *services.DocumentService
	parser    documentParser
	usage     *services.UsageService
	providers *llm.Registry
	jobs      *JobManager
	opts      Options
	log       *logrus.Logger
}

func NewServer(
	db *sql.DB,
	documents *services.DocumentService,
	parser documentParser,
	usage *services.UsageService,
	providers *llm.Registry,
	opts Options,
	log *logrus.Logger,
) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		db:        db,
		documents: documents,
		parser:    parser,
		usage:     usage,
		providers: providers,
		jobs:      NewJobManager(),
		opts:      opts,
		log:       log,
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	s.router.Get("/health-check/", s.handleHealthCheck)
	s.router.Get("/api/info", s.handleInfo)
	s.router.Post("/parse/", s.handleParse)
	s.router.Post("/parse-smart/", s.handleParseSmart)
	s.router.Post("/parse-jobs/", s.handleCreateParseJob)
	s.router.Get("/parse-jobs/{jobID}", s.handleJobStatus)
	s.router.Post("/customers/", s.handleCreateCustomer)
	s.router.Get("/customers/{customerID}/usage", s.handleCustomerUsage)
	s.router.Post("/customers/{customerID}/keys", s.handleSetCustomerKey)
}

func (s *Server) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	dbOK := s.db.PingContext(r.Context()) == nil

	status := "ok"
	if !dbOK {
		status = "degraded"
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":      status,
		"version":     serviceVersion,
		"environment": s.opts.Environment,
		"components": map[string]any{
			"database":    dbOK,
			"ghostscript": services.GhostscriptAvailable(),
			"ocr":         s.opts.OCRAvailable,
			"providers":   s.providers.Configured(),
		},
	})
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"service":     "pdf-parser-pro",
		"version":     serviceVersion,
		"environment": s.opts.Environment,
		"strategies": []services.ParseStrategy{
			services.StrategyAuto,
			services.StrategyLibraryOnly,
			services.StrategyOCR,
			services.StrategyAI,
		},
		"features": map[string]any{
			"library_extraction": true,
			"table_extraction":   true,
			"ocr_fallback":       s.opts.OCRAvailable,
			"ai_vision":          len(s.providers.Configured()) > 0,
			"async_jobs":         true,
			"customer_billing":   true,
		},
		"providers":     s.providers.Configured(),
		"ocr_available": s.opts.OCRAvailable,
		"endpoints": []string{
			"GET /health-check/",
			"GET /api/info",
			"POST /parse/",
			"POST /parse-smart/",
			"POST /parse-jobs/",
			"GET /parse-jobs/{jobID}",
			"POST /customers/",
			"GET /customers/{customerID}/usage",
			"POST /customers/{customerID}/keys",
		},
	})
}

// handleParse is the simple endpoint, library extraction only, with an
// automatic smart retry when the result comes back suspiciously thin.
func (s *Server) handleParse(w http.ResponseWriter, r *http.Request) {
	file, header, ok := s.formFile(w, r)
	if !ok {
		return
	}
	defer file.Close()
	if form := r.MultipartForm; form != nil {
		defer form.RemoveAll()
	}

	doc, err := s.documents.Create(r.Context(), header.Filename, file)
	if err != nil {
		s.writeServiceError(w, fmt.Errorf("store upload: %w", err))
		return
	}

	result, err := s.parser.Parse(r.Context(), doc.StoredPath, services.ParseOptions{
		Strategy: services.StrategyLibraryOnly,
	}, nil)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	strategy := services.StrategyLibraryOnly
	if len(result.Text) < services.DefaultMinChars {
		retried, err := s.parser.Parse(r.Context(), doc.StoredPath, services.ParseOptions{
			Strategy: services.StrategyAuto,
		}, nil)
		if err != nil {
			s.log.WithError(err).Warn("smart retry failed, keeping library result")
		} else {
			result = retried
			strategy = services.StrategyAuto
		}
	}

	s.finishParse(r.Context(), doc, nil, strategy, result)
	writeJSON(w, http.StatusOK, parseResponse(doc, result))
}

// handleParseSmart runs the full pipeline with a caller-chosen strategy
// and provider. Metered customers identify themselves via X-Customer-ID.
func (s *Server) handleParseSmart(w http.ResponseWriter, r *http.Request) {
	file, header, ok := s.formFile(w, r)
	if !ok {
		return
	}
	defer file.Close()
	if form := r.MultipartForm; form != nil {
		defer form.RemoveAll()
	}

	opts, customer, err := s.parseOptions(r)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	doc, err := s.documents.Create(r.Context(), header.Filename, file)
	if err != nil {
		s.writeServiceError(w, fmt.Errorf("store upload: %w", err))
		return
	}

	result, err := s.parser.Parse(r.Context(), doc.StoredPath, opts, nil)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	s.finishParse(r.Context(), doc, customer, opts.Strategy, result)

	resp := parseResponse(doc, result)
	if customer != nil {
		resp["customer_id"] = customer.ID
	}
	writeJSON(w, http.StatusOK, resp)
}

// parseOptions reads strategy, provider and customer from the request.
// The quota check happens here, before any provider is called.
func (s *Server) parseOptions(r *http.Request) (services.ParseOptions, *models.Customer, error) {
	opts := services.ParseOptions{Strategy: services.StrategyAuto}

	if raw := strings.TrimSpace(r.FormValue("strategy")); raw != "" {
		opts.Strategy = services.ParseStrategy(strings.ToLower(raw))
		if !services.ValidStrategy(opts.Strategy) {
			return opts, nil, fmt.Errorf("%w: %q", services.ErrUnknownStrategy, raw)
		}
	}

	if raw := strings.TrimSpace(r.FormValue("llm_provider")); raw != "" {
		opts.Provider = strings.ToLower(raw)
		if !s.providers.Known(opts.Provider) {
			return opts, nil, fmt.Errorf("%w: %q", llm.ErrUnknownProvider, raw)
		}
	}

	var customer *models.Customer
	if id := strings.TrimSpace(r.Header.Get("X-Customer-ID")); id != "" {
		var err error
		customer, err = s.usage.GetCustomer(r.Context(), id)
		if err != nil {
			return opts, nil, err
		}
		if opts.Strategy != services.StrategyLibraryOnly && opts.Strategy != services.StrategyOCR {
			if err := s.usage.CheckQuota(customer); err != nil {
				return opts, nil, err
			}
		}
		if opts.Provider == "" && customer.PreferredProvider.Valid {
			opts.Provider = customer.PreferredProvider.String
		}
		opts.CustomKeys = customer.CustomKeys
	}

	return opts, customer, nil
}

// finishParse books everything a completed parse leaves behind. Failures
// here are logged, the parse result already belongs to the caller.
func (s *Server) finishParse(ctx context.Context, doc *models.Document, customer *models.Customer, strategy services.ParseStrategy, result *services.ParseResult) {
	if err := s.documents.UpdatePageCount(ctx, doc.ID, result.PagesTotal); err != nil {
		s.log.WithError(err).WithField("document", doc.ID).Error("update page count")
	}

	for provider, pages := range result.AIPages {
		if err := s.usage.RecordUsage(ctx, customer, doc.ID, provider, pages); err != nil {
			s.log.WithError(err).WithFields(logrus.Fields{
				"document": doc.ID,
				"provider": provider,
			}).Error("record usage")
		}
	}

	rec := &models.ParseRecord{
		DocumentID:   doc.ID,
		Strategy:     string(strategy),
		PagesTotal:   result.PagesTotal,
		PagesLibrary: result.PagesLibrary,
		PagesOCR:     result.PagesOCR,
		PagesAI:      result.PagesAI,
		Confidence:   result.Confidence,
		CostUSD:      result.CostUSD,
		DurationMS:   int64(result.ProcessingTime * 1000),
	}
	if customer != nil {
		rec.CustomerID = sql.NullString{String: customer.ID, Valid: true}
	}
	if result.Provider != "" {
		rec.Provider = sql.NullString{String: result.Provider, Valid: true}
	}
	if err := s.documents.SaveParseRecord(ctx, rec); err != nil {
		s.log.WithError(err).WithField("document", doc.ID).Error("save parse record")
	}
}

func (s *Server) handleCreateParseJob(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxMultipartMemory); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}

	form := r.MultipartForm
	if form == nil {
		writeError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}

	files := form.File["files"]
	if len(files) == 0 {
		files = form.File["file"]
	}
	if len(files) == 0 {
		writeError(w, http.StatusBadRequest, "no files uploaded")
		return
	}
	for _, file := range files {
		if !isPDF(file.Filename) {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("%s: only PDF files are supported", file.Filename))
			return
		}
		if s.opts.MaxUploadSize > 0 && file.Size > s.opts.MaxUploadSize {
			s.writeServiceError(w, fmt.Errorf("%s: %w: %d bytes", file.Filename, services.ErrTooLarge, file.Size))
			return
		}
	}

	opts, customer, err := s.parseOptions(r)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	fileNames := make([]string, len(files))
	for i, file := range files {
		fileNames[i] = file.Filename
	}

	fileHeaders := append([]*multipart.FileHeader(nil), files...)
	jobID, snapshot := s.jobs.CreateJob(fileNames)

	go s.runParseJob(context.Background(), jobID, opts, customer, fileHeaders, form)

	writeJSON(w, http.StatusAccepted, snapshot)
}

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	job, ok := s.jobs.GetJob(jobID)
	if !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) runParseJob(ctx context.Context, jobID string, opts services.ParseOptions, customer *models.Customer, files []*multipart.FileHeader, form *multipart.Form) {
	defer func() {
		if form != nil {
			_ = form.RemoveAll()
		}
	}()

	s.jobs.MarkProcessing(jobID)
	for idx, file := range files {
		s.jobs.MarkFileStarted(jobID, idx)
		progress := func(step, message string, current, total int) {
			s.jobs.UpdateFileProgress(jobID, idx, step, message, current, total)
		}
		result, err := s.processFile(ctx, file, opts, customer, progress)
		if err != nil {
			s.jobs.MarkFileError(jobID, idx, err.Error(), result)
			continue
		}
		s.jobs.MarkFileComplete(jobID, idx, result)
	}
	s.jobs.MarkCompleted(jobID)
}

func (s *Server) processFile(ctx context.Context, file *multipart.FileHeader, opts services.ParseOptions, customer *models.Customer, progress services.ProgressCallback) (FileResult, error) {
	result := FileResult{
		Name:   file.Filename,
		Status: FileStatusError,
	}

	src, err := file.Open()
	if err != nil {
		result.Message = err.Error()
		return result, fmt.Errorf("open file %s: %w", file.Filename, err)
	}
	defer src.Close()

	doc, err := s.documents.Create(ctx, file.Filename, src)
	if err != nil {
		result.Message = err.Error()
		return result, fmt.Errorf("create document %s: %w", file.Filename, err)
	}
	result.DocumentID = doc.ID

	parsed, err := s.parser.Parse(ctx, doc.StoredPath, opts, progress)
	if err != nil {
		result.Message = err.Error()
		return result, err
	}

	s.finishParse(ctx, doc, customer, opts.Strategy, parsed)

	result.Status = FileStatusComplete
	result.Pages = parsed.PagesTotal
	result.Result = parsed
	return result, nil
}

func (s *Server) handleCreateCustomer(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Email string `json:"email"`
		Tier  string `json:"tier"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	if payload.Tier == "" {
		payload.Tier = string(models.TierFree)
	}

	customer, err := s.usage.CreateCustomer(r.Context(), payload.Email, models.SubscriptionTier(payload.Tier))
	if err != nil {
		if errors.Is(err, services.ErrCustomerExists) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	plan := customer.Plan()
	writeJSON(w, http.StatusCreated, map[string]any{
		"id":                 customer.ID,
		"email":              customer.Email,
		"tier":               customer.Tier,
		"monthly_quota":      plan.Quota,
		"price_per_page":     plan.PricePerPage,
		"preferred_provider": customer.PreferredProvider.String,
	})
}

func (s *Server) handleCustomerUsage(w http.ResponseWriter, r *http.Request) {
	stats, err := s.usage.Stats(r.Context(), chi.URLParam(r, "customerID"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"customer_id":        stats.CustomerID,
		"tier":               stats.Tier,
		"preferred_provider": stats.PreferredProvider,
		"current_usage":      stats.CurrentUsage,
		"monthly_quota":      stats.MonthlyQuota,
		"remaining_pages":    stats.RemainingPages,
		"total_charged":      stats.TotalCharged,
		"total_events":       stats.TotalEvents,
	})
}

func (s *Server) handleSetCustomerKey(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Provider string `json:"provider"`
		APIKey   string `json:"api_key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	provider := strings.ToLower(strings.TrimSpace(payload.Provider))
	if !s.providers.Known(provider) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown provider %q", payload.Provider))
		return
	}

	if err := s.usage.SetCustomKey(r.Context(), chi.URLParam(r, "customerID"), provider, payload.APIKey); err != nil {
		if errors.Is(err, services.ErrCustomerNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// formFile pulls the single "file" field out of a multipart request and
// rejects anything that is not named like a PDF.
func (s *Server) formFile(w http.ResponseWriter, r *http.Request) (multipart.File, *multipart.FileHeader, bool) {
	if err := r.ParseMultipartForm(maxMultipartMemory); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart form")
		return nil, nil, false
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing file field")
		return nil, nil, false
	}

	if !isPDF(header.Filename) {
		file.Close()
		writeError(w, http.StatusBadRequest, "only PDF files are supported")
		return nil, nil, false
	}

	// Reject oversize uploads before anything touches disk.
	if s.opts.MaxUploadSize > 0 && header.Size > s.opts.MaxUploadSize {
		file.Close()
		s.writeServiceError(w, fmt.Errorf("%w: %d bytes", services.ErrTooLarge, header.Size))
		return nil, nil, false
	}

	return file, header, true
}

func isPDF(filename string) bool {
	return strings.EqualFold(filepath.Ext(filename), ".pdf")
}

func parseResponse(doc *models.Document, result *services.ParseResult) map[string]any {
	return map[string]any{
		"success":     true,
		"document_id": doc.ID,
		"filename":    doc.OriginalName,
		"result":      result,
	}
}

func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrNotPDF),
		errors.Is(err, services.ErrUnknownStrategy),
		errors.Is(err, llm.ErrUnknownProvider):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, services.ErrTooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, err.Error())
	case errors.Is(err, services.ErrQuotaExceeded):
		writeError(w, http.StatusPaymentRequired, err.Error())
	case errors.Is(err, services.ErrCustomerNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, llm.ErrNoProviders), errors.Is(err, ocr.ErrDisabled):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.log.WithError(err).Error("request failed")
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
