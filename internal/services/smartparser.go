package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dronebassan/pdf-parser-pro-v2/internal/llm"
	"github.com/dronebassan/pdf-parser-pro-v2/internal/ocr"
)

// ErrUnknownStrategy is returned for strategy values outside the known set.
var ErrUnknownStrategy = errors.New("unknown parse strategy")

type ParseStrategy string

const (
	StrategyAuto        ParseStrategy = "auto"
	StrategyLibraryOnly ParseStrategy = "library_only"
	StrategyOCR         ParseStrategy = "ocr"
	StrategyAI          ParseStrategy = "ai"
)

func ValidStrategy(s ParseStrategy) bool {
	switch s {
	case StrategyAuto, StrategyLibraryOnly, StrategyOCR, StrategyAI:
		return true
	}
	return false
}

// Page sources per PageResult.Source. AI pages carry the provider name
// instead.
const (
	SourceLibrary = "library"
	SourceOCR     = "ocr"
)

// ProgressCallback reports long-running parse progress for job polling.
type ProgressCallback func(step, message string, current, total int)

// PageResult is the per-page outcome of a parse.
type PageResult struct {
	Page       int     `json:"page"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	Source     string  `json:"source"`
	Tokens     int     `json:"tokens,omitempty"`
}

// ParseResult is the outcome of parsing one document.
type ParseResult struct {
	Text         string       `json:"text"`
	Pages        []PageResult `json:"pages"`
	Tables       [][]string   `json:"tables,omitempty"`
	StrategyUsed string       `json:"strategy_used"`
	Provider     string       `json:"provider,omitempty"`
	PagesTotal   int          `json:"pages_total"`
	PagesLibrary int          `json:"pages_library"`
	PagesOCR     int          `json:"pages_ocr"`
	PagesAI      int          `json:"pages_ai"`
	// AIPages counts escalated pages per provider for billing.
	AIPages        map[string]int `json:"ai_pages_by_provider,omitempty"`
	Confidence     float64        `json:"confidence"`
	CostUSD        float64        `json:"cost_usd"`
	ProcessingTime float64        `json:"processing_time"`
}

// ParseOptions selects the strategy and provider for one request.
type ParseOptions struct {
	Strategy ParseStrategy
	// Provider is the preferred vision provider, empty means fallback order.
	Provider string
	// CustomKeys are customer-supplied API keys that override the
	// service's own, keyed by provider name.
	CustomKeys map[string]string
}

// pageSource is what the parser needs from the PDF layer.
type pageSource interface {
	Validate(path string) error
	ExtractPages(path string) ([]PageText, error)
	RenderPages(path string, pageNums []int) (map[int][]byte, error)
}

// providerResolver picks the vision providers to try for a request.
type providerResolver interface {
	Resolve(preferred string, customKeys map[string]string) ([]llm.Provider, error)
}

// SmartParser extracts text with the PDF library first and escalates only
// the pages whose confidence falls below the threshold.
type SmartParser struct {
	pdf           pageSource
	scorer        ConfidenceScorer
	ocr           ocr.Engine
	providers     providerResolver
	threshold     float64
	maxConcurrent int
	log           *logrus.Logger
}

func NewSmartParser(pdf pageSource, ocrEngine ocr.Engine, providers providerResolver, threshold float64, log *logrus.Logger) *SmartParser {
	if threshold <= 0 || threshold > 1 {
		threshold = 0.5
	}
	return &SmartParser{
		pdf:           pdf,
		scorer:        NewConfidenceScorer(),
		ocr:           ocrEngine,
		providers:     providers,
		threshold:     threshold,
		maxConcurrent: 4,
		log:           log,
	}
}

// Parse runs the full pipeline. Page order in the result always matches
// the document. A page whose escalation fails keeps the best text seen for
// it, only an unreadable document fails the whole parse.
func (p *SmartParser) Parse(ctx context.Context, path string, opts ParseOptions, progress ProgressCallback) (*ParseResult, error) {
	start := time.Now()

	strategy := opts.Strategy
	if strategy == "" {
		strategy = StrategyAuto
	}
	if !ValidStrategy(strategy) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, opts.Strategy)
	}

	report(progress, "validate", "Validating PDF", 0, 100)
	if err := p.pdf.Validate(path); err != nil {
		return nil, err
	}

	report(progress, "extract", "Extracting text", 10, 100)
	pages, err := p.pdf.ExtractPages(path)
	if err != nil {
		return nil, err
	}

	results := make([]PageResult, len(pages))
	var lowPages []int
	for i, page := range pages {
		score := p.scorer.Score(page.Text)
		results[i] = PageResult{
			Page:       page.Number,
			Text:       page.Text,
			Confidence: score,
			Source:     SourceLibrary,
		}
		if score < p.threshold {
			lowPages = append(lowPages, page.Number)
		}
	}

	result := &ParseResult{
		Pages:      results,
		PagesTotal: len(pages),
		AIPages:    make(map[string]int),
	}

	if strategy != StrategyLibraryOnly && len(lowPages) > 0 {
		if err := p.escalate(ctx, path, strategy, opts, results, lowPages, progress); err != nil {
			return nil, err
		}
	}

	p.finalize(result, strategy)
	result.ProcessingTime = time.Since(start).Seconds()
	report(progress, "complete", "Parsing complete", 100, 100)
	return result, nil
}

// escalate reruns the low-confidence pages through OCR and/or vision
// providers and keeps whichever text scored best.
func (p *SmartParser) escalate(ctx context.Context, path string, strategy ParseStrategy, opts ParseOptions, results []PageResult, lowPages []int, progress ProgressCallback) error {
	if strategy == StrategyOCR && !p.ocr.Available() {
		return fmt.Errorf("ocr strategy requested: %w", ocr.ErrDisabled)
	}

	useOCR := (strategy == StrategyOCR || strategy == StrategyAuto) && p.ocr.Available()
	useAI := strategy == StrategyAI || strategy == StrategyAuto

	var providers []llm.Provider
	if useAI {
		resolved, err := p.providers.Resolve(opts.Provider, opts.CustomKeys)
		switch {
		case err == nil:
			providers = resolved
		case errors.Is(err, llm.ErrNoProviders) && strategy == StrategyAuto:
			// Auto degrades to whatever is left.
			useAI = false
		default:
			return err
		}
	}
	if !useOCR && !useAI {
		// Nothing to escalate with, library text stands.
		return nil
	}

	report(progress, "render", fmt.Sprintf("Rendering %d low-confidence pages", len(lowPages)), 20, 100)
	images, err := p.pdf.RenderPages(path, lowPages)
	if err != nil {
		if strategy == StrategyAuto {
			p.log.WithError(err).Warn("page rendering failed, keeping library text")
			return nil
		}
		return err
	}

	indexByPage := make(map[int]int, len(results))
	for i, r := range results {
		indexByPage[r.Page] = i
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		done      int
		semaphore = make(chan struct{}, p.maxConcurrent)
	)

	// On cancellation stop dispatching but wait out the in-flight pages,
	// callers must not see progress callbacks after Parse returns.
	var cancelErr error
	for _, pageNum := range lowPages {
		if err := ctx.Err(); err != nil {
			cancelErr = err
			break
		}

		wg.Add(1)
		semaphore <- struct{}{}
		go func(pageNum int) {
			defer wg.Done()
			defer func() { <-semaphore }()

			idx := indexByPage[pageNum]
			best := results[idx]
			png := images[pageNum]

			if useOCR && len(png) > 0 {
				p.tryOCR(ctx, png, &best)
			}
			if useAI && len(png) > 0 && best.Confidence < p.threshold {
				p.tryProviders(ctx, providers, png, &best)
			}

			mu.Lock()
			results[idx] = best
			done++
			report(progress, "escalate", fmt.Sprintf("Reprocessed page %d", pageNum), done, len(lowPages))
			mu.Unlock()
		}(pageNum)
	}
	wg.Wait()

	return cancelErr
}

func (p *SmartParser) tryOCR(ctx context.Context, png []byte, best *PageResult) {
	text, err := p.ocr.ImageText(ctx, png)
	if err != nil {
		p.log.WithError(err).WithField("page", best.Page).Warn("ocr failed")
		return
	}
	if score := p.scorer.Score(text); score > best.Confidence {
		best.Text = text
		best.Confidence = score
		best.Source = SourceOCR
	}
}

func (p *SmartParser) tryProviders(ctx context.Context, providers []llm.Provider, png []byte, best *PageResult) {
	for _, provider := range providers {
		extraction, err := provider.ExtractPageText(ctx, png, llm.ExtractionPrompt)
		if err != nil {
			p.log.WithError(err).WithFields(logrus.Fields{
				"provider": provider.Name(),
				"page":     best.Page,
			}).Warn("vision extraction failed")
			continue
		}
		best.Text = extraction.Text
		best.Confidence = p.scorer.Score(extraction.Text)
		best.Source = provider.Name()
		best.Tokens = extraction.Tokens
		return
	}
}

// finalize computes the document-level fields from the per-page results.
func (p *SmartParser) finalize(result *ParseResult, strategy ParseStrategy) {
	var texts []string
	var confSum float64
	for _, page := range result.Pages {
		texts = append(texts, page.Text)
		confSum += page.Confidence
		switch page.Source {
		case SourceLibrary:
			result.PagesLibrary++
		case SourceOCR:
			result.PagesOCR++
		default:
			result.PagesAI++
			result.AIPages[page.Source]++
			result.CostUSD += llm.CostPerPage(page.Source)
		}
	}

	result.Text = strings.TrimSpace(strings.Join(texts, "\n\n"))
	result.Tables = ExtractTables(result.Text)
	if result.PagesTotal > 0 {
		result.Confidence = confSum / float64(result.PagesTotal)
	}
	result.Provider = dominantProvider(result.AIPages)
	result.StrategyUsed = strategyUsed(result, strategy)
	if len(result.AIPages) == 0 {
		result.AIPages = nil
	}
}

// dominantProvider picks the provider that handled the most pages, name
// order breaks ties so the result is stable.
func dominantProvider(counts map[string]int) string {
	names := make([]string, 0, len(counts))
	for name := range counts {
		names = append(names, name)
	}
	sort.Strings(names)

	bestName, bestCount := "", 0
	for _, name := range names {
		if counts[name] > bestCount {
			bestName, bestCount = name, counts[name]
		}
	}
	return bestName
}

func strategyUsed(result *ParseResult, strategy ParseStrategy) string {
	switch {
	case result.PagesAI > 0:
		return "ai_fallback"
	case result.PagesOCR > 0:
		return "ocr_fallback"
	case strategy == StrategyLibraryOnly:
		return "library_basic"
	default:
		return "library"
	}
}

func report(progress ProgressCallback, step, message string, current, total int) {
	if progress != nil {
		progress(step, message, current, total)
	}
}
