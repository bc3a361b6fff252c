package services

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dronebassan/pdf-parser-pro-v2/internal/llm"
	"github.com/dronebassan/pdf-parser-pro-v2/internal/ocr"
)

var goodText = strings.Repeat("This page holds plenty of clean readable sentences about invoices and totals. ", 3)

type stubPDF struct {
	mu          sync.Mutex
	pages       []PageText
	validateErr error
	extractErr  error
	renderErr   error
	renderCalls [][]int
}

func (s *stubPDF) Validate(path string) error { return s.validateErr }

func (s *stubPDF) ExtractPages(path string) ([]PageText, error) {
	if s.extractErr != nil {
		return nil, s.extractErr
	}
	return s.pages, nil
}

func (s *stubPDF) RenderPages(path string, pageNums []int) (map[int][]byte, error) {
	s.mu.Lock()
	s.renderCalls = append(s.renderCalls, pageNums)
	s.mu.Unlock()
	if s.renderErr != nil {
		return nil, s.renderErr
	}
	out := make(map[int][]byte, len(pageNums))
	for _, n := range pageNums {
		out[n] = []byte{0x89, 'P', 'N', 'G'}
	}
	return out, nil
}

type fakeOCR struct {
	mu        sync.Mutex
	text      string
	err       error
	available bool
	calls     int
}

func (f *fakeOCR) Available() bool { return f.available }

func (f *fakeOCR) ImageText(ctx context.Context, png []byte) (string, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return f.text, f.err
}

type fakeProvider struct {
	mu    sync.Mutex
	name  string
	text  string
	err   error
	calls int
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) ExtractPageText(ctx context.Context, png []byte, prompt string) (llm.PageExtraction, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.err != nil {
		return llm.PageExtraction{}, f.err
	}
	return llm.PageExtraction{Text: f.text, Tokens: 42}, nil
}

func (f *fakeProvider) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeResolver struct {
	providers []llm.Provider
	err       error
	preferred string
}

func (f *fakeResolver) Resolve(preferred string, customKeys map[string]string) ([]llm.Provider, error) {
	f.preferred = preferred
	if f.err != nil {
		return nil, f.err
	}
	return f.providers, nil
}

func newTestParser(pdf *stubPDF, ocrEngine *fakeOCR, resolver *fakeResolver) *SmartParser {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return NewSmartParser(pdf, ocrEngine, resolver, 0.5, log)
}

func TestSmartParser_LibraryOnly(t *testing.T) {
	pdf := &stubPDF{pages: []PageText{
		{Number: 1, Text: goodText},
		{Number: 2, Text: ""},
	}}
	ocrEngine := &fakeOCR{available: true, text: goodText}
	resolver := &fakeResolver{}

	parser := newTestParser(pdf, ocrEngine, resolver)
	result, err := parser.Parse(context.Background(), "doc.pdf", ParseOptions{Strategy: StrategyLibraryOnly}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(pdf.renderCalls) != 0 {
		t.Errorf("library_only must not render pages, got %v", pdf.renderCalls)
	}
	if ocrEngine.calls != 0 {
		t.Errorf("library_only must not call ocr, got %d calls", ocrEngine.calls)
	}
	if result.StrategyUsed != "library_basic" {
		t.Errorf("expected strategy_used library_basic, got %q", result.StrategyUsed)
	}
	if result.PagesLibrary != 2 || result.PagesOCR != 0 || result.PagesAI != 0 {
		t.Errorf("unexpected page counts: %+v", result)
	}
	if result.CostUSD != 0 {
		t.Errorf("library parse must be free, got %f", result.CostUSD)
	}
}

func TestSmartParser_AutoEscalatesToOCR(t *testing.T) {
	pdf := &stubPDF{pages: []PageText{
		{Number: 1, Text: goodText},
		{Number: 2, Text: ""},
	}}
	ocrEngine := &fakeOCR{available: true, text: goodText}
	provider := &fakeProvider{name: "gemini", text: goodText}
	resolver := &fakeResolver{providers: []llm.Provider{provider}}

	parser := newTestParser(pdf, ocrEngine, resolver)
	result, err := parser.Parse(context.Background(), "doc.pdf", ParseOptions{Strategy: StrategyAuto}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(pdf.renderCalls) != 1 || len(pdf.renderCalls[0]) != 1 || pdf.renderCalls[0][0] != 2 {
		t.Errorf("expected exactly page 2 rendered, got %v", pdf.renderCalls)
	}
	if result.Pages[1].Source != SourceOCR {
		t.Errorf("expected page 2 from ocr, got %q", result.Pages[1].Source)
	}
	if provider.callCount() != 0 {
		t.Errorf("ocr satisfied the page, provider must not be called")
	}
	if result.StrategyUsed != "ocr_fallback" {
		t.Errorf("expected ocr_fallback, got %q", result.StrategyUsed)
	}
	if result.CostUSD != 0 {
		t.Errorf("ocr pages must not be billed, got %f", result.CostUSD)
	}
}

func TestSmartParser_AutoFallsThroughToVision(t *testing.T) {
	pdf := &stubPDF{pages: []PageText{
		{Number: 1, Text: ""},
		{Number: 2, Text: goodText},
	}}
	// OCR produces garbage, the page must continue to the vision provider.
	ocrEngine := &fakeOCR{available: true, text: "@@ ## %%"}
	provider := &fakeProvider{name: "gemini", text: goodText}
	resolver := &fakeResolver{providers: []llm.Provider{provider}}

	parser := newTestParser(pdf, ocrEngine, resolver)
	result, err := parser.Parse(context.Background(), "doc.pdf", ParseOptions{Strategy: StrategyAuto, Provider: "gemini"}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if resolver.preferred != "gemini" {
		t.Errorf("expected preferred provider forwarded, got %q", resolver.preferred)
	}
	page := result.Pages[0]
	if page.Source != "gemini" {
		t.Errorf("expected page 1 from gemini, got %q", page.Source)
	}
	if page.Tokens != 42 {
		t.Errorf("expected token count carried over, got %d", page.Tokens)
	}
	if result.PagesAI != 1 || result.AIPages["gemini"] != 1 {
		t.Errorf("unexpected ai accounting: pagesAI=%d aiPages=%v", result.PagesAI, result.AIPages)
	}
	if want := llm.CostPerPage("gemini"); result.CostUSD != want {
		t.Errorf("expected cost %f, got %f", want, result.CostUSD)
	}
	if result.StrategyUsed != "ai_fallback" {
		t.Errorf("expected ai_fallback, got %q", result.StrategyUsed)
	}
	if result.Provider != "gemini" {
		t.Errorf("expected dominant provider gemini, got %q", result.Provider)
	}
}

func TestSmartParser_ProviderFallbackOrder(t *testing.T) {
	pdf := &stubPDF{pages: []PageText{{Number: 1, Text: ""}}}
	ocrEngine := &fakeOCR{available: false}
	broken := &fakeProvider{name: "openai", err: errors.New("rate limited")}
	working := &fakeProvider{name: "anthropic", text: goodText}
	resolver := &fakeResolver{providers: []llm.Provider{broken, working}}

	parser := newTestParser(pdf, ocrEngine, resolver)
	result, err := parser.Parse(context.Background(), "doc.pdf", ParseOptions{Strategy: StrategyAI}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if broken.callCount() != 1 {
		t.Errorf("expected first provider tried once, got %d", broken.callCount())
	}
	if result.Pages[0].Source != "anthropic" {
		t.Errorf("expected fallback to anthropic, got %q", result.Pages[0].Source)
	}
}

func TestSmartParser_AllProvidersFailKeepsBestText(t *testing.T) {
	libraryText := "§§ partial ¶¶"
	pdf := &stubPDF{pages: []PageText{{Number: 1, Text: libraryText}}}
	ocrEngine := &fakeOCR{available: false}
	broken := &fakeProvider{name: "gemini", err: errors.New("boom")}
	resolver := &fakeResolver{providers: []llm.Provider{broken}}

	parser := newTestParser(pdf, ocrEngine, resolver)
	result, err := parser.Parse(context.Background(), "doc.pdf", ParseOptions{Strategy: StrategyAI}, nil)
	if err != nil {
		t.Fatalf("per-page provider failure must not fail the parse: %v", err)
	}

	page := result.Pages[0]
	if page.Text != libraryText || page.Source != SourceLibrary {
		t.Errorf("expected library text kept, got source=%q text=%q", page.Source, page.Text)
	}
	if result.PagesAI != 0 || result.CostUSD != 0 {
		t.Errorf("failed escalation must not be billed: pagesAI=%d cost=%f", result.PagesAI, result.CostUSD)
	}
}

func TestSmartParser_PageOrderPreserved(t *testing.T) {
	pages := []PageText{
		{Number: 1, Text: ""},
		{Number: 2, Text: goodText},
		{Number: 3, Text: ""},
		{Number: 4, Text: ""},
		{Number: 5, Text: goodText},
		{Number: 6, Text: ""},
	}
	pdf := &stubPDF{pages: pages}
	ocrEngine := &fakeOCR{available: false}
	provider := &fakeProvider{name: "gemini", text: goodText}
	resolver := &fakeResolver{providers: []llm.Provider{provider}}

	parser := newTestParser(pdf, ocrEngine, resolver)
	result, err := parser.Parse(context.Background(), "doc.pdf", ParseOptions{Strategy: StrategyAuto}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(result.Pages) != len(pages) {
		t.Fatalf("expected %d pages, got %d", len(pages), len(result.Pages))
	}
	for i, page := range result.Pages {
		if page.Page != i+1 {
			t.Errorf("page order broken at index %d: got page %d", i, page.Page)
		}
	}
	if result.PagesAI != 4 {
		t.Errorf("expected 4 ai pages, got %d", result.PagesAI)
	}
}

func TestSmartParser_OCRStrategySkipsProviders(t *testing.T) {
	pdf := &stubPDF{pages: []PageText{{Number: 1, Text: ""}}}
	ocrEngine := &fakeOCR{available: true, text: goodText}
	provider := &fakeProvider{name: "gemini", text: goodText}
	resolver := &fakeResolver{providers: []llm.Provider{provider}}

	parser := newTestParser(pdf, ocrEngine, resolver)
	result, err := parser.Parse(context.Background(), "doc.pdf", ParseOptions{Strategy: StrategyOCR}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if provider.callCount() != 0 {
		t.Errorf("ocr strategy must not call vision providers")
	}
	if result.Pages[0].Source != SourceOCR {
		t.Errorf("expected ocr source, got %q", result.Pages[0].Source)
	}
}

func TestSmartParser_OCRStrategyRequiresEngine(t *testing.T) {
	pdf := &stubPDF{pages: []PageText{{Number: 1, Text: ""}}}
	parser := newTestParser(pdf, &fakeOCR{available: false}, &fakeResolver{})

	_, err := parser.Parse(context.Background(), "doc.pdf", ParseOptions{Strategy: StrategyOCR}, nil)
	if !errors.Is(err, ocr.ErrDisabled) {
		t.Errorf("expected ErrDisabled for explicit ocr strategy, got %v", err)
	}
	if len(pdf.renderCalls) != 0 {
		t.Errorf("must not render without an ocr engine, got %v", pdf.renderCalls)
	}
}

type blockingProvider struct {
	mu       sync.Mutex
	gate     chan struct{}
	started  int
	finished int
}

func (b *blockingProvider) Name() string { return "gemini" }

func (b *blockingProvider) ExtractPageText(ctx context.Context, png []byte, prompt string) (llm.PageExtraction, error) {
	b.mu.Lock()
	b.started++
	b.mu.Unlock()
	<-b.gate
	b.mu.Lock()
	b.finished++
	b.mu.Unlock()
	return llm.PageExtraction{Text: goodText}, nil
}

func (b *blockingProvider) counts() (int, int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.started, b.finished
}

func TestSmartParser_CancellationWaitsForInflightPages(t *testing.T) {
	pages := make([]PageText, 6)
	for i := range pages {
		pages[i] = PageText{Number: i + 1}
	}
	pdf := &stubPDF{pages: pages}
	provider := &blockingProvider{gate: make(chan struct{})}
	resolver := &fakeResolver{providers: []llm.Provider{provider}}
	parser := newTestParser(pdf, &fakeOCR{}, resolver)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	returned := false
	lateReport := false
	progress := func(step, message string, current, total int) {
		mu.Lock()
		if returned {
			lateReport = true
		}
		mu.Unlock()
	}

	errCh := make(chan error, 1)
	go func() {
		_, err := parser.Parse(ctx, "doc.pdf", ParseOptions{Strategy: StrategyAI}, progress)
		errCh <- err
	}()

	// Wait until the semaphore is saturated, then cancel mid-document.
	deadline := time.Now().Add(5 * time.Second)
	for {
		if started, _ := provider.counts(); started == parser.maxConcurrent {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("escalation goroutines never started")
		}
		time.Sleep(time.Millisecond)
	}
	cancel()
	close(provider.gate)

	err := <-errCh
	mu.Lock()
	returned = true
	mu.Unlock()

	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if started, finished := provider.counts(); finished != started {
		t.Errorf("parse returned with %d of %d pages still in flight", started-finished, started)
	}

	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if lateReport {
		t.Error("progress reported after Parse returned")
	}
}

func TestSmartParser_AutoDegradesWithoutProviders(t *testing.T) {
	pdf := &stubPDF{pages: []PageText{{Number: 1, Text: ""}}}
	ocrEngine := &fakeOCR{available: false}
	resolver := &fakeResolver{err: llm.ErrNoProviders}

	parser := newTestParser(pdf, ocrEngine, resolver)
	result, err := parser.Parse(context.Background(), "doc.pdf", ParseOptions{Strategy: StrategyAuto}, nil)
	if err != nil {
		t.Fatalf("auto must degrade gracefully: %v", err)
	}
	if result.Pages[0].Source != SourceLibrary {
		t.Errorf("expected library text kept, got %q", result.Pages[0].Source)
	}

	// Explicitly asking for AI with nothing configured is an error.
	if _, err := parser.Parse(context.Background(), "doc.pdf", ParseOptions{Strategy: StrategyAI}, nil); !errors.Is(err, llm.ErrNoProviders) {
		t.Errorf("expected ErrNoProviders, got %v", err)
	}
}

func TestSmartParser_UnknownStrategy(t *testing.T) {
	parser := newTestParser(&stubPDF{pages: []PageText{{Number: 1, Text: goodText}}}, &fakeOCR{}, &fakeResolver{})
	if _, err := parser.Parse(context.Background(), "doc.pdf", ParseOptions{Strategy: "turbo"}, nil); !errors.Is(err, ErrUnknownStrategy) {
		t.Errorf("expected ErrUnknownStrategy, got %v", err)
	}
}

func TestSmartParser_ValidationFailureFailsParse(t *testing.T) {
	wantErr := errors.New("not a pdf")
	parser := newTestParser(&stubPDF{validateErr: wantErr}, &fakeOCR{}, &fakeResolver{})
	if _, err := parser.Parse(context.Background(), "doc.pdf", ParseOptions{Strategy: StrategyAuto}, nil); !errors.Is(err, wantErr) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestSmartParser_ProgressReported(t *testing.T) {
	pdf := &stubPDF{pages: []PageText{{Number: 1, Text: goodText}}}
	parser := newTestParser(pdf, &fakeOCR{}, &fakeResolver{})

	var steps []string
	progress := func(step, message string, current, total int) {
		steps = append(steps, step)
	}
	if _, err := parser.Parse(context.Background(), "doc.pdf", ParseOptions{Strategy: StrategyLibraryOnly}, progress); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(steps) == 0 || steps[0] != "validate" || steps[len(steps)-1] != "complete" {
		t.Errorf("unexpected progress steps: %v", steps)
	}
}
