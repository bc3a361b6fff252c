package services

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/ledongthuc/pdf"
	pdfapi "github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

var (
	// ErrNotPDF is returned when the file fails structural validation.
	ErrNotPDF = errors.New("file is not a valid pdf")
	// ErrTooLarge is returned when the file exceeds the upload limit.
	ErrTooLarge = errors.New("file exceeds size limit")
)

// PageText is the library-extracted text of a single page.
type PageText struct {
	Number int
	Text   string
}

type PDFService struct {
	maxFileSize int64
	conf        *model.Configuration
}

func NewPDFService(maxFileSize int64) *PDFService {
	return &PDFService{
		maxFileSize: maxFileSize,
		conf:        model.NewDefaultConfiguration(),
	}
}

// Validate checks size and PDF structure before any parsing starts.
func (s *PDFService) Validate(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat pdf: %w", err)
	}
	if s.maxFileSize > 0 && info.Size() > s.maxFileSize {
		return fmt.Errorf("%w: %d bytes", ErrTooLarge, info.Size())
	}

	if err := pdfapi.ValidateFile(path, s.conf); err != nil {
		return fmt.Errorf("%w: %v", ErrNotPDF, err)
	}
	return nil
}

func (s *PDFService) PageCount(path string) (int, error) {
	n, err := pdfapi.PageCountFile(path)
	if err != nil {
		return 0, fmt.Errorf("count pages: %w", err)
	}
	return n, nil
}

// ExtractPages pulls the embedded text of every page. A page the library
// cannot decode comes back empty rather than failing the document, the
// confidence scorer routes those pages to OCR or vision.
func (s *PDFService) ExtractPages(path string) ([]PageText, error) {
	f, r, err := pdf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open pdf: %w", err)
	}
	defer f.Close()

	numPages := r.NumPage()
	if numPages == 0 {
		return nil, fmt.Errorf("pdf has no pages")
	}

	pages := make([]PageText, 0, numPages)
	for pageNum := 1; pageNum <= numPages; pageNum++ {
		page := r.Page(pageNum)
		text := ""
		if !page.V.IsNull() {
			text = safePlainText(page)
		}
		pages = append(pages, PageText{Number: pageNum, Text: strings.TrimSpace(text)})
	}
	return pages, nil
}

// safePlainText guards against panics the pdf library throws on malformed
// content streams.
func safePlainText(page pdf.Page) (text string) {
	defer func() {
		if r := recover(); r != nil {
			text = ""
		}
	}()
	text, err := page.GetPlainText(nil)
	if err != nil {
		return ""
	}
	return text
}

// RenderPages rasterizes the requested pages to PNG via Ghostscript.
// The returned map is keyed by page number.
func (s *PDFService) RenderPages(path string, pageNums []int) (map[int][]byte, error) {
	if len(pageNums) == 0 {
		return map[int][]byte{}, nil
	}

	tempDir, err := os.MkdirTemp("", "pdf-render-*")
	if err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}
	defer os.RemoveAll(tempDir)

	pageList := make([]string, len(pageNums))
	for i, n := range pageNums {
		pageList[i] = strconv.Itoa(n)
	}

	// -sDEVICE=png16m: 24-bit color PNG
	// -r150: 150 DPI, good balance between quality and payload size
	// -sPageList: render only the pages that need escalation
	outputPattern := filepath.Join(tempDir, "page-%03d.png")
	cmd := exec.Command("gs",
		"-dQUIET",
		"-dSAFER",
		"-dNOPAUSE",
		"-dBATCH",
		"-sDEVICE=png16m",
		"-r150",
		fmt.Sprintf("-sPageList=%s", strings.Join(pageList, ",")),
		fmt.Sprintf("-sOutputFile=%s", outputPattern),
		path,
	)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("ghostscript render failed: %w, stderr: %s", err, stderr.String())
	}

	// Ghostscript numbers output files 1..N in selection order.
	out := make(map[int][]byte, len(pageNums))
	for i, pageNum := range pageNums {
		pagePath := filepath.Join(tempDir, fmt.Sprintf("page-%03d.png", i+1))
		imageData, err := os.ReadFile(pagePath)
		if err != nil {
			return nil, fmt.Errorf("read rendered page %d: %w", pageNum, err)
		}
		out[pageNum] = imageData
	}

	return out, nil
}

// GhostscriptAvailable reports whether the gs binary is on PATH.
func GhostscriptAvailable() bool {
	_, err := exec.LookPath("gs")
	return err == nil
}

// ExtractTables finds table-looking rows in extracted text. Rows qualify
// when they split into two or more cells on a "|" separator or on runs of
// two or more spaces, and a table needs at least two consecutive rows with
// the same cell count.
func ExtractTables(text string) [][]string {
	lines := strings.Split(text, "\n")

	var rows [][]string
	var tables [][]string
	flush := func() {
		if len(rows) >= 2 {
			tables = append(tables, rows...)
		}
		rows = nil
	}

	prevCells := 0
	for _, line := range lines {
		cells := splitRow(line)
		if len(cells) < 2 {
			flush()
			prevCells = 0
			continue
		}
		if prevCells != 0 && len(cells) != prevCells {
			flush()
		}
		prevCells = len(cells)
		rows = append(rows, cells)
	}
	flush()

	return tables
}

func splitRow(line string) []string {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}

	var parts []string
	if strings.Contains(line, "|") {
		parts = strings.Split(strings.Trim(line, "|"), "|")
	} else {
		parts = splitOnSpaceRuns(line)
	}

	cells := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			cells = append(cells, p)
		}
	}
	return cells
}

func splitOnSpaceRuns(line string) []string {
	var parts []string
	var current strings.Builder
	spaces := 0
	for _, r := range line {
		if r == ' ' || r == '\t' {
			spaces++
			continue
		}
		if spaces >= 2 && current.Len() > 0 {
			parts = append(parts, current.String())
			current.Reset()
		} else if spaces > 0 && current.Len() > 0 {
			current.WriteRune(' ')
		}
		spaces = 0
		current.WriteRune(r)
	}
	if current.Len() > 0 {
		parts = append(parts, current.String())
	}
	return parts
}
