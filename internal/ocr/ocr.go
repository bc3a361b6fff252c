package ocr

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/otiai10/gosseract/v2"
)

// ErrDisabled is returned when OCR was turned off via configuration.
var ErrDisabled = errors.New("ocr is disabled")

// Engine turns a rendered page image into text.
type Engine interface {
	Available() bool
	ImageText(ctx context.Context, png []byte) (string, error)
}

// TesseractEngine runs a local Tesseract install through gosseract.
type TesseractEngine struct {
	languages []string
}

// NewTesseract builds an engine for the given languages, e.g. "eng" or
// "eng+deu".
func NewTesseract(languages string) *TesseractEngine {
	langs := strings.Split(languages, "+")
	if len(langs) == 0 || langs[0] == "" {
		langs = []string{"eng"}
	}
	return &TesseractEngine{languages: langs}
}

func (e *TesseractEngine) Available() bool { return true }

func (e *TesseractEngine) ImageText(ctx context.Context, png []byte) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	default:
	}

	// gosseract clients are not safe for concurrent use, one per call.
	client := gosseract.NewClient()
	defer client.Close()

	if err := client.SetLanguage(e.languages...); err != nil {
		return "", fmt.Errorf("set ocr language: %w", err)
	}
	if err := client.SetImageFromBytes(png); err != nil {
		return "", fmt.Errorf("load page image: %w", err)
	}

	text, err := client.Text()
	if err != nil {
		return "", fmt.Errorf("run tesseract: %w", err)
	}
	return strings.TrimSpace(text), nil
}

// DisabledEngine is used when OCR_ENABLED is off, requests that ask for OCR
// get a clean error instead of a missing binary failure.
type DisabledEngine struct{}

func NewDisabled() *DisabledEngine { return &DisabledEngine{} }

func (DisabledEngine) Available() bool { return false }

func (DisabledEngine) ImageText(context.Context, []byte) (string, error) {
	return "", ErrDisabled
}
