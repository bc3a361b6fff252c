package services

import (
	"strings"
	"unicode"
)

// DefaultMinChars is the page text length below which extraction is
// considered too thin to trust.
const DefaultMinChars = 100

// ConfidenceScorer rates library-extracted page text on a 0..1 scale.
// Scores below the parse threshold send the page to OCR or a vision model.
type ConfidenceScorer struct {
	// MinChars is the character count at which the length factor saturates.
	MinChars int
}

func NewConfidenceScorer() ConfidenceScorer {
	return ConfidenceScorer{MinChars: DefaultMinChars}
}

// Score is a pure function of the text. It blends three signals, how much
// text came out, how letter-like it is, and whether it splits into
// plausible words, then discounts for replacement and control characters
// that indicate a broken font encoding.
func (s ConfidenceScorer) Score(text string) float64 {
	text = strings.TrimSpace(text)
	if text == "" {
		return 0
	}

	minChars := s.MinChars
	if minChars <= 0 {
		minChars = DefaultMinChars
	}

	var total, letters, digits, garbage int
	for _, r := range text {
		total++
		switch {
		case unicode.IsLetter(r):
			letters++
		case unicode.IsDigit(r):
			digits++
		case r == unicode.ReplacementChar:
			garbage++
		case unicode.IsControl(r) && r != '\n' && r != '\t' && r != '\r':
			garbage++
		}
	}

	lengthScore := float64(total) / float64(minChars)
	if lengthScore > 1 {
		lengthScore = 1
	}

	// Real text is at least 30% letters and digits, anything below that
	// scales the whole score down.
	alphaFactor := float64(letters+digits) / float64(total) / 0.3
	if alphaFactor > 1 {
		alphaFactor = 1
	}

	score := (0.45*lengthScore + 0.55*scoreWords(text)) * alphaFactor

	// Replacement and control characters are a strong broken-extraction
	// signal, a few of them should sink the page.
	garbageRatio := float64(garbage) / float64(total)
	score *= 1 - 2*garbageRatio
	if score < 0 {
		score = 0
	}
	return score
}

// scoreWords checks that whitespace-separated tokens look like words.
// Extraction failures tend to produce either one giant run or confetti of
// single characters.
func scoreWords(text string) float64 {
	words := strings.Fields(text)
	if len(words) == 0 {
		return 0
	}

	plausible := 0
	for _, w := range words {
		runes := []rune(w)
		if len(runes) < 2 || len(runes) > 20 {
			continue
		}
		for _, r := range runes {
			if unicode.IsLetter(r) || unicode.IsDigit(r) {
				plausible++
				break
			}
		}
	}
	return float64(plausible) / float64(len(words))
}
