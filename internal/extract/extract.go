package extract

import (
	"errors"
	"strings"
	"unicode/utf8"
)

// ErrUnsupportedFormat is returned for uploads the extractor cannot read.
var ErrUnsupportedFormat = errors.New("unsupported document format")

// Extractor turns uploaded document bytes into text.
type Extractor interface {
	Extract(data []byte, mediaType string) (string, error)
}

// Plain accepts UTF-8 text uploads. Binary formats are rejected; OCR and
// richer formats live behind external services.
type Plain struct{}

func (Plain) Extract(data []byte, mediaType string) (string, error) {
	if mediaType != "" && !strings.HasPrefix(mediaType, "text/") && mediaType != "application/json" {
		return "", ErrUnsupportedFormat
	}
	if !utf8.Valid(data) {
		return "", ErrUnsupportedFormat
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return "", ErrUnsupportedFormat
	}
	return text, nil
}
