package extract_test

import (
	"errors"
	"testing"

	"caseline/internal/extract"
)

func TestPlainExtract(t *testing.T) {
	p := extract.Plain{}
	text, err := p.Extract([]byte("  signed lease agreement\n"), "text/plain")
	if err != nil || text != "signed lease agreement" {
		t.Fatalf("got %q err=%v", text, err)
	}
	if _, err := p.Extract([]byte(`{"a":1}`), "application/json"); err != nil {
		t.Fatalf("json should be accepted: %v", err)
	}
	if _, err := p.Extract([]byte("no media type"), ""); err != nil {
		t.Fatalf("empty media type should default to text: %v", err)
	}
}

func TestPlainExtractRejections(t *testing.T) {
	p := extract.Plain{}
	cases := []struct {
		name      string
		data      []byte
		mediaType string
	}{
		{"binary media type", []byte("x"), "application/pdf"},
		{"invalid utf8", []byte{0xff, 0xfe}, "text/plain"},
		{"empty content", []byte("   \n"), "text/plain"},
	}
	for _, tc := range cases {
		if _, err := p.Extract(tc.data, tc.mediaType); !errors.Is(err, extract.ErrUnsupportedFormat) {
			t.Fatalf("%s: expected ErrUnsupportedFormat, got %v", tc.name, err)
		}
	}
}
