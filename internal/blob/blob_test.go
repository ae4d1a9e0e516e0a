package blob_test

import (
	"testing"

	"caseline/internal/blob"
)

func TestPutGetRoundTrip(t *testing.T) {
	s := blob.New(t.TempDir())
	ref, err := s.Put("p1", "req-1", []byte("document text"))
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if ref != "p1/req-1" {
		t.Fatalf("unexpected ref %q", ref)
	}
	data, err := s.Get(ref)
	if err != nil || string(data) != "document text" {
		t.Fatalf("get: %q err=%v", data, err)
	}
}

func TestGetRejectsTraversal(t *testing.T) {
	s := blob.New(t.TempDir())
	if _, err := s.Get("../../etc/passwd"); err == nil {
		t.Fatalf("expected traversal rejection")
	}
}

func TestPutRequiresIDs(t *testing.T) {
	s := blob.New(t.TempDir())
	if _, err := s.Put("", "req", []byte("x")); err == nil {
		t.Fatalf("expected error for empty petition id")
	}
}
