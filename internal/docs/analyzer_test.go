package docs_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"caseline/internal/docs"
	"caseline/internal/reasoning"
)

func TestSuggestDedupesLabels(t *testing.T) {
	s := reasoning.NewScript()
	s.On(docs.TagSuggest, reasoning.Response{Completion: `[
		{"label": "Contract", "essential": true},
		{"label": "contract", "essential": false},
		{"label": "  ", "essential": true},
		{"label": "Letters", "essential": false}
	]`})
	a := docs.Analyzer{Client: s}
	reqs, err := a.Suggest(context.Background(), "petition text")
	if err != nil {
		t.Fatalf("suggest: %v", err)
	}
	if len(reqs) != 2 {
		t.Fatalf("expected 2 requirements after dedupe, got %+v", reqs)
	}
	// first occurrence wins, including its essential flag
	if reqs[0].Label != "Contract" || !reqs[0].Essential {
		t.Fatalf("unexpected first requirement: %+v", reqs[0])
	}
}

func TestSuggestRetriesTransient(t *testing.T) {
	s := reasoning.NewScript()
	s.On(docs.TagSuggest,
		reasoning.Response{Err: reasoning.ErrRateLimited},
		reasoning.Response{Completion: `[{"label": "Contract", "essential": true}]`},
	)
	a := docs.Analyzer{Client: s, Retries: 2, Backoff: time.Millisecond}
	reqs, err := a.Suggest(context.Background(), "petition text")
	if err != nil {
		t.Fatalf("suggest: %v", err)
	}
	if len(reqs) != 1 || s.Calls(docs.TagSuggest) != 2 {
		t.Fatalf("expected success on second attempt, reqs=%v calls=%d", reqs, s.Calls(docs.TagSuggest))
	}
}

func TestSuggestDoesNotRetryParseErrors(t *testing.T) {
	s := reasoning.NewScript()
	s.On(docs.TagSuggest, reasoning.Response{Completion: `not json at all`})
	a := docs.Analyzer{Client: s, Retries: 3, Backoff: time.Millisecond}
	if _, err := a.Suggest(context.Background(), "petition text"); err == nil {
		t.Fatalf("expected parse error")
	}
	if s.Calls(docs.TagSuggest) != 1 {
		t.Fatalf("parse failures must not retry, got %d calls", s.Calls(docs.TagSuggest))
	}
}

func TestSuggestSurfacesPersistentFailure(t *testing.T) {
	s := reasoning.NewScript()
	s.On(docs.TagSuggest, reasoning.Response{Err: reasoning.ErrServiceError})
	a := docs.Analyzer{Client: s, Retries: 2, Backoff: time.Millisecond}
	_, err := a.Suggest(context.Background(), "petition text")
	if !errors.Is(err, reasoning.ErrServiceError) {
		t.Fatalf("expected service error, got %v", err)
	}
	if s.Calls(docs.TagSuggest) != 3 {
		t.Fatalf("expected 3 attempts, got %d", s.Calls(docs.TagSuggest))
	}
}

func TestCleanJSON(t *testing.T) {
	in := "```json\n[{\"label\": \"x\"}]\n```"
	if got := docs.CleanJSON(in); got != `[{"label": "x"}]` {
		t.Fatalf("unexpected cleaned JSON: %q", got)
	}
	if got := docs.CleanJSON(`  [1] `); got != "[1]" {
		t.Fatalf("plain JSON should only be trimmed: %q", got)
	}
}
