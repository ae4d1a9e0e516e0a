package reasoning

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRetryStopsOnNonTransient(t *testing.T) {
	calls := 0
	permanent := errors.New("bad prompt")
	err := Retry(context.Background(), 3, time.Millisecond, func(context.Context) error {
		calls++
		return permanent
	})
	if !errors.Is(err, permanent) || calls != 1 {
		t.Fatalf("expected single attempt, got calls=%d err=%v", calls, err)
	}
}

func TestRetryExhaustsBudget(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), 2, time.Millisecond, func(context.Context) error {
		calls++
		return ErrRateLimited
	})
	if !errors.Is(err, ErrRateLimited) || calls != 3 {
		t.Fatalf("expected 3 attempts, got calls=%d err=%v", calls, err)
	}
}

func TestRetryRecovers(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), 2, time.Millisecond, func(context.Context) error {
		calls++
		if calls < 2 {
			return ErrTimeout
		}
		return nil
	})
	if err != nil || calls != 2 {
		t.Fatalf("expected recovery on second attempt, got calls=%d err=%v", calls, err)
	}
}

func TestRetryHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Retry(ctx, 5, time.Hour, func(context.Context) error {
		calls++
		cancel()
		return ErrRateLimited
	})
	if !errors.Is(err, context.Canceled) || calls != 1 {
		t.Fatalf("expected cancellation before backoff, got calls=%d err=%v", calls, err)
	}
}

func TestScriptQueueAndRepeat(t *testing.T) {
	s := NewScript()
	s.On("tag", Response{Completion: "one"}, Response{Completion: "two"})
	ctx := context.Background()
	for _, want := range []string{"one", "two", "two"} {
		got, err := s.Complete(ctx, Request{Tag: "tag"})
		if err != nil || got != want {
			t.Fatalf("want %q, got %q err=%v", want, got, err)
		}
	}
	if _, err := s.Complete(ctx, Request{Tag: "unknown"}); err == nil {
		t.Fatalf("expected error for unknown tag")
	}
}
