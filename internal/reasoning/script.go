package reasoning

import (
	"context"
	"fmt"
	"sync"
)

// Script is a canned reasoning engine keyed by request tag. Used by tests and
// the demo CLI path. Responses for a tag are consumed in order; the last one
// repeats once the queue drains.
type Script struct {
	mu        sync.Mutex
	responses map[string][]Response
	calls     map[string]int
}

// Response is one scripted reply: either a completion or an error.
type Response struct {
	Completion string
	Err        error
}

func NewScript() *Script {
	return &Script{
		responses: map[string][]Response{},
		calls:     map[string]int{},
	}
}

// On queues responses for a tag.
func (s *Script) On(tag string, responses ...Response) *Script {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses[tag] = append(s.responses[tag], responses...)
	return s
}

// Calls returns how many times the given tag was requested.
func (s *Script) Calls(tag string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[tag]
}

func (s *Script) Complete(ctx context.Context, req Request) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	queue := s.responses[req.Tag]
	if len(queue) == 0 {
		return "", fmt.Errorf("no scripted response for tag %q", req.Tag)
	}
	n := s.calls[req.Tag]
	s.calls[req.Tag] = n + 1
	if n >= len(queue) {
		n = len(queue) - 1
	}
	r := queue[n]
	if r.Err != nil {
		return "", r.Err
	}
	return r.Completion, nil
}
