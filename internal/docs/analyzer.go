package docs

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"caseline/internal/domain"
	"caseline/internal/reasoning"
)

// TagSuggest routes analyzer prompts in scripted engines.
const TagSuggest = "docs.suggest"

// Analyzer asks the reasoning engine which documents a petition needs.
type Analyzer struct {
	Client  reasoning.Client
	Retries int
	Backoff time.Duration
}

type suggestion struct {
	Label     string `json:"label"`
	Essential bool   `json:"essential"`
}

const suggestPrompt = `You are a legal intake assistant. Given the petition text below,
list the documents required to analyze the case. Reply with a JSON array of
objects {"label": string, "essential": bool}, essential meaning the analysis
cannot proceed without it. No prose outside the JSON.

Petition:
%s`

// Suggest returns the ordered document checklist for a petition text.
// Duplicate labels are collapsed, first occurrence wins. Transient engine
// failures are retried with exponential backoff before surfacing.
func (a Analyzer) Suggest(ctx context.Context, petitionText string) ([]domain.DocumentRequirement, error) {
	var completion string
	err := reasoning.Retry(ctx, a.Retries, a.Backoff, func(ctx context.Context) error {
		var err error
		completion, err = a.Client.Complete(ctx, reasoning.Request{
			Tag:    TagSuggest,
			Prompt: fmt.Sprintf(suggestPrompt, petitionText),
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("suggest documents: %w", err)
	}

	var parsed []suggestion
	if err := json.Unmarshal([]byte(CleanJSON(completion)), &parsed); err != nil {
		return nil, fmt.Errorf("parse document suggestions: %w", err)
	}

	seen := map[string]bool{}
	var reqs []domain.DocumentRequirement
	for _, s := range parsed {
		label := strings.TrimSpace(s.Label)
		if label == "" {
			continue
		}
		key := strings.ToLower(label)
		if seen[key] {
			continue
		}
		seen[key] = true
		reqs = append(reqs, domain.DocumentRequirement{
			Label:     label,
			Essential: s.Essential,
		})
	}
	return reqs, nil
}

// CleanJSON strips markdown code fences around an engine completion so it can
// be unmarshalled directly.
func CleanJSON(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if i := strings.LastIndex(s, "```"); i >= 0 {
			s = s[:i]
		}
	}
	return strings.TrimSpace(s)
}
