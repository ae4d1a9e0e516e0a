// Package docgen renders the continuation document from an analysis
// aggregate. Output is deterministic given its input: same result, same text.
package docgen

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"caseline/internal/domain"
)

// ErrIncomplete marks a generation that fell back to the stub because a
// required section was missing.
var ErrIncomplete = errors.New("continuation document incomplete")

// Generate produces the continuation document text. When the next-step list
// is absent it returns a best-effort stub flagged incomplete (the error is
// ErrIncomplete) rather than aborting the pipeline.
func Generate(res domain.AnalysisResult) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "CONTINUATION DOCUMENT — petition %s\n", res.PetitionID)
	b.WriteString(strings.Repeat("=", 40) + "\n")

	if len(res.Scenarios) > 0 {
		b.WriteString("\nPrognosis\n---------\n")
		scenarios := make([]domain.PrognosisScenario, len(res.Scenarios))
		copy(scenarios, res.Scenarios)
		sort.SliceStable(scenarios, func(i, j int) bool {
			if scenarios[i].Probability != scenarios[j].Probability {
				return scenarios[i].Probability > scenarios[j].Probability
			}
			return scenarios[i].Label < scenarios[j].Label
		})
		for _, s := range scenarios {
			fmt.Fprintf(&b, "- %s: %.0f%%", s.Label, s.Probability*100)
			if s.EstimateLow != nil && s.EstimateHigh != nil {
				fmt.Fprintf(&b, " (estimated %.2f – %.2f)", *s.EstimateLow, *s.EstimateHigh)
			}
			b.WriteString("\n")
		}
	}

	for _, op := range res.Opinions {
		if op.Kind != kindExpert && op.Kind != kindCoordinator {
			continue
		}
		fmt.Fprintf(&b, "\nOpinion (%s)\n", op.AgentID)
		b.WriteString(strings.Repeat("-", len(op.AgentID)+10) + "\n")
		b.WriteString(op.Summary + "\n")
		if op.Confidence != nil {
			fmt.Fprintf(&b, "Confidence: %.2f\n", *op.Confidence)
		}
	}

	if len(res.MissingAgents) > 0 {
		b.WriteString("\nMissing opinions\n----------------\n")
		for _, id := range res.MissingAgents {
			fmt.Fprintf(&b, "- %s (specialist did not complete)\n", id)
		}
	}

	if len(res.NextSteps) == 0 {
		b.WriteString("\nNext steps\n----------\n")
		b.WriteString("[INCOMPLETE] No strategist opinion available; next steps must be determined manually.\n")
		return b.String(), ErrIncomplete
	}

	b.WriteString("\nNext steps\n----------\n")
	for i, step := range res.NextSteps {
		fmt.Fprintf(&b, "%d. %s\n", i+1, step)
	}
	return b.String(), nil
}

// Mirrors the agent kind enumeration without importing the agents package;
// docgen depends only on the domain aggregate.
const (
	kindExpert      = "expert"
	kindCoordinator = "coordinator"
)
