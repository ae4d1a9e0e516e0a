package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"caseline/internal/docs"
	"caseline/internal/domain"
	"caseline/internal/reasoning"
)

// Strategist produces the ordered next-step list for the continuation of the
// case.
type Strategist struct {
	Client reasoning.Client
}

func (s *Strategist) ID() string { return IDStrategist }
func (s *Strategist) Kind() Kind { return KindStrategist }

type strategistPayload struct {
	Summary   string   `json:"summary"`
	NextSteps []string `json:"next_steps"`
}

func (s *Strategist) Analyze(ctx context.Context, in Context) (domain.Opinion, error) {
	prompt := fmt.Sprintf(`You are a litigation strategist. Based on the petition and
documents below, reply with JSON {"summary": string, "next_steps": [string]}
where next_steps is the ordered list of procedural actions to take next.
%s`, contextBlock(in))
	var payload strategistPayload
	if err := completeJSON(ctx, s.Client, s.ID(), prompt, &payload); err != nil {
		return domain.Opinion{}, err
	}
	if len(payload.NextSteps) == 0 {
		return domain.Opinion{}, &Error{AgentID: s.ID(), Reason: "empty next-step list"}
	}
	return domain.Opinion{
		AgentID:   s.ID(),
		Kind:      string(KindStrategist),
		Summary:   payload.Summary,
		NextSteps: payload.NextSteps,
	}, nil
}

// PrognosisAnalyst produces the probability-weighted outcome scenarios. It is
// mandatory for any usable analysis result.
type PrognosisAnalyst struct {
	Client reasoning.Client
}

func (p *PrognosisAnalyst) ID() string { return IDPrognosis }
func (p *PrognosisAnalyst) Kind() Kind { return KindPrognosis }

type prognosisPayload struct {
	Summary   string `json:"summary"`
	Scenarios []struct {
		Label        string   `json:"label"`
		Probability  float64  `json:"probability"`
		EstimateLow  *float64 `json:"estimate_low"`
		EstimateHigh *float64 `json:"estimate_high"`
	} `json:"scenarios"`
}

func (p *PrognosisAnalyst) Analyze(ctx context.Context, in Context) (domain.Opinion, error) {
	prompt := fmt.Sprintf(`You are a case prognosis analyst. Based on the petition and
documents below, reply with JSON {"summary": string, "scenarios": [{"label":
string, "probability": number, "estimate_low": number|null, "estimate_high":
number|null}]}. Probabilities must cover the plausible outcomes and sum to 1.
%s`, contextBlock(in))
	var payload prognosisPayload
	if err := completeJSON(ctx, p.Client, p.ID(), prompt, &payload); err != nil {
		return domain.Opinion{}, err
	}
	if len(payload.Scenarios) == 0 {
		return domain.Opinion{}, &Error{AgentID: p.ID(), Reason: "empty scenario list"}
	}
	op := domain.Opinion{
		AgentID: p.ID(),
		Kind:    string(KindPrognosis),
		Summary: payload.Summary,
	}
	for _, s := range payload.Scenarios {
		if s.Probability < 0 || s.Probability > 1 {
			return domain.Opinion{}, &Error{AgentID: p.ID(), Reason: fmt.Sprintf("scenario %q probability %v out of range", s.Label, s.Probability)}
		}
		op.Scenarios = append(op.Scenarios, domain.PrognosisScenario{
			Label:        s.Label,
			Probability:  s.Probability,
			EstimateLow:  s.EstimateLow,
			EstimateHigh: s.EstimateHigh,
		})
	}
	return op, nil
}

// Expert produces a narrative opinion with a confidence score for one legal
// specialty.
type Expert struct {
	Client    reasoning.Client
	Specialty string
}

func (e *Expert) ID() string { return IDExpert(e.Specialty) }
func (e *Expert) Kind() Kind { return KindExpert }

type expertPayload struct {
	Opinion    string  `json:"opinion"`
	Confidence float64 `json:"confidence"`
}

func (e *Expert) Analyze(ctx context.Context, in Context) (domain.Opinion, error) {
	prompt := fmt.Sprintf(`You are an expert in %s law. Assess the petition and documents
below from your specialty's standpoint. Reply with JSON {"opinion": string,
"confidence": number between 0 and 1}.
%s`, e.Specialty, contextBlock(in))
	var payload expertPayload
	if err := completeJSON(ctx, e.Client, e.ID(), prompt, &payload); err != nil {
		return domain.Opinion{}, err
	}
	if payload.Opinion == "" {
		return domain.Opinion{}, &Error{AgentID: e.ID(), Reason: "empty opinion"}
	}
	confidence := payload.Confidence
	return domain.Opinion{
		AgentID:    e.ID(),
		Kind:       string(KindExpert),
		Summary:    payload.Opinion,
		Confidence: &confidence,
	}, nil
}

// Coordinator optionally synthesizes an overall reading of the case. Its
// input is the same fixed context as everyone else's; it never sees sibling
// output.
type Coordinator struct {
	Client reasoning.Client
}

func (c *Coordinator) ID() string { return IDCoordinator }
func (c *Coordinator) Kind() Kind { return KindCoordinator }

type coordinatorPayload struct {
	Synthesis string `json:"synthesis"`
}

func (c *Coordinator) Analyze(ctx context.Context, in Context) (domain.Opinion, error) {
	prompt := fmt.Sprintf(`You coordinate a panel of legal specialists. Provide a concise
overall reading of the petition and documents below. Reply with JSON
{"synthesis": string}.
%s`, contextBlock(in))
	var payload coordinatorPayload
	if err := completeJSON(ctx, c.Client, c.ID(), prompt, &payload); err != nil {
		return domain.Opinion{}, err
	}
	if payload.Synthesis == "" {
		return domain.Opinion{}, &Error{AgentID: c.ID(), Reason: "empty synthesis"}
	}
	return domain.Opinion{
		AgentID: c.ID(),
		Kind:    string(KindCoordinator),
		Summary: payload.Synthesis,
	}, nil
}

// completeJSON performs one engine call for an agent and parses the typed
// payload. Transient engine errors pass through unwrapped so the retry policy
// can classify them; malformed payloads become agent errors.
func completeJSON(ctx context.Context, client reasoning.Client, agentID, prompt string, out any) error {
	completion, err := client.Complete(ctx, reasoning.Request{
		Tag:    "agent." + agentID,
		Prompt: prompt,
	})
	if err != nil {
		if reasoning.Transient(err) {
			return err
		}
		return &Error{AgentID: agentID, Reason: err.Error(), Err: err}
	}
	if err := json.Unmarshal([]byte(docs.CleanJSON(completion)), out); err != nil {
		return &Error{AgentID: agentID, Reason: "malformed opinion payload: " + err.Error(), Err: err}
	}
	return nil
}

func contextBlock(in Context) string {
	var b strings.Builder
	b.WriteString("\nPetition:\n")
	b.WriteString(in.PetitionText)
	for _, d := range in.Documents {
		b.WriteString("\n\nDocument (")
		b.WriteString(d.Label)
		b.WriteString("):\n")
		b.WriteString(d.Text)
	}
	return b.String()
}
