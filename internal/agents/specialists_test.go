package agents_test

import (
	"context"
	"errors"
	"testing"

	"caseline/internal/agents"
	"caseline/internal/config"
	"caseline/internal/reasoning"
)

func TestCatalogContents(t *testing.T) {
	cfg := config.Default()
	cfg.Agents.Specialties = []string{"civil", "labor"}
	catalog := agents.Catalog(cfg, reasoning.NewScript())
	for _, id := range []string{
		agents.IDStrategist,
		agents.IDPrognosis,
		agents.IDCoordinator,
		agents.IDExpert("civil"),
		agents.IDExpert("labor"),
	} {
		a, ok := catalog[id]
		if !ok {
			t.Fatalf("catalog missing %s", id)
		}
		if a.ID() != id {
			t.Fatalf("agent id mismatch: %s vs %s", a.ID(), id)
		}
	}
	if len(catalog) != 5 {
		t.Fatalf("unexpected catalog size %d", len(catalog))
	}
}

func TestStrategistParsesNextSteps(t *testing.T) {
	s := reasoning.NewScript()
	s.On("agent."+agents.IDStrategist, reasoning.Response{Completion: "```json\n" + `{
		"summary": "viable", "next_steps": ["a", "b"]
	}` + "\n```"})
	a := &agents.Strategist{Client: s}
	op, err := a.Analyze(context.Background(), agents.Context{PetitionText: "text"})
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if op.Kind != string(agents.KindStrategist) || len(op.NextSteps) != 2 {
		t.Fatalf("unexpected opinion: %+v", op)
	}
}

func TestStrategistRejectsEmptySteps(t *testing.T) {
	s := reasoning.NewScript()
	s.On("agent."+agents.IDStrategist, reasoning.Response{Completion: `{"summary": "x", "next_steps": []}`})
	a := &agents.Strategist{Client: s}
	_, err := a.Analyze(context.Background(), agents.Context{PetitionText: "text"})
	var agentErr *agents.Error
	if !errors.As(err, &agentErr) {
		t.Fatalf("expected agent error, got %v", err)
	}
}

func TestPrognosisValidatesProbabilityRange(t *testing.T) {
	s := reasoning.NewScript()
	s.On("agent."+agents.IDPrognosis, reasoning.Response{Completion: `{
		"summary": "x",
		"scenarios": [{"label": "win", "probability": 1.5}]
	}`})
	a := &agents.PrognosisAnalyst{Client: s}
	if _, err := a.Analyze(context.Background(), agents.Context{PetitionText: "text"}); err == nil {
		t.Fatalf("expected out-of-range probability to fail")
	}
}

func TestExpertOpinion(t *testing.T) {
	s := reasoning.NewScript()
	s.On("agent."+agents.IDExpert("civil"), reasoning.Response{Completion: `{
		"opinion": "sound claim", "confidence": 0.9
	}`})
	a := &agents.Expert{Client: s, Specialty: "civil"}
	op, err := a.Analyze(context.Background(), agents.Context{PetitionText: "text"})
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if op.AgentID != "expert.civil" || op.Confidence == nil || *op.Confidence != 0.9 {
		t.Fatalf("unexpected opinion: %+v", op)
	}
}

func TestTransientErrorsPassThrough(t *testing.T) {
	s := reasoning.NewScript()
	s.On("agent."+agents.IDStrategist, reasoning.Response{Err: reasoning.ErrRateLimited})
	a := &agents.Strategist{Client: s}
	_, err := a.Analyze(context.Background(), agents.Context{PetitionText: "text"})
	if !errors.Is(err, reasoning.ErrRateLimited) {
		t.Fatalf("transient errors must stay unwrapped for retry classification, got %v", err)
	}
}
