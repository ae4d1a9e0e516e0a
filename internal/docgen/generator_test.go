package docgen_test

import (
	"errors"
	"strings"
	"testing"

	"caseline/internal/docgen"
	"caseline/internal/domain"
)

func sampleResult() domain.AnalysisResult {
	confidence := 0.8
	low, high := 1000.0, 5000.0
	return domain.AnalysisResult{
		PetitionID: "p1",
		RunID:      "run-1",
		Scenarios: []domain.PrognosisScenario{
			{Label: "dismissal", Probability: 0.3},
			{Label: "settlement", Probability: 0.7, EstimateLow: &low, EstimateHigh: &high},
		},
		NextSteps: []string{"gather evidence", "file motion"},
		Opinions: []domain.Opinion{
			{AgentID: "strategist", Kind: "strategist", Summary: "viable"},
			{AgentID: "expert.civil", Kind: "expert", Summary: "sound claim", Confidence: &confidence},
			{AgentID: "coordinator", Kind: "coordinator", Summary: "pursue settlement"},
		},
	}
}

func TestGenerateOrdersScenariosByProbability(t *testing.T) {
	doc, err := docgen.Generate(sampleResult())
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	settlement := strings.Index(doc, "settlement: 70%")
	dismissal := strings.Index(doc, "dismissal: 30%")
	if settlement < 0 || dismissal < 0 || settlement > dismissal {
		t.Fatalf("scenarios not ordered by probability:\n%s", doc)
	}
	if !strings.Contains(doc, "1. gather evidence") || !strings.Contains(doc, "2. file motion") {
		t.Fatalf("next steps not numbered:\n%s", doc)
	}
}

func TestGenerateIncludesOnlyExpertAndCoordinatorOpinions(t *testing.T) {
	doc, err := docgen.Generate(sampleResult())
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if !strings.Contains(doc, "Opinion (expert.civil)") || !strings.Contains(doc, "Opinion (coordinator)") {
		t.Fatalf("expected expert and coordinator opinions:\n%s", doc)
	}
	if strings.Contains(doc, "Opinion (strategist)") {
		t.Fatalf("strategist opinion belongs in next steps, not opinions:\n%s", doc)
	}
}

func TestGenerateMissingAgentsSection(t *testing.T) {
	res := sampleResult()
	res.MissingAgents = []string{"expert.labor"}
	doc, err := docgen.Generate(res)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if !strings.Contains(doc, "expert.labor (specialist did not complete)") {
		t.Fatalf("missing agent not reported:\n%s", doc)
	}
}

func TestGenerateWithoutNextStepsIsIncomplete(t *testing.T) {
	res := sampleResult()
	res.NextSteps = nil
	doc, err := docgen.Generate(res)
	if !errors.Is(err, docgen.ErrIncomplete) {
		t.Fatalf("expected ErrIncomplete, got %v", err)
	}
	if !strings.Contains(doc, "[INCOMPLETE]") {
		t.Fatalf("stub marker missing:\n%s", doc)
	}
}

func TestGenerateDeterministic(t *testing.T) {
	a, _ := docgen.Generate(sampleResult())
	b, _ := docgen.Generate(sampleResult())
	if a != b {
		t.Fatalf("generation must be deterministic")
	}
}
