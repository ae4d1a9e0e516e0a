package domain

// Petition lifecycle statuses. Transitions are forward-only; the three
// successors of StatusAnalyzing are terminal.
const (
	StatusCreated            = "created"
	StatusDocumentsSuggested = "documents_suggested"
	StatusAwaitingDocuments  = "awaiting_documents"
	StatusReadyForAnalysis   = "ready_for_analysis"
	StatusAnalyzing          = "analyzing"
	StatusCompleted          = "completed"
	StatusPartiallyCompleted = "partially_completed"
	StatusFailed             = "failed"
)

// Invocation statuses.
const (
	InvocationPending   = "pending"
	InvocationRunning   = "running"
	InvocationSucceeded = "succeeded"
	InvocationFailed    = "failed"
)

// TerminalStatus reports whether a petition status admits no further
// transitions.
func TerminalStatus(status string) bool {
	switch status {
	case StatusCompleted, StatusPartiallyCompleted, StatusFailed:
		return true
	}
	return false
}

type Petition struct {
	ID             string                `json:"id"`
	Text           string                `json:"text"`
	Status         string                `json:"status" enum:"created,documents_suggested,awaiting_documents,ready_for_analysis,analyzing,completed,partially_completed,failed"`
	SelectedAgents []string              `json:"selected_agents,omitempty"`
	RunID          *string               `json:"run_id,omitempty"`
	Requirements   []DocumentRequirement `json:"requirements,omitempty"`
	CreatedAt      string                `json:"created_at" format:"date-time"`
	UpdatedAt      string                `json:"updated_at" format:"date-time"`
}

type DocumentRequirement struct {
	ID          string  `json:"id"`
	PetitionID  string  `json:"petition_id"`
	Position    int     `json:"position"`
	Label       string  `json:"label"`
	Essential   bool    `json:"essential"`
	SatisfiedBy *string `json:"satisfied_by,omitempty"`
}

// SpecialistInvocation records one agent call within an analysis run.
// Immutable once status reaches succeeded or failed.
type SpecialistInvocation struct {
	ID            string   `json:"id"`
	RunID         string   `json:"run_id"`
	PetitionID    string   `json:"petition_id"`
	AgentID       string   `json:"agent_id"`
	Status        string   `json:"status" enum:"pending,running,succeeded,failed"`
	Opinion       *Opinion `json:"opinion,omitempty"`
	FailureReason string   `json:"failure_reason,omitempty"`
	StartedAt     *string  `json:"started_at,omitempty" format:"date-time"`
	FinishedAt    *string  `json:"finished_at,omitempty" format:"date-time"`
}

// Opinion is the typed output of one specialist. Fields beyond Summary are
// populated according to the producing agent's kind.
type Opinion struct {
	AgentID    string              `json:"agent_id"`
	Kind       string              `json:"kind" enum:"strategist,prognosis,expert,coordinator"`
	Summary    string              `json:"summary,omitempty"`
	Confidence *float64            `json:"confidence,omitempty"`
	NextSteps  []string            `json:"next_steps,omitempty"`
	Scenarios  []PrognosisScenario `json:"scenarios,omitempty"`
}

// PrognosisScenario is a probability-weighted predicted outcome.
type PrognosisScenario struct {
	Label        string   `json:"label"`
	Probability  float64  `json:"probability" minimum:"0" maximum:"1"`
	EstimateLow  *float64 `json:"estimate_low,omitempty"`
	EstimateHigh *float64 `json:"estimate_high,omitempty"`
}

// AnalysisResult is the aggregate of one analysis run. It exists only for
// petitions in a terminal completed state and is immutable after creation.
type AnalysisResult struct {
	PetitionID         string              `json:"petition_id"`
	RunID              string              `json:"run_id"`
	Scenarios          []PrognosisScenario `json:"scenarios"`
	NextSteps          []string            `json:"next_steps"`
	Opinions           []Opinion           `json:"opinions"`
	MissingAgents      []string            `json:"missing_agents,omitempty"`
	Document           string              `json:"document"`
	DocumentIncomplete bool                `json:"document_incomplete,omitempty"`
	CompletedAt        string              `json:"completed_at" format:"date-time"`
}

// AgentProgress is the polling view of one invocation.
type AgentProgress struct {
	AgentID       string `json:"agent_id"`
	Status        string `json:"status" enum:"pending,running,succeeded,failed"`
	FailureReason string `json:"failure_reason,omitempty"`
}

// StatusProjection is the read-only snapshot served to polling clients.
type StatusProjection struct {
	PetitionID string          `json:"petition_id"`
	Status     string          `json:"status"`
	RunID      *string         `json:"run_id,omitempty"`
	Agents     []AgentProgress `json:"agents,omitempty"`
	Result     *AnalysisResult `json:"result,omitempty"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	PetitionID string `json:"petition_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}
