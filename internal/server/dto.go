package server

import (
	"encoding/json"

	"caseline/internal/domain"
)

// Request payloads

type CreatePetitionRequest struct {
	Text string `json:"text"`
}

type SelectSpecialistsRequest struct {
	Agents []string `json:"agents"`
}

type UploadDocumentRequest struct {
	// Data carries the raw document bytes, base64-encoded by Huma.
	Data      []byte `json:"data"`
	MediaType string `json:"media_type,omitempty"`
}

// Response payloads

type PetitionResponse struct {
	ID             string                `json:"id" format:"uuid"`
	Text           string                `json:"text"`
	Status         string                `json:"status" enum:"created,documents_suggested,awaiting_documents,ready_for_analysis,analyzing,completed,partially_completed,failed"`
	SelectedAgents []string              `json:"selected_agents,omitempty"`
	RunID          *string               `json:"run_id,omitempty" format:"uuid"`
	Requirements   []RequirementResponse `json:"requirements,omitempty"`
	CreatedAt      string                `json:"created_at" format:"date-time"`
	UpdatedAt      string                `json:"updated_at" format:"date-time"`
}

type RequirementResponse struct {
	ID          string `json:"id" format:"uuid"`
	Label       string `json:"label"`
	Essential   bool   `json:"essential"`
	Satisfied   bool   `json:"satisfied"`
	SatisfiedBy string `json:"satisfied_by,omitempty"`
}

type SpecialistResponse struct {
	ID   string `json:"id"`
	Kind string `json:"kind" enum:"strategist,prognosis,expert,coordinator"`
}

type UploadResponse struct {
	RequirementID string `json:"requirement_id" format:"uuid"`
	Status        string `json:"status"`
}

type StartAnalysisResponse struct {
	RunID   string `json:"run_id" format:"uuid"`
	Started bool   `json:"started"`
}

type AgentProgressResponse struct {
	AgentID       string `json:"agent_id"`
	Status        string `json:"status" enum:"pending,running,succeeded,failed"`
	FailureReason string `json:"failure_reason,omitempty"`
}

type StatusResponse struct {
	PetitionID string                  `json:"petition_id" format:"uuid"`
	Status     string                  `json:"status"`
	RunID      *string                 `json:"run_id,omitempty" format:"uuid"`
	Agents     []AgentProgressResponse `json:"agents,omitempty"`
	Result     *ResultResponse         `json:"result,omitempty"`
}

type ScenarioResponse struct {
	Label        string   `json:"label"`
	Probability  float64  `json:"probability" minimum:"0" maximum:"1"`
	EstimateLow  *float64 `json:"estimate_low,omitempty"`
	EstimateHigh *float64 `json:"estimate_high,omitempty"`
}

type OpinionResponse struct {
	AgentID    string             `json:"agent_id"`
	Kind       string             `json:"kind"`
	Summary    string             `json:"summary"`
	Confidence *float64           `json:"confidence,omitempty"`
	NextSteps  []string           `json:"next_steps,omitempty"`
	Scenarios  []ScenarioResponse `json:"scenarios,omitempty"`
}

type ResultResponse struct {
	PetitionID         string             `json:"petition_id" format:"uuid"`
	RunID              string             `json:"run_id" format:"uuid"`
	Scenarios          []ScenarioResponse `json:"scenarios"`
	NextSteps          []string           `json:"next_steps,omitempty"`
	Opinions           []OpinionResponse  `json:"opinions,omitempty"`
	MissingAgents      []string           `json:"missing_agents,omitempty"`
	Document           string             `json:"document"`
	DocumentIncomplete bool               `json:"document_incomplete"`
	CompletedAt        string             `json:"completed_at" format:"date-time"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	PetitionID string         `json:"petition_id"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload,omitempty"`
}

func petitionResponse(p domain.Petition) PetitionResponse {
	return PetitionResponse{
		ID:             p.ID,
		Text:           p.Text,
		Status:         p.Status,
		SelectedAgents: p.SelectedAgents,
		RunID:          p.RunID,
		Requirements:   mapRequirements(p.Requirements),
		CreatedAt:      p.CreatedAt,
		UpdatedAt:      p.UpdatedAt,
	}
}

func mapPetitions(items []domain.Petition) []PetitionResponse {
	out := make([]PetitionResponse, 0, len(items))
	for _, p := range items {
		out = append(out, petitionResponse(p))
	}
	return out
}

func mapRequirements(items []domain.DocumentRequirement) []RequirementResponse {
	out := make([]RequirementResponse, 0, len(items))
	for _, r := range items {
		resp := RequirementResponse{
			ID:        r.ID,
			Label:     r.Label,
			Essential: r.Essential,
			Satisfied: r.SatisfiedBy != nil,
		}
		if r.SatisfiedBy != nil {
			resp.SatisfiedBy = *r.SatisfiedBy
		}
		out = append(out, resp)
	}
	return out
}

func scenarioResponses(items []domain.PrognosisScenario) []ScenarioResponse {
	out := make([]ScenarioResponse, 0, len(items))
	for _, s := range items {
		out = append(out, ScenarioResponse{
			Label:        s.Label,
			Probability:  s.Probability,
			EstimateLow:  s.EstimateLow,
			EstimateHigh: s.EstimateHigh,
		})
	}
	return out
}

func opinionResponses(items []domain.Opinion) []OpinionResponse {
	out := make([]OpinionResponse, 0, len(items))
	for _, op := range items {
		out = append(out, OpinionResponse{
			AgentID:    op.AgentID,
			Kind:       op.Kind,
			Summary:    op.Summary,
			Confidence: op.Confidence,
			NextSteps:  op.NextSteps,
			Scenarios:  scenarioResponses(op.Scenarios),
		})
	}
	return out
}

func resultResponse(res domain.AnalysisResult) ResultResponse {
	return ResultResponse{
		PetitionID:         res.PetitionID,
		RunID:              res.RunID,
		Scenarios:          scenarioResponses(res.Scenarios),
		NextSteps:          res.NextSteps,
		Opinions:           opinionResponses(res.Opinions),
		MissingAgents:      res.MissingAgents,
		Document:           res.Document,
		DocumentIncomplete: res.DocumentIncomplete,
		CompletedAt:        res.CompletedAt,
	}
}

func statusResponse(proj domain.StatusProjection) StatusResponse {
	resp := StatusResponse{
		PetitionID: proj.PetitionID,
		Status:     proj.Status,
		RunID:      proj.RunID,
	}
	for _, a := range proj.Agents {
		resp.Agents = append(resp.Agents, AgentProgressResponse{
			AgentID:       a.AgentID,
			Status:        a.Status,
			FailureReason: a.FailureReason,
		})
	}
	if proj.Result != nil {
		r := resultResponse(*proj.Result)
		resp.Result = &r
	}
	return resp
}

func mapEvents(items []domain.Event) []EventResponse {
	out := make([]EventResponse, 0, len(items))
	for _, evt := range items {
		resp := EventResponse{
			ID:         evt.ID,
			TS:         evt.TS,
			Type:       evt.Type,
			PetitionID: evt.PetitionID,
			EntityKind: evt.EntityKind,
			EntityID:   evt.EntityID,
			ActorID:    evt.ActorID,
		}
		if evt.Payload != "" {
			_ = json.Unmarshal([]byte(evt.Payload), &resp.Payload)
		}
		out = append(out, resp)
	}
	return out
}
