package caselinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Caseline HTTP API client.
type Client struct {
	BaseURL    string
	ActorID    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Petition is the API petition model (partial).
type Petition struct {
	ID             string        `json:"id"`
	Text           string        `json:"text"`
	Status         string        `json:"status"`
	SelectedAgents []string      `json:"selected_agents,omitempty"`
	RunID          *string       `json:"run_id,omitempty"`
	Requirements   []Requirement `json:"requirements,omitempty"`
	CreatedAt      string        `json:"created_at"`
}

// Requirement is one checklist entry.
type Requirement struct {
	ID        string `json:"id"`
	Label     string `json:"label"`
	Essential bool   `json:"essential"`
	Satisfied bool   `json:"satisfied"`
}

// Specialist identifies an available agent.
type Specialist struct {
	ID   string `json:"id"`
	Kind string `json:"kind"`
}

// RunAdmission is the response to starting an analysis.
type RunAdmission struct {
	RunID   string `json:"run_id"`
	Started bool   `json:"started"`
}

// AgentProgress is one invocation's polling view.
type AgentProgress struct {
	AgentID       string `json:"agent_id"`
	Status        string `json:"status"`
	FailureReason string `json:"failure_reason,omitempty"`
}

// Status is the polling projection.
type Status struct {
	PetitionID string          `json:"petition_id"`
	Status     string          `json:"status"`
	RunID      *string         `json:"run_id,omitempty"`
	Agents     []AgentProgress `json:"agents,omitempty"`
	Result     *Result         `json:"result,omitempty"`
}

// Scenario is a probability-weighted outcome.
type Scenario struct {
	Label        string   `json:"label"`
	Probability  float64  `json:"probability"`
	EstimateLow  *float64 `json:"estimate_low,omitempty"`
	EstimateHigh *float64 `json:"estimate_high,omitempty"`
}

// Opinion is one specialist's output.
type Opinion struct {
	AgentID    string     `json:"agent_id"`
	Kind       string     `json:"kind"`
	Summary    string     `json:"summary"`
	Confidence *float64   `json:"confidence,omitempty"`
	NextSteps  []string   `json:"next_steps,omitempty"`
	Scenarios  []Scenario `json:"scenarios,omitempty"`
}

// Result is the terminal analysis aggregate.
type Result struct {
	PetitionID         string     `json:"petition_id"`
	RunID              string     `json:"run_id"`
	Scenarios          []Scenario `json:"scenarios"`
	NextSteps          []string   `json:"next_steps,omitempty"`
	Opinions           []Opinion  `json:"opinions,omitempty"`
	MissingAgents      []string   `json:"missing_agents,omitempty"`
	Document           string     `json:"document"`
	DocumentIncomplete bool       `json:"document_incomplete"`
	CompletedAt        string     `json:"completed_at"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreatePetition registers a new petition.
func (c *Client) CreatePetition(ctx context.Context, text string) (Petition, error) {
	var resp Petition
	err := c.do(ctx, http.MethodPost, "v0/petitions", map[string]any{"text": text}, &resp)
	return resp, err
}

// GetPetition fetches a petition.
func (c *Client) GetPetition(ctx context.Context, id string) (Petition, error) {
	var resp Petition
	err := c.do(ctx, http.MethodGet, c.petitionPath(id, ""), nil, &resp)
	return resp, err
}

// SuggestDocuments asks for the document checklist.
func (c *Client) SuggestDocuments(ctx context.Context, id string) ([]Requirement, error) {
	var resp []Requirement
	err := c.do(ctx, http.MethodPost, c.petitionPath(id, "documents/suggest"), nil, &resp)
	return resp, err
}

// ListSpecialists returns the available agents.
func (c *Client) ListSpecialists(ctx context.Context) ([]Specialist, error) {
	var resp []Specialist
	err := c.do(ctx, http.MethodGet, "v0/specialists", nil, &resp)
	return resp, err
}

// SelectSpecialists sets the agents for a petition.
func (c *Client) SelectSpecialists(ctx context.Context, id string, agents []string) (Petition, error) {
	var resp Petition
	err := c.do(ctx, http.MethodPut, c.petitionPath(id, "specialists"), map[string]any{"agents": agents}, &resp)
	return resp, err
}

// UploadDocument uploads raw document bytes for a requirement.
func (c *Client) UploadDocument(ctx context.Context, id, requirementID string, data []byte, mediaType string) error {
	body := map[string]any{"data": data, "media_type": mediaType}
	endpoint := c.petitionPath(id, "documents/"+url.PathEscape(requirementID))
	return c.do(ctx, http.MethodPost, endpoint, body, nil)
}

// StartAnalysis admits the analysis run.
func (c *Client) StartAnalysis(ctx context.Context, id string) (RunAdmission, error) {
	var resp RunAdmission
	err := c.do(ctx, http.MethodPost, c.petitionPath(id, "analysis"), nil, &resp)
	return resp, err
}

// Status fetches the polling projection.
func (c *Client) Status(ctx context.Context, id string) (Status, error) {
	var resp Status
	err := c.do(ctx, http.MethodGet, c.petitionPath(id, "status"), nil, &resp)
	return resp, err
}

// Result fetches the terminal analysis result.
func (c *Client) Result(ctx context.Context, id string) (Result, error) {
	var resp Result
	err := c.do(ctx, http.MethodGet, c.petitionPath(id, "result"), nil, &resp)
	return resp, err
}

// WaitForResult polls status until the petition settles or the context ends.
func (c *Client) WaitForResult(ctx context.Context, id string, interval time.Duration) (Result, error) {
	if interval <= 0 {
		interval = time.Second
	}
	for {
		st, err := c.Status(ctx, id)
		if err != nil {
			return Result{}, err
		}
		switch st.Status {
		case "completed", "partially_completed", "failed":
			return c.Result(ctx, id)
		}
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case <-time.After(interval):
		}
	}
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.ActorID != "" {
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) petitionPath(id, p string) string {
	endpoint := fmt.Sprintf("v0/petitions/%s", url.PathEscape(id))
	if p != "" {
		endpoint += "/" + strings.TrimLeft(p, "/")
	}
	return endpoint
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
