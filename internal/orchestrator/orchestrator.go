// Package orchestrator owns the petition lifecycle state machine: document
// suggestion, specialist selection, readiness gating, and the concurrent
// analysis fan-out with its terminal aggregation.
package orchestrator

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"caseline/internal/agents"
	"caseline/internal/blob"
	"caseline/internal/config"
	"caseline/internal/docgen"
	"caseline/internal/docs"
	"caseline/internal/domain"
	"caseline/internal/events"
	"caseline/internal/extract"
	"caseline/internal/logging"
	"caseline/internal/reasoning"
	"caseline/internal/repo"
)

var (
	// ErrNotReady is returned when a result is requested before the
	// petition reaches a terminal state, or when a failed run produced
	// none.
	ErrNotReady = errors.New("analysis result not ready")
	// ErrValidationFailed marks an unrecoverable probability invariant
	// violation.
	ErrValidationFailed = errors.New("scenario probabilities cannot be normalized")
)

type Orchestrator struct {
	DB        *sql.DB
	Repo      repo.Repo
	Events    events.Writer
	Analyzer  docs.Analyzer
	Extractor extract.Extractor
	Blobs     *blob.Store
	Agents    map[string]agents.Agent
	Config    *config.Config
	Logger    *slog.Logger
	Now       func() time.Time
}

func New(db *sql.DB, cfg *config.Config, catalog map[string]agents.Agent, analyzer docs.Analyzer, blobs *blob.Store) Orchestrator {
	return Orchestrator{
		DB:        db,
		Repo:      repo.Repo{DB: db},
		Events:    events.Writer{DB: db},
		Analyzer:  analyzer,
		Extractor: extract.Plain{},
		Blobs:     blobs,
		Agents:    catalog,
		Config:    cfg,
		Now:       time.Now,
	}
}

// logger resolves lazily so a logging.Init after New still takes effect.
func (o Orchestrator) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return logging.New("orchestrator")
}

func (o Orchestrator) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

func (o Orchestrator) nowStr() string {
	return o.now().UTC().Format(time.RFC3339)
}

// CreatePetition registers a new petition in the created state.
func (o Orchestrator) CreatePetition(ctx context.Context, text, actorID string) (domain.Petition, error) {
	now := o.nowStr()
	p := domain.Petition{
		ID:        uuid.New().String(),
		Text:      text,
		Status:    domain.StatusCreated,
		CreatedAt: now,
		UpdatedAt: now,
	}
	tx, err := o.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Petition{}, err
	}
	defer tx.Rollback()
	if err := o.Repo.InsertPetition(ctx, tx, p); err != nil {
		return domain.Petition{}, err
	}
	if err := o.Events.Append(ctx, tx, events.Entry{
		Type: "petition.created", PetitionID: p.ID, EntityKind: "petition", EntityID: p.ID,
		ActorID: actorID, Payload: events.Payload{"status": p.Status},
	}); err != nil {
		return domain.Petition{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Petition{}, err
	}
	return p, nil
}

// SuggestDocuments asks the relevance analyzer for the document checklist and
// advances created -> documents_suggested.
func (o Orchestrator) SuggestDocuments(ctx context.Context, petitionID, actorID string) ([]domain.DocumentRequirement, error) {
	p, err := o.Repo.GetPetition(ctx, petitionID)
	if err != nil {
		return nil, err
	}
	if p.Status != domain.StatusCreated {
		return nil, fmt.Errorf("%w: petition is %s, documents already suggested", repo.ErrInvalidState, p.Status)
	}
	reqs, err := o.Analyzer.Suggest(ctx, p.Text)
	if err != nil {
		return nil, err
	}
	for i := range reqs {
		reqs[i].ID = uuid.New().String()
		reqs[i].PetitionID = petitionID
		reqs[i].Position = i
	}
	now := o.nowStr()
	tx, err := o.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	if err := o.Repo.ReplaceRequirements(ctx, tx, petitionID, reqs); err != nil {
		return nil, err
	}
	if err := o.Repo.TransitionStatus(ctx, tx, petitionID, domain.StatusCreated, domain.StatusDocumentsSuggested, now); err != nil {
		return nil, err
	}
	if err := o.Events.Append(ctx, tx, events.Entry{
		Type: "petition.documents_suggested", PetitionID: petitionID, EntityKind: "petition", EntityID: petitionID,
		ActorID: actorID, Payload: events.Payload{"count": len(reqs)},
	}); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return reqs, nil
}

// SelectSpecialists records the client's agent choice and advances
// documents_suggested -> awaiting_documents. The prognosis analyst is
// mandatory: without it no run can produce a usable result.
func (o Orchestrator) SelectSpecialists(ctx context.Context, petitionID string, agentIDs []string, actorID string) error {
	if len(agentIDs) == 0 {
		return fmt.Errorf("%w: at least one specialist required", repo.ErrInvalidInput)
	}
	seen := map[string]bool{}
	var selected []string
	hasPrognosis := false
	for _, id := range agentIDs {
		if _, ok := o.Agents[id]; !ok {
			return fmt.Errorf("%w: unknown agent %q", repo.ErrInvalidInput, id)
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		selected = append(selected, id)
		if id == agents.IDPrognosis {
			hasPrognosis = true
		}
	}
	if !hasPrognosis {
		return fmt.Errorf("%w: selection must include the prognosis analyst", repo.ErrInvalidInput)
	}
	now := o.nowStr()
	tx, err := o.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := o.Repo.SetSelectedAgents(ctx, tx, petitionID, selected, now); err != nil {
		return err
	}
	if err := o.Repo.TransitionStatus(ctx, tx, petitionID, domain.StatusDocumentsSuggested, domain.StatusAwaitingDocuments, now); err != nil {
		return err
	}
	if err := o.Events.Append(ctx, tx, events.Entry{
		Type: "petition.specialists_selected", PetitionID: petitionID, EntityKind: "petition", EntityID: petitionID,
		ActorID: actorID, Payload: events.Payload{"agents": selected},
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// UploadDocument extracts text from the upload, stores it, and marks the
// requirement satisfied. When the last essential requirement is satisfied the
// petition advances to ready_for_analysis in the same transaction.
func (o Orchestrator) UploadDocument(ctx context.Context, petitionID, requirementID string, data []byte, mediaType, actorID string) (string, error) {
	text, err := o.Extractor.Extract(data, mediaType)
	if err != nil {
		return "", err
	}
	ref, err := o.Blobs.Put(petitionID, requirementID, []byte(text))
	if err != nil {
		return "", err
	}
	now := o.nowStr()
	tx, err := o.DB.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()
	if err := o.Repo.AttachDocument(ctx, tx, petitionID, requirementID, ref, now); err != nil {
		return "", err
	}
	if err := o.Events.Append(ctx, tx, events.Entry{
		Type: "petition.document_attached", PetitionID: petitionID, EntityKind: "requirement", EntityID: requirementID,
		ActorID: actorID, Payload: events.Payload{"ref": ref},
	}); err != nil {
		return "", err
	}
	status := domain.StatusAwaitingDocuments
	ready, err := o.Repo.EssentialsSatisfied(ctx, tx, petitionID)
	if err != nil {
		return "", err
	}
	if ready {
		if err := o.Repo.TransitionStatus(ctx, tx, petitionID, domain.StatusAwaitingDocuments, domain.StatusReadyForAnalysis, now); err != nil {
			return "", err
		}
		if err := o.Events.Append(ctx, tx, events.Entry{
			Type: "petition.ready", PetitionID: petitionID, EntityKind: "petition", EntityID: petitionID,
			ActorID: actorID,
		}); err != nil {
			return "", err
		}
		status = domain.StatusReadyForAnalysis
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return status, nil
}

// StartAnalysis admits at most one analysis run per petition. The first
// caller wins the ready_for_analysis -> analyzing compare-and-swap and gets
// started=true; every other caller, concurrent or later, receives the
// winner's run id. Calling before the essentials are satisfied is an invalid
// state.
func (o Orchestrator) StartAnalysis(ctx context.Context, petitionID, actorID string) (runID string, started bool, err error) {
	p, err := o.Repo.GetPetition(ctx, petitionID)
	if err != nil {
		return "", false, err
	}
	if p.Status == domain.StatusAnalyzing || domain.TerminalStatus(p.Status) {
		if p.RunID != nil {
			return *p.RunID, false, nil
		}
		return "", false, repo.ErrConflict
	}
	if p.Status != domain.StatusReadyForAnalysis {
		return "", false, fmt.Errorf("%w: petition is %s", repo.ErrInvalidState, p.Status)
	}

	runID = uuid.New().String()
	now := o.nowStr()
	tx, err := o.DB.BeginTx(ctx, nil)
	if err != nil {
		return "", false, err
	}
	defer tx.Rollback()
	if err := o.Repo.BeginRun(ctx, tx, petitionID, runID, now); err != nil {
		tx.Rollback()
		if errors.Is(err, repo.ErrConflict) {
			// Lost the race: the winner's run id is now committed.
			current, gerr := o.Repo.GetPetition(ctx, petitionID)
			if gerr != nil {
				return "", false, gerr
			}
			if current.RunID != nil {
				return *current.RunID, false, nil
			}
		}
		return "", false, err
	}
	for _, agentID := range p.SelectedAgents {
		inv := domain.SpecialistInvocation{
			ID:         uuid.New().String(),
			RunID:      runID,
			PetitionID: petitionID,
			AgentID:    agentID,
			Status:     domain.InvocationPending,
		}
		if err := o.Repo.InsertInvocation(ctx, tx, inv); err != nil {
			return "", false, err
		}
	}
	if err := o.Events.Append(ctx, tx, events.Entry{
		Type: "analysis.started", PetitionID: petitionID, EntityKind: "run", EntityID: runID,
		ActorID: actorID, Payload: events.Payload{"agents": p.SelectedAgents},
	}); err != nil {
		return "", false, err
	}
	if err := tx.Commit(); err != nil {
		return "", false, err
	}
	return runID, true, nil
}

// Run executes one admitted analysis run to its terminal state: concurrent
// fan-out to the selected agents bounded by the worker limit, join once every
// invocation settles, then aggregation and persistence. Each invocation gets
// its own timeout and retry budget; the run deadline caps the whole fan-out
// and stragglers past it settle as failed with a timeout reason.
func (o Orchestrator) Run(ctx context.Context, petitionID, runID string) error {
	p, err := o.Repo.GetPetition(ctx, petitionID)
	if err != nil {
		return err
	}
	invocations, err := o.Repo.ListInvocations(ctx, runID)
	if err != nil {
		return err
	}
	agentCtx, err := o.buildAgentContext(p)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithTimeout(ctx, o.Config.Analysis.RunDeadline.Std())
	defer cancel()

	g, fanCtx := errgroup.WithContext(runCtx)
	g.SetLimit(o.Config.Analysis.Workers)
	for _, inv := range invocations {
		if inv.Status != domain.InvocationPending {
			continue
		}
		inv := inv
		g.Go(func() error {
			o.invoke(fanCtx, inv, agentCtx)
			return nil
		})
	}
	_ = g.Wait()

	// Aggregation must complete even when the run deadline has fired.
	return o.finalize(context.WithoutCancel(ctx), petitionID, runID)
}

func (o Orchestrator) buildAgentContext(p domain.Petition) (agents.Context, error) {
	actx := agents.Context{
		PetitionID:   p.ID,
		PetitionText: p.Text,
	}
	for _, req := range p.Requirements {
		if req.SatisfiedBy == nil {
			continue
		}
		text, err := o.Blobs.Get(*req.SatisfiedBy)
		if err != nil {
			return actx, fmt.Errorf("load document %s: %w", req.Label, err)
		}
		actx.Documents = append(actx.Documents, agents.Document{Label: req.Label, Text: string(text)})
	}
	return actx, nil
}

// invoke drives one specialist invocation to a settled state. Failures are
// recorded on the invocation row and never escalate.
func (o Orchestrator) invoke(ctx context.Context, inv domain.SpecialistInvocation, in agents.Context) {
	logger := o.logger().With("petition_id", inv.PetitionID, "run_id", inv.RunID, "agent_id", inv.AgentID)
	agent, ok := o.Agents[inv.AgentID]
	if !ok {
		o.settle(inv, domain.InvocationFailed, nil, "agent not in catalog")
		return
	}
	if err := o.Repo.MarkInvocationRunning(ctx, inv.ID, o.nowStr()); err != nil {
		if errors.Is(err, repo.ErrConflict) {
			logger.Warn("invocation not pending, skipping")
			return
		}
		// The run deadline can fire while this invocation is still queued
		// behind the worker limit. It must settle like any other timeout;
		// a pending row inside a terminal petition would never resolve.
		reason := err.Error()
		if ctx.Err() != nil {
			reason = "timeout"
		}
		logger.Warn("invocation could not start", "reason", reason)
		o.settle(inv, domain.InvocationFailed, nil, reason)
		return
	}

	cfg := o.Config.Analysis
	var opinion domain.Opinion
	var lastErr error
	for attempt := 0; attempt <= cfg.Retries; attempt++ {
		if attempt > 0 {
			backoff := cfg.Backoff.Std() << (attempt - 1)
			select {
			case <-ctx.Done():
				lastErr = ctx.Err()
			case <-time.After(backoff):
			}
			if lastErr != nil && ctx.Err() != nil {
				break
			}
			logger.Info("retrying specialist", "attempt", attempt+1)
		}
		attemptCtx, cancel := context.WithTimeout(ctx, cfg.AgentTimeout.Std())
		opinion, lastErr = agent.Analyze(attemptCtx, in)
		cancel()
		if lastErr == nil {
			break
		}
		if ctx.Err() != nil {
			break
		}
	}

	if lastErr != nil {
		reason := lastErr.Error()
		if errors.Is(lastErr, context.DeadlineExceeded) || errors.Is(lastErr, reasoning.ErrTimeout) {
			reason = "timeout"
		}
		logger.Warn("specialist failed", "reason", reason)
		o.settle(inv, domain.InvocationFailed, nil, reason)
		return
	}
	logger.Info("specialist succeeded")
	o.settle(inv, domain.InvocationSucceeded, &opinion, "")
}

func (o Orchestrator) settle(inv domain.SpecialistInvocation, status string, opinion *domain.Opinion, reason string) {
	// Settling uses a fresh context: the run deadline must not prevent
	// recording the failure it caused.
	if err := o.Repo.SettleInvocation(context.Background(), inv.ID, status, opinion, reason, o.nowStr()); err != nil {
		o.logger().Error("settle invocation", "invocation_id", inv.ID, "error", err)
	}
}

// finalize joins the settled invocations into the terminal state and, when a
// result exists, persists it atomically with the terminal transition.
func (o Orchestrator) finalize(ctx context.Context, petitionID, runID string) error {
	invocations, err := o.Repo.ListInvocations(ctx, runID)
	if err != nil {
		return err
	}
	now := o.nowStr()

	var opinions []domain.Opinion
	var missing []string
	var scenarios []domain.PrognosisScenario
	var nextSteps []string
	prognosisOK := false
	for _, inv := range invocations {
		switch inv.Status {
		case domain.InvocationSucceeded:
			if inv.Opinion == nil {
				missing = append(missing, inv.AgentID)
				continue
			}
			opinions = append(opinions, *inv.Opinion)
			switch inv.AgentID {
			case agents.IDPrognosis:
				prognosisOK = true
				scenarios = inv.Opinion.Scenarios
			case agents.IDStrategist:
				nextSteps = inv.Opinion.NextSteps
			}
		default:
			missing = append(missing, inv.AgentID)
		}
	}
	sort.Strings(missing)

	if !prognosisOK {
		return o.finish(ctx, petitionID, runID, domain.StatusFailed, nil, events.Payload{
			"reason":  "prognosis analyst did not succeed",
			"missing": missing,
		})
	}

	normalized, err := normalizeScenarios(scenarios, o.Config.Analysis.Tolerance)
	if err != nil {
		return o.finish(ctx, petitionID, runID, domain.StatusFailed, nil, events.Payload{
			"reason": err.Error(),
		})
	}

	result := domain.AnalysisResult{
		PetitionID:    petitionID,
		RunID:         runID,
		Scenarios:     normalized,
		NextSteps:     nextSteps,
		Opinions:      opinions,
		MissingAgents: missing,
		CompletedAt:   now,
	}
	doc, genErr := docgen.Generate(result)
	result.Document = doc
	result.DocumentIncomplete = errors.Is(genErr, docgen.ErrIncomplete)

	terminal := domain.StatusCompleted
	if len(missing) > 0 {
		terminal = domain.StatusPartiallyCompleted
	}
	return o.finish(ctx, petitionID, runID, terminal, &result, events.Payload{
		"missing": missing,
	})
}

func (o Orchestrator) finish(ctx context.Context, petitionID, runID, terminal string, result *domain.AnalysisResult, payload events.Payload) error {
	now := o.nowStr()
	tx, err := o.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if result != nil {
		if err := o.Repo.InsertResult(ctx, tx, *result); err != nil {
			return err
		}
	}
	if err := o.Repo.TransitionStatus(ctx, tx, petitionID, domain.StatusAnalyzing, terminal, now); err != nil {
		return err
	}
	if payload == nil {
		payload = events.Payload{}
	}
	payload["terminal"] = terminal
	if err := o.Events.Append(ctx, tx, events.Entry{
		Type: "analysis.finished", PetitionID: petitionID, EntityKind: "run", EntityID: runID,
		ActorID: "orchestrator", Payload: payload,
	}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	o.logger().Info("analysis finished", "petition_id", petitionID, "run_id", runID, "terminal", terminal)
	return nil
}

// normalizeScenarios rescales probabilities uniformly when their sum deviates
// from 1.0 by more than the tolerance. A non-positive sum cannot be repaired.
func normalizeScenarios(scenarios []domain.PrognosisScenario, tolerance float64) ([]domain.PrognosisScenario, error) {
	if len(scenarios) == 0 {
		return nil, fmt.Errorf("%w: no scenarios", ErrValidationFailed)
	}
	sum := 0.0
	for _, s := range scenarios {
		sum += s.Probability
	}
	if sum <= 0 {
		return nil, fmt.Errorf("%w: probability sum %v", ErrValidationFailed, sum)
	}
	diff := sum - 1.0
	if diff < 0 {
		diff = -diff
	}
	if diff <= tolerance {
		return scenarios, nil
	}
	normalized := make([]domain.PrognosisScenario, len(scenarios))
	copy(normalized, scenarios)
	for i := range normalized {
		normalized[i].Probability /= sum
	}
	return normalized, nil
}

// Status returns the polling projection: overall state plus per-agent
// progress, and the result once terminal. Reads only committed rows, so a
// snapshot is always self-consistent.
func (o Orchestrator) Status(ctx context.Context, petitionID string) (domain.StatusProjection, error) {
	p, err := o.Repo.GetPetition(ctx, petitionID)
	if err != nil {
		return domain.StatusProjection{}, err
	}
	proj := domain.StatusProjection{
		PetitionID: p.ID,
		Status:     p.Status,
		RunID:      p.RunID,
	}
	if p.RunID != nil {
		invocations, err := o.Repo.ListInvocations(ctx, *p.RunID)
		if err != nil {
			return proj, err
		}
		for _, inv := range invocations {
			proj.Agents = append(proj.Agents, domain.AgentProgress{
				AgentID:       inv.AgentID,
				Status:        inv.Status,
				FailureReason: inv.FailureReason,
			})
		}
	}
	if domain.TerminalStatus(p.Status) {
		result, err := o.Repo.GetResult(ctx, petitionID)
		if err == nil {
			proj.Result = &result
		} else if !errors.Is(err, repo.ErrNotFound) {
			return proj, err
		}
	}
	return proj, nil
}

// Result returns the persisted aggregate, or ErrNotReady while the petition
// has not reached a terminal state (or failed without producing one).
func (o Orchestrator) Result(ctx context.Context, petitionID string) (domain.AnalysisResult, error) {
	p, err := o.Repo.GetPetition(ctx, petitionID)
	if err != nil {
		return domain.AnalysisResult{}, err
	}
	if !domain.TerminalStatus(p.Status) {
		return domain.AnalysisResult{}, fmt.Errorf("%w: petition is %s", ErrNotReady, p.Status)
	}
	result, err := o.Repo.GetResult(ctx, petitionID)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.AnalysisResult{}, fmt.Errorf("%w: analysis failed without result", ErrNotReady)
	}
	return result, err
}
