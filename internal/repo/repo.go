package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"caseline/internal/domain"
)

// Repo is the petition registry. All status mutations go through the
// compare-and-swap transition primitives so racing writers cannot admit
// duplicate runs or backward transitions.
type Repo struct {
	DB *sql.DB
}

var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("status transition conflict")
	ErrInvalidState = errors.New("invalid petition state")
	ErrInvalidInput = errors.New("invalid input")
)

func (r Repo) InsertPetition(ctx context.Context, tx *sql.Tx, p domain.Petition) error {
	if strings.TrimSpace(p.Text) == "" {
		return fmt.Errorf("%w: petition text is empty", ErrInvalidInput)
	}
	agentsJSON, err := marshalStringSlice(p.SelectedAgents)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO petitions(id,text,status,selected_agents_json,run_id,created_at,updated_at) VALUES (?,?,?,?,?,?,?)`,
		p.ID, p.Text, p.Status, nullableStringPtr(agentsJSON), nullableStringPtr(p.RunID), p.CreatedAt, p.UpdatedAt)
	return err
}

func (r Repo) GetPetition(ctx context.Context, id string) (domain.Petition, error) {
	var p domain.Petition
	var agentsJSON, runID sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,text,status,selected_agents_json,run_id,created_at,updated_at FROM petitions WHERE id=?`, id).
		Scan(&p.ID, &p.Text, &p.Status, &agentsJSON, &runID, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	if agentsJSON.Valid {
		if err := json.Unmarshal([]byte(agentsJSON.String), &p.SelectedAgents); err != nil {
			return p, fmt.Errorf("decode selected agents: %w", err)
		}
	}
	if runID.Valid {
		p.RunID = &runID.String
	}
	reqs, err := r.ListRequirements(ctx, p.ID)
	if err != nil {
		return p, err
	}
	p.Requirements = reqs
	return p, nil
}

func (r Repo) ListPetitions(ctx context.Context) ([]domain.Petition, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,text,status,run_id,created_at,updated_at FROM petitions ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Petition
	for rows.Next() {
		var p domain.Petition
		var runID sql.NullString
		if err := rows.Scan(&p.ID, &p.Text, &p.Status, &runID, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		if runID.Valid {
			p.RunID = &runID.String
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// TransitionStatus atomically moves a petition from expected to next. It is
// the sole status mutation primitive: zero affected rows means another writer
// got there first (or the expectation was stale) and yields ErrConflict.
func (r Repo) TransitionStatus(ctx context.Context, tx *sql.Tx, id, expected, next, now string) error {
	res, err := tx.ExecContext(ctx, `UPDATE petitions SET status=?, updated_at=? WHERE id=? AND status=?`,
		next, now, id, expected)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := r.getStatusTx(ctx, tx, id); err != nil {
			return err
		}
		return ErrConflict
	}
	return nil
}

// BeginRun is the CAS guard for analysis admission: it claims the
// ready_for_analysis -> analyzing transition and stamps the run id in the same
// statement. Racing callers lose with ErrConflict and must re-read.
func (r Repo) BeginRun(ctx context.Context, tx *sql.Tx, id, runID, now string) error {
	res, err := tx.ExecContext(ctx, `UPDATE petitions SET status=?, run_id=?, updated_at=? WHERE id=? AND status=?`,
		domain.StatusAnalyzing, runID, now, id, domain.StatusReadyForAnalysis)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := r.getStatusTx(ctx, tx, id); err != nil {
			return err
		}
		return ErrConflict
	}
	return nil
}

func (r Repo) getStatusTx(ctx context.Context, tx *sql.Tx, id string) (string, error) {
	var status string
	err := tx.QueryRowContext(ctx, `SELECT status FROM petitions WHERE id=?`, id).Scan(&status)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return status, err
}

func (r Repo) SetSelectedAgents(ctx context.Context, tx *sql.Tx, id string, agents []string, now string) error {
	agentsJSON, err := marshalStringSlice(agents)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE petitions SET selected_agents_json=?, updated_at=? WHERE id=?`,
		nullableStringPtr(agentsJSON), now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ReplaceRequirements swaps the full checklist for a petition, preserving the
// given order as positions.
func (r Repo) ReplaceRequirements(ctx context.Context, tx *sql.Tx, petitionID string, reqs []domain.DocumentRequirement) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM document_requirements WHERE petition_id=?`, petitionID); err != nil {
		return err
	}
	for i, req := range reqs {
		if _, err := tx.ExecContext(ctx, `INSERT INTO document_requirements(id,petition_id,position,label,essential,satisfied_by) VALUES (?,?,?,?,?,?)`,
			req.ID, petitionID, i, req.Label, boolInt(req.Essential), nullableStringPtr(req.SatisfiedBy)); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) ListRequirements(ctx context.Context, petitionID string) ([]domain.DocumentRequirement, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,petition_id,position,label,essential,satisfied_by FROM document_requirements WHERE petition_id=? ORDER BY position`, petitionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRequirements(rows)
}

func scanRequirements(rows *sql.Rows) ([]domain.DocumentRequirement, error) {
	var res []domain.DocumentRequirement
	for rows.Next() {
		var req domain.DocumentRequirement
		var essential int
		var satisfiedBy sql.NullString
		if err := rows.Scan(&req.ID, &req.PetitionID, &req.Position, &req.Label, &essential, &satisfiedBy); err != nil {
			return nil, err
		}
		req.Essential = essential != 0
		if satisfiedBy.Valid {
			req.SatisfiedBy = &satisfiedBy.String
		}
		res = append(res, req)
	}
	return res, rows.Err()
}

// AttachDocument records the blob satisfying a requirement. Only legal while
// the petition awaits documents; the checklist is append-only, so a
// requirement already satisfied keeps its first document.
func (r Repo) AttachDocument(ctx context.Context, tx *sql.Tx, petitionID, requirementID, ref, now string) error {
	status, err := r.getStatusTx(ctx, tx, petitionID)
	if err != nil {
		return err
	}
	if status != domain.StatusAwaitingDocuments {
		return fmt.Errorf("%w: petition is %s, not %s", ErrInvalidState, status, domain.StatusAwaitingDocuments)
	}
	res, err := tx.ExecContext(ctx, `UPDATE document_requirements SET satisfied_by=? WHERE id=? AND petition_id=? AND satisfied_by IS NULL`,
		ref, requirementID, petitionID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT 1 FROM document_requirements WHERE id=? AND petition_id=?`, requirementID, petitionID).Scan(&exists); err == sql.ErrNoRows {
			return ErrNotFound
		} else if err != nil {
			return err
		}
		return fmt.Errorf("%w: requirement %s already satisfied", ErrInvalidState, requirementID)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE petitions SET updated_at=? WHERE id=?`, now, petitionID); err != nil {
		return err
	}
	return nil
}

// EssentialsSatisfied reports whether every essential requirement has a
// document attached.
func (r Repo) EssentialsSatisfied(ctx context.Context, tx *sql.Tx, petitionID string) (bool, error) {
	var missing int
	err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM document_requirements WHERE petition_id=? AND essential=1 AND satisfied_by IS NULL`, petitionID).Scan(&missing)
	if err != nil {
		return false, err
	}
	return missing == 0, nil
}

func (r Repo) InsertInvocation(ctx context.Context, tx *sql.Tx, inv domain.SpecialistInvocation) error {
	opinionJSON, err := marshalOpinion(inv.Opinion)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO invocations(id,run_id,petition_id,agent_id,status,opinion_json,failure_reason,started_at,finished_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		inv.ID, inv.RunID, inv.PetitionID, inv.AgentID, inv.Status, nullableStringPtr(opinionJSON),
		nullable(inv.FailureReason), nullableStringPtr(inv.StartedAt), nullableStringPtr(inv.FinishedAt))
	return err
}

// MarkInvocationRunning moves a pending invocation to running.
func (r Repo) MarkInvocationRunning(ctx context.Context, id, now string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE invocations SET status=?, started_at=? WHERE id=? AND status=?`,
		domain.InvocationRunning, now, id, domain.InvocationPending)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConflict
	}
	return nil
}

// SettleInvocation finalizes an invocation exactly once. Settled rows are
// immutable; a second settle attempt is a conflict.
func (r Repo) SettleInvocation(ctx context.Context, id, status string, opinion *domain.Opinion, failureReason, now string) error {
	opinionJSON, err := marshalOpinion(opinion)
	if err != nil {
		return err
	}
	res, err := r.DB.ExecContext(ctx, `UPDATE invocations SET status=?, opinion_json=?, failure_reason=?, finished_at=? WHERE id=? AND status IN (?,?)`,
		status, nullableStringPtr(opinionJSON), nullable(failureReason), now, id,
		domain.InvocationPending, domain.InvocationRunning)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConflict
	}
	return nil
}

func (r Repo) ListInvocations(ctx context.Context, runID string) ([]domain.SpecialistInvocation, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,run_id,petition_id,agent_id,status,opinion_json,failure_reason,started_at,finished_at FROM invocations WHERE run_id=? ORDER BY agent_id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.SpecialistInvocation
	for rows.Next() {
		var inv domain.SpecialistInvocation
		var opinionJSON, failureReason, startedAt, finishedAt sql.NullString
		if err := rows.Scan(&inv.ID, &inv.RunID, &inv.PetitionID, &inv.AgentID, &inv.Status, &opinionJSON, &failureReason, &startedAt, &finishedAt); err != nil {
			return nil, err
		}
		if opinionJSON.Valid {
			var op domain.Opinion
			if err := json.Unmarshal([]byte(opinionJSON.String), &op); err != nil {
				return nil, fmt.Errorf("decode opinion: %w", err)
			}
			inv.Opinion = &op
		}
		if failureReason.Valid {
			inv.FailureReason = failureReason.String
		}
		if startedAt.Valid {
			inv.StartedAt = &startedAt.String
		}
		if finishedAt.Valid {
			inv.FinishedAt = &finishedAt.String
		}
		res = append(res, inv)
	}
	return res, rows.Err()
}

func (r Repo) InsertResult(ctx context.Context, tx *sql.Tx, res domain.AnalysisResult) error {
	scenarios, err := json.Marshal(res.Scenarios)
	if err != nil {
		return err
	}
	nextSteps, err := json.Marshal(res.NextSteps)
	if err != nil {
		return err
	}
	opinions, err := json.Marshal(res.Opinions)
	if err != nil {
		return err
	}
	missing, err := json.Marshal(res.MissingAgents)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO analysis_results(petition_id,run_id,scenarios_json,next_steps_json,opinions_json,missing_agents_json,document_text,document_incomplete,completed_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		res.PetitionID, res.RunID, string(scenarios), string(nextSteps), string(opinions), string(missing),
		res.Document, boolInt(res.DocumentIncomplete), res.CompletedAt)
	return err
}

func (r Repo) GetResult(ctx context.Context, petitionID string) (domain.AnalysisResult, error) {
	var res domain.AnalysisResult
	var scenarios, nextSteps, opinions, missing string
	var incomplete int
	err := r.DB.QueryRowContext(ctx, `SELECT petition_id,run_id,scenarios_json,next_steps_json,opinions_json,missing_agents_json,document_text,document_incomplete,completed_at FROM analysis_results WHERE petition_id=?`, petitionID).
		Scan(&res.PetitionID, &res.RunID, &scenarios, &nextSteps, &opinions, &missing, &res.Document, &incomplete, &res.CompletedAt)
	if err == sql.ErrNoRows {
		return res, ErrNotFound
	}
	if err != nil {
		return res, err
	}
	res.DocumentIncomplete = incomplete != 0
	if err := json.Unmarshal([]byte(scenarios), &res.Scenarios); err != nil {
		return res, fmt.Errorf("decode scenarios: %w", err)
	}
	if err := json.Unmarshal([]byte(nextSteps), &res.NextSteps); err != nil {
		return res, fmt.Errorf("decode next steps: %w", err)
	}
	if err := json.Unmarshal([]byte(opinions), &res.Opinions); err != nil {
		return res, fmt.Errorf("decode opinions: %w", err)
	}
	if err := json.Unmarshal([]byte(missing), &res.MissingAgents); err != nil {
		return res, fmt.Errorf("decode missing agents: %w", err)
	}
	return res, nil
}

// LatestEvents returns recent audit events, newest first.
func (r Repo) LatestEvents(ctx context.Context, limit int, petitionID, evtType string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	clauses := []string{"1=1"}
	var args []any
	if petitionID != "" {
		clauses = append(clauses, "petition_id=?")
		args = append(args, petitionID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,petition_id,entity_kind,entity_id,actor_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var petition, entityID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &petition, &e.EntityKind, &entityID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if petition.Valid {
			e.PetitionID = petition.String
		}
		if entityID.Valid {
			e.EntityID = entityID.String
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// --- helpers ---

func marshalStringSlice(in []string) (*string, error) {
	if len(in) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}
	s := string(b)
	return &s, nil
}

func marshalOpinion(op *domain.Opinion) (*string, error) {
	if op == nil {
		return nil, nil
	}
	b, err := json.Marshal(op)
	if err != nil {
		return nil, err
	}
	s := string(b)
	return &s, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
