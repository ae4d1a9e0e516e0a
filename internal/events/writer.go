// Package events appends audit records for the petition lifecycle. Entries
// are written inside the caller's transaction so an event is never visible
// without the state change it documents.
package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Payload carries structured event details, stored as JSON.
type Payload map[string]any

// Entry is one audit record before insertion. PetitionID and EntityID may
// be empty for system-level entries and are stored as NULL.
type Entry struct {
	Type       string
	PetitionID string
	EntityKind string
	EntityID   string
	ActorID    string
	Payload    Payload
}

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

func (w Writer) Append(ctx context.Context, tx *sql.Tx, e Entry) error {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	if e.Payload == nil {
		e.Payload = Payload{}
	}
	data, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO events(ts,type,petition_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		now().UTC().Format(time.RFC3339), e.Type, orNull(e.PetitionID), e.EntityKind, orNull(e.EntityID), e.ActorID, string(data))
	return err
}

func orNull(v string) any {
	if v == "" {
		return nil
	}
	return v
}
