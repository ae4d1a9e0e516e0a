// Package agents holds the closed set of specialist analysis units. Each
// agent is a stateless function of its petition context: it builds one
// prompt, calls the reasoning engine, and parses one typed opinion. New kinds
// are added to the enumeration here, never discovered at runtime.
package agents

import (
	"context"
	"fmt"

	"caseline/internal/config"
	"caseline/internal/domain"
	"caseline/internal/reasoning"
)

// Kind enumerates the specialist variants.
type Kind string

const (
	KindStrategist  Kind = "strategist"
	KindPrognosis   Kind = "prognosis"
	KindExpert      Kind = "expert"
	KindCoordinator Kind = "coordinator"
)

// Well-known agent ids. Expert ids are "expert.<specialty>".
const (
	IDStrategist  = "strategist"
	IDPrognosis   = "prognosis"
	IDCoordinator = "coordinator"
)

// IDExpert returns the agent id for a domain expert specialty.
func IDExpert(specialty string) string { return "expert." + specialty }

// Context is the immutable input shared by every invocation of one run. No
// agent observes another's in-flight output.
type Context struct {
	PetitionID   string
	PetitionText string
	Documents    []Document
}

// Document is an uploaded checklist entry in extracted-text form.
type Document struct {
	Label string
	Text  string
}

// Agent is the common capability of every specialist.
type Agent interface {
	ID() string
	Kind() Kind
	Analyze(ctx context.Context, in Context) (domain.Opinion, error)
}

// Error wraps a failed invocation with its agent id.
type Error struct {
	AgentID string
	Reason  string
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("agent %s: %s", e.AgentID, e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

// Catalog builds the closed agent set from config: strategist, prognosis
// analyst, one domain expert per configured specialty, and the coordinator.
func Catalog(cfg *config.Config, client reasoning.Client) map[string]Agent {
	set := map[string]Agent{
		IDStrategist:  &Strategist{Client: client},
		IDPrognosis:   &PrognosisAnalyst{Client: client},
		IDCoordinator: &Coordinator{Client: client},
	}
	for _, specialty := range cfg.Agents.Specialties {
		a := &Expert{Client: client, Specialty: specialty}
		set[a.ID()] = a
	}
	return set
}
