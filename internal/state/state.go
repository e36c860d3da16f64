// Package state persists the outcome of the most recent run of each engine.
package state

import (
	"context"
	"time"

	"github.com/nholik/hostkeeper/internal/health"
)

// Engine names used as journal keys.
const (
	EngineProvision = "provision"
	EngineUpdate    = "update"
)

// Outcome values recorded for a run.
const (
	OutcomeSucceeded = "succeeded"
	OutcomeFailed    = "failed"
	OutcomeSkipped   = "skipped"
	OutcomeCancelled = "cancelled"
	OutcomePlanned   = "planned"
)

// RunRecord captures the persisted result of one engine run.
type RunRecord struct {
	Engine       string                          `json:"engine"`
	Outcome      string                          `json:"outcome"`
	FailedStage  string                          `json:"failed_stage,omitempty"`
	Error        string                          `json:"error,omitempty"`
	StartedAt    time.Time                       `json:"started_at"`
	FinishedAt   time.Time                       `json:"finished_at"`
	Revision     string                          `json:"revision,omitempty"`
	BundleDigest string                          `json:"bundle_digest,omitempty"`
	Snapshot     string                          `json:"snapshot,omitempty"`
	Device       string                          `json:"device,omitempty"`
	UUID         string                          `json:"uuid,omitempty"`
	Services     map[string]health.ServiceHealth `json:"services,omitempty"`
}

// State stores the last run per engine.
type State struct {
	Runs map[string]RunRecord `json:"runs"`
}

// Last returns the most recent record for engine.
func (s State) Last(engine string) (RunRecord, bool) {
	rec, ok := s.Runs[engine]
	return rec, ok
}

// Record replaces the record for rec.Engine.
func (s *State) Record(rec RunRecord) {
	if s.Runs == nil {
		s.Runs = map[string]RunRecord{}
	}
	s.Runs[rec.Engine] = rec
}

// Store defines the interface for persisting state.
type Store interface {
	Load(ctx context.Context) (State, error)
	Save(ctx context.Context, state State) error
}
