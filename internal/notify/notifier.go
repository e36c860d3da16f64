// Package notify delivers update run reports to external systems.
package notify

import (
	"context"
	"time"

	"github.com/nholik/hostkeeper/internal/state"
	"github.com/nholik/hostkeeper/internal/transition"
)

// Event describes one finished update run.
type Event struct {
	Host        string                         `json:"host,omitempty"`
	Project     string                         `json:"project"`
	Outcome     string                         `json:"outcome"`
	FailedStage string                         `json:"failed_stage,omitempty"`
	Error       string                         `json:"error,omitempty"`
	Revision    string                         `json:"revision,omitempty"`
	Transitions []transition.ServiceTransition `json:"transitions,omitempty"`
	Warnings    []string                       `json:"warnings,omitempty"`
	FinishedAt  time.Time                      `json:"finished_at"`
}

// Empty reports whether the event carries nothing worth sending: a successful run with no
// service transitions.
func (e Event) Empty() bool {
	return e.Outcome != state.OutcomeFailed && len(e.Transitions) == 0
}

func (e Event) project() string {
	if e.Project == "" {
		return "default"
	}
	return e.Project
}

// source identifies the deployment an event came from.
func (e Event) source() string {
	if e.Host == "" {
		return e.project()
	}
	return e.project() + "@" + e.Host
}

// Notifier delivers update run events.
type Notifier interface {
	Notify(ctx context.Context, event Event) error
}
