package notify

import (
	"context"

	"github.com/rs/zerolog"
)

// DryRunNotifier logs events without sending notifications.
type DryRunNotifier struct {
	logger zerolog.Logger
	inner  Notifier
}

// NewDryRunNotifier returns a notifier that suppresses delivery and logs instead.
func NewDryRunNotifier(logger zerolog.Logger, inner Notifier) *DryRunNotifier {
	return &DryRunNotifier{logger: logger, inner: inner}
}

// Notify implements Notifier.
func (n *DryRunNotifier) Notify(_ context.Context, event Event) error {
	if event.Empty() {
		return nil
	}
	n.logger.Info().
		Str("project", event.project()).
		Str("outcome", string(event.Outcome)).
		Str("failed_stage", event.FailedStage).
		Int("transitions", len(event.Transitions)).
		Msg("[DRY-RUN] Would notify")
	for _, change := range event.Transitions {
		n.logger.Info().
			Str("project", event.project()).
			Str("service", change.Name).
			Str("previous_status", string(change.PreviousStatus)).
			Str("current_status", string(change.CurrentStatus)).
			Strs("reasons", change.Reasons).
			Msg("[DRY-RUN] Would notify transition")
	}
	return nil
}
