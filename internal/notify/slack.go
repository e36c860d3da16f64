package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nholik/hostkeeper/internal/health"
	"github.com/nholik/hostkeeper/internal/state"
	"github.com/nholik/hostkeeper/internal/transition"
	"github.com/rs/zerolog"
	"github.com/slack-go/slack"
)

const (
	slackMaxBlocks = 50
	// header, context and outcome blocks in each message
	slackReservedBlocks = 3
	slackMaxTransitions = slackMaxBlocks - slackReservedBlocks
	shortRevisionLength = 12
)

type SlackNotifier struct {
	logger     zerolog.Logger
	webhookURL string
	timing     timingConfig
	poster     *httpPoster
}

// SlackOption customizes SlackNotifier behavior.
type SlackOption func(*SlackNotifier)

// WithSlackTiming overrides timing parameters (primarily for testing).
func WithSlackTiming(rateInterval time.Duration, rateBurst int, backoffInitial, backoffMax, backoffMaxElapsed time.Duration) SlackOption {
	return func(s *SlackNotifier) {
		s.timing.rateInterval = rateInterval
		s.timing.rateBurst = rateBurst
		s.timing.backoffInitial = backoffInitial
		s.timing.backoffMax = backoffMax
		s.timing.backoffMaxElapsed = backoffMaxElapsed
	}
}

// NewSlackNotifier creates a Slack notifier or a noop notifier when the webhook is empty.
func NewSlackNotifier(logger zerolog.Logger, webhookURL string, opts ...SlackOption) Notifier {
	if webhookURL == "" {
		return NewNoop(logger, "slack webhook not configured; notifications disabled")
	}

	notifier := &SlackNotifier{
		logger:     logger,
		webhookURL: webhookURL,
		timing:     defaultTiming,
	}

	for _, opt := range opts {
		opt(notifier)
	}

	notifier.poster = newHTTPPoster(logger, "slack", webhookURL, "application/json", notifier.timing)

	return notifier
}

// Notify implements Notifier.
func (n *SlackNotifier) Notify(ctx context.Context, event Event) error {
	if event.Empty() {
		return nil
	}

	messages := buildSlackMessages(event)
	payloads := make([][]byte, 0, len(messages))
	for _, message := range messages {
		payload, err := json.Marshal(message)
		if err != nil {
			return fmt.Errorf("marshal slack payload: %w", err)
		}
		payloads = append(payloads, payload)
	}
	if err := n.poster.deliver(ctx, event.source(), payloads...); err != nil {
		return err
	}

	n.logger.Debug().
		Str("project", event.project()).
		Int("transitions", len(event.Transitions)).
		Int("messages", len(messages)).
		Msg("slack notification sent")

	return nil
}

func (n *SlackNotifier) postOnce(ctx context.Context, payload []byte) error {
	return n.poster.postOnce(ctx, payload)
}

func buildSlackMessages(event Event) []slack.WebhookMessage {
	total := len(event.Transitions)
	if total == 0 {
		return []slack.WebhookMessage{buildSlackMessage(event, nil, 1, 1)}
	}

	chunkTotal := (total + slackMaxTransitions - 1) / slackMaxTransitions
	messages := make([]slack.WebhookMessage, 0, chunkTotal)

	for i := 0; i < total; i += slackMaxTransitions {
		end := i + slackMaxTransitions
		if end > total {
			end = total
		}
		partIndex := (i / slackMaxTransitions) + 1
		messages = append(messages, buildSlackMessage(event, event.Transitions[i:end], partIndex, chunkTotal))
	}
	return messages
}

func buildSlackMessage(event Event, transitions []transition.ServiceTransition, partIndex int, partTotal int) slack.WebhookMessage {
	summary := fmt.Sprintf("Update %s on %s: %d service transition(s)", event.Outcome, event.project(), len(event.Transitions))
	if partTotal > 1 {
		summary = fmt.Sprintf("%s (part %d/%d)", summary, partIndex, partTotal)
	}
	header := slack.NewHeaderBlock(slack.NewTextBlockObject("plain_text", summary, false, false))

	contextElements := []slack.MixedElement{
		slack.NewTextBlockObject("mrkdwn", fmt.Sprintf("Project: *%s*", event.project()), false, false),
	}
	if event.Host != "" {
		contextElements = append(contextElements, slack.NewTextBlockObject("mrkdwn", fmt.Sprintf("Host: *%s*", event.Host), false, false))
	}
	if event.Revision != "" {
		contextElements = append(contextElements, slack.NewTextBlockObject("mrkdwn", fmt.Sprintf("Revision: `%s`", shortRevision(event.Revision)), false, false))
	}
	if partTotal > 1 {
		contextElements = append(contextElements, slack.NewTextBlockObject("mrkdwn", fmt.Sprintf("Batch: %d/%d", partIndex, partTotal), false, false))
	}
	context := slack.NewContextBlock("", contextElements...)

	blocks := []slack.Block{header, context, buildOutcomeBlock(event)}
	for _, change := range transitions {
		blocks = append(blocks, buildTransitionBlock(change))
	}

	blockSet := slack.Blocks{BlockSet: blocks}
	return slack.WebhookMessage{
		Text:   summary,
		Blocks: &blockSet,
	}
}

func buildOutcomeBlock(event Event) slack.Block {
	var text string
	switch event.Outcome {
	case state.OutcomeFailed:
		text = fmt.Sprintf(":x: Update failed in stage `%s`", event.FailedStage)
		if event.Error != "" {
			text += "\n```" + event.Error + "```"
		}
	default:
		text = fmt.Sprintf(":white_check_mark: Update %s", event.Outcome)
		if len(event.Warnings) > 0 {
			text += fmt.Sprintf(" with %d warning(s)", len(event.Warnings))
		}
	}
	return slack.NewSectionBlock(slack.NewTextBlockObject("mrkdwn", text, false, false), nil, nil)
}

func buildTransitionBlock(change transition.ServiceTransition) slack.Block {
	title := fmt.Sprintf("*%s*: `%s` → `%s`", change.Name, statusLabel(change.PreviousStatus), statusLabel(change.CurrentStatus))
	text := slack.NewTextBlockObject("mrkdwn", title, false, false)

	fields := make([]*slack.TextBlockObject, 0, 3)
	if len(change.Reasons) > 0 {
		fields = append(fields, slack.NewTextBlockObject("mrkdwn", "*Reasons:*\n"+strings.Join(change.Reasons, ", "), false, false))
	}
	if change.ReplicaChange != nil {
		fields = append(fields, slack.NewTextBlockObject("mrkdwn", formatReplicaChange(change.ReplicaChange), false, false))
	}
	if change.ImageChange != nil {
		fields = append(fields, slack.NewTextBlockObject("mrkdwn", formatImageChange(change.ImageChange), false, false))
	}
	if len(fields) == 0 {
		fields = nil
	}

	return slack.NewSectionBlock(text, fields, nil)
}

func formatReplicaChange(change *transition.ReplicaChange) string {
	return fmt.Sprintf("*Replicas:*\nDesired %d (Δ %d), Running %d (Δ %d)",
		change.CurrentDesired, change.DesiredDelta, change.CurrentRunning, change.RunningDelta)
}

func formatImageChange(change *transition.ImageChange) string {
	desired := change.CurrentDesired
	if desired == "" {
		desired = "unknown"
	}
	actual := change.CurrentActual
	if actual == "" {
		actual = "unknown"
	}
	return fmt.Sprintf("*Image:*\nDesired `%s`\nActual `%s`", desired, actual)
}

func statusLabel(status health.ServiceStatus) string {
	if status == "" {
		return "new"
	}
	return string(status)
}

func shortRevision(rev string) string {
	if len(rev) > shortRevisionLength {
		return rev[:shortRevisionLength]
	}
	return rev
}
