// Package notify delivers run-outcome alerts to the external notification
// collaborator (Slack).
package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/slack-go/slack"
)

// Alert describes a collector run that ended in a non-SUCCEEDED state.
type Alert struct {
	CollectorName   string
	Status          string
	ErrorClass      string
	RecordsInserted int64
	RecordsUpdated  int64
	Host            string
}

type Notifier interface {
	RunFinished(ctx context.Context, alert Alert) error
}

// SlackNotifier posts alerts to an incoming webhook.
type SlackNotifier struct {
	log        *slog.Logger
	webhookURL string
}

func NewSlackNotifier(log *slog.Logger, webhookURL string) *SlackNotifier {
	return &SlackNotifier{log: log, webhookURL: webhookURL}
}

func (n *SlackNotifier) RunFinished(ctx context.Context, alert Alert) error {
	text := fmt.Sprintf(":warning: collector `%s` finished with status `%s` on `%s`\nerror class: `%s` | inserted: %d | updated: %d",
		alert.CollectorName, alert.Status, alert.Host, alert.ErrorClass,
		alert.RecordsInserted, alert.RecordsUpdated)

	if err := slack.PostWebhookContext(ctx, n.webhookURL, &slack.WebhookMessage{Text: text}); err != nil {
		return fmt.Errorf("failed to post slack alert for %s: %w", alert.CollectorName, err)
	}
	n.log.Debug("posted run alert", slog.String("collector", alert.CollectorName))
	return nil
}

// NopNotifier is used when no webhook is configured.
type NopNotifier struct{}

func (NopNotifier) RunFinished(context.Context, Alert) error { return nil }
