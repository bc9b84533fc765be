// Package transport provides the outbound notification senders driven by the
// outbox: Slack webhook delivery for real deployments and a log sender for
// development and tests.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/relaydev/relayd/internal/common/config"
	apperrors "github.com/relaydev/relayd/internal/common/errors"
	"github.com/relaydev/relayd/internal/common/logger"
)

// Sender delivers one outbound notification payload. Errors are retried by
// the outbox per its backoff schedule.
type Sender func(ctx context.Context, payload json.RawMessage) error

// Notification is the payload the orchestrator enqueues for terminal task
// states and escalations.
type Notification struct {
	TaskID  string `json:"taskId"`
	RepoID  string `json:"repoId"`
	State   string `json:"state"`
	Text    string `json:"text"`
	Summary string `json:"summary,omitempty"`
	PRURL   string `json:"prUrl,omitempty"`
}

// New builds the configured sender.
func New(cfg config.TransportConfig, log *logger.Logger) (Sender, error) {
	switch cfg.Kind {
	case "slack":
		return NewSlackSender(cfg.Slack, log)
	default:
		return NewLogSender(log), nil
	}
}

// NewLogSender returns a sender that logs the notification and succeeds.
func NewLogSender(log *logger.Logger) Sender {
	tlog := log.WithComponent("transport.log")
	return func(_ context.Context, payload json.RawMessage) error {
		tlog.Info("outbound notification", zap.ByteString("payload", payload))
		return nil
	}
}

// NewSlackSender returns a sender that posts notifications to a Slack
// incoming webhook. Constructing it without a webhook URL fails with
// slack_missing_secrets.
func NewSlackSender(cfg config.SlackConfig, log *logger.Logger) (Sender, error) {
	if cfg.WebhookURL == "" {
		return nil, apperrors.New(apperrors.CodeSlackMissingSecrets,
			"slack transport requires transport.slack.webhookUrl", http.StatusBadRequest)
	}

	slog := log.WithComponent("transport.slack")
	client := &http.Client{Timeout: 10 * time.Second}

	return func(ctx context.Context, payload json.RawMessage) error {
		var note Notification
		if err := json.Unmarshal(payload, &note); err != nil {
			return fmt.Errorf("decode notification: %w", err)
		}

		msg := map[string]any{"text": formatMessage(note)}
		if cfg.Channel != "" {
			msg["channel"] = cfg.Channel
		}
		body, err := json.Marshal(msg)
		if err != nil {
			return err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.WebhookURL, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("slack post: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
			return fmt.Errorf("slack post: status %d: %s", resp.StatusCode, snippet)
		}
		slog.Debug("notification delivered", zap.String("task_id", note.TaskID))
		return nil
	}, nil
}

// formatMessage renders a notification as a single Slack message line.
func formatMessage(n Notification) string {
	msg := fmt.Sprintf("task %s (%s) is %s", n.TaskID, n.RepoID, n.State)
	if n.Summary != "" {
		msg += ": " + n.Summary
	}
	if n.PRURL != "" {
		msg += " (" + n.PRURL + ")"
	}
	return msg
}
