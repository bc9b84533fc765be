// Package bridge accepts authenticated inbound webhook envelopes and feeds
// them through a durable outbox supervisor into task submission. Delivery is
// at-least-once with the supervisor's backoff and poison semantics; the
// bridge adds shared-secret authentication and messageId deduplication.
package bridge

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/relaydev/relayd/internal/common/logger"
	"github.com/relaydev/relayd/internal/outbox"
)

// Envelope is an authenticated inbound message describing an external event.
type Envelope struct {
	MessageID string          `json:"messageId"`
	Source    string          `json:"source"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// AcceptStatus is the caller-visible outcome of an accept.
type AcceptStatus string

const (
	StatusQueued    AcceptStatus = "queued"
	StatusDuplicate AcceptStatus = "duplicate"
	StatusRejected  AcceptStatus = "rejected"
)

// AcceptResult is returned to the webhook caller.
type AcceptResult struct {
	Status AcceptStatus `json:"status"`
	Ack    bool         `json:"ack"`
	TaskID string       `json:"taskId,omitempty"`
}

// SubmitFunc turns an accepted envelope into a task and returns its id.
type SubmitFunc func(ctx context.Context, env Envelope) (string, error)

// Bridge authenticates envelopes and supervises their dispatch.
type Bridge struct {
	secret     []byte
	supervisor *outbox.Supervisor
	logger     *logger.Logger
}

// Config configures the bridge.
type Config struct {
	SharedSecret string
	StatePath    string
	RetryBase    time.Duration
	RetryMax     time.Duration
	MaxRetries   int
	OnPoison     func(rec outbox.Record)
}

// New creates a Bridge whose supervisor submits envelopes via submit.
func New(cfg Config, submit SubmitFunc, log *logger.Logger) (*Bridge, error) {
	blog := log.WithComponent("bridge")

	sender := func(ctx context.Context, payload json.RawMessage) (string, error) {
		var env Envelope
		if err := json.Unmarshal(payload, &env); err != nil {
			return "", fmt.Errorf("decode envelope: %w", err)
		}
		return submit(ctx, env)
	}

	sup, err := outbox.New(outbox.Config{
		Name:          "bridge",
		StatePath:     cfg.StatePath,
		RetryBase:     cfg.RetryBase,
		RetryMax:      cfg.RetryMax,
		MaxRetries:    cfg.MaxRetries,
		SuccessStatus: outbox.StatusAcked,
		OnPoison:      cfg.OnPoison,
	}, sender, log)
	if err != nil {
		return nil, err
	}

	return &Bridge{
		secret:     []byte(cfg.SharedSecret),
		supervisor: sup,
		logger:     blog,
	}, nil
}

// Start launches the dispatch pump.
func (b *Bridge) Start(ctx context.Context) error {
	return b.supervisor.Start(ctx)
}

// Stop halts dispatch and persists the final state.
func (b *Bridge) Stop() {
	b.supervisor.Stop()
}

// Accept authenticates and enqueues an envelope. A wrong secret rejects
// without persisting anything; a known non-poison messageId acks as a
// duplicate without a second dispatch.
func (b *Bridge) Accept(env Envelope, providedSecret string) (AcceptResult, error) {
	if !hmac.Equal(b.secret, []byte(providedSecret)) {
		b.logger.Warn("envelope rejected: secret mismatch",
			zap.String("message_id", env.MessageID),
			zap.String("source", env.Source))
		return AcceptResult{Status: StatusRejected, Ack: false}, nil
	}

	messageID := strings.TrimSpace(env.MessageID)
	if messageID == "" {
		return AcceptResult{Status: StatusRejected, Ack: false},
			fmt.Errorf("envelope messageId is required")
	}
	env.MessageID = messageID

	payload, err := json.Marshal(env)
	if err != nil {
		return AcceptResult{Status: StatusRejected, Ack: false}, err
	}

	rec, dup, err := b.supervisor.Enqueue(messageID, payload)
	if err != nil {
		return AcceptResult{Status: StatusRejected, Ack: false}, err
	}
	if dup {
		return AcceptResult{Status: StatusDuplicate, Ack: true, TaskID: rec.TaskID}, nil
	}

	b.logger.Info("envelope accepted",
		zap.String("message_id", messageID),
		zap.String("source", env.Source),
		zap.String("type", env.Type))
	return AcceptResult{Status: StatusQueued, Ack: true}, nil
}

// VerifySignature checks an HMAC-SHA256 hex signature over body, as sent by
// webhook sources in X-Relay-Signature.
func (b *Bridge) VerifySignature(body []byte, hexSignature string) bool {
	sig, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(hexSignature), "sha256="))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, b.secret)
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), sig)
}

// Health reports the supervisor's record counts.
func (b *Bridge) Health() outbox.Health {
	return b.supervisor.Health()
}

// Record returns the current dispatch record for a messageId.
func (b *Bridge) Record(messageID string) (outbox.Record, bool) {
	return b.supervisor.Get(messageID)
}

// Records returns every dispatch record, oldest first.
func (b *Bridge) Records() []outbox.Record {
	return b.supervisor.Records()
}
