// Package outbox implements the durable at-least-once dispatch primitive
// shared by the outbound transport outbox and the inbound webhook bridge.
// Records are persisted to a JSON state file after every change; a single
// pump goroutine retries failed dispatches with exponential backoff and
// quarantines records that exhaust their retries as poison.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/relaydev/relayd/internal/common/errors"
	"github.com/relaydev/relayd/internal/common/fsutil"
	"github.com/relaydev/relayd/internal/common/logger"
)

// Status is the lifecycle state of one record.
type Status string

const (
	StatusQueued   Status = "queued"
	StatusRetrying Status = "retrying"
	StatusSent     Status = "sent"
	StatusAcked    Status = "acked"
	StatusPoison   Status = "poison"
)

// stateVersion is the on-disk schema version.
const stateVersion = 1

// minPumpPeriod bounds how fast the dispatch timer can tick.
const minPumpPeriod = 200 * time.Millisecond

// Record is one durable dispatch unit.
type Record struct {
	ID             string          `json:"id"`
	IdempotencyKey string          `json:"idempotencyKey"`
	Status         Status          `json:"status"`
	Attempts       int             `json:"attempts"`
	NextAttemptAt  time.Time       `json:"nextAttemptAt"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
	Payload        json.RawMessage `json:"payload"`
	TaskID         string          `json:"taskId,omitempty"`
	LastError      string          `json:"lastError,omitempty"`
}

type diskState struct {
	Version int       `json:"version"`
	Records []*Record `json:"records"`
}

// Sender dispatches one payload. The returned string is stored on the record
// on success (the bridge stores the submitted task id; the transport outbox
// ignores it).
type Sender func(ctx context.Context, payload json.RawMessage) (string, error)

// Config configures a Supervisor instance.
type Config struct {
	// Name tags log lines and distinguishes the two instantiations.
	Name string

	// StatePath is the durable JSON state file.
	StatePath string

	// RetryBase and RetryMax bound the exponential backoff schedule.
	RetryBase time.Duration
	RetryMax  time.Duration

	// MaxRetries is how many failed dispatches a record survives before it
	// is quarantined as poison.
	MaxRetries int

	// SuccessStatus is the terminal status of a delivered record:
	// StatusSent for the outbox, StatusAcked for the bridge.
	SuccessStatus Status

	// OnPoison, when set, is invoked after a record is quarantined.
	OnPoison func(rec Record)
}

// Health is a point-in-time snapshot of record counts.
type Health struct {
	Queued    int    `json:"queued"`
	Retrying  int    `json:"retrying"`
	Sent      int    `json:"sent"`
	Acked     int    `json:"acked"`
	Poison    int    `json:"poison"`
	LastError string `json:"lastError,omitempty"`
}

// Supervisor owns a set of records and the pump that dispatches them.
type Supervisor struct {
	cfg    Config
	sender Sender
	logger *logger.Logger

	mu      sync.Mutex
	records []*Record
	active  map[string]*Record // idempotency key -> non-poison record

	wake    chan struct{}
	stopCh  chan struct{}
	wg      sync.WaitGroup
	running bool
}

// New creates a Supervisor, loading any records persisted by a previous run.
func New(cfg Config, sender Sender, log *logger.Logger) (*Supervisor, error) {
	if cfg.SuccessStatus == "" {
		cfg.SuccessStatus = StatusSent
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMax < cfg.RetryBase {
		cfg.RetryMax = cfg.RetryBase
	}
	name := cfg.Name
	if name == "" {
		name = "outbox"
	}

	s := &Supervisor{
		cfg:    cfg,
		sender: sender,
		logger: log.WithComponent(name),
		active: make(map[string]*Record),
		wake:   make(chan struct{}, 1),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Supervisor) load() error {
	var state diskState
	if err := fsutil.ReadJSON(s.cfg.StatePath, &state); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("load %s state: %w", s.cfg.Name, err)
	}
	s.records = state.Records
	for _, rec := range s.records {
		if rec.Status != StatusPoison {
			s.active[rec.IdempotencyKey] = rec
		}
	}
	return nil
}

// persistLocked writes the full record set via write-tmp-then-rename. The
// caller holds s.mu; a crash mid-write leaves the previous consistent file.
func (s *Supervisor) persistLocked() error {
	state := diskState{Version: stateVersion, Records: s.records}
	if err := fsutil.WriteJSONAtomic(s.cfg.StatePath, state); err != nil {
		s.logger.Error("failed to persist state", zap.Error(err))
		return err
	}
	return nil
}

// Start launches the dispatch pump.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("%s supervisor already running", s.cfg.Name)
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	s.wg.Add(1)
	go s.pumpLoop(ctx)
	s.logger.Info("dispatch pump started",
		zap.Duration("retry_base", s.cfg.RetryBase),
		zap.Int("max_retries", s.cfg.MaxRetries))
	return nil
}

// Stop halts the pump. An in-flight attempt finishes first; the final state
// is persisted before Stop returns.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()

	s.mu.Lock()
	_ = s.persistLocked()
	s.mu.Unlock()
	s.logger.Info("dispatch pump stopped")
}

// Enqueue appends a new record for the key, or returns the existing
// non-poison record for it. The second return is true for that duplicate
// case. An empty key is a validation error.
func (s *Supervisor) Enqueue(idempotencyKey string, payload json.RawMessage) (Record, bool, error) {
	key := strings.TrimSpace(idempotencyKey)
	if key == "" {
		return Record{}, false, apperrors.New(apperrors.CodeIdempotencyKeyRequired,
			"idempotency key is required", 400)
	}

	s.mu.Lock()
	if existing, ok := s.active[key]; ok {
		rec := *existing
		s.mu.Unlock()
		return rec, true, nil
	}

	now := time.Now().UTC()
	rec := &Record{
		ID:             uuid.New().String(),
		IdempotencyKey: key,
		Status:         StatusQueued,
		NextAttemptAt:  now,
		CreatedAt:      now,
		UpdatedAt:      now,
		Payload:        payload,
	}
	s.records = append(s.records, rec)
	s.active[key] = rec
	err := s.persistLocked()
	out := *rec
	s.mu.Unlock()

	if err != nil {
		return Record{}, false, err
	}
	s.Wake()
	return out, false, nil
}

// Get returns the current non-poison record for a key.
func (s *Supervisor) Get(idempotencyKey string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.active[strings.TrimSpace(idempotencyKey)]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// Records returns a copy of every record, oldest first.
func (s *Supervisor) Records() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, len(s.records))
	for i, rec := range s.records {
		out[i] = *rec
	}
	return out
}

// Health reports counts per status plus the most recent dispatch error.
func (s *Supervisor) Health() Health {
	s.mu.Lock()
	defer s.mu.Unlock()

	var h Health
	for _, rec := range s.records {
		switch rec.Status {
		case StatusQueued:
			h.Queued++
		case StatusRetrying:
			h.Retrying++
		case StatusSent:
			h.Sent++
		case StatusAcked:
			h.Acked++
		case StatusPoison:
			h.Poison++
		}
		if rec.LastError != "" {
			h.LastError = rec.LastError
		}
	}
	return h
}

// Wake nudges the pump to run a dispatch pass now.
func (s *Supervisor) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Supervisor) pumpPeriod() time.Duration {
	period := s.cfg.RetryBase / 2
	if period < minPumpPeriod {
		period = minPumpPeriod
	}
	return period
}

// pumpLoop is the only goroutine that dispatches records, so a record is
// never attempted concurrently with itself or any other.
func (s *Supervisor) pumpLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.pumpPeriod())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-s.wake:
			s.dispatch(ctx)
		case <-ticker.C:
			s.dispatch(ctx)
		}
	}
}

// dispatch attempts every due record sequentially, oldest first.
func (s *Supervisor) dispatch(ctx context.Context) {
	now := time.Now().UTC()

	s.mu.Lock()
	due := make([]*Record, 0)
	for _, rec := range s.records {
		if (rec.Status == StatusQueued || rec.Status == StatusRetrying) && !rec.NextAttemptAt.After(now) {
			due = append(due, rec)
		}
	}
	sort.SliceStable(due, func(i, j int) bool { return due[i].CreatedAt.Before(due[j].CreatedAt) })
	s.mu.Unlock()

	for _, rec := range due {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		default:
		}
		s.attempt(ctx, rec)
	}
}

// attempt performs one dispatch of one record and records the outcome.
// Attempts counts dispatches that failed; the delivering call leaves the
// counter where the failures put it.
func (s *Supervisor) attempt(ctx context.Context, rec *Record) {
	s.mu.Lock()
	payload := rec.Payload
	key := rec.IdempotencyKey
	s.mu.Unlock()

	result, err := s.sender(ctx, payload)
	now := time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	if err == nil {
		rec.Status = s.cfg.SuccessStatus
		rec.TaskID = result
		rec.LastError = ""
		rec.UpdatedAt = now
		_ = s.persistLocked()
		s.logger.Debug("record delivered",
			zap.String("key", key),
			zap.Int("attempts", rec.Attempts))
		return
	}

	rec.Attempts++
	rec.LastError = err.Error()
	rec.UpdatedAt = now

	if rec.Attempts > s.cfg.MaxRetries {
		rec.Status = StatusPoison
		rec.NextAttemptAt = now
		delete(s.active, key)
		_ = s.persistLocked()
		s.logger.Error("record poisoned after exhausting retries",
			zap.String("key", key),
			zap.Int("attempts", rec.Attempts),
			zap.String("last_error", rec.LastError))
		if s.cfg.OnPoison != nil {
			poisoned := *rec
			go s.cfg.OnPoison(poisoned)
		}
		return
	}

	delay := backoffDelay(s.cfg.RetryBase, s.cfg.RetryMax, rec.Attempts)
	rec.Status = StatusRetrying
	rec.NextAttemptAt = now.Add(delay)
	_ = s.persistLocked()
	s.logger.Warn("dispatch failed, will retry",
		zap.String("key", key),
		zap.Int("attempts", rec.Attempts),
		zap.Duration("backoff", delay),
		zap.String("error", rec.LastError))
}

// backoffDelay returns min(max, base * 2^(attempts-1)).
func backoffDelay(base, max time.Duration, attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	delay := base
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}
