package archive

import (
	"context"

	"github.com/relaydev/relayd/internal/orchestrator"
)

// NoopStore discards everything. Used when the archive is disabled.
type NoopStore struct{}

func NewNoopStore() *NoopStore { return &NoopStore{} }

func (*NoopStore) Put(context.Context, *orchestrator.Task) error { return nil }

func (*NoopStore) Get(context.Context, string) (*Record, error) { return nil, nil }

func (*NoopStore) List(context.Context, Filter) ([]Record, error) { return nil, nil }

func (*NoopStore) Count(context.Context) (int64, error) { return 0, nil }

func (*NoopStore) Close() error { return nil }
