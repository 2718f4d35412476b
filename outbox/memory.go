package outbox

import (
	"context"
	"log/slog"
	"sync"
)

// MemoryFactory creates units of work without business storage. Commit hands staged messages to
// the deliverer, rollback discards them.
type MemoryFactory struct {
	deliverer Deliverer
	logger    *slog.Logger
}

// NewMemoryFactory creates a factory delivering through d
func NewMemoryFactory(d Deliverer, logger *slog.Logger) *MemoryFactory {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryFactory{deliverer: d, logger: logger}
}

func (f *MemoryFactory) Begin(ctx context.Context) (UnitOfWork, error) {
	return &memoryUnit{outbox: New(), factory: f}, nil
}

type memoryUnit struct {
	mu      sync.Mutex
	done    bool
	outbox  *Outbox
	factory *MemoryFactory
}

func (u *memoryUnit) Outbox() *Outbox {
	return u.outbox
}

func (u *memoryUnit) complete() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.done {
		return ErrCompleted
	}
	u.done = true
	return nil
}

func (u *memoryUnit) Commit(ctx context.Context) error {
	if err := u.complete(); err != nil {
		return err
	}
	msgs := u.outbox.All()
	if len(msgs) == 0 {
		return nil
	}
	if err := Deliver(ctx, u.factory.deliverer, msgs); err != nil {
		u.factory.logger.Error("outbox delivery failed", "error", err, "staged", len(msgs))
		return err
	}
	return nil
}

func (u *memoryUnit) Rollback(ctx context.Context) error {
	if err := u.complete(); err != nil {
		return err
	}
	u.outbox.Discard()
	return nil
}
