package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/glimte/courier-go/messaging"
	"github.com/glimte/courier-go/outbox"
	"github.com/glimte/courier-go/reliability"
)

// UnitOfWork runs the handler inside a unit of work. Staged messages reach the transport only
// when the handler succeeds and the commit goes through.
type UnitOfWork struct {
	factory outbox.Factory
	logger  *slog.Logger
}

func NewUnitOfWork(factory outbox.Factory, logger *slog.Logger) *UnitOfWork {
	if logger == nil {
		logger = slog.Default()
	}
	return &UnitOfWork{factory: factory, logger: logger}
}

func (u *UnitOfWork) Name() string { return NameUnitOfWork }

func (u *UnitOfWork) Handle(ctx context.Context, mc *messaging.MessageContext, next Next) error {
	uow, err := u.factory.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin unit of work: %w", err)
	}
	mc.BindOutbox(uow.Outbox())
	ctx = outbox.WithUnitOfWork(ctx, uow)

	defer func() {
		if r := recover(); r != nil {
			u.rollback(ctx, uow)
			panic(r)
		}
	}()

	if err := next(ctx, mc); err != nil {
		u.rollback(ctx, uow)
		return err
	}
	if err := uow.Commit(ctx); err != nil {
		err = fmt.Errorf("commit unit of work: %w", err)
		var delivery *outbox.DeliveryError
		if errors.As(err, &delivery) && delivery.AllRefused() {
			// the transport already routed each refusal through the error handlers
			return reliability.Permanent(err)
		}
		return err
	}
	return nil
}

func (u *UnitOfWork) rollback(ctx context.Context, uow outbox.UnitOfWork) {
	if err := uow.Rollback(context.WithoutCancel(ctx)); err != nil {
		u.logger.Error("failed to roll back unit of work", "error", err)
	}
}
