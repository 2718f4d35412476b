// Package sqlstore persists outbox messages in the same database transaction as the business
// data written by a handler.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/glimte/courier-go/contracts"
	"github.com/glimte/courier-go/outbox"
	"github.com/glimte/courier-go/serialization"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
)

// Store begins units of work backed by a bun database.
type Store struct {
	db        *bun.DB
	codec     *serialization.Codec
	deliverer outbox.Deliverer
	logger    *slog.Logger
	now       func() time.Time
}

// Option configures a Store
type Option func(*Store)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// NewStore creates a store. Messages are encoded with codec and delivered through deliverer after
// each commit.
func NewStore(db *bun.DB, codec *serialization.Codec, deliverer outbox.Deliverer, opts ...Option) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	if codec == nil || deliverer == nil {
		return nil, fmt.Errorf("sqlstore: codec and deliverer are required")
	}
	s := &Store{
		db:        db,
		codec:     codec,
		deliverer: deliverer,
		logger:    slog.Default(),
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// OpenSQLite opens a SQLite database. In-memory databases are pinned to a single connection so
// every query sees the same database, which serializes units of work. File databases keep a pool;
// pass _busy_timeout in the DSN so concurrent writers wait for the lock instead of failing.
func OpenSQLite(dsn string) (*bun.DB, error) {
	sqldb, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	if inMemory(dsn) {
		sqldb.SetMaxOpenConns(1)
	}
	return bun.NewDB(sqldb, sqlitedialect.New()), nil
}

func inMemory(dsn string) bool {
	return dsn == "" || strings.Contains(dsn, ":memory:") || strings.Contains(dsn, "mode=memory")
}

// OpenPostgres opens a PostgreSQL database through lib/pq.
func OpenPostgres(dsn string) (*bun.DB, error) {
	sqldb, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	return bun.NewDB(sqldb, pgdialect.New()), nil
}

// CreateSchema creates the outbox table and its index when missing.
func CreateSchema(ctx context.Context, db bun.IDB) error {
	if _, err := db.NewCreateTable().Model((*outboxRecord)(nil)).IfNotExists().Exec(ctx); err != nil {
		return fmt.Errorf("sqlstore: create outbox table: %w", err)
	}
	_, err := db.NewCreateIndex().
		Model((*outboxRecord)(nil)).
		Index("courier_outbox_status_created_idx").
		Column("status", "created_at").
		IfNotExists().
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("sqlstore: create outbox index: %w", err)
	}
	return nil
}

func (s *Store) Begin(ctx context.Context) (outbox.UnitOfWork, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: begin: %w", err)
	}
	return &UnitOfWork{tx: tx, outbox: outbox.New(), store: s}, nil
}

// Pending returns undelivered messages created before cutoff, oldest first.
func (s *Store) Pending(ctx context.Context, cutoff time.Time, limit int) ([]*contracts.Message, error) {
	if limit <= 0 {
		limit = 100
	}
	var records []outboxRecord
	err := s.db.NewSelect().
		Model(&records).
		Where("status = ?", statusPending).
		Where("created_at <= ?", cutoff.UTC()).
		OrderExpr("created_at ASC").
		Limit(limit).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: select pending: %w", err)
	}

	msgs := make([]*contracts.Message, 0, len(records))
	for _, record := range records {
		msg, err := s.codec.Unmarshal(serialization.Envelope{
			ReflectedType: record.ReflectedType,
			Body:          record.Body,
			Headers:       record.Headers,
		})
		if err != nil {
			s.logger.Error("undecodable outbox record", "message_id", record.ID, "error", err)
			s.markFailed(ctx, record.ID, err)
			continue
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// deliver hands msgs to the deliverer and records the outcome of each.
func (s *Store) deliver(ctx context.Context, msgs []*contracts.Message) (int, error) {
	var (
		delivered []string
		errs      []error
	)
	for _, msg := range msgs {
		ok, err := s.deliverer.Enqueue(ctx, msg)
		if err == nil && !ok {
			err = outbox.ErrNotConfirmed
		}
		if err != nil {
			s.markFailed(ctx, msg.ID(), err)
			errs = append(errs, fmt.Errorf("%s: %w", msg.ID(), err))
			continue
		}
		delivered = append(delivered, msg.ID())
	}
	if len(delivered) > 0 {
		_, err := s.db.NewUpdate().
			Model((*outboxRecord)(nil)).
			Set("status = ?", statusDelivered).
			Set("last_error = ?", "").
			Set("delivered_at = ?", s.now()).
			Where("id IN (?)", bun.In(delivered)).
			Exec(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("sqlstore: mark delivered: %w", err))
		}
	}
	return len(delivered), errors.Join(errs...)
}

func (s *Store) markFailed(ctx context.Context, id string, cause error) {
	_, err := s.db.NewUpdate().
		Model((*outboxRecord)(nil)).
		Set("attempts = attempts + 1").
		Set("last_error = ?", strings.TrimSpace(cause.Error())).
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		s.logger.Error("failed to record outbox failure", "message_id", id, "error", err)
	}
}

// UnitOfWork binds an outbox to a database transaction.
type UnitOfWork struct {
	mu     sync.Mutex
	done   bool
	tx     bun.Tx
	outbox *outbox.Outbox
	store  *Store
}

// Tx returns the transaction handlers use for business writes.
func (u *UnitOfWork) Tx() bun.Tx {
	return u.tx
}

func (u *UnitOfWork) Outbox() *outbox.Outbox {
	return u.outbox
}

func (u *UnitOfWork) complete() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.done {
		return outbox.ErrCompleted
	}
	u.done = true
	return nil
}

// Commit writes the staged messages in the transaction, commits, then delivers them. Messages that
// fail delivery stay pending for the relay; Commit does not report them.
func (u *UnitOfWork) Commit(ctx context.Context) error {
	if err := u.complete(); err != nil {
		return err
	}
	msgs := u.outbox.All()
	if len(msgs) > 0 {
		records := make([]outboxRecord, 0, len(msgs))
		now := u.store.now()
		for _, msg := range msgs {
			env, err := u.store.codec.Marshal(msg)
			if err != nil {
				_ = u.tx.Rollback()
				return err
			}
			records = append(records, outboxRecord{
				ID:            msg.ID(),
				ReflectedType: env.ReflectedType,
				Body:          env.Body,
				Headers:       env.Headers,
				Status:        statusPending,
				CreatedAt:     now,
			})
		}
		if _, err := u.tx.NewInsert().Model(&records).Exec(ctx); err != nil {
			_ = u.tx.Rollback()
			return fmt.Errorf("sqlstore: insert outbox: %w", err)
		}
	}
	if err := u.tx.Commit(); err != nil {
		return fmt.Errorf("sqlstore: commit: %w", err)
	}
	if len(msgs) == 0 {
		return nil
	}
	if _, err := u.store.deliver(ctx, msgs); err != nil {
		u.store.logger.Warn("outbox messages left for relay", "error", err)
	}
	return nil
}

func (u *UnitOfWork) Rollback(ctx context.Context) error {
	if err := u.complete(); err != nil {
		return err
	}
	u.outbox.Discard()
	if err := u.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("sqlstore: rollback: %w", err)
	}
	return nil
}

// TxFromContext returns the transaction of the SQL unit of work carried by ctx.
func TxFromContext(ctx context.Context) (bun.Tx, bool) {
	uow, ok := outbox.FromContext(ctx)
	if !ok {
		return bun.Tx{}, false
	}
	sqlUnit, ok := uow.(*UnitOfWork)
	if !ok {
		return bun.Tx{}, false
	}
	return sqlUnit.tx, true
}
