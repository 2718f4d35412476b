package sqlstore

import (
	"time"

	"github.com/uptrace/bun"
)

const (
	statusPending   = "pending"
	statusDelivered = "delivered"
)

type outboxRecord struct {
	bun.BaseModel `bun:"table:courier_outbox,alias:co"`

	ID            string            `bun:"id,pk"`
	ReflectedType string            `bun:"reflected_type,notnull"`
	Body          []byte            `bun:"body,notnull"`
	Headers       map[string]string `bun:"headers,notnull"`
	Status        string            `bun:"status,notnull"`
	Attempts      int               `bun:"attempts,notnull"`
	LastError     string            `bun:"last_error,notnull"`
	CreatedAt     time.Time         `bun:"created_at,notnull"`
	DeliveredAt   *time.Time        `bun:"delivered_at,nullzero"`
}
