package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/facturaops/sunat-validator/internal/validation/domain"
)

// Querier is the common surface of pgxpool.Pool and pgx.Tx, so repository
// methods can run inside or outside a transaction.
type Querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// TxBeginner is the slice of pgxpool.Pool the processor needs to open
// per-item transactions.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// DB combines the two; *pgxpool.Pool satisfies it.
type DB interface {
	Querier
	TxBeginner
}

// QueueRepository owns the work queue. ClaimBatch is the sole mutation point
// for queued->processing; MarkDone/MarkError are the sole writers of the
// terminal states.
type QueueRepository interface {
	ClaimBatch(ctx context.Context, q Querier, limit int) ([]*domain.QueueItem, error)
	MarkDone(ctx context.Context, q Querier, id int64) error
	MarkError(ctx context.Context, q Querier, id int64, detail string) error
}

// HistoryRepository appends immutable audit rows.
type HistoryRepository interface {
	Insert(ctx context.Context, q Querier, rec *domain.ValidationRecord) error
}

// SnapshotRepository maintains the one-row-per-invoice current state.
type SnapshotRepository interface {
	GetByInvoiceID(ctx context.Context, q Querier, invoiceID int64) (*domain.StateSnapshot, error)
	Insert(ctx context.Context, q Querier, snap *domain.StateSnapshot) error
	UpdateChanged(ctx context.Context, q Querier, invoiceID int64, status domain.CanonicalStatus, message sql.NullString, at time.Time) error
	UpdateUnchanged(ctx context.Context, q Querier, invoiceID int64, statusCode, message sql.NullString, at time.Time) error
}

// FinalRepository mirrors snapshot state into the downstream invoice table.
type FinalRepository interface {
	SyncFromSnapshot(ctx context.Context, q Querier) (int64, error)
}
