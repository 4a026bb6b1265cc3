package postgres

import (
	"context"
	"log/slog"

	"github.com/facturaops/sunat-validator/internal/validation/domain"
	"github.com/facturaops/sunat-validator/internal/validation/repository"
)

type PgQueueRepository struct {
	logger *slog.Logger
}

func NewPgQueueRepository(logger *slog.Logger) *PgQueueRepository {
	return &PgQueueRepository{logger: logger}
}

// ClaimBatch atomically reserves up to limit queued rows, oldest first.
// FOR UPDATE SKIP LOCKED keeps concurrent claimers from ever returning the
// same row; the UPDATE transitions the rows to processing and bumps the
// attempt counter in the same statement, so a claim is exactly-once.
func (r *PgQueueRepository) ClaimBatch(ctx context.Context, q repository.Querier, limit int) ([]*domain.QueueItem, error) {
	query := `
		WITH claimable AS (
			SELECT id
			FROM validation_queue
			WHERE status = $1
			ORDER BY enqueued_at ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		UPDATE validation_queue vq
		SET status = $3, attempts = vq.attempts + 1
		FROM claimable c
		WHERE vq.id = c.id
		RETURNING vq.id, vq.invoice_id, vq.issuer_ruc, vq.receiver_ruc, vq.document_type,
		          vq.series, vq.number, vq.issue_date, vq.total_amount, vq.status,
		          vq.attempts, vq.last_error, vq.enqueued_at;
	`
	rows, err := q.Query(ctx, query, domain.StatusQueued, limit, domain.StatusProcessing)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error claiming queue batch", "error", err)
		return nil, err
	}
	defer rows.Close()

	var items []*domain.QueueItem
	for rows.Next() {
		item := &domain.QueueItem{}
		if err := rows.Scan(
			&item.ID, &item.InvoiceID, &item.IssuerRUC, &item.ReceiverRUC, &item.DocumentType,
			&item.Series, &item.Number, &item.IssueDate, &item.TotalAmount, &item.Status,
			&item.Attempts, &item.LastError, &item.EnqueuedAt,
		); err != nil {
			r.logger.ErrorContext(ctx, "Error scanning claimed queue row", "error", err)
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		r.logger.ErrorContext(ctx, "Error iterating claimed queue rows", "error", err)
		return nil, err
	}

	if len(items) == 0 {
		return nil, domain.ErrNoQueuedItems
	}

	r.logger.InfoContext(ctx, "Claimed queue items", "count", len(items))
	return items, nil
}

// MarkDone transitions a processing item to done and clears any stale error.
func (r *PgQueueRepository) MarkDone(ctx context.Context, q repository.Querier, id int64) error {
	tag, err := q.Exec(ctx,
		`UPDATE validation_queue SET status = $1, last_error = NULL WHERE id = $2`,
		domain.StatusDone, id,
	)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error marking queue item done", "error", err, "item_id", id)
		return err
	}
	if tag.RowsAffected() == 0 {
		r.logger.WarnContext(ctx, "Queue item not found for done update", "item_id", id)
		return domain.ErrItemNotFound
	}
	return nil
}

// MarkError transitions a processing item to error, storing a truncated
// description. No automatic re-queue exists; error rows stay put until an
// operator intervenes.
func (r *PgQueueRepository) MarkError(ctx context.Context, q repository.Querier, id int64, detail string) error {
	tag, err := q.Exec(ctx,
		`UPDATE validation_queue SET status = $1, last_error = $2 WHERE id = $3`,
		domain.StatusError, domain.TruncateError(detail), id,
	)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error marking queue item errored", "error", err, "item_id", id)
		return err
	}
	if tag.RowsAffected() == 0 {
		r.logger.WarnContext(ctx, "Queue item not found for error update", "item_id", id)
		return domain.ErrItemNotFound
	}
	return nil
}
