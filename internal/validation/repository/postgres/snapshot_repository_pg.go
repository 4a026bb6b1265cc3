package postgres

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/facturaops/sunat-validator/internal/validation/domain"
	"github.com/facturaops/sunat-validator/internal/validation/repository"
)

type PgSnapshotRepository struct {
	logger *slog.Logger
}

func NewPgSnapshotRepository(logger *slog.Logger) *PgSnapshotRepository {
	return &PgSnapshotRepository{logger: logger}
}

func (r *PgSnapshotRepository) GetByInvoiceID(ctx context.Context, q repository.Querier, invoiceID int64) (*domain.StateSnapshot, error) {
	query := `
		SELECT invoice_id, issuer_ruc, receiver_ruc, document_type, series, number,
		       total_amount, status_text, status_description, status_code, message,
		       first_seen_at, last_checked_at, last_changed_at, status_changed
		FROM validation_snapshot
		WHERE invoice_id = $1
	`
	snap := &domain.StateSnapshot{}
	err := q.QueryRow(ctx, query, invoiceID).Scan(
		&snap.InvoiceID, &snap.IssuerRUC, &snap.ReceiverRUC, &snap.DocumentType, &snap.Series, &snap.Number,
		&snap.TotalAmount, &snap.StatusText, &snap.StatusDescription, &snap.StatusCode, &snap.Message,
		&snap.FirstSeenAt, &snap.LastCheckedAt, &snap.LastChangedAt, &snap.StatusChanged,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrSnapshotNotFound
		}
		r.logger.ErrorContext(ctx, "Error loading state snapshot", "error", err, "invoice_id", invoiceID)
		return nil, err
	}
	return snap, nil
}

// Insert creates the first snapshot row for an invoice. first_seen_at is only
// ever written here.
func (r *PgSnapshotRepository) Insert(ctx context.Context, q repository.Querier, snap *domain.StateSnapshot) error {
	query := `
		INSERT INTO validation_snapshot (
			invoice_id, issuer_ruc, receiver_ruc, document_type, series, number,
			total_amount, status_text, status_description, status_code, message,
			first_seen_at, last_checked_at, last_changed_at, status_changed
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15
		)
	`
	_, err := q.Exec(ctx, query,
		snap.InvoiceID, snap.IssuerRUC, snap.ReceiverRUC, snap.DocumentType, snap.Series, snap.Number,
		snap.TotalAmount, snap.StatusText, snap.StatusDescription, snap.StatusCode, snap.Message,
		snap.FirstSeenAt, snap.LastCheckedAt, snap.LastChangedAt, snap.StatusChanged,
	)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error inserting state snapshot", "error", err, "invoice_id", snap.InvoiceID)
		return err
	}
	return nil
}

// UpdateChanged records a detected status transition: all status fields move,
// last_changed_at advances and the change flag is raised.
func (r *PgSnapshotRepository) UpdateChanged(ctx context.Context, q repository.Querier, invoiceID int64, status domain.CanonicalStatus, message sql.NullString, at time.Time) error {
	query := `
		UPDATE validation_snapshot
		SET status_text = $1, status_description = $2, status_code = $3, message = $4,
		    last_checked_at = $5, last_changed_at = $5, status_changed = TRUE
		WHERE invoice_id = $6
	`
	tag, err := q.Exec(ctx, query, status.Text, status.Description, status.Code, message, at, invoiceID)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error updating changed snapshot", "error", err, "invoice_id", invoiceID)
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrSnapshotNotFound
	}
	return nil
}

// UpdateUnchanged refreshes only the response code, message and check
// timestamp; last_changed_at is left alone and the change flag is lowered.
func (r *PgSnapshotRepository) UpdateUnchanged(ctx context.Context, q repository.Querier, invoiceID int64, statusCode, message sql.NullString, at time.Time) error {
	query := `
		UPDATE validation_snapshot
		SET status_code = $1, message = $2, last_checked_at = $3, status_changed = FALSE
		WHERE invoice_id = $4
	`
	tag, err := q.Exec(ctx, query, statusCode, message, at, invoiceID)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error updating unchanged snapshot", "error", err, "invoice_id", invoiceID)
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrSnapshotNotFound
	}
	return nil
}
