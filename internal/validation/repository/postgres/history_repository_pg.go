package postgres

import (
	"context"
	"log/slog"

	"github.com/facturaops/sunat-validator/internal/validation/domain"
	"github.com/facturaops/sunat-validator/internal/validation/repository"
)

type PgHistoryRepository struct {
	logger *slog.Logger
}

func NewPgHistoryRepository(logger *slog.Logger) *PgHistoryRepository {
	return &PgHistoryRepository{logger: logger}
}

// Insert appends one audit row. The table is append-only; there is no update
// or delete path anywhere in the repository.
func (r *PgHistoryRepository) Insert(ctx context.Context, q repository.Querier, rec *domain.ValidationRecord) error {
	query := `
		INSERT INTO validation_history (
			id, invoice_id, issuer_ruc, receiver_ruc, document_type, series, number,
			issue_date, total_amount, status_text, status_code, message,
			token_expires_at, raw_response, created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15
		)
	`
	_, err := q.Exec(ctx, query,
		rec.ID, rec.InvoiceID, rec.IssuerRUC, rec.ReceiverRUC, rec.DocumentType, rec.Series, rec.Number,
		rec.IssueDate, rec.TotalAmount, rec.StatusText, rec.StatusCode, rec.Message,
		rec.TokenExpiresAt, rec.RawResponse, rec.CreatedAt,
	)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error inserting validation history row", "error", err, "invoice_id", rec.InvoiceID)
		return err
	}
	return nil
}
