package postgres

import (
	"context"
	"log/slog"

	"github.com/facturaops/sunat-validator/internal/validation/repository"
)

type PgFinalRepository struct {
	logger *slog.Logger
}

func NewPgFinalRepository(logger *slog.Logger) *PgFinalRepository {
	return &PgFinalRepository{logger: logger}
}

// SyncFromSnapshot mirrors snapshot state into the sunat_* columns of the
// downstream purchase_invoices table in one batched statement. Rows are
// matched by invoice_id against pre-existing rows only; the worker never
// inserts or deletes downstream rows.
//
// The statement is idempotent: the WHERE clause selects only rows where some
// mirrored column actually differs (IS DISTINCT FROM is the null-safe
// comparison), so a second run against an unchanged snapshot touches zero
// rows. Two columns get special treatment: sunat_first_checked_at keeps its
// existing value once set, and sunat_changed_at only moves when the change
// flag is raised.
func (r *PgFinalRepository) SyncFromSnapshot(ctx context.Context, q repository.Querier) (int64, error) {
	query := `
		UPDATE purchase_invoices d
		SET sunat_status           = s.status_text,
		    sunat_status_detail    = s.status_description,
		    sunat_response_code    = s.status_code,
		    sunat_message          = s.message,
		    sunat_status_changed   = s.status_changed,
		    sunat_first_checked_at = COALESCE(d.sunat_first_checked_at, s.first_seen_at),
		    sunat_last_checked_at  = s.last_checked_at,
		    sunat_changed_at       = CASE WHEN s.status_changed THEN s.last_changed_at
		                                  ELSE d.sunat_changed_at END
		FROM validation_snapshot s
		WHERE s.invoice_id = d.invoice_id
		  AND (
		       d.sunat_status         IS DISTINCT FROM s.status_text
		    OR d.sunat_status_detail  IS DISTINCT FROM s.status_description
		    OR d.sunat_response_code  IS DISTINCT FROM s.status_code
		    OR d.sunat_message        IS DISTINCT FROM s.message
		    OR d.sunat_status_changed IS DISTINCT FROM s.status_changed
		    OR d.sunat_first_checked_at IS NULL
		    OR d.sunat_last_checked_at IS DISTINCT FROM s.last_checked_at
		    OR (s.status_changed AND d.sunat_changed_at IS DISTINCT FROM s.last_changed_at)
		  )
	`
	tag, err := q.Exec(ctx, query)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error syncing final table from snapshot", "error", err)
		return 0, err
	}

	affected := tag.RowsAffected()
	r.logger.InfoContext(ctx, "Final table synced from snapshot", "rows_updated", affected)
	return affected, nil
}
