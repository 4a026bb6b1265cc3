package domain

import (
	"database/sql"
	"time"
)

// StateSnapshot is the single current-truth row per invoice, as opposed to
// the append-only history. FirstSeenAt is written once on insert and never
// overwritten; StatusChanged reflects only the most recent reconciliation.
type StateSnapshot struct {
	InvoiceID         int64           `json:"invoice_id"`
	IssuerRUC         string          `json:"issuer_ruc"`
	ReceiverRUC       string          `json:"receiver_ruc"`
	DocumentType      string          `json:"document_type"`
	Series            string          `json:"series"`
	Number            string          `json:"number"`
	TotalAmount       sql.NullFloat64 `json:"total_amount"`
	StatusText        sql.NullString  `json:"status_text"`
	StatusDescription sql.NullString  `json:"status_description"`
	StatusCode        sql.NullString  `json:"status_code"`
	Message           sql.NullString  `json:"message"`
	FirstSeenAt       time.Time       `json:"first_seen_at"`
	LastCheckedAt     time.Time       `json:"last_checked_at"`
	LastChangedAt     time.Time       `json:"last_changed_at"`
	StatusChanged     bool            `json:"status_changed"`
}

// HasTransitioned reports whether the freshly mapped status pair differs from
// the pair currently stored on the snapshot. Comparison uses the stored
// values, not anything from the same batch's HTTP response, so transitions
// are detected across batches. NULL and empty string compare equal.
func (s *StateSnapshot) HasTransitioned(next CanonicalStatus) bool {
	return nullToEmpty(s.StatusText) != nullToEmpty(next.Text) ||
		nullToEmpty(s.StatusDescription) != nullToEmpty(next.Description)
}

func nullToEmpty(v sql.NullString) string {
	if !v.Valid {
		return ""
	}
	return v.String
}
