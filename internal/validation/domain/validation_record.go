package domain

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ValidationRecord is one immutable audit row, appended per validation
// attempt whether the call succeeded or not. Rows are never updated.
type ValidationRecord struct {
	ID             uuid.UUID       `json:"id"`
	InvoiceID      int64           `json:"invoice_id"`
	IssuerRUC      string          `json:"issuer_ruc"`
	ReceiverRUC    string          `json:"receiver_ruc"`
	DocumentType   string          `json:"document_type"`
	Series         string          `json:"series"`
	Number         string          `json:"number"`
	IssueDate      sql.NullTime    `json:"issue_date"`
	TotalAmount    sql.NullFloat64 `json:"total_amount"`
	StatusText     sql.NullString  `json:"status_text"`
	StatusCode     sql.NullString  `json:"status_code"`
	Message        sql.NullString  `json:"message"`
	TokenExpiresAt time.Time       `json:"token_expires_at"`
	RawResponse    json.RawMessage `json:"raw_response"`
	CreatedAt      time.Time       `json:"created_at"`
}

// NewValidationRecord copies the document identity out of a queue item so the
// audit row stays stable even if the queue row is later purged. The caller
// supplies the creation time so record and snapshot timestamps come from the
// same clock.
func NewValidationRecord(item *QueueItem, tokenExpiresAt time.Time, raw json.RawMessage, at time.Time) *ValidationRecord {
	return &ValidationRecord{
		ID:             uuid.New(),
		InvoiceID:      item.InvoiceID,
		IssuerRUC:      item.IssuerRUC,
		ReceiverRUC:    item.ReceiverRUC,
		DocumentType:   item.DocumentType,
		Series:         item.Series,
		Number:         item.Number,
		IssueDate:      item.IssueDate,
		TotalAmount:    item.TotalAmount,
		TokenExpiresAt: tokenExpiresAt,
		RawResponse:    raw,
		CreatedAt:      at.UTC(),
	}
}
