package domain

import (
	"database/sql"
	"time"
)

// ItemStatus represents the lifecycle state of a queued invoice.
type ItemStatus string

const (
	StatusQueued     ItemStatus = "queued"
	StatusProcessing ItemStatus = "processing" // Claimed by a batch cycle
	StatusDone       ItemStatus = "done"
	StatusError      ItemStatus = "error" // Terminal; no automatic re-queue
)

// QueueItem is one row of the validation work queue. Rows are produced by an
// external loader and only transition queued -> processing -> done|error here.
type QueueItem struct {
	ID           int64           `json:"id"`
	InvoiceID    int64           `json:"invoice_id"`
	IssuerRUC    string          `json:"issuer_ruc"`
	ReceiverRUC  string          `json:"receiver_ruc"`
	DocumentType string          `json:"document_type"` // SUNAT codComp, e.g. "01" for factura
	Series       string          `json:"series"`
	Number       string          `json:"number"`
	IssueDate    sql.NullTime    `json:"issue_date"`
	TotalAmount  sql.NullFloat64 `json:"total_amount"`
	Status       ItemStatus      `json:"status"`
	Attempts     int             `json:"attempts"`
	LastError    sql.NullString  `json:"last_error,omitempty"`
	EnqueuedAt   time.Time       `json:"enqueued_at"`
}
