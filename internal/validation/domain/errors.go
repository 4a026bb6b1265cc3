package domain

import "errors"

var (
	// ErrNoQueuedItems signals an empty claim; the poll loop backs off.
	ErrNoQueuedItems = errors.New("no queued items")

	// ErrItemNotFound is returned when a terminal status update matches no row.
	ErrItemNotFound = errors.New("queue item not found")

	// ErrSnapshotNotFound is returned on first reconciliation of an invoice.
	ErrSnapshotNotFound = errors.New("state snapshot not found")
)

// MaxErrorBytes bounds the last_error column on the queue table.
const MaxErrorBytes = 3900

// TruncateError caps an error description at MaxErrorBytes without splitting
// a UTF-8 sequence.
func TruncateError(detail string) string {
	if len(detail) <= MaxErrorBytes {
		return detail
	}
	cut := MaxErrorBytes
	for cut > 0 && detail[cut]&0xC0 == 0x80 {
		cut--
	}
	return detail[:cut]
}
