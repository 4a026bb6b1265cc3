package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/facturaops/sunat-validator/internal/validation/domain"
	"github.com/facturaops/sunat-validator/internal/validation/repository"
)

// TokenSource yields a valid bearer credential, caching behind the scenes.
type TokenSource interface {
	Token(ctx context.Context) (string, time.Time, error)
}

// Validator performs the external validation call for one claimed item.
type Validator interface {
	Validate(ctx context.Context, token string, item *domain.QueueItem) (ok bool, payload map[string]any)
}

// ProcessorConfig holds the per-cycle tuning knobs.
type ProcessorConfig struct {
	BatchSize   int
	WorkerCount int
}

// BatchStats summarizes one ProcessBatch cycle.
type BatchStats struct {
	Claimed    int
	Succeeded  int
	Failed     int
	SyncedRows int64
}

// BatchProcessor runs one claim -> validate -> reconcile cycle. The HTTP
// calls fan out over a bounded worker pool; all database writes are funneled
// back through the consuming loop, one transaction per item, so a mid-item
// failure never bleeds into its neighbours.
type BatchProcessor struct {
	db           repository.DB
	queueRepo    repository.QueueRepository
	historyRepo  repository.HistoryRepository
	snapshotRepo repository.SnapshotRepository
	finalRepo    repository.FinalRepository
	tokens       TokenSource
	validator    Validator
	logger       *slog.Logger
	cfg          ProcessorConfig

	now func() time.Time
}

func NewBatchProcessor(
	db repository.DB,
	queueRepo repository.QueueRepository,
	historyRepo repository.HistoryRepository,
	snapshotRepo repository.SnapshotRepository,
	finalRepo repository.FinalRepository,
	tokens TokenSource,
	validator Validator,
	logger *slog.Logger,
	cfg ProcessorConfig,
) *BatchProcessor {
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 1
	}
	if cfg.WorkerCount < 1 {
		cfg.WorkerCount = 1
	}
	return &BatchProcessor{
		db:           db,
		queueRepo:    queueRepo,
		historyRepo:  historyRepo,
		snapshotRepo: snapshotRepo,
		finalRepo:    finalRepo,
		tokens:       tokens,
		validator:    validator,
		logger:       logger,
		cfg:          cfg,
		now:          time.Now,
	}
}

type itemResult struct {
	item    *domain.QueueItem
	ok      bool
	payload map[string]any
}

// ProcessBatch executes one full cycle. A zero-claim cycle returns
// (BatchStats{}, nil); the caller treats that as "queue drained" and backs
// off. A token failure aborts the cycle before anything is claimed.
func (p *BatchProcessor) ProcessBatch(ctx context.Context) (BatchStats, error) {
	var stats BatchStats

	token, tokenExpiry, err := p.tokens.Token(ctx)
	if err != nil {
		return stats, fmt.Errorf("ensuring credential: %w", err)
	}

	items, err := p.queueRepo.ClaimBatch(ctx, p.db, p.cfg.BatchSize)
	if err != nil {
		if errors.Is(err, domain.ErrNoQueuedItems) {
			return stats, nil
		}
		return stats, fmt.Errorf("claiming batch: %w", err)
	}
	stats.Claimed = len(items)

	timer := prometheus.NewTimer(batchDurationHist)
	defer timer.ObserveDuration()

	workers := p.cfg.WorkerCount
	if workers > len(items) {
		workers = len(items)
	}

	jobs := make(chan *domain.QueueItem)
	results := make(chan itemResult)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for item := range jobs {
				ok, payload := p.validator.Validate(ctx, token, item)
				results <- itemResult{item: item, ok: ok, payload: payload}
			}
		}()
	}
	go func() {
		for _, item := range items {
			jobs <- item
		}
		close(jobs)
		wg.Wait()
		close(results)
	}()

	// Results are consumed first-completed-first-processed; each item's
	// writes commit before the next item's result is touched.
	for res := range results {
		recordErr := p.recordOutcome(ctx, res, tokenExpiry)
		switch {
		case recordErr != nil, !res.ok:
			stats.Failed++
			itemsProcessedCounter.WithLabelValues("error").Inc()
		default:
			stats.Succeeded++
			itemsProcessedCounter.WithLabelValues("done").Inc()
		}
	}

	// Final sync operates on aggregate snapshot state, so it runs once per
	// batch after every item has settled. A failure here is logged only:
	// the statement is idempotent and the next cycle retries it.
	affected, syncErr := p.finalRepo.SyncFromSnapshot(ctx, p.db)
	if syncErr != nil {
		p.logger.ErrorContext(ctx, "Final table sync failed; next cycle will retry", "error", syncErr)
	} else {
		stats.SyncedRows = affected
		finalSyncRowsCounter.Add(float64(affected))
	}

	p.logger.InfoContext(ctx, "Batch cycle complete",
		"claimed", stats.Claimed, "succeeded", stats.Succeeded, "failed", stats.Failed, "synced_rows", stats.SyncedRows)
	return stats, nil
}

// recordOutcome persists the full write sequence for one item as a single
// transaction: history append, snapshot reconciliation and terminal queue
// status. When the transaction fails it is rolled back and the item is
// marked errored outside of it, keeping the blast radius to this item.
func (p *BatchProcessor) recordOutcome(ctx context.Context, res itemResult, tokenExpiry time.Time) error {
	status := domain.MapStatus(res.payload)
	message := domain.ExtractMessage(res.payload)
	raw, err := json.Marshal(res.payload)
	if err != nil {
		raw = []byte(`{}`)
	}

	txErr := pgx.BeginFunc(ctx, p.db, func(tx pgx.Tx) error {
		rec := domain.NewValidationRecord(res.item, tokenExpiry, raw, p.now())
		rec.StatusText = status.Text
		rec.StatusCode = status.Code
		rec.Message = message
		if err := p.historyRepo.Insert(ctx, tx, rec); err != nil {
			return fmt.Errorf("recording history: %w", err)
		}
		if err := p.reconcileSnapshot(ctx, tx, res.item, status, message); err != nil {
			return fmt.Errorf("reconciling snapshot: %w", err)
		}
		if res.ok {
			return p.queueRepo.MarkDone(ctx, tx, res.item.ID)
		}
		return p.queueRepo.MarkError(ctx, tx, res.item.ID, string(raw))
	})
	if txErr != nil {
		p.logger.ErrorContext(ctx, "Item write sequence rolled back",
			"item_id", res.item.ID, "invoice_id", res.item.InvoiceID, "error", txErr)
		if markErr := p.queueRepo.MarkError(ctx, p.db, res.item.ID, txErr.Error()); markErr != nil {
			p.logger.ErrorContext(ctx, "Failed to mark item errored after rollback",
				"item_id", res.item.ID, "error", markErr)
		}
		return txErr
	}
	return nil
}

// reconcileSnapshot applies the change-detection rule against the previously
// stored pair, inside the item's transaction.
func (p *BatchProcessor) reconcileSnapshot(ctx context.Context, tx pgx.Tx, item *domain.QueueItem, status domain.CanonicalStatus, message sql.NullString) error {
	now := p.now().UTC()

	prev, err := p.snapshotRepo.GetByInvoiceID(ctx, tx, item.InvoiceID)
	if errors.Is(err, domain.ErrSnapshotNotFound) {
		snap := &domain.StateSnapshot{
			InvoiceID:         item.InvoiceID,
			IssuerRUC:         item.IssuerRUC,
			ReceiverRUC:       item.ReceiverRUC,
			DocumentType:      item.DocumentType,
			Series:            item.Series,
			Number:            item.Number,
			TotalAmount:       item.TotalAmount,
			StatusText:        status.Text,
			StatusDescription: status.Description,
			StatusCode:        status.Code,
			Message:           message,
			FirstSeenAt:       now,
			LastCheckedAt:     now,
			LastChangedAt:     now,
			StatusChanged:     status.Text.Valid,
		}
		return p.snapshotRepo.Insert(ctx, tx, snap)
	}
	if err != nil {
		return err
	}

	if prev.HasTransitioned(status) {
		return p.snapshotRepo.UpdateChanged(ctx, tx, item.InvoiceID, status, message, now)
	}
	return p.snapshotRepo.UpdateUnchanged(ctx, tx, item.InvoiceID, status.Code, message, now)
}
