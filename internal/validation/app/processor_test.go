package app

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/facturaops/sunat-validator/internal/validation/domain"
	"github.com/facturaops/sunat-validator/internal/validation/repository"
)

// --- Mocks ---

type MockQueueRepository struct {
	mock.Mock
}

func (m *MockQueueRepository) ClaimBatch(ctx context.Context, q repository.Querier, limit int) ([]*domain.QueueItem, error) {
	args := m.Called(ctx, q, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.QueueItem), args.Error(1)
}

func (m *MockQueueRepository) MarkDone(ctx context.Context, q repository.Querier, id int64) error {
	args := m.Called(ctx, q, id)
	return args.Error(0)
}

func (m *MockQueueRepository) MarkError(ctx context.Context, q repository.Querier, id int64, detail string) error {
	args := m.Called(ctx, q, id, detail)
	return args.Error(0)
}

type MockHistoryRepository struct {
	mock.Mock
}

func (m *MockHistoryRepository) Insert(ctx context.Context, q repository.Querier, rec *domain.ValidationRecord) error {
	args := m.Called(ctx, q, rec)
	return args.Error(0)
}

type MockSnapshotRepository struct {
	mock.Mock
}

func (m *MockSnapshotRepository) GetByInvoiceID(ctx context.Context, q repository.Querier, invoiceID int64) (*domain.StateSnapshot, error) {
	args := m.Called(ctx, q, invoiceID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.StateSnapshot), args.Error(1)
}

func (m *MockSnapshotRepository) Insert(ctx context.Context, q repository.Querier, snap *domain.StateSnapshot) error {
	args := m.Called(ctx, q, snap)
	return args.Error(0)
}

func (m *MockSnapshotRepository) UpdateChanged(ctx context.Context, q repository.Querier, invoiceID int64, status domain.CanonicalStatus, message sql.NullString, at time.Time) error {
	args := m.Called(ctx, q, invoiceID, status, message, at)
	return args.Error(0)
}

func (m *MockSnapshotRepository) UpdateUnchanged(ctx context.Context, q repository.Querier, invoiceID int64, statusCode, message sql.NullString, at time.Time) error {
	args := m.Called(ctx, q, invoiceID, statusCode, message, at)
	return args.Error(0)
}

type MockFinalRepository struct {
	mock.Mock
}

func (m *MockFinalRepository) SyncFromSnapshot(ctx context.Context, q repository.Querier) (int64, error) {
	args := m.Called(ctx, q)
	return args.Get(0).(int64), args.Error(1)
}

type MockTokenSource struct {
	mock.Mock
}

func (m *MockTokenSource) Token(ctx context.Context) (string, time.Time, error) {
	args := m.Called(ctx)
	return args.String(0), args.Get(1).(time.Time), args.Error(2)
}

type MockValidator struct {
	mock.Mock
}

func (m *MockValidator) Validate(ctx context.Context, token string, item *domain.QueueItem) (bool, map[string]any) {
	args := m.Called(ctx, token, item)
	return args.Bool(0), args.Get(1).(map[string]any)
}

// --- Transaction stubs ---

// stubTx satisfies pgx.Tx for the slice of behavior pgx.BeginFunc exercises.
type stubTx struct {
	pgx.Tx
}

func (stubTx) Commit(ctx context.Context) error   { return nil }
func (stubTx) Rollback(ctx context.Context) error { return nil }

type fakeDB struct{}

func (fakeDB) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, nil
}
func (fakeDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return nil, nil
}
func (fakeDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row { return nil }
func (fakeDB) Begin(ctx context.Context) (pgx.Tx, error)                     { return stubTx{}, nil }

// --- Setup ---

type processorTestComponents struct {
	processor    *BatchProcessor
	queueRepo    *MockQueueRepository
	historyRepo  *MockHistoryRepository
	snapshotRepo *MockSnapshotRepository
	finalRepo    *MockFinalRepository
	tokens       *MockTokenSource
	validator    *MockValidator
}

func setupProcessorTest(t *testing.T) processorTestComponents {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	c := processorTestComponents{
		queueRepo:    new(MockQueueRepository),
		historyRepo:  new(MockHistoryRepository),
		snapshotRepo: new(MockSnapshotRepository),
		finalRepo:    new(MockFinalRepository),
		tokens:       new(MockTokenSource),
		validator:    new(MockValidator),
	}
	c.processor = NewBatchProcessor(
		fakeDB{}, c.queueRepo, c.historyRepo, c.snapshotRepo, c.finalRepo,
		c.tokens, c.validator, logger,
		ProcessorConfig{BatchSize: 10, WorkerCount: 4},
	)
	return c
}

func queuedItem(id, invoiceID int64) *domain.QueueItem {
	return &domain.QueueItem{
		ID:           id,
		InvoiceID:    invoiceID,
		IssuerRUC:    "20123456789",
		ReceiverRUC:  "20600055519",
		DocumentType: "01",
		Series:       "F001",
		Number:       "123",
		IssueDate:    sql.NullTime{Time: time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC), Valid: true},
		TotalAmount:  sql.NullFloat64{Float64: 150.5, Valid: true},
		Status:       domain.StatusProcessing,
		Attempts:     1,
		EnqueuedAt:   time.Now().UTC(),
	}
}

func tokenExpiry() time.Time {
	return time.Now().Add(time.Hour).UTC()
}

// --- Tests ---

func TestProcessBatch_EmptyQueue(t *testing.T) {
	c := setupProcessorTest(t)
	ctx := context.Background()

	c.tokens.On("Token", ctx).Return("tok", tokenExpiry(), nil)
	c.queueRepo.On("ClaimBatch", ctx, mock.Anything, 10).Return(nil, domain.ErrNoQueuedItems)

	stats, err := c.processor.ProcessBatch(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Claimed)

	c.validator.AssertNotCalled(t, "Validate", mock.Anything, mock.Anything, mock.Anything)
	c.finalRepo.AssertNotCalled(t, "SyncFromSnapshot", mock.Anything, mock.Anything)
}

func TestProcessBatch_AuthFailureAbortsBeforeClaiming(t *testing.T) {
	c := setupProcessorTest(t)
	ctx := context.Background()

	c.tokens.On("Token", ctx).Return("", time.Time{}, errors.New("no usable credential"))

	_, err := c.processor.ProcessBatch(ctx)
	require.Error(t, err)
	c.queueRepo.AssertNotCalled(t, "ClaimBatch", mock.Anything, mock.Anything, mock.Anything)
}

func TestProcessBatch_AuthorizedInvoiceEndToEnd(t *testing.T) {
	c := setupProcessorTest(t)
	ctx := context.Background()
	item := queuedItem(1, 100)

	// Both the audit row and the snapshot carry timestamps from the same
	// injected clock.
	cycleTime := time.Date(2024, 2, 1, 12, 0, 0, 0, time.UTC)
	c.processor.now = func() time.Time { return cycleTime }

	c.tokens.On("Token", ctx).Return("tok", tokenExpiry(), nil)
	c.queueRepo.On("ClaimBatch", ctx, mock.Anything, 10).Return([]*domain.QueueItem{item}, nil)
	c.validator.On("Validate", mock.Anything, "tok", item).
		Return(true, map[string]any{"data": map[string]any{"estadoCp": float64(3)}})

	c.historyRepo.On("Insert", mock.Anything, mock.Anything, mock.MatchedBy(func(rec *domain.ValidationRecord) bool {
		return rec.InvoiceID == 100 &&
			rec.StatusText.String == "AUTORIZADO" &&
			rec.StatusCode.String == "3" &&
			rec.Series == "F001" &&
			rec.CreatedAt.Equal(cycleTime)
	})).Return(nil)

	c.snapshotRepo.On("GetByInvoiceID", mock.Anything, mock.Anything, int64(100)).
		Return(nil, domain.ErrSnapshotNotFound)
	c.snapshotRepo.On("Insert", mock.Anything, mock.Anything, mock.MatchedBy(func(snap *domain.StateSnapshot) bool {
		return snap.InvoiceID == 100 &&
			snap.StatusText.String == "AUTORIZADO" &&
			snap.StatusChanged &&
			snap.FirstSeenAt.Equal(cycleTime) &&
			snap.FirstSeenAt.Equal(snap.LastCheckedAt) &&
			snap.FirstSeenAt.Equal(snap.LastChangedAt)
	})).Return(nil)

	c.queueRepo.On("MarkDone", mock.Anything, mock.Anything, int64(1)).Return(nil)
	c.finalRepo.On("SyncFromSnapshot", ctx, mock.Anything).Return(int64(1), nil)

	stats, err := c.processor.ProcessBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, BatchStats{Claimed: 1, Succeeded: 1, Failed: 0, SyncedRows: 1}, stats)

	c.queueRepo.AssertNotCalled(t, "MarkError", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	c.historyRepo.AssertExpectations(t)
	c.snapshotRepo.AssertExpectations(t)
}

func TestProcessBatch_FailedValidationStillWritesHistory(t *testing.T) {
	c := setupProcessorTest(t)
	ctx := context.Background()
	item := queuedItem(7, 700)

	c.tokens.On("Token", ctx).Return("tok", tokenExpiry(), nil)
	c.queueRepo.On("ClaimBatch", ctx, mock.Anything, 10).Return([]*domain.QueueItem{item}, nil)
	c.validator.On("Validate", mock.Anything, "tok", item).
		Return(false, map[string]any{"error": "i/o timeout after retries"})

	// The audit row is appended even for failures, with an all-null mapping.
	c.historyRepo.On("Insert", mock.Anything, mock.Anything, mock.MatchedBy(func(rec *domain.ValidationRecord) bool {
		return rec.InvoiceID == 700 && !rec.StatusCode.Valid && !rec.StatusText.Valid
	})).Return(nil)

	c.snapshotRepo.On("GetByInvoiceID", mock.Anything, mock.Anything, int64(700)).
		Return(nil, domain.ErrSnapshotNotFound)
	c.snapshotRepo.On("Insert", mock.Anything, mock.Anything, mock.MatchedBy(func(snap *domain.StateSnapshot) bool {
		return !snap.StatusChanged && !snap.StatusText.Valid
	})).Return(nil)

	c.queueRepo.On("MarkError", mock.Anything, mock.Anything, int64(7), mock.MatchedBy(func(detail string) bool {
		return detail != ""
	})).Return(nil)
	c.finalRepo.On("SyncFromSnapshot", ctx, mock.Anything).Return(int64(0), nil)

	stats, err := c.processor.ProcessBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Failed)
	assert.Zero(t, stats.Succeeded)
	c.historyRepo.AssertExpectations(t)
}

func TestProcessBatch_PersistenceFailureIsIsolatedPerItem(t *testing.T) {
	c := setupProcessorTest(t)
	ctx := context.Background()
	bad := queuedItem(1, 100)
	good := queuedItem(2, 200)

	c.tokens.On("Token", ctx).Return("tok", tokenExpiry(), nil)
	c.queueRepo.On("ClaimBatch", ctx, mock.Anything, 10).Return([]*domain.QueueItem{bad, good}, nil)
	c.validator.On("Validate", mock.Anything, "tok", mock.Anything).
		Return(true, map[string]any{"data": map[string]any{"estadoCp": float64(1)}})

	c.historyRepo.On("Insert", mock.Anything, mock.Anything, mock.MatchedBy(func(rec *domain.ValidationRecord) bool {
		return rec.InvoiceID == 100
	})).Return(errors.New("history insert failed"))
	c.historyRepo.On("Insert", mock.Anything, mock.Anything, mock.MatchedBy(func(rec *domain.ValidationRecord) bool {
		return rec.InvoiceID == 200
	})).Return(nil)

	c.snapshotRepo.On("GetByInvoiceID", mock.Anything, mock.Anything, int64(200)).
		Return(nil, domain.ErrSnapshotNotFound)
	c.snapshotRepo.On("Insert", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	c.queueRepo.On("MarkDone", mock.Anything, mock.Anything, int64(2)).Return(nil)
	// After the rollback, the failed item is marked errored outside the tx.
	c.queueRepo.On("MarkError", mock.Anything, mock.Anything, int64(1), mock.MatchedBy(func(detail string) bool {
		return detail != ""
	})).Return(nil)
	c.finalRepo.On("SyncFromSnapshot", ctx, mock.Anything).Return(int64(1), nil)

	stats, err := c.processor.ProcessBatch(ctx)
	require.NoError(t, err, "a per-item failure must not abort the batch")
	assert.Equal(t, 2, stats.Claimed)
	assert.Equal(t, 1, stats.Succeeded)
	assert.Equal(t, 1, stats.Failed)

	c.queueRepo.AssertCalled(t, "MarkError", mock.Anything, mock.Anything, int64(1), mock.Anything)
	c.queueRepo.AssertCalled(t, "MarkDone", mock.Anything, mock.Anything, int64(2))
}

func TestProcessBatch_FinalSyncFailureDoesNotAbortCycle(t *testing.T) {
	c := setupProcessorTest(t)
	ctx := context.Background()
	item := queuedItem(1, 100)

	c.tokens.On("Token", ctx).Return("tok", tokenExpiry(), nil)
	c.queueRepo.On("ClaimBatch", ctx, mock.Anything, 10).Return([]*domain.QueueItem{item}, nil)
	c.validator.On("Validate", mock.Anything, "tok", item).
		Return(true, map[string]any{"data": map[string]any{"estadoCp": float64(1)}})
	c.historyRepo.On("Insert", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	c.snapshotRepo.On("GetByInvoiceID", mock.Anything, mock.Anything, int64(100)).
		Return(nil, domain.ErrSnapshotNotFound)
	c.snapshotRepo.On("Insert", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	c.queueRepo.On("MarkDone", mock.Anything, mock.Anything, int64(1)).Return(nil)
	c.finalRepo.On("SyncFromSnapshot", ctx, mock.Anything).Return(int64(0), errors.New("deadlock detected"))

	stats, err := c.processor.ProcessBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Succeeded)
	assert.Zero(t, stats.SyncedRows)
}

func TestReconcileSnapshot_UnchangedStatusKeepsChangeTimestamp(t *testing.T) {
	c := setupProcessorTest(t)
	ctx := context.Background()
	item := queuedItem(1, 100)

	prev := &domain.StateSnapshot{
		InvoiceID:         100,
		StatusText:        sql.NullString{String: "ACEPTADO", Valid: true},
		StatusDescription: sql.NullString{String: "ACEPTADO (1)", Valid: true},
	}
	status := domain.MapStatus(map[string]any{"data": map[string]any{"estadoCp": float64(1)}})

	c.snapshotRepo.On("GetByInvoiceID", mock.Anything, mock.Anything, int64(100)).Return(prev, nil)
	c.snapshotRepo.On("UpdateUnchanged", mock.Anything, mock.Anything, int64(100),
		status.Code, sql.NullString{}, mock.Anything).Return(nil)

	err := c.processor.reconcileSnapshot(ctx, stubTx{}, item, status, sql.NullString{})
	require.NoError(t, err)

	c.snapshotRepo.AssertNotCalled(t, "UpdateChanged",
		mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestReconcileSnapshot_TransitionRaisesChangeFlag(t *testing.T) {
	c := setupProcessorTest(t)
	ctx := context.Background()
	item := queuedItem(1, 100)

	prev := &domain.StateSnapshot{
		InvoiceID:         100,
		StatusText:        sql.NullString{String: "ACEPTADO", Valid: true},
		StatusDescription: sql.NullString{String: "ACEPTADO (1)", Valid: true},
	}
	status := domain.MapStatus(map[string]any{"data": map[string]any{"estadoCp": float64(2)}})

	c.snapshotRepo.On("GetByInvoiceID", mock.Anything, mock.Anything, int64(100)).Return(prev, nil)
	c.snapshotRepo.On("UpdateChanged", mock.Anything, mock.Anything, int64(100),
		status, sql.NullString{}, mock.Anything).Return(nil)

	err := c.processor.reconcileSnapshot(ctx, stubTx{}, item, status, sql.NullString{})
	require.NoError(t, err)

	c.snapshotRepo.AssertNotCalled(t, "UpdateUnchanged",
		mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}
