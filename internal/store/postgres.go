package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/batchrelay/batchrelay/internal/statemachine"
	"github.com/batchrelay/batchrelay/internal/store/connection"
	"github.com/batchrelay/batchrelay/internal/store/models"
	"github.com/batchrelay/batchrelay/internal/store/queries"
)

// Postgres is the Store implementation backed by internal/store/connection's
// pgxpool wrapper.
type Postgres struct {
	pool   *connection.Pool
	logger *slog.Logger
}

// NewPostgres opens a connection pool and returns a ready-to-use Store.
func NewPostgres(cfg connection.Config, logger *slog.Logger) (*Postgres, error) {
	pool, err := connection.New(cfg, logger)
	if err != nil {
		return nil, err
	}
	return &Postgres{pool: pool, logger: logger}, nil
}

func (p *Postgres) IsHealthy() bool { return p.pool.IsHealthy() }
func (p *Postgres) Close()          { p.pool.Close() }

func (p *Postgres) CreateBatch(ctx context.Context, endpoint models.Endpoint, model string) (*models.Batch, error) {
	tx, err := p.pool.Pool().Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: begin create batch: %w", err)
	}
	defer tx.Rollback(ctx)

	b := &models.Batch{Endpoint: endpoint, Model: model, State: models.BatchBuilding}
	row := tx.QueryRow(ctx, queries.QueryInsertBatch, endpoint, model, models.BatchBuilding)
	if err := row.Scan(&b.ID, &b.CreatedAt, &b.UpdatedAt); err != nil {
		return nil, fmt.Errorf("store: insert batch: %w", err)
	}

	if _, err := tx.Exec(ctx, queries.QueryInsertBatchTransition, b.ID, nil, models.BatchBuilding, "create"); err != nil {
		return nil, fmt.Errorf("store: insert batch transition: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("store: commit create batch: %w", err)
	}
	return b, nil
}

func scanBatch(row pgx.Row) (*models.Batch, error) {
	b := &models.Batch{}
	err := row.Scan(
		&b.ID, &b.Endpoint, &b.Model, &b.State,
		&b.ProviderInputFileID, &b.ProviderOutputFileID, &b.ProviderErrorFileID, &b.ProviderBatchID,
		&b.ProviderStatusLastCheckedAt, &b.ExpiresAt,
		&b.UsageInputTokens, &b.UsageOutputTokens, &b.UsageCachedTokens, &b.UsageReasoningTokens,
		&b.RequestCount, &b.SizeBytes, &b.ErrorMsg, &b.CreatedAt, &b.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan batch: %w", err)
	}
	return b, nil
}

func (p *Postgres) GetOpenBatch(ctx context.Context, endpoint models.Endpoint, model string) (*models.Batch, error) {
	row := p.pool.Pool().QueryRow(ctx, queries.QueryGetOpenBatch, endpoint, model)
	return scanBatch(row)
}

func (p *Postgres) GetBatch(ctx context.Context, id int64) (*models.Batch, error) {
	row := p.pool.Pool().QueryRow(ctx, queries.QueryGetBatchByID, id)
	return scanBatch(row)
}

func (p *Postgres) CountAndSizeForBatch(ctx context.Context, batchID int64) (int, int64, error) {
	var count int
	var size int64
	err := p.pool.Pool().QueryRow(ctx, queries.QueryCountAndSizeForBatch, batchID).Scan(&count, &size)
	if err != nil {
		return 0, 0, fmt.Errorf("store: count and size: %w", err)
	}
	return count, size, nil
}

// TransitionBatch performs the guarded conditional UPDATE described in
// spec.md §9: validate the action against the current row's state, issue
// `UPDATE ... WHERE state = expected`, and on success insert the transition
// row in the same transaction. Zero rows updated means the state changed
// concurrently — models.ErrWrongState.
func (p *Postgres) TransitionBatch(ctx context.Context, batchID int64, action string) (*models.Batch, error) {
	tx, err := p.pool.Pool().Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: begin transition batch: %w", err)
	}
	defer tx.Rollback(ctx)

	current, err := scanBatch(tx.QueryRow(ctx, queries.QueryGetBatchByID, batchID))
	if err != nil {
		return nil, err
	}

	to, err := statemachine.ValidateBatchTransition(action, current.State)
	if err != nil {
		return nil, err
	}

	tag, err := tx.Exec(ctx, queries.QueryTransitionBatchState, to, batchID, current.State)
	if err != nil {
		return nil, fmt.Errorf("store: update batch state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, fmt.Errorf("%w: batch %d state changed concurrently", models.ErrWrongState, batchID)
	}

	from := current.State
	if _, err := tx.Exec(ctx, queries.QueryInsertBatchTransition, batchID, &from, to, action); err != nil {
		return nil, fmt.Errorf("store: insert batch transition: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("store: commit transition batch: %w", err)
	}

	current.State = to
	return current, nil
}

func (p *Postgres) UpdateBatchProviderFields(ctx context.Context, batchID int64, f BatchProviderUpdate) error {
	_, err := p.pool.Pool().Exec(ctx, queries.QueryUpdateBatchProviderFields,
		batchID, f.ProviderInputFileID, f.ProviderOutputFileID, f.ProviderErrorFileID, f.ProviderBatchID,
		f.ProviderStatusLastCheckedAt, f.ExpiresAt, f.UsageInputTokens, f.UsageOutputTokens,
		f.UsageCachedTokens, f.UsageReasoningTokens, f.ErrorMsg,
	)
	if err != nil {
		return fmt.Errorf("store: update batch provider fields: %w", err)
	}
	return nil
}

func (p *Postgres) BatchTerminalCounts(ctx context.Context, batchID int64) (TerminalCounts, error) {
	var tc TerminalCounts
	err := p.pool.Pool().QueryRow(ctx, queries.QueryBatchTerminalCounts, batchID).
		Scan(&tc.Delivered, &tc.Failed, &tc.Pending, &tc.Total)
	if err != nil {
		return TerminalCounts{}, fmt.Errorf("store: terminal counts: %w", err)
	}
	return tc, nil
}

func (p *Postgres) DeleteBatch(ctx context.Context, batchID int64) error {
	_, err := p.pool.Pool().Exec(ctx, queries.QueryDeleteBatch, batchID)
	if err != nil {
		return fmt.Errorf("store: delete batch: %w", err)
	}
	return nil
}

func (p *Postgres) ListStaleBuildingBatches(ctx context.Context, olderThan time.Time) ([]int64, error) {
	rows, err := p.pool.Pool().Query(ctx, queries.QueryListStaleBuildingBatches, olderThan)
	if err != nil {
		return nil, fmt.Errorf("store: list stale building batches: %w", err)
	}
	defer rows.Close()
	return scanIDs(rows)
}

func (p *Postgres) ListExpiredBatches(ctx context.Context) ([]int64, error) {
	rows, err := p.pool.Pool().Query(ctx, queries.QueryListExpiredBatches)
	if err != nil {
		return nil, fmt.Errorf("store: list expired batches: %w", err)
	}
	defer rows.Close()
	return scanIDs(rows)
}

func (p *Postgres) ListBatchesInState(ctx context.Context, state models.BatchState) ([]int64, error) {
	rows, err := p.pool.Pool().Query(ctx, queries.QueryListBatchesInState, string(state))
	if err != nil {
		return nil, fmt.Errorf("store: list batches in state %q: %w", state, err)
	}
	defer rows.Close()
	return scanIDs(rows)
}

func scanIDs(rows pgx.Rows) ([]int64, error) {
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: scan id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (p *Postgres) CreateRequest(ctx context.Context, req *models.Request) (*models.Request, error) {
	deliveryJSON, err := json.Marshal(req.DeliveryConfig)
	if err != nil {
		return nil, fmt.Errorf("store: marshal delivery config: %w", err)
	}

	tx, err := p.pool.Pool().Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: begin create request: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, queries.QueryInsertRequest,
		req.BatchID, req.CustomID, req.Endpoint, req.Model, models.RequestPending,
		req.RequestPayload, req.RequestPayloadSize, deliveryJSON,
	)
	if err := row.Scan(&req.ID, &req.CreatedAt, &req.UpdatedAt); err != nil {
		if isUniqueViolation(err) {
			return nil, models.ErrCustomIDAlreadyTaken
		}
		return nil, fmt.Errorf("store: insert request: %w", err)
	}
	req.State = models.RequestPending

	if _, err := tx.Exec(ctx, queries.QueryInsertRequestTransition, req.ID, nil, models.RequestPending, "create"); err != nil {
		return nil, fmt.Errorf("store: insert request transition: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("store: commit create request: %w", err)
	}
	return req, nil
}

// isUniqueViolation matches Postgres error code 23505 without importing
// pgconn's full error type in every call site.
func isUniqueViolation(err error) bool {
	return err != nil && (contains(err.Error(), "23505") || contains(err.Error(), "duplicate key"))
}

func contains(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}

func (p *Postgres) CustomIDExists(ctx context.Context, batchID int64, customID string) (bool, error) {
	var exists bool
	err := p.pool.Pool().QueryRow(ctx, queries.QueryCustomIDExistsInBatch, batchID, customID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("store: custom id exists: %w", err)
	}
	return exists, nil
}

func scanRequest(row pgx.Row) (*models.Request, error) {
	r := &models.Request{}
	var deliveryJSON []byte
	err := row.Scan(
		&r.ID, &r.BatchID, &r.CustomID, &r.Endpoint, &r.Model, &r.State,
		&r.RequestPayload, &r.RequestPayloadSize, &deliveryJSON,
		&r.ResponsePayload, &r.ErrorMsg, &r.CreatedAt, &r.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan request: %w", err)
	}
	if err := json.Unmarshal(deliveryJSON, &r.DeliveryConfig); err != nil {
		return nil, fmt.Errorf("store: unmarshal delivery config: %w", err)
	}
	return r, nil
}

func (p *Postgres) GetRequest(ctx context.Context, id int64) (*models.Request, error) {
	return scanRequest(p.pool.Pool().QueryRow(ctx, queries.QueryGetRequestByID, id))
}

func (p *Postgres) GetRequestByCustomID(ctx context.Context, endpoint models.Endpoint, model, customID string) (*models.Request, error) {
	return scanRequest(p.pool.Pool().QueryRow(ctx, queries.QueryGetRequestByCustomID, endpoint, model, customID))
}

func (p *Postgres) GetRequestByBatchAndCustomID(ctx context.Context, batchID int64, customID string) (*models.Request, error) {
	return scanRequest(p.pool.Pool().QueryRow(ctx, queries.QueryGetRequestByBatchAndCustomID, batchID, customID))
}

func (p *Postgres) ListRequestsForBatch(ctx context.Context, batchID int64) ([]*models.Request, error) {
	rows, err := p.pool.Pool().Query(ctx, queries.QueryListRequestsForBatch, batchID)
	if err != nil {
		return nil, fmt.Errorf("store: list requests: %w", err)
	}
	defer rows.Close()
	return scanRequests(rows)
}

func (p *Postgres) ListRequestsForBatchInState(ctx context.Context, batchID int64, state models.RequestState) ([]*models.Request, error) {
	rows, err := p.pool.Pool().Query(ctx, queries.QueryListRequestsForBatchInState, batchID, state)
	if err != nil {
		return nil, fmt.Errorf("store: list requests in state: %w", err)
	}
	defer rows.Close()
	return scanRequests(rows)
}

func scanRequests(rows pgx.Rows) ([]*models.Request, error) {
	var out []*models.Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *Postgres) TransitionRequest(ctx context.Context, requestID int64, action string) (*models.Request, error) {
	tx, err := p.pool.Pool().Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: begin transition request: %w", err)
	}
	defer tx.Rollback(ctx)

	current, err := scanRequest(tx.QueryRow(ctx, queries.QueryGetRequestByID, requestID))
	if err != nil {
		return nil, err
	}

	to, err := statemachine.ValidateRequestTransition(action, current.State)
	if err != nil {
		return nil, err
	}

	tag, err := tx.Exec(ctx, queries.QueryTransitionRequestState, to, requestID, current.State)
	if err != nil {
		return nil, fmt.Errorf("store: update request state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, fmt.Errorf("%w: request %d state changed concurrently", models.ErrWrongState, requestID)
	}

	from := current.State
	if _, err := tx.Exec(ctx, queries.QueryInsertRequestTransition, requestID, &from, to, action); err != nil {
		return nil, fmt.Errorf("store: insert request transition: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("store: commit transition request: %w", err)
	}

	current.State = to
	return current, nil
}

func (p *Postgres) UpdateRequestResult(ctx context.Context, requestID int64, responsePayload []byte, errMsg *string) error {
	_, err := p.pool.Pool().Exec(ctx, queries.QueryUpdateRequestResult, requestID, responsePayload, errMsg)
	if err != nil {
		return fmt.Errorf("store: update request result: %w", err)
	}
	return nil
}

func (p *Postgres) InsertDeliveryAttempt(ctx context.Context, a *models.RequestDeliveryAttempt) error {
	deliveryJSON, err := json.Marshal(a.DeliveryConfig)
	if err != nil {
		return fmt.Errorf("store: marshal delivery config: %w", err)
	}
	_, err = p.pool.Pool().Exec(ctx, queries.QueryInsertDeliveryAttempt, a.RequestID, deliveryJSON, a.Outcome, a.ErrorMsg)
	if err != nil {
		return fmt.Errorf("store: insert delivery attempt: %w", err)
	}
	return nil
}

func (p *Postgres) ListDeliveryAttempts(ctx context.Context, requestID int64) ([]*models.RequestDeliveryAttempt, error) {
	rows, err := p.pool.Pool().Query(ctx, queries.QueryListDeliveryAttempts, requestID)
	if err != nil {
		return nil, fmt.Errorf("store: list delivery attempts: %w", err)
	}
	defer rows.Close()

	var out []*models.RequestDeliveryAttempt
	for rows.Next() {
		a := &models.RequestDeliveryAttempt{}
		var deliveryJSON []byte
		if err := rows.Scan(&a.ID, &a.RequestID, &deliveryJSON, &a.Outcome, &a.ErrorMsg, &a.AttemptedAt); err != nil {
			return nil, fmt.Errorf("store: scan delivery attempt: %w", err)
		}
		if err := json.Unmarshal(deliveryJSON, &a.DeliveryConfig); err != nil {
			return nil, fmt.Errorf("store: unmarshal delivery config: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

var _ Store = (*Postgres)(nil)
