package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"ingest.groundswell.dev/db"
)

// jsonArg marshals a value for a jsonb parameter. nil maps to SQL NULL.
func jsonArg(v interface{}) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal jsonb argument: %w", err)
	}
	return string(b), nil
}

func unmarshalStateError(raw []byte) (*UnitError, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var serr UnitError
	if err := json.Unmarshal(raw, &serr); err != nil {
		return nil, fmt.Errorf("failed to unmarshal unit error: %w", err)
	}
	return &serr, nil
}

func unmarshalPayload(raw []byte) (map[string]interface{}, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
	}
	return m, nil
}

func scanRefs(rows pgx.Rows) ([]UnitRef, error) {
	defer rows.Close()

	var refs []UnitRef
	for rows.Next() {
		var ref UnitRef
		if err := rows.Scan(&ref.ID, &ref.TenantID); err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

// PostgresRunRepository implements RunRepository using pgx.
type PostgresRunRepository struct {
	db *db.PostgresDB
}

// NewPostgresRunRepository creates a run repository backed by the given pool.
func NewPostgresRunRepository(pg *db.PostgresDB) *PostgresRunRepository {
	return &PostgresRunRepository{db: pg}
}

func (r *PostgresRunRepository) Create(ctx context.Context, run *Run) error {
	return r.db.Exec(ctx, `
		INSERT INTO integration_runs (id, tenant_id, integration_id, onboarding, state, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, now(), now())
	`, run.ID, run.TenantID, run.IntegrationID, run.Onboarding, StatePending)
}

func (r *PostgresRunRepository) Find(ctx context.Context, id string) (*Run, error) {
	row := r.db.QueryRow(ctx, `
		SELECT id, tenant_id, integration_id, onboarding, state, delayed_until, error, processed_at, created_at, updated_at
		FROM integration_runs
		WHERE id = $1
	`, id)

	var (
		run     Run
		rawErr  []byte
		scanErr error
	)
	scanErr = row.Scan(&run.ID, &run.TenantID, &run.IntegrationID, &run.Onboarding,
		&run.State, &run.DelayedUntil, &rawErr, &run.ProcessedAt, &run.CreatedAt, &run.UpdatedAt)
	if errors.Is(scanErr, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if scanErr != nil {
		return nil, scanErr
	}

	serr, err := unmarshalStateError(rawErr)
	if err != nil {
		return nil, err
	}
	run.Error = serr
	return &run, nil
}

func (r *PostgresRunRepository) MarkInProgress(ctx context.Context, id string) (bool, error) {
	rows, err := r.db.ExecRows(ctx, `
		UPDATE integration_runs
		SET state = $2, delayed_until = NULL, updated_at = now()
		WHERE id = $1 AND state IN ($2, $3, $4)
	`, id, StateProcessing, StatePending, StateDelayed)
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

func (r *PostgresRunRepository) Delay(ctx context.Context, id string, until time.Time) error {
	return r.db.Exec(ctx, `
		UPDATE integration_runs
		SET state = $2, delayed_until = $3, updated_at = now()
		WHERE id = $1 AND state = $4
	`, id, StateDelayed, until, StateProcessing)
}

func (r *PostgresRunRepository) MarkError(ctx context.Context, id string, serr *UnitError) error {
	arg, err := jsonArg(serr)
	if err != nil {
		return err
	}
	return r.db.Exec(ctx, `
		UPDATE integration_runs
		SET state = $2, error = $3, updated_at = now()
		WHERE id = $1 AND state NOT IN ($4, $2)
	`, id, StateError, arg, StateProcessed)
}

func (r *PostgresRunRepository) PromoteDueDelayed(ctx context.Context, now time.Time) ([]UnitRef, error) {
	rows, err := r.db.Query(ctx, `
		UPDATE integration_runs
		SET state = $1, delayed_until = NULL, updated_at = now()
		WHERE state = $2 AND delayed_until <= $3
		RETURNING id, tenant_id
	`, StateProcessing, StateDelayed, now)
	if err != nil {
		return nil, err
	}
	return scanRefs(rows)
}

func (r *PostgresRunRepository) FinishableRuns(ctx context.Context) ([]UnitRef, error) {
	rows, err := r.db.Query(ctx, `
		SELECT r.id, r.tenant_id
		FROM integration_runs r
		WHERE r.state = $1
		AND EXISTS (
			SELECT 1 FROM integration_streams s WHERE s.run_id = r.id
		)
		AND NOT EXISTS (
			SELECT 1 FROM integration_streams s
			WHERE s.run_id = r.id AND s.state IN ($2, $1, $3)
		)
		AND NOT EXISTS (
			SELECT 1 FROM integration_data d
			WHERE d.run_id = r.id AND d.state IN ($2, $1)
		)
	`, StateProcessing, StatePending, StateDelayed)
	if err != nil {
		return nil, err
	}
	return scanRefs(rows)
}

func (r *PostgresRunRepository) MarkProcessed(ctx context.Context, id string) error {
	return r.db.Exec(ctx, `
		UPDATE integration_runs
		SET state = $2, processed_at = now(), updated_at = now()
		WHERE id = $1 AND state = $3
	`, id, StateProcessed, StateProcessing)
}

// PostgresStreamRepository implements StreamRepository using pgx.
type PostgresStreamRepository struct {
	db *db.PostgresDB
}

// NewPostgresStreamRepository creates a stream repository backed by the given
// pool.
func NewPostgresStreamRepository(pg *db.PostgresDB) *PostgresStreamRepository {
	return &PostgresStreamRepository{db: pg}
}

func (r *PostgresStreamRepository) Create(ctx context.Context, stream *Stream) (bool, error) {
	data, err := jsonArg(stream.Data)
	if err != nil {
		return false, err
	}

	// Duplicate publication of the same identifier under a run is a no-op.
	rows, err := r.db.ExecRows(ctx, `
		INSERT INTO integration_streams
			(id, run_id, parent_id, tenant_id, integration_id, identifier, data, state, retries, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 0, now(), now())
		ON CONFLICT (run_id, identifier) DO NOTHING
	`, stream.ID, stream.RunID, stream.ParentID, stream.TenantID, stream.IntegrationID,
		stream.Identifier, data, StatePending)
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

func (r *PostgresStreamRepository) Find(ctx context.Context, id string) (*Stream, error) {
	row := r.db.QueryRow(ctx, `
		SELECT id, run_id, parent_id, tenant_id, integration_id, identifier, data, state,
			delayed_until, retries, error, processed_at, created_at, updated_at
		FROM integration_streams
		WHERE id = $1
	`, id)

	var (
		stream  Stream
		rawData []byte
		rawErr  []byte
	)
	err := row.Scan(&stream.ID, &stream.RunID, &stream.ParentID, &stream.TenantID,
		&stream.IntegrationID, &stream.Identifier, &rawData, &stream.State,
		&stream.DelayedUntil, &stream.Retries, &rawErr, &stream.ProcessedAt,
		&stream.CreatedAt, &stream.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if stream.Data, err = unmarshalPayload(rawData); err != nil {
		return nil, err
	}
	if stream.Error, err = unmarshalStateError(rawErr); err != nil {
		return nil, err
	}
	return &stream, nil
}

func (r *PostgresStreamRepository) CountByRun(ctx context.Context, runID string) (int, error) {
	var count int
	err := r.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM integration_streams WHERE run_id = $1
	`, runID).Scan(&count)
	return count, err
}

func (r *PostgresStreamRepository) FindPendingByRun(ctx context.Context, runID string) ([]UnitRef, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, tenant_id FROM integration_streams
		WHERE run_id = $1 AND state = $2
	`, runID, StatePending)
	if err != nil {
		return nil, err
	}
	return scanRefs(rows)
}

func (r *PostgresStreamRepository) MarkInProgress(ctx context.Context, id string) (bool, error) {
	rows, err := r.db.ExecRows(ctx, `
		UPDATE integration_streams
		SET state = $2, updated_at = now()
		WHERE id = $1 AND state IN ($3, $2)
	`, id, StateProcessing, StatePending)
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

func (r *PostgresStreamRepository) MarkProcessed(ctx context.Context, id string) error {
	return r.db.Exec(ctx, `
		UPDATE integration_streams
		SET state = $2, processed_at = now(), updated_at = now()
		WHERE id = $1 AND state = $3
	`, id, StateProcessed, StateProcessing)
}

func (r *PostgresStreamRepository) Reset(ctx context.Context, id string) error {
	return r.db.Exec(ctx, `
		UPDATE integration_streams
		SET state = $2, updated_at = now()
		WHERE id = $1 AND state = $3
	`, id, StatePending, StateProcessing)
}

func (r *PostgresStreamRepository) Delay(ctx context.Context, id string, until time.Time, retries int, serr *UnitError) error {
	arg, err := jsonArg(serr)
	if err != nil {
		return err
	}
	return r.db.Exec(ctx, `
		UPDATE integration_streams
		SET state = $2, delayed_until = $3, retries = $4, error = $5, updated_at = now()
		WHERE id = $1 AND state = $6
	`, id, StateDelayed, until, retries, arg, StateProcessing)
}

func (r *PostgresStreamRepository) MarkError(ctx context.Context, id string, serr *UnitError) error {
	arg, err := jsonArg(serr)
	if err != nil {
		return err
	}
	return r.db.Exec(ctx, `
		UPDATE integration_streams
		SET state = $2, error = $3, updated_at = now()
		WHERE id = $1 AND state NOT IN ($4, $2)
	`, id, StateError, arg, StateProcessed)
}

func (r *PostgresStreamRepository) MarkExhausted(ctx context.Context, id string, retries int, serr *UnitError) error {
	arg, err := jsonArg(serr)
	if err != nil {
		return err
	}
	return r.db.Exec(ctx, `
		UPDATE integration_streams
		SET state = $2, retries = $3, error = $4, updated_at = now()
		WHERE id = $1 AND state = $5
	`, id, StateError, retries, arg, StateProcessing)
}

func (r *PostgresStreamRepository) PromoteDueDelayed(ctx context.Context, now time.Time) ([]UnitRef, error) {
	rows, err := r.db.Query(ctx, `
		UPDATE integration_streams s
		SET state = $1, delayed_until = NULL, updated_at = now()
		FROM integration_runs r
		WHERE s.run_id = r.id
		AND s.state = $2 AND s.delayed_until <= $3
		AND r.state = $4
		RETURNING s.id, s.tenant_id
	`, StatePending, StateDelayed, now, StateProcessing)
	if err != nil {
		return nil, err
	}
	return scanRefs(rows)
}

// PostgresDataRepository implements DataRepository using pgx.
type PostgresDataRepository struct {
	db *db.PostgresDB
}

// NewPostgresDataRepository creates a data repository backed by the given
// pool.
func NewPostgresDataRepository(pg *db.PostgresDB) *PostgresDataRepository {
	return &PostgresDataRepository{db: pg}
}

func (r *PostgresDataRepository) Create(ctx context.Context, data *Data) error {
	payload, err := jsonArg(data.Data)
	if err != nil {
		return err
	}
	return r.db.Exec(ctx, `
		INSERT INTO integration_data (id, stream_id, run_id, tenant_id, data, state, retries, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, 0, now(), now())
	`, data.ID, data.StreamID, data.RunID, data.TenantID, payload, StatePending)
}

func (r *PostgresDataRepository) Find(ctx context.Context, id string) (*Data, error) {
	row := r.db.QueryRow(ctx, `
		SELECT id, stream_id, run_id, tenant_id, data, state, retries, error, created_at, updated_at
		FROM integration_data
		WHERE id = $1
	`, id)

	var (
		data    Data
		rawData []byte
		rawErr  []byte
	)
	err := row.Scan(&data.ID, &data.StreamID, &data.RunID, &data.TenantID,
		&rawData, &data.State, &data.Retries, &rawErr, &data.CreatedAt, &data.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if data.Data, err = unmarshalPayload(rawData); err != nil {
		return nil, err
	}
	if data.Error, err = unmarshalStateError(rawErr); err != nil {
		return nil, err
	}
	return &data, nil
}

func (r *PostgresDataRepository) FindPendingByRun(ctx context.Context, runID string) ([]UnitRef, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, tenant_id FROM integration_data
		WHERE run_id = $1 AND state = $2
	`, runID, StatePending)
	if err != nil {
		return nil, err
	}
	return scanRefs(rows)
}

func (r *PostgresDataRepository) MarkInProgress(ctx context.Context, id string) (bool, error) {
	rows, err := r.db.ExecRows(ctx, `
		UPDATE integration_data
		SET state = $2, updated_at = now()
		WHERE id = $1 AND state IN ($3, $2)
	`, id, StateProcessing, StatePending)
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

func (r *PostgresDataRepository) MarkProcessed(ctx context.Context, id string) error {
	return r.db.Exec(ctx, `
		UPDATE integration_data
		SET state = $2, updated_at = now()
		WHERE id = $1 AND state = $3
	`, id, StateProcessed, StateProcessing)
}

func (r *PostgresDataRepository) ResetForRetry(ctx context.Context, id string, retries int, serr *UnitError) error {
	arg, err := jsonArg(serr)
	if err != nil {
		return err
	}
	return r.db.Exec(ctx, `
		UPDATE integration_data
		SET state = $2, retries = $3, error = $4, updated_at = now()
		WHERE id = $1 AND state = $5
	`, id, StatePending, retries, arg, StateProcessing)
}

func (r *PostgresDataRepository) MarkError(ctx context.Context, id string, serr *UnitError) error {
	arg, err := jsonArg(serr)
	if err != nil {
		return err
	}
	return r.db.Exec(ctx, `
		UPDATE integration_data
		SET state = $2, error = $3, updated_at = now()
		WHERE id = $1 AND state NOT IN ($4, $2)
	`, id, StateError, arg, StateProcessed)
}

func (r *PostgresDataRepository) MarkExhausted(ctx context.Context, id string, retries int, serr *UnitError) error {
	arg, err := jsonArg(serr)
	if err != nil {
		return err
	}
	return r.db.Exec(ctx, `
		UPDATE integration_data
		SET state = $2, retries = $3, error = $4, updated_at = now()
		WHERE id = $1 AND state = $5
	`, id, StateError, retries, arg, StateProcessing)
}
