package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/songzhibin97/stepflow/types"
)

const defaultTable = "stepflow_workflows"

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// PostgresStorage keeps each workflow aggregate as a JSONB document, with
// owner and status copied into columns for listing and cleanup.
type PostgresStorage struct {
	pool  *pgxpool.Pool
	table string
}

// NewPostgresStorage wraps an existing pool. table defaults to "stepflow_workflows".
func NewPostgresStorage(pool *pgxpool.Pool, table string) (*PostgresStorage, error) {
	if table == "" {
		table = defaultTable
	}
	if !tableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &PostgresStorage{pool: pool, table: table}, nil
}

// OpenPostgresStorage connects with dsn, pings the server and creates the table.
func OpenPostgresStorage(ctx context.Context, dsn, table string) (*PostgresStorage, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create pgx pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to Postgres: %w", err)
	}
	s, err := NewPostgresStorage(pool, table)
	if err != nil {
		pool.Close()
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Migrate creates the workflow table and owner index if they do not exist.
func (s *PostgresStorage) Migrate(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id         TEXT PRIMARY KEY,
	owner_id   TEXT NOT NULL DEFAULT '',
	status     TEXT NOT NULL,
	payload    JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`, s.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %[1]s_owner_idx ON %[1]s (owner_id)`, s.table),
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to migrate %s: %w", s.table, err)
		}
	}
	return nil
}

// Save upserts the whole aggregate.
func (s *PostgresStorage) Save(ctx context.Context, wf types.Workflow) error {
	return withContextError(ctx, func() error {
		if wf.ID == "" {
			return fmt.Errorf("save workflow: empty id")
		}
		payload, err := json.Marshal(wf)
		if err != nil {
			return fmt.Errorf("failed to marshal workflow %s: %w", wf.ID, err)
		}
		query := fmt.Sprintf(`
INSERT INTO %s (id, owner_id, status, payload, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, now())
ON CONFLICT (id) DO UPDATE
SET owner_id = EXCLUDED.owner_id, status = EXCLUDED.status, payload = EXCLUDED.payload, updated_at = now()`, s.table)
		if _, err := s.pool.Exec(ctx, query, wf.ID, wf.OwnerID, string(wf.Status), payload, wf.CreatedAt); err != nil {
			return fmt.Errorf("failed to save workflow %s in Postgres: %w", wf.ID, err)
		}
		return nil
	})
}

// Load reads one aggregate by ID.
func (s *PostgresStorage) Load(ctx context.Context, id string) (types.Workflow, error) {
	return withContext(ctx, func() (types.Workflow, error) {
		var payload []byte
		query := fmt.Sprintf(`SELECT payload FROM %s WHERE id = $1`, s.table)
		err := s.pool.QueryRow(ctx, query, id).Scan(&payload)
		if errors.Is(err, pgx.ErrNoRows) {
			return types.Workflow{}, fmt.Errorf("%w: id=%s", ErrNotFound, id)
		} else if err != nil {
			return types.Workflow{}, fmt.Errorf("failed to load workflow %s from Postgres: %w", id, err)
		}

		var wf types.Workflow
		if err := json.Unmarshal(payload, &wf); err != nil {
			return types.Workflow{}, fmt.Errorf("failed to unmarshal workflow %s: %w", id, err)
		}
		return wf, nil
	})
}

// List returns workflows owned by ownerID (all when empty), oldest first.
func (s *PostgresStorage) List(ctx context.Context, ownerID string) ([]types.Workflow, error) {
	return withContext(ctx, func() ([]types.Workflow, error) {
		query := fmt.Sprintf(`SELECT payload FROM %s WHERE ($1 = '' OR owner_id = $1) ORDER BY created_at, id`, s.table)
		rows, err := s.pool.Query(ctx, query, ownerID)
		if err != nil {
			return nil, fmt.Errorf("failed to list workflows: %w", err)
		}
		payloads, err := pgx.CollectRows(rows, pgx.RowTo[[]byte])
		if err != nil {
			return nil, fmt.Errorf("failed to scan workflows: %w", err)
		}

		out := make([]types.Workflow, 0, len(payloads))
		for _, p := range payloads {
			var wf types.Workflow
			if err := json.Unmarshal(p, &wf); err != nil {
				return nil, fmt.Errorf("failed to unmarshal workflow: %w", err)
			}
			out = append(out, wf)
		}
		return out, nil
	})
}

// ClearFinished deletes completed, failed and cancelled workflows.
func (s *PostgresStorage) ClearFinished(ctx context.Context) error {
	return withContextError(ctx, func() error {
		query := fmt.Sprintf(`DELETE FROM %s WHERE status = ANY($1)`, s.table)
		finished := []string{
			string(types.WorkflowCompleted),
			string(types.WorkflowFailed),
			string(types.WorkflowCancelled),
		}
		if _, err := s.pool.Exec(ctx, query, finished); err != nil {
			return fmt.Errorf("failed to clear finished workflows: %w", err)
		}
		return nil
	})
}

// Close releases the pool.
func (s *PostgresStorage) Close() {
	s.pool.Close()
}
