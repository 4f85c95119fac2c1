package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/confio/sponsor-gateway/internal/apperr"
)

// Schema creates the record table. The full record is kept as JSONB; the
// indexed columns mirror it for lookups.
const Schema = `
CREATE TABLE IF NOT EXISTS stg_transactions (
	id              TEXT PRIMARY KEY,
	idempotency_key TEXT NOT NULL UNIQUE,
	intent_kind     TEXT NOT NULL,
	intent_hash     TEXT NOT NULL,
	state           TEXT NOT NULL,
	record          JSONB NOT NULL,
	version         BIGINT NOT NULL DEFAULT 0,
	created_at      TIMESTAMPTZ NOT NULL,
	updated_at      TIMESTAMPTZ NOT NULL,
	finalized_at    TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS stg_transactions_state_idx ON stg_transactions (state);
`

// PostgresStore implements Store on a stg_transactions table. Updates are
// optimistic on the version column.
type PostgresStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, now: time.Now}
}

// Migrate applies Schema.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("failed to migrate record store: %w", err)
	}
	return nil
}

func (s *PostgresStore) Create(ctx context.Context, r *Record) (*Record, bool, error) {
	stamp(r, s.now())
	data, err := json.Marshal(r)
	if err != nil {
		return nil, false, fmt.Errorf("marshal record: %w", err)
	}
	query := `
		INSERT INTO stg_transactions (id, idempotency_key, intent_kind, intent_hash, state, record, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (idempotency_key) DO NOTHING
	`
	res, err := s.db.ExecContext(ctx, query, r.ID, r.IdempotencyKey, r.IntentKind, r.IntentHash,
		string(r.State), data, r.CreatedAt, r.UpdatedAt)
	if err != nil {
		return nil, false, fmt.Errorf("failed to insert record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("failed to insert record: %w", err)
	}
	if n == 0 {
		existing, err := s.GetByKey(ctx, r.IdempotencyKey)
		return existing, false, err
	}
	out := *r
	return &out, true, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Record, error) {
	r, _, err := s.load(ctx, "SELECT record, version FROM stg_transactions WHERE id = $1", id)
	return r, err
}

func (s *PostgresStore) GetByKey(ctx context.Context, key string) (*Record, error) {
	r, _, err := s.load(ctx, "SELECT record, version FROM stg_transactions WHERE idempotency_key = $1", key)
	return r, err
}

func (s *PostgresStore) Transition(ctx context.Context, id string, from, to State, mutate func(*Record)) (*Record, error) {
	return s.rewrite(ctx, id, func(r *Record, now time.Time) error {
		return applyTransition(r, from, to, mutate, now)
	})
}

func (s *PostgresStore) Update(ctx context.Context, id string, state State, mutate func(*Record)) (*Record, error) {
	return s.rewrite(ctx, id, func(r *Record, now time.Time) error {
		return applyUpdate(r, state, mutate, now)
	})
}

func (s *PostgresStore) ListByState(ctx context.Context, states ...State) ([]*Record, error) {
	names := make([]string, len(states))
	for i, st := range states {
		names[i] = string(st)
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT record FROM stg_transactions WHERE state = ANY($1) ORDER BY created_at",
		pq.Array(names))
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		var r Record
		if err := json.Unmarshal(data, &r); err != nil {
			return nil, fmt.Errorf("decode record: %w", err)
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Close() error { return s.db.Close() }

func (s *PostgresStore) load(ctx context.Context, query string, arg string) (*Record, int64, error) {
	var data []byte
	var version int64
	err := s.db.QueryRowContext(ctx, query, arg).Scan(&data, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, apperr.New(apperr.NotFound, "no transaction %q", arg)
	}
	if err != nil {
		return nil, 0, fmt.Errorf("failed to get record: %w", err)
	}
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, 0, fmt.Errorf("decode record: %w", err)
	}
	return &r, version, nil
}

func (s *PostgresStore) rewrite(ctx context.Context, id string, apply func(*Record, time.Time) error) (*Record, error) {
	query := `
		UPDATE stg_transactions
		SET state = $1, record = $2, updated_at = $3, finalized_at = $4, version = version + 1
		WHERE id = $5 AND version = $6
	`
	for i := 0; i < casRetries; i++ {
		r, version, err := s.load(ctx, "SELECT record, version FROM stg_transactions WHERE id = $1", id)
		if err != nil {
			return nil, err
		}
		if err := apply(r, s.now()); err != nil {
			return nil, err
		}
		data, err := json.Marshal(r)
		if err != nil {
			return nil, fmt.Errorf("marshal record: %w", err)
		}
		res, err := s.db.ExecContext(ctx, query, string(r.State), data, r.UpdatedAt, r.FinalizedAt, id, version)
		if err != nil {
			return nil, fmt.Errorf("failed to update record: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return nil, fmt.Errorf("failed to update record: %w", err)
		} else if n == 1 {
			return r, nil
		}
	}
	return nil, apperr.New(apperr.Internal, "record store contention on %s", id)
}
