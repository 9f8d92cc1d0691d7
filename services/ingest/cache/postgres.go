package cache

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"unpackd/pkg/db"
)

const (
	lookupSQL = `SELECT fingerprint, session_id, structure_path, status, job_id, created_at, updated_at
FROM cache_records WHERE fingerprint = $1`

	upsertSQL = `INSERT INTO cache_records (fingerprint, session_id, structure_path, status, job_id, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, now(), now())
ON CONFLICT (fingerprint) DO UPDATE SET
	session_id = EXCLUDED.session_id,
	structure_path = EXCLUDED.structure_path,
	status = EXCLUDED.status,
	job_id = EXCLUDED.job_id,
	updated_at = now()`
)

// PostgresStore keeps records in the cache_records table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore wraps an open pool.
func NewPostgresStore(pool *pgxpool.Pool) (*PostgresStore, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Lookup(ctx context.Context, fingerprint string) (Record, bool, error) {
	var rec Record
	if err := db.Get(ctx, s.pool, &rec, lookupSQL, fingerprint); err != nil {
		if db.NotFound(err) {
			return Record{}, false, nil
		}
		return Record{}, false, fmt.Errorf("lookup cache record: %w", err)
	}
	return rec, true, nil
}

func (s *PostgresStore) Upsert(ctx context.Context, rec Record) error {
	if _, err := db.Exec(ctx, s.pool, upsertSQL, rec.Fingerprint, rec.SessionID, rec.StructurePath, string(rec.Status), rec.JobID); err != nil {
		return fmt.Errorf("upsert cache record: %w", err)
	}
	return nil
}
