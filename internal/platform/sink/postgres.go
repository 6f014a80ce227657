package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ehr/bulkclient/pkg/bulkdata"
)

// ErrMissingID is returned for resources that cannot be keyed.
var ErrMissingID = errors.New("resource has no resourceType or id")

type execer interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

const schemaSQL = `CREATE TABLE IF NOT EXISTS bulk_resource (
    resource_type VARCHAR(64) NOT NULL,
    resource_id VARCHAR(128) NOT NULL,
    resource JSONB NOT NULL,
    exported_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    PRIMARY KEY (resource_type, resource_id)
)`

const upsertSQL = `INSERT INTO bulk_resource (resource_type, resource_id, resource, exported_at)
VALUES ($1, $2, $3::jsonb, $4)
ON CONFLICT (resource_type, resource_id)
DO UPDATE SET resource = EXCLUDED.resource, exported_at = EXCLUDED.exported_at`

// PostgresSink upserts resources into the bulk_resource table keyed by type
// and id, so re-running an export overwrites rather than duplicates.
type PostgresSink struct {
	db  execer
	now func() time.Time
}

// NewPostgresSink accepts a *pgxpool.Pool, a pgx.Tx or anything else with the
// pgx Exec signature.
func NewPostgresSink(db execer) *PostgresSink {
	return &PostgresSink{db: db, now: time.Now}
}

// EnsureSchema creates the bulk_resource table if it does not exist.
func (s *PostgresSink) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("create bulk_resource table: %w", err)
	}
	return nil
}

func (s *PostgresSink) Write(ctx context.Context, r bulkdata.Resource) error {
	typ, id := r.ResourceType(), r.ID()
	if typ == "" || id == "" {
		return ErrMissingID
	}
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal resource: %w", err)
	}
	if _, err := s.db.Exec(ctx, upsertSQL, typ, id, data, s.now().UTC()); err != nil {
		return fmt.Errorf("upsert %s/%s: %w", typ, id, err)
	}
	return nil
}

// Close is a no-op; the pool belongs to the caller.
func (s *PostgresSink) Close() error { return nil }
