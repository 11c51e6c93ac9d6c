package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/splax/botrunner/internal/domain"
)

// Journal limits.
const (
	DefaultListLimit = 50
	MaxListLimit     = 500
)

// Entry is a journaled lifecycle event.
type Entry struct {
	ID         uuid.UUID `json:"id"`
	RecordedAt time.Time `json:"recorded_at"`
	domain.LifecycleEvent
}

// Repository persists lifecycle events on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Open connects a pool and verifies the connection.
func Open(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// Record inserts one lifecycle event.
func (r *Repository) Record(ctx context.Context, ev domain.LifecycleEvent) error {
	const query = `INSERT INTO bot_events (id, tenant_id, bot_id, action, container_id, exit_code, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	occurred := ev.OccurredAt
	if occurred.IsZero() {
		occurred = time.Now()
	}
	_, err := r.pool.Exec(ctx, query,
		uuid.New(),
		strings.TrimSpace(ev.TenantID),
		strings.TrimSpace(ev.BotID),
		string(ev.Action),
		ev.ContainerID,
		ev.ExitCode,
		occurred.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert bot event: %w", err)
	}
	return nil
}

// ListRecent returns the newest events of a tenant, newest first.
func (r *Repository) ListRecent(ctx context.Context, tenantID string, limit int) ([]Entry, error) {
	const query = `SELECT id, tenant_id, bot_id, action, container_id, exit_code, occurred_at, recorded_at
		FROM bot_events WHERE tenant_id = $1 ORDER BY occurred_at DESC, recorded_at DESC LIMIT $2`
	rows, err := r.pool.Query(ctx, query, strings.TrimSpace(tenantID), ClampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("query bot events: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e      Entry
			action string
		)
		if err := rows.Scan(&e.ID, &e.TenantID, &e.BotID, &action, &e.ContainerID, &e.ExitCode, &e.OccurredAt, &e.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan bot event: %w", err)
		}
		e.Action = domain.LifecycleAction(action)
		e.OccurredAt = e.OccurredAt.UTC()
		e.RecordedAt = e.RecordedAt.UTC()
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate bot events: %w", err)
	}
	return out, nil
}

// ClampLimit applies the default and ceiling to a requested page size.
func ClampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultListLimit
	case limit > MaxListLimit:
		return MaxListLimit
	default:
		return limit
	}
}
