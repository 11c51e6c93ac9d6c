package postgres

import (
	"context"
	"io"
	"io/fs"
	"os"
	"testing"
	"time"

	"log/slog"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/splax/botrunner/internal/domain"
)

func TestMigrationsEmbedded(t *testing.T) {
	files, err := fs.Glob(migrations, "migrations/*.sql")
	require.NoError(t, err)
	require.NotEmpty(t, files)

	body, err := fs.ReadFile(migrations, files[0])
	require.NoError(t, err)
	assert.Contains(t, string(body), "-- +goose Up")
	assert.Contains(t, string(body), "CREATE TABLE IF NOT EXISTS bot_events")
}

func TestClampLimit(t *testing.T) {
	assert.Equal(t, DefaultListLimit, ClampLimit(0))
	assert.Equal(t, 10, ClampLimit(10))
	assert.Equal(t, MaxListLimit, ClampLimit(100000))
}

// TestJournalRoundTrip runs against a real database when BOTRUNNER_TEST_DATABASE_URL is set.
func TestJournalRoundTrip(t *testing.T) {
	dsn := os.Getenv("BOTRUNNER_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("BOTRUNNER_TEST_DATABASE_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	require.NoError(t, Migrate(ctx, dsn, slog.New(slog.NewTextHandler(io.Discard, nil))))
	pool, err := Open(ctx, dsn)
	require.NoError(t, err)
	defer pool.Close()

	repo := New(pool)
	tenant := "journal-test-" + time.Now().Format("150405.000000")
	at := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, repo.Record(ctx, domain.LifecycleEvent{TenantID: tenant, BotID: "echo", Action: domain.ActionDie, OccurredAt: at}))
	require.NoError(t, repo.Record(ctx, domain.LifecycleEvent{TenantID: tenant, BotID: "echo", Action: domain.ActionOOM, OccurredAt: at.Add(time.Second)}))

	entries, err := repo.ListRecent(ctx, tenant, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, domain.ActionOOM, entries[0].Action)
	assert.Equal(t, domain.ActionDie, entries[1].Action)
}
