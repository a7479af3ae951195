package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swarmhq/swarm/internal/common/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Format: "text", OutputPath: "stderr"})
	require.NoError(t, err)
	return log
}

func TestOpenSeedsGeneralChannel(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "test.db"), testLogger(t))
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	var name string
	err = db.DB().GetContext(context.Background(), &name,
		`SELECT name FROM channels WHERE id = ?`, GeneralChannelID)
	require.NoError(t, err)
	assert.Equal(t, "general", name)
}

func TestReopenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	ctx := context.Background()
	log := testLogger(t)

	db, err := Open(path, log)
	require.NoError(t, err)
	_, err = db.DB().ExecContext(ctx,
		`INSERT INTO agents (id, name, status, created_at, last_updated_at) VALUES ('a1', 'worker-1', 'idle', datetime('now'), datetime('now'))`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	// Migrations run again on the existing file without clobbering data.
	db, err = Open(path, log)
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	var agents int
	require.NoError(t, db.DB().GetContext(ctx, &agents, `SELECT COUNT(*) FROM agents`))
	assert.Equal(t, 1, agents)

	var general int
	require.NoError(t, db.DB().GetContext(ctx, &general,
		`SELECT COUNT(*) FROM channels WHERE name = 'general'`))
	assert.Equal(t, 1, general)
}

func TestWithTxRollsBackOnError(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "test.db"), testLogger(t))
	require.NoError(t, err)
	defer func() { _ = db.Close() }()
	ctx := context.Background()

	boom := errors.New("boom")
	err = db.WithTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO agents (id, name, status, created_at, last_updated_at) VALUES ('a1', 'worker-1', 'idle', datetime('now'), datetime('now'))`); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	var count int
	require.NoError(t, db.DB().GetContext(ctx, &count, `SELECT COUNT(*) FROM agents`))
	assert.Equal(t, 0, count)

	err = db.WithTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO agents (id, name, status, created_at, last_updated_at) VALUES ('a1', 'worker-1', 'idle', datetime('now'), datetime('now'))`)
		return err
	})
	require.NoError(t, err)
	require.NoError(t, db.DB().GetContext(ctx, &count, `SELECT COUNT(*) FROM agents`))
	assert.Equal(t, 1, count)
}
