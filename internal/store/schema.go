package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// GeneralChannelID is the fixed id of the seeded general channel. Older
// deployments used a non-UUID id; migration rewrites it in one pass.
const GeneralChannelID = "3f1f8d6e-1f0a-4c7e-9b4e-0d9a6c1e5a2b"

const schema = `
CREATE TABLE IF NOT EXISTS agents (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL UNIQUE,
	is_lead INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL DEFAULT 'idle',
	role TEXT DEFAULT '',
	description TEXT DEFAULT '',
	capabilities TEXT NOT NULL DEFAULT '[]',
	max_tasks INTEGER NOT NULL DEFAULT 1,
	created_at DATETIME NOT NULL,
	last_updated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS epics (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL UNIQUE,
	goal TEXT NOT NULL,
	description TEXT DEFAULT '',
	prd TEXT DEFAULT '',
	plan TEXT DEFAULT '',
	status TEXT NOT NULL DEFAULT 'draft',
	priority INTEGER NOT NULL DEFAULT 50,
	tags TEXT NOT NULL DEFAULT '[]',
	lead_agent_id TEXT,
	created_by_agent_id TEXT,
	channel_id TEXT,
	external_refs TEXT NOT NULL DEFAULT '{}',
	created_at DATETIME NOT NULL,
	started_at DATETIME,
	completed_at DATETIME
);

CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	task TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'unassigned',
	source TEXT NOT NULL DEFAULT 'mcp',
	agent_id TEXT REFERENCES agents(id) ON DELETE CASCADE,
	creator_agent_id TEXT,
	offered_to TEXT,
	offered_at DATETIME,
	accepted_at DATETIME,
	rejection_reason TEXT,
	task_type TEXT,
	tags TEXT NOT NULL DEFAULT '[]',
	priority INTEGER NOT NULL DEFAULT 50,
	depends_on TEXT NOT NULL DEFAULT '[]',
	parent_task_id TEXT,
	epic_id TEXT REFERENCES epics(id) ON DELETE SET NULL,
	external_context TEXT NOT NULL DEFAULT '{}',
	created_at DATETIME NOT NULL,
	last_updated_at DATETIME NOT NULL,
	finished_at DATETIME,
	output TEXT,
	failure_reason TEXT,
	progress TEXT
);

CREATE TABLE IF NOT EXISTS channels (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL UNIQUE,
	description TEXT DEFAULT '',
	type TEXT NOT NULL DEFAULT 'public',
	created_by TEXT,
	participants TEXT NOT NULL DEFAULT '[]',
	created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS channel_messages (
	id TEXT PRIMARY KEY,
	channel_id TEXT NOT NULL REFERENCES channels(id) ON DELETE CASCADE,
	agent_id TEXT REFERENCES agents(id) ON DELETE SET NULL,
	content TEXT NOT NULL,
	reply_to_id TEXT,
	mentions TEXT NOT NULL DEFAULT '[]',
	created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS channel_read_state (
	agent_id TEXT NOT NULL REFERENCES agents(id) ON DELETE CASCADE,
	channel_id TEXT NOT NULL REFERENCES channels(id) ON DELETE CASCADE,
	last_read_at DATETIME NOT NULL,
	PRIMARY KEY (agent_id, channel_id)
);

CREATE TABLE IF NOT EXISTS services (
	id TEXT PRIMARY KEY,
	agent_id TEXT NOT NULL REFERENCES agents(id) ON DELETE CASCADE,
	name TEXT NOT NULL,
	port INTEGER NOT NULL DEFAULT 0,
	url TEXT DEFAULT '',
	health_check_path TEXT NOT NULL DEFAULT '/health',
	status TEXT NOT NULL DEFAULT 'starting',
	script TEXT DEFAULT '',
	cwd TEXT DEFAULT '',
	interpreter TEXT DEFAULT '',
	args TEXT NOT NULL DEFAULT '[]',
	env TEXT NOT NULL DEFAULT '{}',
	metadata TEXT NOT NULL DEFAULT '{}',
	created_at DATETIME NOT NULL,
	last_updated_at DATETIME NOT NULL,
	UNIQUE (agent_id, name)
);

CREATE TABLE IF NOT EXISTS scheduled_tasks (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL UNIQUE,
	description TEXT DEFAULT '',
	task_template TEXT NOT NULL,
	task_type TEXT,
	tags TEXT NOT NULL DEFAULT '[]',
	priority INTEGER NOT NULL DEFAULT 50,
	target_agent_id TEXT,
	cron_expression TEXT,
	interval_ms INTEGER,
	timezone TEXT NOT NULL DEFAULT 'UTC',
	enabled INTEGER NOT NULL DEFAULT 1,
	last_run_at DATETIME,
	next_run_at DATETIME,
	created_by_agent_id TEXT,
	created_at DATETIME NOT NULL,
	last_updated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS agent_log (
	id TEXT PRIMARY KEY,
	event_type TEXT NOT NULL,
	agent_id TEXT,
	task_id TEXT,
	old_value TEXT,
	new_value TEXT,
	metadata TEXT NOT NULL DEFAULT '{}',
	created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS inbox_messages (
	id TEXT PRIMARY KEY,
	agent_id TEXT NOT NULL REFERENCES agents(id) ON DELETE CASCADE,
	content TEXT NOT NULL,
	slack_channel_id TEXT,
	slack_thread_ts TEXT,
	slack_user_id TEXT,
	delegated_task_id TEXT,
	created_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_tasks_agent_id ON tasks(agent_id);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
CREATE INDEX IF NOT EXISTS idx_tasks_offered_to ON tasks(offered_to);
CREATE INDEX IF NOT EXISTS idx_tasks_task_type ON tasks(task_type);
CREATE INDEX IF NOT EXISTS idx_tasks_epic_id ON tasks(epic_id);
CREATE INDEX IF NOT EXISTS idx_agent_log_agent_id ON agent_log(agent_id);
CREATE INDEX IF NOT EXISTS idx_agent_log_task_id ON agent_log(task_id);
CREATE INDEX IF NOT EXISTS idx_agent_log_event_type ON agent_log(event_type);
CREATE INDEX IF NOT EXISTS idx_agent_log_created_at ON agent_log(created_at);
CREATE INDEX IF NOT EXISTS idx_channel_messages_channel_id ON channel_messages(channel_id);
CREATE INDEX IF NOT EXISTS idx_channel_messages_agent_id ON channel_messages(agent_id);
CREATE INDEX IF NOT EXISTS idx_channel_messages_created_at ON channel_messages(created_at);
CREATE INDEX IF NOT EXISTS idx_services_agent_id ON services(agent_id);
CREATE INDEX IF NOT EXISTS idx_services_status ON services(status);

CREATE UNIQUE INDEX IF NOT EXISTS idx_agents_single_lead ON agents(is_lead) WHERE is_lead = 1;
`

// migrate applies the schema. Every step is idempotent and additive so the
// sequence is safe to run on every startup.
func (s *DB) migrate() error {
	ctx := context.Background()

	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply base schema: %w", err)
	}

	// Columns added after the initial release.
	additions := []struct{ table, column, ddl string }{
		{"tasks", "parent_task_id", "TEXT"},
		{"tasks", "epic_id", "TEXT REFERENCES epics(id) ON DELETE SET NULL"},
		{"tasks", "progress", "TEXT"},
		{"tasks", "external_context", "TEXT NOT NULL DEFAULT '{}'"},
		{"agents", "max_tasks", "INTEGER NOT NULL DEFAULT 1"},
		{"scheduled_tasks", "timezone", "TEXT NOT NULL DEFAULT 'UTC'"},
		{"inbox_messages", "delegated_task_id", "TEXT"},
	}
	for _, a := range additions {
		if err := s.ensureColumn(ctx, a.table, a.column, a.ddl); err != nil {
			return err
		}
	}

	if err := s.seedGeneralChannel(ctx); err != nil {
		return fmt.Errorf("failed to seed general channel: %w", err)
	}

	return nil
}

// ensureColumn adds a column if the table doesn't have it yet.
func (s *DB) ensureColumn(ctx context.Context, table, column, ddl string) error {
	rows, err := s.db.QueryxContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return fmt.Errorf("failed to inspect table %s: %w", table, err)
	}
	defer rows.Close()

	exists := false
	for rows.Next() {
		var (
			cid     int
			name    string
			ctype   string
			notnull int
			dflt    any
			pk      int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return err
		}
		if name == column {
			exists = true
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	if exists {
		return nil
	}

	_, err = s.db.ExecContext(ctx, fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, ddl))
	if err != nil {
		return fmt.Errorf("failed to add column %s.%s: %w", table, column, err)
	}
	return nil
}

// seedGeneralChannel guarantees the general channel exists under its fixed
// id. A legacy row under any other id is rewritten together with its
// messages and read state in one transaction.
func (s *DB) seedGeneralChannel(ctx context.Context) error {
	return s.WithTx(ctx, func(tx *sqlx.Tx) error {
		var legacyID string
		err := tx.GetContext(ctx, &legacyID,
			`SELECT id FROM channels WHERE name = 'general' AND id != ?`, GeneralChannelID)
		switch {
		case err == nil:
			s.log.Info("migrating general channel to fixed id",
				zap.String("legacy_id", legacyID))
			if _, err := tx.ExecContext(ctx,
				`UPDATE channels SET id = ? WHERE id = ?`, GeneralChannelID, legacyID); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx,
				`UPDATE channel_messages SET channel_id = ? WHERE channel_id = ?`, GeneralChannelID, legacyID); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx,
				`UPDATE channel_read_state SET channel_id = ? WHERE channel_id = ?`, GeneralChannelID, legacyID); err != nil {
				return err
			}
			return nil
		case errors.Is(err, sql.ErrNoRows):
			// No legacy row; insert the seed if missing.
			_, err := tx.ExecContext(ctx, `
				INSERT INTO channels (id, name, description, type, participants, created_at)
				VALUES (?, 'general', 'General discussion', 'public', '[]', ?)
				ON CONFLICT (id) DO NOTHING`,
				GeneralChannelID, time.Now().UTC())
			return err
		default:
			return err
		}
	})
}
