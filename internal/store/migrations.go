package store

// migration holds a single schema migration with its target version and SQL
type migration struct {
	version int
	sql     string
}

// migrations is the ordered list of schema migrations. Timestamps are stored
// as unix milliseconds so that they compare correctly inside SQL.
var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS accounts (
	id              TEXT PRIMARY KEY,
	email           TEXT NOT NULL,
	provider        TEXT NOT NULL DEFAULT 'generic',
	sync_state      TEXT NOT NULL DEFAULT 'not-running',
	sync_should_run INTEGER NOT NULL DEFAULT 0,
	stop_requested  INTEGER NOT NULL DEFAULT 0,
	sync_host       TEXT,
	sync_status     TEXT NOT NULL DEFAULT '{}',
	created_at      INTEGER NOT NULL,
	updated_at      INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS categories (
	id           TEXT PRIMARY KEY,
	account_id   TEXT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
	name         TEXT NOT NULL DEFAULT '',
	display_name TEXT NOT NULL,
	type         TEXT NOT NULL DEFAULT 'folder',
	UNIQUE(account_id, display_name)
);

CREATE TABLE IF NOT EXISTS messages (
	id                TEXT PRIMARY KEY,
	account_id        TEXT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
	message_id_header TEXT NOT NULL DEFAULT '',
	subject           TEXT NOT NULL DEFAULT '',
	from_addrs        TEXT NOT NULL DEFAULT '[]',
	to_addrs          TEXT NOT NULL DEFAULT '[]',
	cc_addrs          TEXT NOT NULL DEFAULT '[]',
	bcc_addrs         TEXT NOT NULL DEFAULT '[]',
	body_text         TEXT NOT NULL DEFAULT '',
	body_html         TEXT NOT NULL DEFAULT '',
	in_reply_to       TEXT NOT NULL DEFAULT '',
	references_hdr    TEXT NOT NULL DEFAULT '[]',
	is_draft          INTEGER NOT NULL DEFAULT 0,
	version           INTEGER NOT NULL DEFAULT 0,
	date              INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_messages_header ON messages(account_id, message_id_header);

CREATE TABLE IF NOT EXISTS imap_uids (
	account_id TEXT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
	folder     TEXT NOT NULL,
	uid        INTEGER NOT NULL,
	message_id TEXT NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
	PRIMARY KEY (account_id, folder, uid)
);

CREATE INDEX IF NOT EXISTS idx_imap_uids_message ON imap_uids(account_id, message_id);

CREATE TABLE IF NOT EXISTS folder_state (
	account_id   TEXT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
	folder       TEXT NOT NULL,
	uid_validity INTEGER NOT NULL DEFAULT 0,
	stale        INTEGER NOT NULL DEFAULT 0,
	last_synced  INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (account_id, folder)
);

CREATE TABLE IF NOT EXISTS actions (
	seq             INTEGER PRIMARY KEY AUTOINCREMENT,
	id              TEXT NOT NULL UNIQUE,
	account_id      TEXT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
	kind            TEXT NOT NULL,
	target_id       TEXT NOT NULL,
	payload         TEXT NOT NULL DEFAULT '{}',
	status          TEXT NOT NULL DEFAULT 'pending',
	attempts        INTEGER NOT NULL DEFAULT 0,
	last_error      TEXT NOT NULL DEFAULT '',
	enqueued_at     INTEGER NOT NULL,
	next_attempt_at INTEGER NOT NULL,
	claimed_by      TEXT NOT NULL DEFAULT '',
	completed_at    INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_actions_due ON actions(account_id, status, next_attempt_at);
CREATE INDEX IF NOT EXISTS idx_actions_target ON actions(account_id, target_id, status);

CREATE TABLE IF NOT EXISTS account_leases (
	account_id TEXT PRIMARY KEY,
	owner      TEXT NOT NULL,
	expires_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS heartbeats (
	account_id TEXT NOT NULL,
	folder     TEXT NOT NULL,
	host       TEXT NOT NULL,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (account_id, folder)
);
`,
	},
}
