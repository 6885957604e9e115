package catalog

type migration struct {
	version int
	sql     string
}

// migrations must be numbered sequentially from 1.
var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS records (
	id                   TEXT PRIMARY KEY,
	subject              TEXT NOT NULL DEFAULT '',
	sender               TEXT NOT NULL DEFAULT '',
	platform             TEXT NOT NULL DEFAULT 'unknown',
	received_at          TEXT NOT NULL DEFAULT '',
	archived_at          TEXT NOT NULL DEFAULT '',
	preheader            TEXT NOT NULL DEFAULT '',
	reading_time         INTEGER NOT NULL DEFAULT 1,
	link_count           INTEGER NOT NULL DEFAULT 0,
	pixel_count          INTEGER NOT NULL DEFAULT 0,
	forwarded            INTEGER NOT NULL DEFAULT 0,
	subject_length_class TEXT NOT NULL DEFAULT '',
	unsubscribe_found    INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS runs (
	id            TEXT PRIMARY KEY,
	started_at    TEXT NOT NULL,
	finished_at   TEXT NOT NULL,
	source        TEXT NOT NULL DEFAULT '',
	scanned       INTEGER NOT NULL DEFAULT 0,
	processed     INTEGER NOT NULL DEFAULT 0,
	up_to_date    INTEGER NOT NULL DEFAULT 0,
	skipped       INTEGER NOT NULL DEFAULT 0,
	deleted       INTEGER NOT NULL DEFAULT 0,
	failed        INTEGER NOT NULL DEFAULT 0,
	incomplete    INTEGER NOT NULL DEFAULT 0,
	archive_bytes INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_records_received_at ON records(received_at);
CREATE INDEX IF NOT EXISTS idx_records_platform ON records(platform);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
}
