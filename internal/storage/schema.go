package storage

// schema is applied in order by Migrate. Every statement is idempotent and
// valid for both Postgres and SQLite.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS canvases (
		id          TEXT PRIMARY KEY,
		name        TEXT NOT NULL DEFAULT '',
		users       TEXT NOT NULL DEFAULT '[]',
		user_index  INTEGER NOT NULL DEFAULT 0,
		last_editor TEXT NOT NULL DEFAULT '',
		last_edited BIGINT NOT NULL DEFAULT 0,
		created_at  BIGINT NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS canvases_created_at_idx ON canvases (created_at)`,
	`CREATE TABLE IF NOT EXISTS users (
		id         TEXT PRIMARY KEY,
		email      TEXT NOT NULL DEFAULT '',
		name       TEXT NOT NULL DEFAULT '',
		avatar_url TEXT NOT NULL DEFAULT '',
		created_at BIGINT NOT NULL DEFAULT 0,
		updated_at BIGINT NOT NULL DEFAULT 0
	)`,
}
