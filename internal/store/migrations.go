package store

// migration is a single versioned schema change. Migrations run in
// order; each records its version in schema_version.
type migration struct {
	version int
	sql     string
}

var migrations = []migration{
	{
		version: 1,
		sql: `
			CREATE TABLE IF NOT EXISTS schema_version (
				version INTEGER PRIMARY KEY
			);

			CREATE TABLE IF NOT EXISTS emails (
				uuid TEXT PRIMARY KEY,
				folder TEXT NOT NULL,
				origin TEXT NOT NULL,
				subject TEXT NOT NULL DEFAULT '',
				from_user TEXT NOT NULL DEFAULT '',
				to_user TEXT NOT NULL DEFAULT '',
				date TIMESTAMP NOT NULL,
				body TEXT NOT NULL DEFAULT '',
				content_type TEXT NOT NULL DEFAULT '',
				charset TEXT NOT NULL DEFAULT '',
				attachments_present INTEGER NOT NULL DEFAULT 0,
				message_id TEXT NOT NULL DEFAULT '',
				thread_id TEXT NOT NULL DEFAULT ''
			);

			CREATE INDEX IF NOT EXISTS idx_emails_message_id ON emails(message_id);
			CREATE INDEX IF NOT EXISTS idx_emails_thread_id ON emails(thread_id);
			CREATE INDEX IF NOT EXISTS idx_emails_date ON emails(date);

			INSERT INTO schema_version (version) VALUES (1);
		`,
	},
}
