package db

// Schema is applied on startup. Child rows cascade with their room so that
// deleting a room removes everything in it.
const Schema = `
CREATE TABLE IF NOT EXISTS chat_sessions (
	code             TEXT PRIMARY KEY,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_activity_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS chat_sessions_last_activity_idx
	ON chat_sessions (last_activity_at);

CREATE TABLE IF NOT EXISTS messages (
	id             UUID PRIMARY KEY,
	session_code   TEXT NOT NULL REFERENCES chat_sessions (code) ON DELETE CASCADE,
	sender         TEXT NOT NULL,
	content        TEXT NOT NULL CHECK (char_length(content) <= 5000),
	is_system      BOOLEAN NOT NULL DEFAULT false,
	file_url       TEXT,
	file_mime_type TEXT,
	file_name      TEXT,
	created_at     TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS messages_session_created_idx
	ON messages (session_code, created_at, id);

CREATE TABLE IF NOT EXISTS message_reactions (
	message_id   UUID NOT NULL REFERENCES messages (id) ON DELETE CASCADE,
	session_code TEXT NOT NULL REFERENCES chat_sessions (code) ON DELETE CASCADE,
	emoji        TEXT NOT NULL,
	user_name    TEXT NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (message_id, emoji, user_name)
);

CREATE INDEX IF NOT EXISTS message_reactions_session_idx
	ON message_reactions (session_code);

CREATE TABLE IF NOT EXISTS message_reads (
	message_id   UUID NOT NULL REFERENCES messages (id) ON DELETE CASCADE,
	session_code TEXT NOT NULL REFERENCES chat_sessions (code) ON DELETE CASCADE,
	user_name    TEXT NOT NULL,
	read_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (message_id, user_name)
);

CREATE INDEX IF NOT EXISTS message_reads_session_idx
	ON message_reads (session_code);
`
