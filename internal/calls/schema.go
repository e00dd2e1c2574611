package calls

// Schema is the DDL for the dialer tables. Statements are idempotent.
//
// dialer_agents.current_call_id carries a partial unique index so the
// database itself refuses to double-book a call.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS dialer_contacts (
  id            TEXT PRIMARY KEY,
  lead_id       BIGINT,
  phone_number  TEXT NOT NULL,
  name          TEXT NOT NULL DEFAULT '',
  status        TEXT NOT NULL DEFAULT 'not_contacted'
                CHECK (status IN ('not_contacted','in_progress','contacted','voicemail','no_answer')),
  last_call_at  TIMESTAMPTZ,
  created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
  updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
	`CREATE INDEX IF NOT EXISTS dialer_contacts_dialable_idx
  ON dialer_contacts (last_call_at NULLS FIRST, created_at, id)
  WHERE status IN ('not_contacted','no_answer')`,
	`CREATE TABLE IF NOT EXISTS dialer_agents (
  id                 TEXT PRIMARY KEY,
  user_id            TEXT NOT NULL UNIQUE,
  status             TEXT NOT NULL DEFAULT 'offline'
                     CHECK (status IN ('available','busy','offline')),
  current_call_id    TEXT,
  status_changed_at  TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS dialer_agents_current_call_uidx
  ON dialer_agents (current_call_id) WHERE current_call_id IS NOT NULL`,
	`CREATE TABLE IF NOT EXISTS dialer_calls (
  id                 TEXT PRIMARY KEY,
  session_id         TEXT NOT NULL DEFAULT '',
  contact_id         TEXT REFERENCES dialer_contacts(id),
  agent_id           TEXT REFERENCES dialer_agents(id),
  provider_call_id   TEXT UNIQUE,
  phone_number       TEXT NOT NULL,
  status             TEXT NOT NULL CHECK (status IN ('queued','in_progress','completed','failed')),
  machine_detection  TEXT NOT NULL DEFAULT 'unknown'
                     CHECK (machine_detection IN ('human','machine','unknown')),
  started_at         TIMESTAMPTZ,
  answered_at        TIMESTAMPTZ,
  ended_at           TIMESTAMPTZ,
  duration_seconds   INT NOT NULL DEFAULT 0,
  created_at         TIMESTAMPTZ NOT NULL,
  updated_at         TIMESTAMPTZ NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS dialer_calls_active_idx
  ON dialer_calls (created_at) WHERE status IN ('queued','in_progress')`,
	`CREATE INDEX IF NOT EXISTS dialer_calls_created_idx ON dialer_calls (created_at)`,
	`CREATE TABLE IF NOT EXISTS dialer_queue (
  id                 TEXT PRIMARY KEY,
  call_id            TEXT NOT NULL UNIQUE REFERENCES dialer_calls(id) ON DELETE CASCADE,
  priority           INT NOT NULL,
  assigned_agent_id  TEXT,
  created_at         TIMESTAMPTZ NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS dialer_queue_dispatch_idx ON dialer_queue (priority, created_at, id)`,
}
