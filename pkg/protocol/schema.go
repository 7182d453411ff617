package protocol

// SchemaDDL defines the SQLite schema for the embedded frame store.
// Tables: frames, events, anchors, frames_fts (FTS5).
// Execute against a SQLite database with: db.Exec(protocol.SchemaDDL)
const SchemaDDL = `
-- Context-stack frames: one row per unit of work
CREATE TABLE IF NOT EXISTS frames (
    frame_id TEXT PRIMARY KEY,
    parent_frame_id TEXT,
    project_id TEXT NOT NULL,
    run_id TEXT NOT NULL,
    type TEXT NOT NULL,
    name TEXT NOT NULL,
    state TEXT NOT NULL DEFAULT 'active',
    depth INTEGER NOT NULL DEFAULT 0,
    digest_text TEXT NOT NULL DEFAULT '',
    digest_json TEXT NOT NULL DEFAULT '',
    inputs TEXT,
    outputs TEXT,
    error_message TEXT,
    error_stack TEXT,
    created_at TEXT NOT NULL,
    closed_at TEXT
);

CREATE INDEX IF NOT EXISTS idx_frames_parent ON frames(parent_frame_id);
CREATE INDEX IF NOT EXISTS idx_frames_scope ON frames(project_id, run_id, state);
CREATE INDEX IF NOT EXISTS idx_frames_created ON frames(created_at);

-- Append-only event log, one owning frame per event
CREATE TABLE IF NOT EXISTS events (
    event_id TEXT PRIMARY KEY,
    frame_id TEXT NOT NULL,
    type TEXT NOT NULL,
    timestamp TEXT NOT NULL,
    data TEXT
);

CREATE INDEX IF NOT EXISTS idx_events_frame ON events(frame_id, timestamp);

-- Durable prioritized anchors, distinct from the event log
CREATE TABLE IF NOT EXISTS anchors (
    id TEXT PRIMARY KEY,
    frame_id TEXT NOT NULL,
    type TEXT NOT NULL,
    text TEXT NOT NULL,
    priority INTEGER NOT NULL DEFAULT 0,
    created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_anchors_frame ON anchors(frame_id, priority DESC);

-- FTS5 full-text index over frame name + digest for ranked search
CREATE VIRTUAL TABLE IF NOT EXISTS frames_fts USING fts5(
    name,
    digest_text,
    content=frames
);

-- Triggers to keep the FTS index in sync with the frames table
CREATE TRIGGER IF NOT EXISTS frames_ai AFTER INSERT ON frames BEGIN
    INSERT INTO frames_fts(rowid, name, digest_text) VALUES (new.rowid, new.name, new.digest_text);
END;

CREATE TRIGGER IF NOT EXISTS frames_ad AFTER DELETE ON frames BEGIN
    INSERT INTO frames_fts(frames_fts, rowid, name, digest_text) VALUES ('delete', old.rowid, old.name, old.digest_text);
END;

CREATE TRIGGER IF NOT EXISTS frames_au AFTER UPDATE ON frames BEGIN
    INSERT INTO frames_fts(frames_fts, rowid, name, digest_text) VALUES ('delete', old.rowid, old.name, old.digest_text);
    INSERT INTO frames_fts(rowid, name, digest_text) VALUES (new.rowid, new.name, new.digest_text);
END;
`
