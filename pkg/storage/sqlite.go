package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"stackmem/pkg/protocol"

	_ "modernc.org/sqlite" // SQLite driver
)

// sqliteTimeFormat is the canonical timestamp encoding for SQLite rows.
// RFC3339 with nanoseconds sorts lexicographically and survives
// julianday() conversion for recency scoring.
const sqliteTimeFormat = time.RFC3339Nano

// SQLiteAdapter is the embedded relational backend. It owns a
// database/sql handle configured with WAL journaling and a busy timeout,
// and ranks search with FTS5 BM25 weighted toward the frame name.
type SQLiteAdapter struct {
	path string
	db   *sql.DB
}

var _ Adapter = (*SQLiteAdapter)(nil)

// NewSQLiteAdapter creates an adapter for the database at path.
// Use ":memory:" for an ephemeral database. Connect must be called
// before any other operation.
func NewSQLiteAdapter(path string) *SQLiteAdapter {
	return &SQLiteAdapter{path: path}
}

// Connect opens the database and enforces production-safe defaults:
// WAL journal mode and a 5-second busy timeout. It also pings to verify
// the connection is usable. Calling Connect twice is a no-op.
func (a *SQLiteAdapter) Connect(ctx context.Context) error {
	if a.db != nil {
		return nil
	}

	db, err := sql.Open("sqlite", a.path)
	if err != nil {
		return fmt.Errorf("open sqlite %s: %w", a.path, err)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("ping sqlite %s: %w", a.path, err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return fmt.Errorf("set WAL mode on %s: %w", a.path, err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return fmt.Errorf("set busy_timeout on %s: %w", a.path, err)
	}

	a.db = db
	return nil
}

// Disconnect closes the database handle. Idempotent.
func (a *SQLiteAdapter) Disconnect(ctx context.Context) error {
	if a.db == nil {
		return nil
	}
	err := a.db.Close()
	a.db = nil
	if err != nil {
		return fmt.Errorf("close sqlite %s: %w", a.path, err)
	}
	return nil
}

// InitializeSchema applies the frames/events/anchors DDL. All statements
// use IF NOT EXISTS, so repeated calls are safe.
func (a *SQLiteAdapter) InitializeSchema(ctx context.Context) error {
	if _, err := a.db.ExecContext(ctx, protocol.SchemaDDL); err != nil {
		return fmt.Errorf("initialize schema: %w", err)
	}
	return nil
}

// DB exposes the underlying handle for read-only tooling (dashboard,
// event log queries). Nil before Connect.
func (a *SQLiteAdapter) DB() *sql.DB { return a.db }

// CreateFrame inserts a new frame row and returns its id.
func (a *SQLiteAdapter) CreateFrame(ctx context.Context, frame *protocol.Frame) (string, error) {
	var errMsg, errStack sql.NullString
	if frame.Error != nil {
		errMsg = sql.NullString{String: frame.Error.Message, Valid: true}
		errStack = sql.NullString{String: frame.Error.Stack, Valid: true}
	}
	var closedAt sql.NullString
	if frame.ClosedAt != nil {
		closedAt = sql.NullString{String: frame.ClosedAt.UTC().Format(sqliteTimeFormat), Valid: true}
	}

	_, err := a.db.ExecContext(ctx,
		`INSERT INTO frames (frame_id, parent_frame_id, project_id, run_id, type, name, state, depth,
		                     digest_text, digest_json, inputs, outputs, error_message, error_stack,
		                     created_at, closed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		frame.FrameID, nullIfEmpty(frame.ParentFrameID), frame.ProjectID, frame.RunID,
		string(frame.Type), frame.Name, string(frame.State), frame.Depth,
		frame.DigestText, frame.DigestJSON, rawToNull(frame.Inputs), rawToNull(frame.Outputs),
		errMsg, errStack, frame.CreatedAt.UTC().Format(sqliteTimeFormat), closedAt,
	)
	if err != nil {
		return "", fmt.Errorf("insert frame %s: %w", frame.FrameID, err)
	}
	return frame.FrameID, nil
}

const frameColumns = `frame_id, COALESCE(parent_frame_id, ''), project_id, run_id, type, name, state, depth,
       digest_text, digest_json, inputs, outputs, error_message, error_stack, created_at, closed_at`

// GetFrame returns the frame row, or (nil, nil) when the id is unknown.
func (a *SQLiteAdapter) GetFrame(ctx context.Context, frameID string) (*protocol.Frame, error) {
	row := a.db.QueryRowContext(ctx,
		`SELECT `+frameColumns+` FROM frames WHERE frame_id = ?`, frameID)

	frame, err := scanFrame(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get frame %s: %w", frameID, err)
	}
	return frame, nil
}

// UpdateFrame applies a partial update. An unknown frame id is a silent
// no-op so retried closes stay safe.
func (a *SQLiteAdapter) UpdateFrame(ctx context.Context, frameID string, update FrameUpdate) error {
	var sets []string
	var args []interface{}

	if update.State != nil {
		sets = append(sets, "state = ?")
		args = append(args, string(*update.State))
	}
	if update.DigestText != nil {
		sets = append(sets, "digest_text = ?")
		args = append(args, *update.DigestText)
	}
	if update.DigestJSON != nil {
		sets = append(sets, "digest_json = ?")
		args = append(args, *update.DigestJSON)
	}
	if update.Outputs != nil {
		sets = append(sets, "outputs = ?")
		args = append(args, string(update.Outputs))
	}
	if update.ClosedAt != nil {
		sets = append(sets, "closed_at = ?")
		args = append(args, update.ClosedAt.UTC().Format(sqliteTimeFormat))
	}
	if update.Error != nil {
		sets = append(sets, "error_message = ?", "error_stack = ?")
		args = append(args, update.Error.Message, update.Error.Stack)
	}
	if len(sets) == 0 {
		return nil
	}

	args = append(args, frameID)
	q := fmt.Sprintf("UPDATE frames SET %s WHERE frame_id = ?", strings.Join(sets, ", "))
	if _, err := a.db.ExecContext(ctx, q, args...); err != nil {
		return fmt.Errorf("update frame %s: %w", frameID, err)
	}
	return nil
}

// ListFrames returns frames matching the query ordered by ascending
// creation time.
func (a *SQLiteAdapter) ListFrames(ctx context.Context, query FrameQuery) ([]protocol.Frame, error) {
	var conditions []string
	var args []interface{}

	if query.ProjectID != "" {
		conditions = append(conditions, "project_id = ?")
		args = append(args, query.ProjectID)
	}
	if query.RunID != "" {
		conditions = append(conditions, "run_id = ?")
		args = append(args, query.RunID)
	}
	if query.State != "" {
		conditions = append(conditions, "state = ?")
		args = append(args, string(query.State))
	}

	whereClause := ""
	if len(conditions) > 0 {
		whereClause = "WHERE " + strings.Join(conditions, " AND ")
	}
	limitClause := ""
	if query.Limit > 0 {
		limitClause = "LIMIT ?"
		args = append(args, query.Limit)
	}

	q := fmt.Sprintf(`SELECT %s FROM frames %s ORDER BY created_at ASC, frame_id ASC %s`,
		frameColumns, whereClause, limitClause)

	rows, err := a.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list frames: %w", err)
	}
	defer rows.Close()

	var frames []protocol.Frame
	for rows.Next() {
		frame, err := scanFrame(rows)
		if err != nil {
			return nil, fmt.Errorf("list frames scan: %w", err)
		}
		frames = append(frames, *frame)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list frames rows: %w", err)
	}
	return frames, nil
}

// AppendEvent inserts one event row.
func (a *SQLiteAdapter) AppendEvent(ctx context.Context, event *protocol.Event) error {
	_, err := a.db.ExecContext(ctx,
		`INSERT INTO events (event_id, frame_id, type, timestamp, data) VALUES (?, ?, ?, ?, ?)`,
		event.EventID, event.FrameID, event.Type,
		event.Timestamp.UTC().Format(sqliteTimeFormat), rawToNull(event.Data),
	)
	if err != nil {
		return fmt.Errorf("insert event %s: %w", event.EventID, err)
	}
	return nil
}

// ListEvents returns the frame's events ordered by ascending timestamp.
// With Limit set, only the most recent N are returned (still ascending).
func (a *SQLiteAdapter) ListEvents(ctx context.Context, frameID string, query EventQuery) ([]protocol.Event, error) {
	conditions := []string{"frame_id = ?"}
	args := []interface{}{frameID}

	if query.Type != "" {
		conditions = append(conditions, "type = ?")
		args = append(args, query.Type)
	}
	if query.After != nil {
		conditions = append(conditions, "timestamp >= ?")
		args = append(args, query.After.UTC().Format(sqliteTimeFormat))
	}
	if query.Before != nil {
		conditions = append(conditions, "timestamp <= ?")
		args = append(args, query.Before.UTC().Format(sqliteTimeFormat))
	}

	// Most-recent-N requires DESC + reverse; otherwise plain ASC.
	order := "ASC"
	limitClause := ""
	if query.Limit > 0 {
		order = "DESC"
		limitClause = "LIMIT ?"
		args = append(args, query.Limit)
	}

	q := fmt.Sprintf(`SELECT event_id, frame_id, type, timestamp, data FROM events
		WHERE %s ORDER BY timestamp %s, event_id %s %s`,
		strings.Join(conditions, " AND "), order, order, limitClause)

	rows, err := a.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list events for %s: %w", frameID, err)
	}
	defer rows.Close()

	var events []protocol.Event
	for rows.Next() {
		var e protocol.Event
		var ts string
		var data sql.NullString
		if err := rows.Scan(&e.EventID, &e.FrameID, &e.Type, &ts, &data); err != nil {
			return nil, fmt.Errorf("list events scan: %w", err)
		}
		e.Timestamp, err = time.Parse(sqliteTimeFormat, ts)
		if err != nil {
			return nil, fmt.Errorf("parse event timestamp %q: %w", ts, err)
		}
		if data.Valid {
			e.Data = json.RawMessage(data.String)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list events rows: %w", err)
	}

	if query.Limit > 0 {
		reverseEvents(events)
	}
	return events, nil
}

// AddAnchor inserts one anchor row.
func (a *SQLiteAdapter) AddAnchor(ctx context.Context, anchor *protocol.Anchor) error {
	_, err := a.db.ExecContext(ctx,
		`INSERT INTO anchors (id, frame_id, type, text, priority, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		anchor.ID, anchor.FrameID, string(anchor.Type), anchor.Text, anchor.Priority,
		anchor.CreatedAt.UTC().Format(sqliteTimeFormat),
	)
	if err != nil {
		return fmt.Errorf("insert anchor %s: %w", anchor.ID, err)
	}
	return nil
}

// ListAnchors returns the frame's anchors ordered by descending
// priority, then ascending creation time.
func (a *SQLiteAdapter) ListAnchors(ctx context.Context, frameID string) ([]protocol.Anchor, error) {
	rows, err := a.db.QueryContext(ctx,
		`SELECT id, frame_id, type, text, priority, created_at FROM anchors
		 WHERE frame_id = ? ORDER BY priority DESC, created_at ASC, id ASC`, frameID)
	if err != nil {
		return nil, fmt.Errorf("list anchors for %s: %w", frameID, err)
	}
	defer rows.Close()

	var anchors []protocol.Anchor
	for rows.Next() {
		var an protocol.Anchor
		var typ, createdAt string
		if err := rows.Scan(&an.ID, &an.FrameID, &typ, &an.Text, &an.Priority, &createdAt); err != nil {
			return nil, fmt.Errorf("list anchors scan: %w", err)
		}
		an.Type = protocol.AnchorType(typ)
		an.CreatedAt, err = time.Parse(sqliteTimeFormat, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parse anchor created_at %q: %w", createdAt, err)
		}
		anchors = append(anchors, an)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list anchors rows: %w", err)
	}
	return anchors, nil
}

// Search performs FTS5 BM25-ranked search over frame name and digest.
// Name hits weigh double digest hits; recency applies a 30-day half-life
// decaying toward a 0.25 floor. The limit is enforced in SQL.
func (a *SQLiteAdapter) Search(ctx context.Context, params SearchParams) ([]SearchHit, error) {
	if strings.TrimSpace(params.Query) == "" {
		return nil, nil
	}

	limit := params.Limit
	if limit <= 0 {
		limit = 10
	}

	conditions := []string{"frames_fts MATCH ?"}
	args := []interface{}{protocol.SanitizeFTS5Query(params.Query)}

	if params.ProjectID != "" {
		conditions = append(conditions, "f.project_id = ?")
		args = append(args, params.ProjectID)
	}
	if params.RunID != "" {
		conditions = append(conditions, "f.run_id = ?")
		args = append(args, params.RunID)
	}

	q := fmt.Sprintf(`
		SELECT %s,
		       COALESCE(ap.max_priority, 0) AS max_priority,
		       (-bm25(frames_fts, 2.0, 1.0)) *
		       (0.25 + 0.75 * POWER(0.5, (julianday('now') - julianday(f.created_at)) / 30.0)) AS score
		FROM frames_fts
		JOIN frames f ON frames_fts.rowid = f.rowid
		LEFT JOIN (SELECT frame_id, MAX(priority) AS max_priority FROM anchors GROUP BY frame_id) ap
		       ON ap.frame_id = f.frame_id
		WHERE %s
		ORDER BY score DESC
		LIMIT ?
	`, prefixColumns(frameColumns, "f."), strings.Join(conditions, " AND "))

	args = append(args, limit)

	rows, err := a.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("search frames: %w", err)
	}
	defer rows.Close()

	terms := Terms(params.Query)

	var hits []SearchHit
	for rows.Next() {
		frame, maxPriority, score, err := scanSearchRow(rows)
		if err != nil {
			return nil, fmt.Errorf("search scan: %w", err)
		}
		hits = append(hits, SearchHit{
			Frame:             *frame,
			Score:             score,
			MaxAnchorPriority: maxPriority,
			Excerpt:           Excerpt(frame.DigestText, terms, 160),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("search rows: %w", err)
	}
	return hits, nil
}

// Sweep deletes closed frames created before the cutoff along with their
// events and anchors. Returns the number of frames removed.
func (a *SQLiteAdapter) Sweep(ctx context.Context, before time.Time) (int, error) {
	cutoff := before.UTC().Format(sqliteTimeFormat)

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("sweep begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM events WHERE frame_id IN
		 (SELECT frame_id FROM frames WHERE created_at < ? AND state != 'active')`, cutoff); err != nil {
		return 0, fmt.Errorf("sweep events: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM anchors WHERE frame_id IN
		 (SELECT frame_id FROM frames WHERE created_at < ? AND state != 'active')`, cutoff); err != nil {
		return 0, fmt.Errorf("sweep anchors: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		`DELETE FROM frames WHERE created_at < ? AND state != 'active'`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("sweep frames: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sweep rows affected: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("sweep commit: %w", err)
	}
	return int(n), nil
}

// --- scan helpers ---

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanFrame(row rowScanner) (*protocol.Frame, error) {
	var f protocol.Frame
	var typ, state, createdAt string
	var inputs, outputs, errMsg, errStack, closedAt sql.NullString

	if err := row.Scan(
		&f.FrameID, &f.ParentFrameID, &f.ProjectID, &f.RunID, &typ, &f.Name, &state, &f.Depth,
		&f.DigestText, &f.DigestJSON, &inputs, &outputs, &errMsg, &errStack, &createdAt, &closedAt,
	); err != nil {
		return nil, err
	}
	return buildFrame(&f, typ, state, createdAt, inputs, outputs, errMsg, errStack, closedAt)
}

func scanSearchRow(rows *sql.Rows) (*protocol.Frame, int, float64, error) {
	var f protocol.Frame
	var typ, state, createdAt string
	var inputs, outputs, errMsg, errStack, closedAt sql.NullString
	var maxPriority int
	var score float64

	if err := rows.Scan(
		&f.FrameID, &f.ParentFrameID, &f.ProjectID, &f.RunID, &typ, &f.Name, &state, &f.Depth,
		&f.DigestText, &f.DigestJSON, &inputs, &outputs, &errMsg, &errStack, &createdAt, &closedAt,
		&maxPriority, &score,
	); err != nil {
		return nil, 0, 0, err
	}
	frame, err := buildFrame(&f, typ, state, createdAt, inputs, outputs, errMsg, errStack, closedAt)
	if err != nil {
		return nil, 0, 0, err
	}
	return frame, maxPriority, score, nil
}

func buildFrame(f *protocol.Frame, typ, state, createdAt string,
	inputs, outputs, errMsg, errStack, closedAt sql.NullString) (*protocol.Frame, error) {

	f.Type = protocol.FrameType(typ)
	f.State = protocol.FrameState(state)

	var err error
	f.CreatedAt, err = time.Parse(sqliteTimeFormat, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parse created_at %q: %w", createdAt, err)
	}
	if closedAt.Valid {
		t, err := time.Parse(sqliteTimeFormat, closedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parse closed_at %q: %w", closedAt.String, err)
		}
		f.ClosedAt = &t
	}
	if inputs.Valid && inputs.String != "" {
		f.Inputs = json.RawMessage(inputs.String)
	}
	if outputs.Valid && outputs.String != "" {
		f.Outputs = json.RawMessage(outputs.String)
	}
	if errMsg.Valid && errMsg.String != "" {
		f.Error = &protocol.FrameError{Message: errMsg.String, Stack: errStack.String}
	}
	return f, nil
}

func nullIfEmpty(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func rawToNull(raw json.RawMessage) sql.NullString {
	if len(raw) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(raw), Valid: true}
}

// prefixColumns qualifies each column in a comma-separated list with a
// table alias, for use in joined queries. Commas inside function calls
// (COALESCE) do not split.
func prefixColumns(columns, prefix string) string {
	parts := splitTopLevel(columns)
	for i, p := range parts {
		parts[i] = prefixColumn(strings.TrimSpace(p), prefix)
	}
	return strings.Join(parts, ", ")
}

// splitTopLevel splits on commas at parenthesis depth zero.
func splitTopLevel(s string) []string {
	var parts []string
	depth, start := 0, 0
	for i, r := range s {
		switch r {
		case '(':
			depth++
		case ')':
			depth--
		case ',':
			if depth == 0 {
				parts = append(parts, s[start:i])
				start = i + 1
			}
		}
	}
	return append(parts, s[start:])
}

func prefixColumn(col, prefix string) string {
	// COALESCE(parent_frame_id, '') needs the prefix inside the call.
	if strings.HasPrefix(col, "COALESCE(") {
		return "COALESCE(" + prefix + strings.TrimPrefix(col, "COALESCE(")
	}
	return prefix + col
}

func reverseEvents(events []protocol.Event) {
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
}
