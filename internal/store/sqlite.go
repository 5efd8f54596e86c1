package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/ashureev/shsh-labs/internal/apperr"
	"github.com/ashureev/shsh-labs/internal/domain"
)

// SQLiteStore implements Store using SQLite in WAL mode.
//
// SQLite has no Postgres-style row-level "FOR UPDATE SKIP LOCKED": the
// database is single-writer regardless of isolation level. ClaimDueTasks
// gets the same exactly-once claim guarantee by opening
// a BEGIN IMMEDIATE transaction, which takes the writer lock up front —
// a second concurrent claim simply blocks (or times out under
// busy_timeout) until the first commits, so no two callers can ever see
// the same due row as claimable.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed store.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	path := dsn
	if idx := indexOfAny(dsn, "?"); idx >= 0 {
		path = dsn[:idx]
	}
	if path != "" && path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	full := dsn
	if indexOfAny(dsn, "?") < 0 {
		full = dsn + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	}

	db, err := sql.Open("sqlite", full)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func indexOfAny(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;

	CREATE TABLE IF NOT EXISTS chats (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		sandbox_id TEXT,
		session_id TEXT,
		last_event_seq INTEGER NOT NULL DEFAULT 0,
		context_token_usage_json TEXT,
		deleted INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_chats_user ON chats(user_id) WHERE deleted = 0;

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		chat_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content_text TEXT NOT NULL DEFAULT '',
		content_render_json TEXT NOT NULL DEFAULT '{"events":[],"segments":[]}',
		last_seq INTEGER NOT NULL DEFAULT 0,
		active_stream_id TEXT,
		stream_status TEXT,
		total_cost_usd REAL,
		checkpoint_id TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_chat ON messages(chat_id, created_at);

	CREATE TABLE IF NOT EXISTS message_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		chat_id TEXT NOT NULL,
		message_id TEXT NOT NULL,
		stream_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		event_type TEXT NOT NULL,
		render_payload_json TEXT,
		audit_payload_json TEXT,
		created_at INTEGER NOT NULL,
		UNIQUE(chat_id, seq)
	);
	CREATE INDEX IF NOT EXISTS idx_events_chat_seq ON message_events(chat_id, seq);
	CREATE INDEX IF NOT EXISTS idx_events_message_seq ON message_events(message_id, seq);

	CREATE TABLE IF NOT EXISTS scheduled_tasks (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		task_name TEXT NOT NULL,
		prompt_message TEXT NOT NULL,
		recurrence TEXT NOT NULL,
		scheduled_time TEXT NOT NULL,
		scheduled_day INTEGER,
		timezone TEXT NOT NULL,
		next_fire_time INTEGER,
		status TEXT NOT NULL,
		model_id TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_tasks_due ON scheduled_tasks(status, next_fire_time);
	CREATE INDEX IF NOT EXISTS idx_tasks_user ON scheduled_tasks(user_id);

	CREATE TABLE IF NOT EXISTS task_executions (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL,
		status TEXT NOT NULL,
		executed_at INTEGER NOT NULL,
		completed_at INTEGER,
		chat_id TEXT,
		error_message TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_executions_task ON task_executions(task_id);
	CREATE INDEX IF NOT EXISTS idx_executions_status ON task_executions(status, executed_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// --- Event Log Store ---

func (s *SQLiteStore) CreateChat(ctx context.Context, chat *domain.Chat) error {
	now := time.Now()
	chat.CreatedAt, chat.UpdatedAt = now, now
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chats (id, user_id, sandbox_id, session_id, last_event_seq, deleted, created_at, updated_at)
		VALUES (?, ?, ?, ?, 0, 0, ?, ?)`,
		chat.ID, chat.UserID, nullIfEmpty(chat.SandboxID), nullIfEmpty(chat.SessionID),
		now.Unix(), now.Unix(),
	)
	if err != nil {
		return fmt.Errorf("create chat: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetChat(ctx context.Context, chatID string) (*domain.Chat, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, sandbox_id, session_id, last_event_seq, context_token_usage_json,
		       deleted, created_at, updated_at
		FROM chats WHERE id = ?`, chatID)
	return scanChat(row)
}

func scanChat(row *sql.Row) (*domain.Chat, error) {
	var c domain.Chat
	var sandboxID, sessionID, usageJSON sql.NullString
	var deleted int
	var createdAt, updatedAt int64

	err := row.Scan(&c.ID, &c.UserID, &sandboxID, &sessionID, &c.LastEventSeq, &usageJSON,
		&deleted, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan chat: %w", err)
	}

	c.SandboxID = sandboxID.String
	c.SessionID = sessionID.String
	c.Deleted = deleted != 0
	c.CreatedAt = time.Unix(createdAt, 0)
	c.UpdatedAt = time.Unix(updatedAt, 0)
	if usageJSON.Valid {
		var u domain.ContextTokenUsage
		if err := json.Unmarshal([]byte(usageJSON.String), &u); err == nil {
			c.ContextTokenUsage = &u
		}
	}
	return &c, nil
}

func (s *SQLiteStore) AppendWithNextSeq(ctx context.Context, chatID, messageID, streamID string, eventType domain.EventType, renderPayload, auditPayload map[string]any) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	seq, err := bumpChatSeq(ctx, tx, chatID)
	if err != nil {
		return 0, err
	}

	if err := insertEvent(ctx, tx, chatID, messageID, streamID, seq, eventType, renderPayload, auditPayload); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit append: %w", err)
	}
	return seq, nil
}

func (s *SQLiteStore) AppendBatch(ctx context.Context, chatID, messageID, streamID string, events []PendingEvent) (int64, error) {
	if len(events) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var lastSeq int64
	for _, ev := range events {
		seq, err := bumpChatSeq(ctx, tx, chatID)
		if err != nil {
			return 0, err
		}
		if err := insertEvent(ctx, tx, chatID, messageID, streamID, seq, ev.EventType, ev.RenderPayload, ev.AuditPayload); err != nil {
			return 0, err
		}
		lastSeq = seq
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit append batch: %w", err)
	}
	return lastSeq, nil
}

// bumpChatSeq atomically increments chats.last_event_seq and returns the
// new value. Must run inside an open transaction so the increment and the
// caller's insert are atomic together.
func bumpChatSeq(ctx context.Context, tx *sql.Tx, chatID string) (int64, error) {
	res, err := tx.ExecContext(ctx,
		`UPDATE chats SET last_event_seq = last_event_seq + 1, updated_at = ? WHERE id = ?`,
		time.Now().Unix(), chatID)
	if err != nil {
		return 0, fmt.Errorf("bump chat seq: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("bump chat seq rows affected: %w", err)
	}
	if rows == 0 {
		return 0, apperr.NotFound("chat not found")
	}

	var seq int64
	if err := tx.QueryRowContext(ctx, `SELECT last_event_seq FROM chats WHERE id = ?`, chatID).Scan(&seq); err != nil {
		return 0, fmt.Errorf("read bumped seq: %w", err)
	}
	return seq, nil
}

func insertEvent(ctx context.Context, tx *sql.Tx, chatID, messageID, streamID string, seq int64, eventType domain.EventType, renderPayload, auditPayload map[string]any) error {
	renderJSON, err := marshalPayload(renderPayload)
	if err != nil {
		return err
	}
	auditJSON, err := marshalPayload(auditPayload)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO message_events (chat_id, message_id, stream_id, seq, event_type, render_payload_json, audit_payload_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		chatID, messageID, streamID, seq, string(eventType), renderJSON, auditJSON, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

func marshalPayload(payload map[string]any) (sql.NullString, error) {
	if payload == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("marshal payload: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func (s *SQLiteStore) RangeByChat(ctx context.Context, chatID string, afterSeq int64, limit int) ([]*domain.MessageEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, chat_id, message_id, stream_id, seq, event_type, render_payload_json, audit_payload_json, created_at
		FROM message_events WHERE chat_id = ? AND seq > ? ORDER BY seq ASC LIMIT ?`,
		chatID, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("range by chat: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (s *SQLiteStore) RangeByMessage(ctx context.Context, messageID string, afterSeq int64, limit int) ([]*domain.MessageEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, chat_id, message_id, stream_id, seq, event_type, render_payload_json, audit_payload_json, created_at
		FROM message_events WHERE message_id = ? AND seq > ? ORDER BY seq ASC LIMIT ?`,
		messageID, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("range by message: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]*domain.MessageEvent, error) {
	var events []*domain.MessageEvent
	for rows.Next() {
		var ev domain.MessageEvent
		var eventType string
		var renderJSON, auditJSON sql.NullString
		var createdAt int64

		if err := rows.Scan(&ev.ID, &ev.ChatID, &ev.MessageID, &ev.StreamID, &ev.Seq,
			&eventType, &renderJSON, &auditJSON, &createdAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.EventType = domain.EventType(eventType)
		ev.CreatedAt = time.Unix(createdAt, 0)
		if renderJSON.Valid {
			_ = json.Unmarshal([]byte(renderJSON.String), &ev.RenderPayload)
		}
		if auditJSON.Valid {
			_ = json.Unmarshal([]byte(auditJSON.String), &ev.AuditPayload)
		}
		events = append(events, &ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

func (s *SQLiteStore) UpdateContextTokenUsage(ctx context.Context, chatID string, usage *domain.ContextTokenUsage) error {
	b, err := json.Marshal(usage)
	if err != nil {
		return fmt.Errorf("marshal context usage: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE chats SET context_token_usage_json = ?, updated_at = ? WHERE id = ?`,
		string(b), time.Now().Unix(), chatID)
	if err != nil {
		return fmt.Errorf("update context usage: %w", err)
	}
	return nil
}

func (s *SQLiteStore) SoftDeleteChat(ctx context.Context, chatID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE chats SET deleted = 1, updated_at = ? WHERE id = ?`, time.Now().Unix(), chatID)
	if err != nil {
		return fmt.Errorf("soft delete chat: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpdateChatSandbox(ctx context.Context, chatID, sandboxID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE chats SET sandbox_id = ?, updated_at = ? WHERE id = ?`,
		nullIfEmpty(sandboxID), time.Now().Unix(), chatID)
	if err != nil {
		return fmt.Errorf("update chat sandbox: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update chat sandbox rows affected: %w", err)
	}
	if rows == 0 {
		return apperr.NotFound("chat not found")
	}
	return nil
}

// --- Snapshot Store ---

func (s *SQLiteStore) CreateMessage(ctx context.Context, msg *domain.Message) error {
	now := time.Now()
	msg.CreatedAt, msg.UpdatedAt = now, now
	renderJSON, err := json.Marshal(msg.ContentRender)
	if err != nil {
		return fmt.Errorf("marshal content render: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO messages (id, chat_id, role, content_text, content_render_json, last_seq,
		                       active_stream_id, stream_status, total_cost_usd, checkpoint_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ChatID, string(msg.Role), msg.ContentText, string(renderJSON), msg.LastSeq,
		nullIfEmpty(msg.ActiveStreamID), nullIfEmpty(string(msg.StreamStatus)), msg.TotalCostUSD,
		nullIfEmpty(msg.CheckpointID), now.Unix(), now.Unix(),
	)
	if err != nil {
		return fmt.Errorf("create message: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetMessage(ctx context.Context, messageID string) (*domain.Message, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, chat_id, role, content_text, content_render_json, last_seq,
		       active_stream_id, stream_status, total_cost_usd, checkpoint_id, created_at, updated_at
		FROM messages WHERE id = ?`, messageID)
	return scanMessage(row)
}

func (s *SQLiteStore) GetActiveMessageByChat(ctx context.Context, chatID string) (*domain.Message, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, chat_id, role, content_text, content_render_json, last_seq,
		       active_stream_id, stream_status, total_cost_usd, checkpoint_id, created_at, updated_at
		FROM messages
		WHERE chat_id = ? AND active_stream_id IS NOT NULL AND active_stream_id != ''
		ORDER BY updated_at DESC LIMIT 1`, chatID)
	return scanMessage(row)
}

func (s *SQLiteStore) ListMessagesByChat(ctx context.Context, chatID string) ([]*domain.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, chat_id, role, content_text, content_render_json, last_seq,
		       active_stream_id, stream_status, total_cost_usd, checkpoint_id, created_at, updated_at
		FROM messages WHERE chat_id = ? ORDER BY created_at ASC`, chatID)
	if err != nil {
		return nil, fmt.Errorf("list messages by chat: %w", err)
	}
	defer rows.Close()

	var messages []*domain.Message
	for rows.Next() {
		m, err := scanMessageRow(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list messages by chat: %w", err)
	}
	return messages, nil
}

// rowScanner is the subset of *sql.Row and *sql.Rows that Scan needs, so
// scanMessage's field layout can be shared between a single-row lookup and
// a multi-row range query.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row *sql.Row) (*domain.Message, error) {
	m, err := scanMessageRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return m, err
}

func scanMessageRow(row rowScanner) (*domain.Message, error) {
	var m domain.Message
	var role, renderJSON string
	var activeStreamID, streamStatus, checkpointID sql.NullString
	var totalCostUSD sql.NullFloat64
	var createdAt, updatedAt int64

	err := row.Scan(&m.ID, &m.ChatID, &role, &m.ContentText, &renderJSON, &m.LastSeq,
		&activeStreamID, &streamStatus, &totalCostUSD, &checkpointID, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan message: %w", err)
	}

	m.Role = domain.Role(role)
	m.ActiveStreamID = activeStreamID.String
	m.StreamStatus = domain.StreamStatus(streamStatus.String)
	m.CheckpointID = checkpointID.String
	m.CreatedAt = time.Unix(createdAt, 0)
	m.UpdatedAt = time.Unix(updatedAt, 0)
	if totalCostUSD.Valid {
		m.TotalCostUSD = &totalCostUSD.Float64
	}
	_ = json.Unmarshal([]byte(renderJSON), &m.ContentRender)

	return &m, nil
}

func (s *SQLiteStore) UpdateSnapshot(ctx context.Context, messageID string, update SnapshotUpdate) error {
	renderJSON, err := json.Marshal(update.ContentRender)
	if err != nil {
		return fmt.Errorf("marshal content render: %w", err)
	}

	setClauses := []string{
		"content_text = ?",
		"content_render_json = ?",
		"last_seq = MAX(last_seq, ?)",
		"updated_at = ?",
	}
	args := []any{update.ContentText, string(renderJSON), update.LastSeq, time.Now().Unix()}

	if update.ActiveStreamID != nil {
		setClauses = append(setClauses, "active_stream_id = ?")
		args = append(args, nullIfEmpty(*update.ActiveStreamID))
	}
	if update.StreamStatus != nil {
		setClauses = append(setClauses, "stream_status = ?")
		args = append(args, string(*update.StreamStatus))
	}
	if update.TotalCostUSD != nil {
		setClauses = append(setClauses, "total_cost_usd = ?")
		args = append(args, *update.TotalCostUSD)
	}
	if update.CheckpointID != nil {
		setClauses = append(setClauses, "checkpoint_id = ?")
		args = append(args, nullIfEmpty(*update.CheckpointID))
	}

	query := "UPDATE messages SET "
	for i, c := range setClauses {
		if i > 0 {
			query += ", "
		}
		query += c
	}
	query += " WHERE id = ?"
	args = append(args, messageID)

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update snapshot: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update snapshot rows affected: %w", err)
	}
	if rows == 0 {
		return apperr.NotFound("message not found")
	}
	return nil
}

func (s *SQLiteStore) TryClaimStream(ctx context.Context, messageID, streamID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE messages SET active_stream_id = ?, updated_at = ?
		WHERE id = ? AND (active_stream_id IS NULL OR active_stream_id = '' OR active_stream_id = ?)`,
		streamID, time.Now().Unix(), messageID, streamID)
	if err != nil {
		return fmt.Errorf("claim stream: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("claim stream rows affected: %w", err)
	}
	if rows == 0 {
		existing, err := s.GetMessage(ctx, messageID)
		if err != nil {
			return err
		}
		if existing == nil {
			return apperr.NotFound("message not found")
		}
		return apperr.Conflict(fmt.Sprintf("message %s already has an active stream %s", messageID, existing.ActiveStreamID))
	}
	return nil
}

// --- Scheduler Store ---

func (s *SQLiteStore) CreateTask(ctx context.Context, task *domain.ScheduledTask) error {
	now := time.Now()
	task.CreatedAt, task.UpdatedAt = now, now
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scheduled_tasks (id, user_id, task_name, prompt_message, recurrence, scheduled_time,
		                              scheduled_day, timezone, next_fire_time, status, model_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID, task.UserID, task.TaskName, task.PromptMessage, string(task.Recurrence), task.ScheduledTime,
		nullIfNilInt(task.ScheduledDay), task.Timezone, nullIfNilTime(task.NextFireTime),
		string(task.Status), nullIfEmpty(task.ModelID), now.Unix(), now.Unix(),
	)
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetTask(ctx context.Context, taskID string) (*domain.ScheduledTask, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, task_name, prompt_message, recurrence, scheduled_time, scheduled_day,
		       timezone, next_fire_time, status, model_id, created_at, updated_at
		FROM scheduled_tasks WHERE id = ?`, taskID)
	return scanTask(row)
}

func scanTask(row *sql.Row) (*domain.ScheduledTask, error) {
	var t domain.ScheduledTask
	var recurrence, status string
	var scheduledDay sql.NullInt64
	var nextFireTime sql.NullInt64
	var modelID sql.NullString
	var createdAt, updatedAt int64

	err := row.Scan(&t.ID, &t.UserID, &t.TaskName, &t.PromptMessage, &recurrence, &t.ScheduledTime,
		&scheduledDay, &t.Timezone, &nextFireTime, &status, &modelID, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan task: %w", err)
	}

	t.Recurrence = domain.Recurrence(recurrence)
	t.Status = domain.TaskStatus(status)
	t.ModelID = modelID.String
	t.CreatedAt = time.Unix(createdAt, 0)
	t.UpdatedAt = time.Unix(updatedAt, 0)
	if scheduledDay.Valid {
		d := int(scheduledDay.Int64)
		t.ScheduledDay = &d
	}
	if nextFireTime.Valid {
		ts := time.Unix(nextFireTime.Int64, 0).UTC()
		t.NextFireTime = &ts
	}
	return &t, nil
}

func (s *SQLiteStore) ListTasks(ctx context.Context, userID string) ([]*domain.ScheduledTask, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, task_name, prompt_message, recurrence, scheduled_time, scheduled_day,
		       timezone, next_fire_time, status, model_id, created_at, updated_at
		FROM scheduled_tasks WHERE user_id = ? ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*domain.ScheduledTask
	for rows.Next() {
		var t domain.ScheduledTask
		var recurrence, status string
		var scheduledDay sql.NullInt64
		var nextFireTime sql.NullInt64
		var modelID sql.NullString
		var createdAt, updatedAt int64

		if err := rows.Scan(&t.ID, &t.UserID, &t.TaskName, &t.PromptMessage, &recurrence, &t.ScheduledTime,
			&scheduledDay, &t.Timezone, &nextFireTime, &status, &modelID, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan task row: %w", err)
		}
		t.Recurrence = domain.Recurrence(recurrence)
		t.Status = domain.TaskStatus(status)
		t.ModelID = modelID.String
		t.CreatedAt = time.Unix(createdAt, 0)
		t.UpdatedAt = time.Unix(updatedAt, 0)
		if scheduledDay.Valid {
			d := int(scheduledDay.Int64)
			t.ScheduledDay = &d
		}
		if nextFireTime.Valid {
			ts := time.Unix(nextFireTime.Int64, 0).UTC()
			t.NextFireTime = &ts
		}
		tasks = append(tasks, &t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return tasks, nil
}

func (s *SQLiteStore) UpdateTask(ctx context.Context, task *domain.ScheduledTask) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_tasks SET task_name = ?, prompt_message = ?, recurrence = ?, scheduled_time = ?,
		       scheduled_day = ?, timezone = ?, next_fire_time = ?, status = ?, model_id = ?, updated_at = ?
		WHERE id = ?`,
		task.TaskName, task.PromptMessage, string(task.Recurrence), task.ScheduledTime,
		nullIfNilInt(task.ScheduledDay), task.Timezone, nullIfNilTime(task.NextFireTime),
		string(task.Status), nullIfEmpty(task.ModelID), time.Now().Unix(), task.ID,
	)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update task rows affected: %w", err)
	}
	if rows == 0 {
		return apperr.NotFound("scheduled task not found")
	}
	return nil
}

func (s *SQLiteStore) DeleteTask(ctx context.Context, taskID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_tasks WHERE id = ?`, taskID)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `DELETE FROM task_executions WHERE task_id = ?`, taskID)
	if err != nil {
		return fmt.Errorf("delete task executions: %w", err)
	}
	return nil
}

// ClaimDueTasks implements the claim protocol using a BEGIN IMMEDIATE
// transaction in place of FOR UPDATE SKIP LOCKED (see
// the SQLiteStore doc comment).
func (s *SQLiteStore) ClaimDueTasks(ctx context.Context, now time.Time, limit int) ([]ClaimedTask, error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire conn: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		return nil, fmt.Errorf("begin immediate: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_, _ = conn.ExecContext(ctx, "ROLLBACK")
		}
	}()

	rows, err := conn.QueryContext(ctx, `
		SELECT id, user_id, task_name, prompt_message, recurrence, scheduled_time, scheduled_day,
		       timezone, next_fire_time, status, model_id, created_at, updated_at
		FROM scheduled_tasks
		WHERE status = ? AND next_fire_time IS NOT NULL AND next_fire_time <= ?
		ORDER BY next_fire_time ASC LIMIT ?`,
		string(domain.TaskActive), now.Unix(), limit)
	if err != nil {
		return nil, fmt.Errorf("query due tasks: %w", err)
	}

	var due []*domain.ScheduledTask
	for rows.Next() {
		var t domain.ScheduledTask
		var recurrence, status string
		var scheduledDay sql.NullInt64
		var nextFireTime sql.NullInt64
		var modelID sql.NullString
		var createdAt, updatedAt int64

		if err := rows.Scan(&t.ID, &t.UserID, &t.TaskName, &t.PromptMessage, &recurrence, &t.ScheduledTime,
			&scheduledDay, &t.Timezone, &nextFireTime, &status, &modelID, &createdAt, &updatedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan due task: %w", err)
		}
		t.Recurrence = domain.Recurrence(recurrence)
		t.Status = domain.TaskStatus(status)
		t.ModelID = modelID.String
		t.CreatedAt = time.Unix(createdAt, 0)
		t.UpdatedAt = time.Unix(updatedAt, 0)
		if scheduledDay.Valid {
			d := int(scheduledDay.Int64)
			t.ScheduledDay = &d
		}
		if nextFireTime.Valid {
			ts := time.Unix(nextFireTime.Int64, 0).UTC()
			t.NextFireTime = &ts
		}
		due = append(due, &t)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate due tasks: %w", err)
	}
	rows.Close()

	claimed := make([]ClaimedTask, 0, len(due))
	for _, t := range due {
		nextFire := computeNextFireAfterClaim(t, now)

		newStatus := domain.TaskPending
		_, err := conn.ExecContext(ctx,
			`UPDATE scheduled_tasks SET status = ?, next_fire_time = ?, updated_at = ? WHERE id = ?`,
			string(newStatus), nullIfNilTime(nextFire), now.Unix(), t.ID)
		if err != nil {
			return nil, fmt.Errorf("mark task pending: %w", err)
		}
		t.Status = newStatus
		t.NextFireTime = nextFire

		exec := &domain.TaskExecution{
			ID:         uuid.NewString(),
			TaskID:     t.ID,
			Status:     domain.ExecutionRunning,
			ExecutedAt: now,
		}
		_, err = conn.ExecContext(ctx, `
			INSERT INTO task_executions (id, task_id, status, executed_at, completed_at, chat_id, error_message)
			VALUES (?, ?, ?, ?, NULL, NULL, NULL)`,
			exec.ID, exec.TaskID, string(exec.Status), exec.ExecutedAt.Unix())
		if err != nil {
			return nil, fmt.Errorf("insert task execution: %w", err)
		}

		claimed = append(claimed, ClaimedTask{Task: t, Execution: exec})
	}

	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	committed = true

	return claimed, nil
}

// computeNextFireAfterClaim returns the task's next_fire_time once this
// firing has been claimed: nil for a "once" task (it is consumed), or a
// placeholder recomputed by the caller's scheduling logic for recurring
// tasks. The scheduler package owns the actual recurrence arithmetic; this
// just clears one-shots so they are never reclaimed.
func computeNextFireAfterClaim(t *domain.ScheduledTask, now time.Time) *time.Time {
	if t.Recurrence == domain.RecurrenceOnce {
		return nil
	}
	return t.NextFireTime
}

func (s *SQLiteStore) CompleteExecution(ctx context.Context, executionID string, status domain.ExecutionStatus, chatID, errMsg string) error {
	now := time.Now()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var taskID string
	err = tx.QueryRowContext(ctx, `SELECT task_id FROM task_executions WHERE id = ?`, executionID).Scan(&taskID)
	if err == sql.ErrNoRows {
		return apperr.NotFound("task execution not found")
	}
	if err != nil {
		return fmt.Errorf("lookup execution: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE task_executions SET status = ?, completed_at = ?, chat_id = ?, error_message = ? WHERE id = ?`,
		string(status), now.Unix(), nullIfEmpty(chatID), nullIfEmpty(errMsg), executionID)
	if err != nil {
		return fmt.Errorf("update execution: %w", err)
	}

	row := tx.QueryRowContext(ctx, `SELECT recurrence, next_fire_time FROM scheduled_tasks WHERE id = ?`, taskID)
	var recurrence string
	var nextFireTime sql.NullInt64
	if err := row.Scan(&recurrence, &nextFireTime); err != nil {
		return fmt.Errorf("lookup task: %w", err)
	}

	var taskStatus domain.TaskStatus
	if domain.Recurrence(recurrence) == domain.RecurrenceOnce {
		if status == domain.ExecutionSuccess {
			taskStatus = domain.TaskCompleted
		} else {
			taskStatus = domain.TaskFailed
		}
	} else {
		taskStatus = domain.TaskActive
	}

	_, err = tx.ExecContext(ctx, `UPDATE scheduled_tasks SET status = ?, updated_at = ? WHERE id = ?`,
		string(taskStatus), now.Unix(), taskID)
	if err != nil {
		return fmt.Errorf("update task status: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit complete execution: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ReapStaleExecutions(ctx context.Context, olderThan time.Duration, keepAlive map[string]bool) (int64, error) {
	threshold := time.Now().Add(-olderThan).Unix()
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id FROM task_executions WHERE status = ? AND executed_at < ?`,
		string(domain.ExecutionRunning), threshold)
	if err != nil {
		return 0, fmt.Errorf("query stale executions: %w", err)
	}

	type stale struct{ id, taskID string }
	var toReap []stale
	for rows.Next() {
		var st stale
		if err := rows.Scan(&st.id, &st.taskID); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan stale execution: %w", err)
		}
		if !keepAlive[st.taskID] {
			toReap = append(toReap, st)
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, fmt.Errorf("iterate stale executions: %w", err)
	}
	rows.Close()

	var reaped int64
	for _, st := range toReap {
		if err := s.CompleteExecution(ctx, st.id, domain.ExecutionFailed, "", "reaped: execution abandoned past threshold"); err != nil {
			slog.Warn("reap stale execution failed", "execution_id", st.id, "error", err)
			continue
		}
		reaped++
	}
	return reaped, nil
}

// --- scan helpers ---

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullIfNilInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullIfNilTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Unix()
}
