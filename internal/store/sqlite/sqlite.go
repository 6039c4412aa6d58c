// Package sqlite is the standalone store backend: one database file, one
// writer connection. The pure-Go driver keeps the binary free of cgo.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/nextlevelbuilder/nanoclaw/internal/store"
)

// Store implements store.Store on a local SQLite file.
type Store struct {
	db *sql.DB
}

// New opens (and creates if needed) the database file.
func New(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// modernc/sqlite serializes writers; a single connection avoids
	// SQLITE_BUSY churn under concurrent loops.
	db.SetMaxOpenConns(1)
	return &Store{db: db}, nil
}

// Init creates the schema. Safe to call on every boot.
func (s *Store) Init(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS messages (
			id           TEXT PRIMARY KEY,
			channel_id   TEXT NOT NULL,
			sender_name  TEXT NOT NULL,
			content      TEXT NOT NULL,
			timestamp    TEXT NOT NULL,
			mentions_bot INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_channel_time ON messages(channel_id, timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_time ON messages(timestamp)`,
		`CREATE TABLE IF NOT EXISTS chats (
			jid               TEXT PRIMARY KEY,
			name              TEXT NOT NULL DEFAULT '',
			last_message_time TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS registered_groups (
			channel_id  TEXT PRIMARY KEY,
			config_json TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			group_folder TEXT PRIMARY KEY,
			session_id   TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS router_state (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id             TEXT PRIMARY KEY,
			group_folder   TEXT NOT NULL,
			channel_id     TEXT NOT NULL,
			prompt         TEXT NOT NULL,
			schedule_type  TEXT NOT NULL,
			schedule_value TEXT NOT NULL,
			context_mode   TEXT NOT NULL,
			status         TEXT NOT NULL,
			next_run       TEXT,
			created_at     TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_due ON tasks(status, next_run)`,
	}
	for _, stmt := range ddl {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

func (s *Store) Close() error { return s.db.Close() }

// --- messages ---

func (s *Store) StoreMessage(ctx context.Context, msg store.Message) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO messages (id, channel_id, sender_name, content, timestamp, mentions_bot)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ChannelID, msg.SenderName, msg.Content, msg.Timestamp, boolToInt(msg.MentionsBot))
	if err != nil {
		return fmt.Errorf("store message: %w", err)
	}
	return nil
}

func (s *Store) MessagesAfter(ctx context.Context, after, excludeSender string) ([]store.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT m.id, m.channel_id, m.sender_name, m.content, m.timestamp, m.mentions_bot
		 FROM messages m
		 JOIN registered_groups g ON g.channel_id = m.channel_id
		 WHERE m.timestamp > ? AND m.sender_name != ?
		 ORDER BY m.timestamp ASC`,
		after, excludeSender)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

func (s *Store) ChannelMessagesAfter(ctx context.Context, channelID, after, excludeSender string) ([]store.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, channel_id, sender_name, content, timestamp, mentions_bot
		 FROM messages
		 WHERE channel_id = ? AND timestamp > ? AND sender_name != ?
		 ORDER BY timestamp ASC`,
		channelID, after, excludeSender)
	if err != nil {
		return nil, fmt.Errorf("query channel messages: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

func scanMessages(rows *sql.Rows) ([]store.Message, error) {
	var out []store.Message
	for rows.Next() {
		var m store.Message
		var mentions int
		if err := rows.Scan(&m.ID, &m.ChannelID, &m.SenderName, &m.Content, &m.Timestamp, &mentions); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.MentionsBot = mentions != 0
		out = append(out, m)
	}
	return out, rows.Err()
}

// --- chats ---

func (s *Store) UpsertChat(ctx context.Context, chat store.Chat) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chats (jid, name, last_message_time) VALUES (?, ?, ?)
		 ON CONFLICT(jid) DO UPDATE SET
			name = excluded.name,
			last_message_time = MAX(chats.last_message_time, excluded.last_message_time)`,
		chat.JID, chat.Name, chat.LastMessageTime)
	if err != nil {
		return fmt.Errorf("upsert chat: %w", err)
	}
	return nil
}

func (s *Store) ListChats(ctx context.Context) ([]store.Chat, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT jid, name, last_message_time FROM chats ORDER BY last_message_time DESC`)
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	defer rows.Close()

	var out []store.Chat
	for rows.Next() {
		var c store.Chat
		if err := rows.Scan(&c.JID, &c.Name, &c.LastMessageTime); err != nil {
			return nil, fmt.Errorf("scan chat: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// --- registered groups ---

func (s *Store) RegisterGroup(ctx context.Context, group store.RegisteredGroup) error {
	cfg, err := json.Marshal(group.Config)
	if err != nil {
		return fmt.Errorf("marshal group config: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO registered_groups (channel_id, config_json) VALUES (?, ?)
		 ON CONFLICT(channel_id) DO UPDATE SET config_json = excluded.config_json`,
		group.ChannelID, string(cfg))
	if err != nil {
		return fmt.Errorf("register group: %w", err)
	}
	return nil
}

func (s *Store) GetGroup(ctx context.Context, channelID string) (*store.RegisteredGroup, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT config_json FROM registered_groups WHERE channel_id = ?`, channelID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get group: %w", err)
	}
	return decodeGroup(channelID, raw)
}

func (s *Store) ListGroups(ctx context.Context) ([]store.RegisteredGroup, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT channel_id, config_json FROM registered_groups`)
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	defer rows.Close()

	var out []store.RegisteredGroup
	for rows.Next() {
		var id, raw string
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, fmt.Errorf("scan group: %w", err)
		}
		g, err := decodeGroup(id, raw)
		if err != nil {
			return nil, err
		}
		out = append(out, *g)
	}
	return out, rows.Err()
}

func decodeGroup(channelID, raw string) (*store.RegisteredGroup, error) {
	var cfg store.GroupConfig
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return nil, fmt.Errorf("decode group config for %s: %w", channelID, err)
	}
	return &store.RegisteredGroup{ChannelID: channelID, Config: cfg}, nil
}

// --- sessions ---

func (s *Store) GetSession(ctx context.Context, groupFolder string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT session_id FROM sessions WHERE group_folder = ?`, groupFolder).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get session: %w", err)
	}
	return id, nil
}

func (s *Store) SetSession(ctx context.Context, groupFolder, sessionID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO sessions (group_folder, session_id) VALUES (?, ?)`,
		groupFolder, sessionID)
	if err != nil {
		return fmt.Errorf("set session: %w", err)
	}
	return nil
}

// --- router state ---

func (s *Store) GetState(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM router_state WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get state %s: %w", key, err)
	}
	return value, nil
}

func (s *Store) SetState(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO router_state (key, value) VALUES (?, ?)`, key, value)
	if err != nil {
		return fmt.Errorf("set state %s: %w", key, err)
	}
	return nil
}

// --- tasks ---

func (s *Store) CreateTask(ctx context.Context, task store.Task) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO tasks
		 (id, group_folder, channel_id, prompt, schedule_type, schedule_value, context_mode, status, next_run, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID, task.GroupFolder, task.ChannelID, task.Prompt,
		task.ScheduleType, task.ScheduleValue, task.ContextMode,
		task.Status, nullable(task.NextRun), task.CreatedAt)
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

func (s *Store) GetTask(ctx context.Context, id string) (*store.Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, group_folder, channel_id, prompt, schedule_type, schedule_value, context_mode, status, next_run, created_at
		 FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

func (s *Store) ListTasks(ctx context.Context, groupFolder string) ([]store.Task, error) {
	query := `SELECT id, group_folder, channel_id, prompt, schedule_type, schedule_value, context_mode, status, next_run, created_at
		 FROM tasks ORDER BY created_at ASC`
	args := []any{}
	if groupFolder != "" {
		query = `SELECT id, group_folder, channel_id, prompt, schedule_type, schedule_value, context_mode, status, next_run, created_at
		 FROM tasks WHERE group_folder = ? ORDER BY created_at ASC`
		args = append(args, groupFolder)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

func (s *Store) DueTasks(ctx context.Context, now string) ([]store.Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, group_folder, channel_id, prompt, schedule_type, schedule_value, context_mode, status, next_run, created_at
		 FROM tasks
		 WHERE status = ? AND next_run IS NOT NULL AND next_run != '' AND next_run <= ?
		 ORDER BY next_run ASC`,
		store.TaskActive, now)
	if err != nil {
		return nil, fmt.Errorf("due tasks: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

func (s *Store) UpdateTaskNextRun(ctx context.Context, id, nextRun string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET next_run = ? WHERE id = ?`, nullable(nextRun), id)
	if err != nil {
		return fmt.Errorf("update task next_run: %w", err)
	}
	return nil
}

func (s *Store) SetTaskStatus(ctx context.Context, id, status string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return fmt.Errorf("set task status: %w", err)
	}
	return nil
}

func (s *Store) DeleteTask(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	return nil
}

func (s *Store) ClaimOnceTask(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("claim once task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim once task: %w", err)
	}
	return n > 0, nil
}

func scanTask(row *sql.Row) (*store.Task, error) {
	var t store.Task
	var nextRun sql.NullString
	err := row.Scan(&t.ID, &t.GroupFolder, &t.ChannelID, &t.Prompt,
		&t.ScheduleType, &t.ScheduleValue, &t.ContextMode, &t.Status, &nextRun, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	t.NextRun = nextRun.String
	return &t, nil
}

func scanTasks(rows *sql.Rows) ([]store.Task, error) {
	var out []store.Task
	for rows.Next() {
		var t store.Task
		var nextRun sql.NullString
		if err := rows.Scan(&t.ID, &t.GroupFolder, &t.ChannelID, &t.Prompt,
			&t.ScheduleType, &t.ScheduleValue, &t.ContextMode, &t.Status, &nextRun, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		t.NextRun = nextRun.String
		out = append(out, t)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
