// Package pg is the managed-mode store backend. The schema is applied
// out-of-band by `nanoclaw migrate up`; this package only assumes it.
package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" driver

	"github.com/nextlevelbuilder/nanoclaw/internal/store"
)

// Store implements store.Store on Postgres.
type Store struct {
	db *sql.DB
}

// Open connects and verifies the DSN.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(8)
	db.SetConnMaxIdleTime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{db: db}, nil
}

// New wraps an existing handle (used by tests and the migrate command).
func New(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

// --- messages ---

func (s *Store) StoreMessage(ctx context.Context, msg store.Message) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, channel_id, sender_name, content, timestamp, mentions_bot)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO UPDATE SET
			content = EXCLUDED.content,
			mentions_bot = EXCLUDED.mentions_bot`,
		msg.ID, msg.ChannelID, msg.SenderName, msg.Content, msg.Timestamp, msg.MentionsBot)
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
		 WHERE m.timestamp > $1 AND m.sender_name <> $2
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
		 WHERE channel_id = $1 AND timestamp > $2 AND sender_name <> $3
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
		if err := rows.Scan(&m.ID, &m.ChannelID, &m.SenderName, &m.Content, &m.Timestamp, &m.MentionsBot); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// --- chats ---

func (s *Store) UpsertChat(ctx context.Context, chat store.Chat) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chats (jid, name, last_message_time) VALUES ($1, $2, $3)
		 ON CONFLICT (jid) DO UPDATE SET
			name = EXCLUDED.name,
			last_message_time = GREATEST(chats.last_message_time, EXCLUDED.last_message_time)`,
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
		`INSERT INTO registered_groups (channel_id, config_json) VALUES ($1, $2)
		 ON CONFLICT (channel_id) DO UPDATE SET config_json = EXCLUDED.config_json`,
		group.ChannelID, string(cfg))
	if err != nil {
		return fmt.Errorf("register group: %w", err)
	}
	return nil
}

func (s *Store) GetGroup(ctx context.Context, channelID string) (*store.RegisteredGroup, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT config_json FROM registered_groups WHERE channel_id = $1`, channelID).Scan(&raw)
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
		`SELECT session_id FROM sessions WHERE group_folder = $1`, groupFolder).Scan(&id)
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
		`INSERT INTO sessions (group_folder, session_id) VALUES ($1, $2)
		 ON CONFLICT (group_folder) DO UPDATE SET session_id = EXCLUDED.session_id`,
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
		`SELECT value FROM router_state WHERE key = $1`, key).Scan(&value)
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
		`INSERT INTO router_state (key, value) VALUES ($1, $2)
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`,
		key, value)
	if err != nil {
		return fmt.Errorf("set state %s: %w", key, err)
	}
	return nil
}

// --- tasks ---

func (s *Store) CreateTask(ctx context.Context, task store.Task) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks
		 (id, group_folder, channel_id, prompt, schedule_type, schedule_value, context_mode, status, next_run, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (id) DO UPDATE SET
			prompt = EXCLUDED.prompt,
			schedule_type = EXCLUDED.schedule_type,
			schedule_value = EXCLUDED.schedule_value,
			context_mode = EXCLUDED.context_mode,
			status = EXCLUDED.status,
			next_run = EXCLUDED.next_run`,
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
		 FROM tasks WHERE id = $1`, id)
	var t store.Task
	var nextRun sql.NullString
	err := row.Scan(&t.ID, &t.GroupFolder, &t.ChannelID, &t.Prompt,
		&t.ScheduleType, &t.ScheduleValue, &t.ContextMode, &t.Status, &nextRun, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	t.NextRun = nextRun.String
	return &t, nil
}

func (s *Store) ListTasks(ctx context.Context, groupFolder string) ([]store.Task, error) {
	query := `SELECT id, group_folder, channel_id, prompt, schedule_type, schedule_value, context_mode, status, next_run, created_at
		 FROM tasks ORDER BY created_at ASC`
	args := []any{}
	if groupFolder != "" {
		query = `SELECT id, group_folder, channel_id, prompt, schedule_type, schedule_value, context_mode, status, next_run, created_at
		 FROM tasks WHERE group_folder = $1 ORDER BY created_at ASC`
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
		 WHERE status = $1 AND next_run IS NOT NULL AND next_run <> '' AND next_run <= $2
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
		`UPDATE tasks SET next_run = $1 WHERE id = $2`, nullable(nextRun), id)
	if err != nil {
		return fmt.Errorf("update task next_run: %w", err)
	}
	return nil
}

func (s *Store) SetTaskStatus(ctx context.Context, id, status string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = $1 WHERE id = $2`, status, id)
	if err != nil {
		return fmt.Errorf("set task status: %w", err)
	}
	return nil
}

func (s *Store) DeleteTask(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	return nil
}

func (s *Store) ClaimOnceTask(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("claim once task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim once task: %w", err)
	}
	return n > 0, nil
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

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
