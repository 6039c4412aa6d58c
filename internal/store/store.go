// Package store defines the relational persistence contract shared by the
// SQLite (standalone) and Postgres (managed) backends. Lookups that miss
// return zero values, not errors; callers treat absence as normal.
package store

import "context"

// Store is the full persistence surface of the supervisor.
type Store interface {
	// Messages. Queries order by timestamp ascending and exclude rows
	// whose sender equals excludeSender so the bot never reads itself.
	StoreMessage(ctx context.Context, msg Message) error
	// MessagesAfter returns messages of registered channels strictly
	// newer than after ("" = from the beginning).
	MessagesAfter(ctx context.Context, after, excludeSender string) ([]Message, error)
	// ChannelMessagesAfter is MessagesAfter scoped to one channel.
	ChannelMessagesAfter(ctx context.Context, channelID, after, excludeSender string) ([]Message, error)

	// Chats (discovery metadata, registered or not).
	UpsertChat(ctx context.Context, chat Chat) error
	ListChats(ctx context.Context) ([]Chat, error)

	// Registered groups. GetGroup returns (nil, nil) when unregistered.
	RegisterGroup(ctx context.Context, group RegisteredGroup) error
	GetGroup(ctx context.Context, channelID string) (*RegisteredGroup, error)
	ListGroups(ctx context.Context) ([]RegisteredGroup, error)

	// Sessions (group folder -> opaque session id). Missing -> ("", nil).
	GetSession(ctx context.Context, groupFolder string) (string, error)
	SetSession(ctx context.Context, groupFolder, sessionID string) error

	// Router state (key/value watermarks). Missing -> ("", nil).
	GetState(ctx context.Context, key string) (string, error)
	SetState(ctx context.Context, key, value string) error

	// Tasks. GetTask returns (nil, nil) when absent.
	CreateTask(ctx context.Context, task Task) error
	GetTask(ctx context.Context, id string) (*Task, error)
	// ListTasks returns all tasks when groupFolder is "".
	ListTasks(ctx context.Context, groupFolder string) ([]Task, error)
	// DueTasks returns active tasks with next_run <= now.
	DueTasks(ctx context.Context, now string) ([]Task, error)
	UpdateTaskNextRun(ctx context.Context, id, nextRun string) error
	SetTaskStatus(ctx context.Context, id, status string) error
	DeleteTask(ctx context.Context, id string) error
	// ClaimOnceTask atomically deletes a once-task and reports whether
	// this caller won the claim. At-most-once firing depends on it.
	ClaimOnceTask(ctx context.Context, id string) (bool, error)

	Close() error
}
