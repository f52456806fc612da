package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a lookup or guarded mutation matches no row.
var ErrNotFound = errors.New("store: not found")

// Store defines the interface for data persistence.
type Store interface {
	// Lifecycle
	Close()
	Ping(ctx context.Context) error
	RunMigrations(ctx context.Context) error

	// Auto-reply rules
	ListRules(ctx context.Context) ([]AutoReplyRule, error)
	ListEnabledRules(ctx context.Context) ([]AutoReplyRule, error)
	GetRule(ctx context.Context, id int64) (*AutoReplyRule, error)
	InsertRule(ctx context.Context, keyword, reply, matchMode string, enabled bool) (int64, error)
	UpdateRule(ctx context.Context, id int64, keyword, reply, matchMode string, enabled bool) error
	DeleteRule(ctx context.Context, id int64) error

	// Scheduled messages
	ListScheduled(ctx context.Context) ([]ScheduledMessage, error)
	ListDuePending(ctx context.Context, now time.Time) ([]ScheduledMessage, error)
	InsertScheduled(ctx context.Context, phone, message string, at time.Time) (int64, error)
	UpdateScheduledStatus(ctx context.Context, id int64, status string, sentAt *time.Time, errMsg *string) error
	DeleteScheduled(ctx context.Context, id int64) error

	// Message logs
	AppendLog(ctx context.Context, phone, message, direction, msgType, status string) error
	ListLogs(ctx context.Context, limit int) ([]MessageLog, error)
	LogStats(ctx context.Context) (*LogStats, error)

	// Settings
	GetSetting(ctx context.Context, key string) (string, error)
	SetSetting(ctx context.Context, key, value string) error
}
