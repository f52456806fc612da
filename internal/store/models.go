package store

import "time"

// Rule match modes.
const (
	MatchContains = "contains"
	MatchExact    = "exact"
)

// Scheduled message statuses. Pending transitions to sent or failed exactly once.
const (
	StatusPending = "pending"
	StatusSent    = "sent"
	StatusFailed  = "failed"
)

// Message log attributes.
const (
	DirectionSent     = "sent"
	DirectionReceived = "received"

	TypeText  = "text"
	TypeMedia = "media"

	LogStatusSent     = "sent"
	LogStatusFailed   = "failed"
	LogStatusReceived = "received"
)

// Well-known settings keys.
const (
	SettingAutoReplyEnabled = "auto_reply_enabled"
	SettingBulkDelayMS      = "bulk_delay_ms"
)

// AutoReplyRule represents an auto_replies table row.
type AutoReplyRule struct {
	ID        int64     `json:"id"`
	Keyword   string    `json:"keyword"`
	Reply     string    `json:"reply"`
	MatchMode string    `json:"match_mode"`
	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"created_at"`
}

// ScheduledMessage represents a scheduled_messages table row.
type ScheduledMessage struct {
	ID          int64      `json:"id"`
	Phone       string     `json:"phone"`
	Message     string     `json:"message"`
	ScheduledAt time.Time  `json:"scheduled_at"`
	Status      string     `json:"status"`
	SentAt      *time.Time `json:"sent_at"`
	Error       *string    `json:"error"`
	CreatedAt   time.Time  `json:"created_at"`
}

// MessageLog is an append-only message_logs table row.
type MessageLog struct {
	ID        int64     `json:"id"`
	Phone     string    `json:"phone"`
	Message   string    `json:"message"`
	Direction string    `json:"direction"`
	Type      string    `json:"type"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// LogStats aggregates message_logs counters for the dashboard.
type LogStats struct {
	Total    int64 `json:"total"`
	Sent     int64 `json:"sent"`
	Received int64 `json:"received"`
	Failed   int64 `json:"failed"`
}
