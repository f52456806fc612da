package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// -- Auto-reply rules --

func (s *SQLiteStore) ListRules(ctx context.Context) ([]AutoReplyRule, error) {
	const q = `
SELECT id, keyword, reply, match_mode, enabled, created_at
FROM auto_replies
ORDER BY id DESC;
`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	defer rows.Close()
	return scanRules(rows)
}

func (s *SQLiteStore) ListEnabledRules(ctx context.Context) ([]AutoReplyRule, error) {
	const q = `
SELECT id, keyword, reply, match_mode, enabled, created_at
FROM auto_replies
WHERE enabled = 1
ORDER BY id DESC;
`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list enabled rules: %w", err)
	}
	defer rows.Close()
	return scanRules(rows)
}

func (s *SQLiteStore) GetRule(ctx context.Context, id int64) (*AutoReplyRule, error) {
	const q = `
SELECT id, keyword, reply, match_mode, enabled, created_at
FROM auto_replies
WHERE id = ?
LIMIT 1;
`
	var r AutoReplyRule
	err := s.db.QueryRowContext(ctx, q, id).Scan(&r.ID, &r.Keyword, &r.Reply, &r.MatchMode, &r.Enabled, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get rule: %w", err)
	}
	return &r, nil
}

func (s *SQLiteStore) InsertRule(ctx context.Context, keyword, reply, matchMode string, enabled bool) (int64, error) {
	const q = `
INSERT INTO auto_replies (keyword, reply, match_mode, enabled)
VALUES (?, ?, ?, ?);
`
	res, err := s.db.ExecContext(ctx, q, keyword, reply, matchMode, enabled)
	if err != nil {
		return 0, fmt.Errorf("insert rule: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert rule id: %w", err)
	}
	return id, nil
}

func (s *SQLiteStore) UpdateRule(ctx context.Context, id int64, keyword, reply, matchMode string, enabled bool) error {
	const q = `
UPDATE auto_replies
SET keyword = ?, reply = ?, match_mode = ?, enabled = ?
WHERE id = ?;
`
	res, err := s.db.ExecContext(ctx, q, keyword, reply, matchMode, enabled, id)
	if err != nil {
		return fmt.Errorf("update rule: %w", err)
	}
	return requireRow(res)
}

func (s *SQLiteStore) DeleteRule(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM auto_replies WHERE id = ?;`, id)
	if err != nil {
		return fmt.Errorf("delete rule: %w", err)
	}
	return requireRow(res)
}

// -- Scheduled messages --

func (s *SQLiteStore) ListScheduled(ctx context.Context) ([]ScheduledMessage, error) {
	const q = `
SELECT id, phone, message, scheduled_at, status, sent_at, error, created_at
FROM scheduled_messages
ORDER BY scheduled_at DESC;
`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list scheduled: %w", err)
	}
	defer rows.Close()
	return scanScheduled(rows)
}

// ListDuePending returns pending rows whose scheduled time has passed,
// oldest due first so long-waiting messages are dispatched fairly.
func (s *SQLiteStore) ListDuePending(ctx context.Context, now time.Time) ([]ScheduledMessage, error) {
	const q = `
SELECT id, phone, message, scheduled_at, status, sent_at, error, created_at
FROM scheduled_messages
WHERE status = 'pending' AND scheduled_at <= ?
ORDER BY scheduled_at ASC;
`
	rows, err := s.db.QueryContext(ctx, q, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("list due pending: %w", err)
	}
	defer rows.Close()
	return scanScheduled(rows)
}

func (s *SQLiteStore) InsertScheduled(ctx context.Context, phone, message string, at time.Time) (int64, error) {
	const q = `
INSERT INTO scheduled_messages (phone, message, scheduled_at)
VALUES (?, ?, ?);
`
	res, err := s.db.ExecContext(ctx, q, phone, message, at.UTC())
	if err != nil {
		return 0, fmt.Errorf("insert scheduled: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert scheduled id: %w", err)
	}
	return id, nil
}

// UpdateScheduledStatus moves a pending row to a terminal status. Rows that
// are already terminal or deleted are left untouched and reported as
// ErrNotFound, which keeps the transition single-shot.
func (s *SQLiteStore) UpdateScheduledStatus(ctx context.Context, id int64, status string, sentAt *time.Time, errMsg *string) error {
	const q = `
UPDATE scheduled_messages
SET status = ?, sent_at = ?, error = ?
WHERE id = ? AND status = 'pending';
`
	var at any
	if sentAt != nil {
		at = sentAt.UTC()
	}
	res, err := s.db.ExecContext(ctx, q, status, at, errMsg, id)
	if err != nil {
		return fmt.Errorf("update scheduled status: %w", err)
	}
	return requireRow(res)
}

// DeleteScheduled removes a scheduled message; only pending rows may be deleted.
func (s *SQLiteStore) DeleteScheduled(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_messages WHERE id = ? AND status = 'pending';`, id)
	if err != nil {
		return fmt.Errorf("delete scheduled: %w", err)
	}
	return requireRow(res)
}

// -- Message logs --

func (s *SQLiteStore) AppendLog(ctx context.Context, phone, message, direction, msgType, status string) error {
	const q = `
INSERT INTO message_logs (phone, message, direction, type, status)
VALUES (?, ?, ?, ?, ?);
`
	if _, err := s.db.ExecContext(ctx, q, phone, message, direction, msgType, status); err != nil {
		return fmt.Errorf("append log: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListLogs(ctx context.Context, limit int) ([]MessageLog, error) {
	if limit <= 0 {
		limit = 100
	}
	const q = `
SELECT id, phone, COALESCE(message, ''), direction, type, status, created_at
FROM message_logs
ORDER BY id DESC
LIMIT ?;
`
	rows, err := s.db.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("list logs: %w", err)
	}
	defer rows.Close()

	var logs []MessageLog
	for rows.Next() {
		var l MessageLog
		if err := rows.Scan(&l.ID, &l.Phone, &l.Message, &l.Direction, &l.Type, &l.Status, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan log: %w", err)
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

func (s *SQLiteStore) LogStats(ctx context.Context) (*LogStats, error) {
	const q = `
SELECT
    COUNT(*),
    COALESCE(SUM(CASE WHEN direction = 'sent' THEN 1 ELSE 0 END), 0),
    COALESCE(SUM(CASE WHEN direction = 'received' THEN 1 ELSE 0 END), 0),
    COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0)
FROM message_logs;
`
	var st LogStats
	if err := s.db.QueryRowContext(ctx, q).Scan(&st.Total, &st.Sent, &st.Received, &st.Failed); err != nil {
		return nil, fmt.Errorf("log stats: %w", err)
	}
	return &st, nil
}

// -- Settings --

func (s *SQLiteStore) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM bot_settings WHERE key = ?;`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get setting: %w", err)
	}
	return value, nil
}

func (s *SQLiteStore) SetSetting(ctx context.Context, key, value string) error {
	const q = `INSERT OR REPLACE INTO bot_settings (key, value) VALUES (?, ?);`
	if _, err := s.db.ExecContext(ctx, q, key, value); err != nil {
		return fmt.Errorf("set setting: %w", err)
	}
	return nil
}

// -- helpers --

func scanRules(rows *sql.Rows) ([]AutoReplyRule, error) {
	var rules []AutoReplyRule
	for rows.Next() {
		var r AutoReplyRule
		if err := rows.Scan(&r.ID, &r.Keyword, &r.Reply, &r.MatchMode, &r.Enabled, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

func scanScheduled(rows *sql.Rows) ([]ScheduledMessage, error) {
	var msgs []ScheduledMessage
	for rows.Next() {
		var m ScheduledMessage
		if err := rows.Scan(&m.ID, &m.Phone, &m.Message, &m.ScheduledAt, &m.Status, &m.SentAt, &m.Error, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan scheduled: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
