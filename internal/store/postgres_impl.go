package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

func (s *PostgresStore) ListRules(ctx context.Context) ([]AutoReplyRule, error) {
	const q = `
SELECT id, keyword, reply, match_mode, enabled, created_at
FROM auto_replies
ORDER BY id DESC;
`
	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	defer rows.Close()
	return scanRulesPgx(rows)
}

func (s *PostgresStore) ListEnabledRules(ctx context.Context) ([]AutoReplyRule, error) {
	const q = `
SELECT id, keyword, reply, match_mode, enabled, created_at
FROM auto_replies
WHERE enabled
ORDER BY id DESC;
`
	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list enabled rules: %w", err)
	}
	defer rows.Close()
	return scanRulesPgx(rows)
}

func (s *PostgresStore) GetRule(ctx context.Context, id int64) (*AutoReplyRule, error) {
	const q = `
SELECT id, keyword, reply, match_mode, enabled, created_at
FROM auto_replies
WHERE id = $1;
`
	var r AutoReplyRule
	err := s.pool.QueryRow(ctx, q, id).Scan(&r.ID, &r.Keyword, &r.Reply, &r.MatchMode, &r.Enabled, &r.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get rule: %w", err)
	}
	return &r, nil
}

func (s *PostgresStore) InsertRule(ctx context.Context, keyword, reply, matchMode string, enabled bool) (int64, error) {
	const q = `
INSERT INTO auto_replies (keyword, reply, match_mode, enabled)
VALUES ($1, $2, $3, $4)
RETURNING id;
`
	var id int64
	if err := s.pool.QueryRow(ctx, q, keyword, reply, matchMode, enabled).Scan(&id); err != nil {
		return 0, fmt.Errorf("insert rule: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) UpdateRule(ctx context.Context, id int64, keyword, reply, matchMode string, enabled bool) error {
	const q = `
UPDATE auto_replies
SET keyword = $1, reply = $2, match_mode = $3, enabled = $4
WHERE id = $5;
`
	tag, err := s.pool.Exec(ctx, q, keyword, reply, matchMode, enabled, id)
	if err != nil {
		return fmt.Errorf("update rule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) DeleteRule(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM auto_replies WHERE id = $1;`, id)
	if err != nil {
		return fmt.Errorf("delete rule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListScheduled(ctx context.Context) ([]ScheduledMessage, error) {
	const q = `
SELECT id, phone, message, scheduled_at, status, sent_at, error, created_at
FROM scheduled_messages
ORDER BY scheduled_at DESC;
`
	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list scheduled: %w", err)
	}
	defer rows.Close()
	return scanScheduledPgx(rows)
}

func (s *PostgresStore) ListDuePending(ctx context.Context, now time.Time) ([]ScheduledMessage, error) {
	const q = `
SELECT id, phone, message, scheduled_at, status, sent_at, error, created_at
FROM scheduled_messages
WHERE status = 'pending' AND scheduled_at <= $1
ORDER BY scheduled_at ASC;
`
	rows, err := s.pool.Query(ctx, q, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("list due pending: %w", err)
	}
	defer rows.Close()
	return scanScheduledPgx(rows)
}

func (s *PostgresStore) InsertScheduled(ctx context.Context, phone, message string, at time.Time) (int64, error) {
	const q = `
INSERT INTO scheduled_messages (phone, message, scheduled_at)
VALUES ($1, $2, $3)
RETURNING id;
`
	var id int64
	if err := s.pool.QueryRow(ctx, q, phone, message, at.UTC()).Scan(&id); err != nil {
		return 0, fmt.Errorf("insert scheduled: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) UpdateScheduledStatus(ctx context.Context, id int64, status string, sentAt *time.Time, errMsg *string) error {
	const q = `
UPDATE scheduled_messages
SET status = $1, sent_at = $2, error = $3
WHERE id = $4 AND status = 'pending';
`
	tag, err := s.pool.Exec(ctx, q, status, sentAt, errMsg, id)
	if err != nil {
		return fmt.Errorf("update scheduled status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) DeleteScheduled(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM scheduled_messages WHERE id = $1 AND status = 'pending';`, id)
	if err != nil {
		return fmt.Errorf("delete scheduled: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) AppendLog(ctx context.Context, phone, message, direction, msgType, status string) error {
	const q = `
INSERT INTO message_logs (phone, message, direction, type, status)
VALUES ($1, $2, $3, $4, $5);
`
	if _, err := s.pool.Exec(ctx, q, phone, message, direction, msgType, status); err != nil {
		return fmt.Errorf("append log: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListLogs(ctx context.Context, limit int) ([]MessageLog, error) {
	if limit <= 0 {
		limit = 100
	}
	const q = `
SELECT id, phone, COALESCE(message, ''), direction, type, status, created_at
FROM message_logs
ORDER BY id DESC
LIMIT $1;
`
	rows, err := s.pool.Query(ctx, q, limit)
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

func (s *PostgresStore) LogStats(ctx context.Context) (*LogStats, error) {
	const q = `
SELECT
    COUNT(*),
    COALESCE(SUM(CASE WHEN direction = 'sent' THEN 1 ELSE 0 END), 0),
    COALESCE(SUM(CASE WHEN direction = 'received' THEN 1 ELSE 0 END), 0),
    COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0)
FROM message_logs;
`
	var st LogStats
	if err := s.pool.QueryRow(ctx, q).Scan(&st.Total, &st.Sent, &st.Received, &st.Failed); err != nil {
		return nil, fmt.Errorf("log stats: %w", err)
	}
	return &st, nil
}

func (s *PostgresStore) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := s.pool.QueryRow(ctx, `SELECT value FROM bot_settings WHERE key = $1;`, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get setting: %w", err)
	}
	return value, nil
}

func (s *PostgresStore) SetSetting(ctx context.Context, key, value string) error {
	const q = `
INSERT INTO bot_settings (key, value) VALUES ($1, $2)
ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value;
`
	if _, err := s.pool.Exec(ctx, q, key, value); err != nil {
		return fmt.Errorf("set setting: %w", err)
	}
	return nil
}

func scanRulesPgx(rows pgx.Rows) ([]AutoReplyRule, error) {
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

func scanScheduledPgx(rows pgx.Rows) ([]ScheduledMessage, error) {
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
