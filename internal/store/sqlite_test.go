package store

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	s, err := NewSQLite(ctx, filepath.Join(t.TempDir(), "test.db"), logger)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(s.Close)

	if err := s.RunMigrations(ctx); err != nil {
		t.Fatalf("run migrations: %v", err)
	}
	return s
}

func TestMigrationsSeedDefaults(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	v, err := s.GetSetting(ctx, SettingAutoReplyEnabled)
	if err != nil || v != "1" {
		t.Fatalf("expected auto_reply_enabled=1, got %q err=%v", v, err)
	}
	v, err = s.GetSetting(ctx, SettingBulkDelayMS)
	if err != nil || v != "3000" {
		t.Fatalf("expected bulk_delay_ms=3000, got %q err=%v", v, err)
	}

	// Re-running migrations must be idempotent.
	if err := s.RunMigrations(ctx); err != nil {
		t.Fatalf("second migration run failed: %v", err)
	}
}

func TestRuleCRUDAndOrdering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, err := s.InsertRule(ctx, "halo", "hi!", MatchContains, true)
	if err != nil {
		t.Fatal(err)
	}
	second, err := s.InsertRule(ctx, "price", "price list", MatchExact, false)
	if err != nil {
		t.Fatal(err)
	}

	rules, err := s.ListRules(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(rules) != 2 || rules[0].ID != second || rules[1].ID != first {
		t.Fatalf("expected newest-first ordering, got %+v", rules)
	}

	enabled, err := s.ListEnabledRules(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(enabled) != 1 || enabled[0].ID != first {
		t.Fatalf("expected only the enabled rule, got %+v", enabled)
	}

	if err := s.UpdateRule(ctx, second, "price", "updated reply", MatchExact, true); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetRule(ctx, second)
	if err != nil {
		t.Fatal(err)
	}
	if got.Reply != "updated reply" || !got.Enabled {
		t.Fatalf("update not applied: %+v", got)
	}

	if err := s.DeleteRule(ctx, second); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetRule(ctx, second); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	if err := s.DeleteRule(ctx, second); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on double delete, got %v", err)
	}
	if err := s.UpdateRule(ctx, 9999, "x", "y", MatchContains, true); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound updating missing rule, got %v", err)
	}
}

func TestScheduledLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	past, err := s.InsertScheduled(ctx, "111", "older", now.Add(-2*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	recent, err := s.InsertScheduled(ctx, "222", "newer", now.Add(-1*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.InsertScheduled(ctx, "333", "future", now.Add(time.Hour)); err != nil {
		t.Fatal(err)
	}

	due, err := s.ListDuePending(ctx, now)
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 2 || due[0].ID != past || due[1].ID != recent {
		t.Fatalf("expected oldest-due-first [%d %d], got %+v", past, recent, due)
	}

	sentAt := now
	if err := s.UpdateScheduledStatus(ctx, past, StatusSent, &sentAt, nil); err != nil {
		t.Fatal(err)
	}
	due, err = s.ListDuePending(ctx, now)
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 1 || due[0].ID != recent {
		t.Fatalf("sent row must leave the due set, got %+v", due)
	}

	// Terminal rows cannot transition again.
	reason := "late failure"
	if err := s.UpdateScheduledStatus(ctx, past, StatusFailed, nil, &reason); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound re-updating terminal row, got %v", err)
	}
	// Nor be deleted.
	if err := s.DeleteScheduled(ctx, past); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound deleting terminal row, got %v", err)
	}
	if err := s.DeleteScheduled(ctx, recent); err != nil {
		t.Fatalf("deleting pending row failed: %v", err)
	}

	all, err := s.ListScheduled(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 remaining rows, got %d", len(all))
	}
	for _, m := range all {
		if m.ID == past {
			if m.Status != StatusSent || m.SentAt == nil {
				t.Fatalf("expected sent row with sent_at, got %+v", m)
			}
		}
	}
}

func TestScheduledFailureRecordsReason(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.InsertScheduled(ctx, "111", "msg", time.Now().UTC())
	if err != nil {
		t.Fatal(err)
	}
	reason := "whatsapp client is not connected"
	if err := s.UpdateScheduledStatus(ctx, id, StatusFailed, nil, &reason); err != nil {
		t.Fatal(err)
	}

	all, err := s.ListScheduled(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 || all[0].Status != StatusFailed {
		t.Fatalf("expected failed row, got %+v", all)
	}
	if all[0].Error == nil || *all[0].Error != reason {
		t.Fatalf("expected recorded reason, got %+v", all[0].Error)
	}
	if all[0].SentAt != nil {
		t.Fatalf("failed row must not carry sent_at, got %v", all[0].SentAt)
	}
}

func TestLogsAndStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rows := []struct{ phone, direction, status string }{
		{"111", DirectionSent, LogStatusSent},
		{"222", DirectionSent, LogStatusFailed},
		{"333", DirectionReceived, LogStatusReceived},
	}
	for _, r := range rows {
		if err := s.AppendLog(ctx, r.phone, "body", r.direction, TypeText, r.status); err != nil {
			t.Fatal(err)
		}
	}

	logs, err := s.ListLogs(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(logs) != 2 || logs[0].Phone != "333" || logs[1].Phone != "222" {
		t.Fatalf("expected newest-first limited logs, got %+v", logs)
	}

	stats, err := s.LogStats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	want := LogStats{Total: 3, Sent: 2, Received: 1, Failed: 1}
	if *stats != want {
		t.Fatalf("expected stats %+v, got %+v", want, *stats)
	}
}

func TestSettingsRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	v, err := s.GetSetting(ctx, "missing_key")
	if err != nil || v != "" {
		t.Fatalf("expected empty value for missing key, got %q err=%v", v, err)
	}
	if err := s.SetSetting(ctx, SettingBulkDelayMS, "5000"); err != nil {
		t.Fatal(err)
	}
	v, err = s.GetSetting(ctx, SettingBulkDelayMS)
	if err != nil || v != "5000" {
		t.Fatalf("expected 5000, got %q err=%v", v, err)
	}
}
