package autoreply

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"testing"
	"time"

	"wa-auto/internal/dispatch"
	"wa-auto/internal/store"
	"wa-auto/internal/wa"
)

type memStore struct {
	nextID   int64
	rules    map[int64]store.AutoReplyRule
	settings map[string]string
	logs     []store.MessageLog
}

func newMemStore() *memStore {
	return &memStore{
		nextID:   1,
		rules:    make(map[int64]store.AutoReplyRule),
		settings: map[string]string{store.SettingAutoReplyEnabled: "1"},
	}
}

func (m *memStore) listSorted() []store.AutoReplyRule {
	var out []store.AutoReplyRule
	for _, r := range m.rules {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out
}

func (m *memStore) ListRules(ctx context.Context) ([]store.AutoReplyRule, error) {
	return m.listSorted(), nil
}

func (m *memStore) ListEnabledRules(ctx context.Context) ([]store.AutoReplyRule, error) {
	var out []store.AutoReplyRule
	for _, r := range m.listSorted() {
		if r.Enabled {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memStore) GetRule(ctx context.Context, id int64) (*store.AutoReplyRule, error) {
	r, ok := m.rules[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &r, nil
}

func (m *memStore) InsertRule(ctx context.Context, keyword, reply, matchMode string, enabled bool) (int64, error) {
	id := m.nextID
	m.nextID++
	m.rules[id] = store.AutoReplyRule{ID: id, Keyword: keyword, Reply: reply, MatchMode: matchMode, Enabled: enabled}
	return id, nil
}

func (m *memStore) UpdateRule(ctx context.Context, id int64, keyword, reply, matchMode string, enabled bool) error {
	if _, ok := m.rules[id]; !ok {
		return store.ErrNotFound
	}
	m.rules[id] = store.AutoReplyRule{ID: id, Keyword: keyword, Reply: reply, MatchMode: matchMode, Enabled: enabled}
	return nil
}

func (m *memStore) DeleteRule(ctx context.Context, id int64) error {
	if _, ok := m.rules[id]; !ok {
		return store.ErrNotFound
	}
	delete(m.rules, id)
	return nil
}

func (m *memStore) GetSetting(ctx context.Context, key string) (string, error) {
	return m.settings[key], nil
}

func (m *memStore) SetSetting(ctx context.Context, key, value string) error {
	m.settings[key] = value
	return nil
}

func (m *memStore) AppendLog(ctx context.Context, phone, message, direction, msgType, status string) error {
	m.logs = append(m.logs, store.MessageLog{Phone: phone, Message: message, Direction: direction, Type: msgType, Status: status})
	return nil
}

type fakeDispatcher struct {
	sent []string
	err  error
}

func (f *fakeDispatcher) Send(ctx context.Context, phone, message string, media *dispatch.Media) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, phone+"|"+message)
	return nil
}

type fakeRelay struct {
	events []string
}

func (f *fakeRelay) Broadcast(event string, data any) {
	f.events = append(f.events, event)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestMatcher(t *testing.T, db *memStore, d *fakeDispatcher, r *fakeRelay) *Matcher {
	t.Helper()
	var relay Broadcaster
	if r != nil {
		relay = r
	}
	m := New(db, d, relay, nil, testLogger())
	if err := m.Reload(context.Background()); err != nil {
		t.Fatalf("reload: %v", err)
	}
	return m
}

func TestFindMatchDisabledGlobally(t *testing.T) {
	db := newMemStore()
	db.settings[store.SettingAutoReplyEnabled] = "0"
	m := newTestMatcher(t, db, &fakeDispatcher{}, nil)

	if _, err := m.AddRule(context.Background(), "halo", "hi!", ""); err != nil {
		t.Fatal(err)
	}
	if got := m.FindMatch("halo"); got != nil {
		t.Fatalf("expected no match while disabled, got rule %d", got.ID)
	}
}

func TestFindMatchModes(t *testing.T) {
	db := newMemStore()
	m := newTestMatcher(t, db, &fakeDispatcher{}, nil)
	ctx := context.Background()

	if _, err := m.AddRule(ctx, "Price", "our price list", store.MatchExact); err != nil {
		t.Fatal(err)
	}
	if _, err := m.AddRule(ctx, "help", "how can we help?", store.MatchContains); err != nil {
		t.Fatal(err)
	}

	if got := m.FindMatch("  PRICE "); got == nil || got.Reply != "our price list" {
		t.Fatalf("exact match with trim/case failed: %+v", got)
	}
	// Exact rules do not fire on partial text.
	if got := m.FindMatch("price today"); got != nil {
		t.Fatalf("expected no match for partial exact keyword, got %+v", got)
	}
	if got := m.FindMatch("I need some help please"); got == nil || got.Reply != "how can we help?" {
		t.Fatalf("contains match failed: %+v", got)
	}
}

func TestFindMatchFirstWins(t *testing.T) {
	db := newMemStore()
	m := newTestMatcher(t, db, &fakeDispatcher{}, nil)
	ctx := context.Background()

	if _, err := m.AddRule(ctx, "order", "older rule", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := m.AddRule(ctx, "order", "newer rule", ""); err != nil {
		t.Fatal(err)
	}

	got := m.FindMatch("I want to order")
	if got == nil || got.Reply != "newer rule" {
		t.Fatalf("expected newest rule to win, got %+v", got)
	}
}

func TestProcessIncomingLogsRelaysAndReplies(t *testing.T) {
	db := newMemStore()
	d := &fakeDispatcher{}
	relay := &fakeRelay{}
	m := newTestMatcher(t, db, d, relay)
	ctx := context.Background()

	if _, err := m.AddRule(ctx, "hi", "hello there!", ""); err != nil {
		t.Fatal(err)
	}

	m.ProcessIncoming(ctx, wa.Incoming{
		From:      "628123",
		Body:      "hi there",
		Timestamp: time.Now(),
	})

	if len(db.logs) != 1 {
		t.Fatalf("expected one inbound log row, got %d", len(db.logs))
	}
	if db.logs[0].Direction != store.DirectionReceived || db.logs[0].Status != store.LogStatusReceived {
		t.Fatalf("unexpected inbound log row: %+v", db.logs[0])
	}
	if len(relay.events) != 1 || relay.events[0] != "message_received" {
		t.Fatalf("expected message_received event, got %v", relay.events)
	}
	if len(d.sent) != 1 || d.sent[0] != "628123|hello there!" {
		t.Fatalf("expected dispatched reply, got %v", d.sent)
	}
}

func TestProcessIncomingSkipsGroups(t *testing.T) {
	db := newMemStore()
	d := &fakeDispatcher{}
	m := newTestMatcher(t, db, d, nil)
	ctx := context.Background()

	if _, err := m.AddRule(ctx, "hi", "hello there!", ""); err != nil {
		t.Fatal(err)
	}

	m.ProcessIncoming(ctx, wa.Incoming{From: "628123", Body: "hi", IsGroup: true, Timestamp: time.Now()})

	if len(db.logs) != 1 {
		t.Fatalf("group messages are still logged, got %d rows", len(db.logs))
	}
	if len(d.sent) != 0 {
		t.Fatalf("expected no reply in group chat, got %v", d.sent)
	}
}

func TestProcessIncomingSendFailureIsSwallowed(t *testing.T) {
	db := newMemStore()
	d := &fakeDispatcher{err: errors.New("link down")}
	m := newTestMatcher(t, db, d, nil)
	ctx := context.Background()

	if _, err := m.AddRule(ctx, "hi", "hello there!", ""); err != nil {
		t.Fatal(err)
	}
	// Must not panic or surface the dispatch error.
	m.ProcessIncoming(ctx, wa.Incoming{From: "628123", Body: "hi", Timestamp: time.Now()})
}

func TestRuleMutationsReloadCache(t *testing.T) {
	db := newMemStore()
	m := newTestMatcher(t, db, &fakeDispatcher{}, nil)
	ctx := context.Background()

	id, err := m.AddRule(ctx, "promo", "promo reply", "")
	if err != nil {
		t.Fatal(err)
	}
	if m.FindMatch("promo") == nil {
		t.Fatal("expected match after add")
	}

	disabled := false
	if err := m.UpdateRule(ctx, id, nil, nil, nil, &disabled); err != nil {
		t.Fatal(err)
	}
	if m.FindMatch("promo") != nil {
		t.Fatal("expected no match after disabling the rule")
	}

	enabled := true
	if err := m.UpdateRule(ctx, id, nil, nil, nil, &enabled); err != nil {
		t.Fatal(err)
	}
	if err := m.DeleteRule(ctx, id); err != nil {
		t.Fatal(err)
	}
	if m.FindMatch("promo") != nil {
		t.Fatal("expected no match after delete")
	}
}

func TestAddRuleValidation(t *testing.T) {
	db := newMemStore()
	m := newTestMatcher(t, db, &fakeDispatcher{}, nil)
	ctx := context.Background()

	if _, err := m.AddRule(ctx, "", "reply", ""); !errors.Is(err, ErrInvalidRule) {
		t.Fatalf("expected ErrInvalidRule for empty keyword, got %v", err)
	}
	if _, err := m.AddRule(ctx, "kw", "reply", "fuzzy"); !errors.Is(err, ErrInvalidRule) {
		t.Fatalf("expected ErrInvalidRule for bad mode, got %v", err)
	}
}

func TestSetEnabledPersists(t *testing.T) {
	db := newMemStore()
	m := newTestMatcher(t, db, &fakeDispatcher{}, nil)
	ctx := context.Background()

	if err := m.SetEnabled(ctx, false); err != nil {
		t.Fatal(err)
	}
	if m.Enabled() {
		t.Fatal("expected matcher disabled")
	}
	if db.settings[store.SettingAutoReplyEnabled] != "0" {
		t.Fatalf("expected setting persisted as 0, got %q", db.settings[store.SettingAutoReplyEnabled])
	}
}
