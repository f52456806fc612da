package autoreply

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"wa-auto/internal/dispatch"
	"wa-auto/internal/metrics"
	"wa-auto/internal/store"
	"wa-auto/internal/wa"
)

// ErrInvalidRule is returned when a rule mutation carries bad fields.
var ErrInvalidRule = errors.New("keyword and reply are required and match mode must be contains or exact")

// RuleStore is the persistence surface the matcher needs.
type RuleStore interface {
	ListRules(ctx context.Context) ([]store.AutoReplyRule, error)
	ListEnabledRules(ctx context.Context) ([]store.AutoReplyRule, error)
	GetRule(ctx context.Context, id int64) (*store.AutoReplyRule, error)
	InsertRule(ctx context.Context, keyword, reply, matchMode string, enabled bool) (int64, error)
	UpdateRule(ctx context.Context, id int64, keyword, reply, matchMode string, enabled bool) error
	DeleteRule(ctx context.Context, id int64) error
	GetSetting(ctx context.Context, key string) (string, error)
	SetSetting(ctx context.Context, key, value string) error
	AppendLog(ctx context.Context, phone, message, direction, msgType, status string) error
}

// Dispatcher hands replies to the outbound send path.
type Dispatcher interface {
	Send(ctx context.Context, phone, message string, media *dispatch.Media) error
}

// Broadcaster pushes dashboard events.
type Broadcaster interface {
	Broadcast(event string, data any)
}

// Matcher holds the cached enabled rules and the enabled flag. The cache is
// reloaded in full from the store after every mutation, never patched in
// place.
type Matcher struct {
	store      RuleStore
	dispatcher Dispatcher
	relay      Broadcaster
	metrics    *metrics.Metrics
	logger     *slog.Logger

	mu      sync.RWMutex
	rules   []store.AutoReplyRule
	enabled bool
}

// New creates a Matcher. Call Reload before serving traffic.
func New(ruleStore RuleStore, dispatcher Dispatcher, relay Broadcaster, m *metrics.Metrics, logger *slog.Logger) *Matcher {
	return &Matcher{
		store:      ruleStore,
		dispatcher: dispatcher,
		relay:      relay,
		metrics:    m,
		logger:     logger.With("component", "autoreply"),
		enabled:    true,
	}
}

// Reload replaces the cached enabled rules and the enabled flag from the store.
func (m *Matcher) Reload(ctx context.Context) error {
	rules, err := m.store.ListEnabledRules(ctx)
	if err != nil {
		return fmt.Errorf("reload rules: %w", err)
	}
	setting, err := m.store.GetSetting(ctx, store.SettingAutoReplyEnabled)
	if err != nil {
		return fmt.Errorf("reload enabled flag: %w", err)
	}
	enabled := setting != "0"

	m.mu.Lock()
	m.rules = rules
	m.enabled = enabled
	m.mu.Unlock()
	return nil
}

// Enabled reports the cached global enabled flag.
func (m *Matcher) Enabled() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.enabled
}

// SetEnabled persists the global flag and reloads the cache.
func (m *Matcher) SetEnabled(ctx context.Context, enabled bool) error {
	value := "0"
	if enabled {
		value = "1"
	}
	if err := m.store.SetSetting(ctx, store.SettingAutoReplyEnabled, value); err != nil {
		return err
	}
	return m.Reload(ctx)
}

// FindMatch returns the first cached rule matching text, or nil. Rules are
// scanned in cache order (most recently created first). Matching is
// case-insensitive on trimmed text.
func (m *Matcher) FindMatch(text string) *store.AutoReplyRule {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if !m.enabled || text == "" {
		return nil
	}

	body := strings.ToLower(strings.TrimSpace(text))
	if body == "" {
		return nil
	}

	for i := range m.rules {
		rule := &m.rules[i]
		keyword := strings.ToLower(strings.TrimSpace(rule.Keyword))
		if rule.MatchMode == store.MatchExact {
			if body == keyword {
				return rule
			}
		} else if strings.Contains(body, keyword) {
			return rule
		}
	}
	return nil
}

// Rules lists all rules (enabled and disabled) for the dashboard.
func (m *Matcher) Rules(ctx context.Context) ([]store.AutoReplyRule, error) {
	return m.store.ListRules(ctx)
}

// AddRule inserts an enabled rule and reloads the cache.
func (m *Matcher) AddRule(ctx context.Context, keyword, reply, matchMode string) (int64, error) {
	if matchMode == "" {
		matchMode = store.MatchContains
	}
	if keyword == "" || reply == "" || !validMode(matchMode) {
		return 0, ErrInvalidRule
	}
	id, err := m.store.InsertRule(ctx, keyword, reply, matchMode, true)
	if err != nil {
		return 0, err
	}
	return id, m.Reload(ctx)
}

// UpdateRule applies a partial update on top of the stored rule and reloads
// the cache. Nil fields keep their current value.
func (m *Matcher) UpdateRule(ctx context.Context, id int64, keyword, reply, matchMode *string, enabled *bool) error {
	existing, err := m.store.GetRule(ctx, id)
	if err != nil {
		return err
	}
	if keyword != nil {
		existing.Keyword = *keyword
	}
	if reply != nil {
		existing.Reply = *reply
	}
	if matchMode != nil {
		existing.MatchMode = *matchMode
	}
	if enabled != nil {
		existing.Enabled = *enabled
	}
	if existing.Keyword == "" || existing.Reply == "" || !validMode(existing.MatchMode) {
		return ErrInvalidRule
	}
	if err := m.store.UpdateRule(ctx, id, existing.Keyword, existing.Reply, existing.MatchMode, existing.Enabled); err != nil {
		return err
	}
	return m.Reload(ctx)
}

// DeleteRule removes a rule and reloads the cache.
func (m *Matcher) DeleteRule(ctx context.Context, id int64) error {
	if err := m.store.DeleteRule(ctx, id); err != nil {
		return err
	}
	return m.Reload(ctx)
}

// ProcessIncoming records the inbound message, relays it to the dashboard,
// and dispatches the first matching auto-reply. A failed reply is noted in
// the log output only; automated replies are not user-facing.
func (m *Matcher) ProcessIncoming(ctx context.Context, msg wa.Incoming) {
	msgType := store.TypeText
	if msg.HasMedia {
		msgType = store.TypeMedia
	}
	if err := m.store.AppendLog(ctx, msg.From, msg.Body, store.DirectionReceived, msgType, store.LogStatusReceived); err != nil {
		m.logger.Error("failed recording inbound message", "error", err, "from", msg.From)
		if m.metrics != nil {
			m.metrics.Errors.WithLabelValues("autoreply").Inc()
		}
	}
	if m.relay != nil {
		m.relay.Broadcast("message_received", map[string]any{
			"from":      msg.From,
			"body":      msg.Body,
			"timestamp": msg.Timestamp.Unix(),
		})
	}

	if msg.IsGroup {
		return
	}

	rule := m.FindMatch(msg.Body)
	if rule == nil {
		return
	}
	if m.metrics != nil {
		m.metrics.AutoReplyMatches.Inc()
	}
	m.logger.Info("auto-reply matched", "rule_id", rule.ID, "keyword", rule.Keyword, "to", msg.From)

	if err := m.dispatcher.Send(ctx, msg.From, rule.Reply, nil); err != nil {
		m.logger.Error("auto-reply send failed", "error", err, "rule_id", rule.ID, "to", msg.From)
		if m.metrics != nil {
			m.metrics.Errors.WithLabelValues("autoreply").Inc()
		}
	}
}

func validMode(mode string) bool {
	return mode == store.MatchContains || mode == store.MatchExact
}
