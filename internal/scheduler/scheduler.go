package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"wa-auto/internal/dispatch"
	"wa-auto/internal/metrics"
	"wa-auto/internal/store"

	"github.com/robfig/cron/v3"
)

// ScheduleStore is the persistence surface the scheduler needs.
type ScheduleStore interface {
	ListDuePending(ctx context.Context, now time.Time) ([]store.ScheduledMessage, error)
	UpdateScheduledStatus(ctx context.Context, id int64, status string, sentAt *time.Time, errMsg *string) error
}

// Dispatcher hands due messages to the outbound send path.
type Dispatcher interface {
	Send(ctx context.Context, phone, message string, media *dispatch.Media) error
}

// Broadcaster pushes dashboard events.
type Broadcaster interface {
	Broadcast(event string, data any)
}

// Event is relayed to the dashboard after each terminal transition.
type Event struct {
	ID     int64  `json:"id"`
	Phone  string `json:"phone"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Scheduler polls the store on a cron cadence and dispatches due pending
// messages sequentially, oldest due first. Each row transitions
// pending→sent or pending→failed exactly once; failures are terminal.
type Scheduler struct {
	spec       string
	store      ScheduleStore
	dispatcher Dispatcher
	relay      Broadcaster
	metrics    *metrics.Metrics
	logger     *slog.Logger
	now        func() time.Time

	cron *cron.Cron
}

// New creates a Scheduler with the given cron spec (seconds field enabled).
func New(spec string, scheduleStore ScheduleStore, dispatcher Dispatcher, relay Broadcaster, m *metrics.Metrics, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		spec:       spec,
		store:      scheduleStore,
		dispatcher: dispatcher,
		relay:      relay,
		metrics:    m,
		logger:     logger.With("component", "scheduler"),
		now:        time.Now,
	}
}

// Start begins the polling loop. Overlapping ticks are skipped rather than
// stacked so a slow dispatch cannot pile up concurrent runs.
func (s *Scheduler) Start(ctx context.Context) error {
	c := cron.New(
		cron.WithSeconds(),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	if _, err := c.AddFunc(s.spec, func() { s.Tick(ctx) }); err != nil {
		return fmt.Errorf("schedule tick: %w", err)
	}
	c.Start()
	s.cron = c
	s.logger.Info("scheduler started", "spec", s.spec)
	return nil
}

// Stop halts the polling loop, waiting for a running tick to finish.
func (s *Scheduler) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
		s.logger.Info("scheduler stopped")
	}
}

// Tick queries due pending messages and dispatches them sequentially.
func (s *Scheduler) Tick(ctx context.Context) {
	due, err := s.store.ListDuePending(ctx, s.now())
	if err != nil {
		s.logger.Error("failed listing due messages", "error", err)
		if s.metrics != nil {
			s.metrics.Errors.WithLabelValues("scheduler").Inc()
		}
		return
	}

	for _, msg := range due {
		s.dispatchOne(ctx, msg)
	}
}

func (s *Scheduler) dispatchOne(ctx context.Context, msg store.ScheduledMessage) {
	if err := s.dispatcher.Send(ctx, msg.Phone, msg.Message, nil); err != nil {
		reason := err.Error()
		uerr := s.store.UpdateScheduledStatus(ctx, msg.ID, store.StatusFailed, nil, &reason)
		if errors.Is(uerr, store.ErrNotFound) {
			// Row was deleted or already terminal; nothing to report.
			return
		}
		if uerr != nil {
			s.logger.Error("failed marking scheduled message failed", "error", uerr, "id", msg.ID)
		}
		s.logger.Warn("scheduled message failed", "id", msg.ID, "phone", msg.Phone, "error", err)
		if s.metrics != nil {
			s.metrics.ScheduledDispatches.WithLabelValues(store.StatusFailed).Inc()
		}
		s.broadcast(Event{ID: msg.ID, Phone: msg.Phone, Status: store.StatusFailed, Error: reason})
		return
	}

	sentAt := s.now()
	uerr := s.store.UpdateScheduledStatus(ctx, msg.ID, store.StatusSent, &sentAt, nil)
	if errors.Is(uerr, store.ErrNotFound) {
		return
	}
	if uerr != nil {
		s.logger.Error("failed marking scheduled message sent", "error", uerr, "id", msg.ID)
	}
	s.logger.Info("scheduled message sent", "id", msg.ID, "phone", msg.Phone)
	if s.metrics != nil {
		s.metrics.ScheduledDispatches.WithLabelValues(store.StatusSent).Inc()
	}
	s.broadcast(Event{ID: msg.ID, Phone: msg.Phone, Status: store.StatusSent})
}

func (s *Scheduler) broadcast(evt Event) {
	if s.relay != nil {
		s.relay.Broadcast("scheduled_sent", evt)
	}
}
