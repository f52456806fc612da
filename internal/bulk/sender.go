package bulk

import (
	"context"
	"log/slog"
	"os"
	"strconv"
	"time"

	"wa-auto/internal/dispatch"
	"wa-auto/internal/metrics"
	"wa-auto/internal/store"
)

// DefaultDelay applies when no valid delay is supplied and the setting is
// missing or unparseable.
const DefaultDelay = 3 * time.Second

// Store is the persistence surface the bulk sender needs.
type Store interface {
	AppendLog(ctx context.Context, phone, message, direction, msgType, status string) error
	GetSetting(ctx context.Context, key string) (string, error)
}

// Dispatcher hands messages to the outbound send path.
type Dispatcher interface {
	Send(ctx context.Context, phone, message string, media *dispatch.Media) error
}

// Broadcaster pushes dashboard events.
type Broadcaster interface {
	Broadcast(event string, data any)
}

// Job describes one bulk send run. Recipients are attempted strictly in
// order, duplicates included, one per occurrence.
type Job struct {
	Phones    []string
	Message   string
	MediaPath string
	MediaName string
	Delay     time.Duration
}

// Progress is relayed after every attempt.
type Progress struct {
	Total     int    `json:"total"`
	Sent      int    `json:"sent"`
	Failed    int    `json:"failed"`
	Remaining int    `json:"remaining"`
	Current   string `json:"current"`
}

// Summary is relayed exactly once when a run finishes.
type Summary struct {
	Sent   int `json:"sent"`
	Failed int `json:"failed"`
	Total  int `json:"total"`
}

// Sender runs bulk jobs to completion after the triggering request has been
// acknowledged; outcomes are visible only through relay events and the
// message log.
type Sender struct {
	dispatcher Dispatcher
	store      Store
	relay      Broadcaster
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

// New creates a bulk Sender.
func New(dispatcher Dispatcher, jobStore Store, relay Broadcaster, m *metrics.Metrics, logger *slog.Logger) *Sender {
	return &Sender{
		dispatcher: dispatcher,
		store:      jobStore,
		relay:      relay,
		metrics:    m,
		logger:     logger.With("component", "bulk"),
	}
}

// ResolveDelay returns the job delay to use: the raw form value if it
// parses to a non-negative integer, else the bulk_delay_ms setting, else
// the built-in default.
func (s *Sender) ResolveDelay(ctx context.Context, raw string) time.Duration {
	if ms, err := strconv.Atoi(raw); err == nil && ms >= 0 {
		return time.Duration(ms) * time.Millisecond
	}
	if value, err := s.store.GetSetting(ctx, store.SettingBulkDelayMS); err == nil && value != "" {
		if ms, err := strconv.Atoi(value); err == nil && ms >= 0 {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return DefaultDelay
}

// Run processes the job sequentially. A failure on one recipient never
// aborts the rest; every attempt leaves exactly one durable log row (the
// dispatcher records successes, Run records failures).
func (s *Sender) Run(ctx context.Context, job Job) Summary {
	total := len(job.Phones)
	s.logger.Info("bulk run started", "total", total, "delay", job.Delay)
	if s.metrics != nil {
		s.metrics.BulkRuns.Inc()
	}

	var media *dispatch.Media
	msgType := store.TypeText
	logMsg := job.Message
	if job.MediaPath != "" {
		media = &dispatch.Media{Path: job.MediaPath, FileName: job.MediaName}
		msgType = store.TypeMedia
		if logMsg == "" {
			logMsg = "[media]"
		}
	}

	sent, failed := 0, 0
	for i, phone := range job.Phones {
		if err := s.dispatcher.Send(ctx, phone, job.Message, media); err != nil {
			failed++
			s.logger.Warn("bulk recipient failed", "phone", phone, "error", err)
			if s.metrics != nil {
				s.metrics.BulkMessages.WithLabelValues(store.StatusFailed).Inc()
			}
			if lerr := s.store.AppendLog(ctx, phone, logMsg, store.DirectionSent, msgType, store.LogStatusFailed); lerr != nil {
				s.logger.Error("failed recording bulk failure", "error", lerr, "phone", phone)
			}
		} else {
			sent++
			if s.metrics != nil {
				s.metrics.BulkMessages.WithLabelValues(store.StatusSent).Inc()
			}
		}

		s.broadcast("bulk_progress", Progress{
			Total:     total,
			Sent:      sent,
			Failed:    failed,
			Remaining: total - sent - failed,
			Current:   phone,
		})

		if i < total-1 && job.Delay > 0 {
			time.Sleep(job.Delay)
		}
	}

	if job.MediaPath != "" {
		if err := os.Remove(job.MediaPath); err != nil {
			s.logger.Warn("failed removing uploaded media", "error", err, "path", job.MediaPath)
		}
	}

	summary := Summary{Sent: sent, Failed: failed, Total: total}
	s.broadcast("bulk_complete", summary)
	s.logger.Info("bulk run complete", "sent", sent, "failed", failed, "total", total)
	return summary
}

func (s *Sender) broadcast(event string, data any) {
	if s.relay != nil {
		s.relay.Broadcast(event, data)
	}
}
