package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"wa-auto/internal/metrics"
	"wa-auto/internal/store"
)

// ErrNotConnected is returned when a dispatch is attempted while the
// WhatsApp link is down. The attempt is not retried and not queued.
var ErrNotConnected = errors.New("whatsapp client is not connected")

// ProtocolClient is the outbound surface of the WhatsApp client.
type ProtocolClient interface {
	Connected() bool
	SendText(ctx context.Context, phone, text string) error
	SendMedia(ctx context.Context, phone, caption string, data []byte, mimeType, fileName string) error
}

// LogStore records message log rows.
type LogStore interface {
	AppendLog(ctx context.Context, phone, message, direction, msgType, status string) error
}

// Media references an attachment on local disk.
type Media struct {
	Path     string
	MimeType string
	FileName string
}

// Dispatcher is the single outbound send path. The scheduler, bulk sender,
// auto-reply matcher and the single-send endpoint all go through it; a
// mutex serializes calls into the protocol client, which is not safe for
// concurrent invocation.
//
// Send appends a log row only for successful attempts. Callers that need a
// durable record of failures log those themselves.
type Dispatcher struct {
	mu      sync.Mutex
	client  ProtocolClient
	store   LogStore
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// New creates a Dispatcher on top of the protocol client and log store.
func New(client ProtocolClient, logStore LogStore, m *metrics.Metrics, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		client:  client,
		store:   logStore,
		metrics: m,
		logger:  logger.With("component", "dispatch"),
	}
}

// Send delivers one message to one recipient. The phone is reduced to its
// digits; message may be empty only when media is present.
func (d *Dispatcher) Send(ctx context.Context, phone, message string, media *Media) error {
	digits := normalizePhone(phone)
	if digits == "" {
		return fmt.Errorf("invalid phone %q", phone)
	}
	if message == "" && media == nil {
		return errors.New("message is required when no media is attached")
	}

	if !d.client.Connected() {
		if d.metrics != nil {
			d.metrics.DispatchFailures.WithLabelValues("not_connected").Inc()
		}
		return ErrNotConnected
	}

	logMsg := message
	msgType := store.TypeText

	d.mu.Lock()
	defer d.mu.Unlock()

	if media != nil {
		msgType = store.TypeMedia
		if logMsg == "" {
			logMsg = "[media]"
		}
		data, err := os.ReadFile(media.Path)
		if err != nil {
			return fmt.Errorf("read media: %w", err)
		}
		mimeType := media.MimeType
		if mimeType == "" {
			mimeType = http.DetectContentType(data)
		}
		fileName := media.FileName
		if fileName == "" {
			fileName = filepath.Base(media.Path)
		}
		if err := d.client.SendMedia(ctx, digits, message, data, mimeType, fileName); err != nil {
			if d.metrics != nil {
				d.metrics.DispatchFailures.WithLabelValues("send").Inc()
			}
			return fmt.Errorf("dispatch media to %s: %w", digits, err)
		}
	} else {
		if err := d.client.SendText(ctx, digits, message); err != nil {
			if d.metrics != nil {
				d.metrics.DispatchFailures.WithLabelValues("send").Inc()
			}
			return fmt.Errorf("dispatch text to %s: %w", digits, err)
		}
	}

	if err := d.store.AppendLog(ctx, digits, logMsg, store.DirectionSent, msgType, store.LogStatusSent); err != nil {
		return fmt.Errorf("record sent log: %w", err)
	}
	return nil
}

func normalizePhone(phone string) string {
	var b strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
