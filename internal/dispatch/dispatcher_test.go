package dispatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

type fakeClient struct {
	connected bool
	sendErr   error

	textTo   string
	textBody string
	mediaTo  string
	mediaMIM string
}

func (f *fakeClient) Connected() bool { return f.connected }

func (f *fakeClient) SendText(ctx context.Context, phone, text string) error {
	f.textTo = phone
	f.textBody = text
	return f.sendErr
}

func (f *fakeClient) SendMedia(ctx context.Context, phone, caption string, data []byte, mimeType, fileName string) error {
	f.mediaTo = phone
	f.mediaMIM = mimeType
	return f.sendErr
}

type logRow struct {
	phone, message, direction, msgType, status string
}

type fakeLogStore struct {
	rows []logRow
}

func (f *fakeLogStore) AppendLog(ctx context.Context, phone, message, direction, msgType, status string) error {
	f.rows = append(f.rows, logRow{phone, message, direction, msgType, status})
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSendNotConnected(t *testing.T) {
	client := &fakeClient{connected: false}
	logs := &fakeLogStore{}
	d := New(client, logs, nil, testLogger())

	err := d.Send(context.Background(), "628123", "halo", nil)
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	if len(logs.rows) != 0 {
		t.Fatalf("expected no log rows, got %d", len(logs.rows))
	}
}

func TestSendNormalizesPhoneAndLogsSuccess(t *testing.T) {
	client := &fakeClient{connected: true}
	logs := &fakeLogStore{}
	d := New(client, logs, nil, testLogger())

	if err := d.Send(context.Background(), "+62 812-3456", "halo", nil); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if client.textTo != "628123456" {
		t.Fatalf("expected digits-only phone, got %q", client.textTo)
	}
	if len(logs.rows) != 1 {
		t.Fatalf("expected one log row, got %d", len(logs.rows))
	}
	row := logs.rows[0]
	if row.phone != "628123456" || row.direction != "sent" || row.status != "sent" || row.msgType != "text" {
		t.Fatalf("unexpected log row: %+v", row)
	}
}

func TestSendFailureLeavesNoLogRow(t *testing.T) {
	client := &fakeClient{connected: true, sendErr: errors.New("boom")}
	logs := &fakeLogStore{}
	d := New(client, logs, nil, testLogger())

	if err := d.Send(context.Background(), "628123", "halo", nil); err == nil {
		t.Fatal("expected send error")
	}
	if len(logs.rows) != 0 {
		t.Fatalf("expected no log rows after failure, got %d", len(logs.rows))
	}
}

func TestSendRequiresMessageOrMedia(t *testing.T) {
	client := &fakeClient{connected: true}
	d := New(client, &fakeLogStore{}, nil, testLogger())

	if err := d.Send(context.Background(), "628123", "", nil); err == nil {
		t.Fatal("expected error for empty message without media")
	}
	if err := d.Send(context.Background(), "abc", "halo", nil); err == nil {
		t.Fatal("expected error for phone without digits")
	}
}

func TestSendMediaUsesCaptionAndPlaceholderLog(t *testing.T) {
	client := &fakeClient{connected: true}
	logs := &fakeLogStore{}
	d := New(client, logs, nil, testLogger())

	path := filepath.Join(t.TempDir(), "doc.txt")
	if err := os.WriteFile(path, []byte("attachment body"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := d.Send(context.Background(), "628123", "", &Media{Path: path, FileName: "doc.txt"}); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if client.mediaTo != "628123" {
		t.Fatalf("expected media send, got text to %q", client.textTo)
	}
	if len(logs.rows) != 1 {
		t.Fatalf("expected one log row, got %d", len(logs.rows))
	}
	if logs.rows[0].message != "[media]" || logs.rows[0].msgType != "media" {
		t.Fatalf("unexpected media log row: %+v", logs.rows[0])
	}
}
