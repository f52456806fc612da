package wa

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"wa-auto/internal/metrics"

	"github.com/mdp/qrterminal/v3"
	qrcode "github.com/skip2/go-qrcode"
	"go.mau.fi/whatsmeow"
	waProto "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"
	_ "modernc.org/sqlite"
)

// Connection states mirrored to the dashboard.
const (
	StatusDisconnected = "disconnected"
	StatusQR           = "qr"
	StatusConnected    = "connected"
)

// Config holds configuration to initialise the WhatsApp client.
type Config struct {
	StorePath string
	LogLevel  string
	Metrics   *metrics.Metrics
}

// Broadcaster pushes lifecycle events to connected dashboard sessions.
type Broadcaster interface {
	Broadcast(event string, data any)
}

// MessageProcessor handles inbound WhatsApp messages.
type MessageProcessor interface {
	ProcessIncoming(ctx context.Context, msg Incoming)
}

// Incoming is a normalized inbound message.
type Incoming struct {
	From      string // sender phone, digits only
	Chat      string // chat JID string
	Body      string
	HasMedia  bool
	IsGroup   bool
	Timestamp time.Time
}

// DeviceInfo identifies the paired WhatsApp account.
type DeviceInfo struct {
	Pushname string `json:"pushname"`
	Phone    string `json:"phone"`
	Platform string `json:"platform"`
}

// Snapshot is the last-known connection state pushed to the dashboard.
type Snapshot struct {
	Status string      `json:"status"`
	Info   *DeviceInfo `json:"info,omitempty"`
	Error  string      `json:"error,omitempty"`
}

// Contact is an address book entry on the paired account.
type Contact struct {
	JID      string `json:"id"`
	Name     string `json:"name"`
	Number   string `json:"number"`
	Pushname string `json:"pushname"`
}

// Group is a joined group chat.
type Group struct {
	JID              string `json:"id"`
	Name             string `json:"name"`
	ParticipantCount int    `json:"participant_count"`
}

// NumberCheck reports whether a phone number is registered on WhatsApp.
type NumberCheck struct {
	Registered bool   `json:"registered"`
	JID        string `json:"jid,omitempty"`
}

// Client wraps the WhatsMeow client and tracks the connection snapshot.
type Client struct {
	client    *whatsmeow.Client
	logger    *slog.Logger
	metrics   *metrics.Metrics
	relay     Broadcaster
	processor MessageProcessor

	mu      sync.RWMutex
	status  string
	info    *DeviceInfo
	lastErr string
}

// New creates a new WhatsApp client instance backed by an SQLite store.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Client, error) {
	if cfg.StorePath == "" {
		return nil, errors.New("store path is required")
	}

	if err := ensureDir(filepath.Dir(cfg.StorePath)); err != nil {
		return nil, fmt.Errorf("ensure store dir: %w", err)
	}

	storeLogger := waLog.Stdout("whatsmeow/sqlstore", cfg.LogLevel, true)
	container, err := sqlstore.New(ctx, "sqlite", fmt.Sprintf("file:%s?_pragma=busy_timeout=10000&_pragma=foreign_keys(ON)", cfg.StorePath), storeLogger)
	if err != nil {
		return nil, fmt.Errorf("create sqlstore: %w", err)
	}

	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("get device: %w", err)
	}

	waLogger := waLog.Stdout("whatsmeow/client", cfg.LogLevel, true)
	client := whatsmeow.NewClient(deviceStore, waLogger)

	wc := &Client{
		client:  client,
		logger:  logger.With("component", "wa"),
		metrics: cfg.Metrics,
		status:  StatusDisconnected,
	}
	client.AddEventHandler(wc.handleEvent)

	return wc, nil
}

// SetBroadcaster registers the dashboard event sink.
func (c *Client) SetBroadcaster(b Broadcaster) {
	c.relay = b
}

// SetMessageProcessor registers the inbound message processor.
func (c *Client) SetMessageProcessor(p MessageProcessor) {
	c.processor = p
}

// Start connects the client and handles the login/QR pairing flow.
func (c *Client) Start(ctx context.Context) error {
	if c.client.Store.ID == nil {
		c.logger.Info("pairing required, waiting for QR scan")
		qrChan, err := c.client.GetQRChannel(ctx)
		if err != nil {
			return fmt.Errorf("get qr channel: %w", err)
		}
		go c.pumpQR(qrChan)
	}

	if err := c.client.Connect(); err != nil {
		c.setStatus(StatusDisconnected, nil, err.Error())
		c.broadcastStatus()
		return fmt.Errorf("connect wa client: %w", err)
	}

	return nil
}

func (c *Client) pumpQR(qrChan <-chan whatsmeow.QRChannelItem) {
	for evt := range qrChan {
		switch evt.Event {
		case "code":
			c.logger.Info("qr code received, relaying to dashboard")
			qrterminal.GenerateHalfBlock(evt.Code, qrterminal.L, os.Stdout)
			c.setStatus(StatusQR, nil, "")
			if dataURL, err := qrDataURL(evt.Code); err != nil {
				c.logger.Error("qr png encode failed", "error", err)
			} else {
				c.broadcast("qr", map[string]string{"dataUrl": dataURL})
			}
			c.broadcastStatus()
		case whatsmeow.QRChannelSuccess.Event:
			c.logger.Info("qr pairing succeeded")
		default:
			c.logger.Warn("qr pairing ended", "event", evt.Event)
			c.setStatus(StatusDisconnected, nil, "pairing "+evt.Event)
			c.broadcastStatus()
		}
	}
}

func qrDataURL(code string) (string, error) {
	png, err := qrcode.Encode(code, qrcode.Medium, 300)
	if err != nil {
		return "", fmt.Errorf("encode qr: %w", err)
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}

// Close disconnects the WhatsApp client.
func (c *Client) Close() {
	if c.client != nil {
		c.client.Disconnect()
	}
}

// Connected reports whether the link is up and paired.
func (c *Client) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status == StatusConnected
}

// Status returns the last-known connection snapshot.
func (c *Client) Status() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	snap := Snapshot{Status: c.status, Error: c.lastErr}
	if c.info != nil {
		info := *c.info
		snap.Info = &info
	}
	return snap
}

func (c *Client) setStatus(status string, info *DeviceInfo, errMsg string) {
	c.mu.Lock()
	c.status = status
	c.info = info
	c.lastErr = errMsg
	c.mu.Unlock()
}

func (c *Client) broadcast(event string, data any) {
	if c.relay != nil {
		c.relay.Broadcast(event, data)
	}
}

func (c *Client) broadcastStatus() {
	c.broadcast("status", c.Status())
}

func (c *Client) handleEvent(evt interface{}) {
	switch v := evt.(type) {
	case *events.Connected:
		info := c.deviceInfo()
		c.setStatus(StatusConnected, info, "")
		c.logger.Info("device connected", "pushname", info.Pushname, "phone", info.Phone)
		c.broadcastStatus()
		c.broadcast("ready", info)
	case *events.PairSuccess:
		c.logger.Info("device paired", "jid", v.ID.String())
	case *events.Disconnected:
		c.logger.Warn("device disconnected")
		c.setStatus(StatusDisconnected, nil, "")
		c.broadcastStatus()
	case *events.StreamReplaced:
		c.logger.Warn("stream replaced by another session")
		c.setStatus(StatusDisconnected, nil, "stream replaced")
		c.broadcastStatus()
	case *events.LoggedOut:
		reason := v.Reason.String()
		c.logger.Error("device logged out remotely", "reason", reason)
		c.setStatus(StatusDisconnected, nil, "logged out: "+reason)
		c.broadcastStatus()
		c.broadcast("auth_failure", map[string]string{"reason": reason})
	case *events.Message:
		c.handleMessage(v)
	}
}

func (c *Client) deviceInfo() *DeviceInfo {
	info := &DeviceInfo{
		Pushname: c.client.Store.PushName,
		Platform: c.client.Store.Platform,
	}
	if c.client.Store.ID != nil {
		info.Phone = c.client.Store.ID.User
	}
	return info
}

func (c *Client) handleMessage(evt *events.Message) {
	msg := evt.Message
	if msg == nil || evt.Info.IsFromMe {
		return
	}
	if evt.Info.Chat == types.StatusBroadcastJID {
		return
	}

	body, hasMedia := extractBody(msg)

	msgType := "text"
	if hasMedia {
		msgType = "media"
	}
	if c.metrics != nil {
		c.metrics.WAIncomingMessages.WithLabelValues(msgType).Inc()
	}

	if c.processor == nil {
		return
	}

	incoming := Incoming{
		From:      digitsOnly(evt.Info.Sender.User),
		Chat:      evt.Info.Chat.String(),
		Body:      body,
		HasMedia:  hasMedia,
		IsGroup:   evt.Info.IsGroup,
		Timestamp: evt.Info.Timestamp,
	}
	go c.processor.ProcessIncoming(context.Background(), incoming)
}

func extractBody(msg *waProto.Message) (body string, hasMedia bool) {
	switch {
	case msg.GetConversation() != "":
		body = msg.GetConversation()
	case msg.ExtendedTextMessage != nil:
		body = msg.GetExtendedTextMessage().GetText()
	case msg.ImageMessage != nil:
		body = msg.GetImageMessage().GetCaption()
		hasMedia = true
	case msg.VideoMessage != nil:
		body = msg.GetVideoMessage().GetCaption()
		hasMedia = true
	case msg.DocumentMessage != nil:
		body = msg.GetDocumentMessage().GetCaption()
		hasMedia = true
	case msg.AudioMessage != nil:
		hasMedia = true
	case msg.StickerMessage != nil:
		hasMedia = true
	}
	return body, hasMedia
}

// SendText sends a text message to the given phone number (digits only).
func (c *Client) SendText(ctx context.Context, phone, text string) error {
	to := toUserJID(phone)
	message := &waProto.Message{Conversation: proto.String(text)}
	if _, err := c.client.SendMessage(ctx, to, message); err != nil {
		return fmt.Errorf("send text: %w", err)
	}
	if c.metrics != nil {
		c.metrics.WAOutgoingMessages.WithLabelValues("text").Inc()
	}
	return nil
}

// SendMedia uploads and sends a media attachment. Images become image
// messages with an optional caption; everything else is sent as a document.
func (c *Client) SendMedia(ctx context.Context, phone, caption string, data []byte, mimeType, fileName string) error {
	if len(data) == 0 {
		return errors.New("send media: empty data")
	}
	if mimeType == "" {
		mimeType = http.DetectContentType(data)
	}
	to := toUserJID(phone)

	var message *waProto.Message
	if strings.HasPrefix(mimeType, "image/") {
		uploadResp, err := c.client.Upload(ctx, data, whatsmeow.MediaImage)
		if err != nil {
			return fmt.Errorf("upload image: %w", err)
		}
		imageMsg := &waProto.ImageMessage{
			URL:           proto.String(uploadResp.URL),
			DirectPath:    proto.String(uploadResp.DirectPath),
			MediaKey:      uploadResp.MediaKey,
			FileEncSHA256: uploadResp.FileEncSHA256,
			FileSHA256:    uploadResp.FileSHA256,
			FileLength:    proto.Uint64(uploadResp.FileLength),
			Mimetype:      proto.String(mimeType),
		}
		if caption != "" {
			imageMsg.Caption = proto.String(caption)
		}
		message = &waProto.Message{ImageMessage: imageMsg}
	} else {
		uploadResp, err := c.client.Upload(ctx, data, whatsmeow.MediaDocument)
		if err != nil {
			return fmt.Errorf("upload document: %w", err)
		}
		docMsg := &waProto.DocumentMessage{
			URL:           proto.String(uploadResp.URL),
			DirectPath:    proto.String(uploadResp.DirectPath),
			MediaKey:      uploadResp.MediaKey,
			FileEncSHA256: uploadResp.FileEncSHA256,
			FileSHA256:    uploadResp.FileSHA256,
			FileLength:    proto.Uint64(uploadResp.FileLength),
			Mimetype:      proto.String(mimeType),
			FileName:      proto.String(fileName),
		}
		if caption != "" {
			docMsg.Caption = proto.String(caption)
		}
		message = &waProto.Message{DocumentMessage: docMsg}
	}

	if _, err := c.client.SendMessage(ctx, to, message); err != nil {
		return fmt.Errorf("send media: %w", err)
	}
	if c.metrics != nil {
		c.metrics.WAOutgoingMessages.WithLabelValues("media").Inc()
	}
	return nil
}

// Logout unpairs the device and clears the local session.
func (c *Client) Logout(ctx context.Context) error {
	if c.client.Store.ID != nil {
		if err := c.client.Logout(ctx); err != nil {
			// Remote logout can fail when the link is already down; drop the
			// local session so the next start pairs fresh.
			c.logger.Warn("remote logout failed, deleting local session", "error", err)
			c.client.Disconnect()
			if derr := c.client.Store.Delete(ctx); derr != nil {
				return fmt.Errorf("delete session store: %w", derr)
			}
		}
	}
	c.setStatus(StatusDisconnected, nil, "")
	c.broadcastStatus()
	return nil
}

// Contacts lists saved address book entries on the paired account.
func (c *Client) Contacts(ctx context.Context) ([]Contact, error) {
	all, err := c.client.Store.Contacts.GetAllContacts(ctx)
	if err != nil {
		return nil, fmt.Errorf("get contacts: %w", err)
	}
	contacts := make([]Contact, 0, len(all))
	for jid, info := range all {
		if jid.Server != types.DefaultUserServer {
			continue
		}
		name := info.FullName
		if name == "" {
			name = info.PushName
		}
		if name == "" {
			name = jid.User
		}
		contacts = append(contacts, Contact{
			JID:      jid.String(),
			Name:     name,
			Number:   jid.User,
			Pushname: info.PushName,
		})
	}
	return contacts, nil
}

// Groups lists joined group chats.
func (c *Client) Groups(ctx context.Context) ([]Group, error) {
	joined, err := c.client.GetJoinedGroups(ctx)
	if err != nil {
		return nil, fmt.Errorf("get joined groups: %w", err)
	}
	groups := make([]Group, 0, len(joined))
	for _, g := range joined {
		groups = append(groups, Group{
			JID:              g.JID.String(),
			Name:             g.Name,
			ParticipantCount: len(g.Participants),
		})
	}
	return groups, nil
}

// CheckNumber reports whether a phone number is registered on WhatsApp.
func (c *Client) CheckNumber(ctx context.Context, phone string) (*NumberCheck, error) {
	digits := digitsOnly(phone)
	if digits == "" {
		return nil, errors.New("phone must contain digits")
	}
	resp, err := c.client.IsOnWhatsApp([]string{"+" + digits})
	if err != nil {
		return nil, fmt.Errorf("is on whatsapp: %w", err)
	}
	if len(resp) == 0 {
		return &NumberCheck{}, nil
	}
	check := &NumberCheck{Registered: resp[0].IsIn}
	if resp[0].IsIn {
		check.JID = resp[0].JID.String()
	}
	return check, nil
}

func toUserJID(phone string) types.JID {
	return types.NewJID(digitsOnly(phone), types.DefaultUserServer)
}

func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func ensureDir(dir string) error {
	if dir == "." || dir == "" {
		return nil
	}
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return os.MkdirAll(dir, 0o755)
	}
	return nil
}
