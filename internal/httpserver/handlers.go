package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"wa-auto/internal/autoreply"
	"wa-auto/internal/bulk"
	"wa-auto/internal/dispatch"
	"wa-auto/internal/store"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

const (
	maxMediaBytes = 16 << 20
	statsCacheKey = "stats:message_logs"
)

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, autoreply.ErrInvalidRule):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, dispatch.ErrNotConnected):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.logger.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func idParam(r *http.Request) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.WA.Status())
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Phone   string `json:"phone"`
		Message string `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if req.Phone == "" || req.Message == "" {
		writeError(w, http.StatusBadRequest, "phone and message are required")
		return
	}
	if err := s.deps.Dispatcher.Send(r.Context(), req.Phone, req.Message, nil); err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "sent"})
}

func (s *Server) handleBulkSend(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}

	phones := splitPhones(r.FormValue("phones"))
	message := r.FormValue("message")
	if len(phones) == 0 {
		writeError(w, http.StatusBadRequest, "at least one phone number is required")
		return
	}

	mediaPath, mediaName, err := s.saveUpload(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if message == "" && mediaPath == "" {
		writeError(w, http.StatusBadRequest, "message or media is required")
		return
	}

	job := bulk.Job{
		Phones:    phones,
		Message:   message,
		MediaPath: mediaPath,
		MediaName: mediaName,
		Delay:     s.deps.Bulk.ResolveDelay(r.Context(), r.FormValue("delay")),
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"queued": len(phones),
		"status": "processing",
	})

	// The run outlives the triggering request; progress is relayed over
	// the websocket and recorded in the message log.
	go s.deps.Bulk.Run(context.Background(), job)
}

func splitPhones(raw string) []string {
	var phones []string
	for _, line := range strings.Split(raw, "\n") {
		if p := strings.TrimSpace(line); p != "" {
			phones = append(phones, p)
		}
	}
	return phones
}

func (s *Server) saveUpload(r *http.Request) (path, name string, err error) {
	file, header, ferr := r.FormFile("media")
	if ferr != nil {
		if errors.Is(ferr, http.ErrMissingFile) {
			return "", "", nil
		}
		return "", "", errors.New("invalid media upload")
	}
	defer file.Close()

	if header.Size > maxMediaBytes {
		return "", "", errors.New("media exceeds the 16MB limit")
	}
	if err := os.MkdirAll(s.deps.UploadDir, 0o755); err != nil {
		return "", "", errors.New("cannot prepare upload directory")
	}

	path = filepath.Join(s.deps.UploadDir, uuid.NewString()+filepath.Ext(header.Filename))
	dst, cerr := os.Create(path)
	if cerr != nil {
		return "", "", errors.New("cannot store uploaded media")
	}
	defer dst.Close()
	if _, err := io.Copy(dst, file); err != nil {
		_ = os.Remove(path)
		return "", "", errors.New("cannot store uploaded media")
	}
	return path, header.Filename, nil
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	rules, err := s.deps.Matcher.Rules(r.Context())
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if rules == nil {
		rules = []store.AutoReplyRule{}
	}
	writeJSON(w, http.StatusOK, rules)
}

func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Keyword   string `json:"keyword"`
		Reply     string `json:"reply"`
		MatchMode string `json:"match_mode"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	id, err := s.deps.Matcher.AddRule(r.Context(), req.Keyword, req.Reply, req.MatchMode)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]int64{"id": id})
}

func (s *Server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	var req struct {
		Keyword   *string `json:"keyword"`
		Reply     *string `json:"reply"`
		MatchMode *string `json:"match_mode"`
		Enabled   *bool   `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if err := s.deps.Matcher.UpdateRule(r.Context(), id, req.Keyword, req.Reply, req.MatchMode, req.Enabled); err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	if err := s.deps.Matcher.DeleteRule(r.Context(), id); err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleToggleRules(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled *bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	enabled := !s.deps.Matcher.Enabled()
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	if err := s.deps.Matcher.SetEnabled(r.Context(), enabled); err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"enabled": enabled})
}

func (s *Server) handleListScheduled(w http.ResponseWriter, r *http.Request) {
	messages, err := s.deps.Store.ListScheduled(r.Context())
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if messages == nil {
		messages = []store.ScheduledMessage{}
	}
	writeJSON(w, http.StatusOK, messages)
}

var scheduleLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
}

func parseScheduleTime(raw string) (time.Time, error) {
	if at, err := time.Parse(time.RFC3339, raw); err == nil {
		return at, nil
	}
	// Dashboard datetime-local values carry no zone; treat them as local.
	for _, layout := range scheduleLayouts {
		if at, err := time.ParseInLocation(layout, raw, time.Local); err == nil {
			return at, nil
		}
	}
	return time.Time{}, errors.New("unrecognised scheduled_at format")
}

func (s *Server) handleCreateScheduled(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Phone       string `json:"phone"`
		Message     string `json:"message"`
		ScheduledAt string `json:"scheduled_at"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if req.Phone == "" || req.Message == "" || req.ScheduledAt == "" {
		writeError(w, http.StatusBadRequest, "phone, message and scheduled_at are required")
		return
	}
	at, err := parseScheduleTime(req.ScheduledAt)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	id, err := s.deps.Store.InsertScheduled(r.Context(), req.Phone, req.Message, at)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]int64{"id": id})
}

func (s *Server) handleDeleteScheduled(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	if err := s.deps.Store.DeleteScheduled(r.Context(), id); err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleListLogs(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}
	logs, err := s.deps.Store.ListLogs(r.Context(), limit)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if logs == nil {
		logs = []store.MessageLog{}
	}
	writeJSON(w, http.StatusOK, logs)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if s.deps.Cache != nil {
		var cached store.LogStats
		if hit, err := s.deps.Cache.GetJSON(ctx, statsCacheKey, &cached); err != nil {
			s.logger.Warn("stats cache read failed", "error", err)
		} else if hit {
			writeJSON(w, http.StatusOK, cached)
			return
		}
	}

	stats, err := s.deps.Store.LogStats(ctx)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if s.deps.Cache != nil {
		if err := s.deps.Cache.SetJSON(ctx, statsCacheKey, stats, s.deps.StatsTTL); err != nil {
			s.logger.Warn("stats cache write failed", "error", err)
		}
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	delayMS := int(bulk.DefaultDelay / time.Millisecond)
	if raw, err := s.deps.Store.GetSetting(r.Context(), store.SettingBulkDelayMS); err == nil && raw != "" {
		if parsed, perr := strconv.Atoi(raw); perr == nil && parsed >= 0 {
			delayMS = parsed
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"auto_reply_enabled": s.deps.Matcher.Enabled(),
		"bulk_delay_ms":      delayMS,
	})
}

func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AutoReplyEnabled *bool `json:"auto_reply_enabled"`
		BulkDelayMS      *int  `json:"bulk_delay_ms"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if req.BulkDelayMS != nil {
		if *req.BulkDelayMS < 0 {
			writeError(w, http.StatusBadRequest, "bulk_delay_ms must be non-negative")
			return
		}
		if err := s.deps.Store.SetSetting(r.Context(), store.SettingBulkDelayMS, strconv.Itoa(*req.BulkDelayMS)); err != nil {
			s.writeStoreError(w, err)
			return
		}
	}
	if req.AutoReplyEnabled != nil {
		if err := s.deps.Matcher.SetEnabled(r.Context(), *req.AutoReplyEnabled); err != nil {
			s.writeStoreError(w, err)
			return
		}
	}
	s.handleGetSettings(w, r)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.WA.Logout(r.Context()); err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "logged_out"})
}

func (s *Server) handleContacts(w http.ResponseWriter, r *http.Request) {
	contacts, err := s.deps.WA.Contacts(r.Context())
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, contacts)
}

func (s *Server) handleGroups(w http.ResponseWriter, r *http.Request) {
	groups, err := s.deps.WA.Groups(r.Context())
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, groups)
}

func (s *Server) handleCheckNumber(w http.ResponseWriter, r *http.Request) {
	phone := chi.URLParam(r, "phone")
	check, err := s.deps.WA.CheckNumber(r.Context(), phone)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, check)
}
