// Package httpapi serves a small local API for a running marksync daemon:
// the current bookmarks, sync counters and a refresh trigger.
package httpapi

import (
	"crypto/subtle"
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/marksync/internal/bookmark"
	"github.com/agentworkforce/marksync/internal/bookmarksync"
	"github.com/agentworkforce/marksync/internal/inbox"
	"github.com/agentworkforce/marksync/internal/store"
)

type ServerConfig struct {
	// Token, when set, is required as a bearer token on every /v1 route.
	Token           string
	RateLimitMax    int
	RateLimitWindow time.Duration
}

type Server struct {
	coordinator *bookmarksync.Coordinator
	inbox       *inbox.Service
	cfg         ServerConfig
	rateLimiter *rateLimiter
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

type bookmarksResponse struct {
	Version   uint64              `json:"version"`
	Bookmarks []bookmark.Bookmark `json:"bookmarks"`
}

type unreadResponse struct {
	Known         bool `json:"known"`
	Comments      int  `json:"comments"`
	Mentions      int  `json:"mentions"`
	Messages      int  `json:"messages"`
	Notifications int  `json:"notifications"`
	Total         int  `json:"total"`
}

type markReadRequest struct {
	Timestamp time.Time `json:"timestamp"`
}

type statusResponse struct {
	Version  uint64 `json:"version"`
	Count    int    `json:"count"`
	Queued   int    `json:"queued"`
	Applied  uint64 `json:"applied"`
	Skipped  uint64 `json:"skipped"`
	Failed   uint64 `json:"failed"`
	Syncable int    `json:"syncable"`
}

// NewServer builds the API. The inbox routes answer 404 when inboxService is
// nil.
func NewServer(coordinator *bookmarksync.Coordinator, inboxService *inbox.Service, cfg ServerConfig) *Server {
	cfg.Token = strings.TrimSpace(cfg.Token)
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{
		coordinator: coordinator,
		inbox:       inboxService,
		cfg:         cfg,
		rateLimiter: limiter,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	correlationID := getCorrelationID(r)
	var route string
	switch {
	case r.URL.Path == "/v1/bookmarks" && r.Method == http.MethodGet:
		route = "bookmarks"
	case r.URL.Path == "/v1/sync/status" && r.Method == http.MethodGet:
		route = "sync_status"
	case r.URL.Path == "/v1/sync/refresh" && r.Method == http.MethodPost:
		route = "sync_refresh"
	case r.URL.Path == "/v1/inbox/unread" && r.Method == http.MethodGet && s.inbox != nil:
		route = "inbox_unread"
	case r.URL.Path == "/v1/inbox/read" && r.Method == http.MethodPost && s.inbox != nil:
		route = "inbox_read"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}

	if !s.authorized(r.Header.Get("Authorization")) {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid bearer token", correlationID)
		return
	}

	switch route {
	case "bookmarks":
		s.handleBookmarks(w)
	case "sync_status":
		s.handleSyncStatus(w)
	case "sync_refresh":
		s.handleSyncRefresh(w, r, correlationID)
	case "inbox_unread":
		s.handleInboxUnread(w)
	case "inbox_read":
		s.handleInboxRead(w, r, correlationID)
	}
}

func (s *Server) authorized(authHeader string) bool {
	if s.cfg.Token == "" {
		return true
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return false
	}
	raw := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	return subtle.ConstantTimeCompare([]byte(raw), []byte(s.cfg.Token)) == 1
}

func (s *Server) handleBookmarks(w http.ResponseWriter) {
	snap := s.coordinator.Store().Current()
	writeJSON(w, http.StatusOK, bookmarksResponse{
		Version:   snap.Version,
		Bookmarks: store.Sorted(snap.Bookmarks),
	})
}

func (s *Server) handleSyncStatus(w http.ResponseWriter) {
	snap := s.coordinator.Store().Current()
	stats := s.coordinator.Stats()
	syncable := 0
	for _, b := range snap.Bookmarks {
		if bookmark.Syncable(b) {
			syncable++
		}
	}
	writeJSON(w, http.StatusOK, statusResponse{
		Version:  snap.Version,
		Count:    len(snap.Bookmarks),
		Queued:   stats.Queued,
		Applied:  stats.Applied,
		Skipped:  stats.Skipped,
		Failed:   stats.Failed,
		Syncable: syncable,
	})
}

func (s *Server) handleSyncRefresh(w http.ResponseWriter, r *http.Request, correlationID string) {
	if s.rateLimiter != nil {
		key := clientKey(r)
		if !s.rateLimiter.allow(key, time.Now().UTC()) {
			retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
			return
		}
	}
	s.coordinator.Update()
	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":        "queued",
		"correlationId": correlationID,
	})
}

func (s *Server) handleInboxUnread(w http.ResponseWriter) {
	counts, known := s.inbox.LatestUnreadCounts()
	writeJSON(w, http.StatusOK, unreadResponse{
		Known:         known,
		Comments:      counts.Comments,
		Mentions:      counts.Mentions,
		Messages:      counts.Messages,
		Notifications: counts.Notifications,
		Total:         counts.Total(),
	})
}

func (s *Server) handleInboxRead(w http.ResponseWriter, r *http.Request, correlationID string) {
	var req markReadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Timestamp.IsZero() {
		writeError(w, http.StatusBadRequest, "invalid_input", "timestamp (RFC 3339) is required", correlationID)
		return
	}
	if err := s.inbox.MarkAsRead(r.Context(), req.Timestamp); err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"correlationId": correlationID,
	})
}

func clientKey(r *http.Request) string {
	host := r.RemoteAddr
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		host = host[:idx]
	}
	return host
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}
