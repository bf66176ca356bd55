package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shashanking/cvs-cms/internal/ledger"
	"github.com/shashanking/cvs-cms/internal/notify"
)

type ServerConfig struct {
	JWTSecret          string
	InternalHMACSecret string
	InternalMaxSkew    time.Duration
	RateLimitMax       int
	RateLimitWindow    time.Duration
	MaxBodyBytes       int64
	Completion         ledger.CompletionConfig
}

type Server struct {
	ledger             *ledger.Ledger
	agg                *notify.Aggregator
	cfg                ServerConfig
	rateLimiter        *rateLimiter
	internalReplayMu   sync.Mutex
	internalReplaySeen map[string]time.Time
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

func NewServer(l *ledger.Ledger) *Server {
	return NewServerWithConfig(l, ServerConfig{})
}

func NewServerWithConfig(l *ledger.Ledger, cfg ServerConfig) *Server {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.InternalHMACSecret == "" {
		cfg.InternalHMACSecret = "dev-internal-secret"
	}
	if cfg.InternalMaxSkew == 0 {
		cfg.InternalMaxSkew = 5 * time.Minute
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
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
		ledger:             l,
		agg:                notify.New(l, notify.Config{Completion: cfg.Completion}),
		cfg:                cfg,
		rateLimiter:        limiter,
		internalReplaySeen: map[string]time.Time{},
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if r.URL.Path == "/dashboard" && r.Method == http.MethodGet {
		s.handleDashboard(w, r)
		return
	}
	if r.URL.Path == "/v1/internal/audit-webhooks" && r.Method == http.MethodPost {
		s.handleAuditWebhook(w, r)
		return
	}
	if r.URL.Path == "/v1/notifications" && r.Method == http.MethodGet {
		s.handleNotifications(w, r, "")
		return
	}
	if strings.HasPrefix(r.URL.Path, "/v1/mentions/") && r.Method == http.MethodPost {
		s.handleGlobalMentionRead(w, r)
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if len(parts) < 4 || parts[0] != "v1" || parts[1] != "projects" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}
	projectID := parts[2]
	// An empty segment would read as the ledger's all-projects scope.
	if projectID == "" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	var requiredScope string
	var route string
	switch {
	case len(parts) == 5 && parts[3] == "audit" && r.Method == http.MethodPost:
		requiredScope = "audit:write"
		route = "audit_record"
	case len(parts) == 4 && parts[3] == "audit" && r.Method == http.MethodGet:
		requiredScope = "audit:read"
		route = "audit_list"
	case len(parts) == 4 && parts[3] == "read-state" && r.Method == http.MethodGet:
		requiredScope = "audit:read"
		route = "read_state"
	case len(parts) == 4 && parts[3] == "notifications" && r.Method == http.MethodGet:
		requiredScope = "notify:read"
		route = "notifications"
	case len(parts) == 4 && parts[3] == "events" && r.Method == http.MethodPost:
		requiredScope = "events:write"
		route = "event_create"
	case len(parts) == 5 && parts[3] == "events" && r.Method == http.MethodDelete:
		requiredScope = "events:write"
		route = "event_delete"
	case len(parts) == 6 && parts[3] == "events" && parts[5] == "read" && r.Method == http.MethodPost:
		requiredScope = "notify:ack"
		route = "event_read"
	case len(parts) == 6 && parts[3] == "mentions" && parts[5] == "read" && r.Method == http.MethodPost:
		requiredScope = "notify:ack"
		route = "mention_read"
	case len(parts) == 4 && parts[3] == "chat" && r.Method == http.MethodPost:
		requiredScope = "chat:write"
		route = "chat_post"
	case len(parts) == 4 && parts[3] == "chat" && r.Method == http.MethodGet:
		requiredScope = "notify:read"
		route = "chat_list"
	case len(parts) == 4 && parts[3] == "changes" && r.Method == http.MethodGet:
		requiredScope = "feed:read"
		route = "changes"
	case len(parts) == 5 && parts[3] == "changes" && parts[4] == "stream" && r.Method == http.MethodGet:
		requiredScope = "feed:read"
		route = "changes_stream"
	case len(parts) == 4 && parts[3] == "roster" && r.Method == http.MethodPut:
		requiredScope = "roster:write"
		route = "roster_put"
	case len(parts) == 4 && parts[3] == "roster" && r.Method == http.MethodGet:
		requiredScope = "audit:read"
		route = "roster_get"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	claims, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, projectID, requiredScope, time.Now().UTC())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
		return
	}
	correlationID := getCorrelationID(r)
	if correlationID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing X-Correlation-Id header", "")
		return
	}
	if s.rateLimiter != nil {
		key := projectID + "|" + claims.Username
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

	switch route {
	case "audit_record":
		s.handleAuditRecord(w, r, projectID, parts[4], correlationID)
	case "audit_list":
		writeJSON(w, http.StatusOK, map[string]any{"records": s.ledger.AuditRecords(projectID)})
	case "read_state":
		s.handleReadState(w, r, projectID, claims, correlationID)
	case "notifications":
		s.serveNotifications(w, r, projectID, claims, correlationID)
	case "event_create":
		s.handleEventCreate(w, r, projectID, correlationID)
	case "event_delete":
		s.handleEventDelete(w, projectID, parts[4], claims, correlationID)
	case "event_read":
		s.handleEventRead(w, projectID, parts[4], claims, correlationID)
	case "mention_read":
		s.handleMentionRead(w, projectID, parts[4], correlationID)
	case "chat_post":
		s.handleChatPost(w, r, projectID, correlationID)
	case "chat_list":
		writeJSON(w, http.StatusOK, map[string]any{"messages": s.ledger.ChatMessages(projectID)})
	case "changes":
		s.handleChanges(w, r, projectID, correlationID)
	case "changes_stream":
		s.handleChangesStream(w, r, projectID, correlationID)
	case "roster_put":
		s.handleRosterPut(w, r, projectID, correlationID)
	case "roster_get":
		writeJSON(w, http.StatusOK, map[string]any{"members": s.ledger.Roster(projectID)})
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
	}
}

// actionFromPath maps the URL action segment onto the audit action.
// Hyphens stand in for the underscores of the stored action names.
func actionFromPath(segment string) (ledger.Action, bool) {
	switch segment {
	case "upload":
		return ledger.ActionUpload, true
	case "preview":
		return ledger.ActionPreview, true
	case "download":
		return ledger.ActionDownload, true
	case "delete":
		return ledger.ActionDelete, true
	case "folder-created":
		return ledger.ActionFolderCreated, true
	case "folder-deleted":
		return ledger.ActionFolderDeleted, true
	case "link-deleted":
		return ledger.ActionLinkDeleted, true
	case "project-created":
		return ledger.ActionProjectCreated, true
	}
	return "", false
}

func (s *Server) handleAuditRecord(w http.ResponseWriter, r *http.Request, projectID, actionSegment, correlationID string) {
	action, ok := actionFromPath(actionSegment)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "unknown audit action", correlationID)
		return
	}
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	if err := validateSchema(auditActionValidator, body); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		return
	}
	var req struct {
		Folder         string `json:"folder"`
		SubjectName    string `json:"subjectName"`
		Actor          string `json:"actor"`
		At             string `json:"at"`
		IdempotencyKey string `json:"idempotencyKey"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return
	}
	result, err := s.ledger.RecordAction(ledger.ActionRequest{
		ProjectID:      projectID,
		Folder:         req.Folder,
		SubjectName:    req.SubjectName,
		Action:         action,
		Actor:          req.Actor,
		At:             req.At,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		writeLedgerError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleReadState(w http.ResponseWriter, r *http.Request, projectID string, claims tokenClaims, correlationID string) {
	viewer, ok := s.resolveViewer(w, r, claims, correlationID)
	if !ok {
		return
	}
	state := ledger.Resolve(s.ledger.AuditRecords(projectID), s.ledger.Roster(projectID), viewer, s.cfg.Completion)
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request, projectID string) {
	claims, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, projectID, "notify:read", time.Now().UTC())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
		return
	}
	correlationID := getCorrelationID(r)
	if correlationID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing X-Correlation-Id header", "")
		return
	}
	// A project-bound token only ever sees its own project, even on
	// the dashboard-wide route.
	if projectID == "" {
		projectID = claims.ProjectID
	}
	s.serveNotifications(w, r, projectID, claims, correlationID)
}

func (s *Server) serveNotifications(w http.ResponseWriter, r *http.Request, projectID string, claims tokenClaims, correlationID string) {
	viewer, ok := s.resolveViewer(w, r, claims, correlationID)
	if !ok {
		return
	}
	list, err := s.agg.Aggregate(viewer, notify.Scope{ProjectID: projectID})
	if err != nil {
		writeLedgerError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// resolveViewer takes the viewer from the token, allowing an explicit
// user override only for the token's own username. Reading someone
// else's notification state is never possible through this surface.
func (s *Server) resolveViewer(w http.ResponseWriter, r *http.Request, claims tokenClaims, correlationID string) (string, bool) {
	viewer := strings.TrimSpace(r.URL.Query().Get("user"))
	if viewer == "" {
		return claims.Username, true
	}
	if viewer != claims.Username {
		writeError(w, http.StatusForbidden, "forbidden", "user does not match token", correlationID)
		return "", false
	}
	return viewer, true
}

func (s *Server) handleEventCreate(w http.ResponseWriter, r *http.Request, projectID, correlationID string) {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	if err := validateSchema(eventCreateValidator, body); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		return
	}
	var req struct {
		EventID     string `json:"eventId"`
		Topic       string `json:"topic"`
		Description string `json:"description"`
		CreatedBy   string `json:"createdBy"`
		EventAt     string `json:"eventAt"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return
	}
	event, err := s.ledger.CreateEvent(ledger.EventRequest{
		ProjectID:   projectID,
		EventID:     req.EventID,
		Topic:       req.Topic,
		Description: req.Description,
		CreatedBy:   req.CreatedBy,
		EventAt:     req.EventAt,
	})
	if err != nil {
		writeLedgerError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusCreated, event)
}

func (s *Server) handleEventDelete(w http.ResponseWriter, projectID, eventID string, claims tokenClaims, correlationID string) {
	if err := s.ledger.DeleteEvent(projectID, eventID, claims.Username); err != nil {
		writeLedgerError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleEventRead(w http.ResponseWriter, projectID, eventID string, claims tokenClaims, correlationID string) {
	if err := s.agg.MarkEventRead(projectID, eventID, claims.Username); err != nil {
		writeLedgerError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "read"})
}

// handleGlobalMentionRead acknowledges a mention without a project
// scope. Mention IDs are globally unique, so the lookup does not need
// one.
func (s *Server) handleGlobalMentionRead(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if len(parts) != 4 || parts[2] == "" || parts[3] != "read" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}
	_, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, "", "notify:ack", time.Now().UTC())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
		return
	}
	correlationID := getCorrelationID(r)
	if correlationID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing X-Correlation-Id header", "")
		return
	}
	s.handleMentionRead(w, "", parts[2], correlationID)
}

func (s *Server) handleMentionRead(w http.ResponseWriter, projectID, mentionID, correlationID string) {
	if err := s.agg.MarkMentionRead(mentionID); err != nil {
		writeLedgerError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "read"})
}

func (s *Server) handleChatPost(w http.ResponseWriter, r *http.Request, projectID, correlationID string) {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	if err := validateSchema(chatPostValidator, body); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		return
	}
	var req struct {
		Username       string `json:"username"`
		Message        string `json:"message"`
		IdempotencyKey string `json:"idempotencyKey"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return
	}
	message, err := s.ledger.PostChat(ledger.ChatRequest{
		ProjectID:      projectID,
		Username:       req.Username,
		Message:        req.Message,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		writeLedgerError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusCreated, message)
}

func (s *Server) handleChanges(w http.ResponseWriter, r *http.Request, projectID, correlationID string) {
	limit := parseBoundedInt(r.URL.Query().Get("limit"), 200, 1, 1000)
	feed, err := s.ledger.GetChanges(projectID, r.URL.Query().Get("cursor"), limit)
	if err != nil {
		writeLedgerError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, feed)
}

func (s *Server) handleRosterPut(w http.ResponseWriter, r *http.Request, projectID, correlationID string) {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	if err := validateSchema(rosterPutValidator, body); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		return
	}
	var req struct {
		Members []string `json:"members"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return
	}
	if err := s.ledger.SetRoster(projectID, req.Members); err != nil {
		writeLedgerError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"members": s.ledger.Roster(projectID)})
}

// handleAuditWebhook ingests audit observations pushed by the storage
// provider. These carry an HMAC signature instead of a user token.
func (s *Server) handleAuditWebhook(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	if correlationID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing X-Correlation-Id header", "")
		return
	}
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	now := time.Now().UTC()
	if authErr := verifyInternalHMAC(
		s.cfg.InternalHMACSecret,
		r.Header.Get("X-Cms-Timestamp"),
		r.Header.Get("X-Cms-Signature"),
		body,
		now,
		s.cfg.InternalMaxSkew,
	); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	if !s.markInternalReplaySeen(r.Header.Get("X-Cms-Timestamp"), r.Header.Get("X-Cms-Signature"), now) {
		writeError(w, http.StatusUnauthorized, "unauthorized", "internal request replay detected", correlationID)
		return
	}
	if err := validateSchema(webhookEnvelopeValidator, body); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		return
	}

	var req struct {
		ProjectID      string `json:"projectId"`
		Action         string `json:"action"`
		Folder         string `json:"folder"`
		SubjectName    string `json:"subjectName"`
		Actor          string `json:"actor"`
		At             string `json:"at"`
		IdempotencyKey string `json:"idempotencyKey"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return
	}
	action, ok := actionFromPath(req.Action)
	if !ok {
		writeError(w, http.StatusBadRequest, "bad_request", "unknown audit action", correlationID)
		return
	}
	result, err := s.ledger.RecordAction(ledger.ActionRequest{
		ProjectID:      req.ProjectID,
		Folder:         req.Folder,
		SubjectName:    req.SubjectName,
		Action:         action,
		Actor:          req.Actor,
		At:             req.At,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		writeLedgerError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusAccepted, result)
}

func writeLedgerError(w http.ResponseWriter, err error, correlationID string) {
	switch {
	case errors.Is(err, ledger.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
	case errors.Is(err, ledger.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
	case errors.Is(err, ledger.ErrStoreUnavailable):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, "store_unavailable", err.Error(), correlationID)
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
	}
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
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

func (s *Server) markInternalReplaySeen(timestamp, signature string, now time.Time) bool {
	key := strings.TrimSpace(strings.ToLower(timestamp)) + "|" + strings.TrimSpace(strings.ToLower(signature))
	if key == "|" {
		return false
	}
	window := s.cfg.InternalMaxSkew
	if window <= 0 {
		window = 5 * time.Minute
	}
	s.internalReplayMu.Lock()
	defer s.internalReplayMu.Unlock()
	for replayKey, expiresAt := range s.internalReplaySeen {
		if !now.Before(expiresAt) {
			delete(s.internalReplaySeen, replayKey)
		}
	}
	if expiresAt, exists := s.internalReplaySeen[key]; exists && now.Before(expiresAt) {
		return false
	}
	s.internalReplaySeen[key] = now.Add(window)
	return true
}

func parseBoundedInt(raw string, fallback, min, max int) int {
	if strings.TrimSpace(raw) == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fallback
	}
	if parsed < min {
		return fallback
	}
	if parsed > max {
		return max
	}
	return parsed
}
