package httpapi

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shashanking/cvs-cms/internal/ledger"
	"github.com/shashanking/cvs-cms/internal/notify"
)

var allScopes = []string{
	"audit:write", "audit:read", "notify:read", "notify:ack",
	"events:write", "chat:write", "feed:read", "roster:write",
}

func newTestServer(t *testing.T) (*Server, *ledger.Ledger) {
	t.Helper()
	l := ledger.New()
	t.Cleanup(l.Close)
	return NewServer(l), l
}

type request struct {
	method  string
	path    string
	headers map[string]string
	body    map[string]any
}

func doRequest(t *testing.T, server http.Handler, r request) *httptest.ResponseRecorder {
	t.Helper()
	var bodyBytes []byte
	if r.body != nil {
		data, err := json.Marshal(r.body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		bodyBytes = data
	}
	req := httptest.NewRequest(r.method, r.path, bytes.NewReader(bodyBytes))
	for k, v := range r.headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	return rec
}

func authHeaders(t *testing.T, projectID, username string, scopes []string) map[string]string {
	t.Helper()
	return map[string]string{
		"Authorization":    "Bearer " + mustTestJWT(t, "dev-secret", projectID, username, scopes, time.Now().Add(time.Hour)),
		"X-Correlation-Id": "corr_test",
	}
}

func mustTestJWT(t *testing.T, secret, projectID, username string, scopes []string, exp time.Time) string {
	return mustTestJWTWithAudience(t, secret, projectID, username, scopes, "cvs-cms", exp)
}

func mustTestJWTWithAudience(t *testing.T, secret, projectID, username string, scopes []string, aud string, exp time.Time) string {
	t.Helper()
	headerBytes, err := json.Marshal(map[string]any{
		"alg": "HS256",
		"typ": "JWT",
	})
	if err != nil {
		t.Fatalf("marshal jwt header: %v", err)
	}
	payloadBytes, err := json.Marshal(map[string]any{
		"project_id": projectID,
		"username":   username,
		"scopes":     scopes,
		"exp":        exp.Unix(),
		"aud":        aud,
	})
	if err != nil {
		t.Fatalf("marshal jwt payload: %v", err)
	}
	h := base64.RawURLEncoding.EncodeToString(headerBytes)
	p := base64.RawURLEncoding.EncodeToString(payloadBytes)
	signingInput := h + "." + p
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(signingInput))
	return signingInput + "." + base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

func TestHealth(t *testing.T) {
	server, _ := newTestServer(t)
	resp := doRequest(t, server, request{method: http.MethodGet, path: "/health"})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
}

func TestAuthRequired(t *testing.T) {
	server, _ := newTestServer(t)
	resp := doRequest(t, server, request{
		method: http.MethodGet,
		path:   "/v1/projects/p1/audit",
	})
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d (%s)", resp.Code, resp.Body.String())
	}
}

func TestScopeEnforced(t *testing.T) {
	server, _ := newTestServer(t)
	headers := authHeaders(t, "p1", "ana", []string{"notify:read"})
	resp := doRequest(t, server, request{
		method:  http.MethodPost,
		path:    "/v1/projects/p1/audit/upload",
		headers: headers,
		body:    map[string]any{"actor": "ana", "subjectName": "a.pdf"},
	})
	if resp.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d (%s)", resp.Code, resp.Body.String())
	}
}

func TestProjectMismatchRejected(t *testing.T) {
	server, _ := newTestServer(t)
	headers := authHeaders(t, "p1", "ana", allScopes)
	resp := doRequest(t, server, request{
		method:  http.MethodGet,
		path:    "/v1/projects/p2/audit",
		headers: headers,
	})
	if resp.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d (%s)", resp.Code, resp.Body.String())
	}
}

func TestEmptyProjectSegmentRejected(t *testing.T) {
	server, l := newTestServer(t)
	if _, err := l.RecordAction(ledger.ActionRequest{
		ProjectID: "p2", Folder: "docs", SubjectName: "secret.pdf",
		Action: ledger.ActionUpload, Actor: "carol",
	}); err != nil {
		t.Fatalf("RecordAction: %v", err)
	}

	headers := authHeaders(t, "p1", "ana", allScopes)
	for _, path := range []string{
		"/v1/projects//audit",
		"/v1/projects//changes",
		"/v1/projects//read-state",
		"/v1/projects//changes/stream",
	} {
		resp := doRequest(t, server, request{
			method:  http.MethodGet,
			path:    path,
			headers: headers,
		})
		if resp.Code != http.StatusNotFound {
			t.Fatalf("%s: expected 404, got %d (%s)", path, resp.Code, resp.Body.String())
		}
		if bytes.Contains(resp.Body.Bytes(), []byte("p2")) {
			t.Fatalf("%s: response leaked another project's data: %s", path, resp.Body.String())
		}
	}
}

func TestCorrelationIDRequired(t *testing.T) {
	server, _ := newTestServer(t)
	headers := authHeaders(t, "p1", "ana", allScopes)
	delete(headers, "X-Correlation-Id")
	resp := doRequest(t, server, request{
		method:  http.MethodGet,
		path:    "/v1/projects/p1/audit",
		headers: headers,
	})
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d (%s)", resp.Code, resp.Body.String())
	}
}

func TestAuditRecordLifecycle(t *testing.T) {
	server, _ := newTestServer(t)
	ana := authHeaders(t, "p1", "ana", allScopes)
	bob := authHeaders(t, "p1", "bob", allScopes)

	resp := doRequest(t, server, request{
		method:  http.MethodPost,
		path:    "/v1/projects/p1/audit/upload",
		headers: ana,
		body:    map[string]any{"folder": "docs", "subjectName": "report.pdf", "actor": "ana"},
	})
	if resp.Code != http.StatusOK {
		t.Fatalf("upload: expected 200, got %d (%s)", resp.Code, resp.Body.String())
	}

	resp = doRequest(t, server, request{
		method:  http.MethodPost,
		path:    "/v1/projects/p1/audit/preview",
		headers: bob,
		body:    map[string]any{"folder": "docs", "subjectName": "report.pdf", "actor": "bob"},
	})
	if resp.Code != http.StatusOK {
		t.Fatalf("preview: expected 200, got %d (%s)", resp.Code, resp.Body.String())
	}
	var result ledger.ActionResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatalf("decode preview result: %v", err)
	}
	if result.Status != ledger.StatusUpdated {
		t.Fatalf("preview status = %q, want %q", result.Status, ledger.StatusUpdated)
	}

	// Double click: the repeat is acknowledged without a second entry.
	resp = doRequest(t, server, request{
		method:  http.MethodPost,
		path:    "/v1/projects/p1/audit/preview",
		headers: bob,
		body:    map[string]any{"folder": "docs", "subjectName": "report.pdf", "actor": "bob"},
	})
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatalf("decode repeat result: %v", err)
	}
	if result.Status != ledger.StatusAlreadyRecorded {
		t.Fatalf("repeat status = %q, want %q", result.Status, ledger.StatusAlreadyRecorded)
	}

	resp = doRequest(t, server, request{
		method:  http.MethodGet,
		path:    "/v1/projects/p1/audit",
		headers: ana,
	})
	var listing struct {
		Records []ledger.AuditRecord `json:"records"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&listing); err != nil {
		t.Fatalf("decode audit list: %v", err)
	}
	if len(listing.Records) != 2 {
		t.Fatalf("records = %d, want upload + one preview", len(listing.Records))
	}
}

func TestAuditUnknownActionSegment(t *testing.T) {
	server, _ := newTestServer(t)
	resp := doRequest(t, server, request{
		method:  http.MethodPost,
		path:    "/v1/projects/p1/audit/rename",
		headers: authHeaders(t, "p1", "ana", allScopes),
		body:    map[string]any{"actor": "ana", "subjectName": "a.pdf"},
	})
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d (%s)", resp.Code, resp.Body.String())
	}
}

func TestAuditSchemaViolation(t *testing.T) {
	server, _ := newTestServer(t)
	resp := doRequest(t, server, request{
		method:  http.MethodPost,
		path:    "/v1/projects/p1/audit/upload",
		headers: authHeaders(t, "p1", "ana", allScopes),
		body:    map[string]any{"subjectName": "a.pdf", "unexpected": true},
	})
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d (%s)", resp.Code, resp.Body.String())
	}
}

func TestNotificationsEndpoint(t *testing.T) {
	server, l := newTestServer(t)
	if err := l.SetRoster("p1", []string{"ana", "bob"}); err != nil {
		t.Fatalf("SetRoster: %v", err)
	}
	if _, err := l.RecordAction(ledger.ActionRequest{
		ProjectID: "p1", Folder: "docs", SubjectName: "report.pdf",
		Action: ledger.ActionUpload, Actor: "ana",
	}); err != nil {
		t.Fatalf("RecordAction: %v", err)
	}

	resp := doRequest(t, server, request{
		method:  http.MethodGet,
		path:    "/v1/projects/p1/notifications",
		headers: authHeaders(t, "p1", "bob", []string{"notify:read"}),
	})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", resp.Code, resp.Body.String())
	}
	var list notify.NotificationList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list.Uploads) != 1 || list.UnreadCount != 1 {
		t.Fatalf("list = %+v", list)
	}
}

func TestNotificationsUserMustMatchToken(t *testing.T) {
	server, _ := newTestServer(t)
	resp := doRequest(t, server, request{
		method:  http.MethodGet,
		path:    "/v1/projects/p1/notifications?user=carol",
		headers: authHeaders(t, "p1", "bob", []string{"notify:read"}),
	})
	if resp.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d (%s)", resp.Code, resp.Body.String())
	}
}

func TestGlobalNotificationsRoute(t *testing.T) {
	server, l := newTestServer(t)
	if err := l.SetRoster("p1", []string{"ana", "bob"}); err != nil {
		t.Fatalf("SetRoster: %v", err)
	}
	if _, err := l.RecordAction(ledger.ActionRequest{
		ProjectID: "p1", Folder: "docs", SubjectName: "report.pdf",
		Action: ledger.ActionUpload, Actor: "ana",
	}); err != nil {
		t.Fatalf("RecordAction: %v", err)
	}

	resp := doRequest(t, server, request{
		method:  http.MethodGet,
		path:    "/v1/notifications",
		headers: authHeaders(t, "", "bob", []string{"notify:read"}),
	})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", resp.Code, resp.Body.String())
	}
	var list notify.NotificationList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list.Uploads) != 1 {
		t.Fatalf("uploads = %+v", list.Uploads)
	}
}

func TestEventCreateAndAcknowledge(t *testing.T) {
	server, l := newTestServer(t)
	if err := l.SetRoster("p1", []string{"ana", "bob"}); err != nil {
		t.Fatalf("SetRoster: %v", err)
	}

	resp := doRequest(t, server, request{
		method:  http.MethodPost,
		path:    "/v1/projects/p1/events",
		headers: authHeaders(t, "p1", "ana", allScopes),
		body:    map[string]any{"topic": "kickoff", "createdBy": "ana", "eventAt": "2026-12-01T10:00:00Z"},
	})
	if resp.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d (%s)", resp.Code, resp.Body.String())
	}
	var event ledger.ProjectEvent
	if err := json.NewDecoder(resp.Body).Decode(&event); err != nil {
		t.Fatalf("decode event: %v", err)
	}

	resp = doRequest(t, server, request{
		method:  http.MethodPost,
		path:    "/v1/projects/p1/events/" + event.ID + "/read",
		headers: authHeaders(t, "p1", "bob", []string{"notify:ack"}),
	})
	if resp.Code != http.StatusOK {
		t.Fatalf("ack: expected 200, got %d (%s)", resp.Code, resp.Body.String())
	}
	notices := l.EventNotices("p1", "bob")
	if len(notices) != 1 || !notices[0].Read {
		t.Fatalf("notices = %+v", notices)
	}

	resp = doRequest(t, server, request{
		method:  http.MethodDelete,
		path:    "/v1/projects/p1/events/" + event.ID,
		headers: authHeaders(t, "p1", "ana", allScopes),
	})
	if resp.Code != http.StatusOK {
		t.Fatalf("delete: expected 200, got %d (%s)", resp.Code, resp.Body.String())
	}
	if notices := l.EventNotices("p1", "bob"); len(notices) != 0 {
		t.Fatalf("notices after delete = %+v", notices)
	}
}

func TestEventReadUnknownEventIsNoOp(t *testing.T) {
	server, _ := newTestServer(t)
	resp := doRequest(t, server, request{
		method:  http.MethodPost,
		path:    "/v1/projects/p1/events/evt_missing/read",
		headers: authHeaders(t, "p1", "bob", []string{"notify:ack"}),
	})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200 for idempotent ack, got %d (%s)", resp.Code, resp.Body.String())
	}
}

func TestChatPostAndMentionRead(t *testing.T) {
	server, l := newTestServer(t)
	if err := l.SetRoster("p1", []string{"ana", "bob"}); err != nil {
		t.Fatalf("SetRoster: %v", err)
	}

	resp := doRequest(t, server, request{
		method:  http.MethodPost,
		path:    "/v1/projects/p1/chat",
		headers: authHeaders(t, "p1", "ana", allScopes),
		body:    map[string]any{"username": "ana", "message": "ping @bob", "idempotencyKey": "key-1"},
	})
	if resp.Code != http.StatusCreated {
		t.Fatalf("chat: expected 201, got %d (%s)", resp.Code, resp.Body.String())
	}
	var message ledger.ChatMessage
	if err := json.NewDecoder(resp.Body).Decode(&message); err != nil {
		t.Fatalf("decode message: %v", err)
	}

	// Same idempotency key returns the stored message, not a copy.
	resp = doRequest(t, server, request{
		method:  http.MethodPost,
		path:    "/v1/projects/p1/chat",
		headers: authHeaders(t, "p1", "ana", allScopes),
		body:    map[string]any{"username": "ana", "message": "ping @bob", "idempotencyKey": "key-1"},
	})
	var repeat ledger.ChatMessage
	if err := json.NewDecoder(resp.Body).Decode(&repeat); err != nil {
		t.Fatalf("decode repeat: %v", err)
	}
	if repeat.ID != message.ID {
		t.Fatalf("repeat ID = %q, want %q", repeat.ID, message.ID)
	}

	mentions := l.Mentions("p1", "bob")
	if len(mentions) != 1 {
		t.Fatalf("mentions = %+v", mentions)
	}
	resp = doRequest(t, server, request{
		method:  http.MethodPost,
		path:    "/v1/projects/p1/mentions/" + mentions[0].ID + "/read",
		headers: authHeaders(t, "p1", "bob", []string{"notify:ack"}),
	})
	if resp.Code != http.StatusOK {
		t.Fatalf("mention read: expected 200, got %d (%s)", resp.Code, resp.Body.String())
	}
	if got := l.Mentions("p1", "bob"); !got[0].Read {
		t.Fatalf("mention not marked read: %+v", got[0])
	}
}

func TestGlobalMentionReadRoute(t *testing.T) {
	server, l := newTestServer(t)
	if err := l.SetRoster("p1", []string{"ana", "bob"}); err != nil {
		t.Fatalf("SetRoster: %v", err)
	}
	if _, err := l.PostChat(ledger.ChatRequest{
		ProjectID: "p1", Username: "ana", Message: "ping @bob", IdempotencyKey: "key-g",
	}); err != nil {
		t.Fatalf("PostChat: %v", err)
	}
	mentions := l.Mentions("p1", "bob")
	if len(mentions) != 1 {
		t.Fatalf("mentions = %+v", mentions)
	}

	resp := doRequest(t, server, request{
		method: http.MethodPost,
		path:   "/v1/mentions/" + mentions[0].ID + "/read",
	})
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated: expected 401, got %d", resp.Code)
	}

	resp = doRequest(t, server, request{
		method:  http.MethodPost,
		path:    "/v1/mentions/" + mentions[0].ID + "/read",
		headers: authHeaders(t, "", "bob", []string{"notify:ack"}),
	})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", resp.Code, resp.Body.String())
	}
	if got := l.Mentions("p1", "bob"); !got[0].Read {
		t.Fatalf("mention not marked read: %+v", got[0])
	}

	resp = doRequest(t, server, request{
		method:  http.MethodPost,
		path:    "/v1/mentions//read",
		headers: authHeaders(t, "", "bob", []string{"notify:ack"}),
	})
	if resp.Code != http.StatusNotFound {
		t.Fatalf("empty mention id: expected 404, got %d", resp.Code)
	}
}

func TestChangesFeedEndpoint(t *testing.T) {
	server, l := newTestServer(t)
	for _, name := range []string{"a.pdf", "b.pdf", "c.pdf"} {
		if _, err := l.RecordAction(ledger.ActionRequest{
			ProjectID: "p1", Folder: "docs", SubjectName: name,
			Action: ledger.ActionUpload, Actor: "ana",
		}); err != nil {
			t.Fatalf("RecordAction: %v", err)
		}
	}

	resp := doRequest(t, server, request{
		method:  http.MethodGet,
		path:    "/v1/projects/p1/changes?limit=2",
		headers: authHeaders(t, "p1", "bob", []string{"feed:read"}),
	})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", resp.Code, resp.Body.String())
	}
	var feed ledger.ChangeFeed
	if err := json.NewDecoder(resp.Body).Decode(&feed); err != nil {
		t.Fatalf("decode feed: %v", err)
	}
	if len(feed.Events) != 2 || feed.NextCursor == nil {
		t.Fatalf("feed = %+v", feed)
	}

	resp = doRequest(t, server, request{
		method:  http.MethodGet,
		path:    "/v1/projects/p1/changes?cursor=" + *feed.NextCursor,
		headers: authHeaders(t, "p1", "bob", []string{"feed:read"}),
	})
	if err := json.NewDecoder(resp.Body).Decode(&feed); err != nil {
		t.Fatalf("decode feed page 2: %v", err)
	}
	if len(feed.Events) != 1 || feed.NextCursor != nil {
		t.Fatalf("page 2 = %+v", feed)
	}
}

func TestRosterRoundTrip(t *testing.T) {
	server, _ := newTestServer(t)
	resp := doRequest(t, server, request{
		method:  http.MethodPut,
		path:    "/v1/projects/p1/roster",
		headers: authHeaders(t, "p1", "ana", allScopes),
		body:    map[string]any{"members": []string{"ana", "bob", "carol"}},
	})
	if resp.Code != http.StatusOK {
		t.Fatalf("put: expected 200, got %d (%s)", resp.Code, resp.Body.String())
	}

	resp = doRequest(t, server, request{
		method:  http.MethodGet,
		path:    "/v1/projects/p1/roster",
		headers: authHeaders(t, "p1", "ana", allScopes),
	})
	var roster struct {
		Members []string `json:"members"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&roster); err != nil {
		t.Fatalf("decode roster: %v", err)
	}
	if len(roster.Members) != 3 {
		t.Fatalf("members = %v", roster.Members)
	}
}

func TestReadStateEndpoint(t *testing.T) {
	server, l := newTestServer(t)
	if err := l.SetRoster("p1", []string{"ana", "bob"}); err != nil {
		t.Fatalf("SetRoster: %v", err)
	}
	if _, err := l.RecordAction(ledger.ActionRequest{
		ProjectID: "p1", Folder: "docs", SubjectName: "report.pdf",
		Action: ledger.ActionUpload, Actor: "ana",
	}); err != nil {
		t.Fatalf("RecordAction: %v", err)
	}

	resp := doRequest(t, server, request{
		method:  http.MethodGet,
		path:    "/v1/projects/p1/read-state",
		headers: authHeaders(t, "p1", "bob", []string{"audit:read"}),
	})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", resp.Code, resp.Body.String())
	}
	var state ledger.ReadState
	if err := json.NewDecoder(resp.Body).Decode(&state); err != nil {
		t.Fatalf("decode state: %v", err)
	}
	if len(state.UnreadUploads) != 1 {
		t.Fatalf("unread = %+v", state.UnreadUploads)
	}
}

func TestRateLimiting(t *testing.T) {
	l := ledger.New()
	t.Cleanup(l.Close)
	server := NewServerWithConfig(l, ServerConfig{RateLimitMax: 2, RateLimitWindow: time.Minute})
	headers := authHeaders(t, "p1", "ana", allScopes)

	for i := 0; i < 2; i++ {
		resp := doRequest(t, server, request{method: http.MethodGet, path: "/v1/projects/p1/audit", headers: headers})
		if resp.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, resp.Code)
		}
	}
	resp := doRequest(t, server, request{method: http.MethodGet, path: "/v1/projects/p1/audit", headers: headers})
	if resp.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d (%s)", resp.Code, resp.Body.String())
	}
	if resp.Header().Get("Retry-After") == "" {
		t.Fatal("missing Retry-After header")
	}
}

func signWebhook(t *testing.T, secret, timestamp string, body []byte) string {
	t.Helper()
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(timestamp))
	_, _ = mac.Write([]byte("\n"))
	_, _ = mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestAuditWebhook(t *testing.T) {
	server, l := newTestServer(t)
	body, err := json.Marshal(map[string]any{
		"projectId": "p1", "action": "upload", "folder": "docs",
		"subjectName": "report.pdf", "actor": "ana",
	})
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	timestamp := time.Now().UTC().Format(time.RFC3339)

	req := httptest.NewRequest(http.MethodPost, "/v1/internal/audit-webhooks", bytes.NewReader(body))
	req.Header.Set("X-Correlation-Id", "corr_hook")
	req.Header.Set("X-Cms-Timestamp", timestamp)
	req.Header.Set("X-Cms-Signature", signWebhook(t, "dev-internal-secret", timestamp, body))
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d (%s)", rec.Code, rec.Body.String())
	}
	if records := l.AuditRecords("p1"); len(records) != 1 {
		t.Fatalf("records = %+v", records)
	}

	// Exact replay of the same signed request is rejected.
	req = httptest.NewRequest(http.MethodPost, "/v1/internal/audit-webhooks", bytes.NewReader(body))
	req.Header.Set("X-Correlation-Id", "corr_hook2")
	req.Header.Set("X-Cms-Timestamp", timestamp)
	req.Header.Set("X-Cms-Signature", signWebhook(t, "dev-internal-secret", timestamp, body))
	rec = httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("replay: expected 401, got %d (%s)", rec.Code, rec.Body.String())
	}
}

func TestAuditWebhookBadSignature(t *testing.T) {
	server, _ := newTestServer(t)
	body := []byte(`{"projectId":"p1","action":"upload","subjectName":"a.pdf","actor":"ana"}`)
	timestamp := time.Now().UTC().Format(time.RFC3339)

	req := httptest.NewRequest(http.MethodPost, "/v1/internal/audit-webhooks", bytes.NewReader(body))
	req.Header.Set("X-Correlation-Id", "corr_hook")
	req.Header.Set("X-Cms-Timestamp", timestamp)
	req.Header.Set("X-Cms-Signature", "deadbeef")
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d (%s)", rec.Code, rec.Body.String())
	}
}

func TestDashboardServed(t *testing.T) {
	server, _ := newTestServer(t)
	resp := doRequest(t, server, request{method: http.MethodGet, path: "/dashboard"})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	if ct := resp.Header().Get("Content-Type"); ct != "text/html; charset=utf-8" {
		t.Fatalf("content type = %q", ct)
	}
}
