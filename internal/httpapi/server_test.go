package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/helixchat/offsync/internal/offsync"
)

type stubDelivery struct {
	mu    sync.Mutex
	calls int
	fail  bool
}

func (d *stubDelivery) Deliver(ctx context.Context, op offsync.QueuedOperation) (offsync.Ack, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if d.fail {
		return offsync.Ack{}, offsync.NewTransientError("http_503", "down")
	}
	return offsync.Ack{RemoteID: "rem_" + op.ID}, nil
}

func newTestServer(t *testing.T, cfg ServerConfig, delivery offsync.RemoteDelivery, online bool) (*Server, *offsync.Engine) {
	t.Helper()
	engine, err := offsync.NewEngine(offsync.Options{
		Delivery:         delivery,
		Monitor:          offsync.NewConnectivityMonitor(online, 0),
		DeviceID:         "device_api",
		DisableAutoDrain: true,
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	server := NewServerWithConfig(engine, cfg)
	t.Cleanup(func() {
		server.Close()
		engine.Close()
	})
	return server, engine
}

func doRequest(t *testing.T, server *Server, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestHealthSkipsAuth(t *testing.T) {
	server, _ := newTestServer(t, ServerConfig{AuthToken: "secret"}, nil, true)
	rec := doRequest(t, server, http.MethodGet, "/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestBearerAuthRequired(t *testing.T) {
	server, _ := newTestServer(t, ServerConfig{AuthToken: "secret"}, nil, true)

	rec := doRequest(t, server, http.MethodGet, "/v1/sync/status", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing token: expected 401, got %d", rec.Code)
	}
	rec = doRequest(t, server, http.MethodGet, "/v1/sync/status", "wrong", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token: expected 401, got %d", rec.Code)
	}
	rec = doRequest(t, server, http.MethodGet, "/v1/sync/status", "secret", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("valid token: expected 200, got %d", rec.Code)
	}
}

func TestStatusEndpoint(t *testing.T) {
	server, engine := newTestServer(t, ServerConfig{}, nil, false)
	if _, err := engine.Enqueue(offsync.OpSendMessage, json.RawMessage(`{"conversationId":"c1","body":"hi"}`)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	rec := doRequest(t, server, http.MethodGet, "/v1/sync/status", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["queueLength"] != float64(1) || body["isOnline"] != false {
		t.Fatalf("unexpected status body %v", body)
	}
}

func TestEnqueueEndpoint(t *testing.T) {
	server, engine := newTestServer(t, ServerConfig{}, nil, false)

	rec := doRequest(t, server, http.MethodPost, "/v1/ops", "", map[string]any{
		"type": "send_message",
		"data": map[string]string{"conversationId": "c1", "body": "hello"},
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	id, _ := body["id"].(string)
	if id == "" {
		t.Fatalf("response did not carry operation id: %v", body)
	}
	if got := engine.Status().QueueLength; got != 1 {
		t.Fatalf("expected queued operation, length %d", got)
	}
}

func TestEnqueueEndpointRejectsBadInput(t *testing.T) {
	server, _ := newTestServer(t, ServerConfig{}, nil, false)

	rec := doRequest(t, server, http.MethodPost, "/v1/ops", "", map[string]any{
		"type": "carrier_pigeon",
		"data": map[string]string{},
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown type: expected 400, got %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/ops", strings.NewReader("{not json"))
	rec2 := httptest.NewRecorder()
	server.ServeHTTP(rec2, req)
	if rec2.Code != http.StatusBadRequest {
		t.Fatalf("malformed body: expected 400, got %d", rec2.Code)
	}
}

func TestEnqueueWithIdempotencyKeyMerges(t *testing.T) {
	server, engine := newTestServer(t, ServerConfig{}, nil, false)
	payload := map[string]any{
		"type":           "send_message",
		"data":           map[string]string{"conversationId": "c1", "body": "once"},
		"idempotencyKey": "idem_fixed",
	}
	first := decodeBody(t, doRequest(t, server, http.MethodPost, "/v1/ops", "", payload))
	second := decodeBody(t, doRequest(t, server, http.MethodPost, "/v1/ops", "", payload))
	if first["id"] != second["id"] {
		t.Fatalf("duplicate key should merge: %v vs %v", first["id"], second["id"])
	}
	if got := engine.Status().QueueLength; got != 1 {
		t.Fatalf("expected single queued operation, got %d", got)
	}
}

func TestSyncNowEndpoint(t *testing.T) {
	delivery := &stubDelivery{}
	server, engine := newTestServer(t, ServerConfig{}, delivery, true)
	if _, err := engine.Enqueue(offsync.OpSendMessage, json.RawMessage(`{"conversationId":"c1","body":"go"}`)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	rec := doRequest(t, server, http.MethodPost, "/v1/sync/now", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["succeeded"] != float64(1) {
		t.Fatalf("expected one success, got %v", body)
	}
	if delivery.calls != 1 {
		t.Fatalf("expected one delivery call, got %d", delivery.calls)
	}
}

func TestSyncNowWhileOffline(t *testing.T) {
	server, _ := newTestServer(t, ServerConfig{}, &stubDelivery{}, false)
	rec := doRequest(t, server, http.MethodPost, "/v1/sync/now", "", nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 while offline, got %d", rec.Code)
	}
	if body := decodeBody(t, rec); body["code"] != "offline" {
		t.Fatalf("unexpected error body %v", body)
	}
}

func TestSyncNowWithoutDelivery(t *testing.T) {
	server, _ := newTestServer(t, ServerConfig{}, nil, true)
	rec := doRequest(t, server, http.MethodPost, "/v1/sync/now", "", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without delivery, got %d", rec.Code)
	}
}

func TestDismissAndRetryEndpoints(t *testing.T) {
	delivery := &stubDelivery{fail: true}
	server, engine := newTestServer(t, ServerConfig{}, delivery, true)

	rec := doRequest(t, server, http.MethodPost, "/v1/ops/op_missing/retry", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("retry unknown: expected 404, got %d", rec.Code)
	}

	id, err := engine.Enqueue(offsync.OpSendMessage, json.RawMessage(`{"conversationId":"c1","body":"x"}`))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	rec = doRequest(t, server, http.MethodPost, "/v1/ops/"+id+"/retry", "", nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("retry pending: expected 409, got %d", rec.Code)
	}

	rec = doRequest(t, server, http.MethodDelete, "/v1/ops/"+id, "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("dismiss: expected 200, got %d", rec.Code)
	}
	if got := engine.Status().QueueLength; got != 0 {
		t.Fatalf("expected empty queue, got %d", got)
	}
}

func TestDeadLettersEndpoint(t *testing.T) {
	server, engine := newTestServer(t, ServerConfig{}, nil, true)
	if _, err := engine.Enqueue(offsync.OpSendMessage, json.RawMessage(`{"conversationId":"c1","body":"fail"}`)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	deliver := func(ctx context.Context, op offsync.QueuedOperation) (offsync.Ack, error) {
		return offsync.Ack{}, offsync.NewPermanentError("validation_failed", "rejected")
	}
	if _, err := engine.ProcessQueue(context.Background(), deliver); err != nil {
		t.Fatalf("pass: %v", err)
	}

	rec := doRequest(t, server, http.MethodGet, "/v1/sync/dead-letters", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := decodeBody(t, rec)
	letters, _ := body["deadLetters"].([]any)
	if len(letters) != 1 {
		t.Fatalf("expected one dead letter, got %v", body)
	}
}

func TestConnectivityEndpoint(t *testing.T) {
	server, engine := newTestServer(t, ServerConfig{}, nil, false)

	rec := doRequest(t, server, http.MethodPut, "/v1/connectivity", "", map[string]any{"online": true})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	if !engine.IsOnline() {
		t.Fatalf("engine should be online after signal")
	}

	rec = doRequest(t, server, http.MethodPut, "/v1/connectivity", "", map[string]any{})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing online field: expected 400, got %d", rec.Code)
	}
}

func TestRateLimiting(t *testing.T) {
	server, _ := newTestServer(t, ServerConfig{RateLimitMax: 2, RateLimitWindow: time.Minute}, nil, true)

	for i := 0; i < 2; i++ {
		if rec := doRequest(t, server, http.MethodGet, "/v1/sync/status", "", nil); rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, rec.Code)
		}
	}
	rec := doRequest(t, server, http.MethodGet, "/v1/sync/status", "", nil)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatalf("429 must carry Retry-After")
	}
}

func TestUnknownRoute(t *testing.T) {
	server, _ := newTestServer(t, ServerConfig{}, nil, true)
	rec := doRequest(t, server, http.MethodGet, "/v1/nope", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	// Wrong method on a known path is also not found.
	rec = doRequest(t, server, http.MethodDelete, "/v1/sync/status", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for wrong method, got %d", rec.Code)
	}
}

func TestEventFeedStreamsOverWebsocket(t *testing.T) {
	server, engine := newTestServer(t, ServerConfig{}, nil, true)
	httpServer := httptest.NewServer(server)
	defer httpServer.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(httpServer.URL, "http") + "/v1/sync/events"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	var snapshot map[string]any
	if err := wsjson.Read(ctx, conn, &snapshot); err != nil {
		t.Fatalf("read snapshot frame: %v", err)
	}
	if snapshot["kind"] != "status" {
		t.Fatalf("first frame should be a status snapshot, got %v", snapshot)
	}

	if _, err := engine.Enqueue(offsync.OpSendMessage, json.RawMessage(`{"conversationId":"c1","body":"live"}`)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	var frame map[string]any
	if err := wsjson.Read(ctx, conn, &frame); err != nil {
		t.Fatalf("read event frame: %v", err)
	}
	if frame["kind"] != "event" {
		t.Fatalf("expected event frame, got %v", frame)
	}
	event, _ := frame["event"].(map[string]any)
	if event["type"] != string(offsync.EventMessageQueued) {
		t.Fatalf("expected message_queued, got %v", event)
	}
}
