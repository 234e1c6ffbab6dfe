package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	extratelimit "github.com/vnmchuo/ratelimiter"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/vnmchuo/pm-dashboard/config"
	"github.com/vnmchuo/pm-dashboard/internal/auth"
	"github.com/vnmchuo/pm-dashboard/internal/backend"
	"github.com/vnmchuo/pm-dashboard/internal/billing"
	"github.com/vnmchuo/pm-dashboard/internal/provider"
	"github.com/vnmchuo/pm-dashboard/pkg/ratelimit"
)

// Mock Billing Store
type mockBillingStore struct {
	logged             chan *billing.UsageLog
	getUsageByUserFunc func(ctx context.Context, username string, from, to time.Time) ([]*billing.UsageLog, error)
	getTotalTokensFunc func(ctx context.Context, username string, from, to time.Time) (int64, error)
}

func (m *mockBillingStore) LogUsage(ctx context.Context, log *billing.UsageLog) error {
	if m.logged != nil {
		m.logged <- log
	}
	return nil
}

func (m *mockBillingStore) GetUsageByUser(ctx context.Context, username string, from, to time.Time) ([]*billing.UsageLog, error) {
	if m.getUsageByUserFunc != nil {
		return m.getUsageByUserFunc(ctx, username, from, to)
	}
	return nil, nil
}

func (m *mockBillingStore) GetTotalTokensByUser(ctx context.Context, username string, from, to time.Time) (int64, error) {
	if m.getTotalTokensFunc != nil {
		return m.getTotalTokensFunc(ctx, username, from, to)
	}
	return 0, nil
}

// Mock Limiter Store
type mockLimiterStore struct {
	allowed bool
	err     error
}

func (m *mockLimiterStore) AllowN(ctx context.Context, key string, n int) (*extratelimit.Result, error) {
	return &extratelimit.Result{Allowed: m.allowed}, m.err
}

func (m *mockLimiterStore) Allow(ctx context.Context, key string) (*extratelimit.Result, error) {
	return &extratelimit.Result{Allowed: m.allowed}, m.err
}

func (m *mockLimiterStore) Status(ctx context.Context, key string) (*extratelimit.Result, error) {
	return &extratelimit.Result{Allowed: m.allowed}, m.err
}

func testApps(baseURL string) map[string]config.App {
	return map[string]config.App{
		"ux-prompt": {
			Name: "ux-prompt", Title: "UX Prompt Generator", Variant: provider.VariantChat,
			BaseURL: baseURL, APIKey: "app-ux",
		},
		"user-story": {
			Name: "user-story", Title: "User Story Generator", Variant: provider.VariantWorkflow,
			BaseURL: baseURL, APIKey: "app-story", QuerySlot: "feature", Inputs: []string{"feature"},
		},
	}
}

// Test Suite
func setupTest(t *testing.T, backendURL string, limiterAllowed bool) (*Handler, *mockBillingStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	billingStore := &mockBillingStore{logged: make(chan *billing.UsageLog, 8)}
	limiter := ratelimit.NewTestLimiter(&mockLimiterStore{allowed: limiterAllowed})
	tracer := noop.NewTracerProvider().Tracer("test")

	h := NewHandler(testApps(backendURL), backend.NewClient(), billingStore, limiter, rdb, tracer)
	return h, billingStore, mr
}

func newRequest(method, app, username string, body []byte) *http.Request {
	req := httptest.NewRequest(method, "/v1/apps/"+app, bytes.NewReader(body))
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("app", app)
	ctx := context.WithValue(req.Context(), chi.RouteCtxKey, rctx)
	if username != "" {
		ctx = auth.WithUsername(ctx, username)
		ctx = auth.WithRequestID(ctx, "req-1")
	}
	return req.WithContext(ctx)
}

func generateBody(query string) []byte {
	b, _ := json.Marshal(map[string]any{"query": query})
	return b
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var resp map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to decode response %q: %v", w.Body.String(), err)
	}
	return resp["error"]
}

func chatBackend(t *testing.T) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"event\":\"message\",\"message_id\":\"m1\",\"conversation_id\":\"c1\",\"answer\":\"Hello\"}\n\n")
		fmt.Fprint(w, "data: {\"event\":\"message\",\"message_id\":\"m1\",\"answer\":\" world\"}\n\n")
		fmt.Fprint(w, "data: {\"event\":\"message_end\",\"message_id\":\"m1\",\"metadata\":{\"usage\":{\"total_tokens\":12,\"total_price\":\"0.0012\",\"currency\":\"USD\"}}}\n\n")
	}))
	t.Cleanup(server.Close)
	return server
}

func TestHandleGenerate_Unauthorized(t *testing.T) {
	h, _, _ := setupTest(t, "http://unused", true)
	w := httptest.NewRecorder()

	h.HandleGenerate(w, newRequest("POST", "ux-prompt", "", generateBody("hi")))

	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401, got %d", w.Code)
	}
	if got := decodeError(t, w); got != "unauthorized" {
		t.Errorf("Expected unauthorized error, got %v", got)
	}
}

func TestHandleGenerate_UnknownApp(t *testing.T) {
	h, _, _ := setupTest(t, "http://unused", true)
	w := httptest.NewRecorder()

	h.HandleGenerate(w, newRequest("POST", "nope", "alice", generateBody("hi")))

	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}
}

func TestHandleGenerate_InvalidBody(t *testing.T) {
	h, _, _ := setupTest(t, "http://unused", true)
	w := httptest.NewRecorder()

	h.HandleGenerate(w, newRequest("POST", "ux-prompt", "alice", []byte(`{invalid json}`)))

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", w.Code)
	}
	if got := decodeError(t, w); got != "invalid request body" {
		t.Errorf("Expected invalid request body error, got %v", got)
	}
}

func TestHandleGenerate_RateLimited(t *testing.T) {
	h, _, _ := setupTest(t, "http://unused", false)
	w := httptest.NewRecorder()

	h.HandleGenerate(w, newRequest("POST", "ux-prompt", "alice", generateBody("hi")))

	if w.Code != http.StatusTooManyRequests {
		t.Errorf("Expected 429, got %d", w.Code)
	}
	if got := decodeError(t, w); got != "rate limit exceeded" {
		t.Errorf("Expected rate limit exceeded error, got %v", got)
	}
	if w.Header().Get("Retry-After") != "60" {
		t.Errorf("Expected Retry-After: 60 header, got %s", w.Header().Get("Retry-After"))
	}
}

func TestHandleGenerate_MissingParameter(t *testing.T) {
	var hits int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { hits++ }))
	defer server.Close()
	h, _, _ := setupTest(t, server.URL, true)
	w := httptest.NewRecorder()

	h.HandleGenerate(w, newRequest("POST", "user-story", "alice", generateBody("   ")))

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", w.Code)
	}
	if got := decodeError(t, w); !strings.Contains(got, "missing required parameter: query") {
		t.Errorf("Expected missing parameter error, got %v", got)
	}
	if hits != 0 {
		t.Errorf("Expected no backend request, got %d", hits)
	}
	if h.registry.Reserve(surfaceKey("alice", "user-story")) == false {
		t.Errorf("Expected surface to be released after a rejected start")
	}
}

func TestHandleGenerate_Busy(t *testing.T) {
	h, _, _ := setupTest(t, "http://unused", true)
	h.registry.Reserve(surfaceKey("alice", "ux-prompt"))
	w := httptest.NewRecorder()

	h.HandleGenerate(w, newRequest("POST", "ux-prompt", "alice", generateBody("hi")))

	if w.Code != http.StatusConflict {
		t.Errorf("Expected 409, got %d", w.Code)
	}

	// Other users and other apps are separate surfaces.
	if !h.registry.Reserve(surfaceKey("bob", "ux-prompt")) || !h.registry.Reserve(surfaceKey("alice", "user-story")) {
		t.Errorf("Expected independent surfaces to be free")
	}
}

func TestHandleGenerate_Success(t *testing.T) {
	server := chatBackend(t)
	h, billingStore, _ := setupTest(t, server.URL, true)
	w := httptest.NewRecorder()

	h.HandleGenerate(w, newRequest("POST", "ux-prompt", "alice", generateBody("hello")))

	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
	if w.Header().Get("Content-Type") != "text/event-stream" {
		t.Errorf("Expected text/event-stream content type, got %s", w.Header().Get("Content-Type"))
	}

	body := w.Body.String()
	for _, want := range []string{
		"event: clear_result\n",
		"event: chunk\ndata: {\"text\":\"Hello\"}\n\n",
		"event: chunk\ndata: {\"text\":\" world\"}\n\n",
		"event: message_id\ndata: {\"id\":\"m1\"}\n\n",
		"event: conversation_id\ndata: {\"id\":\"c1\"}\n\n",
		"\"total_tokens\":12",
		"event: complete\n",
		"\"state\":\"completed\"",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("Body missing %q: %s", want, body)
		}
	}
	if strings.Index(body, "event: complete") > strings.Index(body, "event: done") {
		t.Errorf("Expected done after complete: %s", body)
	}

	select {
	case log := <-billingStore.logged:
		if log.Username != "alice" || log.App != "ux-prompt" || log.GenerationID != "m1" {
			t.Errorf("Unexpected usage log %+v", log)
		}
		if log.TotalTokens != 12 || log.TotalPrice != "0.0012" || log.Outcome != "completed" {
			t.Errorf("Unexpected usage stats %+v", log)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("usage was not logged")
	}

	if h.registry.Get(surfaceKey("alice", "ux-prompt")) != nil {
		t.Errorf("Expected surface to be released")
	}
}

func TestHandleGenerate_BackendRejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"code":"unauthorized"}`)
	}))
	defer server.Close()
	h, _, _ := setupTest(t, server.URL, true)
	w := httptest.NewRecorder()

	h.HandleGenerate(w, newRequest("POST", "ux-prompt", "alice", generateBody("hello")))

	body := w.Body.String()
	if !strings.Contains(body, "event: error\n") || !strings.Contains(body, `"kind":"BACKEND_REJECTED"`) {
		t.Errorf("Expected backend rejection event: %s", body)
	}
	if strings.Contains(body, "event: chunk") {
		t.Errorf("Expected no content: %s", body)
	}
	if !strings.Contains(body, `"state":"failed"`) {
		t.Errorf("Expected failed state: %s", body)
	}
}

func TestHandleStop_NoSession(t *testing.T) {
	h, _, _ := setupTest(t, "http://unused", true)
	w := httptest.NewRecorder()

	h.HandleStop(w, newRequest("POST", "ux-prompt", "alice", nil))

	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"path":"noop"`) {
		t.Errorf("Expected noop path, got %s", w.Body.String())
	}
}

// stopUntil calls HandleStop until it reports want, since the session
// registers and captures its id asynchronously.
func stopUntil(t *testing.T, h *Handler, want string) string {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		stop := httptest.NewRecorder()
		h.HandleStop(stop, newRequest("POST", "ux-prompt", "alice", nil))
		body := stop.Body.String()
		if strings.Contains(body, fmt.Sprintf(`"path":%q`, want)) {
			return body
		}
		if !strings.Contains(body, `"path":"noop"`) || time.Now().After(deadline) {
			t.Fatalf("Expected %s path, got %s", want, body)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestHandleStop_BeforeResponse(t *testing.T) {
	arrived := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(arrived)
		<-r.Context().Done()
	}))
	defer server.Close()
	h, billingStore, _ := setupTest(t, server.URL, true)

	var wg sync.WaitGroup
	w := httptest.NewRecorder()
	wg.Add(1)
	go func() {
		defer wg.Done()
		h.HandleGenerate(w, newRequest("POST", "ux-prompt", "alice", generateBody("hello")))
	}()

	select {
	case <-arrived:
	case <-time.After(5 * time.Second):
		t.Fatal("request never reached the backend")
	}
	stopUntil(t, h, "abort")

	wg.Wait()
	body := w.Body.String()
	if strings.Count(body, "event: stop_message\n") != 1 {
		t.Errorf("Expected exactly one stop message: %s", body)
	}
	if !strings.Contains(body, "event: stopping\ndata: {\"value\":true}") {
		t.Errorf("Expected stopping event: %s", body)
	}

	select {
	case log := <-billingStore.logged:
		if log.Outcome != "stopped" {
			t.Errorf("Expected stopped outcome, got %s", log.Outcome)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("usage was not logged")
	}
}

func TestHandleStop_Streaming(t *testing.T) {
	var mu sync.Mutex
	var stops []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/stop") {
			mu.Lock()
			stops = append(stops, r.URL.Path)
			mu.Unlock()
			fmt.Fprint(w, `{"result":"success"}`)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"event\":\"message\",\"message_id\":\"m1\",\"answer\":\"Hel\"}\n\n")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer server.Close()
	h, billingStore, _ := setupTest(t, server.URL, true)

	var wg sync.WaitGroup
	w := httptest.NewRecorder()
	wg.Add(1)
	go func() {
		defer wg.Done()
		h.HandleGenerate(w, newRequest("POST", "ux-prompt", "alice", generateBody("hello")))
	}()

	stopUntil(t, h, "backend-stop")

	wg.Wait()
	mu.Lock()
	if len(stops) != 1 || stops[0] != "/chat-messages/m1/stop" {
		t.Errorf("Expected one stop call for m1, got %v", stops)
	}
	mu.Unlock()

	body := w.Body.String()
	if strings.Count(body, "event: stop_message\n") != 1 {
		t.Errorf("Expected exactly one stop message: %s", body)
	}
	if strings.Count(body, "event: stopping\n") != 2 {
		t.Errorf("Expected stopping on and off: %s", body)
	}
	if strings.Contains(body, "event: complete\n") {
		t.Errorf("Expected no completion: %s", body)
	}

	select {
	case log := <-billingStore.logged:
		if log.Outcome != "stopped" {
			t.Errorf("Expected stopped outcome, got %s", log.Outcome)
		}
		if log.GenerationID != "m1" {
			t.Errorf("Expected generation m1, got %s", log.GenerationID)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("usage was not logged")
	}
}

func TestHandleInfo_Cached(t *testing.T) {
	var mu sync.Mutex
	hits := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits++
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"name":"UX Prompt Generator","description":"Prompts for UX work","tags":["ux"]}`)
	}))
	defer server.Close()
	h, _, mr := setupTest(t, server.URL, true)

	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		h.HandleInfo(w, newRequest("GET", "ux-prompt", "alice", nil))
		if w.Code != http.StatusOK {
			t.Fatalf("Expected 200, got %d", w.Code)
		}
		var info provider.AppInfo
		if err := json.Unmarshal(w.Body.Bytes(), &info); err != nil {
			t.Fatalf("Failed to decode response: %v", err)
		}
		if info.Name != "UX Prompt Generator" {
			t.Errorf("Expected app name, got %v", info.Name)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if hits != 1 {
		t.Errorf("Expected one backend call, got %d", hits)
	}
	if mr.TTL("appinfo:ux-prompt") != infoCacheTTL {
		t.Errorf("Expected cache TTL %v, got %v", infoCacheTTL, mr.TTL("appinfo:ux-prompt"))
	}
}

func TestHandleInfo_BackendRejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"code":"unauthorized","message":"Access token is invalid"}`)
	}))
	defer server.Close()
	h, _, _ := setupTest(t, server.URL, true)
	w := httptest.NewRecorder()

	h.HandleInfo(w, newRequest("GET", "ux-prompt", "alice", nil))

	if w.Code != http.StatusBadGateway {
		t.Errorf("Expected 502, got %d", w.Code)
	}
	if got := decodeError(t, w); !strings.Contains(got, "401") {
		t.Errorf("Expected status in error, got %v", got)
	}
}

func TestHandleApps(t *testing.T) {
	h, _, _ := setupTest(t, "http://backend/v1", true)
	w := httptest.NewRecorder()

	h.HandleApps(w, newRequest("GET", "", "alice", nil))

	var resp struct {
		Apps []struct {
			Name       string `json:"name"`
			Variant    string `json:"variant"`
			Configured bool   `json:"configured"`
		} `json:"apps"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if len(resp.Apps) != 2 || resp.Apps[0].Name != "user-story" || resp.Apps[1].Name != "ux-prompt" {
		t.Errorf("Unexpected apps %+v", resp.Apps)
	}
	if resp.Apps[0].Variant != "workflow" || !resp.Apps[0].Configured {
		t.Errorf("Unexpected app %+v", resp.Apps[0])
	}
}

func TestHandleUsage_Unauthorized(t *testing.T) {
	h, _, _ := setupTest(t, "http://unused", true)
	req := httptest.NewRequest("GET", "/v1/usage", nil)
	w := httptest.NewRecorder()

	h.HandleUsage(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401, got %d", w.Code)
	}
}

func TestHandleUsage_InvalidDate(t *testing.T) {
	h, _, _ := setupTest(t, "http://unused", true)
	req := httptest.NewRequest("GET", "/v1/usage?from=yesterday", nil)
	req = req.WithContext(auth.WithUsername(req.Context(), "alice"))
	w := httptest.NewRecorder()

	h.HandleUsage(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", w.Code)
	}
}

func TestHandleUsage_Success(t *testing.T) {
	h, billingStore, _ := setupTest(t, "http://unused", true)
	billingStore.getUsageByUserFunc = func(ctx context.Context, username string, from, to time.Time) ([]*billing.UsageLog, error) {
		if username != "alice" {
			t.Errorf("Expected alice, got %s", username)
		}
		return []*billing.UsageLog{{App: "ux-prompt", TotalTokens: 12}, {App: "user-story", TotalTokens: 30}}, nil
	}
	billingStore.getTotalTokensFunc = func(ctx context.Context, username string, from, to time.Time) (int64, error) {
		return 42, nil
	}

	req := httptest.NewRequest("GET", "/v1/usage?from=2026-01-01T00:00:00Z&to=2026-02-01T00:00:00Z", nil)
	req = req.WithContext(auth.WithUsername(req.Context(), "alice"))
	w := httptest.NewRecorder()

	h.HandleUsage(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp["total_requests"] != float64(2) || resp["total_tokens"] != float64(42) {
		t.Errorf("Unexpected usage totals %v", resp)
	}
}
