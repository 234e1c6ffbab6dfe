package proxy

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"k8s.io/klog/v2"

	"github.com/vnmchuo/pm-dashboard/internal/provider"
	"github.com/vnmchuo/pm-dashboard/internal/session"
)

// eventWriter relays session hooks to the client as server-sent events. The
// response headers go out with the first event.
type eventWriter struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
	started bool
}

func newEventWriter(w http.ResponseWriter, flusher http.Flusher) *eventWriter {
	return &eventWriter{w: w, flusher: flusher}
}

func (e *eventWriter) send(event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		klog.Errorf("Encoding %s event: %v", event, err)
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started {
		e.w.Header().Set("Content-Type", "text/event-stream")
		e.w.Header().Set("Cache-Control", "no-cache")
		e.w.Header().Set("Connection", "keep-alive")
		e.w.WriteHeader(http.StatusOK)
		e.started = true
	}
	fmt.Fprintf(e.w, "event: %s\ndata: %s\n\n", event, data)
	e.flusher.Flush()
}

type flag struct {
	Value bool `json:"value"`
}

type text struct {
	Text string `json:"text"`
}

type id struct {
	ID string `json:"id"`
}

func errorPayload(err error) map[string]string {
	return map[string]string{"kind": string(provider.KindOf(err)), "error": err.Error()}
}

// hooks maps the generation callbacks onto events named after them.
func (e *eventWriter) hooks() session.Hooks {
	return session.Hooks{
		OnRequesting:             func(v bool) { e.send("requesting", flag{v}) },
		OnGenerating:             func(v bool) { e.send("generating", flag{v}) },
		OnStopping:               func(v bool) { e.send("stopping", flag{v}) },
		OnComplete:               func() { e.send("complete", struct{}{}) },
		OnError:                  func(err error) { e.send("error", errorPayload(err)) },
		OnStreamChunk:            func(s string) { e.send("chunk", text{s}) },
		OnStats:                  func(s provider.UsageStats) { e.send("stats", statsPayload(s)) },
		OnSystemInfo:             func(s string) { e.send("system_info", text{s}) },
		OnStopMessage:            func(s string) { e.send("stop_message", text{s}) },
		OnErrorInResult:          func(s string) { e.send("error_in_result", text{s}) },
		OnMessageIDReceived:      func(s string) { e.send("message_id", id{s}) },
		OnConversationIDReceived: func(s string) { e.send("conversation_id", id{s}) },
		OnClearResult:            func() { e.send("clear_result", struct{}{}) },
		OnShowResultContainer:    func() { e.send("show_result_container", struct{}{}) },
	}
}

func statsPayload(s provider.UsageStats) map[string]any {
	return map[string]any{
		"elapsed_ms":   s.Elapsed.Milliseconds(),
		"total_tokens": s.TotalTokens,
		"total_steps":  s.TotalSteps,
		"total_price":  s.TotalPrice,
		"currency":     s.Currency,
	}
}
