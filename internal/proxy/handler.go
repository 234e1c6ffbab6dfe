package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"k8s.io/klog/v2"

	"github.com/vnmchuo/pm-dashboard/config"
	"github.com/vnmchuo/pm-dashboard/internal/auth"
	"github.com/vnmchuo/pm-dashboard/internal/billing"
	"github.com/vnmchuo/pm-dashboard/internal/logging"
	"github.com/vnmchuo/pm-dashboard/internal/metrics"
	"github.com/vnmchuo/pm-dashboard/internal/provider"
	"github.com/vnmchuo/pm-dashboard/internal/provider/chat"
	"github.com/vnmchuo/pm-dashboard/internal/provider/workflow"
	"github.com/vnmchuo/pm-dashboard/internal/session"
	"github.com/vnmchuo/pm-dashboard/pkg/ratelimit"
)

const infoCacheTTL = 5 * time.Minute

type Handler struct {
	apps       map[string]config.App
	controller *session.Controller
	adapters   map[provider.Variant]provider.Adapter
	registry   *Registry
	billing    billing.Store
	limiter    *ratelimit.Limiter
	cache      *redis.Client
	tracer     trace.Tracer
}

func NewHandler(apps map[string]config.App, transport session.Transport, billing billing.Store, limiter *ratelimit.Limiter, cache *redis.Client, tracer trace.Tracer) *Handler {
	return &Handler{
		apps:       apps,
		controller: session.NewController(transport),
		adapters: map[provider.Variant]provider.Adapter{
			provider.VariantChat:     chat.New(),
			provider.VariantWorkflow: workflow.New(),
		},
		registry: NewRegistry(),
		billing:  billing,
		limiter:  limiter,
		cache:    cache,
		tracer:   tracer,
	}
}

type generateRequest struct {
	Query          string            `json:"query"`
	Inputs         map[string]string `json:"inputs"`
	ConversationID string            `json:"conversation_id"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// errorStatus maps a pre-flight error onto the response status.
func errorStatus(err error) int {
	switch provider.KindOf(err) {
	case provider.KindMissingParameter:
		return http.StatusBadRequest
	case provider.KindBackendRejected, provider.KindTransport:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// lookup resolves the caller and the app named in the path, writing the
// error response itself when either is missing.
func (h *Handler) lookup(w http.ResponseWriter, r *http.Request) (string, config.App, bool) {
	username := auth.GetUsername(r.Context())
	if username == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return "", config.App{}, false
	}

	name := chi.URLParam(r, "app")
	app, ok := h.apps[name]
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown app %q", name))
		return "", config.App{}, false
	}
	return username, app, true
}

func (h *Handler) HandleApps(w http.ResponseWriter, r *http.Request) {
	names := make([]string, 0, len(h.apps))
	for name := range h.apps {
		names = append(names, name)
	}
	sort.Strings(names)

	apps := make([]map[string]any, 0, len(names))
	for _, name := range names {
		a := h.apps[name]
		apps = append(apps, map[string]any{
			"name":       a.Name,
			"title":      a.Title,
			"variant":    a.Variant,
			"configured": a.Configured(),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"apps": apps})
}

func (h *Handler) HandleInfo(w http.ResponseWriter, r *http.Request) {
	_, app, ok := h.lookup(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	cacheKey := fmt.Sprintf("appinfo:%s", app.Name)

	if h.cache != nil {
		if cached, err := h.cache.Get(ctx, cacheKey).Bytes(); err == nil {
			var info provider.AppInfo
			if json.Unmarshal(cached, &info) == nil {
				writeJSON(w, http.StatusOK, info)
				return
			}
		} else if !errors.Is(err, redis.Nil) {
			klog.Warningf("app info cache: %v", err)
		}
	}

	info, err := h.controller.LoadInfo(ctx, app.Target(), session.Hooks{})
	if err != nil {
		writeError(w, errorStatus(err), err.Error())
		return
	}

	if h.cache != nil {
		if b, err := json.Marshal(info); err == nil {
			_ = h.cache.Set(ctx, cacheKey, b, infoCacheTTL).Err()
		}
	}
	writeJSON(w, http.StatusOK, info)
}

func (h *Handler) HandleGenerate(w http.ResponseWriter, r *http.Request) {
	username, app, ok := h.lookup(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	logger := logging.GetRequestLogger(r)

	requestID := auth.GetRequestID(ctx)
	if requestID == "" {
		requestID = uuid.New().String()
	}

	var body generateRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	allowed, err := h.limiter.Allow(ctx, username)
	if err != nil || !allowed {
		w.Header().Set("Retry-After", "60")
		writeJSON(w, http.StatusTooManyRequests, map[string]string{
			"error":       "rate limit exceeded",
			"retry_after": "60s",
		})
		return
	}

	key := surfaceKey(username, app.Name)
	if !h.registry.Reserve(key) {
		writeError(w, http.StatusConflict, "a generation is already running for this app; stop it first")
		return
	}
	defer h.registry.Release(key)

	ctx, span := h.tracer.Start(ctx, "proxy.generate")
	defer span.End()
	span.SetAttributes(
		attribute.String("username", username),
		attribute.String("request_id", requestID),
		attribute.String("app", app.Name),
		attribute.String("variant", string(app.Variant)),
	)

	req := &provider.Request{
		APIKey:         app.APIKey,
		BaseURL:        app.BaseURL,
		User:           username,
		Query:          body.Query,
		QuerySlot:      app.QuerySlot,
		Inputs:         body.Inputs,
		RequiredInputs: app.Inputs,
		ConversationID: body.ConversationID,
	}

	events := newEventWriter(w, flusher)
	s, err := h.controller.Start(ctx, h.adapters[app.Variant], req, events.hooks())
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		writeError(w, errorStatus(err), err.Error())
		return
	}
	h.registry.Attach(key, s)
	metrics.IncActiveSessions()
	defer metrics.DecActiveSessions()

	<-s.Done()
	res := s.Result()

	events.send("done", map[string]string{
		"session_id":      s.ID(),
		"state":           res.State.String(),
		"generation_id":   res.GenerationID,
		"conversation_id": res.ConversationID,
	})

	span.SetAttributes(attribute.String("outcome", res.State.String()))
	if res.State == session.StateFailed {
		span.SetStatus(codes.Error, res.Err.Error())
	}
	logger.V(logging.INFO).Info("Generation finished", "app", app.Name, "session", s.ID(), "state", res.State.String(), "generation", res.GenerationID)

	h.record(username, app, requestID, res)
}

// record updates metrics and logs usage asynchronously.
func (h *Handler) record(username string, app config.App, requestID string, res session.Result) {
	metrics.RecordSession(app.Name, string(app.Variant), res.State.String(), res.FinishedAt.Sub(res.StartedAt))

	usage := &billing.UsageLog{
		Username:     username,
		App:          app.Name,
		RequestID:    requestID,
		GenerationID: res.GenerationID,
		Outcome:      res.State.String(),
		ElapsedMs:    res.FinishedAt.Sub(res.StartedAt).Milliseconds(),
	}
	if st := res.Stats; st != nil {
		metrics.RecordTokens(app.Name, st.TotalTokens)
		usage.TotalTokens = st.TotalTokens
		usage.TotalSteps = st.TotalSteps
		usage.TotalPrice = st.TotalPrice
		usage.Currency = st.Currency
	}

	go func() {
		if err := h.billing.LogUsage(context.Background(), usage); err != nil {
			klog.Errorf("Logging usage for request %s: %v", requestID, err)
		}
	}()
}

func (h *Handler) HandleStop(w http.ResponseWriter, r *http.Request) {
	username, app, ok := h.lookup(w, r)
	if !ok {
		return
	}

	path := session.CancelNoop
	if s := h.registry.Get(surfaceKey(username, app.Name)); s != nil {
		path = s.Cancel(r.Context())
	}
	metrics.RecordCancel(path.String())
	writeJSON(w, http.StatusOK, map[string]string{"path": path.String()})
}

func (h *Handler) HandleUsage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	username := auth.GetUsername(ctx)
	if username == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	// Parse query parameters
	now := time.Now()
	fromStr := r.URL.Query().Get("from")
	toStr := r.URL.Query().Get("to")

	from := now.AddDate(0, 0, -30) // Default: last 30 days
	to := now

	if fromStr != "" {
		var err error
		from, err = time.Parse(time.RFC3339, fromStr)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid 'from' date format (use RFC3339)")
			return
		}
	}

	if toStr != "" {
		var err error
		to, err = time.Parse(time.RFC3339, toStr)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid 'to' date format (use RFC3339)")
			return
		}
	}

	logs, err := h.billing.GetUsageByUser(ctx, username, from, to)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	totalTokens, err := h.billing.GetTotalTokensByUser(ctx, username, from, to)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"username":       username,
		"total_requests": len(logs),
		"total_tokens":   totalTokens,
		"logs":           logs,
		"from":           from,
		"to":             to,
	})
}
