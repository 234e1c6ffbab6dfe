// Package session runs streaming generations against the backend: one
// Session per generate action, driven by a Controller.
package session

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"k8s.io/klog/v2"

	"github.com/vnmchuo/pm-dashboard/internal/logging"
	"github.com/vnmchuo/pm-dashboard/internal/provider"
	"github.com/vnmchuo/pm-dashboard/internal/stream"
)

// Transport is the backend surface a session needs. *backend.Client
// implements it.
type Transport interface {
	OpenStream(ctx context.Context, t provider.Target, path string, body any) (io.ReadCloser, error)
	Stop(ctx context.Context, t provider.Target, path, user string) error
	Info(ctx context.Context, t provider.Target) (*provider.AppInfo, error)
}

type State int

const (
	StatePending State = iota
	StateStreaming
	StateCompleted
	StateStopped
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateStreaming:
		return "streaming"
	case StateCompleted:
		return "completed"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

func (s State) Terminal() bool {
	return s == StateCompleted || s == StateStopped || s == StateFailed
}

// Result is a session's outcome. It is final once Done is closed.
type Result struct {
	State          State
	Output         string
	GenerationID   string
	ConversationID string
	Stats          *provider.UsageStats
	Err            error
	StartedAt      time.Time
	FinishedAt     time.Time
}

type Controller struct {
	transport Transport
}

func NewController(transport Transport) *Controller {
	return &Controller{transport: transport}
}

// LoadInfo fetches the application's metadata and reports it through hooks.
func (c *Controller) LoadInfo(ctx context.Context, t provider.Target, hooks Hooks) (*provider.AppInfo, error) {
	hooks.loading(true)
	defer hooks.loading(false)

	info, err := c.transport.Info(ctx, t)
	if err != nil {
		hooks.error(err)
		return nil, err
	}
	hooks.appInfo(*info)
	return info, nil
}

// Start validates req and launches the generation. Validation failures are
// returned before any request is made and no session is created. Hooks of
// the returned session are called from its own goroutine until Done is
// closed, apart from OnStopping(true) which comes from the goroutine calling
// Cancel; ctx bounds the whole generation.
func (c *Controller) Start(ctx context.Context, adapter provider.Adapter, req *provider.Request, hooks Hooks) (*Session, error) {
	if err := adapter.Validate(req); err != nil {
		return nil, err
	}

	runCtx, abort := context.WithCancel(ctx)
	s := &Session{
		id:        uuid.NewString(),
		adapter:   adapter,
		req:       req,
		hooks:     &hooks,
		transport: c.transport,
		abort:     abort,
		done:      make(chan struct{}),
		state:     StatePending,
		startedAt: time.Now(),
	}
	target := req.Target()
	s.coord = NewCoordinator(abort, func(ctx context.Context, id string) error {
		return c.transport.Stop(ctx, target, adapter.StopPath(id), req.User)
	})
	s.coord.requested = func() { s.hooks.stopping(true) }
	s.disp = newDispatcher(s.hooks, s.coord)

	s.hooks.clearResult()
	s.hooks.showResultContainer()

	s.coord.setInFlight(true)
	go s.run(runCtx)
	return s, nil
}

// Session is one generation. Its accrued state is owned by its run
// goroutine; the exported methods are safe to call from anywhere.
type Session struct {
	id        string
	adapter   provider.Adapter
	req       *provider.Request
	hooks     *Hooks
	transport Transport
	coord     *Coordinator
	disp      *dispatcher
	abort     context.CancelFunc
	done      chan struct{}
	startedAt time.Time

	mu     sync.Mutex
	state  State
	result Result
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) Variant() provider.Variant {
	return s.adapter.Variant()
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Cancel stops the generation. See Coordinator.Cancel.
func (s *Session) Cancel(ctx context.Context) CancelPath {
	path := s.coord.Cancel(ctx)
	klog.V(logging.INFO).Infof("Cancel for session %s took path %s", s.id, path)
	return path
}

// Done is closed after the terminal callback has returned.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Wait blocks until the session ends or ctx is done.
func (s *Session) Wait(ctx context.Context) (Result, error) {
	select {
	case <-s.done:
		return s.Result(), nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

func (s *Session) Result() Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Session) run(ctx context.Context) {
	defer close(s.done)
	defer s.abort()

	klog.V(logging.DEBUG).Infof("Session %s starting %s generation", s.id, s.adapter.Variant())

	s.coord.serialize(func() { s.hooks.requesting(true) })
	body, err := s.transport.OpenStream(ctx, s.req.Target(), s.adapter.Path(), s.adapter.Body(s.req))
	s.coord.serialize(func() { s.hooks.requesting(false) })
	if err != nil {
		if ctx.Err() != nil || s.coord.Cancelled() {
			s.end(StateStopped, nil, nil)
			return
		}
		s.end(StateFailed, err, nil)
		return
	}
	defer body.Close()
	s.coord.setInFlight(false)

	if !s.coord.deliver(func() {
		s.setState(StateStreaming)
		s.hooks.generating(true)
	}) {
		s.end(StateStopped, nil, nil)
		return
	}

	frames := stream.NewReader(body)
	for {
		if s.coord.Cancelled() {
			s.end(StateStopped, nil, nil)
			return
		}

		frame, err := frames.Next()
		if errors.Is(err, io.EOF) {
			s.endOfStream()
			return
		}
		if err != nil {
			if ctx.Err() != nil || s.coord.Cancelled() {
				s.end(StateStopped, nil, nil)
				return
			}
			s.end(StateFailed, provider.StreamRead(err), nil)
			return
		}

		for _, ev := range s.adapter.Normalize(frame) {
			var completion *provider.Event
			if !s.coord.deliver(func() { completion = s.disp.dispatch(ev) }) {
				s.end(StateStopped, nil, nil)
				return
			}
			if completion != nil {
				s.completed(completion)
				return
			}
		}
	}
}

// endOfStream resolves a stream that closed without a completion frame.
func (s *Session) endOfStream() {
	if s.disp.lastError != "" {
		s.end(StateFailed, provider.StreamEvent(s.disp.lastError), nil)
		return
	}
	klog.V(logging.DEBUG).Infof("Session %s stream ended without completion", s.id)
	s.end(StateCompleted, nil, nil)
}

func (s *Session) completed(ev *provider.Event) {
	switch ev.Status {
	case provider.StatusStopped:
		s.end(StateStopped, nil, nil)
	case provider.StatusFailed:
		msg := ev.Text
		if msg == "" {
			msg = "generation failed"
		}
		s.end(StateFailed, provider.StreamEvent(msg), nil)
	default:
		s.end(StateCompleted, nil, ev)
	}
}

// end moves the session to its terminal state and fires the one terminal
// callback. A pending cancellation overrides want.
func (s *Session) end(want State, err error, completion *provider.Event) {
	s.coord.gate.Lock()
	defer s.coord.gate.Unlock()

	st := s.coord.finish(want)
	cancelled := s.coord.Cancelled()

	if st == StateCompleted && completion != nil {
		s.disp.complete(completion)
	}

	res := Result{
		State:          st,
		Output:         s.disp.output.String(),
		GenerationID:   s.disp.generationID,
		ConversationID: s.disp.conversationID,
		Stats:          s.disp.stats,
		StartedAt:      s.startedAt,
		FinishedAt:     time.Now(),
	}
	switch st {
	case StateFailed:
		res.Err = err
	case StateStopped:
		res.Err = &provider.Error{Kind: provider.KindCancelled, Message: "generation stopped"}
	}

	s.mu.Lock()
	s.state = st
	s.result = res
	s.mu.Unlock()

	klog.V(logging.INFO).Infof("Session %s finished: state=%s generation=%s", s.id, st, res.GenerationID)

	switch st {
	case StateCompleted:
		s.hooks.generating(false)
		s.hooks.complete()
	case StateStopped:
		if cancelled {
			s.hooks.stopping(false)
		}
		s.hooks.generating(false)
		s.hooks.stopMessage(s.hooks.localize(MsgStopped))
	case StateFailed:
		s.hooks.generating(false)
		s.hooks.error(err)
	}
}
