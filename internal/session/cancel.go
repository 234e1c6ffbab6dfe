package session

import (
	"context"
	"sync"

	"k8s.io/klog/v2"
)

// CancelState is the coordinator's view of a stop request.
type CancelState int

const (
	CancelIdle CancelState = iota
	CancelRequested
	CancelStopped
)

func (s CancelState) String() string {
	switch s {
	case CancelIdle:
		return "idle"
	case CancelRequested:
		return "requested"
	case CancelStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// CancelPath reports what a Cancel call did.
type CancelPath int

const (
	CancelNoop CancelPath = iota
	CancelAbort
	CancelBackendStop
)

func (p CancelPath) String() string {
	switch p {
	case CancelNoop:
		return "noop"
	case CancelAbort:
		return "abort"
	case CancelBackendStop:
		return "backend-stop"
	default:
		return "unknown"
	}
}

// StopFunc asks the backend to stop the generation with the given id.
type StopFunc func(ctx context.Context, generationID string) error

// Coordinator reconciles a local transport abort with the backend stop RPC.
// The session reports transport and id changes to it; Cancel may be called
// from any goroutine.
//
// The request is in flight from Start until the backend answers with a
// stream. After that a cancel goes through the backend stop RPC.
type Coordinator struct {
	// gate serializes Cancel's state change with callback delivery, so no
	// callback runs concurrently with another and none is delivered once a
	// cancel has been requested.
	gate    sync.Mutex
	settled *sync.Cond

	mu           sync.Mutex
	pending      int
	state        CancelState
	inFlight     bool
	terminal     bool
	generationID string

	abort     func()
	stop      StopFunc
	requested func()
}

func NewCoordinator(abort func(), stop StopFunc) *Coordinator {
	c := &Coordinator{abort: abort, stop: stop}
	c.settled = sync.NewCond(&c.gate)
	return c
}

func (c *Coordinator) State() CancelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Cancelled reports whether frame processing must stop.
func (c *Coordinator) Cancelled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state != CancelIdle
}

func (c *Coordinator) setInFlight(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inFlight = v
}

// serialize runs fn under the delivery gate.
func (c *Coordinator) serialize(fn func()) {
	c.gate.Lock()
	defer c.gate.Unlock()
	fn()
}

// deliver runs fn under the delivery gate unless a cancellation has been
// requested, and reports whether it ran. A Cancel waiting for the gate is
// decided first.
func (c *Coordinator) deliver(fn func()) bool {
	c.gate.Lock()
	defer c.gate.Unlock()
	for c.cancelPending() {
		c.settled.Wait()
	}
	if c.Cancelled() {
		return false
	}
	fn()
	return true
}

func (c *Coordinator) cancelPending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending > 0
}

// captureID records the generation id the first time it is seen.
func (c *Coordinator) captureID(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generationID == "" {
		c.generationID = id
	}
}

// finish marks the session terminal and returns the outcome that wins: a
// cancellation that got in first turns any outcome into Stopped.
func (c *Coordinator) finish(want State) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.terminal = true
	c.inFlight = false
	if c.state != CancelIdle {
		return StateStopped
	}
	return want
}

// Cancel stops the generation.
//
// With the request still in flight it aborts the transport and moves straight
// to Stopped. Otherwise, if a generation id is known, it calls the backend
// stop RPC, moves to Stopped whatever the RPC returns and then releases the
// local stream. In every other case, including a session that already ended,
// it does nothing.
//
// Cancel waits for a callback that is already running to return, and none
// starts after it. It must not be called from inside a callback.
func (c *Coordinator) Cancel(ctx context.Context) CancelPath {
	c.mu.Lock()
	c.pending++
	c.mu.Unlock()

	c.gate.Lock()
	path, id := c.request()
	c.settled.Broadcast()
	c.gate.Unlock()

	switch path {
	case CancelAbort:
		c.release()
	case CancelBackendStop:
		if c.stop != nil {
			if err := c.stop(ctx, id); err != nil {
				// The backend cannot tell "already finished" from "stop
				// rejected"; both end here.
				klog.Warningf("Backend stop for generation %s failed: %v", id, err)
			}
		}
		c.mu.Lock()
		c.state = CancelStopped
		c.mu.Unlock()
		c.release()
	}
	return path
}

// request picks the cancel path and moves out of Idle. It runs under the
// delivery gate.
func (c *Coordinator) request() (CancelPath, string) {
	c.mu.Lock()
	c.pending--
	if c.terminal || c.state != CancelIdle {
		c.mu.Unlock()
		return CancelNoop, ""
	}

	if c.inFlight {
		c.state = CancelStopped
		c.mu.Unlock()
		c.notify()
		return CancelAbort, ""
	}

	if c.generationID == "" {
		c.mu.Unlock()
		return CancelNoop, ""
	}

	c.state = CancelRequested
	id := c.generationID
	c.mu.Unlock()
	c.notify()
	return CancelBackendStop, id
}

func (c *Coordinator) notify() {
	if c.requested != nil {
		c.requested()
	}
}

func (c *Coordinator) release() {
	if c.abort != nil {
		c.abort()
	}
}
