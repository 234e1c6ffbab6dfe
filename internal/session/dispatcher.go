package session

import (
	"strings"

	"k8s.io/klog/v2"

	"github.com/vnmchuo/pm-dashboard/internal/logging"
	"github.com/vnmchuo/pm-dashboard/internal/provider"
)

// dispatcher applies normalized events to one session's accrued state and
// forwards them to the caller's hooks, in arrival order.
type dispatcher struct {
	hooks *Hooks
	coord *Coordinator

	output         strings.Builder
	deltas         int
	generationID   string
	conversationID string
	stats          *provider.UsageStats
	statsSent      bool
	lastError      string
}

func newDispatcher(hooks *Hooks, coord *Coordinator) *dispatcher {
	return &dispatcher{hooks: hooks, coord: coord}
}

// dispatch handles one event. It returns the event when it is a completion;
// the caller then ends the session.
func (d *dispatcher) dispatch(ev provider.Event) *provider.Event {
	klog.V(logging.TRACE).Infof("Dispatching %s event", ev.Kind)

	switch ev.Kind {
	case provider.EventGenerationID:
		if ev.ID == "" || d.generationID != "" {
			return nil
		}
		d.generationID = ev.ID
		d.coord.captureID(ev.ID)
		d.hooks.messageID(ev.ID)

	case provider.EventConversationID:
		if ev.ID == "" || d.conversationID != "" {
			return nil
		}
		d.conversationID = ev.ID
		d.hooks.conversationID(ev.ID)

	case provider.EventContentDelta:
		if ev.Text != "" {
			d.delta(ev.Text)
		}

	case provider.EventProgress:
		d.hooks.systemInfo(ev.Text)

	case provider.EventStreamError:
		d.lastError = ev.Text
		d.hooks.errorInResult(d.hooks.localize(MsgStreamError) + " " + ev.Text)

	case provider.EventCompletion:
		if ev.Stats != nil {
			d.stats = ev.Stats
		}
		return &ev
	}
	return nil
}

func (d *dispatcher) delta(text string) {
	d.deltas++
	d.output.WriteString(text)
	d.hooks.streamChunk(text)
}

// complete emits what a successful completion owes the caller before the
// terminal callback: the final output as a single delta when nothing was
// streamed, then the usage stats.
func (d *dispatcher) complete(ev *provider.Event) {
	if d.deltas == 0 && ev.FinalText != "" {
		d.delta(ev.FinalText)
	}
	if d.stats != nil && !d.statsSent {
		d.statsSent = true
		d.hooks.stats(*d.stats)
	}
}
