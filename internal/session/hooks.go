package session

import "github.com/vnmchuo/pm-dashboard/internal/provider"

// Localization keys used for user-facing session messages.
const (
	MsgStopped     = "generation.stopped"
	MsgStreamError = "generation.stream_error"
)

var defaultMessages = map[string]string{
	MsgStopped:     "Generation stopped.",
	MsgStreamError: "Error:",
}

// Hooks is the capability set a caller supplies to observe a session. Any
// field may be nil. Hooks of one session never run concurrently and arrive in
// order. A hook must not cancel its own session synchronously.
type Hooks struct {
	OnLoading                func(loading bool)
	OnError                  func(err error)
	OnAppInfo                func(info provider.AppInfo)
	OnRequesting             func(requesting bool)
	OnGenerating             func(generating bool)
	OnStopping               func(stopping bool)
	OnComplete               func()
	OnStreamChunk            func(text string)
	OnStats                  func(stats provider.UsageStats)
	OnSystemInfo             func(label string)
	OnStopMessage            func(message string)
	OnErrorInResult          func(message string)
	OnMessageIDReceived      func(id string)
	OnConversationIDReceived func(id string)
	OnClearResult            func()
	OnShowResultContainer    func()

	// Localize looks up a user-facing message. An empty result falls back to
	// the built-in English text.
	Localize func(key string) string
}

func (h *Hooks) localize(key string) string {
	if h.Localize != nil {
		if s := h.Localize(key); s != "" {
			return s
		}
	}
	return defaultMessages[key]
}

func (h *Hooks) loading(v bool) {
	if h.OnLoading != nil {
		h.OnLoading(v)
	}
}

func (h *Hooks) error(err error) {
	if h.OnError != nil {
		h.OnError(err)
	}
}

func (h *Hooks) appInfo(info provider.AppInfo) {
	if h.OnAppInfo != nil {
		h.OnAppInfo(info)
	}
}

func (h *Hooks) requesting(v bool) {
	if h.OnRequesting != nil {
		h.OnRequesting(v)
	}
}

func (h *Hooks) generating(v bool) {
	if h.OnGenerating != nil {
		h.OnGenerating(v)
	}
}

func (h *Hooks) stopping(v bool) {
	if h.OnStopping != nil {
		h.OnStopping(v)
	}
}

func (h *Hooks) complete() {
	if h.OnComplete != nil {
		h.OnComplete()
	}
}

func (h *Hooks) streamChunk(text string) {
	if h.OnStreamChunk != nil {
		h.OnStreamChunk(text)
	}
}

func (h *Hooks) stats(s provider.UsageStats) {
	if h.OnStats != nil {
		h.OnStats(s)
	}
}

func (h *Hooks) systemInfo(label string) {
	if h.OnSystemInfo != nil {
		h.OnSystemInfo(label)
	}
}

func (h *Hooks) stopMessage(msg string) {
	if h.OnStopMessage != nil {
		h.OnStopMessage(msg)
	}
}

func (h *Hooks) errorInResult(msg string) {
	if h.OnErrorInResult != nil {
		h.OnErrorInResult(msg)
	}
}

func (h *Hooks) messageID(id string) {
	if h.OnMessageIDReceived != nil {
		h.OnMessageIDReceived(id)
	}
}

func (h *Hooks) conversationID(id string) {
	if h.OnConversationIDReceived != nil {
		h.OnConversationIDReceived(id)
	}
}

func (h *Hooks) clearResult() {
	if h.OnClearResult != nil {
		h.OnClearResult()
	}
}

func (h *Hooks) showResultContainer() {
	if h.OnShowResultContainer != nil {
		h.OnShowResultContainer()
	}
}
