package provider

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/vnmchuo/pm-dashboard/internal/stream"
)

type Variant string

const (
	VariantChat     Variant = "chat"
	VariantWorkflow Variant = "workflow"
)

// Request is one generation request against a backend application.
type Request struct {
	APIKey  string
	BaseURL string
	User    string
	// Query is the primary text input. The workflow variant sends it as the
	// input slot named by QuerySlot.
	Query          string
	QuerySlot      string
	Inputs         map[string]string
	RequiredInputs []string
	// ConversationID continues a prior chat turn. Ignored by workflows.
	ConversationID string
}

// Target is the backend application a request is addressed to.
func (r *Request) Target() Target {
	return Target{BaseURL: r.BaseURL, APIKey: r.APIKey}
}

type Target struct {
	BaseURL string
	APIKey  string
}

type AppInfo struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Tags        []string `json:"tags"`
}

type UsageStats struct {
	Elapsed     time.Duration `json:"elapsed"`
	TotalTokens int           `json:"total_tokens"`
	TotalSteps  int           `json:"total_steps"`
	TotalPrice  string        `json:"total_price,omitempty"`
	Currency    string        `json:"currency,omitempty"`
}

// EventKind is the closed, variant-independent event vocabulary.
type EventKind int

const (
	EventGenerationID EventKind = iota
	EventConversationID
	EventContentDelta
	EventProgress
	EventCompletion
	EventStreamError
)

func (k EventKind) String() string {
	switch k {
	case EventGenerationID:
		return "generation-id-assigned"
	case EventConversationID:
		return "conversation-id-assigned"
	case EventContentDelta:
		return "content-delta"
	case EventProgress:
		return "progress-marker"
	case EventCompletion:
		return "completion"
	case EventStreamError:
		return "stream-error"
	default:
		return "unknown"
	}
}

// Completion statuses reported by the backend on the final frame.
const (
	StatusSucceeded = "succeeded"
	StatusStopped   = "stopped"
	StatusFailed    = "failed"
)

type Event struct {
	Kind EventKind
	// ID is set for generation and conversation id events.
	ID string
	// Text is the fragment for content deltas, the label for progress
	// markers and the message for stream errors and failed completions.
	Text string

	// Completion only.
	Stats     *UsageStats
	Status    string
	FinalText string
}

// Adapter translates generation requests into backend request bodies and
// normalizes one protocol variant's frames into the shared Event vocabulary.
type Adapter interface {
	Variant() Variant
	Validate(req *Request) error
	Path() string
	Body(req *Request) any
	Normalize(frame stream.Frame) []Event
	StopPath(generationID string) string
}

// ValidateCommon checks the fields every variant requires.
func ValidateCommon(req *Request) error {
	if req == nil {
		return MissingParameter("request")
	}
	switch {
	case strings.TrimSpace(req.APIKey) == "":
		return MissingParameter("api_key")
	case strings.TrimSpace(req.BaseURL) == "":
		return MissingParameter("base_url")
	case strings.TrimSpace(req.User) == "":
		return MissingParameter("user")
	case strings.TrimSpace(req.Query) == "":
		return MissingParameter("query")
	}
	return nil
}

// FlexString accepts both JSON strings and numbers. Backends are not
// consistent about how prices are encoded.
type FlexString string

func (f *FlexString) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*f = ""
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*f = FlexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = FlexString(n.String())
	return nil
}

// Seconds converts a float seconds value into a Duration.
func Seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
