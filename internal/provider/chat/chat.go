package chat

import (
	"encoding/json"
	"fmt"

	"k8s.io/klog/v2"

	"github.com/vnmchuo/pm-dashboard/internal/logging"
	"github.com/vnmchuo/pm-dashboard/internal/provider"
	"github.com/vnmchuo/pm-dashboard/internal/stream"
)

type ChatAdapter struct{}

type chatRequest struct {
	Query            string            `json:"query"`
	Inputs           map[string]string `json:"inputs"`
	ResponseMode     string            `json:"response_mode"`
	ConversationID   string            `json:"conversation_id"`
	User             string            `json:"user"`
	Files            []any             `json:"files"`
	AutoGenerateName bool              `json:"auto_generate_name"`
}

type chatFrame struct {
	Event          string       `json:"event"`
	TaskID         string       `json:"task_id"`
	MessageID      string       `json:"message_id"`
	ConversationID string       `json:"conversation_id"`
	Answer         string       `json:"answer"`
	Thought        string       `json:"thought"`
	Tool           string       `json:"tool"`
	Metadata       chatMetadata `json:"metadata"`
	Status         int          `json:"status"`
	Code           string       `json:"code"`
	Message        string       `json:"message"`
}

type chatMetadata struct {
	Usage *chatUsage `json:"usage"`
}

type chatUsage struct {
	TotalTokens int                 `json:"total_tokens"`
	TotalPrice  provider.FlexString `json:"total_price"`
	Currency    string              `json:"currency"`
	Latency     float64             `json:"latency"`
}

func New() provider.Adapter {
	return &ChatAdapter{}
}

func (a *ChatAdapter) Variant() provider.Variant {
	return provider.VariantChat
}

func (a *ChatAdapter) Validate(req *provider.Request) error {
	return provider.ValidateCommon(req)
}

func (a *ChatAdapter) Path() string {
	return "/chat-messages"
}

func (a *ChatAdapter) Body(req *provider.Request) any {
	inputs := req.Inputs
	if inputs == nil {
		inputs = map[string]string{}
	}
	return chatRequest{
		Query:            req.Query,
		Inputs:           inputs,
		ResponseMode:     "streaming",
		ConversationID:   req.ConversationID,
		User:             req.User,
		Files:            []any{},
		AutoGenerateName: true,
	}
}

func (a *ChatAdapter) StopPath(messageID string) string {
	return fmt.Sprintf("/chat-messages/%s/stop", messageID)
}

func (a *ChatAdapter) Normalize(frame stream.Frame) []provider.Event {
	var f chatFrame
	if err := json.Unmarshal(frame.Data, &f); err != nil {
		klog.Warningf("Ignoring chat frame %q: %v", frame.Event, err)
		return nil
	}

	var events []provider.Event
	if f.MessageID != "" {
		events = append(events, provider.Event{Kind: provider.EventGenerationID, ID: f.MessageID})
	}
	if f.ConversationID != "" {
		events = append(events, provider.Event{Kind: provider.EventConversationID, ID: f.ConversationID})
	}

	switch f.Event {
	case "message", "agent_message":
		if f.Answer != "" {
			events = append(events, provider.Event{Kind: provider.EventContentDelta, Text: f.Answer})
		}
	case "agent_thought":
		label := f.Thought
		if f.Tool != "" {
			label = "tool: " + f.Tool
		}
		if label != "" {
			events = append(events, provider.Event{Kind: provider.EventProgress, Text: label})
		}
	case "message_end":
		stats := &provider.UsageStats{}
		if u := f.Metadata.Usage; u != nil {
			stats.TotalTokens = u.TotalTokens
			stats.TotalPrice = string(u.TotalPrice)
			stats.Currency = u.Currency
			stats.Elapsed = provider.Seconds(u.Latency)
		}
		events = append(events, provider.Event{
			Kind:   provider.EventCompletion,
			Stats:  stats,
			Status: provider.StatusSucceeded,
		})
	case "error":
		msg := f.Message
		if f.Code != "" {
			msg = fmt.Sprintf("%s (%s)", f.Message, f.Code)
		}
		events = append(events, provider.Event{Kind: provider.EventStreamError, Text: msg})
	default:
		klog.V(logging.TRACE).Infof("Chat frame %q carries no content", f.Event)
	}
	return events
}
