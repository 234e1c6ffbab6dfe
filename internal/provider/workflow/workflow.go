package workflow

import (
	"encoding/json"
	"fmt"
	"strings"

	"k8s.io/klog/v2"

	"github.com/vnmchuo/pm-dashboard/internal/logging"
	"github.com/vnmchuo/pm-dashboard/internal/provider"
	"github.com/vnmchuo/pm-dashboard/internal/stream"
)

const defaultQuerySlot = "query"

type WorkflowAdapter struct{}

type workflowRequest struct {
	Inputs       map[string]string `json:"inputs"`
	ResponseMode string            `json:"response_mode"`
	User         string            `json:"user"`
}

type workflowFrame struct {
	Event  string       `json:"event"`
	TaskID string       `json:"task_id"`
	Data   workflowData `json:"data"`
	// Set on "error" frames.
	Code    string `json:"code"`
	Message string `json:"message"`
}

type workflowData struct {
	Title       string              `json:"title"`
	NodeType    string              `json:"node_type"`
	Text        string              `json:"text"`
	Status      string              `json:"status"`
	Error       string              `json:"error"`
	Outputs     map[string]any      `json:"outputs"`
	ElapsedTime float64             `json:"elapsed_time"`
	TotalTokens int                 `json:"total_tokens"`
	TotalSteps  int                 `json:"total_steps"`
	TotalPrice  provider.FlexString `json:"total_price"`
	Currency    string              `json:"currency"`
}

func New() provider.Adapter {
	return &WorkflowAdapter{}
}

func (a *WorkflowAdapter) Variant() provider.Variant {
	return provider.VariantWorkflow
}

func querySlot(req *provider.Request) string {
	if req.QuerySlot != "" {
		return req.QuerySlot
	}
	return defaultQuerySlot
}

// Validate requires the common fields plus every declared input slot. The
// query slot is filled from Query and is not looked up in Inputs.
func (a *WorkflowAdapter) Validate(req *provider.Request) error {
	if err := provider.ValidateCommon(req); err != nil {
		return err
	}
	slot := querySlot(req)
	for _, name := range req.RequiredInputs {
		if name == slot {
			continue
		}
		if strings.TrimSpace(req.Inputs[name]) == "" {
			return provider.MissingParameter("inputs." + name)
		}
	}
	return nil
}

func (a *WorkflowAdapter) Path() string {
	return "/workflows/run"
}

func (a *WorkflowAdapter) Body(req *provider.Request) any {
	inputs := make(map[string]string, len(req.Inputs)+1)
	for k, v := range req.Inputs {
		inputs[k] = v
	}
	inputs[querySlot(req)] = req.Query
	return workflowRequest{
		Inputs:       inputs,
		ResponseMode: "streaming",
		User:         req.User,
	}
}

func (a *WorkflowAdapter) StopPath(taskID string) string {
	return fmt.Sprintf("/workflows/tasks/%s/stop", taskID)
}

func (a *WorkflowAdapter) Normalize(frame stream.Frame) []provider.Event {
	var f workflowFrame
	if err := json.Unmarshal(frame.Data, &f); err != nil {
		klog.Warningf("Ignoring workflow frame %q: %v", frame.Event, err)
		return nil
	}

	// Workflows never report a conversation id.
	var events []provider.Event
	if f.TaskID != "" {
		events = append(events, provider.Event{Kind: provider.EventGenerationID, ID: f.TaskID})
	}

	switch f.Event {
	case "workflow_started":
	case "node_started":
		events = append(events, provider.Event{Kind: provider.EventProgress, Text: nodeLabel(f.Data, "started")})
	case "node_finished":
		events = append(events, provider.Event{Kind: provider.EventProgress, Text: nodeLabel(f.Data, "finished")})
	case "text_chunk":
		if f.Data.Text != "" {
			events = append(events, provider.Event{Kind: provider.EventContentDelta, Text: f.Data.Text})
		}
	case "workflow_finished":
		status := f.Data.Status
		if status == "" {
			status = provider.StatusSucceeded
		}
		ev := provider.Event{
			Kind: provider.EventCompletion,
			Stats: &provider.UsageStats{
				Elapsed:     provider.Seconds(f.Data.ElapsedTime),
				TotalTokens: f.Data.TotalTokens,
				TotalSteps:  f.Data.TotalSteps,
				TotalPrice:  string(f.Data.TotalPrice),
				Currency:    f.Data.Currency,
			},
			Status: status,
			Text:   f.Data.Error,
		}
		if text, ok := f.Data.Outputs["text"].(string); ok {
			ev.FinalText = text
		}
		events = append(events, ev)
	case "error":
		msg := f.Message
		if f.Code != "" {
			msg = fmt.Sprintf("%s (%s)", f.Message, f.Code)
		}
		events = append(events, provider.Event{Kind: provider.EventStreamError, Text: msg})
	default:
		klog.V(logging.TRACE).Infof("Workflow frame %q carries no content", f.Event)
	}
	return events
}

func nodeLabel(d workflowData, phase string) string {
	name := d.Title
	if name == "" {
		name = d.NodeType
	}
	if name == "" {
		name = "node"
	}
	return fmt.Sprintf("%s %s", name, phase)
}
