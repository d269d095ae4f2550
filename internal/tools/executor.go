package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nanobot-run/nanobot/internal/eventstore"
)

// SideEffectClass classifies a tool's blast radius (spec §4.9).
type SideEffectClass string

const (
	SideEffectReadOnly    SideEffectClass = "read-only"
	SideEffectReadWrite   SideEffectClass = "read-write"
	SideEffectNetwork     SideEffectClass = "network"
	SideEffectExec        SideEffectClass = "exec"
	SideEffectDestructive SideEffectClass = "destructive"
)

// sideEffectClasses maps known tool names to their spec §4.9 classification.
// Tools absent from this table default to SideEffectReadOnly.
var sideEffectClasses = map[string]SideEffectClass{
	"exec":           SideEffectExec,
	"process":        SideEffectExec,
	"write_file":     SideEffectReadWrite,
	"edit_file":      SideEffectReadWrite,
	"delete_file":    SideEffectDestructive,
	"web_search":     SideEffectNetwork,
	"web_fetch":      SideEffectNetwork,
	"sessions_send":  SideEffectNetwork,
	"create_image":   SideEffectNetwork,
}

// ClassOf returns the side-effect class for a tool name.
func ClassOf(name string) SideEffectClass {
	if c, ok := sideEffectClasses[name]; ok {
		return c
	}
	return SideEffectReadOnly
}

// IsDestructive reports whether executing name requires explicit
// confirmation (or coordinator authority above the escalation threshold),
// per spec §4.9.
func IsDestructive(name string) bool {
	c := ClassOf(name)
	return c == SideEffectExec || c == SideEffectDestructive
}

type ToolStatus string

const (
	StatusSuccess ToolStatus = "success"
	StatusError   ToolStatus = "error"
	StatusTimeout ToolStatus = "timeout"
	StatusPartial ToolStatus = "partial" // expected_outputs declared but missing, spec §4.9
)

// ToolResult mirrors spec §4.9's ToolResult contract exactly, as the
// boundary a bot dispatcher (C11) or coordinator (C12) consumes —
// distinct from the richer internal Result tools return to the agent loop.
type ToolResult struct {
	Status           ToolStatus      `json:"status"`
	Value            string          `json:"value"`
	StructuredOutput json.RawMessage `json:"structured_output,omitempty"`
	DurationMs       int64           `json:"duration_ms"`
	Error            string          `json:"error,omitempty"`
}

// PermissionError is returned when caller_bot lacks the permission mask for
// name (spec §4.9, §7 PermissionDenied).
type PermissionError struct {
	Bot, Tool string
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("tool %q not permitted for bot %q", e.Tool, e.Bot)
}

const defaultToolTimeout = 30 * time.Second

// Executor wraps a Registry with event recording (spec §4.9: "tool
// executions MUST be recorded as a tool_call event followed by a
// tool_result event with parent = tool_call.id — even on failure") and a
// permission check per caller bot.
type Executor struct {
	registry *Registry
	policy   *PolicyEngine
	events   *eventstore.Store
	timeout  time.Duration
}

func NewExecutor(registry *Registry, policy *PolicyEngine, events *eventstore.Store) *Executor {
	return &Executor{registry: registry, policy: policy, events: events, timeout: defaultToolTimeout}
}

// Execute implements spec §4.9's execute(name, args, caller_bot, room):
// validates permission, runs under a timeout, records tool_call/tool_result
// events, and returns a ToolResult. expectedOutputs, when non-empty, marks
// the result PARTIAL rather than success when structured_output is absent.
func (e *Executor) Execute(ctx context.Context, name string, args map[string]interface{}, callerBot, roomID, sessionKey string, allowedTools map[string]bool, expectedOutputs []string) (*ToolResult, error) {
	if allowedTools != nil && !allowedTools[resolveAlias(name)] {
		return nil, &PermissionError{Bot: callerBot, Tool: name}
	}

	argsJSON, _ := json.Marshal(args)
	callID, err := e.recordEvent(ctx, sessionKey, eventstore.TypeToolCall, name, string(argsJSON), nil)
	if err != nil {
		return nil, fmt.Errorf("tools: record tool_call: %w", err)
	}

	execCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	start := time.Now()
	res := e.registry.ExecuteWithContext(execCtx, name, args, "", "", "", sessionKey, nil)
	duration := time.Since(start)

	out := &ToolResult{DurationMs: duration.Milliseconds(), Value: res.ForLLM}
	switch {
	case execCtx.Err() == context.DeadlineExceeded:
		out.Status = StatusTimeout
		out.Error = "tool execution timed out"
	case res.IsError:
		out.Status = StatusError
		out.Error = res.ForLLM
	default:
		out.Status = StatusSuccess
		if len(expectedOutputs) > 0 && !looksStructured(res.ForLLM) {
			out.Status = StatusPartial
		}
	}

	resultContent := out.Value
	if out.Error != "" {
		resultContent = out.Error
	}
	if _, err := e.recordEvent(ctx, sessionKey, eventstore.TypeToolResult, name, resultContent, &callID); err != nil {
		return out, fmt.Errorf("tools: record tool_result: %w", err)
	}
	return out, nil
}

// looksStructured is a conservative structured_output detector: spec §4.9
// recommends JSON over free text for bot-to-bot consumption.
func looksStructured(s string) bool {
	var js json.RawMessage
	return json.Unmarshal([]byte(s), &js) == nil
}

// Wrap is the agent-loop integration point: it performs the same
// tool_call/tool_result event recording as Execute, but dispatches through
// Registry.ExecuteWithContext directly (preserving asyncCB, channel,
// chatID and peerKind) and returns the native *Result the loop's message
// pipeline already understands, rather than a ToolResult. Event recording
// failures are discarded: they neither change nor block delivery of the
// underlying tool result back to the model.
func (e *Executor) Wrap(ctx context.Context, name string, args map[string]interface{}, channel, chatID, peerKind, sessionKey string, asyncCB AsyncCallback) *Result {
	argsJSON, _ := json.Marshal(args)
	callID, recErr := e.recordEvent(ctx, sessionKey, eventstore.TypeToolCall, name, string(argsJSON), nil)

	res := e.registry.ExecuteWithContext(ctx, name, args, channel, chatID, peerKind, sessionKey, asyncCB)

	if recErr == nil {
		content := res.ForLLM
		if _, err := e.recordEvent(ctx, sessionKey, eventstore.TypeToolResult, name, content, &callID); err != nil {
			// Tool already ran; the recording failure is dropped so the
			// result the model sees is unchanged.
			_ = err
		}
	}
	return res
}

func (e *Executor) recordEvent(ctx context.Context, sessionKey string, typ eventstore.Type, toolName, content string, parent *int64) (int64, error) {
	if e.events == nil {
		return 0, nil
	}
	direction := eventstore.DirectionOutbound
	if typ == eventstore.TypeToolResult {
		direction = eventstore.DirectionInternal
	}
	return e.events.Append(ctx, &eventstore.Event{
		SessionKey: sessionKey,
		Direction:  direction,
		Type:       typ,
		Content:    content,
		ToolName:   toolName,
		ParentID:   parent,
	})
}
