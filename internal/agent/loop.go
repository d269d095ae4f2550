package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nanobot-run/nanobot/internal/background"
	"github.com/nanobot-run/nanobot/internal/config"
	"github.com/nanobot-run/nanobot/internal/providers"
	"github.com/nanobot-run/nanobot/internal/store"
	"github.com/nanobot-run/nanobot/internal/tools"
	"github.com/nanobot-run/nanobot/internal/tracing"
	"github.com/nanobot-run/nanobot/pkg/protocol"
)

// OnTurnComplete is called after a turn finishes, so the caller can enqueue
// background extraction (C6) for the completed exchange.
type OnTurnComplete func(ctx context.Context, roomID, botID, userMsg, assistantMsg string)

// ContextAssembler performs step 2 of the agent loop (spec §4.10): a pure,
// token-budgeted lookup across C1-C5 (recent events, summary tree, graph
// facts, shared learnings) with no LLM calls of its own. Its return value is
// injected as a system message ahead of the user's turn.
type ContextAssembler func(ctx context.Context, roomID, botID string, tokenBudget int) (string, error)

// LearningCapture performs step 7 of the agent loop (spec §4.10 / §4.5):
// explicit user sentiment becomes a private learning, and high-confidence
// tool-outcome insights become shareable learnings when their category
// allows it. Called once per completed turn, after the outbound event is
// emitted.
type LearningCapture func(ctx context.Context, roomID, botID, userMsg, assistantMsg string)

// Loop is the per-bot execution loop: Think -> Act -> Observe, with
// parallel tool-call execution within a single iteration (spec §4.10).
type Loop struct {
	id            string // bot ID
	provider      providers.Provider
	model         string
	contextWindow int
	maxIterations int
	workspace     string

	sessions   store.SessionStore
	tools      *tools.Registry
	toolPolicy *tools.PolicyEngine
	toolExec   *tools.Executor

	activity         *background.ActivityTracker
	contextBudget    int
	assembleContext  ContextAssembler
	captureLearning  LearningCapture

	activeRuns atomic.Int32

	summarizeMu sync.Map // sessionKey -> *sync.Mutex

	roleCard       string
	hasMemory      bool
	reflectionTier string // "off", "brief", "deep"

	compactionCfg     *config.CompactionConfig
	contextPruningCfg *config.ContextPruningConfig

	onEvent      func(AgentEvent)
	onTurnDone   OnTurnComplete

	inputGuard      *InputGuard
	injectionAction string
	maxMessageChars int

	thinkingLevel string
}

// AgentEvent is emitted during loop execution for broadcasting to channel
// connectors and the explain/how CLI views.
type AgentEvent struct {
	Type    string      `json:"type"`
	AgentID string      `json:"agentId"`
	RunID   string      `json:"runId"`
	Payload interface{} `json:"payload,omitempty"`
}

// LoopConfig configures a new Loop.
type LoopConfig struct {
	ID            string
	Provider      providers.Provider
	Model         string
	ContextWindow int
	MaxIterations int
	Workspace     string
	Sessions      store.SessionStore
	Tools         *tools.Registry
	ToolPolicy    *tools.PolicyEngine
	ToolExec      *tools.Executor
	OnEvent       func(AgentEvent)
	OnTurnDone    OnTurnComplete

	// Activity is pulsed at the start of every turn (spec §4.10 step 1) so
	// the background task manager (C6) can gate quiet-required work.
	Activity *background.ActivityTracker
	// ContextBudget bounds AssembleContext's token budget (spec §4.10 step
	// 2 default: 4000).
	ContextBudget   int
	AssembleContext ContextAssembler
	CaptureLearning LearningCapture

	RoleCard       string
	HasMemory      bool
	ReflectionTier string

	CompactionCfg     *config.CompactionConfig
	ContextPruningCfg *config.ContextPruningConfig

	InjectionAction string
	MaxMessageChars int

	ThinkingLevel string
}

func NewLoop(cfg LoopConfig) *Loop {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 8 // spec §4.10: max-tool-iterations default 8
	}
	if cfg.ContextWindow <= 0 {
		cfg.ContextWindow = 200000
	}
	if cfg.ContextBudget <= 0 {
		cfg.ContextBudget = 4000 // spec §4.10: context assembly token budget default 4000
	}
	if cfg.Activity == nil {
		cfg.Activity = background.NewActivityTracker(0)
	}

	action := cfg.InjectionAction
	switch action {
	case "log", "warn", "block", "off":
	default:
		action = "warn"
	}

	var guard *InputGuard
	if action != "off" {
		guard = NewInputGuard()
	}

	return &Loop{
		id:                cfg.ID,
		provider:          cfg.Provider,
		model:             cfg.Model,
		contextWindow:     cfg.ContextWindow,
		maxIterations:     cfg.MaxIterations,
		workspace:         cfg.Workspace,
		sessions:          cfg.Sessions,
		tools:             cfg.Tools,
		toolPolicy:        cfg.ToolPolicy,
		toolExec:          cfg.ToolExec,
		activity:          cfg.Activity,
		contextBudget:     cfg.ContextBudget,
		assembleContext:   cfg.AssembleContext,
		captureLearning:   cfg.CaptureLearning,
		onEvent:           cfg.OnEvent,
		onTurnDone:        cfg.OnTurnDone,
		roleCard:          cfg.RoleCard,
		hasMemory:         cfg.HasMemory,
		reflectionTier:    cfg.ReflectionTier,
		compactionCfg:     cfg.CompactionCfg,
		contextPruningCfg: cfg.ContextPruningCfg,
		inputGuard:        guard,
		injectionAction:   action,
		maxMessageChars:   cfg.MaxMessageChars,
		thinkingLevel:     cfg.ThinkingLevel,
	}
}

// executeTool dispatches a tool call, routing through the C9 executor when
// one is configured so every call is recorded as a tool_call/tool_result
// event pair (spec §4.9, §8 property 4), falling back to a direct registry
// call otherwise.
func (l *Loop) executeTool(ctx context.Context, name string, args map[string]interface{}, channel, chatID, peerKind, sessionKey string, asyncCB tools.AsyncCallback) *tools.Result {
	if l.toolExec != nil {
		return l.toolExec.Wrap(ctx, name, args, channel, chatID, peerKind, sessionKey, asyncCB)
	}
	return l.tools.ExecuteWithContext(ctx, name, args, channel, chatID, peerKind, sessionKey, asyncCB)
}

func (l *Loop) emit(event AgentEvent) {
	if l.onEvent != nil {
		l.onEvent(event)
	}
}

func (l *Loop) ID() string        { return l.id }
func (l *Loop) Model() string     { return l.model }
func (l *Loop) IsRunning() bool   { return l.activeRuns.Load() > 0 }

// RunRequest is the input for one turn through the bot loop.
type RunRequest struct {
	SessionKey        string
	RoomID            string
	Message           string
	Media             []string
	Channel           string
	ChatID            string
	PeerKind          string
	RunID             string
	UserID            string
	SenderID          string
	Stream            bool
	ExtraSystemPrompt string
	HistoryLimit      int
}

// RunResult is the output of a completed turn.
type RunResult struct {
	Content    string           `json:"content"`
	RunID      string           `json:"runId"`
	Iterations int              `json:"iterations"`
	Usage      *providers.Usage `json:"usage,omitempty"`
	Media      []MediaResult    `json:"media,omitempty"`
}

// MediaResult represents a media file produced by a tool during the run.
type MediaResult struct {
	Path        string `json:"path"`
	ContentType string `json:"content_type,omitempty"`
	AsVoice     bool   `json:"as_voice,omitempty"`
}

// Run processes a single message through the agent loop, blocking until
// a final response (or error) is available.
func (l *Loop) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	l.activeRuns.Add(1)
	defer l.activeRuns.Add(-1)

	l.emit(AgentEvent{Type: protocol.AgentEventRunStarted, AgentID: l.id, RunID: req.RunID})

	ctx, span := tracing.StartAgentSpan(ctx, l.id, req.RoomID)
	runStart := time.Now().UTC()
	result, err := l.runLoop(ctx, req)
	tracing.EndWithError(span, err)
	_ = runStart

	if err != nil {
		l.emit(AgentEvent{
			Type:    protocol.AgentEventRunFailed,
			AgentID: l.id,
			RunID:   req.RunID,
			Payload: map[string]string{"error": err.Error()},
		})
		return nil, err
	}

	l.emit(AgentEvent{Type: protocol.AgentEventRunCompleted, AgentID: l.id, RunID: req.RunID})
	return result, nil
}

func (l *Loop) runLoop(ctx context.Context, req RunRequest) (*RunResult, error) {
	ctx = tools.WithToolAgentKey(ctx, l.id)

	// Step 1 (spec §4.10): mark activity so the background task manager
	// (C6) knows not to run quiet-required work while a turn is live.
	if l.activity != nil {
		l.activity.Pulse()
	}

	if l.workspace != "" {
		effectiveWorkspace := l.workspace
		if req.UserID != "" {
			effectiveWorkspace = filepath.Join(l.workspace, sanitizePathSegment(req.UserID))
			if err := os.MkdirAll(effectiveWorkspace, 0755); err != nil {
				slog.Warn("failed to create bot workspace directory", "workspace", effectiveWorkspace, "user", req.UserID, "error", err)
			}
		}
		ctx = tools.WithToolWorkspace(ctx, effectiveWorkspace)
	}

	if l.inputGuard != nil {
		if matches := l.inputGuard.Scan(req.Message); len(matches) > 0 {
			matchStr := strings.Join(matches, ",")
			switch l.injectionAction {
			case "block":
				slog.Warn("security.injection_blocked", "bot", l.id, "user", req.UserID, "patterns", matchStr)
				return nil, fmt.Errorf("message blocked: potential prompt injection detected (%s)", matchStr)
			case "log":
				slog.Info("security.injection_detected", "bot", l.id, "user", req.UserID, "patterns", matchStr)
			default:
				slog.Warn("security.injection_detected", "bot", l.id, "user", req.UserID, "patterns", matchStr)
			}
		}
	}

	maxChars := l.maxMessageChars
	if maxChars <= 0 {
		maxChars = 32_000
	}
	if len(req.Message) > maxChars {
		originalLen := len(req.Message)
		req.Message = req.Message[:maxChars] + fmt.Sprintf(
			"\n\n[System: Message was truncated from %d to %d characters due to size limit.]",
			originalLen, maxChars)
		slog.Warn("security.message_truncated", "bot", l.id, "original_len", originalLen, "truncated_to", maxChars)
	}

	if l.sessions.GetContextWindow(req.SessionKey) <= 0 {
		l.sessions.SetContextWindow(req.SessionKey, l.contextWindow)
	}

	history := l.sessions.GetHistory(req.SessionKey)
	summary := l.sessions.GetSummary(req.SessionKey)

	extraSystemPrompt := req.ExtraSystemPrompt
	if l.assembleContext != nil {
		// Step 2 (spec §4.10): pure, token-budgeted lookup across C1-C5 —
		// no LLM calls happen here.
		if assembled, err := l.assembleContext(ctx, req.RoomID, l.id, l.contextBudget); err != nil {
			slog.Warn("agent loop: context assembly failed", "bot", l.id, "room", req.RoomID, "error", err)
		} else if assembled != "" {
			if extraSystemPrompt != "" {
				extraSystemPrompt = assembled + "\n\n" + extraSystemPrompt
			} else {
				extraSystemPrompt = assembled
			}
		}
	}

	messages := l.buildMessages(history, summary, req.Message, extraSystemPrompt, req.Channel, req.RoomID, req.HistoryLimit)

	if len(req.Media) > 0 {
		if images := loadImages(req.Media); len(images) > 0 {
			messages[len(messages)-1].Images = images
			ctx = tools.WithMediaImages(ctx, images)
			slog.Info("vision: attached images to user message", "count", len(images), "bot", l.id, "session", req.SessionKey)
		}
		for _, p := range req.Media {
			if err := os.Remove(p); err != nil {
				slog.Debug("vision: failed to clean temp media file", "path", p, "error", err)
			}
		}
	}

	var pendingMsgs []providers.Message
	pendingMsgs = append(pendingMsgs, providers.Message{Role: "user", Content: req.Message})

	var loopDetector toolLoopState
	var totalUsage providers.Usage
	iteration := 0
	var finalContent string
	var asyncToolCalls []string
	var mediaResults []MediaResult

	ctx = providers.WithRetryHook(ctx, func(attempt, maxAttempts int, err error) {
		l.emit(AgentEvent{
			Type:    protocol.AgentEventRunRetrying,
			AgentID: l.id,
			RunID:   req.RunID,
			Payload: map[string]string{
				"attempt":     fmt.Sprintf("%d", attempt),
				"maxAttempts": fmt.Sprintf("%d", maxAttempts),
				"error":       err.Error(),
			},
		})
	})

	for iteration < l.maxIterations {
		iteration++

		slog.Debug("agent iteration", "bot", l.id, "iteration", iteration, "messages", len(messages))

		var toolDefs []providers.ToolDefinition
		if l.toolPolicy != nil {
			toolDefs = l.toolPolicy.FilterTools(l.tools, l.id, l.provider.Name(), nil, nil, false, false)
		} else {
			toolDefs = l.tools.ProviderDefs()
		}

		chatReq := providers.ChatRequest{
			Messages: messages,
			Tools:    toolDefs,
			Model:    l.model,
			Options: map[string]interface{}{
				providers.OptMaxTokens:   8192,
				providers.OptTemperature: 0.7,
			},
		}
		if l.thinkingLevel != "" && l.thinkingLevel != "off" {
			if tc, ok := l.provider.(providers.ThinkingCapable); ok && tc.SupportsThinking() {
				chatReq.Options[providers.OptThinkingLevel] = l.thinkingLevel
			} else {
				slog.Debug("thinking_level ignored: provider does not support thinking", "provider", l.provider.Name(), "level", l.thinkingLevel)
			}
		}

		var resp *providers.ChatResponse
		var err error

		pctx, pspan := tracing.StartProviderSpan(ctx, l.provider.Name(), l.model, iteration)
		if req.Stream {
			resp, err = l.provider.ChatStream(pctx, chatReq, func(chunk providers.StreamChunk) {
				if chunk.Thinking != "" {
					l.emit(AgentEvent{Type: protocol.ChatEventThinking, AgentID: l.id, RunID: req.RunID, Payload: map[string]string{"content": chunk.Thinking}})
				}
				if chunk.Content != "" {
					l.emit(AgentEvent{Type: protocol.ChatEventChunk, AgentID: l.id, RunID: req.RunID, Payload: map[string]string{"content": chunk.Content}})
				}
			})
		} else {
			resp, err = l.provider.Chat(pctx, chatReq)
		}
		if err == nil && resp != nil && resp.Usage != nil {
			tracing.RecordUsage(pspan, resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
		}
		tracing.EndWithError(pspan, err)

		if err != nil {
			return nil, fmt.Errorf("LLM call failed (iteration %d): %w", iteration, err)
		}

		if resp.Usage != nil {
			totalUsage.PromptTokens += resp.Usage.PromptTokens
			totalUsage.CompletionTokens += resp.Usage.CompletionTokens
			totalUsage.TotalTokens += resp.Usage.TotalTokens
			totalUsage.ThinkingTokens += resp.Usage.ThinkingTokens
		}

		if len(resp.ToolCalls) == 0 {
			finalContent = resp.Content
			break
		}

		assistantMsg := providers.Message{
			Role:                "assistant",
			Content:             resp.Content,
			ToolCalls:           resp.ToolCalls,
			RawAssistantContent: resp.RawAssistantContent,
		}
		messages = append(messages, assistantMsg)
		pendingMsgs = append(pendingMsgs, assistantMsg)

		if len(resp.ToolCalls) == 1 {
			tc := resp.ToolCalls[0]
			l.emit(AgentEvent{Type: protocol.AgentEventToolCall, AgentID: l.id, RunID: req.RunID, Payload: map[string]interface{}{"name": tc.Name, "id": tc.ID}})

			argsJSON, _ := json.Marshal(tc.Arguments)
			slog.Info("tool call", "bot", l.id, "tool", tc.Name, "args_len", len(argsJSON))

			argsHash := loopDetector.record(tc.Name, tc.Arguments)

			tctx, tspan := tracing.StartToolSpan(ctx, tc.Name, tc.ID)
			result := l.executeTool(tctx, tc.Name, tc.Arguments, req.Channel, req.ChatID, req.PeerKind, req.SessionKey, nil)
			if result.IsError {
				tracing.EndWithError(tspan, fmt.Errorf("%s", result.ForLLM))
			} else {
				tspan.End()
			}

			loopDetector.recordResult(argsHash, result.ForLLM)

			if result.Async {
				asyncToolCalls = append(asyncToolCalls, tc.Name)
			}
			if result.IsError {
				errMsg := result.ForLLM
				if len(errMsg) > 200 {
					errMsg = errMsg[:200] + "..."
				}
				slog.Warn("tool error", "bot", l.id, "tool", tc.Name, "error", errMsg)
			}

			l.emit(AgentEvent{Type: protocol.AgentEventToolResult, AgentID: l.id, RunID: req.RunID, Payload: map[string]interface{}{"name": tc.Name, "id": tc.ID, "is_error": result.IsError}})

			if mr := parseMediaResult(result.ForLLM); mr != nil {
				mediaResults = append(mediaResults, *mr)
			}

			toolMsg := providers.Message{Role: "tool", Content: result.ForLLM, ToolCallID: tc.ID}
			messages = append(messages, toolMsg)
			pendingMsgs = append(pendingMsgs, toolMsg)

			if level, msg := loopDetector.detect(tc.Name, argsHash); level != "" {
				if level == "critical" {
					slog.Warn("tool loop critical", "bot", l.id, "tool", tc.Name, "message", msg)
					finalContent = "I was unable to complete this task — I got stuck repeatedly calling " + tc.Name + " without making progress. Please try rephrasing your request."
					break
				}
				slog.Warn("tool loop warning", "bot", l.id, "tool", tc.Name, "message", msg)
				messages = append(messages, providers.Message{Role: "user", Content: msg})
			}
		} else {
			type indexedResult struct {
				idx      int
				tc       providers.ToolCall
				result   *tools.Result
				argsJSON string
			}

			for _, tc := range resp.ToolCalls {
				l.emit(AgentEvent{Type: protocol.AgentEventToolCall, AgentID: l.id, RunID: req.RunID, Payload: map[string]interface{}{"name": tc.Name, "id": tc.ID}})
			}

			resultCh := make(chan indexedResult, len(resp.ToolCalls))
			var wg sync.WaitGroup

			for i, tc := range resp.ToolCalls {
				wg.Add(1)
				go func(idx int, tc providers.ToolCall) {
					defer wg.Done()
					argsJSON, _ := json.Marshal(tc.Arguments)
					slog.Info("tool call", "bot", l.id, "tool", tc.Name, "args_len", len(argsJSON), "parallel", true)
					tctx, tspan := tracing.StartToolSpan(ctx, tc.Name, tc.ID)
					result := l.executeTool(tctx, tc.Name, tc.Arguments, req.Channel, req.ChatID, req.PeerKind, req.SessionKey, nil)
					if result.IsError {
						tracing.EndWithError(tspan, fmt.Errorf("%s", result.ForLLM))
					} else {
						tspan.End()
					}
					resultCh <- indexedResult{idx: idx, tc: tc, result: result, argsJSON: string(argsJSON)}
				}(i, tc)
			}

			go func() { wg.Wait(); close(resultCh) }()

			collected := make([]indexedResult, 0, len(resp.ToolCalls))
			for r := range resultCh {
				collected = append(collected, r)
			}
			sort.Slice(collected, func(i, j int) bool { return collected[i].idx < collected[j].idx })

			var loopStuck bool
			for _, r := range collected {
				argsHash := loopDetector.record(r.tc.Name, r.tc.Arguments)
				loopDetector.recordResult(argsHash, r.result.ForLLM)

				if r.result.Async {
					asyncToolCalls = append(asyncToolCalls, r.tc.Name)
				}
				if r.result.IsError {
					errMsg := r.result.ForLLM
					if len(errMsg) > 200 {
						errMsg = errMsg[:200] + "..."
					}
					slog.Warn("tool error", "bot", l.id, "tool", r.tc.Name, "error", errMsg)
				}

				l.emit(AgentEvent{Type: protocol.AgentEventToolResult, AgentID: l.id, RunID: req.RunID, Payload: map[string]interface{}{"name": r.tc.Name, "id": r.tc.ID, "is_error": r.result.IsError}})

				if mr := parseMediaResult(r.result.ForLLM); mr != nil {
					mediaResults = append(mediaResults, *mr)
				}

				toolMsg := providers.Message{Role: "tool", Content: r.result.ForLLM, ToolCallID: r.tc.ID}
				messages = append(messages, toolMsg)
				pendingMsgs = append(pendingMsgs, toolMsg)

				if level, msg := loopDetector.detect(r.tc.Name, argsHash); level != "" {
					if level == "critical" {
						slog.Warn("tool loop critical", "bot", l.id, "tool", r.tc.Name, "message", msg)
						finalContent = "I was unable to complete this task — I got stuck repeatedly calling " + r.tc.Name + " without making progress. Please try rephrasing your request."
						loopStuck = true
						break
					}
					slog.Warn("tool loop warning", "bot", l.id, "tool", r.tc.Name, "message", msg)
					messages = append(messages, providers.Message{Role: "user", Content: msg})
				}
			}
			if loopStuck {
				break
			}
		}
	}

	finalContent = SanitizeAssistantContent(finalContent)
	isSilent := IsSilentReply(finalContent)

	if finalContent == "" {
		finalContent = "..."
	}
	_ = asyncToolCalls

	pendingMsgs = append(pendingMsgs, providers.Message{Role: "assistant", Content: finalContent})

	for _, msg := range pendingMsgs {
		l.sessions.AddMessage(req.SessionKey, msg)
	}

	l.sessions.UpdateMetadata(req.SessionKey, l.model, l.provider.Name(), req.Channel)
	l.sessions.AccumulateTokens(req.SessionKey, int64(totalUsage.PromptTokens), int64(totalUsage.CompletionTokens))

	if totalUsage.PromptTokens > 0 {
		msgCount := len(history) + len(pendingMsgs)
		l.sessions.SetLastPromptTokens(req.SessionKey, totalUsage.PromptTokens, msgCount)
	}

	l.sessions.Save(req.SessionKey)

	if isSilent {
		slog.Info("agent loop: NO_REPLY detected, suppressing delivery", "bot", l.id, "session", req.SessionKey)
		finalContent = ""
	}

	l.maybeSummarize(ctx, req.SessionKey)

	if l.hasMemory && l.onTurnDone != nil && finalContent != "" {
		l.onTurnDone(ctx, req.RoomID, l.id, req.Message, finalContent)
	}

	if l.hasMemory && l.captureLearning != nil && finalContent != "" {
		// Step 7 (spec §4.10 / §4.5): capture explicit sentiment and
		// high-confidence tool-outcome insights as learnings.
		l.captureLearning(ctx, req.RoomID, l.id, req.Message, finalContent)
	}

	return &RunResult{
		Content:    finalContent,
		RunID:      req.RunID,
		Iterations: iteration,
		Usage:      &totalUsage,
		Media:      mediaResults,
	}, nil
}

func parseMediaResult(toolOutput string) *MediaResult {
	s := toolOutput
	asVoice := false

	if strings.Contains(s, "[[audio_as_voice]]") {
		asVoice = true
		s = strings.ReplaceAll(s, "[[audio_as_voice]]", "")
		s = strings.TrimSpace(s)
	}

	idx := strings.Index(s, "MEDIA:")
	if idx < 0 {
		return nil
	}
	path := strings.TrimSpace(s[idx+6:])
	if path == "" {
		return nil
	}
	if nl := strings.IndexByte(path, '\n'); nl >= 0 {
		path = strings.TrimSpace(path[:nl])
	}

	return &MediaResult{
		Path:        path,
		ContentType: mimeFromExt(filepath.Ext(path)),
		AsVoice:     asVoice,
	}
}

func mimeFromExt(ext string) string {
	switch strings.ToLower(ext) {
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	case ".mp4":
		return "video/mp4"
	case ".ogg", ".opus":
		return "audio/ogg"
	case ".mp3":
		return "audio/mpeg"
	case ".wav":
		return "audio/wav"
	default:
		return "application/octet-stream"
	}
}

func sanitizePathSegment(s string) string {
	var b strings.Builder
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}
