package tools

import (
	"context"
	"sort"
	"sync"

	"github.com/nanobot-run/nanobot/internal/providers"
)

// Tool is the contract every builtin/MCP/dynamic tool implements.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]interface{}
	Execute(ctx context.Context, args map[string]interface{}) *Result
}

// AsyncCallback delivers the eventual result of a tool that returned
// AsyncResult immediately (e.g. a spawned subagent).
type AsyncCallback func(ctx context.Context, result *Result)

// Registry holds the tools available to an agent loop, looked up by name at
// dispatch time and filtered down by PolicyEngine before being offered to a
// provider.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry returns an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds t under its own Name(), replacing any existing tool with
// the same name.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
}

// Get returns the named tool, if registered.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// List returns every registered tool name, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ProviderDefs returns every registered tool as a provider tool definition,
// unfiltered by policy. Used when no PolicyEngine is configured.
func (r *Registry) ProviderDefs() []providers.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]providers.ToolDefinition, 0, len(r.tools))
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		defs = append(defs, ToProviderDef(r.tools[name]))
	}
	return defs
}

// Clone returns a shallow copy of the registry, letting a caller register
// per-bot or per-agent extra tools without mutating the shared registry.
func (r *Registry) Clone() *Registry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c := NewRegistry()
	for name, t := range r.tools {
		c.tools[name] = t
	}
	return c
}

// ToProviderDef converts a Tool into the wire schema sent to an LLM provider.
func ToProviderDef(t Tool) providers.ToolDefinition {
	return providers.ToolDefinition{
		Type: "function",
		Function: providers.ToolFunctionSchema{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Parameters(),
		},
	}
}

// ExecuteWithContext runs the named tool with channel/chat/peer/session
// context injected, so tools that need routing info (sessions_send,
// delegate, etc.) can read it without threading extra parameters through
// every call site.
func (r *Registry) ExecuteWithContext(
	ctx context.Context,
	name string,
	args map[string]interface{},
	channel, chatID, peerKind, sessionKey string,
	asyncCB AsyncCallback,
) *Result {
	t, ok := r.Get(resolveAlias(name))
	if !ok {
		return ErrorResult("unknown tool: " + name)
	}

	ctx = WithToolChannel(ctx, channel)
	ctx = WithToolChatID(ctx, chatID)
	ctx = WithToolPeerKind(ctx, peerKind)
	ctx = WithToolSandboxKey(ctx, sessionKey)
	if asyncCB != nil {
		ctx = WithToolAsyncCB(ctx, asyncCB)
	}

	return t.Execute(ctx, args)
}
