package agent

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/nanobot-run/nanobot/internal/config"
	"github.com/nanobot-run/nanobot/internal/providers"
	"github.com/nanobot-run/nanobot/internal/store"
	"github.com/nanobot-run/nanobot/internal/tools"
)

// ResolverDeps holds the dependencies shared by every bot Loop built from
// config. Single-tenant: bots come from config.json's agents.list, not a
// database — see spec.md Non-goals (multi-tenant isolation excluded).
type ResolverDeps struct {
	Config     *config.Config
	Providers  *providers.Registry
	Sessions   store.SessionStore
	Tools      *tools.Registry
	ToolPolicy *tools.PolicyEngine

	HasMemory  bool
	OnEvent    func(AgentEvent)
	OnTurnDone OnTurnComplete

	InjectionAction string
	MaxMessageChars int
}

// Router resolves bot IDs to Loops, caching the result so the same config
// doesn't get re-merged/re-loaded on every message.
type Router struct {
	mu   sync.RWMutex
	deps ResolverDeps
	bots map[string]*Loop
}

// NewRouter builds a Router over the given dependencies.
func NewRouter(deps ResolverDeps) *Router {
	return &Router{deps: deps, bots: make(map[string]*Loop)}
}

// Resolve returns the Loop for botID, building and caching it on first use.
func (r *Router) Resolve(botID string) (*Loop, error) {
	r.mu.RLock()
	if l, ok := r.bots[botID]; ok {
		r.mu.RUnlock()
		return l, nil
	}
	r.mu.RUnlock()

	loop, err := buildBotLoop(botID, r.deps)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.bots[botID] = loop
	r.mu.Unlock()
	return loop, nil
}

// Invalidate drops botID from the cache, forcing re-resolution (e.g. after a
// config reload changes that bot's settings).
func (r *Router) Invalidate(botID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.bots, botID)
	slog.Debug("invalidated bot cache", "bot", botID)
}

// InvalidateAll clears the entire cache, forcing every bot to re-resolve.
func (r *Router) InvalidateAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bots = make(map[string]*Loop)
	slog.Debug("invalidated all bot caches")
}

// DefaultBotID returns the bot ID marked `default: true` in config, or the
// first bot ID in iteration order if none is marked.
func DefaultBotID(cfg *config.Config) (string, error) {
	for id, spec := range cfg.Agents.List {
		if spec.Default {
			return id, nil
		}
	}
	for id := range cfg.Agents.List {
		return id, nil
	}
	return "", fmt.Errorf("no bots configured")
}

// buildBotLoop merges a bot's config.AgentSpec over agents.defaults, loads
// its role cards, resolves its provider, and constructs a Loop.
func buildBotLoop(botID string, deps ResolverDeps) (*Loop, error) {
	spec, ok := deps.Config.Agents.List[botID]
	if !ok {
		return nil, fmt.Errorf("bot not found: %s", botID)
	}
	defaults := deps.Config.Agents.Defaults

	providerName := firstNonEmpty(spec.Provider, defaults.Provider)
	provider, err := deps.Providers.Get(providerName)
	if err != nil {
		if fallback, ok := deps.Providers.Fallback(); ok {
			slog.Warn("bot provider not found, using fallback", "bot", botID, "wanted", providerName, "using", fallback.Name())
			provider = fallback
		} else {
			return nil, fmt.Errorf("no providers configured for bot %s", botID)
		}
	}

	model := firstNonEmpty(spec.Model, defaults.Model)
	contextWindow := firstPositive(spec.ContextWindow, defaults.ContextWindow, 200000)
	maxIter := firstPositive(spec.MaxToolIterations, defaults.MaxToolIterations, 8)

	workspace := firstNonEmpty(spec.Workspace, defaults.Workspace)
	if workspace != "" {
		workspace = config.ExpandHome(workspace)
		if !filepath.IsAbs(workspace) {
			workspace, _ = filepath.Abs(workspace)
		}
		if err := os.MkdirAll(workspace, 0755); err != nil {
			slog.Warn("failed to create bot workspace directory", "workspace", workspace, "bot", botID, "error", err)
		}
	}

	roleCardPaths := append(append([]string{}, defaults.RoleCards...), spec.RoleCards...)
	roleCard, err := loadRoleCards(roleCardPaths)
	if err != nil {
		slog.Warn("failed to load role cards", "bot", botID, "error", err)
	}

	reflectionTier := firstNonEmpty(spec.ReflectionTier, defaults.ReflectionTier, "off")

	compactionCfg := defaults.Compaction
	contextPruningCfg := defaults.ContextPruning

	hasMemory := deps.HasMemory
	if defaults.Memory != nil && defaults.Memory.Enabled != nil && !*defaults.Memory.Enabled {
		hasMemory = false
	}

	loop := NewLoop(LoopConfig{
		ID:                botID,
		Provider:          provider,
		Model:             model,
		ContextWindow:     contextWindow,
		MaxIterations:     maxIter,
		Workspace:         workspace,
		Sessions:          deps.Sessions,
		Tools:             deps.Tools,
		ToolPolicy:        deps.ToolPolicy,
		OnEvent:           deps.OnEvent,
		OnTurnDone:        deps.OnTurnDone,
		RoleCard:          roleCard,
		HasMemory:         hasMemory,
		ReflectionTier:    reflectionTier,
		CompactionCfg:     compactionCfg,
		ContextPruningCfg: contextPruningCfg,
		InjectionAction:   deps.InjectionAction,
		MaxMessageChars:   deps.MaxMessageChars,
	})

	slog.Info("resolved bot", "bot", botID, "model", model, "provider", provider.Name())
	return loop, nil
}

// loadRoleCards reads each YAML file in order and flat-merges their top-level
// keys (later files win), then renders the merged map as a readable block
// for the system prompt (spec.md §"Mixin-like role cards → data").
func loadRoleCards(paths []string) (string, error) {
	merged := make(map[string]interface{})
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return renderRoleCard(merged), fmt.Errorf("reading role card %s: %w", path, err)
		}
		var doc map[string]interface{}
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return renderRoleCard(merged), fmt.Errorf("parsing role card %s: %w", path, err)
		}
		for k, v := range doc {
			merged[k] = v
		}
	}
	return renderRoleCard(merged), nil
}

func renderRoleCard(fields map[string]interface{}) string {
	if len(fields) == 0 {
		return ""
	}
	b, err := yaml.Marshal(fields)
	if err != nil {
		return ""
	}
	return string(b)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstPositive(vals ...int) int {
	for _, v := range vals {
		if v > 0 {
			return v
		}
	}
	return 0
}
