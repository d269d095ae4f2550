package agent

import (
	"fmt"
	"strings"
)

// PromptMode controls how much ambient context is folded into the system
// prompt. Sidekick sessions (C13) use PromptMinimal: they are parent-owned,
// room-silent, and don't need the full room/tool orientation a room-facing
// bot turn gets.
type PromptMode int

const (
	PromptFull PromptMode = iota
	PromptMinimal
)

// SystemPromptConfig carries everything BuildSystemPrompt needs to render
// one bot's system prompt for one turn.
type SystemPromptConfig struct {
	BotID     string
	Model     string
	Workspace string
	Channel   string
	RoomID    string

	Mode      PromptMode
	ToolNames []string
	HasMemory bool

	// RoleCard is the bot's persona/instructions, loaded from role-card YAML
	// (spec §9: flat data, merged later-wins across config layers).
	RoleCard string

	// ReflectionTier, when non-empty, asks the model to reason before acting
	// (spec §4.10 step 5): "off", "brief", "deep".
	ReflectionTier string

	// ExtraPrompt is appended verbatim — used for sidekick context packets
	// and coordinator-injected task instructions.
	ExtraPrompt string
}

// BuildSystemPrompt renders the system message for one agent-loop turn.
func BuildSystemPrompt(cfg SystemPromptConfig) string {
	var sb strings.Builder

	if cfg.RoleCard != "" {
		sb.WriteString(cfg.RoleCard)
		sb.WriteString("\n\n")
	} else {
		fmt.Fprintf(&sb, "You are %s, an AI bot participating in a shared room.\n\n", cfg.BotID)
	}

	if cfg.Mode == PromptFull {
		fmt.Fprintf(&sb, "Model: %s\n", cfg.Model)
		if cfg.RoomID != "" {
			fmt.Fprintf(&sb, "Room: %s\n", cfg.RoomID)
		}
		if cfg.Channel != "" {
			fmt.Fprintf(&sb, "Channel: %s\n", cfg.Channel)
		}
		if cfg.Workspace != "" {
			fmt.Fprintf(&sb, "Workspace: %s\n", cfg.Workspace)
		}
		if len(cfg.ToolNames) > 0 {
			fmt.Fprintf(&sb, "Tools available: %s\n", strings.Join(cfg.ToolNames, ", "))
		}
		if cfg.HasMemory {
			sb.WriteString("You have access to long-term memory: entities, facts, and prior learnings surface automatically in context when relevant.\n")
		}
		sb.WriteString("\nMessages tagged with '@yourname' are direct mentions. Addressing '#room' or another bot by name delegates a sub-task; that reply is posted back to this room when ready, not to you directly.\n")
	}

	switch cfg.ReflectionTier {
	case "brief":
		sb.WriteString("\nBefore your final answer, briefly double-check your reasoning for mistakes.\n")
	case "deep":
		sb.WriteString("\nThink step by step before acting. After drafting a plan, reconsider alternate approaches and potential failure modes before executing tool calls.\n")
	}

	if cfg.ExtraPrompt != "" {
		sb.WriteString("\n")
		sb.WriteString(cfg.ExtraPrompt)
		sb.WriteString("\n")
	}

	return sb.String()
}
