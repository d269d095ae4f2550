package agent

import (
	"strings"

	"github.com/nanobot-run/nanobot/internal/config"
	"github.com/nanobot-run/nanobot/internal/providers"
)

// pruneContextMessages trims or clears old tool-result content once history
// approaches the context window, so a long room doesn't force aggressive
// session summarization just to stay under the provider's token limit.
// Protects the last few assistant turns unconditionally.
func pruneContextMessages(msgs []providers.Message, contextWindow int, cfg *config.ContextPruningConfig) []providers.Message {
	if cfg == nil || cfg.Mode != "cache-ttl" || contextWindow <= 0 {
		return msgs
	}

	estimate := EstimateTokens(msgs)
	softRatio := cfg.SoftTrimRatio
	if softRatio <= 0 {
		softRatio = 0.3
	}
	hardRatio := cfg.HardClearRatio
	if hardRatio <= 0 {
		hardRatio = 0.5
	}

	softThreshold := int(float64(contextWindow) * softRatio)
	hardThreshold := int(float64(contextWindow) * hardRatio)
	if estimate < softThreshold {
		return msgs
	}

	keepLastAssistants := cfg.KeepLastAssistants
	if keepLastAssistants <= 0 {
		keepLastAssistants = 3
	}
	minPrunable := cfg.MinPrunableToolChars
	if minPrunable <= 0 {
		minPrunable = 50000
	}

	protectedFrom := len(msgs)
	assistantsSeen := 0
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == "assistant" {
			assistantsSeen++
			if assistantsSeen >= keepLastAssistants {
				protectedFrom = i
				break
			}
		}
	}
	if assistantsSeen < keepLastAssistants {
		return msgs // fewer assistant turns than the protected window: nothing is prunable
	}

	totalToolChars := 0
	for i := 0; i < protectedFrom; i++ {
		if msgs[i].Role == "tool" {
			totalToolChars += len(msgs[i].Content)
		}
	}
	if totalToolChars < minPrunable {
		return msgs
	}

	hardClear := estimate >= hardThreshold

	out := make([]providers.Message, len(msgs))
	copy(out, msgs)

	for i := 0; i < protectedFrom; i++ {
		if out[i].Role != "tool" {
			continue
		}
		if hardClear {
			placeholder := "[Old tool result content cleared]"
			if cfg.HardClear != nil && cfg.HardClear.Placeholder != "" {
				placeholder = cfg.HardClear.Placeholder
			}
			out[i].Content = placeholder
			continue
		}
		maxChars := 4000
		headChars := 1500
		tailChars := 1500
		if cfg.SoftTrim != nil {
			if cfg.SoftTrim.MaxChars > 0 {
				maxChars = cfg.SoftTrim.MaxChars
			}
			if cfg.SoftTrim.HeadChars > 0 {
				headChars = cfg.SoftTrim.HeadChars
			}
			if cfg.SoftTrim.TailChars > 0 {
				tailChars = cfg.SoftTrim.TailChars
			}
		}
		if len(out[i].Content) > maxChars {
			var sb strings.Builder
			sb.WriteString(out[i].Content[:headChars])
			sb.WriteString("\n...[trimmed]...\n")
			sb.WriteString(out[i].Content[len(out[i].Content)-tailChars:])
			out[i].Content = sb.String()
		}
	}

	return out
}
