package agent

import (
	"regexp"
)

// InputGuard scans inbound user text for prompt-injection patterns before it
// reaches the provider (spec §7 SecurityFlag: "injection detector tripped").
// It never blocks autonomously — the configured InjectionAction on Loop
// decides whether a match is logged, warned, or rejected.
type InputGuard struct{}

type namedPattern struct {
	name string
	re   *regexp.Regexp
}

var defaultInjectionPatterns = []namedPattern{
	{"ignore_instructions", regexp.MustCompile(`(?i)ignore (all|any|previous|prior|the above) instructions`)},
	{"reveal_system_prompt", regexp.MustCompile(`(?i)(reveal|print|show|repeat) (your|the) (system prompt|instructions)`)},
	{"act_as_dan", regexp.MustCompile(`(?i)\bDAN\b.{0,20}(mode|jailbreak)`)},
	{"pretend_no_restrictions", regexp.MustCompile(`(?i)pretend (you have no|there are no) (restrictions|rules|guidelines)`)},
	{"credential_pattern", regexp.MustCompile(`(?i)(api[_-]?key|secret|password)\s*[:=]\s*\S{8,}`)},
}

// NewInputGuard builds a guard using the default pattern set.
func NewInputGuard() *InputGuard {
	return &InputGuard{}
}

// Scan returns the names of every pattern that matched text. An empty slice
// means no injection signal was found.
func (g *InputGuard) Scan(text string) []string {
	var matches []string
	for _, p := range defaultInjectionPatterns {
		if p.re.MatchString(text) {
			matches = append(matches, p.name)
		}
	}
	return matches
}
