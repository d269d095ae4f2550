// Package dispatch implements C11: parsing @name/#room mentions out of a
// room message and routing them to one or more bots via fire-and-forget
// invocation, bounded by each bot's max_concurrent_tasks (spec §4.11).
// The fire-and-forget + callback shape is grounded on the teacher's
// DelegateManager.DelegateAsync (internal/tools/delegate.go), generalized
// from agent-to-agent delegation to bot-to-bot invocation inside a room.
package dispatch

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"time"
)

// mentionSynonyms maps alternate spellings to a bot's canonical id (spec
// §4.11: "@leader, @coordinator -> leader").
var mentionSynonyms = map[string]string{
	"leader":      "leader",
	"coordinator": "leader",
	"nanobot":     "leader",
}

var mentionPattern = regexp.MustCompile(`@([a-zA-Z0-9_-]+)`)
var roomRefPattern = regexp.MustCompile(`#([a-zA-Z0-9_-]+)`)

// ParseMentions extracts @name mentions from text, resolving synonyms and
// deduplicating while preserving first-seen order.
func ParseMentions(text string) []string {
	matches := mentionPattern.FindAllStringSubmatch(text, -1)
	seen := make(map[string]bool)
	var out []string
	for _, m := range matches {
		name := canonicalBotName(m[1])
		if !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	return out
}

// ParseRoomRefs extracts #room references from text.
func ParseRoomRefs(text string) []string {
	matches := roomRefPattern.FindAllStringSubmatch(text, -1)
	var out []string
	for _, m := range matches {
		out = append(out, m[1])
	}
	return out
}

func canonicalBotName(raw string) string {
	lower := toLower(raw)
	if canon, ok := mentionSynonyms[lower]; ok {
		return canon
	}
	return raw
}

func toLower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

// RouteMode describes how a message resolves to a set of target bots
// (spec §4.11 routing).
type RouteMode string

const (
	RouteLeader RouteMode = "leader" // no mention -> room leader
	RouteSingle RouteMode = "single" // one @bot -> that bot
	RouteMulti  RouteMode = "multi"  // multiple @bots -> leader invokes each in turn
)

// Route is the resolved target set for an inbound room message.
type Route struct {
	Mode RouteMode
	Bots []string // invocation order; for RouteMulti this is delegated-to list
}

// ResolveRoute implements spec §4.11's routing table.
func ResolveRoute(text, leader string) Route {
	mentions := ParseMentions(text)
	switch len(mentions) {
	case 0:
		return Route{Mode: RouteLeader, Bots: []string{leader}}
	case 1:
		return Route{Mode: RouteSingle, Bots: mentions}
	default:
		return Route{Mode: RouteMulti, Bots: mentions}
	}
}

// InvokeRequest is one bot invocation (spec §4.11 invoke()).
type InvokeRequest struct {
	Bot             string
	Task            string
	ExpectedOutputs []string
	InputArtifacts  []string
	RoomID          string
}

// InvokeResult is delivered to the fire-and-forget callback once the
// invoked bot's turn completes.
type InvokeResult struct {
	Bot       string
	Content   string
	Err       error
	Duration  time.Duration
	Completed time.Time
}

// InvokeFunc actually runs a bot's agent loop for one task. Injected from
// the cmd layer so this package never imports internal/agent (avoids an
// import cycle, mirroring DelegateManager.AgentRunFunc).
type InvokeFunc func(ctx context.Context, req InvokeRequest) (string, error)

// Callback receives the eventual result of a fire-and-forget invocation.
type Callback func(result *InvokeResult)

// ErrAtCapacity is returned when a bot is already running
// max_concurrent_tasks invocations (spec §4.11).
type ErrAtCapacity struct {
	Bot      string
	Capacity int
}

func (e *ErrAtCapacity) Error() string {
	return fmt.Sprintf("dispatch: bot %q is at capacity (%d concurrent tasks)", e.Bot, e.Capacity)
}

const defaultMaxConcurrentTasks = 3

// Dispatcher is the C11 bot dispatcher.
type Dispatcher struct {
	invoke InvokeFunc

	mu            sync.Mutex
	active        map[string]int
	maxConcurrent map[string]int
}

func New(invoke InvokeFunc) *Dispatcher {
	return &Dispatcher{
		invoke:        invoke,
		active:        make(map[string]int),
		maxConcurrent: make(map[string]int),
	}
}

// SetMaxConcurrent overrides a bot's concurrency cap (default 3).
func (d *Dispatcher) SetMaxConcurrent(bot string, n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.maxConcurrent[bot] = n
}

func (d *Dispatcher) capacityFor(bot string) int {
	if n, ok := d.maxConcurrent[bot]; ok && n > 0 {
		return n
	}
	return defaultMaxConcurrentTasks
}

// ActiveCount reports how many invocations of bot are currently running.
func (d *Dispatcher) ActiveCount(bot string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active[bot]
}

// Invoke implements spec §4.11's invoke(bot, task, expected_outputs?,
// input_artifacts?): fire-and-forget, bounded by the bot's
// max_concurrent_tasks, delivering its outcome to cb from a background
// goroutine. Returns ErrAtCapacity synchronously if the bot has no free
// slot.
func (d *Dispatcher) Invoke(ctx context.Context, req InvokeRequest, cb Callback) error {
	d.mu.Lock()
	capacity := d.capacityFor(req.Bot)
	if d.active[req.Bot] >= capacity {
		d.mu.Unlock()
		return &ErrAtCapacity{Bot: req.Bot, Capacity: capacity}
	}
	d.active[req.Bot]++
	d.mu.Unlock()

	go func() {
		defer func() {
			d.mu.Lock()
			d.active[req.Bot]--
			d.mu.Unlock()
		}()

		start := time.Now()
		content, err := d.invoke(ctx, req)
		result := &InvokeResult{
			Bot:       req.Bot,
			Content:   content,
			Err:       err,
			Duration:  time.Since(start),
			Completed: time.Now(),
		}
		if cb != nil {
			cb(result)
		}
	}()
	return nil
}

// InvokeRoute dispatches a resolved Route: RouteLeader/RouteSingle invoke
// their one bot; RouteMulti invokes every mentioned bot in turn (spec
// §4.11: "leader invokes each bot in turn"), aggregating each outcome
// through cb as it completes rather than waiting for the whole set.
func (d *Dispatcher) InvokeRoute(ctx context.Context, route Route, task, roomID string, cb Callback) []error {
	var errs []error
	for _, bot := range route.Bots {
		if err := d.Invoke(ctx, InvokeRequest{Bot: bot, Task: task, RoomID: roomID}, cb); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}
