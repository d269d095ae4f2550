// Package summary implements C4: the staleness-driven SummaryNode tree.
// The tree has a fixed schema (spec §3, §4.4): root -> per-channel nodes ->
// per-entity_type nodes -> per-entity/topic leaves, plus a singleton
// user_preferences leaf directly under root. Refresh is the only core path
// that issues LLM calls outside a user turn, and it must be driven by the
// background task manager (C6), never the foreground agent loop.
package summary

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nanobot-run/nanobot/internal/providers"
)

type NodeType string

const (
	NodeRoot        NodeType = "root"
	NodeChannel     NodeType = "channel"
	NodeEntityType  NodeType = "entity_type"
	NodeEntity      NodeType = "entity"
	NodeTopic       NodeType = "topic"
	NodePreferences NodeType = "preferences"
)

const (
	defaultStalenessThreshold = 10
	defaultMaxRefreshBatch    = 20
	defaultMaxSourceEvents    = 15

	rootKey        = "root"
	preferencesKey = "user_preferences"
)

// Node mirrors spec §3 SummaryNode.
type Node struct {
	ID                string
	Type              NodeType
	Key               string
	ParentID          string
	SummaryText       string
	SummaryEmbedding  []float32
	EventsSinceUpdate int
	LastUpdated       time.Time
}

func EnsureSchema(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS summary_nodes (
	id TEXT PRIMARY KEY,
	type TEXT NOT NULL,
	key TEXT NOT NULL UNIQUE,
	parent_id TEXT,
	summary_text TEXT NOT NULL DEFAULT '',
	events_since_update INTEGER NOT NULL DEFAULT 0,
	last_updated DATETIME
);
CREATE INDEX IF NOT EXISTS idx_summary_nodes_parent ON summary_nodes(parent_id);
`)
	return err
}

// Tree wraps the shared event-store database handle (spec §5: summary nodes
// share the same transactional file as events/entities/facts).
type Tree struct {
	db       *sql.DB
	provider providers.Provider
	model    string // cheapest configured model, per spec §4.4
}

func New(db *sql.DB, provider providers.Provider, cheapModel string) *Tree {
	return &Tree{db: db, provider: provider, model: cheapModel}
}

// Bootstrap creates the root node and the always-present user_preferences
// leaf if they do not already exist (spec §3 invariant: exactly one root;
// user_preferences always exists and is always eligible for inclusion).
func (t *Tree) Bootstrap(ctx context.Context) error {
	root, err := t.getByKey(ctx, rootKey)
	if err != nil {
		return err
	}
	if root == nil {
		root = &Node{ID: uuid.NewString(), Type: NodeRoot, Key: rootKey}
		if err := t.insert(ctx, root); err != nil {
			return err
		}
	}
	prefs, err := t.getByKey(ctx, preferencesKey)
	if err != nil {
		return err
	}
	if prefs == nil {
		prefs = &Node{ID: uuid.NewString(), Type: NodePreferences, Key: preferencesKey, ParentID: root.ID}
		if err := t.insert(ctx, prefs); err != nil {
			return err
		}
	}
	return nil
}

func channelKey(channel string) string    { return "channel:" + channel }
func entityTypeKey(channel, et string) string { return "channel:" + channel + ":entity_type:" + et }
func entityKey(entityID string) string    { return "entity:" + entityID }
func topicKey(topic string) string        { return "topic:" + strings.ToLower(topic) }

// EnsureChannelPath creates (if absent) the channel node and returns it,
// parented under root.
func (t *Tree) EnsureChannelPath(ctx context.Context, channel string) (*Node, error) {
	root, err := t.getByKey(ctx, rootKey)
	if err != nil {
		return nil, err
	}
	if root == nil {
		return nil, fmt.Errorf("summary: tree not bootstrapped")
	}
	return t.ensureNode(ctx, channelKey(channel), NodeChannel, root.ID)
}

// EnsureEntityPath creates (if absent) channel -> entity_type -> entity and
// returns the leaf, touching every ancestor's EventsSinceUpdate counter.
func (t *Tree) EnsureEntityPath(ctx context.Context, channel, entityType, entityID string) (*Node, error) {
	ch, err := t.EnsureChannelPath(ctx, channel)
	if err != nil {
		return nil, err
	}
	et, err := t.ensureNode(ctx, entityTypeKey(channel, entityType), NodeEntityType, ch.ID)
	if err != nil {
		return nil, err
	}
	return t.ensureNode(ctx, entityKey(entityID), NodeEntity, et.ID)
}

// EnsureTopicPath creates (if absent) channel -> entity_type("topic") -> topic leaf.
func (t *Tree) EnsureTopicPath(ctx context.Context, channel, topic string) (*Node, error) {
	ch, err := t.EnsureChannelPath(ctx, channel)
	if err != nil {
		return nil, err
	}
	et, err := t.ensureNode(ctx, entityTypeKey(channel, "topic"), NodeEntityType, ch.ID)
	if err != nil {
		return nil, err
	}
	return t.ensureNode(ctx, topicKey(topic), NodeTopic, et.ID)
}

// TouchAncestors increments events_since_update on leaf and every ancestor up
// to root (spec §4.4: "the background extractor increments the counter on
// every node whose scope covers the event, ancestors included"). Called by
// C6's extraction task inside the same transaction that wrote the
// entity/edge/fact (spec §5 shared-resource policy).
func (t *Tree) TouchAncestors(ctx context.Context, leafID string) error {
	id := leafID
	seen := map[string]bool{}
	for id != "" && !seen[id] {
		seen[id] = true
		node, err := t.getByID(ctx, id)
		if err != nil {
			return err
		}
		if node == nil {
			return nil
		}
		if _, err := t.db.ExecContext(ctx, `UPDATE summary_nodes SET events_since_update = events_since_update + 1 WHERE id = ?`, node.ID); err != nil {
			return err
		}
		id = node.ParentID
	}
	return nil
}

// staleLeaves returns every entity/topic/preferences leaf with events_since_update
// >= staleness_threshold, ordered stalest-first, capped at maxRefreshBatch.
func (t *Tree) staleLeaves(ctx context.Context, threshold, maxBatch int) ([]*Node, error) {
	rows, err := t.db.QueryContext(ctx, `
SELECT id, type, key, COALESCE(parent_id,''), summary_text, events_since_update, COALESCE(last_updated, '1970-01-01')
FROM summary_nodes
WHERE type IN ('entity','topic','preferences') AND events_since_update >= ?
ORDER BY events_since_update DESC
LIMIT ?`, threshold, maxBatch)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanNodes(rows)
}

// RefreshCycle runs one background-task-manager invocation of the leaves ->
// branches -> root refresh pipeline (spec §4.4). recentEvents supplies, per
// leaf key, up to N most recent source events' text; it is the caller's
// (C6 extraction task's) responsibility to fetch those from C1.
func (t *Tree) RefreshCycle(ctx context.Context, recentEvents func(leafKey string, n int) ([]string, error)) (refreshed int, err error) {
	leaves, err := t.staleLeaves(ctx, defaultStalenessThreshold, defaultMaxRefreshBatch)
	if err != nil {
		return 0, err
	}
	touchedParents := map[string]bool{}
	for _, leaf := range leaves {
		events, err := recentEvents(leaf.Key, defaultMaxSourceEvents)
		if err != nil {
			return refreshed, fmt.Errorf("summary: fetch source events for %s: %w", leaf.Key, err)
		}
		text, err := t.synthesizeLeaf(ctx, leaf, events)
		if err != nil {
			return refreshed, fmt.Errorf("summary: refresh leaf %s: %w", leaf.Key, err)
		}
		if err := t.applyRefresh(ctx, leaf, text); err != nil {
			return refreshed, err
		}
		refreshed++
		if leaf.ParentID != "" {
			touchedParents[leaf.ParentID] = true
		}
	}

	// Branches: synthesize from children summaries only, no direct event reads.
	// Each refreshed branch queues its parent, so refresh climbs level by
	// level from the leaves' parents up to the channel nodes.
	branchIDs := make([]string, 0, len(touchedParents))
	for id := range touchedParents {
		branchIDs = append(branchIDs, id)
	}
	sort.Strings(branchIDs)
	rootTouched := false
	for len(branchIDs) > 0 {
		id := branchIDs[0]
		branchIDs = branchIDs[1:]
		branch, err := t.getByID(ctx, id)
		if err != nil {
			return refreshed, err
		}
		if branch == nil || branch.Type == NodeRoot {
			if branch != nil && branch.Type == NodeRoot {
				rootTouched = true
			}
			continue
		}
		children, err := t.children(ctx, branch.ID)
		if err != nil {
			return refreshed, err
		}
		text, err := t.synthesizeBranch(ctx, branch, children)
		if err != nil {
			return refreshed, fmt.Errorf("summary: refresh branch %s: %w", branch.Key, err)
		}
		if err := t.applyRefresh(ctx, branch, text); err != nil {
			return refreshed, err
		}
		refreshed++
		if branch.ParentID != "" && !touchedParents[branch.ParentID] {
			touchedParents[branch.ParentID] = true
			branchIDs = append(branchIDs, branch.ParentID)
		}
	}

	// Root refreshes last, from its direct children (channels + preferences).
	if rootTouched {
		root, err := t.getByKey(ctx, rootKey)
		if err != nil {
			return refreshed, err
		}
		if root != nil {
			children, err := t.children(ctx, root.ID)
			if err != nil {
				return refreshed, err
			}
			text, err := t.synthesizeBranch(ctx, root, children)
			if err != nil {
				return refreshed, fmt.Errorf("summary: refresh root: %w", err)
			}
			if err := t.applyRefresh(ctx, root, text); err != nil {
				return refreshed, err
			}
			refreshed++
		}
	}
	return refreshed, nil
}

func (t *Tree) synthesizeLeaf(ctx context.Context, leaf *Node, events []string) (string, error) {
	if t.provider == nil {
		// No provider wired (e.g. unit tests): fall back to a deterministic
		// concatenation so the staleness counter semantics remain testable.
		return fmt.Sprintf("%s | %s", leaf.SummaryText, strings.Join(events, " / ")), nil
	}
	prompt := fmt.Sprintf(
		"Update this rolling summary for %q.\nPrevious summary: %s\nNew events:\n- %s\nRespond with only the updated summary, 2-4 sentences.",
		leaf.Key, orNone(leaf.SummaryText), strings.Join(events, "\n- "),
	)
	resp, err := t.provider.Chat(ctx, providers.ChatRequest{
		Model:    t.model,
		Messages: []providers.Message{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Content), nil
}

func (t *Tree) synthesizeBranch(ctx context.Context, branch *Node, children []*Node) (string, error) {
	parts := make([]string, 0, len(children))
	for _, c := range children {
		if c.SummaryText != "" {
			parts = append(parts, fmt.Sprintf("%s: %s", c.Key, c.SummaryText))
		}
	}
	if t.provider == nil {
		return strings.Join(parts, "\n"), nil
	}
	prompt := fmt.Sprintf(
		"Synthesize a single concise summary for %q from its children summaries:\n%s\nRespond with only the synthesized summary.",
		branch.Key, strings.Join(parts, "\n"),
	)
	resp, err := t.provider.Chat(ctx, providers.ChatRequest{
		Model:    t.model,
		Messages: []providers.Message{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Content), nil
}

func orNone(s string) string {
	if s == "" {
		return "(none yet)"
	}
	return s
}

// applyRefresh persists the synthesized text and resets the staleness
// counter to 0 (spec §8 property 11: "immediately after a summary refresh,
// events_since_update == 0").
func (t *Tree) applyRefresh(ctx context.Context, n *Node, text string) error {
	_, err := t.db.ExecContext(ctx, `
UPDATE summary_nodes SET summary_text = ?, events_since_update = 0, last_updated = ? WHERE id = ?`,
		text, time.Now(), n.ID)
	return err
}

func (t *Tree) ensureNode(ctx context.Context, key string, typ NodeType, parentID string) (*Node, error) {
	n, err := t.getByKey(ctx, key)
	if err != nil {
		return nil, err
	}
	if n != nil {
		return n, nil
	}
	n = &Node{ID: uuid.NewString(), Type: typ, Key: key, ParentID: parentID}
	if err := t.insert(ctx, n); err != nil {
		return nil, err
	}
	return n, nil
}

func (t *Tree) insert(ctx context.Context, n *Node) error {
	_, err := t.db.ExecContext(ctx, `
INSERT INTO summary_nodes (id, type, key, parent_id, summary_text, events_since_update, last_updated)
VALUES (?, ?, ?, NULLIF(?, ''), '', 0, NULL)`,
		n.ID, string(n.Type), n.Key, n.ParentID)
	return err
}

func (t *Tree) children(ctx context.Context, parentID string) ([]*Node, error) {
	rows, err := t.db.QueryContext(ctx, `
SELECT id, type, key, COALESCE(parent_id,''), summary_text, events_since_update, COALESCE(last_updated, '1970-01-01')
FROM summary_nodes WHERE parent_id = ? ORDER BY key`, parentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanNodes(rows)
}

func (t *Tree) getByKey(ctx context.Context, key string) (*Node, error) {
	row := t.db.QueryRowContext(ctx, `
SELECT id, type, key, COALESCE(parent_id,''), summary_text, events_since_update, COALESCE(last_updated, '1970-01-01')
FROM summary_nodes WHERE key = ?`, key)
	return scanNode(row)
}

func (t *Tree) getByID(ctx context.Context, id string) (*Node, error) {
	row := t.db.QueryRowContext(ctx, `
SELECT id, type, key, COALESCE(parent_id,''), summary_text, events_since_update, COALESCE(last_updated, '1970-01-01')
FROM summary_nodes WHERE id = ?`, id)
	return scanNode(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNode(row rowScanner) (*Node, error) {
	var n Node
	var typ, lastUpdated string
	err := row.Scan(&n.ID, &typ, &n.Key, &n.ParentID, &n.SummaryText, &n.EventsSinceUpdate, &lastUpdated)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	n.Type = NodeType(typ)
	n.LastUpdated, _ = time.Parse(time.RFC3339, lastUpdated)
	return &n, nil
}

func scanNodes(rows *sql.Rows) ([]*Node, error) {
	var out []*Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// ContextBundle is the pure-lookup slice of summaries the agent loop (C10)
// assembles into its prompt (spec §4.10 step 2): root, optional channel,
// optional entity, topics, and the always-present user_preferences leaf.
type ContextBundle struct {
	Root             string
	Channel          string
	Entity           string
	Topics           []string
	UserPreferences  string
}

// AssembleContext is a pure lookup (no LLM calls) reading only already
// persisted summary text, matching spec §8 property 12 (context assembly
// purity).
func (t *Tree) AssembleContext(ctx context.Context, channel, entityID string, topics []string) (*ContextBundle, error) {
	bundle := &ContextBundle{}
	if root, err := t.getByKey(ctx, rootKey); err != nil {
		return nil, err
	} else if root != nil {
		bundle.Root = root.SummaryText
	}
	if channel != "" {
		if n, err := t.getByKey(ctx, channelKey(channel)); err != nil {
			return nil, err
		} else if n != nil {
			bundle.Channel = n.SummaryText
		}
	}
	if entityID != "" {
		if n, err := t.getByKey(ctx, entityKey(entityID)); err != nil {
			return nil, err
		} else if n != nil {
			bundle.Entity = n.SummaryText
		}
	}
	for _, top := range topics {
		if n, err := t.getByKey(ctx, topicKey(top)); err != nil {
			return nil, err
		} else if n != nil && n.SummaryText != "" {
			bundle.Topics = append(bundle.Topics, n.SummaryText)
		}
	}
	if n, err := t.getByKey(ctx, preferencesKey); err != nil {
		return nil, err
	} else if n != nil {
		bundle.UserPreferences = n.SummaryText
	}
	return bundle, nil
}
