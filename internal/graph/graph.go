// Package graph implements C3: entity resolution, typed edges, and
// subject-predicate-object facts with strength/decay (spec §3 Entity/Edge/
// Fact, §4.3). It shares the event store's sqlite connection (spec §5
// "single writer per transaction, many readers") rather than opening a
// second database file.
package graph

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nanobot-run/nanobot/internal/embedding"
)

const halfLifeDays = 30.0 // spec §4.3: "λ chosen so half-life ≈ 30 days"

// EnsureSchema creates the entity/edge/fact tables if absent. Safe to call
// repeatedly; additive to the shared memory.db alongside the event store's
// own golang-migrate-managed `events` table.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
	CREATE TABLE IF NOT EXISTS entities (
		id TEXT PRIMARY KEY,
		canonical_name TEXT NOT NULL,
		type TEXT NOT NULL,
		aliases TEXT NOT NULL DEFAULT '[]',
		description TEXT NOT NULL DEFAULT '',
		embedding_provider TEXT NOT NULL DEFAULT '',
		embedding_dim INTEGER NOT NULL DEFAULT 0,
		source_event_ids TEXT NOT NULL DEFAULT '[]',
		event_count INTEGER NOT NULL DEFAULT 0,
		first_seen INTEGER NOT NULL,
		last_seen INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_entities_name_type ON entities(canonical_name, type);

	CREATE TABLE IF NOT EXISTS edges (
		id TEXT PRIMARY KEY,
		src_id TEXT NOT NULL REFERENCES entities(id),
		rel TEXT NOT NULL,
		dst_id TEXT NOT NULL REFERENCES entities(id),
		strength REAL NOT NULL DEFAULT 0.5,
		source_event_ids TEXT NOT NULL DEFAULT '[]',
		first_seen INTEGER NOT NULL,
		last_seen INTEGER NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_edges_triple ON edges(src_id, rel, dst_id);

	CREATE TABLE IF NOT EXISTS facts (
		id TEXT PRIMARY KEY,
		subject_id TEXT NOT NULL REFERENCES entities(id),
		predicate TEXT NOT NULL,
		object_text TEXT NOT NULL DEFAULT '',
		object_entity_id TEXT,
		type TEXT NOT NULL,
		confidence REAL NOT NULL DEFAULT 0.5,
		strength REAL NOT NULL DEFAULT 0.5,
		source_event_ids TEXT NOT NULL DEFAULT '[]',
		valid_from INTEGER,
		valid_to INTEGER,
		superseded_by TEXT,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_facts_subject_predicate ON facts(subject_id, predicate);
	`)
	return err
}

// EntityType enumerates spec §3 Entity kinds.
type EntityType string

const (
	EntityPerson  EntityType = "person"
	EntityOrg     EntityType = "org"
	EntityLocation EntityType = "location"
	EntityConcept EntityType = "concept"
	EntityTool    EntityType = "tool"
	EntityTopic   EntityType = "topic"
)

// Entity is the canonical reference for a resolved mention (spec §3).
type Entity struct {
	ID              string
	CanonicalName   string
	Type            EntityType
	Aliases         []string
	Description     string
	SourceEventIDs  []int64
	EventCount      int
	FirstSeen       time.Time
	LastSeen        time.Time
}

// Edge is a directed, typed, decaying relationship between two entities
// (spec §3 Edge).
type Edge struct {
	ID             string
	SrcID          string
	Rel            string
	DstID          string
	Strength       float64
	SourceEventIDs []int64
	FirstSeen      time.Time
	LastSeen       time.Time
}

// FactType enumerates spec §3 Fact.type.
type FactType string

const (
	FactRelation  FactType = "relation"
	FactAttribute FactType = "attribute"
	FactPreference FactType = "preference"
	FactState     FactType = "state"
)

// Fact is a subject-predicate-object triple (spec §3 Fact).
type Fact struct {
	ID             string
	SubjectID      string
	Predicate      string
	ObjectText     string
	ObjectEntityID string
	Type           FactType
	Confidence     float64
	Strength       float64
	SourceEventIDs []int64
	ValidFrom      *time.Time
	ValidTo        *time.Time
	SupersededBy   string
	CreatedAt      time.Time
}

// Graph mediates entity resolution, edge upsert, and fact dedup over the
// shared memory.db, consulting an embedding.Index for near-neighbor lookup.
type Graph struct {
	db    *sql.DB
	index *embedding.Index
}

func New(db *sql.DB, index *embedding.Index) *Graph {
	return &Graph{db: db, index: index}
}

// Mention is one extracted reference to resolve (spec §4.3 entity
// resolution algorithm input).
type Mention struct {
	SurfaceForm string
	Type        EntityType
	Embedding   []float32
	ProviderID  string
	EventID     int64
}

func normalize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	var b strings.Builder
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == ' ' {
			b.WriteRune(r)
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// ResolveEntity implements spec §4.3's 5-step algorithm:
//  1. normalize surface form
//  2. exact match by (normalized_name OR alias, type)
//  3. else candidate set = top-k nearest neighbors with cosine >= 0.78, same type
//  4. if exactly one candidate above 0.85, merge (append alias, bump event_count)
//  5. otherwise create new entity
func (g *Graph) ResolveEntity(ctx context.Context, m Mention) (*Entity, error) {
	norm := normalize(m.SurfaceForm)

	if e, err := g.findExact(ctx, norm, m.Type); err != nil {
		return nil, err
	} else if e != nil {
		return g.mergeInto(ctx, e, m, norm)
	}

	if g.index != nil && len(m.Embedding) > 0 {
		results, err := g.index.Search(ctx, m.ProviderID, len(m.Embedding), m.Embedding, 5, map[string]string{"type": string(m.Type)})
		if err != nil {
			return nil, err
		}
		var best *embedding.Result
		aboveMerge := 0
		for i := range results {
			if results[i].Score >= 0.78 && (best == nil || results[i].Score > best.Score) {
				best = &results[i]
			}
			if results[i].Score >= 0.85 {
				aboveMerge++
			}
		}
		if best != nil && aboveMerge == 1 {
			e, err := g.getByID(ctx, best.ID)
			if err != nil {
				return nil, err
			}
			if e != nil {
				return g.mergeInto(ctx, e, m, norm)
			}
		}
	}

	return g.create(ctx, m, norm)
}

func (g *Graph) findExact(ctx context.Context, norm string, typ EntityType) (*Entity, error) {
	rows, err := g.db.QueryContext(ctx, `SELECT id, canonical_name, type, aliases, description, source_event_ids, event_count, first_seen, last_seen FROM entities WHERE type = ?`, string(typ))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		if normalize(e.CanonicalName) == norm {
			return e, nil
		}
		for _, a := range e.Aliases {
			if normalize(a) == norm {
				return e, nil
			}
		}
	}
	return nil, rows.Err()
}

func (g *Graph) getByID(ctx context.Context, id string) (*Entity, error) {
	row := g.db.QueryRowContext(ctx, `SELECT id, canonical_name, type, aliases, description, source_event_ids, event_count, first_seen, last_seen FROM entities WHERE id = ?`, id)
	e, err := scanEntity(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return e, err
}

func (g *Graph) create(ctx context.Context, m Mention, norm string) (*Entity, error) {
	now := time.Now().UTC()
	e := &Entity{
		ID:             uuid.NewString(),
		CanonicalName:  titleCase(norm),
		Type:           m.Type,
		SourceEventIDs: []int64{m.EventID},
		EventCount:     1,
		FirstSeen:      now,
		LastSeen:       now,
	}
	_, err := g.db.ExecContext(ctx, `
		INSERT INTO entities (id, canonical_name, type, aliases, description, embedding_provider, embedding_dim, source_event_ids, event_count, first_seen, last_seen)
		VALUES (?, ?, ?, '[]', '', ?, ?, ?, ?, ?, ?)`,
		e.ID, e.CanonicalName, string(e.Type), m.ProviderID, len(m.Embedding), encodeInt64s(e.SourceEventIDs), e.EventCount, e.FirstSeen.UnixNano(), e.LastSeen.UnixNano(),
	)
	if err != nil {
		return nil, err
	}
	if g.index != nil && len(m.Embedding) > 0 {
		if err := g.index.Upsert(ctx, m.ProviderID, len(m.Embedding), embedding.Record{
			ID: e.ID, Content: e.CanonicalName, Vector: m.Embedding,
			Metadata: map[string]string{"type": string(e.Type)},
		}); err != nil {
			return nil, err
		}
	}
	return e, nil
}

func (g *Graph) mergeInto(ctx context.Context, e *Entity, m Mention, norm string) (*Entity, error) {
	aliasSet := map[string]bool{normalize(e.CanonicalName): true}
	for _, a := range e.Aliases {
		aliasSet[normalize(a)] = true
	}
	if !aliasSet[norm] {
		e.Aliases = append(e.Aliases, m.SurfaceForm)
	}
	e.EventCount++
	e.SourceEventIDs = append(e.SourceEventIDs, m.EventID)
	e.LastSeen = time.Now().UTC()

	_, err := g.db.ExecContext(ctx, `
		UPDATE entities SET aliases = ?, source_event_ids = ?, event_count = ?, last_seen = ? WHERE id = ?`,
		encodeStrings(e.Aliases), encodeInt64s(e.SourceEventIDs), e.EventCount, e.LastSeen.UnixNano(), e.ID,
	)
	return e, err
}

// UpsertEdge implements spec §4.3 edge upsert: existing (src, rel, dst) ->
// strength = min(1, strength + 0.1), bump last_seen; else insert at 0.5.
func (g *Graph) UpsertEdge(ctx context.Context, srcID, rel, dstID string, sourceEventID int64) (*Edge, error) {
	now := time.Now().UTC()
	row := g.db.QueryRowContext(ctx, `SELECT id, strength, source_event_ids, first_seen FROM edges WHERE src_id = ? AND rel = ? AND dst_id = ?`, srcID, rel, dstID)
	var id string
	var strength float64
	var srcEventsRaw string
	var firstSeenNano int64
	err := row.Scan(&id, &strength, &srcEventsRaw, &firstSeenNano)
	if err == sql.ErrNoRows {
		id = uuid.NewString()
		_, err := g.db.ExecContext(ctx, `
			INSERT INTO edges (id, src_id, rel, dst_id, strength, source_event_ids, first_seen, last_seen)
			VALUES (?, ?, ?, ?, 0.5, ?, ?, ?)`,
			id, srcID, rel, dstID, encodeInt64s([]int64{sourceEventID}), now.UnixNano(), now.UnixNano(),
		)
		if err != nil {
			return nil, err
		}
		return &Edge{ID: id, SrcID: srcID, Rel: rel, DstID: dstID, Strength: 0.5, SourceEventIDs: []int64{sourceEventID}, FirstSeen: now, LastSeen: now}, nil
	}
	if err != nil {
		return nil, err
	}

	events := decodeInt64s(srcEventsRaw)
	events = append(events, sourceEventID)
	strength = math.Min(1, strength+0.1)
	if _, err := g.db.ExecContext(ctx, `UPDATE edges SET strength = ?, source_event_ids = ?, last_seen = ? WHERE id = ?`, strength, encodeInt64s(events), now.UnixNano(), id); err != nil {
		return nil, err
	}
	return &Edge{ID: id, SrcID: srcID, Rel: rel, DstID: dstID, Strength: strength, SourceEventIDs: events, FirstSeen: time.Unix(0, firstSeenNano).UTC(), LastSeen: now}, nil
}

// DecayEdgesAndFacts applies spec §4.3's exponential decay to every edge and
// non-superseded fact: strength *= exp(-lambda*deltaDays), lambda chosen so
// half-life ~= 30 days. Invoked by the background task manager's periodic
// "learning_decay" style cycle (see internal/background).
func (g *Graph) DecayEdgesAndFacts(ctx context.Context, now time.Time) error {
	lambda := math.Ln2 / halfLifeDays

	rows, err := g.db.QueryContext(ctx, `SELECT id, strength, last_seen FROM edges`)
	if err != nil {
		return err
	}
	type row struct {
		id       string
		strength float64
		lastSeen int64
	}
	var edgeRows []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.id, &r.strength, &r.lastSeen); err != nil {
			rows.Close()
			return err
		}
		edgeRows = append(edgeRows, r)
	}
	rows.Close()
	for _, r := range edgeRows {
		deltaDays := now.Sub(time.Unix(0, r.lastSeen)).Hours() / 24
		newStrength := r.strength * math.Exp(-lambda*deltaDays)
		if _, err := g.db.ExecContext(ctx, `UPDATE edges SET strength = ? WHERE id = ?`, newStrength, r.id); err != nil {
			return err
		}
	}

	frows, err := g.db.QueryContext(ctx, `SELECT id, strength, created_at FROM facts WHERE superseded_by IS NULL`)
	if err != nil {
		return err
	}
	var factRows []row
	for frows.Next() {
		var r row
		if err := frows.Scan(&r.id, &r.strength, &r.lastSeen); err != nil {
			frows.Close()
			return err
		}
		factRows = append(factRows, r)
	}
	frows.Close()
	for _, r := range factRows {
		deltaDays := now.Sub(time.Unix(0, r.lastSeen)).Hours() / 24
		newStrength := r.strength * math.Exp(-lambda*deltaDays)
		if _, err := g.db.ExecContext(ctx, `UPDATE facts SET strength = ? WHERE id = ?`, newStrength, r.id); err != nil {
			return err
		}
	}
	return nil
}

// UpsertFact implements spec §4.3 fact dedup: for (subject, predicate)
// singletons, a contradicting new fact with confidence >= existing + 0.1
// supersedes the old one; otherwise, for set-valued predicates both are
// kept, else the new one is dropped but the old one's strength is bumped.
func (g *Graph) UpsertFact(ctx context.Context, f Fact, setValued bool) (*Fact, error) {
	existing, err := g.latestFact(ctx, f.SubjectID, f.Predicate)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	f.ID = uuid.NewString()
	f.CreatedAt = now

	if existing == nil || setValued {
		return g.insertFact(ctx, f)
	}

	if existing.ObjectText == f.ObjectText && existing.ObjectEntityID == f.ObjectEntityID {
		if _, err := g.db.ExecContext(ctx, `UPDATE facts SET strength = MIN(1, strength + 0.1) WHERE id = ?`, existing.ID); err != nil {
			return nil, err
		}
		return existing, nil
	}

	if f.Confidence >= existing.Confidence+0.1 {
		inserted, err := g.insertFact(ctx, f)
		if err != nil {
			return nil, err
		}
		if _, err := g.db.ExecContext(ctx, `UPDATE facts SET superseded_by = ? WHERE id = ?`, inserted.ID, existing.ID); err != nil {
			return nil, err
		}
		return inserted, nil
	}

	// Contradiction not confident enough to replace: keep old, bump its strength.
	if _, err := g.db.ExecContext(ctx, `UPDATE facts SET strength = MIN(1, strength + 0.1) WHERE id = ?`, existing.ID); err != nil {
		return nil, err
	}
	return existing, nil
}

func (g *Graph) insertFact(ctx context.Context, f Fact) (*Fact, error) {
	var validFrom, validTo sql.NullInt64
	if f.ValidFrom != nil {
		validFrom = sql.NullInt64{Int64: f.ValidFrom.UnixNano(), Valid: true}
	}
	if f.ValidTo != nil {
		validTo = sql.NullInt64{Int64: f.ValidTo.UnixNano(), Valid: true}
	}
	_, err := g.db.ExecContext(ctx, `
		INSERT INTO facts (id, subject_id, predicate, object_text, object_entity_id, type, confidence, strength, source_event_ids, valid_from, valid_to, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.SubjectID, f.Predicate, f.ObjectText, nullIfEmpty(f.ObjectEntityID), string(f.Type), f.Confidence, f.Strength, encodeInt64s(f.SourceEventIDs), validFrom, validTo, f.CreatedAt.UnixNano(),
	)
	return &f, err
}

func (g *Graph) latestFact(ctx context.Context, subjectID, predicate string) (*Fact, error) {
	row := g.db.QueryRowContext(ctx, `
		SELECT id, subject_id, predicate, object_text, object_entity_id, type, confidence, strength, source_event_ids, created_at
		FROM facts WHERE subject_id = ? AND predicate = ? AND superseded_by IS NULL ORDER BY created_at DESC LIMIT 1`, subjectID, predicate)
	var f Fact
	var objEntity sql.NullString
	var srcEvents string
	var createdAt int64
	err := row.Scan(&f.ID, &f.SubjectID, &f.Predicate, &f.ObjectText, &objEntity, &f.Type, &f.Confidence, &f.Strength, &srcEvents, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	f.ObjectEntityID = objEntity.String
	f.SourceEventIDs = decodeInt64s(srcEvents)
	f.CreatedAt = time.Unix(0, createdAt).UTC()
	return &f, nil
}

func titleCase(s string) string {
	words := strings.Fields(s)
	for i, w := range words {
		if w == "" {
			continue
		}
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func scanEntity(row interface{ Scan(...any) error }) (*Entity, error) {
	var e Entity
	var typ, aliasesRaw, srcEventsRaw string
	var firstSeenNano, lastSeenNano int64
	if err := row.Scan(&e.ID, &e.CanonicalName, &typ, &aliasesRaw, &e.Description, &srcEventsRaw, &e.EventCount, &firstSeenNano, &lastSeenNano); err != nil {
		return nil, err
	}
	e.Type = EntityType(typ)
	e.Aliases = decodeStrings(aliasesRaw)
	e.SourceEventIDs = decodeInt64s(srcEventsRaw)
	e.FirstSeen = time.Unix(0, firstSeenNano).UTC()
	e.LastSeen = time.Unix(0, lastSeenNano).UTC()
	return &e, nil
}

func encodeStrings(ss []string) string {
	return `["` + strings.Join(ss, `","`) + `"]`
}

func decodeStrings(raw string) []string {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "[")
	raw = strings.TrimSuffix(raw, "]")
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, `","`)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		out = append(out, strings.Trim(p, `"`))
	}
	return out
}

func encodeInt64s(ids []int64) string {
	strs := make([]string, len(ids))
	for i, id := range ids {
		strs[i] = fmt.Sprintf("%d", id)
	}
	return "[" + strings.Join(strs, ",") + "]"
}

func decodeInt64s(raw string) []int64 {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "[")
	raw = strings.TrimSuffix(raw, "]")
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]int64, 0, len(parts))
	for _, p := range parts {
		var v int64
		fmt.Sscanf(strings.TrimSpace(p), "%d", &v)
		out = append(out, v)
	}
	return out
}
