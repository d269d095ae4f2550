// Package eventstore implements the append-only event log (spec §3 Event,
// §4.1 C1): every message, tool call, tool result, and internal observation
// that happens anywhere in the system is written here, once, and never
// mutated. Everything else — the knowledge graph (internal/graph), the
// summary tree (internal/summary), the learning store (internal/learning) —
// is derived from this log by background extraction (internal/background).
package eventstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	_ "modernc.org/sqlite"

	"github.com/nanobot-run/nanobot/internal/errs"
)

// Direction classifies who originated an event.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
	DirectionInternal Direction = "internal"
)

// Type enumerates the kinds of thing that can happen (spec §3 Event.type).
type Type string

const (
	TypeMessage     Type = "message"
	TypeToolCall    Type = "tool_call"
	TypeToolResult  Type = "tool_result"
	TypeObservation Type = "observation"
	TypeBotMessage  Type = "bot_message"
	TypeEscalation  Type = "escalation"
	TypeCoordination Type = "coordination"
)

// ExtractionStatus tracks background entity/edge/fact extraction progress.
type ExtractionStatus string

const (
	ExtractionPending  ExtractionStatus = "pending"
	ExtractionComplete ExtractionStatus = "complete"
	ExtractionSkipped  ExtractionStatus = "skipped"
	ExtractionFailed   ExtractionStatus = "failed"
)

// Vector is a fixed-width embedding tagged with the provider that produced
// it, so semantic_search never compares vectors across providers/dims
// (spec §4.2, §9 "Embedding dimension variance").
type Vector struct {
	ProviderID string
	Dim        int
	Values     []float32
}

// Event is the immutable unit of everything that happened (spec §3).
type Event struct {
	ID               int64
	UUID             string
	Seq              int64 // monotonic, per session_key (spec §4.1 ordering guarantee)
	Timestamp        time.Time
	Channel          string
	Direction        Direction
	Type             Type
	Content          string
	Embedding        *Vector
	SessionKey       string
	ParentID         *int64
	BotName          string
	BotRole          string
	ToolName         string
	ExtractionStatus ExtractionStatus
	Relevance        float64
	LastAccessed     time.Time
	Metadata         map[string]string
}

// Store wraps the embedded SQLite event log. One Store per workspace.
type Store struct {
	db *sql.DB
}

// Open opens (creating if absent) the WAL-mode SQLite database at path and
// applies schema migrations (see migrations.go). synchronous=NORMAL trades
// a narrow fsync window for throughput; durability is still guaranteed
// because the per-room broker (C8) group-commits and fsyncs each batch.
func Open(ctx context.Context, path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("eventstore: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // single-writer discipline; WAL allows concurrent readers via separate handles
	s := &Store{db: db}
	if err := Migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// OpenInMemory opens a fresh in-memory database with the same schema. Only
// tests call it; no config flag selects an in-memory broker mode.
func OpenInMemory(ctx context.Context) (*Store, error) {
	db, err := sql.Open("sqlite", "file::memory:?cache=shared&_pragma=foreign_keys(ON)")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db}
	if err := Migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

// DB exposes the underlying handle so sibling packages (graph, summary,
// learning, room, coordinator) can share the same transactional database
// file per spec §5 "Shared-resource policy" rather than opening their own
// connection to memory.db.
func (s *Store) DB() *sql.DB { return s.db }

// Append inserts a single event outside of a broker batch. Per spec §4.1
// "solo appends outside a broker batch fsync individually" — each Append
// runs in its own transaction/commit.
func (s *Store) Append(ctx context.Context, e *Event) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	id, err := appendTx(ctx, tx, e)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return id, nil
}

// AppendBatch inserts all events in one transaction/fsync. The per-room
// broker (C8) is the only caller that should batch multiple rooms' worth of
// writes this way — group-commit batching policy (timer/size thresholds)
// is owned by the broker, not the store (spec §4.1, §4.8).
func (s *Store) AppendBatch(ctx context.Context, events []*Event) ([]int64, error) {
	if len(events) == 0 {
		return nil, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	ids := make([]int64, 0, len(events))
	for _, e := range events {
		id, err := appendTx(ctx, tx, e)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return ids, nil
}

func appendTx(ctx context.Context, tx *sql.Tx, e *Event) (int64, error) {
	if e.ParentID != nil {
		var parentSession string
		if err := tx.QueryRowContext(ctx, `SELECT session_key FROM events WHERE id = ?`, *e.ParentID).Scan(&parentSession); err != nil {
			if err == sql.ErrNoRows {
				return 0, errs.Corruption("append: parent event %d not found", *e.ParentID)
			}
			return 0, err
		}
		if parentSession != e.SessionKey {
			return 0, errs.Corruption("append: parent event %d belongs to a different session", *e.ParentID)
		}
	}
	if e.Type == TypeToolResult && e.ParentID == nil {
		return 0, errs.User("append: tool_result event must have a tool_call parent")
	}
	if (e.Type == TypeToolCall || e.Type == TypeToolResult) && e.ToolName == "" {
		return 0, errs.User("append: %s event must carry a tool_name", e.Type)
	}

	var nextSeq int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) + 1 FROM events WHERE session_key = ?`, e.SessionKey).Scan(&nextSeq); err != nil {
		return 0, err
	}
	e.Seq = nextSeq
	if e.UUID == "" {
		e.UUID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if e.ExtractionStatus == "" {
		e.ExtractionStatus = ExtractionPending
	}

	metaJSON, err := encodeMetadata(e.Metadata)
	if err != nil {
		return 0, err
	}
	embProvider, embDim, embBlob := encodeVector(e.Embedding)

	res, err := tx.ExecContext(ctx, `
		INSERT INTO events (
			uuid, seq, ts, channel, direction, type, content,
			embedding_provider, embedding_dim, embedding_blob,
			session_key, parent_id, bot_name, bot_role, tool_name,
			extraction_status, relevance, last_accessed, metadata
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		e.UUID, e.Seq, e.Timestamp.UnixNano(), e.Channel, string(e.Direction), string(e.Type), e.Content,
		embProvider, embDim, embBlob,
		e.SessionKey, e.ParentID, e.BotName, e.BotRole, e.ToolName,
		string(e.ExtractionStatus), e.Relevance, time.Now().UTC().UnixNano(), metaJSON,
	)
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	e.ID = id
	return id, nil
}

// Get fetches a single event by id. A missing id is reported as
// CorruptionError, never a panic (spec §4.1 Failure mode, §7
// CorruptionError). A row that fails to scan returns the scan error
// unchanged; no row is marked or quarantined.
func (s *Store) Get(ctx context.Context, id int64) (*Event, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+` WHERE id = ?`, id)
	e, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return nil, errs.Corruption("event %d not found", id)
	}
	return e, err
}

// ListBySession returns events for session_key in append (sequence) order,
// optionally only those with seq > since, bounded by limit (spec §4.1
// "list_by_session returns this order").
func (s *Store) ListBySession(ctx context.Context, sessionKey string, limit int, since int64) ([]*Event, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, selectColumns+`
		WHERE session_key = ? AND seq > ?
		ORDER BY seq ASC LIMIT ?`, sessionKey, since, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

// PendingExtraction returns up to limit events still awaiting background
// entity/edge/fact extraction, oldest first.
func (s *Store) PendingExtraction(ctx context.Context, limit int) ([]*Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, selectColumns+`
		WHERE extraction_status = ? ORDER BY id ASC LIMIT ?`, string(ExtractionPending), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

// MarkExtraction updates an event's extraction_status after the background
// task manager (C6) has processed it through the knowledge graph (C3).
func (s *Store) MarkExtraction(ctx context.Context, id int64, status ExtractionStatus) error {
	_, err := s.db.ExecContext(ctx, `UPDATE events SET extraction_status = ? WHERE id = ?`, string(status), id)
	return err
}

// TimeRange returns events within [from, to), across all sessions, ordered
// by timestamp. Used by `explain`/`memory export` and summary refresh.
func (s *Store) TimeRange(ctx context.Context, from, to time.Time) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx, selectColumns+`
		WHERE ts >= ? AND ts < ? ORDER BY ts ASC`, from.UnixNano(), to.UnixNano())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

// ScoredEvent pairs an event with a similarity score for semantic_search.
type ScoredEvent struct {
	Event *Event
	Score float64
}

// SearchFilter scopes a semantic_search's working set (spec §4.2: "flat
// cosine over a working set scoped by filter").
type SearchFilter struct {
	SessionKey string
	Type       Type
	Since      time.Time
}

// SemanticSearch performs exact-recall cosine top-k search over events that
// carry an embedding matching queryVec's (provider_id, d), scoped by filter.
// No ANN index is required at this scale (spec §4.2); this is a flat scan,
// acceptable because the working set is bounded by the filter.
func (s *Store) SemanticSearch(ctx context.Context, queryVec Vector, k int, filter SearchFilter) ([]ScoredEvent, error) {
	if k <= 0 {
		k = 10
	}
	query := selectColumns + ` WHERE embedding_provider = ? AND embedding_dim = ? AND embedding_blob IS NOT NULL`
	args := []any{queryVec.ProviderID, queryVec.Dim}
	if filter.SessionKey != "" {
		query += ` AND session_key = ?`
		args = append(args, filter.SessionKey)
	}
	if filter.Type != "" {
		query += ` AND type = ?`
		args = append(args, string(filter.Type))
	}
	if !filter.Since.IsZero() {
		query += ` AND ts >= ?`
		args = append(args, filter.Since.UnixNano())
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	candidates, err := scanEvents(rows)
	if err != nil {
		return nil, err
	}

	scored := make([]ScoredEvent, 0, len(candidates))
	for _, e := range candidates {
		if e.Embedding == nil {
			continue
		}
		scored = append(scored, ScoredEvent{Event: e, Score: cosine(queryVec.Values, e.Embedding.Values)})
	}
	sortScoredDesc(scored)
	if len(scored) > k {
		scored = scored[:k]
	}
	return scored, nil
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (sqrt(na) * sqrt(nb))
}

func sqrt(f float64) float64 {
	if f <= 0 {
		return 0
	}
	x := f
	for i := 0; i < 30; i++ {
		x = 0.5 * (x + f/x)
	}
	return x
}

func sortScoredDesc(s []ScoredEvent) {
	for i := 1; i < len(s); i++ {
		j := i
		for j > 0 && s[j-1].Score < s[j].Score {
			s[j-1], s[j] = s[j], s[j-1]
			j--
		}
	}
}

// DoctorReport is the health snapshot printed by `memory doctor` (spec §6
// CLI surface, §7 "memory doctor CLI reports background health").
type DoctorReport struct {
	TotalEvents            int64
	PendingExtraction      int64
	FailedExtraction       int64
	SessionCount           int64
	LastSequenceBySession  map[string]int64
	OldestPendingAgeSeconds float64
}

// Doctor runs the health query C1 exposes for the memory CLI: row counts,
// last sequence per session, pending extraction count (spec §4.1, §7).
func (s *Store) Doctor(ctx context.Context) (*DoctorReport, error) {
	r := &DoctorReport{LastSequenceBySession: map[string]int64{}}

	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`).Scan(&r.TotalEvents); err != nil {
		return nil, err
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events WHERE extraction_status = ?`, string(ExtractionPending)).Scan(&r.PendingExtraction); err != nil {
		return nil, err
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events WHERE extraction_status = ?`, string(ExtractionFailed)).Scan(&r.FailedExtraction); err != nil {
		return nil, err
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(DISTINCT session_key) FROM events`).Scan(&r.SessionCount); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `SELECT session_key, MAX(seq) FROM events GROUP BY session_key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var key string
		var seq int64
		if err := rows.Scan(&key, &seq); err != nil {
			return nil, err
		}
		r.LastSequenceBySession[key] = seq
	}

	var oldestNano sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MIN(ts) FROM events WHERE extraction_status = ?`, string(ExtractionPending)).Scan(&oldestNano); err != nil {
		return nil, err
	}
	if oldestNano.Valid {
		r.OldestPendingAgeSeconds = time.Since(time.Unix(0, oldestNano.Int64)).Seconds()
	}
	return r, nil
}
