// Package learning implements C5: the private/shared learning store with
// cross-pollination (spec §4.5), contradiction handling, decay, and bot
// expertise tracking (spec §4.6).
package learning

import (
	"context"
	"database/sql"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
)

type Source string

const (
	SourceUserFeedback    Source = "user_feedback"
	SourceSelfEvaluation  Source = "self_evaluation"
	SourceToolOutcome     Source = "tool_outcome"
	SourceCrossPollination Source = "cross_pollination"
)

const (
	defaultPromotionThreshold  = 0.75
	defaultMaxPromotionsPerBot = 3
	defaultHalfLifeDays        = 14.0
	contradictionCosine        = 0.9
)

// Learning mirrors spec §3 Learning.
type Learning struct {
	ID              string
	Content         string
	Embedding       []float32
	Source          Source
	Sentiment       string // "positive", "negative", "neutral"
	Confidence      float64
	ToolScope       string
	Recommendation  string
	SupersededBy    string
	BotID           string
	IsPrivate       bool
	PromotionCount  int
	Metadata        map[string]string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// LedgerEntry mirrors the append-only bot_memory_ledger (spec §4.5, §6).
type LedgerEntry struct {
	ID                string
	LearningID        string
	BotID             string
	OriginalScope     string
	PromotionDate     time.Time
	Reason            string
	CrossPollinatedBy string
	ExposureCount     int
}

// Expertise mirrors spec §4.6's per-(bot_id,domain) record.
type Expertise struct {
	BotID            string
	Domain           string
	InteractionCount int
	SuccessCount     int
}

func EnsureSchema(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS learnings (
	id TEXT PRIMARY KEY,
	content TEXT NOT NULL,
	embedding_provider TEXT,
	embedding_dim INTEGER,
	embedding_blob BLOB,
	source TEXT NOT NULL,
	sentiment TEXT NOT NULL DEFAULT 'neutral',
	confidence REAL NOT NULL,
	tool_scope TEXT,
	recommendation TEXT,
	superseded_by TEXT,
	bot_id TEXT NOT NULL,
	is_private INTEGER NOT NULL DEFAULT 1,
	promotion_count INTEGER NOT NULL DEFAULT 0,
	metadata TEXT NOT NULL DEFAULT '{}',
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_learnings_bot ON learnings(bot_id, is_private);

CREATE TABLE IF NOT EXISTS bot_memory_ledger (
	id TEXT PRIMARY KEY,
	learning_id TEXT NOT NULL,
	bot_id TEXT NOT NULL,
	original_scope TEXT NOT NULL,
	promotion_date DATETIME NOT NULL,
	reason TEXT NOT NULL,
	cross_pollinated_by TEXT NOT NULL,
	exposure_count INTEGER NOT NULL DEFAULT 0,
	UNIQUE(learning_id)
);

CREATE TABLE IF NOT EXISTS bot_expertise (
	bot_id TEXT NOT NULL,
	domain TEXT NOT NULL,
	interaction_count INTEGER NOT NULL DEFAULT 0,
	success_count INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (bot_id, domain)
);
`)
	return err
}

type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store { return &Store{db: db} }

// Record stores a new learning, first checking for a contradicting learning
// within the same bot (spec §4.5): if an existing learning's embedding is
// within cosine 0.9 and has opposite sentiment, the older is superseded.
func (s *Store) Record(ctx context.Context, l Learning) (*Learning, error) {
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	now := time.Now()
	l.CreatedAt, l.UpdatedAt = now, now
	if l.Metadata == nil {
		l.Metadata = map[string]string{}
	}

	if len(l.Embedding) > 0 {
		existing, err := s.privateLearnings(ctx, l.BotID)
		if err != nil {
			return nil, err
		}
		for _, e := range existing {
			if e.SupersededBy != "" || len(e.Embedding) == 0 {
				continue
			}
			opposite := (e.Sentiment == "positive" && l.Sentiment == "negative") ||
				(e.Sentiment == "negative" && l.Sentiment == "positive")
			if !opposite {
				continue
			}
			if cosine(e.Embedding, l.Embedding) >= contradictionCosine {
				if err := s.supersede(ctx, e.ID, l.ID); err != nil {
					return nil, err
				}
			}
		}
	}

	if err := s.insert(ctx, &l); err != nil {
		return nil, err
	}
	return &l, nil
}

func (s *Store) supersede(ctx context.Context, oldID, newID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE learnings SET superseded_by = ? WHERE id = ?`, newID, oldID)
	return err
}

// CrossPollinate runs one promotion cycle across all known bot ids (spec
// §4.5): per bot, select private learnings at/above promotionThreshold,
// ranked by confidence*recency_weight, promote up to maxPromotions, flip
// is_private=false, and append a ledger entry. Re-promotion (a learning
// already ledgered) is a no-op.
func (s *Store) CrossPollinate(ctx context.Context, botIDs []string, promotionThreshold float64, maxPromotions int, now time.Time) (promoted int, err error) {
	if promotionThreshold <= 0 {
		promotionThreshold = defaultPromotionThreshold
	}
	if maxPromotions <= 0 {
		maxPromotions = defaultMaxPromotionsPerBot
	}
	for _, botID := range botIDs {
		candidates, err := s.privateLearnings(ctx, botID)
		if err != nil {
			return promoted, err
		}
		eligible := candidates[:0]
		for _, c := range candidates {
			if c.SupersededBy == "" && c.Confidence >= promotionThreshold {
				eligible = append(eligible, c)
			}
		}
		sort.Slice(eligible, func(i, j int) bool {
			return recencyScore(eligible[i], now) > recencyScore(eligible[j], now)
		})
		if len(eligible) > maxPromotions {
			eligible = eligible[:maxPromotions]
		}
		for _, c := range eligible {
			if err := s.promote(ctx, c, botID, now); err != nil {
				return promoted, err
			}
			promoted++
		}
	}
	return promoted, nil
}

func recencyScore(l *Learning, now time.Time) float64 {
	days := now.Sub(l.UpdatedAt).Hours() / 24
	recencyWeight := math.Exp(-days / defaultHalfLifeDays)
	return l.Confidence * recencyWeight
}

func (s *Store) promote(ctx context.Context, l *Learning, botID string, now time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var already int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM bot_memory_ledger WHERE learning_id = ?`, l.ID).Scan(&already); err != nil {
		return err
	}
	if already > 0 {
		return tx.Commit() // re-promotion no-op
	}

	if _, err := tx.ExecContext(ctx, `UPDATE learnings SET is_private = 0, promotion_count = promotion_count + 1, updated_at = ? WHERE id = ?`, now, l.ID); err != nil {
		return err
	}
	entry := LedgerEntry{
		ID:                uuid.NewString(),
		LearningID:        l.ID,
		BotID:             botID,
		OriginalScope:     "private",
		PromotionDate:     now,
		Reason:            "confidence above promotion threshold",
		CrossPollinatedBy: "background_cross_pollination",
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO bot_memory_ledger (id, learning_id, bot_id, original_scope, promotion_date, reason, cross_pollinated_by, exposure_count)
VALUES (?, ?, ?, ?, ?, ?, ?, 0)`,
		entry.ID, entry.LearningID, entry.BotID, entry.OriginalScope, entry.PromotionDate, entry.Reason, entry.CrossPollinatedBy); err != nil {
		return err
	}
	return tx.Commit()
}

// SharedPool returns shared (is_private=false), non-superseded learnings,
// incrementing exposure_count on the ledger for each returned row (spec
// §4.5: "every bot reading the shared pool increments exposure_count").
func (s *Store) SharedPool(ctx context.Context, limit int) ([]*Learning, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, content, embedding_provider, embedding_dim, embedding_blob, source, sentiment, confidence,
       COALESCE(tool_scope,''), COALESCE(recommendation,''), COALESCE(superseded_by,''), bot_id,
       is_private, promotion_count, metadata, created_at, updated_at
FROM learnings WHERE is_private = 0 AND COALESCE(superseded_by,'') = '' ORDER BY updated_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out, err := scanLearnings(rows)
	if err != nil {
		return nil, err
	}
	for _, l := range out {
		if _, err := s.db.ExecContext(ctx, `UPDATE bot_memory_ledger SET exposure_count = exposure_count + 1 WHERE learning_id = ?`, l.ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *Store) privateLearnings(ctx context.Context, botID string) ([]*Learning, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, content, embedding_provider, embedding_dim, embedding_blob, source, sentiment, confidence,
       COALESCE(tool_scope,''), COALESCE(recommendation,''), COALESCE(superseded_by,''), bot_id,
       is_private, promotion_count, metadata, created_at, updated_at
FROM learnings WHERE bot_id = ? AND is_private = 1 ORDER BY created_at`, botID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanLearnings(rows)
}

// Relevance applies the decay formula confidence*2^(-Δdays/half_life) as a
// read-time projection; Touch re-boosts a learning on actual use.
func Relevance(l *Learning, now time.Time, halfLifeDays float64) float64 {
	if halfLifeDays <= 0 {
		halfLifeDays = defaultHalfLifeDays
	}
	days := now.Sub(l.UpdatedAt).Hours() / 24
	return l.Confidence * math.Pow(2, -days/halfLifeDays)
}

// Touch re-boosts a learning's updated_at to now on actual use (spec §4.5).
func (s *Store) Touch(ctx context.Context, id string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE learnings SET updated_at = ? WHERE id = ?`, now, id)
	return err
}

// RecordInteraction updates bot_expertise on task termination (spec §4.6,
// driven by C12 when a task reaches a terminal status).
func (s *Store) RecordInteraction(ctx context.Context, botID, domain string, success bool) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO bot_expertise (bot_id, domain, interaction_count, success_count) VALUES (?, ?, 1, ?)
ON CONFLICT(bot_id, domain) DO UPDATE SET
	interaction_count = interaction_count + 1,
	success_count = success_count + excluded.success_count`,
		botID, domain, boolToInt(success))
	return err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// BestBotForDomain implements spec §4.6's argmax with Laplace smoothing and
// most-recent-success tiebreak. recentSuccess supplies, per bot id, the
// timestamp of that bot's most recent success for the domain (owned by the
// caller, typically C12's task history).
func (s *Store) BestBotForDomain(ctx context.Context, domain string, candidates []string, recentSuccess map[string]time.Time) (string, float64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT bot_id, interaction_count, success_count FROM bot_expertise WHERE domain = ?`, domain)
	if err != nil {
		return "", 0, err
	}
	defer rows.Close()

	scores := map[string]float64{}
	for rows.Next() {
		var e Expertise
		e.Domain = domain
		if err := rows.Scan(&e.BotID, &e.InteractionCount, &e.SuccessCount); err != nil {
			return "", 0, err
		}
		scores[e.BotID] = Score(e)
	}
	if err := rows.Err(); err != nil {
		return "", 0, err
	}

	var best string
	var bestScore = -1.0
	var bestTime time.Time
	for _, botID := range candidates {
		score, ok := scores[botID]
		if !ok {
			score = Score(Expertise{}) // Laplace-smoothed prior for a bot with no history yet
		}
		t := recentSuccess[botID]
		switch {
		case score > bestScore:
			best, bestScore, bestTime = botID, score, t
		case score == bestScore && t.After(bestTime):
			best, bestScore, bestTime = botID, score, t
		}
	}
	return best, bestScore, nil
}

// Score computes the Laplace-smoothed success rate (spec §4.6): add-one
// numerator, add-two denominator.
func Score(e Expertise) float64 {
	return float64(e.SuccessCount+1) / float64(e.InteractionCount+2)
}

func insertLearningSQL() string {
	return `
INSERT INTO learnings (id, content, embedding_provider, embedding_dim, embedding_blob, source, sentiment,
	confidence, tool_scope, recommendation, superseded_by, bot_id, is_private, promotion_count, metadata, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, NULLIF(?,''), NULLIF(?,''), NULLIF(?,''), ?, ?, ?, ?, ?, ?)`
}

func (s *Store) insert(ctx context.Context, l *Learning) error {
	provider, dim, blob := encodeVector(l.Embedding)
	meta, err := encodeMetadata(l.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, insertLearningSQL(),
		l.ID, l.Content, provider, dim, blob, string(l.Source), l.Sentiment, l.Confidence,
		l.ToolScope, l.Recommendation, l.SupersededBy, l.BotID, boolToInt(l.IsPrivate), l.PromotionCount,
		meta, l.CreatedAt, l.UpdatedAt)
	return err
}
