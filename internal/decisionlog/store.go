// Package decisionlog provides an optional SQLite sink for routing
// decisions. The router itself never persists anything; callers that want
// a history (the CLI's --record flag, the stats command) write here.
package decisionlog

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/normanking/intentrouter/internal/router"
	"github.com/normanking/intentrouter/pkg/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// ENTRY TYPES
// ═══════════════════════════════════════════════════════════════════════════════

// Entry is one recorded routing decision.
type Entry struct {
	ID        string    `json:"id"`
	Endpoint  string    `json:"endpoint"`
	Preset    string    `json:"preset"`
	TextHash  string    `json:"text_hash"` // sha256 of the request text; the text itself is not stored
	CreatedAt time.Time `json:"created_at"`

	Decision router.RoutingDecision `json:"decision"`
}

// NewEntry builds an entry for decision. The request text is hashed so
// repeated prompts can be grouped without keeping their content.
func NewEntry(endpoint, preset, text string, decision router.RoutingDecision) Entry {
	sum := sha256.Sum256([]byte(text))
	return Entry{
		ID:        uuid.New().String(),
		Endpoint:  endpoint,
		Preset:    preset,
		TextHash:  hex.EncodeToString(sum[:]),
		CreatedAt: time.Now().UTC(),
		Decision:  decision,
	}
}

// Summary aggregates recorded decisions.
type Summary struct {
	Total             int64                               `json:"total"`
	ByPath            map[router.ClassificationPath]int64 `json:"by_path"`
	ByTier            map[string]int64                    `json:"by_tier"`
	ByTool            map[types.ToolID]int64              `json:"by_tool"`
	AverageConfidence float64                             `json:"average_confidence"`
	CostDeltaTotal    float64                             `json:"cost_delta_total"`
	ClassifierCost    float64                             `json:"classifier_cost"`
	ClassifierTokens  int64                               `json:"classifier_tokens"`
}

// FallbackRate returns the fraction of decisions that consulted the
// classifier, successfully or not.
func (s *Summary) FallbackRate() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.ByPath[router.PathFallback]+s.ByPath[router.PathFallbackFailed]) / float64(s.Total)
}

// ═══════════════════════════════════════════════════════════════════════════════
// STORE
// ═══════════════════════════════════════════════════════════════════════════════

// Store provides SQLite-backed decision storage.
type Store struct {
	db *sql.DB
	mu sync.Mutex // serializes writers
}

// Open opens (creating if needed) the decision database at path.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("create decision log directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open decision log: %w", err)
	}

	// SQLite works best with a single writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize decision log schema: %w", err)
	}
	return s, nil
}

// initSchema creates the decision tables if they don't exist.
func (s *Store) initSchema() error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := s.db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %s: %w", pragma, err)
		}
	}

	schema := `
	CREATE TABLE IF NOT EXISTS routing_decisions (
		id TEXT PRIMARY KEY,
		endpoint TEXT NOT NULL,
		preset TEXT NOT NULL,
		text_hash TEXT NOT NULL,
		model_id TEXT NOT NULL,
		tier INTEGER NOT NULL,
		tier_name TEXT NOT NULL,
		tools TEXT NOT NULL,
		confidence REAL NOT NULL,
		path TEXT NOT NULL,
		used_fallback BOOLEAN NOT NULL,
		tool_floor_applied BOOLEAN NOT NULL,
		cost_delta REAL NOT NULL,
		reason TEXT,
		categories TEXT,
		classifier_input_tokens INTEGER DEFAULT 0,
		classifier_output_tokens INTEGER DEFAULT 0,
		classifier_cost REAL DEFAULT 0,
		created_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_decisions_created_at ON routing_decisions(created_at);
	CREATE INDEX IF NOT EXISTS idx_decisions_endpoint ON routing_decisions(endpoint);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// ═══════════════════════════════════════════════════════════════════════════════
// RECORDING
// ═══════════════════════════════════════════════════════════════════════════════

// Record stores one entry. Missing IDs and timestamps are filled in.
func (s *Store) Record(ctx context.Context, e Entry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	// Timestamps compare as text; keep them all in one zone.
	e.CreatedAt = e.CreatedAt.UTC()

	tools, err := json.Marshal(e.Decision.Tools)
	if err != nil {
		return fmt.Errorf("encode tools: %w", err)
	}
	categories := strings.Join(e.Decision.Categories, ",")

	var usage router.ClassifierUsage
	if e.Decision.Usage != nil {
		usage = *e.Decision.Usage
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO routing_decisions (
			id, endpoint, preset, text_hash, model_id, tier, tier_name, tools,
			confidence, path, used_fallback, tool_floor_applied, cost_delta,
			reason, categories, classifier_input_tokens, classifier_output_tokens,
			classifier_cost, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		e.ID, e.Endpoint, e.Preset, e.TextHash, e.Decision.ModelID, int(e.Decision.Tier),
		e.Decision.TierName, string(tools), e.Decision.Confidence, string(e.Decision.Path),
		e.Decision.UsedFallback, e.Decision.ToolFloorApplied, e.Decision.EstimatedCostDelta,
		e.Decision.Reason, categories, usage.InputTokens, usage.OutputTokens,
		usage.EstimatedCost, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("record decision: %w", err)
	}

	log.Debug().
		Str("id", e.ID).
		Str("endpoint", e.Endpoint).
		Str("path", string(e.Decision.Path)).
		Msg("decision recorded")
	return nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// QUERIES
// ═══════════════════════════════════════════════════════════════════════════════

// Recent returns up to n entries, newest first.
func (s *Store) Recent(ctx context.Context, n int) ([]Entry, error) {
	if n <= 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, endpoint, preset, text_hash, model_id, tier, tier_name, tools,
			confidence, path, used_fallback, tool_floor_applied, cost_delta,
			reason, categories, classifier_input_tokens, classifier_output_tokens,
			classifier_cost, created_at
		FROM routing_decisions
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?
	`, n)
	if err != nil {
		return nil, fmt.Errorf("query recent decisions: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func scanEntry(rows *sql.Rows) (Entry, error) {
	var (
		e          Entry
		tier       int
		tools      string
		path       string
		reason     sql.NullString
		categories sql.NullString
		usage      router.ClassifierUsage
	)
	err := rows.Scan(
		&e.ID, &e.Endpoint, &e.Preset, &e.TextHash, &e.Decision.ModelID, &tier,
		&e.Decision.TierName, &tools, &e.Decision.Confidence, &path,
		&e.Decision.UsedFallback, &e.Decision.ToolFloorApplied, &e.Decision.EstimatedCostDelta,
		&reason, &categories, &usage.InputTokens, &usage.OutputTokens,
		&usage.EstimatedCost, &e.CreatedAt,
	)
	if err != nil {
		return Entry{}, fmt.Errorf("scan decision: %w", err)
	}

	e.Decision.Tier = router.Tier(tier)
	e.Decision.Path = router.ClassificationPath(path)
	e.Decision.Reason = reason.String
	if categories.String != "" {
		e.Decision.Categories = strings.Split(categories.String, ",")
	}
	if err := json.Unmarshal([]byte(tools), &e.Decision.Tools); err != nil {
		return Entry{}, fmt.Errorf("decode tools for %s: %w", e.ID, err)
	}
	if usage != (router.ClassifierUsage{}) {
		e.Decision.Usage = &usage
	}
	return e, nil
}

// Summary aggregates every entry recorded at or after since. A zero since
// covers the whole log.
func (s *Store) Summary(ctx context.Context, since time.Time) (*Summary, error) {
	since = since.UTC()
	sum := &Summary{
		ByPath: make(map[router.ClassificationPath]int64),
		ByTier: make(map[string]int64),
		ByTool: make(map[types.ToolID]int64),
	}

	var avgConfidence sql.NullFloat64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), AVG(confidence), COALESCE(SUM(cost_delta), 0),
			COALESCE(SUM(classifier_cost), 0),
			COALESCE(SUM(classifier_input_tokens + classifier_output_tokens), 0)
		FROM routing_decisions WHERE created_at >= ?
	`, since).Scan(&sum.Total, &avgConfidence, &sum.CostDeltaTotal, &sum.ClassifierCost, &sum.ClassifierTokens)
	if err != nil {
		return nil, fmt.Errorf("summarize decisions: %w", err)
	}
	sum.AverageConfidence = avgConfidence.Float64

	if err := s.countBy(ctx, "path", since, func(k string, n int64) {
		sum.ByPath[router.ClassificationPath(k)] = n
	}); err != nil {
		return nil, err
	}
	if err := s.countBy(ctx, "tier_name", since, func(k string, n int64) {
		sum.ByTier[k] = n
	}); err != nil {
		return nil, err
	}

	// Tools are stored as a JSON array per row; tally them here.
	rows, err := s.db.QueryContext(ctx, `SELECT tools FROM routing_decisions WHERE created_at >= ?`, since)
	if err != nil {
		return nil, fmt.Errorf("query decision tools: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan decision tools: %w", err)
		}
		var ids []types.ToolID
		if err := json.Unmarshal([]byte(raw), &ids); err != nil {
			log.Warn().Err(err).Msg("skipping undecodable tool list")
			continue
		}
		for _, id := range ids {
			sum.ByTool[id]++
		}
	}
	return sum, rows.Err()
}

// countBy groups decisions by column. column is never user input.
func (s *Store) countBy(ctx context.Context, column string, since time.Time, add func(string, int64)) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+column+`, COUNT(*) FROM routing_decisions WHERE created_at >= ? GROUP BY `+column, since)
	if err != nil {
		return fmt.Errorf("count decisions by %s: %w", column, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			key string
			n   int64
		)
		if err := rows.Scan(&key, &n); err != nil {
			return fmt.Errorf("scan %s count: %w", column, err)
		}
		add(key, n)
	}
	return rows.Err()
}

// Prune deletes entries older than before and returns how many were removed.
func (s *Store) Prune(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM routing_decisions WHERE created_at < ?`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("prune decisions: %w", err)
	}
	return res.RowsAffected()
}
