// Package graph is the durable Brain: thoughts, memories, experiences,
// associations and patterns in a single SQLite database.
package graph

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/vthunder/conscience/internal/brain"
	"github.com/vthunder/conscience/internal/embedding"
	"github.com/vthunder/conscience/internal/logging"
	"github.com/vthunder/conscience/internal/numeric"
	"github.com/vthunder/conscience/internal/types"
)

// similarityScanLimit bounds the full scan behind SimilarMemories
const similarityScanLimit = 5000

// DB wraps the SQLite database connection for the Brain
type DB struct {
	db   *sql.DB
	path string
	now  func() time.Time
}

var _ brain.Brain = (*DB)(nil)

// Open opens or creates the brain database under statePath/system/brain.db
func Open(statePath string) (*DB, error) {
	dbPath := filepath.Join(statePath, "system", "brain.db")

	// Ensure directory exists
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Test connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	g := &DB{db: db, path: dbPath, now: time.Now}
	if err := g.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}

	logging.Debug("graph", "opened %s", dbPath)
	return g, nil
}

// Close closes the database connection
func (g *DB) Close() error {
	return g.db.Close()
}

// SetClock overrides time.Now (for testing only)
func (g *DB) SetClock(now func() time.Time) {
	g.now = now
}

// migrate creates the schema
func (g *DB) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS thoughts (
		id TEXT PRIMARY KEY,
		thread_id TEXT NOT NULL DEFAULT '',
		content TEXT,
		priority REAL NOT NULL DEFAULT 0,
		state TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_thoughts_state ON thoughts(state);
	CREATE INDEX IF NOT EXISTS idx_thoughts_updated ON thoughts(updated_at);

	CREATE TABLE IF NOT EXISTS thought_links (
		a TEXT NOT NULL,
		b TEXT NOT NULL,
		PRIMARY KEY (a, b),
		FOREIGN KEY (a) REFERENCES thoughts(id) ON DELETE CASCADE,
		FOREIGN KEY (b) REFERENCES thoughts(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS memories (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		content TEXT NOT NULL,
		tags TEXT,
		embedding BLOB,
		strength REAL NOT NULL,
		access_count INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		last_accessed_at INTEGER NOT NULL,
		consolidated_into TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_memories_type ON memories(type);
	CREATE INDEX IF NOT EXISTS idx_memories_created ON memories(created_at);
	CREATE INDEX IF NOT EXISTS idx_memories_accessed ON memories(last_accessed_at);

	CREATE TABLE IF NOT EXISTS memory_tags (
		memory_id TEXT NOT NULL,
		tag TEXT NOT NULL,
		PRIMARY KEY (memory_id, tag),
		FOREIGN KEY (memory_id) REFERENCES memories(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_memory_tags_tag ON memory_tags(tag);

	CREATE TABLE IF NOT EXISTS experiences (
		id TEXT PRIMARY KEY,
		action_kind TEXT NOT NULL,
		state TEXT,
		action TEXT,
		result TEXT,
		reward REAL,
		memory_ids TEXT,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_experiences_created ON experiences(created_at);

	CREATE TABLE IF NOT EXISTS associations (
		memory_a TEXT NOT NULL,
		memory_b TEXT NOT NULL,
		strength REAL NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (memory_a, memory_b),
		FOREIGN KEY (memory_a) REFERENCES memories(id) ON DELETE CASCADE,
		FOREIGN KEY (memory_b) REFERENCES memories(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_associations_b ON associations(memory_b);

	CREATE TABLE IF NOT EXISTS patterns (
		id TEXT PRIMARY KEY,
		signature TEXT NOT NULL,
		action_kind TEXT NOT NULL,
		occurrences INTEGER NOT NULL,
		mean_reward REAL NOT NULL,
		strength REAL NOT NULL,
		first_seen INTEGER NOT NULL,
		last_seen INTEGER NOT NULL
	);
	`
	_, err := g.db.Exec(schema)
	return err
}

// Stats returns row counts per table
func (g *DB) Stats() (map[string]int, error) {
	stats := make(map[string]int)
	for _, table := range []string{"thoughts", "memories", "experiences", "associations", "patterns"} {
		var count int
		if err := g.db.QueryRow("SELECT COUNT(*) FROM " + table).Scan(&count); err != nil {
			return nil, err
		}
		stats[table] = count
	}
	return stats, nil
}

func (g *DB) CreateThought(ctx context.Context, threadID string, content map[string]any, priority float64) (string, error) {
	data, err := encodeJSON(content)
	if err != nil {
		return "", err
	}
	id := uuid.NewString()
	now := g.now().UnixNano()
	_, err = g.db.ExecContext(ctx, `
		INSERT INTO thoughts (id, thread_id, content, priority, state, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, threadID, data, numeric.Clamp01(priority), string(types.ThoughtActive), now, now)
	if err != nil {
		return "", fmt.Errorf("failed to insert thought: %w", err)
	}
	return id, nil
}

func (g *DB) GetThought(ctx context.Context, id string) (*types.Thought, error) {
	row := g.db.QueryRowContext(ctx, `
		SELECT id, thread_id, content, priority, state, created_at, updated_at
		FROM thoughts WHERE id = ?`, id)
	t, err := scanThought(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("thought %s: %w", id, brain.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if err := g.loadThoughtLinks(ctx, []*types.Thought{t}); err != nil {
		return nil, err
	}
	return t, nil
}

func (g *DB) UpdateThoughtPriority(ctx context.Context, id string, priority float64) error {
	res, err := g.db.ExecContext(ctx, `UPDATE thoughts SET priority = ?, updated_at = ? WHERE id = ?`,
		numeric.Clamp01(priority), g.now().UnixNano(), id)
	return checkAffected(res, err, "thought", id)
}

func (g *DB) SetThoughtState(ctx context.Context, id string, state types.ThoughtState) error {
	res, err := g.db.ExecContext(ctx, `UPDATE thoughts SET state = ?, updated_at = ? WHERE id = ?`,
		string(state), g.now().UnixNano(), id)
	return checkAffected(res, err, "thought", id)
}

func (g *DB) AssociateThoughts(ctx context.Context, a, b string) error {
	a, b = types.OrderedPair(a, b)
	_, err := g.db.ExecContext(ctx, `INSERT OR IGNORE INTO thought_links (a, b) VALUES (?, ?)`, a, b)
	if err != nil && strings.Contains(err.Error(), "FOREIGN KEY") {
		return fmt.Errorf("thought link %s-%s: %w", a, b, brain.ErrNotFound)
	}
	return err
}

func (g *DB) Thoughts(ctx context.Context, q brain.ThoughtQuery) ([]*types.Thought, error) {
	query := `SELECT id, thread_id, content, priority, state, created_at, updated_at FROM thoughts`
	var args []any
	if len(q.States) > 0 {
		query += ` WHERE state IN (` + buildPlaceholders(len(q.States)) + `)`
		for _, s := range q.States {
			args = append(args, string(s))
		}
	}
	query += ` ORDER BY updated_at DESC, id ASC`
	if q.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, q.Limit)
	}

	rows, err := g.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query thoughts: %w", err)
	}
	defer rows.Close()

	var result []*types.Thought
	for rows.Next() {
		t, err := scanThought(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := g.loadThoughtLinks(ctx, result); err != nil {
		return nil, err
	}
	return result, nil
}

func (g *DB) loadThoughtLinks(ctx context.Context, thoughts []*types.Thought) error {
	if len(thoughts) == 0 {
		return nil
	}
	byID := make(map[string]*types.Thought, len(thoughts))
	ids := make([]any, 0, len(thoughts))
	for _, t := range thoughts {
		byID[t.ID] = t
		ids = append(ids, t.ID)
	}
	ph := buildPlaceholders(len(ids))
	rows, err := g.db.QueryContext(ctx,
		`SELECT a, b FROM thought_links WHERE a IN (`+ph+`) OR b IN (`+ph+`)`,
		append(ids, ids...)...)
	if err != nil {
		return fmt.Errorf("failed to query thought links: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var a, b string
		if err := rows.Scan(&a, &b); err != nil {
			return err
		}
		if t, ok := byID[a]; ok {
			t.Associations = append(t.Associations, b)
		}
		if t, ok := byID[b]; ok {
			t.Associations = append(t.Associations, a)
		}
	}
	return rows.Err()
}

func (g *DB) StoreMemory(ctx context.Context, typ types.MemoryType, content string, tags []string) (string, error) {
	tagData, err := encodeJSON(tags)
	if err != nil {
		return "", err
	}
	id := uuid.NewString()
	now := g.now().UnixNano()

	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO memories (id, type, content, tags, strength, access_count, created_at, last_accessed_at)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?)`,
		id, string(typ), content, tagData, brain.InitialStrength, now, now); err != nil {
		return "", fmt.Errorf("failed to insert memory: %w", err)
	}
	for _, tag := range tags {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO memory_tags (memory_id, tag) VALUES (?, ?)`, id, tag); err != nil {
			return "", fmt.Errorf("failed to insert memory tag: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return id, nil
}

// SetMemoryEmbedding stores an embedding for a memory
func (g *DB) SetMemoryEmbedding(ctx context.Context, id string, emb []float64) error {
	data, err := encodeJSON(emb)
	if err != nil {
		return err
	}
	res, err := g.db.ExecContext(ctx, `UPDATE memories SET embedding = ? WHERE id = ?`, data, id)
	return checkAffected(res, err, "memory", id)
}

// SetMemoryTimes overrides created/last-accessed timestamps (for testing and imports)
func (g *DB) SetMemoryTimes(ctx context.Context, id string, created, lastAccessed time.Time) error {
	res, err := g.db.ExecContext(ctx, `UPDATE memories SET created_at = ?, last_accessed_at = ? WHERE id = ?`,
		created.UnixNano(), lastAccessed.UnixNano(), id)
	return checkAffected(res, err, "memory", id)
}

const memoryColumns = `id, type, content, tags, embedding, strength, access_count, created_at, last_accessed_at, consolidated_into`

func (g *DB) GetMemory(ctx context.Context, id string) (*types.Memory, error) {
	row := g.db.QueryRowContext(ctx, `SELECT `+memoryColumns+` FROM memories WHERE id = ?`, id)
	m, err := scanMemory(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("memory %s: %w", id, brain.ErrNotFound)
	}
	return m, err
}

func (g *DB) UpdateMemoryStrength(ctx context.Context, id string, strength float64) error {
	res, err := g.db.ExecContext(ctx, `UPDATE memories SET strength = ? WHERE id = ?`, numeric.Clamp01(strength), id)
	return checkAffected(res, err, "memory", id)
}

func (g *DB) TouchMemory(ctx context.Context, id string) error {
	res, err := g.db.ExecContext(ctx,
		`UPDATE memories SET access_count = access_count + 1, last_accessed_at = ? WHERE id = ?`,
		g.now().UnixNano(), id)
	return checkAffected(res, err, "memory", id)
}

func (g *DB) Memories(ctx context.Context, q brain.MemoryQuery) ([]*types.Memory, error) {
	var where []string
	var args []any
	if len(q.Types) > 0 {
		where = append(where, `type IN (`+buildPlaceholders(len(q.Types))+`)`)
		for _, t := range q.Types {
			args = append(args, string(t))
		}
	}
	if q.Tag != "" {
		where = append(where, `id IN (SELECT memory_id FROM memory_tags WHERE tag = ?)`)
		args = append(args, q.Tag)
	}
	if !q.Since.IsZero() {
		where = append(where, `created_at >= ?`)
		args = append(args, q.Since.UnixNano())
	}
	if q.Unconsolidated {
		where = append(where, `consolidated_into = ''`)
	}

	query := `SELECT ` + memoryColumns + ` FROM memories`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	switch q.Order {
	case brain.OrderStrength:
		query += ` ORDER BY strength DESC, id ASC`
	case brain.OrderCreated:
		query += ` ORDER BY created_at ASC, id ASC`
	default:
		query += ` ORDER BY last_accessed_at DESC, id ASC`
	}
	if q.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, q.Limit)
	}
	return g.queryMemories(ctx, query, args...)
}

func (g *DB) queryMemories(ctx context.Context, query string, args ...any) ([]*types.Memory, error) {
	rows, err := g.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query memories: %w", err)
	}
	defer rows.Close()

	var result []*types.Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, m)
	}
	return result, rows.Err()
}

func (g *DB) SimilarMemories(ctx context.Context, id string, limit int) ([]*types.Memory, error) {
	target, err := g.GetMemory(ctx, id)
	if err != nil {
		return nil, err
	}
	pool, err := g.queryMemories(ctx,
		`SELECT `+memoryColumns+` FROM memories WHERE id != ? ORDER BY last_accessed_at DESC LIMIT ?`,
		id, similarityScanLimit)
	if err != nil {
		return nil, err
	}

	sims := make(map[string]float64, len(pool))
	var result []*types.Memory
	for _, m := range pool {
		sim := embedding.MemorySimilarity(target, m)
		if sim <= 0 {
			continue
		}
		sims[m.ID] = sim
		result = append(result, m)
	}
	sort.Slice(result, func(i, j int) bool {
		if sims[result[i].ID] != sims[result[j].ID] {
			return sims[result[i].ID] > sims[result[j].ID]
		}
		return result[i].ID < result[j].ID
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (g *DB) MarkConsolidated(ctx context.Context, episodicID, semanticID string) error {
	res, err := g.db.ExecContext(ctx, `UPDATE memories SET consolidated_into = ? WHERE id = ?`, semanticID, episodicID)
	return checkAffected(res, err, "memory", episodicID)
}

func (g *DB) StoreExperience(ctx context.Context, in brain.ExperienceInput) (string, error) {
	state, err := encodeJSON(in.State)
	if err != nil {
		return "", err
	}
	action, err := encodeJSON(in.Action)
	if err != nil {
		return "", err
	}
	result, err := encodeJSON(in.Result)
	if err != nil {
		return "", err
	}
	memIDs, err := encodeJSON(in.MemoryIDs)
	if err != nil {
		return "", err
	}
	var reward sql.NullFloat64
	if in.Reward != nil {
		reward = sql.NullFloat64{Float64: *in.Reward, Valid: true}
	}

	// v7 ids sort in insertion order, which keeps cursor paging stable
	// across experiences sharing a timestamp
	uid, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("failed to generate experience id: %w", err)
	}
	id := uid.String()
	_, err = g.db.ExecContext(ctx, `
		INSERT INTO experiences (id, action_kind, state, action, result, reward, memory_ids, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id, in.Kind, state, action, result, reward, memIDs, g.now().UnixNano())
	if err != nil {
		return "", fmt.Errorf("failed to insert experience: %w", err)
	}
	return id, nil
}

func (g *DB) RecentExperiences(ctx context.Context, since time.Time, limit int) ([]*types.Experience, error) {
	return g.queryExperiences(ctx, `created_at > ?`, limit, sinceNanos(since))
}

func (g *DB) ExperiencesAfter(ctx context.Context, after brain.ExperienceCursor, limit int) ([]*types.Experience, error) {
	at := sinceNanos(after.CreatedAt)
	return g.queryExperiences(ctx, `created_at > ? OR (created_at = ? AND id > ?)`, limit, at, at, after.ID)
}

func (g *DB) queryExperiences(ctx context.Context, where string, limit int, args ...any) ([]*types.Experience, error) {
	query := `SELECT id, action_kind, state, action, result, reward, memory_ids, created_at
		FROM experiences WHERE ` + where + ` ORDER BY created_at ASC, id ASC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := g.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query experiences: %w", err)
	}
	defer rows.Close()

	var result []*types.Experience
	for rows.Next() {
		var (
			e                          types.Experience
			state, action, res, memIDs sql.NullString
			reward                     sql.NullFloat64
			created                    int64
		)
		if err := rows.Scan(&e.ID, &e.ActionKind, &state, &action, &res, &reward, &memIDs, &created); err != nil {
			return nil, err
		}
		if err := decodeJSON(state, &e.StateSnapshot); err != nil {
			return nil, err
		}
		if err := decodeJSON(action, &e.Action); err != nil {
			return nil, err
		}
		if err := decodeJSON(res, &e.ResultingState); err != nil {
			return nil, err
		}
		if err := decodeJSON(memIDs, &e.MemoryIDs); err != nil {
			return nil, err
		}
		if reward.Valid {
			r := reward.Float64
			e.Reward = &r
		}
		e.CreatedAt = time.Unix(0, created)
		result = append(result, &e)
	}
	return result, rows.Err()
}

func (g *DB) StrengthenAssociation(ctx context.Context, a, b string, similarity float64) (types.Association, error) {
	a, b = types.OrderedPair(a, b)
	if a == b {
		return types.Association{}, fmt.Errorf("association %s: self edge", a)
	}
	similarity = numeric.Clamp01(similarity)
	now := g.now().UnixNano()

	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return types.Association{}, err
	}
	defer tx.Rollback()

	var strength float64
	var created int64
	err = tx.QueryRowContext(ctx,
		`SELECT strength, created_at FROM associations WHERE memory_a = ? AND memory_b = ?`, a, b).
		Scan(&strength, &created)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		strength = similarity
		created = now
		_, err = tx.ExecContext(ctx, `
			INSERT INTO associations (memory_a, memory_b, strength, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?)`, a, b, strength, created, now)
	case err == nil:
		strength = numeric.Clamp01(strength + brain.AssociationStep*similarity)
		_, err = tx.ExecContext(ctx, `
			UPDATE associations SET strength = ?, updated_at = ? WHERE memory_a = ? AND memory_b = ?`,
			strength, now, a, b)
	}
	if err != nil {
		if strings.Contains(err.Error(), "FOREIGN KEY") {
			return types.Association{}, fmt.Errorf("association %s-%s: %w", a, b, brain.ErrNotFound)
		}
		return types.Association{}, fmt.Errorf("failed to upsert association: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return types.Association{}, err
	}
	return types.Association{
		MemoryA:   a,
		MemoryB:   b,
		Strength:  strength,
		CreatedAt: time.Unix(0, created),
		UpdatedAt: time.Unix(0, now),
	}, nil
}

func (g *DB) Associations(ctx context.Context, memoryID string) ([]types.Association, error) {
	rows, err := g.db.QueryContext(ctx, `
		SELECT memory_a, memory_b, strength, created_at, updated_at FROM associations
		WHERE memory_a = ? OR memory_b = ? ORDER BY strength DESC`, memoryID, memoryID)
	if err != nil {
		return nil, fmt.Errorf("failed to query associations: %w", err)
	}
	defer rows.Close()

	var result []types.Association
	for rows.Next() {
		var a types.Association
		var created, updated int64
		if err := rows.Scan(&a.MemoryA, &a.MemoryB, &a.Strength, &created, &updated); err != nil {
			return nil, err
		}
		a.CreatedAt = time.Unix(0, created)
		a.UpdatedAt = time.Unix(0, updated)
		result = append(result, a)
	}
	return result, rows.Err()
}

func (g *DB) UpsertPattern(ctx context.Context, p types.Pattern) error {
	if p.ID == "" {
		return fmt.Errorf("pattern without id")
	}
	_, err := g.db.ExecContext(ctx, `
		INSERT INTO patterns (id, signature, action_kind, occurrences, mean_reward, strength, first_seen, last_seen)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			occurrences = excluded.occurrences,
			mean_reward = excluded.mean_reward,
			strength = excluded.strength,
			last_seen = excluded.last_seen`,
		p.ID, p.Signature, p.ActionKind, p.Occurrences, numeric.Sanitize(p.MeanReward),
		numeric.Clamp01(p.Strength), p.FirstSeen.UnixNano(), p.LastSeen.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to upsert pattern: %w", err)
	}
	return nil
}

func (g *DB) ReinforcePattern(ctx context.Context, id string, boost float64) error {
	res, err := g.db.ExecContext(ctx, `
		UPDATE patterns SET strength = MIN(1.0, MAX(0.0, strength + ?)), last_seen = ? WHERE id = ?`,
		numeric.Sanitize(boost), g.now().UnixNano(), id)
	return checkAffected(res, err, "pattern", id)
}

func (g *DB) Patterns(ctx context.Context, limit int) ([]*types.Pattern, error) {
	query := `SELECT id, signature, action_kind, occurrences, mean_reward, strength, first_seen, last_seen
		FROM patterns ORDER BY strength DESC, id ASC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := g.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query patterns: %w", err)
	}
	defer rows.Close()

	var result []*types.Pattern
	for rows.Next() {
		var p types.Pattern
		var first, last int64
		if err := rows.Scan(&p.ID, &p.Signature, &p.ActionKind, &p.Occurrences, &p.MeanReward, &p.Strength, &first, &last); err != nil {
			return nil, err
		}
		p.FirstSeen = time.Unix(0, first)
		p.LastSeen = time.Unix(0, last)
		result = append(result, &p)
	}
	return result, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanThought(row scanner) (*types.Thought, error) {
	var (
		t                types.Thought
		content          sql.NullString
		state            string
		created, updated int64
	)
	if err := row.Scan(&t.ID, &t.ThreadID, &content, &t.Priority, &state, &created, &updated); err != nil {
		return nil, err
	}
	if err := decodeJSON(content, &t.Content); err != nil {
		return nil, err
	}
	t.State = types.ThoughtState(state)
	t.CreatedAt = time.Unix(0, created)
	t.UpdatedAt = time.Unix(0, updated)
	return &t, nil
}

func scanMemory(row scanner) (*types.Memory, error) {
	var (
		m                 types.Memory
		typ               string
		tags, emb         sql.NullString
		created, accessed int64
	)
	if err := row.Scan(&m.ID, &typ, &m.Content, &tags, &emb, &m.Strength, &m.AccessCount, &created, &accessed, &m.ConsolidatedInto); err != nil {
		return nil, err
	}
	if err := decodeJSON(tags, &m.Tags); err != nil {
		return nil, err
	}
	if err := decodeJSON(emb, &m.Embedding); err != nil {
		return nil, err
	}
	m.Type = types.MemoryType(typ)
	m.Strength = numeric.Clamp01(m.Strength)
	m.CreatedAt = time.Unix(0, created)
	m.LastAccessedAt = time.Unix(0, accessed)
	return &m, nil
}

func encodeJSON(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to encode: %w", err)
	}
	return string(data), nil
}

func decodeJSON[T any](s sql.NullString, dst *T) error {
	if !s.Valid || s.String == "" || s.String == "null" {
		return nil
	}
	if err := json.Unmarshal([]byte(s.String), dst); err != nil {
		return fmt.Errorf("failed to decode: %w", err)
	}
	return nil
}

func checkAffected(res sql.Result, err error, kind, id string) error {
	if err != nil {
		return fmt.Errorf("failed to update %s %s: %w", kind, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", kind, id, brain.ErrNotFound)
	}
	return nil
}

func buildPlaceholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func sinceNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}
