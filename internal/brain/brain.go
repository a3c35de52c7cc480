// Package brain defines the knowledge-store contract consumed by the loop
// components. Implementations must return consistent snapshots on reads and
// apply writes atomically per record; no caller takes a store-wide lock.
package brain

import (
	"context"
	"errors"
	"time"

	"github.com/vthunder/conscience/internal/types"
)

// ErrNotFound is returned when a record id is unknown
var ErrNotFound = errors.New("brain: record not found")

// InitialStrength is the strength of a freshly stored memory
const InitialStrength = 0.5

// Order selects the sort order of memory retrieval
type Order int

const (
	OrderRecent   Order = iota // last access, newest first
	OrderStrength              // strength, strongest first
	OrderCreated               // creation time, oldest first
)

// MemoryQuery filters memory retrieval. Zero values mean "no filter".
type MemoryQuery struct {
	Types []types.MemoryType
	Tag   string
	Since time.Time // created at or after
	Limit int
	Order Order

	// Unconsolidated restricts results to memories without a semantic form
	Unconsolidated bool
}

// ThoughtQuery filters thought retrieval (newest update first)
type ThoughtQuery struct {
	States []types.ThoughtState
	Limit  int
}

// Brain is the knowledge store shared by every loop component
type Brain interface {
	CreateThought(ctx context.Context, threadID string, content map[string]any, priority float64) (string, error)
	GetThought(ctx context.Context, id string) (*types.Thought, error)
	UpdateThoughtPriority(ctx context.Context, id string, priority float64) error
	SetThoughtState(ctx context.Context, id string, state types.ThoughtState) error
	AssociateThoughts(ctx context.Context, a, b string) error
	Thoughts(ctx context.Context, q ThoughtQuery) ([]*types.Thought, error)

	StoreMemory(ctx context.Context, typ types.MemoryType, content string, tags []string) (string, error)
	GetMemory(ctx context.Context, id string) (*types.Memory, error)
	UpdateMemoryStrength(ctx context.Context, id string, strength float64) error
	// TouchMemory records a retrieval: access_count++ and last_accessed_at = now
	TouchMemory(ctx context.Context, id string) error
	Memories(ctx context.Context, q MemoryQuery) ([]*types.Memory, error)
	// SimilarMemories returns memories most similar to id, most similar first
	SimilarMemories(ctx context.Context, id string, limit int) ([]*types.Memory, error)
	MarkConsolidated(ctx context.Context, episodicID, semanticID string) error

	StoreExperience(ctx context.Context, exp ExperienceInput) (string, error)
	// RecentExperiences returns experiences created after since, oldest first
	RecentExperiences(ctx context.Context, since time.Time, limit int) ([]*types.Experience, error)
	// ExperiencesAfter pages through the experience log in (created_at, id)
	// order, returning up to limit experiences positioned after the cursor
	ExperiencesAfter(ctx context.Context, after ExperienceCursor, limit int) ([]*types.Experience, error)

	// StrengthenAssociation creates the edge at strength=similarity or, when
	// it exists, raises it by AssociationStep×similarity (clamped to 1)
	StrengthenAssociation(ctx context.Context, a, b string, similarity float64) (types.Association, error)
	Associations(ctx context.Context, memoryID string) ([]types.Association, error)

	UpsertPattern(ctx context.Context, p types.Pattern) error
	ReinforcePattern(ctx context.Context, id string, boost float64) error
	Patterns(ctx context.Context, limit int) ([]*types.Pattern, error)
}

// EmbeddingSetter is implemented by brains that accept externally computed
// embeddings (the memory bridge stores cluster centroids through it)
type EmbeddingSetter interface {
	SetMemoryEmbedding(ctx context.Context, id string, emb []float64) error
}

// AssociationStep scales how much a repeated similarity observation
// strengthens an existing association
const AssociationStep = 0.1

// ExperienceInput carries the fields of store_experience
type ExperienceInput struct {
	Kind      string
	State     map[string]any
	Action    map[string]any
	Result    map[string]any
	Reward    *float64
	MemoryIDs []string
}

// ExperienceCursor is a position in the experience log, which is ordered by
// creation time and then id. The zero cursor precedes every experience.
type ExperienceCursor struct {
	CreatedAt time.Time
	ID        string
}

// CursorAt positions a cursor on e
func CursorAt(e *types.Experience) ExperienceCursor {
	return ExperienceCursor{CreatedAt: e.CreatedAt, ID: e.ID}
}

// Before reports whether the cursor lies before e, so a page read from the
// cursor includes e
func (c ExperienceCursor) Before(e *types.Experience) bool {
	if !e.CreatedAt.Equal(c.CreatedAt) {
		return e.CreatedAt.After(c.CreatedAt)
	}
	return e.ID > c.ID
}

// Reward is a convenience for building ExperienceInput.Reward
func Reward(v float64) *float64 {
	return &v
}
