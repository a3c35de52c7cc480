package brain

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vthunder/conscience/internal/embedding"
	"github.com/vthunder/conscience/internal/numeric"
	"github.com/vthunder/conscience/internal/types"
)

// Embedder turns memory content into a vector. Optional.
type Embedder func(content string) []float64

// InMemory is a map-backed Brain. Reads return deep copies.
type InMemory struct {
	mu           sync.RWMutex
	thoughts     map[string]*types.Thought
	memories     map[string]*types.Memory
	experiences  []*types.Experience
	associations map[[2]string]*types.Association
	patterns     map[string]*types.Pattern

	embed Embedder
	now   func() time.Time
}

// Option configures an InMemory brain
type Option func(*InMemory)

// WithClock overrides time.Now (tests pin time with this)
func WithClock(now func() time.Time) Option {
	return func(b *InMemory) { b.now = now }
}

// WithEmbedder embeds memory content on store
func WithEmbedder(e Embedder) Option {
	return func(b *InMemory) { b.embed = e }
}

// NewInMemory creates an empty in-memory brain
func NewInMemory(opts ...Option) *InMemory {
	b := &InMemory{
		thoughts:     make(map[string]*types.Thought),
		memories:     make(map[string]*types.Memory),
		associations: make(map[[2]string]*types.Association),
		patterns:     make(map[string]*types.Pattern),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// PutMemory inserts or replaces a fully-specified memory (seeding and tests)
func (b *InMemory) PutMemory(m types.Memory) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	m.Strength = numeric.Clamp01(m.Strength)
	b.memories[m.ID] = copyMemory(&m)
	return m.ID
}

// PutThought inserts or replaces a fully-specified thought (seeding and tests)
func (b *InMemory) PutThought(t types.Thought) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.State == "" {
		t.State = types.ThoughtActive
	}
	b.thoughts[t.ID] = copyThought(&t)
	return t.ID
}

// PutExperience appends a fully-specified experience (seeding and tests)
func (b *InMemory) PutExperience(e types.Experience) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if e.ID == "" {
		e.ID = uuid.Must(uuid.NewV7()).String()
	}
	b.insertExperience(copyExperience(&e))
	return e.ID
}

// insertExperience keeps the log in (created_at, id) order. Callers hold mu.
func (b *InMemory) insertExperience(e *types.Experience) {
	i := sort.Search(len(b.experiences), func(i int) bool {
		return ExperienceCursor{CreatedAt: e.CreatedAt, ID: e.ID}.Before(b.experiences[i])
	})
	b.experiences = append(b.experiences, nil)
	copy(b.experiences[i+1:], b.experiences[i:])
	b.experiences[i] = e
}

func (b *InMemory) CreateThought(ctx context.Context, threadID string, content map[string]any, priority float64) (string, error) {
	now := b.now()
	t := &types.Thought{
		ID:        uuid.NewString(),
		ThreadID:  threadID,
		Content:   copyMap(content),
		Priority:  numeric.Clamp01(priority),
		State:     types.ThoughtActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.thoughts[t.ID] = t
	return t.ID, nil
}

func (b *InMemory) GetThought(ctx context.Context, id string) (*types.Thought, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	t, ok := b.thoughts[id]
	if !ok {
		return nil, fmt.Errorf("thought %s: %w", id, ErrNotFound)
	}
	return copyThought(t), nil
}

func (b *InMemory) UpdateThoughtPriority(ctx context.Context, id string, priority float64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.thoughts[id]
	if !ok {
		return fmt.Errorf("thought %s: %w", id, ErrNotFound)
	}
	t.Priority = numeric.Clamp01(priority)
	t.UpdatedAt = b.now()
	return nil
}

func (b *InMemory) SetThoughtState(ctx context.Context, id string, state types.ThoughtState) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.thoughts[id]
	if !ok {
		return fmt.Errorf("thought %s: %w", id, ErrNotFound)
	}
	t.State = state
	t.UpdatedAt = b.now()
	return nil
}

func (b *InMemory) AssociateThoughts(ctx context.Context, a, c string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	ta, ok := b.thoughts[a]
	if !ok {
		return fmt.Errorf("thought %s: %w", a, ErrNotFound)
	}
	tc, ok := b.thoughts[c]
	if !ok {
		return fmt.Errorf("thought %s: %w", c, ErrNotFound)
	}
	ta.Associations = addUnique(ta.Associations, c)
	tc.Associations = addUnique(tc.Associations, a)
	return nil
}

func (b *InMemory) Thoughts(ctx context.Context, q ThoughtQuery) ([]*types.Thought, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var result []*types.Thought
	for _, t := range b.thoughts {
		if len(q.States) > 0 && !containsState(q.States, t.State) {
			continue
		}
		result = append(result, copyThought(t))
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].UpdatedAt.Equal(result[j].UpdatedAt) {
			return result[i].UpdatedAt.After(result[j].UpdatedAt)
		}
		return result[i].ID < result[j].ID
	})
	if q.Limit > 0 && len(result) > q.Limit {
		result = result[:q.Limit]
	}
	return result, nil
}

func (b *InMemory) StoreMemory(ctx context.Context, typ types.MemoryType, content string, tags []string) (string, error) {
	now := b.now()
	m := &types.Memory{
		ID:             uuid.NewString(),
		Type:           typ,
		Content:        content,
		Tags:           append([]string(nil), tags...),
		Strength:       InitialStrength,
		CreatedAt:      now,
		LastAccessedAt: now,
	}
	if b.embed != nil {
		m.Embedding = b.embed(content)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.memories[m.ID] = m
	return m.ID, nil
}

// SetMemoryEmbedding stores an embedding for a memory
func (b *InMemory) SetMemoryEmbedding(ctx context.Context, id string, emb []float64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	m, ok := b.memories[id]
	if !ok {
		return fmt.Errorf("memory %s: %w", id, ErrNotFound)
	}
	m.Embedding = append([]float64(nil), emb...)
	return nil
}

func (b *InMemory) GetMemory(ctx context.Context, id string) (*types.Memory, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	m, ok := b.memories[id]
	if !ok {
		return nil, fmt.Errorf("memory %s: %w", id, ErrNotFound)
	}
	return copyMemory(m), nil
}

func (b *InMemory) UpdateMemoryStrength(ctx context.Context, id string, strength float64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	m, ok := b.memories[id]
	if !ok {
		return fmt.Errorf("memory %s: %w", id, ErrNotFound)
	}
	m.Strength = numeric.Clamp01(strength)
	return nil
}

func (b *InMemory) TouchMemory(ctx context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	m, ok := b.memories[id]
	if !ok {
		return fmt.Errorf("memory %s: %w", id, ErrNotFound)
	}
	m.AccessCount++
	m.LastAccessedAt = b.now()
	return nil
}

func (b *InMemory) Memories(ctx context.Context, q MemoryQuery) ([]*types.Memory, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var result []*types.Memory
	for _, m := range b.memories {
		if !matchMemory(m, q) {
			continue
		}
		result = append(result, copyMemory(m))
	}
	SortMemories(result, q.Order)
	if q.Limit > 0 && len(result) > q.Limit {
		result = result[:q.Limit]
	}
	return result, nil
}

func (b *InMemory) SimilarMemories(ctx context.Context, id string, limit int) ([]*types.Memory, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	target, ok := b.memories[id]
	if !ok {
		return nil, fmt.Errorf("memory %s: %w", id, ErrNotFound)
	}

	type scored struct {
		m   *types.Memory
		sim float64
	}
	var candidates []scored
	for _, m := range b.memories {
		if m.ID == id {
			continue
		}
		sim := embedding.MemorySimilarity(target, m)
		if sim <= 0 {
			continue
		}
		candidates = append(candidates, scored{m: m, sim: sim})
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].sim != candidates[j].sim {
			return candidates[i].sim > candidates[j].sim
		}
		return candidates[i].m.ID < candidates[j].m.ID
	})
	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}
	result := make([]*types.Memory, len(candidates))
	for i, c := range candidates {
		result[i] = copyMemory(c.m)
	}
	return result, nil
}

func (b *InMemory) MarkConsolidated(ctx context.Context, episodicID, semanticID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	m, ok := b.memories[episodicID]
	if !ok {
		return fmt.Errorf("memory %s: %w", episodicID, ErrNotFound)
	}
	m.ConsolidatedInto = semanticID
	return nil
}

func (b *InMemory) StoreExperience(ctx context.Context, in ExperienceInput) (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("failed to generate experience id: %w", err)
	}
	e := &types.Experience{
		ID:             id.String(),
		ActionKind:     in.Kind,
		StateSnapshot:  copyMap(in.State),
		Action:         copyMap(in.Action),
		ResultingState: copyMap(in.Result),
		MemoryIDs:      append([]string(nil), in.MemoryIDs...),
		CreatedAt:      b.now(),
	}
	if in.Reward != nil {
		r := *in.Reward
		e.Reward = &r
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.insertExperience(e)
	return e.ID, nil
}

func (b *InMemory) RecentExperiences(ctx context.Context, since time.Time, limit int) ([]*types.Experience, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var result []*types.Experience
	for _, e := range b.experiences {
		if !e.CreatedAt.After(since) {
			continue
		}
		result = append(result, copyExperience(e))
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (b *InMemory) ExperiencesAfter(ctx context.Context, after ExperienceCursor, limit int) ([]*types.Experience, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	start := sort.Search(len(b.experiences), func(i int) bool { return after.Before(b.experiences[i]) })
	var result []*types.Experience
	for _, e := range b.experiences[start:] {
		result = append(result, copyExperience(e))
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (b *InMemory) StrengthenAssociation(ctx context.Context, a, c string, similarity float64) (types.Association, error) {
	a, c = types.OrderedPair(a, c)
	if a == c {
		return types.Association{}, fmt.Errorf("association %s: self edge", a)
	}
	similarity = numeric.Clamp01(similarity)
	now := b.now()

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.memories[a]; !ok {
		return types.Association{}, fmt.Errorf("memory %s: %w", a, ErrNotFound)
	}
	if _, ok := b.memories[c]; !ok {
		return types.Association{}, fmt.Errorf("memory %s: %w", c, ErrNotFound)
	}

	key := [2]string{a, c}
	assoc, ok := b.associations[key]
	if !ok {
		assoc = &types.Association{MemoryA: a, MemoryB: c, Strength: similarity, CreatedAt: now}
		b.associations[key] = assoc
	} else {
		assoc.Strength = numeric.Clamp01(assoc.Strength + AssociationStep*similarity)
	}
	assoc.UpdatedAt = now
	return *assoc, nil
}

func (b *InMemory) Associations(ctx context.Context, memoryID string) ([]types.Association, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var result []types.Association
	for _, assoc := range b.associations {
		if assoc.MemoryA == memoryID || assoc.MemoryB == memoryID {
			result = append(result, *assoc)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Strength > result[j].Strength
	})
	return result, nil
}

func (b *InMemory) UpsertPattern(ctx context.Context, p types.Pattern) error {
	if p.ID == "" {
		return fmt.Errorf("pattern without id")
	}
	p.Strength = numeric.Clamp01(p.Strength)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.patterns[p.ID] = &p
	return nil
}

func (b *InMemory) ReinforcePattern(ctx context.Context, id string, boost float64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.patterns[id]
	if !ok {
		return fmt.Errorf("pattern %s: %w", id, ErrNotFound)
	}
	p.Strength = numeric.Clamp01(p.Strength + boost)
	p.LastSeen = b.now()
	return nil
}

func (b *InMemory) Patterns(ctx context.Context, limit int) ([]*types.Pattern, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	result := make([]*types.Pattern, 0, len(b.patterns))
	for _, p := range b.patterns {
		cp := *p
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Strength != result[j].Strength {
			return result[i].Strength > result[j].Strength
		}
		return result[i].ID < result[j].ID
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// SortMemories orders memories in place per o; ties break on id
func SortMemories(ms []*types.Memory, o Order) {
	sort.SliceStable(ms, func(i, j int) bool {
		a, c := ms[i], ms[j]
		switch o {
		case OrderStrength:
			if a.Strength != c.Strength {
				return a.Strength > c.Strength
			}
		case OrderCreated:
			if !a.CreatedAt.Equal(c.CreatedAt) {
				return a.CreatedAt.Before(c.CreatedAt)
			}
		default:
			if !a.LastAccessedAt.Equal(c.LastAccessedAt) {
				return a.LastAccessedAt.After(c.LastAccessedAt)
			}
		}
		return a.ID < c.ID
	})
}

func matchMemory(m *types.Memory, q MemoryQuery) bool {
	if len(q.Types) > 0 {
		found := false
		for _, t := range q.Types {
			if m.Type == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if q.Tag != "" && !m.HasTag(q.Tag) {
		return false
	}
	if !q.Since.IsZero() && m.CreatedAt.Before(q.Since) {
		return false
	}
	if q.Unconsolidated && m.ConsolidatedInto != "" {
		return false
	}
	return true
}

func containsState(states []types.ThoughtState, s types.ThoughtState) bool {
	for _, st := range states {
		if st == s {
			return true
		}
	}
	return false
}

func addUnique(ids []string, id string) []string {
	for _, existing := range ids {
		if existing == id {
			return ids
		}
	}
	return append(ids, id)
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyThought(t *types.Thought) *types.Thought {
	cp := *t
	cp.Content = copyMap(t.Content)
	cp.Associations = append([]string(nil), t.Associations...)
	return &cp
}

func copyMemory(m *types.Memory) *types.Memory {
	cp := *m
	cp.Tags = append([]string(nil), m.Tags...)
	cp.Embedding = append([]float64(nil), m.Embedding...)
	return &cp
}

func copyExperience(e *types.Experience) *types.Experience {
	cp := *e
	cp.StateSnapshot = copyMap(e.StateSnapshot)
	cp.Action = copyMap(e.Action)
	cp.ResultingState = copyMap(e.ResultingState)
	cp.MemoryIDs = append([]string(nil), e.MemoryIDs...)
	if e.Reward != nil {
		r := *e.Reward
		cp.Reward = &r
	}
	return &cp
}
