package brain

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vthunder/conscience/internal/types"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestInMemory_MemoryLifecycle(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	b := NewInMemory(WithClock(fixedClock(now)))

	id, err := b.StoreMemory(ctx, types.MemoryEpisodic, "walked to the lake", []string{"outdoors"})
	require.NoError(t, err)

	m, err := b.GetMemory(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, InitialStrength, m.Strength)
	assert.Equal(t, now, m.CreatedAt)

	require.NoError(t, b.UpdateMemoryStrength(ctx, id, 3.2))
	require.NoError(t, b.TouchMemory(ctx, id))
	m, err = b.GetMemory(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1.0, m.Strength, "strength is clamped")
	assert.Equal(t, 1, m.AccessCount)

	_, err = b.GetMemory(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestInMemory_ReadsAreCopies(t *testing.T) {
	ctx := context.Background()
	b := NewInMemory()
	id, err := b.StoreMemory(ctx, types.MemorySemantic, "fact", []string{"a"})
	require.NoError(t, err)

	m, err := b.GetMemory(ctx, id)
	require.NoError(t, err)
	m.Tags[0] = "mutated"
	m.Strength = 0

	again, err := b.GetMemory(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, again.Tags)
	assert.Equal(t, InitialStrength, again.Strength)
}

func TestInMemory_MemoriesQuery(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	b := NewInMemory()

	b.PutMemory(types.Memory{ID: "e1", Type: types.MemoryEpisodic, Strength: 0.2, Tags: []string{"x"}, CreatedAt: base, LastAccessedAt: base})
	b.PutMemory(types.Memory{ID: "e2", Type: types.MemoryEpisodic, Strength: 0.9, CreatedAt: base.Add(time.Hour), LastAccessedAt: base.Add(time.Hour)})
	b.PutMemory(types.Memory{ID: "s1", Type: types.MemorySemantic, Strength: 0.5, Tags: []string{"x"}, CreatedAt: base, LastAccessedAt: base.Add(2 * time.Hour)})
	require.NoError(t, b.MarkConsolidated(ctx, "e1", "s1"))

	all, err := b.Memories(ctx, MemoryQuery{})
	require.NoError(t, err)
	assert.Equal(t, []string{"s1", "e2", "e1"}, memoryIDs(all), "default order is most recently accessed")

	strong, err := b.Memories(ctx, MemoryQuery{Order: OrderStrength, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"e2", "s1"}, memoryIDs(strong))

	tagged, err := b.Memories(ctx, MemoryQuery{Tag: "x", Order: OrderCreated})
	require.NoError(t, err)
	assert.Equal(t, []string{"e1", "s1"}, memoryIDs(tagged))

	open, err := b.Memories(ctx, MemoryQuery{Types: []types.MemoryType{types.MemoryEpisodic}, Unconsolidated: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"e2"}, memoryIDs(open))

	recent, err := b.Memories(ctx, MemoryQuery{Since: base.Add(30 * time.Minute)})
	require.NoError(t, err)
	assert.Equal(t, []string{"e2"}, memoryIDs(recent))
}

func TestInMemory_StrengthenAssociation(t *testing.T) {
	ctx := context.Background()
	b := NewInMemory()
	b.PutMemory(types.Memory{ID: "a"})
	b.PutMemory(types.Memory{ID: "b"})

	assoc, err := b.StrengthenAssociation(ctx, "b", "a", 0.7)
	require.NoError(t, err)
	assert.Equal(t, "a", assoc.MemoryA, "endpoints are stored in canonical order")
	assert.Equal(t, 0.7, assoc.Strength)

	assoc, err = b.StrengthenAssociation(ctx, "a", "b", 0.7)
	require.NoError(t, err)
	assert.InDelta(t, 0.77, assoc.Strength, 1e-12)

	edges, err := b.Associations(ctx, "b")
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Equal(t, "a", edges[0].Other("b"))

	_, err = b.StrengthenAssociation(ctx, "a", "a", 1)
	assert.Error(t, err)
	_, err = b.StrengthenAssociation(ctx, "a", "zzz", 1)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestInMemory_SimilarMemories(t *testing.T) {
	ctx := context.Background()
	b := NewInMemory()
	b.PutMemory(types.Memory{ID: "target", Tags: []string{"lake", "swim"}})
	b.PutMemory(types.Memory{ID: "close", Tags: []string{"lake", "swim", "sun"}})
	b.PutMemory(types.Memory{ID: "far", Tags: []string{"lake", "tax", "office", "rain"}})
	b.PutMemory(types.Memory{ID: "none", Tags: []string{"code"}})

	similar, err := b.SimilarMemories(ctx, "target", 5)
	require.NoError(t, err)
	assert.Equal(t, []string{"close", "far"}, memoryIDs(similar))
}

func TestInMemory_Thoughts(t *testing.T) {
	ctx := context.Background()
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	b := NewInMemory(WithClock(func() time.Time { return clock }))

	first, err := b.CreateThought(ctx, "main", map[string]any{"text": "plan"}, 0.4)
	require.NoError(t, err)
	clock = clock.Add(time.Second)
	second, err := b.CreateThought(ctx, "main", map[string]any{"text": "act"}, 1.5)
	require.NoError(t, err)

	require.NoError(t, b.AssociateThoughts(ctx, first, second))
	require.NoError(t, b.AssociateThoughts(ctx, first, second))
	th, err := b.GetThought(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, []string{second}, th.Associations, "associations behave as a set")
	assert.Equal(t, "plan", th.Text())

	th, err = b.GetThought(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, 1.0, th.Priority)

	require.NoError(t, b.SetThoughtState(ctx, first, types.ThoughtDiscarded))
	active, err := b.Thoughts(ctx, ThoughtQuery{States: []types.ThoughtState{types.ThoughtActive}})
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, second, active[0].ID)
}

func TestInMemory_Experiences(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := base
	b := NewInMemory(WithClock(func() time.Time { return clock }))

	for i := 0; i < 3; i++ {
		clock = base.Add(time.Duration(i) * time.Minute)
		_, err := b.StoreExperience(ctx, ExperienceInput{Kind: "explore", Reward: Reward(float64(i))})
		require.NoError(t, err)
	}

	exps, err := b.RecentExperiences(ctx, base, 10)
	require.NoError(t, err)
	require.Len(t, exps, 2, "since is exclusive")
	assert.Equal(t, 1.0, exps[0].RewardValue())
	assert.Equal(t, 2.0, exps[1].RewardValue())

	limited, err := b.RecentExperiences(ctx, time.Time{}, 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, 0.0, limited[0].RewardValue())
}

// TestInMemory_ExperiencesAfter checks cursor paging under a pinned clock
func TestInMemory_ExperiencesAfter(t *testing.T) {
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	b := NewInMemory(WithClock(func() time.Time { return at }))

	var stored []string
	for i := 0; i < 3; i++ {
		id, err := b.StoreExperience(ctx, ExperienceInput{Kind: "explore"})
		require.NoError(t, err)
		stored = append(stored, id)
	}

	var seen []string
	cursor := ExperienceCursor{}
	for page := 0; page < 3; page++ {
		exps, err := b.ExperiencesAfter(ctx, cursor, 2)
		require.NoError(t, err)
		for _, e := range exps {
			seen = append(seen, e.ID)
			cursor = CursorAt(e)
		}
	}
	assert.Equal(t, stored, seen, "every experience exactly once, in insertion order")
}

// TestInMemory_ExperienceOrder checks stored and seeded experiences share
// one oldest-first log
func TestInMemory_ExperienceOrder(t *testing.T) {
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	b := NewInMemory(WithClock(func() time.Time { return at }))

	_, err := b.StoreExperience(ctx, ExperienceInput{Kind: "now"})
	require.NoError(t, err)
	b.PutExperience(types.Experience{ID: "later", ActionKind: "later", CreatedAt: at.Add(time.Hour)})
	b.PutExperience(types.Experience{ID: "earlier", ActionKind: "earlier", CreatedAt: at.Add(-time.Hour)})
	_, err = b.StoreExperience(ctx, ExperienceInput{Kind: "now-again"})
	require.NoError(t, err)

	exps, err := b.RecentExperiences(ctx, time.Time{}, 0)
	require.NoError(t, err)
	var kinds []string
	for _, e := range exps {
		kinds = append(kinds, e.ActionKind)
	}
	assert.Equal(t, []string{"earlier", "now", "now-again", "later"}, kinds)
}

func TestInMemory_Patterns(t *testing.T) {
	ctx := context.Background()
	b := NewInMemory()

	require.NoError(t, b.UpsertPattern(ctx, types.Pattern{ID: "p1", Strength: 0.3}))
	require.NoError(t, b.UpsertPattern(ctx, types.Pattern{ID: "p2", Strength: 0.6}))
	require.NoError(t, b.ReinforcePattern(ctx, "p1", 0.5))
	assert.ErrorIs(t, b.ReinforcePattern(ctx, "nope", 0.1), ErrNotFound)

	ps, err := b.Patterns(ctx, 0)
	require.NoError(t, err)
	require.Len(t, ps, 2)
	assert.Equal(t, "p1", ps[0].ID)
	assert.InDelta(t, 0.8, ps[0].Strength, 1e-12)
}

func memoryIDs(ms []*types.Memory) []string {
	ids := make([]string, len(ms))
	for i, m := range ms {
		ids[i] = m.ID
	}
	return ids
}
