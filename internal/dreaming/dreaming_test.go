package dreaming

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vthunder/conscience/internal/brain"
	"github.com/vthunder/conscience/internal/metacog"
	"github.com/vthunder/conscience/internal/types"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type failingExperiences struct {
	brain.Brain
}

func (failingExperiences) ExperiencesAfter(ctx context.Context, after brain.ExperienceCursor, limit int) ([]*types.Experience, error) {
	return nil, errors.New("experience log unavailable")
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Seed = 7
	cfg.Epsilon = 0
	cfg.EpsilonMin = 0
	return cfg
}

// TestEpsilonSchedule checks decay toward the floor
func TestEpsilonSchedule(t *testing.T) {
	assert.Equal(t, 1.0, Epsilon(1, 0.05, 0.5, 0))
	assert.InDelta(t, 0.5, Epsilon(1, 0.05, 0.5, 1), 1e-12)
	assert.InDelta(t, 0.05, Epsilon(1, 0.05, 0.5, 10), 1e-12)
	assert.Equal(t, 0.0, Epsilon(0, 0, 0.5, 3))
}

// TestPriority checks the reward magnitude plus floor
func TestPriority(t *testing.T) {
	assert.InDelta(t, 0.1, Priority(&types.Experience{}), 1e-12)
	assert.InDelta(t, 2.1, Priority(&types.Experience{Reward: brain.Reward(-2)}), 1e-12)
	assert.InDelta(t, 0.6, Priority(&types.Experience{Reward: brain.Reward(0.5)}), 1e-12)
}

// TestUniformSamplingAtEpsilonOne checks exploration ignores priority
func TestUniformSamplingAtEpsilonOne(t *testing.T) {
	s := NewSampler(Proportional, 42)
	priorities := []float64{5, 0.1, 0.1, 0.1}
	counts := make([]int, len(priorities))
	const draws = 20000
	for i := 0; i < draws; i++ {
		picks := s.Sample(priorities, 1, 1)
		require.Len(t, picks, 1)
		assert.True(t, picks[0].Explored)
		counts[picks[0].Index]++
	}
	for i, c := range counts {
		assert.InDelta(t, draws/4, c, 500, "index %d drawn %d times", i, c)
	}
}

// TestGreedyAtEpsilonZero checks exploitation returns the highest priority
func TestGreedyAtEpsilonZero(t *testing.T) {
	s := NewSampler(Greedy, 1)
	priorities := []float64{0.3, 2.1, 0.5, 1.1}
	for i := 0; i < 100; i++ {
		picks := s.Sample(priorities, 1, 0)
		require.Len(t, picks, 1)
		assert.Equal(t, 1, picks[0].Index)
		assert.False(t, picks[0].Explored)
	}

	picks := s.Sample(priorities, 10, 0)
	order := make([]int, len(picks))
	for i, p := range picks {
		order[i] = p.Index
	}
	assert.Equal(t, []int{1, 3, 2, 0}, order, "batch is drawn without replacement")
}

// TestProportionalFavoursHighPriority checks priority-proportional exploitation
func TestProportionalFavoursHighPriority(t *testing.T) {
	s := NewSampler(Proportional, 3)
	priorities := []float64{10, 0.1, 0.1, 0.1}
	top := 0
	for i := 0; i < 2000; i++ {
		if s.Sample(priorities, 1, 0)[0].Index == 0 {
			top++
		}
	}
	assert.Greater(t, top, 1800)

	seen := map[int]bool{}
	for _, p := range s.Sample(priorities, 4, 0.5) {
		seen[p.Index] = true
	}
	assert.Len(t, seen, 4)
	assert.Nil(t, s.Sample(nil, 3, 0))
}

// TestBufferDropsOldest checks bounded capacity and id dedupe
func TestBufferDropsOldest(t *testing.T) {
	b := NewReplayBuffer(3)
	var exps []*types.Experience
	for i := 0; i < 5; i++ {
		exps = append(exps, &types.Experience{ID: fmt.Sprintf("e%d", i)})
	}
	assert.Equal(t, 5, b.Add(exps...))
	assert.Equal(t, 3, b.Len())
	assert.Equal(t, uint64(2), b.Dropped())
	assert.Equal(t, "e2", b.Items()[0].ID)

	assert.Equal(t, 0, b.Add(exps[4]))
	assert.Equal(t, 1, b.Add(exps[0]), "evicted experiences may return")
	assert.Equal(t, "e3", b.Items()[0].ID)
}

// TestReplayStrengthensMemoriesAndPatterns checks the replay side effects
func TestReplayStrengthensMemoriesAndPatterns(t *testing.T) {
	b := brain.NewInMemory(brain.WithClock(func() time.Time { return base }))
	b.PutMemory(types.Memory{ID: "m1", Type: types.MemoryEpisodic, Tags: []string{"lake"}, Strength: 0.5})
	b.PutMemory(types.Memory{ID: "m2", Type: types.MemoryEpisodic, Tags: []string{"lake"}, Strength: 0.5})
	b.PutMemory(types.Memory{ID: "m3", Type: types.MemoryEpisodic, Tags: []string{"tax"}, Strength: 0.5})
	exp := types.Experience{
		ID:         "e1",
		ActionKind: "swim",
		Action:     map[string]any{"where": "lake"},
		Reward:     brain.Reward(1),
		MemoryIDs:  []string{"m1"},
		CreatedAt:  base,
	}
	b.PutExperience(exp)
	patternID := metacog.PatternID(metacog.Signature(&exp))
	require.NoError(t, b.UpsertPattern(context.Background(), types.Pattern{ID: patternID, Strength: 0.2}))

	l := New(b, testConfig())
	l.SetClock(func() time.Time { return base })
	ctx := context.Background()

	res, err := l.ReplayExperiences(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Replayed)
	assert.Equal(t, 1, res.Exploited)
	assert.Equal(t, 2, res.MemoriesStrengthened)
	assert.Equal(t, 1, res.PatternsReinforced)
	assert.Equal(t, []string{"e1"}, res.ExperienceIDs)

	m1, _ := b.GetMemory(ctx, "m1")
	assert.InDelta(t, 0.55, m1.Strength, 1e-12)
	assert.Equal(t, 1, m1.AccessCount)
	m2, _ := b.GetMemory(ctx, "m2")
	assert.InDelta(t, 0.525, m2.Strength, 1e-12, "neighbor gets half the boost")
	m3, _ := b.GetMemory(ctx, "m3")
	assert.Equal(t, 0.5, m3.Strength)

	ps, err := b.Patterns(ctx, 0)
	require.NoError(t, err)
	assert.InDelta(t, 0.25, ps[0].Strength, 1e-12)

	res, err = l.ReplayExperiences(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.BufferLen, "refresh does not duplicate buffered experiences")

	st := l.Stats()
	assert.Equal(t, 2, st.Calls)
	assert.Equal(t, 2, st.Replayed)
	assert.Equal(t, base, st.LastReplay)
}

// TestUnknownPatternIsNotAnError checks replay before the daemon establishes a pattern
func TestUnknownPatternIsNotAnError(t *testing.T) {
	b := brain.NewInMemory()
	b.PutExperience(types.Experience{ID: "e1", ActionKind: "idle", CreatedAt: base})
	l := New(b, testConfig())

	res, err := l.ReplayExperiences(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Replayed)
	assert.Zero(t, res.PatternsReinforced)
}

// TestReplayContinuesWhenRefreshFails checks the buffer is still replayed
func TestReplayContinuesWhenRefreshFails(t *testing.T) {
	l := New(failingExperiences{Brain: brain.NewInMemory()}, testConfig())
	l.Buffer().Add(&types.Experience{ID: "e1", ActionKind: "idle"})

	res, err := l.ReplayExperiences(context.Background())
	assert.Error(t, err)
	assert.Equal(t, 1, res.Replayed)
}

// TestRefreshPagesSharedTimestamps checks a full refresh does not strand
// experiences stored under the same clock reading
func TestRefreshPagesSharedTimestamps(t *testing.T) {
	b := brain.NewInMemory(brain.WithClock(func() time.Time { return base }))
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := b.StoreExperience(ctx, brain.ExperienceInput{Kind: "explore", Reward: brain.Reward(0.5)})
		require.NoError(t, err)
	}
	cfg := testConfig()
	cfg.RefreshLimit = 2
	cfg.PatternBoost = 0
	l := New(b, cfg)

	res, err := l.ReplayExperiences(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.BufferLen)

	res, err = l.ReplayExperiences(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, res.BufferLen)

	res, err = l.ReplayExperiences(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, res.BufferLen)
}

// TestDue checks the every-N-th tick schedule
func TestDue(t *testing.T) {
	l := New(brain.NewInMemory(), Config{})
	assert.Equal(t, 10, l.Every())
	assert.False(t, l.Due(0))
	assert.False(t, l.Due(5))
	assert.True(t, l.Due(10))
	assert.True(t, l.Due(20))
}
