package cpl

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vthunder/conscience/internal/activity"
	"github.com/vthunder/conscience/internal/brain"
	"github.com/vthunder/conscience/internal/events"
	"github.com/vthunder/conscience/internal/profiling"
	"github.com/vthunder/conscience/internal/traits"
	"github.com/vthunder/conscience/internal/types"
	"github.com/vthunder/conscience/internal/workspace"
	"go.uber.org/goleak"
)

var testNow = time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return testNow }

// seededBrain holds a few thoughts, memories and experiences
func seededBrain(t *testing.T) *brain.InMemory {
	t.Helper()
	b := brain.NewInMemory(brain.WithClock(fixedClock))
	b.PutThought(types.Thought{
		ID:           "t-plan",
		Content:      map[string]any{"text": "plan the garden review"},
		Priority:     0.9,
		Associations: []string{"t-other"},
		CreatedAt:    testNow.Add(-time.Minute),
		UpdatedAt:    testNow.Add(-time.Minute),
	})
	for i, content := range []string{
		"exploring the old library and learning its history",
		"talked with friends about the trip",
		"wrote a poem and drew a sketch",
	} {
		at := testNow.Add(-time.Duration(i+1) * time.Hour)
		b.PutMemory(types.Memory{
			ID:             []string{"m-explore", "m-friends", "m-poem"}[i],
			Type:           types.MemoryEpisodic,
			Content:        content,
			Tags:           []string{"day"},
			Strength:       0.8,
			AccessCount:    2,
			CreatedAt:      at,
			LastAccessedAt: at,
		})
	}
	for i := 0; i < 4; i++ {
		b.PutExperience(types.Experience{
			ActionKind: "explore",
			Action:     map[string]any{"target": "library"},
			Reward:     brain.Reward(0.5),
			MemoryIDs:  []string{"m-explore"},
			CreatedAt:  testNow.Add(-time.Duration(10+i) * time.Minute),
		})
	}
	return b
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.InstanceID = "cpl-test"
	cfg.LoopIntervalMs = 5
	return cfg
}

func newTestLoop(t *testing.T, cfg Config, deps Deps) *Loop {
	t.Helper()
	if deps.Brain == nil {
		deps.Brain = seededBrain(t)
	}
	if deps.Clock == nil {
		deps.Clock = fixedClock
	}
	l := NewLoop(cfg, deps)
	require.NoError(t, l.Initialize(context.Background()))
	return l
}

// drain collects whatever is buffered on sub without blocking
func drain(sub *events.Subscription) []events.Event {
	var out []events.Event
	for {
		select {
		case ev := <-sub.C:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func eventTypes(evs []events.Event) []events.Type {
	out := make([]events.Type, len(evs))
	for i, ev := range evs {
		out[i] = ev.Type
	}
	return out
}

type brokenMemories struct {
	*brain.InMemory
}

func (brokenMemories) Memories(ctx context.Context, q brain.MemoryQuery) ([]*types.Memory, error) {
	return nil, errors.New("memory index offline")
}

type stubCricket struct {
	seen []string
}

func (c *stubCricket) Assess(ctx context.Context, winner workspace.Candidate) (Assessment, error) {
	c.seen = append(c.seen, winner.ID)
	return Assessment{Verdict: "acceptable", Score: 0.75}, nil
}

// TestNewLoopGeneratesID checks an empty instance id is generated
func TestNewLoopGeneratesID(t *testing.T) {
	l := NewLoop(DefaultConfig(), Deps{Brain: brain.NewInMemory()})
	assert.Regexp(t, `^cpl-[0-9a-f-]{36}$`, l.ID())
	assert.Equal(t, StateCreated, l.State())
	assert.False(t, l.IsRunning())
}

// TestInitializeRejectsInvalidConfig checks configuration errors fail fast
func TestInitializeRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.LoopIntervalMs = 0
	l := NewLoop(cfg, Deps{Brain: brain.NewInMemory()})
	assert.ErrorIs(t, l.Initialize(context.Background()), ErrInvalidConfig)
	assert.Equal(t, StateCreated, l.State())

	l = NewLoop(testConfig(), Deps{})
	assert.ErrorIs(t, l.Initialize(context.Background()), ErrInvalidConfig, "brain is required")
}

// TestStartRequiresInitialize checks the lifecycle ordering
func TestStartRequiresInitialize(t *testing.T) {
	l := NewLoop(testConfig(), Deps{Brain: brain.NewInMemory()})
	assert.ErrorIs(t, l.Start(context.Background()), ErrNotInitialized)
}

// TestStartTwiceFails checks a running loop cannot be started again
func TestStartTwiceFails(t *testing.T) {
	defer goleak.VerifyNone(t)

	l := newTestLoop(t, testConfig(), Deps{})
	require.NoError(t, l.Start(context.Background()))
	assert.ErrorIs(t, l.Start(context.Background()), ErrAlreadyRunning)
	require.NoError(t, l.Stop())
}

// TestStopIsIdempotent checks stop twice is harmless and leaves the loop stopped
func TestStopIsIdempotent(t *testing.T) {
	defer goleak.VerifyNone(t)

	l := newTestLoop(t, testConfig(), Deps{})
	assert.NoError(t, l.Stop(), "stop before start is a no-op")

	require.NoError(t, l.Start(context.Background()))
	require.Eventually(t, func() bool { return l.Iteration() >= 2 }, 5*time.Second, time.Millisecond)

	assert.NoError(t, l.Stop())
	assert.NoError(t, l.Stop())
	assert.False(t, l.IsRunning())
	assert.Equal(t, StateStopped, l.State())

	n := l.Iteration()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, n, l.Iteration(), "no ticks after stop")
}

// TestRestartAfterStop checks a stopped loop resumes counting
func TestRestartAfterStop(t *testing.T) {
	defer goleak.VerifyNone(t)

	l := newTestLoop(t, testConfig(), Deps{})
	require.NoError(t, l.Start(context.Background()))
	require.Eventually(t, func() bool { return l.Iteration() >= 1 }, 5*time.Second, time.Millisecond)
	require.NoError(t, l.Stop())
	first := l.Iteration()

	require.NoError(t, l.Start(context.Background()))
	require.Eventually(t, func() bool { return l.Iteration() > first }, 5*time.Second, time.Millisecond)
	require.NoError(t, l.Stop())
}

// TestContextCancelStopsLoop checks cancellation ends the run
func TestContextCancelStopsLoop(t *testing.T) {
	defer goleak.VerifyNone(t)

	ctx, cancel := context.WithCancel(context.Background())
	l := newTestLoop(t, testConfig(), Deps{})
	require.NoError(t, l.Start(ctx))
	cancel()
	l.Wait()

	assert.False(t, l.IsRunning())
	assert.NoError(t, l.Stop())
}

// TestTickRunsStepsInOrder checks the fixed sub-step order and the events
func TestTickRunsStepsInOrder(t *testing.T) {
	l := newTestLoop(t, testConfig(), Deps{})
	sub := l.Subscribe()
	defer sub.Close()

	report := l.Tick(context.Background())
	assert.Equal(t, uint64(1), report.Iteration)
	assert.Empty(t, report.Errors)
	assert.Equal(t, []string{StepDaemon, StepAttention, StepWorkspace, StepScratchpad, StepBridge, StepNarrative}, report.Steps)

	evs := drain(sub)
	require.NotEmpty(t, evs)
	assert.Equal(t, events.LoopIteration, evs[0].Type, "tick starts with the iteration event")
	assert.Equal(t, uint64(1), evs[0].Iteration)
	assert.Equal(t, "cpl-test", evs[0].InstanceID)
	assert.Equal(t, testNow, evs[0].Timestamp)
	assert.Contains(t, eventTypes(evs), events.AttentionShifted)
	assert.Contains(t, eventTypes(evs), events.NarrativeUpdated)
	assert.NotContains(t, eventTypes(evs), events.DreamingReplay)

	assert.LessOrEqual(t, l.Scratchpad().Len(), l.Scratchpad().Capacity())
	assert.Len(t, l.Workspace().Contents(), 4, "min(capacity, candidates)")
}

// TestDreamingRunsEveryNthTick checks replay only on multiples of N
func TestDreamingRunsEveryNthTick(t *testing.T) {
	cfg := testConfig()
	cfg.Dreaming.Every = 3
	l := newTestLoop(t, cfg, Deps{})
	sub := l.Subscribe()
	defer sub.Close()

	var dreamt []uint64
	for i := 0; i < 7; i++ {
		report := l.Tick(context.Background())
		for _, s := range report.Steps {
			if s == StepDreaming {
				dreamt = append(dreamt, report.Iteration)
			}
		}
	}
	assert.Equal(t, []uint64{3, 6}, dreamt)

	var replays []events.Event
	for _, ev := range drain(sub) {
		if ev.Type == events.DreamingReplay {
			replays = append(replays, ev)
		}
	}
	require.Len(t, replays, 2)
	assert.Positive(t, replays[0].ExperiencesReplayed)

	stats := l.Stats()
	require.NotNil(t, stats.Dreaming)
	assert.Equal(t, 2, stats.Dreaming.Calls)
}

// TestDreamingReplayReportedOnPartialFailure checks a replay that touched a
// missing memory still announces what it replayed
func TestDreamingReplayReportedOnPartialFailure(t *testing.T) {
	b := brain.NewInMemory(brain.WithClock(fixedClock))
	b.PutExperience(types.Experience{
		ID:         "e-gone",
		ActionKind: "explore",
		Reward:     brain.Reward(1),
		MemoryIDs:  []string{"deleted-memory"},
		CreatedAt:  testNow.Add(-time.Minute),
	})

	cfg := testConfig()
	cfg.EnableGlobalWorkspace = false
	cfg.EnableBackgroundDaemon = false
	cfg.EnableAttention = false
	cfg.EnableNarrative = false
	cfg.EnableMemoryBridge = false
	cfg.EnableWorkingMemory = false
	cfg.Dreaming.Every = 1
	l := newTestLoop(t, cfg, Deps{Brain: b})
	sub := l.Subscribe()
	defer sub.Close()

	report := l.Tick(context.Background())
	require.Contains(t, report.Errors, StepDreaming)
	assert.ErrorIs(t, report.Errors[StepDreaming], brain.ErrNotFound)

	var replays []events.Event
	for _, ev := range drain(sub) {
		if ev.Type == events.DreamingReplay {
			replays = append(replays, ev)
		}
	}
	require.Len(t, replays, 1)
	assert.Equal(t, 1, replays[0].ExperiencesReplayed)
	assert.Equal(t, 1, l.Stats().Dreaming.Replayed)
}

// TestComponentSubsets checks any subset of components ticks cleanly
func TestComponentSubsets(t *testing.T) {
	none := func(c *Config) {
		c.EnableGlobalWorkspace = false
		c.EnableBackgroundDaemon = false
		c.EnableDreaming = false
		c.EnableAttention = false
		c.EnableNarrative = false
		c.EnableMemoryBridge = false
		c.EnableWorkingMemory = false
	}
	cases := []struct {
		name   string
		enable func(*Config)
		steps  []string
	}{
		{"nothing", func(c *Config) {}, nil},
		{"workspace only", func(c *Config) { c.EnableGlobalWorkspace = true }, []string{StepWorkspace}},
		{"dreaming only", func(c *Config) { c.EnableDreaming = true; c.Dreaming.Every = 1 }, []string{StepDreaming}},
		{"memory path", func(c *Config) {
			c.EnableGlobalWorkspace = true
			c.EnableWorkingMemory = true
			c.EnableMemoryBridge = true
		}, []string{StepWorkspace, StepScratchpad, StepBridge}},
		{"no attention", func(c *Config) {
			c.EnableBackgroundDaemon = true
			c.EnableGlobalWorkspace = true
			c.EnableNarrative = true
		}, []string{StepDaemon, StepWorkspace, StepNarrative}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testConfig()
			none(&cfg)
			tc.enable(&cfg)
			l := newTestLoop(t, cfg, Deps{})

			for i := 0; i < 3; i++ {
				report := l.Tick(context.Background())
				assert.Empty(t, report.Errors)
				assert.Equal(t, tc.steps, report.Steps)
			}
			assert.Equal(t, uint64(3), l.Iteration())
		})
	}
}

// TestWorkspaceShiftWithoutRouter checks the workspace reports focus
// changes when the router is disabled
func TestWorkspaceShiftWithoutRouter(t *testing.T) {
	cfg := testConfig()
	cfg.EnableAttention = false
	l := newTestLoop(t, cfg, Deps{})
	sub := l.Subscribe()
	defer sub.Close()

	l.Tick(context.Background())
	top, ok := l.Workspace().Top()
	require.True(t, ok)

	var shifts []events.Event
	for _, ev := range drain(sub) {
		if ev.Type == events.AttentionShifted {
			shifts = append(shifts, ev)
		}
	}
	require.Len(t, shifts, 1)
	assert.Equal(t, "", shifts[0].FromID)
	assert.Equal(t, top.ID, shifts[0].ToID)
}

// TestSubstepFailureIsIsolated checks a failing Brain read skips the
// affected steps without stopping the tick
func TestSubstepFailureIsIsolated(t *testing.T) {
	l := newTestLoop(t, testConfig(), Deps{Brain: brokenMemories{seededBrain(t)}})
	sub := l.Subscribe()
	defer sub.Close()

	report := l.Tick(context.Background())
	assert.Contains(t, report.Errors, StepAttention)
	assert.Contains(t, report.Errors, StepWorkspace)
	assert.NotContains(t, report.Errors, StepScratchpad)
	assert.Equal(t, []string{StepDaemon, StepAttention, StepWorkspace, StepScratchpad, StepBridge, StepNarrative}, report.Steps)

	l.Tick(context.Background())
	stats := l.Stats()
	assert.Equal(t, uint64(2), stats.Iterations)
	assert.Equal(t, 2, stats.SubstepErrors[StepWorkspace])
	assert.Nil(t, stats.LastWinner)

	evs := drain(sub)
	require.NotEmpty(t, evs)
	assert.Equal(t, events.LoopIteration, evs[0].Type)
}

// TestDetailedProfilingTimesEachStep checks every sub-step lands in the
// profile log under its tick id
func TestDetailedProfilingTimesEachStep(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ticks.jsonl")
	prof, err := profiling.New(profiling.LevelDetailed, path)
	require.NoError(t, err)
	defer prof.Close()

	l := newTestLoop(t, testConfig(), Deps{Profiler: prof})
	report := l.Tick(context.Background())

	last := prof.Last()
	for _, name := range report.Steps {
		assert.Contains(t, last, name)
	}
	assert.Contains(t, last, "tick")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	dec := json.NewDecoder(bytes.NewReader(data))
	stages := map[string]string{}
	for dec.More() {
		var st profiling.StageTiming
		require.NoError(t, dec.Decode(&st))
		if st.Stage != "tick" {
			stages[st.Stage] = st.TickID
		}
	}
	assert.Len(t, stages, len(report.Steps))
	assert.Equal(t, "cpl-test:1", stages[StepDaemon])
}

// TestCricketAssessesWinner checks the moral hook sees the workspace winner
func TestCricketAssessesWinner(t *testing.T) {
	cricket := &stubCricket{}
	l := newTestLoop(t, testConfig(), Deps{Cricket: cricket})
	sub := l.Subscribe()
	defer sub.Close()

	report := l.Tick(context.Background())
	assert.Contains(t, report.Steps, StepCricket)

	top, ok := l.Workspace().Top()
	require.True(t, ok)
	assert.Equal(t, []string{top.ID}, cricket.seen)

	var verdicts []events.Event
	for _, ev := range drain(sub) {
		if ev.Type == events.MoralAssessment {
			verdicts = append(verdicts, ev)
		}
	}
	require.Len(t, verdicts, 1)
	assert.Equal(t, top.ID, verdicts[0].SubjectID)
	assert.Equal(t, "acceptable", verdicts[0].Verdict)
	assert.Equal(t, 0.75, verdicts[0].Score)

	stats := l.Stats()
	require.NotNil(t, stats.LastWinner)
	assert.Equal(t, top.ID, stats.LastWinner.ID)
	assert.Contains(t, stats.Components, StepCricket)
}

// TestWinningMemoriesAreTouched checks workspace winners reach the daemon queue
func TestWinningMemoriesAreTouched(t *testing.T) {
	b := seededBrain(t)
	cfg := testConfig()
	cfg.EnableMemoryBridge = false
	cfg.EnableDreaming = false
	l := newTestLoop(t, cfg, Deps{Brain: b})

	l.Tick(context.Background())
	assert.Equal(t, 3, l.Daemon().Queue().Count(), "one touch per winning memory")

	l.Tick(context.Background())
	m, err := b.GetMemory(context.Background(), "m-poem")
	require.NoError(t, err)
	assert.Equal(t, 3, m.AccessCount)
}

// TestPersistRoundTrip checks a fresh instance restores the same narrative
// and identity markers
func TestPersistRoundTrip(t *testing.T) {
	root := t.TempDir()
	cfg := testConfig()
	cfg.EnablePersistence = true
	cfg.PersistenceRoot = root
	cfg.PersistenceDir = "snapshots"

	first := newTestLoop(t, cfg, Deps{Traits: traits.NewStatic(map[string]float64{traits.Curiosity: 0.8})})
	for i := 0; i < 3; i++ {
		first.Tick(context.Background())
	}
	require.NoError(t, first.Persist())

	saved := first.Snapshot()
	require.NotNil(t, saved.Narrative)
	require.NotEmpty(t, saved.IdentityMarkers)

	_, err := os.Stat(SnapshotPath(root+"/snapshots", "cpl-test"))
	require.NoError(t, err)

	second := newTestLoop(t, cfg, Deps{})
	restored := second.Snapshot()

	assert.Equal(t, uint64(3), second.Iteration())
	assert.Equal(t, mustJSON(t, saved.Narrative), mustJSON(t, restored.Narrative))
	assert.Equal(t, mustJSON(t, saved.IdentityMarkers), mustJSON(t, restored.IdentityMarkers))
	assert.Equal(t, mustJSON(t, saved.NarrativeHistory), mustJSON(t, restored.NarrativeHistory))
	assert.Equal(t, map[string]float64{traits.Curiosity: 0.8}, restored.Traits)

	report := second.Tick(context.Background())
	assert.Equal(t, uint64(4), report.Iteration)
}

// TestStopPersists checks the snapshot is written when the loop stops
func TestStopPersists(t *testing.T) {
	defer goleak.VerifyNone(t)

	root := t.TempDir()
	cfg := testConfig()
	cfg.EnablePersistence = true
	cfg.PersistenceRoot = root
	cfg.PersistenceDir = root

	l := newTestLoop(t, cfg, Deps{})
	require.NoError(t, l.Start(context.Background()))
	require.Eventually(t, func() bool { return l.Iteration() >= 1 }, 5*time.Second, time.Millisecond)
	require.NoError(t, l.Stop())

	snap, err := LoadSnapshot(SnapshotPath(root, "cpl-test"))
	require.NoError(t, err)
	assert.Equal(t, l.Iteration(), snap.IterationCount)
	assert.Equal(t, "cpl-test", snap.InstanceID)
}

// TestUnreadableSnapshotIsIgnored checks a corrupt file does not block startup
func TestUnreadableSnapshotIsIgnored(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(SnapshotPath(root, "cpl-test"), []byte("{not json"), 0644))

	cfg := testConfig()
	cfg.EnablePersistence = true
	cfg.PersistenceRoot = root
	cfg.PersistenceDir = root

	l := newTestLoop(t, cfg, Deps{})
	assert.Equal(t, StateInitialized, l.State())
	assert.Equal(t, uint64(0), l.Iteration())
}

// TestConcurrentInitializeRestoresOnce checks racing Initialize calls agree
// on one restored state and the resolved persistence dir
func TestConcurrentInitializeRestoresOnce(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "snapshots")
	require.NoError(t, SaveSnapshot(SnapshotPath(dir, "cpl-test"), Snapshot{
		InstanceID:      "cpl-test",
		IterationCount:  5,
		Timestamp:       testNow,
		IdentityMarkers: []types.IdentityMarker{},
	}))

	cfg := testConfig()
	cfg.EnablePersistence = true
	cfg.PersistenceRoot = root
	cfg.PersistenceDir = "snapshots"
	l := NewLoop(cfg, Deps{Brain: seededBrain(t), Clock: fixedClock})

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = l.Initialize(context.Background())
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, StateInitialized, l.State())
	assert.Equal(t, uint64(5), l.Iteration())
	assert.Equal(t, dir, l.Config().PersistenceDir)
}

// TestJournalFollowsRun checks emitted events land in the journal
func TestJournalFollowsRun(t *testing.T) {
	defer goleak.VerifyNone(t)

	j := activity.New(t.TempDir())
	l := newTestLoop(t, testConfig(), Deps{Journal: j})
	require.NoError(t, l.Start(context.Background()))
	require.Eventually(t, func() bool { return l.Iteration() >= 2 }, 5*time.Second, time.Millisecond)
	require.NoError(t, l.Stop())

	ticks, err := j.ByType(events.LoopIteration, 100)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(ticks), 2)
	assert.Equal(t, "cpl-test", ticks[0].InstanceID)
}

func mustJSON(t *testing.T, v any) string {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return string(data)
}
