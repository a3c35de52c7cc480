package main

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vthunder/conscience/internal/activity"
	"github.com/vthunder/conscience/internal/brain"
	"github.com/vthunder/conscience/internal/config"
	"github.com/vthunder/conscience/internal/cpl"
	"github.com/vthunder/conscience/internal/events"
	"github.com/vthunder/conscience/internal/narrative"
	"github.com/vthunder/conscience/internal/types"
)

func TestInstanceID(t *testing.T) {
	assert.Equal(t, "", instanceID("", 0, 3))
	assert.Equal(t, "mind", instanceID("mind", 0, 1))
	assert.Equal(t, "mind-2", instanceID("mind", 1, 3))
}

func TestSeedBrain(t *testing.T) {
	ctx := context.Background()
	b := brain.NewInMemory()
	require.NoError(t, seedBrain(ctx, b))

	mems, err := b.Memories(ctx, brain.MemoryQuery{})
	require.NoError(t, err)
	assert.Len(t, mems, len(seedMemories))

	thoughts, err := b.Thoughts(ctx, brain.ThoughtQuery{})
	require.NoError(t, err)
	assert.Len(t, thoughts, len(seedThoughts))

	exps, err := b.RecentExperiences(ctx, time.Time{}, 0)
	require.NoError(t, err)
	assert.Len(t, exps, len(seedExperiences))
}

func TestBuildDeps(t *testing.T) {
	cfg := config.Default()
	cfg.StatePath = t.TempDir()
	cfg.Classifier = "prose"
	cfg.Traits = map[string]float64{"curiosity": 0.8}
	cfg.Journal = true

	d, cleanup, err := buildDeps(cfg)
	require.NoError(t, err)
	defer cleanup()

	require.NotNil(t, d.Traits)
	v, ok := d.Traits.Trait("curiosity")
	assert.True(t, ok)
	assert.Equal(t, 0.8, v)
	assert.IsType(t, &narrative.ProseClassifier{}, d.Classifier)
	assert.Nil(t, d.Summarizer, "no ollama url")
	assert.NotNil(t, d.Profiler)
	require.NotNil(t, d.Journal)
	assert.Equal(t, filepath.Join(cfg.StatePath, "system", "events.jsonl"), d.Journal.Path())
}

// TestRunPersistsEachInstance runs two seeded instances briefly and checks
// each leaves its own snapshot behind
func TestRunPersistsEachInstance(t *testing.T) {
	root := t.TempDir()
	cfg := config.Default()
	cfg.StatePath = root
	cfg.Instances = 2
	cfg.Loop.InstanceID = "demo"
	cfg.Loop.LoopIntervalMs = 5
	cfg.Loop.EnablePersistence = true
	cfg.Loop.PersistenceRoot = root
	cfg.Loop.PersistenceDir = "snapshots"

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	require.NoError(t, run(ctx, cfg, true))

	for _, id := range []string{"demo-1", "demo-2"} {
		s, err := cpl.LoadSnapshot(cpl.SnapshotPath(filepath.Join(root, "snapshots"), id))
		require.NoError(t, err, id)
		assert.Equal(t, id, s.InstanceID)
		assert.Positive(t, s.IterationCount)
	}
}

func TestStateCommand(t *testing.T) {
	at := time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)
	path := filepath.Join(t.TempDir(), "cpl-x.json")
	require.NoError(t, cpl.SaveSnapshot(path, cpl.Snapshot{
		InstanceID:     "cpl-x",
		IterationCount: 42,
		Timestamp:      at,
		Narrative: &types.Narrative{
			ID:             "n1",
			KeyEvents:      []string{"memory:a", "memory:b"},
			TemporalSpan:   types.TimeSpan{Start: at, End: at},
			CoherenceScore: 0.75,
		},
		IdentityMarkers: []types.IdentityMarker{
			{MarkerType: "careful", Strength: 0.3},
			{MarkerType: "curious", Strength: 0.9},
		},
		Traits: map[string]float64{"curiosity": 0.8},
	}))

	var out bytes.Buffer
	cmd := newStateCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{path})
	require.NoError(t, cmd.Execute())

	got := out.String()
	assert.Contains(t, got, "Iterations: 42")
	assert.Contains(t, got, "coherence: 0.75")
	assert.Contains(t, got, "curiosity")
	assert.Less(t, bytes.Index(out.Bytes(), []byte("curious")), bytes.Index(out.Bytes(), []byte("careful")))

	cmd = newStateCmd()
	cmd.SetArgs([]string{})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	assert.Error(t, cmd.Execute())
}

// writeJournal records a short two-instance run under a fresh state dir
func writeJournal(t *testing.T) (string, time.Time) {
	t.Helper()
	state := t.TempDir()
	at := time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)
	j := activity.New(state)
	for i, ev := range []events.Event{
		{Type: events.LoopIteration, InstanceID: "mind-1", Iteration: 1},
		{Type: events.DreamingReplay, InstanceID: "mind-1", ExperiencesReplayed: 3},
		{Type: events.LoopIteration, InstanceID: "mind-2", Iteration: 1},
		{Type: events.MemoryConsolidated, InstanceID: "mind-2", EpisodicID: "ep-lake", SemanticID: "sem-lake"},
		{Type: events.DreamingReplay, InstanceID: "mind-2", ExperiencesReplayed: 5},
	} {
		ev.Timestamp = at.Add(time.Duration(i) * time.Minute)
		require.NoError(t, j.Record(ev))
	}
	return state, at
}

func TestQueryJournal(t *testing.T) {
	state, at := writeJournal(t)
	j := activity.New(state)

	summaries := func(q journalQuery) []string {
		entries, err := queryJournal(j, q)
		require.NoError(t, err)
		out := make([]string, len(entries))
		for i, e := range entries {
			out[i] = e.InstanceID + " " + e.Summary
		}
		return out
	}

	assert.Len(t, summaries(journalQuery{}), 5)
	assert.Equal(t, []string{"mind-2 replayed 5 experiences"}, summaries(journalQuery{Limit: 1}))
	assert.Equal(t, []string{"mind-1 replayed 3 experiences", "mind-2 replayed 5 experiences"},
		summaries(journalQuery{Type: events.DreamingReplay}), "oldest first")
	assert.Equal(t, []string{"mind-2 replayed 5 experiences"},
		summaries(journalQuery{Type: events.DreamingReplay, Instance: "mind-2"}))
	assert.Equal(t, []string{"mind-2 consolidated ep-lake into sem-lake"},
		summaries(journalQuery{Search: "LAKE"}))
	assert.Equal(t, []string{"mind-1 tick 1", "mind-1 replayed 3 experiences"},
		summaries(journalQuery{Instance: "mind-1"}))
	assert.Equal(t, []string{"mind-1 replayed 3 experiences", "mind-2 tick 1"},
		summaries(journalQuery{Since: at.Add(time.Minute), Until: at.Add(2 * time.Minute)}))
	assert.Len(t, summaries(journalQuery{Since: at.Add(3 * time.Minute)}), 2)
	assert.Empty(t, summaries(journalQuery{Search: "lake", Instance: "mind-1"}))
}

func TestJournalCommand(t *testing.T) {
	state, _ := writeJournal(t)

	var out bytes.Buffer
	cmd := newJournalCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--state", state, "--type", "dreaming_replay", "--since", "2026-04-02T10:02:00Z"})
	require.NoError(t, cmd.Execute())
	assert.Equal(t, "2026-04-02T10:04:00Z  mind-2       dreaming_replay      replayed 5 experiences\n", out.String())

	out.Reset()
	cmd = newJournalCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--state", t.TempDir()})
	require.NoError(t, cmd.Execute())
	assert.Equal(t, "no entries\n", out.String())

	cmd = newJournalCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--state", state, "--until", "yesterday"})
	assert.ErrorContains(t, cmd.Execute(), "--until")
}
