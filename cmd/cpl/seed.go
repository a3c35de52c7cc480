package main

import (
	"context"
	"fmt"

	"github.com/vthunder/conscience/internal/brain"
	"github.com/vthunder/conscience/internal/types"
)

var seedMemories = []struct {
	typ     types.MemoryType
	content string
	tags    []string
}{
	{types.MemoryEpisodic, "Walked to the lake before breakfast and watched the herons", []string{"outdoors", "morning"}},
	{types.MemoryEpisodic, "Swam across the lake with friends in the afternoon", []string{"outdoors", "friends"}},
	{types.MemoryEpisodic, "Wrote a short poem about the lake at dusk", []string{"writing", "outdoors"}},
	{types.MemoryEpisodic, "Helped a neighbour carry boxes up the stairs", []string{"helping", "friends"}},
	{types.MemoryEpisodic, "Read about migratory birds until late", []string{"learning", "night"}},
	{types.MemorySemantic, "Herons hunt in shallow water at dawn", []string{"learning", "outdoors"}},
}

var seedThoughts = []struct {
	text     string
	priority float64
}{
	{"Plan a longer walk around the far side of the lake", 0.7},
	{"Finish the poem draft", 0.5},
	{"Ask friends about the weekend swim", 0.4},
}

var seedExperiences = []struct {
	kind   string
	reward float64
}{
	{"explore", 0.8},
	{"explore", 0.6},
	{"social", 0.5},
	{"create", 0.3},
	{"rest", -0.2},
}

// seedBrain stores a small day of sample content so a fresh instance has
// something to attend to, consolidate and replay
func seedBrain(ctx context.Context, b brain.Brain) error {
	var memIDs []string
	for _, m := range seedMemories {
		id, err := b.StoreMemory(ctx, m.typ, m.content, m.tags)
		if err != nil {
			return fmt.Errorf("store memory: %w", err)
		}
		memIDs = append(memIDs, id)
	}

	var thoughtIDs []string
	for _, t := range seedThoughts {
		id, err := b.CreateThought(ctx, "seed", map[string]any{"text": t.text}, t.priority)
		if err != nil {
			return fmt.Errorf("create thought: %w", err)
		}
		thoughtIDs = append(thoughtIDs, id)
	}
	if err := b.AssociateThoughts(ctx, thoughtIDs[0], thoughtIDs[1]); err != nil {
		return fmt.Errorf("associate thoughts: %w", err)
	}

	for i, e := range seedExperiences {
		_, err := b.StoreExperience(ctx, brain.ExperienceInput{
			Kind:      e.kind,
			State:     map[string]any{"step": i},
			Action:    map[string]any{"kind": e.kind},
			Result:    map[string]any{"ok": e.reward > 0},
			Reward:    brain.Reward(e.reward),
			MemoryIDs: []string{memIDs[i%len(memIDs)]},
		})
		if err != nil {
			return fmt.Errorf("store experience: %w", err)
		}
	}
	return nil
}
