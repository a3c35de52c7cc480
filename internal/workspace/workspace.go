// Package workspace runs the global-workspace competition: thoughts and
// memories compete on recency-weighted scores and the top few become the
// broadcast content for the tick.
package workspace

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/vthunder/conscience/internal/brain"
	"github.com/vthunder/conscience/internal/logging"
	"github.com/vthunder/conscience/internal/numeric"
	"github.com/vthunder/conscience/internal/traits"
	"github.com/vthunder/conscience/internal/types"
)

// Config tunes the competition
type Config struct {
	Capacity       int           `yaml:"capacity"`        // broadcast slots (Miller's 7)
	ThoughtTau     time.Duration `yaml:"thought_tau"`     // recency half-life for thoughts
	MemoryTau      time.Duration `yaml:"memory_tau"`      // recency half-life for memories
	CandidateLimit int           `yaml:"candidate_limit"` // per-kind fetch bound
	EntrantBoost   float64       `yaml:"entrant_boost"`   // priority bump for thoughts entering the workspace
}

// DefaultConfig returns the standard competition settings
func DefaultConfig() Config {
	return Config{
		Capacity:       7,
		ThoughtTau:     60 * time.Second,
		MemoryTau:      time.Hour,
		CandidateLimit: 200,
		EntrantBoost:   0.02,
	}
}

// Candidate is one competitor and its score for the current cycle
type Candidate struct {
	ID    string            `json:"id"`
	Kind  types.ContentType `json:"kind"`
	Score float64           `json:"score"`
	Text  string            `json:"text,omitempty"`
}

// Result describes one competition cycle
type Result struct {
	Selected   []Candidate
	Considered int
	Top        string
	PrevTop    string
	TopChanged bool
}

// Workspace holds the current broadcast content
type Workspace struct {
	brain brain.Brain
	cfg   Config
	now   func() time.Time

	mu       sync.RWMutex
	contents []Candidate
}

// New creates a workspace over b. Zero config fields take defaults.
func New(b brain.Brain, cfg Config) *Workspace {
	def := DefaultConfig()
	if cfg.Capacity <= 0 {
		cfg.Capacity = def.Capacity
	}
	if cfg.ThoughtTau <= 0 {
		cfg.ThoughtTau = def.ThoughtTau
	}
	if cfg.MemoryTau <= 0 {
		cfg.MemoryTau = def.MemoryTau
	}
	if cfg.CandidateLimit <= 0 {
		cfg.CandidateLimit = def.CandidateLimit
	}
	return &Workspace{brain: b, cfg: cfg, now: time.Now}
}

// SetClock overrides time.Now (for testing only)
func (w *Workspace) SetClock(now func() time.Time) {
	w.now = now
}

// Capacity returns the broadcast slot count
func (w *Workspace) Capacity() int {
	return w.cfg.Capacity
}

// Contents returns a copy of the current broadcast content, best first
func (w *Workspace) Contents() []Candidate {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return append([]Candidate(nil), w.contents...)
}

// Top returns the current winner, if any
func (w *Workspace) Top() (Candidate, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if len(w.contents) == 0 {
		return Candidate{}, false
	}
	return w.contents[0], true
}

// ProcessBroadcast runs one competition cycle. weights (optional, from the
// attention router) scale candidate scores by (1 + weight). A Brain failure
// skips the cycle and leaves the previous content in place.
func (w *Workspace) ProcessBroadcast(ctx context.Context, tr traits.Provider, weights map[string]float64) (Result, error) {
	thoughts, err := w.brain.Thoughts(ctx, brain.ThoughtQuery{
		States: []types.ThoughtState{types.ThoughtActive},
		Limit:  w.cfg.CandidateLimit,
	})
	if err != nil {
		return Result{}, fmt.Errorf("failed to load thoughts: %w", err)
	}
	memories, err := w.brain.Memories(ctx, brain.MemoryQuery{
		Limit: w.cfg.CandidateLimit,
		Order: brain.OrderRecent,
	})
	if err != nil {
		return Result{}, fmt.Errorf("failed to load memories: %w", err)
	}

	now := w.now()
	thoughtMod := traits.Modulation(tr, traits.Focus)
	memoryMod := traits.Modulation(tr, traits.MemoryCapacity)

	candidates := make([]Candidate, 0, len(thoughts)+len(memories))
	for _, t := range thoughts {
		score := safeScore(t.ID, func() float64 {
			return numeric.Clamp01(ThoughtScore(t, now, w.cfg.ThoughtTau) * thoughtMod)
		})
		candidates = append(candidates, Candidate{ID: t.ID, Kind: types.ContentThought, Score: score, Text: t.Text()})
	}
	for _, m := range memories {
		score := safeScore(m.ID, func() float64 {
			return numeric.Clamp01(MemoryScore(m, now, w.cfg.MemoryTau) * memoryMod)
		})
		candidates = append(candidates, Candidate{ID: m.ID, Kind: types.ContentMemory, Score: score, Text: m.Content})
	}
	for i := range candidates {
		if wt, ok := weights[candidates[i].ID]; ok && numeric.Valid(wt) {
			candidates[i].Score = numeric.Clamp01(candidates[i].Score * (1 + wt))
		}
	}

	selected := Select(candidates, w.cfg.Capacity)

	w.mu.Lock()
	prev := w.contents
	w.contents = selected
	w.mu.Unlock()

	res := Result{Selected: append([]Candidate(nil), selected...), Considered: len(candidates)}
	if len(prev) > 0 {
		res.PrevTop = prev[0].ID
	}
	if len(selected) > 0 {
		res.Top = selected[0].ID
	}
	res.TopChanged = res.Top != res.PrevTop

	w.boostEntrants(ctx, prev, selected)

	logging.Debug("workspace", "selected %d of %d candidates (top=%s)", len(selected), len(candidates), res.Top)
	return res, nil
}

// boostEntrants nudges the priority of thoughts that just won a slot
func (w *Workspace) boostEntrants(ctx context.Context, prev, selected []Candidate) {
	if w.cfg.EntrantBoost <= 0 {
		return
	}
	before := make(map[string]bool, len(prev))
	for _, c := range prev {
		before[c.ID] = true
	}
	for _, c := range selected {
		if c.Kind != types.ContentThought || before[c.ID] {
			continue
		}
		t, err := w.brain.GetThought(ctx, c.ID)
		if err != nil {
			logging.Warn("workspace", "entrant %s vanished: %v", c.ID, err)
			continue
		}
		if err := w.brain.UpdateThoughtPriority(ctx, c.ID, t.Priority+w.cfg.EntrantBoost); err != nil {
			logging.Warn("workspace", "failed to boost entrant %s: %v", c.ID, err)
		}
	}
}

// Select stable-sorts candidates by descending score and keeps the top n.
// Equal scores keep their input order.
func Select(candidates []Candidate, n int) []Candidate {
	sorted := append([]Candidate(nil), candidates...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Score > sorted[j].Score
	})
	if n < 0 {
		n = 0
	}
	if len(sorted) > n {
		sorted = sorted[:n]
	}
	return sorted
}

// ThoughtScore is recency × priority × ln(associations+1), each factor validated
func ThoughtScore(t *types.Thought, now time.Time, tau time.Duration) float64 {
	recency := numeric.Recency(now.Sub(t.UpdatedAt), tau)
	priority := numeric.Clamp01(t.Priority)
	assoc := numeric.Sanitize(math.Log(float64(len(t.Associations)) + 1))
	return numeric.Clamp01(recency * priority * assoc)
}

// MemoryScore is recency × strength × access weight. The access weight
// rises from 0.5 (never accessed) toward 1.0.
func MemoryScore(m *types.Memory, now time.Time, tau time.Duration) float64 {
	recency := numeric.Recency(now.Sub(m.LastAccessedAt), tau)
	strength := numeric.Clamp01(m.Strength)
	access := 0.5 + 0.5*(1-1/(1+float64(max(m.AccessCount, 0))))
	return numeric.Clamp01(recency * strength * numeric.Sanitize(access))
}

// safeScore runs fn, treating a panic as a zero score for that candidate
func safeScore(id string, fn func() float64) (score float64) {
	defer func() {
		if r := recover(); r != nil {
			logging.Warn("workspace", "scoring %s failed: %v", id, r)
			score = 0
		}
	}()
	return numeric.Sanitize(fn())
}
