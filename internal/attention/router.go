// Package attention computes salience over Brain candidates and allocates
// attention weights by proportional normalization.
package attention

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/vthunder/conscience/internal/brain"
	"github.com/vthunder/conscience/internal/logging"
	"github.com/vthunder/conscience/internal/numeric"
	"github.com/vthunder/conscience/internal/traits"
	"github.com/vthunder/conscience/internal/types"
)

// Config tunes salience computation
type Config struct {
	ThoughtTau     time.Duration `yaml:"thought_tau"`
	MemoryTau      time.Duration `yaml:"memory_tau"`
	CandidateLimit int           `yaml:"candidate_limit"`
	SaturateAt     int           `yaml:"saturate_at"` // counts at which association/access scores reach 1
}

// DefaultConfig returns the standard router settings
func DefaultConfig() Config {
	return Config{
		ThoughtTau:     60 * time.Second,
		MemoryTau:      time.Hour,
		CandidateLimit: 100,
		SaturateAt:     10,
	}
}

// Salience is one candidate's computed attention-worthiness
type Salience struct {
	ID    string            `json:"id"`
	Kind  types.ContentType `json:"kind"`
	Value float64           `json:"value"`
}

// Allocation is the output of one routing pass
type Allocation struct {
	Saliences []Salience
	Weights   map[string]float64
	Top       string
	TopWeight float64
	Prev      string
	Shifted   bool
}

// ShiftCallback is called when the top-weighted candidate changes
type ShiftCallback func(from, to string, weight float64)

// Router allocates attention across thoughts and memories
type Router struct {
	brain brain.Brain
	cfg   Config
	now   func() time.Time

	mu       sync.RWMutex
	weights  map[string]float64
	top      string
	callback ShiftCallback
}

// New creates a router over b. Zero config fields take defaults.
func New(b brain.Brain, cfg Config) *Router {
	def := DefaultConfig()
	if cfg.ThoughtTau <= 0 {
		cfg.ThoughtTau = def.ThoughtTau
	}
	if cfg.MemoryTau <= 0 {
		cfg.MemoryTau = def.MemoryTau
	}
	if cfg.CandidateLimit <= 0 {
		cfg.CandidateLimit = def.CandidateLimit
	}
	if cfg.SaturateAt <= 0 {
		cfg.SaturateAt = def.SaturateAt
	}
	return &Router{
		brain:   b,
		cfg:     cfg,
		now:     time.Now,
		weights: make(map[string]float64),
	}
}

// SetClock overrides time.Now (for testing only)
func (r *Router) SetClock(now func() time.Time) {
	r.now = now
}

// SetCallback sets the callback for focus shifts
func (r *Router) SetCallback(cb ShiftCallback) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.callback = cb
}

// Weights returns a copy of the last allocation
func (r *Router) Weights() map[string]float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]float64, len(r.weights))
	for k, v := range r.weights {
		out[k] = v
	}
	return out
}

// Current returns the id holding the most attention
func (r *Router) Current() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.top
}

// RouteAttention computes salience for every candidate and normalizes it
// into weights. A Brain failure skips the pass and keeps the last allocation.
func (r *Router) RouteAttention(ctx context.Context, tr traits.Provider) (Allocation, error) {
	thoughts, err := r.brain.Thoughts(ctx, brain.ThoughtQuery{
		States: []types.ThoughtState{types.ThoughtActive},
		Limit:  r.cfg.CandidateLimit,
	})
	if err != nil {
		return Allocation{}, fmt.Errorf("failed to load thoughts: %w", err)
	}
	memories, err := r.brain.Memories(ctx, brain.MemoryQuery{
		Limit: r.cfg.CandidateLimit,
		Order: brain.OrderRecent,
	})
	if err != nil {
		return Allocation{}, fmt.Errorf("failed to load memories: %w", err)
	}

	now := r.now()
	span := traits.Modulation(tr, traits.AttentionSpan)
	curiosity := traits.Modulation(tr, traits.Curiosity)

	saliences := make([]Salience, 0, len(thoughts)+len(memories))
	for _, t := range thoughts {
		saliences = append(saliences, Salience{
			ID:    t.ID,
			Kind:  types.ContentThought,
			Value: numeric.Sanitize(r.thoughtSalience(t, now) * span),
		})
	}
	for _, m := range memories {
		saliences = append(saliences, Salience{
			ID:    m.ID,
			Kind:  types.ContentMemory,
			Value: numeric.Sanitize(r.memorySalience(ctx, m, now) * curiosity),
		})
	}

	values := make([]float64, len(saliences))
	for i, s := range saliences {
		values[i] = s.Value
	}
	normalized := Normalize(values)

	alloc := Allocation{Saliences: saliences, Weights: make(map[string]float64, len(saliences))}
	for i, s := range saliences {
		alloc.Weights[s.ID] = normalized[i]
		if normalized[i] > alloc.TopWeight {
			alloc.Top = s.ID
			alloc.TopWeight = normalized[i]
		}
	}

	r.mu.Lock()
	alloc.Prev = r.top
	r.weights = alloc.Weights
	if alloc.Top != "" && alloc.Top != r.top {
		alloc.Shifted = true
	}
	if alloc.Top != "" {
		r.top = alloc.Top
	}
	callback := r.callback
	r.mu.Unlock()

	// Notify callback (outside lock)
	if alloc.Shifted && callback != nil {
		callback(alloc.Prev, alloc.Top, alloc.TopWeight)
	}

	logging.Debug("attention", "routed %d candidates (top=%s weight=%.3f)", len(saliences), alloc.Top, alloc.TopWeight)
	return alloc, nil
}

// thoughtSalience is 0.4·priority + 0.3·recency + 0.2·association + 0.1·access.
// Access is the recency of the last update.
func (r *Router) thoughtSalience(t *types.Thought, now time.Time) float64 {
	priority := numeric.Clamp01(t.Priority)
	recency := numeric.Recency(now.Sub(t.CreatedAt), r.cfg.ThoughtTau)
	assoc := numeric.Saturate(len(t.Associations), r.cfg.SaturateAt)
	access := numeric.Recency(now.Sub(t.UpdatedAt), r.cfg.ThoughtTau)
	return 0.4*priority + 0.3*recency + 0.2*assoc + 0.1*access
}

// memorySalience is 0.4·strength + 0.3·recency + 0.2·access frequency + 0.1·association count
func (r *Router) memorySalience(ctx context.Context, m *types.Memory, now time.Time) float64 {
	strength := numeric.Clamp01(m.Strength)
	recency := numeric.Recency(now.Sub(m.LastAccessedAt), r.cfg.MemoryTau)
	access := numeric.Saturate(m.AccessCount, r.cfg.SaturateAt)

	var assoc float64
	edges, err := r.brain.Associations(ctx, m.ID)
	if err != nil {
		logging.Debug("attention", "associations for %s unavailable: %v", m.ID, err)
	} else {
		assoc = numeric.Saturate(len(edges), r.cfg.SaturateAt)
	}
	return 0.4*strength + 0.3*recency + 0.2*access + 0.1*assoc
}

// Normalize divides each salience by the total. NaN, infinite and negative
// inputs count as 0 on both sides; a zero total yields all-zero weights.
func Normalize(saliences []float64) []float64 {
	weights := make([]float64, len(saliences))
	var total float64
	for _, s := range saliences {
		if numeric.Valid(s) {
			total += s
		}
	}
	if total <= 0 || !numeric.Valid(total) {
		return weights
	}
	for i, s := range saliences {
		if numeric.Valid(s) {
			weights[i] = s / total
		}
	}
	return weights
}
