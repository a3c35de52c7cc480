// Package dreaming replays buffered experiences offline: a batch is drawn
// epsilon-greedily by reward priority and each replay re-strengthens the
// memories and patterns the experience touched.
package dreaming

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/vthunder/conscience/internal/brain"
	"github.com/vthunder/conscience/internal/logging"
	"github.com/vthunder/conscience/internal/metacog"
	"github.com/vthunder/conscience/internal/numeric"
	"github.com/vthunder/conscience/internal/types"
	"go.uber.org/multierr"
)

// Config tunes the dreaming loop. The epsilon fields are taken as given
// (zero disables exploration); start from DefaultConfig.
type Config struct {
	Every         int      `yaml:"every"`          // orchestrator ticks between replays
	BufferSize    int      `yaml:"buffer_size"`    // replay buffer capacity
	BatchSize     int      `yaml:"batch_size"`     // experiences replayed per call
	RefreshLimit  int      `yaml:"refresh_limit"`  // experiences pulled from the brain per call
	Epsilon       float64  `yaml:"epsilon"`        // initial exploration probability
	EpsilonMin    float64  `yaml:"epsilon_min"`    // exploration floor
	EpsilonDecay  float64  `yaml:"epsilon_decay"`  // per-call multiplicative decay
	Strategy      Strategy `yaml:"exploit"`        // proportional or greedy
	MemoryBoost   float64  `yaml:"memory_boost"`   // strength added to replayed memories
	NeighborLimit int      `yaml:"neighbor_limit"` // similar memories boosted at half strength
	PatternBoost  float64  `yaml:"pattern_boost"`
	Seed          uint64   `yaml:"seed"` // 0 seeds from the clock
}

// DefaultConfig returns the standard dreaming settings
func DefaultConfig() Config {
	return Config{
		Every:         10,
		BufferSize:    DefaultBufferSize,
		BatchSize:     32,
		RefreshLimit:  500,
		Epsilon:       0.3,
		EpsilonMin:    0.05,
		EpsilonDecay:  0.995,
		Strategy:      Proportional,
		MemoryBoost:   0.05,
		NeighborLimit: 3,
		PatternBoost:  0.05,
	}
}

// Result describes one replay call
type Result struct {
	Replayed             int
	Explored             int
	Exploited            int
	Epsilon              float64
	BufferLen            int
	MemoriesStrengthened int
	PatternsReinforced   int
	ExperienceIDs        []string
}

// Stats accumulates replay activity across calls
type Stats struct {
	Calls                int       `json:"calls"`
	Replayed             int       `json:"replayed"`
	Explored             int       `json:"explored"`
	Exploited            int       `json:"exploited"`
	MemoriesStrengthened int       `json:"memories_strengthened"`
	PatternsReinforced   int       `json:"patterns_reinforced"`
	Epsilon              float64   `json:"epsilon"`
	BufferDropped        uint64    `json:"buffer_dropped"`
	LastReplay           time.Time `json:"last_replay"`
}

// Loop is the dreaming component
type Loop struct {
	brain   brain.Brain
	cfg     Config
	buffer  *ReplayBuffer
	sampler *Sampler
	now     func() time.Time

	mu     sync.Mutex
	cursor brain.ExperienceCursor
	stats  Stats
}

// New creates a dreaming loop over b. Zero sizes and periods take defaults.
func New(b brain.Brain, cfg Config) *Loop {
	def := DefaultConfig()
	if cfg.Every <= 0 {
		cfg.Every = def.Every
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.RefreshLimit <= 0 {
		cfg.RefreshLimit = def.RefreshLimit
	}
	if cfg.EpsilonDecay <= 0 {
		cfg.EpsilonDecay = def.EpsilonDecay
	}
	if cfg.Strategy == "" {
		cfg.Strategy = def.Strategy
	}
	if cfg.MemoryBoost < 0 {
		cfg.MemoryBoost = 0
	}
	if cfg.NeighborLimit < 0 {
		cfg.NeighborLimit = 0
	}
	if cfg.PatternBoost < 0 {
		cfg.PatternBoost = 0
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	return &Loop{
		brain:   b,
		cfg:     cfg,
		buffer:  NewReplayBuffer(cfg.BufferSize),
		sampler: NewSampler(cfg.Strategy, seed),
		now:     time.Now,
	}
}

// SetClock overrides time.Now (for testing only)
func (l *Loop) SetClock(now func() time.Time) {
	l.now = now
}

// Every returns the replay period in orchestrator ticks
func (l *Loop) Every() int {
	return l.cfg.Every
}

// Due reports whether the given 1-based iteration should replay
func (l *Loop) Due(iteration uint64) bool {
	return iteration > 0 && iteration%uint64(l.cfg.Every) == 0
}

// Buffer exposes the replay buffer
func (l *Loop) Buffer() *ReplayBuffer {
	return l.buffer
}

// Stats returns accumulated replay statistics
func (l *Loop) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	st := l.stats
	st.BufferDropped = l.buffer.Dropped()
	return st
}

// ReplayExperiences refreshes the buffer, samples a batch and replays it
func (l *Loop) ReplayExperiences(ctx context.Context) (Result, error) {
	var errs error
	if err := l.refresh(ctx); err != nil {
		// Replay continues over what is already buffered
		errs = multierr.Append(errs, err)
	}

	l.mu.Lock()
	eps := Epsilon(l.cfg.Epsilon, l.cfg.EpsilonMin, l.cfg.EpsilonDecay, l.stats.Calls)
	l.mu.Unlock()

	items := l.buffer.Items()
	priorities := make([]float64, len(items))
	for i, e := range items {
		priorities[i] = Priority(e)
	}
	picks := l.sampler.Sample(priorities, l.cfg.BatchSize, eps)

	res := Result{Epsilon: eps, BufferLen: len(items)}
	boosted := make(map[string]bool)
	for _, p := range picks {
		e := items[p.Index]
		if p.Explored {
			res.Explored++
		} else {
			res.Exploited++
		}
		strengthened, reinforced, err := l.replay(ctx, e, boosted)
		res.MemoriesStrengthened += strengthened
		if reinforced {
			res.PatternsReinforced++
		}
		errs = multierr.Append(errs, err)
		res.Replayed++
		res.ExperienceIDs = append(res.ExperienceIDs, e.ID)
	}

	l.mu.Lock()
	l.stats.Calls++
	l.stats.Replayed += res.Replayed
	l.stats.Explored += res.Explored
	l.stats.Exploited += res.Exploited
	l.stats.MemoriesStrengthened += res.MemoriesStrengthened
	l.stats.PatternsReinforced += res.PatternsReinforced
	l.stats.Epsilon = eps
	l.stats.LastReplay = l.now()
	l.mu.Unlock()

	if res.Replayed > 0 {
		logging.Debug("dreaming", "replayed %d experiences (%d explored, ε=%.3f, buffer %d)",
			res.Replayed, res.Explored, eps, res.BufferLen)
	}
	return res, errs
}

// refresh pulls experiences past the cursor into the buffer
func (l *Loop) refresh(ctx context.Context) error {
	l.mu.Lock()
	after := l.cursor
	l.mu.Unlock()

	exps, err := l.brain.ExperiencesAfter(ctx, after, l.cfg.RefreshLimit)
	if err != nil {
		return fmt.Errorf("failed to refresh replay buffer: %w", err)
	}
	l.buffer.Add(exps...)

	if len(exps) > 0 {
		l.mu.Lock()
		l.cursor = brain.CursorAt(exps[len(exps)-1])
		l.mu.Unlock()
	}
	return nil
}

// replay re-strengthens the memories an experience touched (and their
// nearest neighbors at half boost) and reinforces its pattern
func (l *Loop) replay(ctx context.Context, e *types.Experience, boosted map[string]bool) (int, bool, error) {
	var errs error
	strengthened := 0
	for _, id := range e.MemoryIDs {
		if boosted[id] {
			continue
		}
		if err := l.boost(ctx, id, l.cfg.MemoryBoost); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		boosted[id] = true
		strengthened++

		if l.cfg.NeighborLimit == 0 {
			continue
		}
		neighbors, err := l.brain.SimilarMemories(ctx, id, l.cfg.NeighborLimit)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("neighbors of %s: %w", id, err))
			continue
		}
		for _, n := range neighbors {
			if boosted[n.ID] {
				continue
			}
			if err := l.boost(ctx, n.ID, l.cfg.MemoryBoost/2); err != nil {
				errs = multierr.Append(errs, err)
				continue
			}
			boosted[n.ID] = true
			strengthened++
		}
	}

	reinforced := false
	if l.cfg.PatternBoost > 0 {
		id := metacog.PatternID(metacog.Signature(e))
		err := l.brain.ReinforcePattern(ctx, id, l.cfg.PatternBoost)
		switch {
		case err == nil:
			reinforced = true
		case errors.Is(err, brain.ErrNotFound):
			// not yet established by the daemon
		default:
			errs = multierr.Append(errs, fmt.Errorf("reinforce %s: %w", id, err))
		}
	}
	return strengthened, reinforced, errs
}

func (l *Loop) boost(ctx context.Context, id string, amount float64) error {
	m, err := l.brain.GetMemory(ctx, id)
	if err != nil {
		return fmt.Errorf("replay memory %s: %w", id, err)
	}
	if err := l.brain.UpdateMemoryStrength(ctx, id, numeric.Clamp01(m.Strength+amount)); err != nil {
		return fmt.Errorf("replay memory %s: %w", id, err)
	}
	if err := l.brain.TouchMemory(ctx, id); err != nil {
		return fmt.Errorf("replay memory %s: %w", id, err)
	}
	return nil
}
