// Package memory holds the working-memory scratchpad: a small,
// capacity-bounded set of activated items that decays every tick and
// promotes evicted items to episodic memory.
package memory

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

// Config tunes the scratchpad
type Config struct {
	Capacity          int     `yaml:"capacity"`           // base slots; memory-capacity trait shifts this by up to ±2
	DecayRate         float64 `yaml:"decay_rate"`         // per second since last access
	InitialActivation float64 `yaml:"initial_activation"` // activation of a new entry
	AccessBoost       float64 `yaml:"access_boost"`       // additive boost on re-add or access
	RemoveBelow       float64 `yaml:"remove_below"`       // entries under this activation are dropped
}

// DefaultConfig returns the standard scratchpad settings
func DefaultConfig() Config {
	return Config{
		Capacity:          7,
		DecayRate:         0.01,
		InitialActivation: 0.8,
		AccessBoost:       0.2,
		RemoveBelow:       0.1,
	}
}

// maxPendingPromotions bounds promotions nobody drains (oldest dropped)
const maxPendingPromotions = 1000

// Promotion records an evicted entry written through to episodic memory
type Promotion struct {
	ContentID   string            `json:"content_id"`
	ContentType types.ContentType `json:"content_type"`
	MemoryID    string            `json:"memory_id"`
	Activation  float64           `json:"activation"`
	PromotedAt  time.Time         `json:"promoted_at"`
}

// UpdateResult summarizes one decay pass
type UpdateResult struct {
	Removed  []string // dropped below the activation floor
	Promoted []Promotion
	Len      int
}

// Scratchpad is the working-memory buffer
type Scratchpad struct {
	brain brain.Brain
	cfg   Config
	now   func() time.Time

	mu         sync.Mutex
	entries    []*types.ScratchpadEntry // insertion order
	capacity   int
	promotions []Promotion // awaiting the memory bridge
}

// NewScratchpad creates a scratchpad that promotes into b. Zero config
// fields take defaults.
func NewScratchpad(b brain.Brain, cfg Config) *Scratchpad {
	def := DefaultConfig()
	if cfg.Capacity <= 0 {
		cfg.Capacity = def.Capacity
	}
	if cfg.DecayRate <= 0 {
		cfg.DecayRate = def.DecayRate
	}
	if cfg.InitialActivation <= 0 {
		cfg.InitialActivation = def.InitialActivation
	}
	if cfg.AccessBoost <= 0 {
		cfg.AccessBoost = def.AccessBoost
	}
	if cfg.RemoveBelow <= 0 {
		cfg.RemoveBelow = def.RemoveBelow
	}
	return &Scratchpad{
		brain:    b,
		cfg:      cfg,
		now:      time.Now,
		capacity: cfg.Capacity,
	}
}

// SetClock overrides time.Now (for testing only)
func (s *Scratchpad) SetClock(now func() time.Time) {
	s.now = now
}

// Modulate derives the effective capacity from the memory-capacity trait:
// neutral keeps the base, the extremes move it by two slots
func (s *Scratchpad) Modulate(tr traits.Provider) {
	shift := int(math.Round((traits.Value(tr, traits.MemoryCapacity) - traits.Neutral) * 4))
	s.mu.Lock()
	defer s.mu.Unlock()
	s.capacity = max(s.cfg.Capacity+shift, 1)
}

// Capacity returns the effective capacity
func (s *Scratchpad) Capacity() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.capacity
}

// Len returns the number of entries
func (s *Scratchpad) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Add inserts an item at the initial activation, or boosts it when already
// present. Evicted entries are promoted to episodic memory before Add returns.
func (s *Scratchpad) Add(ctx context.Context, contentID string, typ types.ContentType, note string) (types.ScratchpadEntry, error) {
	now := s.now()

	s.mu.Lock()
	if e := s.find(contentID); e != nil {
		e.Activation = numeric.Clamp01(e.Activation + s.cfg.AccessBoost)
		e.LastAccessedAt = now
		if note != "" {
			e.Context = note
		}
		out := *e
		s.mu.Unlock()
		return out, nil
	}

	entry := &types.ScratchpadEntry{
		ContentID:      contentID,
		ContentType:    typ,
		Activation:     numeric.Clamp01(s.cfg.InitialActivation),
		Context:        note,
		AddedAt:        now,
		LastAccessedAt: now,
	}
	s.entries = append(s.entries, entry)
	out := *entry
	evicted := s.evictOverCapacity()
	s.mu.Unlock()

	_, err := s.promote(ctx, evicted)
	return out, err
}

// Access boosts an entry and returns it
func (s *Scratchpad) Access(contentID string) (types.ScratchpadEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.find(contentID)
	if e == nil {
		return types.ScratchpadEntry{}, false
	}
	e.Activation = numeric.Clamp01(e.Activation + s.cfg.AccessBoost)
	e.LastAccessedAt = s.now()
	return *e, true
}

// Update decays every entry, drops entries under the floor and evicts
// down to capacity
func (s *Scratchpad) Update(ctx context.Context) (UpdateResult, error) {
	now := s.now()
	var res UpdateResult

	s.mu.Lock()
	kept := s.entries[:0]
	for _, e := range s.entries {
		seconds := now.Sub(e.LastAccessedAt).Seconds()
		decay := math.Min(numeric.Sanitize(s.cfg.DecayRate*math.Max(seconds, 0)), 1)
		e.Activation = numeric.Clamp01(e.Activation * (1 - decay))
		if e.Activation < s.cfg.RemoveBelow {
			res.Removed = append(res.Removed, e.ContentID)
			continue
		}
		kept = append(kept, e)
	}
	for i := len(kept); i < len(s.entries); i++ {
		s.entries[i] = nil
	}
	s.entries = kept
	evicted := s.evictOverCapacity()
	res.Len = len(s.entries)
	s.mu.Unlock()

	promoted, err := s.promote(ctx, evicted)
	res.Promoted = promoted
	return res, err
}

// Entries returns copies of the entries, most active first
func (s *Scratchpad) Entries() []types.ScratchpadEntry {
	s.mu.Lock()
	out := make([]types.ScratchpadEntry, len(s.entries))
	for i, e := range s.entries {
		out[i] = *e
	}
	s.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Activation > out[j].Activation
	})
	return out
}

// DrainPromotions returns and clears promotions not yet consumed
func (s *Scratchpad) DrainPromotions() []Promotion {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.promotions
	s.promotions = nil
	return out
}

func (s *Scratchpad) find(contentID string) *types.ScratchpadEntry {
	for _, e := range s.entries {
		if e.ContentID == contentID {
			return e
		}
	}
	return nil
}

// evictOverCapacity removes the strictly lowest-activation entry until the
// scratchpad fits, returning the evicted entries in eviction order.
// Caller must hold s.mu.
func (s *Scratchpad) evictOverCapacity() []types.ScratchpadEntry {
	var evicted []types.ScratchpadEntry
	for len(s.entries) > s.capacity {
		lowest := 0
		for i, e := range s.entries {
			if e.Activation < s.entries[lowest].Activation {
				lowest = i
			}
		}
		evicted = append(evicted, *s.entries[lowest])
		s.entries = append(s.entries[:lowest], s.entries[lowest+1:]...)
	}
	return evicted
}

// promote writes evicted entries to episodic memory, outside the lock
func (s *Scratchpad) promote(ctx context.Context, evicted []types.ScratchpadEntry) ([]Promotion, error) {
	if len(evicted) == 0 {
		return nil, nil
	}

	var promoted []Promotion
	var firstErr error
	for _, e := range evicted {
		content := e.Context
		if content == "" {
			content = fmt.Sprintf("%s %s", e.ContentType, e.ContentID)
		}
		tags := []string{"scratchpad", "promoted", string(e.ContentType), "source:" + e.ContentID}
		memID, err := s.brain.StoreMemory(ctx, types.MemoryEpisodic, content, tags)
		if err != nil {
			logging.Warn("scratchpad", "failed to promote %s: %v", e.ContentID, err)
			if firstErr == nil {
				firstErr = fmt.Errorf("failed to promote %s: %w", e.ContentID, err)
			}
			continue
		}
		logging.Debug("scratchpad", "promoted %s (activation %.2f) to memory %s", e.ContentID, e.Activation, memID)
		promoted = append(promoted, Promotion{
			ContentID:   e.ContentID,
			ContentType: e.ContentType,
			MemoryID:    memID,
			Activation:  e.Activation,
			PromotedAt:  s.now(),
		})
	}

	s.mu.Lock()
	s.promotions = append(s.promotions, promoted...)
	if over := len(s.promotions) - maxPendingPromotions; over > 0 {
		s.promotions = append([]Promotion(nil), s.promotions[over:]...)
	}
	s.mu.Unlock()
	return promoted, firstErr
}
