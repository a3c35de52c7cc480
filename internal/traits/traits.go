// Package traits exposes named scalar values in [0,1] computed elsewhere
// (genetics plus environment). Unknown names read as Neutral.
package traits

import (
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/vthunder/conscience/internal/numeric"
	"gopkg.in/yaml.v3"
)

// Neutral is returned for absent or unknown traits
const Neutral = 0.5

// Well-known trait names read by the loop components
const (
	AttentionSpan  = "attention-span"
	MemoryCapacity = "memory-capacity"
	Curiosity      = "curiosity"
	Focus          = "focus"
	Sociability    = "sociability"
)

// Provider is the trait lookup contract
type Provider interface {
	Trait(name string) (float64, bool)
}

// Snapshotter is implemented by providers that can list every trait they know
type Snapshotter interface {
	Snapshot() map[string]float64
}

// Value reads a trait, falling back to Neutral for nil providers, unknown
// names and non-finite values
func Value(p Provider, name string) float64 {
	if p == nil {
		return Neutral
	}
	v, ok := p.Trait(name)
	if !ok || !numeric.Valid(v) {
		return Neutral
	}
	return numeric.Clamp01(v)
}

// Modulation maps a trait onto a multiplier in [0.75, 1.25]; Neutral maps to 1.0
func Modulation(p Provider, name string) float64 {
	return 0.75 + 0.5*Value(p, name)
}

// Static is a fixed, mutable-by-Set trait table
type Static struct {
	mu     sync.RWMutex
	values map[string]float64
}

// NewStatic creates a static provider from a map (values are clamped)
func NewStatic(values map[string]float64) *Static {
	s := &Static{values: make(map[string]float64, len(values))}
	for k, v := range values {
		s.values[k] = numeric.Clamp01(v)
	}
	return s
}

// LoadStatic reads a YAML mapping of trait name to value
func LoadStatic(path string) (*Static, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read traits file: %w", err)
	}
	var values map[string]float64
	if err := yaml.Unmarshal(data, &values); err != nil {
		return nil, fmt.Errorf("failed to parse traits file: %w", err)
	}
	return NewStatic(values), nil
}

// Trait implements Provider
func (s *Static) Trait(name string) (float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[name]
	return v, ok
}

// Set updates one trait (recalculation hook for external cadences)
func (s *Static) Set(name string, value float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[name] = numeric.Clamp01(value)
}

// Snapshot implements Snapshotter
func (s *Static) Snapshot() map[string]float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]float64, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

// Snapshot is an immutable copy of trait values taken once per tick
type Snapshot map[string]float64

// Trait implements Provider
func (s Snapshot) Trait(name string) (float64, bool) {
	v, ok := s[name]
	return v, ok
}

// Names returns the trait names in sorted order
func (s Snapshot) Names() []string {
	names := make([]string, 0, len(s))
	for k := range s {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Capture copies the provider's values. Providers that cannot enumerate
// themselves are sampled for the well-known names only.
func Capture(p Provider) Snapshot {
	snap := make(Snapshot)
	if p == nil {
		return snap
	}
	if s, ok := p.(Snapshotter); ok {
		for k, v := range s.Snapshot() {
			if numeric.Valid(v) {
				snap[k] = numeric.Clamp01(v)
			}
		}
		return snap
	}
	for _, name := range []string{AttentionSpan, MemoryCapacity, Curiosity, Focus, Sociability} {
		if v, ok := p.Trait(name); ok && numeric.Valid(v) {
			snap[name] = numeric.Clamp01(v)
		}
	}
	return snap
}
