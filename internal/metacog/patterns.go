// Package metacog detects recurring experience patterns: experiences whose
// normalized (action kind, action payload) signature repeats.
package metacog

import (
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/vthunder/conscience/internal/numeric"
	"github.com/vthunder/conscience/internal/types"
	"github.com/zeebo/blake3"
)

// PatternDetector counts experience signatures and reports the ones that
// repeat often enough to be treated as patterns
type PatternDetector struct {
	mu       sync.RWMutex
	patterns map[string]*entry
	now      func() time.Time

	// Configuration
	config PatternConfig
}

// PatternConfig holds detection configuration
type PatternConfig struct {
	MinOccurrences int           `yaml:"min_occurrences"` // repeats before a signature counts as a pattern (default 3)
	SaturateAt     int           `yaml:"saturate_at"`     // occurrences at which strength reaches 1 (default 10)
	MaxPatternAge  time.Duration `yaml:"max_pattern_age"` // unseen patterns are discarded after this (default 7 days)
	MaxPatterns    int           `yaml:"max_patterns"`    // tracked signatures; least recently seen evicted (default 1000)
}

// DefaultPatternConfig returns sensible defaults
func DefaultPatternConfig() PatternConfig {
	return PatternConfig{
		MinOccurrences: 3,
		SaturateAt:     10,
		MaxPatternAge:  7 * 24 * time.Hour,
		MaxPatterns:    1000,
	}
}

type entry struct {
	pattern   types.Pattern
	rewardN   int
	rewardSum float64
}

// NewPatternDetector creates a new pattern detector
func NewPatternDetector(config PatternConfig) *PatternDetector {
	def := DefaultPatternConfig()
	if config.MinOccurrences <= 0 {
		config.MinOccurrences = def.MinOccurrences
	}
	if config.SaturateAt <= 0 {
		config.SaturateAt = def.SaturateAt
	}
	if config.MaxPatternAge <= 0 {
		config.MaxPatternAge = def.MaxPatternAge
	}
	if config.MaxPatterns <= 0 {
		config.MaxPatterns = def.MaxPatterns
	}
	return &PatternDetector{
		patterns: make(map[string]*entry),
		now:      time.Now,
		config:   config,
	}
}

// SetClock overrides time.Now (for testing only)
func (pd *PatternDetector) SetClock(now func() time.Time) {
	pd.now = now
}

// Record counts one experience. It returns the updated pattern and whether
// the signature has reached MinOccurrences.
func (pd *PatternDetector) Record(e *types.Experience) (types.Pattern, bool) {
	sig := Signature(e)
	seen := e.CreatedAt
	if seen.IsZero() {
		seen = pd.now()
	}

	pd.mu.Lock()
	defer pd.mu.Unlock()

	en, exists := pd.patterns[sig]
	if !exists {
		pd.evictIfFull()
		en = &entry{pattern: types.Pattern{
			ID:         PatternID(sig),
			Signature:  sig,
			ActionKind: e.ActionKind,
			FirstSeen:  seen,
		}}
		pd.patterns[sig] = en
	}

	p := &en.pattern
	p.Occurrences++
	if seen.After(p.LastSeen) {
		p.LastSeen = seen
	}
	if e.Reward != nil {
		en.rewardN++
		en.rewardSum += numeric.Sanitize(*e.Reward)
		p.MeanReward = en.rewardSum / float64(en.rewardN)
	}
	p.Strength = numeric.Saturate(p.Occurrences, pd.config.SaturateAt)

	return *p, p.Occurrences >= pd.config.MinOccurrences
}

// evictIfFull drops the least recently seen signature. Caller holds pd.mu.
func (pd *PatternDetector) evictIfFull() {
	if len(pd.patterns) < pd.config.MaxPatterns {
		return
	}
	var oldest string
	var oldestSeen time.Time
	for sig, en := range pd.patterns {
		if oldest == "" || en.pattern.LastSeen.Before(oldestSeen) {
			oldest, oldestSeen = sig, en.pattern.LastSeen
		}
	}
	delete(pd.patterns, oldest)
}

// Established returns patterns that reached MinOccurrences and are not stale,
// strongest first
func (pd *PatternDetector) Established() []types.Pattern {
	pd.mu.RLock()
	defer pd.mu.RUnlock()

	cutoff := pd.now().Add(-pd.config.MaxPatternAge)
	var result []types.Pattern
	for _, en := range pd.patterns {
		if en.pattern.Occurrences < pd.config.MinOccurrences {
			continue
		}
		if en.pattern.LastSeen.Before(cutoff) {
			continue
		}
		result = append(result, en.pattern)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Strength != result[j].Strength {
			return result[i].Strength > result[j].Strength
		}
		return result[i].ID < result[j].ID
	})
	return result
}

// Prune removes old patterns
func (pd *PatternDetector) Prune() int {
	pd.mu.Lock()
	defer pd.mu.Unlock()

	cutoff := pd.now().Add(-pd.config.MaxPatternAge)
	removed := 0

	for sig, en := range pd.patterns {
		if en.pattern.LastSeen.Before(cutoff) {
			delete(pd.patterns, sig)
			removed++
		}
	}

	return removed
}

// Stats returns statistics about patterns
func (pd *PatternDetector) Stats() map[string]int {
	pd.mu.RLock()
	defer pd.mu.RUnlock()

	stats := map[string]int{
		"total":       len(pd.patterns),
		"established": 0,
	}
	for _, en := range pd.patterns {
		if en.pattern.Occurrences >= pd.config.MinOccurrences {
			stats["established"]++
		}
	}
	return stats
}

// Signature hashes the normalized action kind and action payload. State and
// outcome are excluded so the same behavior in different contexts matches.
func Signature(e *types.Experience) string {
	var b strings.Builder
	b.WriteString(normalizeInput(e.ActionKind))

	keys := make([]string, 0, len(e.Action))
	for k := range e.Action {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "|%s=%s", normalizeInput(k), normalizeInput(fmt.Sprint(e.Action[k])))
	}
	return hashString(b.String())
}

// PatternID derives the stable pattern id for a signature
func PatternID(signature string) string {
	if len(signature) > 12 {
		signature = signature[:12]
	}
	return "pattern-" + signature
}

// normalizeInput normalizes input for comparison
func normalizeInput(input string) string {
	// Lowercase
	normalized := strings.ToLower(input)
	// Remove extra whitespace
	normalized = strings.Join(strings.Fields(normalized), " ")
	// Remove punctuation at end
	normalized = strings.TrimRight(normalized, "?!.")
	return normalized
}

// hashString creates a hash of a string
func hashString(s string) string {
	h := blake3.Sum256([]byte(s))
	return hex.EncodeToString(h[:])
}
