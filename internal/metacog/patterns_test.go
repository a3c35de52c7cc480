package metacog

import (
	"testing"
	"time"

	"github.com/vthunder/conscience/internal/types"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func exp(kind string, action map[string]any, reward *float64, at time.Time) *types.Experience {
	return &types.Experience{ActionKind: kind, Action: action, Reward: reward, CreatedAt: at}
}

func reward(v float64) *float64 { return &v }

// TestPatternDetection tests basic pattern detection
func TestPatternDetection(t *testing.T) {
	detector := NewPatternDetector(DefaultPatternConfig())

	var established bool
	for i := 0; i < 3; i++ {
		_, established = detector.Record(exp("explore", map[string]any{"target": "lake"}, reward(float64(i)), base.Add(time.Duration(i)*time.Minute)))
	}
	if !established {
		t.Fatal("Expected pattern to be established after 3 occurrences")
	}

	patterns := detector.Established()
	if len(patterns) != 1 {
		t.Fatalf("Expected 1 pattern, got %d", len(patterns))
	}
	p := patterns[0]
	if p.Occurrences != 3 {
		t.Errorf("Expected 3 occurrences, got %d", p.Occurrences)
	}
	if p.MeanReward != 1.0 {
		t.Errorf("Expected mean reward 1.0, got %f", p.MeanReward)
	}
	if p.Strength != 0.3 {
		t.Errorf("Expected strength 0.3, got %f", p.Strength)
	}
	if !p.LastSeen.Equal(base.Add(2 * time.Minute)) {
		t.Errorf("Expected last seen at third experience, got %v", p.LastSeen)
	}
}

// TestPatternNotEnoughRepetitions tests that patterns need minimum repetitions
func TestPatternNotEnoughRepetitions(t *testing.T) {
	config := DefaultPatternConfig()
	config.MinOccurrences = 5
	detector := NewPatternDetector(config)

	for i := 0; i < 3; i++ {
		detector.Record(exp("rest", nil, nil, base))
	}

	if len(detector.Established()) != 0 {
		t.Error("Expected no patterns with insufficient repetitions")
	}
	if stats := detector.Stats(); stats["total"] != 1 {
		t.Errorf("Expected 1 tracked signature, got %d", stats["total"])
	}
}

// TestSignatureNormalization tests that kinds and payloads are normalized
func TestSignatureNormalization(t *testing.T) {
	a := Signature(exp("Explore", map[string]any{"target": "Lake", "speed": 2}, nil, base))
	b := Signature(exp("  explore ", map[string]any{"speed": 2, "target": "lake."}, nil, base))
	if a != b {
		t.Errorf("Expected equal signatures, got %s and %s", a, b)
	}

	c := Signature(exp("explore", map[string]any{"target": "forest"}, nil, base))
	if a == c {
		t.Error("Expected different payloads to produce different signatures")
	}

	withState := &types.Experience{ActionKind: "explore", Action: map[string]any{"target": "forest"}, StateSnapshot: map[string]any{"mood": "calm"}}
	if Signature(withState) != c {
		t.Error("Expected state to be excluded from the signature")
	}

	if len(a) != 64 {
		t.Errorf("Expected 64 hex chars, got %d", len(a))
	}
	if id := PatternID(a); id != "pattern-"+a[:12] {
		t.Errorf("Unexpected pattern id %s", id)
	}
}

// TestPrune tests removing old patterns
func TestPrune(t *testing.T) {
	config := DefaultPatternConfig()
	config.MaxPatternAge = time.Hour
	detector := NewPatternDetector(config)
	detector.SetClock(func() time.Time { return base.Add(2 * time.Hour) })

	detector.Record(exp("old", nil, nil, base))
	detector.Record(exp("new", nil, nil, base.Add(90*time.Minute)))

	removed := detector.Prune()
	if removed != 1 {
		t.Errorf("Expected 1 pattern pruned, got %d", removed)
	}
	if stats := detector.Stats(); stats["total"] != 1 {
		t.Errorf("Expected 1 pattern left, got %d", stats["total"])
	}
}

// TestMaxPatterns tests eviction of the least recently seen signature
func TestMaxPatterns(t *testing.T) {
	config := DefaultPatternConfig()
	config.MaxPatterns = 2
	detector := NewPatternDetector(config)

	detector.Record(exp("a", nil, nil, base))
	detector.Record(exp("b", nil, nil, base.Add(time.Minute)))
	detector.Record(exp("c", nil, nil, base.Add(2*time.Minute)))

	if stats := detector.Stats(); stats["total"] != 2 {
		t.Fatalf("Expected 2 tracked signatures, got %d", stats["total"])
	}
	p, _ := detector.Record(exp("a", nil, nil, base.Add(3*time.Minute)))
	if p.Occurrences != 1 {
		t.Errorf("Expected evicted signature to restart at 1, got %d", p.Occurrences)
	}
}
