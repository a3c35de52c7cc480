// Package narrative maintains the running self-narrative: identity markers
// inferred from recent memories and experiences, and a bounded history of
// narrative snapshots built from the key events behind them.
package narrative

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vthunder/conscience/internal/brain"
	"github.com/vthunder/conscience/internal/embedding"
	"github.com/vthunder/conscience/internal/logging"
	"github.com/vthunder/conscience/internal/numeric"
	"github.com/vthunder/conscience/internal/traits"
	"github.com/vthunder/conscience/internal/types"
	"go.uber.org/multierr"
	"gonum.org/v1/gonum/stat"
)

// maxSeen bounds the set of event ids already classified
const maxSeen = 10000

// ThreadID is the thought thread narrative text is written to
const ThreadID = "narrative"

// Storyteller turns a narrative snapshot into prose. Optional.
type Storyteller interface {
	Tell(ctx context.Context, n types.Narrative, markers []types.IdentityMarker) (string, error)
}

// Config tunes the generator
type Config struct {
	HistoryLimit      int           `yaml:"history_limit"`       // snapshots kept
	KeyEventThreshold float64       `yaml:"key_event_threshold"` // base significance for a key event
	MemoryWindow      int           `yaml:"memory_window"`       // recent memories scanned
	ExperienceWindow  time.Duration `yaml:"experience_window"`   // how far back experiences are scanned
	ExperienceLimit   int           `yaml:"experience_limit"`
	MaxKeyEvents      int           `yaml:"max_key_events"`
	MaxMarkers        int           `yaml:"max_markers"`
	InitialStrength   float64       `yaml:"initial_strength"`
	Reinforcement     float64       `yaml:"reinforcement"`
	WeeklyRetention   float64       `yaml:"weekly_retention"` // marker strength kept per week unobserved
}

// DefaultConfig returns the standard narrative settings
func DefaultConfig() Config {
	return Config{
		HistoryLimit:      100,
		KeyEventThreshold: 0.5,
		MemoryWindow:      50,
		ExperienceWindow:  24 * time.Hour,
		ExperienceLimit:   100,
		MaxKeyEvents:      20,
		MaxMarkers:        64,
		InitialStrength:   0.3,
		Reinforcement:     0.1,
		WeeklyRetention:   0.9,
	}
}

// Result describes one update
type Result struct {
	Narrative  *types.Narrative // latest snapshot, nil before the first
	Changed    bool             // a new snapshot was appended
	NewMarkers int
	Reinforced int
}

// State is the persisted form of the generator
type State struct {
	Current *types.Narrative       `json:"narrative,omitempty"`
	Markers []types.IdentityMarker `json:"identity_markers"`
	History []types.Narrative      `json:"history,omitempty"`
}

// event is one memory or experience considered for the narrative
type event struct {
	id           string
	at           time.Time
	text         string
	significance float64
	proxy        *types.Memory // similarity surrogate
}

// Generator owns identity markers and narrative history
type Generator struct {
	brain       brain.Brain
	classifier  Classifier
	storyteller Storyteller
	cfg         Config
	now         func() time.Time

	mu          sync.RWMutex
	markers     []types.IdentityMarker
	history     []types.Narrative
	seen        map[string]bool
	lastThought string
}

// New creates a generator. A nil classifier selects the keyword classifier;
// storyteller may be nil.
func New(b brain.Brain, cfg Config, classifier Classifier, storyteller Storyteller) *Generator {
	def := DefaultConfig()
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = def.HistoryLimit
	}
	if cfg.KeyEventThreshold <= 0 {
		cfg.KeyEventThreshold = def.KeyEventThreshold
	}
	if cfg.MemoryWindow <= 0 {
		cfg.MemoryWindow = def.MemoryWindow
	}
	if cfg.ExperienceWindow <= 0 {
		cfg.ExperienceWindow = def.ExperienceWindow
	}
	if cfg.ExperienceLimit <= 0 {
		cfg.ExperienceLimit = def.ExperienceLimit
	}
	if cfg.MaxKeyEvents <= 0 {
		cfg.MaxKeyEvents = def.MaxKeyEvents
	}
	if cfg.MaxMarkers <= 0 {
		cfg.MaxMarkers = def.MaxMarkers
	}
	if cfg.InitialStrength <= 0 {
		cfg.InitialStrength = def.InitialStrength
	}
	if cfg.Reinforcement <= 0 {
		cfg.Reinforcement = def.Reinforcement
	}
	if cfg.WeeklyRetention <= 0 || cfg.WeeklyRetention > 1 {
		cfg.WeeklyRetention = def.WeeklyRetention
	}
	if classifier == nil {
		classifier = NewKeywordClassifier(nil)
	}
	return &Generator{
		brain:       b,
		classifier:  classifier,
		storyteller: storyteller,
		cfg:         cfg,
		now:         time.Now,
		seen:        make(map[string]bool),
	}
}

// SetClock overrides time.Now (for testing only)
func (g *Generator) SetClock(now func() time.Time) {
	g.now = now
}

// MarkerStrength returns the decayed strength of m at now:
// strength × retention^(days since last observed / 7)
func MarkerStrength(m types.IdentityMarker, now time.Time, retention float64) float64 {
	days := now.Sub(m.LastObservedAt).Hours() / 24
	if days < 0 {
		days = 0
	}
	return numeric.Clamp01(m.Strength * math.Pow(retention, days/7))
}

// KeyEventThreshold is base × (1 − curiosity × 0.3)
func KeyEventThreshold(base, curiosity float64) float64 {
	return numeric.Clamp01(base * (1 - numeric.Clamp01(curiosity)*0.3))
}

// Coherence is 0.6 × mean marker strength + 0.4 × event coherence, in [0,1]
func Coherence(markerStrengths []float64, eventCoherence float64) float64 {
	mean := 0.0
	if len(markerStrengths) > 0 {
		mean = numeric.Sanitize(stat.Mean(markerStrengths, nil))
	}
	return numeric.Clamp01(0.6*mean + 0.4*numeric.Clamp01(eventCoherence))
}

// EventCoherence is the mean similarity of consecutive key events.
// No events score 0 and a single event scores 0.5.
func EventCoherence(events []*types.Memory) float64 {
	switch len(events) {
	case 0:
		return 0
	case 1:
		return 0.5
	}
	sims := make([]float64, 0, len(events)-1)
	for i := 1; i < len(events); i++ {
		sims = append(sims, embedding.MemorySimilarity(events[i-1], events[i]))
	}
	return numeric.Clamp01(stat.Mean(sims, nil))
}

// UpdateNarrative classifies new content into identity markers and appends
// a narrative snapshot when the key events or coherence changed
func (g *Generator) UpdateNarrative(ctx context.Context, tr traits.Provider) (Result, error) {
	now := g.now()
	events, errs := g.loadEvents(ctx, now)
	if len(events) == 0 && errs != nil {
		return g.currentResult(), errs
	}

	// Snapshot state, release, then classify
	g.mu.RLock()
	markers := append([]types.IdentityMarker(nil), g.markers...)
	var last *types.Narrative
	if len(g.history) > 0 {
		n := g.history[len(g.history)-1]
		last = &n
	}
	fresh := make([]event, 0, len(events))
	for _, e := range events {
		if !g.seen[e.id] {
			fresh = append(fresh, e)
		}
	}
	g.mu.RUnlock()

	var res Result
	markers, res.NewMarkers, res.Reinforced = g.reinforce(markers, fresh, now)

	threshold := KeyEventThreshold(g.cfg.KeyEventThreshold, traits.Value(tr, traits.Curiosity))
	keys := selectKeyEvents(events, threshold, g.cfg.MaxKeyEvents)

	strengths := make([]float64, len(markers))
	for i, m := range markers {
		strengths[i] = MarkerStrength(m, now, g.cfg.WeeklyRetention)
	}
	proxies := make([]*types.Memory, len(keys))
	for i, e := range keys {
		proxies[i] = e.proxy
	}
	coherence := Coherence(strengths, EventCoherence(proxies))

	var next *types.Narrative
	if len(keys) > 0 || len(markers) > 0 {
		candidate := buildNarrative(keys, coherence, now)
		if last == nil || !sameStory(*last, candidate) {
			next = &candidate
		}
	}

	var summaryThought string
	if next != nil && g.storyteller != nil {
		summaryThought, errs = g.tell(ctx, next, markers, errs)
	}

	g.mu.Lock()
	g.markers = markers
	if len(g.seen) >= maxSeen {
		g.seen = make(map[string]bool)
	}
	for _, e := range fresh {
		g.seen[e.id] = true
	}
	if next != nil {
		g.history = append(g.history, *next)
		if excess := len(g.history) - g.cfg.HistoryLimit; excess > 0 {
			g.history = append([]types.Narrative(nil), g.history[excess:]...)
		}
	}
	previousThought := g.lastThought
	if summaryThought != "" {
		g.lastThought = summaryThought
	}
	g.mu.Unlock()

	if summaryThought != "" && previousThought != "" {
		if err := g.brain.SetThoughtState(ctx, previousThought, types.ThoughtCompleted); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("failed to complete narrative thought %s: %w", previousThought, err))
		}
	}

	res.Narrative = last
	if next != nil {
		res.Narrative = next
		res.Changed = true
		logging.Debug("narrative", "snapshot %s: %d key events, coherence %.3f, %d markers",
			next.ID, len(next.KeyEvents), next.CoherenceScore, len(markers))
	}
	return res, errs
}

// loadEvents reads recent memories and experiences. A failure on one
// source leaves the other usable.
func (g *Generator) loadEvents(ctx context.Context, now time.Time) ([]event, error) {
	var errs error
	var events []event

	memories, err := g.brain.Memories(ctx, brain.MemoryQuery{Limit: g.cfg.MemoryWindow, Order: brain.OrderRecent})
	if err != nil {
		errs = multierr.Append(errs, fmt.Errorf("failed to load memories: %w", err))
	}
	for _, m := range memories {
		events = append(events, event{
			id:           "memory:" + m.ID,
			at:           m.CreatedAt,
			text:         m.Content,
			significance: numeric.Clamp01(m.Strength),
			proxy:        m,
		})
	}

	exps, err := g.brain.RecentExperiences(ctx, now.Add(-g.cfg.ExperienceWindow), g.cfg.ExperienceLimit)
	if err != nil {
		errs = multierr.Append(errs, fmt.Errorf("failed to load experiences: %w", err))
	}
	for _, e := range exps {
		events = append(events, event{
			id:           "experience:" + e.ID,
			at:           e.CreatedAt,
			text:         experienceText(e),
			significance: numeric.Clamp01(math.Abs(e.RewardValue())),
			proxy:        &types.Memory{ID: e.ID, Tags: []string{e.ActionKind}},
		})
	}
	return events, errs
}

func experienceText(e *types.Experience) string {
	parts := []string{e.ActionKind}
	keys := make([]string, 0, len(e.Action))
	for k := range e.Action {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		parts = append(parts, fmt.Sprint(e.Action[k]))
	}
	return strings.Join(parts, " ")
}

// reinforce applies classifier output for unseen events to a copy of markers
func (g *Generator) reinforce(markers []types.IdentityMarker, fresh []event, now time.Time) ([]types.IdentityMarker, int, int) {
	index := make(map[string]int, len(markers))
	for i, m := range markers {
		index[m.MarkerType] = i
	}
	added, reinforced := 0, 0
	for _, e := range fresh {
		for _, typ := range g.classifier.Classify(e.text) {
			if i, ok := index[typ]; ok {
				current := MarkerStrength(markers[i], now, g.cfg.WeeklyRetention)
				markers[i].Strength = math.Min(current+g.cfg.Reinforcement, 1)
				markers[i].LastObservedAt = now
				reinforced++
				continue
			}
			index[typ] = len(markers)
			markers = append(markers, types.IdentityMarker{
				MarkerType:     typ,
				Strength:       numeric.Clamp01(g.cfg.InitialStrength),
				LastObservedAt: now,
			})
			added++
		}
	}
	if len(markers) > g.cfg.MaxMarkers {
		markers = g.dropWeakest(markers, now)
	}
	return markers, added, reinforced
}

// dropWeakest keeps the MaxMarkers strongest markers in their original order
func (g *Generator) dropWeakest(markers []types.IdentityMarker, now time.Time) []types.IdentityMarker {
	order := make([]int, len(markers))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return MarkerStrength(markers[order[a]], now, g.cfg.WeeklyRetention) >
			MarkerStrength(markers[order[b]], now, g.cfg.WeeklyRetention)
	})
	keep := make(map[int]bool, g.cfg.MaxMarkers)
	for _, i := range order[:g.cfg.MaxMarkers] {
		keep[i] = true
	}
	out := make([]types.IdentityMarker, 0, g.cfg.MaxMarkers)
	for i, m := range markers {
		if keep[i] {
			out = append(out, m)
		}
	}
	return out
}

// selectKeyEvents returns events at or above threshold, oldest first,
// keeping the most recent limit
func selectKeyEvents(events []event, threshold float64, limit int) []event {
	var keys []event
	for _, e := range events {
		if e.significance >= threshold {
			keys = append(keys, e)
		}
	}
	sort.SliceStable(keys, func(i, j int) bool {
		if !keys[i].at.Equal(keys[j].at) {
			return keys[i].at.Before(keys[j].at)
		}
		return keys[i].id < keys[j].id
	})
	if len(keys) > limit {
		keys = keys[len(keys)-limit:]
	}
	return keys
}

func buildNarrative(keys []event, coherence float64, now time.Time) types.Narrative {
	n := types.Narrative{
		ID:             uuid.NewString(),
		KeyEvents:      make([]string, len(keys)),
		CoherenceScore: coherence,
		CreatedAt:      now,
	}
	for i, e := range keys {
		n.KeyEvents[i] = e.id
	}
	if len(keys) > 0 {
		n.TemporalSpan = types.TimeSpan{Start: keys[0].at, End: keys[len(keys)-1].at}
	}
	return n
}

func sameStory(a, b types.Narrative) bool {
	if math.Abs(a.CoherenceScore-b.CoherenceScore) > 1e-9 || len(a.KeyEvents) != len(b.KeyEvents) {
		return false
	}
	for i := range a.KeyEvents {
		if a.KeyEvents[i] != b.KeyEvents[i] {
			return false
		}
	}
	return true
}

// tell asks the storyteller for prose and records it as a narrative thought
func (g *Generator) tell(ctx context.Context, n *types.Narrative, markers []types.IdentityMarker, errs error) (string, error) {
	summary, err := g.storyteller.Tell(ctx, *n, markers)
	if err != nil {
		return "", multierr.Append(errs, fmt.Errorf("storyteller failed: %w", err))
	}
	if strings.TrimSpace(summary) == "" {
		return "", errs
	}
	n.Summary = summary
	id, err := g.brain.CreateThought(ctx, ThreadID, map[string]any{
		"text":         summary,
		"kind":         "narrative",
		"narrative_id": n.ID,
	}, n.CoherenceScore)
	if err != nil {
		return "", multierr.Append(errs, fmt.Errorf("failed to store narrative thought: %w", err))
	}
	return id, errs
}

func (g *Generator) currentResult() Result {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if len(g.history) == 0 {
		return Result{}
	}
	n := g.history[len(g.history)-1]
	return Result{Narrative: &n}
}

// Current returns the latest snapshot
func (g *Generator) Current() (types.Narrative, bool) {
	r := g.currentResult()
	if r.Narrative == nil {
		return types.Narrative{}, false
	}
	return *r.Narrative, true
}

// Markers returns a copy of the identity markers as last stored
func (g *Generator) Markers() []types.IdentityMarker {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]types.IdentityMarker(nil), g.markers...)
}

// History returns a copy of the snapshot history, oldest first
func (g *Generator) History() []types.Narrative {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]types.Narrative(nil), g.history...)
}

// Snapshot captures the generator state for persistence
func (g *Generator) Snapshot() State {
	g.mu.RLock()
	defer g.mu.RUnlock()
	st := State{
		Markers: append([]types.IdentityMarker{}, g.markers...),
		History: append([]types.Narrative(nil), g.history...),
	}
	if len(g.history) > 0 {
		n := g.history[len(g.history)-1]
		st.Current = &n
	}
	return st
}

// Restore replaces the generator state with st
func (g *Generator) Restore(st State) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.markers = append([]types.IdentityMarker(nil), st.Markers...)
	g.history = append([]types.Narrative(nil), st.History...)
	if len(g.history) == 0 && st.Current != nil {
		g.history = []types.Narrative{*st.Current}
	}
	if excess := len(g.history) - g.cfg.HistoryLimit; excess > 0 {
		g.history = g.history[excess:]
	}
}
