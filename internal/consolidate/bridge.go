// Package consolidate is the memory bridge: strong episodic memories are
// replayed, clustered by similarity and written back as semantic memories.
package consolidate

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/vthunder/conscience/internal/brain"
	"github.com/vthunder/conscience/internal/embedding"
	"github.com/vthunder/conscience/internal/logging"
	"github.com/vthunder/conscience/internal/numeric"
	"github.com/vthunder/conscience/internal/types"
	"go.uber.org/multierr"
)

// maxTracked bounds the in-process consolidated set
const maxTracked = 10000

// ConsolidatedTag marks semantic memories written by the bridge
const ConsolidatedTag = "consolidated"

// Summarizer condenses a cluster of episodic contents into one statement.
// Optional; without one the fragments are joined.
type Summarizer interface {
	Summarize(ctx context.Context, fragments []string) (string, error)
}

// Config tunes the bridge
type Config struct {
	Threshold           float64 `yaml:"threshold"`            // minimum consolidation score
	ReplayBoost         float64 `yaml:"replay_boost"`         // strength added on replay
	ClusterCap          int     `yaml:"cluster_cap"`          // candidates compared pairwise per cycle
	SimilarityThreshold float64 `yaml:"similarity_threshold"` // strictly above this joins a cluster
	CandidateLimit      int     `yaml:"candidate_limit"`      // episodic memories scanned per cycle
	AccessSaturation    int     `yaml:"access_saturation"`    // access count at which access score reaches 1
}

// DefaultConfig returns the standard bridge settings
func DefaultConfig() Config {
	return Config{
		Threshold:           0.7,
		ReplayBoost:         0.05,
		ClusterCap:          50,
		SimilarityThreshold: 0.6,
		CandidateLimit:      500,
		AccessSaturation:    10,
	}
}

// Pair links an episodic memory to the semantic memory it consolidated into
type Pair struct {
	EpisodicID string `json:"episodic_id"`
	SemanticID string `json:"semantic_id"`
}

// Candidate is an episodic memory with its consolidation score
type Candidate struct {
	Memory *types.Memory
	Score  float64
}

// Result summarizes one bridge cycle
type Result struct {
	Candidates int
	Replayed   int
	Clusters   int
	Pairs      []Pair
}

// Bridge moves episodic memories into semantic form
type Bridge struct {
	brain      brain.Brain
	cfg        Config
	summarizer Summarizer
	now        func() time.Time

	mu   sync.Mutex
	done map[string]string // episodic id -> semantic id
}

// New creates a bridge over b. summarizer may be nil.
func New(b brain.Brain, cfg Config, summarizer Summarizer) *Bridge {
	def := DefaultConfig()
	if cfg.Threshold <= 0 {
		cfg.Threshold = def.Threshold
	}
	if cfg.ReplayBoost < 0 {
		cfg.ReplayBoost = 0
	}
	if cfg.ClusterCap <= 0 {
		cfg.ClusterCap = def.ClusterCap
	}
	if cfg.SimilarityThreshold <= 0 {
		cfg.SimilarityThreshold = def.SimilarityThreshold
	}
	if cfg.CandidateLimit <= 0 {
		cfg.CandidateLimit = def.CandidateLimit
	}
	if cfg.AccessSaturation <= 0 {
		cfg.AccessSaturation = def.AccessSaturation
	}
	return &Bridge{
		brain:      b,
		cfg:        cfg,
		summarizer: summarizer,
		now:        time.Now,
		done:       make(map[string]string),
	}
}

// SetClock overrides time.Now (for testing only)
func (b *Bridge) SetClock(now func() time.Time) {
	b.now = now
}

// ConsolidationScore is strength × (1 + access) × min(1 + age/24h, 2)
func ConsolidationScore(strength, accessScore, ageHours float64) float64 {
	strength = numeric.Clamp01(strength)
	accessScore = numeric.Clamp01(accessScore)
	age := numeric.Clamp(1+numeric.Sanitize(ageHours)/24, 1, 2)
	return numeric.Sanitize(strength * (1 + accessScore) * age)
}

// Score computes the consolidation score of m at now
func (b *Bridge) Score(m *types.Memory, now time.Time) float64 {
	access := numeric.Saturate(m.AccessCount, b.cfg.AccessSaturation)
	return ConsolidationScore(m.Strength, access, now.Sub(m.CreatedAt).Hours())
}

// SelectCandidates returns unconsolidated episodic memories scoring at or
// above the threshold. Promoted ids come first in promotion order, the
// rest by descending score.
func (b *Bridge) SelectCandidates(memories []*types.Memory, promoted []string, now time.Time) []Candidate {
	b.mu.Lock()
	done := make(map[string]bool, len(b.done))
	for id := range b.done {
		done[id] = true
	}
	b.mu.Unlock()

	rank := make(map[string]int, len(promoted))
	for i, id := range promoted {
		if _, ok := rank[id]; !ok {
			rank[id] = i
		}
	}

	var out []Candidate
	for _, m := range memories {
		if m.Type != types.MemoryEpisodic || m.ConsolidatedInto != "" || done[m.ID] {
			continue
		}
		score := b.Score(m, now)
		if score < b.cfg.Threshold {
			continue
		}
		out = append(out, Candidate{Memory: m, Score: score})
	}
	sort.SliceStable(out, func(i, j int) bool {
		ri, iPromoted := rank[out[i].Memory.ID]
		rj, jPromoted := rank[out[j].Memory.ID]
		if iPromoted != jPromoted {
			return iPromoted
		}
		if iPromoted {
			return ri < rj
		}
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Memory.ID < out[j].Memory.ID
	})
	return out
}

// ProcessBridge runs one consolidation cycle. promoted lists memory ids
// recently written by the working-memory scratchpad.
func (b *Bridge) ProcessBridge(ctx context.Context, promoted []string) (Result, error) {
	var res Result
	memories, err := b.brain.Memories(ctx, brain.MemoryQuery{
		Types:          []types.MemoryType{types.MemoryEpisodic},
		Unconsolidated: true,
		Limit:          b.cfg.CandidateLimit,
		Order:          brain.OrderStrength,
	})
	if err != nil {
		return res, fmt.Errorf("failed to load episodic memories: %w", err)
	}
	memories = b.appendPromoted(ctx, memories, promoted)

	now := b.now()
	candidates := b.SelectCandidates(memories, promoted, now)
	res.Candidates = len(candidates)

	var errs error
	res.Replayed, errs = b.replay(ctx, candidates)

	if len(candidates) > b.cfg.ClusterCap {
		candidates = candidates[:b.cfg.ClusterCap]
	}
	clusters := Cluster(candidates, b.cfg.SimilarityThreshold)
	res.Clusters = len(clusters)

	for _, cluster := range clusters {
		pairs, err := b.consolidate(ctx, cluster)
		res.Pairs = append(res.Pairs, pairs...)
		errs = multierr.Append(errs, err)
	}

	if len(res.Pairs) > 0 {
		logging.Info("bridge", "consolidated %d episodic memories into %d semantic memories", len(res.Pairs), res.Clusters)
	}
	return res, errs
}

// appendPromoted fetches promoted memories that fell outside the scan window
func (b *Bridge) appendPromoted(ctx context.Context, memories []*types.Memory, promoted []string) []*types.Memory {
	have := make(map[string]bool, len(memories))
	for _, m := range memories {
		have[m.ID] = true
	}
	for _, id := range promoted {
		if have[id] {
			continue
		}
		m, err := b.brain.GetMemory(ctx, id)
		if err != nil {
			logging.Debug("bridge", "promoted memory %s unavailable: %v", id, err)
			continue
		}
		have[id] = true
		memories = append(memories, m)
	}
	return memories
}

// replay models hippocampal replay: each candidate is touched and strengthened
func (b *Bridge) replay(ctx context.Context, candidates []Candidate) (int, error) {
	replayed := 0
	var errs error
	for _, c := range candidates {
		m := c.Memory
		if err := b.brain.TouchMemory(ctx, m.ID); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("replay %s: %w", m.ID, err))
			continue
		}
		boosted := numeric.Clamp01(m.Strength + b.cfg.ReplayBoost)
		if err := b.brain.UpdateMemoryStrength(ctx, m.ID, boosted); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("replay %s: %w", m.ID, err))
			continue
		}
		m.Strength = boosted
		m.AccessCount++
		replayed++
	}
	return replayed, errs
}

// Cluster groups candidates into connected components of the similarity
// graph (edges strictly above threshold). Component order follows the
// first member's position in candidates.
func Cluster(candidates []Candidate, threshold float64) [][]*types.Memory {
	if len(candidates) == 0 {
		return nil
	}

	// Build adjacency list from similar pairs
	adjacency := make([][]int, len(candidates))
	for i := 0; i < len(candidates); i++ {
		for j := i + 1; j < len(candidates); j++ {
			if embedding.MemorySimilarity(candidates[i].Memory, candidates[j].Memory) > threshold {
				adjacency[i] = append(adjacency[i], j)
				adjacency[j] = append(adjacency[j], i)
			}
		}
	}

	// Find connected components using DFS
	visited := make([]bool, len(candidates))
	var groups [][]*types.Memory

	var dfs func(i int, group *[]*types.Memory)
	dfs = func(i int, group *[]*types.Memory) {
		if visited[i] {
			return
		}
		visited[i] = true
		*group = append(*group, candidates[i].Memory)

		// Visit neighbors
		for _, n := range adjacency[i] {
			dfs(n, group)
		}
	}

	for i := range candidates {
		if visited[i] {
			continue
		}
		var group []*types.Memory
		dfs(i, &group)
		groups = append(groups, group)
	}
	return groups
}

// consolidate writes one semantic memory for a cluster and marks its members
func (b *Bridge) consolidate(ctx context.Context, cluster []*types.Memory) ([]Pair, error) {
	fragments := make([]string, len(cluster))
	tagSet := make(map[string]bool)
	var tags []string
	var strengthSum float64
	var embeddings [][]float64
	for i, m := range cluster {
		fragments[i] = m.Content
		for _, t := range m.Tags {
			if !tagSet[t] {
				tagSet[t] = true
				tags = append(tags, t)
			}
		}
		strengthSum += numeric.Clamp01(m.Strength)
		if len(m.Embedding) > 0 {
			embeddings = append(embeddings, m.Embedding)
		}
	}
	if !tagSet[ConsolidatedTag] {
		tags = append(tags, ConsolidatedTag)
	}

	content := strings.Join(fragments, " | ")
	if b.summarizer != nil {
		summary, err := b.summarizer.Summarize(ctx, fragments)
		if err != nil {
			logging.Warn("bridge", "summarizer failed, joining fragments: %v", err)
		} else if strings.TrimSpace(summary) != "" {
			content = summary
		}
	}

	semanticID, err := b.brain.StoreMemory(ctx, types.MemorySemantic, content, tags)
	if err != nil {
		return nil, fmt.Errorf("failed to store semantic memory: %w", err)
	}
	var errs error
	if err := b.brain.UpdateMemoryStrength(ctx, semanticID, strengthSum/float64(len(cluster))); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("semantic %s strength: %w", semanticID, err))
	}
	if setter, ok := b.brain.(brain.EmbeddingSetter); ok && len(embeddings) > 0 {
		if centroid := embedding.AverageEmbeddings(embeddings); centroid != nil {
			if err := setter.SetMemoryEmbedding(ctx, semanticID, centroid); err != nil {
				errs = multierr.Append(errs, fmt.Errorf("semantic %s embedding: %w", semanticID, err))
			}
		}
	}

	var pairs []Pair
	for _, m := range cluster {
		if err := b.brain.MarkConsolidated(ctx, m.ID, semanticID); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("mark %s: %w", m.ID, err))
			continue
		}
		b.mu.Lock()
		if len(b.done) >= maxTracked {
			// The Brain's consolidated marker remains the durable guard
			b.done = make(map[string]string)
		}
		b.done[m.ID] = semanticID
		b.mu.Unlock()
		pairs = append(pairs, Pair{EpisodicID: m.ID, SemanticID: semanticID})
		logging.Debug("bridge", "%s -> %s: %s", m.ID, semanticID, logging.Truncate(m.Content, 60))
	}
	return pairs, errs
}

// Consolidated reports the semantic id an episodic memory was folded into
func (b *Bridge) Consolidated(episodicID string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id, ok := b.done[episodicID]
	return id, ok
}
