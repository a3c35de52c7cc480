package types

import "time"

// ThoughtState is the lifecycle state of a thought
type ThoughtState string

const (
	ThoughtActive    ThoughtState = "active"
	ThoughtPaused    ThoughtState = "paused"
	ThoughtCompleted ThoughtState = "completed"
	ThoughtMerged    ThoughtState = "merged"    // folded into another thought
	ThoughtDiscarded ThoughtState = "discarded" // cancelled; terminal
)

// Thought is a unit of ongoing cognition owned by the Brain
type Thought struct {
	ID           string         `json:"id"`
	ThreadID     string         `json:"thread_id"`
	Content      map[string]any `json:"content"`
	Priority     float64        `json:"priority"` // 0.0-1.0
	State        ThoughtState   `json:"state"`
	Associations []string       `json:"associations,omitempty"` // ids of associated thoughts (set semantics)
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// Text returns the human-readable part of the thought content
func (t *Thought) Text() string {
	if t == nil || t.Content == nil {
		return ""
	}
	if s, ok := t.Content["text"].(string); ok {
		return s
	}
	return ""
}

// MemoryType classifies a memory record
type MemoryType string

const (
	MemoryEpisodic    MemoryType = "episodic"
	MemorySemantic    MemoryType = "semantic"
	MemoryProcedural  MemoryType = "procedural"
	MemoryWorking     MemoryType = "working"
	MemoryAssociative MemoryType = "associative"
	MemoryEmotional   MemoryType = "emotional"
	MemorySpatial     MemoryType = "spatial"
	MemoryTemporal    MemoryType = "temporal"
	MemoryLongTerm    MemoryType = "long_term"
)

// Memory is a stored memory record. Strength is always kept in [0,1].
type Memory struct {
	ID             string     `json:"id"`
	Type           MemoryType `json:"type"`
	Content        string     `json:"content"`
	Tags           []string   `json:"tags,omitempty"`
	Embedding      []float64  `json:"embedding,omitempty"` // populated by the Brain when it embeds
	Strength       float64    `json:"strength"`
	AccessCount    int        `json:"access_count"`
	CreatedAt      time.Time  `json:"created_at"`
	LastAccessedAt time.Time  `json:"last_accessed_at"`

	// Set on episodic memories once the bridge has written a semantic form
	ConsolidatedInto string `json:"consolidated_into,omitempty"`
}

// HasTag reports whether the memory carries the given tag
func (m *Memory) HasTag(tag string) bool {
	for _, t := range m.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Experience is an immutable (state, action, result, reward) record
type Experience struct {
	ID             string         `json:"id"`
	ActionKind     string         `json:"action_kind"`
	StateSnapshot  map[string]any `json:"state_snapshot,omitempty"`
	Action         map[string]any `json:"action,omitempty"`
	ResultingState map[string]any `json:"resulting_state,omitempty"`
	Reward         *float64       `json:"reward,omitempty"`
	MemoryIDs      []string       `json:"memory_ids,omitempty"` // memories this experience touched
	CreatedAt      time.Time      `json:"created_at"`
}

// RewardValue returns the reward or 0 when absent
func (e *Experience) RewardValue() float64 {
	if e == nil || e.Reward == nil {
		return 0
	}
	return *e.Reward
}

// Association is an undirected edge between two memories.
// MemoryA is always the lexically smaller id.
type Association struct {
	MemoryA   string    `json:"memory_id_a"`
	MemoryB   string    `json:"memory_id_b"`
	Strength  float64   `json:"strength"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Other returns the endpoint opposite to id
func (a Association) Other(id string) string {
	if a.MemoryA == id {
		return a.MemoryB
	}
	return a.MemoryA
}

// OrderedPair returns the canonical (a, b) ordering used for association keys
func OrderedPair(a, b string) (string, string) {
	if b < a {
		return b, a
	}
	return a, b
}

// Pattern is a recurring experience signature detected by the background daemon
type Pattern struct {
	ID          string    `json:"id"`
	Signature   string    `json:"signature"`
	ActionKind  string    `json:"action_kind"`
	Occurrences int       `json:"occurrences"`
	MeanReward  float64   `json:"mean_reward"`
	Strength    float64   `json:"strength"`
	FirstSeen   time.Time `json:"first_seen"`
	LastSeen    time.Time `json:"last_seen"`
}

// ContentType identifies what a scratchpad entry refers to
type ContentType string

const (
	ContentMemory     ContentType = "memory"
	ContentThought    ContentType = "thought"
	ContentExperience ContentType = "experience"
)

// ScratchpadEntry is one slot of working memory
type ScratchpadEntry struct {
	ContentID      string      `json:"content_id"`
	ContentType    ContentType `json:"content_type"`
	Activation     float64     `json:"activation"`
	Context        string      `json:"context,omitempty"`
	AddedAt        time.Time   `json:"added_at"`
	LastAccessedAt time.Time   `json:"last_accessed_at"`
}

// IdentityMarker is a reinforceable trait inferred from history.
// Strength is the value at LastObservedAt; it decays from there.
type IdentityMarker struct {
	MarkerType     string    `json:"marker_type"`
	Strength       float64   `json:"strength"`
	LastObservedAt time.Time `json:"last_observed_at"`
}

// TimeSpan is a closed [Start, End] interval
type TimeSpan struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Narrative is an immutable snapshot of the running self-narrative
type Narrative struct {
	ID             string    `json:"id"`
	KeyEvents      []string  `json:"key_events"`
	TemporalSpan   TimeSpan  `json:"temporal_span"`
	CoherenceScore float64   `json:"coherence_score"`
	Summary        string    `json:"summary,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}
