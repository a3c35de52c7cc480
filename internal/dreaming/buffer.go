package dreaming

import (
	"sync"

	"github.com/vthunder/conscience/internal/types"
)

// DefaultBufferSize bounds the replay buffer
const DefaultBufferSize = 10000

// ReplayBuffer holds recent experiences for offline replay. When full, the
// oldest experience is dropped to make room.
type ReplayBuffer struct {
	mu      sync.Mutex
	items   []*types.Experience
	ids     map[string]bool
	maxSize int
	dropped uint64
}

// NewReplayBuffer creates a buffer; maxSize <= 0 uses DefaultBufferSize
func NewReplayBuffer(maxSize int) *ReplayBuffer {
	if maxSize <= 0 {
		maxSize = DefaultBufferSize
	}
	return &ReplayBuffer{
		ids:     make(map[string]bool),
		maxSize: maxSize,
	}
}

// Add appends experiences not already buffered and returns how many were new
func (b *ReplayBuffer) Add(exps ...*types.Experience) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	added := 0
	for _, e := range exps {
		if e == nil || b.ids[e.ID] {
			continue
		}
		b.items = append(b.items, e)
		b.ids[e.ID] = true
		added++
	}

	// Trim if over capacity (remove oldest)
	if excess := len(b.items) - b.maxSize; excess > 0 {
		for i := 0; i < excess; i++ {
			delete(b.ids, b.items[i].ID)
			b.items[i] = nil
		}
		b.items = b.items[excess:]
		b.dropped += uint64(excess)
	}
	return added
}

// Items returns a copy of the buffered experiences, oldest first
func (b *ReplayBuffer) Items() []*types.Experience {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*types.Experience(nil), b.items...)
}

// Len returns the number of buffered experiences
func (b *ReplayBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

// Dropped returns how many experiences were evicted for capacity
func (b *ReplayBuffer) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}
