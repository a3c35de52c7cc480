// Package daemon is the background ("unconscious") processor: memory decay,
// experience pattern detection, association formation and a bounded queue
// of deferred work. Each phase fails independently.
package daemon

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vthunder/conscience/internal/brain"
	"github.com/vthunder/conscience/internal/embedding"
	"github.com/vthunder/conscience/internal/logging"
	"github.com/vthunder/conscience/internal/metacog"
	"github.com/vthunder/conscience/internal/numeric"
	"github.com/vthunder/conscience/internal/types"
	"go.uber.org/multierr"
)

// maxDecayHours caps elapsed time fed to exp() so it never overflows
const maxDecayHours = 1e6

// DefaultDecayRates are per-hour exponential decay rates by memory type
var DefaultDecayRates = map[types.MemoryType]float64{
	types.MemoryWorking:  0.1,
	types.MemoryEpisodic: 0.01,
	types.MemorySemantic: 0.001,
	types.MemoryLongTerm: 0.0001,
}

// Task kinds handled out of the box
const (
	TaskReinforcePattern = "reinforce-pattern" // payload: pattern_id, boost
	TaskTouchMemory      = "touch-memory"      // payload: memory_id
)

// Config tunes the daemon
type Config struct {
	DecayRates          map[types.MemoryType]float64 `yaml:"decay_rates"`
	DefaultDecayRate    float64                      `yaml:"default_decay_rate"`
	ExperienceBatch     int                          `yaml:"experience_batch"`     // experiences scanned per cycle
	AssociationCap      int                          `yaml:"association_cap"`      // memories compared pairwise per cycle
	SimilarityThreshold float64                      `yaml:"similarity_threshold"` // strictly above this forms an association
	QueueSize           int                          `yaml:"queue_size"`
	TasksPerCycle       int                          `yaml:"tasks_per_cycle"`
	TaskMaxAge          time.Duration                `yaml:"task_max_age"` // queued tasks older than this are dropped; 0 keeps them

	Patterns metacog.PatternConfig `yaml:"patterns"`
}

// DefaultConfig returns the standard daemon settings
func DefaultConfig() Config {
	return Config{
		DecayRates:          DefaultDecayRates,
		DefaultDecayRate:    0.01,
		ExperienceBatch:     100,
		AssociationCap:      50,
		SimilarityThreshold: 0.6,
		QueueSize:           DefaultQueueSize,
		TasksPerCycle:       100,
		TaskMaxAge:          time.Hour,
		Patterns:            metacog.DefaultPatternConfig(),
	}
}

// Handler runs one queued task
type Handler func(ctx context.Context, task *Task) error

// Result summarizes one Process cycle
type Result struct {
	Decayed            int
	PatternsRecorded   int
	PatternsUpserted   int
	AssociationsFormed int
	TasksRun           int
	TasksExpired       int
}

// Daemon runs background maintenance over the Brain
type Daemon struct {
	brain    brain.Brain
	cfg      Config
	detector *metacog.PatternDetector
	queue    *Queue
	now      func() time.Time

	mu          sync.Mutex
	handlers    map[string]Handler
	lastDecayed map[string]time.Time   // decay reference per memory, so decay never compounds
	expCursor   brain.ExperienceCursor // last experience fed to the detector
}

// New creates a daemon over b. Zero config fields take defaults.
func New(b brain.Brain, cfg Config) *Daemon {
	def := DefaultConfig()
	if cfg.DecayRates == nil {
		cfg.DecayRates = def.DecayRates
	}
	if cfg.DefaultDecayRate <= 0 {
		cfg.DefaultDecayRate = def.DefaultDecayRate
	}
	if cfg.ExperienceBatch <= 0 {
		cfg.ExperienceBatch = def.ExperienceBatch
	}
	if cfg.AssociationCap <= 0 {
		cfg.AssociationCap = def.AssociationCap
	}
	if cfg.SimilarityThreshold <= 0 {
		cfg.SimilarityThreshold = def.SimilarityThreshold
	}
	if cfg.TasksPerCycle <= 0 {
		cfg.TasksPerCycle = def.TasksPerCycle
	}

	d := &Daemon{
		brain:       b,
		cfg:         cfg,
		detector:    metacog.NewPatternDetector(cfg.Patterns),
		queue:       NewQueue(cfg.QueueSize),
		now:         time.Now,
		handlers:    make(map[string]Handler),
		lastDecayed: make(map[string]time.Time),
	}
	d.handlers[TaskReinforcePattern] = d.reinforcePattern
	d.handlers[TaskTouchMemory] = d.touchMemory
	return d
}

// SetClock overrides time.Now (for testing only)
func (d *Daemon) SetClock(now func() time.Time) {
	d.now = now
	d.detector.SetClock(now)
}

// Register installs a handler for a task kind
func (d *Daemon) Register(kind string, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[kind] = h
}

// Enqueue schedules background work for a later cycle
func (d *Daemon) Enqueue(kind string, payload map[string]any) string {
	task := &Task{ID: uuid.NewString(), Kind: kind, Payload: payload, EnqueuedAt: d.now()}
	d.queue.Add(task)
	return task.ID
}

// Queue exposes the work queue (for stats)
func (d *Daemon) Queue() *Queue {
	return d.queue
}

// Detector exposes the pattern detector
func (d *Daemon) Detector() *metacog.PatternDetector {
	return d.detector
}

// Process runs decay, pattern detection, association formation and queued
// work in that order. A failing phase does not stop the following ones;
// all failures are combined into the returned error.
func (d *Daemon) Process(ctx context.Context) (Result, error) {
	var res Result
	var errs error

	n, err := d.decay(ctx)
	res.Decayed = n
	errs = multierr.Append(errs, err)

	recorded, upserted, err := d.detectPatterns(ctx)
	res.PatternsRecorded, res.PatternsUpserted = recorded, upserted
	errs = multierr.Append(errs, err)

	formed, err := d.formAssociations(ctx)
	res.AssociationsFormed = formed
	errs = multierr.Append(errs, err)

	ran, expired, err := d.runQueue(ctx)
	res.TasksRun, res.TasksExpired = ran, expired
	errs = multierr.Append(errs, err)

	if errs != nil {
		logging.Warn("daemon", "%d phase error(s): %v", len(multierr.Errors(errs)), errs)
	}
	logging.Debug("daemon", "decayed=%d patterns=%d/%d associations=%d tasks=%d expired=%d",
		res.Decayed, res.PatternsRecorded, res.PatternsUpserted, res.AssociationsFormed, res.TasksRun, res.TasksExpired)
	return res, errs
}

// DecayRate returns the per-hour decay rate for a memory type
func (d *Daemon) DecayRate(t types.MemoryType) float64 {
	if r, ok := d.cfg.DecayRates[t]; ok && numeric.Valid(r) {
		return r
	}
	return d.cfg.DefaultDecayRate
}

// DecayFactor is exp(-rate × hours) with hours clamped to [0, 1e6]
func DecayFactor(rate, hours float64) float64 {
	hours = numeric.Clamp(hours, 0, maxDecayHours)
	return numeric.Clamp01(math.Exp(-numeric.Sanitize(rate) * hours))
}

// decay applies exponential decay for the time elapsed since the later of
// the last access and the previous decay pass
func (d *Daemon) decay(ctx context.Context) (int, error) {
	memories, err := d.brain.Memories(ctx, brain.MemoryQuery{})
	if err != nil {
		return 0, fmt.Errorf("decay: failed to load memories: %w", err)
	}

	now := d.now()
	d.mu.Lock()
	previous := make(map[string]time.Time, len(d.lastDecayed))
	for k, v := range d.lastDecayed {
		previous[k] = v
	}
	d.mu.Unlock()

	next := make(map[string]time.Time, len(memories))
	decayed := 0
	var errs error
	for _, m := range memories {
		ref := m.LastAccessedAt
		if last, ok := previous[m.ID]; ok && last.After(ref) {
			ref = last
		}
		hours := now.Sub(ref).Hours()
		strength := numeric.Clamp01(m.Strength * DecayFactor(d.DecayRate(m.Type), hours))
		if strength == m.Strength {
			// Nothing applied; keep the old reference so elapsed time accumulates
			if last, ok := previous[m.ID]; ok {
				next[m.ID] = last
			}
			continue
		}
		if err := d.brain.UpdateMemoryStrength(ctx, m.ID, strength); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("decay %s: %w", m.ID, err))
			if last, ok := previous[m.ID]; ok {
				next[m.ID] = last
			}
			continue
		}
		decayed++
		next[m.ID] = now
	}

	// Memories that vanished from the Brain drop out of the map here
	d.mu.Lock()
	d.lastDecayed = next
	d.mu.Unlock()
	return decayed, errs
}

// detectPatterns feeds new experiences to the detector and upserts the
// established patterns they touched
func (d *Daemon) detectPatterns(ctx context.Context) (int, int, error) {
	d.mu.Lock()
	cursor := d.expCursor
	d.mu.Unlock()

	exps, err := d.brain.ExperiencesAfter(ctx, cursor, d.cfg.ExperienceBatch)
	if err != nil {
		return 0, 0, fmt.Errorf("patterns: failed to load experiences: %w", err)
	}

	touched := make(map[string]types.Pattern)
	for _, e := range exps {
		p, established := d.detector.Record(e)
		if established {
			touched[p.ID] = p
		}
	}

	if len(exps) > 0 {
		d.mu.Lock()
		d.expCursor = brain.CursorAt(exps[len(exps)-1])
		d.mu.Unlock()
	}

	upserted := 0
	var errs error
	for _, p := range touched {
		if err := d.brain.UpsertPattern(ctx, p); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("patterns: upsert %s: %w", p.ID, err))
			continue
		}
		upserted++
	}
	if pruned := d.detector.Prune(); pruned > 0 {
		logging.Debug("daemon", "pruned %d stale pattern signatures", pruned)
	}
	return len(exps), upserted, errs
}

// formAssociations compares the most recently accessed memories pairwise
// and strengthens every edge above the similarity threshold
func (d *Daemon) formAssociations(ctx context.Context) (int, error) {
	memories, err := d.brain.Memories(ctx, brain.MemoryQuery{
		Limit: d.cfg.AssociationCap,
		Order: brain.OrderRecent,
	})
	if err != nil {
		return 0, fmt.Errorf("associations: failed to load memories: %w", err)
	}

	formed := 0
	var errs error
	for i := 0; i < len(memories); i++ {
		for j := i + 1; j < len(memories); j++ {
			sim := embedding.MemorySimilarity(memories[i], memories[j])
			if sim <= d.cfg.SimilarityThreshold {
				continue
			}
			if _, err := d.brain.StrengthenAssociation(ctx, memories[i].ID, memories[j].ID, sim); err != nil {
				errs = multierr.Append(errs, fmt.Errorf("associations: %s-%s: %w", memories[i].ID, memories[j].ID, err))
				continue
			}
			formed++
		}
	}
	return formed, errs
}

// runQueue drops stale tasks, then drains up to TasksPerCycle tasks
// through their handlers
func (d *Daemon) runQueue(ctx context.Context) (int, int, error) {
	expired := 0
	if d.cfg.TaskMaxAge > 0 {
		if expired = d.queue.ExpireOld(d.now(), d.cfg.TaskMaxAge); expired > 0 {
			logging.Debug("daemon", "expired %d stale task(s)", expired)
		}
	}
	tasks := d.queue.Pop(d.cfg.TasksPerCycle)

	d.mu.Lock()
	handlers := make(map[string]Handler, len(d.handlers))
	for k, h := range d.handlers {
		handlers[k] = h
	}
	d.mu.Unlock()

	ran := 0
	var errs error
	for _, task := range tasks {
		h, ok := handlers[task.Kind]
		if !ok {
			errs = multierr.Append(errs, fmt.Errorf("queue: no handler for %q", task.Kind))
			continue
		}
		if err := h(ctx, task); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("queue: task %s (%s): %w", task.ID, task.Kind, err))
			continue
		}
		ran++
	}
	return ran, expired, errs
}

func (d *Daemon) reinforcePattern(ctx context.Context, task *Task) error {
	id, _ := task.Payload["pattern_id"].(string)
	boost, _ := task.Payload["boost"].(float64)
	if id == "" {
		return fmt.Errorf("missing pattern_id")
	}
	return d.brain.ReinforcePattern(ctx, id, boost)
}

func (d *Daemon) touchMemory(ctx context.Context, task *Task) error {
	id, _ := task.Payload["memory_id"].(string)
	if id == "" {
		return fmt.Errorf("missing memory_id")
	}
	return d.brain.TouchMemory(ctx, id)
}
