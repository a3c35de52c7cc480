// Package cpl is the conscience persistent loop: it owns the cognitive
// components, runs them in a fixed order once per tick, publishes loop
// events and optionally persists the narrative between runs.
package cpl

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/vthunder/conscience/internal/activity"
	"github.com/vthunder/conscience/internal/attention"
	"github.com/vthunder/conscience/internal/brain"
	"github.com/vthunder/conscience/internal/consolidate"
	"github.com/vthunder/conscience/internal/daemon"
	"github.com/vthunder/conscience/internal/dreaming"
	"github.com/vthunder/conscience/internal/events"
	"github.com/vthunder/conscience/internal/logging"
	"github.com/vthunder/conscience/internal/memory"
	"github.com/vthunder/conscience/internal/narrative"
	"github.com/vthunder/conscience/internal/profiling"
	"github.com/vthunder/conscience/internal/traits"
	"github.com/vthunder/conscience/internal/types"
	"github.com/vthunder/conscience/internal/workspace"
	"go.uber.org/multierr"
)

// Sub-step names, in tick order
const (
	StepDaemon     = "daemon"
	StepAttention  = "attention"
	StepWorkspace  = "workspace"
	StepCricket    = "cricket"
	StepScratchpad = "scratchpad"
	StepBridge     = "bridge"
	StepNarrative  = "narrative"
	StepDreaming   = "dreaming"
	StepPersist    = "persist"
)

// Assessment is a moral verdict on one workspace winner
type Assessment struct {
	Verdict string  `json:"verdict"`
	Score   float64 `json:"score"`
}

// MoralAssessor is the optional "talking cricket" hook, consulted once per
// tick about the workspace winner
type MoralAssessor interface {
	Assess(ctx context.Context, winner workspace.Candidate) (Assessment, error)
}

// Deps are the collaborators of a loop. Only Brain is required.
type Deps struct {
	Brain       brain.Brain
	Traits      traits.Provider
	Cricket     MoralAssessor
	Storyteller narrative.Storyteller
	Summarizer  consolidate.Summarizer
	Classifier  narrative.Classifier
	Profiler    *profiling.Profiler
	Journal     *activity.Journal
	Clock       func() time.Time
}

// State is the lifecycle state of a loop
type State int

const (
	StateCreated State = iota
	StateInitialized
	StateRunning
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateInitialized:
		return "initialized"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// TickReport describes one tick. Errors holds the sub-steps that failed.
type TickReport struct {
	Iteration uint64
	Steps     []string
	Errors    map[string]error
	Duration  time.Duration
}

// Loop is one conscience persistent loop instance
type Loop struct {
	id   string
	cfg  Config
	deps Deps
	bus  *events.Bus
	now  func() time.Time
	prof *profiling.Profiler

	mu     sync.Mutex // lifecycle
	state  State
	stopCh chan struct{}
	done   chan struct{}

	tickMu    sync.Mutex // at most one tick at a time
	iteration atomic.Uint64
	traits    traits.Provider

	daemon     *daemon.Daemon
	router     *attention.Router
	workspace  *workspace.Workspace
	scratchpad *memory.Scratchpad
	bridge     *consolidate.Bridge
	narrative  *narrative.Generator
	dreaming   *dreaming.Loop

	statsMu sync.RWMutex
	stats   Stats
}

// NewLoop creates a loop in the Created state. An empty InstanceID gets a
// generated one.
func NewLoop(cfg Config, deps Deps) *Loop {
	if cfg.InstanceID == "" {
		cfg.InstanceID = "cpl-" + uuid.NewString()
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = events.DefaultBuffer
	}
	now := deps.Clock
	if now == nil {
		now = time.Now
	}
	prof := deps.Profiler
	if prof == nil {
		prof, _ = profiling.New(cfg.ProfileLevel, "")
	}
	return &Loop{
		id:     cfg.InstanceID,
		cfg:    cfg,
		deps:   deps,
		bus:    events.NewBus(cfg.EventBuffer),
		now:    now,
		prof:   prof,
		traits: deps.Traits,
		stats:  Stats{InstanceID: cfg.InstanceID, SubstepErrors: make(map[string]int)},
	}
}

// ID returns the instance identifier
func (l *Loop) ID() string {
	return l.id
}

// Config returns the loop configuration
func (l *Loop) Config() Config {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cfg
}

// Bus returns the event bus
func (l *Loop) Bus() *events.Bus {
	return l.bus
}

// Subscribe is shorthand for Bus().Subscribe()
func (l *Loop) Subscribe() *events.Subscription {
	return l.bus.Subscribe()
}

// State returns the lifecycle state
func (l *Loop) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// IsRunning reports whether the tick goroutine is active
func (l *Loop) IsRunning() bool {
	return l.State() == StateRunning
}

// Iteration returns the number of ticks run so far
func (l *Loop) Iteration() uint64 {
	return l.iteration.Load()
}

// Initialize validates the configuration, builds every enabled component
// and restores a persisted snapshot when one exists
func (l *Loop) Initialize(ctx context.Context) error {
	l.mu.Lock()
	state, cfg := l.state, l.cfg
	l.mu.Unlock()

	if state != StateCreated {
		return nil
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if l.deps.Brain == nil {
		return fmt.Errorf("%w: no brain", ErrInvalidConfig)
	}
	if cfg.PersistenceDir != "" {
		dir, err := ResolvePersistenceDir(cfg.PersistenceRoot, cfg.PersistenceDir)
		if err != nil {
			return err
		}
		cfg.PersistenceDir = dir
	}

	// The snapshot is read before taking the lifecycle lock
	var snap *Snapshot
	if cfg.EnablePersistence {
		path := SnapshotPath(cfg.PersistenceDir, l.id)
		s, err := LoadSnapshot(path)
		switch {
		case err == nil:
			snap = &s
		case !isNotExist(err):
			logging.Warn("cpl", "%s: ignoring unreadable snapshot %s: %v", l.id, path, err)
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != StateCreated {
		return nil
	}
	l.cfg = cfg

	b := l.deps.Brain
	if l.cfg.EnableBackgroundDaemon {
		l.daemon = daemon.New(b, l.cfg.Daemon)
		l.daemon.SetClock(l.now)
	}
	if l.cfg.EnableAttention {
		l.router = attention.New(b, l.cfg.Attention)
		l.router.SetClock(l.now)
		l.router.SetCallback(func(from, to string, weight float64) {
			l.publish(events.Event{Type: events.AttentionShifted, FromID: from, ToID: to, Weight: weight})
		})
	}
	if l.cfg.EnableGlobalWorkspace {
		l.workspace = workspace.New(b, l.cfg.Workspace)
		l.workspace.SetClock(l.now)
	}
	if l.cfg.EnableWorkingMemory {
		sc := l.cfg.Scratchpad
		sc.Capacity = l.cfg.WorkingMemoryCapacity
		l.scratchpad = memory.NewScratchpad(b, sc)
		l.scratchpad.SetClock(l.now)
	}
	if l.cfg.EnableMemoryBridge {
		l.bridge = consolidate.New(b, l.cfg.Bridge, l.deps.Summarizer)
		l.bridge.SetClock(l.now)
	}
	if l.cfg.EnableNarrative {
		l.narrative = narrative.New(b, l.cfg.Narrative, l.deps.Classifier, l.deps.Storyteller)
		l.narrative.SetClock(l.now)
	}
	if l.cfg.EnableDreaming {
		l.dreaming = dreaming.New(b, l.cfg.Dreaming)
		l.dreaming.SetClock(l.now)
	}

	if snap != nil {
		l.restore(*snap)
		logging.Info("cpl", "%s: restored iteration %d", l.id, snap.IterationCount)
	}

	l.state = StateInitialized
	l.statsMu.Lock()
	l.stats.Components = l.components()
	l.statsMu.Unlock()
	logging.Info("cpl", "%s: initialized (interval=%dms, wm=%d, components=%v)",
		l.id, l.cfg.LoopIntervalMs, l.cfg.WorkingMemoryCapacity, l.components())
	return nil
}

// Start launches the tick goroutine. It fails when the loop is already
// running or was never initialized. A stopped loop may be started again.
func (l *Loop) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch l.state {
	case StateRunning:
		return ErrAlreadyRunning
	case StateCreated:
		return ErrNotInitialized
	}

	var j journalRun
	if l.deps.Journal != nil {
		j.sub = l.bus.Subscribe()
		j.done = l.deps.Journal.Follow(j.sub, func(err error) {
			logging.Warn("cpl", "%s: journal write failed: %v", l.id, err)
		})
	}

	l.state = StateRunning
	l.stopCh = make(chan struct{})
	l.done = make(chan struct{})
	go l.run(ctx, l.stopCh, l.done, j)

	logging.Info("cpl", "%s: started", l.id)
	return nil
}

// Stop asks the tick goroutine to exit after the current tick, waits for
// it and persists state when enabled. Calling Stop on a loop that is not
// running is a no-op.
func (l *Loop) Stop() error {
	l.mu.Lock()
	if l.state != StateRunning {
		l.mu.Unlock()
		return nil
	}
	l.state = StateStopped
	close(l.stopCh)
	done := l.done
	l.mu.Unlock()

	<-done
	return nil
}

// Wait blocks until the tick goroutine of the current run has exited
func (l *Loop) Wait() {
	l.mu.Lock()
	done := l.done
	l.mu.Unlock()
	if done != nil {
		<-done
	}
}

// journalRun is the journal follower of one run
type journalRun struct {
	sub  *events.Subscription
	done <-chan struct{}
}

func (l *Loop) run(ctx context.Context, stopCh <-chan struct{}, done chan struct{}, j journalRun) {
	defer close(done)
	defer l.afterStop(j)

	ticker := time.NewTicker(time.Duration(l.cfg.LoopIntervalMs) * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			l.mu.Lock()
			if l.state == StateRunning {
				l.state = StateStopped
			}
			l.mu.Unlock()
			return
		case <-ticker.C:
			// stop wins over a tick that became ready at the same time
			select {
			case <-stopCh:
				return
			default:
			}
			l.Tick(ctx)
		}
	}
}

// afterStop runs on the tick goroutine once the loop has left Running
func (l *Loop) afterStop(j journalRun) {
	if l.cfg.EnablePersistence {
		if err := l.Persist(); err != nil {
			logging.Warn("cpl", "%s: persist on stop failed: %v", l.id, err)
		}
	}
	if j.sub != nil {
		j.sub.Close()
		<-j.done
	}
	logging.Info("cpl", "%s: stopped after %d iterations", l.id, l.iteration.Load())
}

// Tick runs one iteration: daemon, attention, workspace, cricket,
// scratchpad, bridge, narrative and (every N-th tick) dreaming. A failing
// sub-step is logged and counted; the remaining ones still run.
func (l *Loop) Tick(ctx context.Context) TickReport {
	l.tickMu.Lock()
	defer l.tickMu.Unlock()

	started := time.Now()
	iter := l.iteration.Add(1)
	tickID := fmt.Sprintf("%s:%d", l.id, iter)
	report := TickReport{Iteration: iter, Errors: make(map[string]error)}

	l.publish(events.Event{Type: events.LoopIteration, Iteration: iter})
	tr := traits.Capture(l.traits)

	if l.daemon != nil {
		l.step(ctx, tickID, StepDaemon, &report, func(ctx context.Context) error {
			_, err := l.daemon.Process(ctx)
			return err
		})
	}

	var weights map[string]float64
	if l.router != nil {
		l.step(ctx, tickID, StepAttention, &report, func(ctx context.Context) error {
			alloc, err := l.router.RouteAttention(ctx, tr)
			weights = alloc.Weights
			return err
		})
	}

	var winners []workspace.Candidate
	if l.workspace != nil {
		l.step(ctx, tickID, StepWorkspace, &report, func(ctx context.Context) error {
			res, err := l.workspace.ProcessBroadcast(ctx, tr, weights)
			if err != nil {
				return err
			}
			winners = res.Selected
			// without a router the workspace winner stands in for the focus
			if l.router == nil && res.TopChanged && len(res.Selected) > 0 {
				l.publish(events.Event{Type: events.AttentionShifted, FromID: res.PrevTop, ToID: res.Top, Weight: res.Selected[0].Score})
			}
			l.broadcastToDaemon(res.Selected)
			return nil
		})
	}

	if l.deps.Cricket != nil && len(winners) > 0 {
		l.step(ctx, tickID, StepCricket, &report, func(ctx context.Context) error {
			a, err := l.deps.Cricket.Assess(ctx, winners[0])
			if err != nil {
				return err
			}
			l.publish(events.Event{Type: events.MoralAssessment, SubjectID: winners[0].ID, Verdict: a.Verdict, Score: a.Score})
			return nil
		})
	}

	var promoted []string
	if l.scratchpad != nil {
		l.step(ctx, tickID, StepScratchpad, &report, func(ctx context.Context) error {
			var errs error
			l.scratchpad.Modulate(tr)
			for _, c := range winners {
				if _, err := l.scratchpad.Add(ctx, c.ID, c.Kind, c.Text); err != nil {
					errs = multierr.Append(errs, err)
				}
			}
			_, err := l.scratchpad.Update(ctx)
			errs = multierr.Append(errs, err)
			for _, p := range l.scratchpad.DrainPromotions() {
				promoted = append(promoted, p.MemoryID)
			}
			return errs
		})
	}

	if l.bridge != nil {
		l.step(ctx, tickID, StepBridge, &report, func(ctx context.Context) error {
			res, err := l.bridge.ProcessBridge(ctx, promoted)
			for _, p := range res.Pairs {
				l.publish(events.Event{Type: events.MemoryConsolidated, EpisodicID: p.EpisodicID, SemanticID: p.SemanticID})
			}
			if len(res.Pairs) > 0 {
				l.statsMu.Lock()
				l.stats.Consolidations += len(res.Pairs)
				l.statsMu.Unlock()
			}
			return err
		})
	}

	if l.narrative != nil {
		l.step(ctx, tickID, StepNarrative, &report, func(ctx context.Context) error {
			res, err := l.narrative.UpdateNarrative(ctx, tr)
			if res.Changed && res.Narrative != nil {
				l.publish(events.Event{Type: events.NarrativeUpdated, NarrativeID: res.Narrative.ID, Coherence: res.Narrative.CoherenceScore})
			}
			return err
		})
	}

	if l.dreaming != nil && l.dreaming.Due(iter) {
		l.step(ctx, tickID, StepDreaming, &report, func(ctx context.Context) error {
			res, err := l.dreaming.ReplayExperiences(ctx)
			if err == nil || res.Replayed > 0 {
				l.publish(events.Event{Type: events.DreamingReplay, ExperiencesReplayed: res.Replayed})
			}
			return err
		})
	}

	if l.cfg.EnablePersistence && l.cfg.PersistEveryTicks > 0 && iter%l.cfg.PersistEveryTicks == 0 {
		l.step(ctx, tickID, StepPersist, &report, func(context.Context) error {
			return l.Persist()
		})
	}

	report.Duration = time.Since(started)
	l.prof.Record(tickID, "tick", report.Duration, map[string]any{"iteration": iter, "errors": len(report.Errors)})
	if l.prof.ShouldProfile(profiling.LevelTrace) && l.cfg.ResourceSampleEvery > 0 && iter%l.cfg.ResourceSampleEvery == 0 {
		l.prof.RecordResources(tickID)
	}
	l.recordTick(report, winners)
	return report
}

// step runs one sub-step, timing it at detailed profiling and recording
// its error without propagating it
func (l *Loop) step(ctx context.Context, tickID, name string, report *TickReport, fn func(context.Context) error) {
	report.Steps = append(report.Steps, name)

	done := func() {}
	if l.prof.ShouldProfile(profiling.LevelDetailed) {
		done = l.prof.Start(tickID, name)
	}
	err := fn(ctx)
	done()
	if err != nil {
		report.Errors[name] = err
		logging.Warn("cpl", "%s: %s failed on tick %d: %v", l.id, name, report.Iteration, err)
	}
}

// broadcastToDaemon schedules a retrieval touch for every memory that won
// the competition
func (l *Loop) broadcastToDaemon(selected []workspace.Candidate) {
	if l.daemon == nil {
		return
	}
	for _, c := range selected {
		if c.Kind == types.ContentMemory {
			l.daemon.Enqueue(daemon.TaskTouchMemory, map[string]any{"memory_id": c.ID})
		}
	}
}

func (l *Loop) publish(ev events.Event) {
	ev.InstanceID = l.id
	if ev.Timestamp.IsZero() {
		ev.Timestamp = l.now()
	}
	l.bus.Publish(ev)
}

func (l *Loop) components() []string {
	var out []string
	add := func(name string, on bool) {
		if on {
			out = append(out, name)
		}
	}
	add(StepDaemon, l.daemon != nil)
	add(StepAttention, l.router != nil)
	add(StepWorkspace, l.workspace != nil)
	add(StepScratchpad, l.scratchpad != nil)
	add(StepBridge, l.bridge != nil)
	add(StepNarrative, l.narrative != nil)
	add(StepDreaming, l.dreaming != nil)
	add(StepCricket, l.deps.Cricket != nil)
	add(StepPersist, l.cfg.EnablePersistence)
	return out
}

// Workspace returns the global workspace, nil when disabled
func (l *Loop) Workspace() *workspace.Workspace { return l.workspace }

// Scratchpad returns the working memory, nil when disabled
func (l *Loop) Scratchpad() *memory.Scratchpad { return l.scratchpad }

// Narrative returns the narrative generator, nil when disabled
func (l *Loop) Narrative() *narrative.Generator { return l.narrative }

// Dreaming returns the dreaming loop, nil when disabled
func (l *Loop) Dreaming() *dreaming.Loop { return l.dreaming }

// Daemon returns the background daemon, nil when disabled
func (l *Loop) Daemon() *daemon.Daemon { return l.daemon }

// Router returns the attention router, nil when disabled
func (l *Loop) Router() *attention.Router { return l.router }

// Bridge returns the memory bridge, nil when disabled
func (l *Loop) Bridge() *consolidate.Bridge { return l.bridge }
