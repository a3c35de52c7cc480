// Package profiling records per-tick stage timings as JSONL and samples
// process resources alongside them.
package profiling

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// ProfilingLevel determines how detailed the profiling is
type ProfilingLevel string

const (
	LevelOff      ProfilingLevel = "off"      // No profiling
	LevelMinimal  ProfilingLevel = "minimal"  // whole ticks only
	LevelDetailed ProfilingLevel = "detailed" // every sub-step
	LevelTrace    ProfilingLevel = "trace"    // sub-steps plus resource samples every tick
)

// StageResources is the stage name used for resource samples
const StageResources = "resources"

// StageTiming represents a single timing measurement
type StageTiming struct {
	TickID     string         `json:"tick_id"`
	Stage      string         `json:"stage"`
	StartTime  time.Time      `json:"start_time"`
	DurationMs float64        `json:"duration_ms"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// ResourceSample is a point-in-time view of process and host memory/CPU
type ResourceSample struct {
	RSSBytes      uint64  `json:"rss_bytes"`
	CPUPercent    float64 `json:"cpu_percent"`
	HostMemPct    float64 `json:"host_mem_percent"`
	SampledAtUnix int64   `json:"sampled_at"`
}

// Profiler handles timing measurements for loop ticks
type Profiler struct {
	enabled bool
	level   ProfilingLevel
	logPath string
	mu      sync.Mutex
	logFile *os.File
	encoder *json.Encoder
	last    map[string]time.Duration
	proc    *process.Process
}

// New creates a profiler. An empty logPath keeps timings in memory only.
func New(level ProfilingLevel, logPath string) (*Profiler, error) {
	if level == "" {
		level = LevelOff
	}
	p := &Profiler{
		enabled: level != LevelOff,
		level:   level,
		logPath: logPath,
		last:    make(map[string]time.Duration),
	}
	if p.enabled && logPath != "" {
		if err := p.openLogFile(); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// openLogFile opens the log file for writing
func (p *Profiler) openLogFile() error {
	var err error
	p.logFile, err = os.OpenFile(p.logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open profiling log: %w", err)
	}
	p.encoder = json.NewEncoder(p.logFile)
	return nil
}

// Close closes the profiler and its log file
func (p *Profiler) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.logFile != nil {
		err := p.logFile.Close()
		p.logFile = nil
		p.encoder = nil
		return err
	}
	return nil
}

// Start begins timing a stage and returns a function to call when done
func (p *Profiler) Start(tickID, stage string) func() {
	return p.StartWithMetadata(tickID, stage, nil)
}

// StartWithMetadata begins timing a stage with additional metadata
func (p *Profiler) StartWithMetadata(tickID, stage string, metadata map[string]any) func() {
	if !p.enabled {
		return func() {}
	}

	start := time.Now()
	return func() {
		p.Record(tickID, stage, time.Since(start), metadata)
	}
}

// Record records a timing measurement
func (p *Profiler) Record(tickID, stage string, duration time.Duration, metadata map[string]any) {
	if !p.enabled {
		return
	}

	timing := StageTiming{
		TickID:     tickID,
		Stage:      stage,
		StartTime:  time.Now().Add(-duration),
		DurationMs: float64(duration.Nanoseconds()) / 1e6,
		Metadata:   metadata,
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.last[stage] = duration
	if p.encoder != nil {
		_ = p.encoder.Encode(timing)
	}
}

// Last returns the most recent duration recorded per stage
func (p *Profiler) Last() map[string]time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]time.Duration, len(p.last))
	for k, v := range p.last {
		out[k] = v
	}
	return out
}

// SampleResources reads RSS and CPU for this process plus host memory use
func (p *Profiler) SampleResources() (ResourceSample, error) {
	p.mu.Lock()
	if p.proc == nil {
		proc, err := process.NewProcess(int32(os.Getpid()))
		if err != nil {
			p.mu.Unlock()
			return ResourceSample{}, fmt.Errorf("failed to open process: %w", err)
		}
		p.proc = proc
	}
	proc := p.proc
	p.mu.Unlock()

	sample := ResourceSample{SampledAtUnix: time.Now().Unix()}
	info, err := proc.MemoryInfo()
	if err != nil {
		return sample, fmt.Errorf("failed to read memory info: %w", err)
	}
	sample.RSSBytes = info.RSS
	if cpu, err := proc.CPUPercent(); err == nil {
		sample.CPUPercent = cpu
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		sample.HostMemPct = vm.UsedPercent
	}
	return sample, nil
}

// RecordResources samples resources and writes them as a zero-length stage
func (p *Profiler) RecordResources(tickID string) {
	if !p.enabled {
		return
	}
	sample, err := p.SampleResources()
	if err != nil {
		return
	}
	p.Record(tickID, StageResources, 0, map[string]any{
		"rss_bytes":        sample.RSSBytes,
		"cpu_percent":      sample.CPUPercent,
		"host_mem_percent": sample.HostMemPct,
	})
}

// ShouldProfile returns true if the given level should be profiled
func (p *Profiler) ShouldProfile(level ProfilingLevel) bool {
	if !p.enabled {
		return false
	}

	switch p.level {
	case LevelTrace:
		return true // Profile everything
	case LevelDetailed:
		return level == LevelMinimal || level == LevelDetailed
	case LevelMinimal:
		return level == LevelMinimal
	default:
		return false
	}
}

// IsEnabled returns true if profiling is enabled
func (p *Profiler) IsEnabled() bool {
	return p.enabled
}

// GetLevel returns the current profiling level
func (p *Profiler) GetLevel() ProfilingLevel {
	return p.level
}
