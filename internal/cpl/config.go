package cpl

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/vthunder/conscience/internal/attention"
	"github.com/vthunder/conscience/internal/consolidate"
	"github.com/vthunder/conscience/internal/daemon"
	"github.com/vthunder/conscience/internal/dreaming"
	"github.com/vthunder/conscience/internal/memory"
	"github.com/vthunder/conscience/internal/narrative"
	"github.com/vthunder/conscience/internal/profiling"
	"github.com/vthunder/conscience/internal/workspace"
)

var (
	ErrInvalidConfig          = errors.New("cpl: invalid configuration")
	ErrInvalidPersistencePath = errors.New("cpl: persistence path escapes the allowed root")
	ErrAlreadyRunning         = errors.New("cpl: already running")
	ErrNotInitialized         = errors.New("cpl: not initialized")
	ErrDuplicateInstance      = errors.New("cpl: duplicate instance id")
)

// Config is the loop configuration. The first block mirrors the external
// configuration contract; the component blocks tune individual subsystems.
type Config struct {
	InstanceID            string `yaml:"instance_id"` // generated when empty
	LoopIntervalMs        uint64 `yaml:"loop_interval_ms"`
	WorkingMemoryCapacity int    `yaml:"working_memory_capacity"`

	EnableGlobalWorkspace  bool `yaml:"enable_global_workspace"`
	EnableBackgroundDaemon bool `yaml:"enable_background_daemon"`
	EnableDreaming         bool `yaml:"enable_dreaming"`
	EnableAttention        bool `yaml:"enable_attention"`
	EnableNarrative        bool `yaml:"enable_narrative"`
	EnableMemoryBridge     bool `yaml:"enable_memory_bridge"`
	EnableWorkingMemory    bool `yaml:"enable_working_memory"`
	EnablePersistence      bool `yaml:"enable_persistence"`

	PersistenceDir    string `yaml:"persistence_dir"`
	PersistenceRoot   string `yaml:"persistence_root"`    // persistence_dir must resolve inside this; empty = working directory
	PersistEveryTicks uint64 `yaml:"persist_every_ticks"` // 0 persists on stop only

	EventBuffer         int                      `yaml:"event_buffer"`
	ProfileLevel        profiling.ProfilingLevel `yaml:"profile_level"`
	ResourceSampleEvery uint64                   `yaml:"resource_sample_every"` // ticks between resource samples at trace level

	Workspace  workspace.Config   `yaml:"workspace"`
	Daemon     daemon.Config      `yaml:"daemon"`
	Scratchpad memory.Config      `yaml:"scratchpad"`
	Bridge     consolidate.Config `yaml:"bridge"`
	Narrative  narrative.Config   `yaml:"narrative"`
	Attention  attention.Config   `yaml:"attention"`
	Dreaming   dreaming.Config    `yaml:"dreaming"`
}

// DefaultConfig enables every component and leaves persistence off
func DefaultConfig() Config {
	return Config{
		LoopIntervalMs:         100,
		WorkingMemoryCapacity:  7,
		EnableGlobalWorkspace:  true,
		EnableBackgroundDaemon: true,
		EnableDreaming:         true,
		EnableAttention:        true,
		EnableNarrative:        true,
		EnableMemoryBridge:     true,
		EnableWorkingMemory:    true,
		ResourceSampleEvery:    100,
		Workspace:              workspace.DefaultConfig(),
		Daemon:                 daemon.DefaultConfig(),
		Scratchpad:             memory.DefaultConfig(),
		Bridge:                 consolidate.DefaultConfig(),
		Narrative:              narrative.DefaultConfig(),
		Attention:              attention.DefaultConfig(),
		Dreaming:               dreaming.DefaultConfig(),
	}
}

// Validate checks the configuration contract
func (c Config) Validate() error {
	if c.LoopIntervalMs == 0 {
		return fmt.Errorf("%w: loop_interval_ms must be > 0", ErrInvalidConfig)
	}
	if c.WorkingMemoryCapacity <= 0 {
		return fmt.Errorf("%w: working_memory_capacity must be > 0", ErrInvalidConfig)
	}
	if c.EnablePersistence && strings.TrimSpace(c.PersistenceDir) == "" {
		return fmt.Errorf("%w: persistence enabled without persistence_dir", ErrInvalidConfig)
	}
	if c.PersistenceDir != "" {
		if _, err := ResolvePersistenceDir(c.PersistenceRoot, c.PersistenceDir); err != nil {
			return err
		}
	}
	if c.Dreaming.Strategy != "" && c.Dreaming.Strategy != dreaming.Proportional && c.Dreaming.Strategy != dreaming.Greedy {
		return fmt.Errorf("%w: unknown dreaming exploit strategy %q", ErrInvalidConfig, c.Dreaming.Strategy)
	}
	return nil
}

// ResolvePersistenceDir returns the absolute persistence directory, which
// must lie within root (relative dirs are taken relative to root)
func ResolvePersistenceDir(root, dir string) (string, error) {
	if root == "" {
		root = "."
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPersistencePath, err)
	}
	target := dir
	if !filepath.IsAbs(target) {
		target = filepath.Join(absRoot, target)
	}
	target = filepath.Clean(target)

	rel, err := filepath.Rel(absRoot, target)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPersistencePath, err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s is outside %s", ErrInvalidPersistencePath, dir, absRoot)
	}
	return target, nil
}

// SanitizeID strips path separators and parent references from an
// instance id so it is safe to use as a file name
func SanitizeID(id string) string {
	id = strings.NewReplacer("/", "", "\\", "", "\x00", "").Replace(id)
	for strings.Contains(id, "..") {
		id = strings.ReplaceAll(id, "..", "")
	}
	id = strings.TrimSpace(id)
	if id == "" || id == "." {
		return "instance"
	}
	return id
}

// SnapshotPath is dir/<sanitized id>.json
func SnapshotPath(dir, instanceID string) string {
	return filepath.Join(dir, SanitizeID(instanceID)+".json")
}
