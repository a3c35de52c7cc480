// Package config loads the loop configuration from a YAML file, a .env file
// and CPL_* environment variables, in that order of increasing precedence.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"github.com/vthunder/conscience/internal/cpl"
	"github.com/vthunder/conscience/internal/dreaming"
	"github.com/vthunder/conscience/internal/profiling"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"
)

// Brain backends
const (
	BrainMemory = "memory"
	BrainSQLite = "sqlite"
)

// File is the on-disk configuration
type File struct {
	StatePath   string             `yaml:"state_path"`
	Brain       string             `yaml:"brain"` // memory or sqlite
	LogLevel    string             `yaml:"log_level"`
	LogJSON     bool               `yaml:"log_json"`
	Instances   int                `yaml:"instances"`
	Journal     bool               `yaml:"journal"` // write events to <state>/system/events.jsonl
	ProfilePath string             `yaml:"profile_path"`
	OllamaURL   string             `yaml:"ollama_url"` // enables LLM summaries and narration
	Classifier  string             `yaml:"classifier"` // keyword or prose
	Traits      map[string]float64 `yaml:"traits"`
	TraitsFile  string             `yaml:"traits_file"`

	Loop cpl.Config `yaml:"loop"`
}

// Default returns the configuration used when no file is given
func Default() File {
	return File{
		StatePath:  "state",
		Brain:      BrainMemory,
		LogLevel:   "info",
		Instances:  1,
		Classifier: "keyword",
		Loop:       cpl.DefaultConfig(),
	}
}

// Load reads path (optional) over the defaults and applies environment
// overrides. A missing file is an error only when path is non-empty.
func Load(path string) (File, error) {
	f := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return f, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &f); err != nil {
			return f, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}
	if err := f.ApplyEnv(os.Getenv); err != nil {
		return f, err
	}
	return f, f.Validate()
}

// LoadDotEnv loads .env files into the process environment. Missing files
// are not an error.
func LoadDotEnv(paths ...string) bool {
	return godotenv.Load(paths...) == nil
}

var enableVars = map[string]func(*cpl.Config) *bool{
	"GLOBAL_WORKSPACE":  func(c *cpl.Config) *bool { return &c.EnableGlobalWorkspace },
	"BACKGROUND_DAEMON": func(c *cpl.Config) *bool { return &c.EnableBackgroundDaemon },
	"DREAMING":          func(c *cpl.Config) *bool { return &c.EnableDreaming },
	"ATTENTION":         func(c *cpl.Config) *bool { return &c.EnableAttention },
	"NARRATIVE":         func(c *cpl.Config) *bool { return &c.EnableNarrative },
	"MEMORY_BRIDGE":     func(c *cpl.Config) *bool { return &c.EnableMemoryBridge },
	"WORKING_MEMORY":    func(c *cpl.Config) *bool { return &c.EnableWorkingMemory },
	"PERSISTENCE":       func(c *cpl.Config) *bool { return &c.EnablePersistence },
}

// ApplyEnv overrides fields from CPL_* variables read through getenv
func (f *File) ApplyEnv(getenv func(string) string) error {
	var errs []error
	str := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	uintVar := func(key string, dst *uint64) {
		if v := getenv(key); v != "" {
			n, err := strconv.ParseUint(v, 10, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	intVar := func(key string, dst *int) {
		if v := getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	boolVar := func(key string, dst *bool) {
		if v := getenv(key); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}

	str("CPL_STATE_PATH", &f.StatePath)
	str("CPL_BRAIN", &f.Brain)
	str("CPL_LOG_LEVEL", &f.LogLevel)
	boolVar("CPL_LOG_JSON", &f.LogJSON)
	intVar("CPL_INSTANCES", &f.Instances)
	boolVar("CPL_JOURNAL", &f.Journal)
	str("CPL_OLLAMA_URL", &f.OllamaURL)
	str("CPL_CLASSIFIER", &f.Classifier)
	str("CPL_TRAITS_FILE", &f.TraitsFile)

	str("CPL_INSTANCE_ID", &f.Loop.InstanceID)
	uintVar("CPL_LOOP_INTERVAL_MS", &f.Loop.LoopIntervalMs)
	intVar("CPL_WM_CAPACITY", &f.Loop.WorkingMemoryCapacity)
	str("CPL_PERSISTENCE_DIR", &f.Loop.PersistenceDir)
	str("CPL_PERSISTENCE_ROOT", &f.Loop.PersistenceRoot)
	uintVar("CPL_PERSIST_EVERY_TICKS", &f.Loop.PersistEveryTicks)
	if v := getenv("CPL_PROFILE_LEVEL"); v != "" {
		f.Loop.ProfileLevel = profiling.ProfilingLevel(v)
	}
	if v := getenv("CPL_DREAMING_STRATEGY"); v != "" {
		f.Loop.Dreaming.Strategy = dreaming.Strategy(v)
	}
	for name, field := range enableVars {
		boolVar("CPL_ENABLE_"+name, field(&f.Loop))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid environment: %w", multierr.Combine(errs...))
	}
	return nil
}

// Validate checks the file-level settings and the loop configuration
func (f File) Validate() error {
	switch f.Brain {
	case BrainMemory, BrainSQLite:
	default:
		return fmt.Errorf("%w: unknown brain %q", cpl.ErrInvalidConfig, f.Brain)
	}
	switch f.Classifier {
	case "", "keyword", "prose":
	default:
		return fmt.Errorf("%w: unknown classifier %q", cpl.ErrInvalidConfig, f.Classifier)
	}
	if f.Instances <= 0 {
		return fmt.Errorf("%w: instances must be > 0", cpl.ErrInvalidConfig)
	}
	switch f.Loop.ProfileLevel {
	case "", profiling.LevelOff, profiling.LevelMinimal, profiling.LevelDetailed, profiling.LevelTrace:
	default:
		return fmt.Errorf("%w: unknown profile level %q", cpl.ErrInvalidConfig, f.Loop.ProfileLevel)
	}
	return f.Loop.Validate()
}
