package cpl

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/vthunder/conscience/internal/narrative"
	"github.com/vthunder/conscience/internal/traits"
	"github.com/vthunder/conscience/internal/types"
)

// Snapshot is the persisted state of one loop instance
type Snapshot struct {
	InstanceID       string                 `json:"instance_id"`
	IterationCount   uint64                 `json:"iteration_count"`
	Timestamp        time.Time              `json:"timestamp"`
	Narrative        *types.Narrative       `json:"narrative,omitempty"`
	IdentityMarkers  []types.IdentityMarker `json:"identity_markers"`
	NarrativeHistory []types.Narrative      `json:"narrative_history,omitempty"`
	Traits           map[string]float64     `json:"traits,omitempty"`
}

// SaveSnapshot writes s as indented JSON, replacing path atomically
func SaveSnapshot(path string, s Snapshot) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create persistence dir: %w", err)
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".snapshot-*")
	if err != nil {
		return fmt.Errorf("failed to create temp snapshot: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to replace snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot reads a snapshot written by SaveSnapshot
func LoadSnapshot(path string) (Snapshot, error) {
	var s Snapshot
	data, err := os.ReadFile(path)
	if err != nil {
		return s, err
	}
	if err := json.Unmarshal(data, &s); err != nil {
		return s, fmt.Errorf("failed to parse snapshot %s: %w", path, err)
	}
	return s, nil
}

func isNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}

// Snapshot captures the persistable state of the loop
func (l *Loop) Snapshot() Snapshot {
	s := Snapshot{
		InstanceID:      l.id,
		IterationCount:  l.iteration.Load(),
		Timestamp:       l.now(),
		IdentityMarkers: []types.IdentityMarker{},
	}
	if l.narrative != nil {
		st := l.narrative.Snapshot()
		s.Narrative = st.Current
		s.IdentityMarkers = st.Markers
		s.NarrativeHistory = st.History
	}
	if snap, ok := l.traits.(traits.Snapshotter); ok {
		s.Traits = snap.Snapshot()
	}
	return s
}

// Persist writes the snapshot to persistence_dir/<sanitized id>.json
func (l *Loop) Persist() error {
	if l.cfg.PersistenceDir == "" {
		return fmt.Errorf("%w: no persistence_dir", ErrInvalidConfig)
	}
	path := SnapshotPath(l.cfg.PersistenceDir, l.id)
	if err := SaveSnapshot(path, l.Snapshot()); err != nil {
		return err
	}
	return nil
}

// restore applies a loaded snapshot before the first tick
func (l *Loop) restore(s Snapshot) {
	l.iteration.Store(s.IterationCount)
	if l.narrative != nil {
		l.narrative.Restore(narrative.State{
			Current: s.Narrative,
			Markers: s.IdentityMarkers,
			History: s.NarrativeHistory,
		})
	}
	if l.traits == nil && len(s.Traits) > 0 {
		l.traits = traits.NewStatic(s.Traits)
	}
}
