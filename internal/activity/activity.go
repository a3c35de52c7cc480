// Package activity journals loop events as JSONL so a run can be inspected
// after the fact.
package activity

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/vthunder/conscience/internal/events"
)

// Entry represents a single journal line
type Entry struct {
	Timestamp  time.Time      `json:"ts"`
	Type       events.Type    `json:"type"`
	InstanceID string         `json:"instance_id,omitempty"`
	Summary    string         `json:"summary"`
	Data       map[string]any `json:"data,omitempty"` // structured details
}

// Journal is the event journal
type Journal struct {
	path string
	mu   sync.Mutex
}

// New creates a journal under statePath/system/events.jsonl
func New(statePath string) *Journal {
	return &Journal{
		path: filepath.Join(statePath, "system", "events.jsonl"),
	}
}

// Path returns the journal file location
func (j *Journal) Path() string {
	return j.path
}

// Log appends an entry to the journal
func (j *Journal) Log(entry Entry) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	// Set timestamp if not provided
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}

	if err := os.MkdirAll(filepath.Dir(j.path), 0755); err != nil {
		return fmt.Errorf("failed to create journal dir: %w", err)
	}
	f, err := os.OpenFile(j.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	// Write JSON line
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	_, err = f.Write(append(data, '\n'))
	return err
}

// Record journals one bus event
func (j *Journal) Record(ev events.Event) error {
	return j.Log(Entry{
		Timestamp:  ev.Timestamp,
		Type:       ev.Type,
		InstanceID: ev.InstanceID,
		Summary:    Summarize(ev),
		Data:       eventData(ev),
	})
}

// Follow journals every event from sub until its channel closes. The
// returned channel closes once the last event is written.
func (j *Journal) Follow(sub *events.Subscription, onError func(error)) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range sub.C {
			if err := j.Record(ev); err != nil && onError != nil {
				onError(err)
			}
		}
	}()
	return done
}

// Summarize renders an event as a one-line description
func Summarize(ev events.Event) string {
	switch ev.Type {
	case events.LoopIteration:
		return fmt.Sprintf("tick %d", ev.Iteration)
	case events.AttentionShifted:
		from := ev.FromID
		if from == "" {
			from = "(none)"
		}
		return fmt.Sprintf("attention %s -> %s (%.3f)", from, ev.ToID, ev.Weight)
	case events.NarrativeUpdated:
		return fmt.Sprintf("narrative %s coherence %.3f", ev.NarrativeID, ev.Coherence)
	case events.MemoryConsolidated:
		return fmt.Sprintf("consolidated %s into %s", ev.EpisodicID, ev.SemanticID)
	case events.DreamingReplay:
		return fmt.Sprintf("replayed %d experiences", ev.ExperiencesReplayed)
	case events.MoralAssessment:
		return fmt.Sprintf("assessed %s: %s (%.2f)", ev.SubjectID, ev.Verdict, ev.Score)
	default:
		return string(ev.Type)
	}
}

// eventData keeps the non-zero payload fields of ev
func eventData(ev events.Event) map[string]any {
	data := make(map[string]any)
	set := func(k string, v any, ok bool) {
		if ok {
			data[k] = v
		}
	}
	set("iteration", ev.Iteration, ev.Iteration != 0)
	set("from_id", ev.FromID, ev.FromID != "")
	set("to_id", ev.ToID, ev.ToID != "")
	set("weight", ev.Weight, ev.Weight != 0)
	set("narrative_id", ev.NarrativeID, ev.NarrativeID != "")
	set("coherence", ev.Coherence, ev.Coherence != 0)
	set("episodic_id", ev.EpisodicID, ev.EpisodicID != "")
	set("semantic_id", ev.SemanticID, ev.SemanticID != "")
	set("experiences_replayed", ev.ExperiencesReplayed, ev.ExperiencesReplayed != 0)
	set("subject_id", ev.SubjectID, ev.SubjectID != "")
	set("verdict", ev.Verdict, ev.Verdict != "")
	set("score", ev.Score, ev.Score != 0)
	if len(data) == 0 {
		return nil
	}
	return data
}

// Query methods

// Recent returns the last n entries
func (j *Journal) Recent(n int) ([]Entry, error) {
	entries, err := j.readAll()
	if err != nil {
		return nil, err
	}

	if n >= len(entries) {
		return entries, nil
	}
	return entries[len(entries)-n:], nil
}

// Search searches entries by text (in summary and data), newest first
func (j *Journal) Search(query string, limit int) ([]Entry, error) {
	entries, err := j.readAll()
	if err != nil {
		return nil, err
	}

	query = strings.ToLower(query)
	var result []Entry

	// Search from most recent
	for i := len(entries) - 1; i >= 0 && len(result) < limit; i-- {
		e := entries[i]
		if strings.Contains(strings.ToLower(e.Summary), query) {
			result = append(result, e)
			continue
		}
		// Check data as JSON string
		if e.Data != nil {
			dataJSON, _ := json.Marshal(e.Data)
			if strings.Contains(strings.ToLower(string(dataJSON)), query) {
				result = append(result, e)
			}
		}
	}

	return result, nil
}

// ByType returns entries of a specific type, newest first
func (j *Journal) ByType(t events.Type, limit int) ([]Entry, error) {
	entries, err := j.readAll()
	if err != nil {
		return nil, err
	}

	var result []Entry
	// From most recent
	for i := len(entries) - 1; i >= 0 && len(result) < limit; i-- {
		if entries[i].Type == t {
			result = append(result, entries[i])
		}
	}
	return result, nil
}

// ByInstance returns entries for one loop instance, oldest first
func (j *Journal) ByInstance(instanceID string) ([]Entry, error) {
	entries, err := j.readAll()
	if err != nil {
		return nil, err
	}

	var result []Entry
	for _, e := range entries {
		if e.InstanceID == instanceID {
			result = append(result, e)
		}
	}
	return result, nil
}

// Range returns entries in a time range
func (j *Journal) Range(start, end time.Time) ([]Entry, error) {
	entries, err := j.readAll()
	if err != nil {
		return nil, err
	}

	var result []Entry
	for _, e := range entries {
		if !e.Timestamp.Before(start) && !e.Timestamp.After(end) {
			result = append(result, e)
		}
	}
	return result, nil
}

// readAll reads all entries from the journal file
func (j *Journal) readAll() ([]Entry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	data, err := os.ReadFile(j.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var entries []Entry
	lines := strings.Split(string(data), "\n")
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var entry Entry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			continue // skip malformed entries
		}
		entries = append(entries, entry)
	}

	return entries, nil
}
