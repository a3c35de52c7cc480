package cpl

import (
	"time"

	"github.com/vthunder/conscience/internal/dreaming"
	"github.com/vthunder/conscience/internal/workspace"
)

// Stats is a point-in-time summary of a loop
type Stats struct {
	InstanceID       string               `json:"instance_id"`
	State            string               `json:"state"`
	Iterations       uint64               `json:"iterations"`
	LastTick         time.Time            `json:"last_tick"`
	LastTickDuration time.Duration        `json:"last_tick_duration"`
	SubstepErrors    map[string]int       `json:"substep_errors"`
	LastWinner       *workspace.Candidate `json:"last_winner,omitempty"`
	Consolidations   int                  `json:"consolidations"`
	Dreaming         *dreaming.Stats      `json:"dreaming,omitempty"`
	Components       []string             `json:"components"`
	QueuedTasks      int                  `json:"queued_tasks"`
	ScratchpadLen    int                  `json:"scratchpad_len"`
}

// Stats returns a copy of the loop statistics
func (l *Loop) Stats() Stats {
	l.statsMu.RLock()
	s := l.stats
	s.SubstepErrors = make(map[string]int, len(l.stats.SubstepErrors))
	for k, v := range l.stats.SubstepErrors {
		s.SubstepErrors[k] = v
	}
	s.Components = append([]string(nil), l.stats.Components...)
	if l.stats.LastWinner != nil {
		w := *l.stats.LastWinner
		s.LastWinner = &w
	}
	l.statsMu.RUnlock()

	s.State = l.State().String()
	s.Iterations = l.iteration.Load()
	if l.dreaming != nil {
		ds := l.dreaming.Stats()
		s.Dreaming = &ds
	}
	if l.daemon != nil {
		s.QueuedTasks = l.daemon.Queue().Count()
	}
	if l.scratchpad != nil {
		s.ScratchpadLen = l.scratchpad.Len()
	}
	return s
}

func (l *Loop) recordTick(report TickReport, winners []workspace.Candidate) {
	l.statsMu.Lock()
	defer l.statsMu.Unlock()

	l.stats.LastTick = l.now()
	l.stats.LastTickDuration = report.Duration
	for name := range report.Errors {
		l.stats.SubstepErrors[name]++
	}
	if len(winners) > 0 {
		w := winners[0]
		l.stats.LastWinner = &w
	}
}
