package main

import (
	"fmt"
	"io"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/vthunder/conscience/internal/activity"
	"github.com/vthunder/conscience/internal/config"
	"github.com/vthunder/conscience/internal/events"
)

// journalQuery narrows the event journal; zero fields match everything
type journalQuery struct {
	Type     events.Type
	Instance string
	Since    time.Time
	Until    time.Time
	Search   string
	Limit    int
}

func (q journalQuery) match(e activity.Entry) bool {
	if q.Type != "" && e.Type != q.Type {
		return false
	}
	if q.Instance != "" && e.InstanceID != q.Instance {
		return false
	}
	if !q.Since.IsZero() && e.Timestamp.Before(q.Since) {
		return false
	}
	if !q.Until.IsZero() && e.Timestamp.After(q.Until) {
		return false
	}
	return true
}

// queryJournal returns matching entries oldest first, keeping the newest
// Limit of them. The most selective journal query runs first and the
// remaining filters apply to its result.
func queryJournal(j *activity.Journal, q journalQuery) ([]activity.Entry, error) {
	var (
		entries []activity.Entry
		err     error
	)
	switch {
	case q.Search != "":
		entries, err = j.Search(q.Search, math.MaxInt)
		slices.Reverse(entries)
	case q.Type != "":
		entries, err = j.ByType(q.Type, math.MaxInt)
		slices.Reverse(entries)
	case q.Instance != "":
		entries, err = j.ByInstance(q.Instance)
	case !q.Since.IsZero() || !q.Until.IsZero():
		until := q.Until
		if until.IsZero() {
			until = time.Date(9999, 12, 31, 0, 0, 0, 0, time.UTC)
		}
		entries, err = j.Range(q.Since, until)
	default:
		n := q.Limit
		if n <= 0 {
			n = math.MaxInt
		}
		return j.Recent(n)
	}
	if err != nil {
		return nil, err
	}

	out := entries[:0]
	for _, e := range entries {
		if q.match(e) {
			out = append(out, e)
		}
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[len(out)-q.Limit:]
	}
	return out, nil
}

func newJournalCmd() *cobra.Command {
	var (
		configPath string
		statePath  string
		eventType  string
		since      string
		until      string
		q          journalQuery
	)
	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Query the event journal",
		Long: `journal prints entries from <state>/system/events.jsonl, oldest first.
Filters combine; --since and --until take RFC3339 timestamps.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if statePath == "" {
				cfg, err := config.Load(configPath)
				if err != nil {
					return err
				}
				statePath = cfg.StatePath
			}
			q.Type = events.Type(eventType)
			var err error
			if q.Since, err = parseTimeFlag("since", since); err != nil {
				return err
			}
			if q.Until, err = parseTimeFlag("until", until); err != nil {
				return err
			}

			entries, err := queryJournal(activity.New(statePath), q)
			if err != nil {
				return fmt.Errorf("read journal: %w", err)
			}
			printEntries(cmd.OutOrStdout(), entries)
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "YAML config file (for state_path)")
	cmd.Flags().StringVar(&statePath, "state", "", "state directory (overrides config)")
	cmd.Flags().StringVarP(&eventType, "type", "t", "", "event type, e.g. dreaming_replay")
	cmd.Flags().StringVarP(&q.Instance, "instance", "i", "", "instance id")
	cmd.Flags().StringVar(&since, "since", "", "earliest timestamp (RFC3339)")
	cmd.Flags().StringVar(&until, "until", "", "latest timestamp (RFC3339)")
	cmd.Flags().StringVarP(&q.Search, "search", "s", "", "case-insensitive text in summary or data")
	cmd.Flags().IntVarP(&q.Limit, "limit", "n", 50, "newest entries to show (0 for all)")
	return cmd
}

func parseTimeFlag(name, v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("--%s: %w", name, err)
	}
	return t, nil
}

func printEntries(w io.Writer, entries []activity.Entry) {
	if len(entries) == 0 {
		fmt.Fprintln(w, "no entries")
		return
	}
	for _, e := range entries {
		inst := e.InstanceID
		if inst == "" {
			inst = "-"
		}
		fmt.Fprintf(w, "%s  %-12s %-20s %s\n",
			e.Timestamp.Format(time.RFC3339), inst, e.Type, strings.TrimSpace(e.Summary))
	}
}
