package commands

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/sctpmgmt/sctp-go/pkg/log"
)

// Stats holds aggregate statistics about a log file.
type Stats struct {
	TotalEvents       int
	EventsByLayer     map[log.Layer]int
	EventsByCategory  map[log.Category]int
	EventsByDirection map[log.Direction]int
	Associations      map[string]*AssociationStats
	Errors            int
	TimeRange         struct {
		Start time.Time
		End   time.Time
	}
}

// AssociationStats holds statistics for a single association.
type AssociationStats struct {
	FirstSeen time.Time
	LastSeen  time.Time
	Events    int

	PayloadsIn  int
	PayloadsOut int
	BytesIn     int
	BytesOut    int

	// MaxDelay is the slowest send observed.
	MaxDelay time.Duration

	// MaxCongestion is the highest congestion level reached.
	MaxCongestion int

	// Connections counts distinct channel IDs.
	Connections map[string]struct{}
}

// RunStats analyzes the log file and prints statistics.
func RunStats(path string, w io.Writer) error {
	stats := &Stats{
		EventsByLayer:     make(map[log.Layer]int),
		EventsByCategory:  make(map[log.Category]int),
		EventsByDirection: make(map[log.Direction]int),
		Associations:      make(map[string]*AssociationStats),
	}

	err := each(path, log.Filter{}, func(event log.Event) error {
		stats.add(event)
		return nil
	})
	if err != nil {
		return err
	}

	printStats(w, stats)
	return nil
}

func (s *Stats) add(event log.Event) {
	s.TotalEvents++
	s.EventsByLayer[event.Layer]++
	s.EventsByCategory[event.Category]++
	s.EventsByDirection[event.Direction]++

	if s.TimeRange.Start.IsZero() || event.Timestamp.Before(s.TimeRange.Start) {
		s.TimeRange.Start = event.Timestamp
	}
	if event.Timestamp.After(s.TimeRange.End) {
		s.TimeRange.End = event.Timestamp
	}
	if event.Error != nil {
		s.Errors++
	}

	if event.Association == "" {
		return
	}
	as, ok := s.Associations[event.Association]
	if !ok {
		as = &AssociationStats{
			FirstSeen:   event.Timestamp,
			LastSeen:    event.Timestamp,
			Connections: make(map[string]struct{}),
		}
		s.Associations[event.Association] = as
	}
	as.Events++
	if event.Timestamp.After(as.LastSeen) {
		as.LastSeen = event.Timestamp
	}
	if event.ConnectionID != "" {
		as.Connections[event.ConnectionID] = struct{}{}
	}

	if p := event.Payload; p != nil {
		if event.Direction == log.DirectionIn {
			as.PayloadsIn++
			as.BytesIn += p.Length
		} else {
			as.PayloadsOut++
			as.BytesOut += p.Length
		}
		if p.Delay > as.MaxDelay {
			as.MaxDelay = p.Delay
		}
	}
	if c := event.Congestion; c != nil && c.NewLevel > as.MaxCongestion {
		as.MaxCongestion = c.NewLevel
	}
}

func printStats(w io.Writer, stats *Stats) {
	fmt.Fprintln(w, "=== Association Event Log Statistics ===")
	fmt.Fprintln(w)

	if stats.TotalEvents > 0 {
		fmt.Fprintf(w, "Time Range: %s to %s\n",
			stats.TimeRange.Start.Format(time.RFC3339),
			stats.TimeRange.End.Format(time.RFC3339))
		fmt.Fprintf(w, "Duration:   %s\n", stats.TimeRange.End.Sub(stats.TimeRange.Start).Round(time.Second))
		fmt.Fprintln(w)
	}

	fmt.Fprintf(w, "Total Events: %d\n", stats.TotalEvents)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Events by Layer:")
	for _, layer := range []log.Layer{log.LayerTransport, log.LayerAssociation, log.LayerManagement} {
		if count := stats.EventsByLayer[layer]; count > 0 {
			fmt.Fprintf(w, "  %-12s %d\n", layer.String()+":", count)
		}
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Events by Category:")
	for _, cat := range []log.Category{
		log.CategoryPayload, log.CategoryControl, log.CategoryState,
		log.CategoryCongestion, log.CategoryError, log.CategoryFrame,
	} {
		if count := stats.EventsByCategory[cat]; count > 0 {
			fmt.Fprintf(w, "  %-12s %d\n", cat.String()+":", count)
		}
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Events by Direction:")
	for _, dir := range []log.Direction{log.DirectionIn, log.DirectionOut} {
		if count := stats.EventsByDirection[dir]; count > 0 {
			fmt.Fprintf(w, "  %-12s %d\n", dir.String()+":", count)
		}
	}
	fmt.Fprintln(w)

	fmt.Fprintf(w, "Associations: %d\n", len(stats.Associations))
	if len(stats.Associations) > 0 {
		names := make([]string, 0, len(stats.Associations))
		for name := range stats.Associations {
			names = append(names, name)
		}
		sort.Strings(names)

		fmt.Fprintln(w)
		for _, name := range names {
			as := stats.Associations[name]
			duration := as.LastSeen.Sub(as.FirstSeen).Round(time.Millisecond)
			fmt.Fprintf(w, "  [%s] %d events, %d connection(s), duration %s\n",
				name, as.Events, len(as.Connections), duration)
			if as.PayloadsIn > 0 || as.PayloadsOut > 0 {
				fmt.Fprintf(w, "           Payloads: %d in (%d bytes), %d out (%d bytes)\n",
					as.PayloadsIn, as.BytesIn, as.PayloadsOut, as.BytesOut)
			}
			if as.MaxDelay > 0 {
				fmt.Fprintf(w, "           Max send delay: %s\n", formatDuration(as.MaxDelay))
			}
			if as.MaxCongestion > 0 {
				fmt.Fprintf(w, "           Max congestion level: %d\n", as.MaxCongestion)
			}
		}
	}

	if stats.Errors > 0 {
		fmt.Fprintln(w)
		fmt.Fprintf(w, "Errors: %d\n", stats.Errors)
	}
}
