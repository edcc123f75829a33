// Package commands implements the sctp-log CLI commands.
package commands

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/sctpmgmt/sctp-go/pkg/log"
)

// timestampLayout is the layout of event timestamps in every output format.
const timestampLayout = "2006-01-02T15:04:05.000000Z"

// formatEvent writes a human-readable representation of the event to w.
func formatEvent(w io.Writer, event log.Event) {
	// Header line: timestamp [conn:id] DIRECTION LAYER Type association
	ts := event.Timestamp.UTC().Format(timestampLayout)
	connID := shortenConnID(event.ConnectionID)

	layerStr := event.Layer.String()
	if event.Category == log.CategoryControl {
		layerStr = "CTRL"
	}

	fmt.Fprintf(w, "%s [conn:%s] %-3s %s %s", ts, connID, event.Direction, layerStr, eventType(event))
	if event.Association != "" {
		fmt.Fprintf(w, " %s", event.Association)
	}
	if event.Server != "" {
		fmt.Fprintf(w, " (server %s)", event.Server)
	}
	fmt.Fprintln(w)

	if event.RemoteAddr != "" {
		fmt.Fprintf(w, "  Peer: %s", event.RemoteAddr)
		if event.ChannelType != "" {
			fmt.Fprintf(w, " over %s", event.ChannelType)
		}
		fmt.Fprintln(w)
	}

	switch {
	case event.Frame != nil:
		formatFrameDetails(w, event.Frame)
	case event.Payload != nil:
		formatPayloadDetails(w, event.Payload)
	case event.StateChange != nil:
		formatStateChangeDetails(w, event.StateChange)
	case event.ControlMsg != nil:
		formatControlDetails(w, event.ControlMsg)
	case event.Congestion != nil:
		formatCongestionDetails(w, event.Congestion)
	case event.Error != nil:
		formatErrorDetails(w, event.Error)
	}

	fmt.Fprintln(w)
}

// eventType returns the label of the event's payload.
func eventType(event log.Event) string {
	switch {
	case event.Frame != nil:
		return "Frame"
	case event.Payload != nil:
		return "Payload"
	case event.StateChange != nil:
		return "State"
	case event.ControlMsg != nil:
		return event.ControlMsg.Type.String()
	case event.Congestion != nil:
		return "Congestion"
	case event.Error != nil:
		return "Error"
	default:
		return "Unknown"
	}
}

// shortenConnID returns the first 8 characters of the connection ID.
func shortenConnID(id string) string {
	if len(id) >= 8 {
		return id[:8]
	}
	return id
}

func formatData(w io.Writer, data []byte, truncated bool) {
	if len(data) == 0 {
		return
	}
	fmt.Fprintf(w, "  Data: %s", hex.EncodeToString(data))
	if truncated {
		fmt.Fprint(w, " (truncated)")
	}
	fmt.Fprintln(w)
}

func formatFrameDetails(w io.Writer, frame *log.FrameEvent) {
	fmt.Fprintf(w, "  Size: %d bytes\n", frame.Size)
	formatData(w, frame.Data, frame.Truncated)
}

func formatPayloadDetails(w io.Writer, p *log.PayloadEvent) {
	fmt.Fprintf(w, "  Stream: %d  PPID: %d  Length: %d\n", p.Stream, p.PayloadProtocolID, p.Length)
	var flags []string
	if p.Complete {
		flags = append(flags, "complete")
	}
	if p.Unordered {
		flags = append(flags, "unordered")
	}
	if len(flags) > 0 {
		fmt.Fprintf(w, "  Flags: %s\n", strings.Join(flags, ","))
	}
	if p.Delay > 0 {
		fmt.Fprintf(w, "  Delay: %s\n", formatDuration(p.Delay))
	}
	formatData(w, p.Data, p.Truncated)
}

func formatStateChangeDetails(w io.Writer, sc *log.StateChangeEvent) {
	fmt.Fprintf(w, "  Entity: %s\n", sc.Entity)
	if sc.OldState != "" {
		fmt.Fprintf(w, "  %s -> %s\n", sc.OldState, sc.NewState)
	} else {
		fmt.Fprintf(w, "  -> %s\n", sc.NewState)
	}
	if sc.Reason != "" {
		fmt.Fprintf(w, "  Reason: %s\n", sc.Reason)
	}
}

func formatControlDetails(w io.Writer, c *log.ControlMsgEvent) {
	switch c.Type {
	case log.ControlMsgInit:
		fmt.Fprintf(w, "  Streams: in=%d out=%d\n", c.InboundStreams, c.OutboundStreams)
	case log.ControlMsgPing, log.ControlMsgPong:
		fmt.Fprintf(w, "  Sequence: %d\n", c.Sequence)
	}
}

func formatCongestionDetails(w io.Writer, c *log.CongestionEvent) {
	fmt.Fprintf(w, "  Level: %d -> %d\n", c.OldLevel, c.NewLevel)
	if c.Estimate > 0 {
		fmt.Fprintf(w, "  Estimate: %s\n", formatDuration(c.Estimate))
	}
}

func formatErrorDetails(w io.Writer, err *log.ErrorEventData) {
	fmt.Fprintf(w, "  Layer: %s\n", err.Layer)
	fmt.Fprintf(w, "  Message: %s\n", err.Message)
	if err.Context != "" {
		fmt.Fprintf(w, "  Context: %s\n", err.Context)
	}
}

// formatDuration formats a duration for display.
func formatDuration(d time.Duration) string {
	if d < time.Millisecond {
		return fmt.Sprintf("%.3fus", float64(d.Nanoseconds())/1000)
	}
	if d < time.Second {
		return fmt.Sprintf("%.3fms", float64(d.Microseconds())/1000)
	}
	return fmt.Sprintf("%.3fs", d.Seconds())
}

// ParseLayer parses a layer name (case-insensitive).
func ParseLayer(s string) (log.Layer, error) {
	switch strings.ToLower(s) {
	case "transport":
		return log.LayerTransport, nil
	case "association":
		return log.LayerAssociation, nil
	case "management":
		return log.LayerManagement, nil
	default:
		return 0, fmt.Errorf("invalid layer: %s (must be transport, association, or management)", s)
	}
}

// ParseDirection parses a direction name (case-insensitive).
func ParseDirection(s string) (log.Direction, error) {
	switch strings.ToLower(s) {
	case "in":
		return log.DirectionIn, nil
	case "out":
		return log.DirectionOut, nil
	default:
		return 0, fmt.Errorf("invalid direction: %s (must be in or out)", s)
	}
}

// ParseCategory parses a category name (case-insensitive).
func ParseCategory(s string) (log.Category, error) {
	for _, c := range []log.Category{
		log.CategoryPayload, log.CategoryControl, log.CategoryState,
		log.CategoryCongestion, log.CategoryError, log.CategoryFrame,
	} {
		if strings.EqualFold(s, c.String()) {
			return c, nil
		}
	}
	return 0, fmt.Errorf("invalid category: %s (must be payload, control, state, congestion, error, or frame)", s)
}

// Criteria holds the event selection flags shared by view, export and
// filter. Empty fields match every event.
type Criteria struct {
	ConnID      string `long:"conn-id" description:"Only events of this connection ID"`
	Association string `long:"association" short:"a" description:"Only events of this association"`
	Server      string `long:"server" short:"s" description:"Only events of this server"`
	TimeStart   string `long:"time-start" description:"Only events at or after this time (RFC3339)"`
	TimeEnd     string `long:"time-end" description:"Only events before this time (RFC3339)"`
	Layer       string `long:"layer" description:"Only events of this layer (transport, association, management)"`
	Direction   string `long:"direction" description:"Only events of this direction (in, out)"`
	Category    string `long:"category" description:"Only events of this category (payload, control, state, congestion, error, frame)"`
}

// Filter converts the criteria into a log.Filter.
func (c Criteria) Filter() (log.Filter, error) {
	filter := log.Filter{
		ConnectionID: c.ConnID,
		Association:  c.Association,
		Server:       c.Server,
	}

	if c.TimeStart != "" {
		t, err := time.Parse(time.RFC3339, c.TimeStart)
		if err != nil {
			return log.Filter{}, fmt.Errorf("invalid time-start format: %w", err)
		}
		filter.TimeStart = &t
	}
	if c.TimeEnd != "" {
		t, err := time.Parse(time.RFC3339, c.TimeEnd)
		if err != nil {
			return log.Filter{}, fmt.Errorf("invalid time-end format: %w", err)
		}
		filter.TimeEnd = &t
	}
	if c.Layer != "" {
		l, err := ParseLayer(c.Layer)
		if err != nil {
			return log.Filter{}, err
		}
		filter.Layer = &l
	}
	if c.Direction != "" {
		d, err := ParseDirection(c.Direction)
		if err != nil {
			return log.Filter{}, err
		}
		filter.Direction = &d
	}
	if c.Category != "" {
		cat, err := ParseCategory(c.Category)
		if err != nil {
			return log.Filter{}, err
		}
		filter.Category = &cat
	}
	return filter, nil
}

// each streams the events of path matching filter to fn.
func each(path string, filter log.Filter, fn func(log.Event) error) error {
	reader, err := log.NewFilteredReader(path, filter)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer reader.Close()

	for {
		event, err := reader.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read event: %w", err)
		}
		if err := fn(event); err != nil {
			return err
		}
	}
}

// RunView writes the matching events of path to output.
func RunView(path string, filter log.Filter, output io.Writer) error {
	return each(path, filter, func(event log.Event) error {
		formatEvent(output, event)
		return nil
	})
}
