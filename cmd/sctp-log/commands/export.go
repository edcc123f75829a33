package commands

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/sctpmgmt/sctp-go/pkg/log"
)

// RunExport exports the matching events of path as jsonl or csv. An empty
// output writes to stdout.
func RunExport(path string, filter log.Filter, format, output string) error {
	var write func(io.Writer) error
	switch format {
	case "jsonl":
		write = func(w io.Writer) error { return exportJSONL(path, filter, w) }
	case "csv":
		write = func(w io.Writer) error { return exportCSV(path, filter, w) }
	default:
		return fmt.Errorf("unknown format: %s (supported: jsonl, csv)", format)
	}

	if output == "" {
		return write(os.Stdout)
	}
	f, err := os.Create(output)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}
	defer f.Close()
	return write(f)
}

func exportJSONL(path string, filter log.Filter, w io.Writer) error {
	encoder := json.NewEncoder(w)
	return each(path, filter, func(event log.Event) error {
		if err := encoder.Encode(event); err != nil {
			return fmt.Errorf("failed to encode event: %w", err)
		}
		return nil
	})
}

var csvHeader = []string{
	"timestamp", "connection_id", "direction", "layer", "category",
	"association", "server", "remote_addr", "type", "stream", "length",
}

func exportCSV(path string, filter log.Filter, w io.Writer) error {
	cw := csv.NewWriter(w)
	defer cw.Flush()

	if err := cw.Write(csvHeader); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	return each(path, filter, func(event log.Event) error {
		var stream, length string
		if event.Payload != nil {
			stream = strconv.Itoa(event.Payload.Stream)
			length = strconv.Itoa(event.Payload.Length)
		}
		row := []string{
			event.Timestamp.UTC().Format(timestampLayout),
			event.ConnectionID,
			event.Direction.String(),
			event.Layer.String(),
			event.Category.String(),
			event.Association,
			event.Server,
			event.RemoteAddr,
			eventType(event),
			stream,
			length,
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("failed to write row: %w", err)
		}
		return nil
	})
}
