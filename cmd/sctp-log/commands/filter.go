package commands

import (
	"fmt"
	"io"

	"github.com/sctpmgmt/sctp-go/pkg/log"
)

// RunFilter copies the matching events of path into a new log file at
// output and reports how many were written to w.
func RunFilter(path string, filter log.Filter, output string, w io.Writer) error {
	logger, err := log.NewFileLogger(output)
	if err != nil {
		return fmt.Errorf("failed to create output logger: %w", err)
	}
	defer logger.Close()

	count := 0
	err = each(path, filter, func(event log.Event) error {
		logger.Log(event)
		count++
		return nil
	})
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "Filtered %d events to %s\n", count, output)
	return nil
}
