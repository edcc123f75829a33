// Command sctp-log views and analyzes association event log files.
//
// Event logs are written by sctp-mgmt when it runs with --eventlog.
//
// Usage:
//
//	sctp-log <command> [flags] <file.sclog>
//
// Commands:
//
//	view     View log file in human-readable format
//	export   Export log file to JSON lines or CSV
//	filter   Filter log file and write to new file
//	stats    Show statistics about the log file
//
// Examples:
//
//	# View all events
//	sctp-log view mgmt.sclog
//
//	# View only payloads of one association
//	sctp-log view --category payload -a cli mgmt.sclog
//
//	# Export outbound events to CSV
//	sctp-log export --format csv --direction out mgmt.sclog
//
//	# Filter by connection and save to new file
//	sctp-log filter --conn-id abc12345 -o filtered.sclog mgmt.sclog
//
//	# Show statistics
//	sctp-log stats mgmt.sclog
package main

import (
	"errors"
	"os"

	flags "github.com/jessevdk/go-flags"

	"github.com/sctpmgmt/sctp-go/cmd/sctp-log/commands"
)

type fileArg struct {
	File string `positional-arg-name:"file.sclog" required:"yes"`
}

type viewCommand struct {
	commands.Criteria
	Args fileArg `positional-args:"yes"`
}

func (c *viewCommand) Execute([]string) error {
	filter, err := c.Filter()
	if err != nil {
		return err
	}
	return commands.RunView(c.Args.File, filter, os.Stdout)
}

type exportCommand struct {
	commands.Criteria
	Format string  `long:"format" short:"f" default:"jsonl" choice:"jsonl" choice:"csv" description:"Output format"`
	Output string  `short:"o" description:"Output file (default: stdout)"`
	Args   fileArg `positional-args:"yes"`
}

func (c *exportCommand) Execute([]string) error {
	filter, err := c.Filter()
	if err != nil {
		return err
	}
	return commands.RunExport(c.Args.File, filter, c.Format, c.Output)
}

type filterCommand struct {
	commands.Criteria
	Output string  `short:"o" required:"yes" description:"Output file"`
	Args   fileArg `positional-args:"yes"`
}

func (c *filterCommand) Execute([]string) error {
	filter, err := c.Filter()
	if err != nil {
		return err
	}
	return commands.RunFilter(c.Args.File, filter, c.Output, os.Stdout)
}

type statsCommand struct {
	Args fileArg `positional-args:"yes"`
}

func (c *statsCommand) Execute([]string) error {
	return commands.RunStats(c.Args.File, os.Stdout)
}

func main() {
	parser := flags.NewNamedParser("sctp-log", flags.Default)
	parser.AddCommand("view", "View log file in human-readable format", "", &viewCommand{})
	parser.AddCommand("export", "Export log file to JSON lines or CSV", "", &exportCommand{})
	parser.AddCommand("filter", "Filter log file and write to new file", "", &filterCommand{})
	parser.AddCommand("stats", "Show statistics about the log file", "", &statsCommand{})

	// go-flags prints both parse and command errors.
	if _, err := parser.Parse(); err != nil {
		var e *flags.Error
		if errors.As(err, &e) && e.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}
}
