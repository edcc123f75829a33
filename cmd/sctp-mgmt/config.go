package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	flags "github.com/jessevdk/go-flags"

	"github.com/sctpmgmt/sctp-go/pkg/management"
)

const (
	defaultConfigFile   = "sctp-mgmt.conf"
	defaultLogDir       = "logs"
	defaultLogFilename  = "sctp-mgmt.log"
	defaultLogLevel     = "info"
	defaultMaxLogSizeKB = 10 * 1024
	defaultMaxLogRolls  = 3
)

// config defines the command line and config file options. The config
// file uses the same long names in ini format.
type config struct {
	ConfigFile string `short:"C" long:"configfile" description:"Path to configuration file"`

	Name         string        `long:"name" description:"Management instance name; also names the persisted document"`
	PersistDir   string        `long:"persistdir" description:"Directory of the persisted document"`
	ConnectDelay time.Duration `long:"connectdelay" description:"Wait between client connect attempts"`
	BufferSize   int           `long:"buffersize" description:"Per-association buffer size in bytes"`
	StartAll     bool          `long:"startall" description:"Start every server and association after loading"`
	Reset        bool          `long:"reset" description:"Remove all persisted servers and associations before starting"`

	AcceptAnonymous bool `long:"acceptanonymous" description:"Accept anonymous peers on servers that allow them"`

	LogDir      string `long:"logdir" description:"Directory to log output"`
	LogLevel    string `long:"loglevel" description:"Logging level {debug, info, warn, error}"`
	MaxLogSize  int64  `long:"logsize" description:"Rotate the log file after this many KiB"`
	MaxLogRolls int    `long:"logrolls" description:"Number of rotated log files to keep"`
	NoConsole   bool   `long:"noconsole" description:"Do not copy log output to stdout"`
	EventLog    string `long:"eventlog" description:"Write association events to this CBOR file (view with sctp-log)"`

	MetricsListen string `long:"metricslisten" description:"Serve Prometheus metrics on this address (e.g. :9180)"`

	Advertise bool   `long:"advertise" description:"Advertise started servers over DNS-SD"`
	Interface string `long:"interface" description:"Restrict DNS-SD to this network interface"`

	Interactive bool `short:"i" long:"interactive" description:"Enable interactive command mode"`

	level slog.Level
}

func defaultConfig() config {
	return config{
		ConfigFile:   defaultConfigFile,
		Name:         management.DefaultName,
		PersistDir:   ".",
		ConnectDelay: management.DefaultConnectDelay,
		BufferSize:   management.DefaultBufferSize,
		LogDir:       defaultLogDir,
		LogLevel:     defaultLogLevel,
		MaxLogSize:   defaultMaxLogSizeKB,
		MaxLogRolls:  defaultMaxLogRolls,
	}
}

// loadConfig initializes and parses the config using a config file and
// command line options.
//
// The configuration proceeds as follows:
//  1. Start with a default config with sane settings
//  2. Pre-parse the command line to check for an alternative config file
//  3. Load configuration file overwriting defaults with any specified options
//  4. Parse CLI options and overwrite/add any specified options
//
// A missing default config file is not an error.
func loadConfig(args []string) (*config, error) {
	cfg := defaultConfig()

	preCfg := cfg
	preParser := flags.NewParser(&preCfg, flags.HelpFlag|flags.PassDoubleDash)
	if _, err := preParser.ParseArgs(args); err != nil {
		var e *flags.Error
		if errors.As(err, &e) && e.Type == flags.ErrHelp {
			fmt.Fprintln(os.Stdout, err)
		}
		return nil, err
	}

	parser := flags.NewParser(&cfg, flags.HelpFlag|flags.PassDoubleDash)
	if err := flags.NewIniParser(parser).ParseFile(preCfg.ConfigFile); err != nil {
		var pathErr *os.PathError
		if !errors.As(err, &pathErr) || preCfg.ConfigFile != defaultConfigFile {
			return nil, fmt.Errorf("error parsing config file %s: %w", preCfg.ConfigFile, err)
		}
	}

	if _, err := parser.ParseArgs(args); err != nil {
		return nil, err
	}

	if err := cfg.level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.LogLevel, err)
	}
	if cfg.MaxLogSize <= 0 || cfg.MaxLogRolls < 0 {
		return nil, fmt.Errorf("invalid log rotation: size %d KiB, %d rolls", cfg.MaxLogSize, cfg.MaxLogRolls)
	}
	return &cfg, nil
}

// managementConfig maps the options onto a management.Config.
func (c *config) managementConfig() management.Config {
	mc := management.DefaultConfig()
	mc.Name = c.Name
	mc.PersistDir = c.PersistDir
	mc.ConnectDelay = c.ConnectDelay
	mc.BufferSize = c.BufferSize
	return mc
}
