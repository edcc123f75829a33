// Command sctp-mgmt runs an association manager.
//
// It loads the persisted servers and associations of the named instance,
// optionally starts them, and then runs until interrupted. The interactive
// mode drives every management operation from a prompt.
//
// Usage:
//
//	sctp-mgmt [OPTIONS]
//
// Options may also be given in an ini config file (default sctp-mgmt.conf)
// using their long names:
//
//	name = gateway
//	persistdir = /var/lib/sctp-mgmt
//	connectdelay = 2s
//	metricslisten = :9180
//
// Examples:
//
//	# Start interactively with an event log
//	sctp-mgmt -i --eventlog events.sclog
//
//	# Start everything persisted and accept anonymous peers
//	sctp-mgmt --startall --acceptanonymous
//
//	# Serve metrics and advertise started servers
//	sctp-mgmt --metricslisten :9180 --advertise
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	flags "github.com/jessevdk/go-flags"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/multierr"

	"github.com/sctpmgmt/sctp-go/cmd/sctp-mgmt/interactive"
	"github.com/sctpmgmt/sctp-go/pkg/discovery"
	"github.com/sctpmgmt/sctp-go/pkg/log"
	"github.com/sctpmgmt/sctp-go/pkg/management"
	"github.com/sctpmgmt/sctp-go/pkg/metrics"
)

func main() {
	if err := run(); err != nil {
		var e *flags.Error
		if errors.As(err, &e) && e.Type == flags.ErrHelp {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "sctp-mgmt: %v\n", err)
		os.Exit(1)
	}
}

func run() (err error) {
	cfg, err := loadConfig(os.Args[1:])
	if err != nil {
		return err
	}

	logger, logOut, err := setupLogging(cfg)
	if err != nil {
		return err
	}
	defer logOut.Close()

	mcfg := cfg.managementConfig()
	mcfg.Logger = logger.With("component", "management")

	// Association events go to the debug log and, optionally, a CBOR file.
	sinks := []log.Logger{log.NewSlogAdapter(logger.With("component", "events")).WithLevel(slog.LevelDebug)}
	if cfg.EventLog != "" {
		fileLog, ferr := log.NewFileLogger(cfg.EventLog)
		if ferr != nil {
			return fmt.Errorf("failed to open event log: %w", ferr)
		}
		defer func() {
			logger.Info("event log closed", "path", cfg.EventLog, "events", fileLog.Count())
			err = multierr.Append(err, fileLog.Close())
		}()
		sinks = append(sinks, fileLog)
	}
	mcfg.EventLogger = log.NewMultiLogger(sinks...)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	if mcfg.Metrics, err = metrics.New(reg); err != nil {
		return err
	}

	var browser discovery.Browser
	if cfg.Advertise {
		adv, err := discovery.NewMDNSAdvertiser(discovery.AdvertiserConfig{Interface: cfg.Interface})
		if err != nil {
			return fmt.Errorf("failed to create advertiser: %w", err)
		}
		mcfg.Advertiser = adv
		if browser, err = discovery.NewMDNSBrowser(discovery.BrowserConfig{Interface: cfg.Interface}); err != nil {
			return fmt.Errorf("failed to create browser: %w", err)
		}
	}

	m, err := management.New(mcfg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mon := newMonitor(logger, cfg.AcceptAnonymous)
	mon.attach(m)
	if err := m.Start(ctx); err != nil {
		return fmt.Errorf("failed to start management: %w", err)
	}
	defer func() {
		logger.Info("shutting down")
		err = multierr.Append(err, m.Stop())
	}()
	mon.adopt(m.Associations())

	if cfg.Reset {
		logger.Info("removing persisted resources")
		if err := m.RemoveAllResources(); err != nil {
			return err
		}
	}
	if cfg.StartAll {
		startAll(m, logger)
	}

	if cfg.MetricsListen != "" {
		srv := &http.Server{
			Addr:              cfg.MetricsListen,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info("serving metrics", "addr", cfg.MetricsListen)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", "error", err)
			}
		}()
		defer srv.Close()
	}

	if cfg.Interactive {
		shell, err := interactive.New(m, browser)
		if err != nil {
			return err
		}
		// Route console logging through readline to keep the prompt intact.
		if !cfg.NoConsole {
			logOut.setConsole(shell.Stdout())
			defer logOut.setConsole(os.Stdout)
		}
		go shell.Run(ctx, cancel)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		logger.Info("received signal", "signal", sig)
	case <-ctx.Done():
	}
	return nil
}

// startAll starts every server, then every association. Failures are
// logged and skipped.
func startAll(m *management.Management, logger *slog.Logger) {
	for _, s := range m.Servers() {
		if err := m.StartServer(s.Name); err != nil {
			logger.Error("failed to start server", "server", s.Name, "error", err)
		}
	}
	for _, a := range m.Associations() {
		if err := m.StartAssociation(a.Name()); err != nil {
			logger.Error("failed to start association", "association", a.Name(), "error", err)
		}
	}
}
