// Package log captures association events for debugging and analysis.
//
// This package defines the Logger interface and Event types for recording
// what happens on each association: transport frames, payloads, state
// transitions, congestion level changes and errors. It is separate from
// operational logging (slog). The event trace is machine readable and
// can be replayed with Reader.
//
// # Basic Usage
//
//	// For development: log to console via slog
//	cfg.EventLogger = log.NewSlogAdapter(slog.Default())
//
//	// For production: write to binary file
//	cfg.EventLogger, _ = log.NewFileLogger("/var/log/sctp/mgmt.alog")
//
//	// Both: use MultiLogger
//	cfg.EventLogger = log.NewMultiLogger(
//	    log.NewSlogAdapter(slog.Default()),
//	    fileLogger,
//	)
//
// # Event Types
//
//   - Transport: raw frame sizes (FrameEvent) and control frames
//     (ControlMsgEvent: init, ping, pong, shutdown)
//   - Association: payloads (PayloadEvent), state changes
//     (StateChangeEvent), congestion levels (CongestionEvent)
//   - Management: server and registry state changes
//
// # File Format
//
// Log files are a stream of CBOR-encoded events with integer keys.
package log
