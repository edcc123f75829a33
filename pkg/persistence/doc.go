// Package persistence stores the association manager's configuration.
//
// The document is YAML: servers, associations and the management defaults
// (connect delay, buffer size, congestion thresholds, socket options).
// Runtime state such as connection status is never persisted; a started
// flag is not recorded and everything loads stopped.
package persistence
