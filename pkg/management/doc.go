// Package management is the association manager: a registry of named
// servers and associations with their lifecycle, persistence and
// reconnection.
//
// A Management is created with New and brought up with Start, which loads
// the persisted configuration. Servers listen on one or more local
// addresses; each owns configured SERVER associations and, optionally, a
// bounded pool of anonymous associations for peers that match none of them.
// CLIENT associations dial their peer and are reconnected by a shared
// scheduler at the connect delay until they are stopped.
//
// Structural operations (add, remove, start, stop, modify) are serialized by
// one registry lock and persisted before they return. Sending and receiving
// never take that lock. Callbacks of one association are serialized and are
// not invoked after StopAssociation returns.
package management
