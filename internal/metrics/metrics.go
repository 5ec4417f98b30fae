// Package metrics provides interfaces and implementations for collecting
// mailcored metrics across all three protocol engines (SPEC_FULL.md §10).
// This package defines the Collector interface for recording metrics and
// the Server interface for exposing them.
package metrics

import "context"

// Collector defines the interface for recording server metrics. protocol is
// always one of "smtp", "pop3", "imap".
type Collector interface {
	// Connection metrics
	ConnectionOpened(protocol string)
	ConnectionClosed(protocol string)
	TLSConnectionEstablished(protocol string)

	// Authentication metrics
	AuthAttempt(protocol string, success bool)

	// Command metrics
	CommandProcessed(protocol, command string)

	// Message metrics
	MessageStored(sizeBytes int64)
	MessageRetrieved(protocol string, sizeBytes int64)
	MessageDeleted(protocol string)
	MessageListed(protocol string)

	// RelayRejected counts SMTP messages rejected by the relay policy
	// (spec.md §4.9), tagged by rejection reason.
	RelayRejected(reason string)
}

// Server defines the interface for a metrics HTTP server.
type Server interface {
	// Start begins serving metrics. It blocks until the context is canceled
	// or an error occurs.
	Start(ctx context.Context) error

	// Shutdown gracefully stops the metrics server.
	Shutdown(ctx context.Context) error
}
