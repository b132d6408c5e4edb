package server

import "time"

// PathRedactor is a function type for custom path redaction in logs.
// It takes a file path and returns a redacted version for privacy.
//
// Example:
//
//	// Keep the first path component only
//	func(p string) string {
//	    parts := strings.SplitN(strings.TrimPrefix(p, "/"), "/", 2)
//	    return "/" + parts[0] + "/..."
//	}
type PathRedactor func(path string) string

// MetricsCollector is an optional interface for collecting server metrics.
// internal/metrics provides a Prometheus implementation.
//
// Methods are called on the session goroutines and should not block.
type MetricsCollector interface {
	// RecordCommand records one command execution.
	// cmd is the command name (e.g., "RETR", "STOR", "LIST").
	// success is true when the final reply was 1xx, 2xx or 3xx.
	RecordCommand(cmd string, success bool, duration time.Duration)

	// RecordTransfer records a completed data transfer.
	// operation is "LIST", "RETR" (download) or "STOR" (upload).
	RecordTransfer(operation string, bytes int64, duration time.Duration)

	// RecordConnection records a connection attempt.
	// reason is "accepted", "global_limit_reached" or "per_ip_limit_reached".
	RecordConnection(accepted bool, reason string)

	// RecordAuthentication records a PASS attempt for user.
	RecordAuthentication(success bool, user string)
}
