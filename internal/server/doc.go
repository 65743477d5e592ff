// Package server implements the core broadcast functionality for DriftChat:
// the session hub, the per-connection reader and writer pumps, the wire
// frame codec, and the Redis bus that mirrors messages across instances.
//
// The implementation is organized into specialized files for configuration,
// hub management, sessions, the bus, routing, and HTTP handlers to keep the
// codebase maintainable and testable as the project grows.
package server
