// Package memoryhost provides an in-memory streams.Host implementation
// suitable for tests, development, and single-process deployments. All state
// is ephemeral and discarded on process exit.
//
// Characteristics
//
//	Durability        : none (RAM only)
//	Horizontal scale  : no (process local)
//	Ordering          : "<millis>-<seq>" IDs, strictly increasing per host
//	Event delivery    : in order, one handler call at a time per subscriber
//	Retention         : unbounded unless WithMaxLen is set
//
// Example:
//
//	host := memoryhost.New()
//	client := showchat.New(backend, host)
//
// For multi-process deployments prefer redishost.
package memoryhost
