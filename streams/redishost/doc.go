// Package redishost implements streams.Host on Redis Streams so that several
// processes can share chat channels.
//
// Design Notes
//   - Channel logs: one stream per channel, XADD with approximate MAXLEN trimming
//   - Subscriptions: XREAD polling from the last delivered ID, no consumer groups
//   - History: XREVRANGE with an exclusive upper bound, reversed to chronological order
//   - Cleanup: DEL plus a per-channel generation counter that live subscribers watch
//
// Event IDs are the native Redis stream IDs, which already have the
// "<millis>-<seq>" shape used by streams.EventID.
//
// Example:
//
//	host, err := redishost.NewFromEnv()
//	if err != nil { ... }
//	defer host.Close()
package redishost
