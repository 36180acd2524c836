package node

import "sync/atomic"

// Counters tracks node activity using atomic counters.
// All fields are safe for concurrent access.
type Counters struct {
	PostsLocal        atomic.Uint64 // Posts authored on this node
	PostsRelay        atomic.Uint64 // Posts submitted by relay sessions
	PostsMesh         atomic.Uint64 // New posts received from the mesh
	Duplicates        atomic.Uint64 // Posts discarded as already stored
	Malformed         atomic.Uint64 // Undecodable mesh messages
	Heartbeats        atomic.Uint64 // Heartbeats received
	Broadcasts        atomic.Uint64 // Successful mesh broadcasts
	BroadcastFailures atomic.Uint64 // Failed mesh broadcasts
}

// CountersSnapshot is a plain-value copy of Counters for reading.
type CountersSnapshot struct {
	PostsLocal        uint64 `json:"posts_local"`
	PostsRelay        uint64 `json:"posts_relay"`
	PostsMesh         uint64 `json:"posts_mesh"`
	Duplicates        uint64 `json:"duplicates"`
	Malformed         uint64 `json:"malformed"`
	Heartbeats        uint64 `json:"heartbeats"`
	Broadcasts        uint64 `json:"broadcasts"`
	BroadcastFailures uint64 `json:"broadcast_failures"`
}

// Snapshot returns a point-in-time copy of all counters.
func (c *Counters) Snapshot() CountersSnapshot {
	return CountersSnapshot{
		PostsLocal:        c.PostsLocal.Load(),
		PostsRelay:        c.PostsRelay.Load(),
		PostsMesh:         c.PostsMesh.Load(),
		Duplicates:        c.Duplicates.Load(),
		Malformed:         c.Malformed.Load(),
		Heartbeats:        c.Heartbeats.Load(),
		Broadcasts:        c.Broadcasts.Load(),
		BroadcastFailures: c.BroadcastFailures.Load(),
	}
}

// Reset zeroes all counters.
func (c *Counters) Reset() {
	c.PostsLocal.Store(0)
	c.PostsRelay.Store(0)
	c.PostsMesh.Store(0)
	c.Duplicates.Store(0)
	c.Malformed.Store(0)
	c.Heartbeats.Store(0)
	c.Broadcasts.Store(0)
	c.BroadcastFailures.Store(0)
}
