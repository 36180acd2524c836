// Package peers holds the live directory of known peers.
//
// The directory is a mapping, not a log: there is at most one Record per
// peer ID, updates overwrite and removals delete. It has no expiry timer of
// its own; transports report discovery, expiry and disconnect events and the
// directory reflects them.
package peers

import (
	"sort"
	"sync"

	"github.com/kabili207/zeta-go/core/events"
)

// Record describes one known peer.
type Record struct {
	// PeerID is the peer's stable identity.
	PeerID string `json:"peer_id"`
	// Address is the last known reachable address. Addresses are advisory.
	Address string `json:"address"`
	// Name is an optional display label.
	Name string `json:"name,omitempty"`
	// IsBrowser is true for relay-attached sessions.
	IsBrowser bool `json:"is_browser"`
}

// DeltaKind identifies the kind of directory change.
type DeltaKind int

const (
	// DeltaJoined is published when a record is created.
	DeltaJoined DeltaKind = iota
	// DeltaUpdated is published when an existing record changes.
	DeltaUpdated
	// DeltaLeft is published when a record is removed.
	DeltaLeft
)

func (k DeltaKind) String() string {
	switch k {
	case DeltaJoined:
		return "joined"
	case DeltaUpdated:
		return "updated"
	case DeltaLeft:
		return "left"
	default:
		return "unknown"
	}
}

// Delta is a single change to the directory.
type Delta struct {
	Kind   DeltaKind
	Record Record
}

// Directory is a thread-safe mapping of peer ID to Record.
type Directory struct {
	mu      sync.RWMutex
	records map[string]Record
	deltas  events.Bus[Delta]
}

// NewDirectory creates an empty directory.
func NewDirectory() *Directory {
	return &Directory{
		records: make(map[string]Record),
	}
}

// Subscribe registers fn to receive every directory delta. Deltas are
// delivered after the directory lock is released.
func (d *Directory) Subscribe(fn func(Delta)) func() {
	return d.deltas.Subscribe(fn)
}

// Upsert creates or overwrites the record for r.PeerID. Overwriting a record
// with an identical one publishes nothing. Records with an empty PeerID are
// ignored.
func (d *Directory) Upsert(r Record) {
	if r.PeerID == "" {
		return
	}

	d.mu.Lock()
	prev, exists := d.records[r.PeerID]
	d.records[r.PeerID] = r
	d.mu.Unlock()

	switch {
	case !exists:
		d.deltas.Publish(Delta{Kind: DeltaJoined, Record: r})
	case prev != r:
		d.deltas.Publish(Delta{Kind: DeltaUpdated, Record: r})
	}
}

// Remove deletes the record for peerID. Removing an absent peer is a no-op.
func (d *Directory) Remove(peerID string) {
	d.mu.Lock()
	prev, exists := d.records[peerID]
	delete(d.records, peerID)
	d.mu.Unlock()

	if exists {
		d.deltas.Publish(Delta{Kind: DeltaLeft, Record: prev})
	}
}

// Get returns the record for peerID.
func (d *Directory) Get(peerID string) (Record, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	r, ok := d.records[peerID]
	return r, ok
}

// Len returns the number of records.
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.records)
}

// Snapshot returns a copy of every record, sorted by peer ID.
func (d *Directory) Snapshot() []Record {
	d.mu.RLock()
	out := make([]Record, 0, len(d.records))
	for _, r := range d.records {
		out = append(out, r)
	}
	d.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].PeerID < out[j].PeerID })
	return out
}

// Reset replaces every record with records. It publishes DeltaLeft for
// peers that are gone and DeltaJoined or DeltaUpdated for the rest.
func (d *Directory) Reset(records []Record) {
	next := make(map[string]Record, len(records))
	for _, r := range records {
		if r.PeerID != "" {
			next[r.PeerID] = r
		}
	}

	d.mu.Lock()
	prev := d.records
	d.records = next
	d.mu.Unlock()

	var deltas []Delta
	for id, r := range prev {
		if _, ok := next[id]; !ok {
			deltas = append(deltas, Delta{Kind: DeltaLeft, Record: r})
		}
	}
	for id, r := range next {
		old, ok := prev[id]
		switch {
		case !ok:
			deltas = append(deltas, Delta{Kind: DeltaJoined, Record: r})
		case old != r:
			deltas = append(deltas, Delta{Kind: DeltaUpdated, Record: r})
		}
	}
	for _, delta := range deltas {
		d.deltas.Publish(delta)
	}
}
