package node

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/kabili207/zeta-go/core/clock"
	"github.com/kabili207/zeta-go/core/feed"
	"github.com/kabili207/zeta-go/core/identity"
	"github.com/kabili207/zeta-go/core/peers"
	"github.com/kabili207/zeta-go/core/wire"
	"github.com/kabili207/zeta-go/transport"
	"github.com/kabili207/zeta-go/transport/memory"
)

// mockMesh implements transport.Mesh for testing.
type mockMesh struct {
	name string

	mu      sync.Mutex
	sent    [][]byte
	err     error
	handler transport.MessageHandler
}

func newMockMesh(name string) *mockMesh {
	return &mockMesh{name: name}
}

func (m *mockMesh) Name() string                             { return m.name }
func (m *mockMesh) Start(_ context.Context) error            { return nil }
func (m *mockMesh) Stop() error                              { return nil }
func (m *mockMesh) IsConnected() bool                        { return true }
func (m *mockMesh) SetStateHandler(_ transport.StateHandler) {}

func (m *mockMesh) SetMessageHandler(fn transport.MessageHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = fn
}

func (m *mockMesh) Broadcast(data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, data)
	return m.err
}

func (m *mockMesh) setErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

func (m *mockMesh) sentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

func (m *mockMesh) lastSent() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sent) == 0 {
		return nil
	}
	return m.sent[len(m.sent)-1]
}

// deliver simulates an inbound mesh message.
func (m *mockMesh) deliver(data []byte, peerID string) {
	m.mu.Lock()
	h := m.handler
	m.mu.Unlock()
	h(data, transport.Source{PeerID: peerID})
}

func newTestNode(t *testing.T, cfg Config) *Node {
	t.Helper()
	if cfg.Identity == nil {
		id, err := identity.Generate()
		require.NoError(t, err)
		cfg.Identity = id
	}
	cfg.Logger = zaptest.NewLogger(t)
	n := New(cfg)
	t.Cleanup(func() { _ = n.Close() })
	return n
}

type postRecorder struct {
	mu     sync.Mutex
	events []PostEvent
}

func (r *postRecorder) record(ev PostEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *postRecorder) all() []PostEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]PostEvent, len(r.events))
	copy(out, r.events)
	return out
}

func encodePost(t *testing.T, p feed.Post) []byte {
	t.Helper()
	data, err := wire.EncodePost(p)
	require.NoError(t, err)
	return data
}

func TestPublishLocal_Scenario(t *testing.T) {
	n := newTestNode(t, Config{})
	mesh := newMockMesh("mock")
	n.AddMesh(mesh)

	var rec postRecorder
	n.SubscribePosts(rec.record)

	p := feed.Post{ID: "p1", Author: "A", Content: "hello", Timestamp: 1000}
	assert.True(t, n.PublishLocal(p))

	assert.Equal(t, []feed.Post{p}, n.Store().Snapshot())

	require.Equal(t, 1, mesh.sentCount())
	msg, err := wire.DecodeMesh(mesh.lastSent())
	require.NoError(t, err)
	assert.Equal(t, wire.MeshPost, msg.Kind)
	assert.Equal(t, p, msg.Post)

	events := rec.all()
	require.Len(t, events, 1)
	assert.Equal(t, p, events[0].Post)
	assert.Equal(t, OriginLocal, events[0].Origin.Kind)

	assert.Equal(t, uint64(1), n.Counters().PostsLocal.Load())
	assert.Equal(t, uint64(1), n.Counters().Broadcasts.Load())
}

func TestPublishLocal_ResubmissionStillDisseminated(t *testing.T) {
	n := newTestNode(t, Config{})
	mesh := newMockMesh("mock")
	n.AddMesh(mesh)

	var rec postRecorder
	n.SubscribePosts(rec.record)

	p := feed.Post{ID: "p1", Author: "A", Content: "hello", Timestamp: 1000}
	assert.True(t, n.PublishLocal(p))
	assert.False(t, n.PublishLocal(p))

	assert.Equal(t, 1, n.Store().Len())
	assert.Equal(t, 2, mesh.sentCount())
	assert.Len(t, rec.all(), 2)
	assert.Equal(t, uint64(1), n.Counters().Duplicates.Load())
}

func TestPublishLocal_BroadcastFailureDoesNotBlock(t *testing.T) {
	n := newTestNode(t, Config{})
	failing := newMockMesh("failing")
	failing.setErr(errors.New("no subscribers"))
	healthy := newMockMesh("healthy")
	n.AddMesh(failing)
	n.AddMesh(healthy)

	var rec postRecorder
	n.SubscribePosts(rec.record)

	p := feed.Post{ID: "p1", Author: "A", Content: "hello", Timestamp: 1000}
	assert.True(t, n.PublishLocal(p))

	assert.True(t, n.Store().Contains("p1"))
	assert.Len(t, rec.all(), 1)
	assert.Equal(t, 1, healthy.sentCount())

	snap := n.Counters().Snapshot()
	assert.Equal(t, uint64(1), snap.BroadcastFailures)
	assert.Equal(t, uint64(1), snap.Broadcasts)
}

func TestSubmitLocalPost(t *testing.T) {
	n := newTestNode(t, Config{Clock: clock.Fixed(1700000000)})

	p, err := n.SubmitLocalPost("", "", "hello")
	require.NoError(t, err)
	assert.NotEmpty(t, p.ID)
	assert.Equal(t, n.PeerID(), p.Author)
	assert.Equal(t, int64(1700000000), p.Timestamp)
	assert.True(t, n.Store().Contains(p.ID))

	p, err = n.SubmitLocalPost("alice", "Alice", "hi")
	require.NoError(t, err)
	assert.Equal(t, "alice", p.Author)
	assert.Equal(t, "Alice", p.AuthorName)
}

func TestSubmitLocalPost_EmptyContent(t *testing.T) {
	n := newTestNode(t, Config{})

	_, err := n.SubmitLocalPost("", "", "   ")
	assert.ErrorIs(t, err, ErrEmptyContent)
	assert.Equal(t, 0, n.Store().Len())
}

func TestNotInitialized(t *testing.T) {
	n := New(Config{})
	defer n.Close()

	_, err := n.SubmitLocalPost("", "", "hello")
	assert.ErrorIs(t, err, ErrNotInitialized)

	_, err = n.Snapshot()
	assert.ErrorIs(t, err, ErrNotInitialized)

	var nilNode *Node
	_, err = nilNode.Snapshot()
	assert.ErrorIs(t, err, ErrNotInitialized)
	assert.Empty(t, nilNode.PeerID())
}

func TestSnapshot(t *testing.T) {
	n := newTestNode(t, Config{})
	n.Directory().Upsert(peers.Record{PeerID: "peer-b", Address: "/ip4/10.0.0.2/tcp/4001"})
	n.PublishLocal(feed.Post{ID: "p1", Author: "A", Content: "one"})
	n.PublishLocal(feed.Post{ID: "p2", Author: "A", Content: "two"})

	view, err := n.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, n.PeerID(), view.LocalPeerID)
	require.Len(t, view.Peers, 1)
	assert.Equal(t, "peer-b", view.Peers[0].PeerID)
	require.Len(t, view.Posts, 2)
	assert.Equal(t, "p2", view.Posts[0].ID)
}

func TestHandleMeshMessage_NoRebroadcast(t *testing.T) {
	n := newTestNode(t, Config{})
	mesh := newMockMesh("mock")
	n.AddMesh(mesh)

	var rec postRecorder
	n.SubscribePosts(rec.record)

	p := feed.Post{ID: "m1", Author: "B", Content: "from mesh", Timestamp: 5}
	mesh.deliver(encodePost(t, p), "peer-b")

	assert.True(t, n.Store().Contains("m1"))
	assert.Equal(t, 0, mesh.sentCount())

	events := rec.all()
	require.Len(t, events, 1)
	assert.Equal(t, OriginMesh, events[0].Origin.Kind)
	assert.Equal(t, "mock", events[0].Origin.Substrate)
}

func TestHandleMeshMessage_DuplicateDropped(t *testing.T) {
	n := newTestNode(t, Config{})
	mesh := newMockMesh("mock")
	n.AddMesh(mesh)

	var rec postRecorder
	n.SubscribePosts(rec.record)

	data := encodePost(t, feed.Post{ID: "m1", Author: "B", Content: "x"})
	mesh.deliver(data, "peer-b")
	mesh.deliver(data, "peer-c")

	assert.Equal(t, 1, n.Store().Len())
	assert.Len(t, rec.all(), 1)
	assert.Equal(t, uint64(1), n.Counters().Duplicates.Load())
}

func TestHandleMeshMessage_CrossTransportMerge(t *testing.T) {
	n := newTestNode(t, Config{})
	mesh := newMockMesh("mock")
	n.AddMesh(mesh)

	p := feed.Post{ID: "x1", Author: "B", Content: "both ways"}
	mesh.deliver(encodePost(t, p), "peer-b")

	inserted := n.PublishFrom(p, Origin{Kind: OriginRelay, Session: "browser-1"})
	assert.False(t, inserted)
	assert.Equal(t, 1, n.Store().Len())
}

func TestHandleMeshMessage_Malformed(t *testing.T) {
	n := newTestNode(t, Config{})
	mesh := newMockMesh("mock")
	n.AddMesh(mesh)

	var rec postRecorder
	n.SubscribePosts(rec.record)

	for _, data := range [][]byte{
		nil,
		[]byte("not json"),
		[]byte(`{"Post":{"content":"no id"}}`),
		[]byte(`{"Unknown":{}}`),
	} {
		assert.NotPanics(t, func() { mesh.deliver(data, "peer-b") })
	}

	assert.Equal(t, 0, n.Store().Len())
	assert.Empty(t, rec.all())
	assert.Equal(t, uint64(4), n.Counters().Malformed.Load())
}

func TestHandleMeshMessage_Heartbeat(t *testing.T) {
	n := newTestNode(t, Config{})
	mesh := newMockMesh("mock")
	n.AddMesh(mesh)

	mesh.deliver(wire.EncodeHeartbeat(), "peer-b")

	assert.Equal(t, uint64(1), n.Counters().Heartbeats.Load())
	assert.Equal(t, 0, n.Store().Len())
}

func TestHandleMeshMessage_Bridge(t *testing.T) {
	n := newTestNode(t, Config{BridgeSubstrates: true})
	mqtt := newMockMesh("mqtt")
	serial := newMockMesh("serial")
	n.AddMesh(mqtt)
	n.AddMesh(serial)

	data := encodePost(t, feed.Post{ID: "b1", Author: "B", Content: "bridged"})
	mqtt.deliver(data, "peer-b")

	assert.Equal(t, 0, mqtt.sentCount())
	require.Equal(t, 1, serial.sentCount())

	// The bridged copy coming back from the other side is a duplicate.
	serial.deliver(serial.lastSent(), "peer-c")
	assert.Equal(t, 0, mqtt.sentCount())
	assert.Equal(t, 1, serial.sentCount())
}

func TestHandlePeerEvent(t *testing.T) {
	n := newTestNode(t, Config{})
	dir := n.Directory()

	n.HandlePeerEvent(transport.PeerEvent{
		Kind:      transport.PeerDiscovered,
		PeerID:    "peer-b",
		Addresses: []string{"/ip4/10.0.0.2/tcp/4001"},
	})
	r, ok := dir.Get("peer-b")
	require.True(t, ok)
	assert.Equal(t, "/ip4/10.0.0.2/tcp/4001", r.Address)

	n.HandlePeerEvent(transport.PeerEvent{
		Kind:      transport.PeerIdentified,
		PeerID:    "peer-b",
		Addresses: []string{"/ip4/10.0.0.3/tcp/4001", "/ip6/::1/tcp/4001"},
	})
	assert.Equal(t, 1, dir.Len())
	r, _ = dir.Get("peer-b")
	assert.Equal(t, "/ip6/::1/tcp/4001", r.Address)

	n.HandlePeerEvent(transport.PeerEvent{Kind: transport.PeerExpired, PeerID: "peer-b"})
	assert.Equal(t, 0, dir.Len())

	n.HandlePeerEvent(transport.PeerEvent{Kind: transport.PeerConnectionClosed, PeerID: "absent"})
	assert.Equal(t, 0, dir.Len())
}

func TestHandlePeerEvent_IgnoresSelf(t *testing.T) {
	n := newTestNode(t, Config{})

	n.HandlePeerEvent(transport.PeerEvent{
		Kind:      transport.PeerDiscovered,
		PeerID:    n.PeerID(),
		Addresses: []string{"/ip4/127.0.0.1/tcp/4001"},
	})
	n.HandlePeerEvent(transport.PeerEvent{Kind: transport.PeerDiscovered})

	assert.Equal(t, 0, n.Directory().Len())
}

func TestMemoryMesh_EndToEnd(t *testing.T) {
	network := memory.NewNetwork()

	a := newTestNode(t, Config{})
	b := newTestNode(t, Config{})
	c := newTestNode(t, Config{})

	for _, n := range []*Node{a, b, c} {
		ep := network.Endpoint(n.PeerID(), "/memory/"+n.PeerID())
		n.AddMesh(ep)
		n.AddDiscovery(ep)
	}

	ctx := context.Background()
	require.NoError(t, a.Start(ctx))
	require.NoError(t, b.Start(ctx))
	require.NoError(t, c.Start(ctx))

	assert.Equal(t, 2, a.Directory().Len())
	assert.Equal(t, 2, b.Directory().Len())
	assert.Equal(t, 2, c.Directory().Len())

	p, err := a.SubmitLocalPost("", "", "hello mesh")
	require.NoError(t, err)

	assert.True(t, b.Store().Contains(p.ID))
	assert.True(t, c.Store().Contains(p.ID))

	// Mesh ingress never re-broadcasts, so each node saw exactly one copy.
	assert.Equal(t, uint64(0), b.Counters().Duplicates.Load())
	assert.Equal(t, uint64(0), c.Counters().Duplicates.Load())

	require.NoError(t, c.Stop())
	_, ok := a.Directory().Get(c.PeerID())
	assert.False(t, ok)
}

func TestHeartbeatLoop(t *testing.T) {
	n := newTestNode(t, Config{HeartbeatInterval: 10 * time.Millisecond})
	mesh := newMockMesh("mock")
	n.AddMesh(mesh)

	require.NoError(t, n.Start(context.Background()))

	assert.Eventually(t, func() bool {
		return mesh.sentCount() >= 2
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, n.Stop())

	msg, err := wire.DecodeMesh(mesh.lastSent())
	require.NoError(t, err)
	assert.Equal(t, wire.MeshHeartbeat, msg.Kind)
}

func TestStart_Twice(t *testing.T) {
	n := newTestNode(t, Config{})
	require.NoError(t, n.Start(context.Background()))
	assert.Error(t, n.Start(context.Background()))
	require.NoError(t, n.Stop())
	require.NoError(t, n.Stop())
}

func TestCounters_Reset(t *testing.T) {
	var c Counters
	c.PostsMesh.Add(3)
	c.Malformed.Add(1)

	snap := c.Snapshot()
	assert.Equal(t, uint64(3), snap.PostsMesh)
	assert.Equal(t, uint64(1), snap.Malformed)

	c.Reset()
	assert.Equal(t, CountersSnapshot{}, c.Snapshot())
}

func TestOriginKind_String(t *testing.T) {
	assert.Equal(t, "local", OriginLocal.String())
	assert.Equal(t, "relay", OriginRelay.String())
	assert.Equal(t, "mesh", OriginMesh.String())
	assert.Equal(t, "unknown", OriginKind(99).String())
}
