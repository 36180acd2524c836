package relay

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/kabili207/zeta-go/core/clock"
	"github.com/kabili207/zeta-go/core/feed"
	"github.com/kabili207/zeta-go/core/identity"
	"github.com/kabili207/zeta-go/core/wire"
	"github.com/kabili207/zeta-go/device/node"
	"github.com/kabili207/zeta-go/metrics"
	"github.com/kabili207/zeta-go/transport"
)

type testHub struct {
	node    *node.Node
	bridge  *Bridge
	server  *httptest.Server
	metrics *metrics.Metrics
}

func newTestHub(t *testing.T, cfg Config) *testHub {
	t.Helper()
	id, err := identity.Generate()
	require.NoError(t, err)

	n := node.New(node.Config{Identity: id, Logger: zaptest.NewLogger(t)})
	m := metrics.New(nil)

	cfg.Core = n
	cfg.Metrics = m
	cfg.Logger = zaptest.NewLogger(t)
	if cfg.Clock == nil {
		cfg.Clock = clock.Fixed(1700000000)
	}
	b, err := New(cfg)
	require.NoError(t, err)

	srv := httptest.NewServer(b)
	t.Cleanup(func() {
		_ = b.Close()
		srv.Close()
		_ = n.Close()
	})
	return &testHub{node: n, bridge: b, server: srv, metrics: m}
}

func (h *testHub) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readMsg(t *testing.T, conn *websocket.Conn) wire.Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	msg, err := wire.DecodeRelay(data)
	require.NoError(t, err)
	return msg
}

func send(t *testing.T, conn *websocket.Conn, m wire.Message) {
	t.Helper()
	data, err := wire.EncodeRelay(m)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

func readSnapshot(t *testing.T, conn *websocket.Conn) wire.Snapshot {
	t.Helper()
	msg := readMsg(t, conn)
	snap, ok := msg.(wire.Snapshot)
	require.True(t, ok, "expected init, got %T", msg)
	return snap
}

func readPeerJoined(t *testing.T, conn *websocket.Conn) wire.PeerJoined {
	t.Helper()
	msg := readMsg(t, conn)
	pj, ok := msg.(wire.PeerJoined)
	require.True(t, ok, "expected peer_joined, got %T", msg)
	return pj
}

func TestNew_RequiresCore(t *testing.T) {
	_, err := New(Config{})
	assert.ErrorIs(t, err, ErrNoCore)
}

func TestSession_Snapshot(t *testing.T) {
	h := newTestHub(t, Config{})
	h.node.PublishLocal(feed.Post{ID: "p1", Author: "A", Content: "hello", Timestamp: 1000})

	conn := h.dial(t)
	snap := readSnapshot(t, conn)

	assert.Equal(t, h.node.PeerID(), snap.PeerID)
	require.Len(t, snap.Posts, 1)
	assert.Equal(t, "p1", snap.Posts[0].ID)
	assert.Empty(t, snap.Peers)

	assert.Eventually(t, func() bool { return h.node.Directory().Len() == 1 },
		time.Second, 5*time.Millisecond)
	rec := h.node.Directory().Snapshot()[0]
	assert.True(t, rec.IsBrowser)
	assert.True(t, strings.HasPrefix(rec.PeerID, SessionPrefix))
	assert.Len(t, rec.PeerID, len(SessionPrefix)+8)
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.RelaySessions))
}

func TestSession_LocalPostPushed(t *testing.T) {
	h := newTestHub(t, Config{})
	conn := h.dial(t)
	readSnapshot(t, conn)

	p := feed.Post{ID: "p1", Author: "A", Content: "hello", Timestamp: 1000}
	h.node.PublishLocal(p)

	msg := readMsg(t, conn)
	ann, ok := msg.(wire.PostAnnounce)
	require.True(t, ok, "expected new_post, got %T", msg)
	assert.Equal(t, p, ann.Post)
}

func TestSession_SubmitScenario(t *testing.T) {
	h := newTestHub(t, Config{})

	alice := h.dial(t)
	readSnapshot(t, alice)

	bob := h.dial(t)
	bobSnap := readSnapshot(t, bob)
	require.Len(t, bobSnap.Peers, 1)
	aliceID := bobSnap.Peers[0].PeerID
	assert.True(t, bobSnap.Peers[0].IsBrowser)

	bobID := readPeerJoined(t, alice).PeerID
	assert.NotEqual(t, aliceID, bobID)

	send(t, alice, wire.PostSubmit{Type: wire.TypePost, Content: "hi", AuthorName: "Bob"})

	msg := readMsg(t, bob)
	ann, ok := msg.(wire.PostAnnounce)
	require.True(t, ok, "expected new_post, got %T", msg)
	assert.Equal(t, "hi", ann.Post.Content)
	assert.Equal(t, "Bob", ann.Post.AuthorName)
	assert.Equal(t, aliceID, ann.Post.Author)
	assert.Equal(t, int64(1700000000), ann.Post.Timestamp)
	assert.NotEmpty(t, ann.Post.ID)

	assert.True(t, h.node.Store().Contains(ann.Post.ID))

	// Without a client id the originator learns the id from the hub.
	msg = readMsg(t, alice)
	echo, ok := msg.(wire.PostAnnounce)
	require.True(t, ok, "expected new_post, got %T", msg)
	assert.Equal(t, ann.Post.ID, echo.Post.ID)
}

func TestSession_SubmitWithClientIDSkipsOriginator(t *testing.T) {
	h := newTestHub(t, Config{})

	alice := h.dial(t)
	readSnapshot(t, alice)
	bob := h.dial(t)
	readSnapshot(t, bob)
	readPeerJoined(t, alice)

	send(t, alice, wire.PostSubmit{
		Type:      wire.TypePost,
		Content:   "echoed",
		ID:        "client-1",
		Timestamp: 42,
	})

	msg := readMsg(t, bob)
	ann, ok := msg.(wire.PostAnnounce)
	require.True(t, ok, "expected new_post, got %T", msg)
	assert.Equal(t, "client-1", ann.Post.ID)
	assert.Equal(t, int64(42), ann.Post.Timestamp)

	// Frames are handled in order, so the pong is the next thing alice sees.
	send(t, alice, wire.NewPing())
	_, ok = readMsg(t, alice).(wire.Pong)
	assert.True(t, ok)
}

func TestSession_PingPong(t *testing.T) {
	h := newTestHub(t, Config{})
	conn := h.dial(t)
	readSnapshot(t, conn)

	send(t, conn, wire.NewPing())
	_, ok := readMsg(t, conn).(wire.Pong)
	assert.True(t, ok)
	assert.Equal(t, 0, h.node.Store().Len())
}

func TestSession_IgnoresMalformedAndEmpty(t *testing.T) {
	h := newTestHub(t, Config{})
	conn := h.dial(t)
	readSnapshot(t, conn)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("garbage")))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"bogus"}`)))
	send(t, conn, wire.PostSubmit{Type: wire.TypePost, Content: "   "})

	send(t, conn, wire.NewPing())
	_, ok := readMsg(t, conn).(wire.Pong)
	assert.True(t, ok)
	assert.Equal(t, 0, h.node.Store().Len())
}

func TestSession_MeshPostPushed(t *testing.T) {
	h := newTestHub(t, Config{})
	conn := h.dial(t)
	readSnapshot(t, conn)

	data, err := wire.EncodePost(feed.Post{ID: "m1", Author: "B", Content: "from mesh"})
	require.NoError(t, err)
	h.node.HandleMeshMessage(data, transport.Source{Substrate: "memory", PeerID: "peer-b"})

	ann, ok := readMsg(t, conn).(wire.PostAnnounce)
	require.True(t, ok)
	assert.Equal(t, "m1", ann.Post.ID)
}

func TestSession_DisconnectRemovesPeer(t *testing.T) {
	h := newTestHub(t, Config{})

	alice := h.dial(t)
	readSnapshot(t, alice)
	bob := h.dial(t)
	readSnapshot(t, bob)
	bobID := readPeerJoined(t, alice).PeerID

	require.NoError(t, bob.Close())

	msg := readMsg(t, alice)
	left, ok := msg.(wire.PeerLeft)
	require.True(t, ok, "expected peer_left, got %T", msg)
	assert.Equal(t, bobID, left.PeerID)

	assert.Eventually(t, func() bool { return len(h.bridge.Sessions()) == 1 },
		time.Second, 5*time.Millisecond)
	_, found := h.node.Directory().Get(bobID)
	assert.False(t, found)
}

func TestSession_IdleTimeout(t *testing.T) {
	h := newTestHub(t, Config{IdleTimeout: 50 * time.Millisecond})
	conn := h.dial(t)
	readSnapshot(t, conn)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)

	assert.Eventually(t, func() bool { return len(h.bridge.Sessions()) == 0 },
		time.Second, 5*time.Millisecond)
}

func TestBridge_NotInitialized(t *testing.T) {
	n := node.New(node.Config{Logger: zaptest.NewLogger(t)})
	b, err := New(Config{Core: n, Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	srv := httptest.NewServer(b)
	defer srv.Close()
	defer b.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseTryAgainLater), "got %v", err)
	assert.Equal(t, 0, n.Directory().Len())
}

func TestBridge_Close(t *testing.T) {
	h := newTestHub(t, Config{})
	conn := h.dial(t)
	readSnapshot(t, conn)

	require.NoError(t, h.bridge.Close())

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)

	assert.Eventually(t, func() bool { return h.node.Directory().Len() == 0 },
		time.Second, 5*time.Millisecond)
}

func TestSession_QueueFullDrops(t *testing.T) {
	h := newTestHub(t, Config{QueueSize: 1})
	s := newSession(h.bridge, nil, "test", "browser-00000000")
	s.setState(StateActive)

	assert.True(t, s.enqueue([]byte("one")))
	assert.False(t, s.enqueue([]byte("two")))
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.RelayDropped))
	assert.Equal(t, 1, s.info().Queued)

	s.setState(StateClosed)
	assert.False(t, s.enqueue([]byte("three")))
}

func TestSessions_Info(t *testing.T) {
	h := newTestHub(t, Config{})
	conn := h.dial(t)
	readSnapshot(t, conn)

	infos := h.bridge.Sessions()
	require.Len(t, infos, 1)
	assert.Equal(t, StateActive, infos[0].State)
	assert.True(t, strings.HasPrefix(infos[0].ID, SessionPrefix))

	data, err := json.Marshal(infos[0])
	require.NoError(t, err)
	assert.Contains(t, string(data), `"remote_addr"`)
}

func TestSessionState_String(t *testing.T) {
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "active", StateActive.String())
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "unknown", SessionState(9).String())
}
