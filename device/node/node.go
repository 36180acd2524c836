// Package node implements a feed node: the shared state every other part of
// the system reads and mutates, the dissemination path for locally authored
// posts, and the ingress path for mesh traffic.
//
// A Node owns one FeedStore and one PeerDirectory. Posts flow in three ways:
//   - Local authoring (PublishLocal, SubmitLocalPost): stored first, then
//     broadcast on every mesh substrate and announced to observers.
//   - Relay submissions (PublishFrom with OriginRelay): handled exactly like
//     local posts but attributed to the browser author.
//   - Mesh ingress (HandleMeshMessage): stored and announced to observers if
//     new, never re-broadcast onto the mesh it came from.
//
// Observers such as the relay bridge subscribe with SubscribePosts and
// Directory().Subscribe.
package node

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kabili207/zeta-go/core/clock"
	"github.com/kabili207/zeta-go/core/events"
	"github.com/kabili207/zeta-go/core/feed"
	"github.com/kabili207/zeta-go/core/identity"
	"github.com/kabili207/zeta-go/core/peers"
	"github.com/kabili207/zeta-go/metrics"
	"github.com/kabili207/zeta-go/transport"
)

var (
	// ErrNotInitialized is returned when an operation needs the node's
	// identity before the node has one.
	ErrNotInitialized = errors.New("node not initialized")

	// ErrEmptyContent is returned when a submitted post has no content.
	ErrEmptyContent = errors.New("post content is empty")
)

// OriginKind identifies where a post entered this node.
type OriginKind int

const (
	// OriginLocal is a post authored on this node.
	OriginLocal OriginKind = iota
	// OriginRelay is a post submitted by a relay session.
	OriginRelay
	// OriginMesh is a post received from a mesh substrate.
	OriginMesh
)

func (k OriginKind) String() string {
	switch k {
	case OriginLocal:
		return "local"
	case OriginRelay:
		return "relay"
	case OriginMesh:
		return "mesh"
	default:
		return "unknown"
	}
}

// Origin describes where a post entered this node.
type Origin struct {
	Kind OriginKind
	// Substrate is the mesh substrate a mesh post arrived on.
	Substrate string
	// Session is the relay session that already holds the post and must not
	// be sent it again. Empty means every session receives it.
	Session string
}

// PostEvent announces a post to observers.
type PostEvent struct {
	Post   feed.Post
	Origin Origin
}

// View is a point-in-time copy of the node's state.
type View struct {
	LocalPeerID string
	Peers       []peers.Record
	Posts       []feed.Post
}

// Config configures a Node.
type Config struct {
	// Identity is this node's key pair. Operations that need the local peer
	// ID return ErrNotInitialized while it is nil.
	Identity *identity.Identity

	// Store is the feed. Default: a MemoryStore of FeedCapacity posts.
	Store feed.Store

	// FeedCapacity is the capacity of the default store.
	// Default: 1000 (feed.DefaultCapacity).
	FeedCapacity int

	// Directory is the peer directory. Default: an empty directory.
	Directory *peers.Directory

	// Clock stamps locally authored posts. Default: the system clock.
	Clock *clock.Clock

	// BridgeSubstrates re-broadcasts new mesh posts on every other mesh
	// substrate, joining otherwise separate meshes (for example an MQTT mesh
	// and a serial link). A post is never sent back to the substrate it
	// arrived on.
	BridgeSubstrates bool

	// HeartbeatInterval is how often a heartbeat is broadcast on the mesh.
	// Zero disables heartbeats.
	HeartbeatInterval time.Duration

	// Metrics records node activity. May be nil.
	Metrics *metrics.Metrics

	// Logger for node events. Falls back to zap.NewNop() if nil.
	Logger *zap.Logger
}

// Node is the process-wide feed state and the paths that mutate it.
type Node struct {
	cfg      Config
	log      *zap.Logger
	id       *identity.Identity
	store    feed.Store
	dir      *peers.Directory
	clock    *clock.Clock
	metrics  *metrics.Metrics
	counters Counters
	posts    events.Bus[PostEvent]

	mu         sync.RWMutex
	meshes     []transport.Mesh
	transports []transport.Transport

	unsubscribePeers func()
	cancel           context.CancelFunc
	heartbeatDone    chan struct{}
}

// New creates a Node with the given configuration.
func New(cfg Config) *Node {
	if cfg.Store == nil {
		cfg.Store = feed.NewMemoryStore(cfg.FeedCapacity)
	}
	if cfg.Directory == nil {
		cfg.Directory = peers.NewDirectory()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	n := &Node{
		cfg:     cfg,
		log:     logger.Named("node"),
		id:      cfg.Identity,
		store:   cfg.Store,
		dir:     cfg.Directory,
		clock:   cfg.Clock,
		metrics: cfg.Metrics,
	}
	n.unsubscribePeers = n.dir.Subscribe(n.onPeerDelta)
	return n
}

// PeerID returns this node's peer ID, or "" before it has an identity.
func (n *Node) PeerID() string {
	if n == nil || n.id == nil {
		return ""
	}
	return n.id.PeerID().String()
}

// Store returns the node's feed.
func (n *Node) Store() feed.Store {
	return n.store
}

// Directory returns the node's peer directory.
func (n *Node) Directory() *peers.Directory {
	return n.dir
}

// Counters returns the node's activity counters.
func (n *Node) Counters() *Counters {
	return &n.counters
}

// SubscribePosts registers fn to receive every post announced by the node:
// locally published and relay-submitted posts, and mesh posts that were new.
func (n *Node) SubscribePosts(fn func(PostEvent)) func() {
	return n.posts.Subscribe(fn)
}

// AddMesh registers a mesh substrate. The node installs itself as the
// substrate's message handler and broadcasts on it from then on.
func (n *Node) AddMesh(m transport.Mesh) {
	n.mu.Lock()
	n.meshes = append(n.meshes, m)
	n.addTransportLocked(m)
	n.mu.Unlock()

	name := m.Name()
	m.SetMessageHandler(func(data []byte, src transport.Source) {
		if src.Substrate == "" {
			src.Substrate = name
		}
		n.HandleMeshMessage(data, src)
	})
}

// AddDiscovery registers a discovery substrate. The node installs itself as
// the substrate's peer handler.
func (n *Node) AddDiscovery(d transport.Discovery) {
	n.mu.Lock()
	n.addTransportLocked(d)
	n.mu.Unlock()

	d.SetPeerHandler(n.HandlePeerEvent)
}

func (n *Node) addTransportLocked(t transport.Transport) {
	for _, existing := range n.transports {
		if existing == t {
			return
		}
	}
	n.transports = append(n.transports, t)
}

// Start starts every registered substrate and the heartbeat loop. A
// substrate that fails to start is logged and skipped; the node keeps
// running on the others.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	if n.cancel != nil {
		n.mu.Unlock()
		return errors.New("node already started")
	}
	ctx, cancel := context.WithCancel(ctx)
	n.cancel = cancel
	transports := make([]transport.Transport, len(n.transports))
	copy(transports, n.transports)
	n.mu.Unlock()

	for _, t := range transports {
		if err := t.Start(ctx); err != nil {
			n.log.Error("failed to start substrate",
				zap.String("substrate", t.Name()), zap.Error(err))
			continue
		}
		n.log.Info("substrate started", zap.String("substrate", t.Name()))
	}

	if n.cfg.HeartbeatInterval > 0 {
		done := make(chan struct{})
		n.mu.Lock()
		n.heartbeatDone = done
		n.mu.Unlock()
		go n.heartbeatLoop(ctx, n.cfg.HeartbeatInterval, done)
	}

	n.log.Info("node started", zap.String("peer_id", n.PeerID()))
	return nil
}

// Stop stops the heartbeat loop and every registered substrate.
func (n *Node) Stop() error {
	n.mu.Lock()
	cancel := n.cancel
	done := n.heartbeatDone
	n.cancel = nil
	n.heartbeatDone = nil
	transports := make([]transport.Transport, len(n.transports))
	copy(transports, n.transports)
	n.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	if done != nil {
		<-done
	}

	var errs []error
	for i := len(transports) - 1; i >= 0; i-- {
		if err := transports[i].Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close stops the node and detaches it from its directory.
func (n *Node) Close() error {
	err := n.Stop()
	if n.unsubscribePeers != nil {
		n.unsubscribePeers()
	}
	return err
}

// Snapshot returns the local peer ID, the peer directory and the feed.
func (n *Node) Snapshot() (View, error) {
	if n == nil || n.id == nil {
		return View{}, ErrNotInitialized
	}
	return View{
		LocalPeerID: n.PeerID(),
		Peers:       n.dir.Snapshot(),
		Posts:       n.store.Snapshot(),
	}, nil
}

func (n *Node) onPeerDelta(d peers.Delta) {
	n.metrics.SetPeers(n.dir.Len())
	n.log.Debug("peer directory changed",
		zap.Stringer("kind", d.Kind),
		zap.String("peer", d.Record.PeerID),
		zap.String("address", d.Record.Address))
}
