// Package relay implements the hub side of the browser relay: a WebSocket
// endpoint that attaches browser sessions to a node's feed and peer
// directory.
//
// Every session receives one init snapshot when it becomes active and
// incremental pushes afterwards: new posts announced by the node and peer
// directory deltas. Posts submitted by a session are published through the
// node as relay-originated posts, attributed to the session's synthesized
// author identity.
package relay

import (
	"errors"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kabili207/zeta-go/core/clock"
	"github.com/kabili207/zeta-go/core/feed"
	"github.com/kabili207/zeta-go/core/peers"
	"github.com/kabili207/zeta-go/core/wire"
	"github.com/kabili207/zeta-go/device/node"
	"github.com/kabili207/zeta-go/metrics"
)

const (
	// DefaultQueueSize is the default per-session outbound queue length.
	DefaultQueueSize = 256

	// DefaultWriteTimeout bounds a single frame write.
	DefaultWriteTimeout = 10 * time.Second

	// DefaultIdleTimeout closes a session that sends nothing for this long.
	// Browser clients ping every 30 seconds.
	DefaultIdleTimeout = 90 * time.Second

	// DefaultMaxMessageSize limits inbound frames.
	DefaultMaxMessageSize = 64 * 1024

	// SessionPrefix starts every synthesized browser author identity.
	SessionPrefix = "browser-"
)

var (
	// ErrNoCore is returned by New when Config.Core is nil.
	ErrNoCore = errors.New("relay: core is required")

	// ErrBridgeClosed is reported to sessions arriving after Close.
	ErrBridgeClosed = errors.New("relay: bridge closed")
)

// Core is the node state a Bridge attaches sessions to. *node.Node
// satisfies it.
type Core interface {
	Snapshot() (node.View, error)
	Directory() *peers.Directory
	SubscribePosts(fn func(node.PostEvent)) func()
	PublishFrom(p feed.Post, origin node.Origin) bool
}

var _ Core = (*node.Node)(nil)

// Config configures a Bridge.
type Config struct {
	// Core is the node sessions are attached to. Required.
	Core Core

	// Clock stamps submissions that arrive without a timestamp.
	// Default: the system clock.
	Clock *clock.Clock

	// QueueSize is the outbound queue length of each session. A push to a
	// full queue is dropped. Default: 256.
	QueueSize int

	// WriteTimeout bounds a single frame write. Default: 10s.
	WriteTimeout time.Duration

	// IdleTimeout closes a session when no frame arrives for this long.
	// Default: 90s.
	IdleTimeout time.Duration

	// MaxMessageSize limits inbound frames in bytes. Default: 64 KiB.
	MaxMessageSize int64

	// CheckOrigin validates the Origin header of upgrade requests.
	// Default: every origin is accepted.
	CheckOrigin func(r *http.Request) bool

	// Metrics records session activity. May be nil.
	Metrics *metrics.Metrics

	// Logger for relay events. Falls back to zap.NewNop() if nil.
	Logger *zap.Logger
}

// SessionInfo describes an attached session.
type SessionInfo struct {
	ID          string       `json:"id"`
	RemoteAddr  string       `json:"remote_addr"`
	State       SessionState `json:"-"`
	ConnectedAt time.Time    `json:"connected_at"`
	Queued      int          `json:"queued"`
}

// Bridge terminates browser sessions and bridges them to a node.
type Bridge struct {
	cfg      Config
	log      *zap.Logger
	core     Core
	clock    *clock.Clock
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader

	mu       sync.RWMutex
	sessions map[string]*Session
	closed   bool

	unsubscribe []func()
}

// New creates a Bridge and subscribes it to the core's posts and peer
// directory.
func New(cfg Config) (*Bridge, error) {
	if cfg.Core == nil {
		return nil, ErrNoCore
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = DefaultMaxMessageSize
	}
	checkOrigin := cfg.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	b := &Bridge{
		cfg:     cfg,
		log:     logger.Named("relay"),
		core:    cfg.Core,
		clock:   cfg.Clock,
		metrics: cfg.Metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
		sessions: make(map[string]*Session),
	}
	b.unsubscribe = []func(){
		cfg.Core.SubscribePosts(b.onPost),
		cfg.Core.Directory().Subscribe(b.onPeerDelta),
	}
	return b, nil
}

// ServeHTTP upgrades the request to a WebSocket session and serves it until
// the connection closes.
func (b *Bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied with an HTTP error.
		b.log.Debug("websocket upgrade failed",
			zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}

	s := newSession(b, conn, r.RemoteAddr, b.newSessionID())
	if err := b.activate(s); err != nil {
		b.log.Warn("rejecting relay session",
			zap.String("remote", r.RemoteAddr), zap.Error(err))
		s.reject(err)
		return
	}

	b.core.Directory().Upsert(peers.Record{
		PeerID:    s.id,
		Address:   s.remote,
		IsBrowser: true,
	})
	if s.State() == StateClosed {
		// Closed by Bridge.Close before the record was added.
		b.core.Directory().Remove(s.id)
		return
	}
	b.log.Info("relay session active",
		zap.String("session", s.id), zap.String("remote", s.remote))

	go s.writeLoop()
	s.readLoop()
}

// activate sends the session its snapshot and adds it to the active set.
// Both happen under the session-set lock, so a post announced concurrently
// is either already in the snapshot or pushed after it.
func (b *Bridge) activate(s *Session) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBridgeClosed
	}

	view, err := b.core.Snapshot()
	if err != nil {
		return err
	}
	data, err := wire.EncodeRelay(wire.NewSnapshot(view.LocalPeerID, view.Peers, view.Posts))
	if err != nil {
		return err
	}

	s.send <- data
	s.setState(StateActive)
	b.sessions[s.id] = s
	b.metrics.SessionOpened()
	return nil
}

// detach removes a closed session from the active set and the directory.
func (b *Bridge) detach(s *Session) {
	b.mu.Lock()
	_, ok := b.sessions[s.id]
	if ok {
		delete(b.sessions, s.id)
	}
	b.mu.Unlock()

	if !ok {
		return
	}
	b.core.Directory().Remove(s.id)
	b.metrics.SessionClosed()
	b.log.Info("relay session closed", zap.String("session", s.id))
}

func (b *Bridge) newSessionID() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for {
		id := SessionPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
		if _, exists := b.sessions[id]; !exists {
			return id
		}
	}
}

// submit publishes a post submitted by session s.
func (b *Bridge) submit(s *Session, m wire.PostSubmit) {
	if strings.TrimSpace(m.Content) == "" {
		s.log.Debug("ignoring empty post submission")
		return
	}

	p := feed.Post{
		ID:         m.ID,
		Author:     s.id,
		AuthorName: m.AuthorName,
		Content:    m.Content,
		Timestamp:  m.Timestamp,
	}
	origin := node.Origin{Kind: node.OriginRelay}
	if p.ID == "" {
		p.ID = feed.NewID()
	} else {
		// The client already shows its own post.
		origin.Session = s.id
	}
	if p.Timestamp == 0 {
		p.Timestamp = b.clock.Now()
	}

	inserted := b.core.PublishFrom(p, origin)
	s.log.Debug("post submitted",
		zap.String("post", p.ID), zap.Bool("inserted", inserted))
}

func (b *Bridge) onPost(ev node.PostEvent) {
	data, err := wire.EncodeRelay(wire.NewPostAnnounce(ev.Post))
	if err != nil {
		b.log.Error("failed to encode post announcement", zap.Error(err))
		return
	}
	b.fanOut(data, ev.Origin.Session)
}

func (b *Bridge) onPeerDelta(d peers.Delta) {
	var msg wire.Message
	switch d.Kind {
	case peers.DeltaJoined, peers.DeltaUpdated:
		msg = wire.NewPeerJoined(d.Record)
	case peers.DeltaLeft:
		msg = wire.NewPeerLeft(d.Record.PeerID)
	default:
		return
	}
	data, err := wire.EncodeRelay(msg)
	if err != nil {
		b.log.Error("failed to encode peer delta", zap.Error(err))
		return
	}
	// A session is not told about its own record.
	b.fanOut(data, d.Record.PeerID)
}

// fanOut queues data on every active session except the one named by skip.
// It never blocks on a slow session.
func (b *Bridge) fanOut(data []byte, skip string) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for id, s := range b.sessions {
		if id == skip {
			continue
		}
		s.enqueue(data)
	}
}

// Sessions returns the attached sessions ordered by ID.
func (b *Bridge) Sessions() []SessionInfo {
	b.mu.RLock()
	out := make([]SessionInfo, 0, len(b.sessions))
	for _, s := range b.sessions {
		out = append(out, s.info())
	}
	b.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Close disconnects every session and detaches the bridge from its core.
// Upgrade requests arriving afterwards are rejected.
func (b *Bridge) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	sessions := make([]*Session, 0, len(b.sessions))
	for _, s := range b.sessions {
		sessions = append(sessions, s)
	}
	b.mu.Unlock()

	for _, s := range sessions {
		s.close(websocket.CloseGoingAway, "hub shutting down")
	}
	for _, fn := range b.unsubscribe {
		fn()
	}
	return nil
}
