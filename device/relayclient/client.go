// Package relayclient implements the browser side of the relay: a client
// that attaches to a hub over WebSocket and keeps shadow copies of the hub's
// feed and peer directory.
//
// The client reconnects after a fixed delay whenever the connection drops
// and pings the hub on a fixed interval while connected. Every connection
// starts with an init snapshot that replaces the shadow copies.
package relayclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kabili207/zeta-go/core/clock"
	"github.com/kabili207/zeta-go/core/events"
	"github.com/kabili207/zeta-go/core/feed"
	"github.com/kabili207/zeta-go/core/identity"
	"github.com/kabili207/zeta-go/core/peers"
	"github.com/kabili207/zeta-go/core/wire"
)

const (
	// DefaultReconnectDelay is the fixed wait before each reconnection attempt.
	DefaultReconnectDelay = 3 * time.Second

	// DefaultPingInterval is the keep-alive interval while connected.
	DefaultPingInterval = 30 * time.Second

	// DefaultWriteTimeout bounds a single frame write.
	DefaultWriteTimeout = 10 * time.Second

	// DisplayNamePrefix starts the default display name.
	DisplayNamePrefix = "Browser-"
)

var (
	// ErrNotInitialized is returned before Init has loaded an identity.
	ErrNotInitialized = errors.New("relayclient: not initialized")

	// ErrEmptyContent is returned by Publish for empty content.
	ErrEmptyContent = errors.New("relayclient: post content is empty")

	// ErrNotConnected is returned when writing without a connection.
	ErrNotConnected = errors.New("relayclient: not connected")
)

// State is the client's connection state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// Dialer opens WebSocket connections. *websocket.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, urlStr string, requestHeader http.Header) (*websocket.Conn, *http.Response, error)
}

// Config configures a Client.
type Config struct {
	// URL is the hub's WebSocket endpoint, for example ws://host:3030/ws.
	URL string

	// DisplayName labels this client's posts. Default: "Browser-" plus the
	// last 8 characters of the peer ID.
	DisplayName string

	// ReconnectDelay is the wait before each reconnection attempt.
	// Default: 3s.
	ReconnectDelay time.Duration

	// PingInterval is the keep-alive interval. Default: 30s.
	PingInterval time.Duration

	// ReadTimeout closes a connection that delivers no frame for this long.
	// The hub answers every ping, so a live hub never trips it.
	// Default: twice PingInterval.
	ReadTimeout time.Duration

	// WriteTimeout bounds a single frame write. Default: 10s.
	WriteTimeout time.Duration

	// FeedCapacity is the capacity of the shadow feed.
	// Default: 1000 (feed.DefaultCapacity).
	FeedCapacity int

	// KeyStore persists the identity seed. Default: a MemoryKeyStore.
	KeyStore KeyStore

	// Dialer opens connections. Default: websocket.DefaultDialer.
	Dialer Dialer

	// Clock stamps published posts. Default: the system clock.
	Clock *clock.Clock

	// Logger for client events. Falls back to zap.NewNop() if nil.
	Logger *zap.Logger
}

// Client is a browser-side relay participant.
type Client struct {
	cfg    Config
	log    *zap.Logger
	dialer Dialer
	clock  *clock.Clock
	store  *feed.MemoryStore
	dir    *peers.Directory

	mu          sync.RWMutex
	id          *identity.Identity
	displayName string
	hubPeerID   string
	state       State
	conn        *websocket.Conn
	pending     []feed.Post

	writeMu sync.Mutex

	posts  events.Bus[feed.Post]
	feeds  events.Bus[[]feed.Post]
	states events.Bus[State]
}

// New creates a Client. Call Init before Run or Publish.
func New(cfg Config) *Client {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultPingInterval
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 2 * cfg.PingInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.KeyStore == nil {
		cfg.KeyStore = &MemoryKeyStore{}
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{
		cfg:    cfg,
		log:    logger.Named("relayclient"),
		dialer: cfg.Dialer,
		clock:  cfg.Clock,
		store:  feed.NewMemoryStore(cfg.FeedCapacity),
		dir:    peers.NewDirectory(),
	}
}

// Init loads the identity from the key store. Missing or unreadable key
// material is replaced by a freshly generated identity, which is stored.
func (c *Client) Init() error {
	id, err := c.loadIdentity()
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.id = id
	c.displayName = c.cfg.DisplayName
	if c.displayName == "" {
		c.displayName = DisplayNamePrefix + id.PeerID().ShortString()
	}
	c.mu.Unlock()

	c.log.Info("relay client initialized",
		zap.Stringer("peer_id", id.PeerID()),
		zap.String("display_name", c.DisplayName()))
	return nil
}

func (c *Client) loadIdentity() (*identity.Identity, error) {
	seed, err := c.cfg.KeyStore.Load()
	if err == nil {
		id, decErr := identity.DecodeSeed(seed)
		if decErr == nil {
			return id, nil
		}
		c.log.Warn("stored key is unusable, generating a new identity", zap.Error(decErr))
	} else if !errors.Is(err, ErrNoKey) {
		c.log.Warn("failed to load stored key, generating a new identity", zap.Error(err))
	}

	id, err := identity.Generate()
	if err != nil {
		return nil, err
	}
	if err := c.cfg.KeyStore.Store(id.EncodeSeed()); err != nil {
		return nil, fmt.Errorf("storing identity: %w", err)
	}
	return id, nil
}

// PeerID returns the client's peer ID, or "" before Init.
func (c *Client) PeerID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.id == nil {
		return ""
	}
	return c.id.PeerID().String()
}

// DisplayName returns the label attached to published posts.
func (c *Client) DisplayName() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.displayName
}

// HubPeerID returns the hub's peer ID from the last snapshot.
func (c *Client) HubPeerID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hubPeerID
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Posts returns the shadow feed, newest first.
func (c *Client) Posts() []feed.Post {
	return c.store.Snapshot()
}

// Peers returns the shadow peer directory.
func (c *Client) Peers() []peers.Record {
	return c.dir.Snapshot()
}

// Pending returns the client's own posts not yet delivered to a hub.
func (c *Client) Pending() []feed.Post {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]feed.Post, len(c.pending))
	copy(out, c.pending)
	return out
}

// SubscribePosts registers fn for every post added to the shadow feed.
func (c *Client) SubscribePosts(fn func(feed.Post)) func() {
	return c.posts.Subscribe(fn)
}

// SubscribeFeed registers fn for every snapshot that replaces the shadow
// feed. fn receives the new feed, newest first.
func (c *Client) SubscribeFeed(fn func([]feed.Post)) func() {
	return c.feeds.Subscribe(fn)
}

// SubscribePeers registers fn for shadow directory deltas.
func (c *Client) SubscribePeers(fn func(peers.Delta)) func() {
	return c.dir.Subscribe(fn)
}

// SubscribeState registers fn for connection state changes.
func (c *Client) SubscribeState(fn func(State)) func() {
	return c.states.Subscribe(fn)
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	changed := c.state != s
	c.state = s
	c.mu.Unlock()

	if changed {
		c.states.Publish(s)
	}
}

// Publish authors a post. It is added to the shadow feed immediately and
// submitted to the hub. While disconnected the post stays pending and is
// submitted after the next snapshot.
func (c *Client) Publish(content, authorName string) (feed.Post, error) {
	c.mu.RLock()
	id := c.id
	if authorName == "" {
		authorName = c.displayName
	}
	c.mu.RUnlock()

	if id == nil {
		return feed.Post{}, ErrNotInitialized
	}
	if strings.TrimSpace(content) == "" {
		return feed.Post{}, ErrEmptyContent
	}

	p := feed.NewPost(id.PeerID().String(), authorName, content, c.clock.Now())

	// Pending first: a snapshot applied before the echo re-merges it.
	c.mu.Lock()
	c.pending = append(c.pending, p)
	c.mu.Unlock()

	if c.store.Insert(p) {
		c.posts.Publish(p)
	}

	if err := c.submit(p); err != nil {
		c.log.Debug("post left pending", zap.String("post", p.ID), zap.Error(err))
	}
	return p, nil
}

// submit sends p to the hub and clears it from the pending list.
func (c *Client) submit(p feed.Post) error {
	if err := c.write(wire.NewPostSubmit(p)); err != nil {
		return err
	}
	c.mu.Lock()
	for i, q := range c.pending {
		if q.ID == p.ID {
			c.pending = append(c.pending[:i:i], c.pending[i+1:]...)
			break
		}
	}
	c.mu.Unlock()
	return nil
}

func (c *Client) write(m wire.Message) error {
	data, err := wire.EncodeRelay(m)
	if err != nil {
		return err
	}

	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout)); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}
