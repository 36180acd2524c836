package relayclient

import (
	"context"
	"errors"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kabili207/zeta-go/core/feed"
	"github.com/kabili207/zeta-go/core/wire"
)

// Run connects to the hub and keeps reconnecting until ctx is cancelled.
// Each attempt follows the previous disconnect after the fixed reconnect
// delay; there is no backoff and no attempt limit. Run returns ctx.Err().
func (c *Client) Run(ctx context.Context) error {
	if c.PeerID() == "" {
		if err := c.Init(); err != nil {
			return err
		}
	}

	for {
		err := c.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.log.Info("disconnected from hub, reconnecting",
			zap.Duration("delay", c.cfg.ReconnectDelay), zap.Error(err))

		timer := time.NewTimer(c.cfg.ReconnectDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// session runs one connection from dial to disconnect.
func (c *Client) session(ctx context.Context) error {
	c.setState(StateConnecting)
	defer c.setState(StateDisconnected)

	conn, _, err := c.dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		_ = conn.Close()
	}()

	c.setState(StateConnected)
	c.log.Info("connected to hub", zap.String("url", c.cfg.URL))

	done := make(chan struct{})
	defer close(done)
	go c.keepAlive(ctx, conn, done)

	for {
		if err := conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout)); err != nil {
			return err
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return err
		}
		c.handle(data)
	}
}

// keepAlive pings the hub every PingInterval and closes conn once ctx is
// cancelled, which unblocks the read loop.
func (c *Client) keepAlive(ctx context.Context, conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			c.writeMu.Lock()
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			c.writeMu.Unlock()
			_ = conn.Close()
			return
		case <-ticker.C:
			if err := c.write(wire.NewPing()); err != nil && !errors.Is(err, ErrNotConnected) {
				c.log.Warn("ping failed, dropping connection", zap.Error(err))
				_ = conn.Close()
				return
			}
		}
	}
}

func (c *Client) handle(data []byte) {
	msg, err := wire.DecodeRelay(data)
	if err != nil {
		c.log.Debug("dropping malformed hub message", zap.Error(err))
		return
	}

	switch m := msg.(type) {
	case wire.Snapshot:
		c.applySnapshot(m)
	case wire.PostAnnounce:
		if c.store.Insert(m.Post) {
			c.posts.Publish(m.Post)
		}
	case wire.PeerJoined:
		c.dir.Upsert(m.Peer)
	case wire.PeerLeft:
		c.dir.Remove(m.PeerID)
	case wire.Pong:
	default:
		c.log.Debug("ignoring hub message", zap.String("type", string(msg.MessageType())))
	}
}

// applySnapshot replaces the shadow copies with the hub's state. Own posts
// the hub does not have yet are merged back and resubmitted.
func (c *Client) applySnapshot(s wire.Snapshot) {
	c.store.Reset(s.Posts)
	c.dir.Reset(s.Peers)

	c.mu.Lock()
	c.hubPeerID = s.PeerID
	var resubmit []feed.Post
	kept := c.pending[:0]
	for _, p := range c.pending {
		if c.store.Contains(p.ID) {
			continue
		}
		kept = append(kept, p)
		resubmit = append(resubmit, p)
	}
	c.pending = kept
	c.mu.Unlock()

	for _, p := range resubmit {
		c.store.Insert(p)
	}
	c.feeds.Publish(c.store.Snapshot())

	c.log.Debug("applied hub snapshot",
		zap.String("hub", s.PeerID),
		zap.Int("posts", len(s.Posts)),
		zap.Int("peers", len(s.Peers)),
		zap.Int("resubmitted", len(resubmit)))

	for _, p := range resubmit {
		if err := c.submit(p); err != nil {
			c.log.Debug("resubmission failed", zap.String("post", p.ID), zap.Error(err))
		}
	}
}
