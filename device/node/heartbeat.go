package node

import (
	"context"
	"time"

	"github.com/kabili207/zeta-go/core/wire"
)

// SendHeartbeatNow broadcasts a heartbeat on every mesh substrate.
func (n *Node) SendHeartbeatNow() {
	n.broadcast(wire.EncodeHeartbeat(), "")
	n.log.Debug("sent heartbeat")
}

// heartbeatLoop broadcasts a heartbeat every interval until ctx is done.
func (n *Node) heartbeatLoop(ctx context.Context, interval time.Duration, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.SendHeartbeatNow()
		}
	}
}
