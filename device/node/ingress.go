package node

import (
	"go.uber.org/zap"

	"github.com/kabili207/zeta-go/core/peers"
	"github.com/kabili207/zeta-go/core/wire"
	"github.com/kabili207/zeta-go/transport"
)

// HandleMeshMessage processes one inbound mesh message.
//
// Malformed messages are dropped. A post is stored if its ID is new and then
// announced to observers; it is not broadcast back onto the mesh. A post
// already in the feed is dropped without further action.
func (n *Node) HandleMeshMessage(data []byte, src transport.Source) {
	msg, err := wire.DecodeMesh(data)
	if err != nil {
		n.counters.Malformed.Add(1)
		n.metrics.Malformed()
		n.log.Debug("dropping malformed mesh message",
			zap.String("substrate", src.Substrate),
			zap.String("peer", src.PeerID),
			zap.Int("size", len(data)),
			zap.Error(err))
		return
	}

	switch msg.Kind {
	case wire.MeshHeartbeat:
		n.counters.Heartbeats.Add(1)
		n.metrics.Heartbeat()
		return
	case wire.MeshPost:
	default:
		return
	}

	if !n.insert(msg.Post, OriginMesh) {
		return
	}

	n.log.Debug("received post from mesh",
		zap.String("post", msg.Post.ID),
		zap.String("author", msg.Post.Author),
		zap.String("substrate", src.Substrate))

	if n.cfg.BridgeSubstrates {
		n.broadcastPost(msg.Post, src.Substrate)
	}
	n.posts.Publish(PostEvent{
		Post:   msg.Post,
		Origin: Origin{Kind: OriginMesh, Substrate: src.Substrate},
	})
}

// HandlePeerEvent applies a substrate's peer event to the directory.
// Events about this node itself are ignored.
func (n *Node) HandlePeerEvent(ev transport.PeerEvent) {
	if ev.PeerID == "" || ev.PeerID == n.PeerID() {
		return
	}

	switch ev.Kind {
	case transport.PeerDiscovered:
		var addr string
		if len(ev.Addresses) > 0 {
			addr = ev.Addresses[0]
		}
		n.dir.Upsert(peers.Record{PeerID: ev.PeerID, Address: addr})
	case transport.PeerIdentified:
		for _, addr := range ev.Addresses {
			n.dir.Upsert(peers.Record{PeerID: ev.PeerID, Address: addr})
		}
	case transport.PeerExpired, transport.PeerConnectionClosed:
		n.dir.Remove(ev.PeerID)
	default:
		n.log.Debug("ignoring unknown peer event",
			zap.Int("kind", int(ev.Kind)), zap.String("peer", ev.PeerID))
	}
}
