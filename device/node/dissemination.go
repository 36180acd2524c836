package node

import (
	"strings"

	"go.uber.org/zap"

	"github.com/kabili207/zeta-go/core/feed"
	"github.com/kabili207/zeta-go/core/wire"
	"github.com/kabili207/zeta-go/transport"
)

// PublishLocal disseminates a post authored on this node. See PublishFrom.
func (n *Node) PublishLocal(p feed.Post) bool {
	return n.PublishFrom(p, Origin{Kind: OriginLocal})
}

// PublishFrom disseminates a locally originated post: one authored on this
// node or submitted by a relay session on behalf of a browser author.
//
// The post is written to the feed first, unconditionally. It is then
// broadcast on every mesh substrate and announced to observers. The two
// outward steps are independent: a failed broadcast is logged and does not
// prevent the announcement or undo the write.
//
// The result is the feed insert result. A resubmitted post whose ID is
// already stored returns false but is still disseminated.
func (n *Node) PublishFrom(p feed.Post, origin Origin) bool {
	inserted := n.insert(p, origin.Kind)
	n.broadcastPost(p, "")
	n.posts.Publish(PostEvent{Post: p, Origin: origin})
	return inserted
}

// SubmitLocalPost authors a post on this node and publishes it. An empty
// author defaults to this node's peer ID.
func (n *Node) SubmitLocalPost(author, authorName, content string) (feed.Post, error) {
	if n == nil || n.id == nil {
		return feed.Post{}, ErrNotInitialized
	}
	if strings.TrimSpace(content) == "" {
		return feed.Post{}, ErrEmptyContent
	}
	if author == "" {
		author = n.PeerID()
	}

	p := feed.NewPost(author, authorName, content, n.clock.Now())
	n.PublishLocal(p)
	return p, nil
}

func (n *Node) insert(p feed.Post, kind OriginKind) bool {
	if !n.store.Insert(p) {
		n.counters.Duplicates.Add(1)
		n.metrics.PostDuplicate(kind.String())
		return false
	}

	switch kind {
	case OriginLocal:
		n.counters.PostsLocal.Add(1)
	case OriginRelay:
		n.counters.PostsRelay.Add(1)
	case OriginMesh:
		n.counters.PostsMesh.Add(1)
	}
	n.metrics.PostInserted(kind.String(), n.store.Len())
	return true
}

// broadcastPost sends p on every mesh substrate except the one named by
// exclude.
func (n *Node) broadcastPost(p feed.Post, exclude string) {
	data, err := wire.EncodePost(p)
	if err != nil {
		n.log.Error("failed to encode post", zap.String("post", p.ID), zap.Error(err))
		return
	}
	n.broadcast(data, exclude)
}

func (n *Node) broadcast(data []byte, exclude string) {
	n.mu.RLock()
	meshes := make([]transport.Mesh, len(n.meshes))
	copy(meshes, n.meshes)
	n.mu.RUnlock()

	for _, m := range meshes {
		name := m.Name()
		if exclude != "" && name == exclude {
			continue
		}
		err := m.Broadcast(data)
		n.metrics.Broadcast(name, err)
		if err != nil {
			n.counters.BroadcastFailures.Add(1)
			n.log.Warn("mesh broadcast failed",
				zap.String("substrate", name), zap.Error(err))
			continue
		}
		n.counters.Broadcasts.Add(1)
	}
}
