package httpapi

import (
	"github.com/kabili207/zeta-go/core/feed"
	"github.com/kabili207/zeta-go/device/node"
	"github.com/kabili207/zeta-go/device/relay"
)

// PeerInfo is one entry of the network view.
type PeerInfo struct {
	ID        string `json:"id"`
	Address   string `json:"address"`
	Name      string `json:"name,omitempty"`
	IsBrowser bool   `json:"is_browser,omitempty"`
}

// NetworkResponse is the body of GET /api/network.
type NetworkResponse struct {
	LocalPeerID string      `json:"local_peer_id"`
	Peers       []PeerInfo  `json:"peers"`
	Posts       []feed.Post `json:"posts"`
}

// CreatePostRequest is the body of POST /api/post.
type CreatePostRequest struct {
	Content    string `json:"content"`
	Author     string `json:"author"`
	AuthorName string `json:"author_name,omitempty"`
}

// StatsResponse is the body of GET /api/stats.
type StatsResponse struct {
	LocalPeerID string                `json:"local_peer_id"`
	FeedSize    int                   `json:"feed_size"`
	Peers       int                   `json:"peers"`
	Counters    node.CountersSnapshot `json:"counters"`
	Sessions    []relay.SessionInfo   `json:"sessions,omitempty"`
}

// HealthResponse is the body of GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

// ErrorResponse represents an error returned by the API.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}

func networkResponse(v node.View) NetworkResponse {
	resp := NetworkResponse{
		LocalPeerID: v.LocalPeerID,
		Peers:       make([]PeerInfo, 0, len(v.Peers)),
		Posts:       v.Posts,
	}
	if resp.Posts == nil {
		resp.Posts = []feed.Post{}
	}
	for _, r := range v.Peers {
		resp.Peers = append(resp.Peers, PeerInfo{
			ID:        r.PeerID,
			Address:   r.Address,
			Name:      r.Name,
			IsBrowser: r.IsBrowser,
		})
	}
	return resp
}
