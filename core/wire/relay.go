// Package wire defines the JSON messages exchanged between a hub and its
// browser sessions, and the message format broadcast on the mesh.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/kabili207/zeta-go/core/feed"
	"github.com/kabili207/zeta-go/core/peers"
)

// MessageType is the "type" discriminator of a relay message.
type MessageType string

const (
	// TypeInit carries the full snapshot sent when a session becomes active.
	TypeInit MessageType = "init"
	// TypeNewPost announces a newly inserted post.
	TypeNewPost MessageType = "new_post"
	// TypePeerJoined announces a new or updated directory record.
	TypePeerJoined MessageType = "peer_joined"
	// TypePeerLeft announces a removed directory record.
	TypePeerLeft MessageType = "peer_left"
	// TypePong acknowledges a ping.
	TypePong MessageType = "pong"
	// TypePost submits a post from a session.
	TypePost MessageType = "post"
	// TypePing is a session keep-alive.
	TypePing MessageType = "ping"
)

var (
	// ErrUnknownMessage is returned for a relay message with an unrecognised type.
	ErrUnknownMessage = errors.New("unknown relay message type")
	// ErrMalformed is returned when a message cannot be decoded.
	ErrMalformed = errors.New("malformed message")
)

// Message is implemented by every relay message.
type Message interface {
	MessageType() MessageType
}

// Snapshot is the one full-state transfer a session receives.
type Snapshot struct {
	Type   MessageType    `json:"type"`
	PeerID string         `json:"peer_id"`
	Peers  []peers.Record `json:"peers"`
	Posts  []feed.Post    `json:"posts"`
}

// PostAnnounce pushes one post to a session.
type PostAnnounce struct {
	Type MessageType `json:"type"`
	Post feed.Post   `json:"post"`
}

// PeerJoined pushes a new or changed directory record.
type PeerJoined struct {
	Type   MessageType  `json:"type"`
	PeerID string       `json:"peer_id"`
	Peer   peers.Record `json:"peer"`
}

// PeerLeft pushes the removal of a directory record.
type PeerLeft struct {
	Type   MessageType `json:"type"`
	PeerID string      `json:"peer_id"`
}

// PostSubmit is a post authored in a session. ID and Timestamp are set by
// clients that already echoed the post locally.
type PostSubmit struct {
	Type       MessageType `json:"type"`
	Content    string      `json:"content"`
	AuthorName string      `json:"author_name,omitempty"`
	ID         string      `json:"id,omitempty"`
	Timestamp  int64       `json:"timestamp,omitempty"`
}

// Ping is a keep-alive sent by a session.
type Ping struct {
	Type MessageType `json:"type"`
}

// Pong answers a Ping.
type Pong struct {
	Type MessageType `json:"type"`
}

func (Snapshot) MessageType() MessageType     { return TypeInit }
func (PostAnnounce) MessageType() MessageType { return TypeNewPost }
func (PeerJoined) MessageType() MessageType   { return TypePeerJoined }
func (PeerLeft) MessageType() MessageType     { return TypePeerLeft }
func (PostSubmit) MessageType() MessageType   { return TypePost }
func (Ping) MessageType() MessageType         { return TypePing }
func (Pong) MessageType() MessageType         { return TypePong }

// NewSnapshot builds an init message. Nil slices are sent as empty arrays.
func NewSnapshot(peerID string, records []peers.Record, posts []feed.Post) Snapshot {
	if records == nil {
		records = []peers.Record{}
	}
	if posts == nil {
		posts = []feed.Post{}
	}
	return Snapshot{Type: TypeInit, PeerID: peerID, Peers: records, Posts: posts}
}

// NewPostAnnounce builds a new_post message.
func NewPostAnnounce(p feed.Post) PostAnnounce {
	return PostAnnounce{Type: TypeNewPost, Post: p}
}

// NewPeerJoined builds a peer_joined message.
func NewPeerJoined(r peers.Record) PeerJoined {
	return PeerJoined{Type: TypePeerJoined, PeerID: r.PeerID, Peer: r}
}

// NewPeerLeft builds a peer_left message.
func NewPeerLeft(peerID string) PeerLeft {
	return PeerLeft{Type: TypePeerLeft, PeerID: peerID}
}

// NewPostSubmit builds a post submission for a locally echoed post.
func NewPostSubmit(p feed.Post) PostSubmit {
	return PostSubmit{
		Type:       TypePost,
		Content:    p.Content,
		AuthorName: p.AuthorName,
		ID:         p.ID,
		Timestamp:  p.Timestamp,
	}
}

// NewPing builds a ping message.
func NewPing() Ping { return Ping{Type: TypePing} }

// NewPong builds a pong message.
func NewPong() Pong { return Pong{Type: TypePong} }

// EncodeRelay serialises a relay message. The type field is always set from
// the message's own type.
func EncodeRelay(m Message) ([]byte, error) {
	switch v := m.(type) {
	case Snapshot:
		v.Type = TypeInit
		if v.Peers == nil {
			v.Peers = []peers.Record{}
		}
		if v.Posts == nil {
			v.Posts = []feed.Post{}
		}
		return json.Marshal(v)
	case PostAnnounce:
		v.Type = TypeNewPost
		return json.Marshal(v)
	case PeerJoined:
		v.Type = TypePeerJoined
		return json.Marshal(v)
	case PeerLeft:
		v.Type = TypePeerLeft
		return json.Marshal(v)
	case PostSubmit:
		v.Type = TypePost
		return json.Marshal(v)
	case Ping:
		v.Type = TypePing
		return json.Marshal(v)
	case Pong:
		v.Type = TypePong
		return json.Marshal(v)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownMessage, m)
	}
}

// DecodeRelay parses a relay message and returns one of the concrete
// message types (by value).
func DecodeRelay(data []byte) (Message, error) {
	var head struct {
		Type MessageType `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	var (
		msg Message
		err error
	)
	switch head.Type {
	case TypeInit:
		var v Snapshot
		err = json.Unmarshal(data, &v)
		msg = v
	case TypeNewPost:
		var v PostAnnounce
		err = json.Unmarshal(data, &v)
		msg = v
	case TypePeerJoined:
		var v PeerJoined
		err = json.Unmarshal(data, &v)
		if v.Peer.PeerID == "" {
			v.Peer.PeerID = v.PeerID
		}
		msg = v
	case TypePeerLeft:
		var v PeerLeft
		err = json.Unmarshal(data, &v)
		msg = v
	case TypePost:
		var v PostSubmit
		err = json.Unmarshal(data, &v)
		msg = v
	case TypePing:
		msg = Ping{Type: TypePing}
	case TypePong:
		msg = Pong{Type: TypePong}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessage, head.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, head.Type, err)
	}
	return msg, nil
}
