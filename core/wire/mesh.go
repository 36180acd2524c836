package wire

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/kabili207/zeta-go/core/feed"
)

// MeshKind identifies the variant of a mesh message.
type MeshKind int

const (
	// MeshPost carries an authored post.
	MeshPost MeshKind = iota
	// MeshHeartbeat is a liveness beacon with no payload.
	MeshHeartbeat
)

func (k MeshKind) String() string {
	switch k {
	case MeshPost:
		return "post"
	case MeshHeartbeat:
		return "heartbeat"
	default:
		return "unknown"
	}
}

// heartbeatLiteral is the encoded form of a heartbeat.
var heartbeatLiteral = []byte(`"Heartbeat"`)

// NetworkMessage is a message broadcast on the mesh. It is encoded as an
// externally tagged variant: {"Post":{...}} or the string "Heartbeat".
type NetworkMessage struct {
	Kind MeshKind
	Post feed.Post
}

type meshPostEnvelope struct {
	Post *feed.Post `json:"Post"`
}

// EncodePost serialises a post for mesh broadcast.
func EncodePost(p feed.Post) ([]byte, error) {
	return json.Marshal(meshPostEnvelope{Post: &p})
}

// EncodeHeartbeat returns the serialised heartbeat message.
func EncodeHeartbeat() []byte {
	out := make([]byte, len(heartbeatLiteral))
	copy(out, heartbeatLiteral)
	return out
}

// DecodeMesh parses a mesh message. Every failure wraps ErrMalformed.
func DecodeMesh(data []byte) (NetworkMessage, error) {
	trimmed := bytes.TrimSpace(data)
	if bytes.Equal(trimmed, heartbeatLiteral) {
		return NetworkMessage{Kind: MeshHeartbeat}, nil
	}

	var env meshPostEnvelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return NetworkMessage{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Post == nil {
		return NetworkMessage{}, fmt.Errorf("%w: no known variant", ErrMalformed)
	}
	if env.Post.ID == "" {
		return NetworkMessage{}, fmt.Errorf("%w: post without id", ErrMalformed)
	}
	return NetworkMessage{Kind: MeshPost, Post: *env.Post}, nil
}
