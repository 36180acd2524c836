// Package identity manages the ed25519 key pair that identifies a peer and
// derives its textual peer ID.
//
// Peer IDs use the libp2p encoding: the base58btc form of an identity
// multihash over the protobuf-encoded public key. Every ed25519 peer ID
// therefore starts with "12D3KooW".
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"

	"filippo.io/edwards25519"
	"github.com/mr-tron/base58"
)

const (
	// multihashIdentity is the multihash code for the identity "hash".
	multihashIdentity = 0x00
)

var (
	ErrInvalidPubKeySize  = errors.New("invalid public key size: expected 32 bytes")
	ErrInvalidPrivKeySize = errors.New("invalid private key size: expected 64 bytes")
	ErrInvalidSeedSize    = errors.New("invalid seed size: expected 32 bytes")
	ErrInvalidPeerID      = errors.New("invalid peer id")
	ErrUnsupportedKeyType = errors.New("unsupported key type")
)

// PeerID is the textual identity of a peer.
type PeerID string

// String returns the peer ID.
func (p PeerID) String() string {
	return string(p)
}

// ShortString returns the last 8 characters of the peer ID. The leading
// characters are shared by every ed25519 peer ID and do not distinguish peers.
func (p PeerID) ShortString() string {
	s := string(p)
	if len(s) <= 8 {
		return s
	}
	return s[len(s)-8:]
}

// Identity is an ed25519 key pair and the peer ID derived from it.
type Identity struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
	id   PeerID
}

// Generate creates a new random identity.
func Generate() (*Identity, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating key pair: %w", err)
	}
	return FromPrivateKey(priv)
}

// FromSeed derives an identity from a 32-byte ed25519 seed.
func FromSeed(seed []byte) (*Identity, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, ErrInvalidSeedSize
	}
	return FromPrivateKey(ed25519.NewKeyFromSeed(seed))
}

// FromPrivateKey builds an identity from a 64-byte ed25519 private key.
// The key is copied.
func FromPrivateKey(privKey []byte) (*Identity, error) {
	if len(privKey) != ed25519.PrivateKeySize {
		return nil, ErrInvalidPrivKeySize
	}
	priv := ed25519.PrivateKey(make([]byte, ed25519.PrivateKeySize))
	copy(priv, privKey)

	// Reject keys whose embedded public half does not match the seed.
	derived := ed25519.NewKeyFromSeed(priv.Seed())
	if !derived.Equal(priv) {
		return nil, fmt.Errorf("%w: public half does not match seed", ErrInvalidPrivKeySize)
	}

	pub := priv.Public().(ed25519.PublicKey)
	id, err := PeerIDFromPublicKey(pub)
	if err != nil {
		return nil, err
	}
	return &Identity{priv: priv, pub: pub, id: id}, nil
}

// PeerID returns the identity's peer ID.
func (i *Identity) PeerID() PeerID {
	return i.id
}

// PublicKey returns the ed25519 public key.
func (i *Identity) PublicKey() ed25519.PublicKey {
	return i.pub
}

// PrivateKey returns the ed25519 private key.
func (i *Identity) PrivateKey() ed25519.PrivateKey {
	return i.priv
}

// Seed returns the 32-byte seed the key pair derives from.
func (i *Identity) Seed() []byte {
	return i.priv.Seed()
}

// Sign signs msg with the identity's private key.
func (i *Identity) Sign(msg []byte) []byte {
	return ed25519.Sign(i.priv, msg)
}

// Verify reports whether sig is a valid signature of msg by the peer
// identified by id.
func Verify(id PeerID, msg, sig []byte) bool {
	pub, err := PublicKeyFromPeerID(id)
	if err != nil {
		return false
	}
	return ed25519.Verify(pub, msg, sig)
}

// PeerIDFromPublicKey derives the peer ID of an ed25519 public key.
func PeerIDFromPublicKey(pub ed25519.PublicKey) (PeerID, error) {
	if err := validatePublicKey(pub); err != nil {
		return "", err
	}
	encoded := marshalPublicKey(pub)

	mh := make([]byte, 0, 2+len(encoded))
	mh = append(mh, multihashIdentity, byte(len(encoded)))
	mh = append(mh, encoded...)
	return PeerID(base58.Encode(mh)), nil
}

// PublicKeyFromPeerID recovers the public key embedded in an ed25519 peer ID.
func PublicKeyFromPeerID(id PeerID) (ed25519.PublicKey, error) {
	raw, err := base58.Decode(string(id))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPeerID, err)
	}
	if len(raw) < 2 || raw[0] != multihashIdentity {
		return nil, fmt.Errorf("%w: not an identity multihash", ErrInvalidPeerID)
	}
	if int(raw[1]) != len(raw)-2 {
		return nil, fmt.Errorf("%w: multihash length mismatch", ErrInvalidPeerID)
	}

	pub, err := unmarshalPublicKey(raw[2:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPeerID, err)
	}
	return pub, nil
}

// ParsePeerID validates s as an ed25519 peer ID.
func ParsePeerID(s string) (PeerID, error) {
	if _, err := PublicKeyFromPeerID(PeerID(s)); err != nil {
		return "", err
	}
	return PeerID(s), nil
}

// validatePublicKey checks the key length and that it encodes a point on
// the curve.
func validatePublicKey(pub []byte) error {
	if len(pub) != ed25519.PublicKeySize {
		return ErrInvalidPubKeySize
	}
	if _, err := new(edwards25519.Point).SetBytes(pub); err != nil {
		return fmt.Errorf("invalid ed25519 public key: %w", err)
	}
	return nil
}
