package identity

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mr-tron/base58"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedSeed() []byte {
	return bytes.Repeat([]byte{0x07}, 32)
}

func TestGenerate_PeerIDPrefix(t *testing.T) {
	id, err := Generate()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(id.PeerID().String(), "12D3KooW"), id.PeerID())
	assert.Len(t, id.PeerID().ShortString(), 8)
}

func TestFromSeed_Deterministic(t *testing.T) {
	a, err := FromSeed(fixedSeed())
	require.NoError(t, err)
	b, err := FromSeed(fixedSeed())
	require.NoError(t, err)

	assert.Equal(t, a.PeerID(), b.PeerID())
	assert.Equal(t, fixedSeed(), a.Seed())
}

func TestFromSeed_InvalidSize(t *testing.T) {
	_, err := FromSeed([]byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrInvalidSeedSize)
}

func TestFromPrivateKey_Invalid(t *testing.T) {
	_, err := FromPrivateKey(make([]byte, 10))
	assert.ErrorIs(t, err, ErrInvalidPrivKeySize)

	id, err := FromSeed(fixedSeed())
	require.NoError(t, err)
	tampered := append([]byte(nil), id.PrivateKey()...)
	tampered[40] ^= 0xFF
	_, err = FromPrivateKey(tampered)
	assert.Error(t, err)
}

func TestPeerID_Layout(t *testing.T) {
	id, err := FromSeed(fixedSeed())
	require.NoError(t, err)

	raw, err := base58.Decode(id.PeerID().String())
	require.NoError(t, err)
	// identity multihash, 36-byte protobuf PublicKey {Type: Ed25519, Data: 32 bytes}
	require.Len(t, raw, 38)
	assert.Equal(t, []byte{0x00, 0x24, 0x08, 0x01, 0x12, 0x20}, raw[:6])
	assert.Equal(t, []byte(id.PublicKey()), raw[6:])
}

func TestPublicKeyFromPeerID(t *testing.T) {
	id, err := Generate()
	require.NoError(t, err)

	pub, err := PublicKeyFromPeerID(id.PeerID())
	require.NoError(t, err)
	assert.Equal(t, id.PublicKey(), pub)

	parsed, err := ParsePeerID(id.PeerID().String())
	require.NoError(t, err)
	assert.Equal(t, id.PeerID(), parsed)
}

func TestParsePeerID_Invalid(t *testing.T) {
	inputs := []string{
		"",
		"not-base58-0OIl",
		base58.Encode([]byte{0x12, 0x20, 0x01}),
		base58.Encode([]byte{0x00, 0x05, 0x01}),
		base58.Encode(append([]byte{0x00, 0x04}, 0x08, 0x02, 0x12, 0x00)),
	}
	for _, in := range inputs {
		_, err := ParsePeerID(in)
		assert.ErrorIs(t, err, ErrInvalidPeerID, "input %q", in)
	}
}

func TestSignVerify(t *testing.T) {
	id, err := Generate()
	require.NoError(t, err)

	msg := []byte("hello mesh")
	sig := id.Sign(msg)
	assert.True(t, Verify(id.PeerID(), msg, sig))
	assert.False(t, Verify(id.PeerID(), []byte("tampered"), sig))
	assert.False(t, Verify("garbage", msg, sig))
}

func TestMarshalPrivateKey_RoundTrip(t *testing.T) {
	id, err := FromSeed(fixedSeed())
	require.NoError(t, err)

	data := id.MarshalPrivateKey()
	assert.Equal(t, []byte{0x08, 0x01, 0x12, 0x40}, data[:4])

	back, err := UnmarshalPrivateKey(data)
	require.NoError(t, err)
	assert.Equal(t, id.PeerID(), back.PeerID())
}

func TestUnmarshalPrivateKey_SkipsUnknownFields(t *testing.T) {
	id, err := FromSeed(fixedSeed())
	require.NoError(t, err)

	// field 3, varint 5
	data := append([]byte{0x18, 0x05}, id.MarshalPrivateKey()...)
	back, err := UnmarshalPrivateKey(data)
	require.NoError(t, err)
	assert.Equal(t, id.PeerID(), back.PeerID())
}

func TestUnmarshalPrivateKey_WrongType(t *testing.T) {
	id, err := FromSeed(fixedSeed())
	require.NoError(t, err)

	data := id.MarshalPrivateKey()
	data[1] = 0x02 // secp256k1
	_, err = UnmarshalPrivateKey(data)
	assert.ErrorIs(t, err, ErrUnsupportedKeyType)

	_, err = UnmarshalPrivateKey([]byte{0xFF})
	assert.Error(t, err)
}

func TestLoadOrGenerate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", DefaultKeyFile)

	first, created, err := LoadOrGenerate(path)
	require.NoError(t, err)
	assert.True(t, created)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	second, created, err := LoadOrGenerate(path)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.PeerID(), second.PeerID())
}

func TestLoadOrGenerate_CorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), DefaultKeyFile)
	require.NoError(t, os.WriteFile(path, []byte("corrupt"), 0o600))

	_, _, err := LoadOrGenerate(path)
	assert.Error(t, err)

	// The corrupt file is left in place.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []byte("corrupt"), data)
}

func TestSeedHex(t *testing.T) {
	id, err := FromSeed(fixedSeed())
	require.NoError(t, err)

	encoded := id.EncodeSeed()
	assert.Len(t, encoded, 64)

	back, err := DecodeSeed(encoded + "\n")
	require.NoError(t, err)
	assert.Equal(t, id.PeerID(), back.PeerID())

	_, err = DecodeSeed("zz")
	assert.Error(t, err)
	_, err = DecodeSeed("abcd")
	assert.ErrorIs(t, err, ErrInvalidSeedSize)
}
