package identity

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"google.golang.org/protobuf/encoding/protowire"
)

// keyTypeEd25519 is the libp2p KeyType enum value for ed25519.
const keyTypeEd25519 = 1

// Field numbers of the libp2p PublicKey and PrivateKey messages.
const (
	fieldKeyType protowire.Number = 1
	fieldKeyData protowire.Number = 2
)

// DefaultKeyFile is the default file name for a node's private key.
const DefaultKeyFile = "identity.key"

// marshalPublicKey encodes pub as a libp2p PublicKey message.
func marshalPublicKey(pub ed25519.PublicKey) []byte {
	return marshalKey(pub)
}

// MarshalPrivateKey encodes the identity's private key as a libp2p
// PrivateKey message, the format of identity.key files.
func (i *Identity) MarshalPrivateKey() []byte {
	return marshalKey(i.priv)
}

func marshalKey(data []byte) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldKeyType, protowire.VarintType)
	b = protowire.AppendVarint(b, keyTypeEd25519)
	b = protowire.AppendTag(b, fieldKeyData, protowire.BytesType)
	b = protowire.AppendBytes(b, data)
	return b
}

// unmarshalKey decodes a libp2p PublicKey or PrivateKey message and returns
// the key data. Unknown fields are skipped.
func unmarshalKey(b []byte) ([]byte, error) {
	var (
		keyType uint64
		haveTyp bool
		data    []byte
	)
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]

		switch {
		case num == fieldKeyType && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			keyType, haveTyp = v, true
			b = b[n:]
		case num == fieldKeyData && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			data = v
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}

	if !haveTyp || data == nil {
		return nil, errors.New("missing key type or data")
	}
	if keyType != keyTypeEd25519 {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedKeyType, keyType)
	}
	return data, nil
}

func unmarshalPublicKey(b []byte) (ed25519.PublicKey, error) {
	data, err := unmarshalKey(b)
	if err != nil {
		return nil, err
	}
	if err := validatePublicKey(data); err != nil {
		return nil, err
	}
	return ed25519.PublicKey(data), nil
}

// UnmarshalPrivateKey decodes a libp2p PrivateKey message.
func UnmarshalPrivateKey(b []byte) (*Identity, error) {
	data, err := unmarshalKey(b)
	if err != nil {
		return nil, fmt.Errorf("decoding private key: %w", err)
	}
	return FromPrivateKey(data)
}

// Load reads an identity from a key file.
func Load(path string) (*Identity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	id, err := UnmarshalPrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return id, nil
}

// Save writes the identity's private key to path with owner-only permissions.
func Save(path string, id *Identity) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("creating key directory: %w", err)
		}
	}
	if err := os.WriteFile(path, id.MarshalPrivateKey(), 0o600); err != nil {
		return fmt.Errorf("writing key file: %w", err)
	}
	return nil
}

// LoadOrGenerate loads the identity stored at path, generating and saving a
// new one if the file does not exist. A file that exists but cannot be
// decoded is an error; it is never silently replaced.
func LoadOrGenerate(path string) (id *Identity, created bool, err error) {
	id, err = Load(path)
	if err == nil {
		return id, false, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, false, err
	}

	id, err = Generate()
	if err != nil {
		return nil, false, err
	}
	if err := Save(path, id); err != nil {
		return nil, false, err
	}
	return id, true, nil
}

// EncodeSeed returns the identity's seed as lowercase hex.
func (i *Identity) EncodeSeed() string {
	return hex.EncodeToString(i.Seed())
}

// DecodeSeed parses a hex seed produced by EncodeSeed.
func DecodeSeed(s string) (*Identity, error) {
	seed, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("decoding seed: %w", err)
	}
	return FromSeed(seed)
}
