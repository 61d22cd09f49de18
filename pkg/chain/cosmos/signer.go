package cosmos

import (
	"encoding/hex"

	"github.com/cosmos/cosmos-sdk/crypto/keys/secp256k1"
	sdk "github.com/cosmos/cosmos-sdk/types"
	"github.com/rotisserie/eris"

	"pkg.world.dev/world-engine/chainclient/pkg/chain"
)

var _ chain.Signer = (*KeySigner)(nil)

// KeySigner signs with an in-memory secp256k1 key. Signatures are RFC6979 deterministic.
type KeySigner struct {
	key     *secp256k1.PrivKey
	address string
}

// NewKeySigner wraps a 32-byte secp256k1 private key and derives its bech32 address.
func NewKeySigner(privKey []byte, prefix string) (*KeySigner, error) {
	if len(privKey) != secp256k1.PrivKeySize {
		return nil, eris.Errorf("private key must be %d bytes, got %d", secp256k1.PrivKeySize, len(privKey))
	}
	key := &secp256k1.PrivKey{Key: append([]byte(nil), privKey...)}
	addr, err := sdk.Bech32ifyAddressBytes(prefix, key.PubKey().Address())
	if err != nil {
		return nil, eris.Wrap(err, "failed to derive address")
	}
	return &KeySigner{key: key, address: addr}, nil
}

// KeySignerFromHex is NewKeySigner for a hex encoded key.
func KeySignerFromHex(privKeyHex, prefix string) (*KeySigner, error) {
	bz, err := hex.DecodeString(privKeyHex)
	if err != nil {
		return nil, eris.Wrap(err, "private key is not valid hex")
	}
	return NewKeySigner(bz, prefix)
}

func (s *KeySigner) Address() string {
	return s.address
}

// PubKey returns the 33-byte compressed public key.
func (s *KeySigner) PubKey() []byte {
	return s.key.PubKey().Bytes()
}

// Sign hashes payload with sha256 and signs it, returning the 64-byte R||S form.
func (s *KeySigner) Sign(payload []byte) ([]byte, error) {
	sig, err := s.key.Sign(payload)
	if err != nil {
		return nil, eris.Wrap(err, "secp256k1 sign failed")
	}
	return sig, nil
}
