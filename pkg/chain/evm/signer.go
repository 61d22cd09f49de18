package evm

import (
	"crypto/ecdsa"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rotisserie/eris"

	"pkg.world.dev/world-engine/chainclient/pkg/chain"
)

var _ chain.Signer = (*KeySigner)(nil)

// KeySigner signs transaction hashes with an in-memory secp256k1 key.
type KeySigner struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

func NewKeySigner(key *ecdsa.PrivateKey) *KeySigner {
	return &KeySigner{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}
}

// KeySignerFromHex parses a hex private key, with or without 0x.
func KeySignerFromHex(privKeyHex string) (*KeySigner, error) {
	if len(privKeyHex) > 1 && privKeyHex[:2] == "0x" {
		privKeyHex = privKeyHex[2:]
	}
	key, err := crypto.HexToECDSA(privKeyHex)
	if err != nil {
		return nil, eris.Wrap(err, "invalid private key")
	}
	return NewKeySigner(key), nil
}

// Address is the checksummed hex address.
func (s *KeySigner) Address() string {
	return s.address.Hex()
}

// PubKey is the 33-byte compressed public key.
func (s *KeySigner) PubKey() []byte {
	return crypto.CompressPubkey(&s.key.PublicKey)
}

// Sign signs a 32-byte hash and returns R||S||V with V in {0, 1}.
func (s *KeySigner) Sign(hash []byte) ([]byte, error) {
	if len(hash) != common.HashLength {
		return nil, eris.Errorf("expected a %d-byte hash, got %d bytes", common.HashLength, len(hash))
	}
	sig, err := crypto.Sign(hash, s.key)
	if err != nil {
		return nil, eris.Wrap(err, "secp256k1 sign failed")
	}
	return sig, nil
}
