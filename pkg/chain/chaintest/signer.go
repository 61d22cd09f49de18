package chaintest

import (
	"crypto/hmac"
	"crypto/sha256"

	"pkg.world.dev/world-engine/chainclient/pkg/chain"
)

var _ chain.Signer = Signer{}

// Signer produces deterministic HMAC "signatures". It only exists to exercise sequencing.
type Signer struct {
	Addr string
	Key  []byte
}

func NewSigner(addr string) Signer {
	return Signer{Addr: addr, Key: []byte("key-" + addr)}
}

func (s Signer) Address() string {
	return s.Addr
}

func (s Signer) PubKey() []byte {
	sum := sha256.Sum256(s.Key)
	return sum[:]
}

func (s Signer) Sign(payload []byte) ([]byte, error) {
	mac := hmac.New(sha256.New, s.Key)
	mac.Write(payload)
	return mac.Sum(nil), nil
}
