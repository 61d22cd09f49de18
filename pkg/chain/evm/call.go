package evm

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rotisserie/eris"
	"google.golang.org/protobuf/encoding/protowire"
)

// CallTypeURL identifies an encoded Call inside a chain.TxIntent.
const CallTypeURL = "/evm.Call"

// Call is the single message of an EVM intent. A nil To deploys a contract.
//
// Wire form:
//
//	message Call { bytes to = 1; bytes value = 2; bytes data = 3; }
//
// value is the big-endian magnitude of a non-negative integer. Empty fields are omitted, so
// encoding is deterministic.
type Call struct {
	To    *common.Address
	Value *big.Int
	Data  []byte
}

func (*Call) ProtoMessage() {}

func (*Call) XXX_MessageName() string { //nolint:revive,stylecheck // name required by gogoproto
	return "evm.Call"
}

func (c *Call) Reset() {
	*c = Call{}
}

func (c *Call) String() string {
	to := "<create>"
	if c.To != nil {
		to = c.To.Hex()
	}
	return fmt.Sprintf("to:%s value:%s data:0x%x", to, c.value(), c.Data)
}

func (c *Call) value() *big.Int {
	if c.Value == nil {
		return new(big.Int)
	}
	return c.Value
}

const (
	fieldTo    protowire.Number = 1
	fieldValue protowire.Number = 2
	fieldData  protowire.Number = 3
)

func (c *Call) Marshal() ([]byte, error) {
	if c.Value != nil && c.Value.Sign() < 0 {
		return nil, eris.New("call value must not be negative")
	}
	var b []byte
	if c.To != nil {
		b = protowire.AppendTag(b, fieldTo, protowire.BytesType)
		b = protowire.AppendBytes(b, c.To.Bytes())
	}
	if c.Value != nil && c.Value.Sign() > 0 {
		b = protowire.AppendTag(b, fieldValue, protowire.BytesType)
		b = protowire.AppendBytes(b, c.Value.Bytes())
	}
	if len(c.Data) > 0 {
		b = protowire.AppendTag(b, fieldData, protowire.BytesType)
		b = protowire.AppendBytes(b, c.Data)
	}
	return b, nil
}

func (c *Call) Unmarshal(b []byte) error {
	c.Reset()
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return eris.Wrap(protowire.ParseError(n), "invalid tag")
		}
		b = b[n:]

		if typ != protowire.BytesType || num < fieldTo || num > fieldData {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return eris.Wrapf(protowire.ParseError(n), "invalid field %d", num)
			}
			b = b[n:]
			continue
		}

		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return eris.Wrapf(protowire.ParseError(n), "invalid field %d", num)
		}
		b = b[n:]

		switch num {
		case fieldTo:
			if len(v) != common.AddressLength {
				return eris.Errorf("address must be %d bytes, got %d", common.AddressLength, len(v))
			}
			to := common.BytesToAddress(v)
			c.To = &to
		case fieldValue:
			c.Value = new(big.Int).SetBytes(v)
		case fieldData:
			c.Data = append([]byte(nil), v...)
		}
	}
	return nil
}
