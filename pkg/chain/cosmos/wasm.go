package cosmos

import (
	"context"

	"github.com/goccy/go-json"
	"github.com/rotisserie/eris"
	"google.golang.org/protobuf/encoding/protowire"

	"pkg.world.dev/world-engine/chainclient/pkg/chain"
)

const smartQueryPath = "/cosmwasm.wasm.v1.Query/SmartContractState"

// QueryContract runs a CosmWasm smart query against contract and decodes the JSON answer into out.
// query is encoded as JSON.
func (c *Client) QueryContract(ctx context.Context, contract string, query, out any) error {
	msg, err := json.Marshal(query)
	if err != nil {
		return chain.Wrap(chain.ErrEncoding, err, "failed to encode contract query")
	}

	// QuerySmartContractStateRequest: address = 1, query_data = 2.
	var req []byte
	req = protowire.AppendTag(req, 1, protowire.BytesType)
	req = protowire.AppendString(req, contract)
	req = protowire.AppendTag(req, 2, protowire.BytesType)
	req = protowire.AppendBytes(req, msg)

	raw, err := c.Query(ctx, smartQueryPath, req)
	if err != nil {
		return eris.Wrapf(err, "failed to query contract %s", contract)
	}
	data, err := smartQueryData(raw)
	if err != nil {
		return chain.Wrap(chain.ErrEncoding, err, "failed to decode contract answer")
	}
	if err := json.Unmarshal(data, out); err != nil {
		return chain.Wrap(chain.ErrEncoding, err, "failed to decode contract answer")
	}
	return nil
}

// smartQueryData returns field 1 of a QuerySmartContractStateResponse.
func smartQueryData(b []byte) ([]byte, error) {
	var data []byte
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
		if num == 1 && typ == protowire.BytesType {
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			data, b = v, b[n:]
			continue
		}
		n = protowire.ConsumeFieldValue(num, typ, b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
	}
	if data == nil {
		return nil, eris.New("empty contract answer")
	}
	return data, nil
}
