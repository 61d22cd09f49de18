package cosmos

import (
	"context"
	"time"

	"cosmossdk.io/math"
	cmtcrypto "github.com/cometbft/cometbft/proto/tendermint/crypto"
	"github.com/cosmos/cosmos-sdk/client/grpc/cmtservice"
	sdk "github.com/cosmos/cosmos-sdk/types"
	authtypes "github.com/cosmos/cosmos-sdk/x/auth/types"
	banktypes "github.com/cosmos/cosmos-sdk/x/bank/types"
	"github.com/rotisserie/eris"

	"pkg.world.dev/world-engine/chainclient/pkg/chain"
	"pkg.world.dev/world-engine/chainclient/pkg/codec"
)

// Balance returns addr's balance of denom.
func (c *Client) Balance(ctx context.Context, addr, denom string) (math.Int, error) {
	res, err := c.bankQuery.Balance(ctx, &banktypes.QueryBalanceRequest{Address: addr, Denom: denom})
	if err != nil {
		return math.Int{}, classifyRPC(err, "query balance "+addr)
	}
	if res.Balance == nil {
		return math.ZeroInt(), nil
	}
	return res.Balance.Amount, nil
}

// PollBalance queries the balance up to attempts times, interval apart, until done reports true.
// It returns the last balance read.
func (c *Client) PollBalance(
	ctx context.Context, addr, denom string, done func(math.Int) bool, interval time.Duration, attempts int,
) (math.Int, error) {
	var last math.Int
	for attempt := 1; attempt <= attempts; attempt++ {
		bal, err := c.Balance(ctx, addr, denom)
		if err != nil && !chain.Classify(err).Transient() {
			return last, err
		}
		if err == nil {
			last = bal
			if done(bal) {
				return bal, nil
			}
		}
		if attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return last, eris.Wrap(ctx.Err(), "balance polling aborted")
		case <-time.After(interval):
		}
	}
	return last, eris.Errorf("balance of %s in %s did not reach the expected value after %d attempts",
		addr, denom, attempts)
}

func (c *Client) latestHeader(ctx context.Context) (cmtservice.Header, error) {
	res, err := c.cmtService.GetLatestBlock(ctx, &cmtservice.GetLatestBlockRequest{})
	if err != nil {
		return cmtservice.Header{}, classifyRPC(err, "get latest block")
	}
	if res.SdkBlock == nil {
		return cmtservice.Header{}, eris.New("node returned no block")
	}
	return res.SdkBlock.Header, nil
}

// LatestHeight returns the height of the latest committed block.
func (c *Client) LatestHeight(ctx context.Context) (int64, error) {
	header, err := c.latestHeader(ctx)
	if err != nil {
		return 0, err
	}
	return header.Height, nil
}

// LatestBlockTime returns the header time of the latest committed block.
func (c *Client) LatestBlockTime(ctx context.Context) (time.Time, error) {
	header, err := c.latestHeader(ctx)
	if err != nil {
		return time.Time{}, err
	}
	return header.Time, nil
}

// StoreProof is a raw store value with the Merkle proof of its presence or absence.
type StoreProof struct {
	Value  []byte
	Proof  cmtcrypto.ProofOps
	Height int64
}

// QueryWithProof reads key from the named module store at the latest height together with a proof.
// An empty Value with a proof is a proof of absence.
func (c *Client) QueryWithProof(ctx context.Context, storeKey string, key []byte) (StoreProof, error) {
	path := "/store/" + storeKey + "/key"
	res, err := c.cmtService.ABCIQuery(ctx, &cmtservice.ABCIQueryRequest{Path: path, Data: key, Prove: true})
	if err != nil {
		return StoreProof{}, classifyRPC(err, "abci query "+path)
	}
	if res.Code != 0 {
		return StoreProof{}, eris.Errorf("abci query %s failed with code %d: %s", path, res.Code, res.Log)
	}
	if res.ProofOps == nil {
		return StoreProof{}, eris.Errorf("abci query %s returned no proof", path)
	}

	out := StoreProof{Value: res.Value, Height: res.Height}
	for _, op := range res.ProofOps.Ops {
		out.Proof.Ops = append(out.Proof.Ops, cmtcrypto.ProofOp{Type: op.Type, Key: op.Key, Data: op.Data})
	}
	return out, nil
}

// ModuleAddress derives the bech32 address of a module account, e.g. "transfer" or "fee_collector".
func (c *Client) ModuleAddress(name string) (string, error) {
	addr, err := sdk.Bech32ifyAddressBytes(c.cfg.Bech32Prefix, authtypes.NewModuleAddress(name))
	if err != nil {
		return "", eris.Wrapf(err, "failed to encode module address %s", name)
	}
	return addr, nil
}

// BankSend encodes a MsgSend ready to be placed in an intent.
func (c *Client) BankSend(from, to string, amount sdk.Coins) (codec.ProtoMessage, error) {
	if !amount.IsValid() || amount.IsZero() {
		return codec.ProtoMessage{}, chain.Errorf(chain.ErrBuild, "invalid send amount %s", amount)
	}
	for _, addr := range []string{from, to} {
		if _, err := sdk.GetFromBech32(addr, c.cfg.Bech32Prefix); err != nil {
			return codec.ProtoMessage{}, chain.Wrap(chain.ErrBuild, err, "invalid address "+addr)
		}
	}
	return c.codec.Encode(&banktypes.MsgSend{FromAddress: from, ToAddress: to, Amount: amount})
}
