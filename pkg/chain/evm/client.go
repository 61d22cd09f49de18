// Package evm implements chain.Client for EVM chains over JSON-RPC.
package evm

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/goccy/go-json"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"

	"pkg.world.dev/world-engine/chainclient/pkg/chain"
	"pkg.world.dev/world-engine/chainclient/pkg/codec"
)

var _ chain.Client = (*Client)(nil)

// Client talks to a single EVM node. It is safe for concurrent use.
type Client struct {
	cfg     Config
	log     zerolog.Logger
	codec   *codec.Codec
	rpc     *rpc.Client
	eth     *ethclient.Client
	chainID *big.Int
}

type Option func(*Client)

func WithLogger(log zerolog.Logger) Option {
	return func(c *Client) {
		c.log = log
	}
}

// WithCodec replaces the codec used to decode intent messages. Call is registered on it.
func WithCodec(cdc *codec.Codec) Option {
	return func(c *Client) {
		c.codec = cdc
	}
}

// NewClient dials cfg.RPCURL. When cfg.ChainID is zero the chain id is read from the node.
func NewClient(ctx context.Context, cfg Config, opts ...Option) (*Client, error) {
	if err := cfg.validate(); err != nil {
		return nil, eris.Wrap(err, "invalid evm config")
	}

	c := &Client{
		cfg:   cfg,
		log:   zerolog.Nop(),
		codec: codec.New(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.codec.Register(&Call{})

	rpcClient, err := rpc.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, chain.Wrap(chain.ErrNetwork, err, "failed to dial "+cfg.RPCURL)
	}
	c.rpc = rpcClient
	c.eth = ethclient.NewClient(rpcClient)

	if cfg.ChainID != 0 {
		c.chainID = new(big.Int).SetUint64(cfg.ChainID)
	} else {
		id, err := c.eth.ChainID(ctx)
		if err != nil {
			rpcClient.Close()
			return nil, classifyError(err, "eth_chainId", nil)
		}
		c.chainID = id
	}

	c.log.Info().
		Str("endpoint", cfg.RPCURL).
		Str("chain_id", c.chainID.String()).
		Msg("EVM client initialized")
	return c, nil
}

// Close drops the RPC connection.
func (c *Client) Close() {
	c.rpc.Close()
}

// ChainID is the decimal EIP-155 chain id.
func (c *Client) ChainID() string {
	return c.chainID.String()
}

// Codec returns the codec used to decode intent messages.
func (c *Client) Codec() *codec.Codec {
	return c.codec
}

// EncodeCall wraps a Call into the message form a chain.TxIntent carries.
func (c *Client) EncodeCall(call *Call) (codec.ProtoMessage, error) {
	return c.codec.Encode(call)
}

// Query forwards a raw JSON-RPC request. path is the method and params a JSON array of arguments.
func (c *Client) Query(ctx context.Context, path string, params []byte) ([]byte, error) {
	var args []json.RawMessage
	if len(params) > 0 {
		if err := json.Unmarshal(params, &args); err != nil {
			return nil, eris.Wrapf(err, "params for %s must be a JSON array", path)
		}
	}
	callArgs := make([]any, len(args))
	for i, a := range args {
		callArgs[i] = a
	}

	var result json.RawMessage
	if err := c.rpc.CallContext(ctx, &result, path, callArgs...); err != nil {
		return nil, classifyError(err, path, nil)
	}
	return result, nil
}

// FetchAccount reads the pending nonce of addr.
func (c *Client) FetchAccount(ctx context.Context, addr string) (chain.Account, error) {
	if !common.IsHexAddress(addr) {
		return chain.Account{}, eris.Errorf("invalid address %s", addr)
	}
	nonce, err := c.eth.PendingNonceAt(ctx, common.HexToAddress(addr))
	if err != nil {
		return chain.Account{}, classifyError(err, "eth_getTransactionCount", nil)
	}
	return chain.Account{ChainID: c.ChainID(), Address: addr, Sequence: nonce}, nil
}

// Balance returns addr's balance in wei at the latest block.
func (c *Client) Balance(ctx context.Context, addr string) (*big.Int, error) {
	bal, err := c.eth.BalanceAt(ctx, common.HexToAddress(addr), nil)
	if err != nil {
		return nil, classifyError(err, "eth_getBalance", nil)
	}
	return bal, nil
}

// LatestHeight returns the latest block number.
func (c *Client) LatestHeight(ctx context.Context) (uint64, error) {
	n, err := c.eth.BlockNumber(ctx)
	if err != nil {
		return 0, classifyError(err, "eth_blockNumber", nil)
	}
	return n, nil
}

// CallContract runs a read-only eth_call against the latest block.
func (c *Client) CallContract(ctx context.Context, to string, data []byte) ([]byte, error) {
	addr := common.HexToAddress(to)
	out, err := c.eth.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: data}, nil)
	if err != nil {
		return nil, classifyError(err, "eth_call", nil)
	}
	return out, nil
}

// BlockingQuery calls fn up to attempts times, interval apart, until done accepts its result.
// Transient errors count as a failed attempt, other errors end the query.
func BlockingQuery[T any](
	ctx context.Context,
	fn func(ctx context.Context) (T, error),
	done func(T) bool,
	interval time.Duration,
	attempts int,
) (T, error) {
	var last T
	for attempt := 1; attempt <= attempts; attempt++ {
		v, err := fn(ctx)
		switch {
		case err == nil:
			last = v
			if done(v) {
				return v, nil
			}
		case !chain.Classify(err).Transient():
			return last, err
		}
		if attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return last, eris.Wrap(ctx.Err(), "blocking query aborted")
		case <-time.After(interval):
		}
	}
	return last, eris.Errorf("condition not met after %d attempts", attempts)
}
