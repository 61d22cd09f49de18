// Package cosmos implements chain.Client for Cosmos SDK chains over gRPC.
package cosmos

import (
	"context"
	"crypto/tls"
	"sync"

	"cosmossdk.io/math"
	"cosmossdk.io/x/tx/signing"
	sdkclient "github.com/cosmos/cosmos-sdk/client"
	"github.com/cosmos/cosmos-sdk/client/grpc/cmtservice"
	sdkcodec "github.com/cosmos/cosmos-sdk/codec"
	"github.com/cosmos/cosmos-sdk/codec/address"
	codectypes "github.com/cosmos/cosmos-sdk/codec/types"
	"github.com/cosmos/cosmos-sdk/std"
	sdk "github.com/cosmos/cosmos-sdk/types"
	txtypes "github.com/cosmos/cosmos-sdk/types/tx"
	authtx "github.com/cosmos/cosmos-sdk/x/auth/tx"
	authtypes "github.com/cosmos/cosmos-sdk/x/auth/types"
	banktypes "github.com/cosmos/cosmos-sdk/x/bank/types"
	gogoproto "github.com/cosmos/gogoproto/proto"
	ibctransfertypes "github.com/cosmos/ibc-go/v8/modules/apps/transfer/types"
	channeltypes "github.com/cosmos/ibc-go/v8/modules/core/04-channel/types"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	"pkg.world.dev/world-engine/chainclient/pkg/chain"
	"pkg.world.dev/world-engine/chainclient/pkg/codec"
)

var _ chain.Client = (*Client)(nil)

// Client talks to a single Cosmos SDK node. It is safe for concurrent use.
type Client struct {
	cfg   Config
	log   zerolog.Logger
	codec *codec.Codec

	conn     *grpc.ClientConn
	ownsConn bool

	cdc      sdkcodec.Codec
	txConfig sdkclient.TxConfig
	gasPrice sdk.DecCoin
	mode     txtypes.BroadcastMode

	txService   txtypes.ServiceClient
	bankQuery   banktypes.QueryClient
	cmtService  cmtservice.ServiceClient
	accountOnce singleflight.Group

	mu     sync.Mutex
	closed bool
}

type Option func(*Client)

func WithLogger(log zerolog.Logger) Option {
	return func(c *Client) {
		c.log = log
	}
}

// WithConn reuses an existing connection. The caller keeps ownership and closes it.
func WithConn(conn *grpc.ClientConn) Option {
	return func(c *Client) {
		c.conn = conn
	}
}

// WithCodec replaces the codec used to decode intent messages.
func WithCodec(cdc *codec.Codec) Option {
	return func(c *Client) {
		c.codec = cdc
	}
}

// NewClient validates cfg and prepares the connection. No request is made until the first call.
func NewClient(cfg Config, opts ...Option) (*Client, error) {
	if err := cfg.validate(); err != nil {
		return nil, eris.Wrap(err, "invalid cosmos config")
	}

	c := &Client{
		cfg:   cfg,
		log:   zerolog.Nop(),
		codec: codec.New(),
	}
	for _, opt := range opts {
		opt(c)
	}

	mode, err := parseBroadcastMode(cfg.BroadcastMode)
	if err != nil {
		return nil, err
	}
	c.mode = mode

	price, err := math.LegacyNewDecFromStr(cfg.GasPrice)
	if err != nil {
		return nil, eris.Wrap(err, "invalid gas price")
	}
	c.gasPrice = sdk.NewDecCoinFromDec(cfg.Denom, price)

	cdc, txConfig, err := newTxConfig(cfg.Bech32Prefix)
	if err != nil {
		return nil, err
	}
	c.cdc, c.txConfig = cdc, txConfig

	if c.conn == nil {
		var creds credentials.TransportCredentials
		if cfg.UseTLS {
			creds = credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})
		} else {
			creds = insecure.NewCredentials()
		}
		c.conn, err = grpc.NewClient(cfg.GRPCAddr,
			grpc.WithTransportCredentials(creds),
			grpc.WithDefaultCallOptions(grpc.ForceCodec(cdc.GRPCCodec())),
		)
		if err != nil {
			return nil, eris.Wrap(err, "failed to create gRPC connection")
		}
		c.ownsConn = true
	}

	c.txService = txtypes.NewServiceClient(c.conn)
	c.bankQuery = banktypes.NewQueryClient(c.conn)
	c.cmtService = cmtservice.NewServiceClient(c.conn)

	c.log.Info().
		Str("endpoint", cfg.GRPCAddr).
		Str("chain_id", cfg.ChainID).
		Bool("shared_conn", !c.ownsConn).
		Msg("Cosmos client initialized")
	return c, nil
}

// newTxConfig builds the interface registry and SIGN_MODE_DIRECT capable tx config for the message
// types this package sends: bank, auth, IBC transfer and IBC channel.
func newTxConfig(prefix string) (*sdkcodec.ProtoCodec, sdkclient.TxConfig, error) {
	registry, err := codectypes.NewInterfaceRegistryWithOptions(codectypes.InterfaceRegistryOptions{
		ProtoFiles: gogoproto.HybridResolver,
		SigningOptions: signing.Options{
			AddressCodec:          address.NewBech32Codec(prefix),
			ValidatorAddressCodec: address.NewBech32Codec(prefix + sdk.PrefixValidator + sdk.PrefixOperator),
		},
	})
	if err != nil {
		return nil, nil, eris.Wrap(err, "failed to create interface registry")
	}

	std.RegisterInterfaces(registry)
	authtypes.RegisterInterfaces(registry)
	banktypes.RegisterInterfaces(registry)
	ibctransfertypes.RegisterInterfaces(registry)
	channeltypes.RegisterInterfaces(registry)

	cdc := sdkcodec.NewProtoCodec(registry)
	return cdc, authtx.NewTxConfig(cdc, authtx.DefaultSignModes), nil
}

func (c *Client) ChainID() string {
	return c.cfg.ChainID
}

// Codec returns the codec used to decode intent messages.
func (c *Client) Codec() *codec.Codec {
	return c.codec
}

// TxConfig exposes the SDK tx config, mostly to decode raw transactions.
func (c *Client) TxConfig() sdkclient.TxConfig {
	return c.txConfig
}

// Close releases the connection if the client created it.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.ownsConn {
		if err := c.conn.Close(); err != nil {
			return eris.Wrap(err, "failed to close gRPC connection")
		}
	}
	c.log.Info().Str("chain_id", c.cfg.ChainID).Msg("Cosmos client closed")
	return nil
}

// Query runs an ABCI query. path is either a gRPC method ("/cosmos.bank.v1beta1.Query/Balance") or
// a store path ("/store/bank/key").
func (c *Client) Query(ctx context.Context, path string, params []byte) ([]byte, error) {
	res, err := c.cmtService.ABCIQuery(ctx, &cmtservice.ABCIQueryRequest{Path: path, Data: params})
	if err != nil {
		return nil, classifyRPC(err, "abci query "+path)
	}
	if res.Code != 0 {
		return nil, eris.Errorf("abci query %s failed with code %d: %s", path, res.Code, res.Log)
	}
	return res.Value, nil
}

// FetchAccount reads the account number, sequence and public key. Concurrent calls for the same
// address share one request.
func (c *Client) FetchAccount(ctx context.Context, addr string) (chain.Account, error) {
	v, err, _ := c.accountOnce.Do(addr, func() (any, error) {
		return c.fetchAccount(ctx, addr)
	})
	if err != nil {
		return chain.Account{}, err
	}
	return v.(chain.Account), nil //nolint:forcetypeassert // fetchAccount only returns chain.Account
}

// accountQueryPath is routed through ABCIQuery so the response is decoded here, where an account
// type the registry does not know can still be read as a BaseAccount.
const accountQueryPath = "/cosmos.auth.v1beta1.Query/Account"

func (c *Client) fetchAccount(ctx context.Context, addr string) (chain.Account, error) {
	req, err := (&authtypes.QueryAccountRequest{Address: addr}).Marshal()
	if err != nil {
		return chain.Account{}, chain.Wrap(chain.ErrEncoding, err, "failed to encode account query")
	}
	raw, err := c.Query(ctx, accountQueryPath, req)
	if err != nil {
		return chain.Account{}, eris.Wrapf(err, "failed to query account %s", addr)
	}
	var res authtypes.QueryAccountResponse
	if err := res.Unmarshal(raw); err != nil {
		return chain.Account{}, chain.Wrap(chain.ErrEncoding, err, "failed to decode account "+addr)
	}
	if res.Account == nil {
		return chain.Account{}, eris.Errorf("account %s not returned", addr)
	}

	var acc sdk.AccountI
	if err := c.cdc.UnpackAny(res.Account, &acc); err != nil {
		c.log.Debug().Str("type_url", res.Account.TypeUrl).Msg("Unknown account type, reading as base account")
		var base authtypes.BaseAccount
		if err := base.Unmarshal(res.Account.GetValue()); err != nil {
			return chain.Account{}, eris.Wrapf(err, "failed to unpack account %s", addr)
		}
		if err := codectypes.UnpackInterfaces(&base, c.cdc.InterfaceRegistry()); err != nil {
			return chain.Account{}, eris.Wrapf(err, "failed to unpack public key of %s", addr)
		}
		acc = &base
	}

	out := chain.Account{
		ChainID:  c.cfg.ChainID,
		Address:  addr,
		Number:   acc.GetAccountNumber(),
		Sequence: acc.GetSequence(),
	}
	if pk := acc.GetPubKey(); pk != nil {
		out.PublicKey = pk.Bytes()
	}
	return out, nil
}
