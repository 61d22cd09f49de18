package cosmos

import (
	"context"
	"fmt"
	stdmath "math"
	"strings"
	"time"

	"cosmossdk.io/math"
	cmttypes "github.com/cometbft/cometbft/types"
	sdkclient "github.com/cosmos/cosmos-sdk/client"
	"github.com/cosmos/cosmos-sdk/crypto/keys/secp256k1"
	cryptotypes "github.com/cosmos/cosmos-sdk/crypto/types"
	sdk "github.com/cosmos/cosmos-sdk/types"
	txtypes "github.com/cosmos/cosmos-sdk/types/tx"
	signingtypes "github.com/cosmos/cosmos-sdk/types/tx/signing"
	authsigning "github.com/cosmos/cosmos-sdk/x/auth/signing"
	"github.com/rotisserie/eris"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"pkg.world.dev/world-engine/chainclient/pkg/chain"
)

const signMode = signingtypes.SignMode_SIGN_MODE_DIRECT

// Simulate dry-runs the intent with an empty signature and scales the gas used by the gas
// adjustment, rounding up.
func (c *Client) Simulate(ctx context.Context, intent chain.TxIntent, account chain.Account) (chain.GasEstimate, error) {
	if err := c.checkIntent(intent); err != nil {
		return chain.GasEstimate{}, err
	}

	var pub cryptotypes.PubKey
	if len(account.PublicKey) == secp256k1.PubKeySize {
		pub = &secp256k1.PubKey{Key: account.PublicKey}
	}

	builder, err := c.newBuilder(intent.WithGasLimit(c.gasLimit(intent)))
	if err != nil {
		return chain.GasEstimate{}, err
	}
	sig := signingtypes.SignatureV2{
		PubKey:   pub,
		Data:     &signingtypes.SingleSignatureData{SignMode: signMode},
		Sequence: account.Sequence,
	}
	if err := builder.SetSignatures(sig); err != nil {
		return chain.GasEstimate{}, chain.Wrap(chain.ErrBuild, err, "failed to set simulation signature")
	}
	bz, err := c.txConfig.TxEncoder()(builder.GetTx())
	if err != nil {
		return chain.GasEstimate{}, chain.Wrap(chain.ErrEncoding, err, "failed to encode simulation tx")
	}

	res, err := c.txService.Simulate(ctx, &txtypes.SimulateRequest{TxBytes: bz})
	if err != nil {
		return chain.GasEstimate{}, classifySimulate(err)
	}

	if res.GasInfo == nil {
		return chain.GasEstimate{}, chain.Errorf(chain.ErrBuild, "simulation returned no gas info")
	}
	used := res.GasInfo.GasUsed
	adjustment := intent.Gas.Adjustment
	if adjustment == 0 {
		adjustment = c.cfg.GasAdjustment
	}
	return chain.GasEstimate{
		GasUsed:  used,
		GasLimit: uint64(stdmath.Ceil(float64(used) * adjustment)),
	}, nil
}

// BuildAndSign encodes the intent's messages, sets the fee for its gas limit and signs the
// SIGN_MODE_DIRECT sign doc. No network access is needed.
func (c *Client) BuildAndSign(
	ctx context.Context, intent chain.TxIntent, account chain.Account, signer chain.Signer,
) (chain.SignedTx, error) {
	if err := c.checkIntent(intent); err != nil {
		return chain.SignedTx{}, err
	}
	if signer.Address() != account.Address {
		return chain.SignedTx{}, chain.Errorf(chain.ErrBuild,
			"signer %s cannot sign for account %s", signer.Address(), account.Address)
	}
	pubBytes := signer.PubKey()
	if len(pubBytes) != secp256k1.PubKeySize {
		return chain.SignedTx{}, chain.Errorf(chain.ErrBuild, "signer public key must be %d bytes, got %d",
			secp256k1.PubKeySize, len(pubBytes))
	}
	pub := &secp256k1.PubKey{Key: pubBytes}

	builder, err := c.newBuilder(intent.WithGasLimit(c.gasLimit(intent)))
	if err != nil {
		return chain.SignedTx{}, err
	}
	if err := c.sign(ctx, builder, account, pub, signer); err != nil {
		return chain.SignedTx{}, err
	}

	bz, err := c.txConfig.TxEncoder()(builder.GetTx())
	if err != nil {
		return chain.SignedTx{}, chain.Wrap(chain.ErrEncoding, err, "failed to encode transaction")
	}
	return chain.SignedTx{
		ChainID:  c.cfg.ChainID,
		Raw:      bz,
		Hash:     TxHash(bz),
		Sequence: account.Sequence,
	}, nil
}

// TxHash is the hash CometBFT indexes a transaction under, as uppercase hex.
func TxHash(raw []byte) string {
	return fmt.Sprintf("%X", cmttypes.Tx(raw).Hash())
}

func (c *Client) checkIntent(intent chain.TxIntent) error {
	if err := intent.Validate(); err != nil {
		return err
	}
	if intent.ChainID != c.cfg.ChainID {
		return chain.Errorf(chain.ErrBuild, "intent for chain %s sent to %s", intent.ChainID, c.cfg.ChainID)
	}
	return nil
}

func (c *Client) gasLimit(intent chain.TxIntent) uint64 {
	if intent.Gas.Limit > 0 {
		return intent.Gas.Limit
	}
	return DefaultGasLimit
}

func (c *Client) newBuilder(intent chain.TxIntent) (sdkclient.TxBuilder, error) {
	msgs := make([]sdk.Msg, len(intent.Messages))
	for i, pm := range intent.Messages {
		msg, err := c.codec.Decode(pm)
		if err != nil {
			return nil, err
		}
		msgs[i] = msg
	}

	price := c.gasPrice
	if intent.Gas.Price != "" {
		var err error
		price, err = parseGasPrice(intent.Gas.Price, c.cfg.Denom)
		if err != nil {
			return nil, chain.Wrap(chain.ErrBuild, err, "invalid gas price")
		}
	}

	builder := c.txConfig.NewTxBuilder()
	if err := builder.SetMsgs(msgs...); err != nil {
		return nil, chain.Wrap(chain.ErrBuild, err, "failed to set messages")
	}
	builder.SetGasLimit(intent.Gas.Limit)
	builder.SetFeeAmount(calculateFee(intent.Gas.Limit, price))
	builder.SetMemo(intent.Memo)
	return builder, nil
}

// sign sets a placeholder signature so the signer info lands in the auth info bytes, then replaces
// it with the signature over the resulting sign doc.
func (c *Client) sign(
	ctx context.Context, builder sdkclient.TxBuilder, account chain.Account, pub cryptotypes.PubKey, signer chain.Signer,
) error {
	sig := signingtypes.SignatureV2{
		PubKey:   pub,
		Data:     &signingtypes.SingleSignatureData{SignMode: signMode},
		Sequence: account.Sequence,
	}
	if err := builder.SetSignatures(sig); err != nil {
		return chain.Wrap(chain.ErrBuild, err, "failed to set signature placeholder")
	}

	signerData := authsigning.SignerData{
		ChainID:       c.cfg.ChainID,
		AccountNumber: account.Number,
		Sequence:      account.Sequence,
		PubKey:        pub,
		Address:       account.Address,
	}
	bytesToSign, err := authsigning.GetSignBytesAdapter(ctx, c.txConfig.SignModeHandler(), signMode, signerData,
		builder.GetTx())
	if err != nil {
		return chain.Wrap(chain.ErrBuild, err, "failed to get sign bytes")
	}

	signature, err := signer.Sign(bytesToSign)
	if err != nil {
		return chain.Wrap(chain.ErrBuild, err, "failed to sign")
	}

	sig.Data = &signingtypes.SingleSignatureData{SignMode: signMode, Signature: signature}
	if err := builder.SetSignatures(sig); err != nil {
		return chain.Wrap(chain.ErrBuild, err, "failed to set signature")
	}
	return nil
}

// calculateFee returns gas * price, rounding any remainder up so the fee is never short.
func calculateFee(gas uint64, price sdk.DecCoin) sdk.Coins {
	fee := price.Amount.Mul(math.LegacyNewDecFromInt(math.NewIntFromUint64(gas)))
	amount := fee.TruncateInt()
	if fee.Sub(math.LegacyNewDecFromInt(amount)).IsPositive() {
		amount = amount.Add(math.OneInt())
	}
	return sdk.NewCoins(sdk.NewCoin(price.Denom, amount))
}

// parseGasPrice accepts "0.025uatom" or a bare decimal in the default denom.
func parseGasPrice(s, denom string) (sdk.DecCoin, error) {
	if coin, err := sdk.ParseDecCoin(s); err == nil {
		return coin, nil
	}
	amount, err := math.LegacyNewDecFromStr(s)
	if err != nil {
		return sdk.DecCoin{}, eris.Wrapf(err, "cannot parse gas price %q", s)
	}
	return sdk.NewDecCoinFromDec(denom, amount), nil
}

// Broadcast submits the signed bytes. A non-zero CheckTx code is returned in the outcome together
// with the classified error.
func (c *Client) Broadcast(ctx context.Context, tx chain.SignedTx) (chain.BroadcastOutcome, error) {
	res, err := c.txService.BroadcastTx(ctx, &txtypes.BroadcastTxRequest{TxBytes: tx.Raw, Mode: c.mode})
	if err != nil {
		return chain.BroadcastOutcome{}, classifyRPC(err, "broadcast "+tx.Hash)
	}

	resp := res.GetTxResponse()
	if resp == nil {
		return chain.BroadcastOutcome{}, chain.Errorf(chain.ErrNetwork, "broadcast %s returned no response", tx.Hash)
	}
	outcome := chain.BroadcastOutcome{
		Hash:     tx.Hash,
		Code:     resp.Code,
		RawError: resp.RawLog,
	}
	if resp.TxHash != "" {
		outcome.Hash = strings.ToUpper(resp.TxHash)
	}

	sentinel := classifyCode(resp.Codespace, resp.Code)
	if sentinel == nil {
		outcome.Accepted = true
		if outcome.Code != 0 {
			c.log.Debug().Str("tx_hash", outcome.Hash).Msg("Transaction already in mempool")
		}
		return outcome, nil
	}
	return outcome, chain.Errorf(sentinel, "codespace %s code %d: %s", resp.Codespace, resp.Code, resp.RawLog)
}

// PollConfirmation looks the hash up every PollInterval until the node indexes it or timeout
// elapses. Transient lookup errors are logged and polling continues.
func (c *Client) PollConfirmation(ctx context.Context, hash string, timeout time.Duration) (chain.ConfirmationStatus, error) {
	deadline := time.Now().Add(timeout)
	for {
		status, err := c.lookupTx(ctx, hash)
		switch {
		case err == nil:
			if status.State.Terminal() {
				return status, nil
			}
		case chain.Classify(err).Transient():
			c.log.Debug().Err(err).Str("tx_hash", hash).Msg("Transient error while polling")
		default:
			return chain.ConfirmationStatus{}, err
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return chain.TimedOut(), nil
		}
		timer := time.NewTimer(min(c.cfg.PollInterval, remaining))
		select {
		case <-ctx.Done():
			timer.Stop()
			return chain.ConfirmationStatus{}, eris.Wrap(ctx.Err(), "polling aborted")
		case <-timer.C:
		}
	}
}

func (c *Client) lookupTx(ctx context.Context, hash string) (chain.ConfirmationStatus, error) {
	res, err := c.txService.GetTx(ctx, &txtypes.GetTxRequest{Hash: hash})
	if err != nil {
		if status.Code(err) == codes.NotFound || strings.Contains(err.Error(), "not found") {
			return chain.Pending(), nil
		}
		return chain.ConfirmationStatus{}, classifyRPC(err, "get tx "+hash)
	}

	resp := res.GetTxResponse()
	if resp == nil {
		return chain.Pending(), nil
	}
	events := make([]chain.Event, 0, len(resp.Events))
	for _, ev := range resp.Events {
		attrs := make([]chain.Attribute, 0, len(ev.Attributes))
		for _, a := range ev.Attributes {
			attrs = append(attrs, chain.Attribute{Key: a.Key, Value: a.Value})
		}
		events = append(events, chain.Event{Type: ev.Type, Attributes: attrs})
	}

	out := chain.Included(resp.Height, resp.Code, events)
	if resp.Code != 0 {
		out.Reason = resp.RawLog
	}
	return out, nil
}
