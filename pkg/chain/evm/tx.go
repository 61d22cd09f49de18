package evm

import (
	"context"
	"errors"
	stdmath "math"
	"math/big"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rotisserie/eris"

	"pkg.world.dev/world-engine/chainclient/pkg/chain"
)

// LogEventType is the chain.Event type receipt logs are reported under.
const LogEventType = "log"

func (c *Client) decodeCall(intent chain.TxIntent) (*Call, error) {
	if err := intent.Validate(); err != nil {
		return nil, err
	}
	if intent.ChainID != c.ChainID() {
		return nil, chain.Errorf(chain.ErrBuild, "intent for chain %s sent to %s", intent.ChainID, c.ChainID())
	}
	if len(intent.Messages) != 1 {
		return nil, chain.Errorf(chain.ErrBuild, "evm intents carry exactly one call, got %d", len(intent.Messages))
	}
	msg, err := c.codec.Decode(intent.Messages[0])
	if err != nil {
		return nil, err
	}
	call, ok := msg.(*Call)
	if !ok {
		return nil, chain.Errorf(chain.ErrBuild, "message %s is not an evm call", intent.Messages[0].TypeURL)
	}
	return call, nil
}

// Simulate estimates gas with eth_estimateGas and scales it by the gas multiplier. It also fixes the
// gas price, from the intent, the config or eth_gasPrice, so that BuildAndSign stays offline.
func (c *Client) Simulate(ctx context.Context, intent chain.TxIntent, account chain.Account) (chain.GasEstimate, error) {
	call, err := c.decodeCall(intent)
	if err != nil {
		return chain.GasEstimate{}, err
	}
	used, err := c.eth.EstimateGas(ctx, ethereum.CallMsg{
		From:  common.HexToAddress(account.Address),
		To:    call.To,
		Value: call.value(),
		Data:  call.Data,
	})
	if err != nil {
		return chain.GasEstimate{}, classifyError(err, "eth_estimateGas", chain.ErrBuild)
	}
	multiplier := intent.Gas.Adjustment
	if multiplier == 0 {
		multiplier = c.cfg.GasMultiplier
	}
	price, err := c.gasPrice(ctx, intent.Gas.Price)
	if err != nil {
		return chain.GasEstimate{}, err
	}
	return chain.GasEstimate{
		GasUsed:  used,
		GasLimit: uint64(stdmath.Ceil(float64(used) * multiplier)),
		GasPrice: price.String(),
	}, nil
}

// BuildAndSign produces an EIP-155 legacy transaction at account.Sequence. Without a gas limit it
// simulates first. With the limit fixed no request is made, so the price must come from the intent
// or the config.
func (c *Client) BuildAndSign(
	ctx context.Context, intent chain.TxIntent, account chain.Account, signer chain.Signer,
) (chain.SignedTx, error) {
	call, err := c.decodeCall(intent)
	if err != nil {
		return chain.SignedTx{}, err
	}
	if !common.IsHexAddress(signer.Address()) ||
		common.HexToAddress(signer.Address()) != common.HexToAddress(account.Address) {
		return chain.SignedTx{}, chain.Errorf(chain.ErrBuild,
			"signer %s cannot sign for account %s", signer.Address(), account.Address)
	}

	if intent.Gas.Limit == 0 {
		est, err := c.Simulate(ctx, intent, account)
		if err != nil {
			return chain.SignedTx{}, err
		}
		intent = intent.WithEstimate(est)
	}
	gasLimit := intent.Gas.Limit
	gasPrice, err := c.fixedGasPrice(intent.Gas.Price)
	if err != nil {
		return chain.SignedTx{}, err
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    account.Sequence,
		GasPrice: gasPrice,
		Gas:      gasLimit,
		To:       call.To,
		Value:    call.value(),
		Data:     call.Data,
	})

	txSigner := types.NewEIP155Signer(c.chainID)
	hash := txSigner.Hash(tx)
	sig, err := signer.Sign(hash.Bytes())
	if err != nil {
		return chain.SignedTx{}, chain.Wrap(chain.ErrBuild, err, "failed to sign")
	}
	signed, err := tx.WithSignature(txSigner, sig)
	if err != nil {
		return chain.SignedTx{}, chain.Wrap(chain.ErrBuild, err, "invalid signature")
	}
	raw, err := signed.MarshalBinary()
	if err != nil {
		return chain.SignedTx{}, chain.Wrap(chain.ErrEncoding, err, "failed to encode transaction")
	}
	return chain.SignedTx{
		ChainID:  c.ChainID(),
		Raw:      raw,
		Hash:     signed.Hash().Hex(),
		Sequence: account.Sequence,
	}, nil
}

// fixedGasPrice resolves the price without asking the node.
func (c *Client) fixedGasPrice(override string) (*big.Int, error) {
	if override != "" {
		price, ok := new(big.Int).SetString(override, 0)
		if !ok || price.Sign() < 0 {
			return nil, chain.Errorf(chain.ErrBuild, "invalid gas price %q", override)
		}
		return price, nil
	}
	if c.cfg.GasPrice != 0 {
		return new(big.Int).SetUint64(c.cfg.GasPrice), nil
	}
	return nil, chain.Errorf(chain.ErrBuild, "no gas price: set one in the intent or EVM_GAS_PRICE, or simulate first")
}

func (c *Client) gasPrice(ctx context.Context, override string) (*big.Int, error) {
	if override != "" || c.cfg.GasPrice != 0 {
		return c.fixedGasPrice(override)
	}
	price, err := c.eth.SuggestGasPrice(ctx)
	if err != nil {
		return nil, classifyError(err, "eth_gasPrice", nil)
	}
	return price, nil
}

// Broadcast submits the raw transaction with eth_sendRawTransaction.
func (c *Client) Broadcast(ctx context.Context, tx chain.SignedTx) (chain.BroadcastOutcome, error) {
	var hash common.Hash
	err := c.rpc.CallContext(ctx, &hash, "eth_sendRawTransaction", hexutil.Encode(tx.Raw))
	if err == nil {
		return chain.BroadcastOutcome{Hash: hash.Hex(), Accepted: true}, nil
	}

	classified := classifyError(err, "eth_sendRawTransaction", chain.ErrBroadcastRejected)
	if errors.Is(classified, errAlreadyKnown) {
		c.log.Debug().Str("tx_hash", tx.Hash).Msg("Transaction already known")
		return chain.BroadcastOutcome{Hash: tx.Hash, Accepted: true}, nil
	}
	if chain.Classify(classified) == chain.KindNetwork && !isRPCError(err) {
		return chain.BroadcastOutcome{}, classified
	}
	return chain.BroadcastOutcome{Hash: tx.Hash, RawError: err.Error()}, classified
}

// PollConfirmation waits for a receipt. A reverted transaction is Included with code 1.
func (c *Client) PollConfirmation(ctx context.Context, hash string, timeout time.Duration) (chain.ConfirmationStatus, error) {
	deadline := time.Now().Add(timeout)
	txHash := common.HexToHash(hash)
	for {
		receipt, err := c.eth.TransactionReceipt(ctx, txHash)
		switch {
		case err == nil:
			return receiptStatus(receipt), nil
		case errors.Is(err, ethereum.NotFound):
		default:
			classified := classifyError(err, "eth_getTransactionReceipt", nil)
			if !chain.Classify(classified).Transient() {
				return chain.ConfirmationStatus{}, classified
			}
			c.log.Debug().Err(err).Str("tx_hash", hash).Msg("Transient error while polling")
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

func receiptStatus(receipt *types.Receipt) chain.ConfirmationStatus {
	var height int64
	if receipt.BlockNumber != nil {
		height = receipt.BlockNumber.Int64()
	}
	code := uint32(0)
	if receipt.Status != types.ReceiptStatusSuccessful {
		code = 1
	}
	status := chain.Included(height, code, LogEvents(receipt.Logs))
	if code != 0 {
		status.Reason = "execution reverted"
	}
	return status
}

// LogEvents flattens receipt logs into events with attributes address, topic0..topicN and data,
// all hex encoded.
func LogEvents(logs []*types.Log) []chain.Event {
	events := make([]chain.Event, 0, len(logs))
	for _, l := range logs {
		attrs := make([]chain.Attribute, 0, len(l.Topics)+2)
		attrs = append(attrs, chain.Attribute{Key: "address", Value: l.Address.Hex()})
		for i, topic := range l.Topics {
			attrs = append(attrs, chain.Attribute{Key: topicKey(i), Value: topic.Hex()})
		}
		attrs = append(attrs, chain.Attribute{Key: "data", Value: hexutil.Encode(l.Data)})
		events = append(events, chain.Event{Type: LogEventType, Attributes: attrs})
	}
	return events
}

func topicKey(i int) string {
	return "topic" + strconv.Itoa(i)
}
