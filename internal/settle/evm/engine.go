// Package evm settles value on an EVM chain. The engine signs with a
// single locally-held custody key: reads go through eth_call, writes are
// signed transactions awaited to a receipt, and batch payouts route
// through a disperse contract so a distribution is one transaction.
package evm

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"

	"prorata/internal/asset"
	"prorata/internal/settle"
)

// Config carries the connection and signing parameters for an Engine.
type Config struct {
	// RPCURL is the endpoint of the chain node.
	RPCURL string

	// PrivateKey is the hex-encoded custody key. Every transaction the
	// engine sends is signed with it.
	PrivateKey string

	// ChainID pins the signing chain. Zero queries the node.
	ChainID int64

	// Disperse is the address of the batch-payout contract. Without it
	// PayBatch is unsupported.
	Disperse string

	// GasLimit caps sent transactions. Zero estimates per transaction.
	GasLimit uint64

	// ConfirmTimeout bounds the wait for a transaction receipt. Zero
	// waits as long as the caller's context allows.
	ConfirmTimeout time.Duration
}

// Engine is a settle.Engine backed by an EVM chain.
type Engine struct {
	rpcClient *rpc.Client
	client    *ethclient.Client
	key       *ecdsa.PrivateKey
	custody   common.Address
	chainID   *big.Int
	signer    types.Signer
	disperse  common.Address
	gasLimit  uint64
	confirm   time.Duration

	// sendMu serializes sends so concurrent transactions do not race on
	// the custody account's pending nonce.
	sendMu sync.Mutex
}

var _ settle.Engine = (*Engine)(nil)

// New connects to the node at cfg.RPCURL and derives the custody
// identity from cfg.PrivateKey.
func New(ctx context.Context, cfg Config) (*Engine, error) {
	if cfg.RPCURL == "" {
		return nil, errors.New("evm: rpc url is required")
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("evm: parse custody key: %w", err)
	}
	var disperse common.Address
	if cfg.Disperse != "" {
		if !common.IsHexAddress(cfg.Disperse) {
			return nil, fmt.Errorf("evm: invalid disperse address %q", cfg.Disperse)
		}
		disperse = common.HexToAddress(cfg.Disperse)
	}

	rpcClient, err := rpc.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("evm: dial %s: %w", cfg.RPCURL, err)
	}
	client := ethclient.NewClient(rpcClient)

	chainID := big.NewInt(cfg.ChainID)
	if cfg.ChainID == 0 {
		chainID, err = client.ChainID(ctx)
		if err != nil {
			rpcClient.Close()
			return nil, fmt.Errorf("evm: query chain id: %w", err)
		}
	}

	return &Engine{
		rpcClient: rpcClient,
		client:    client,
		key:       key,
		custody:   crypto.PubkeyToAddress(key.PublicKey),
		chainID:   chainID,
		signer:    types.LatestSignerForChainID(chainID),
		disperse:  disperse,
		gasLimit:  cfg.GasLimit,
		confirm:   cfg.ConfirmTimeout,
	}, nil
}

// Close tears down the node connection.
func (e *Engine) Close() {
	e.rpcClient.Close()
}

// Custody returns the address derived from the configured key.
func (e *Engine) Custody() common.Address {
	return e.custody
}

func (e *Engine) BalanceOf(ctx context.Context, id asset.ID, owner common.Address) (*big.Int, error) {
	if id.IsNative() {
		balance, err := e.client.BalanceAt(ctx, owner, nil)
		if err != nil {
			return nil, fmt.Errorf("evm: balance of %s: %w", owner.Hex(), err)
		}
		return balance, nil
	}
	values, err := e.erc20Call(ctx, id.Address(), "balanceOf", owner)
	if err != nil {
		return nil, err
	}
	return asBigInt(values[0])
}

func (e *Engine) Allowance(ctx context.Context, id asset.ID, owner, spender common.Address) (*big.Int, error) {
	if id.IsNative() {
		return nil, fmt.Errorf("evm: native asset has no allowances: %w", settle.ErrUnsupported)
	}
	values, err := e.erc20Call(ctx, id.Address(), "allowance", owner, spender)
	if err != nil {
		return nil, err
	}
	return asBigInt(values[0])
}

// Pull moves tokens with transferFrom, spending the allowance the payer
// granted to custody. Native value cannot be pulled: nothing can move it
// without the payer's own signature.
func (e *Engine) Pull(ctx context.Context, id asset.ID, from, to common.Address, amount *big.Int) error {
	if id.IsNative() {
		return fmt.Errorf("evm: native value needs the payer's signature: %w", settle.ErrUnsupported)
	}
	parsed, err := erc20ABIInstance()
	if err != nil {
		return err
	}
	data, err := parsed.Pack("transferFrom", from, to, bigOrZero(amount))
	if err != nil {
		return fmt.Errorf("evm: pack transferFrom: %w", err)
	}
	token := id.Address()
	if _, err := e.send(ctx, &token, nil, data); err != nil {
		return fmt.Errorf("evm: transferFrom on %s: %w", token.Hex(), err)
	}
	return nil
}

// Approve grants spender an allowance over custody's tokens. Custody
// holds the only key, so owner must be custody.
func (e *Engine) Approve(ctx context.Context, id asset.ID, owner, spender common.Address, amount *big.Int) error {
	if id.IsNative() {
		return fmt.Errorf("evm: native asset has no allowances: %w", settle.ErrUnsupported)
	}
	if owner != e.custody {
		return fmt.Errorf("evm: cannot sign approvals for %s: %w", owner.Hex(), settle.ErrUnsupported)
	}
	parsed, err := erc20ABIInstance()
	if err != nil {
		return err
	}
	data, err := parsed.Pack("approve", spender, bigOrZero(amount))
	if err != nil {
		return fmt.Errorf("evm: pack approve: %w", err)
	}
	token := id.Address()
	if _, err := e.send(ctx, &token, nil, data); err != nil {
		return fmt.Errorf("evm: approve on %s: %w", token.Hex(), err)
	}
	return nil
}

// Call simulates the invocation first to capture the return bytes and
// any revert reason, then sends the real transaction and waits for its
// receipt. The simulation result is returned: receipts carry no output.
func (e *Engine) Call(ctx context.Context, from, target common.Address, value *big.Int, payload []byte) ([]byte, error) {
	if from != e.custody {
		return nil, fmt.Errorf("evm: cannot call as %s: %w", from.Hex(), settle.ErrUnsupported)
	}
	value = bigOrZero(value)
	msg := ethereum.CallMsg{From: e.custody, To: &target, Value: value, Data: payload}
	result, err := e.client.CallContract(ctx, msg, nil)
	if err != nil {
		return nil, fmt.Errorf("evm: call %s: %w", target.Hex(), asRevert(err))
	}
	if _, err := e.send(ctx, &target, value, payload); err != nil {
		return nil, fmt.Errorf("evm: call %s: %w", target.Hex(), err)
	}
	return result, nil
}

// PayBatch routes the payments through the disperse contract in a
// single transaction, so either every payment lands or the whole batch
// reverts. Token batches first approve the contract for the total.
func (e *Engine) PayBatch(ctx context.Context, id asset.ID, from common.Address, payments []settle.Payment) error {
	if from != e.custody {
		return fmt.Errorf("evm: cannot pay as %s: %w", from.Hex(), settle.ErrUnsupported)
	}
	if e.disperse == (common.Address{}) {
		return fmt.Errorf("evm: no disperse contract configured: %w", settle.ErrUnsupported)
	}
	if len(payments) == 0 {
		return nil
	}

	recipients := make([]common.Address, len(payments))
	values := make([]*big.Int, len(payments))
	total := new(big.Int)
	for i, p := range payments {
		amt := bigOrZero(p.Amount)
		if amt.Sign() < 0 {
			return fmt.Errorf("evm: negative payment to %s", p.To.Hex())
		}
		recipients[i] = p.To
		values[i] = amt
		total.Add(total, amt)
	}

	parsed, err := disperseABIInstance()
	if err != nil {
		return err
	}
	if id.IsNative() {
		data, err := parsed.Pack("disperseEther", recipients, values)
		if err != nil {
			return fmt.Errorf("evm: pack disperseEther: %w", err)
		}
		if _, err := e.send(ctx, &e.disperse, total, data); err != nil {
			return fmt.Errorf("evm: disperse %s: %w", total, err)
		}
		return nil
	}
	if err := e.Approve(ctx, id, e.custody, e.disperse, total); err != nil {
		return fmt.Errorf("evm: approve disperse for %s: %w", total, err)
	}
	data, err := parsed.Pack("disperseToken", id.Address(), recipients, values)
	if err != nil {
		return fmt.Errorf("evm: pack disperseToken: %w", err)
	}
	if _, err := e.send(ctx, &e.disperse, nil, data); err != nil {
		return fmt.Errorf("evm: disperse %s of %s: %w", total, id, err)
	}
	return nil
}

// erc20Call packs method and args against the ERC-20 ABI, executes an
// eth_call on the token and unpacks the result.
func (e *Engine) erc20Call(ctx context.Context, token common.Address, method string, args ...interface{}) ([]interface{}, error) {
	parsed, err := erc20ABIInstance()
	if err != nil {
		return nil, err
	}
	data, err := parsed.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("evm: pack %s: %w", method, err)
	}
	msg := ethereum.CallMsg{From: e.custody, To: &token, Data: data}
	resp, err := e.client.CallContract(ctx, msg, nil)
	if err != nil {
		return nil, fmt.Errorf("evm: call %s on %s: %w", method, token.Hex(), asRevert(err))
	}
	values, err := parsed.Unpack(method, resp)
	if err != nil {
		return nil, fmt.Errorf("evm: unpack %s: %w", method, err)
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("evm: %s returned no values", method)
	}
	return values, nil
}

// send signs a transaction from custody, submits it and waits until it
// is mined. A mined-but-reverted transaction is an error.
func (e *Engine) send(ctx context.Context, to *common.Address, value *big.Int, data []byte) (*types.Receipt, error) {
	e.sendMu.Lock()
	defer e.sendMu.Unlock()

	value = bigOrZero(value)
	nonce, err := e.client.PendingNonceAt(ctx, e.custody)
	if err != nil {
		return nil, fmt.Errorf("pending nonce: %w", err)
	}
	gasPrice, err := e.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("suggest gas price: %w", err)
	}
	gas := e.gasLimit
	if gas == 0 {
		msg := ethereum.CallMsg{From: e.custody, To: to, Value: value, Data: data}
		gas, err = e.client.EstimateGas(ctx, msg)
		if err != nil {
			return nil, fmt.Errorf("estimate gas: %w", asRevert(err))
		}
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       to,
		Value:    value,
		Gas:      gas,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := types.SignTx(tx, e.signer, e.key)
	if err != nil {
		return nil, fmt.Errorf("sign transaction: %w", err)
	}
	if err := e.client.SendTransaction(ctx, signed); err != nil {
		return nil, fmt.Errorf("send transaction: %w", asRevert(err))
	}
	waitCtx := ctx
	if e.confirm > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, e.confirm)
		defer cancel()
	}
	receipt, err := bind.WaitMined(waitCtx, e.client, signed)
	if err != nil {
		return nil, fmt.Errorf("wait for %s: %w", signed.Hash().Hex(), err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return receipt, fmt.Errorf("transaction %s reverted", signed.Hash().Hex())
	}
	return receipt, nil
}

// RevertError is a failed call or estimate whose revert reason could be
// decoded.
type RevertError struct {
	Reason string
}

func (e *RevertError) Error() string {
	return "execution reverted: " + e.Reason
}

// asRevert extracts the ABI-encoded revert reason from a node error.
// Errors without decodable revert data pass through unchanged.
func asRevert(err error) error {
	var dataErr rpc.DataError
	if !errors.As(err, &dataErr) {
		return err
	}
	encoded, ok := dataErr.ErrorData().(string)
	if !ok {
		return err
	}
	data, decodeErr := hexutil.Decode(encoded)
	if decodeErr != nil {
		return err
	}
	reason, unpackErr := abi.UnpackRevert(data)
	if unpackErr != nil {
		return err
	}
	return &RevertError{Reason: reason}
}

func asBigInt(v interface{}) (*big.Int, error) {
	switch x := v.(type) {
	case *big.Int:
		return x, nil
	case big.Int:
		return &x, nil
	default:
		return nil, fmt.Errorf("evm: unexpected value type %T", v)
	}
}

func bigOrZero(x *big.Int) *big.Int {
	if x == nil {
		return new(big.Int)
	}
	return x
}
