// Package txbuilder builds, signs, and broadcasts every transaction
// shape the wallet engine needs: native transfers, ERC-20 transfers,
// approvals, and router swaps. It serializes submission per signer
// through the nonce arbiter and classifies every failure into a
// txerrors.Kind so executors can decide whether to retry.
package txbuilder

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/walletsender/wallet-engine/internal/erc20"
	"github.com/walletsender/wallet-engine/internal/gasprice"
	"github.com/walletsender/wallet-engine/internal/keystore"
	"github.com/walletsender/wallet-engine/internal/metrics"
	"github.com/walletsender/wallet-engine/internal/nonce"
	"github.com/walletsender/wallet-engine/internal/router"
	"github.com/walletsender/wallet-engine/internal/rpcpool"
	"github.com/walletsender/wallet-engine/internal/txerrors"
)

// Outcome is the result of broadcasting a transaction. Receipt is filled
// in later by the receipt watcher, not by Builder itself.
type Outcome struct {
	Tx     *types.Transaction
	Ticket *nonce.Ticket
}

// Builder assembles, signs, and sends transactions for a single chain.
type Builder struct {
	pool     *rpcpool.Pool
	arbiter  *nonce.Arbiter
	keys     keystore.Keystore
	gas      *gasprice.Manager
	chainID  int64
}

// New creates a Builder.
func New(pool *rpcpool.Pool, arbiter *nonce.Arbiter, keys keystore.Keystore, gas *gasprice.Manager, chainID int64) *Builder {
	return &Builder{pool: pool, arbiter: arbiter, keys: keys, gas: gas, chainID: chainID}
}

// SendNativeTransfer sends amountWei of the chain's native coin from
// handle to to.
func (b *Builder) SendNativeTransfer(ctx context.Context, handle string, to common.Address, amountWei *big.Int, priority gasprice.Priority) (*Outcome, error) {
	from, err := b.keys.Address(handle)
	if err != nil {
		return nil, txerrors.New(txerrors.Rejected, "native_transfer", err)
	}

	gasPrice := b.gas.Recommend(ctx, priority, gasprice.OpTransfer)
	ticket, err := b.arbiter.Reserve(ctx, from)
	if err != nil {
		return nil, txerrors.New(txerrors.NetworkTransient, "native_transfer", err)
	}

	unsigned := types.NewTx(&types.LegacyTx{
		Nonce:    ticket.Nonce,
		To:       &to,
		Value:    amountWei,
		Gas:      gasprice.GasLimit(gasprice.OpTransfer),
		GasPrice: gasPrice,
	})

	return b.signAndBroadcast(ctx, handle, "native_transfer", ticket, unsigned)
}

// SendTokenTransfer sends amount of an ERC-20 token to to.
func (b *Builder) SendTokenTransfer(ctx context.Context, handle string, token common.Address, to common.Address, amount *big.Int, priority gasprice.Priority) (*Outcome, error) {
	return b.sendContractCall(ctx, handle, token, "token_transfer", gasprice.OpTransfer, priority, func(t *erc20.Token, opts *bind.TransactOpts) (*types.Transaction, error) {
		return t.Transfer(opts, to, amount)
	})
}

// EnsureAllowance checks spender's current allowance on token for
// handle's owner and, if it is below amount, submits an approval
// transaction and returns its Outcome. Returns (nil, nil) if the
// existing allowance already covers amount.
func (b *Builder) EnsureAllowance(ctx context.Context, handle string, token common.Address, spender common.Address, amount *big.Int, priority gasprice.Priority) (*Outcome, error) {
	owner, err := b.keys.Address(handle)
	if err != nil {
		return nil, txerrors.New(txerrors.Rejected, "approve", err)
	}

	client, err := b.pool.Client(ctx)
	if err != nil {
		return nil, txerrors.New(txerrors.NetworkTransient, "approve", err)
	}

	tk, err := erc20.New(token, client)
	if err != nil {
		return nil, txerrors.New(txerrors.Rejected, "approve", err)
	}

	current, err := tk.Allowance(&bind.CallOpts{Context: ctx}, owner, spender)
	if err != nil {
		return nil, txerrors.New(txerrors.NetworkTransient, "approve", err)
	}
	if current.Cmp(amount) >= 0 {
		return nil, nil
	}

	return b.sendContractCall(ctx, handle, token, "approve", gasprice.OpApprove, priority, func(t *erc20.Token, opts *bind.TransactOpts) (*types.Transaction, error) {
		return t.Approve(opts, spender, amount)
	})
}

func (b *Builder) sendContractCall(ctx context.Context, handle string, token common.Address, op string, gasOp gasprice.Operation, priority gasprice.Priority, call func(*erc20.Token, *bind.TransactOpts) (*types.Transaction, error)) (*Outcome, error) {
	from, err := b.keys.Address(handle)
	if err != nil {
		return nil, txerrors.New(txerrors.Rejected, op, err)
	}

	client, err := b.pool.Client(ctx)
	if err != nil {
		return nil, txerrors.New(txerrors.NetworkTransient, op, err)
	}

	tk, err := erc20.New(token, client)
	if err != nil {
		return nil, txerrors.New(txerrors.Rejected, op, err)
	}

	opts, err := b.keys.TransactOpts(ctx, handle, b.chainID)
	if err != nil {
		return nil, txerrors.New(txerrors.Rejected, op, err)
	}
	opts.Context = ctx
	opts.NoSend = true
	opts.GasLimit = gasprice.GasLimit(gasOp)
	opts.GasPrice = b.gas.Recommend(ctx, priority, gasOp)

	ticket, err := b.arbiter.Reserve(ctx, from)
	if err != nil {
		return nil, txerrors.New(txerrors.NetworkTransient, op, err)
	}
	opts.Nonce = ticket.BigInt()

	tx, err := call(tk, opts)
	if err != nil {
		b.arbiter.Fail(ticket)
		return nil, classifySendErr(op, err)
	}

	return b.broadcastSigned(ctx, handle, op, ticket, tx)
}

// RouterSwapKind identifies which AMM router entry point to call.
type RouterSwapKind string

const (
	SwapTokensForETH    RouterSwapKind = "tokens_for_eth"
	SwapETHForTokens    RouterSwapKind = "eth_for_tokens"
	SwapTokensForTokens RouterSwapKind = "tokens_for_tokens"
)

// SendRouterSwap submits a swap through routerAddr along path.
func (b *Builder) SendRouterSwap(ctx context.Context, handle string, routerAddr common.Address, kind RouterSwapKind, amountIn, amountOutMin *big.Int, path []common.Address, deadline *big.Int, priority gasprice.Priority) (*Outcome, error) {
	from, err := b.keys.Address(handle)
	if err != nil {
		return nil, txerrors.New(txerrors.Rejected, "router_swap", err)
	}

	client, err := b.pool.Client(ctx)
	if err != nil {
		return nil, txerrors.New(txerrors.NetworkTransient, "router_swap", err)
	}

	r, err := router.New(routerAddr, client)
	if err != nil {
		return nil, txerrors.New(txerrors.Rejected, "router_swap", err)
	}

	opts, err := b.keys.TransactOpts(ctx, handle, b.chainID)
	if err != nil {
		return nil, txerrors.New(txerrors.Rejected, "router_swap", err)
	}
	opts.Context = ctx
	opts.NoSend = true

	isComplex := len(path) > 2
	gasOp := gasprice.OpSwap
	if isComplex {
		gasOp = gasprice.OpComplexSwap
	}
	opts.GasLimit = gasprice.GasLimit(gasOp)
	opts.GasPrice = b.gas.Recommend(ctx, priority, gasOp)

	ticket, err := b.arbiter.Reserve(ctx, from)
	if err != nil {
		return nil, txerrors.New(txerrors.NetworkTransient, "router_swap", err)
	}
	opts.Nonce = ticket.BigInt()

	if kind == SwapETHForTokens {
		opts.Value = amountIn
	}

	var tx *types.Transaction
	switch kind {
	case SwapTokensForETH:
		tx, err = r.SwapExactTokensForETH(opts, amountIn, amountOutMin, path, from, deadline)
	case SwapETHForTokens:
		tx, err = r.SwapExactETHForTokens(opts, amountOutMin, path, from, deadline)
	case SwapTokensForTokens:
		tx, err = r.SwapExactTokensForTokens(opts, amountIn, amountOutMin, path, from, deadline)
	default:
		err = fmt.Errorf("unknown swap kind %q", kind)
	}
	if err != nil {
		b.arbiter.Fail(ticket)
		return nil, classifySendErr("router_swap", err)
	}

	return b.broadcastSigned(ctx, handle, "router_swap", ticket, tx)
}

// signAndBroadcast signs a raw (unsigned) transaction and broadcasts it.
func (b *Builder) signAndBroadcast(ctx context.Context, handle, op string, ticket *nonce.Ticket, unsigned *types.Transaction) (*Outcome, error) {
	signed, err := b.keys.Sign(ctx, handle, b.chainID, unsigned)
	if err != nil {
		b.arbiter.Fail(ticket)
		return nil, txerrors.New(txerrors.Rejected, op, err)
	}
	return b.broadcastSigned(ctx, handle, op, ticket, signed)
}

// broadcastSigned sends an already-signed transaction and handles the
// nonce-mismatch-retry-once policy.
func (b *Builder) broadcastSigned(ctx context.Context, handle, op string, ticket *nonce.Ticket, tx *types.Transaction) (*Outcome, error) {
	var sendErr error
	err := b.pool.Call(ctx, func(ctx context.Context, client *ethclient.Client) error {
		sendErr = client.SendTransaction(ctx, tx)
		return sendErr
	})

	if err != nil {
		kind := classifyBroadcastErrKind(sendErr)
		if kind == txerrors.NonceMismatch {
			from := ticket.Signer
			if _, rerr := b.arbiter.Resync(ctx, from); rerr == nil {
				retried, rebuildErr := b.rebuildWithFreshNonce(ctx, handle, op, tx)
				if rebuildErr == nil {
					b.arbiter.Fail(ticket)
					b.arbiter.Complete(retried.Ticket)
					metrics.TxBroadcastTotal.WithLabelValues(op, "ok").Inc()
					return retried, nil
				}
			}
		}
		b.arbiter.Fail(ticket)
		metrics.TxBroadcastTotal.WithLabelValues(op, "error").Inc()
		return nil, txerrors.New(kind, op, sendErr)
	}

	b.arbiter.Complete(ticket)
	metrics.TxBroadcastTotal.WithLabelValues(op, "ok").Inc()
	return &Outcome{Tx: tx, Ticket: ticket}, nil
}

// rebuildWithFreshNonce re-signs tx with a freshly reserved nonce after a
// resync, for the single allowed nonce-mismatch retry.
func (b *Builder) rebuildWithFreshNonce(ctx context.Context, handle, op string, tx *types.Transaction) (*Outcome, error) {
	from, err := b.keys.Address(handle)
	if err != nil {
		return nil, err
	}
	ticket, err := b.arbiter.Reserve(ctx, from)
	if err != nil {
		return nil, err
	}

	rebuilt := types.NewTx(&types.LegacyTx{
		Nonce:    ticket.Nonce,
		To:       tx.To(),
		Value:    tx.Value(),
		Gas:      tx.Gas(),
		GasPrice: tx.GasPrice(),
		Data:     tx.Data(),
	})

	signed, err := b.keys.Sign(ctx, handle, b.chainID, rebuilt)
	if err != nil {
		b.arbiter.Fail(ticket)
		return nil, err
	}

	var sendErr error
	sendCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	err = b.pool.Call(sendCtx, func(ctx context.Context, client *ethclient.Client) error {
		sendErr = client.SendTransaction(ctx, signed)
		return sendErr
	})
	if err != nil {
		b.arbiter.Fail(ticket)
		return nil, sendErr
	}

	return &Outcome{Tx: signed, Ticket: ticket}, nil
}

func classifySendErr(op string, err error) *txerrors.Error {
	return txerrors.New(classifyBroadcastErrKind(err), op, err)
}

func classifyBroadcastErrKind(err error) txerrors.Kind {
	if err == nil {
		return txerrors.Rejected
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "nonce too low"), strings.Contains(msg, "nonce too high"), strings.Contains(msg, "invalid nonce"):
		return txerrors.NonceMismatch
	case strings.Contains(msg, "insufficient funds"):
		return txerrors.InsufficientBalance
	case strings.Contains(msg, "transfer amount exceeds allowance"), strings.Contains(msg, "insufficient allowance"):
		return txerrors.InsufficientAllowance
	case strings.Contains(msg, "underpriced"), strings.Contains(msg, "gas price too low"):
		return txerrors.Underpriced
	case strings.Contains(msg, "execution reverted"):
		return txerrors.SimulationReverted
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "connection"), strings.Contains(msg, "eof"):
		return txerrors.NetworkTransient
	default:
		return txerrors.Rejected
	}
}
