// Package router provides a hand-rolled Go binding for the
// PancakeSwap-V2-style AMM router interface: quoting via getAmountsOut
// and the three swap entry points the wallet engine uses for auto-buy
// and auto-sell jobs.
package router

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// RouterABI is the subset of the PancakeSwap V2 router interface this
// binding exercises.
const RouterABI = `[
	{"name":"swapExactTokensForETH","type":"function","stateMutability":"nonpayable",
	 "inputs":[
		{"internalType":"uint256","name":"amountIn","type":"uint256"},
		{"internalType":"uint256","name":"amountOutMin","type":"uint256"},
		{"internalType":"address[]","name":"path","type":"address[]"},
		{"internalType":"address","name":"to","type":"address"},
		{"internalType":"uint256","name":"deadline","type":"uint256"}
	 ],"outputs":[{"internalType":"uint256[]","name":"amounts","type":"uint256[]"}]},
	{"name":"swapExactETHForTokens","type":"function","stateMutability":"payable",
	 "inputs":[
		{"internalType":"uint256","name":"amountOutMin","type":"uint256"},
		{"internalType":"address[]","name":"path","type":"address[]"},
		{"internalType":"address","name":"to","type":"address"},
		{"internalType":"uint256","name":"deadline","type":"uint256"}
	 ],"outputs":[{"internalType":"uint256[]","name":"amounts","type":"uint256[]"}]},
	{"name":"swapExactTokensForTokens","type":"function","stateMutability":"nonpayable",
	 "inputs":[
		{"internalType":"uint256","name":"amountIn","type":"uint256"},
		{"internalType":"uint256","name":"amountOutMin","type":"uint256"},
		{"internalType":"address[]","name":"path","type":"address[]"},
		{"internalType":"address","name":"to","type":"address"},
		{"internalType":"uint256","name":"deadline","type":"uint256"}
	 ],"outputs":[{"internalType":"uint256[]","name":"amounts","type":"uint256[]"}]},
	{"name":"getAmountsOut","type":"function","stateMutability":"view",
	 "inputs":[
		{"internalType":"uint256","name":"amountIn","type":"uint256"},
		{"internalType":"address[]","name":"path","type":"address[]"}
	 ],"outputs":[{"internalType":"uint256[]","name":"amounts","type":"uint256[]"}]}
]`

// Router is a Go binding for an AMM router contract.
type Router struct {
	RouterCaller
	RouterTransactor
	address common.Address
}

// RouterCaller provides read-only contract methods.
type RouterCaller struct {
	contract *bind.BoundContract
}

// RouterTransactor provides write (state-changing) contract methods.
type RouterTransactor struct {
	contract *bind.BoundContract
}

// New creates a Router bound to address using backend for both calls and
// transactions.
func New(address common.Address, backend bind.ContractBackend) (*Router, error) {
	parsed, err := abi.JSON(strings.NewReader(RouterABI))
	if err != nil {
		return nil, err
	}
	contract := bind.NewBoundContract(address, parsed, backend, backend, backend)
	return &Router{
		RouterCaller:     RouterCaller{contract: contract},
		RouterTransactor: RouterTransactor{contract: contract},
		address:          address,
	}, nil
}

// Address returns the router contract address.
func (r *Router) Address() common.Address { return r.address }

// GetAmountsOut quotes the output amounts along path for an input of
// amountIn, the constant-product quote used both to pick a swap path
// and to compute the slippage floor for a swap's amountOutMin.
func (c *RouterCaller) GetAmountsOut(opts *bind.CallOpts, amountIn *big.Int, path []common.Address) ([]*big.Int, error) {
	var out []interface{}
	if err := c.contract.Call(opts, &out, "getAmountsOut", amountIn, path); err != nil {
		return nil, err
	}
	return out[0].([]*big.Int), nil
}

// SwapExactTokensForETH swaps an exact amount of the first token in path
// for the native coin, grounded on the auto-sell path of this system.
func (t *RouterTransactor) SwapExactTokensForETH(opts *bind.TransactOpts, amountIn, amountOutMin *big.Int, path []common.Address, to common.Address, deadline *big.Int) (*types.Transaction, error) {
	return t.contract.Transact(opts, "swapExactTokensForETH", amountIn, amountOutMin, path, to, deadline)
}

// SwapExactETHForTokens swaps an exact amount of native coin (sent as
// opts.Value) for the last token in path, used by the auto-buy executor.
func (t *RouterTransactor) SwapExactETHForTokens(opts *bind.TransactOpts, amountOutMin *big.Int, path []common.Address, to common.Address, deadline *big.Int) (*types.Transaction, error) {
	return t.contract.Transact(opts, "swapExactETHForTokens", amountOutMin, path, to, deadline)
}

// SwapExactTokensForTokens swaps an exact amount of the first token in
// path for the last token in path.
func (t *RouterTransactor) SwapExactTokensForTokens(opts *bind.TransactOpts, amountIn, amountOutMin *big.Int, path []common.Address, to common.Address, deadline *big.Int) (*types.Transaction, error) {
	return t.contract.Transact(opts, "swapExactTokensForTokens", amountIn, amountOutMin, path, to, deadline)
}
