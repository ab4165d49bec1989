// Package erc20 provides a hand-rolled Go binding for the standard
// ERC-20 token interface, covering the subset of methods the wallet
// engine needs: balance/allowance reads and transfer/approve writes.
package erc20

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// TokenABI is the minimal ERC-20 ABI surface this binding uses.
const TokenABI = `[
	{"constant":true,"inputs":[],"name":"decimals","outputs":[{"name":"","type":"uint8"}],"stateMutability":"view","type":"function"},
	{"constant":true,"inputs":[],"name":"symbol","outputs":[{"name":"","type":"string"}],"stateMutability":"view","type":"function"},
	{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
	{"constant":true,"inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"name":"allowance","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
	{"constant":false,"inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"name":"approve","outputs":[{"name":"","type":"bool"}],"stateMutability":"nonpayable","type":"function"},
	{"constant":false,"inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"stateMutability":"nonpayable","type":"function"}
]`

// Token is a Go binding for an ERC-20 contract, split into read-only and
// write methods the way hand-rolled bindings in this codebase are
// structured.
type Token struct {
	TokenCaller
	TokenTransactor
	address common.Address
}

// TokenCaller provides read-only contract methods.
type TokenCaller struct {
	contract *bind.BoundContract
}

// TokenTransactor provides write (state-changing) contract methods.
type TokenTransactor struct {
	contract *bind.BoundContract
}

// New creates a Token bound to address using backend for both calls and
// transactions.
func New(address common.Address, backend bind.ContractBackend) (*Token, error) {
	parsed, err := abi.JSON(strings.NewReader(TokenABI))
	if err != nil {
		return nil, err
	}
	contract := bind.NewBoundContract(address, parsed, backend, backend, backend)
	return &Token{
		TokenCaller:     TokenCaller{contract: contract},
		TokenTransactor: TokenTransactor{contract: contract},
		address:         address,
	}, nil
}

// Address returns the token contract address.
func (t *Token) Address() common.Address { return t.address }

// Decimals returns the token's decimals.
func (c *TokenCaller) Decimals(opts *bind.CallOpts) (uint8, error) {
	var out []interface{}
	if err := c.contract.Call(opts, &out, "decimals"); err != nil {
		return 0, err
	}
	return out[0].(uint8), nil
}

// Symbol returns the token's symbol.
func (c *TokenCaller) Symbol(opts *bind.CallOpts) (string, error) {
	var out []interface{}
	if err := c.contract.Call(opts, &out, "symbol"); err != nil {
		return "", err
	}
	return out[0].(string), nil
}

// BalanceOf returns owner's token balance.
func (c *TokenCaller) BalanceOf(opts *bind.CallOpts, owner common.Address) (*big.Int, error) {
	var out []interface{}
	if err := c.contract.Call(opts, &out, "balanceOf", owner); err != nil {
		return nil, err
	}
	return out[0].(*big.Int), nil
}

// Allowance returns how much spender may pull from owner.
func (c *TokenCaller) Allowance(opts *bind.CallOpts, owner, spender common.Address) (*big.Int, error) {
	var out []interface{}
	if err := c.contract.Call(opts, &out, "allowance", owner, spender); err != nil {
		return nil, err
	}
	return out[0].(*big.Int), nil
}

// Approve authorizes spender to pull up to amount from the caller.
func (t *TokenTransactor) Approve(opts *bind.TransactOpts, spender common.Address, amount *big.Int) (*types.Transaction, error) {
	return t.contract.Transact(opts, "approve", spender, amount)
}

// Transfer sends amount of the token to to.
func (t *TokenTransactor) Transfer(opts *bind.TransactOpts, to common.Address, amount *big.Int) (*types.Transaction, error) {
	return t.contract.Transact(opts, "transfer", to, amount)
}
