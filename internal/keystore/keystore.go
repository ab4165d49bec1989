// Package keystore abstracts away where transaction-signing private keys
// come from, so the transaction builder only ever deals with the Keystore
// interface rather than reading environment variables or key files
// directly.
package keystore

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// Keystore signs transaction payloads on behalf of a named handle without
// exposing the underlying private key material to callers.
type Keystore interface {
	// Sign signs tx for the given handle and chain, returning the signed
	// transaction.
	Sign(ctx context.Context, handle string, chainID int64, tx *types.Transaction) (*types.Transaction, error)
	// Address returns the wallet address associated with handle.
	Address(handle string) (common.Address, error)
	// TransactOpts returns bind.TransactOpts wired with handle's signer
	// and address, for use with hand-rolled ABI bindings (erc20, router).
	// Callers still set Nonce, GasPrice and GasLimit themselves.
	TransactOpts(ctx context.Context, handle string, chainID int64) (*bind.TransactOpts, error)
}

// Dev is an in-memory Keystore backed by raw hex private keys, suitable
// for development and for operators who accept the risk of keeping keys
// in process memory. Production deployments should implement Keystore
// against an HSM or remote signer instead.
type Dev struct {
	mu   sync.RWMutex
	keys map[string]*ecdsa.PrivateKey
}

// NewDev creates an empty Dev keystore.
func NewDev() *Dev {
	return &Dev{keys: make(map[string]*ecdsa.PrivateKey)}
}

// AddHex registers a hex-encoded private key (with or without a 0x
// prefix) under handle.
func (d *Dev) AddHex(handle, hexKey string) error {
	hexKey = strings.TrimPrefix(hexKey, "0x")
	pk, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return fmt.Errorf("invalid private key for handle %q: %w", handle, err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.keys[handle] = pk
	return nil
}

func (d *Dev) privateKey(handle string) (*ecdsa.PrivateKey, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	pk, ok := d.keys[handle]
	if !ok {
		return nil, fmt.Errorf("keystore: unknown handle %q", handle)
	}
	return pk, nil
}

// Address implements Keystore.
func (d *Dev) Address(handle string) (common.Address, error) {
	pk, err := d.privateKey(handle)
	if err != nil {
		return common.Address{}, err
	}
	pub, ok := pk.Public().(*ecdsa.PublicKey)
	if !ok {
		return common.Address{}, fmt.Errorf("keystore: failed to cast public key for handle %q", handle)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// Sign implements Keystore.
func (d *Dev) Sign(_ context.Context, handle string, chainID int64, tx *types.Transaction) (*types.Transaction, error) {
	pk, err := d.privateKey(handle)
	if err != nil {
		return nil, err
	}
	signer := types.LatestSignerForChainID(big.NewInt(chainID))
	return types.SignTx(tx, signer, pk)
}

// TransactOpts implements Keystore.
func (d *Dev) TransactOpts(ctx context.Context, handle string, chainID int64) (*bind.TransactOpts, error) {
	pk, err := d.privateKey(handle)
	if err != nil {
		return nil, err
	}
	return bind.NewKeyedTransactorWithChainID(pk, big.NewInt(chainID))
}
