package executor

import (
	"github.com/walletsender/wallet-engine/internal/gasprice"
	"github.com/walletsender/wallet-engine/internal/keystore"
	"github.com/walletsender/wallet-engine/internal/receiptwatcher"
	"github.com/walletsender/wallet-engine/internal/rpcpool"
	"github.com/walletsender/wallet-engine/internal/store"
	"github.com/walletsender/wallet-engine/internal/txbuilder"
)

// Deps bundles the shared infrastructure every executor needs, so job
// construction doesn't have to thread six separate constructor
// arguments through the engine's Factory signature.
type Deps struct {
	Store    *store.Store
	Builder  *txbuilder.Builder
	Pool     *rpcpool.Pool
	Keys     keystore.Keystore
	Gas      *gasprice.Manager
	Watcher  *receiptwatcher.Watcher
	ChainID  int64
}
