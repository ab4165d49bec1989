package executor

import "github.com/ethereum/go-ethereum/common"

// Well-known BSC mainnet addresses used by the swap executors when a
// job doesn't override them in its config.
var (
	DefaultWBNB   = common.HexToAddress("0xbb4CdB9CBd36B01bD1cBaEBF2De08d9173bc095c")
	DefaultUSDT   = common.HexToAddress("0x55d398326f99059fF775485246999027B3197955")
	DefaultRouter = common.HexToAddress("0x10ED43C718714eb63d5aA57B78B54704E256024E")
)
