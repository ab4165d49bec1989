package executor

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func TestCandidatePathsSkipsMidpointsThatAreEndpoints(t *testing.T) {
	from := common.HexToAddress("0x1")
	to := common.HexToAddress("0x2")
	wrapped := common.HexToAddress("0x3")
	usdt := common.HexToAddress("0x4")

	paths := candidatePaths(from, to, wrapped, usdt)
	if len(paths) != 3 {
		t.Fatalf("expected direct + 2 two-hop paths, got %d: %v", len(paths), paths)
	}
	if len(paths[0]) != 2 || paths[0][0] != from || paths[0][1] != to {
		t.Fatalf("expected first path to be the direct pair, got %v", paths[0])
	}

	// When the intermediate coincides with an endpoint, that leg is
	// dropped rather than producing a degenerate path.
	paths = candidatePaths(wrapped, to, wrapped, usdt)
	for _, p := range paths {
		for _, hop := range p[1 : len(p)-1] {
			if hop == wrapped || hop == to {
				t.Fatalf("two-hop path reused an endpoint as its midpoint: %v", p)
			}
		}
	}
}

func TestRankPathsPrefersHighestOutput(t *testing.T) {
	short := []common.Address{common.HexToAddress("0x1"), common.HexToAddress("0x2")}
	long := []common.Address{common.HexToAddress("0x1"), common.HexToAddress("0x3"), common.HexToAddress("0x2")}

	quotes := []pathQuote{
		{path: short, out: big.NewInt(100)},
		{path: long, out: big.NewInt(150)},
	}

	best := rankPaths(quotes)
	if best.out.Cmp(big.NewInt(150)) != 0 {
		t.Fatalf("expected the higher-output path to win, got %s", best.out)
	}
}

func TestRankPathsTiesBreakByFewestHopsThenLexical(t *testing.T) {
	direct := []common.Address{common.HexToAddress("0x1"), common.HexToAddress("0x2")}
	viaA := []common.Address{common.HexToAddress("0x1"), common.HexToAddress("0x3"), common.HexToAddress("0x2")}
	viaB := []common.Address{common.HexToAddress("0x1"), common.HexToAddress("0x4"), common.HexToAddress("0x2")}

	// Equal output: fewest hops wins regardless of input order.
	quotes := []pathQuote{
		{path: viaA, out: big.NewInt(100)},
		{path: direct, out: big.NewInt(100)},
	}
	if best := rankPaths(quotes); len(best.path) != 2 {
		t.Fatalf("expected the 2-hop path to win a tie over a 3-hop path, got %v", best.path)
	}

	// Equal output, equal hop count: lexical order of the path's hex
	// representation breaks the tie, deterministically.
	quotes = []pathQuote{
		{path: viaB, out: big.NewInt(100)},
		{path: viaA, out: big.NewInt(100)},
	}
	best := rankPaths(quotes)
	want := viaA
	if pathHex(viaB) < pathHex(viaA) {
		want = viaB
	}
	if pathHex(best.path) != pathHex(want) {
		t.Fatalf("expected lexically-first path to win tie, got %v want %v", best.path, want)
	}
}

func TestRankPathsIsDeterministicRegardlessOfInputOrder(t *testing.T) {
	a := []common.Address{common.HexToAddress("0x1"), common.HexToAddress("0x2")}
	b := []common.Address{common.HexToAddress("0x1"), common.HexToAddress("0x3"), common.HexToAddress("0x2")}

	forward := []pathQuote{{path: a, out: big.NewInt(50)}, {path: b, out: big.NewInt(50)}}
	backward := []pathQuote{{path: b, out: big.NewInt(50)}, {path: a, out: big.NewInt(50)}}

	r1 := rankPaths(forward)
	r2 := rankPaths(backward)
	if pathHex(r1.path) != pathHex(r2.path) {
		t.Fatalf("ranking depended on input order: %v vs %v", r1.path, r2.path)
	}
}

func TestSlippageFloorFormula(t *testing.T) {
	cases := []struct {
		expectedOut int64
		slippage    int64
		want        int64
	}{
		{1000, 1, 990},
		{1000, 5, 950},
		{1000, 0, 1000},
		{7, 50, 3},  // floor(7*50/100) = floor(3.5) = 3
		{0, 10, 0},
	}
	for _, tc := range cases {
		got := slippageFloor(big.NewInt(tc.expectedOut), tc.slippage)
		if got.Cmp(big.NewInt(tc.want)) != 0 {
			t.Errorf("slippageFloor(%d, %d) = %s, want %d", tc.expectedOut, tc.slippage, got, tc.want)
		}
	}
}

func TestSlippageFloorNeverExceedsExpectedOutput(t *testing.T) {
	expected := big.NewInt(123456)
	for slip := int64(0); slip <= 100; slip++ {
		floor := slippageFloor(expected, slip)
		if floor.Cmp(expected) > 0 {
			t.Fatalf("slippage floor %s exceeds expected output %s at slippage %d", floor, expected, slip)
		}
		if floor.Sign() < 0 {
			t.Fatalf("slippage floor went negative at slippage %d", slip)
		}
	}
}
