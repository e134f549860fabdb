package eip1559

import (
	"math/big"
	"testing"
)

func TestBumpFeesStrictlyIncreases(t *testing.T) {
	maxFee, tip := big.NewInt(100), big.NewInt(10)

	for i := 0; i < 50; i++ {
		newMaxFee, newTip := BumpFees(maxFee, tip, 12)
		if newMaxFee.Cmp(maxFee) <= 0 {
			t.Fatalf("bump %d did not raise maxFeePerGas: %s -> %s", i, maxFee, newMaxFee)
		}
		if newTip.Cmp(tip) <= 0 {
			t.Fatalf("bump %d did not raise maxPriorityFeePerGas: %s -> %s", i, tip, newTip)
		}
		maxFee, tip = newMaxFee, newTip
	}
}

func TestBumpFeesZeroPercentStillMoves(t *testing.T) {
	// Even a misconfigured zero bump must not produce an identical
	// replacement transaction.
	maxFee, tip := BumpFees(big.NewInt(1), big.NewInt(1), 0)
	if maxFee.Int64() != 2 || tip.Int64() != 2 {
		t.Fatalf("expected minimal +1 bump, got maxFee=%s tip=%s", maxFee, tip)
	}
}
