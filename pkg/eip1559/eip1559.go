package eip1559

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/core/types"
)

// FeeReader is the node surface fee suggestion needs; both *ethclient.Client
// and the bundler's chain client satisfy it.
type FeeReader interface {
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
}

var (
	// Minimum tip of 2 gwei keeps the bundle transaction attractive to block
	// builders even on quiet networks.
	minTip = big.NewInt(2_000_000_000)
)

// SuggestFee returns (maxFeePerGas, maxPriorityFeePerGas) for the bundle
// transaction based on the node's tip suggestion and the latest base fee.
func SuggestFee(ctx context.Context, client FeeReader) (*big.Int, *big.Int, error) {
	tipCap, err := client.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, nil, err
	}

	header, err := client.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, nil, err
	}

	// Add 13% buffer to tip for safety
	buffer := new(big.Int).Div(tipCap, big.NewInt(100))
	buffer = new(big.Int).Mul(buffer, big.NewInt(13))
	maxPriorityFeePerGas := new(big.Int).Add(tipCap, buffer)

	if maxPriorityFeePerGas.Cmp(minTip) < 0 {
		maxPriorityFeePerGas = new(big.Int).Set(minTip)
	}

	var maxFeePerGas *big.Int

	baseFee := header.BaseFee
	if baseFee != nil {
		// maxFeePerGas = (2 * baseFee) + maxPriorityFeePerGas, so the
		// transaction stays valid even if the base fee doubles before
		// inclusion.
		maxFeePerGas = new(big.Int).Add(
			new(big.Int).Mul(baseFee, big.NewInt(2)),
			maxPriorityFeePerGas,
		)
	} else {
		// Legacy (pre-EIP-1559) chain
		maxFeePerGas = new(big.Int).Set(maxPriorityFeePerGas)
	}

	return maxFeePerGas, maxPriorityFeePerGas, nil
}

// BumpFees raises both fee caps by bumpPercent, rounding up so repeated bumps
// are strictly increasing even for tiny starting values. Replacement
// transactions that do not raise fees are rejected by nodes, so the bump must
// never be a no-op.
func BumpFees(maxFeePerGas, maxPriorityFeePerGas *big.Int, bumpPercent int64) (*big.Int, *big.Int) {
	bump := func(v *big.Int) *big.Int {
		raised := new(big.Int).Mul(v, big.NewInt(100+bumpPercent))
		raised.Add(raised, big.NewInt(99))
		raised.Div(raised, big.NewInt(100))
		if raised.Cmp(v) <= 0 {
			raised = new(big.Int).Add(v, big.NewInt(1))
		}
		return raised
	}

	return bump(maxFeePerGas), bump(maxPriorityFeePerGas)
}
