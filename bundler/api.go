package bundler

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"

	"github.com/AvaProtocol/ap-bundler/core/chainio/aa"
	"github.com/AvaProtocol/ap-bundler/core/mempool"
	"github.com/AvaProtocol/ap-bundler/core/simulator"
	"github.com/AvaProtocol/ap-bundler/pkg/userop"
)

// ErrValidation wraps simulation verdicts; the message carries the AAxx or
// policy reason. Distinct from the pool's reputation and capacity
// rejections so clients can tell the classes apart.
var ErrValidation = errors.New("operation failed validation")

type OpState string

const (
	OpPending  OpState = "pending"
	OpIncluded OpState = "included"
	OpDropped  OpState = "dropped"
	OpUnknown  OpState = "unknown"
)

// OpStatus is the client-facing view of one operation's lifecycle.
type OpStatus struct {
	State       OpState      `json:"state"`
	TxHash      *common.Hash `json:"tx_hash,omitempty"`
	BlockNumber uint64       `json:"block_number,omitempty"`
	Success     bool         `json:"success,omitempty"`
}

const seenCachePrefix = "seen:"

// SubmitOperation validates and admits one operation, returning its
// canonical hash. The operation is simulated against the latest block
// before it can enter the pool; one bad operation never affects another.
func (b *Bundler) SubmitOperation(ctx context.Context, op *userop.UserOperation) (common.Hash, error) {
	b.metrics.IncOpReceived()
	hash := op.Hash(b.config.EntryPoint, b.client.ChainID())

	// Best effort: an operation behind the account's entrypoint nonce can
	// never validate, so reject it before spending a full simulation.
	if chainNonce, err := b.entryPointNonce(ctx, op.Sender); err == nil {
		if op.Nonce.Cmp(chainNonce) < 0 {
			b.metrics.IncOpRejected("validation")
			return common.Hash{}, fmt.Errorf("%w: nonce %s is behind the account nonce %s", ErrValidation, op.Nonce, chainNonce)
		}
	}

	result, err := b.sim.Simulate(ctx, op, nil)
	if err != nil {
		b.metrics.IncOpRejected("chain_unreachable")
		return common.Hash{}, err
	}
	if !result.Valid {
		b.metrics.IncOpRejected("validation")
		return common.Hash{}, fmt.Errorf("%w: %s", ErrValidation, result.Reason)
	}

	outcome, err := b.pool.Admit(op, b.rep.Status)
	if err != nil {
		switch {
		case errors.Is(err, mempool.ErrEntityBanned) || errors.Is(err, mempool.ErrEntityThrottled):
			b.metrics.IncOpRejected("reputation")
		default:
			b.metrics.IncOpRejected("capacity")
		}
		return common.Hash{}, err
	}

	for _, entity := range op.Entities() {
		b.rep.AddSeen(entity.Address)
	}

	// Mark the hash as seen so the status endpoint can distinguish a
	// dropped operation from one we never saw.
	_ = b.cache.Set(seenCachePrefix+hash.Hex(), []byte{1})

	if outcome.Replaced {
		b.metrics.IncOpReplaced()
		b.logger.Infof("operation %s replaced %s for (%s, %s)", hash.Hex(), outcome.PriorHash.Hex(), op.Sender.Hex(), op.Nonce)
	} else {
		b.metrics.IncOpAdmitted()
		b.logger.Infof("admitted operation %s from %s", hash.Hex(), op.Sender.Hex())
	}
	return hash, nil
}

// entryPointNonce reads the account's current nonce from the entrypoint.
func (b *Bundler) entryPointNonce(ctx context.Context, sender common.Address) (*big.Int, error) {
	calldata, err := aa.PackGetNonce(sender)
	if err != nil {
		return nil, err
	}
	ep := b.config.EntryPoint
	out, err := b.client.CallContract(ctx, ethereum.CallMsg{To: &ep, Data: calldata}, nil)
	if err != nil {
		return nil, err
	}
	return aa.UnpackGetNonce(out)
}

// EstimateGas fills the gas fields of an unsigned operation without
// admitting it.
func (b *Bundler) EstimateGas(ctx context.Context, op *userop.UserOperation) (*simulator.GasEstimate, error) {
	return b.sim.EstimateGas(ctx, op)
}

// GetOperationStatus reports where an operation stands: pooled, included on
// chain, dropped after admission, or never seen.
func (b *Bundler) GetOperationStatus(ctx context.Context, hash common.Hash) (*OpStatus, error) {
	if entry := b.pool.Get(hash); entry != nil {
		return &OpStatus{State: OpPending}, nil
	}

	if outcome, ok := b.submitter.IncludedOutcome(hash); ok {
		return &OpStatus{
			State:       OpIncluded,
			TxHash:      &outcome.TxHash,
			BlockNumber: outcome.BlockNumber,
			Success:     outcome.Success,
		}, nil
	}

	if _, err := b.cache.Get(seenCachePrefix + hash.Hex()); err == nil {
		return &OpStatus{State: OpDropped}, nil
	}

	return &OpStatus{State: OpUnknown}, nil
}
