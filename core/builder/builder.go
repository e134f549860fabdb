// Package builder assembles bundles from pooled candidates. Each pass
// re-simulates candidates against the current block, enforces gas and count
// budgets, per-sender nonce ordering, intra-bundle storage conflict
// exclusion, paymaster deposit coverage and throttled entity caps.
package builder

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/samber/lo"

	"github.com/AvaProtocol/ap-bundler/core/config"
	"github.com/AvaProtocol/ap-bundler/core/mempool"
	"github.com/AvaProtocol/ap-bundler/core/reputation"
	"github.com/AvaProtocol/ap-bundler/core/simulator"
	"github.com/AvaProtocol/ap-bundler/pkg/logger"
	"github.com/AvaProtocol/ap-bundler/pkg/userop"
)

// Gas overhead model for the bundle transaction: intrinsic cost plus
// entrypoint loop bookkeeping per operation.
const (
	bundleFixedOverhead = 100_000
	bundlePerOpOverhead = 5_000
)

// Bundle is an ordered set of operations ready for one handleOps call.
type Bundle struct {
	Ops         []*mempool.Entry
	GasEstimate uint64
	EntryPoint  common.Address
}

// UserOps projects the accepted entries into the calldata order handleOps
// expects.
func (b *Bundle) UserOps() []*userop.UserOperation {
	return lo.Map(b.Ops, func(e *mempool.Entry, _ int) *userop.UserOperation {
		return e.Op
	})
}

// Simulator re-validates a candidate against the pass's block.
type Simulator interface {
	Simulate(ctx context.Context, op *userop.UserOperation, block *big.Int) (*simulator.Result, error)
}

// Pool is the slice of mempool behavior the builder needs.
type Pool interface {
	Remove(hash common.Hash)
	Touch(hash common.Hash, block uint64)
}

// Reputation classifies entities and records candidates that stopped
// validating between admission and bundling.
type Reputation interface {
	Status(addr common.Address) reputation.Status
	AddSimulationFailure(addr common.Address)
}

type Builder struct {
	cfg        config.BuilderConfig
	entryPoint common.Address
	sim        Simulator
	pool       Pool
	rep        Reputation
	logger     logger.Logger
}

func New(cfg config.BuilderConfig, entryPoint common.Address, sim Simulator, pool Pool, rep Reputation, log logger.Logger) *Builder {
	return &Builder{
		cfg:        cfg,
		entryPoint: entryPoint,
		sim:        sim,
		pool:       pool,
		rep:        rep,
		logger:     logger.EnsureLogger(log),
	}
}

// addrClaim records which accepted operations touched an address: the
// senders that own the claim and the touched slots. A nil slot set claims
// the whole address (tracer-less degraded mode).
type addrClaim struct {
	owners map[common.Address]struct{}
	slots  map[common.Hash]struct{}
}

func (a *addrClaim) soleOwner(sender common.Address) bool {
	_, ok := a.owners[sender]
	return ok && len(a.owners) == 1
}

type claimedStorage map[common.Address]*addrClaim

// conflicts reports whether the candidate's touched storage overlaps a
// claim. An operation may share its own account only with earlier
// operations of the same sender, which nonce ordering already serializes;
// the check is symmetric in acceptance order.
func (c claimedStorage) conflicts(sender common.Address, touched map[common.Address]map[common.Hash]struct{}) bool {
	for addr, slots := range touched {
		prior, ok := c[addr]
		if !ok {
			continue
		}
		if addr == sender && prior.soleOwner(sender) {
			continue
		}
		if prior.slots == nil || slots == nil {
			return true
		}
		for slot := range slots {
			if _, ok := prior.slots[slot]; ok {
				return true
			}
		}
	}
	return false
}

func (c claimedStorage) claim(sender common.Address, touched map[common.Address]map[common.Hash]struct{}) {
	for addr, slots := range touched {
		prior, ok := c[addr]
		if !ok {
			prior = &addrClaim{owners: make(map[common.Address]struct{}, 1)}
			if slots != nil {
				prior.slots = make(map[common.Hash]struct{}, len(slots))
			}
			c[addr] = prior
		}
		prior.owners[sender] = struct{}{}
		if slots == nil {
			// Whole-address claims subsume slot claims.
			prior.slots = nil
		} else if prior.slots != nil {
			for slot := range slots {
				prior.slots[slot] = struct{}{}
			}
		}
	}
}

// Build runs one greedy pass over fee-ordered candidates. Candidates that
// fail re-simulation are dropped from the pool and penalized; candidates
// that merely do not fit this bundle stay pooled for the next pass. A
// canceled context aborts the pass so the caller can restart against the
// new chain head.
func (b *Builder) Build(ctx context.Context, candidates []*mempool.Entry, block *big.Int) (*Bundle, error) {
	var accepted []*mempool.Entry
	gasUsed := uint64(bundleFixedOverhead)
	lastNonce := make(map[common.Address]*big.Int)
	claimed := make(claimedStorage)
	paymasterSpend := make(map[common.Address]*big.Int)
	paymasterDeposit := make(map[common.Address]*big.Int)
	throttledSlots := make(map[common.Address]int)

	for _, entry := range candidates {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		if len(accepted) >= b.cfg.MaxBundleOps {
			break
		}

		op := entry.Op
		opGas := op.MaxGas().Uint64() + bundlePerOpOverhead
		if gasUsed+opGas > b.cfg.MaxBundleGas {
			continue
		}

		if prev, ok := lastNonce[op.Sender]; ok {
			next := new(big.Int).Add(prev, big.NewInt(1))
			if op.Nonce.Cmp(next) != 0 {
				continue
			}
		}

		if b.throttledOverCap(op, throttledSlots) {
			continue
		}

		result, err := b.sim.Simulate(ctx, op, block)
		if err != nil {
			// No verdict reached; abort the pass rather than penalize.
			return nil, err
		}
		if !result.Valid {
			b.logger.Infof("dropping pooled operation %s, failed re-simulation: %s", entry.Hash.Hex(), result.Reason)
			b.pool.Remove(entry.Hash)
			for _, entity := range op.Entities() {
				b.rep.AddSimulationFailure(entity.Address)
			}
			continue
		}

		touched := result.TouchedStorage
		if touched == nil {
			// Tracer-less mode claims the whole sender account.
			touched = map[common.Address]map[common.Hash]struct{}{op.Sender: nil}
		}
		if claimed.conflicts(op.Sender, touched) {
			continue
		}

		if paymaster := op.Paymaster(); paymaster != (common.Address{}) {
			if result.PaymasterDeposit != nil {
				paymasterDeposit[paymaster] = result.PaymasterDeposit
			}
			deposit, known := paymasterDeposit[paymaster]
			if known {
				spend := paymasterSpend[paymaster]
				if spend == nil {
					spend = new(big.Int)
				}
				spend = new(big.Int).Add(spend, op.RequiredPrefund())
				if spend.Cmp(deposit) > 0 {
					continue
				}
				paymasterSpend[paymaster] = spend
			}
		}

		claimed.claim(op.Sender, touched)
		lastNonce[op.Sender] = op.Nonce
		for _, entity := range op.Entities() {
			if b.rep.Status(entity.Address) == reputation.StatusThrottled {
				throttledSlots[entity.Address]++
			}
		}
		gasUsed += opGas
		accepted = append(accepted, entry)
		b.pool.Touch(entry.Hash, block.Uint64())
	}

	if len(accepted) == 0 {
		return nil, nil
	}

	return &Bundle{
		Ops:         accepted,
		GasEstimate: gasUsed,
		EntryPoint:  b.entryPoint,
	}, nil
}

func (b *Builder) throttledOverCap(op *userop.UserOperation, throttledSlots map[common.Address]int) bool {
	for _, entity := range op.Entities() {
		if b.rep.Status(entity.Address) != reputation.StatusThrottled {
			continue
		}
		if throttledSlots[entity.Address] >= b.cfg.ThrottledEntityBundleCap {
			return true
		}
	}
	return false
}
