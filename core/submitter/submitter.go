// Package submitter turns bundles into signed entrypoint transactions and
// shepherds them to a terminal state: confirmed, failed or dropped. Stale
// submissions are fee-escalated under the same EOA nonce so at most one
// bundle transaction per submission can land.
package submitter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/oklog/ulid/v2"

	"github.com/AvaProtocol/ap-bundler/core/builder"
	"github.com/AvaProtocol/ap-bundler/core/chainio"
	"github.com/AvaProtocol/ap-bundler/core/chainio/aa"
	"github.com/AvaProtocol/ap-bundler/core/chainio/signer"
	"github.com/AvaProtocol/ap-bundler/core/config"
	"github.com/AvaProtocol/ap-bundler/metrics"
	"github.com/AvaProtocol/ap-bundler/pkg/eip1559"
	"github.com/AvaProtocol/ap-bundler/pkg/logger"
	"github.com/AvaProtocol/ap-bundler/pkg/userop"
	"github.com/AvaProtocol/ap-bundler/storage"
)

type Status int

const (
	StatusPending Status = iota
	StatusConfirmed
	StatusFailed
	StatusDropped
)

func (s Status) String() string {
	switch s {
	case StatusConfirmed:
		return "confirmed"
	case StatusFailed:
		return "failed"
	case StatusDropped:
		return "dropped"
	default:
		return "pending"
	}
}

// ErrMaxEscalations means the submission was abandoned after the configured
// number of fee bumps; its operations remain pooled.
var ErrMaxEscalations = errors.New("submission abandoned after maximum fee escalations")

// Pool is the mempool slice the submitter needs: retiring included ops,
// fencing ops carried by a pending bundle transaction, and returning
// reorged ops.
type Pool interface {
	Remove(hash common.Hash)
	MarkInFlight(hash common.Hash)
	ClearInFlight(hash common.Hash)
	Readmit(op *userop.UserOperation)
}

// Reputation records inclusion credit and execution failures per entity,
// and withdraws credit when a confirming block is reorged out.
type Reputation interface {
	AddIncluded(addr common.Address)
	AddSimulationFailure(addr common.Address)
	RemoveIncluded(addr common.Address)
}

// InFlight is one submitted bundle transaction. All mutation after Submit
// happens under mu so polling and escalation never race.
type InFlight struct {
	ID string

	mu          sync.Mutex
	Bundle      *builder.Bundle
	TxHash      common.Hash
	Nonce       uint64
	GasFeeCap   *big.Int
	GasTipCap   *big.Int
	SentAt      time.Time
	SentBlock   uint64
	Escalations int
}

// OpOutcome is the persisted record of an operation that made it on chain,
// served by the status endpoint.
type OpOutcome struct {
	UserOpHash    common.Hash `json:"user_op_hash"`
	TxHash        common.Hash `json:"tx_hash"`
	BlockNumber   uint64      `json:"block_number"`
	Success       bool        `json:"success"`
	ActualGasCost *big.Int    `json:"actual_gas_cost"`
}

const includedPrefix = "inc:"

// minedHistoryDepth bounds how far back a reorg can still return included
// operations to the pool. Deeper reorgs are treated as final.
const minedHistoryDepth = 64

// minedOp remembers where an included operation landed so a reorg of that
// block can be detected and undone.
type minedOp struct {
	op          *userop.UserOperation
	hash        common.Hash
	blockNumber uint64
	blockHash   common.Hash
}

type Submitter struct {
	client      chainio.Client
	signer      signer.Signer
	cfg         config.SubmitterConfig
	beneficiary common.Address

	pool    Pool
	rep     Reputation
	db      storage.Storage
	logger  logger.Logger
	metrics metrics.MetricsGenerator

	// Serializes nonce allocation across concurrent submissions.
	nonceMu sync.Mutex

	// Recently mined operations, newest appended last.
	minedMu sync.Mutex
	mined   []*minedOp
}

func New(client chainio.Client, sig signer.Signer, cfg config.SubmitterConfig, beneficiary common.Address, pool Pool, rep Reputation, db storage.Storage, log logger.Logger, m metrics.MetricsGenerator) *Submitter {
	return &Submitter{
		client:      client,
		signer:      sig,
		cfg:         cfg,
		beneficiary: beneficiary,
		pool:        pool,
		rep:         rep,
		db:          db,
		logger:      logger.EnsureLogger(log),
		metrics:     m,
	}
}

// Submit signs and broadcasts a handleOps transaction for the bundle.
func (s *Submitter) Submit(ctx context.Context, bundle *builder.Bundle) (*InFlight, error) {
	maxFee, tip, err := eip1559.SuggestFee(ctx, s.client)
	if err != nil {
		return nil, err
	}

	ops := bundle.UserOps()
	calldata, err := aa.PackHandleOps(ops, s.beneficiary)
	if err != nil {
		return nil, err
	}

	s.nonceMu.Lock()
	defer s.nonceMu.Unlock()

	nonce, err := s.client.PendingNonceAt(ctx, s.signer.Address())
	if err != nil {
		return nil, err
	}

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   s.client.ChainID(),
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: maxFee,
		Gas:       bundle.GasEstimate,
		To:        &bundle.EntryPoint,
		Data:      calldata,
	})

	signed, err := s.signer.SignTx(tx)
	if err != nil {
		return nil, err
	}

	if err := s.client.SendTransaction(ctx, signed); err != nil {
		return nil, fmt.Errorf("cannot broadcast bundle transaction: %w", err)
	}

	// Fence the carried ops so the next build pass cannot bundle them a
	// second time while this transaction is pending.
	for _, entry := range bundle.Ops {
		s.pool.MarkInFlight(entry.Hash)
	}

	block, err := s.client.BlockNumber(ctx)
	if err != nil {
		// The transaction is out; keep going with a zero reference block, the
		// next poll fixes staleness tracking.
		s.logger.Warnf("cannot read block number after submission: %v", err)
	}

	inflight := &InFlight{
		ID:        ulid.Make().String(),
		Bundle:    bundle,
		TxHash:    signed.Hash(),
		Nonce:     nonce,
		GasFeeCap: maxFee,
		GasTipCap: tip,
		SentAt:    time.Now(),
		SentBlock: block,
	}

	if s.metrics != nil {
		s.metrics.IncBundleSubmitted(len(ops))
	}
	s.logger.Infof("submitted bundle %s: tx %s, %d ops, nonce %d", inflight.ID, inflight.TxHash.Hex(), len(ops), nonce)
	return inflight, nil
}

// Poll checks the fate of a submission. Confirmed and failed are terminal;
// a dropped verdict means the nonce was consumed by something else and the
// transaction can no longer land.
func (s *Submitter) Poll(ctx context.Context, f *InFlight) (Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	receipt, err := s.client.TransactionReceipt(ctx, f.TxHash)
	switch {
	case err == nil:
		return s.settle(f, receipt), nil

	case errors.Is(err, ethereum.NotFound):
		chainNonce, nerr := s.client.NonceAt(ctx, s.signer.Address(), nil)
		if nerr != nil {
			return StatusPending, nerr
		}
		if chainNonce > f.Nonce {
			// Something else consumed the nonce and it was not this tx.
			s.releaseOps(f)
			s.recordOutcome("dropped")
			s.logger.Warnf("bundle %s dropped: nonce %d consumed by another transaction", f.ID, f.Nonce)
			return StatusDropped, nil
		}
		return StatusPending, nil

	default:
		return StatusPending, err
	}
}

func (s *Submitter) settle(f *InFlight, receipt *types.Receipt) Status {
	if receipt.Status != types.ReceiptStatusSuccessful {
		// The whole handleOps reverted; operations stay pooled and age out
		// if they keep failing.
		s.releaseOps(f)
		s.recordOutcome("failed")
		s.logger.Warnf("bundle %s reverted on chain in tx %s", f.ID, f.TxHash.Hex())
		return StatusFailed
	}

	events := make(map[common.Hash]*aa.UserOperationEvent)
	for _, log := range receipt.Logs {
		ev, err := aa.ParseUserOperationEvent(log)
		if err != nil {
			s.logger.Warnf("cannot parse log in tx %s: %v", f.TxHash.Hex(), err)
			continue
		}
		if ev != nil {
			events[ev.UserOpHash] = ev
		}
	}

	for _, entry := range f.Bundle.Ops {
		ev, ok := events[entry.Hash]
		if !ok {
			// Not in this bundle's receipt; back to candidate selection,
			// re-simulation decides its fate.
			s.pool.ClearInFlight(entry.Hash)
			continue
		}

		s.pool.Remove(entry.Hash)
		for _, entity := range entry.Op.Entities() {
			if ev.Success {
				s.rep.AddIncluded(entity.Address)
			} else {
				s.rep.AddSimulationFailure(entity.Address)
			}
		}
		if ev.Success {
			s.recordMined(&minedOp{
				op:          entry.Op,
				hash:        entry.Hash,
				blockNumber: receipt.BlockNumber.Uint64(),
				blockHash:   receipt.BlockHash,
			})
		}
		s.persistOutcome(&OpOutcome{
			UserOpHash:    entry.Hash,
			TxHash:        f.TxHash,
			BlockNumber:   receipt.BlockNumber.Uint64(),
			Success:       ev.Success,
			ActualGasCost: ev.ActualGasCost,
		})
	}

	s.recordOutcome("confirmed")
	s.logger.Infof("bundle %s confirmed in block %s", f.ID, receipt.BlockNumber)
	return StatusConfirmed
}

// IsStale reports whether the submission has waited long enough to warrant
// a fee escalation.
func (s *Submitter) IsStale(f *InFlight, currentBlock uint64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return currentBlock >= f.SentBlock+s.cfg.StaleAfterBlocks
}

// Escalate rebroadcasts the bundle under the same nonce with strictly
// higher fee caps, superseding the previous attempt.
func (s *Submitter) Escalate(ctx context.Context, f *InFlight) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.Escalations >= s.cfg.MaxEscalations {
		s.releaseOps(f)
		return fmt.Errorf("%w: bundle %s after %d attempts", ErrMaxEscalations, f.ID, f.Escalations)
	}

	maxFee, tip := eip1559.BumpFees(f.GasFeeCap, f.GasTipCap, s.cfg.EscalateFeePercent)

	calldata, err := aa.PackHandleOps(f.Bundle.UserOps(), s.beneficiary)
	if err != nil {
		return err
	}

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   s.client.ChainID(),
		Nonce:     f.Nonce,
		GasTipCap: tip,
		GasFeeCap: maxFee,
		Gas:       f.Bundle.GasEstimate,
		To:        &f.Bundle.EntryPoint,
		Data:      calldata,
	})

	signed, err := s.signer.SignTx(tx)
	if err != nil {
		return err
	}

	if err := s.client.SendTransaction(ctx, signed); err != nil {
		return fmt.Errorf("cannot broadcast escalated transaction: %w", err)
	}

	block, err := s.client.BlockNumber(ctx)
	if err != nil {
		block = f.SentBlock + s.cfg.StaleAfterBlocks
	}

	f.TxHash = signed.Hash()
	f.GasFeeCap = maxFee
	f.GasTipCap = tip
	f.SentAt = time.Now()
	f.SentBlock = block
	f.Escalations++

	if s.metrics != nil {
		s.metrics.IncEscalation()
	}
	s.logger.Infof("escalated bundle %s (attempt %d): tx %s, tip %s", f.ID, f.Escalations, f.TxHash.Hex(), tip)
	return nil
}

// releaseOps returns every op of a terminally failed submission to candidate
// selection.
func (s *Submitter) releaseOps(f *InFlight) {
	for _, entry := range f.Bundle.Ops {
		s.pool.ClearInFlight(entry.Hash)
	}
}

func (s *Submitter) recordMined(m *minedOp) {
	s.minedMu.Lock()
	s.mined = append(s.mined, m)
	s.minedMu.Unlock()
}

// CheckReorg compares the recorded inclusion block of recently mined
// operations against the canonical chain. Operations whose confirming block
// was reorged out lose their inclusion record and credit and go back to the
// pool. Records older than minedHistoryDepth are pruned as final.
func (s *Submitter) CheckReorg(ctx context.Context, currentBlock uint64) error {
	s.minedMu.Lock()
	snapshot := make([]*minedOp, len(s.mined))
	copy(snapshot, s.mined)
	s.minedMu.Unlock()

	if len(snapshot) == 0 {
		return nil
	}

	drop := make(map[*minedOp]struct{})
	canonical := make(map[uint64]common.Hash)
	for _, m := range snapshot {
		if currentBlock >= m.blockNumber+minedHistoryDepth {
			drop[m] = struct{}{}
			continue
		}

		hash, ok := canonical[m.blockNumber]
		if !ok {
			header, err := s.client.HeaderByNumber(ctx, new(big.Int).SetUint64(m.blockNumber))
			if err != nil {
				return fmt.Errorf("cannot read canonical header %d: %w", m.blockNumber, err)
			}
			hash = header.Hash()
			canonical[m.blockNumber] = hash
		}
		if hash == m.blockHash {
			continue
		}

		// The confirming block is gone; undo the inclusion.
		drop[m] = struct{}{}
		if s.db != nil {
			if err := s.db.Delete(includedKey(m.hash)); err != nil {
				s.logger.Errorf("cannot delete inclusion record for %s: %v", m.hash.Hex(), err)
			}
		}
		for _, entity := range m.op.Entities() {
			s.rep.RemoveIncluded(entity.Address)
		}
		s.pool.Readmit(m.op)
		s.logger.Warnf("operation %s unmined by reorg of block %d, returned to pool", m.hash.Hex(), m.blockNumber)
	}

	if len(drop) == 0 {
		return nil
	}

	s.minedMu.Lock()
	kept := s.mined[:0]
	for _, m := range s.mined {
		if _, gone := drop[m]; !gone {
			kept = append(kept, m)
		}
	}
	s.mined = kept
	s.minedMu.Unlock()
	return nil
}

func (s *Submitter) recordOutcome(outcome string) {
	if s.metrics != nil {
		s.metrics.IncBundleOutcome(outcome)
	}
}

func (s *Submitter) persistOutcome(o *OpOutcome) {
	if s.db == nil {
		return
	}
	data, err := json.Marshal(o)
	if err != nil {
		return
	}
	if err := s.db.Set(includedKey(o.UserOpHash), data); err != nil {
		s.logger.Errorf("cannot persist inclusion record for %s: %v", o.UserOpHash.Hex(), err)
	}
}

// IncludedOutcome looks up the terminal record of an operation that made it
// on chain.
func (s *Submitter) IncludedOutcome(hash common.Hash) (*OpOutcome, bool) {
	if s.db == nil {
		return nil, false
	}
	data, err := s.db.GetKey(includedKey(hash))
	if err != nil || data == nil {
		return nil, false
	}
	var o OpOutcome
	if err := json.Unmarshal(data, &o); err != nil {
		return nil, false
	}
	return &o, true
}

func includedKey(hash common.Hash) []byte {
	return []byte(includedPrefix + hash.Hex())
}
