// Package mempool holds validated user operations waiting to be bundled.
// The pool enforces one entry per (sender, nonce), fee-bump replacement,
// capacity with lowest-fee eviction, and per-entity caps for throttled
// entities. Entries survive restarts through badger.
package mempool

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/AvaProtocol/ap-bundler/core/config"
	"github.com/AvaProtocol/ap-bundler/core/reputation"
	"github.com/AvaProtocol/ap-bundler/metrics"
	"github.com/AvaProtocol/ap-bundler/pkg/logger"
	"github.com/AvaProtocol/ap-bundler/pkg/userop"
	"github.com/AvaProtocol/ap-bundler/storage"
)

// Rejection reasons surfaced to clients. ErrEntityBanned and
// ErrEntityThrottled map to the reputation rejection class, the other two to
// the capacity rejection class.
var (
	ErrEntityBanned         = errors.New("entity is banned")
	ErrEntityThrottled      = errors.New("throttled entity has reached its pooled operation cap")
	ErrPoolFull             = errors.New("pool is at capacity and the operation does not pay enough to displace another")
	ErrReplacementFeeTooLow = errors.New("replacement operation does not bump the fee enough")
)

// Entry is a pooled operation plus its bookkeeping. Op and Hash are
// immutable after admission; LastTouch and LastSimulatedBlock are guarded by
// the owning shard's mutex.
type Entry struct {
	Op   *userop.UserOperation
	Hash common.Hash

	AdmittedAt         time.Time
	LastTouch          time.Time
	LastSimulatedBlock uint64

	// seq breaks fee ties in admission order.
	seq uint64
}

// AdmitOutcome reports whether admission displaced a prior entry for the
// same (sender, nonce).
type AdmitOutcome struct {
	Replaced  bool
	PriorHash common.Hash
}

// StatusFunc resolves the reputation standing of an entity at admission
// time.
type StatusFunc func(addr common.Address) reputation.Status

const (
	numShards = 64
	dbPrefix  = "pool:op:"
)

type shard struct {
	mu sync.Mutex
	// keyed by (sender, nonce)
	ops map[opKey]*Entry
}

type opKey struct {
	sender common.Address
	nonce  string
}

func keyFor(op *userop.UserOperation) opKey {
	return opKey{sender: op.Sender, nonce: op.Nonce.String()}
}

type Pool struct {
	cfg        config.MempoolConfig
	entryPoint common.Address
	chainID    *big.Int

	shards [numShards]shard

	// cross-shard hash index, common.Hash -> *Entry
	byHash sync.Map

	entityMu    sync.Mutex
	entityCount map[common.Address]int

	// Entries carried by a pending bundle transaction, hidden from
	// candidate selection until the submission reaches a terminal state.
	inflightMu sync.Mutex
	inflight   map[common.Hash]struct{}

	seq  atomic.Uint64
	size atomic.Int64

	db      storage.Storage
	logger  logger.Logger
	metrics metrics.MetricsGenerator
}

func New(cfg config.MempoolConfig, entryPoint common.Address, chainID *big.Int, db storage.Storage, log logger.Logger, m metrics.MetricsGenerator) *Pool {
	p := &Pool{
		cfg:         cfg,
		entryPoint:  entryPoint,
		chainID:     chainID,
		entityCount: make(map[common.Address]int),
		inflight:    make(map[common.Hash]struct{}),
		db:          db,
		logger:      logger.EnsureLogger(log),
		metrics:     m,
	}
	for i := range p.shards {
		p.shards[i].ops = make(map[opKey]*Entry)
	}
	return p
}

func (p *Pool) shardFor(sender common.Address) *shard {
	return &p.shards[sender[common.AddressLength-1]%numShards]
}

// Admit runs the admission pipeline: reputation gate, (sender, nonce)
// replacement, capacity, insert. The status callback must not block; it is
// called before any lock is taken.
func (p *Pool) Admit(op *userop.UserOperation, status StatusFunc) (AdmitOutcome, error) {
	for _, entity := range op.Entities() {
		switch status(entity.Address) {
		case reputation.StatusBanned:
			return AdmitOutcome{}, fmt.Errorf("%w: %s %s", ErrEntityBanned, entity.Role, entity.Address.Hex())
		case reputation.StatusThrottled:
			if p.CountByEntity(entity.Address) >= p.cfg.ThrottledEntityCap {
				return AdmitOutcome{}, fmt.Errorf("%w: %s %s", ErrEntityThrottled, entity.Role, entity.Address.Hex())
			}
		}
	}

	hash := op.Hash(p.entryPoint, p.chainID)
	now := time.Now()
	entry := &Entry{
		Op:         op,
		Hash:       hash,
		AdmittedAt: now,
		LastTouch:  now,
		seq:        p.seq.Add(1),
	}

	sh := p.shardFor(op.Sender)
	key := keyFor(op)

	sh.mu.Lock()
	if prior, ok := sh.ops[key]; ok {
		if !bumpsEnough(op.MaxPriorityFeePerGas, prior.Op.MaxPriorityFeePerGas, p.cfg.ReplacementFeeBumpPercent) {
			sh.mu.Unlock()
			return AdmitOutcome{}, fmt.Errorf("%w: need at least a %d%% priority fee bump over %s",
				ErrReplacementFeeTooLow, p.cfg.ReplacementFeeBumpPercent, prior.Op.MaxPriorityFeePerGas)
		}

		// Replacement swaps the entry under one lock so the (sender, nonce)
		// slot is never empty or doubled.
		p.dropIndexes(prior)
		sh.ops[key] = entry
		p.indexEntry(entry)
		sh.mu.Unlock()

		p.unpersist(prior.Hash)
		p.persist(entry)
		return AdmitOutcome{Replaced: true, PriorHash: prior.Hash}, nil
	}
	sh.mu.Unlock()

	if int(p.size.Load()) >= p.cfg.Capacity {
		if err := p.evictCheapest(op.MaxPriorityFeePerGas); err != nil {
			return AdmitOutcome{}, err
		}
	}

	sh.mu.Lock()
	// Re-check: another admit may have taken the slot while the capacity
	// check ran unlocked.
	if prior, ok := sh.ops[key]; ok {
		sh.mu.Unlock()
		return AdmitOutcome{}, fmt.Errorf("%w: operation for (%s, %s) admitted concurrently; bump over %s",
			ErrReplacementFeeTooLow, op.Sender.Hex(), op.Nonce, prior.Op.MaxPriorityFeePerGas)
	}
	sh.ops[key] = entry
	p.indexEntry(entry)
	sh.mu.Unlock()

	p.persist(entry)
	return AdmitOutcome{}, nil
}

// bumpsEnough reports whether newTip >= oldTip * (100 + bumpPercent) / 100.
func bumpsEnough(newTip, oldTip *big.Int, bumpPercent int64) bool {
	threshold := new(big.Int).Mul(oldTip, big.NewInt(100+bumpPercent))
	threshold.Div(threshold, big.NewInt(100))
	return newTip.Cmp(threshold) >= 0
}

// indexEntry and dropIndexes maintain the hash index, entity counters and
// size counter. Callers hold the owning shard's lock.
func (p *Pool) indexEntry(e *Entry) {
	p.byHash.Store(e.Hash, e)
	p.size.Add(1)
	p.bumpEntities(e.Op, 1)
	p.reportSize()
}

func (p *Pool) dropIndexes(e *Entry) {
	p.byHash.Delete(e.Hash)
	p.size.Add(-1)
	p.bumpEntities(e.Op, -1)
	p.reportSize()
}

func (p *Pool) bumpEntities(op *userop.UserOperation, delta int) {
	p.entityMu.Lock()
	defer p.entityMu.Unlock()
	for _, entity := range op.Entities() {
		next := p.entityCount[entity.Address] + delta
		if next <= 0 {
			delete(p.entityCount, entity.Address)
			continue
		}
		p.entityCount[entity.Address] = next
	}
}

func (p *Pool) reportSize() {
	if p.metrics != nil {
		p.metrics.SetPoolSize(float64(p.size.Load()))
	}
}

// evictCheapest removes the pooled entry with the lowest priority fee,
// provided the newcomer pays strictly more.
func (p *Pool) evictCheapest(newTip *big.Int) error {
	var cheapest *Entry
	p.byHash.Range(func(_, v interface{}) bool {
		e := v.(*Entry)
		if cheapest == nil || e.Op.MaxPriorityFeePerGas.Cmp(cheapest.Op.MaxPriorityFeePerGas) < 0 {
			cheapest = e
		}
		return true
	})

	if cheapest == nil || newTip.Cmp(cheapest.Op.MaxPriorityFeePerGas) <= 0 {
		return ErrPoolFull
	}

	p.Remove(cheapest.Hash)
	p.logger.Debugf("evicted lowest fee operation %s to make room", cheapest.Hash.Hex())
	return nil
}

// MarkInFlight hides a pooled entry from candidate selection while a bundle
// transaction carrying it is pending, so a new head never re-bundles an
// operation that is already on its way to the chain.
func (p *Pool) MarkInFlight(hash common.Hash) {
	p.inflightMu.Lock()
	p.inflight[hash] = struct{}{}
	p.inflightMu.Unlock()
}

// ClearInFlight returns an entry to candidate selection after its bundle
// transaction reached a terminal state without including it.
func (p *Pool) ClearInFlight(hash common.Hash) {
	p.inflightMu.Lock()
	delete(p.inflight, hash)
	p.inflightMu.Unlock()
}

func (p *Pool) isInFlight(hash common.Hash) bool {
	p.inflightMu.Lock()
	defer p.inflightMu.Unlock()
	_, ok := p.inflight[hash]
	return ok
}

// Readmit returns an operation whose confirming block was reorged out. The
// reputation gate is skipped: the operation passed admission once and its
// entities already had the inclusion credit withdrawn.
func (p *Pool) Readmit(op *userop.UserOperation) {
	allow := func(common.Address) reputation.Status { return reputation.StatusOk }
	if _, err := p.Admit(op, allow); err != nil {
		p.logger.Warnf("cannot readmit reorged operation for (%s, %s): %v", op.Sender.Hex(), op.Nonce, err)
	}
}

func (p *Pool) Get(hash common.Hash) *Entry {
	if v, ok := p.byHash.Load(hash); ok {
		return v.(*Entry)
	}
	return nil
}

func (p *Pool) Remove(hash common.Hash) {
	v, ok := p.byHash.Load(hash)
	if !ok {
		return
	}
	e := v.(*Entry)

	sh := p.shardFor(e.Op.Sender)
	sh.mu.Lock()
	key := keyFor(e.Op)
	// The slot may already hold a replacement; only remove our entry.
	if current, ok := sh.ops[key]; ok && current.Hash == hash {
		delete(sh.ops, key)
		p.dropIndexes(e)
	}
	sh.mu.Unlock()

	p.ClearInFlight(hash)
	p.unpersist(hash)
}

// Touch records a successful re-simulation, deferring expiry.
func (p *Pool) Touch(hash common.Hash, block uint64) {
	v, ok := p.byHash.Load(hash)
	if !ok {
		return
	}
	e := v.(*Entry)

	sh := p.shardFor(e.Op.Sender)
	sh.mu.Lock()
	e.LastTouch = time.Now()
	e.LastSimulatedBlock = block
	sh.mu.Unlock()
}

// Expire removes entries not touched since the cutoff and returns how many
// were dropped.
func (p *Pool) Expire(olderThan time.Time) int {
	var stale []common.Hash
	for i := range p.shards {
		sh := &p.shards[i]
		sh.mu.Lock()
		for _, e := range sh.ops {
			if e.LastTouch.Before(olderThan) && !p.isInFlight(e.Hash) {
				stale = append(stale, e.Hash)
			}
		}
		sh.mu.Unlock()
	}

	for _, hash := range stale {
		p.Remove(hash)
	}
	if len(stale) > 0 {
		p.logger.Infof("expired %d stale pooled operations", len(stale))
	}
	return len(stale)
}

func (p *Pool) Count() int {
	return int(p.size.Load())
}

func (p *Pool) CountByEntity(addr common.Address) int {
	p.entityMu.Lock()
	defer p.entityMu.Unlock()
	return p.entityCount[addr]
}

// SelectCandidates returns a snapshot of pooled entries ordered by effective
// priority fee descending with admission-order tiebreak, bounded by count
// and aggregate gas. Entries too large for the remaining gas are skipped,
// not terminal.
func (p *Pool) SelectCandidates(baseFee *big.Int, maxCount int, maxTotalGas uint64) []*Entry {
	var all []*Entry
	p.byHash.Range(func(_, v interface{}) bool {
		e := v.(*Entry)
		if p.isInFlight(e.Hash) {
			return true
		}
		all = append(all, e)
		return true
	})

	sort.Slice(all, func(i, j int) bool {
		fi := all[i].Op.EffectivePriorityFee(baseFee)
		fj := all[j].Op.EffectivePriorityFee(baseFee)
		if c := fi.Cmp(fj); c != 0 {
			return c > 0
		}
		return all[i].seq < all[j].seq
	})

	budget := new(big.Int).SetUint64(maxTotalGas)
	used := new(big.Int)
	out := make([]*Entry, 0, maxCount)
	for _, e := range all {
		if len(out) >= maxCount {
			break
		}
		gas := e.Op.MaxGas()
		if new(big.Int).Add(used, gas).Cmp(budget) > 0 {
			continue
		}
		used.Add(used, gas)
		out = append(out, e)
	}
	return out
}

// persistedEntry is the badger record shape.
type persistedEntry struct {
	Op                 *userop.UserOperation `json:"op"`
	AdmittedAt         time.Time             `json:"admitted_at"`
	LastSimulatedBlock uint64                `json:"last_simulated_block"`
}

func (p *Pool) persist(e *Entry) {
	if p.db == nil {
		return
	}
	data, err := json.Marshal(&persistedEntry{
		Op:                 e.Op,
		AdmittedAt:         e.AdmittedAt,
		LastSimulatedBlock: e.LastSimulatedBlock,
	})
	if err != nil {
		p.logger.Errorf("cannot marshal pooled operation %s: %v", e.Hash.Hex(), err)
		return
	}
	if err := p.db.Set(dbKey(e.Hash), data); err != nil {
		p.logger.Errorf("cannot persist pooled operation %s: %v", e.Hash.Hex(), err)
	}
}

func (p *Pool) unpersist(hash common.Hash) {
	if p.db == nil {
		return
	}
	if err := p.db.Delete(dbKey(hash)); err != nil {
		p.logger.Errorf("cannot delete pooled operation %s: %v", hash.Hex(), err)
	}
}

func dbKey(hash common.Hash) []byte {
	return []byte(dbPrefix + hash.Hex())
}

// Restore re-admits persisted operations through the normal admission path
// so every index and counter is rebuilt. Records that no longer admit
// (banned entity, corrupt payload) are dropped from disk.
func (p *Pool) Restore(status StatusFunc) int {
	if p.db == nil {
		return 0
	}

	kvs, err := p.db.GetByPrefix([]byte(dbPrefix))
	if err != nil {
		p.logger.Errorf("cannot restore pooled operations: %v", err)
		return 0
	}

	restored := 0
	for _, kv := range kvs {
		var rec persistedEntry
		if err := json.Unmarshal(kv.Value, &rec); err != nil {
			p.logger.Errorf("dropping corrupt pool record %s: %v", string(kv.Key), err)
			_ = p.db.Delete(kv.Key)
			continue
		}

		if _, err := p.Admit(rec.Op, status); err != nil {
			p.logger.Warnf("dropping persisted operation that no longer admits: %v", err)
			_ = p.db.Delete(kv.Key)
			continue
		}

		// Keep the original admission time so expiry still applies across
		// restarts.
		if e := p.Get(rec.Op.Hash(p.entryPoint, p.chainID)); e != nil {
			sh := p.shardFor(rec.Op.Sender)
			sh.mu.Lock()
			e.AdmittedAt = rec.AdmittedAt
			e.LastTouch = rec.AdmittedAt
			e.LastSimulatedBlock = rec.LastSimulatedBlock
			sh.mu.Unlock()
		}
		restored++
	}

	if restored > 0 {
		p.logger.Infof("restored %d pooled operations from disk", restored)
	}
	return restored
}
