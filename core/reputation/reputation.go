// Package reputation tracks how reliably each entity (sender, factory,
// paymaster) converts pooled operations into on-chain inclusions, and
// classifies entities as OK, THROTTLED or BANNED for the admission and
// bundling paths.
package reputation

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/AvaProtocol/ap-bundler/core/config"
	"github.com/AvaProtocol/ap-bundler/pkg/logger"
	"github.com/AvaProtocol/ap-bundler/storage"
)

type Status int

const (
	StatusOk Status = iota
	StatusThrottled
	StatusBanned
)

func (s Status) String() string {
	switch s {
	case StatusThrottled:
		return "throttled"
	case StatusBanned:
		return "banned"
	default:
		return "ok"
	}
}

// counters is the per-entity sliding window state. The window is
// approximated by decaying the counters on a fixed interval instead of
// timestamping every observation.
type counters struct {
	OpsSeen     uint64 `json:"ops_seen"`
	OpsIncluded uint64 `json:"ops_included"`
	SimFailures uint64 `json:"sim_failures"`
}

// Score is one row of the admin reputation dump.
type Score struct {
	Address     common.Address `json:"address"`
	OpsSeen     uint64         `json:"ops_seen"`
	OpsIncluded uint64         `json:"ops_included"`
	SimFailures uint64         `json:"sim_failures"`
	Status      string         `json:"status"`
}

const dbPrefix = "rep:"

// Tracker is safe for concurrent use. All counter mutation happens under a
// single mutex; the maps are small (one entry per distinct entity address).
type Tracker struct {
	mu      sync.Mutex
	entries map[common.Address]*counters

	allowlist map[common.Address]struct{}
	blocklist map[common.Address]struct{}

	cfg    config.ReputationConfig
	db     storage.Storage
	logger logger.Logger
}

func NewTracker(cfg config.ReputationConfig, db storage.Storage, log logger.Logger) *Tracker {
	t := &Tracker{
		entries:   make(map[common.Address]*counters),
		allowlist: make(map[common.Address]struct{}, len(cfg.Allowlist)),
		blocklist: make(map[common.Address]struct{}, len(cfg.Blocklist)),
		cfg:       cfg,
		db:        db,
		logger:    logger.EnsureLogger(log),
	}
	for _, a := range cfg.Allowlist {
		t.allowlist[a] = struct{}{}
	}
	for _, a := range cfg.Blocklist {
		t.blocklist[a] = struct{}{}
	}

	t.restore()
	return t
}

func (t *Tracker) restore() {
	if t.db == nil {
		return
	}

	kvs, err := t.db.GetByPrefix([]byte(dbPrefix))
	if err != nil {
		t.logger.Errorf("cannot restore reputation counters: %v", err)
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for _, kv := range kvs {
		addr := common.HexToAddress(string(kv.Key[len(dbPrefix):]))
		c := &counters{}
		if err := json.Unmarshal(kv.Value, c); err != nil {
			t.logger.Errorf("skipping corrupt reputation record for %s: %v", addr, err)
			continue
		}
		t.entries[addr] = c
	}
	t.logger.Infof("restored reputation counters for %d entities", len(t.entries))
}

func (t *Tracker) get(addr common.Address) *counters {
	c, ok := t.entries[addr]
	if !ok {
		c = &counters{}
		t.entries[addr] = c
	}
	return c
}

// AddSeen records admission of an operation on behalf of the entity.
func (t *Tracker) AddSeen(addr common.Address) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.get(addr).OpsSeen++
}

// AddIncluded records an on-chain inclusion for the entity.
func (t *Tracker) AddIncluded(addr common.Address) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.get(addr).OpsIncluded++
}

// RemoveIncluded withdraws one inclusion credit after the confirming block
// was reorged out of the canonical chain.
func (t *Tracker) RemoveIncluded(addr common.Address) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c := t.get(addr)
	if c.OpsIncluded > 0 {
		c.OpsIncluded--
	}
}

// AddSimulationFailure records that a previously admitted operation stopped
// validating. The failure weighs like an extra seen-but-never-included
// operation, so entities that churn invalid ops are throttled sooner.
func (t *Tracker) AddSimulationFailure(addr common.Address) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c := t.get(addr)
	c.SimFailures++
	c.OpsSeen++
}

// Status classifies the entity from its current counters. Allowlisted
// entities are always OK, blocklisted always BANNED.
func (t *Tracker) Status(addr common.Address) Status {
	if _, ok := t.allowlist[addr]; ok {
		return StatusOk
	}
	if _, ok := t.blocklist[addr]; ok {
		return StatusBanned
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	c, ok := t.entries[addr]
	if !ok {
		return StatusOk
	}
	return t.classify(c)
}

func (t *Tracker) classify(c *counters) Status {
	den := t.cfg.MinInclusionDenominator
	if den == 0 {
		den = 1
	}
	minExpected := c.OpsSeen / den
	if minExpected <= c.OpsIncluded {
		return StatusOk
	}

	excess := minExpected - c.OpsIncluded
	if excess >= t.cfg.BanSlack {
		return StatusBanned
	}
	if excess >= t.cfg.ThrottleSlack {
		return StatusThrottled
	}
	return StatusOk
}

// Decay ages every counter by one tick, forming the sliding window. Counters
// shrink by 1/24th per tick, with a floor step of 1 so stale entities reach
// zero instead of stalling below the divisor. Zeroed entities are dropped
// and the surviving set is persisted.
func (t *Tracker) Decay() {
	t.mu.Lock()
	for addr, c := range t.entries {
		c.OpsSeen = decayStep(c.OpsSeen)
		c.OpsIncluded = decayStep(c.OpsIncluded)
		c.SimFailures = decayStep(c.SimFailures)

		if c.OpsSeen == 0 && c.OpsIncluded == 0 && c.SimFailures == 0 {
			delete(t.entries, addr)
			if t.db != nil {
				if err := t.db.Delete(dbKey(addr)); err != nil {
					t.logger.Errorf("cannot delete reputation record for %s: %v", addr, err)
				}
			}
		}
	}
	snapshot := make(map[common.Address]counters, len(t.entries))
	for addr, c := range t.entries {
		snapshot[addr] = *c
	}
	t.mu.Unlock()

	t.persist(snapshot)
}

func decayStep(c uint64) uint64 {
	d := c / 24
	if d == 0 && c > 0 {
		d = 1
	}
	return c - d
}

func (t *Tracker) persist(snapshot map[common.Address]counters) {
	if t.db == nil {
		return
	}

	updates := make(map[string][]byte, len(snapshot))
	for addr, c := range snapshot {
		data, err := json.Marshal(&c)
		if err != nil {
			continue
		}
		updates[string(dbKey(addr))] = data
	}

	if err := t.db.BatchWrite(updates); err != nil {
		t.logger.Errorf("cannot persist reputation counters: %v", err)
	}
}

func dbKey(addr common.Address) []byte {
	return []byte(fmt.Sprintf("%s%s", dbPrefix, addr.Hex()))
}

// Dump returns a stable-ordered snapshot of every tracked entity for the
// admin endpoint.
func (t *Tracker) Dump() []Score {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Score, 0, len(t.entries))
	for addr, c := range t.entries {
		status := t.classify(c)
		if _, ok := t.allowlist[addr]; ok {
			status = StatusOk
		}
		if _, ok := t.blocklist[addr]; ok {
			status = StatusBanned
		}
		out = append(out, Score{
			Address:     addr,
			OpsSeen:     c.OpsSeen,
			OpsIncluded: c.OpsIncluded,
			SimFailures: c.SimFailures,
			Status:      status.String(),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Address.Hex() < out[j].Address.Hex()
	})
	return out
}
