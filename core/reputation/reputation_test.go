package reputation

import (
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AvaProtocol/ap-bundler/core/config"
	"github.com/AvaProtocol/ap-bundler/storage"
)

func testConfig() config.ReputationConfig {
	return config.ReputationConfig{
		MinInclusionDenominator: 10,
		ThrottleSlack:           10,
		BanSlack:                50,
		DecayInterval:           time.Hour,
	}
}

func TestUnknownEntityIsOk(t *testing.T) {
	tracker := NewTracker(testConfig(), nil, nil)
	assert.Equal(t, StatusOk, tracker.Status(common.HexToAddress("0x1")))
}

func TestThrottleAndBanThresholds(t *testing.T) {
	tracker := NewTracker(testConfig(), nil, nil)
	paymaster := common.HexToAddress("0xaaaa")

	// 90 seen with zero included: excess 9, still under the throttle slack.
	for i := 0; i < 90; i++ {
		tracker.AddSeen(paymaster)
	}
	assert.Equal(t, StatusOk, tracker.Status(paymaster))

	// 100 seen: excess 10 hits the throttle slack.
	for i := 0; i < 10; i++ {
		tracker.AddSeen(paymaster)
	}
	assert.Equal(t, StatusThrottled, tracker.Status(paymaster))

	// 500 seen: excess 50 hits the ban slack.
	for i := 0; i < 400; i++ {
		tracker.AddSeen(paymaster)
	}
	assert.Equal(t, StatusBanned, tracker.Status(paymaster))
}

func TestInclusionsOffsetSeen(t *testing.T) {
	tracker := NewTracker(testConfig(), nil, nil)
	sender := common.HexToAddress("0xbbbb")

	for i := 0; i < 200; i++ {
		tracker.AddSeen(sender)
	}
	assert.Equal(t, StatusThrottled, tracker.Status(sender))

	// Enough inclusions bring the entity back to OK without waiting for decay.
	for i := 0; i < 20; i++ {
		tracker.AddIncluded(sender)
	}
	assert.Equal(t, StatusOk, tracker.Status(sender))
}

func TestRemoveIncludedUndoesCredit(t *testing.T) {
	tracker := NewTracker(testConfig(), nil, nil)
	sender := common.HexToAddress("0xbbcc")

	for i := 0; i < 200; i++ {
		tracker.AddSeen(sender)
	}
	for i := 0; i < 20; i++ {
		tracker.AddIncluded(sender)
	}
	assert.Equal(t, StatusOk, tracker.Status(sender))

	// Reorged-out inclusions put the entity back where it was.
	for i := 0; i < 20; i++ {
		tracker.RemoveIncluded(sender)
	}
	assert.Equal(t, StatusThrottled, tracker.Status(sender))

	// Never underflows.
	tracker.RemoveIncluded(sender)
	dump := tracker.Dump()
	require.Len(t, dump, 1)
	assert.Equal(t, uint64(0), dump[0].OpsIncluded)
}

func TestSimulationFailureWeighsAsSeen(t *testing.T) {
	tracker := NewTracker(testConfig(), nil, nil)
	factory := common.HexToAddress("0xcccc")

	for i := 0; i < 100; i++ {
		tracker.AddSimulationFailure(factory)
	}
	assert.Equal(t, StatusThrottled, tracker.Status(factory))

	dump := tracker.Dump()
	require.Len(t, dump, 1)
	assert.Equal(t, uint64(100), dump[0].SimFailures)
	assert.Equal(t, uint64(100), dump[0].OpsSeen)
}

func TestDecayReachesZero(t *testing.T) {
	tracker := NewTracker(testConfig(), nil, nil)
	sender := common.HexToAddress("0xdddd")

	for i := 0; i < 100; i++ {
		tracker.AddSeen(sender)
	}

	// 1/24th per tick with a floor step of 1 drains any counter eventually.
	for i := 0; i < 200; i++ {
		tracker.Decay()
	}
	assert.Empty(t, tracker.Dump())
	assert.Equal(t, StatusOk, tracker.Status(sender))
}

func TestAllowlistAndBlocklistOverride(t *testing.T) {
	cfg := testConfig()
	vip := common.HexToAddress("0x1111")
	rogue := common.HexToAddress("0x2222")
	cfg.Allowlist = []common.Address{vip}
	cfg.Blocklist = []common.Address{rogue}

	tracker := NewTracker(cfg, nil, nil)

	for i := 0; i < 1000; i++ {
		tracker.AddSeen(vip)
	}
	assert.Equal(t, StatusOk, tracker.Status(vip))
	assert.Equal(t, StatusBanned, tracker.Status(rogue))
}

func TestCountersSurviveRestart(t *testing.T) {
	db, err := storage.NewWithPath(t.TempDir())
	require.NoError(t, err)
	defer db.Close()

	sender := common.HexToAddress("0xeeee")

	tracker := NewTracker(testConfig(), db, nil)
	for i := 0; i < 48; i++ {
		tracker.AddSeen(sender)
	}
	// Decay persists the snapshot: 48 - 48/24 = 46.
	tracker.Decay()

	restored := NewTracker(testConfig(), db, nil)
	dump := restored.Dump()
	require.Len(t, dump, 1)
	assert.Equal(t, sender, dump[0].Address)
	assert.Equal(t, uint64(46), dump[0].OpsSeen)
}
