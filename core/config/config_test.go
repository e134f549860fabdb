package config

import (
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKeyHex = "59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d"

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bundler.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestNewConfigParsesFileAndFillsDefaults(t *testing.T) {
	path := writeConfig(t, `
environment: development
eth_rpc_url: http://localhost:8545
entrypoint_address: "0x5FF137D4b0FDCD49DcA30c7CF57E578a026d2789"
beneficiary_address: "0x70997970C51812dc3A010C7d01b50e0d17dc79C8"
ecdsa_private_key: "0x`+testKeyHex+`"
db_path: /tmp/ap-bundler-test
mempool:
  capacity: 128
  max_op_ttl_seconds: 600
submitter:
  stale_after_blocks: 3
`)

	c, err := NewConfig(path)
	require.NoError(t, err)

	assert.Equal(t, common.HexToAddress("0x5FF137D4b0FDCD49DcA30c7CF57E578a026d2789"), c.EntryPoint)
	assert.Equal(t, common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8"), c.Beneficiary)
	assert.Equal(t, "http://localhost:8545", c.EthHttpRpcUrl)

	// Explicit values survive.
	assert.Equal(t, 128, c.Mempool.Capacity)
	assert.Equal(t, 10*time.Minute, c.Mempool.MaxOpTTL)
	assert.Equal(t, uint64(3), c.Submitter.StaleAfterBlocks)

	// Omitted knobs get their defaults.
	assert.Equal(t, int64(10), c.Mempool.ReplacementFeeBumpPercent)
	assert.Equal(t, uint64(10), c.Reputation.MinInclusionDenominator)
	assert.Equal(t, uint64(10_000_000), c.Builder.MaxBundleGas)
	assert.Equal(t, 32, c.Builder.MaxBundleOps)
	assert.Equal(t, int64(12), c.Submitter.EscalateFeePercent)
	assert.Equal(t, 4*time.Second, c.Submitter.PollInterval)
	assert.Equal(t, uint64(5_000_000), c.Simulation.MaxVerificationGas)
	assert.True(t, c.Simulation.TracerEnabled)
	assert.Equal(t, 0, c.Simulation.MinPriorityFeePerGas.Cmp(big.NewInt(1_000_000_000)))
}

func TestBeneficiaryFallsBackToSigningKey(t *testing.T) {
	path := writeConfig(t, `
environment: development
eth_rpc_url: http://localhost:8545
entrypoint_address: "0x5FF137D4b0FDCD49DcA30c7CF57E578a026d2789"
ecdsa_private_key: "`+testKeyHex+`"
db_path: /tmp/ap-bundler-test
`)

	c, err := NewConfig(path)
	require.NoError(t, err)

	key, err := crypto.HexToECDSA(testKeyHex)
	require.NoError(t, err)
	assert.Equal(t, crypto.PubkeyToAddress(key.PublicKey), c.Beneficiary)
}

func TestNewConfigRejectsMalformedFile(t *testing.T) {
	_, err := NewConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	// Missing required fields fail validation before any resource is built.
	path := writeConfig(t, `
environment: development
eth_rpc_url: not-a-url
`)
	_, err = NewConfig(path)
	assert.Error(t, err)

	// An entrypoint that is not an address fails the eth_addr rule.
	path = writeConfig(t, `
environment: development
eth_rpc_url: http://localhost:8545
entrypoint_address: "nope"
ecdsa_private_key: "`+testKeyHex+`"
db_path: /tmp/ap-bundler-test
`)
	_, err = NewConfig(path)
	assert.Error(t, err)
}
