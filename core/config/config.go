package config

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"os"
	"time"

	sdklogging "github.com/Layr-Labs/eigensdk-go/logging"
	sdkutils "github.com/Layr-Labs/eigensdk-go/utils"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/go-playground/validator/v10"
	"github.com/samber/lo"
	"gopkg.in/yaml.v2"
)

// Config is the parsed and validated runtime configuration for a bundler
// node. A malformed config file is fatal at startup: NewConfig returns an
// error and the process never starts.
type Config struct {
	Logger      sdklogging.Logger
	Environment sdklogging.LogLevel

	EthHttpRpcUrl string
	EthWsRpcUrl   string

	EntryPoint  common.Address
	Beneficiary common.Address

	// The EOA that signs bundle transactions. Only the signer boundary in
	// core/chainio/signer touches this key.
	EcdsaPrivateKey *ecdsa.PrivateKey

	DbPath          string
	HttpBindAddress string
	SentryDsn       string
	ServerName      string

	Mempool    MempoolConfig
	Reputation ReputationConfig
	Builder    BuilderConfig
	Submitter  SubmitterConfig
	Simulation SimulationConfig
}

type MempoolConfig struct {
	// Maximum number of pooled operations before fee-based eviction kicks in.
	Capacity int
	// A replacement for the same (sender, nonce) must beat the pooled
	// operation's priority fee by at least this percent.
	ReplacementFeeBumpPercent int64
	// Entries untouched for longer than this are expired by the sweep job.
	MaxOpTTL time.Duration
	// Pooled-operation cap applied to THROTTLED entities.
	ThrottledEntityCap int
}

type ReputationConfig struct {
	MinInclusionDenominator uint64
	ThrottleSlack           uint64
	BanSlack                uint64
	// Counters are decayed on this interval to form the sliding window.
	DecayInterval time.Duration

	Allowlist []common.Address
	Blocklist []common.Address
}

type BuilderConfig struct {
	MaxBundleGas uint64
	MaxBundleOps int
	// Per-bundle slot cap for THROTTLED entities.
	ThrottledEntityBundleCap int
}

type SubmitterConfig struct {
	// Blocks without confirmation before a submission is considered stale.
	StaleAfterBlocks uint64
	// Fee bump applied on each escalation, in percent.
	EscalateFeePercent int64
	// Escalations beyond this surface a submission failure instead of retrying.
	MaxEscalations int
	PollInterval   time.Duration
}

type SimulationConfig struct {
	MinPriorityFeePerGas  *big.Int
	MaxVerificationGas    uint64
	MinPreVerificationGas uint64
	// When false the debug_traceCall storage collector is skipped (plain
	// nodes without the tracer), and conflict detection degrades to
	// sender-only.
	TracerEnabled bool
}

// ConfigRaw is the yaml shape read from disk.
type ConfigRaw struct {
	Environment sdklogging.LogLevel `yaml:"environment"`

	EthRpcUrl string `yaml:"eth_rpc_url" validate:"required,url"`
	EthWsUrl  string `yaml:"eth_ws_url"`

	EntryPoint  string `yaml:"entrypoint_address" validate:"required,eth_addr"`
	Beneficiary string `yaml:"beneficiary_address" validate:"omitempty,eth_addr"`

	EcdsaPrivateKey string `yaml:"ecdsa_private_key" validate:"required"`

	DbPath          string `yaml:"db_path" validate:"required"`
	HttpBindAddress string `yaml:"http_bind_address"`
	SentryDsn       string `yaml:"sentry_dsn"`
	ServerName      string `yaml:"server_name"`

	Mempool struct {
		Capacity                  int   `yaml:"capacity"`
		ReplacementFeeBumpPercent int64 `yaml:"replacement_fee_bump_percent"`
		MaxOpTTLSeconds           int64 `yaml:"max_op_ttl_seconds"`
		ThrottledEntityCap        int   `yaml:"throttled_entity_cap"`
	} `yaml:"mempool"`

	Reputation struct {
		MinInclusionDenominator uint64   `yaml:"min_inclusion_denominator"`
		ThrottleSlack           uint64   `yaml:"throttle_slack"`
		BanSlack                uint64   `yaml:"ban_slack"`
		DecayIntervalSeconds    int64    `yaml:"decay_interval_seconds"`
		Allowlist               []string `yaml:"allowlist" validate:"dive,eth_addr"`
		Blocklist               []string `yaml:"blocklist" validate:"dive,eth_addr"`
	} `yaml:"reputation"`

	Builder struct {
		MaxBundleGas             uint64 `yaml:"max_bundle_gas"`
		MaxBundleOps             int    `yaml:"max_bundle_ops"`
		ThrottledEntityBundleCap int    `yaml:"throttled_entity_bundle_cap"`
	} `yaml:"builder"`

	Submitter struct {
		StaleAfterBlocks   uint64 `yaml:"stale_after_blocks"`
		EscalateFeePercent int64  `yaml:"escalate_fee_percent"`
		MaxEscalations     int    `yaml:"max_escalations"`
		PollIntervalMs     int64  `yaml:"poll_interval_ms"`
	} `yaml:"submitter"`

	Simulation struct {
		MinPriorityFeePerGasGwei int64  `yaml:"min_priority_fee_per_gas_gwei"`
		MaxVerificationGas       uint64 `yaml:"max_verification_gas"`
		MinPreVerificationGas    uint64 `yaml:"min_pre_verification_gas"`
		TracerEnabled            *bool  `yaml:"tracer_enabled"`
	} `yaml:"simulation"`
}

// NewConfig parses the config file, fills defaults for tuning knobs that the
// operator left out, and builds shared resources (logger, signing key).
func NewConfig(configFilePath string) (*Config, error) {
	data, err := os.ReadFile(configFilePath)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", configFilePath, err)
	}

	var raw ConfigRaw
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", configFilePath, err)
	}

	if err := validator.New().Struct(&raw); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", configFilePath, err)
	}

	logger, err := sdklogging.NewZapLogger(raw.Environment)
	if err != nil {
		return nil, err
	}

	ecdsaPrivateKey, err := crypto.HexToECDSA(sdkutils.Trim0x(raw.EcdsaPrivateKey))
	if err != nil {
		return nil, fmt.Errorf("cannot parse ecdsa private key: %w", err)
	}

	beneficiary := common.HexToAddress(raw.Beneficiary)
	if beneficiary == (common.Address{}) {
		// Fall back to the submission EOA so bundler fees are not burned.
		beneficiary, err = sdkutils.EcdsaPrivateKeyToAddress(ecdsaPrivateKey)
		if err != nil {
			return nil, fmt.Errorf("cannot derive beneficiary from the signing key: %w", err)
		}
	}

	c := &Config{
		Logger:          logger,
		Environment:     raw.Environment,
		EthHttpRpcUrl:   raw.EthRpcUrl,
		EthWsRpcUrl:     raw.EthWsUrl,
		EntryPoint:      common.HexToAddress(raw.EntryPoint),
		Beneficiary:     beneficiary,
		EcdsaPrivateKey: ecdsaPrivateKey,
		DbPath:          raw.DbPath,
		HttpBindAddress: raw.HttpBindAddress,
		SentryDsn:       raw.SentryDsn,
		ServerName:      raw.ServerName,

		Mempool: MempoolConfig{
			Capacity:                  defaultInt(raw.Mempool.Capacity, 4096),
			ReplacementFeeBumpPercent: defaultInt64(raw.Mempool.ReplacementFeeBumpPercent, 10),
			MaxOpTTL:                  defaultDuration(raw.Mempool.MaxOpTTLSeconds, time.Second, 15*time.Minute),
			ThrottledEntityCap:        defaultInt(raw.Mempool.ThrottledEntityCap, 4),
		},
		Reputation: ReputationConfig{
			MinInclusionDenominator: defaultUint64(raw.Reputation.MinInclusionDenominator, 10),
			ThrottleSlack:           defaultUint64(raw.Reputation.ThrottleSlack, 10),
			BanSlack:                defaultUint64(raw.Reputation.BanSlack, 50),
			DecayInterval:           defaultDuration(raw.Reputation.DecayIntervalSeconds, time.Second, time.Hour),
			Allowlist:               toAddresses(raw.Reputation.Allowlist),
			Blocklist:               toAddresses(raw.Reputation.Blocklist),
		},
		Builder: BuilderConfig{
			MaxBundleGas:             defaultUint64(raw.Builder.MaxBundleGas, 10_000_000),
			MaxBundleOps:             defaultInt(raw.Builder.MaxBundleOps, 32),
			ThrottledEntityBundleCap: defaultInt(raw.Builder.ThrottledEntityBundleCap, 1),
		},
		Submitter: SubmitterConfig{
			StaleAfterBlocks:   defaultUint64(raw.Submitter.StaleAfterBlocks, 6),
			EscalateFeePercent: defaultInt64(raw.Submitter.EscalateFeePercent, 12),
			MaxEscalations:     defaultInt(raw.Submitter.MaxEscalations, 5),
			PollInterval:       defaultDuration(raw.Submitter.PollIntervalMs, time.Millisecond, 4*time.Second),
		},
		Simulation: SimulationConfig{
			MinPriorityFeePerGas:  big.NewInt(defaultInt64(raw.Simulation.MinPriorityFeePerGasGwei, 1) * 1_000_000_000),
			MaxVerificationGas:    defaultUint64(raw.Simulation.MaxVerificationGas, 5_000_000),
			MinPreVerificationGas: defaultUint64(raw.Simulation.MinPreVerificationGas, 21_000),
			TracerEnabled:         raw.Simulation.TracerEnabled == nil || *raw.Simulation.TracerEnabled,
		},
	}

	return c, nil
}

func toAddresses(hexes []string) []common.Address {
	return lo.Map(hexes, func(h string, _ int) common.Address {
		return common.HexToAddress(h)
	})
}

func defaultInt(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}

func defaultInt64(v, def int64) int64 {
	if v == 0 {
		return def
	}
	return v
}

func defaultUint64(v, def uint64) uint64 {
	if v == 0 {
		return def
	}
	return v
}

func defaultDuration(v int64, unit, def time.Duration) time.Duration {
	if v == 0 {
		return def
	}
	return time.Duration(v) * unit
}
