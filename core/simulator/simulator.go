// Package simulator runs user operations through the entrypoint's
// simulateValidation dry-run and turns the revert into a verdict the pool
// and builder can act on. It also provides gas estimation for the client
// facing eth_estimateUserOperationGas style endpoint.
package simulator

import (
	"context"
	"fmt"
	"math/big"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"

	"github.com/AvaProtocol/ap-bundler/core/chainio"
	"github.com/AvaProtocol/ap-bundler/core/chainio/aa"
	"github.com/AvaProtocol/ap-bundler/core/config"
	"github.com/AvaProtocol/ap-bundler/metrics"
	"github.com/AvaProtocol/ap-bundler/pkg/logger"
	"github.com/AvaProtocol/ap-bundler/pkg/userop"
)

// Result is the outcome of one validation pass. Valid=false carries the
// rejection reason; an error return from Simulate means no verdict could be
// reached (chain unreachable) and the operation must not be penalized.
type Result struct {
	Valid  bool
	Reason string

	SigFailed  bool
	PreOpGas   *big.Int
	Prefund    *big.Int
	ValidAfter *big.Int
	ValidUntil *big.Int

	// Deposit held by the paymaster at the entrypoint; nil when the
	// operation pays for itself or the lookup failed.
	PaymasterDeposit *big.Int

	// Storage slots touched during validation, per contract. Nil when the
	// node has no tracer support.
	TouchedStorage map[common.Address]map[common.Hash]struct{}
}

// GasEstimate is the response shape of estimation mode.
type GasEstimate struct {
	PreVerificationGas   *big.Int
	VerificationGasLimit *big.Int
	CallGasLimit         *big.Int
}

type Simulator struct {
	client     chainio.Client
	cfg        config.SimulationConfig
	entryPoint common.Address
	logger     logger.Logger
	metrics    metrics.MetricsGenerator
}

func New(client chainio.Client, cfg config.SimulationConfig, entryPoint common.Address, log logger.Logger, m metrics.MetricsGenerator) *Simulator {
	return &Simulator{
		client:     client,
		cfg:        cfg,
		entryPoint: entryPoint,
		logger:     logger.EnsureLogger(log),
		metrics:    m,
	}
}

func (s *Simulator) invalid(reason string) *Result {
	if s.metrics != nil {
		s.metrics.IncSimulation("invalid")
	}
	return &Result{Valid: false, Reason: reason}
}

// Simulate validates the operation against the chain state at the given
// block. The simulateValidation call always reverts; the revert payload is
// the verdict.
func (s *Simulator) Simulate(ctx context.Context, op *userop.UserOperation, block *big.Int) (*Result, error) {
	if op.VerificationGasLimit.Cmp(new(big.Int).SetUint64(s.cfg.MaxVerificationGas)) > 0 {
		return s.invalid(fmt.Sprintf("verificationGasLimit %s exceeds maximum %d", op.VerificationGasLimit, s.cfg.MaxVerificationGas)), nil
	}
	if op.PreVerificationGas.Cmp(new(big.Int).SetUint64(s.cfg.MinPreVerificationGas)) < 0 {
		return s.invalid(fmt.Sprintf("preVerificationGas %s below minimum %d", op.PreVerificationGas, s.cfg.MinPreVerificationGas)), nil
	}
	if op.MaxPriorityFeePerGas.Cmp(s.cfg.MinPriorityFeePerGas) < 0 {
		return s.invalid(fmt.Sprintf("maxPriorityFeePerGas %s below bundler minimum %s", op.MaxPriorityFeePerGas, s.cfg.MinPriorityFeePerGas)), nil
	}

	header, err := s.client.HeaderByNumber(ctx, block)
	if err != nil {
		return nil, err
	}
	if header.BaseFee != nil && op.MaxFeePerGas.Cmp(header.BaseFee) < 0 {
		return s.invalid("fee too low for current base fee"), nil
	}

	calldata, err := aa.PackSimulateValidation(op)
	if err != nil {
		return nil, err
	}

	msg := ethereum.CallMsg{To: &s.entryPoint, Data: calldata}
	_, callErr := s.client.CallContract(ctx, msg, block)
	if callErr == nil {
		// The entrypoint reverts unconditionally; a clean return means the
		// target is not an entrypoint.
		return s.invalid("simulateValidation did not revert; wrong entrypoint address"), nil
	}

	revertData, ok := chainio.RevertData(callErr)
	if !ok {
		if s.metrics != nil {
			s.metrics.IncSimulation("unreachable")
		}
		return nil, fmt.Errorf("%w: %v", chainio.ErrChainUnreachable, callErr)
	}

	validation, failed, err := aa.DecodeValidationRevert(revertData)
	if err != nil {
		return s.invalid(fmt.Sprintf("validation reverted: %v", err)), nil
	}
	if failed != nil {
		return s.invalid(failed.Reason), nil
	}

	if validation.ReturnInfo.SigFailed {
		return s.invalid("invalid account signature"), nil
	}

	result := &Result{
		Valid:      true,
		PreOpGas:   validation.ReturnInfo.PreOpGas,
		Prefund:    validation.ReturnInfo.Prefund,
		ValidAfter: validation.ReturnInfo.ValidAfter,
		ValidUntil: validation.ReturnInfo.ValidUntil,
	}

	if s.cfg.TracerEnabled {
		result.TouchedStorage = s.traceStorageAccess(ctx, msg, block)
	}

	if paymaster := op.Paymaster(); paymaster != (common.Address{}) {
		result.PaymasterDeposit = s.paymasterDeposit(ctx, paymaster, block)
	}

	if s.metrics != nil {
		s.metrics.IncSimulation("valid")
	}
	return result, nil
}

// traceStorageAccess never fails the simulation; on any tracer problem it
// returns nil and conflict detection degrades to sender-only.
func (s *Simulator) traceStorageAccess(ctx context.Context, msg ethereum.CallMsg, block *big.Int) map[common.Address]map[common.Hash]struct{} {
	raw, err := s.client.TraceCall(ctx, msg, block, storageAccessTracer)
	if err != nil {
		s.logger.Warnf("storage tracer unavailable, degrading conflict detection: %v", err)
		return nil
	}

	touched, err := parseTracerOutput(raw)
	if err != nil {
		s.logger.Warnf("discarding unusable tracer output: %v", err)
		return nil
	}
	return touched
}

func (s *Simulator) paymasterDeposit(ctx context.Context, paymaster common.Address, block *big.Int) *big.Int {
	calldata, err := aa.PackBalanceOf(paymaster)
	if err != nil {
		return nil
	}
	out, err := s.client.CallContract(ctx, ethereum.CallMsg{To: &s.entryPoint, Data: calldata}, block)
	if err != nil {
		s.logger.Warnf("cannot read paymaster %s deposit: %v", paymaster.Hex(), err)
		return nil
	}
	deposit, err := aa.UnpackBalanceOf(out)
	if err != nil {
		s.logger.Warnf("cannot decode paymaster %s deposit: %v", paymaster.Hex(), err)
		return nil
	}
	return deposit
}

// Calldata pricing for preVerificationGas estimation, matching on-chain
// intrinsic gas costs plus a fixed per-operation overhead for the
// entrypoint's bookkeeping.
const (
	estFixedOverhead   = 21_000
	estPerOpOverhead   = 18_300
	estZeroByteCost    = 4
	estNonZeroByteCost = 16
	estVerificationPad = 20_000
	estCallGasFloor    = 9_000
)

// EstimateGas fills the three gas fields of an unsigned operation. The
// operation's fee fields must be set; gas limit fields are ignored.
func (s *Simulator) EstimateGas(ctx context.Context, op *userop.UserOperation) (*GasEstimate, error) {
	// Price the operation's share of bundle calldata as if submitted alone.
	estOp := *op
	estOp.CallGasLimit = big.NewInt(1_000_000)
	estOp.VerificationGasLimit = new(big.Int).SetUint64(s.cfg.MaxVerificationGas)
	estOp.PreVerificationGas = big.NewInt(estFixedOverhead)

	calldata, err := aa.PackHandleOps([]*userop.UserOperation{&estOp}, common.Address{})
	if err != nil {
		return nil, err
	}
	pvg := int64(estFixedOverhead + estPerOpOverhead)
	for _, b := range calldata {
		if b == 0 {
			pvg += estZeroByteCost
		} else {
			pvg += estNonZeroByteCost
		}
	}
	if floor := int64(s.cfg.MinPreVerificationGas); pvg < floor {
		pvg = floor
	}

	// Verification estimate comes from the dry-run's measured preOpGas.
	simData, err := aa.PackSimulateValidation(&estOp)
	if err != nil {
		return nil, err
	}
	_, callErr := s.client.CallContract(ctx, ethereum.CallMsg{To: &s.entryPoint, Data: simData}, nil)
	if callErr == nil {
		return nil, fmt.Errorf("simulateValidation did not revert; wrong entrypoint address")
	}
	revertData, ok := chainio.RevertData(callErr)
	if !ok {
		return nil, fmt.Errorf("%w: %v", chainio.ErrChainUnreachable, callErr)
	}
	validation, failed, err := aa.DecodeValidationRevert(revertData)
	if err != nil {
		return nil, fmt.Errorf("cannot estimate verification gas: %w", err)
	}
	if failed != nil {
		return nil, fmt.Errorf("operation does not validate: %s", failed.Reason)
	}
	vgl := new(big.Int).Add(validation.ReturnInfo.PreOpGas, big.NewInt(estVerificationPad))
	if max := new(big.Int).SetUint64(s.cfg.MaxVerificationGas); vgl.Cmp(max) > 0 {
		vgl = max
	}

	// Execution estimate: run the callData against the account as the
	// entrypoint would.
	cgl := uint64(estCallGasFloor)
	if len(op.CallData) > 0 {
		from := s.entryPoint
		gas, err := s.client.EstimateGas(ctx, ethereum.CallMsg{
			From: from,
			To:   &op.Sender,
			Data: op.CallData,
		})
		if err != nil {
			return nil, fmt.Errorf("cannot estimate execution gas: %w", err)
		}
		if gas > cgl {
			cgl = gas
		}
	}

	return &GasEstimate{
		PreVerificationGas:   big.NewInt(pvg),
		VerificationGasLimit: vgl,
		CallGasLimit:         new(big.Int).SetUint64(cgl),
	}, nil
}
