package simulator

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"testing"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AvaProtocol/ap-bundler/core/chainio"
	"github.com/AvaProtocol/ap-bundler/core/chainio/aa"
	"github.com/AvaProtocol/ap-bundler/core/config"
	"github.com/AvaProtocol/ap-bundler/pkg/userop"
)

var testEntryPoint = common.HexToAddress("0x5FF137D4b0FDCD49DcA30c7CF57E578a026d2789")

// revertError mimics the node's eth_call revert payload delivery.
type revertError struct{ data string }

func (e *revertError) Error() string          { return "execution reverted" }
func (e *revertError) ErrorData() interface{} { return e.data }

func encodeValidationResult(t *testing.T, info aa.ReturnInfo) error {
	t.Helper()
	epabi, err := aa.ABI()
	require.NoError(t, err)

	vr := epabi.Errors["ValidationResult"]
	empty := aa.StakeInfo{Stake: big.NewInt(0), UnstakeDelaySec: big.NewInt(0)}
	payload, err := vr.Inputs.Pack(info, empty, empty, empty)
	require.NoError(t, err)

	data := append(vr.ID.Bytes()[:4], payload...)
	return &revertError{data: "0x" + common.Bytes2Hex(data)}
}

func encodeFailedOp(t *testing.T, reason string) error {
	t.Helper()
	epabi, err := aa.ABI()
	require.NoError(t, err)

	fo := epabi.Errors["FailedOp"]
	payload, err := fo.Inputs.Pack(big.NewInt(0), reason)
	require.NoError(t, err)

	data := append(fo.ID.Bytes()[:4], payload...)
	return &revertError{data: "0x" + common.Bytes2Hex(data)}
}

type fakeClient struct {
	baseFee     *big.Int
	simErr      error
	deposit     *big.Int
	traceOut    json.RawMessage
	traceErr    error
	estimateGas uint64
	estimateErr error
}

func (f *fakeClient) ChainID() *big.Int { return big.NewInt(1) }

func (f *fakeClient) BlockNumber(ctx context.Context) (uint64, error) { return 100, nil }

func (f *fakeClient) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	return &types.Header{Number: big.NewInt(100), BaseFee: f.baseFee}, nil
}

func (f *fakeClient) CallContract(ctx context.Context, msg ethereum.CallMsg, block *big.Int) ([]byte, error) {
	epabi, err := aa.ABI()
	if err != nil {
		return nil, err
	}
	selector := string(msg.Data[:4])
	if selector == string(epabi.Methods["simulateValidation"].ID[:4]) {
		return nil, f.simErr
	}
	if selector == string(epabi.Methods["balanceOf"].ID[:4]) {
		return epabi.Methods["balanceOf"].Outputs.Pack(f.deposit)
	}
	return nil, errors.New("unexpected call")
}

func (f *fakeClient) TraceCall(ctx context.Context, msg ethereum.CallMsg, block *big.Int, tracer string) (json.RawMessage, error) {
	return f.traceOut, f.traceErr
}

func (f *fakeClient) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	return f.estimateGas, f.estimateErr
}

func (f *fakeClient) NonceAt(ctx context.Context, account common.Address, block *big.Int) (uint64, error) {
	return 0, nil
}

func (f *fakeClient) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return 0, nil
}

func (f *fakeClient) SendTransaction(ctx context.Context, tx *types.Transaction) error { return nil }

func (f *fakeClient) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	return nil, ethereum.NotFound
}

func (f *fakeClient) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

var _ chainio.Client = (*fakeClient)(nil)

func testSimConfig() config.SimulationConfig {
	return config.SimulationConfig{
		MinPriorityFeePerGas:  big.NewInt(1_000_000_000),
		MaxVerificationGas:    5_000_000,
		MinPreVerificationGas: 21_000,
		TracerEnabled:         true,
	}
}

func validOp() *userop.UserOperation {
	return &userop.UserOperation{
		Sender:               common.HexToAddress("0xabc"),
		Nonce:                big.NewInt(0),
		CallData:             []byte{0x01},
		CallGasLimit:         big.NewInt(100_000),
		VerificationGasLimit: big.NewInt(150_000),
		PreVerificationGas:   big.NewInt(50_000),
		MaxFeePerGas:         big.NewInt(40_000_000_000),
		MaxPriorityFeePerGas: big.NewInt(2_000_000_000),
		Signature:            []byte{0xff},
	}
}

func TestSimulateValidOperation(t *testing.T) {
	client := &fakeClient{
		baseFee: big.NewInt(30_000_000_000),
		simErr: encodeValidationResult(t, aa.ReturnInfo{
			PreOpGas:         big.NewInt(120_000),
			Prefund:          big.NewInt(1_000_000),
			SigFailed:        false,
			ValidAfter:       big.NewInt(0),
			ValidUntil:       big.NewInt(0),
			PaymasterContext: []byte{},
		}),
		traceOut: json.RawMessage(`{"access":{"0x0000000000000000000000000000000000000abc":{"0x0000000000000000000000000000000000000000000000000000000000000001":true}}}`),
	}

	s := New(client, testSimConfig(), testEntryPoint, nil, nil)
	result, err := s.Simulate(context.Background(), validOp(), big.NewInt(100))
	require.NoError(t, err)
	assert.True(t, result.Valid)
	assert.Equal(t, int64(120_000), result.PreOpGas.Int64())
	assert.Equal(t, int64(1_000_000), result.Prefund.Int64())

	slots := result.TouchedStorage[common.HexToAddress("0xabc")]
	require.Len(t, slots, 1)
	_, ok := slots[common.HexToHash("0x1")]
	assert.True(t, ok)
}

func TestSimulateFailedOpCarriesReason(t *testing.T) {
	client := &fakeClient{
		baseFee: big.NewInt(30_000_000_000),
		simErr:  encodeFailedOp(t, "AA25 invalid account nonce"),
	}

	s := New(client, testSimConfig(), testEntryPoint, nil, nil)
	result, err := s.Simulate(context.Background(), validOp(), big.NewInt(100))
	require.NoError(t, err)
	assert.False(t, result.Valid)
	assert.Equal(t, "AA25 invalid account nonce", result.Reason)
}

func TestSimulateRejectsBadSignature(t *testing.T) {
	client := &fakeClient{
		baseFee: big.NewInt(30_000_000_000),
		simErr: encodeValidationResult(t, aa.ReturnInfo{
			PreOpGas:         big.NewInt(120_000),
			Prefund:          big.NewInt(1_000_000),
			SigFailed:        true,
			ValidAfter:       big.NewInt(0),
			ValidUntil:       big.NewInt(0),
			PaymasterContext: []byte{},
		}),
	}

	s := New(client, testSimConfig(), testEntryPoint, nil, nil)
	result, err := s.Simulate(context.Background(), validOp(), big.NewInt(100))
	require.NoError(t, err)
	assert.False(t, result.Valid)
	assert.Equal(t, "invalid account signature", result.Reason)
}

func TestSimulatePricedOutByBaseFee(t *testing.T) {
	client := &fakeClient{baseFee: big.NewInt(50_000_000_000)}

	op := validOp()
	op.MaxFeePerGas = big.NewInt(40_000_000_000)

	s := New(client, testSimConfig(), testEntryPoint, nil, nil)
	result, err := s.Simulate(context.Background(), op, big.NewInt(100))
	require.NoError(t, err)
	assert.False(t, result.Valid)
	assert.Equal(t, "fee too low for current base fee", result.Reason)
}

func TestSimulateGasSanityChecks(t *testing.T) {
	s := New(&fakeClient{}, testSimConfig(), testEntryPoint, nil, nil)

	overVerification := validOp()
	overVerification.VerificationGasLimit = big.NewInt(6_000_000)
	result, err := s.Simulate(context.Background(), overVerification, big.NewInt(100))
	require.NoError(t, err)
	assert.False(t, result.Valid)

	underPVG := validOp()
	underPVG.PreVerificationGas = big.NewInt(1_000)
	result, err = s.Simulate(context.Background(), underPVG, big.NewInt(100))
	require.NoError(t, err)
	assert.False(t, result.Valid)

	underTip := validOp()
	underTip.MaxPriorityFeePerGas = big.NewInt(100)
	result, err = s.Simulate(context.Background(), underTip, big.NewInt(100))
	require.NoError(t, err)
	assert.False(t, result.Valid)
}

func TestSimulateChainErrorIsNotAVerdict(t *testing.T) {
	client := &fakeClient{
		baseFee: big.NewInt(30_000_000_000),
		simErr:  errors.New("connection refused"),
	}

	s := New(client, testSimConfig(), testEntryPoint, nil, nil)
	result, err := s.Simulate(context.Background(), validOp(), big.NewInt(100))
	assert.Nil(t, result)
	assert.ErrorIs(t, err, chainio.ErrChainUnreachable)
}

func TestSimulateDegradesWithoutTracer(t *testing.T) {
	client := &fakeClient{
		baseFee: big.NewInt(30_000_000_000),
		simErr: encodeValidationResult(t, aa.ReturnInfo{
			PreOpGas:         big.NewInt(120_000),
			Prefund:          big.NewInt(1_000_000),
			ValidAfter:       big.NewInt(0),
			ValidUntil:       big.NewInt(0),
			PaymasterContext: []byte{},
		}),
		traceErr: errors.New("tracer not supported"),
	}

	s := New(client, testSimConfig(), testEntryPoint, nil, nil)
	result, err := s.Simulate(context.Background(), validOp(), big.NewInt(100))
	require.NoError(t, err)
	assert.True(t, result.Valid)
	assert.Nil(t, result.TouchedStorage)
}

func TestSimulateReadsPaymasterDeposit(t *testing.T) {
	paymaster := common.HexToAddress("0x7777")
	client := &fakeClient{
		baseFee: big.NewInt(30_000_000_000),
		deposit: big.NewInt(5_000_000),
		simErr: encodeValidationResult(t, aa.ReturnInfo{
			PreOpGas:         big.NewInt(120_000),
			Prefund:          big.NewInt(1_000_000),
			ValidAfter:       big.NewInt(0),
			ValidUntil:       big.NewInt(0),
			PaymasterContext: []byte{},
		}),
	}

	op := validOp()
	op.PaymasterAndData = append(paymaster.Bytes(), 0x01)

	cfg := testSimConfig()
	cfg.TracerEnabled = false
	s := New(client, cfg, testEntryPoint, nil, nil)
	result, err := s.Simulate(context.Background(), op, big.NewInt(100))
	require.NoError(t, err)
	require.NotNil(t, result.PaymasterDeposit)
	assert.Equal(t, int64(5_000_000), result.PaymasterDeposit.Int64())
}

func TestEstimateGasShapes(t *testing.T) {
	client := &fakeClient{
		baseFee: big.NewInt(30_000_000_000),
		simErr: encodeValidationResult(t, aa.ReturnInfo{
			PreOpGas:         big.NewInt(120_000),
			Prefund:          big.NewInt(1_000_000),
			ValidAfter:       big.NewInt(0),
			ValidUntil:       big.NewInt(0),
			PaymasterContext: []byte{},
		}),
		estimateGas: 80_000,
	}

	s := New(client, testSimConfig(), testEntryPoint, nil, nil)
	est, err := s.EstimateGas(context.Background(), validOp())
	require.NoError(t, err)

	// preVerificationGas at least covers intrinsic cost plus per-op overhead.
	assert.Greater(t, est.PreVerificationGas.Int64(), int64(estFixedOverhead+estPerOpOverhead))
	assert.Equal(t, int64(140_000), est.VerificationGasLimit.Int64())
	assert.Equal(t, int64(80_000), est.CallGasLimit.Int64())
}

func TestEstimateGasRefusesInvalidOp(t *testing.T) {
	client := &fakeClient{
		baseFee: big.NewInt(30_000_000_000),
		simErr:  encodeFailedOp(t, "AA23 reverted (or OOG)"),
	}

	s := New(client, testSimConfig(), testEntryPoint, nil, nil)
	_, err := s.EstimateGas(context.Background(), validOp())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "AA23")
}
