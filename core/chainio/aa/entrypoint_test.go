package aa

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AvaProtocol/ap-bundler/pkg/userop"
)

func sampleOp() *userop.UserOperation {
	return &userop.UserOperation{
		Sender:               common.HexToAddress("0x1111"),
		Nonce:                big.NewInt(5),
		CallData:             []byte{0xde, 0xad},
		CallGasLimit:         big.NewInt(100_000),
		VerificationGasLimit: big.NewInt(150_000),
		PreVerificationGas:   big.NewInt(50_000),
		MaxFeePerGas:         big.NewInt(40_000_000_000),
		MaxPriorityFeePerGas: big.NewInt(2_000_000_000),
		Signature:            []byte{0x01},
	}
}

func TestEventTopicMatchesABI(t *testing.T) {
	epabi, err := ABI()
	require.NoError(t, err)
	assert.Equal(t, epabi.Events["UserOperationEvent"].ID, UserOpEventTopic())
	// Well-known v0.6 topic.
	assert.Equal(t,
		"0x49628fd1471006c1482da88028e9ce4dbb080b815c9b0344d39e5a8e6ec1419f",
		UserOpEventTopic().Hex())
}

func TestPackHandleOpsCarriesSelector(t *testing.T) {
	epabi, err := ABI()
	require.NoError(t, err)

	data, err := PackHandleOps([]*userop.UserOperation{sampleOp()}, common.HexToAddress("0xbeef"))
	require.NoError(t, err)
	assert.Equal(t, epabi.Methods["handleOps"].ID[:4], data[:4])
}

func TestDecodeValidationResultRoundTrip(t *testing.T) {
	epabi, err := ABI()
	require.NoError(t, err)

	vr := epabi.Errors["ValidationResult"]
	info := ReturnInfo{
		PreOpGas:         big.NewInt(123_456),
		Prefund:          big.NewInt(999),
		SigFailed:        false,
		ValidAfter:       big.NewInt(10),
		ValidUntil:       big.NewInt(20),
		PaymasterContext: []byte{0xaa},
	}
	stake := StakeInfo{Stake: big.NewInt(1), UnstakeDelaySec: big.NewInt(2)}
	payload, err := vr.Inputs.Pack(info, stake, stake, stake)
	require.NoError(t, err)
	data := append(vr.ID.Bytes()[:4], payload...)

	result, failed, err := DecodeValidationRevert(data)
	require.NoError(t, err)
	require.Nil(t, failed)
	require.NotNil(t, result)
	assert.Equal(t, int64(123_456), result.ReturnInfo.PreOpGas.Int64())
	assert.Equal(t, int64(20), result.ReturnInfo.ValidUntil.Int64())
	assert.Equal(t, []byte{0xaa}, result.ReturnInfo.PaymasterContext)
	assert.Equal(t, int64(1), result.SenderInfo.Stake.Int64())
}

func TestDecodeFailedOpRoundTrip(t *testing.T) {
	epabi, err := ABI()
	require.NoError(t, err)

	fo := epabi.Errors["FailedOp"]
	payload, err := fo.Inputs.Pack(big.NewInt(3), "AA21 didn't pay prefund")
	require.NoError(t, err)
	data := append(fo.ID.Bytes()[:4], payload...)

	result, failed, err := DecodeValidationRevert(data)
	require.NoError(t, err)
	require.Nil(t, result)
	require.NotNil(t, failed)
	assert.Equal(t, int64(3), failed.OpIndex.Int64())
	assert.Equal(t, "AA21 didn't pay prefund", failed.Reason)
}

func TestDecodeUnknownRevertIsAnError(t *testing.T) {
	_, _, err := DecodeValidationRevert([]byte{0x01, 0x02, 0x03, 0x04, 0x05})
	assert.Error(t, err)

	_, _, err = DecodeValidationRevert([]byte{0x01})
	assert.Error(t, err)
}

func TestParseUserOperationEvent(t *testing.T) {
	epabi, err := ABI()
	require.NoError(t, err)

	opHash := common.HexToHash("0x1234")
	sender := common.HexToAddress("0x1111")
	paymaster := common.HexToAddress("0x2222")

	ev := epabi.Events["UserOperationEvent"]
	data, err := ev.Inputs.NonIndexed().Pack(big.NewInt(5), true, big.NewInt(777), big.NewInt(88_000))
	require.NoError(t, err)

	log := &types.Log{
		Topics: []common.Hash{
			UserOpEventTopic(),
			opHash,
			common.BytesToHash(sender.Bytes()),
			common.BytesToHash(paymaster.Bytes()),
		},
		Data: data,
	}

	parsed, err := ParseUserOperationEvent(log)
	require.NoError(t, err)
	require.NotNil(t, parsed)
	assert.Equal(t, opHash, parsed.UserOpHash)
	assert.Equal(t, sender, parsed.Sender)
	assert.Equal(t, paymaster, parsed.Paymaster)
	assert.True(t, parsed.Success)
	assert.Equal(t, int64(777), parsed.ActualGasCost.Int64())
}

func TestParseOtherEventIsNil(t *testing.T) {
	log := &types.Log{Topics: []common.Hash{common.HexToHash("0xdead")}}
	parsed, err := ParseUserOperationEvent(log)
	require.NoError(t, err)
	assert.Nil(t, parsed)
}
