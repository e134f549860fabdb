// Package aa holds the EntryPoint v0.6 call surface the bundler core needs:
// handleOps packing for submission, simulateValidation packing plus revert
// decoding, deposit/nonce reads and UserOperationEvent parsing. Only the
// pieces of the contract ABI the pipeline touches are declared here.
package aa

import (
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/AvaProtocol/ap-bundler/pkg/userop"
)

const entryPointABI = `[
{"type":"function","name":"handleOps","stateMutability":"nonpayable","inputs":[
  {"name":"ops","type":"tuple[]","components":[
    {"name":"sender","type":"address"},
    {"name":"nonce","type":"uint256"},
    {"name":"initCode","type":"bytes"},
    {"name":"callData","type":"bytes"},
    {"name":"callGasLimit","type":"uint256"},
    {"name":"verificationGasLimit","type":"uint256"},
    {"name":"preVerificationGas","type":"uint256"},
    {"name":"maxFeePerGas","type":"uint256"},
    {"name":"maxPriorityFeePerGas","type":"uint256"},
    {"name":"paymasterAndData","type":"bytes"},
    {"name":"signature","type":"bytes"}]},
  {"name":"beneficiary","type":"address"}],"outputs":[]},
{"type":"function","name":"simulateValidation","stateMutability":"nonpayable","inputs":[
  {"name":"userOp","type":"tuple","components":[
    {"name":"sender","type":"address"},
    {"name":"nonce","type":"uint256"},
    {"name":"initCode","type":"bytes"},
    {"name":"callData","type":"bytes"},
    {"name":"callGasLimit","type":"uint256"},
    {"name":"verificationGasLimit","type":"uint256"},
    {"name":"preVerificationGas","type":"uint256"},
    {"name":"maxFeePerGas","type":"uint256"},
    {"name":"maxPriorityFeePerGas","type":"uint256"},
    {"name":"paymasterAndData","type":"bytes"},
    {"name":"signature","type":"bytes"}]}],"outputs":[]},
{"type":"function","name":"getNonce","stateMutability":"view","inputs":[
  {"name":"sender","type":"address"},{"name":"key","type":"uint192"}],
  "outputs":[{"name":"nonce","type":"uint256"}]},
{"type":"function","name":"balanceOf","stateMutability":"view","inputs":[
  {"name":"account","type":"address"}],
  "outputs":[{"name":"","type":"uint256"}]},
{"type":"event","name":"UserOperationEvent","inputs":[
  {"name":"userOpHash","type":"bytes32","indexed":true},
  {"name":"sender","type":"address","indexed":true},
  {"name":"paymaster","type":"address","indexed":true},
  {"name":"nonce","type":"uint256","indexed":false},
  {"name":"success","type":"bool","indexed":false},
  {"name":"actualGasCost","type":"uint256","indexed":false},
  {"name":"actualGasUsed","type":"uint256","indexed":false}]},
{"type":"error","name":"ValidationResult","inputs":[
  {"name":"returnInfo","type":"tuple","components":[
    {"name":"preOpGas","type":"uint256"},
    {"name":"prefund","type":"uint256"},
    {"name":"sigFailed","type":"bool"},
    {"name":"validAfter","type":"uint48"},
    {"name":"validUntil","type":"uint48"},
    {"name":"paymasterContext","type":"bytes"}]},
  {"name":"senderInfo","type":"tuple","components":[
    {"name":"stake","type":"uint256"},{"name":"unstakeDelaySec","type":"uint256"}]},
  {"name":"factoryInfo","type":"tuple","components":[
    {"name":"stake","type":"uint256"},{"name":"unstakeDelaySec","type":"uint256"}]},
  {"name":"paymasterInfo","type":"tuple","components":[
    {"name":"stake","type":"uint256"},{"name":"unstakeDelaySec","type":"uint256"}]}]},
{"type":"error","name":"FailedOp","inputs":[
  {"name":"opIndex","type":"uint256"},{"name":"reason","type":"string"}]}
]`

var (
	parsedABI  abi.ABI
	parseOnce  sync.Once
	parseError error

	// keccak("UserOperationEvent(bytes32,address,address,uint256,bool,uint256,uint256)")
	userOpEventTopic = crypto.Keccak256Hash([]byte(
		"UserOperationEvent(bytes32,address,address,uint256,bool,uint256,uint256)"))
)

func entryPoint() (*abi.ABI, error) {
	parseOnce.Do(func() {
		parsedABI, parseError = abi.JSON(strings.NewReader(entryPointABI))
	})
	if parseError != nil {
		return nil, fmt.Errorf("invalid entrypoint ABI: %w", parseError)
	}
	return &parsedABI, nil
}

// ABI exposes the parsed contract fragment, mainly so tests can encode
// revert payloads with the same argument layout the decoder expects.
func ABI() (*abi.ABI, error) {
	return entryPoint()
}

// entryPointOp is the tuple shape handleOps/simulateValidation expect. Field
// order mirrors the contract struct declaration.
type entryPointOp struct {
	Sender               common.Address
	Nonce                *big.Int
	InitCode             []byte
	CallData             []byte
	CallGasLimit         *big.Int
	VerificationGasLimit *big.Int
	PreVerificationGas   *big.Int
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
	PaymasterAndData     []byte
	Signature            []byte
}

func toEntryPointOp(op *userop.UserOperation) entryPointOp {
	return entryPointOp{
		Sender:               op.Sender,
		Nonce:                op.Nonce,
		InitCode:             op.InitCode,
		CallData:             op.CallData,
		CallGasLimit:         op.CallGasLimit,
		VerificationGasLimit: op.VerificationGasLimit,
		PreVerificationGas:   op.PreVerificationGas,
		MaxFeePerGas:         op.MaxFeePerGas,
		MaxPriorityFeePerGas: op.MaxPriorityFeePerGas,
		PaymasterAndData:     op.PaymasterAndData,
		Signature:            op.Signature,
	}
}

// PackHandleOps builds the calldata for the bundle transaction.
func PackHandleOps(ops []*userop.UserOperation, beneficiary common.Address) ([]byte, error) {
	ep, err := entryPoint()
	if err != nil {
		return nil, err
	}

	packed := make([]entryPointOp, 0, len(ops))
	for _, op := range ops {
		packed = append(packed, toEntryPointOp(op))
	}

	return ep.Pack("handleOps", packed, beneficiary)
}

// PackSimulateValidation builds the calldata for the off-chain validation
// dry-run. The call always reverts; decode the revert with
// DecodeValidationRevert.
func PackSimulateValidation(op *userop.UserOperation) ([]byte, error) {
	ep, err := entryPoint()
	if err != nil {
		return nil, err
	}
	return ep.Pack("simulateValidation", toEntryPointOp(op))
}

func PackGetNonce(sender common.Address) ([]byte, error) {
	ep, err := entryPoint()
	if err != nil {
		return nil, err
	}
	return ep.Pack("getNonce", sender, big.NewInt(0))
}

func UnpackGetNonce(data []byte) (*big.Int, error) {
	ep, err := entryPoint()
	if err != nil {
		return nil, err
	}
	out, err := ep.Unpack("getNonce", data)
	if err != nil {
		return nil, err
	}
	return abi.ConvertType(out[0], new(big.Int)).(*big.Int), nil
}

// PackBalanceOf queries the entrypoint deposit of an account, used to bound
// how many sponsored operations a paymaster can cover in one bundle.
func PackBalanceOf(account common.Address) ([]byte, error) {
	ep, err := entryPoint()
	if err != nil {
		return nil, err
	}
	return ep.Pack("balanceOf", account)
}

func UnpackBalanceOf(data []byte) (*big.Int, error) {
	ep, err := entryPoint()
	if err != nil {
		return nil, err
	}
	out, err := ep.Unpack("balanceOf", data)
	if err != nil {
		return nil, err
	}
	return abi.ConvertType(out[0], new(big.Int)).(*big.Int), nil
}

// ReturnInfo is the validation summary inside a ValidationResult revert.
type ReturnInfo struct {
	PreOpGas         *big.Int
	Prefund          *big.Int
	SigFailed        bool
	ValidAfter       *big.Int
	ValidUntil       *big.Int
	PaymasterContext []byte
}

type StakeInfo struct {
	Stake           *big.Int
	UnstakeDelaySec *big.Int
}

// ValidationResult is the successful outcome of simulateValidation,
// delivered as a revert by the contract.
type ValidationResult struct {
	ReturnInfo    ReturnInfo
	SenderInfo    StakeInfo
	FactoryInfo   StakeInfo
	PaymasterInfo StakeInfo
}

// FailedOp is the revert raised when account or paymaster validation fails;
// Reason carries the AAxx error code string.
type FailedOp struct {
	OpIndex *big.Int
	Reason  string
}

func (f *FailedOp) Error() string {
	return fmt.Sprintf("entrypoint FailedOp(%s): %s", f.OpIndex, f.Reason)
}

// DecodeValidationRevert interprets the revert payload of a
// simulateValidation call. Exactly one of the two results is non-nil on
// success; an unrecognized payload (e.g. a raw require string) is returned
// as an error.
func DecodeValidationRevert(data []byte) (*ValidationResult, *FailedOp, error) {
	ep, err := entryPoint()
	if err != nil {
		return nil, nil, err
	}
	if len(data) < 4 {
		return nil, nil, fmt.Errorf("revert data too short: %d bytes", len(data))
	}

	if vrErr, ok := ep.Errors["ValidationResult"]; ok && matchSelector(vrErr.ID, data) {
		out, err := vrErr.Unpack(data)
		if err != nil {
			return nil, nil, fmt.Errorf("cannot unpack ValidationResult: %w", err)
		}
		vals := out.([]interface{})

		result := &ValidationResult{
			ReturnInfo:    *abi.ConvertType(vals[0], new(ReturnInfo)).(*ReturnInfo),
			SenderInfo:    *abi.ConvertType(vals[1], new(StakeInfo)).(*StakeInfo),
			FactoryInfo:   *abi.ConvertType(vals[2], new(StakeInfo)).(*StakeInfo),
			PaymasterInfo: *abi.ConvertType(vals[3], new(StakeInfo)).(*StakeInfo),
		}
		return result, nil, nil
	}

	if foErr, ok := ep.Errors["FailedOp"]; ok && matchSelector(foErr.ID, data) {
		out, err := foErr.Unpack(data)
		if err != nil {
			return nil, nil, fmt.Errorf("cannot unpack FailedOp: %w", err)
		}
		vals := out.([]interface{})

		failed := &FailedOp{
			OpIndex: abi.ConvertType(vals[0], new(big.Int)).(*big.Int),
			Reason:  *abi.ConvertType(vals[1], new(string)).(*string),
		}
		return nil, failed, nil
	}

	return nil, nil, fmt.Errorf("unrecognized simulateValidation revert (selector 0x%x)", data[:4])
}

func matchSelector(id common.Hash, data []byte) bool {
	return len(data) >= 4 && string(id[:4]) == string(data[:4])
}

// UserOperationEvent is emitted by handleOps once per executed operation;
// Success reports whether the operation's execution phase succeeded inside
// the bundle transaction.
type UserOperationEvent struct {
	UserOpHash    common.Hash
	Sender        common.Address
	Paymaster     common.Address
	Nonce         *big.Int
	Success       bool
	ActualGasCost *big.Int
	ActualGasUsed *big.Int
}

func UserOpEventTopic() common.Hash {
	return userOpEventTopic
}

// ParseUserOperationEvent decodes a UserOperationEvent from a receipt log,
// or returns (nil, nil) when the log is some other event.
func ParseUserOperationEvent(log *types.Log) (*UserOperationEvent, error) {
	if len(log.Topics) != 4 || log.Topics[0] != userOpEventTopic {
		return nil, nil
	}

	ep, err := entryPoint()
	if err != nil {
		return nil, err
	}

	var data struct {
		Nonce         *big.Int
		Success       bool
		ActualGasCost *big.Int
		ActualGasUsed *big.Int
	}
	if err := ep.UnpackIntoInterface(&data, "UserOperationEvent", log.Data); err != nil {
		return nil, fmt.Errorf("cannot unpack UserOperationEvent: %w", err)
	}

	return &UserOperationEvent{
		UserOpHash:    log.Topics[1],
		Sender:        common.BytesToAddress(log.Topics[2].Bytes()),
		Paymaster:     common.BytesToAddress(log.Topics[3].Bytes()),
		Nonce:         data.Nonce,
		Success:       data.Success,
		ActualGasCost: data.ActualGasCost,
		ActualGasUsed: data.ActualGasUsed,
	}, nil
}
