package userop

import (
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	address, _ = abi.NewType("address", "", nil)
	uint256, _ = abi.NewType("uint256", "", nil)
	bytes32, _ = abi.NewType("bytes32", "", nil)

	// Field order is fixed by the EntryPoint v0.6 contract and must be
	// reproduced bit-exact for interoperability with wallets and other
	// bundlers. Dynamic fields enter the encoding as their keccak hash.
	packArguments = abi.Arguments{
		{Name: "sender", Type: address},
		{Name: "nonce", Type: uint256},
		{Name: "hashInitCode", Type: bytes32},
		{Name: "hashCallData", Type: bytes32},
		{Name: "callGasLimit", Type: uint256},
		{Name: "verificationGasLimit", Type: uint256},
		{Name: "preVerificationGas", Type: uint256},
		{Name: "maxFeePerGas", Type: uint256},
		{Name: "maxPriorityFeePerGas", Type: uint256},
		{Name: "hashPaymasterAndData", Type: bytes32},
	}

	hashArguments = abi.Arguments{
		{Name: "packHash", Type: bytes32},
		{Name: "entryPoint", Type: address},
		{Name: "chainId", Type: uint256},
	}
)

// PackForSignature ABI-encodes the operation the way the EntryPoint does
// before hashing: static fields in declaration order, dynamic byte fields
// replaced by their keccak256 digest.
func (op *UserOperation) PackForSignature() []byte {
	packed, err := packArguments.Pack(
		op.Sender,
		op.Nonce,
		crypto.Keccak256Hash(op.InitCode),
		crypto.Keccak256Hash(op.CallData),
		op.CallGasLimit,
		op.VerificationGasLimit,
		op.PreVerificationGas,
		op.MaxFeePerGas,
		op.MaxPriorityFeePerGas,
		crypto.Keccak256Hash(op.PaymasterAndData),
	)
	if err != nil {
		// All inputs are fixed-shape values; Pack only fails on a type
		// mismatch, which would be a programming error.
		panic(err)
	}
	return packed
}

// Hash computes the canonical userOpHash:
// keccak256(abi.encode(keccak256(pack(op)), entryPoint, chainID)).
// It uniquely identifies the operation inside the pool.
func (op *UserOperation) Hash(entryPoint common.Address, chainID *big.Int) common.Hash {
	packed, err := hashArguments.Pack(
		crypto.Keccak256Hash(op.PackForSignature()),
		entryPoint,
		chainID,
	)
	if err != nil {
		panic(err)
	}
	return crypto.Keccak256Hash(packed)
}
