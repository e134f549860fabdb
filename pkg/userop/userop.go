// Package userop defines the ERC-4337 UserOperation as fixed by the
// EntryPoint v0.6 contract, along with its canonical ABI packing and hash.
package userop

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// UserOperation represents an EIP-4337 style transaction for a smart contract
// account. The struct layout follows the EntryPoint v0.6 ABI; once admitted to
// the pool an operation is never mutated.
type UserOperation struct {
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

// EntityRole is the role an address plays for an operation. Entities, not
// individual operations, are the unit of reputation and throttling.
type EntityRole string

const (
	RoleSender     EntityRole = "sender"
	RoleFactory    EntityRole = "factory"
	RolePaymaster  EntityRole = "paymaster"
	RoleAggregator EntityRole = "aggregator"
)

type Entity struct {
	Role    EntityRole
	Address common.Address
}

// Factory returns the account factory address when the operation carries
// initCode, or the zero address otherwise.
func (op *UserOperation) Factory() common.Address {
	if len(op.InitCode) < common.AddressLength {
		return common.Address{}
	}
	return common.BytesToAddress(op.InitCode[:common.AddressLength])
}

// Paymaster returns the paymaster address when the operation is sponsored, or
// the zero address otherwise.
func (op *UserOperation) Paymaster() common.Address {
	if len(op.PaymasterAndData) < common.AddressLength {
		return common.Address{}
	}
	return common.BytesToAddress(op.PaymasterAndData[:common.AddressLength])
}

// Entities returns every address this operation touches for reputation
// purposes: the sender always, plus factory and paymaster when present.
func (op *UserOperation) Entities() []Entity {
	entities := []Entity{{Role: RoleSender, Address: op.Sender}}

	if factory := op.Factory(); factory != (common.Address{}) {
		entities = append(entities, Entity{Role: RoleFactory, Address: factory})
	}
	if paymaster := op.Paymaster(); paymaster != (common.Address{}) {
		entities = append(entities, Entity{Role: RolePaymaster, Address: paymaster})
	}

	return entities
}

// EffectivePriorityFee is the portion of the fee that accrues to the bundler
// at the given base fee: min(maxPriorityFeePerGas, maxFeePerGas - baseFee),
// floored at zero. With a nil base fee (pre-1559 chain) the declared priority
// fee is used as-is.
func (op *UserOperation) EffectivePriorityFee(baseFee *big.Int) *big.Int {
	if baseFee == nil {
		return new(big.Int).Set(op.MaxPriorityFeePerGas)
	}

	headroom := new(big.Int).Sub(op.MaxFeePerGas, baseFee)
	if headroom.Sign() < 0 {
		return big.NewInt(0)
	}
	if headroom.Cmp(op.MaxPriorityFeePerGas) < 0 {
		return headroom
	}
	return new(big.Int).Set(op.MaxPriorityFeePerGas)
}

// MaxGas is the total gas the operation can consume on-chain, used when
// packing operations against a bundle gas budget.
func (op *UserOperation) MaxGas() *big.Int {
	total := new(big.Int).Add(op.PreVerificationGas, op.VerificationGasLimit)
	return total.Add(total, op.CallGasLimit)
}

// RequiredPrefund is the deposit the EntryPoint charges up front for this
// operation. The verification gas limit is multiplied by 3 for sponsored
// operations because the paymaster's validation and postOp run inside it.
func (op *UserOperation) RequiredPrefund() *big.Int {
	mul := big.NewInt(1)
	if len(op.PaymasterAndData) > 0 {
		mul = big.NewInt(3)
	}

	requiredGas := new(big.Int).Mul(op.VerificationGasLimit, mul)
	requiredGas.Add(requiredGas, op.CallGasLimit)
	requiredGas.Add(requiredGas, op.PreVerificationGas)

	return requiredGas.Mul(requiredGas, op.MaxFeePerGas)
}
