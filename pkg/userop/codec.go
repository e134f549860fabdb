package userop

import (
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// wireUserOperation is the JSON shape used by the eth_sendUserOperation
// convention: quantities are 0x hex strings, byte fields are 0x hex data.
type wireUserOperation struct {
	Sender               common.Address `json:"sender"`
	Nonce                *hexutil.Big   `json:"nonce"`
	InitCode             hexutil.Bytes  `json:"initCode"`
	CallData             hexutil.Bytes  `json:"callData"`
	CallGasLimit         *hexutil.Big   `json:"callGasLimit"`
	VerificationGasLimit *hexutil.Big   `json:"verificationGasLimit"`
	PreVerificationGas   *hexutil.Big   `json:"preVerificationGas"`
	MaxFeePerGas         *hexutil.Big   `json:"maxFeePerGas"`
	MaxPriorityFeePerGas *hexutil.Big   `json:"maxPriorityFeePerGas"`
	PaymasterAndData     hexutil.Bytes  `json:"paymasterAndData"`
	Signature            hexutil.Bytes  `json:"signature"`
}

func (op *UserOperation) MarshalJSON() ([]byte, error) {
	return json.Marshal(&wireUserOperation{
		Sender:               op.Sender,
		Nonce:                (*hexutil.Big)(op.Nonce),
		InitCode:             op.InitCode,
		CallData:             op.CallData,
		CallGasLimit:         (*hexutil.Big)(op.CallGasLimit),
		VerificationGasLimit: (*hexutil.Big)(op.VerificationGasLimit),
		PreVerificationGas:   (*hexutil.Big)(op.PreVerificationGas),
		MaxFeePerGas:         (*hexutil.Big)(op.MaxFeePerGas),
		MaxPriorityFeePerGas: (*hexutil.Big)(op.MaxPriorityFeePerGas),
		PaymasterAndData:     op.PaymasterAndData,
		Signature:            op.Signature,
	})
}

func (op *UserOperation) UnmarshalJSON(data []byte) error {
	var aux wireUserOperation
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	if aux.Nonce == nil || aux.CallGasLimit == nil || aux.VerificationGasLimit == nil ||
		aux.PreVerificationGas == nil || aux.MaxFeePerGas == nil || aux.MaxPriorityFeePerGas == nil {
		return fmt.Errorf("user operation is missing a required quantity field")
	}

	op.Sender = aux.Sender
	op.Nonce = aux.Nonce.ToInt()
	op.InitCode = aux.InitCode
	op.CallData = aux.CallData
	op.CallGasLimit = aux.CallGasLimit.ToInt()
	op.VerificationGasLimit = aux.VerificationGasLimit.ToInt()
	op.PreVerificationGas = aux.PreVerificationGas.ToInt()
	op.MaxFeePerGas = aux.MaxFeePerGas.ToInt()
	op.MaxPriorityFeePerGas = aux.MaxPriorityFeePerGas.ToInt()
	op.PaymasterAndData = aux.PaymasterAndData
	op.Signature = aux.Signature

	return nil
}
