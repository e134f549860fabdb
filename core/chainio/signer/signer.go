// Package signer is the only place the bundle EOA private key is used.
package signer

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// Signer signs bundle transactions for a single EOA.
type Signer interface {
	Address() common.Address
	SignTx(tx *types.Transaction) (*types.Transaction, error)
}

type localSigner struct {
	key     *ecdsa.PrivateKey
	address common.Address
	signer  types.Signer
}

// New wraps an in-memory ECDSA key. The chain id is bound at construction so
// a transaction can never be signed for the wrong network.
func New(key *ecdsa.PrivateKey, chainID *big.Int) Signer {
	return &localSigner{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
		signer:  types.LatestSignerForChainID(chainID),
	}
}

// FromPrivateKeyHex parses a hex private key, with or without 0x prefix.
func FromPrivateKeyHex(privateKeyHex string, chainID *big.Int) (Signer, error) {
	privateKeyHex = strings.TrimPrefix(privateKeyHex, "0x")
	key, err := crypto.HexToECDSA(privateKeyHex)
	if err != nil {
		return nil, fmt.Errorf("cannot parse private key: %w", err)
	}
	return New(key, chainID), nil
}

func (s *localSigner) Address() common.Address {
	return s.address
}

func (s *localSigner) SignTx(tx *types.Transaction) (*types.Transaction, error) {
	return types.SignTx(tx, s.signer, s.key)
}
