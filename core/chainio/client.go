// Package chainio is the bundler's boundary to the blockchain node. All
// reads and writes the pipeline needs (simulate calls, base fee, nonces,
// transaction submission, receipts) go through the Client interface so the
// pipeline itself never touches a raw RPC connection.
package chainio

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
)

// Client is the read/write chain surface consumed by the simulator, builder
// and submitter.
type Client interface {
	ChainID() *big.Int
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)

	// CallContract performs a read-only call pinned to the given block. A
	// contract revert is returned as-is; use RevertData to extract the
	// revert payload.
	CallContract(ctx context.Context, msg ethereum.CallMsg, block *big.Int) ([]byte, error)

	// TraceCall runs debug_traceCall with a named tracer and returns the raw
	// tracer output.
	TraceCall(ctx context.Context, msg ethereum.CallMsg, block *big.Int, tracer string) (json.RawMessage, error)

	// EstimateGas asks the node for a gas estimate of the call against the
	// pending state.
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)

	NonceAt(ctx context.Context, account common.Address, block *big.Int) (uint64, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)

	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)

	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
}

const (
	rpcRetries      = 3
	rpcRetryBackoff = 250 * time.Millisecond
)

type ethClient struct {
	eth     *ethclient.Client
	rpc     *rpc.Client
	chainID *big.Int
}

// Dial connects to the node and caches its chain id.
func Dial(ctx context.Context, url string) (Client, error) {
	rpcClient, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, chainErr(err)
	}

	eth := ethclient.NewClient(rpcClient)
	chainID, err := eth.ChainID(ctx)
	if err != nil {
		rpcClient.Close()
		return nil, chainErr(err)
	}

	return &ethClient{eth: eth, rpc: rpcClient, chainID: chainID}, nil
}

func (c *ethClient) ChainID() *big.Int {
	return new(big.Int).Set(c.chainID)
}

// retry runs fn up to rpcRetries times with linear backoff. Used only for
// calls whose failure can never carry a verdict (reads of chain metadata).
func retry[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	var out T
	var err error

	for i := 0; i < rpcRetries; i++ {
		out, err = fn()
		if err == nil {
			return out, nil
		}

		select {
		case <-ctx.Done():
			return out, chainErr(ctx.Err())
		case <-time.After(rpcRetryBackoff * time.Duration(i+1)):
		}
	}

	return out, chainErr(err)
}

func (c *ethClient) BlockNumber(ctx context.Context) (uint64, error) {
	return retry(ctx, func() (uint64, error) {
		return c.eth.BlockNumber(ctx)
	})
}

func (c *ethClient) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	return retry(ctx, func() (*types.Header, error) {
		return c.eth.HeaderByNumber(ctx, number)
	})
}

func (c *ethClient) CallContract(ctx context.Context, msg ethereum.CallMsg, block *big.Int) ([]byte, error) {
	// No retry wrapper here: an error may be a contract revert carrying the
	// simulation verdict, which must reach the caller untouched.
	return c.eth.CallContract(ctx, msg, block)
}

func (c *ethClient) TraceCall(ctx context.Context, msg ethereum.CallMsg, block *big.Int, tracer string) (json.RawMessage, error) {
	args := map[string]interface{}{
		"from": msg.From,
		"to":   msg.To,
		"data": hexutil.Encode(msg.Data),
	}
	if msg.Gas > 0 {
		args["gas"] = hexutil.Uint64(msg.Gas)
	}

	blockRef := "latest"
	if block != nil {
		blockRef = hexutil.EncodeBig(block)
	}

	var out json.RawMessage
	err := c.rpc.CallContext(ctx, &out, "debug_traceCall", args, blockRef, map[string]interface{}{
		"tracer": tracer,
	})
	if err != nil {
		return nil, chainErr(err)
	}
	return out, nil
}

func (c *ethClient) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	// No retry: like CallContract, the error may carry an execution revert.
	return c.eth.EstimateGas(ctx, msg)
}

func (c *ethClient) NonceAt(ctx context.Context, account common.Address, block *big.Int) (uint64, error) {
	return retry(ctx, func() (uint64, error) {
		return c.eth.NonceAt(ctx, account, block)
	})
}

func (c *ethClient) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return retry(ctx, func() (uint64, error) {
		return c.eth.PendingNonceAt(ctx, account)
	})
}

func (c *ethClient) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	// Not retried: a resend after an ambiguous failure could double-submit.
	// The submitter's polling loop handles the unknown-fate case.
	if err := c.eth.SendTransaction(ctx, tx); err != nil {
		return err
	}
	return nil
}

func (c *ethClient) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	return c.eth.TransactionReceipt(ctx, txHash)
}

func (c *ethClient) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	return retry(ctx, func() (*big.Int, error) {
		return c.eth.SuggestGasTipCap(ctx)
	})
}

// RevertData extracts the ABI-encoded revert payload from an eth_call error,
// when the node attached one.
func RevertData(err error) ([]byte, bool) {
	var de rpc.DataError
	if !errors.As(err, &de) {
		return nil, false
	}

	hexStr, ok := de.ErrorData().(string)
	if !ok {
		return nil, false
	}

	data, decodeErr := hexutil.Decode(hexStr)
	if decodeErr != nil {
		return nil, false
	}
	return data, true
}
