package rpcgateway

import (
	"context"
	"errors"
	"math/big"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
)

// BlockNumber fetches the upstream's current head (eth_blockNumber).
func (g *Gateway) BlockNumber(ctx context.Context) (uint64, error) {
	var result hexutil.Uint64
	if err := g.CallInto(ctx, &result, "eth_blockNumber"); err != nil {
		return 0, err
	}
	return uint64(result), nil
}

// CodeAt fetches the bytecode at addr as of blockNumber (eth_getCode).
// A nil blockNumber means "latest".
func (g *Gateway) CodeAt(ctx context.Context, addr common.Address, blockNumber *uint64) ([]byte, error) {
	var result hexutil.Bytes
	if err := g.CallInto(ctx, &result, "eth_getCode", addr, blockTag(blockNumber)); err != nil {
		return nil, err
	}
	return result, nil
}

// TransactionCountAt fetches addr's transaction count as of blockNumber
// (eth_getTransactionCount) — this is what the creation-block locator
// binary-searches on.
func (g *Gateway) TransactionCountAt(ctx context.Context, addr common.Address, blockNumber uint64) (uint64, error) {
	var result hexutil.Uint64
	n := blockNumber
	if err := g.CallInto(ctx, &result, "eth_getTransactionCount", addr, blockTag(&n)); err != nil {
		return 0, err
	}
	return uint64(result), nil
}

// GetLogs fetches logs matching q (eth_getLogs).
func (g *Gateway) GetLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	arg, err := toFilterArg(q)
	if err != nil {
		return nil, err
	}
	var result []types.Log
	if err := g.CallInto(ctx, &result, "eth_getLogs", arg); err != nil {
		return nil, err
	}
	return result, nil
}

// HeaderByNumber fetches a block header (eth_getBlockByNumber, fullTx
// = false) — used to recover a log's block timestamp.
func (g *Gateway) HeaderByNumber(ctx context.Context, blockNumber uint64) (*types.Header, error) {
	var head *types.Header
	n := blockNumber
	if err := g.CallInto(ctx, &head, "eth_getBlockByNumber", blockTag(&n), false); err != nil {
		return nil, err
	}
	if head == nil {
		return nil, errors.New("rpcgateway: block not found")
	}
	return head, nil
}

func blockTag(blockNumber *uint64) string {
	if blockNumber == nil {
		return "latest"
	}
	return hexutil.EncodeUint64(*blockNumber)
}

// toFilterArg mirrors go-ethereum's ethclient filter encoding so that
// eth_getLogs requests issued through the gateway are wire-compatible
// with the same node that a direct ethclient.FilterLogs call would hit.
func toFilterArg(q ethereum.FilterQuery) (map[string]interface{}, error) {
	arg := map[string]interface{}{
		"address": q.Addresses,
		"topics":  q.Topics,
	}
	if q.BlockHash != nil {
		arg["blockHash"] = *q.BlockHash
		if q.FromBlock != nil || q.ToBlock != nil {
			return nil, errors.New("rpcgateway: cannot specify both BlockHash and FromBlock/ToBlock")
		}
	} else {
		if q.FromBlock == nil {
			arg["fromBlock"] = "0x0"
		} else {
			arg["fromBlock"] = toBlockNumArg(q.FromBlock)
		}
		arg["toBlock"] = toBlockNumArg(q.ToBlock)
	}
	return arg, nil
}

func toBlockNumArg(number *big.Int) string {
	if number == nil {
		return "latest"
	}
	return hexutil.EncodeBig(number)
}
