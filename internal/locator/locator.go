// Package locator finds the block at which a contract was created by
// binary-searching the point where its transaction count first goes
// positive. It seeds the batch-sync cursor when no start block is
// configured.
package locator

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog/log"
)

// txCounter is the subset of the gateway the locator needs. A narrow
// interface keeps this package testable without a live rpcgateway.Gateway.
type txCounter interface {
	BlockNumber(ctx context.Context) (uint64, error)
	CodeAt(ctx context.Context, addr common.Address, blockNumber *uint64) ([]byte, error)
	TransactionCountAt(ctx context.Context, addr common.Address, blockNumber uint64) (uint64, error)
}

// ErrContractNotFound is returned when the contract has no code at head.
var ErrContractNotFound = fmt.Errorf("locator: contract has no code at head")

// Locate finds the smallest block B such that the contract's tx count
// is positive at B and zero at B-1. lo defaults to 0 when floor is 0.
// If the binary search itself fails (a probe error, or no zero-to-positive
// transition inside [floor, head]) it falls back to fallbackStart (or 1
// if that is not positive) instead of returning an error. A failed head
// fetch or code preflight is returned as an error, and a contract with
// no code at head yields ErrContractNotFound.
func Locate(ctx context.Context, c txCounter, addr common.Address, floor uint64, fallbackStart uint64) (uint64, error) {
	head, err := c.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("locator: fetch head: %w", err)
	}

	code, err := c.CodeAt(ctx, addr, &head)
	if err != nil {
		return 0, fmt.Errorf("locator: preflight code check: %w", err)
	}
	if len(code) == 0 {
		return 0, ErrContractNotFound
	}

	found, ok := search(ctx, c, addr, floor, head)
	if ok {
		return found, nil
	}

	log.Warn().
		Str("contract", addr.Hex()).
		Uint64("head", head).
		Msg("locator: binary search did not pinpoint a creation block, falling back")

	if fallbackStart > 0 {
		return fallbackStart, nil
	}
	return 1, nil
}

func search(ctx context.Context, c txCounter, addr common.Address, lo, hi uint64) (uint64, bool) {
	for lo <= hi {
		mid := lo + (hi-lo)/2

		tcMid, err := c.TransactionCountAt(ctx, addr, mid)
		if err != nil {
			log.Warn().Err(err).Uint64("block", mid).Msg("locator: tx count probe failed")
			return 0, false
		}

		if tcMid == 0 {
			if mid == hi {
				return 0, false
			}
			lo = mid + 1
			continue
		}

		if mid == 0 {
			return 0, true
		}

		tcPrev, err := c.TransactionCountAt(ctx, addr, mid-1)
		if err != nil {
			log.Warn().Err(err).Uint64("block", mid-1).Msg("locator: tx count probe failed")
			return 0, false
		}
		if tcPrev == 0 {
			return mid, true
		}

		if mid == lo {
			return 0, false
		}
		hi = mid - 1
	}
	return 0, false
}
