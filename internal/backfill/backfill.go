// Package backfill drives the historical sync: it walks the contract's
// Transfer logs from a resumable cursor up to the head observed at
// startup, in adaptively-sized batches, and stops once it catches up.
package backfill

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync/atomic"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog/log"

	"github.com/emmick4/eth-event-indexer/internal/erc20"
	"github.com/emmick4/eth-event-indexer/internal/locator"
	"github.com/emmick4/eth-event-indexer/internal/metrics"
	"github.com/emmick4/eth-event-indexer/internal/store"
)

const (
	minBatch = 10

	successStreakToGrow  = 5
	maxFailureDelay      = 60 * time.Second
	maxFloorFailureDelay = 300 * time.Second
)

// gateway is the subset of rpcgateway.Gateway the engine depends on.
type gateway interface {
	BlockNumber(ctx context.Context) (uint64, error)
	CodeAt(ctx context.Context, addr common.Address, blockNumber *uint64) ([]byte, error)
	TransactionCountAt(ctx context.Context, addr common.Address, blockNumber uint64) (uint64, error)
	GetLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	HeaderByNumber(ctx context.Context, blockNumber uint64) (*types.Header, error)
}

// RateLimitPredicate classifies an error as rate-limiting so the engine
// can distinguish "slow down" from "this range is broken."
type RateLimitPredicate func(error) bool

// Engine is the backfill/historical-sync component (C4).
type Engine struct {
	gw       gateway
	store    *store.Store
	contract common.Address

	configuredStart uint64
	locatorFloor    uint64
	isRateLimited   RateLimitPredicate

	running int32 // atomic re-entrancy guard
}

// New constructs a backfill Engine. configuredStart of 0 means "no
// configured start" — the engine falls back to the creation-block
// locator.
func New(gw gateway, st *store.Store, contract common.Address, configuredStart, locatorFloor uint64, isRateLimited RateLimitPredicate) *Engine {
	return &Engine{
		gw:              gw,
		store:           st,
		contract:        contract,
		configuredStart: configuredStart,
		locatorFloor:    locatorFloor,
		isRateLimited:   isRateLimited,
	}
}

// Run walks [start, head@startup] to exhaustion then returns. A second
// concurrent call short-circuits immediately: only one run may be in
// flight at a time.
func (e *Engine) Run(ctx context.Context, initialBatchSize int) error {
	if !atomic.CompareAndSwapInt32(&e.running, 0, 1) {
		log.Warn().Msg("backfill: run already in progress, skipping")
		return nil
	}
	defer atomic.StoreInt32(&e.running, 0)

	start, err := e.resolveStart(ctx)
	if err != nil {
		return fmt.Errorf("backfill: resolve start: %w", err)
	}

	head, err := e.gw.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("backfill: fetch head: %w", err)
	}

	curBatch := initialBatchSize
	if curBatch < minBatch {
		curBatch = minBatch
	}
	successStreak, failureStreak := 0, 0

	metrics.BackfillCursorBlock.Set(float64(start))
	metrics.BackfillBatchSize.Set(float64(curBatch))

	from := start
	for from <= head {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		to := from + uint64(curBatch) - 1
		if to > head {
			to = head
		}

		events, err := e.fetchRange(ctx, from, to)
		if err != nil {
			if e.isRateLimited != nil && e.isRateLimited(err) {
				failureStreak++
				successStreak = 0
				if curBatch > minBatch {
					curBatch = curBatch / 2
					if curBatch < minBatch {
						curBatch = minBatch
					}
					sleepFor(ctx, capDelay(time.Second*time.Duration(pow2(failureStreak)), maxFailureDelay))
				} else {
					sleepFor(ctx, capDelay(5*time.Second*time.Duration(pow2(failureStreak)), maxFloorFailureDelay))
				}
				metrics.BackfillBatchSize.Set(float64(curBatch))
				continue // retry from the same block with the current batch size
			}

			log.Error().Err(err).Uint64("from", from).Uint64("to", to).
				Msg("backfill: non-rate-limit failure, skipping range")
			from = to + 1
			continue
		}

		if _, _, err := e.store.SaveEvents(ctx, events); err != nil {
			log.Error().Err(err).Uint64("from", from).Uint64("to", to).Msg("backfill: save failed")
			from = to + 1
			continue
		}
		if err := e.store.AdvanceCursor(ctx, store.CursorBatchSync, to); err != nil {
			log.Error().Err(err).Uint64("to", to).Msg("backfill: cursor advance failed")
		}
		metrics.BackfillCursorBlock.Set(float64(to))
		metrics.BackfillBlocksBehind.Set(float64(head - to))

		successStreak++
		failureStreak = 0
		if successStreak >= successStreakToGrow && curBatch < initialBatchSize {
			curBatch *= 2
			if curBatch > initialBatchSize {
				curBatch = initialBatchSize
			}
			successStreak = 0
			metrics.BackfillBatchSize.Set(float64(curBatch))
		}

		from = to + 1
	}

	return nil
}

// resolveStart reads the batch-sync cursor, or determines a fresh
// start from the configured block / creation-block locator and seeds
// the cursor one block behind it.
func (e *Engine) resolveStart(ctx context.Context) (uint64, error) {
	if cursor, ok, err := e.store.GetCursor(ctx, store.CursorBatchSync); err != nil {
		return 0, err
	} else if ok {
		return cursor + 1, nil
	}

	start := e.configuredStart
	if start == 0 {
		located, err := locator.Locate(ctx, e.gw, e.contract, e.locatorFloor, e.configuredStart)
		if err != nil {
			return 0, err
		}
		start = located
	}

	seed := uint64(0)
	if start > 0 {
		seed = start - 1
	}
	if _, err := e.store.CreateCursor(ctx, store.CursorBatchSync, seed); err != nil {
		return 0, err
	}
	return start, nil
}

func (e *Engine) fetchRange(ctx context.Context, from, to uint64) ([]store.TransferEvent, error) {
	fromB := new(big.Int).SetUint64(from)
	toB := new(big.Int).SetUint64(to)
	logs, err := e.gw.GetLogs(ctx, ethereum.FilterQuery{
		FromBlock: fromB,
		ToBlock:   toB,
		Addresses: []common.Address{e.contract},
		Topics:    [][]common.Hash{{erc20.TransferTopic()}},
	})
	if err != nil {
		return nil, err
	}

	headers := map[uint64]int64{}
	events := make([]store.TransferEvent, 0, len(logs))
	for _, lg := range logs {
		ts, ok := headers[lg.BlockNumber]
		if !ok {
			head, err := e.gw.HeaderByNumber(ctx, lg.BlockNumber)
			if err != nil {
				return nil, err
			}
			ts = int64(head.Time)
			headers[lg.BlockNumber] = ts
		}

		if len(lg.Topics) < 3 {
			continue
		}
		value, err := erc20.DecodeValue(lg.Data)
		if err != nil {
			log.Warn().Err(err).Str("tx", lg.TxHash.Hex()).Msg("backfill: skipping undecodable log")
			continue
		}

		events = append(events, store.TransferEvent{
			TransactionHash: lg.TxHash.Hex(),
			LogIndex:        lg.Index,
			BlockNumber:     lg.BlockNumber,
			Timestamp:       ts,
			From:            strings.ToLower(erc20.FromAddress(lg.Topics).Hex()),
			To:              strings.ToLower(erc20.ToAddress(lg.Topics).Hex()),
			Value:           value.String(),
		})
	}
	return events, nil
}

func pow2(n int) int64 {
	if n > 20 {
		n = 20 // guards against an absurd shift; delay is capped anyway
	}
	return int64(1) << uint(n)
}

func capDelay(d, max time.Duration) time.Duration {
	if d > max {
		return max
	}
	return d
}

func sleepFor(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
