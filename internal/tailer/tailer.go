// Package tailer keeps the event store current alongside the backfill
// engine: it holds a live subscription on the contract's Transfer topic
// and streams newly mined events to a sink as they arrive. The subscription itself bypasses the RPC gateway — it is a
// long-lived streaming primitive, not a request/response call that
// benefits from queuing or retry.
package tailer

import (
	"context"
	"fmt"
	"strings"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog/log"

	"github.com/emmick4/eth-event-indexer/internal/erc20"
	"github.com/emmick4/eth-event-indexer/internal/metrics"
	"github.com/emmick4/eth-event-indexer/internal/store"
)

// logSubscriber is the subset of ethclient.Client the tailer needs.
type logSubscriber interface {
	SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error)
}

// headerFetcher is the subset of rpcgateway.Gateway used to recover a
// log's block timestamp — this does go through the gateway, since it's
// an ordinary request/response call.
type headerFetcher interface {
	HeaderByNumber(ctx context.Context, blockNumber uint64) (*types.Header, error)
}

// Sink receives normalized events as they're tailed. Delivery is
// one-way: a returned error is logged, never propagated upstream.
type Sink func(store.TransferEvent) error

// Tailer is the live-ingestion component (C5).
type Tailer struct {
	client   logSubscriber
	headers  headerFetcher
	store    *store.Store
	contract common.Address
}

// New constructs a Tailer.
func New(client logSubscriber, headers headerFetcher, st *store.Store, contract common.Address) *Tailer {
	return &Tailer{client: client, headers: headers, store: st, contract: contract}
}

// Subscribe registers the upstream subscription and processes logs
// until ctx is canceled or the subscription errors out.
func (t *Tailer) Subscribe(ctx context.Context, sink Sink) error {
	logsCh := make(chan types.Log, 256)
	sub, err := t.client.SubscribeFilterLogs(ctx, ethereum.FilterQuery{
		Addresses: []common.Address{t.contract},
		Topics:    [][]common.Hash{{erc20.TransferTopic()}},
	}, logsCh)
	if err != nil {
		return fmt.Errorf("tailer: subscribe: %w", err)
	}
	defer sub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-sub.Err():
			if err != nil {
				return fmt.Errorf("tailer: subscription error: %w", err)
			}
			return nil

		case lg := <-logsCh:
			t.process(ctx, lg, sink)
		}
	}
}

// process handles a single log per §4.5: steps 1-4 are logged and the
// event dropped on error; the subscription always continues.
func (t *Tailer) process(ctx context.Context, lg types.Log, sink Sink) {
	if len(lg.Topics) < 3 {
		log.Warn().Str("tx", lg.TxHash.Hex()).Msg("tailer: log missing indexed topics, dropping")
		return
	}

	head, err := t.headers.HeaderByNumber(ctx, lg.BlockNumber)
	if err != nil {
		log.Error().Err(err).Uint64("block", lg.BlockNumber).Msg("tailer: header fetch failed, dropping event")
		return
	}

	value, err := erc20.DecodeValue(lg.Data)
	if err != nil {
		log.Error().Err(err).Str("tx", lg.TxHash.Hex()).Msg("tailer: value decode failed, dropping event")
		return
	}

	event := store.TransferEvent{
		TransactionHash: lg.TxHash.Hex(),
		LogIndex:        lg.Index,
		BlockNumber:     lg.BlockNumber,
		Timestamp:       int64(head.Time),
		From:            strings.ToLower(erc20.FromAddress(lg.Topics).Hex()),
		To:              strings.ToLower(erc20.ToAddress(lg.Topics).Hex()),
		Value:           value.String(),
	}

	if _, _, err := t.store.SaveEvents(ctx, []store.TransferEvent{event}); err != nil {
		log.Error().Err(err).Str("tx", event.TransactionHash).Msg("tailer: save failed, dropping event")
		return
	}
	if err := t.store.AdvanceCursor(ctx, store.CursorRealtimeSync, event.BlockNumber); err != nil {
		log.Error().Err(err).Uint64("block", event.BlockNumber).Msg("tailer: cursor advance failed")
	}
	metrics.TailerCursorBlock.Set(float64(event.BlockNumber))
	metrics.TailerEventsTotal.Inc()

	if err := sink(event); err != nil {
		log.Warn().Err(err).Str("tx", event.TransactionHash).Msg("tailer: sink delivery failed")
	}
}
