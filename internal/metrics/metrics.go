// Package metrics centralizes the Prometheus instruments the indexer
// exposes. None of these participate in a correctness invariant; the
// process must behave identically with the registry swapped for a
// no-op one.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RPCInflight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "eth_indexer_rpc_inflight_requests",
		Help: "Upstream JSON-RPC calls currently in flight through the gateway.",
	})

	RPCQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "eth_indexer_rpc_queue_depth",
		Help: "Pending requests waiting on the gateway's FIFO queue.",
	})

	RPCRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "eth_indexer_rpc_retries_total",
		Help: "Requests re-queued after a rate-limit signal.",
	})

	RPCThrottleEngaged = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "eth_indexer_rpc_throttle_engaged",
		Help: "1 while the process-wide throttle gate is closed, 0 otherwise.",
	})

	BackfillBatchSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "eth_indexer_backfill_batch_size",
		Help: "Current adaptive batch size used by the backfill engine.",
	})

	BackfillCursorBlock = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "eth_indexer_backfill_cursor_block",
		Help: "Highest block durably recorded by the batch-sync cursor.",
	})

	BackfillBlocksBehind = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "eth_indexer_backfill_blocks_behind",
		Help: "head@startup minus the batch-sync cursor.",
	})

	TailerCursorBlock = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "eth_indexer_tailer_cursor_block",
		Help: "Block number of the most recent event processed by the live tailer.",
	})

	TailerEventsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "eth_indexer_tailer_events_total",
		Help: "Transfer events handed to the live sink.",
	})

	StoreEventsSaved = promauto.NewCounter(prometheus.CounterOpts{
		Name: "eth_indexer_store_events_saved_total",
		Help: "Rows inserted into the transfer_events table.",
	})

	StoreEventsIgnored = promauto.NewCounter(prometheus.CounterOpts{
		Name: "eth_indexer_store_events_ignored_total",
		Help: "Rows skipped because the (transactionHash, logIndex) key already existed.",
	})
)
