package tailer

import (
	"context"
	"errors"
	"math/big"
	"path/filepath"
	"sync"
	"testing"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emmick4/eth-event-indexer/internal/erc20"
	"github.com/emmick4/eth-event-indexer/internal/store"
)

var contract = common.HexToAddress("0x3333333333333333333333333333333333333333")

type fakeSub struct {
	errCh chan error
}

func (f *fakeSub) Unsubscribe() {}
func (f *fakeSub) Err() <-chan error { return f.errCh }

type fakeClient struct {
	ch chan<- types.Log
}

func (f *fakeClient) SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error) {
	f.ch = ch
	return &fakeSub{errCh: make(chan error)}, nil
}

type fakeHeaders struct{}

func (fakeHeaders) HeaderByNumber(ctx context.Context, blockNumber uint64) (*types.Header, error) {
	return &types.Header{Number: new(big.Int).SetUint64(blockNumber), Time: 1_700_000_000 + blockNumber}, nil
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func transferLog(blockNumber uint64, logIndex uint) types.Log {
	data := make([]byte, 32)
	data[31] = 42
	return types.Log{
		Address: contract,
		Topics: []common.Hash{
			erc20.TransferTopic(),
			common.BytesToHash(common.HexToAddress("0xaaaa").Bytes()),
			common.BytesToHash(common.HexToAddress("0xbbbb").Bytes()),
		},
		Data:        data,
		BlockNumber: blockNumber,
		TxHash:      common.HexToHash("0xdeadbeef"),
		Index:       logIndex,
	}
}

func TestSubscribe_ProcessesLogAndAdvancesCursor(t *testing.T) {
	st := newTestStore(t)
	client := &fakeClient{}
	tl := New(client, fakeHeaders{}, st, contract)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	var sinkEvents []store.TransferEvent
	var mu sync.Mutex

	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = tl.Subscribe(ctx, func(e store.TransferEvent) error {
			mu.Lock()
			sinkEvents = append(sinkEvents, e)
			mu.Unlock()
			return nil
		})
	}()

	// Wait for the subscription to register before publishing.
	require.Eventually(t, func() bool { return client.ch != nil }, time.Second, time.Millisecond)
	client.ch <- transferLog(100, 0)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(sinkEvents) == 1
	}, time.Second, time.Millisecond)

	cancel()
	wg.Wait()

	cursor, ok, err := st.GetCursor(context.Background(), store.CursorRealtimeSync)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(100), cursor)
}

func TestSubscribe_OutOfOrderArrivalStaysMonotonic(t *testing.T) {
	st := newTestStore(t)
	client := &fakeClient{}
	tl := New(client, fakeHeaders{}, st, contract)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = tl.Subscribe(ctx, func(store.TransferEvent) error { return nil })
	}()

	require.Eventually(t, func() bool { return client.ch != nil }, time.Second, time.Millisecond)
	client.ch <- transferLog(200, 0)
	require.Eventually(t, func() bool {
		c, ok, _ := st.GetCursor(context.Background(), store.CursorRealtimeSync)
		return ok && c == 200
	}, time.Second, time.Millisecond)

	client.ch <- transferLog(150, 1) // arrives "late" relative to block order
	require.Eventually(t, func() bool {
		paged, _ := st.GetEvents(context.Background(), store.EventFilter{Page: 1, PageSize: 10})
		return paged.TotalCount == 2
	}, time.Second, time.Millisecond)

	cancel()
	wg.Wait()

	cursor, ok, err := st.GetCursor(context.Background(), store.CursorRealtimeSync)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(200), cursor, "cursor must never move backward on an out-of-order arrival")
}

func TestSubscribe_SubscriptionErrorPropagates(t *testing.T) {
	st := newTestStore(t)
	sentinel := errors.New("connection reset")
	client := &errSubscribeClient{err: sentinel}
	tl := New(client, fakeHeaders{}, st, contract)

	err := tl.Subscribe(context.Background(), func(store.TransferEvent) error { return nil })
	require.Error(t, err)
}

type errSubscribeClient struct{ err error }

func (e *errSubscribeClient) SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error) {
	return nil, e.err
}
