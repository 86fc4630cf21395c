package backfill

import (
	"context"
	"errors"
	"math/big"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emmick4/eth-event-indexer/internal/erc20"
	"github.com/emmick4/eth-event-indexer/internal/store"
)

var contract = common.HexToAddress("0x2222222222222222222222222222222222222222")

type fakeGateway struct {
	head        uint64
	logsByRange map[[2]uint64][]types.Log
	rateLimitN  int32 // first N GetLogs calls return a rate-limit error
	calls       int32
}

func (f *fakeGateway) BlockNumber(ctx context.Context) (uint64, error) { return f.head, nil }

func (f *fakeGateway) CodeAt(ctx context.Context, addr common.Address, blockNumber *uint64) ([]byte, error) {
	return []byte{0x60}, nil
}

func (f *fakeGateway) TransactionCountAt(ctx context.Context, addr common.Address, blockNumber uint64) (uint64, error) {
	return 1, nil
}

func (f *fakeGateway) GetLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	n := atomic.AddInt32(&f.calls, 1)
	if int(n) <= int(f.rateLimitN) {
		return nil, errRateLimited
	}
	key := [2]uint64{q.FromBlock.Uint64(), q.ToBlock.Uint64()}
	return f.logsByRange[key], nil
}

func (f *fakeGateway) HeaderByNumber(ctx context.Context, blockNumber uint64) (*types.Header, error) {
	return &types.Header{Number: new(big.Int).SetUint64(blockNumber), Time: 1_700_000_000 + blockNumber}, nil
}

var errRateLimited = errors.New("429 Too Many Requests")

func isRateLimited(err error) bool {
	return err != nil && err.Error() == errRateLimited.Error()
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		st.Close()
		os.Remove(filepath.Join(dir, "test.db"))
	})
	return st
}

func transferLog(blockNumber uint64, logIndex uint, from, to common.Address, value int64) types.Log {
	data := make([]byte, 32)
	data[31] = byte(value)
	return types.Log{
		Address:     contract,
		Topics:      []common.Hash{erc20.TransferTopic(), common.BytesToHash(from.Bytes()), common.BytesToHash(to.Bytes())},
		Data:        data,
		BlockNumber: blockNumber,
		TxHash:      common.HexToHash("0xabc"),
		Index:       logIndex,
	}
}

func TestRun_FreshStartUsesConfiguredStartAndCompletesRange(t *testing.T) {
	st := newTestStore(t)
	from := common.HexToAddress("0x1")
	to := common.HexToAddress("0x2")

	gw := &fakeGateway{
		head: 30,
		logsByRange: map[[2]uint64][]types.Log{
			{10, 30}: {transferLog(15, 0, from, to, 100)},
		},
	}

	e := New(gw, st, contract, 10, 0, isRateLimited)
	err := e.Run(context.Background(), 100)
	require.NoError(t, err)

	cursor, ok, err := st.GetCursor(context.Background(), store.CursorBatchSync)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(30), cursor)

	paged, err := st.GetEvents(context.Background(), store.EventFilter{Page: 1, PageSize: 10})
	require.NoError(t, err)
	assert.Equal(t, 1, paged.TotalCount)
}

func TestRun_ResumesFromExistingCursor(t *testing.T) {
	st := newTestStore(t)
	_, err := st.CreateCursor(context.Background(), store.CursorBatchSync, 49)
	require.NoError(t, err)

	gw := &fakeGateway{
		head:        60,
		logsByRange: map[[2]uint64][]types.Log{{50, 60}: {}},
	}

	e := New(gw, st, contract, 10, 0, isRateLimited)
	err = e.Run(context.Background(), 100)
	require.NoError(t, err)

	cursor, ok, err := st.GetCursor(context.Background(), store.CursorBatchSync)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(60), cursor)
}

func TestRun_SecondConcurrentRunShortCircuits(t *testing.T) {
	st := newTestStore(t)
	gw := &fakeGateway{head: 5, logsByRange: map[[2]uint64][]types.Log{{1, 5}: {}}}
	e := New(gw, st, contract, 1, 0, isRateLimited)

	atomic.StoreInt32(&e.running, 1)
	err := e.Run(context.Background(), 10)
	require.NoError(t, err)

	cursor, ok, _ := st.GetCursor(context.Background(), store.CursorBatchSync)
	assert.False(t, ok)
	assert.Equal(t, uint64(0), cursor)
}
