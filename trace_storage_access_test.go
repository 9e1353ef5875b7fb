package slottrace

import (
	"context"
	"math/big"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethstorage/slottrace/cache"
	"github.com/ethstorage/slottrace/layout"
	"github.com/ethstorage/slottrace/slotcodec"
	"github.com/ethstorage/slottrace/trace"
	"github.com/stretchr/testify/require"
)

const simpleLayoutJSON = `
{
  "storage": [
    {"label": "balances", "offset": 0, "slot": "0", "type": "t_mapping(t_address,t_uint256)"}
  ],
  "types": {
    "t_address": {"encoding": "inplace", "label": "address", "numberOfBytes": "20"},
    "t_uint256": {"encoding": "inplace", "label": "uint256", "numberOfBytes": "32"},
    "t_mapping(t_address,t_uint256)": {
      "encoding": "mapping", "label": "mapping(address => uint256)", "numberOfBytes": "32",
      "key": "t_address", "value": "t_uint256"
    }
  }
}`

// fakeOracle is a canned ExecutionOracle: one account, one slot, one word
// transition. blockHead is atomic since WatchStorage polls it from its own
// goroutine while a test may bump it from the main one.
type fakeOracle struct {
	account   common.Address
	slot      common.Hash
	pre       common.Hash
	post      common.Hash
	blockHead atomic.Uint64
	replay    []TraceInput
}

func (f *fakeOracle) Simulate(ctx context.Context, in TraceInput) (SimulationResult, error) {
	return SimulationResult{
		AccessList: []AccountAccess{{Address: f.account, Slots: []common.Hash{f.slot}}},
	}, nil
}

func (f *fakeOracle) StorageAt(ctx context.Context, account common.Address, slot common.Hash, at AtPoint) (common.Hash, error) {
	if at == AtPre {
		return f.pre, nil
	}
	return f.post, nil
}

func (f *fakeOracle) Intrinsics(ctx context.Context, account common.Address, at AtPoint) (Intrinsics, error) {
	return Intrinsics{Nonce: 1, Balance: big.NewInt(0), CodeHash: common.HexToHash("0xc0de")}, nil
}

func (f *fakeOracle) LatestBlock(ctx context.Context) (uint64, error) {
	return f.blockHead.Load(), nil
}

func (f *fakeOracle) TransactionsInBlock(ctx context.Context, number uint64) ([]TraceInput, error) {
	if number == f.blockHead.Load() {
		return f.replay, nil
	}
	return nil, nil
}

type fakeLayoutSource struct{ doc layout.Document }

func (f *fakeLayoutSource) LayoutFor(ctx context.Context, address common.Address) (layout.Document, error) {
	return f.doc, nil
}

type unavailableLayoutSource struct{}

func (unavailableLayoutSource) LayoutFor(ctx context.Context, address common.Address) (layout.Document, error) {
	return layout.Document{}, &LayoutUnavailableError{Address: address}
}

func mustParseLayout(t *testing.T) layout.Document {
	t.Helper()
	doc, err := layout.ParseSolcJSON([]byte(simpleLayoutJSON))
	require.NoError(t, err)
	return doc
}

func TestTraceStorageAccessLabelsMappingSlot(t *testing.T) {
	account := common.HexToAddress("0xaccount")
	holder := common.HexToAddress("0x00000000000000000000000000000000000042")
	slot := slotcodec.MappingSlot(common.BigToHash(big.NewInt(0)), common.BytesToHash(holder.Bytes()))

	oracle := &fakeOracle{
		account: account,
		slot:    slot,
		pre:     common.Hash{},
		post:    common.BigToHash(big.NewInt(7)),
	}
	ls := &fakeLayoutSource{doc: mustParseLayout(t)}
	lc, err := cache.New(8)
	require.NoError(t, err)

	out, err := TraceStorageAccess(context.Background(), oracle, ls, lc, TraceInput{
		ChainID: 1,
		From:    holder,
		To:      &account,
	})
	require.NoError(t, err)

	acctTrace, ok := out[account]
	require.True(t, ok)
	require.Len(t, acctTrace.Writes[slot], 1)
	match := acctTrace.Writes[slot][0]
	require.False(t, match.Fallback)
	require.Equal(t, "balances", match.FullExpression[:len("balances")])
}

func TestTraceStorageAccessFallsBackWhenLayoutUnavailable(t *testing.T) {
	account := common.HexToAddress("0xaccount")
	slot := common.HexToHash("0x01")

	oracle := &fakeOracle{
		account: account,
		slot:    slot,
		pre:     common.Hash{},
		post:    common.BigToHash(big.NewInt(1)),
	}
	lc, err := cache.New(0)
	require.NoError(t, err)

	out, err := TraceStorageAccess(context.Background(), oracle, unavailableLayoutSource{}, lc, TraceInput{ChainID: 1})
	require.NoError(t, err)

	acctTrace := out[account]
	require.Len(t, acctTrace.Writes[slot], 1)
	require.True(t, acctTrace.Writes[slot][0].Fallback)
}

func TestWatchStorageInvokesOnChangeForNewBlock(t *testing.T) {
	account := common.HexToAddress("0xaccount")
	slot := common.HexToHash("0x01")
	to := account

	oracle := &fakeOracle{
		account: account,
		slot:    slot,
		pre:     common.Hash{},
		post:    common.BigToHash(big.NewInt(9)),
		replay:  []TraceInput{{To: &to}},
	}
	lc, err := cache.New(0)
	require.NoError(t, err)

	changed := make(chan trace.StorageAccessTrace, 1)
	unsub := WatchStorage(context.Background(), oracle, unavailableLayoutSource{}, lc, 1, account, 30*time.Millisecond,
		func(tr trace.StorageAccessTrace) { changed <- tr },
		func(error) {})
	defer unsub()

	// Simulate a new block arriving after the watch loop took its baseline.
	time.Sleep(50 * time.Millisecond)
	oracle.blockHead.Store(1)

	select {
	case tr := <-changed:
		require.Len(t, tr.Writes[slot], 1)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for onChange")
	}
}
