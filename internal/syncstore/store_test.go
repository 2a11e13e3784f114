package syncstore

import (
	"context"
	"testing"

	"github.com/KONFeature/ponder/internal/checkpoint"
	"github.com/KONFeature/ponder/internal/db"
	"github.com/KONFeature/ponder/internal/filter"
	"github.com/KONFeature/ponder/internal/interval"
	"github.com/KONFeature/ponder/internal/logger"
	"github.com/KONFeature/ponder/internal/rpc"
	"github.com/KONFeature/ponder/internal/syncstore/migrations"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/russross/meddler"
	"github.com/stretchr/testify/require"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()

	conn, err := db.Open(db.EngineSQLite, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	log := logger.NewNopLogger()
	require.NoError(t, migrations.RunMigrations(log, conn, db.EngineSQLite))

	return New(conn, db.EngineSQLite, log, 1000)
}

func testBlock(number, timestamp uint64) *rpc.Block {
	return &rpc.Block{
		Hash:       common.BytesToHash([]byte{byte(number), 0xb1}),
		ParentHash: common.BytesToHash([]byte{byte(number - 1), 0xb1}),
		Number:     hexutil.Uint64(number),
		Timestamp:  hexutil.Uint64(timestamp),
		Miner:      common.HexToAddress("0x01"),
		GasLimit:   "0x1c9c380",
		GasUsed:    "0x5208",
	}
}

func testLog(block *rpc.Block, logIndex, txIndex uint64, address common.Address, topics ...common.Hash) rpc.Log {
	return rpc.Log{
		Address:          address,
		Topics:           topics,
		Data:             "0x",
		BlockHash:        block.Hash,
		BlockNumber:      block.Number,
		TransactionHash:  common.BytesToHash([]byte{byte(block.Number), byte(txIndex), 0x77}),
		TransactionIndex: hexutil.Uint64(txIndex),
		LogIndex:         hexutil.Uint64(logIndex),
	}
}

func TestInsertInterval_MergesAdjacent(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	f := &filter.LogFilter{
		ChainID: 1,
		Address: filter.AddressList{common.HexToAddress("0xaa")},
	}

	// Scenario (a): [0,10], [20,30], then the bridging [10,20].
	require.NoError(t, store.InsertInterval(ctx, f, interval.Interval{Start: 0, End: 10}))
	require.NoError(t, store.InsertInterval(ctx, f, interval.Interval{Start: 20, End: 30}))
	require.NoError(t, store.InsertInterval(ctx, f, interval.Interval{Start: 10, End: 20}))

	got, err := store.GetIntervals(ctx, f)
	require.NoError(t, err)
	require.Equal(t, []interval.Interval{{Start: 0, End: 30}}, got)
}

func TestInsertInterval_ContainmentInvariant(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	f := &filter.BlockFilter{ChainID: 1, Interval: 10}

	inserted := []interval.Interval{{Start: 5, End: 9}, {Start: 100, End: 200}, {Start: 7, End: 50}}
	for _, iv := range inserted {
		require.NoError(t, store.InsertInterval(ctx, f, iv))
	}

	got, err := store.GetIntervals(ctx, f)
	require.NoError(t, err)

	// Every inserted interval must be contained in the stored union.
	for _, iv := range inserted {
		require.Equal(t, []interval.Interval(nil), interval.Difference([]interval.Interval{iv}, got),
			"inserted interval %v not covered by %v", iv, got)
	}

	// Normal form: sorted, disjoint, non-adjacent.
	for i := 1; i < len(got); i++ {
		require.Greater(t, got[i].Start, got[i-1].End+1)
	}
}

func TestGetIntervals_IntersectsFragments(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	topicA := common.HexToHash("0xaaaa")
	topicB := common.HexToHash("0xbbbb")

	// Scenario (b): topic0 in {A,B} yields two fragments. Cover [0,100] for
	// the A fragment and [50,200] for the B fragment; the whole filter is
	// covered only on the intersection.
	fragA := &filter.LogFilter{ChainID: 1, Topics: [4]filter.TopicSlot{{topicA}}}
	fragB := &filter.LogFilter{ChainID: 1, Topics: [4]filter.TopicSlot{{topicB}}}
	combined := &filter.LogFilter{ChainID: 1, Topics: [4]filter.TopicSlot{{topicA, topicB}}}

	require.NoError(t, store.InsertInterval(ctx, fragA, interval.Interval{Start: 0, End: 100}))
	require.NoError(t, store.InsertInterval(ctx, fragB, interval.Interval{Start: 50, End: 200}))

	got, err := store.GetIntervals(ctx, combined)
	require.NoError(t, err)
	require.Equal(t, []interval.Interval{{Start: 50, End: 100}}, got)
}

func TestInsertInterval_FragmentationFatal(t *testing.T) {
	store := setupTestStore(t)
	store.maxIntervals = 4
	ctx := context.Background()

	f := &filter.BlockFilter{ChainID: 1, Interval: 1}

	// Disjoint, non-adjacent intervals fragment the index until the cap.
	var err error
	for i := uint64(0); i < 10; i++ {
		err = store.InsertInterval(ctx, f, interval.Interval{Start: i * 10, End: i*10 + 1})
		if err != nil {
			break
		}
	}

	require.Error(t, err)
	var fragErr *FragmentationError
	require.ErrorAs(t, err, &fragErr)
}

func TestInsert_Idempotent(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	block := testBlock(100, 1700000000)
	addr := common.HexToAddress("0xaa")
	logs := []rpc.Log{testLog(block, 0, 0, addr, common.HexToHash("0x1111"))}

	for i := 0; i < 2; i++ {
		require.NoError(t, store.InsertBlock(ctx, 1, block))
		require.NoError(t, store.InsertLogs(ctx, 1, uint64(block.Timestamp), logs))
	}

	var blockCount, logCount int
	require.NoError(t, store.conn.Get(&blockCount, `SELECT count(*) FROM blocks`))
	require.NoError(t, store.conn.Get(&logCount, `SELECT count(*) FROM logs`))
	require.Equal(t, 1, blockCount)
	require.Equal(t, 1, logCount)

	has, err := store.HasBlock(ctx, 1, block.Hash)
	require.NoError(t, err)
	require.True(t, has)

	has, err = store.HasBlock(ctx, 1, common.HexToHash("0xdead"))
	require.NoError(t, err)
	require.False(t, has)
}

func TestGetChildAddresses(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	// Scenario (c): factory event 0xabcd announcing children in topic1.
	factory := &filter.Factory{
		ChainID:       1,
		Address:       common.HexToAddress("0xfac"),
		EventSelector: common.HexToHash("0xabcd"),
		Location:      filter.ChildAddressLocation{Topic: 1},
	}
	child := common.HexToAddress("0x00000000000000000000000000000000deadbeef")

	block := testBlock(10, 1000)
	require.NoError(t, store.InsertLogs(ctx, 1, 1000, []rpc.Log{
		testLog(block, 0, 0, factory.Address, factory.EventSelector, common.BytesToHash(child.Bytes())),
	}))

	got, err := store.GetChildAddresses(ctx, factory, 10)
	require.NoError(t, err)
	require.Equal(t, []common.Address{child}, got)

	// Non-matching logs are ignored.
	other := &filter.Factory{
		ChainID:       1,
		Address:       common.HexToAddress("0xother"),
		EventSelector: factory.EventSelector,
		Location:      factory.Location,
	}
	got, err = store.GetChildAddresses(ctx, other, 10)
	require.NoError(t, err)
	require.Empty(t, got)

	matched, err := store.FilterChildAddresses(ctx, factory, []common.Address{child, common.HexToAddress("0x99")})
	require.NoError(t, err)
	require.Len(t, matched, 1)
	require.Contains(t, matched, child)
}

func TestGetEvents_OrderingAcrossFilters(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	// Scenario (d): one log filter and one block filter over the same chain.
	// The block event must come first, then the log event.
	addr := common.HexToAddress("0xaa")
	block := testBlock(100, 1700000000)
	log := testLog(block, 3, 1, addr, common.HexToHash("0x1111"))

	require.NoError(t, store.InsertBlock(ctx, 1, block))
	require.NoError(t, store.InsertLogs(ctx, 1, uint64(block.Timestamp), []rpc.Log{log}))
	require.NoError(t, store.InsertTransactions(ctx, 1, []rpc.Transaction{{
		Hash:             log.TransactionHash,
		BlockHash:        block.Hash,
		BlockNumber:      block.Number,
		TransactionIndex: 1,
		From:             common.HexToAddress("0x02"),
		Value:            "0x0",
		Input:            "0x",
		Gas:              "0x5208",
	}}))

	filters := []filter.Filter{
		&filter.LogFilter{ChainID: 1, Address: filter.AddressList{addr}},
		&filter.BlockFilter{ChainID: 1, Interval: 1},
	}

	events, cursor, err := store.GetEvents(ctx, filters, checkpoint.Zero(), checkpoint.Latest(), 100)
	require.NoError(t, err)
	require.Len(t, events, 2)

	// Block event first.
	require.Equal(t, 1, events[0].FilterIndex)
	require.Equal(t, checkpoint.EventTypeBlock, events[0].Checkpoint.EventType)
	require.NotNil(t, events[0].Block)
	require.Equal(t, uint64(100), events[0].Block.Number)
	require.Equal(t, uint64(1700000000), events[0].Checkpoint.BlockTimestamp)

	// Log event second, with its transaction attached.
	require.Equal(t, 0, events[1].FilterIndex)
	require.Equal(t, checkpoint.EventTypeLog, events[1].Checkpoint.EventType)
	require.NotNil(t, events[1].Log)
	require.Equal(t, uint64(3), events[1].Log.LogIndex)
	require.NotNil(t, events[1].Transaction)
	require.Equal(t, uint64(100), events[1].Checkpoint.BlockNumber)

	// Batch was not full: cursor is the upper bound.
	require.Equal(t, checkpoint.Latest(), cursor)
}

func TestGetEvents_WindowAndLimit(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	for n := uint64(1); n <= 5; n++ {
		require.NoError(t, store.InsertBlock(ctx, 1, testBlock(n, 1000+n)))
	}

	filters := []filter.Filter{&filter.BlockFilter{ChainID: 1, Interval: 1}}

	// limit smaller than the result set: cursor is the last event.
	events, cursor, err := store.GetEvents(ctx, filters, checkpoint.Zero(), checkpoint.Latest(), 3)
	require.NoError(t, err)
	require.Len(t, events, 3)
	require.Equal(t, events[2].Checkpoint, cursor)

	// The window (cursor, to] excludes already-returned events.
	events, _, err = store.GetEvents(ctx, filters, cursor, checkpoint.Latest(), 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, uint64(4), events[0].Checkpoint.BlockNumber)

	// Exclusive lower bound, inclusive upper bound.
	from := checkpoint.BlockBound(1001, 1, 1)
	to := checkpoint.BlockBound(1003, 1, 3)
	events, _, err = store.GetEvents(ctx, filters, from, to, 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, uint64(2), events[0].Checkpoint.BlockNumber)
	require.Equal(t, uint64(3), events[1].Checkpoint.BlockNumber)
}

func TestGetEvents_BlockFilterModulo(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	for n := uint64(0); n <= 10; n++ {
		require.NoError(t, store.InsertBlock(ctx, 1, testBlock(n, 1000+n)))
	}

	filters := []filter.Filter{&filter.BlockFilter{ChainID: 1, Interval: 5, Offset: 2}}
	events, _, err := store.GetEvents(ctx, filters, checkpoint.Zero(), checkpoint.Latest(), 100)
	require.NoError(t, err)

	var numbers []uint64
	for _, e := range events {
		numbers = append(numbers, e.Block.Number)
	}
	require.Equal(t, []uint64{2, 7}, numbers)
}

func TestGetEvents_FactoryAddressSubquery(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	factory := &filter.Factory{
		ChainID:       1,
		Address:       common.HexToAddress("0xfac"),
		EventSelector: common.HexToHash("0xabcd"),
		Location:      filter.ChildAddressLocation{Topic: 1},
	}
	child := common.HexToAddress("0x00000000000000000000000000000000deadbeef")

	setupBlock := testBlock(10, 1000)
	require.NoError(t, store.InsertBlock(ctx, 1, setupBlock))
	require.NoError(t, store.InsertLogs(ctx, 1, 1000, []rpc.Log{
		testLog(setupBlock, 0, 0, factory.Address, factory.EventSelector, common.BytesToHash(child.Bytes())),
	}))

	eventBlock := testBlock(20, 2000)
	require.NoError(t, store.InsertBlock(ctx, 1, eventBlock))
	childLog := testLog(eventBlock, 1, 0, child, common.HexToHash("0x5555"))
	strangerLog := testLog(eventBlock, 2, 0, common.HexToAddress("0x99"), common.HexToHash("0x5555"))
	require.NoError(t, store.InsertLogs(ctx, 1, 2000, []rpc.Log{childLog, strangerLog}))

	filters := []filter.Filter{&filter.LogFilter{ChainID: 1, Address: factory, FromBlock: 15}}
	events, _, err := store.GetEvents(ctx, filters, checkpoint.Zero(), checkpoint.Latest(), 100)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, child, events[0].Log.Address)
}

func TestPruneByBlock(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	f := &filter.BlockFilter{ChainID: 1, Interval: 1}
	for n := uint64(1); n <= 5; n++ {
		require.NoError(t, store.InsertBlock(ctx, 1, testBlock(n, 1000+n)))
	}
	require.NoError(t, store.InsertInterval(ctx, f, interval.Interval{Start: 1, End: 5}))

	require.NoError(t, store.PruneByBlock(ctx, 1, 3))

	var count int
	require.NoError(t, store.conn.Get(&count, `SELECT count(*) FROM blocks`))
	require.Equal(t, 3, count)

	// Intervals are untouched by a block prune.
	got, err := store.GetIntervals(ctx, f)
	require.NoError(t, err)
	require.Equal(t, []interval.Interval{{Start: 1, End: 5}}, got)
}

func TestPruneByChain(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	f := &filter.BlockFilter{ChainID: 1, Interval: 1}
	otherChain := &filter.BlockFilter{ChainID: 2, Interval: 1}

	for n := uint64(1); n <= 5; n++ {
		require.NoError(t, store.InsertBlock(ctx, 1, testBlock(n, 1000+n)))
	}
	require.NoError(t, store.InsertInterval(ctx, f, interval.Interval{Start: 1, End: 5}))
	require.NoError(t, store.InsertInterval(ctx, otherChain, interval.Interval{Start: 1, End: 5}))

	require.NoError(t, store.PruneByChain(ctx, 1, 3))

	var count int
	require.NoError(t, store.conn.Get(&count, `SELECT count(*) FROM blocks`))
	require.Equal(t, 2, count)

	// Coverage is clipped so nothing extends to block 3 or beyond.
	got, err := store.GetIntervals(ctx, f)
	require.NoError(t, err)
	require.Equal(t, []interval.Interval{{Start: 1, End: 2}}, got)

	// Other chains are untouched.
	got, err = store.GetIntervals(ctx, otherChain)
	require.NoError(t, err)
	require.Equal(t, []interval.Interval{{Start: 1, End: 5}}, got)
}

func TestRpcRequestResults(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	_, ok, err := store.GetRpcRequestResult(ctx, "eth_getLogs[]", 1, 100)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, store.InsertRpcRequestResult(ctx, "eth_getLogs[]", 1, 100, `[{"a":1}]`))

	result, ok, err := store.GetRpcRequestResult(ctx, "eth_getLogs[]", 1, 100)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, `[{"a":1}]`, result)

	// Overwrites are idempotent upserts.
	require.NoError(t, store.InsertRpcRequestResult(ctx, "eth_getLogs[]", 1, 100, `[]`))
	result, ok, err = store.GetRpcRequestResult(ctx, "eth_getLogs[]", 1, 100)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, `[]`, result)

	// A prune at the keyed block height invalidates the memo.
	require.NoError(t, store.PruneByBlock(ctx, 1, 99))
	_, ok, err = store.GetRpcRequestResult(ctx, "eth_getLogs[]", 1, 100)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestInsertCallTraces_CheckpointFollowsTraceOrder(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	block := testBlock(50, 5000)
	txHash := common.HexToHash("0x51")

	mkTrace := func(traceAddress []int) rpc.CallTrace {
		var trace rpc.CallTrace
		trace.Type = "call"
		trace.Action.CallType = "call"
		trace.Action.From = common.HexToAddress("0x01")
		trace.Action.To = common.HexToAddress("0x02")
		trace.Action.Gas = "0x5208"
		trace.Action.Input = "0xa9059cbb"
		trace.BlockHash = block.Hash
		trace.BlockNumber = block.Number
		trace.TransactionHash = txHash
		trace.TraceAddress = traceAddress
		return trace
	}

	// Inserted out of traceAddress order; checkpoints must follow the sorted
	// order.
	traces := []rpc.CallTrace{mkTrace([]int{1}), mkTrace(nil), mkTrace([]int{0, 1})}
	require.NoError(t, store.InsertCallTraces(ctx, 1, uint64(block.Timestamp), traces))

	var rows []*CallTraceRow
	err := meddler.QueryAll(store.conn.DB, &rows, `SELECT * FROM call_traces ORDER BY checkpoint ASC`)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	require.Equal(t, "[]", rows[0].TraceAddress)
	require.Equal(t, "[0,1]", rows[1].TraceAddress)
	require.Equal(t, "[1]", rows[2].TraceAddress)

	// Re-inserting replaces rather than duplicates.
	require.NoError(t, store.InsertCallTraces(ctx, 1, uint64(block.Timestamp), traces))
	var count int
	require.NoError(t, store.conn.Get(&count, `SELECT count(*) FROM call_traces`))
	require.Equal(t, 3, count)
}
