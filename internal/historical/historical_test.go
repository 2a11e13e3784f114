package historical

import (
	"context"
	"fmt"
	"testing"

	"github.com/KONFeature/ponder/internal/checkpoint"
	"github.com/KONFeature/ponder/internal/db"
	"github.com/KONFeature/ponder/internal/filter"
	"github.com/KONFeature/ponder/internal/interval"
	"github.com/KONFeature/ponder/internal/logger"
	"github.com/KONFeature/ponder/internal/rpc"
	"github.com/KONFeature/ponder/internal/rpc/rpctest"
	"github.com/KONFeature/ponder/internal/syncstore"
	"github.com/KONFeature/ponder/internal/syncstore/migrations"
	"github.com/KONFeature/ponder/pkg/config"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/require"
)

func setupSync(t *testing.T, node *rpctest.Node, sources []Source) (*Sync, *syncstore.Store) {
	t.Helper()

	conn, err := db.Open(db.EngineSQLite, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	log := logger.NewNopLogger()
	require.NoError(t, migrations.RunMigrations(log, conn, db.EngineSQLite))
	store := syncstore.New(conn, db.EngineSQLite, log, 1000)

	server := node.Server()
	t.Cleanup(server.Close)

	network := &config.NetworkConfig{Name: "test", ChainID: 1, RPCURL: server.URL}
	network.ApplyDefaults()

	queue, err := rpc.NewQueue(context.Background(), network, log, nil)
	require.NoError(t, err)
	t.Cleanup(queue.Close)

	return New(1, queue, store, sources, log), store
}

func populateChain(node *rpctest.Node, from, to uint64) {
	for n := from; n <= to; n++ {
		node.AddBlock(rpctest.BlockAt(n, 1000+n, 0xa))
	}
}

func logAt(blockNumber, logIndex uint64, address common.Address, topics ...common.Hash) rpc.Log {
	block := rpctest.BlockAt(blockNumber, 1000+blockNumber, 0xa)
	return rpc.Log{
		Address:         address,
		Topics:          topics,
		Data:            "0x",
		BlockHash:       block.Hash,
		BlockNumber:     hexutil.Uint64(blockNumber),
		TransactionHash: common.BytesToHash([]byte{byte(blockNumber), 0x70}),
		LogIndex:        hexutil.Uint64(logIndex),
	}
}

func TestSync_LogFilter(t *testing.T) {
	node := rpctest.NewNode()
	populateChain(node, 0, 20)

	addr := common.HexToAddress("0xaa")
	topic := common.HexToHash("0x1111")
	node.AddLog(logAt(5, 0, addr, topic))
	node.AddLog(logAt(10, 1, addr, topic))
	node.AddLog(logAt(12, 0, common.HexToAddress("0xbb"), topic))

	f := &filter.LogFilter{ChainID: 1, Address: filter.AddressList{addr}}
	sync, store := setupSync(t, node, []Source{{Filter: f}})
	ctx := context.Background()

	require.NoError(t, sync.Sync(ctx, interval.Interval{Start: 0, End: 20}))

	// Coverage recorded for the whole clipped interval.
	covered, err := store.GetIntervals(ctx, f)
	require.NoError(t, err)
	require.Equal(t, []interval.Interval{{Start: 0, End: 20}}, covered)

	// Matching logs and their containing blocks are stored.
	events, _, err := store.GetEvents(ctx, []filter.Filter{f}, checkpoint.Zero(), checkpoint.Latest(), 100)
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, addr, events[0].Log.Address)
	require.NotNil(t, events[0].Block)

	// The interval's last block was prefetched for the realtime handoff.
	require.NotNil(t, sync.LatestBlock())
	require.Equal(t, uint64(20), uint64(sync.LatestBlock().Number))

	// A second sync over the covered range does no RPC work.
	logCalls := node.Calls("eth_getLogs")
	require.NoError(t, sync.Sync(ctx, interval.Interval{Start: 0, End: 20}))
	require.Equal(t, logCalls, node.Calls("eth_getLogs"))
}

func TestSync_ClipsToFilterRange(t *testing.T) {
	node := rpctest.NewNode()
	populateChain(node, 0, 30)

	end := uint64(25)
	f := &filter.LogFilter{ChainID: 1, FromBlock: 10, ToBlock: &end}
	sync, store := setupSync(t, node, []Source{{Filter: f}})
	ctx := context.Background()

	require.NoError(t, sync.Sync(ctx, interval.Interval{Start: 0, End: 30}))

	covered, err := store.GetIntervals(ctx, f)
	require.NoError(t, err)
	require.Equal(t, []interval.Interval{{Start: 10, End: 25}}, covered)
}

func TestSync_BlockFilter(t *testing.T) {
	node := rpctest.NewNode()
	populateChain(node, 0, 20)

	f := &filter.BlockFilter{ChainID: 1, Interval: 5, Offset: 2}
	sync, store := setupSync(t, node, []Source{{Filter: f}})
	ctx := context.Background()

	require.NoError(t, sync.Sync(ctx, interval.Interval{Start: 0, End: 20}))

	events, _, err := store.GetEvents(ctx, []filter.Filter{f}, checkpoint.Zero(), checkpoint.Latest(), 100)
	require.NoError(t, err)

	var numbers []uint64
	for _, e := range events {
		numbers = append(numbers, e.Block.Number)
	}
	require.Equal(t, []uint64{2, 7, 12, 17}, numbers)
}

func TestSync_FactoryLogFilter(t *testing.T) {
	node := rpctest.NewNode()
	populateChain(node, 0, 20)

	factory := &filter.Factory{
		ChainID:       1,
		Address:       common.HexToAddress("0xfac"),
		EventSelector: common.HexToHash("0xabcd"),
		Location:      filter.ChildAddressLocation{Topic: 1},
	}
	child := common.HexToAddress("0x00000000000000000000000000000000deadbeef")

	// The factory announces the child at block 3; the child emits at block 8.
	node.AddLog(logAt(3, 0, factory.Address, factory.EventSelector, common.BytesToHash(child.Bytes())))
	childTopic := common.HexToHash("0x5555")
	node.AddLog(logAt(8, 0, child, childTopic))

	f := &filter.LogFilter{ChainID: 1, Address: factory}
	sync, store := setupSync(t, node, []Source{{Filter: f}})
	ctx := context.Background()

	require.NoError(t, sync.Sync(ctx, interval.Interval{Start: 0, End: 20}))

	events, _, err := store.GetEvents(ctx, []filter.Filter{f}, checkpoint.Zero(), checkpoint.Latest(), 100)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, child, events[0].Log.Address)

	// The resolved child set was used as the request's address argument.
	var sawChildAddress bool
	for _, q := range node.LogQueries() {
		if s, ok := q.Address.(string); ok && common.HexToAddress(s) == child {
			sawChildAddress = true
		}
	}
	require.True(t, sawChildAddress)
}

func TestSync_FactoryAboveCap_OmitsAddressArgument(t *testing.T) {
	node := rpctest.NewNode()
	populateChain(node, 0, 10)

	factory := &filter.Factory{
		ChainID:       1,
		Address:       common.HexToAddress("0xfac"),
		EventSelector: common.HexToHash("0xabcd"),
		Location:      filter.ChildAddressLocation{Topic: 1},
	}

	// More children than the cap: the request must fall back to topic-only
	// server filtering.
	for i := 0; i < AddressFilterLimit+100; i++ {
		child := common.BytesToHash([]byte{0xc, byte(i >> 8), byte(i)})
		node.AddLog(logAt(2, uint64(i), factory.Address, factory.EventSelector, child))
	}

	topic := common.HexToHash("0x5555")
	f := &filter.LogFilter{ChainID: 1, Address: factory, Topics: [4]filter.TopicSlot{{topic}}}
	sync, store := setupSync(t, node, []Source{{Filter: f}})
	ctx := context.Background()

	require.NoError(t, sync.Sync(ctx, interval.Interval{Start: 0, End: 10}))

	// The final (non-factory) getLogs query carried no address restriction.
	queries := node.LogQueries()
	last := queries[len(queries)-1]
	require.Nil(t, last.Address)
	require.NotEmpty(t, last.Topics)

	// The store still filters correctly on read: a stranger's log with the
	// same topic does not become a child event.
	stranger := common.HexToAddress("0x99")
	require.NoError(t, store.InsertLogs(ctx, 1, 1005, []rpc.Log{logAt(5, 0, stranger, topic)}))

	events, _, err := store.GetEvents(ctx, []filter.Filter{f}, checkpoint.Zero(), checkpoint.Latest(), 10000)
	require.NoError(t, err)
	for _, e := range events {
		require.NotEqual(t, stranger, e.Log.Address)
	}
}

func TestSync_TraceFilter(t *testing.T) {
	node := rpctest.NewNode()
	populateChain(node, 0, 10)

	target := common.HexToAddress("0xcc")
	okTx := common.HexToHash("0x0a")
	revertedTx := common.HexToHash("0x0b")

	mkTrace := func(blockNumber uint64, txHash common.Hash, position uint64) rpc.CallTrace {
		block := rpctest.BlockAt(blockNumber, 1000+blockNumber, 0xa)
		var trace rpc.CallTrace
		trace.Type = "call"
		trace.Action.CallType = "call"
		trace.Action.From = common.HexToAddress("0x01")
		trace.Action.To = target
		trace.Action.Gas = "0x5208"
		trace.Action.Input = "0xa9059cbb"
		trace.BlockHash = block.Hash
		trace.BlockNumber = hexutil.Uint64(blockNumber)
		trace.TransactionHash = txHash
		trace.TransactionPosition = hexutil.Uint64(position)
		return trace
	}

	node.AddTrace(mkTrace(4, okTx, 0))
	node.AddTrace(mkTrace(6, revertedTx, 0))

	receiptFor := func(txHash common.Hash, blockNumber uint64, status string) rpc.TransactionReceipt {
		block := rpctest.BlockAt(blockNumber, 1000+blockNumber, 0xa)
		return rpc.TransactionReceipt{
			TransactionHash:   txHash,
			BlockHash:         block.Hash,
			BlockNumber:       hexutil.Uint64(blockNumber),
			CumulativeGasUsed: "0x5208",
			GasUsed:           "0x5208",
			From:              common.HexToAddress("0x01"),
			Status:            status,
		}
	}
	node.AddReceipt(receiptFor(okTx, 4, "0x1"))
	node.AddReceipt(receiptFor(revertedTx, 6, "0x0"))

	f := &filter.TraceFilter{ChainID: 1, ToAddress: filter.AddressList{target}}
	sync, store := setupSync(t, node, []Source{{Filter: f}})
	ctx := context.Background()

	require.NoError(t, sync.Sync(ctx, interval.Interval{Start: 0, End: 10}))

	// Only the non-reverted trace survives.
	events, _, err := store.GetEvents(ctx, []filter.Filter{f}, checkpoint.Zero(), checkpoint.Latest(), 100)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.NotNil(t, events[0].Trace)
	require.Equal(t, okTx, events[0].Trace.TransactionHash)
	require.Equal(t, checkpoint.EventTypeCallTrace, events[0].Checkpoint.EventType)
}

func TestSync_SkipsCoveredSubIntervals(t *testing.T) {
	node := rpctest.NewNode()
	populateChain(node, 0, 20)

	f := &filter.LogFilter{ChainID: 1, Address: filter.AddressList{common.HexToAddress("0xaa")}}
	sync, store := setupSync(t, node, []Source{{Filter: f}})
	ctx := context.Background()

	// Pre-cover the middle of the range.
	require.NoError(t, store.InsertInterval(ctx, f, interval.Interval{Start: 5, End: 15}))

	require.NoError(t, sync.Sync(ctx, interval.Interval{Start: 0, End: 20}))

	// Requests were issued only for the uncovered remainder.
	for _, q := range node.LogQueries() {
		from := mustHex(t, q.FromBlock)
		to := mustHex(t, q.ToBlock)
		outside := to < 5 || from > 15
		require.True(t, outside, "query [%d,%d] overlaps the covered range", from, to)
	}

	covered, err := store.GetIntervals(ctx, f)
	require.NoError(t, err)
	require.Equal(t, []interval.Interval{{Start: 0, End: 20}}, covered)
}

func TestSync_SplitsOversizedLogRanges(t *testing.T) {
	node := rpctest.NewNode()
	populateChain(node, 0, 40)
	node.SetMaxLogRange(16)

	addr := common.HexToAddress("0xaa")
	topic := common.HexToHash("0x1111")
	node.AddLog(logAt(5, 0, addr, topic))
	node.AddLog(logAt(35, 0, addr, topic))

	f := &filter.LogFilter{ChainID: 1, Address: filter.AddressList{addr}}
	sync, store := setupSync(t, node, []Source{{Filter: f}})
	ctx := context.Background()

	require.NoError(t, sync.Sync(ctx, interval.Interval{Start: 0, End: 40}))

	// The range was split until requests fit the provider cap; the final
	// accepted queries are all within it.
	queries := node.LogQueries()
	require.Greater(t, len(queries), 1)
	last := queries[len(queries)-1]
	require.LessOrEqual(t, mustHex(t, last.ToBlock)-mustHex(t, last.FromBlock)+1, uint64(16))

	events, _, err := store.GetEvents(ctx, []filter.Filter{f}, checkpoint.Zero(), checkpoint.Latest(), 100)
	require.NoError(t, err)
	require.Len(t, events, 2)

	covered, err := store.GetIntervals(ctx, f)
	require.NoError(t, err)
	require.Equal(t, []interval.Interval{{Start: 0, End: 40}}, covered)
}

func mustHex(t *testing.T, s string) uint64 {
	t.Helper()
	var v uint64
	_, err := fmt.Sscanf(s, "0x%x", &v)
	require.NoError(t, err)
	return v
}
