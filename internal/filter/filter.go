// Package filter models what to sync: the user-level description of the logs,
// blocks and call traces a chain should be scanned for, and its decomposition
// into storage-level fragments with deterministic ids.
package filter

import (
	"github.com/ethereum/go-ethereum/common"
)

// Filter is the typed description of one synced data source.
type Filter interface {
	// Chain returns the chain id the filter applies to.
	Chain() uint64

	// StartBlock is the first block the filter covers.
	StartBlock() uint64

	// EndBlock is the last block the filter covers, or nil for open-ended.
	EndBlock() *uint64

	// Fragments decomposes the filter into storage fragments whose union
	// equals the filter. Fragment ids are deterministic.
	Fragments() []Fragment
}

// TopicSlot is the accepted values for one topic position. A nil slot matches
// anything; multiple values mean "any of". A single-element slot is equivalent
// to its scalar value at every layer: [x] and x produce identical fragments.
type TopicSlot []common.Hash

// LogFilter selects logs by address and topics.
type LogFilter struct {
	ChainID   uint64
	FromBlock uint64
	ToBlock   *uint64

	// Address is nil (any address), an AddressList, or a *Factory.
	Address AddressSource

	// Topics holds up to four topic slots; missing trailing slots match
	// anything.
	Topics [4]TopicSlot

	// IncludeReceipts requests the transaction receipt of every matched log.
	IncludeReceipts bool
}

func (f *LogFilter) Chain() uint64      { return f.ChainID }
func (f *LogFilter) StartBlock() uint64 { return f.FromBlock }
func (f *LogFilter) EndBlock() *uint64  { return f.ToBlock }

// BlockFilter selects every block where (number - Offset) % Interval == 0.
type BlockFilter struct {
	ChainID   uint64
	FromBlock uint64
	ToBlock   *uint64
	Interval  uint64
	Offset    uint64
}

func (f *BlockFilter) Chain() uint64      { return f.ChainID }
func (f *BlockFilter) StartBlock() uint64 { return f.FromBlock }
func (f *BlockFilter) EndBlock() *uint64  { return f.ToBlock }

// Matches reports whether the block number is selected by the filter.
func (f *BlockFilter) Matches(blockNumber uint64) bool {
	if f.Interval == 0 {
		return false
	}
	return (blockNumber+f.Interval-f.Offset%f.Interval)%f.Interval == 0
}

// TraceFilter selects call traces by caller and callee address sets and
// function selector.
type TraceFilter struct {
	ChainID   uint64
	FromBlock uint64
	ToBlock   *uint64

	// FromAddress restricts callers; empty means any caller.
	FromAddress []common.Address

	// ToAddress is an AddressList or a *Factory.
	ToAddress AddressSource

	// FunctionSelectors restricts the first four bytes of call input; empty
	// means any function. Canonical lowercased 0x-prefixed hex.
	FunctionSelectors []string
}

func (f *TraceFilter) Chain() uint64      { return f.ChainID }
func (f *TraceFilter) StartBlock() uint64 { return f.FromBlock }
func (f *TraceFilter) EndBlock() *uint64  { return f.ToBlock }
