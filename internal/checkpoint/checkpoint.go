// Package checkpoint defines the total order over every indexable event.
// A checkpoint is the tuple (blockTimestamp, chainId, blockNumber,
// transactionIndex, eventType, eventIndex) encoded as a fixed-width
// zero-padded decimal string, so that byte comparison of two encoded
// checkpoints equals tuple comparison.
package checkpoint

import (
	"fmt"
	"strconv"
	"strings"
)

// Event types, ordered so that kinds sharing all earlier coordinates sort
// deterministically: block markers before transactions, transactions before
// their logs, logs before call traces.
const (
	EventTypeBlock       uint8 = 2
	EventTypeTransaction uint8 = 4
	EventTypeLog         uint8 = 5
	EventTypeCallTrace   uint8 = 7
)

// Field widths of the encoded form. Timestamps fit 10 decimal digits until
// the year 2286; the remaining coordinates are full-range uint64.
const (
	timestampDigits = 10
	uint64Digits    = 20
	eventTypeDigits = 1

	// EncodedLength is the length of every encoded checkpoint.
	EncodedLength = timestampDigits + 3*uint64Digits + eventTypeDigits + uint64Digits
)

// Checkpoint identifies a single position in the global event order.
type Checkpoint struct {
	BlockTimestamp   uint64
	ChainID          uint64
	BlockNumber      uint64
	TransactionIndex uint64
	EventType        uint8
	EventIndex       uint64
}

// Zero is the lowest checkpoint; every real event sorts after it.
func Zero() Checkpoint {
	return Checkpoint{}
}

// MaxTimestamp caps encodable timestamps at the field width.
const MaxTimestamp = 9999999999

// Latest is the highest encodable checkpoint; every real event sorts before it.
func Latest() Checkpoint {
	return Checkpoint{
		BlockTimestamp:   MaxTimestamp,
		ChainID:          ^uint64(0),
		BlockNumber:      ^uint64(0),
		TransactionIndex: ^uint64(0),
		EventType:        9,
		EventIndex:       ^uint64(0),
	}
}

// BlockBound returns the highest checkpoint contained in the given block.
// It is used as a revert/finalize boundary: every event of the block sorts at
// or below it, every event of later blocks sorts above it.
func BlockBound(blockTimestamp, chainID, blockNumber uint64) Checkpoint {
	return Checkpoint{
		BlockTimestamp:   blockTimestamp,
		ChainID:          chainID,
		BlockNumber:      blockNumber,
		TransactionIndex: ^uint64(0),
		EventType:        9,
		EventIndex:       ^uint64(0),
	}
}

// Encode produces the fixed-width string form.
func (c Checkpoint) Encode() string {
	var b strings.Builder
	b.Grow(EncodedLength)
	pad(&b, c.BlockTimestamp, timestampDigits)
	pad(&b, c.ChainID, uint64Digits)
	pad(&b, c.BlockNumber, uint64Digits)
	pad(&b, c.TransactionIndex, uint64Digits)
	pad(&b, uint64(c.EventType), eventTypeDigits)
	pad(&b, c.EventIndex, uint64Digits)
	return b.String()
}

func pad(b *strings.Builder, v uint64, width int) {
	s := strconv.FormatUint(v, 10)
	for i := len(s); i < width; i++ {
		b.WriteByte('0')
	}
	b.WriteString(s)
}

// Decode parses an encoded checkpoint. It is the exact inverse of Encode.
func Decode(s string) (Checkpoint, error) {
	if len(s) != EncodedLength {
		return Checkpoint{}, fmt.Errorf("invalid checkpoint length %d (want %d): %q", len(s), EncodedLength, s)
	}

	fields := make([]uint64, 4)
	offsets := []int{timestampDigits, uint64Digits, uint64Digits, uint64Digits}
	pos := 0
	for i, width := range offsets {
		v, err := strconv.ParseUint(s[pos:pos+width], 10, 64)
		if err != nil {
			return Checkpoint{}, fmt.Errorf("invalid checkpoint field %d: %w", i, err)
		}
		fields[i] = v
		pos += width
	}

	eventType, err := strconv.ParseUint(s[pos:pos+eventTypeDigits], 10, 8)
	if err != nil {
		return Checkpoint{}, fmt.Errorf("invalid checkpoint event type: %w", err)
	}
	pos += eventTypeDigits

	eventIndex, err := strconv.ParseUint(s[pos:], 10, 64)
	if err != nil {
		return Checkpoint{}, fmt.Errorf("invalid checkpoint event index: %w", err)
	}

	return Checkpoint{
		BlockTimestamp:   fields[0],
		ChainID:          fields[1],
		BlockNumber:      fields[2],
		TransactionIndex: fields[3],
		EventType:        uint8(eventType),
		EventIndex:       eventIndex,
	}, nil
}

// Compare returns -1, 0 or 1 ordering a against b under the tuple order.
func Compare(a, b Checkpoint) int {
	return strings.Compare(a.Encode(), b.Encode())
}

// Min returns the smaller of two checkpoints.
func Min(a, b Checkpoint) Checkpoint {
	if Compare(a, b) <= 0 {
		return a
	}
	return b
}

// Max returns the larger of two checkpoints.
func Max(a, b Checkpoint) Checkpoint {
	if Compare(a, b) >= 0 {
		return a
	}
	return b
}
