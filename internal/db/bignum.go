package db

import (
	"database/sql"
	"fmt"
	"strconv"

	"github.com/russross/meddler"
)

// Big integers need ordered comparisons in SQL on both engines. Postgres
// stores them as native NUMERIC; sqlite has no big integer type, so values
// are stored as fixed-width zero-padded decimal strings whose lexicographic
// order equals numeric order. The strategy is selected once, at Open.

const bignumDigits = 20 // fits the full uint64 range

var bignumPadded = true

func init() {
	meddler.Register("bignum", bignumMeddler{})
}

// SetEncoding selects the big-number wire form for the process. Called by
// Open; exported for tests that bypass it.
func SetEncoding(engine Engine) {
	bignumPadded = engine != EnginePostgres
}

// EncodeBlockNum renders a block number (or timestamp) for use as a query
// argument against a bignum column.
func EncodeBlockNum(v uint64) string {
	if !bignumPadded {
		return strconv.FormatUint(v, 10)
	}
	s := strconv.FormatUint(v, 10)
	for len(s) < bignumDigits {
		s = "0" + s
	}
	return s
}

// DecodeBlockNum parses a stored bignum column value.
func DecodeBlockNum(s string) (uint64, error) {
	return strconv.ParseUint(s, 10, 64)
}

// bignumMeddler maps uint64 struct fields onto bignum columns.
type bignumMeddler struct{}

func (bignumMeddler) PreRead(fieldAddr interface{}) (scanTarget interface{}, err error) {
	return new(sql.NullString), nil
}

func (bignumMeddler) PostRead(fieldAddr, scanTarget interface{}) error {
	ns, ok := scanTarget.(*sql.NullString)
	if !ok {
		return fmt.Errorf("expected *sql.NullString, got %T", scanTarget)
	}

	ptr, ok := fieldAddr.(*uint64)
	if !ok {
		return fmt.Errorf("expected *uint64 bignum field, got %T", fieldAddr)
	}

	if !ns.Valid {
		*ptr = 0
		return nil
	}

	v, err := DecodeBlockNum(ns.String)
	if err != nil {
		return fmt.Errorf("invalid bignum column value %q: %w", ns.String, err)
	}
	*ptr = v
	return nil
}

func (bignumMeddler) PreWrite(field interface{}) (saveValue interface{}, err error) {
	v, ok := field.(uint64)
	if !ok {
		return nil, fmt.Errorf("expected uint64 bignum field, got %T", field)
	}
	return EncodeBlockNum(v), nil
}
