package db

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/russross/meddler"
)

func init() {
	meddler.Register("address", hexMeddler[common.Address]{
		parse: func(s string) common.Address { return common.HexToAddress(s) },
	})
	meddler.Register("hash", hexMeddler[common.Hash]{
		parse: func(s string) common.Hash { return common.HexToHash(s) },
	})
}

// hexMeddler converts between a 0x-hex database column and common.Address or
// common.Hash fields, including their pointer forms for nullable columns.
// Values are written lowercased so SQL equality works without COLLATE tricks.
type hexMeddler[T interface{ Hex() string }] struct {
	parse func(string) T
}

func (m hexMeddler[T]) PreRead(fieldAddr interface{}) (scanTarget interface{}, err error) {
	return new(sql.NullString), nil
}

func (m hexMeddler[T]) PostRead(fieldAddr, scanTarget interface{}) error {
	ns, ok := scanTarget.(*sql.NullString)
	if !ok {
		return fmt.Errorf("expected *sql.NullString, got %T", scanTarget)
	}

	switch ptr := fieldAddr.(type) {
	case **T:
		if !ns.Valid {
			*ptr = nil
			return nil
		}
		v := m.parse(ns.String)
		*ptr = &v
		return nil
	case *T:
		if !ns.Valid {
			var zero T
			*ptr = zero
			return nil
		}
		*ptr = m.parse(ns.String)
		return nil
	}

	return fmt.Errorf("unsupported hex field type %T", fieldAddr)
}

func (m hexMeddler[T]) PreWrite(field interface{}) (saveValue interface{}, err error) {
	switch v := field.(type) {
	case *T:
		if v == nil {
			return nil, nil
		}
		return strings.ToLower((*v).Hex()), nil
	case T:
		return strings.ToLower(v.Hex()), nil
	}

	return nil, fmt.Errorf("unsupported hex field type %T", field)
}
