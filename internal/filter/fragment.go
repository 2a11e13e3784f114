package filter

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// FragmentKind discriminates the five fragment tables of the interval index.
type FragmentKind string

const (
	KindLog          FragmentKind = "log"
	KindFactoryLog   FragmentKind = "factoryLog"
	KindBlock        FragmentKind = "block"
	KindTrace        FragmentKind = "trace"
	KindFactoryTrace FragmentKind = "factoryTrace"
)

// Fragment is a canonical storage-level subdivision of a filter. The union of
// a filter's fragments equals the filter; each fragment carries at most one
// value per distinguishing column so coverage can be tracked independently.
type Fragment struct {
	ID      string
	Kind    FragmentKind
	ChainID uint64

	// Log fragment columns. Nil means wildcard.
	Address         *common.Address
	Topic0          *common.Hash
	Topic1          *common.Hash
	Topic2          *common.Hash
	Topic3          *common.Hash
	IncludeReceipts bool

	// Block fragment columns.
	Interval uint64
	Offset   uint64

	// Trace fragment columns.
	FromAddress *common.Address
	ToAddress   *common.Address
	Selector    string

	// Factory columns, set on factoryLog and factoryTrace fragments.
	Factory *Factory
}

// fragment id column encoding: nil columns encode as the literal "null" so
// that ids stay stable when optional columns are introduced.
func col[T fmt.Stringer](v *T) string {
	if v == nil {
		return "null"
	}
	return strings.ToLower((*v).String())
}

func colStr(v string) string {
	if v == "" {
		return "null"
	}
	return strings.ToLower(v)
}

// Fragments decomposes a log filter: one fragment per address per value in
// each topic slot. Single-element slots collapse to their scalar, so [x] and
// x derive identical ids.
func (f *LogFilter) Fragments() []Fragment {
	var fragments []Fragment

	addresses, factory := expandAddressSource(f.Address)

	for _, address := range addresses {
		for _, t0 := range expandSlot(f.Topics[0]) {
			for _, t1 := range expandSlot(f.Topics[1]) {
				for _, t2 := range expandSlot(f.Topics[2]) {
					for _, t3 := range expandSlot(f.Topics[3]) {
						frag := Fragment{
							Kind:            KindLog,
							ChainID:         f.ChainID,
							Address:         address,
							Topic0:          t0,
							Topic1:          t1,
							Topic2:          t2,
							Topic3:          t3,
							IncludeReceipts: f.IncludeReceipts,
							Factory:         factory,
						}
						if factory != nil {
							frag.Kind = KindFactoryLog
							frag.ID = fmt.Sprintf("%d_%s_%s_%s_%s_%s_%s_%s_%t",
								f.ChainID,
								strings.ToLower(factory.Address.Hex()),
								strings.ToLower(factory.EventSelector.Hex()),
								factory.Location,
								col(t0), col(t1), col(t2), col(t3),
								f.IncludeReceipts,
							)
						} else {
							frag.ID = fmt.Sprintf("%d_%s_%s_%s_%s_%s_%t",
								f.ChainID,
								col(address),
								col(t0), col(t1), col(t2), col(t3),
								f.IncludeReceipts,
							)
						}
						fragments = append(fragments, frag)
					}
				}
			}
		}
	}

	return fragments
}

// Fragments for a block filter: always exactly one.
func (f *BlockFilter) Fragments() []Fragment {
	return []Fragment{{
		ID:       fmt.Sprintf("%d_%d_%d", f.ChainID, f.Interval, f.Offset),
		Kind:     KindBlock,
		ChainID:  f.ChainID,
		Interval: f.Interval,
		Offset:   f.Offset,
	}}
}

// Fragments decomposes a trace filter: one fragment per (caller, callee,
// selector) combination.
func (f *TraceFilter) Fragments() []Fragment {
	var fragments []Fragment

	toAddresses, factory := expandAddressSource(f.ToAddress)
	fromAddresses := []*common.Address{nil}
	if len(f.FromAddress) > 0 {
		fromAddresses = fromAddresses[:0]
		for i := range f.FromAddress {
			fromAddresses = append(fromAddresses, &f.FromAddress[i])
		}
	}

	selectors := []string{""}
	if len(f.FunctionSelectors) > 0 {
		selectors = f.FunctionSelectors
	}

	for _, from := range fromAddresses {
		for _, to := range toAddresses {
			for _, selector := range selectors {
				frag := Fragment{
					Kind:        KindTrace,
					ChainID:     f.ChainID,
					FromAddress: from,
					ToAddress:   to,
					Selector:    strings.ToLower(selector),
					Factory:     factory,
				}
				if factory != nil {
					frag.Kind = KindFactoryTrace
					frag.ID = fmt.Sprintf("%d_%s_%s_%s_%s_%s",
						f.ChainID,
						strings.ToLower(factory.Address.Hex()),
						strings.ToLower(factory.EventSelector.Hex()),
						factory.Location,
						col(from),
						colStr(selector),
					)
				} else {
					frag.ID = fmt.Sprintf("%d_%s_%s_%s",
						f.ChainID,
						col(from),
						col(to),
						colStr(selector),
					)
				}
				fragments = append(fragments, frag)
			}
		}
	}

	return fragments
}

// expandAddressSource flattens an address source into per-fragment address
// pointers. Factories produce a single nil address (the fragment is keyed by
// the factory columns instead).
func expandAddressSource(source AddressSource) ([]*common.Address, *Factory) {
	switch s := source.(type) {
	case nil:
		return []*common.Address{nil}, nil
	case *Factory:
		return []*common.Address{nil}, s
	case AddressList:
		if len(s) == 0 {
			return []*common.Address{nil}, nil
		}
		out := make([]*common.Address, len(s))
		for i := range s {
			out[i] = &s[i]
		}
		return out, nil
	default:
		return []*common.Address{nil}, nil
	}
}

// expandSlot flattens a topic slot into per-fragment values; a nil slot is
// the single wildcard value.
func expandSlot(slot TopicSlot) []*common.Hash {
	if len(slot) == 0 {
		return []*common.Hash{nil}
	}
	out := make([]*common.Hash, len(slot))
	for i := range slot {
		out[i] = &slot[i]
	}
	return out
}
