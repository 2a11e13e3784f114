package filter

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// ChildAddressLocation says where a factory's child address lives inside the
// factory event: one of the indexed topics, or a byte offset into the data.
type ChildAddressLocation struct {
	// Topic is 1, 2 or 3 when the address is an indexed parameter; 0 when the
	// address is read from the data section.
	Topic int

	// Offset is the byte offset into the log data at which the 32-byte word
	// holding the address starts. Only meaningful when Topic == 0.
	Offset int
}

// ParseChildAddressLocation accepts "topic1", "topic2", "topic3" or
// "offset<N>" where N is a non-negative byte offset into the log data.
func ParseChildAddressLocation(s string) (ChildAddressLocation, error) {
	switch s {
	case "topic1":
		return ChildAddressLocation{Topic: 1}, nil
	case "topic2":
		return ChildAddressLocation{Topic: 2}, nil
	case "topic3":
		return ChildAddressLocation{Topic: 3}, nil
	}

	if rest, ok := strings.CutPrefix(s, "offset"); ok {
		offset, err := strconv.Atoi(rest)
		if err != nil || offset < 0 {
			return ChildAddressLocation{}, fmt.Errorf("invalid child address offset: %q", s)
		}
		return ChildAddressLocation{Offset: offset}, nil
	}

	return ChildAddressLocation{}, fmt.Errorf("invalid child address location: %q", s)
}

// String returns the canonical form used in fragment ids.
func (l ChildAddressLocation) String() string {
	if l.Topic > 0 {
		return fmt.Sprintf("topic%d", l.Topic)
	}
	return fmt.Sprintf("offset%d", l.Offset)
}

// Factory describes an address set defined by emissions of a prior log: every
// log emitted by Address with topic0 == EventSelector announces one child
// address, decoded from Location.
type Factory struct {
	ChainID       uint64
	Address       common.Address
	EventSelector common.Hash
	Location      ChildAddressLocation
}

// DecodeChildAddress extracts the child address announced by a factory log.
// Returns false if the log does not carry the address at the configured
// location.
func (f *Factory) DecodeChildAddress(topics []common.Hash, data []byte) (common.Address, bool) {
	if f.Location.Topic > 0 {
		if len(topics) <= f.Location.Topic {
			return common.Address{}, false
		}
		return common.BytesToAddress(topics[f.Location.Topic].Bytes()), true
	}

	end := f.Location.Offset + 32
	if len(data) < end {
		return common.Address{}, false
	}
	return common.BytesToAddress(data[f.Location.Offset:end]), true
}

// AddressSource is either a concrete address list or a Factory. A nil source
// on a log filter means "any address".
type AddressSource interface {
	isAddressSource()
}

// AddressList is an enumerated set of contract addresses.
type AddressList []common.Address

func (AddressList) isAddressSource() {}
func (*Factory) isAddressSource()    {}

// IsAddressFactory reports whether the source is factory-defined.
func IsAddressFactory(source AddressSource) bool {
	_, ok := source.(*Factory)
	return ok
}
