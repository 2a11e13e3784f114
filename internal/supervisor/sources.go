package supervisor

import (
	"fmt"
	"strings"

	"github.com/KONFeature/ponder/internal/filter"
	"github.com/KONFeature/ponder/internal/historical"
	"github.com/KONFeature/ponder/pkg/config"
	"github.com/ethereum/go-ethereum/common"
)

// buildSources translates the configuration into the engine's filter model.
// The returned slice order is the configuration order (contracts before block
// sources, each expanded per network), which fixes the filterIndex tiebreak
// of the event stream across runs.
func buildSources(cfg *config.Config) ([]historical.Source, error) {
	var sources []historical.Source

	for i := range cfg.Contracts {
		contract := &cfg.Contracts[i]

		for _, networkName := range contract.Networks {
			network, ok := cfg.Network(networkName)
			if !ok {
				return nil, fmt.Errorf("contract %s references unknown network %q", contract.Name, networkName)
			}

			address, err := parseAddressSource(contract, network.ChainID)
			if err != nil {
				return nil, err
			}

			logFilter := &filter.LogFilter{
				ChainID:         network.ChainID,
				FromBlock:       contract.StartBlock,
				ToBlock:         contract.EndBlock,
				Address:         address,
				IncludeReceipts: contract.IncludeReceipts,
			}
			if len(contract.Topic0) > 0 {
				slot := make(filter.TopicSlot, 0, len(contract.Topic0))
				for _, topic := range contract.Topic0 {
					slot = append(slot, common.HexToHash(topic))
				}
				logFilter.Topics[0] = slot
			}
			sources = append(sources, historical.Source{
				Filter:        logFilter,
				MaxBlockRange: contract.MaxBlockRange,
			})

			if contract.CallTraces {
				traceFilter := &filter.TraceFilter{
					ChainID:   network.ChainID,
					FromBlock: contract.StartBlock,
					ToBlock:   contract.EndBlock,
					ToAddress: address,
				}
				for _, selector := range contract.FunctionSelectors {
					traceFilter.FunctionSelectors = append(traceFilter.FunctionSelectors, strings.ToLower(selector))
				}
				sources = append(sources, historical.Source{
					Filter:        traceFilter,
					MaxBlockRange: contract.MaxBlockRange,
				})
			}
		}
	}

	for i := range cfg.Blocks {
		blockSource := &cfg.Blocks[i]
		network, ok := cfg.Network(blockSource.Network)
		if !ok {
			return nil, fmt.Errorf("block source %s references unknown network %q", blockSource.Name, blockSource.Network)
		}

		sources = append(sources, historical.Source{
			Filter: &filter.BlockFilter{
				ChainID:   network.ChainID,
				FromBlock: blockSource.StartBlock,
				ToBlock:   blockSource.EndBlock,
				Interval:  blockSource.Interval,
				Offset:    blockSource.Offset,
			},
		})
	}

	return sources, nil
}

func parseAddressSource(contract *config.ContractConfig, chainID uint64) (filter.AddressSource, error) {
	if contract.Factory != nil {
		location, err := filter.ParseChildAddressLocation(contract.Factory.ChildAddressLocation)
		if err != nil {
			return nil, fmt.Errorf("contract %s: %w", contract.Name, err)
		}
		return &filter.Factory{
			ChainID:       chainID,
			Address:       common.HexToAddress(contract.Factory.Address),
			EventSelector: common.HexToHash(contract.Factory.EventSelector),
			Location:      location,
		}, nil
	}

	if len(contract.Address) == 0 {
		return nil, nil
	}

	list := make(filter.AddressList, 0, len(contract.Address))
	for _, addr := range contract.Address {
		list = append(list, common.HexToAddress(addr))
	}
	return list, nil
}

// filtersOf projects the source list to its filters, preserving order.
func filtersOf(sources []historical.Source) []filter.Filter {
	filters := make([]filter.Filter, len(sources))
	for i, source := range sources {
		filters[i] = source.Filter
	}
	return filters
}

// sourcesByChain groups sources per chain id, preserving order.
func sourcesByChain(sources []historical.Source) map[uint64][]historical.Source {
	grouped := make(map[uint64][]historical.Source)
	for _, source := range sources {
		chainID := source.Filter.Chain()
		grouped[chainID] = append(grouped[chainID], source)
	}
	return grouped
}
