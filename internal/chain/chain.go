// Package chain registers the currencies the swap daemon operates on and
// their btcd network parameters. All chain-specific values are hardcoded
// here - no external configuration needed.
package chain

import (
	"fmt"

	"github.com/btcsuite/btcd/chaincfg"
)

// Network represents the network a daemon instance runs against.
type Network string

const (
	Mainnet Network = "mainnet"
	Testnet Network = "testnet"
	Regtest Network = "regtest"
)

// Currency contains the parameters of one supported UTXO chain.
type Currency struct {
	// Identity
	Symbol   string // BTC, LTC
	Name     string // Bitcoin, Litecoin
	Decimals uint8  // 8 for all supported chains

	// BIP44 coin type used by the wallet keychain.
	CoinType uint32

	// Params are the btcd network parameters used for address
	// encoding and script building.
	Params *chaincfg.Params

	// MinFeeRate is the broadcast floor in sat/vB. Claim and refund
	// transactions never pay less than this.
	MinFeeRate uint64

	// BlockTimeSeconds is the target block interval, used to estimate
	// the wall-clock distance to a timeout height.
	BlockTimeSeconds uint32
}

// ParseNetwork validates a network string from configuration.
func ParseNetwork(s string) (Network, error) {
	switch Network(s) {
	case Mainnet, Testnet, Regtest:
		return Network(s), nil
	}
	return "", fmt.Errorf("unknown network: %q", s)
}

// Registry holds all currency parameters indexed by symbol and network.
var registry = make(map[string]map[Network]*Currency)

// Register adds a currency to the registry.
func Register(symbol string, network Network, currency *Currency) {
	if registry[symbol] == nil {
		registry[symbol] = make(map[Network]*Currency)
	}
	registry[symbol][network] = currency
}

// Get returns the currency for a symbol and network.
func Get(symbol string, network Network) (*Currency, bool) {
	nets, ok := registry[symbol]
	if !ok {
		return nil, false
	}
	currency, ok := nets[network]
	return currency, ok
}

// MustGet is Get for callers that have already validated the symbol.
// It panics on unknown currencies.
func MustGet(symbol string, network Network) *Currency {
	currency, ok := Get(symbol, network)
	if !ok {
		panic(fmt.Sprintf("chain: unregistered currency %s/%s", symbol, network))
	}
	return currency
}

// List returns all registered currency symbols.
func List() []string {
	symbols := make([]string, 0, len(registry))
	for symbol := range registry {
		symbols = append(symbols, symbol)
	}
	return symbols
}

// IsSupported returns true if the symbol is registered for the network.
func IsSupported(symbol string, network Network) bool {
	_, ok := Get(symbol, network)
	return ok
}
