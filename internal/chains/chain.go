// Package chains describes the networks the payment service can settle on.
// Only one network is active per process; the registry exists so the
// configured name can be validated and rendered consistently.
package chains

import (
	"errors"
	"fmt"
	"sort"
)

// ErrUnknownNetwork is returned by Lookup for unregistered names.
var ErrUnknownNetwork = errors.New("unknown network")

// Network describes an EVM network
type Network struct {
	Name          string // "base-sepolia"
	DisplayName   string // "Base Sepolia"
	ChainID       int64
	Explorer      string // transaction explorer base URL
	Confirmations int
	IsTestnet     bool
}

// TxURL returns the explorer link for a transaction hash.
func (n Network) TxURL(txHash string) string {
	if n.Explorer == "" {
		return ""
	}
	return n.Explorer + "/tx/" + txHash
}

// Registry holds the known networks
type Registry struct {
	networks map[string]Network
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		networks: make(map[string]Network),
	}
}

// Register adds a network, replacing any with the same name
func (r *Registry) Register(n Network) {
	r.networks[n.Name] = n
}

// Lookup retrieves a network by name
func (r *Registry) Lookup(name string) (Network, error) {
	n, ok := r.networks[name]
	if !ok {
		return Network{}, fmt.Errorf("%w: %s", ErrUnknownNetwork, name)
	}
	return n, nil
}

// ByChainID finds a network by chain ID
func (r *Registry) ByChainID(id int64) (Network, bool) {
	for _, n := range r.networks {
		if n.ChainID == id {
			return n, true
		}
	}
	return Network{}, false
}

// List returns registered networks sorted by name
func (r *Registry) List() []Network {
	out := make([]Network, 0, len(r.networks))
	for _, n := range r.networks {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// BaseSepolia is the default settlement network.
var BaseSepolia = Network{
	Name:          "base-sepolia",
	DisplayName:   "Base Sepolia",
	ChainID:       84532,
	Explorer:      "https://sepolia.basescan.org",
	Confirmations: 1,
	IsTestnet:     true,
}

// DefaultRegistry returns a registry with the built-in networks
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(BaseSepolia)
	r.Register(Network{
		Name:          "base",
		DisplayName:   "Base",
		ChainID:       8453,
		Explorer:      "https://basescan.org",
		Confirmations: 10,
	})
	return r
}
