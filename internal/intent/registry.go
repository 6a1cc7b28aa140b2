package intent

import (
	"fmt"
	"slices"
	"strings"

	"github.com/tkingovr/txguard/api"
	"github.com/tkingovr/txguard/internal/evm"
)

// Token is a fungible asset known on a chain.
type Token struct {
	Symbol   string `yaml:"symbol" json:"symbol"`
	Address  string `yaml:"address" json:"address"`
	Decimals int    `yaml:"decimals" json:"decimals"`
}

// Protocol is a named set of official contracts.
type Protocol struct {
	Name      string           `yaml:"name" json:"name"`
	Aliases   []string         `yaml:"aliases,omitempty" json:"aliases,omitempty"`
	Addresses []string         `yaml:"addresses" json:"addresses"`
	Actions   []api.ActionKind `yaml:"actions" json:"actions"`
	// ReceiptToken is the symbol of the token minted to the sender on stake.
	ReceiptToken    string `yaml:"receipt_token,omitempty" json:"receipt_token,omitempty"`
	ReceiptOneToOne bool   `yaml:"receipt_one_to_one,omitempty" json:"receipt_one_to_one,omitempty"`
}

// Chain is the registry entry for one chain id.
type Chain struct {
	ID           uint64     `yaml:"id" json:"id"`
	Name         string     `yaml:"name" json:"name"`
	NativeSymbol string     `yaml:"native_symbol" json:"native_symbol"`
	Tokens       []Token    `yaml:"tokens,omitempty" json:"tokens,omitempty"`
	Protocols    []Protocol `yaml:"protocols,omitempty" json:"protocols,omitempty"`
}

// Asset is a resolved asset reference.
type Asset struct {
	ID       string
	Symbol   string
	Decimals int
}

// Registry resolves symbols and protocol names per chain.
type Registry struct {
	chains map[uint64]*Chain
}

// NewRegistry builds a registry, normalizing addresses.
func NewRegistry(chains []Chain) (*Registry, error) {
	r := &Registry{chains: make(map[uint64]*Chain, len(chains))}
	for _, c := range chains {
		c := c
		if c.NativeSymbol == "" {
			return nil, fmt.Errorf("chain %d: native_symbol is required", c.ID)
		}
		for i, t := range c.Tokens {
			addr, err := evm.NormalizeAddress(t.Address)
			if err != nil {
				return nil, fmt.Errorf("chain %d token %s: %w", c.ID, t.Symbol, err)
			}
			c.Tokens[i].Address = addr
		}
		for i, p := range c.Protocols {
			for j, a := range p.Addresses {
				addr, err := evm.NormalizeAddress(a)
				if err != nil {
					return nil, fmt.Errorf("chain %d protocol %s: %w", c.ID, p.Name, err)
				}
				c.Protocols[i].Addresses[j] = addr
			}
		}
		r.chains[c.ID] = &c
	}
	return r, nil
}

// DefaultRegistry returns the built-in registry.
func DefaultRegistry() *Registry {
	r, err := NewRegistry(DefaultChains())
	if err != nil {
		panic(err)
	}
	return r
}

// Supports reports whether the chain id is registered.
func (r *Registry) Supports(chainID uint64) bool {
	_, ok := r.chains[chainID]
	return ok
}

// Symbols returns every symbol known on any chain, longest first, lowercased.
func (r *Registry) Symbols() []string {
	seen := map[string]bool{}
	var out []string
	add := func(s string) {
		s = strings.ToLower(s)
		if s != "" && !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	for _, c := range r.chains {
		add(c.NativeSymbol)
		for _, t := range c.Tokens {
			add(t.Symbol)
		}
	}
	slices.SortFunc(out, func(a, b string) int {
		if len(a) != len(b) {
			return len(b) - len(a)
		}
		return strings.Compare(a, b)
	})
	return out
}

// ProtocolNames returns every protocol name and alias, lowercased.
func (r *Registry) ProtocolNames() []string {
	seen := map[string]bool{}
	var out []string
	for _, c := range r.chains {
		for _, p := range c.Protocols {
			for _, n := range append([]string{p.Name}, p.Aliases...) {
				n = strings.ToLower(n)
				if !seen[n] {
					seen[n] = true
					out = append(out, n)
				}
			}
		}
	}
	slices.Sort(out)
	return out
}

// Resolve maps a symbol or token address to an asset on the chain.
func (r *Registry) Resolve(chainID uint64, ref string) (Asset, error) {
	c, ok := r.chains[chainID]
	if !ok {
		return Asset{}, fmt.Errorf("unsupported chain %d", chainID)
	}
	if strings.EqualFold(ref, c.NativeSymbol) || strings.EqualFold(ref, evm.Native) {
		return Asset{ID: evm.Native, Symbol: c.NativeSymbol, Decimals: 18}, nil
	}
	for _, t := range c.Tokens {
		if strings.EqualFold(ref, t.Symbol) || strings.EqualFold(ref, t.Address) {
			return Asset{ID: t.Address, Symbol: t.Symbol, Decimals: t.Decimals}, nil
		}
	}
	return Asset{}, fmt.Errorf("unknown asset %q on chain %d", ref, chainID)
}

// Protocol finds a protocol by name or alias on the chain.
func (r *Registry) Protocol(chainID uint64, name string) (Protocol, bool) {
	c, ok := r.chains[chainID]
	if !ok {
		return Protocol{}, false
	}
	for _, p := range c.Protocols {
		if strings.EqualFold(p.Name, name) {
			return p, true
		}
		for _, a := range p.Aliases {
			if strings.EqualFold(a, name) {
				return p, true
			}
		}
	}
	return Protocol{}, false
}

// ProtocolsFor returns the protocols on the chain that support the action.
func (r *Registry) ProtocolsFor(chainID uint64, action api.ActionKind) []Protocol {
	c, ok := r.chains[chainID]
	if !ok {
		return nil
	}
	var out []Protocol
	for _, p := range c.Protocols {
		if slices.Contains(p.Actions, action) {
			out = append(out, p)
		}
	}
	return out
}

// DefaultChains is the built-in registry data.
func DefaultChains() []Chain {
	return []Chain{
		{
			ID:           1,
			Name:         "mainnet",
			NativeSymbol: "ETH",
			Tokens: []Token{
				{Symbol: "WETH", Address: "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2", Decimals: 18},
				{Symbol: "USDC", Address: "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48", Decimals: 6},
				{Symbol: "USDT", Address: "0xdAC17F958D2ee523a2206206994597C13D831ec7", Decimals: 6},
				{Symbol: "DAI", Address: "0x6B175474E89094C44Da98b954EedeAC495271d0F", Decimals: 18},
				{Symbol: "WBTC", Address: "0x2260FAC5E5542a773Aa44fBCfeDf7C193bc2C599", Decimals: 8},
				{Symbol: "stETH", Address: "0xae7ab96520DE3A18E5e111B5EaAb095312D7fE84", Decimals: 18},
			},
			Protocols: []Protocol{
				{
					Name:    "uniswap",
					Aliases: []string{"uni", "uniswap v2", "uniswap v3"},
					Addresses: []string{
						"0x7a250d5630B4cF539739dF2C5dAcb4c659F2488D",
						"0xE592427A0AEce92De3Edee1F18E0157C05861564",
						"0x3fC91A3afd70395Cd496C647d5a6CC9D4B2b7FAD",
					},
					Actions: []api.ActionKind{api.ActionSwap},
				},
				{
					Name:            "lido",
					Aliases:         []string{"steth"},
					Addresses:       []string{"0xae7ab96520DE3A18E5e111B5EaAb095312D7fE84"},
					Actions:         []api.ActionKind{api.ActionStake},
					ReceiptToken:    "stETH",
					ReceiptOneToOne: true,
				},
				{
					Name:      "aave",
					Aliases:   []string{"aave v3"},
					Addresses: []string{"0x87870Bca3F3fD6335C3F4ce8392D69350B4fA4E2"},
					Actions:   []api.ActionKind{api.ActionStake},
				},
			},
		},
		{ID: 11155111, Name: "sepolia", NativeSymbol: "ETH"},
		{ID: 42161, Name: "arbitrum", NativeSymbol: "ETH"},
		{ID: 137, Name: "polygon", NativeSymbol: "POL"},
	}
}
