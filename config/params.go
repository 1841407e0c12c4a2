package config

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"btcbridge/bitcoin"
	"btcbridge/crypto"
	"btcbridge/native/bridge"
	"btcbridge/native/bridge/detector"
	"btcbridge/native/bridge/headers"
	"btcbridge/native/vault"
)

func (c *Config) BitcoinNetwork() (bitcoin.Network, error) {
	return bitcoin.ParseNetwork(c.Network)
}

// HeaderParams returns the network defaults with the configured overrides.
func (c *Config) HeaderParams() (headers.Params, error) {
	net, err := c.BitcoinNetwork()
	if err != nil {
		return headers.Params{}, err
	}
	p := headers.ForNetwork(net)
	if c.Headers.ConfirmationNumber > 0 {
		p.ConfirmationNumber = c.Headers.ConfirmationNumber
	}
	if c.Headers.ReservedBlock > 0 {
		p.ReservedBlock = c.Headers.ReservedBlock
	}
	if p.BestChain, err = headers.ParseBestChainRule(c.Headers.BestChain); err != nil {
		return headers.Params{}, err
	}
	return p, p.Validate()
}

func (c *Config) BridgeParams() (bridge.Params, error) {
	net, err := c.BitcoinNetwork()
	if err != nil {
		return bridge.Params{}, err
	}
	p := bridge.DefaultParams()
	p.Network = net
	if prefix := strings.TrimSpace(c.Bridge.AccountPrefix); prefix != "" {
		p.AccountPrefix = crypto.AddressPrefix(prefix)
	}
	if c.Bridge.MinDeposit > 0 {
		p.MinDeposit = c.Bridge.MinDeposit
	}
	if c.Bridge.WithdrawalFee > 0 {
		p.WithdrawalFee = c.Bridge.WithdrawalFee
	}
	if c.Bridge.MaxWithdrawalCount > 0 {
		p.MaxWithdrawalCount = c.Bridge.MaxWithdrawalCount
	}
	return p, p.Validate()
}

func (c *Config) VaultParams() (vault.Params, error) {
	net, err := c.BitcoinNetwork()
	if err != nil {
		return vault.Params{}, err
	}
	v := c.Vault
	p := vault.DefaultParams()
	p.Network = net
	if s := strings.TrimSpace(v.MinimumCollateral); s != "" {
		amount, ok := new(big.Int).SetString(s, 10)
		if !ok {
			return vault.Params{}, fmt.Errorf("config: Vault.MinimumCollateral %q is not an integer", s)
		}
		p.MinimumCollateral = amount
	}
	if v.SecureThreshold > 0 {
		p.SecureThreshold = v.SecureThreshold
	}
	if v.LiquidationThreshold > 0 {
		p.LiquidationThreshold = v.LiquidationThreshold
	}
	if v.IssueGriefingFee > 0 {
		p.IssueGriefingFee = v.IssueGriefingFee
	}
	if v.IssueExpiry > 0 {
		p.IssueExpiry = v.IssueExpiry
	}
	if v.RedeemExpiry > 0 {
		p.RedeemExpiry = v.RedeemExpiry
	}
	if v.RedeemDustValue > 0 {
		p.RedeemDustValue = v.RedeemDustValue
	}
	if v.QuoteMaxAge > 0 {
		p.QuoteMaxAge = v.QuoteMaxAge
	}
	for _, o := range v.Oracles {
		addr, err := crypto.DecodeAddress(strings.TrimSpace(o))
		if err != nil {
			return vault.Params{}, fmt.Errorf("config: oracle %q: %w", o, err)
		}
		p.Oracles = append(p.Oracles, addr)
	}
	return p, p.Validate()
}

// TrusteeSession returns the configured initial session, or nil when none is
// set.
func (c *Config) TrusteeSession() (*bridge.TrusteeSession, error) {
	t := c.Trustees
	if t.Hot == "" && t.Cold == "" && len(t.Members) == 0 {
		return nil, nil
	}
	net, err := c.BitcoinNetwork()
	if err != nil {
		return nil, err
	}
	hot, err := bitcoin.ParseAddress(t.Hot, net)
	if err != nil {
		return nil, fmt.Errorf("config: Trustees.Hot: %w", err)
	}
	cold, err := bitcoin.ParseAddress(t.Cold, net)
	if err != nil {
		return nil, fmt.Errorf("config: Trustees.Cold: %w", err)
	}
	members := make([]crypto.Address, 0, len(t.Members))
	for _, m := range t.Members {
		addr, err := crypto.DecodeAddress(strings.TrimSpace(m))
		if err != nil {
			return nil, fmt.Errorf("config: trustee %q: %w", m, err)
		}
		members = append(members, addr)
	}
	return &bridge.TrusteeSession{
		Pair:      detector.TrusteePair{Hot: hot, Cold: cold},
		Trustees:  members,
		Threshold: t.Threshold,
	}, nil
}

// GenesisHeader decodes the configured trusted header.
func (c *Config) GenesisHeader() ([]byte, error) {
	s := strings.TrimSpace(c.Genesis.Header)
	if s == "" {
		return nil, nil
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("config: Genesis.Header: %w", err)
	}
	if _, err := bitcoin.DecodeHeader(raw); err != nil {
		return nil, fmt.Errorf("config: Genesis.Header: %w", err)
	}
	return raw, nil
}
