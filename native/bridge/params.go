package bridge

import (
	"errors"
	"strings"

	"btcbridge/bitcoin"
	"btcbridge/crypto"
	"btcbridge/native/records"
)

// Params configures deposit and withdrawal handling.
type Params struct {
	Network            bitcoin.Network
	AccountPrefix      crypto.AddressPrefix
	Asset              string
	MinDeposit         uint64
	WithdrawalFee      uint64
	MaxWithdrawalCount uint32
}

// DefaultParams returns the mainnet deposit and withdrawal settings.
func DefaultParams() Params {
	return Params{
		Network:            bitcoin.Mainnet,
		AccountPrefix:      crypto.AccountPrefix,
		Asset:              records.AssetBTC,
		MinDeposit:         100_000,
		WithdrawalFee:      500_000,
		MaxWithdrawalCount: 100,
	}
}

func (p Params) Validate() error {
	if strings.TrimSpace(p.Asset) == "" {
		return errors.New("bridge: asset required")
	}
	if p.MaxWithdrawalCount == 0 {
		return errors.New("bridge: max withdrawal count must be positive")
	}
	switch p.AccountPrefix {
	case "", crypto.AccountPrefix, crypto.TestPrefix:
	default:
		return errors.New("bridge: unknown account prefix")
	}
	return nil
}
