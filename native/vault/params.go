package vault

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"btcbridge/bitcoin"
	"btcbridge/crypto"
	"btcbridge/native/records"
)

// MaxPriceDecimals bounds the scale of oracle prices so 10^decimals fits the
// 256-bit arithmetic used for conversions.
const MaxPriceDecimals = 38

// Params configures collateral thresholds, fees and request lifetimes. The
// thresholds are percentages of the collateral value over the tokens a vault
// backs.
type Params struct {
	Network              bitcoin.Network
	Asset                string
	CollateralAsset      string
	MinimumCollateral    *big.Int
	SecureThreshold      uint64
	LiquidationThreshold uint64
	IssueGriefingFee     uint64
	IssueExpiry          uint64
	RedeemExpiry         uint64
	RedeemDustValue      uint64
	QuoteMaxAge          int64
	Oracles              []crypto.Address
}

// DefaultParams mirrors the mainnet vault settings.
func DefaultParams() Params {
	return Params{
		Network:              bitcoin.Mainnet,
		Asset:                records.AssetBTC,
		CollateralAsset:      records.AssetNative,
		MinimumCollateral:    big.NewInt(1_000_000),
		SecureThreshold:      300,
		LiquidationThreshold: 150,
		IssueGriefingFee:     10,
		IssueExpiry:          144,
		RedeemExpiry:         144,
		RedeemDustValue:      1_000,
		QuoteMaxAge:          3600,
	}
}

func (p Params) Validate() error {
	if strings.TrimSpace(p.Asset) == "" || strings.TrimSpace(p.CollateralAsset) == "" {
		return errors.New("vault: asset and collateral asset required")
	}
	if strings.EqualFold(p.Asset, p.CollateralAsset) {
		return errors.New("vault: collateral asset must differ from bridged asset")
	}
	if p.MinimumCollateral == nil || p.MinimumCollateral.Sign() < 0 {
		return errors.New("vault: minimum collateral must be non-negative")
	}
	if p.LiquidationThreshold < 100 {
		return fmt.Errorf("vault: liquidation threshold %d%% below 100%%", p.LiquidationThreshold)
	}
	if p.SecureThreshold < p.LiquidationThreshold {
		return errors.New("vault: secure threshold below liquidation threshold")
	}
	if p.IssueGriefingFee > 100 {
		return errors.New("vault: griefing fee above 100%")
	}
	if p.IssueExpiry == 0 || p.RedeemExpiry == 0 {
		return errors.New("vault: request expiry must be positive")
	}
	if p.QuoteMaxAge <= 0 {
		return errors.New("vault: quote max age must be positive")
	}
	return nil
}

func (p Params) isOracle(addr [20]byte) bool {
	for _, o := range p.Oracles {
		if o.Bytes() == addr {
			return true
		}
	}
	return false
}
