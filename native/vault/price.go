package vault

import (
	"errors"
	"math"
	"math/big"

	"github.com/holiman/uint256"
)

var (
	ErrOverflow       = errors.New("vault: arithmetic overflow")
	ErrNoExchangeRate = errors.New("vault: exchange rate not set")
)

// TradingPrice is the collateral/BTC price: one collateral base unit is worth
// Price / 10^Decimals satoshi. 0.0001779 is {Price: 1779, Decimals: 7}.
type TradingPrice struct {
	Price    uint64
	Decimals uint8
}

func (p TradingPrice) scale() (*uint256.Int, error) {
	if p.Decimals > MaxPriceDecimals {
		return nil, ErrOverflow
	}
	return new(uint256.Int).Exp(uint256.NewInt(10), uint256.NewInt(uint64(p.Decimals))), nil
}

// ToBTC converts a collateral amount into satoshi, rounding down.
func (p TradingPrice) ToBTC(collateral *big.Int) (*big.Int, error) {
	if p.Price == 0 {
		return nil, ErrNoExchangeRate
	}
	if collateral == nil || collateral.Sign() <= 0 {
		return new(big.Int), nil
	}
	amount, overflow := uint256.FromBig(collateral)
	if overflow {
		return nil, ErrOverflow
	}
	scale, err := p.scale()
	if err != nil {
		return nil, err
	}
	product, overflow := new(uint256.Int).MulOverflow(amount, uint256.NewInt(p.Price))
	if overflow {
		return nil, ErrOverflow
	}
	return product.Div(product, scale).ToBig(), nil
}

// ToCollateral converts satoshi into collateral base units, rounding down.
func (p TradingPrice) ToCollateral(btc uint64) (*big.Int, error) {
	if p.Price == 0 {
		return nil, ErrNoExchangeRate
	}
	scale, err := p.scale()
	if err != nil {
		return nil, err
	}
	product, overflow := new(uint256.Int).MulOverflow(uint256.NewInt(btc), scale)
	if overflow {
		return nil, ErrOverflow
	}
	return product.Div(product, uint256.NewInt(p.Price)).ToBig(), nil
}

// CollateralRatio returns collateral value over tokens in percent. A vault
// backing no tokens reports math.MaxUint64.
func (p TradingPrice) CollateralRatio(collateral *big.Int, tokens uint64) (uint64, error) {
	if tokens == 0 {
		return math.MaxUint64, nil
	}
	value, err := p.ToBTC(collateral)
	if err != nil {
		return 0, err
	}
	ratio := value.Mul(value, big.NewInt(100))
	ratio.Quo(ratio, new(big.Int).SetUint64(tokens))
	if !ratio.IsUint64() {
		return math.MaxUint64, nil
	}
	return ratio.Uint64(), nil
}

// percentCeil returns ceil(amount * percent / 100).
func percentCeil(amount *big.Int, percent uint64) *big.Int {
	out := new(big.Int).Mul(amount, new(big.Int).SetUint64(percent))
	out.Add(out, big.NewInt(99))
	return out.Quo(out, big.NewInt(100))
}
