package vault

import (
	"fmt"
	"log/slog"
	"math/big"

	"btcbridge/bitcoin"
	"btcbridge/core/events"
	"btcbridge/crypto"
)

// Status is the collateral health of a vault.
type Status uint8

const (
	StatusActive Status = iota
	StatusLiquidatable
)

func (s Status) String() string {
	if s == StatusLiquidatable {
		return "liquidatable"
	}
	return "active"
}

// Vault is a collateral provider holding bridged BTC in its own wallet.
// ToBeIssued and ToBeRedeemed count tokens of open requests; Issued counts
// tokens backed once issue requests execute.
type Vault struct {
	Account      crypto.Address
	Wallet       string
	Collateral   *big.Int
	ToBeIssued   uint64
	Issued       uint64
	ToBeRedeemed uint64
	Status       Status
}

type storedVault struct {
	Prefix       string
	Account      [20]byte
	Wallet       string
	Collateral   *big.Int
	ToBeIssued   uint64
	Issued       uint64
	ToBeRedeemed uint64
	Status       uint8
}

func (s storedVault) vault() *Vault {
	collateral := new(big.Int)
	if s.Collateral != nil {
		collateral.Set(s.Collateral)
	}
	return &Vault{
		Account:      crypto.NewAddress(crypto.AddressPrefix(s.Prefix), s.Account),
		Wallet:       s.Wallet,
		Collateral:   collateral,
		ToBeIssued:   s.ToBeIssued,
		Issued:       s.Issued,
		ToBeRedeemed: s.ToBeRedeemed,
		Status:       Status(s.Status),
	}
}

// Vault loads the vault registered by account.
func (e *Engine) Vault(account crypto.Address) (*Vault, bool, error) {
	var stored storedVault
	ok, err := e.state.KVGet(vaultKey(account), &stored)
	if err != nil || !ok {
		return nil, false, err
	}
	return stored.vault(), true, nil
}

func (e *Engine) mustVault(account crypto.Address) (*Vault, error) {
	v, ok, err := e.Vault(account)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrVaultNotFound, account)
	}
	return v, nil
}

func (e *Engine) putVault(v *Vault) error {
	collateral := v.Collateral
	if collateral == nil {
		collateral = new(big.Int)
	}
	return e.state.KVPut(vaultKey(v.Account), storedVault{
		Prefix:       string(v.Account.Prefix()),
		Account:      v.Account.Bytes(),
		Wallet:       v.Wallet,
		Collateral:   collateral,
		ToBeIssued:   v.ToBeIssued,
		Issued:       v.Issued,
		ToBeRedeemed: v.ToBeRedeemed,
		Status:       uint8(v.Status),
	})
}

// Vaults lists every registered vault in registration order.
func (e *Engine) Vaults() ([]*Vault, error) {
	var accounts [][]byte
	if err := e.state.KVGetList(vaultIndex, &accounts); err != nil {
		return nil, err
	}
	out := make([]*Vault, 0, len(accounts))
	for _, raw := range accounts {
		var stored storedVault
		ok, err := e.state.KVGet(prefixed(vaultPrefix, raw), &stored)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, stored.vault())
		}
	}
	return out, nil
}

// RegisterVault locks collateral from account and registers wallet as the
// address requesters pay into.
func (e *Engine) RegisterVault(account crypto.Address, collateral *big.Int, wallet string) (*Vault, error) {
	if err := positive(collateral); err != nil {
		return nil, err
	}
	if _, ok, err := e.Vault(account); err != nil {
		return nil, err
	} else if ok {
		return nil, fmt.Errorf("%w: %s", ErrVaultExists, account)
	}
	if collateral.Cmp(e.params.MinimumCollateral) < 0 {
		return nil, fmt.Errorf("%w: %s < %s", ErrInsufficientCollateral, collateral, e.params.MinimumCollateral)
	}
	addr, err := bitcoin.ParseAddress(wallet, e.params.Network)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidWallet, err)
	}
	if err := e.ledger.Reserve(account, e.params.CollateralAsset, collateral); err != nil {
		return nil, wrapLedger("lock collateral", err)
	}
	v := &Vault{
		Account:    account,
		Wallet:     addr.String(),
		Collateral: new(big.Int).Set(collateral),
		Status:     StatusActive,
	}
	if err := e.putVault(v); err != nil {
		return nil, err
	}
	b := account.Bytes()
	if err := e.state.KVAppend(vaultIndex, b[:]); err != nil {
		return nil, err
	}
	e.emitVault(events.TypeVaultRegistered, v)
	return v, nil
}

// AddCollateral locks more collateral for an existing vault. It may return a
// liquidatable vault to active.
func (e *Engine) AddCollateral(account crypto.Address, amount *big.Int) (*Vault, error) {
	if err := positive(amount); err != nil {
		return nil, err
	}
	v, err := e.mustVault(account)
	if err != nil {
		return nil, err
	}
	if err := e.ledger.Reserve(account, e.params.CollateralAsset, amount); err != nil {
		return nil, wrapLedger("lock collateral", err)
	}
	v.Collateral.Add(v.Collateral, amount)
	if err := e.refreshStatus(v); err != nil {
		return nil, err
	}
	if err := e.putVault(v); err != nil {
		return nil, err
	}
	e.emitVault(events.TypeVaultCollateral, v)
	return v, nil
}

// backedTokens counts tokens the collateral must cover for the health check.
func (v *Vault) backedTokens() uint64 {
	return v.Issued + v.ToBeIssued
}

// CollateralRatio reports the current ratio of account's vault in percent.
func (e *Engine) CollateralRatio(account crypto.Address) (uint64, error) {
	v, err := e.mustVault(account)
	if err != nil {
		return 0, err
	}
	rate, err := e.ExchangeRate()
	if err != nil {
		return 0, err
	}
	if rate == nil {
		return 0, ErrNoExchangeRate
	}
	return rate.Price.CollateralRatio(v.Collateral, v.backedTokens())
}

// refreshStatus recomputes the status of v from the stored exchange rate. A
// vault stays as it is while no rate is known.
func (e *Engine) refreshStatus(v *Vault) error {
	rate, err := e.ExchangeRate()
	if err != nil || rate == nil {
		return err
	}
	ratio, err := rate.Price.CollateralRatio(v.Collateral, v.backedTokens())
	if err != nil {
		return err
	}
	next := StatusActive
	if ratio < e.params.LiquidationThreshold {
		next = StatusLiquidatable
	}
	if next != v.Status {
		slog.Warn("vault: status changed", "vault", v.Account.String(), "status", next.String(), "ratio", ratio)
		v.Status = next
		e.emit(events.VaultUpdated{
			Type:         events.TypeVaultStatusChanged,
			Vault:        v.Account,
			Wallet:       v.Wallet,
			Collateral:   new(big.Int).Set(v.Collateral),
			Status:       next.String(),
			RatioPercent: ratio,
		})
	}
	return nil
}

// refreshAll re-evaluates every vault after an exchange rate change.
func (e *Engine) refreshAll() error {
	vaults, err := e.Vaults()
	if err != nil {
		return err
	}
	for _, v := range vaults {
		before := v.Status
		if err := e.refreshStatus(v); err != nil {
			return err
		}
		if v.Status != before {
			if err := e.putVault(v); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *Engine) emitVault(eventType string, v *Vault) {
	e.emit(events.VaultUpdated{
		Type:       eventType,
		Vault:      v.Account,
		Wallet:     v.Wallet,
		Collateral: new(big.Int).Set(v.Collateral),
		Status:     v.Status.String(),
	})
}
