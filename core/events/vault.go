package events

import (
	"math/big"
	"strconv"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"btcbridge/core/types"
	"btcbridge/crypto"
)

const (
	TypeVaultRegistered     = "vault.registered"
	TypeVaultCollateral     = "vault.collateral_added"
	TypeVaultStatusChanged  = "vault.status_changed"
	TypeExchangeRateUpdated = "vault.exchange_rate_updated"
	TypeIssueRequested      = "vault.issue.requested"
	TypeIssueExecuted       = "vault.issue.executed"
	TypeIssueCancelled      = "vault.issue.cancelled"
	TypeRedeemRequested     = "vault.redeem.requested"
	TypeRedeemExecuted      = "vault.redeem.executed"
	TypeRedeemCancelled     = "vault.redeem.cancelled"
)

func formatBig(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

// VaultUpdated covers registration, collateral top-ups and status changes.
type VaultUpdated struct {
	Type         string
	Vault        crypto.Address
	Wallet       string
	Collateral   *big.Int
	Status       string
	RatioPercent uint64
}

func (e VaultUpdated) EventType() string { return e.Type }

func (e VaultUpdated) Event() *types.Event {
	return &types.Event{
		Type: e.Type,
		Attributes: map[string]string{
			"vault":      e.Vault.String(),
			"wallet":     e.Wallet,
			"collateral": formatBig(e.Collateral),
			"status":     e.Status,
			"ratio":      formatU64(e.RatioPercent),
		},
	}
}

// ExchangeRateUpdated is emitted when an oracle quote is accepted.
type ExchangeRateUpdated struct {
	Price    uint64
	Decimals uint8
	Oracle   crypto.Address
}

func (ExchangeRateUpdated) EventType() string { return TypeExchangeRateUpdated }

func (e ExchangeRateUpdated) Event() *types.Event {
	return &types.Event{
		Type: TypeExchangeRateUpdated,
		Attributes: map[string]string{
			"price":    formatU64(e.Price),
			"decimals": strconv.Itoa(int(e.Decimals)),
			"oracle":   e.Oracle.String(),
		},
	}
}

// RequestEvent describes a transition of an issue or redeem request.
type RequestEvent struct {
	Type       string
	ID         uint64
	Requester  crypto.Address
	Vault      crypto.Address
	Amount     uint64
	Collateral *big.Int
	BtcAddress string
	TxID       chainhash.Hash
	Reimburse  bool
}

func (e RequestEvent) EventType() string { return e.Type }

func (e RequestEvent) Event() *types.Event {
	attrs := map[string]string{
		"id":        formatU64(e.ID),
		"requester": e.Requester.String(),
		"vault":     e.Vault.String(),
		"amount":    formatU64(e.Amount),
	}
	if e.Collateral != nil {
		attrs["collateral"] = e.Collateral.String()
	}
	if e.BtcAddress != "" {
		attrs["btcAddress"] = e.BtcAddress
	}
	if e.TxID != (chainhash.Hash{}) {
		attrs["txid"] = e.TxID.String()
	}
	if e.Type == TypeRedeemCancelled {
		attrs["reimburse"] = strconv.FormatBool(e.Reimburse)
	}
	return &types.Event{Type: e.Type, Attributes: attrs}
}
