package vault

import (
	"errors"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"btcbridge/bitcoin"
	"btcbridge/core/events"
	"btcbridge/crypto"
)

var (
	ErrBelowDust         = errors.New("vault: redeem amount below dust value")
	ErrVaultTokensShort  = errors.New("vault: vault backs fewer tokens than requested")
	ErrNotRequester      = errors.New("vault: caller is not the requester")
	ErrInvalidBtcAddress = errors.New("vault: invalid redeem address")
)

// RedeemRequest is a requester's intent to burn Amount tokens in exchange for
// a Bitcoin payment from the vault to BtcAddress.
type RedeemRequest struct {
	ID         uint64
	Requester  crypto.Address
	Vault      crypto.Address
	Amount     uint64
	BtcAddress string
	OpenHeight uint64
	Status     RequestStatus
	Reimburse  bool
	TxID       chainhash.Hash
}

type storedRedeem struct {
	ID              uint64
	RequesterPrefix string
	Requester       [20]byte
	VaultPrefix     string
	Vault           [20]byte
	Amount          uint64
	BtcAddress      string
	OpenHeight      uint64
	Status          uint8
	Reimburse       bool
	TxID            [32]byte
}

func (s storedRedeem) request() *RedeemRequest {
	return &RedeemRequest{
		ID:         s.ID,
		Requester:  crypto.NewAddress(crypto.AddressPrefix(s.RequesterPrefix), s.Requester),
		Vault:      crypto.NewAddress(crypto.AddressPrefix(s.VaultPrefix), s.Vault),
		Amount:     s.Amount,
		BtcAddress: s.BtcAddress,
		OpenHeight: s.OpenHeight,
		Status:     RequestStatus(s.Status),
		Reimburse:  s.Reimburse,
		TxID:       s.TxID,
	}
}

func (e *Engine) putRedeem(r *RedeemRequest) error {
	return e.state.KVPut(requestKey(redeemPrefix, r.ID), storedRedeem{
		ID:              r.ID,
		RequesterPrefix: string(r.Requester.Prefix()),
		Requester:       r.Requester.Bytes(),
		VaultPrefix:     string(r.Vault.Prefix()),
		Vault:           r.Vault.Bytes(),
		Amount:          r.Amount,
		BtcAddress:      r.BtcAddress,
		OpenHeight:      r.OpenHeight,
		Status:          uint8(r.Status),
		Reimburse:       r.Reimburse,
		TxID:            r.TxID,
	})
}

// RedeemRequest loads request id.
func (e *Engine) RedeemRequest(id uint64) (*RedeemRequest, bool, error) {
	var stored storedRedeem
	ok, err := e.state.KVGet(requestKey(redeemPrefix, id), &stored)
	if err != nil || !ok {
		return nil, false, err
	}
	return stored.request(), true, nil
}

func (e *Engine) openRedeem(id uint64) (*RedeemRequest, error) {
	r, ok, err := e.RedeemRequest(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: redeem %d", ErrRequestNotFound, id)
	}
	if r.Status != RequestOpen {
		return nil, fmt.Errorf("%w: redeem %d is %s", ErrRequestClosed, id, r.Status)
	}
	return r, nil
}

// RequestRedeem reserves amount of the requester's tokens and asks the vault
// to pay btcAddress. Liquidatable vaults still honour redeems.
func (e *Engine) RequestRedeem(requester, vaultAccount crypto.Address, amount uint64, btcAddress string) (*RedeemRequest, error) {
	if amount == 0 {
		return nil, ErrInvalidAmount
	}
	if amount < e.params.RedeemDustValue {
		return nil, fmt.Errorf("%w: %d < %d", ErrBelowDust, amount, e.params.RedeemDustValue)
	}
	addr, err := bitcoin.ParseAddress(btcAddress, e.params.Network)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBtcAddress, err)
	}
	v, err := e.mustVault(vaultAccount)
	if err != nil {
		return nil, err
	}
	var available uint64
	if v.Issued > v.ToBeRedeemed {
		available = v.Issued - v.ToBeRedeemed
	}
	if amount > available {
		return nil, fmt.Errorf("%w: %d available", ErrVaultTokensShort, available)
	}
	if err := e.ledger.Reserve(requester, e.params.Asset, new(big.Int).SetUint64(amount)); err != nil {
		return nil, wrapLedger("lock tokens", err)
	}
	id, err := nextID(e.state, redeemNextKey)
	if err != nil {
		return nil, err
	}
	r := &RedeemRequest{
		ID:         id,
		Requester:  requester,
		Vault:      vaultAccount,
		Amount:     amount,
		BtcAddress: addr.String(),
		OpenHeight: e.heightFn(),
		Status:     RequestOpen,
	}
	if err := e.putRedeem(r); err != nil {
		return nil, err
	}
	v.ToBeRedeemed += amount
	if err := e.putVault(v); err != nil {
		return nil, err
	}
	e.emit(events.RequestEvent{
		Type:       events.TypeRedeemRequested,
		ID:         id,
		Requester:  requester,
		Vault:      vaultAccount,
		Amount:     amount,
		BtcAddress: r.BtcAddress,
	})
	return r, nil
}

// ExecuteRedeem burns the reserved tokens once the vault proves it paid the
// requester's address.
func (e *Engine) ExecuteRedeem(id uint64, rawTx, proof []byte) (*RedeemRequest, error) {
	r, err := e.openRedeem(id)
	if err != nil {
		return nil, err
	}
	if e.elapsed(r.OpenHeight) >= e.params.RedeemExpiry {
		return nil, fmt.Errorf("%w: redeem %d", ErrRequestExpired, id)
	}
	txid, err := e.verifyPayment(rawTx, proof, r.BtcAddress, r.Amount)
	if err != nil {
		return nil, err
	}
	v, err := e.mustVault(r.Vault)
	if err != nil {
		return nil, err
	}
	if err := e.ledger.BurnReserved(r.Requester, e.params.Asset, new(big.Int).SetUint64(r.Amount)); err != nil {
		return nil, wrapLedger("burn tokens", err)
	}
	v.Issued -= r.Amount
	v.ToBeRedeemed -= r.Amount
	if err := e.refreshStatus(v); err != nil {
		return nil, err
	}
	if err := e.putVault(v); err != nil {
		return nil, err
	}
	if err := e.markPaymentUsed(txid); err != nil {
		return nil, err
	}
	r.Status = RequestExecuted
	r.TxID = txid
	if err := e.putRedeem(r); err != nil {
		return nil, err
	}
	e.emit(events.RequestEvent{
		Type:      events.TypeRedeemExecuted,
		ID:        id,
		Requester: r.Requester,
		Vault:     r.Vault,
		Amount:    r.Amount,
		TxID:      txid,
	})
	return r, nil
}

// CancelRedeem closes an expired redeem request the vault never paid. With
// reimburse the tokens are burned and the requester receives their value in
// vault collateral; otherwise the tokens are released back to the requester.
func (e *Engine) CancelRedeem(id uint64, requester crypto.Address, reimburse bool) (*RedeemRequest, error) {
	r, err := e.openRedeem(id)
	if err != nil {
		return nil, err
	}
	if r.Requester.Bytes() != requester.Bytes() {
		return nil, ErrNotRequester
	}
	if e.elapsed(r.OpenHeight) < e.params.RedeemExpiry {
		return nil, fmt.Errorf("%w: redeem %d", ErrRequestNotExpired, id)
	}
	v, err := e.mustVault(r.Vault)
	if err != nil {
		return nil, err
	}
	tokens := new(big.Int).SetUint64(r.Amount)
	var paid *big.Int
	if reimburse {
		price, err := e.freshRate()
		if err != nil {
			return nil, err
		}
		worth, err := price.ToCollateral(r.Amount)
		if err != nil {
			return nil, err
		}
		if worth.Cmp(v.Collateral) > 0 {
			slog.Warn("vault: reimbursement capped at vault collateral",
				"vault", v.Account.String(), "worth", worth.String(), "collateral", v.Collateral.String())
			worth = new(big.Int).Set(v.Collateral)
		}
		if err := e.ledger.BurnReserved(r.Requester, e.params.Asset, tokens); err != nil {
			return nil, wrapLedger("burn tokens", err)
		}
		if worth.Sign() > 0 {
			if err := e.ledger.SlashReserved(v.Account, r.Requester, e.params.CollateralAsset, worth); err != nil {
				return nil, wrapLedger("slash vault collateral", err)
			}
			v.Collateral.Sub(v.Collateral, worth)
		}
		v.Issued -= r.Amount
		paid = worth
	} else {
		if err := e.ledger.Unreserve(r.Requester, e.params.Asset, tokens); err != nil {
			return nil, wrapLedger("release tokens", err)
		}
	}
	v.ToBeRedeemed -= r.Amount
	if err := e.refreshStatus(v); err != nil {
		return nil, err
	}
	if err := e.putVault(v); err != nil {
		return nil, err
	}
	r.Status = RequestCancelled
	r.Reimburse = reimburse
	if err := e.putRedeem(r); err != nil {
		return nil, err
	}
	e.emit(events.RequestEvent{
		Type:       events.TypeRedeemCancelled,
		ID:         id,
		Requester:  r.Requester,
		Vault:      r.Vault,
		Amount:     r.Amount,
		Collateral: paid,
		Reimburse:  reimburse,
	})
	return r, nil
}
