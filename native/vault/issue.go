package vault

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"btcbridge/core/events"
	"btcbridge/crypto"
)

var (
	ErrRequestNotFound             = errors.New("vault: request not found")
	ErrRequestClosed               = errors.New("vault: request already executed or cancelled")
	ErrRequestExpired              = errors.New("vault: request expired")
	ErrRequestNotExpired           = errors.New("vault: request not expired")
	ErrInsecureVault               = errors.New("vault: collateral ratio below secure threshold")
	ErrInsufficientGriefingDeposit = errors.New("vault: griefing collateral below requirement")
)

// RequestStatus is the lifecycle state of issue and redeem requests.
type RequestStatus uint8

const (
	RequestOpen RequestStatus = iota
	RequestExecuted
	RequestCancelled
)

func (s RequestStatus) String() string {
	switch s {
	case RequestExecuted:
		return "executed"
	case RequestCancelled:
		return "cancelled"
	default:
		return "open"
	}
}

// IssueRequest is a requester's intent to pay Amount satoshi to the vault's
// wallet in exchange for minted tokens.
type IssueRequest struct {
	ID         uint64
	Requester  crypto.Address
	Vault      crypto.Address
	Amount     uint64
	Griefing   *big.Int
	BtcAddress string
	OpenHeight uint64
	Status     RequestStatus
	TxID       chainhash.Hash
}

type storedIssue struct {
	ID              uint64
	RequesterPrefix string
	Requester       [20]byte
	VaultPrefix     string
	Vault           [20]byte
	Amount          uint64
	Griefing        *big.Int
	BtcAddress      string
	OpenHeight      uint64
	Status          uint8
	TxID            [32]byte
}

func (s storedIssue) request() *IssueRequest {
	griefing := new(big.Int)
	if s.Griefing != nil {
		griefing.Set(s.Griefing)
	}
	return &IssueRequest{
		ID:         s.ID,
		Requester:  crypto.NewAddress(crypto.AddressPrefix(s.RequesterPrefix), s.Requester),
		Vault:      crypto.NewAddress(crypto.AddressPrefix(s.VaultPrefix), s.Vault),
		Amount:     s.Amount,
		Griefing:   griefing,
		BtcAddress: s.BtcAddress,
		OpenHeight: s.OpenHeight,
		Status:     RequestStatus(s.Status),
		TxID:       s.TxID,
	}
}

func (e *Engine) putIssue(r *IssueRequest) error {
	return e.state.KVPut(requestKey(issuePrefix, r.ID), storedIssue{
		ID:              r.ID,
		RequesterPrefix: string(r.Requester.Prefix()),
		Requester:       r.Requester.Bytes(),
		VaultPrefix:     string(r.Vault.Prefix()),
		Vault:           r.Vault.Bytes(),
		Amount:          r.Amount,
		Griefing:        r.Griefing,
		BtcAddress:      r.BtcAddress,
		OpenHeight:      r.OpenHeight,
		Status:          uint8(r.Status),
		TxID:            r.TxID,
	})
}

// IssueRequest loads request id.
func (e *Engine) IssueRequest(id uint64) (*IssueRequest, bool, error) {
	var stored storedIssue
	ok, err := e.state.KVGet(requestKey(issuePrefix, id), &stored)
	if err != nil || !ok {
		return nil, false, err
	}
	return stored.request(), true, nil
}

func (e *Engine) openIssue(id uint64) (*IssueRequest, error) {
	r, ok, err := e.IssueRequest(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: issue %d", ErrRequestNotFound, id)
	}
	if r.Status != RequestOpen {
		return nil, fmt.Errorf("%w: issue %d is %s", ErrRequestClosed, id, r.Status)
	}
	return r, nil
}

// RequiredGriefingCollateral returns ceil(value(amount) × griefing fee) in
// collateral units at the current rate.
func (e *Engine) RequiredGriefingCollateral(amount uint64) (*big.Int, error) {
	price, err := e.freshRate()
	if err != nil {
		return nil, err
	}
	value, err := price.ToCollateral(amount)
	if err != nil {
		return nil, err
	}
	return percentCeil(value, e.params.IssueGriefingFee), nil
}

// RequestIssue opens an issue request against an active vault. The vault must
// stay above the secure threshold with the new tokens counted, and the
// requester locks griefing collateral of at least the required amount.
func (e *Engine) RequestIssue(requester, vaultAccount crypto.Address, amount uint64, griefing *big.Int) (*IssueRequest, error) {
	if amount == 0 {
		return nil, ErrInvalidAmount
	}
	if err := positive(griefing); err != nil {
		return nil, err
	}
	v, err := e.mustVault(vaultAccount)
	if err != nil {
		return nil, err
	}
	if v.Status != StatusActive {
		return nil, fmt.Errorf("%w: %s", ErrVaultNotActive, vaultAccount)
	}
	price, err := e.freshRate()
	if err != nil {
		return nil, err
	}
	ratio, err := price.CollateralRatio(v.Collateral, v.backedTokens()+amount)
	if err != nil {
		return nil, err
	}
	if ratio < e.params.SecureThreshold {
		return nil, fmt.Errorf("%w: %d%% < %d%%", ErrInsecureVault, ratio, e.params.SecureThreshold)
	}
	required, err := e.RequiredGriefingCollateral(amount)
	if err != nil {
		return nil, err
	}
	if griefing.Cmp(required) < 0 {
		return nil, fmt.Errorf("%w: %s < %s", ErrInsufficientGriefingDeposit, griefing, required)
	}
	if err := e.ledger.Reserve(requester, e.params.CollateralAsset, griefing); err != nil {
		return nil, wrapLedger("lock griefing collateral", err)
	}
	id, err := nextID(e.state, issueNextKey)
	if err != nil {
		return nil, err
	}
	r := &IssueRequest{
		ID:         id,
		Requester:  requester,
		Vault:      vaultAccount,
		Amount:     amount,
		Griefing:   new(big.Int).Set(griefing),
		BtcAddress: v.Wallet,
		OpenHeight: e.heightFn(),
		Status:     RequestOpen,
	}
	if err := e.putIssue(r); err != nil {
		return nil, err
	}
	v.ToBeIssued += amount
	if err := e.putVault(v); err != nil {
		return nil, err
	}
	e.emit(events.RequestEvent{
		Type:       events.TypeIssueRequested,
		ID:         id,
		Requester:  requester,
		Vault:      vaultAccount,
		Amount:     amount,
		Collateral: new(big.Int).Set(griefing),
		BtcAddress: v.Wallet,
	})
	return r, nil
}

// ExecuteIssue mints the requested tokens once the Bitcoin payment to the
// vault wallet is proven. It must happen before the request expires.
func (e *Engine) ExecuteIssue(id uint64, rawTx, proof []byte) (*IssueRequest, error) {
	r, err := e.openIssue(id)
	if err != nil {
		return nil, err
	}
	if e.elapsed(r.OpenHeight) >= e.params.IssueExpiry {
		return nil, fmt.Errorf("%w: issue %d", ErrRequestExpired, id)
	}
	txid, err := e.verifyPayment(rawTx, proof, r.BtcAddress, r.Amount)
	if err != nil {
		return nil, err
	}
	v, err := e.mustVault(r.Vault)
	if err != nil {
		return nil, err
	}
	if err := e.ledger.Mint(r.Requester, e.params.Asset, new(big.Int).SetUint64(r.Amount)); err != nil {
		return nil, wrapLedger("mint", err)
	}
	if err := e.ledger.Unreserve(r.Requester, e.params.CollateralAsset, r.Griefing); err != nil {
		return nil, wrapLedger("release griefing collateral", err)
	}
	v.ToBeIssued -= r.Amount
	v.Issued += r.Amount
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
	if err := e.putIssue(r); err != nil {
		return nil, err
	}
	e.emit(events.RequestEvent{
		Type:      events.TypeIssueExecuted,
		ID:        id,
		Requester: r.Requester,
		Vault:     r.Vault,
		Amount:    r.Amount,
		TxID:      txid,
	})
	return r, nil
}

// CancelIssue closes an expired issue request. The requester's griefing
// collateral is slashed to the vault.
func (e *Engine) CancelIssue(id uint64) (*IssueRequest, error) {
	r, err := e.openIssue(id)
	if err != nil {
		return nil, err
	}
	if e.elapsed(r.OpenHeight) < e.params.IssueExpiry {
		return nil, fmt.Errorf("%w: issue %d", ErrRequestNotExpired, id)
	}
	v, err := e.mustVault(r.Vault)
	if err != nil {
		return nil, err
	}
	if err := e.ledger.SlashReserved(r.Requester, r.Vault, e.params.CollateralAsset, r.Griefing); err != nil {
		return nil, wrapLedger("slash griefing collateral", err)
	}
	v.ToBeIssued -= r.Amount
	if err := e.refreshStatus(v); err != nil {
		return nil, err
	}
	if err := e.putVault(v); err != nil {
		return nil, err
	}
	r.Status = RequestCancelled
	if err := e.putIssue(r); err != nil {
		return nil, err
	}
	e.emit(events.RequestEvent{
		Type:       events.TypeIssueCancelled,
		ID:         id,
		Requester:  r.Requester,
		Vault:      r.Vault,
		Amount:     r.Amount,
		Collateral: new(big.Int).Set(r.Griefing),
	})
	return r, nil
}
