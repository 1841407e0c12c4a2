package vault

import (
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"

	"btcbridge/bitcoin"
	"btcbridge/core/events"
	"btcbridge/core/state"
	"btcbridge/crypto"
	"btcbridge/native/bridge/headers"
	"btcbridge/native/records"
	"btcbridge/storage"
)

const (
	easyBits = 0x207fffff
	epoch    = int64(1_700_000_000)
)

func btcAddress(fill byte) bitcoin.Address {
	var h [20]byte
	for i := range h {
		h[i] = fill
	}
	return bitcoin.Address{Network: bitcoin.Regtest, Kind: bitcoin.P2PKH, Hash: h}
}

var (
	vaultOwner = crypto.NewAddress(crypto.AccountPrefix, [20]byte{0x0a})
	user       = crypto.NewAddress(crypto.AccountPrefix, [20]byte{0x0b})
	stranger   = crypto.NewAddress(crypto.AccountPrefix, [20]byte{0x0c})
	wallet     = btcAddress(0x20)
	userBtc    = btcAddress(0x30)
)

type harness struct {
	t       *testing.T
	tracker *headers.Tracker
	ledger  *records.Ledger
	engine  *Engine
	rec     *events.Recorder
	oracle  *crypto.PrivateKey
	tip     *wire.BlockHeader
	now     int64
	height  uint64
	blocks  int
}

func testParams(oracle crypto.Address) Params {
	params := DefaultParams()
	params.Network = bitcoin.Regtest
	params.MinimumCollateral = big.NewInt(1_000_000)
	params.IssueExpiry = 10
	params.RedeemExpiry = 10
	params.QuoteMaxAge = 600
	params.Oracles = []crypto.Address{oracle}
	return params
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mgr := state.NewManager(storage.NewMemDB())
	hp := headers.RegtestParams()
	hp.ConfirmationNumber = 2
	tracker, err := headers.NewTracker(mgr, hp)
	require.NoError(t, err)
	tracker.SetNowFunc(func() int64 { return epoch + 1_000_000 })

	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	h := &harness{t: t, tracker: tracker, oracle: key, now: epoch}
	genesis := h.grind(chainhash.Hash{}, chainhash.DoubleHashH([]byte("genesis")), epoch)
	require.NoError(t, tracker.InitGenesis(bitcoin.EncodeHeader(genesis), 0))
	h.tip = genesis

	h.ledger = records.NewLedger(mgr)
	engine, err := NewEngine(mgr, tracker, h.ledger, testParams(key.PubKey().Address()))
	require.NoError(t, err)
	h.rec = &events.Recorder{}
	engine.SetEmitter(h.rec)
	engine.SetNowFunc(func() int64 { return h.now })
	engine.SetHeightFunc(func() uint64 { return h.height })
	h.engine = engine

	require.NoError(t, h.ledger.Mint(vaultOwner, records.AssetNative, big.NewInt(10_000_000)))
	require.NoError(t, h.ledger.Mint(user, records.AssetNative, big.NewInt(1_000_000)))
	return h
}

func (h *harness) grind(prev, root chainhash.Hash, ts int64) *wire.BlockHeader {
	header := &wire.BlockHeader{
		Version:    1,
		PrevBlock:  prev,
		MerkleRoot: root,
		Timestamp:  time.Unix(ts, 0),
		Bits:       easyBits,
	}
	target := blockchain.CompactToBig(easyBits)
	for {
		hash := header.BlockHash()
		if blockchain.HashToBig(&hash).Cmp(target) <= 0 {
			return header
		}
		header.Nonce++
	}
}

func (h *harness) mine(root chainhash.Hash) *wire.BlockHeader {
	h.t.Helper()
	header := h.grind(h.tip.BlockHash(), root, h.tip.Timestamp.Unix()+600)
	require.NoError(h.t, h.tracker.SubmitHeader(bitcoin.EncodeHeader(header), "test"))
	h.tip = header
	return header
}

// pay builds a transaction paying value to each address, mines it and returns
// the raw transaction with its proof. confirm adds the block needed for
// confirmation depth.
func (h *harness) pay(confirm bool, to bitcoin.Address, value int64) ([]byte, []byte) {
	h.t.Helper()
	h.blocks++
	tx := wire.NewMsgTx(wire.TxVersion)
	seed := chainhash.DoubleHashH([]byte(fmt.Sprintf("input-%d", h.blocks)))
	tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(&seed, 0), nil, nil))
	script, err := to.Script()
	require.NoError(h.t, err)
	tx.AddTxOut(wire.NewTxOut(value, script))

	ids := []chainhash.Hash{chainhash.DoubleHashH([]byte(fmt.Sprintf("coinbase-%d", h.blocks))), tx.TxHash()}
	header := h.mine(bitcoin.MerkleRoot(ids))
	if confirm {
		h.mine(chainhash.DoubleHashH([]byte(fmt.Sprintf("filler-%d", h.blocks))))
	}
	proof := bitcoin.EncodeMerkleProof(bitcoin.NewMerkleProof(*header, ids, 1))
	return bitcoin.EncodeTransaction(tx), proof
}

func (h *harness) setRate(price uint64, decimals uint8) {
	h.t.Helper()
	h.now++
	quote, err := SignQuote(h.oracle, Quote{Price: price, Decimals: decimals, Timestamp: h.now})
	require.NoError(h.t, err)
	_, err = h.engine.UpdateExchangeRate(quote)
	require.NoError(h.t, err)
}

func (h *harness) balance(account crypto.Address, asset string) int64 {
	h.t.Helper()
	v, err := h.ledger.Balance(account, asset)
	require.NoError(h.t, err)
	return v.Int64()
}

func (h *harness) reserved(account crypto.Address, asset string) int64 {
	h.t.Helper()
	v, err := h.ledger.Reserved(account, asset)
	require.NoError(h.t, err)
	return v.Int64()
}

// activeVault registers a vault with 3,000,000 collateral priced so it can
// back 10,000 satoshi at the secure threshold.
func (h *harness) activeVault() *Vault {
	h.t.Helper()
	h.setRate(1, 2)
	v, err := h.engine.RegisterVault(vaultOwner, big.NewInt(3_000_000), wallet.String())
	require.NoError(h.t, err)
	return v
}

func (h *harness) vault() *Vault {
	h.t.Helper()
	v, ok, err := h.engine.Vault(vaultOwner)
	require.NoError(h.t, err)
	require.True(h.t, ok)
	return v
}

func TestUpdateExchangeRate(t *testing.T) {
	h := newHarness(t)
	quote, err := SignQuote(h.oracle, Quote{Price: 1779, Decimals: 7, Timestamp: h.now})
	require.NoError(t, err)
	rate, err := h.engine.UpdateExchangeRate(quote)
	require.NoError(t, err)
	require.Equal(t, TradingPrice{Price: 1779, Decimals: 7}, rate.Price)
	require.Equal(t, h.oracle.PubKey().Address(), rate.Oracle)

	stored, err := h.engine.ExchangeRate()
	require.NoError(t, err)
	require.Equal(t, rate, stored)
	require.Len(t, h.rec.OfType(events.TypeExchangeRateUpdated), 1)

	_, err = h.engine.UpdateExchangeRate(quote)
	require.ErrorIs(t, err, ErrQuoteOutdated)
}

func TestUpdateExchangeRateRejections(t *testing.T) {
	h := newHarness(t)
	other, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)

	foreign, err := SignQuote(other, Quote{Price: 1, Decimals: 2, Timestamp: h.now})
	require.NoError(t, err)
	_, err = h.engine.UpdateExchangeRate(foreign)
	require.ErrorIs(t, err, ErrUnknownOracle)

	tampered, err := SignQuote(h.oracle, Quote{Price: 1, Decimals: 2, Timestamp: h.now})
	require.NoError(t, err)
	tampered.Price = 1_000
	_, err = h.engine.UpdateExchangeRate(tampered)
	require.ErrorIs(t, err, ErrUnknownOracle)

	stale, err := SignQuote(h.oracle, Quote{Price: 1, Decimals: 2, Timestamp: h.now - 601})
	require.NoError(t, err)
	_, err = h.engine.UpdateExchangeRate(stale)
	require.ErrorIs(t, err, ErrStaleQuote)

	_, err = h.engine.UpdateExchangeRate(Quote{Price: 0, Decimals: 2, Timestamp: h.now, Signature: []byte{1}})
	require.ErrorIs(t, err, ErrInvalidQuote)
	_, err = h.engine.UpdateExchangeRate(Quote{Price: 1, Decimals: 2, Timestamp: h.now})
	require.ErrorIs(t, err, ErrInvalidQuote)

	rate, err := h.engine.ExchangeRate()
	require.NoError(t, err)
	require.Nil(t, rate)
}

func TestRegisterVault(t *testing.T) {
	h := newHarness(t)
	_, err := h.engine.RegisterVault(vaultOwner, big.NewInt(999_999), wallet.String())
	require.ErrorIs(t, err, ErrInsufficientCollateral)
	_, err = h.engine.RegisterVault(vaultOwner, big.NewInt(1_000_000), "not-a-wallet")
	require.ErrorIs(t, err, ErrInvalidWallet)
	_, err = h.engine.RegisterVault(stranger, big.NewInt(1_000_000), wallet.String())
	require.ErrorIs(t, err, records.ErrInsufficientBalance)

	v, err := h.engine.RegisterVault(vaultOwner, big.NewInt(3_000_000), wallet.String())
	require.NoError(t, err)
	require.Equal(t, StatusActive, v.Status)
	require.Equal(t, int64(3_000_000), h.reserved(vaultOwner, records.AssetNative))
	require.Equal(t, int64(7_000_000), h.balance(vaultOwner, records.AssetNative))

	_, err = h.engine.RegisterVault(vaultOwner, big.NewInt(3_000_000), wallet.String())
	require.ErrorIs(t, err, ErrVaultExists)

	vaults, err := h.engine.Vaults()
	require.NoError(t, err)
	require.Len(t, vaults, 1)
	require.Equal(t, wallet.String(), vaults[0].Wallet)
	require.Len(t, h.rec.OfType(events.TypeVaultRegistered), 1)
}

func TestIssueLifecycle(t *testing.T) {
	h := newHarness(t)
	h.activeVault()

	required, err := h.engine.RequiredGriefingCollateral(5_000)
	require.NoError(t, err)
	require.Equal(t, int64(50_000), required.Int64())

	_, err = h.engine.RequestIssue(user, vaultOwner, 5_000, big.NewInt(49_999))
	require.ErrorIs(t, err, ErrInsufficientGriefingDeposit)
	_, err = h.engine.RequestIssue(user, vaultOwner, 10_001, big.NewInt(200_000))
	require.ErrorIs(t, err, ErrInsecureVault)

	first, err := h.engine.RequestIssue(user, vaultOwner, 5_000, big.NewInt(50_000))
	require.NoError(t, err)
	second, err := h.engine.RequestIssue(user, vaultOwner, 5_000, big.NewInt(60_000))
	require.NoError(t, err)
	require.Equal(t, uint64(1), first.ID)
	require.Equal(t, uint64(2), second.ID)
	require.Equal(t, uint64(10_000), h.vault().ToBeIssued)
	require.Equal(t, int64(110_000), h.reserved(user, records.AssetNative))

	_, err = h.engine.RequestIssue(user, vaultOwner, 1, big.NewInt(1_000))
	require.ErrorIs(t, err, ErrInsecureVault)

	raw, proof := h.pay(true, wallet, 5_000)
	executed, err := h.engine.ExecuteIssue(first.ID, raw, proof)
	require.NoError(t, err)
	require.Equal(t, RequestExecuted, executed.Status)
	require.Equal(t, int64(5_000), h.balance(user, records.AssetBTC))
	require.Equal(t, int64(60_000), h.reserved(user, records.AssetNative))

	_, err = h.engine.ExecuteIssue(first.ID, raw, proof)
	require.ErrorIs(t, err, ErrRequestClosed)
	_, err = h.engine.ExecuteIssue(second.ID, raw, proof)
	require.ErrorIs(t, err, ErrPaymentReused)

	raw, proof = h.pay(true, wallet, 6_000)
	_, err = h.engine.ExecuteIssue(second.ID, raw, proof)
	require.NoError(t, err)

	v := h.vault()
	require.Equal(t, uint64(10_000), v.Issued)
	require.Zero(t, v.ToBeIssued)
	require.Zero(t, h.reserved(user, records.AssetNative))
	issuance, err := h.ledger.TotalIssuance(records.AssetBTC)
	require.NoError(t, err)
	require.Equal(t, int64(10_000), issuance.Int64())
	require.Len(t, h.rec.OfType(events.TypeIssueExecuted), 2)
}

func TestExecuteIssueRejectsBadPayments(t *testing.T) {
	h := newHarness(t)
	h.activeVault()
	r, err := h.engine.RequestIssue(user, vaultOwner, 5_000, big.NewInt(50_000))
	require.NoError(t, err)

	raw, proof := h.pay(true, wallet, 4_999)
	_, err = h.engine.ExecuteIssue(r.ID, raw, proof)
	require.ErrorIs(t, err, ErrUnderpaid)

	raw, proof = h.pay(true, userBtc, 5_000)
	_, err = h.engine.ExecuteIssue(r.ID, raw, proof)
	require.ErrorIs(t, err, ErrUnderpaid)

	raw, proof = h.pay(false, wallet, 5_000)
	_, err = h.engine.ExecuteIssue(r.ID, raw, proof)
	require.ErrorIs(t, err, ErrInvalidPayment)

	_, err = h.engine.ExecuteIssue(r.ID, raw, nil)
	require.ErrorIs(t, err, ErrInvalidPayment)

	_, err = h.engine.ExecuteIssue(99, raw, proof)
	require.ErrorIs(t, err, ErrRequestNotFound)

	require.Zero(t, h.balance(user, records.AssetBTC))
	require.Equal(t, uint64(5_000), h.vault().ToBeIssued)
}

func TestCancelIssueSlashesGriefingCollateral(t *testing.T) {
	h := newHarness(t)
	h.activeVault()
	r, err := h.engine.RequestIssue(user, vaultOwner, 5_000, big.NewInt(50_000))
	require.NoError(t, err)

	h.height = 9
	_, err = h.engine.CancelIssue(r.ID)
	require.ErrorIs(t, err, ErrRequestNotExpired)

	h.height = 10
	raw, proof := h.pay(true, wallet, 5_000)
	_, err = h.engine.ExecuteIssue(r.ID, raw, proof)
	require.ErrorIs(t, err, ErrRequestExpired)

	cancelled, err := h.engine.CancelIssue(r.ID)
	require.NoError(t, err)
	require.Equal(t, RequestCancelled, cancelled.Status)
	require.Zero(t, h.reserved(user, records.AssetNative))
	require.Equal(t, int64(950_000), h.balance(user, records.AssetNative))
	require.Equal(t, int64(7_050_000), h.balance(vaultOwner, records.AssetNative))
	require.Zero(t, h.vault().ToBeIssued)

	_, err = h.engine.CancelIssue(r.ID)
	require.ErrorIs(t, err, ErrRequestClosed)
}

func TestExpiryHoldsWhenTipMovesBack(t *testing.T) {
	h := newHarness(t)
	h.activeVault()

	h.height = 50
	issue, err := h.engine.RequestIssue(user, vaultOwner, 5_000, big.NewInt(50_000))
	require.NoError(t, err)
	h.height = 49
	_, err = h.engine.CancelIssue(issue.ID)
	require.ErrorIs(t, err, ErrRequestNotExpired)
	require.Equal(t, int64(50_000), h.reserved(user, records.AssetNative))

	raw, proof := h.pay(true, wallet, 5_000)
	executed, err := h.engine.ExecuteIssue(issue.ID, raw, proof)
	require.NoError(t, err)
	require.Equal(t, RequestExecuted, executed.Status)

	h.height = 50
	redeem, err := h.engine.RequestRedeem(user, vaultOwner, 4_000, userBtc.String())
	require.NoError(t, err)
	h.height = 49
	_, err = h.engine.CancelRedeem(redeem.ID, user, true)
	require.ErrorIs(t, err, ErrRequestNotExpired)
	require.Equal(t, int64(3_000_000), h.vault().Collateral.Int64())

	raw, proof = h.pay(true, userBtc, 4_000)
	_, err = h.engine.ExecuteRedeem(redeem.ID, raw, proof)
	require.NoError(t, err)
}

func TestRequestIssueNeedsFreshRate(t *testing.T) {
	h := newHarness(t)
	h.activeVault()
	h.now += 601
	_, err := h.engine.RequestIssue(user, vaultOwner, 5_000, big.NewInt(50_000))
	require.ErrorIs(t, err, ErrExchangeRateExpired)
}

func TestVaultLiquidationFollowsExchangeRate(t *testing.T) {
	h := newHarness(t)
	h.activeVault()
	r, err := h.engine.RequestIssue(user, vaultOwner, 10_000, big.NewInt(100_000))
	require.NoError(t, err)
	raw, proof := h.pay(true, wallet, 10_000)
	_, err = h.engine.ExecuteIssue(r.ID, raw, proof)
	require.NoError(t, err)

	ratio, err := h.engine.CollateralRatio(vaultOwner)
	require.NoError(t, err)
	require.Equal(t, uint64(300), ratio)

	h.setRate(5, 3)
	require.Equal(t, StatusActive, h.vault().Status)

	h.setRate(4, 3)
	require.Equal(t, StatusLiquidatable, h.vault().Status)
	changed := h.rec.OfType(events.TypeVaultStatusChanged)
	require.Len(t, changed, 1)
	require.Equal(t, uint64(120), changed[0].(events.VaultUpdated).RatioPercent)

	_, err = h.engine.RequestIssue(user, vaultOwner, 1_000, big.NewInt(100_000))
	require.ErrorIs(t, err, ErrVaultNotActive)

	v, err := h.engine.AddCollateral(vaultOwner, big.NewInt(2_000_000))
	require.NoError(t, err)
	require.Equal(t, StatusActive, v.Status)
	require.Equal(t, int64(5_000_000), v.Collateral.Int64())
	require.Equal(t, int64(5_000_000), h.reserved(vaultOwner, records.AssetNative))
	require.Equal(t, StatusActive, h.vault().Status)
}

// issued prepares a vault backing 10,000 satoshi held by user.
func (h *harness) issued() {
	h.t.Helper()
	h.activeVault()
	r, err := h.engine.RequestIssue(user, vaultOwner, 10_000, big.NewInt(100_000))
	require.NoError(h.t, err)
	raw, proof := h.pay(true, wallet, 10_000)
	_, err = h.engine.ExecuteIssue(r.ID, raw, proof)
	require.NoError(h.t, err)
}

func TestRedeemLifecycle(t *testing.T) {
	h := newHarness(t)
	h.issued()

	_, err := h.engine.RequestRedeem(user, vaultOwner, 999, userBtc.String())
	require.ErrorIs(t, err, ErrBelowDust)
	_, err = h.engine.RequestRedeem(user, vaultOwner, 4_000, "bogus")
	require.ErrorIs(t, err, ErrInvalidBtcAddress)
	_, err = h.engine.RequestRedeem(user, vaultOwner, 10_001, userBtc.String())
	require.ErrorIs(t, err, ErrVaultTokensShort)
	_, err = h.engine.RequestRedeem(stranger, vaultOwner, 4_000, userBtc.String())
	require.ErrorIs(t, err, records.ErrInsufficientBalance)

	r, err := h.engine.RequestRedeem(user, vaultOwner, 4_000, userBtc.String())
	require.NoError(t, err)
	require.Equal(t, int64(6_000), h.balance(user, records.AssetBTC))
	require.Equal(t, int64(4_000), h.reserved(user, records.AssetBTC))
	require.Equal(t, uint64(4_000), h.vault().ToBeRedeemed)

	_, err = h.engine.RequestRedeem(user, vaultOwner, 6_001, userBtc.String())
	require.ErrorIs(t, err, ErrVaultTokensShort)

	raw, proof := h.pay(true, wallet, 4_000)
	_, err = h.engine.ExecuteRedeem(r.ID, raw, proof)
	require.ErrorIs(t, err, ErrUnderpaid)

	raw, proof = h.pay(true, userBtc, 4_000)
	executed, err := h.engine.ExecuteRedeem(r.ID, raw, proof)
	require.NoError(t, err)
	require.Equal(t, RequestExecuted, executed.Status)

	require.Zero(t, h.reserved(user, records.AssetBTC))
	issuance, err := h.ledger.TotalIssuance(records.AssetBTC)
	require.NoError(t, err)
	require.Equal(t, int64(6_000), issuance.Int64())
	v := h.vault()
	require.Equal(t, uint64(6_000), v.Issued)
	require.Zero(t, v.ToBeRedeemed)
	require.Len(t, h.rec.OfType(events.TypeRedeemExecuted), 1)
}

func TestCancelRedeemReleasesTokens(t *testing.T) {
	h := newHarness(t)
	h.issued()
	r, err := h.engine.RequestRedeem(user, vaultOwner, 4_000, userBtc.String())
	require.NoError(t, err)

	_, err = h.engine.CancelRedeem(r.ID, user, false)
	require.ErrorIs(t, err, ErrRequestNotExpired)
	h.height = 10
	_, err = h.engine.CancelRedeem(r.ID, stranger, false)
	require.ErrorIs(t, err, ErrNotRequester)

	cancelled, err := h.engine.CancelRedeem(r.ID, user, false)
	require.NoError(t, err)
	require.Equal(t, RequestCancelled, cancelled.Status)
	require.False(t, cancelled.Reimburse)
	require.Equal(t, int64(10_000), h.balance(user, records.AssetBTC))
	require.Zero(t, h.reserved(user, records.AssetBTC))
	v := h.vault()
	require.Equal(t, uint64(10_000), v.Issued)
	require.Zero(t, v.ToBeRedeemed)

	_, err = h.engine.CancelRedeem(r.ID, user, false)
	require.ErrorIs(t, err, ErrRequestClosed)
}

func TestCancelRedeemWithReimbursement(t *testing.T) {
	h := newHarness(t)
	h.issued()
	r, err := h.engine.RequestRedeem(user, vaultOwner, 4_000, userBtc.String())
	require.NoError(t, err)

	h.height = 10
	h.setRate(1, 2)
	cancelled, err := h.engine.CancelRedeem(r.ID, user, true)
	require.NoError(t, err)
	require.True(t, cancelled.Reimburse)

	require.Equal(t, int64(6_000), h.balance(user, records.AssetBTC))
	require.Zero(t, h.reserved(user, records.AssetBTC))
	require.Equal(t, int64(1_000_000+400_000), h.balance(user, records.AssetNative))
	require.Equal(t, int64(2_600_000), h.reserved(vaultOwner, records.AssetNative))

	v := h.vault()
	require.Equal(t, int64(2_600_000), v.Collateral.Int64())
	require.Equal(t, uint64(6_000), v.Issued)
	require.Zero(t, v.ToBeRedeemed)

	cancelledEvents := h.rec.OfType(events.TypeRedeemCancelled)
	require.Len(t, cancelledEvents, 1)
	require.Equal(t, int64(400_000), cancelledEvents[0].(events.RequestEvent).Collateral.Int64())
}
