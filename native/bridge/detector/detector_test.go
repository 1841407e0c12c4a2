package detector

import (
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"btcbridge/bitcoin"
	"btcbridge/crypto"
)

func addr(kind bitcoin.AddressKind, fill byte) bitcoin.Address {
	var h [20]byte
	for i := range h {
		h[i] = fill
	}
	return bitcoin.Address{Network: bitcoin.Mainnet, Kind: kind, Hash: h}
}

var (
	hot      = addr(bitcoin.P2SH, 0x01)
	cold     = addr(bitcoin.P2SH, 0x02)
	lastHot  = addr(bitcoin.P2SH, 0x03)
	lastCold = addr(bitcoin.P2SH, 0x04)
	user     = addr(bitcoin.P2PKH, 0x10)
	stranger = addr(bitcoin.P2PKH, 0x11)
	alice    = crypto.NewAddress(crypto.AccountPrefix, [20]byte{0xaa})
)

func testConfig() Config {
	return Config{
		Network:       bitcoin.Mainnet,
		MinDeposit:    1000,
		Current:       TrusteePair{Hot: hot, Cold: cold},
		Last:          &TrusteePair{Hot: lastHot, Cold: lastCold},
		AccountPrefix: crypto.AccountPrefix,
	}
}

func payTo(t *testing.T, a bitcoin.Address, value int64) *wire.TxOut {
	t.Helper()
	script, err := a.Script()
	require.NoError(t, err)
	return wire.NewTxOut(value, script)
}

func opReturn(t *testing.T, payload string) *wire.TxOut {
	t.Helper()
	script, err := bitcoin.NullDataScript([]byte(payload))
	require.NoError(t, err)
	return wire.NewTxOut(0, script)
}

// funding returns a transaction whose first output pays from.
func funding(t *testing.T, from bitcoin.Address) *wire.MsgTx {
	t.Helper()
	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(&chainhash.Hash{0x42}, 0), nil, nil))
	tx.AddTxOut(payTo(t, from, 100_000))
	return tx
}

func spend(prev *wire.MsgTx, outs ...*wire.TxOut) *wire.MsgTx {
	tx := wire.NewMsgTx(wire.TxVersion)
	hash := prev.TxHash()
	tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(&hash, 0), nil, nil))
	for _, out := range outs {
		tx.AddTxOut(out)
	}
	return tx
}

func TestDetectDepositWithOpReturn(t *testing.T) {
	prev := funding(t, user)
	tx := spend(prev, payTo(t, hot, 50_000), opReturn(t, alice.String()), payTo(t, stranger, 7_000))

	meta := Detect(tx, prev, testConfig())
	require.Equal(t, Deposit, meta.Type)
	require.NotNil(t, meta.Deposit)
	require.Equal(t, uint64(50_000), meta.Deposit.Value)
	require.NotNil(t, meta.Deposit.OpReturn)
	require.Equal(t, alice, meta.Deposit.OpReturn.Account.Native)
	require.NotNil(t, meta.Deposit.InputAddr)
	require.Equal(t, user.Hash, meta.Deposit.InputAddr.Hash)
}

func TestDetectDepositSumsHotAndCold(t *testing.T) {
	tx := spend(funding(t, user), payTo(t, hot, 3_000), payTo(t, cold, 4_000))

	meta := Detect(tx, nil, testConfig())
	require.Equal(t, Deposit, meta.Type)
	require.Equal(t, uint64(7_000), meta.Deposit.Value)
	require.Nil(t, meta.Deposit.InputAddr)
	require.Nil(t, meta.Deposit.OpReturn)
}

func TestDetectDepositBelowMinimum(t *testing.T) {
	prev := funding(t, user)
	tx := spend(prev, payTo(t, hot, 999), opReturn(t, alice.String()))
	require.Equal(t, Irrelevance, Detect(tx, prev, testConfig()).Type)
}

func TestDetectPureBinding(t *testing.T) {
	prev := funding(t, user)
	tx := spend(prev, payTo(t, stranger, 5_000), opReturn(t, alice.String()))

	meta := Detect(tx, prev, testConfig())
	require.Equal(t, Deposit, meta.Type)
	require.Zero(t, meta.Deposit.Value)
	require.NotNil(t, meta.Deposit.OpReturn)
	require.NotNil(t, meta.Deposit.InputAddr)

	// an input address alone is not a binding
	tx = spend(prev, payTo(t, stranger, 5_000))
	require.Equal(t, Irrelevance, Detect(tx, prev, testConfig()).Type)
}

func TestDetectMalformedOpReturnFallsBack(t *testing.T) {
	prev := funding(t, user)
	cases := []string{
		"hello world",
		crypto.NewAddress(crypto.TestPrefix, [20]byte{0xaa}).String(),
		"0x1234",
		"@referral",
	}
	for _, payload := range cases {
		tx := spend(prev, payTo(t, hot, 20_000), opReturn(t, payload))
		meta := Detect(tx, prev, testConfig())
		require.Equal(t, Deposit, meta.Type, payload)
		require.Nil(t, meta.Deposit.OpReturn, payload)
		require.NotNil(t, meta.Deposit.InputAddr, payload)
	}
}

func TestDetectFirstOpReturnOnly(t *testing.T) {
	prev := funding(t, user)
	tx := spend(prev, payTo(t, hot, 20_000), opReturn(t, "junk"), opReturn(t, alice.String()))
	meta := Detect(tx, prev, testConfig())
	require.Equal(t, Deposit, meta.Type)
	require.Nil(t, meta.Deposit.OpReturn)
}

func TestDetectEVMAccountWithReferral(t *testing.T) {
	evm := common.HexToAddress("0x00000000000000000000000000000000000000ee")
	tx := spend(funding(t, user), payTo(t, hot, 20_000), opReturn(t, evm.Hex()+"@ref1"))

	meta := Detect(tx, nil, testConfig())
	require.Equal(t, Deposit, meta.Type)
	require.Equal(t, AccountEVM, meta.Deposit.OpReturn.Account.Kind)
	require.Equal(t, evm, meta.Deposit.OpReturn.Account.EVM)
	require.Equal(t, "ref1", meta.Deposit.OpReturn.Referral)
}

func TestDetectTrusteeSpends(t *testing.T) {
	cfg := testConfig()

	fromHot := funding(t, hot)
	require.Equal(t, Withdrawal, Detect(spend(fromHot, payTo(t, user, 10_000), payTo(t, hot, 80_000)), fromHot, cfg).Type)
	require.Equal(t, HotAndCold, Detect(spend(fromHot, payTo(t, cold, 90_000)), fromHot, cfg).Type)

	fromLast := funding(t, lastCold)
	require.Equal(t, TrusteeTransition, Detect(spend(fromLast, payTo(t, hot, 50_000), payTo(t, cold, 40_000)), fromLast, cfg).Type)
	// a previous-session spend to outsiders is not tracked
	require.Equal(t, Irrelevance, Detect(spend(fromLast, payTo(t, user, 50_000)), fromLast, cfg).Type)

	// without the previous transaction a trustee spend degrades to the deposit path
	require.Equal(t, Irrelevance, Detect(spend(fromHot, payTo(t, user, 10_000)), nil, cfg).Type)

	cfg.Last = nil
	require.Equal(t, Deposit, Detect(spend(fromLast, payTo(t, hot, 50_000)), fromLast, cfg).Type)
}

func TestDetectIgnoresMismatchedPrevTx(t *testing.T) {
	prev := funding(t, hot)
	other := funding(t, user)
	tx := spend(prev, payTo(t, user, 10_000))

	_, ok := InputAddress(tx, other, bitcoin.Mainnet)
	require.False(t, ok)
	resolved, ok := InputAddress(tx, prev, bitcoin.Mainnet)
	require.True(t, ok)
	require.Equal(t, hot.Hash, resolved.Hash)
	require.Equal(t, Irrelevance, Detect(tx, other, testConfig()).Type)
}

func TestParseOpReturn(t *testing.T) {
	parsed, err := ParseOpReturn([]byte(alice.String() + "@team"))
	require.NoError(t, err)
	require.Equal(t, NativeAccount(alice), parsed.Account)
	require.Equal(t, "team", parsed.Referral)
	require.Equal(t, alice.String()+"@team", string(parsed.Bytes()))

	parsed, err = ParseOpReturn([]byte(alice.String() + "@"))
	require.NoError(t, err)
	require.Empty(t, parsed.Referral)
	require.Equal(t, alice.String(), string(parsed.Bytes()))

	for _, bad := range []string{"", "@x", alice.String() + "@a@b", alice.String() + "@" + string(make([]byte, MaxReferralLength+1)), "0xzz00000000000000000000000000000000000000"} {
		_, err := ParseOpReturn([]byte(bad))
		require.ErrorIs(t, err, ErrInvalidOpReturn, bad)
	}
}

func TestTxTypeString(t *testing.T) {
	require.Equal(t, "deposit", Deposit.String())
	require.Equal(t, "hot_and_cold", HotAndCold.String())
	require.Equal(t, "irrelevance", TxType(99).String())
}
