package bridge

import (
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"btcbridge/bitcoin"
	"btcbridge/core/events"
	"btcbridge/native/bridge/detector"
	"btcbridge/native/records"
)

func TestDepositWithOpReturnCreditsAccount(t *testing.T) {
	f := newFixture(t)
	best, err := f.tracker.BestChain()
	require.NoError(t, err)
	require.Equal(t, f.tip.BlockHash(), best.Hash)

	prev := f.funding(addrY)
	tx := spend(prev, payTo(t, hot, 50_000), opReturn(t, alice.String()))
	receipt, err := f.submit(tx, prev)
	require.NoError(t, err)
	require.Equal(t, detector.Deposit, receipt.Type)
	require.Equal(t, Success, receipt.Result)

	require.Equal(t, int64(50_000), f.balance(alice))
	pending, err := f.engine.PendingDeposits(addrY.String())
	require.NoError(t, err)
	require.Empty(t, pending)

	deposited := f.rec.OfType(events.TypeDeposited)
	require.Len(t, deposited, 1)
	require.Equal(t, events.Deposited{TxID: tx.TxHash(), Account: alice, Amount: 50_000}, deposited[0])

	// the input address is now bound to alice
	bound, ok, err := f.ledger.LookupBinding(addrY.String())
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, alice.String(), bound)
}

func TestDepositWithoutPrevTxCreditsOpReturnOnly(t *testing.T) {
	f := newFixture(t)
	tx := spend(f.funding(addrY), payTo(t, cold, 20_000), opReturn(t, alice.String()+"@team"))
	receipt, err := f.submit(tx, nil)
	require.NoError(t, err)
	require.Equal(t, Success, receipt.Result)
	require.Equal(t, int64(20_000), f.balance(alice))

	_, ok, err := f.ledger.LookupBinding(addrY.String())
	require.NoError(t, err)
	require.False(t, ok)
	referral, ok, err := f.ledger.Referral(records.AssetBTC, alice)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "team", referral)
}

func TestDepositToEVMAccount(t *testing.T) {
	f := newFixture(t)
	evm := common.HexToAddress("0x00000000000000000000000000000000000000ee")
	tx := spend(f.funding(addrY), payTo(t, hot, 30_000), opReturn(t, evm.Hex()+"@ignored"))
	_, err := f.submit(tx, nil)
	require.NoError(t, err)

	balance, err := f.ledger.EVMBalance(evm, records.AssetBTC)
	require.NoError(t, err)
	require.Equal(t, int64(30_000), balance.Int64())
	require.Len(t, f.rec.OfType(events.TypeDepositedEvm), 1)
	require.Empty(t, f.rec.OfType(events.TypeDeposited))
}

func TestUnboundDepositIsCachedThenReplayed(t *testing.T) {
	f := newFixture(t)
	prev := f.funding(addrX)
	tx := spend(prev, payTo(t, hot, 10_000))
	receipt, err := f.submit(tx, prev)
	require.NoError(t, err)
	require.Equal(t, Success, receipt.Result)

	pending, err := f.engine.PendingDeposits(addrX.String())
	require.NoError(t, err)
	require.Equal(t, []PendingDeposit{{TxID: tx.TxHash(), Balance: 10_000}}, pending)
	require.Equal(t, []events.Event{events.UnclaimedDeposit{TxID: tx.TxHash(), Address: addrX.String()}},
		f.rec.OfType(events.TypeUnclaimedDeposit))
	require.Zero(t, f.balance(bob))

	replayed, err := f.engine.Bind(addrX.String(), detector.NativeAccount(bob))
	require.NoError(t, err)
	require.Equal(t, 1, replayed)
	require.Equal(t, int64(10_000), f.balance(bob))
	pending, err = f.engine.PendingDeposits(addrX.String())
	require.NoError(t, err)
	require.Empty(t, pending)

	removed := f.rec.OfType(events.TypePendingDepositRemoved)
	require.Equal(t, []events.Event{events.PendingDepositRemoved{
		Account: bob.String(),
		Amount:  10_000,
		TxID:    tx.TxHash(),
		Address: addrX.String(),
	}}, removed)
}

func TestBindingReplaysEveryCachedDepositInOrder(t *testing.T) {
	f := newFixture(t)
	amounts := []int64{1_000, 2_500, 7_000}
	var txids []chainhash.Hash
	for _, amount := range amounts {
		prev := f.funding(addrX)
		tx := spend(prev, payTo(t, hot, amount))
		_, err := f.submit(tx, prev)
		require.NoError(t, err)
		txids = append(txids, tx.TxHash())
	}
	f.rec.Reset()

	replayed, err := f.engine.Bind(addrX.String(), detector.NativeAccount(bob))
	require.NoError(t, err)
	require.Equal(t, len(amounts), replayed)

	deposited := f.rec.OfType(events.TypeDeposited)
	require.Len(t, deposited, len(amounts))
	for i, evt := range deposited {
		require.Equal(t, txids[i], evt.(events.Deposited).TxID)
		require.Equal(t, uint64(amounts[i]), evt.(events.Deposited).Amount)
	}
	require.Len(t, f.rec.OfType(events.TypePendingDepositRemoved), len(amounts))
	require.Equal(t, int64(10_500), f.balance(bob))

	// a second binding has nothing left to replay
	replayed, err = f.engine.Bind(addrX.String(), detector.NativeAccount(alice))
	require.NoError(t, err)
	require.Zero(t, replayed)
}

func TestBoundAddressDepositCreditsDirectly(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.Bind(addrX.String(), detector.NativeAccount(bob))
	require.NoError(t, err)

	prev := f.funding(addrX)
	_, err = f.submit(spend(prev, payTo(t, hot, 4_000)), prev)
	require.NoError(t, err)
	require.Equal(t, int64(4_000), f.balance(bob))
	pending, err := f.engine.PendingDeposits(addrX.String())
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestDepositWithOpReturnReplaysInputAddressCache(t *testing.T) {
	f := newFixture(t)
	prev := f.funding(addrX)
	_, err := f.submit(spend(prev, payTo(t, hot, 3_000)), prev)
	require.NoError(t, err)

	prev = f.funding(addrX)
	_, err = f.submit(spend(prev, payTo(t, hot, 5_000), opReturn(t, alice.String())), prev)
	require.NoError(t, err)

	require.Equal(t, int64(8_000), f.balance(alice))
	pending, err := f.engine.PendingDeposits(addrX.String())
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestZeroValueBindingReplaysCache(t *testing.T) {
	f := newFixture(t)
	prev := f.funding(addrX)
	_, err := f.submit(spend(prev, payTo(t, hot, 3_000)), prev)
	require.NoError(t, err)

	prev = f.funding(addrX)
	receipt, err := f.submit(spend(prev, payTo(t, addrY, 9_000), opReturn(t, bob.String())), prev)
	require.NoError(t, err)
	require.Equal(t, detector.Deposit, receipt.Type)
	require.Equal(t, int64(3_000), f.balance(bob))
	require.Len(t, f.rec.OfType(events.TypeDeposited), 1)
}

func TestDepositWithoutIdentityFails(t *testing.T) {
	f := newFixture(t)
	tx := spend(f.funding(addrX), payTo(t, hot, 5_000))
	receipt, err := f.submit(tx, nil)
	require.NoError(t, err)
	require.Equal(t, detector.Deposit, receipt.Type)
	require.Equal(t, Failure, receipt.Result)

	issuance, err := f.ledger.TotalIssuance(records.AssetBTC)
	require.NoError(t, err)
	require.Zero(t, issuance.Sign())
}

func TestDepositConservation(t *testing.T) {
	f := newFixture(t)
	var paid int64
	submit := func(from bitcoin.Address, withPrev bool, value int64, memo string) {
		prev := f.funding(from)
		outs := []*wire.TxOut{payTo(t, hot, value)}
		if memo != "" {
			outs = append(outs, opReturn(t, memo))
		}
		tx := spend(prev, outs...)
		if !withPrev {
			prev = nil
		}
		receipt, err := f.submit(tx, prev)
		require.NoError(t, err)
		require.Equal(t, Success, receipt.Result)
		paid += value
	}
	submit(addrX, true, 10_000, "")
	submit(addrY, true, 20_000, alice.String())
	submit(addrX, true, 1_500, "")
	submit(addrY, false, 4_000, bob.String())
	submit(addrY, true, 2_000, "")

	issuance, err := f.ledger.TotalIssuance(records.AssetBTC)
	require.NoError(t, err)
	var cached int64
	for _, addr := range []bitcoin.Address{addrX, addrY} {
		pending, err := f.engine.PendingDeposits(addr.String())
		require.NoError(t, err)
		for _, p := range pending {
			cached += int64(p.Balance)
		}
	}
	require.Equal(t, int64(11_500), cached)
	require.Equal(t, paid, issuance.Int64()+cached)
}

func TestBindRejectsInvalidInput(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.Bind("not-an-address", detector.NativeAccount(bob))
	require.ErrorIs(t, err, ErrInvalidBinding)

	mainnet := bitcoin.Address{Network: bitcoin.Mainnet, Kind: bitcoin.P2PKH, Hash: addrX.Hash}
	_, err = f.engine.Bind(mainnet.String(), detector.NativeAccount(bob))
	require.ErrorIs(t, err, ErrInvalidBinding)

	_, err = f.engine.Bind(addrX.String(), detector.Account{})
	require.ErrorIs(t, err, ErrInvalidBinding)
}
