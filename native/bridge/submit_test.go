package bridge

import (
	"errors"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"

	"btcbridge/bitcoin"
	"btcbridge/core/events"
	"btcbridge/crypto"
	"btcbridge/native/bridge/detector"
	"btcbridge/native/records"
)

func TestSubmitRequiresProof(t *testing.T) {
	f := newFixture(t)
	tx := spend(f.funding(addrY), payTo(t, hot, 5_000), opReturn(t, alice.String()))
	_, err := f.engine.SubmitTransaction(bitcoin.EncodeTransaction(tx), nil, nil)
	require.ErrorIs(t, err, ErrMissingProof)
}

func TestSubmitRejectsUnknownBlock(t *testing.T) {
	f := newFixture(t)
	tx := spend(f.funding(addrY), payTo(t, hot, 5_000), opReturn(t, alice.String()))
	ids := []chainhash.Hash{tx.TxHash()}
	orphan := f.grind(chainhash.DoubleHashH([]byte("elsewhere")), bitcoin.MerkleRoot(ids))
	proof := bitcoin.EncodeMerkleProof(bitcoin.NewMerkleProof(*orphan, ids, 0))

	_, err := f.engine.SubmitTransaction(bitcoin.EncodeTransaction(tx), nil, proof)
	require.ErrorIs(t, err, ErrUnknownBlock)
	require.Empty(t, f.rec.Events())
}

func TestSubmitRejectsForeignMerkleRoot(t *testing.T) {
	f := newFixture(t)
	tx := spend(f.funding(addrY), payTo(t, hot, 5_000), opReturn(t, alice.String()))
	f.include(spend(f.funding(addrX), payTo(t, addrY, 1)))
	stored, ok, err := f.tracker.Entry(f.tip.PrevBlock)
	require.NoError(t, err)
	require.True(t, ok)

	forged := bitcoin.NewMerkleProof(stored.Header, []chainhash.Hash{chainhash.DoubleHashH([]byte("cb")), tx.TxHash()}, 1)
	_, err = f.engine.SubmitTransaction(bitcoin.EncodeTransaction(tx), nil, bitcoin.EncodeMerkleProof(forged))
	require.ErrorIs(t, err, ErrMerkleRootMismatch)
}

func TestSubmitRejectsTxOutsideProof(t *testing.T) {
	f := newFixture(t)
	included := spend(f.funding(addrX), payTo(t, hot, 5_000))
	other := spend(f.funding(addrY), payTo(t, hot, 5_000), opReturn(t, alice.String()))
	proof := f.include(included)[0]

	_, err := f.engine.SubmitTransaction(bitcoin.EncodeTransaction(other), nil, proof)
	require.ErrorIs(t, err, ErrTxNotInBlock)
}

func TestSubmitRejectsUnconfirmedBlock(t *testing.T) {
	f := newFixture(t)
	tx := spend(f.funding(addrY), payTo(t, hot, 5_000), opReturn(t, alice.String()))
	ids := []chainhash.Hash{chainhash.DoubleHashH([]byte("cb")), tx.TxHash()}
	header := f.mine(bitcoin.MerkleRoot(ids))
	proof := bitcoin.EncodeMerkleProof(bitcoin.NewMerkleProof(*header, ids, 1))

	_, err := f.engine.SubmitTransaction(bitcoin.EncodeTransaction(tx), nil, proof)
	require.ErrorIs(t, err, ErrNotConfirmed)
	require.Zero(t, f.balance(alice))

	f.mine(chainhash.DoubleHashH([]byte("confirm")))
	_, err = f.engine.SubmitTransaction(bitcoin.EncodeTransaction(tx), nil, proof)
	require.NoError(t, err)
	require.Equal(t, int64(5_000), f.balance(alice))
}

func TestSubmitRejectsMismatchedPrevTx(t *testing.T) {
	f := newFixture(t)
	tx := spend(f.funding(addrY), payTo(t, hot, 5_000))
	_, err := f.submit(tx, f.funding(addrY))
	require.ErrorIs(t, err, ErrPrevTxMismatch)
	_, ok, err := f.engine.TxState(tx.TxHash())
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSubmitRejectsMalformedTransaction(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.SubmitTransaction([]byte{0x01, 0x02}, nil, []byte{0x00})
	require.Error(t, err)
}

func TestSubmitIsIdempotent(t *testing.T) {
	f := newFixture(t)
	tx := spend(f.funding(addrY), payTo(t, hot, 7_000), opReturn(t, alice.String()))
	raw := bitcoin.EncodeTransaction(tx)
	proof := f.include(tx)[0]

	_, err := f.engine.SubmitTransaction(raw, nil, proof)
	require.NoError(t, err)
	_, err = f.engine.SubmitTransaction(raw, nil, proof)
	require.ErrorIs(t, err, ErrTxAlreadyProcessed)
	require.Equal(t, int64(7_000), f.balance(alice))

	state, ok, err := f.engine.TxState(tx.TxHash())
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, Success, state.Result)
	require.Equal(t, detector.Deposit, state.Type)
	require.Len(t, f.rec.OfType(events.TypeTxProcessed), 1)
}

func TestFailedSubmissionCanBeRetried(t *testing.T) {
	f := newFixture(t)
	prev := f.funding(addrX)
	tx := spend(prev, payTo(t, hot, 6_000))
	raw := bitcoin.EncodeTransaction(tx)
	proof := f.include(tx)[0]

	receipt, err := f.engine.SubmitTransaction(raw, nil, proof)
	require.NoError(t, err)
	require.Equal(t, Failure, receipt.Result)

	receipt, err = f.engine.SubmitTransaction(raw, bitcoin.EncodeTransaction(prev), proof)
	require.NoError(t, err)
	require.Equal(t, Success, receipt.Result)
	pending, err := f.engine.PendingDeposits(addrX.String())
	require.NoError(t, err)
	require.Len(t, pending, 1)
}

func TestSubmitIrrelevantTransaction(t *testing.T) {
	f := newFixture(t)
	tx := spend(f.funding(addrY), payTo(t, hot, 999))
	receipt, err := f.submit(tx, nil)
	require.NoError(t, err)
	require.Equal(t, detector.Irrelevance, receipt.Type)
	require.Equal(t, Failure, receipt.Result)

	processed := f.rec.OfType(events.TypeTxProcessed)
	require.Len(t, processed, 1)
	require.Equal(t, "irrelevance", processed[0].(events.TxProcessed).TxType)
	require.False(t, processed[0].(events.TxProcessed).Success)
}

func TestSubmitWithoutTrusteeSession(t *testing.T) {
	f := newFixture(t)
	engine, err := NewEngine(f.state, f.tracker, DefaultParams(), RecordsDependencies(f.ledger))
	require.NoError(t, err)
	require.NoError(t, f.state.KVDelete(currentSessionKey))

	tx := spend(f.funding(addrY), payTo(t, hot, 5_000))
	proof := f.include(tx)[0]
	_, err = engine.SubmitTransaction(bitcoin.EncodeTransaction(tx), nil, proof)
	require.ErrorIs(t, err, ErrNoTrusteeSession)
}

func TestHotAndColdTransfer(t *testing.T) {
	f := newFixture(t)
	prev := f.funding(hot)
	receipt, err := f.submit(spend(prev, payTo(t, cold, 9_000_000), payTo(t, hot, 900_000)), prev)
	require.NoError(t, err)
	require.Equal(t, detector.HotAndCold, receipt.Type)
	require.Equal(t, Success, receipt.Result)
	require.Empty(t, f.rec.OfType(events.TypeWithdrawalFatalErr))
}

func TestTrusteeTransition(t *testing.T) {
	f := newFixture(t)
	next := TrusteeSession{
		Pair:      detector.TrusteePair{Hot: nextHot, Cold: nextCold},
		Trustees:  []crypto.Address{trustee2, trustee3},
		Threshold: 2,
	}
	require.NoError(t, f.engine.SetTrusteeSession(next))
	last, err := f.engine.LastSession()
	require.NoError(t, err)
	require.Equal(t, testSession().Pair, last.Pair)
	current, err := f.engine.CurrentSession()
	require.NoError(t, err)
	require.Equal(t, next.Trustees, current.Trustees)

	prev := f.funding(cold)
	receipt, err := f.submit(spend(prev, payTo(t, nextHot, 4_000_000), payTo(t, nextCold, 5_000_000)), prev)
	require.NoError(t, err)
	require.Equal(t, detector.TrusteeTransition, receipt.Type)
	require.Equal(t, Success, receipt.Result)

	// deposits to the retired pair are no longer recognised
	receipt, err = f.submit(spend(f.funding(addrY), payTo(t, hot, 5_000), opReturn(t, alice.String())), nil)
	require.NoError(t, err)
	require.Equal(t, detector.Deposit, receipt.Type)
	require.Zero(t, f.balance(alice))
}

func TestSetTrusteeSessionValidation(t *testing.T) {
	f := newFixture(t)
	cases := []TrusteeSession{
		{Pair: detector.TrusteePair{Hot: hot}, Trustees: []crypto.Address{trustee1}, Threshold: 1},
		{Pair: testSession().Pair, Threshold: 1},
		{Pair: testSession().Pair, Trustees: []crypto.Address{trustee1}, Threshold: 2},
		{Pair: testSession().Pair, Trustees: []crypto.Address{trustee1, trustee1}, Threshold: 1},
	}
	for _, session := range cases {
		require.ErrorIs(t, f.engine.SetTrusteeSession(session), ErrInvalidSession)
	}
}

func TestNewEngineValidation(t *testing.T) {
	f := newFixture(t)
	_, err := NewEngine(nil, f.tracker, DefaultParams(), RecordsDependencies(f.ledger))
	require.ErrorIs(t, err, ErrNilState)
	_, err = NewEngine(f.state, f.tracker, DefaultParams(), Dependencies{})
	require.ErrorIs(t, err, ErrNilCollaborator)
}

// trusteeSpend builds a transaction spending a hot funding output that pays
// every listed record its amount minus the fee, returning change to hot.
func (f *fixture) trusteeSpend(prev *wire.MsgTx, to bitcoin.Address, amounts ...int64) *wire.MsgTx {
	outs := make([]*wire.TxOut, 0, len(amounts)+1)
	for _, a := range amounts {
		outs = append(outs, payTo(f.t, to, a-testFee))
	}
	outs = append(outs, payTo(f.t, hot, 1_000_000))
	return spend(prev, outs...)
}

func TestWithdrawalLifecycle(t *testing.T) {
	f := newFixture(t)
	ids := f.applyWithdrawals(alice, addrX, 40_000, 50_000)
	prev := f.funding(hot)
	tx := f.trusteeSpend(prev, addrX, 40_000, 50_000)

	proposal, err := f.engine.ProposeWithdrawal(trustee1, bitcoin.EncodeTransaction(tx), []uint32{ids[1], ids[0], ids[1]})
	require.NoError(t, err)
	require.Equal(t, ids, proposal.IDs)
	require.Equal(t, ProposalNotFinish, proposal.Status)
	for _, id := range ids {
		record, ok, err := f.ledger.WithdrawalRecord(id)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, records.WithdrawalProcessing, record.State)
	}

	proposal, err = f.engine.SignWithdrawal(trustee2, true)
	require.NoError(t, err)
	require.Equal(t, ProposalFinish, proposal.Status)
	_, err = f.engine.SignWithdrawal(trustee3, true)
	require.ErrorIs(t, err, ErrProposalFinished)

	receipt, err := f.submit(tx, prev)
	require.NoError(t, err)
	require.Equal(t, detector.Withdrawal, receipt.Type)
	require.Equal(t, Success, receipt.Result)

	require.Equal(t, []events.Event{events.Withdrawn{TxID: tx.TxHash(), IDs: ids, Total: 88_000}},
		f.rec.OfType(events.TypeWithdrawn))
	current, err := f.engine.Proposal()
	require.NoError(t, err)
	require.Nil(t, current)
	for _, id := range ids {
		_, ok, err := f.ledger.WithdrawalRecord(id)
		require.NoError(t, err)
		require.False(t, ok)
	}
	reserved, err := f.ledger.Reserved(alice, records.AssetBTC)
	require.NoError(t, err)
	require.Zero(t, reserved.Sign())
	issuance, err := f.ledger.TotalIssuance(records.AssetBTC)
	require.NoError(t, err)
	require.Zero(t, issuance.Sign())

	for _, trustee := range []crypto.Address{trustee1, trustee2} {
		reward, err := f.ledger.Reward(trustee)
		require.NoError(t, err)
		require.Equal(t, uint64(testFee), reward)
	}
	reward, err := f.ledger.Reward(trustee3)
	require.NoError(t, err)
	require.Zero(t, reward)
}

type stuckLedger struct {
	*records.Ledger
	stuck uint32
}

func (l stuckLedger) FinishWithdrawal(id uint32) error {
	if id == l.stuck {
		return errors.New("finish refused")
	}
	return l.Ledger.FinishWithdrawal(id)
}

func TestWithdrawalFeesCountFinalizedIDs(t *testing.T) {
	f := newFixture(t)
	ids := f.applyWithdrawals(alice, addrX, 40_000, 50_000)
	f.engine.deps.Ledger = stuckLedger{Ledger: f.ledger, stuck: ids[1]}
	prev := f.funding(hot)
	tx := f.trusteeSpend(prev, addrX, 40_000, 50_000)

	_, err := f.engine.ProposeWithdrawal(trustee1, bitcoin.EncodeTransaction(tx), ids)
	require.NoError(t, err)
	_, err = f.engine.SignWithdrawal(trustee2, true)
	require.NoError(t, err)

	receipt, err := f.submit(tx, prev)
	require.NoError(t, err)
	require.Equal(t, Success, receipt.Result)
	require.Equal(t, []events.Event{events.Withdrawn{TxID: tx.TxHash(), IDs: ids, Total: 39_000}},
		f.rec.OfType(events.TypeWithdrawn))

	var rewards uint64
	for _, trustee := range []crypto.Address{trustee1, trustee2, trustee3} {
		reward, err := f.ledger.Reward(trustee)
		require.NoError(t, err)
		rewards += reward
	}
	require.Equal(t, uint64(testFee), rewards)
}

func TestWithdrawalMismatchIsFatal(t *testing.T) {
	f := newFixture(t)
	ids := f.applyWithdrawals(alice, addrX, 10_000, 20_000, 30_000, 40_000, 50_000)
	require.Equal(t, []uint32{0, 1, 2, 3, 4}, ids)

	proposed := f.trusteeSpend(f.funding(hot), addrX, 40_000, 50_000)
	_, err := f.engine.ProposeWithdrawal(trustee1, bitcoin.EncodeTransaction(proposed), []uint32{3, 4})
	require.NoError(t, err)
	_, err = f.engine.SignWithdrawal(trustee2, true)
	require.NoError(t, err)
	before, err := f.engine.Proposal()
	require.NoError(t, err)

	otherPrev := f.funding(hot)
	observed := f.trusteeSpend(otherPrev, addrX, 40_000, 50_000)
	require.NotEqual(t, proposed.TxHash(), observed.TxHash())
	receipt, err := f.submit(observed, otherPrev)
	require.NoError(t, err)
	require.Equal(t, detector.Withdrawal, receipt.Type)
	require.Equal(t, Failure, receipt.Result)

	require.Equal(t, []events.Event{events.WithdrawalFatalErr{Candidate: proposed.TxHash(), Observed: observed.TxHash()}},
		f.rec.OfType(events.TypeWithdrawalFatalErr))
	require.Empty(t, f.rec.OfType(events.TypeWithdrawn))
	after, err := f.engine.Proposal()
	require.NoError(t, err)
	require.Equal(t, before, after)
	for _, id := range []uint32{3, 4} {
		record, ok, err := f.ledger.WithdrawalRecord(id)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, records.WithdrawalProcessing, record.State)
	}

	// manual resolution returns the records to the queue
	require.NoError(t, f.engine.DropWithdrawalProposal())
	for _, id := range []uint32{3, 4} {
		record, _, err := f.ledger.WithdrawalRecord(id)
		require.NoError(t, err)
		require.Equal(t, records.WithdrawalApplying, record.State)
	}
	require.Len(t, f.rec.OfType(events.TypeWithdrawalDropped), 1)
	require.ErrorIs(t, f.engine.DropWithdrawalProposal(), ErrNoProposal)
}

func TestTrusteeSpendWithoutProposalIsFatal(t *testing.T) {
	f := newFixture(t)
	prev := f.funding(hot)
	tx := f.trusteeSpend(prev, addrX, 20_000)
	receipt, err := f.submit(tx, prev)
	require.NoError(t, err)
	require.Equal(t, Failure, receipt.Result)
	require.Equal(t, []events.Event{events.WithdrawalFatalErr{Observed: tx.TxHash()}},
		f.rec.OfType(events.TypeWithdrawalFatalErr))
}

func TestSingleOutstandingProposal(t *testing.T) {
	f := newFixture(t)
	ids := f.applyWithdrawals(alice, addrX, 10_000, 20_000)
	first := f.trusteeSpend(f.funding(hot), addrX, 10_000)
	_, err := f.engine.ProposeWithdrawal(trustee1, bitcoin.EncodeTransaction(first), ids[:1])
	require.NoError(t, err)

	second := f.trusteeSpend(f.funding(hot), addrX, 20_000)
	_, err = f.engine.ProposeWithdrawal(trustee2, bitcoin.EncodeTransaction(second), ids[1:])
	require.ErrorIs(t, err, ErrProposalExists)

	require.NoError(t, f.engine.DropWithdrawalProposal())
	_, err = f.engine.ProposeWithdrawal(trustee2, bitcoin.EncodeTransaction(second), ids[1:])
	require.NoError(t, err)
}

func TestRejectedProposalIsDropped(t *testing.T) {
	f := newFixture(t)
	ids := f.applyWithdrawals(bob, addrY, 15_000)
	tx := f.trusteeSpend(f.funding(hot), addrY, 15_000)
	_, err := f.engine.ProposeWithdrawal(trustee1, bitcoin.EncodeTransaction(tx), ids)
	require.NoError(t, err)

	_, err = f.engine.SignWithdrawal(alice, false)
	require.ErrorIs(t, err, ErrNotTrustee)
	_, err = f.engine.SignWithdrawal(trustee1, true)
	require.ErrorIs(t, err, ErrAlreadyVoted)

	proposal, err := f.engine.SignWithdrawal(trustee2, false)
	require.NoError(t, err)
	require.Equal(t, ProposalNotFinish, proposal.Status)
	_, err = f.engine.SignWithdrawal(trustee3, false)
	require.NoError(t, err)

	current, err := f.engine.Proposal()
	require.NoError(t, err)
	require.Nil(t, current)
	record, _, err := f.ledger.WithdrawalRecord(ids[0])
	require.NoError(t, err)
	require.Equal(t, records.WithdrawalApplying, record.State)

	votes := f.rec.OfType(events.TypeWithdrawalVoted)
	require.Len(t, votes, 2)
	require.Equal(t, "dropped", votes[1].(events.WithdrawalVoted).Status)
	require.Equal(t, []events.Event{events.WithdrawalDropped{TxID: tx.TxHash(), IDs: ids}},
		f.rec.OfType(events.TypeWithdrawalDropped))

	_, err = f.engine.SignWithdrawal(trustee2, true)
	require.ErrorIs(t, err, ErrNoProposal)
}

func TestProposeWithdrawalValidation(t *testing.T) {
	f := newFixture(t)
	ids := f.applyWithdrawals(alice, addrX, 10_000, 20_000, testFee)
	raw := func(tx *wire.MsgTx) []byte { return bitcoin.EncodeTransaction(tx) }
	good := f.trusteeSpend(f.funding(hot), addrX, 10_000)

	_, err := f.engine.ProposeWithdrawal(bob, raw(good), ids[:1])
	require.ErrorIs(t, err, ErrNotTrustee)
	_, err = f.engine.ProposeWithdrawal(trustee1, raw(good), nil)
	require.ErrorIs(t, err, ErrEmptyWithdrawal)
	many := make([]uint32, 11)
	for i := range many {
		many[i] = uint32(i)
	}
	_, err = f.engine.ProposeWithdrawal(trustee1, raw(good), many)
	require.ErrorIs(t, err, ErrTooManyWithdrawals)
	_, err = f.engine.ProposeWithdrawal(trustee1, raw(good), []uint32{99})
	require.ErrorIs(t, err, ErrWithdrawalNotFound)
	_, err = f.engine.ProposeWithdrawal(trustee1, raw(good), ids[2:])
	require.ErrorIs(t, err, ErrWithdrawalBelowFee)

	wrongAmount := spend(f.funding(hot), payTo(t, addrX, 10_000))
	_, err = f.engine.ProposeWithdrawal(trustee1, raw(wrongAmount), ids[:1])
	require.ErrorIs(t, err, ErrProposalOutputs)
	unpaid := f.trusteeSpend(f.funding(hot), addrX, 10_000)
	_, err = f.engine.ProposeWithdrawal(trustee1, raw(unpaid), ids[:2])
	require.ErrorIs(t, err, ErrProposalOutputs)
	_, err = f.engine.ProposeWithdrawal(trustee1, []byte{0xff}, ids[:1])
	require.Error(t, err)

	for _, id := range ids {
		record, _, err := f.ledger.WithdrawalRecord(id)
		require.NoError(t, err)
		require.Equal(t, records.WithdrawalApplying, record.State)
	}

	_, err = f.engine.ProposeWithdrawal(trustee1, raw(good), ids[:1])
	require.NoError(t, err)
	require.NoError(t, f.engine.DropWithdrawalProposal())
	require.NoError(t, f.ledger.SetWithdrawalState(ids[1], records.WithdrawalProcessing))
	_, err = f.engine.ProposeWithdrawal(trustee1, raw(f.trusteeSpend(f.funding(hot), addrX, 20_000)), ids[1:2])
	require.ErrorIs(t, err, ErrWithdrawalNotApplied)
}

func TestSingleTrusteeProposalFinishesImmediately(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.engine.SetTrusteeSession(TrusteeSession{
		Pair:      testSession().Pair,
		Trustees:  []crypto.Address{trustee1},
		Threshold: 1,
	}))
	ids := f.applyWithdrawals(alice, addrX, 10_000)
	tx := f.trusteeSpend(f.funding(hot), addrX, 10_000)
	proposal, err := f.engine.ProposeWithdrawal(trustee1, bitcoin.EncodeTransaction(tx), ids)
	require.NoError(t, err)
	require.Equal(t, ProposalFinish, proposal.Status)
}
