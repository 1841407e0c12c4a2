package bridge

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
	"btcbridge/native/bridge/detector"
	"btcbridge/native/bridge/headers"
	"btcbridge/native/records"
	"btcbridge/storage"
)

const (
	easyBits  = 0x207fffff
	genesisTS = 1_600_000_000
	testFee   = 1_000
)

func btcAddr(kind bitcoin.AddressKind, fill byte) bitcoin.Address {
	var h [20]byte
	for i := range h {
		h[i] = fill
	}
	return bitcoin.Address{Network: bitcoin.Regtest, Kind: kind, Hash: h}
}

func account(fill byte) crypto.Address {
	return crypto.NewAddress(crypto.AccountPrefix, [20]byte{fill})
}

var (
	hot      = btcAddr(bitcoin.P2SH, 0x01)
	cold     = btcAddr(bitcoin.P2SH, 0x02)
	nextHot  = btcAddr(bitcoin.P2SH, 0x05)
	nextCold = btcAddr(bitcoin.P2SH, 0x06)
	addrX    = btcAddr(bitcoin.P2PKH, 0x10)
	addrY    = btcAddr(bitcoin.P2PKH, 0x11)
	alice    = account(0xa1)
	bob      = account(0xb0)
	trustee1 = account(0x71)
	trustee2 = account(0x72)
	trustee3 = account(0x73)
)

type fixture struct {
	t       *testing.T
	state   *state.Manager
	tracker *headers.Tracker
	ledger  *records.Ledger
	engine  *Engine
	rec     *events.Recorder
	tip     *wire.BlockHeader
	ts      int64
	blocks  int
	funds   int
}

func testSession() TrusteeSession {
	return TrusteeSession{
		Pair:      detector.TrusteePair{Hot: hot, Cold: cold},
		Trustees:  []crypto.Address{trustee1, trustee2, trustee3},
		Threshold: 2,
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mgr := state.NewManager(storage.NewMemDB())
	hp := headers.RegtestParams()
	hp.ConfirmationNumber = 2
	tracker, err := headers.NewTracker(mgr, hp)
	require.NoError(t, err)
	tracker.SetNowFunc(func() int64 { return genesisTS + 10_000_000 })

	f := &fixture{t: t, state: mgr, tracker: tracker, ts: genesisTS}
	genesis := f.grind(chainhash.Hash{}, chainhash.DoubleHashH([]byte("genesis")))
	require.NoError(t, tracker.InitGenesis(bitcoin.EncodeHeader(genesis), 0))
	f.tip = genesis

	f.ledger = records.NewLedger(mgr)
	params := DefaultParams()
	params.Network = bitcoin.Regtest
	params.MinDeposit = 1_000
	params.WithdrawalFee = testFee
	params.MaxWithdrawalCount = 10
	engine, err := NewEngine(mgr, tracker, params, RecordsDependencies(f.ledger))
	require.NoError(t, err)
	f.rec = &events.Recorder{}
	engine.SetEmitter(f.rec)
	require.NoError(t, engine.SetTrusteeSession(testSession()))
	f.engine = engine
	return f
}

func (f *fixture) grind(prev, root chainhash.Hash) *wire.BlockHeader {
	header := &wire.BlockHeader{
		Version:    1,
		PrevBlock:  prev,
		MerkleRoot: root,
		Timestamp:  time.Unix(f.ts, 0),
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

func (f *fixture) mine(root chainhash.Hash) *wire.BlockHeader {
	f.t.Helper()
	f.ts += 600
	header := f.grind(f.tip.BlockHash(), root)
	require.NoError(f.t, f.tracker.SubmitHeader(bitcoin.EncodeHeader(header), "relayer"))
	f.tip = header
	return header
}

// include mines a block carrying txs plus one confirmation on top and returns
// a merkle proof per transaction.
func (f *fixture) include(txs ...*wire.MsgTx) [][]byte {
	f.t.Helper()
	f.blocks++
	ids := []chainhash.Hash{chainhash.DoubleHashH([]byte(fmt.Sprintf("coinbase-%d", f.blocks)))}
	for _, tx := range txs {
		ids = append(ids, tx.TxHash())
	}
	header := f.mine(bitcoin.MerkleRoot(ids))
	proofs := make([][]byte, len(txs))
	for i := range txs {
		proofs[i] = bitcoin.EncodeMerkleProof(bitcoin.NewMerkleProof(*header, ids, i+1))
	}
	f.mine(chainhash.DoubleHashH([]byte(fmt.Sprintf("filler-%d", f.blocks))))
	return proofs
}

func (f *fixture) submit(tx, prev *wire.MsgTx) (*Receipt, error) {
	f.t.Helper()
	proof := f.include(tx)[0]
	var prevRaw []byte
	if prev != nil {
		prevRaw = bitcoin.EncodeTransaction(prev)
	}
	return f.engine.SubmitTransaction(bitcoin.EncodeTransaction(tx), prevRaw, proof)
}

func (f *fixture) balance(a crypto.Address) int64 {
	f.t.Helper()
	value, err := f.ledger.Balance(a, records.AssetBTC)
	require.NoError(f.t, err)
	return value.Int64()
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

// funding returns a fresh transaction whose first output pays from.
func (f *fixture) funding(from bitcoin.Address) *wire.MsgTx {
	f.t.Helper()
	f.funds++
	tx := wire.NewMsgTx(wire.TxVersion)
	seed := chainhash.DoubleHashH([]byte(fmt.Sprintf("funding-%d", f.funds)))
	tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(&seed, 0), nil, nil))
	tx.AddTxOut(payTo(f.t, from, 10_000_000))
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

// applyWithdrawals funds owner and opens one record per amount, all paying to.
func (f *fixture) applyWithdrawals(owner crypto.Address, to bitcoin.Address, amounts ...uint64) []uint32 {
	f.t.Helper()
	var total uint64
	for _, a := range amounts {
		total += a
	}
	require.NoError(f.t, f.ledger.Mint(owner, records.AssetBTC, new(big.Int).SetUint64(total)))
	ids := make([]uint32, len(amounts))
	for i, a := range amounts {
		id, err := f.ledger.ApplyWithdrawal(owner, a, to.String(), 1)
		require.NoError(f.t, err)
		ids[i] = id
	}
	return ids
}
