package bridge

import (
	"fmt"
	"log/slog"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"btcbridge/bitcoin"
	"btcbridge/core/events"
	"btcbridge/native/bridge/detector"
)

// Receipt summarises a processed transaction.
type Receipt struct {
	TxID   chainhash.Hash
	Block  chainhash.Hash
	Type   detector.TxType
	Result TxResult
}

// SubmitTransaction verifies that raw is included in a confirmed block via the
// BIP37 merkle proof, classifies it and applies its effect. prevRaw is the
// transaction spent by the first input and may be nil, in which case only
// deposits can be recognised. Validation failures return an error and leave
// state untouched; business outcomes are reported through the receipt and
// events.
func (e *Engine) SubmitTransaction(raw, prevRaw, proof []byte) (*Receipt, error) {
	tx, err := bitcoin.DecodeTransaction(raw)
	if err != nil {
		return nil, err
	}
	txid := tx.TxHash()
	block, err := e.verifyInclusion(txid, proof)
	if err != nil {
		return nil, err
	}
	var prevTx *wire.MsgTx
	if len(prevRaw) > 0 {
		if prevTx, err = bitcoin.DecodeTransaction(prevRaw); err != nil {
			return nil, err
		}
		if prevTx.TxHash() != tx.TxIn[0].PreviousOutPoint.Hash {
			return nil, fmt.Errorf("%w: %s", ErrPrevTxMismatch, prevTx.TxHash())
		}
	}
	if existing, ok, err := e.TxState(txid); err != nil {
		return nil, err
	} else if ok && existing.Result == Success {
		return nil, fmt.Errorf("%w: %s", ErrTxAlreadyProcessed, txid)
	}

	current, err := e.mustCurrentSession()
	if err != nil {
		return nil, err
	}
	last, err := e.LastSession()
	if err != nil {
		return nil, err
	}
	cfg := detector.Config{
		Network:       e.params.Network,
		MinDeposit:    e.params.MinDeposit,
		Current:       current.Pair,
		AccountPrefix: e.params.AccountPrefix,
	}
	if last != nil {
		cfg.Last = &last.Pair
	}
	meta := detector.Detect(tx, prevTx, cfg)

	result := Failure
	switch meta.Type {
	case detector.Deposit:
		result, err = e.deposit(txid, meta.Deposit)
	case detector.Withdrawal:
		result, err = e.withdraw(txid)
	case detector.TrusteeTransition, detector.HotAndCold:
		result = Success
	default:
		slog.Debug("bridge: irrelevant transaction", "txid", txid.String())
	}
	if err != nil {
		return nil, err
	}

	receipt := &Receipt{TxID: txid, Block: block, Type: meta.Type, Result: result}
	if err := e.putTxState(TxState{TxID: txid, Block: block, Type: meta.Type, Result: result, Height: e.heightFn()}); err != nil {
		return nil, err
	}
	e.emit(events.TxProcessed{TxID: txid, BlockHash: block, TxType: meta.Type.String(), Success: result == Success})
	return receipt, nil
}

// verifyInclusion checks the proof against a stored, confirmed header and
// returns the block hash.
func (e *Engine) verifyInclusion(txid chainhash.Hash, proof []byte) (chainhash.Hash, error) {
	if len(proof) == 0 {
		return chainhash.Hash{}, ErrMissingProof
	}
	msg, err := bitcoin.DecodeMerkleProof(proof)
	if err != nil {
		return chainhash.Hash{}, err
	}
	root, matches, err := bitcoin.VerifyMerkleProof(msg)
	if err != nil {
		return chainhash.Hash{}, err
	}
	block := msg.Header.BlockHash()
	entry, ok, err := e.chain.Entry(block)
	if err != nil {
		return chainhash.Hash{}, err
	}
	if !ok {
		return chainhash.Hash{}, fmt.Errorf("%w: %s", ErrUnknownBlock, block)
	}
	if entry.Header.MerkleRoot != root {
		return chainhash.Hash{}, fmt.Errorf("%w: %s", ErrMerkleRootMismatch, block)
	}
	found := false
	for _, m := range matches {
		if m == txid {
			found = true
			break
		}
	}
	if !found {
		return chainhash.Hash{}, fmt.Errorf("%w: %s", ErrTxNotInBlock, txid)
	}
	confirmed, err := e.chain.IsConfirmed(block)
	if err != nil {
		return chainhash.Hash{}, err
	}
	if !confirmed {
		return chainhash.Hash{}, fmt.Errorf("%w: %s", ErrNotConfirmed, block)
	}
	return block, nil
}
