package vault

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"btcbridge/bitcoin"
)

var (
	ErrInvalidPayment = errors.New("vault: invalid payment proof")
	ErrPaymentReused  = errors.New("vault: payment already used")
	ErrUnderpaid      = errors.New("vault: payment below requested amount")
)

// verifyPayment checks that raw is included in a confirmed block through
// proof and pays at least amount to wallet. It returns the payment txid.
func (e *Engine) verifyPayment(raw, proof []byte, wallet string, amount uint64) (chainhash.Hash, error) {
	tx, err := bitcoin.DecodeTransaction(raw)
	if err != nil {
		return chainhash.Hash{}, fmt.Errorf("%w: %v", ErrInvalidPayment, err)
	}
	txid := tx.TxHash()
	if used, err := e.state.KVGet(paymentKey(txid), nil); err != nil {
		return chainhash.Hash{}, err
	} else if used {
		return chainhash.Hash{}, fmt.Errorf("%w: %s", ErrPaymentReused, txid)
	}

	if len(proof) == 0 {
		return chainhash.Hash{}, fmt.Errorf("%w: proof required", ErrInvalidPayment)
	}
	msg, err := bitcoin.DecodeMerkleProof(proof)
	if err != nil {
		return chainhash.Hash{}, fmt.Errorf("%w: %v", ErrInvalidPayment, err)
	}
	root, matches, err := bitcoin.VerifyMerkleProof(msg)
	if err != nil {
		return chainhash.Hash{}, fmt.Errorf("%w: %v", ErrInvalidPayment, err)
	}
	block := msg.Header.BlockHash()
	entry, ok, err := e.chain.Entry(block)
	if err != nil {
		return chainhash.Hash{}, err
	}
	if !ok || entry.Header.MerkleRoot != root {
		return chainhash.Hash{}, fmt.Errorf("%w: block %s unknown or root mismatch", ErrInvalidPayment, block)
	}
	included := false
	for _, m := range matches {
		if m == txid {
			included = true
			break
		}
	}
	if !included {
		return chainhash.Hash{}, fmt.Errorf("%w: %s not in block", ErrInvalidPayment, txid)
	}
	confirmed, err := e.chain.IsConfirmed(block)
	if err != nil {
		return chainhash.Hash{}, err
	}
	if !confirmed {
		return chainhash.Hash{}, fmt.Errorf("%w: block %s not confirmed", ErrInvalidPayment, block)
	}

	target, err := bitcoin.ParseAddress(wallet, e.params.Network)
	if err != nil {
		return chainhash.Hash{}, fmt.Errorf("%w: %v", ErrInvalidWallet, err)
	}
	var paid uint64
	for _, out := range tx.TxOut {
		addr, ok := bitcoin.AddressFromScript(out.PkScript, e.params.Network)
		if ok && addr.Kind == target.Kind && addr.Hash == target.Hash && out.Value > 0 {
			paid += uint64(out.Value)
		}
	}
	if paid < amount {
		return chainhash.Hash{}, fmt.Errorf("%w: paid %d, want %d", ErrUnderpaid, paid, amount)
	}
	return txid, nil
}

func (e *Engine) markPaymentUsed(txid chainhash.Hash) error {
	return e.state.KVPut(paymentKey(txid), true)
}
