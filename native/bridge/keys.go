package bridge

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

var (
	txStatePrefix     = []byte("bridge/tx/")
	pendingPrefix     = []byte("bridge/pending/")
	proposalKey       = []byte("bridge/proposal")
	currentSessionKey = []byte("bridge/trustees/current")
	lastSessionKey    = []byte("bridge/trustees/last")
)

func txStateKey(txid chainhash.Hash) []byte {
	buf := make([]byte, len(txStatePrefix)+len(txid))
	copy(buf, txStatePrefix)
	copy(buf[len(txStatePrefix):], txid[:])
	return buf
}

func pendingKey(btcAddress string) []byte {
	buf := make([]byte, len(pendingPrefix)+len(btcAddress))
	copy(buf, pendingPrefix)
	copy(buf[len(pendingPrefix):], btcAddress)
	return buf
}
