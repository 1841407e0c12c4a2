package vault

import (
	"encoding/binary"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"btcbridge/crypto"
)

var (
	vaultPrefix   = []byte("vault/vault/")
	vaultIndex    = []byte("vault/index")
	rateKey       = []byte("vault/rate")
	issuePrefix   = []byte("vault/issue/")
	issueNextKey  = []byte("vault/issue/next")
	redeemPrefix  = []byte("vault/redeem/")
	redeemNextKey = []byte("vault/redeem/next")
	paymentPrefix = []byte("vault/payment/")
)

func prefixed(prefix []byte, suffix []byte) []byte {
	buf := make([]byte, len(prefix)+len(suffix))
	copy(buf, prefix)
	copy(buf[len(prefix):], suffix)
	return buf
}

func vaultKey(account crypto.Address) []byte {
	b := account.Bytes()
	return prefixed(vaultPrefix, b[:])
}

func requestKey(prefix []byte, id uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], id)
	return prefixed(prefix, buf[:])
}

func paymentKey(txid chainhash.Hash) []byte {
	return prefixed(paymentPrefix, txid[:])
}
