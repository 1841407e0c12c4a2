package headers

import (
	"encoding/binary"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

var (
	headerPrefix    = []byte("btc/header/")
	heightPrefix    = []byte("btc/height/")
	canonicalPrefix = []byte("btc/canonical/")
	bestKey         = []byte("btc/best")
	genesisKey      = []byte("btc/genesis")
)

func headerKey(hash chainhash.Hash) []byte {
	buf := make([]byte, len(headerPrefix)+len(hash))
	copy(buf, headerPrefix)
	copy(buf[len(headerPrefix):], hash[:])
	return buf
}

func heightKey(height uint64) []byte {
	buf := make([]byte, len(heightPrefix)+8)
	copy(buf, heightPrefix)
	binary.BigEndian.PutUint64(buf[len(heightPrefix):], height)
	return buf
}

func canonicalKey(height uint64) []byte {
	buf := make([]byte, len(canonicalPrefix)+8)
	copy(buf, canonicalPrefix)
	binary.BigEndian.PutUint64(buf[len(canonicalPrefix):], height)
	return buf
}
