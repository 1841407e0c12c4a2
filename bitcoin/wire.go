package bitcoin

import (
	"bytes"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// HeaderSize is the serialized length of a block header.
const HeaderSize = 80

// DecodeHeader parses an 80 byte block header.
func DecodeHeader(raw []byte) (*wire.BlockHeader, error) {
	if len(raw) != HeaderSize {
		return nil, fmt.Errorf("%w: got %d bytes", ErrMalformedHeader, len(raw))
	}
	header := new(wire.BlockHeader)
	if err := header.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedHeader, err)
	}
	return header, nil
}

// EncodeHeader serializes a block header.
func EncodeHeader(header *wire.BlockHeader) []byte {
	var buf bytes.Buffer
	buf.Grow(HeaderSize)
	// Writes into a bytes.Buffer cannot fail.
	_ = header.Serialize(&buf)
	return buf.Bytes()
}

// DecodeTransaction parses a standard or segwit serialized transaction.
// Trailing bytes are rejected.
func DecodeTransaction(raw []byte) (*wire.MsgTx, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty", ErrMalformedTransaction)
	}
	tx := new(wire.MsgTx)
	r := bytes.NewReader(raw)
	if err := tx.Deserialize(r); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedTransaction, err)
	}
	if r.Len() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformedTransaction, r.Len())
	}
	if len(tx.TxIn) == 0 || len(tx.TxOut) == 0 {
		return nil, fmt.Errorf("%w: no inputs or outputs", ErrMalformedTransaction)
	}
	return tx, nil
}

// EncodeTransaction serializes tx including witness data.
func EncodeTransaction(tx *wire.MsgTx) []byte {
	var buf bytes.Buffer
	buf.Grow(tx.SerializeSize())
	_ = tx.Serialize(&buf)
	return buf.Bytes()
}

// ParseHash decodes a display-order (byte reversed) hex hash.
func ParseHash(s string) (chainhash.Hash, error) {
	h, err := chainhash.NewHashFromStr(s)
	if err != nil {
		return chainhash.Hash{}, err
	}
	return *h, nil
}
