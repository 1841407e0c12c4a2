package bitcoin

import (
	"bytes"
	"fmt"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// minTxWeight is the weight of the smallest valid transaction (60 bytes
// stripped size).
const minTxWeight = 4 * 60

// MaxProofTransactions caps the transaction count a merkle proof may claim.
// No valid block can hold more.
const MaxProofTransactions = blockchain.MaxBlockWeight / minTxWeight

// DecodeMerkleProof parses a BIP37 merkleblock message (header, transaction
// count, hashes and flag bits).
func DecodeMerkleProof(raw []byte) (*wire.MsgMerkleBlock, error) {
	msg := new(wire.MsgMerkleBlock)
	r := bytes.NewReader(raw)
	if err := msg.BtcDecode(r, wire.ProtocolVersion, wire.LatestEncoding); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMerkleProof, err)
	}
	if r.Len() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrInvalidMerkleProof, r.Len())
	}
	return msg, nil
}

// EncodeMerkleProof serializes a merkleblock message.
func EncodeMerkleProof(msg *wire.MsgMerkleBlock) []byte {
	var buf bytes.Buffer
	_ = msg.BtcEncode(&buf, wire.ProtocolVersion, wire.LatestEncoding)
	return buf.Bytes()
}

func hashMerkleBranches(left, right *chainhash.Hash) chainhash.Hash {
	var buf [chainhash.HashSize * 2]byte
	copy(buf[:chainhash.HashSize], left[:])
	copy(buf[chainhash.HashSize:], right[:])
	return chainhash.DoubleHashH(buf[:])
}

type partialTree struct {
	txCount uint32
	hashes  []*chainhash.Hash
	flags   []byte

	bitsUsed   int
	hashesUsed int
	matches    []chainhash.Hash
}

func (t *partialTree) width(height uint) uint32 {
	return (t.txCount + (1 << height) - 1) >> height
}

func (t *partialTree) bit(i int) bool {
	return t.flags[i/8]&(1<<(uint(i)%8)) != 0
}

func (t *partialTree) traverse(height uint, pos uint32) (chainhash.Hash, error) {
	if t.bitsUsed >= len(t.flags)*8 {
		return chainhash.Hash{}, fmt.Errorf("%w: flag bits exhausted", ErrInvalidMerkleProof)
	}
	parentOfMatch := t.bit(t.bitsUsed)
	t.bitsUsed++
	if height == 0 || !parentOfMatch {
		if t.hashesUsed >= len(t.hashes) {
			return chainhash.Hash{}, fmt.Errorf("%w: hashes exhausted", ErrInvalidMerkleProof)
		}
		h := *t.hashes[t.hashesUsed]
		t.hashesUsed++
		if height == 0 && parentOfMatch {
			t.matches = append(t.matches, h)
		}
		return h, nil
	}
	left, err := t.traverse(height-1, pos*2)
	if err != nil {
		return chainhash.Hash{}, err
	}
	right := left
	if pos*2+1 < t.width(height-1) {
		right, err = t.traverse(height-1, pos*2+1)
		if err != nil {
			return chainhash.Hash{}, err
		}
		// Identical siblings allow forged inclusion (CVE-2012-2459).
		if right == left {
			return chainhash.Hash{}, fmt.Errorf("%w: duplicate sibling", ErrInvalidMerkleProof)
		}
	}
	return hashMerkleBranches(&left, &right), nil
}

// VerifyMerkleProof walks the partial merkle tree and returns the computed
// root together with the matched transaction ids.
func VerifyMerkleProof(msg *wire.MsgMerkleBlock) (chainhash.Hash, []chainhash.Hash, error) {
	if msg.Transactions == 0 {
		return chainhash.Hash{}, nil, fmt.Errorf("%w: no transactions", ErrInvalidMerkleProof)
	}
	if msg.Transactions > MaxProofTransactions {
		return chainhash.Hash{}, nil, fmt.Errorf("%w: %d transactions exceed block limit", ErrInvalidMerkleProof, msg.Transactions)
	}
	if uint32(len(msg.Hashes)) > msg.Transactions {
		return chainhash.Hash{}, nil, fmt.Errorf("%w: more hashes than transactions", ErrInvalidMerkleProof)
	}
	if len(msg.Flags)*8 < len(msg.Hashes) {
		return chainhash.Hash{}, nil, fmt.Errorf("%w: too few flag bits", ErrInvalidMerkleProof)
	}
	tree := &partialTree{txCount: msg.Transactions, hashes: msg.Hashes, flags: msg.Flags}
	var height uint
	for tree.width(height) > 1 {
		height++
	}
	root, err := tree.traverse(height, 0)
	if err != nil {
		return chainhash.Hash{}, nil, err
	}
	if (tree.bitsUsed+7)/8 != len(msg.Flags) {
		return chainhash.Hash{}, nil, fmt.Errorf("%w: unused flag bytes", ErrInvalidMerkleProof)
	}
	if tree.hashesUsed != len(msg.Hashes) {
		return chainhash.Hash{}, nil, fmt.Errorf("%w: unused hashes", ErrInvalidMerkleProof)
	}
	return root, tree.matches, nil
}

type treeBuilder struct {
	txids   []chainhash.Hash
	match   []bool
	hashes  []*chainhash.Hash
	bits    []bool
	txCount uint32
}

func (b *treeBuilder) width(height uint) uint32 {
	return (b.txCount + (1 << height) - 1) >> height
}

func (b *treeBuilder) calcHash(height uint, pos uint32) chainhash.Hash {
	if height == 0 {
		return b.txids[pos]
	}
	left := b.calcHash(height-1, pos*2)
	right := left
	if pos*2+1 < b.width(height-1) {
		right = b.calcHash(height-1, pos*2+1)
	}
	return hashMerkleBranches(&left, &right)
}

func (b *treeBuilder) build(height uint, pos uint32) {
	parentOfMatch := false
	for p := pos << height; p < (pos+1)<<height && p < b.txCount; p++ {
		if b.match[p] {
			parentOfMatch = true
			break
		}
	}
	b.bits = append(b.bits, parentOfMatch)
	if height == 0 || !parentOfMatch {
		h := b.calcHash(height, pos)
		b.hashes = append(b.hashes, &h)
		return
	}
	b.build(height-1, pos*2)
	if pos*2+1 < b.width(height-1) {
		b.build(height-1, pos*2+1)
	}
}

// NewMerkleProof builds the merkleblock proving inclusion of the transactions
// at the matched indexes of txids.
func NewMerkleProof(header wire.BlockHeader, txids []chainhash.Hash, matched ...int) *wire.MsgMerkleBlock {
	b := &treeBuilder{
		txids:   txids,
		match:   make([]bool, len(txids)),
		txCount: uint32(len(txids)),
	}
	for _, idx := range matched {
		if idx >= 0 && idx < len(txids) {
			b.match[idx] = true
		}
	}
	var height uint
	for b.width(height) > 1 {
		height++
	}
	b.build(height, 0)

	flags := make([]byte, (len(b.bits)+7)/8)
	for i, set := range b.bits {
		if set {
			flags[i/8] |= 1 << (uint(i) % 8)
		}
	}
	return &wire.MsgMerkleBlock{
		Header:       header,
		Transactions: b.txCount,
		Hashes:       b.hashes,
		Flags:        flags,
	}
}

// MerkleRoot computes the block merkle root of txids.
func MerkleRoot(txids []chainhash.Hash) chainhash.Hash {
	if len(txids) == 0 {
		return chainhash.Hash{}
	}
	b := &treeBuilder{txids: txids, txCount: uint32(len(txids))}
	var height uint
	for b.width(height) > 1 {
		height++
	}
	return b.calcHash(height, 0)
}
