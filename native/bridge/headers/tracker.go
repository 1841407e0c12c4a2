package headers

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	lru "github.com/hashicorp/golang-lru"

	"btcbridge/bitcoin"
	"btcbridge/core/events"
)

var (
	ErrDuplicateHeader   = errors.New("headers: header already stored")
	ErrOrphanHeader      = errors.New("headers: parent header unknown")
	ErrAncientFork       = errors.New("headers: parent below retention window")
	ErrFutureTimestamp   = errors.New("headers: timestamp too far in the future")
	ErrBadDifficulty     = errors.New("headers: bits do not match required difficulty")
	ErrBadProofOfWork    = errors.New("headers: insufficient proof of work")
	ErrNoGenesis         = errors.New("headers: genesis not initialised")
	ErrGenesisExists     = errors.New("headers: genesis already initialised")
	ErrGenesisNotAligned = errors.New("headers: genesis height not on a retarget boundary")
	ErrHeaderNotFound    = errors.New("headers: header not found")
)

const defaultCacheSize = 2048

// Store is the narrow KV surface the tracker persists through.
type Store interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
	KVDelete(key []byte) error
	KVAppend(key []byte, value []byte) error
	KVGetList(key []byte, out interface{}) error
}

// Entry is an accepted header together with its index metadata. Entries are
// shared with the cache and must be treated as read-only.
type Entry struct {
	Header     wire.BlockHeader
	Hash       chainhash.Hash
	Height     uint64
	Work       *big.Int
	Submitter  string
	ReceivedAt uint64
}

// Pointer identifies a header by height and hash.
type Pointer struct {
	Height uint64
	Hash   chainhash.Hash
}

type entryRecord struct {
	Raw        []byte
	Height     uint64
	Work       *big.Int
	Submitter  string
	ReceivedAt uint64
}

type pointerRecord struct {
	Height uint64
	Hash   []byte
}

func (r pointerRecord) pointer() Pointer {
	var p Pointer
	p.Height = r.Height
	copy(p.Hash[:], r.Hash)
	return p
}

// Tracker maintains the fork-aware Bitcoin header chain.
type Tracker struct {
	state    Store
	params   Params
	emitter  events.Emitter
	nowFn    func() int64
	heightFn func() uint64
	cache    *lru.Cache
}

// NewTracker validates params and returns a tracker persisting into state.
func NewTracker(state Store, params Params) (*Tracker, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	cache, err := lru.New(defaultCacheSize)
	if err != nil {
		return nil, err
	}
	return &Tracker{
		state:    state,
		params:   params,
		emitter:  events.NoopEmitter{},
		nowFn:    func() int64 { return time.Now().Unix() },
		heightFn: func() uint64 { return 0 },
		cache:    cache,
	}, nil
}

// Params returns the validation parameters.
func (t *Tracker) Params() Params { return t.params }

// SetEmitter configures the event emitter used by the tracker. Passing nil
// resets the emitter to a no-op implementation.
func (t *Tracker) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		t.emitter = events.NoopEmitter{}
		return
	}
	t.emitter = emitter
}

// SetNowFunc overrides the wall clock used for the future timestamp check.
func (t *Tracker) SetNowFunc(now func() int64) {
	if now == nil {
		t.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	t.nowFn = now
}

// SetHeightFunc supplies the host chain height recorded with each header.
func (t *Tracker) SetHeightFunc(height func() uint64) {
	if height == nil {
		t.heightFn = func() uint64 { return 0 }
		return
	}
	t.heightFn = height
}

// InitGenesis seeds the chain with a trusted header at height.
func (t *Tracker) InitGenesis(raw []byte, height uint64) error {
	if ok, err := t.state.KVGet(genesisKey, nil); err != nil {
		return err
	} else if ok {
		return ErrGenesisExists
	}
	header, err := bitcoin.DecodeHeader(raw)
	if err != nil {
		return err
	}
	if t.params.Network == bitcoin.Mainnet && height%uint64(t.params.RetargetingInterval()) != 0 {
		return ErrGenesisNotAligned
	}
	entry := &Entry{
		Header:     *header,
		Hash:       header.BlockHash(),
		Height:     height,
		Work:       blockchain.CalcWork(header.Bits),
		Submitter:  "genesis",
		ReceivedAt: t.heightFn(),
	}
	if err := t.putEntry(entry); err != nil {
		return err
	}
	if err := t.state.KVPut(canonicalKey(height), entry.Hash[:]); err != nil {
		return err
	}
	ptr := pointerRecord{Height: height, Hash: entry.Hash[:]}
	if err := t.state.KVPut(genesisKey, ptr); err != nil {
		return err
	}
	return t.state.KVPut(bestKey, ptr)
}

// SubmitHeader validates a raw 80 byte header and links it into the index.
// Checks run in order: decoding, duplicate, orphan parent, retention window,
// future timestamp, required difficulty and proof of work. Nothing is written
// unless every check passes.
func (t *Tracker) SubmitHeader(raw []byte, submitter string) error {
	header, err := bitcoin.DecodeHeader(raw)
	if err != nil {
		return err
	}
	hash := header.BlockHash()
	if _, ok, err := t.Entry(hash); err != nil {
		return err
	} else if ok {
		return fmt.Errorf("%w: %s", ErrDuplicateHeader, hash)
	}
	parent, ok, err := t.Entry(header.PrevBlock)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrOrphanHeader, header.PrevBlock)
	}
	best, err := t.bestEntry()
	if err != nil {
		return err
	}
	if parent.Height+uint64(t.params.ReservedBlock) < best.Height {
		return fmt.Errorf("%w: parent height %d, best %d", ErrAncientFork, parent.Height, best.Height)
	}
	if limit := t.nowFn() + int64(t.params.BlockMaxFuture); header.Timestamp.Unix() > limit {
		return fmt.Errorf("%w: %d > %d", ErrFutureTimestamp, header.Timestamp.Unix(), limit)
	}
	if t.params.CheckDifficulty {
		required, err := t.WorkRequired(parent)
		if err != nil {
			return err
		}
		if header.Bits != required {
			return fmt.Errorf("%w: got %08x want %08x", ErrBadDifficulty, header.Bits, required)
		}
	}
	if err := t.checkProofOfWork(header, hash); err != nil {
		return err
	}

	entry := &Entry{
		Header:     *header,
		Hash:       hash,
		Height:     parent.Height + 1,
		Work:       new(big.Int).Add(parent.Work, blockchain.CalcWork(header.Bits)),
		Submitter:  submitter,
		ReceivedAt: t.heightFn(),
	}
	becameBest := t.better(entry, best)
	var branch []*Entry
	if becameBest {
		if branch, err = t.branch(entry); err != nil {
			return err
		}
	}
	if err := t.putEntry(entry); err != nil {
		return err
	}
	if becameBest {
		if err := t.setBest(entry, best, branch); err != nil {
			return err
		}
	}
	t.emitter.Emit(events.HeaderInserted{Hash: hash, Height: entry.Height, Submitter: submitter, Best: becameBest})
	return nil
}

func (t *Tracker) checkProofOfWork(header *wire.BlockHeader, hash chainhash.Hash) error {
	target := blockchain.CompactToBig(header.Bits)
	if target.Sign() <= 0 {
		return fmt.Errorf("%w: non-positive target", ErrBadProofOfWork)
	}
	if target.Cmp(t.params.MaxTarget()) > 0 {
		return fmt.Errorf("%w: target above limit", ErrBadProofOfWork)
	}
	if blockchain.HashToBig(&hash).Cmp(target) > 0 {
		return fmt.Errorf("%w: hash above target", ErrBadProofOfWork)
	}
	return nil
}

// WorkRequired returns the bits a child of parent must carry.
func (t *Tracker) WorkRequired(parent *Entry) (uint32, error) {
	interval := uint64(t.params.RetargetingInterval())
	height := parent.Height + 1
	if height%interval != 0 {
		return parent.Header.Bits, nil
	}
	genesis, err := t.Genesis()
	if err != nil {
		return 0, err
	}
	var first *Entry
	if height < interval || height-interval <= genesis.Height {
		first, _, err = t.Entry(genesis.Hash)
	} else {
		first, err = t.ancestor(parent, height-interval)
	}
	if err != nil {
		return 0, err
	}
	if first == nil {
		return 0, ErrNoGenesis
	}
	timespan := parent.Header.Timestamp.Unix() - first.Header.Timestamp.Unix()
	return Retarget(parent.Header.Bits, timespan, t.params), nil
}

// ancestor walks the parent links of entry back to height.
func (t *Tracker) ancestor(entry *Entry, height uint64) (*Entry, error) {
	cursor := entry
	for cursor.Height > height {
		parent, ok, err := t.Entry(cursor.Header.PrevBlock)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("%w: ancestor %s", ErrHeaderNotFound, cursor.Header.PrevBlock)
		}
		cursor = parent
	}
	return cursor, nil
}

func (t *Tracker) better(candidate, best *Entry) bool {
	if t.params.BestChain == BestChainHeight {
		return candidate.Height > best.Height
	}
	return candidate.Work.Cmp(best.Work) > 0
}

// branch collects entry and its ancestors that are not yet canonical, tip
// first. It fails when the branch no longer connects to the main chain.
func (t *Tracker) branch(entry *Entry) ([]*Entry, error) {
	var out []*Entry
	cursor := entry
	for {
		current, ok, err := t.CanonicalHash(cursor.Height)
		if err != nil {
			return nil, err
		}
		if ok && current == cursor.Hash {
			return out, nil
		}
		out = append(out, cursor)
		parent, found, err := t.Entry(cursor.Header.PrevBlock)
		if err != nil {
			return nil, err
		}
		if !found {
			return nil, fmt.Errorf("%w: branch ancestor %s pruned", ErrOrphanHeader, cursor.Header.PrevBlock)
		}
		cursor = parent
	}
}

// setBest moves the tip to entry, rewriting the canonical index along branch
// and dropping canonical slots above the new tip.
func (t *Tracker) setBest(entry, old *Entry, branch []*Entry) error {
	for _, e := range branch {
		if err := t.state.KVPut(canonicalKey(e.Height), e.Hash[:]); err != nil {
			return err
		}
	}
	forkHeight := entry.Height - uint64(len(branch))
	for h := entry.Height + 1; h <= old.Height; h++ {
		if err := t.state.KVDelete(canonicalKey(h)); err != nil {
			return err
		}
	}
	if err := t.state.KVPut(bestKey, pointerRecord{Height: entry.Height, Hash: entry.Hash[:]}); err != nil {
		return err
	}
	if forkHeight < old.Height {
		t.emitter.Emit(events.ChainReorg{OldTip: old.Hash, NewTip: entry.Hash, ForkHeight: forkHeight})
	}
	genesis, err := t.Genesis()
	if err != nil {
		return err
	}
	if entry.Height >= genesis.Height+uint64(t.params.ReservedBlock) {
		return t.prune(entry.Height - uint64(t.params.ReservedBlock))
	}
	return nil
}

// prune drops the non-canonical headers stored at height.
func (t *Tracker) prune(height uint64) error {
	hashes, err := t.HeadersAt(height)
	if err != nil || len(hashes) <= 1 {
		return err
	}
	canonical, _, err := t.CanonicalHash(height)
	if err != nil {
		return err
	}
	keep := make([][]byte, 0, 1)
	for _, h := range hashes {
		if h == canonical {
			keep = append(keep, append([]byte(nil), h[:]...))
			continue
		}
		if err := t.state.KVDelete(headerKey(h)); err != nil {
			return err
		}
		t.cache.Remove(h)
	}
	return t.state.KVPut(heightKey(height), keep)
}

// Purge drops every cached entry. Callers run it after a unit that wrote
// headers was rolled back.
func (t *Tracker) Purge() {
	t.cache.Purge()
}

func (t *Tracker) putEntry(entry *Entry) error {
	record := entryRecord{
		Raw:        bitcoin.EncodeHeader(&entry.Header),
		Height:     entry.Height,
		Work:       entry.Work,
		Submitter:  entry.Submitter,
		ReceivedAt: entry.ReceivedAt,
	}
	if err := t.state.KVPut(headerKey(entry.Hash), record); err != nil {
		return err
	}
	if err := t.state.KVAppend(heightKey(entry.Height), entry.Hash[:]); err != nil {
		return err
	}
	t.cache.Add(entry.Hash, entry)
	return nil
}

// Entry loads the header stored under hash.
func (t *Tracker) Entry(hash chainhash.Hash) (*Entry, bool, error) {
	if cached, ok := t.cache.Get(hash); ok {
		return cached.(*Entry), true, nil
	}
	var record entryRecord
	ok, err := t.state.KVGet(headerKey(hash), &record)
	if err != nil || !ok {
		return nil, false, err
	}
	header, err := bitcoin.DecodeHeader(record.Raw)
	if err != nil {
		return nil, false, err
	}
	work := record.Work
	if work == nil {
		work = new(big.Int)
	}
	entry := &Entry{
		Header:     *header,
		Hash:       hash,
		Height:     record.Height,
		Work:       work,
		Submitter:  record.Submitter,
		ReceivedAt: record.ReceivedAt,
	}
	t.cache.Add(hash, entry)
	return entry, true, nil
}

func (t *Tracker) pointer(key []byte) (Pointer, error) {
	var record pointerRecord
	ok, err := t.state.KVGet(key, &record)
	if err != nil {
		return Pointer{}, err
	}
	if !ok {
		return Pointer{}, ErrNoGenesis
	}
	return record.pointer(), nil
}

// BestChain returns the canonical tip.
func (t *Tracker) BestChain() (Pointer, error) { return t.pointer(bestKey) }

// Genesis returns the trusted starting header.
func (t *Tracker) Genesis() (Pointer, error) { return t.pointer(genesisKey) }

func (t *Tracker) bestEntry() (*Entry, error) {
	best, err := t.BestChain()
	if err != nil {
		return nil, err
	}
	entry, ok, err := t.Entry(best.Hash)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: best %s", ErrHeaderNotFound, best.Hash)
	}
	return entry, nil
}

// CanonicalHash returns the main chain hash at height.
func (t *Tracker) CanonicalHash(height uint64) (chainhash.Hash, bool, error) {
	var raw []byte
	ok, err := t.state.KVGet(canonicalKey(height), &raw)
	if err != nil || !ok {
		return chainhash.Hash{}, false, err
	}
	var hash chainhash.Hash
	copy(hash[:], raw)
	return hash, true, nil
}

// HeadersAt lists every retained header at height, main chain or not.
func (t *Tracker) HeadersAt(height uint64) ([]chainhash.Hash, error) {
	var raw [][]byte
	if err := t.state.KVGetList(heightKey(height), &raw); err != nil {
		return nil, err
	}
	out := make([]chainhash.Hash, len(raw))
	for i, h := range raw {
		copy(out[i][:], h)
	}
	return out, nil
}

// IsMainChain reports whether hash is the canonical header at its height.
func (t *Tracker) IsMainChain(hash chainhash.Hash) (bool, error) {
	entry, ok, err := t.Entry(hash)
	if err != nil || !ok {
		return false, err
	}
	canonical, ok, err := t.CanonicalHash(entry.Height)
	if err != nil || !ok {
		return false, err
	}
	return canonical == hash, nil
}

// IsConfirmed reports whether hash is on the main chain with at least
// ConfirmationNumber headers on top of and including it.
func (t *Tracker) IsConfirmed(hash chainhash.Hash) (bool, error) {
	entry, ok, err := t.Entry(hash)
	if err != nil || !ok {
		return false, err
	}
	main, err := t.IsMainChain(hash)
	if err != nil || !main {
		return false, err
	}
	best, err := t.BestChain()
	if err != nil {
		return false, err
	}
	if best.Height < entry.Height {
		return false, nil
	}
	return best.Height-entry.Height >= uint64(t.params.ConfirmationNumber)-1, nil
}

// ConfirmedHeight returns the highest confirmed main chain height.
func (t *Tracker) ConfirmedHeight() (uint64, bool, error) {
	best, err := t.BestChain()
	if err != nil {
		return 0, false, err
	}
	genesis, err := t.Genesis()
	if err != nil {
		return 0, false, err
	}
	depth := uint64(t.params.ConfirmationNumber) - 1
	if best.Height < genesis.Height+depth {
		return 0, false, nil
	}
	return best.Height - depth, true, nil
}
