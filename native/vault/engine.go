package vault

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"btcbridge/core/events"
	"btcbridge/crypto"
	"btcbridge/native/bridge/headers"
)

var (
	ErrNilState               = errors.New("vault: state unavailable")
	ErrVaultExists            = errors.New("vault: vault already registered")
	ErrVaultNotFound          = errors.New("vault: vault not found")
	ErrVaultNotActive         = errors.New("vault: vault not active")
	ErrInsufficientCollateral = errors.New("vault: collateral below minimum")
	ErrInvalidWallet          = errors.New("vault: invalid bitcoin wallet")
	ErrInvalidAmount          = errors.New("vault: amount must be positive")
)

// Store is the state subset the vault engine persists through.
type Store interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
	KVDelete(key []byte) error
	KVAppend(key []byte, value []byte) error
	KVGetList(key []byte, out interface{}) error
}

// HeaderChain exposes the stored Bitcoin headers payment proofs are checked
// against.
type HeaderChain interface {
	Entry(hash chainhash.Hash) (*headers.Entry, bool, error)
	IsConfirmed(hash chainhash.Hash) (bool, error)
}

// Ledger moves free and reserved balances for both the bridged asset and the
// collateral asset.
type Ledger interface {
	Balance(account crypto.Address, asset string) (*big.Int, error)
	Mint(account crypto.Address, asset string, amount *big.Int) error
	Reserve(account crypto.Address, asset string, amount *big.Int) error
	Unreserve(account crypto.Address, asset string, amount *big.Int) error
	SlashReserved(from, to crypto.Address, asset string, amount *big.Int) error
	BurnReserved(account crypto.Address, asset string, amount *big.Int) error
}

// Engine runs the collateralised issue and redeem flows. It is not safe for
// concurrent use.
type Engine struct {
	state    Store
	chain    HeaderChain
	ledger   Ledger
	params   Params
	emitter  events.Emitter
	nowFn    func() int64
	heightFn func() uint64
}

func NewEngine(state Store, chain HeaderChain, ledger Ledger, params Params) (*Engine, error) {
	if state == nil || chain == nil || ledger == nil {
		return nil, ErrNilState
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}
	return &Engine{
		state:    state,
		chain:    chain,
		ledger:   ledger,
		params:   params,
		emitter:  events.NoopEmitter{},
		nowFn:    func() int64 { return time.Now().Unix() },
		heightFn: func() uint64 { return 0 },
	}, nil
}

func (e *Engine) Params() Params { return e.params }

// SetEmitter configures the event emitter. Passing nil restores the no-op
// emitter.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetNowFunc overrides the clock used for quote staleness.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// SetHeightFunc overrides the block height provider used for request expiry.
func (e *Engine) SetHeightFunc(height func() uint64) {
	if height == nil {
		e.heightFn = func() uint64 { return 0 }
		return
	}
	e.heightFn = height
}

// elapsed reports the blocks passed since open. A tip that moved back below
// open counts as no time passed.
func (e *Engine) elapsed(open uint64) uint64 {
	now := e.heightFn()
	if now < open {
		return 0
	}
	return now - open
}

func (e *Engine) emit(evt events.Event) {
	if e.emitter != nil {
		e.emitter.Emit(evt)
	}
}

func positive(amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	return nil
}

func nextID(store Store, key []byte) (uint64, error) {
	var next uint64
	if _, err := store.KVGet(key, &next); err != nil {
		return 0, err
	}
	if err := store.KVPut(key, next+1); err != nil {
		return 0, err
	}
	return next + 1, nil
}

func wrapLedger(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("vault: %s: %w", op, err)
}
