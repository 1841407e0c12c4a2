package bridge

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/ethereum/go-ethereum/common"

	"btcbridge/core/events"
	"btcbridge/crypto"
	"btcbridge/native/bridge/detector"
	"btcbridge/native/bridge/headers"
	"btcbridge/native/records"
)

var (
	ErrNilState           = errors.New("bridge: state not configured")
	ErrNilCollaborator    = errors.New("bridge: collaborator not configured")
	ErrNoTrusteeSession   = errors.New("bridge: trustee session not configured")
	ErrInvalidSession     = errors.New("bridge: invalid trustee session")
	ErrMissingProof       = errors.New("bridge: merkle proof required")
	ErrUnknownBlock       = errors.New("bridge: block header not stored")
	ErrMerkleRootMismatch = errors.New("bridge: proof does not match block merkle root")
	ErrTxNotInBlock       = errors.New("bridge: transaction not in proof")
	ErrNotConfirmed       = errors.New("bridge: block not confirmed")
	ErrPrevTxMismatch     = errors.New("bridge: previous transaction does not match first input")
	ErrTxAlreadyProcessed = errors.New("bridge: transaction already processed")
)

// Store is the narrow KV surface the engine persists through.
type Store interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
	KVDelete(key []byte) error
}

// HeaderChain answers inclusion and confirmation questions.
type HeaderChain interface {
	Entry(hash chainhash.Hash) (*headers.Entry, bool, error)
	IsConfirmed(hash chainhash.Hash) (bool, error)
}

// Ledger credits native accounts and finalises withdrawal records.
type Ledger interface {
	Deposit(account crypto.Address, asset string, amount uint64) error
	WithdrawalRecord(id uint32) (*records.WithdrawalRecord, bool, error)
	SetWithdrawalState(id uint32, state records.WithdrawalState) error
	FinishWithdrawal(id uint32) error
}

// AssetBridge credits EVM-style accounts.
type AssetBridge interface {
	DepositEVM(addr common.Address, asset string, amount uint64) error
}

// AddressBinding maps Bitcoin addresses to account references.
type AddressBinding interface {
	UpdateBinding(btcAddress, account string) error
	LookupBinding(btcAddress string) (string, bool, error)
}

// ReferralBinding records referral tags of native accounts.
type ReferralBinding interface {
	UpdateReferral(asset string, account crypto.Address, referral string) error
}

// RewardPot accrues withdrawal fees to trustees.
type RewardPot interface {
	Attribute(trustee crypto.Address, amount uint64) error
}

// Dependencies bundles the external collaborators of the engine.
type Dependencies struct {
	Ledger    Ledger
	Assets    AssetBridge
	Bindings  AddressBinding
	Referrals ReferralBinding
	Rewards   RewardPot
}

// RecordsDependencies wires every collaborator to the reference ledger.
func RecordsDependencies(l *records.Ledger) Dependencies {
	return Dependencies{Ledger: l, Assets: l, Bindings: l, Referrals: l, Rewards: l}
}

func (d Dependencies) validate() error {
	if d.Ledger == nil || d.Assets == nil || d.Bindings == nil || d.Referrals == nil || d.Rewards == nil {
		return ErrNilCollaborator
	}
	return nil
}

// Engine processes relayed Bitcoin transactions against the trustee
// addresses. It is not safe for concurrent use.
type Engine struct {
	state    Store
	chain    HeaderChain
	params   Params
	deps     Dependencies
	emitter  events.Emitter
	heightFn func() uint64
}

// NewEngine validates its inputs and returns an engine with a no-op emitter.
func NewEngine(state Store, chain HeaderChain, params Params, deps Dependencies) (*Engine, error) {
	if state == nil || chain == nil {
		return nil, ErrNilState
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if err := deps.validate(); err != nil {
		return nil, err
	}
	return &Engine{
		state:    state,
		chain:    chain,
		params:   params,
		deps:     deps,
		emitter:  events.NoopEmitter{},
		heightFn: func() uint64 { return 0 },
	}, nil
}

// Params returns the engine configuration.
func (e *Engine) Params() Params { return e.params }

// SetEmitter configures the event emitter used by the engine. Passing nil resets
// the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetHeightFunc supplies the host chain height recorded with processed
// transactions.
func (e *Engine) SetHeightFunc(height func() uint64) {
	if height == nil {
		e.heightFn = func() uint64 { return 0 }
		return
	}
	e.heightFn = height
}

func (e *Engine) emit(evt events.Event) {
	if e.emitter != nil {
		e.emitter.Emit(evt)
	}
}

// SetTrusteeSession installs a new committee. The previous current session
// becomes the last session so in-flight transitions are still recognised.
func (e *Engine) SetTrusteeSession(session TrusteeSession) error {
	if session.Pair.Hot.IsZero() || session.Pair.Cold.IsZero() {
		return fmt.Errorf("%w: hot and cold address required", ErrInvalidSession)
	}
	if len(session.Trustees) == 0 || session.Threshold == 0 || int(session.Threshold) > len(session.Trustees) {
		return fmt.Errorf("%w: threshold %d of %d", ErrInvalidSession, session.Threshold, len(session.Trustees))
	}
	seen := make(map[[20]byte]struct{}, len(session.Trustees))
	for _, t := range session.Trustees {
		if _, dup := seen[t.Bytes()]; dup {
			return fmt.Errorf("%w: duplicate trustee %s", ErrInvalidSession, t)
		}
		seen[t.Bytes()] = struct{}{}
	}
	var previous storedSession
	ok, err := e.state.KVGet(currentSessionKey, &previous)
	if err != nil {
		return err
	}
	if ok {
		if err := e.state.KVPut(lastSessionKey, previous); err != nil {
			return err
		}
	}
	return e.state.KVPut(currentSessionKey, toStoredSession(session))
}

func (e *Engine) session(key []byte) (*TrusteeSession, error) {
	var stored storedSession
	ok, err := e.state.KVGet(key, &stored)
	if err != nil || !ok {
		return nil, err
	}
	return stored.session(e.params.Network), nil
}

// CurrentSession returns the committee in effect, or nil.
func (e *Engine) CurrentSession() (*TrusteeSession, error) { return e.session(currentSessionKey) }

// LastSession returns the previous committee, or nil.
func (e *Engine) LastSession() (*TrusteeSession, error) { return e.session(lastSessionKey) }

func (e *Engine) mustCurrentSession() (*TrusteeSession, error) {
	current, err := e.CurrentSession()
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, ErrNoTrusteeSession
	}
	return current, nil
}

// TxState returns the processing marker of txid.
func (e *Engine) TxState(txid chainhash.Hash) (*TxState, bool, error) {
	var stored storedTxState
	ok, err := e.state.KVGet(txStateKey(txid), &stored)
	if err != nil || !ok {
		return nil, false, err
	}
	return &TxState{
		TxID:   txid,
		Block:  stored.Block,
		Type:   detector.TxType(stored.Type),
		Result: TxResult(stored.Result),
		Height: stored.Height,
	}, true, nil
}

func (e *Engine) putTxState(s TxState) error {
	return e.state.KVPut(txStateKey(s.TxID), storedTxState{
		Block:  s.Block,
		Type:   uint8(s.Type),
		Result: uint8(s.Result),
		Height: s.Height,
	})
}
