package core

import (
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"btcbridge/bitcoin"
	"btcbridge/core/events"
	"btcbridge/core/state"
	"btcbridge/crypto"
	"btcbridge/native/bridge"
	"btcbridge/native/bridge/detector"
	"btcbridge/native/bridge/headers"
	"btcbridge/native/records"
	"btcbridge/native/vault"
	"btcbridge/observability"
	"btcbridge/storage"
)

var ErrNilDatabase = errors.New("core: database required")

// Options configures the engines a node hosts.
type Options struct {
	Headers headers.Params
	Bridge  bridge.Params
	Vault   vault.Params
	// Genesis is the trusted 80 byte header used when the store is empty.
	Genesis       []byte
	GenesisHeight uint64
	// Session is installed when no trustee session is stored yet.
	Session *bridge.TrusteeSession
	Emitter events.Emitter
}

// Node is the central controller wiring the header tracker, the bridge and
// vault engines and the ledger onto one state store. Every mutation runs
// under a single mutex inside a state.Manager unit; events are released only
// after the unit commits.
type Node struct {
	mu      sync.Mutex
	db      storage.Database
	state   *state.Manager
	tracker *headers.Tracker
	bridge  *bridge.Engine
	vault   *vault.Engine
	ledger  *records.Ledger
	sink    events.Emitter
	pending []events.Event
}

type bufferedEmitter struct{ node *Node }

func (b bufferedEmitter) Emit(evt events.Event) {
	b.node.pending = append(b.node.pending, evt)
}

func NewNode(db storage.Database, opts Options) (*Node, error) {
	if db == nil {
		return nil, ErrNilDatabase
	}
	mgr := state.NewManager(db)
	tracker, err := headers.NewTracker(mgr, opts.Headers)
	if err != nil {
		return nil, fmt.Errorf("core: header tracker: %w", err)
	}
	ledger := records.NewLedger(mgr)
	bridgeEngine, err := bridge.NewEngine(mgr, tracker, opts.Bridge, bridge.RecordsDependencies(ledger))
	if err != nil {
		return nil, fmt.Errorf("core: bridge engine: %w", err)
	}
	vaultEngine, err := vault.NewEngine(mgr, tracker, ledger, opts.Vault)
	if err != nil {
		return nil, fmt.Errorf("core: vault engine: %w", err)
	}
	sink := opts.Emitter
	if sink == nil {
		sink = events.NoopEmitter{}
	}
	n := &Node{
		db:      db,
		state:   mgr,
		tracker: tracker,
		bridge:  bridgeEngine,
		vault:   vaultEngine,
		ledger:  ledger,
		sink:    sink,
	}
	buffer := bufferedEmitter{node: n}
	tracker.SetEmitter(buffer)
	bridgeEngine.SetEmitter(buffer)
	vaultEngine.SetEmitter(buffer)
	bridgeEngine.SetHeightFunc(n.bestHeight)
	vaultEngine.SetHeightFunc(n.bestHeight)

	if err := n.bootstrap(opts); err != nil {
		return nil, err
	}
	return n, nil
}

func (n *Node) bootstrap(opts Options) error {
	return n.exec(func() error {
		if _, err := n.tracker.Genesis(); errors.Is(err, headers.ErrNoGenesis) {
			if len(opts.Genesis) == 0 {
				return fmt.Errorf("core: genesis header required for an empty store")
			}
			if err := n.tracker.InitGenesis(opts.Genesis, opts.GenesisHeight); err != nil {
				return fmt.Errorf("core: init genesis: %w", err)
			}
		} else if err != nil {
			return err
		}
		if opts.Session == nil {
			return nil
		}
		current, err := n.bridge.CurrentSession()
		if err != nil || current != nil {
			return err
		}
		return n.bridge.SetTrusteeSession(*opts.Session)
	})
}

// bestHeight feeds the engines the Bitcoin tip height. It runs with n.mu held.
func (n *Node) bestHeight() uint64 {
	best, err := n.tracker.BestChain()
	if err != nil {
		slog.Error("core: best chain unavailable", "error", err)
		return 0
	}
	return best.Height
}

// exec runs fn as one atomic state unit and publishes the events it raised
// once the unit commits.
func (n *Node) exec(fn func() error) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.pending = nil
	err := n.state.Atomic(fn)
	emitted := n.pending
	n.pending = nil
	if err != nil {
		n.tracker.Purge()
		return err
	}
	for _, evt := range emitted {
		n.sink.Emit(evt)
	}
	return nil
}

func (n *Node) read(fn func() error) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return fn()
}

// Close releases the underlying database.
func (n *Node) Close() {
	n.db.Close()
}

// --- Header chain ---

// SubmitHeader links a raw header into the tracker.
func (n *Node) SubmitHeader(raw []byte, submitter string) error {
	err := n.exec(func() error {
		return n.tracker.SubmitHeader(raw, submitter)
	})
	metrics := observability.Bridge()
	metrics.ObserveHeader(err)
	if err == nil {
		if best, berr := n.BestChain(); berr == nil {
			metrics.SetBestHeight(best.Height)
		}
	}
	return err
}

func (n *Node) BestChain() (headers.Pointer, error) {
	var best headers.Pointer
	err := n.read(func() error {
		var err error
		best, err = n.tracker.BestChain()
		return err
	})
	return best, err
}

// CanonicalHash returns the main chain hash at height.
func (n *Node) CanonicalHash(height uint64) (chainhash.Hash, bool, error) {
	var (
		hash chainhash.Hash
		ok   bool
	)
	err := n.read(func() error {
		var err error
		hash, ok, err = n.tracker.CanonicalHash(height)
		return err
	})
	return hash, ok, err
}

// Header returns the stored header entry and whether it is confirmed.
func (n *Node) Header(hash chainhash.Hash) (*headers.Entry, bool, error) {
	var (
		entry     *headers.Entry
		confirmed bool
	)
	err := n.read(func() error {
		found, ok, err := n.tracker.Entry(hash)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s", headers.ErrHeaderNotFound, hash)
		}
		entry = found
		confirmed, err = n.tracker.IsConfirmed(hash)
		return err
	})
	return entry, confirmed, err
}

// --- Bridge ---

// SubmitTransaction verifies and applies a relayed Bitcoin transaction.
func (n *Node) SubmitTransaction(raw, prevRaw, proof []byte) (*bridge.Receipt, error) {
	var receipt *bridge.Receipt
	err := n.exec(func() error {
		var err error
		receipt, err = n.bridge.SubmitTransaction(raw, prevRaw, proof)
		return err
	})
	if err != nil {
		observability.Bridge().ObserveTransaction("rejected", "error")
		return nil, err
	}
	observability.Bridge().ObserveTransaction(receipt.Type.String(), receipt.Result.String())
	return receipt, nil
}

func (n *Node) TxState(txid chainhash.Hash) (*bridge.TxState, bool, error) {
	var (
		st *bridge.TxState
		ok bool
	)
	err := n.read(func() error {
		var err error
		st, ok, err = n.bridge.TxState(txid)
		return err
	})
	return st, ok, err
}

// Bind links btcAddress to account and returns the number of replayed
// pending deposits.
func (n *Node) Bind(btcAddress string, account detector.Account) (int, error) {
	var replayed int
	err := n.exec(func() error {
		var err error
		replayed, err = n.bridge.Bind(btcAddress, account)
		return err
	})
	return replayed, err
}

func (n *Node) PendingDeposits(btcAddress string) ([]bridge.PendingDeposit, error) {
	var out []bridge.PendingDeposit
	err := n.read(func() error {
		var err error
		out, err = n.bridge.PendingDeposits(btcAddress)
		return err
	})
	return out, err
}

func (n *Node) TrusteeSession() (*bridge.TrusteeSession, error) {
	var session *bridge.TrusteeSession
	err := n.read(func() error {
		var err error
		session, err = n.bridge.CurrentSession()
		return err
	})
	return session, err
}

func (n *Node) SetTrusteeSession(session bridge.TrusteeSession) error {
	return n.exec(func() error { return n.bridge.SetTrusteeSession(session) })
}

func (n *Node) Proposal() (*bridge.WithdrawalProposal, error) {
	var proposal *bridge.WithdrawalProposal
	err := n.read(func() error {
		var err error
		proposal, err = n.bridge.Proposal()
		return err
	})
	return proposal, err
}

func (n *Node) ProposeWithdrawal(trustee crypto.Address, rawTx []byte, ids []uint32) (*bridge.WithdrawalProposal, error) {
	var proposal *bridge.WithdrawalProposal
	err := n.exec(func() error {
		var err error
		proposal, err = n.bridge.ProposeWithdrawal(trustee, rawTx, ids)
		return err
	})
	return proposal, err
}

func (n *Node) SignWithdrawal(trustee crypto.Address, approve bool) (*bridge.WithdrawalProposal, error) {
	var proposal *bridge.WithdrawalProposal
	err := n.exec(func() error {
		var err error
		proposal, err = n.bridge.SignWithdrawal(trustee, approve)
		return err
	})
	return proposal, err
}

func (n *Node) DropWithdrawalProposal() error {
	return n.exec(n.bridge.DropWithdrawalProposal)
}

// --- Ledger ---

// ApplyWithdrawal reserves amount of bridged BTC from account for payout to
// btcAddress.
func (n *Node) ApplyWithdrawal(account crypto.Address, amount uint64, btcAddress string) (uint32, error) {
	var id uint32
	err := n.exec(func() error {
		if _, err := bitcoin.ParseAddress(btcAddress, n.bridge.Params().Network); err != nil {
			return err
		}
		var err error
		id, err = n.ledger.ApplyWithdrawal(account, amount, btcAddress, n.bestHeight())
		return err
	})
	return id, err
}

func (n *Node) CancelWithdrawal(id uint32, account crypto.Address) error {
	return n.exec(func() error { return n.ledger.CancelWithdrawal(id, account) })
}

func (n *Node) Withdrawals() ([]*records.WithdrawalRecord, error) {
	var out []*records.WithdrawalRecord
	err := n.read(func() error {
		var err error
		out, err = n.ledger.Withdrawals()
		return err
	})
	return out, err
}

// Balance returns the free and reserved balances of account.
func (n *Node) Balance(account crypto.Address, asset string) (*big.Int, *big.Int, error) {
	var free, reserved *big.Int
	err := n.read(func() error {
		var err error
		if free, err = n.ledger.Balance(account, asset); err != nil {
			return err
		}
		reserved, err = n.ledger.Reserved(account, asset)
		return err
	})
	return free, reserved, err
}

// Mint credits native units to account. It backs operator funding of
// collateral on development networks.
func (n *Node) Mint(account crypto.Address, asset string, amount *big.Int) error {
	return n.exec(func() error { return n.ledger.Mint(account, asset, amount) })
}

// --- Vaults ---

func (n *Node) vaultOp(operation string, fn func() error) error {
	err := n.exec(fn)
	observability.Bridge().ObserveVault(operation, err)
	return err
}

func (n *Node) UpdateExchangeRate(q vault.Quote) (*vault.Rate, error) {
	var rate *vault.Rate
	err := n.vaultOp("update_rate", func() error {
		var err error
		rate, err = n.vault.UpdateExchangeRate(q)
		return err
	})
	return rate, err
}

func (n *Node) ExchangeRate() (*vault.Rate, error) {
	var rate *vault.Rate
	err := n.read(func() error {
		var err error
		rate, err = n.vault.ExchangeRate()
		return err
	})
	return rate, err
}

func (n *Node) RegisterVault(account crypto.Address, collateral *big.Int, wallet string) (*vault.Vault, error) {
	var v *vault.Vault
	err := n.vaultOp("register", func() error {
		var err error
		v, err = n.vault.RegisterVault(account, collateral, wallet)
		return err
	})
	return v, err
}

func (n *Node) AddCollateral(account crypto.Address, amount *big.Int) (*vault.Vault, error) {
	var v *vault.Vault
	err := n.vaultOp("add_collateral", func() error {
		var err error
		v, err = n.vault.AddCollateral(account, amount)
		return err
	})
	return v, err
}

func (n *Node) Vault(account crypto.Address) (*vault.Vault, bool, error) {
	var (
		v  *vault.Vault
		ok bool
	)
	err := n.read(func() error {
		var err error
		v, ok, err = n.vault.Vault(account)
		return err
	})
	return v, ok, err
}

func (n *Node) Vaults() ([]*vault.Vault, error) {
	var out []*vault.Vault
	err := n.read(func() error {
		var err error
		out, err = n.vault.Vaults()
		return err
	})
	return out, err
}

func (n *Node) RequestIssue(requester, vaultAccount crypto.Address, amount uint64, griefing *big.Int) (*vault.IssueRequest, error) {
	var r *vault.IssueRequest
	err := n.vaultOp("request_issue", func() error {
		var err error
		r, err = n.vault.RequestIssue(requester, vaultAccount, amount, griefing)
		return err
	})
	return r, err
}

func (n *Node) ExecuteIssue(id uint64, rawTx, proof []byte) (*vault.IssueRequest, error) {
	var r *vault.IssueRequest
	err := n.vaultOp("execute_issue", func() error {
		var err error
		r, err = n.vault.ExecuteIssue(id, rawTx, proof)
		return err
	})
	return r, err
}

func (n *Node) CancelIssue(id uint64) (*vault.IssueRequest, error) {
	var r *vault.IssueRequest
	err := n.vaultOp("cancel_issue", func() error {
		var err error
		r, err = n.vault.CancelIssue(id)
		return err
	})
	return r, err
}

func (n *Node) IssueRequest(id uint64) (*vault.IssueRequest, bool, error) {
	var (
		r  *vault.IssueRequest
		ok bool
	)
	err := n.read(func() error {
		var err error
		r, ok, err = n.vault.IssueRequest(id)
		return err
	})
	return r, ok, err
}

func (n *Node) RequestRedeem(requester, vaultAccount crypto.Address, amount uint64, btcAddress string) (*vault.RedeemRequest, error) {
	var r *vault.RedeemRequest
	err := n.vaultOp("request_redeem", func() error {
		var err error
		r, err = n.vault.RequestRedeem(requester, vaultAccount, amount, btcAddress)
		return err
	})
	return r, err
}

func (n *Node) ExecuteRedeem(id uint64, rawTx, proof []byte) (*vault.RedeemRequest, error) {
	var r *vault.RedeemRequest
	err := n.vaultOp("execute_redeem", func() error {
		var err error
		r, err = n.vault.ExecuteRedeem(id, rawTx, proof)
		return err
	})
	return r, err
}

func (n *Node) CancelRedeem(id uint64, requester crypto.Address, reimburse bool) (*vault.RedeemRequest, error) {
	var r *vault.RedeemRequest
	err := n.vaultOp("cancel_redeem", func() error {
		var err error
		r, err = n.vault.CancelRedeem(id, requester, reimburse)
		return err
	})
	return r, err
}

func (n *Node) RedeemRequest(id uint64) (*vault.RedeemRequest, bool, error) {
	var (
		r  *vault.RedeemRequest
		ok bool
	)
	err := n.read(func() error {
		var err error
		r, ok, err = n.vault.RedeemRequest(id)
		return err
	})
	return r, ok, err
}
