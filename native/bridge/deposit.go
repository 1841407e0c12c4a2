package bridge

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"btcbridge/bitcoin"
	"btcbridge/core/events"
	"btcbridge/native/bridge/detector"
)

var ErrInvalidBinding = errors.New("bridge: invalid binding")

// deposit attributes a classified deposit. Resolution order: OP_RETURN
// account plus input address binds and credits, OP_RETURN alone credits,
// input address alone credits the bound account or caches the deposit, and
// neither leaves the funds unattributed.
func (e *Engine) deposit(txid chainhash.Hash, info *detector.DepositInfo) (TxResult, error) {
	if info == nil {
		return Failure, nil
	}
	switch {
	case info.OpReturn != nil && info.InputAddr != nil:
		address := info.InputAddr.String()
		if err := e.bind(address, info.OpReturn.Account); err != nil {
			return Failure, err
		}
		if err := e.credit(txid, info.OpReturn.Account, info.OpReturn.Referral, info.Value); err != nil {
			return Failure, err
		}
		if _, err := e.replayPending(address, info.OpReturn.Account); err != nil {
			return Failure, err
		}
		return Success, nil

	case info.OpReturn != nil:
		if err := e.credit(txid, info.OpReturn.Account, info.OpReturn.Referral, info.Value); err != nil {
			return Failure, err
		}
		return Success, nil

	case info.InputAddr != nil:
		address := info.InputAddr.String()
		bound, ok, err := e.deps.Bindings.LookupBinding(address)
		if err != nil {
			return Failure, err
		}
		if ok {
			account, err := detector.ParseAccount(bound)
			if err != nil {
				slog.Error("bridge: stored binding unreadable", "address", address, "error", err)
				return Failure, nil
			}
			if err := e.credit(txid, account, "", info.Value); err != nil {
				return Failure, err
			}
			return Success, nil
		}
		if err := e.appendPending(address, PendingDeposit{TxID: txid, Balance: info.Value}); err != nil {
			return Failure, err
		}
		e.emit(events.UnclaimedDeposit{TxID: txid, Address: address})
		return Success, nil

	default:
		slog.Warn("bridge: deposit without account or input address", "txid", txid.String(), "value", info.Value)
		return Failure, nil
	}
}

// credit routes value to the ledger or the asset bridge depending on the
// account kind. Referrals apply to native accounts only.
func (e *Engine) credit(txid chainhash.Hash, account detector.Account, referral string, value uint64) error {
	if value == 0 {
		return nil
	}
	switch account.Kind {
	case detector.AccountNative:
		if err := e.deps.Ledger.Deposit(account.Native, e.params.Asset, value); err != nil {
			return fmt.Errorf("bridge: credit %s: %w", account, err)
		}
		if referral != "" {
			if err := e.deps.Referrals.UpdateReferral(e.params.Asset, account.Native, referral); err != nil {
				return err
			}
		}
		e.emit(events.Deposited{TxID: txid, Account: account.Native, Amount: value})
	case detector.AccountEVM:
		if err := e.deps.Assets.DepositEVM(account.EVM, e.params.Asset, value); err != nil {
			return fmt.Errorf("bridge: credit %s: %w", account, err)
		}
		e.emit(events.DepositedEvm{TxID: txid, Address: account.EVM, Amount: value})
	default:
		return fmt.Errorf("%w: unknown account kind", ErrInvalidBinding)
	}
	return nil
}

func (e *Engine) bind(address string, account detector.Account) error {
	if err := e.deps.Bindings.UpdateBinding(address, account.String()); err != nil {
		return err
	}
	e.emit(events.BindingUpdated{Address: address, Account: account.String()})
	return nil
}

// Bind establishes a binding for a Bitcoin address outside of a deposit and
// replays every deposit cached for it. It returns the number of replayed
// entries.
func (e *Engine) Bind(btcAddress string, account detector.Account) (int, error) {
	if account.IsZero() {
		return 0, fmt.Errorf("%w: account required", ErrInvalidBinding)
	}
	addr, err := bitcoin.ParseAddress(btcAddress, e.params.Network)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidBinding, err)
	}
	if account.Kind == detector.AccountNative && e.params.AccountPrefix != "" && account.Native.Prefix() != e.params.AccountPrefix {
		return 0, fmt.Errorf("%w: account prefix %q", ErrInvalidBinding, account.Native.Prefix())
	}
	address := addr.String()
	if err := e.bind(address, account); err != nil {
		return 0, err
	}
	return e.replayPending(address, account)
}

// PendingDeposits returns the cached deposits of a Bitcoin address in arrival
// order.
func (e *Engine) PendingDeposits(btcAddress string) ([]PendingDeposit, error) {
	var stored []storedPending
	if _, err := e.state.KVGet(pendingKey(btcAddress), &stored); err != nil {
		return nil, err
	}
	out := make([]PendingDeposit, len(stored))
	for i, p := range stored {
		out[i] = PendingDeposit{TxID: p.TxID, Balance: p.Balance}
	}
	return out, nil
}

func (e *Engine) appendPending(address string, entry PendingDeposit) error {
	var stored []storedPending
	if _, err := e.state.KVGet(pendingKey(address), &stored); err != nil {
		return err
	}
	stored = append(stored, storedPending{TxID: entry.TxID, Balance: entry.Balance})
	return e.state.KVPut(pendingKey(address), stored)
}

// replayPending credits every cached deposit of address to account in FIFO
// order and clears the cache.
func (e *Engine) replayPending(address string, account detector.Account) (int, error) {
	pending, err := e.PendingDeposits(address)
	if err != nil || len(pending) == 0 {
		return 0, err
	}
	for _, p := range pending {
		if err := e.credit(p.TxID, account, "", p.Balance); err != nil {
			return 0, err
		}
		e.emit(events.PendingDepositRemoved{
			Account: account.String(),
			Amount:  p.Balance,
			TxID:    p.TxID,
			Address: address,
		})
	}
	if err := e.state.KVDelete(pendingKey(address)); err != nil {
		return 0, err
	}
	return len(pending), nil
}
