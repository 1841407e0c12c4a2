package events

import (
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/ethereum/go-ethereum/common"

	"btcbridge/core/types"
	"btcbridge/crypto"
)

const (
	TypeHeaderInserted        = "bridge.header.inserted"
	TypeChainReorg            = "bridge.header.reorg"
	TypeTxProcessed           = "bridge.tx.processed"
	TypeDeposited             = "bridge.deposited"
	TypeDepositedEvm          = "bridge.deposited_evm"
	TypeUnclaimedDeposit      = "bridge.unclaimed_deposit"
	TypePendingDepositRemoved = "bridge.pending_deposit_removed"
	TypeBindingUpdated        = "bridge.binding.updated"
	TypeWithdrawn             = "bridge.withdrawn"
	TypeWithdrawalFatalErr    = "bridge.withdrawal_fatal_err"
	TypeWithdrawalProposed    = "bridge.withdrawal.proposed"
	TypeWithdrawalVoted       = "bridge.withdrawal.voted"
	TypeWithdrawalDropped     = "bridge.withdrawal.dropped"
)

func formatU64(v uint64) string { return strconv.FormatUint(v, 10) }

func formatIDs(ids []uint32) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatUint(uint64(id), 10)
	}
	return strings.Join(parts, ",")
}

// HeaderInserted is emitted for every accepted Bitcoin header.
type HeaderInserted struct {
	Hash      chainhash.Hash
	Height    uint64
	Submitter string
	Best      bool
}

func (HeaderInserted) EventType() string { return TypeHeaderInserted }

func (e HeaderInserted) Event() *types.Event {
	return &types.Event{
		Type: TypeHeaderInserted,
		Attributes: map[string]string{
			"hash":      e.Hash.String(),
			"height":    formatU64(e.Height),
			"submitter": e.Submitter,
			"best":      strconv.FormatBool(e.Best),
		},
	}
}

// ChainReorg is emitted when the best chain switches branches.
type ChainReorg struct {
	OldTip     chainhash.Hash
	NewTip     chainhash.Hash
	ForkHeight uint64
}

func (ChainReorg) EventType() string { return TypeChainReorg }

func (e ChainReorg) Event() *types.Event {
	return &types.Event{
		Type: TypeChainReorg,
		Attributes: map[string]string{
			"oldTip":     e.OldTip.String(),
			"newTip":     e.NewTip.String(),
			"forkHeight": formatU64(e.ForkHeight),
		},
	}
}

// TxProcessed records the outcome of a relayed Bitcoin transaction.
type TxProcessed struct {
	TxID      chainhash.Hash
	BlockHash chainhash.Hash
	TxType    string
	Success   bool
}

func (TxProcessed) EventType() string { return TypeTxProcessed }

func (e TxProcessed) Event() *types.Event {
	return &types.Event{
		Type: TypeTxProcessed,
		Attributes: map[string]string{
			"txid":    e.TxID.String(),
			"block":   e.BlockHash.String(),
			"txType":  e.TxType,
			"success": strconv.FormatBool(e.Success),
		},
	}
}

// Deposited credits a native account.
type Deposited struct {
	TxID    chainhash.Hash
	Account crypto.Address
	Amount  uint64
}

func (Deposited) EventType() string { return TypeDeposited }

func (e Deposited) Event() *types.Event {
	return &types.Event{
		Type: TypeDeposited,
		Attributes: map[string]string{
			"txid":    e.TxID.String(),
			"account": e.Account.String(),
			"amount":  formatU64(e.Amount),
		},
	}
}

// DepositedEvm credits an EVM-style account through the asset bridge.
type DepositedEvm struct {
	TxID    chainhash.Hash
	Address common.Address
	Amount  uint64
}

func (DepositedEvm) EventType() string { return TypeDepositedEvm }

func (e DepositedEvm) Event() *types.Event {
	return &types.Event{
		Type: TypeDepositedEvm,
		Attributes: map[string]string{
			"txid":    e.TxID.String(),
			"address": e.Address.Hex(),
			"amount":  formatU64(e.Amount),
		},
	}
}

// UnclaimedDeposit flags a deposit cached until its input address is bound.
type UnclaimedDeposit struct {
	TxID    chainhash.Hash
	Address string
}

func (UnclaimedDeposit) EventType() string { return TypeUnclaimedDeposit }

func (e UnclaimedDeposit) Event() *types.Event {
	return &types.Event{
		Type: TypeUnclaimedDeposit,
		Attributes: map[string]string{
			"txid":    e.TxID.String(),
			"address": e.Address,
		},
	}
}

// PendingDepositRemoved is emitted once per replayed cache entry.
type PendingDepositRemoved struct {
	Account string
	Amount  uint64
	TxID    chainhash.Hash
	Address string
}

func (PendingDepositRemoved) EventType() string { return TypePendingDepositRemoved }

func (e PendingDepositRemoved) Event() *types.Event {
	return &types.Event{
		Type: TypePendingDepositRemoved,
		Attributes: map[string]string{
			"account": e.Account,
			"amount":  formatU64(e.Amount),
			"txid":    e.TxID.String(),
			"address": e.Address,
		},
	}
}

// BindingUpdated records a Bitcoin address bound to an account.
type BindingUpdated struct {
	Address string
	Account string
}

func (BindingUpdated) EventType() string { return TypeBindingUpdated }

func (e BindingUpdated) Event() *types.Event {
	return &types.Event{
		Type: TypeBindingUpdated,
		Attributes: map[string]string{
			"address": e.Address,
			"account": e.Account,
		},
	}
}

// Withdrawn is emitted when the proposed withdrawal transaction is observed.
type Withdrawn struct {
	TxID  chainhash.Hash
	IDs   []uint32
	Total uint64
}

func (Withdrawn) EventType() string { return TypeWithdrawn }

func (e Withdrawn) Event() *types.Event {
	return &types.Event{
		Type: TypeWithdrawn,
		Attributes: map[string]string{
			"txid":  e.TxID.String(),
			"ids":   formatIDs(e.IDs),
			"total": formatU64(e.Total),
		},
	}
}

// WithdrawalFatalErr flags a trustee spend that does not match the proposal.
// Candidate is zero when no proposal existed.
type WithdrawalFatalErr struct {
	Candidate chainhash.Hash
	Observed  chainhash.Hash
}

func (WithdrawalFatalErr) EventType() string { return TypeWithdrawalFatalErr }

func (e WithdrawalFatalErr) Event() *types.Event {
	candidate := ""
	if e.Candidate != (chainhash.Hash{}) {
		candidate = e.Candidate.String()
	}
	return &types.Event{
		Type: TypeWithdrawalFatalErr,
		Attributes: map[string]string{
			"candidate": candidate,
			"observed":  e.Observed.String(),
		},
	}
}

// WithdrawalProposed is emitted when trustees register a candidate transaction.
type WithdrawalProposed struct {
	Trustee crypto.Address
	TxID    chainhash.Hash
	IDs     []uint32
}

func (WithdrawalProposed) EventType() string { return TypeWithdrawalProposed }

func (e WithdrawalProposed) Event() *types.Event {
	return &types.Event{
		Type: TypeWithdrawalProposed,
		Attributes: map[string]string{
			"trustee": e.Trustee.String(),
			"txid":    e.TxID.String(),
			"ids":     formatIDs(e.IDs),
		},
	}
}

// WithdrawalVoted records a trustee signature decision.
type WithdrawalVoted struct {
	Trustee crypto.Address
	TxID    chainhash.Hash
	Approve bool
	Status  string
}

func (WithdrawalVoted) EventType() string { return TypeWithdrawalVoted }

func (e WithdrawalVoted) Event() *types.Event {
	return &types.Event{
		Type: TypeWithdrawalVoted,
		Attributes: map[string]string{
			"trustee": e.Trustee.String(),
			"txid":    e.TxID.String(),
			"approve": strconv.FormatBool(e.Approve),
			"status":  e.Status,
		},
	}
}

// WithdrawalDropped is emitted when a proposal is abandoned and its records
// return to the applying queue.
type WithdrawalDropped struct {
	TxID chainhash.Hash
	IDs  []uint32
}

func (WithdrawalDropped) EventType() string { return TypeWithdrawalDropped }

func (e WithdrawalDropped) Event() *types.Event {
	return &types.Event{
		Type: TypeWithdrawalDropped,
		Attributes: map[string]string{
			"txid": e.TxID.String(),
			"ids":  formatIDs(e.IDs),
		},
	}
}
