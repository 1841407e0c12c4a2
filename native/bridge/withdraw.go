package bridge

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"btcbridge/bitcoin"
	"btcbridge/core/events"
	"btcbridge/crypto"
	"btcbridge/native/records"
)

var (
	ErrNotTrustee           = errors.New("bridge: caller is not a trustee")
	ErrProposalExists       = errors.New("bridge: withdrawal proposal already outstanding")
	ErrNoProposal           = errors.New("bridge: no withdrawal proposal")
	ErrProposalFinished     = errors.New("bridge: withdrawal proposal already finished")
	ErrAlreadyVoted         = errors.New("bridge: trustee already voted")
	ErrEmptyWithdrawal      = errors.New("bridge: withdrawal id list empty")
	ErrTooManyWithdrawals   = errors.New("bridge: too many withdrawals in proposal")
	ErrWithdrawalNotFound   = errors.New("bridge: withdrawal record not found")
	ErrWithdrawalNotApplied = errors.New("bridge: withdrawal record not in applying state")
	ErrWithdrawalBelowFee   = errors.New("bridge: withdrawal amount does not cover fee")
	ErrProposalOutputs      = errors.New("bridge: proposal outputs do not match withdrawal records")
)

// Proposal returns the outstanding withdrawal proposal, or nil.
func (e *Engine) Proposal() (*WithdrawalProposal, error) {
	var stored storedProposal
	ok, err := e.state.KVGet(proposalKey, &stored)
	if err != nil || !ok {
		return nil, err
	}
	return stored.proposal(), nil
}

func (e *Engine) putProposal(p *WithdrawalProposal) error {
	return e.state.KVPut(proposalKey, toStoredProposal(p))
}

func dedupIDs(ids []uint32) []uint32 {
	seen := make(map[uint32]struct{}, len(ids))
	out := make([]uint32, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

type payout struct {
	address string
	amount  uint64
}

// ProposeWithdrawal registers the trustee-built transaction paying the listed
// withdrawal records. Every output that does not return change to the trustee
// addresses must pay exactly one record its amount minus the withdrawal fee.
// The proposer's approval is counted immediately.
func (e *Engine) ProposeWithdrawal(trustee crypto.Address, rawTx []byte, ids []uint32) (*WithdrawalProposal, error) {
	current, err := e.mustCurrentSession()
	if err != nil {
		return nil, err
	}
	if !current.IsTrustee(trustee) {
		return nil, ErrNotTrustee
	}
	existing, err := e.Proposal()
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, fmt.Errorf("%w: %s", ErrProposalExists, existing.TxID)
	}
	tx, err := bitcoin.DecodeTransaction(rawTx)
	if err != nil {
		return nil, err
	}
	ids = dedupIDs(ids)
	if len(ids) == 0 {
		return nil, ErrEmptyWithdrawal
	}
	if uint32(len(ids)) > e.params.MaxWithdrawalCount {
		return nil, fmt.Errorf("%w: %d > %d", ErrTooManyWithdrawals, len(ids), e.params.MaxWithdrawalCount)
	}

	expected := make([]payout, 0, len(ids))
	for _, id := range ids {
		record, ok, err := e.deps.Ledger.WithdrawalRecord(id)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("%w: %d", ErrWithdrawalNotFound, id)
		}
		if record.State != records.WithdrawalApplying {
			return nil, fmt.Errorf("%w: %d is %s", ErrWithdrawalNotApplied, id, record.State)
		}
		if record.Amount <= e.params.WithdrawalFee {
			return nil, fmt.Errorf("%w: %d", ErrWithdrawalBelowFee, id)
		}
		addr, err := bitcoin.ParseAddress(record.Address, e.params.Network)
		if err != nil {
			return nil, fmt.Errorf("%w: record %d: %v", ErrProposalOutputs, id, err)
		}
		expected = append(expected, payout{address: addr.String(), amount: record.Amount - e.params.WithdrawalFee})
	}
	for i, out := range tx.TxOut {
		addr, ok := bitcoin.AddressFromScript(out.PkScript, e.params.Network)
		if !ok {
			return nil, fmt.Errorf("%w: output %d has no address", ErrProposalOutputs, i)
		}
		if current.Pair.Contains(addr) {
			continue
		}
		matched := -1
		for j, want := range expected {
			if want.address == addr.String() && want.amount == uint64(out.Value) {
				matched = j
				break
			}
		}
		if matched < 0 {
			return nil, fmt.Errorf("%w: output %d pays %s %d", ErrProposalOutputs, i, addr, out.Value)
		}
		expected = append(expected[:matched], expected[matched+1:]...)
	}
	if len(expected) > 0 {
		return nil, fmt.Errorf("%w: %d records unpaid", ErrProposalOutputs, len(expected))
	}

	for _, id := range ids {
		if err := e.deps.Ledger.SetWithdrawalState(id, records.WithdrawalProcessing); err != nil {
			return nil, err
		}
	}
	proposal := &WithdrawalProposal{
		TxID:     tx.TxHash(),
		Raw:      append([]byte(nil), rawTx...),
		IDs:      ids,
		Proposer: trustee,
		Status:   ProposalNotFinish,
		Votes:    []Vote{{Trustee: trustee, Approve: true}},
	}
	if current.Threshold <= 1 {
		proposal.Status = ProposalFinish
	}
	if err := e.putProposal(proposal); err != nil {
		return nil, err
	}
	e.emit(events.WithdrawalProposed{Trustee: trustee, TxID: proposal.TxID, IDs: ids})
	return proposal, nil
}

// SignWithdrawal records a trustee vote on the outstanding proposal. The
// proposal finishes once approvals reach the session threshold and is dropped
// once rejections make the threshold unreachable.
func (e *Engine) SignWithdrawal(trustee crypto.Address, approve bool) (*WithdrawalProposal, error) {
	current, err := e.mustCurrentSession()
	if err != nil {
		return nil, err
	}
	if !current.IsTrustee(trustee) {
		return nil, ErrNotTrustee
	}
	proposal, err := e.Proposal()
	if err != nil {
		return nil, err
	}
	if proposal == nil {
		return nil, ErrNoProposal
	}
	if proposal.Status == ProposalFinish {
		return nil, ErrProposalFinished
	}
	if proposal.voted(trustee) {
		return nil, ErrAlreadyVoted
	}
	proposal.Votes = append(proposal.Votes, Vote{Trustee: trustee, Approve: approve})
	approvals, rejections := proposal.tally()
	if approvals >= current.Threshold {
		proposal.Status = ProposalFinish
	}
	status := proposal.Status.String()
	if rejections > uint32(len(current.Trustees))-current.Threshold {
		status = "dropped"
	}
	e.emit(events.WithdrawalVoted{Trustee: trustee, TxID: proposal.TxID, Approve: approve, Status: status})
	if status == "dropped" {
		return proposal, e.dropProposal(proposal)
	}
	return proposal, e.putProposal(proposal)
}

// DropWithdrawalProposal abandons the outstanding proposal and returns its
// records to the applying queue. It is the manual resolution path after a
// fatal withdrawal mismatch.
func (e *Engine) DropWithdrawalProposal() error {
	proposal, err := e.Proposal()
	if err != nil {
		return err
	}
	if proposal == nil {
		return ErrNoProposal
	}
	return e.dropProposal(proposal)
}

func (e *Engine) dropProposal(proposal *WithdrawalProposal) error {
	for _, id := range proposal.IDs {
		if err := e.deps.Ledger.SetWithdrawalState(id, records.WithdrawalApplying); err != nil {
			if errors.Is(err, records.ErrWithdrawalNotFound) {
				continue
			}
			return err
		}
	}
	if err := e.state.KVDelete(proposalKey); err != nil {
		return err
	}
	e.emit(events.WithdrawalDropped{TxID: proposal.TxID, IDs: proposal.IDs})
	return nil
}

// withdraw matches an observed trustee spend against the outstanding
// proposal. Mismatches leave the proposal in place and are flagged for manual
// resolution.
func (e *Engine) withdraw(txid chainhash.Hash) (TxResult, error) {
	proposal, err := e.Proposal()
	if err != nil {
		return Failure, err
	}
	if proposal == nil {
		slog.Error("bridge: trustee spend without proposal", "txid", txid.String())
		e.emit(events.WithdrawalFatalErr{Observed: txid})
		return Failure, nil
	}
	if proposal.TxID != txid {
		slog.Error("bridge: trustee spend does not match proposal",
			"candidate", proposal.TxID.String(), "observed", txid.String())
		e.emit(events.WithdrawalFatalErr{Candidate: proposal.TxID, Observed: txid})
		return Failure, nil
	}

	var total, finalized uint64
	for _, id := range proposal.IDs {
		record, ok, err := e.deps.Ledger.WithdrawalRecord(id)
		if err != nil || !ok {
			slog.Error("bridge: withdrawal record missing", "id", id, "error", err)
			continue
		}
		if err := e.deps.Ledger.FinishWithdrawal(id); err != nil {
			slog.Error("bridge: finish withdrawal failed", "id", id, "error", err)
			continue
		}
		total += record.Amount
		finalized++
	}
	fees := finalized * e.params.WithdrawalFee
	if total > fees {
		total -= fees
	} else {
		total = 0
	}
	if err := e.attributeFees(proposal, fees); err != nil {
		return Failure, err
	}
	if err := e.state.KVDelete(proposalKey); err != nil {
		return Failure, err
	}
	e.emit(events.Withdrawn{TxID: txid, IDs: proposal.IDs, Total: total})
	return Success, nil
}

// attributeFees splits fees evenly among the approving trustees. The
// remainder goes to the first approver.
func (e *Engine) attributeFees(proposal *WithdrawalProposal, fees uint64) error {
	approvers := proposal.Approvers()
	if len(approvers) == 0 {
		approvers = []crypto.Address{proposal.Proposer}
	}
	share := fees / uint64(len(approvers))
	remainder := fees % uint64(len(approvers))
	for i, trustee := range approvers {
		amount := share
		if i == 0 {
			amount += remainder
		}
		if err := e.deps.Rewards.Attribute(trustee, amount); err != nil {
			return err
		}
	}
	return nil
}
