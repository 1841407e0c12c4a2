package bridge

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"btcbridge/bitcoin"
	"btcbridge/crypto"
	"btcbridge/native/bridge/detector"
)

// TxResult is the outcome recorded for a processed Bitcoin transaction.
// Failure results stay eligible for resubmission.
type TxResult uint8

const (
	Failure TxResult = iota
	Success
)

func (r TxResult) String() string {
	if r == Success {
		return "success"
	}
	return "failure"
}

// TxState is the idempotency marker stored per txid.
type TxState struct {
	TxID   chainhash.Hash
	Block  chainhash.Hash
	Type   detector.TxType
	Result TxResult
	Height uint64
}

type storedTxState struct {
	Block  [32]byte
	Type   uint8
	Result uint8
	Height uint64
}

// PendingDeposit is a deposit waiting for its input address to be bound.
type PendingDeposit struct {
	TxID    chainhash.Hash
	Balance uint64
}

type storedPending struct {
	TxID    [32]byte
	Balance uint64
}

// TrusteeSession is the trustee committee in effect together with its
// multisig address pair.
type TrusteeSession struct {
	Pair      detector.TrusteePair
	Trustees  []crypto.Address
	Threshold uint32
}

// IsTrustee reports whether addr belongs to the committee.
func (s *TrusteeSession) IsTrustee(addr crypto.Address) bool {
	if s == nil {
		return false
	}
	for _, t := range s.Trustees {
		if t.Bytes() == addr.Bytes() {
			return true
		}
	}
	return false
}

type storedAccount struct {
	Prefix string
	Bytes  [20]byte
}

func toStoredAccount(a crypto.Address) storedAccount {
	return storedAccount{Prefix: string(a.Prefix()), Bytes: a.Bytes()}
}

func (s storedAccount) address() crypto.Address {
	return crypto.NewAddress(crypto.AddressPrefix(s.Prefix), s.Bytes)
}

type storedBtcAddress struct {
	Kind uint8
	Hash [20]byte
}

type storedSession struct {
	Hot       storedBtcAddress
	Cold      storedBtcAddress
	Trustees  []storedAccount
	Threshold uint32
}

func toStoredSession(s TrusteeSession) storedSession {
	out := storedSession{
		Hot:       storedBtcAddress{Kind: uint8(s.Pair.Hot.Kind), Hash: s.Pair.Hot.Hash},
		Cold:      storedBtcAddress{Kind: uint8(s.Pair.Cold.Kind), Hash: s.Pair.Cold.Hash},
		Trustees:  make([]storedAccount, len(s.Trustees)),
		Threshold: s.Threshold,
	}
	for i, t := range s.Trustees {
		out.Trustees[i] = toStoredAccount(t)
	}
	return out
}

func (s storedSession) session(net bitcoin.Network) *TrusteeSession {
	out := &TrusteeSession{
		Pair: detector.TrusteePair{
			Hot:  bitcoin.Address{Network: net, Kind: bitcoin.AddressKind(s.Hot.Kind), Hash: s.Hot.Hash},
			Cold: bitcoin.Address{Network: net, Kind: bitcoin.AddressKind(s.Cold.Kind), Hash: s.Cold.Hash},
		},
		Trustees:  make([]crypto.Address, len(s.Trustees)),
		Threshold: s.Threshold,
	}
	for i, t := range s.Trustees {
		out.Trustees[i] = t.address()
	}
	return out
}

// ProposalStatus tracks trustee signing progress.
type ProposalStatus uint8

const (
	ProposalNotFinish ProposalStatus = iota
	ProposalFinish
)

func (s ProposalStatus) String() string {
	if s == ProposalFinish {
		return "finish"
	}
	return "not_finish"
}

// Vote is a trustee decision on the outstanding proposal.
type Vote struct {
	Trustee crypto.Address
	Approve bool
}

// WithdrawalProposal is the single outstanding trustee spend.
type WithdrawalProposal struct {
	TxID     chainhash.Hash
	Raw      []byte
	IDs      []uint32
	Proposer crypto.Address
	Status   ProposalStatus
	Votes    []Vote
}

// Approvers lists the trustees that approved, in voting order.
func (p *WithdrawalProposal) Approvers() []crypto.Address {
	var out []crypto.Address
	for _, v := range p.Votes {
		if v.Approve {
			out = append(out, v.Trustee)
		}
	}
	return out
}

func (p *WithdrawalProposal) tally() (approve, reject uint32) {
	for _, v := range p.Votes {
		if v.Approve {
			approve++
		} else {
			reject++
		}
	}
	return approve, reject
}

func (p *WithdrawalProposal) voted(trustee crypto.Address) bool {
	for _, v := range p.Votes {
		if v.Trustee.Bytes() == trustee.Bytes() {
			return true
		}
	}
	return false
}

type storedVote struct {
	Trustee storedAccount
	Approve bool
}

type storedProposal struct {
	TxID     [32]byte
	Raw      []byte
	IDs      []uint32
	Proposer storedAccount
	Status   uint8
	Votes    []storedVote
}

func toStoredProposal(p *WithdrawalProposal) storedProposal {
	out := storedProposal{
		TxID:     p.TxID,
		Raw:      p.Raw,
		IDs:      p.IDs,
		Proposer: toStoredAccount(p.Proposer),
		Status:   uint8(p.Status),
		Votes:    make([]storedVote, len(p.Votes)),
	}
	for i, v := range p.Votes {
		out.Votes[i] = storedVote{Trustee: toStoredAccount(v.Trustee), Approve: v.Approve}
	}
	return out
}

func (s storedProposal) proposal() *WithdrawalProposal {
	out := &WithdrawalProposal{
		TxID:     s.TxID,
		Raw:      s.Raw,
		IDs:      s.IDs,
		Proposer: s.Proposer.address(),
		Status:   ProposalStatus(s.Status),
		Votes:    make([]Vote, len(s.Votes)),
	}
	for i, v := range s.Votes {
		out.Votes[i] = Vote{Trustee: v.Trustee.address(), Approve: v.Approve}
	}
	return out
}
