package detector

import (
	"github.com/btcsuite/btcd/wire"

	"btcbridge/bitcoin"
	"btcbridge/crypto"
)

// TxType is the classification of a relayed Bitcoin transaction.
type TxType uint8

const (
	Irrelevance TxType = iota
	Deposit
	Withdrawal
	TrusteeTransition
	HotAndCold
)

func (t TxType) String() string {
	switch t {
	case Deposit:
		return "deposit"
	case Withdrawal:
		return "withdrawal"
	case TrusteeTransition:
		return "trustee_transition"
	case HotAndCold:
		return "hot_and_cold"
	default:
		return "irrelevance"
	}
}

// TrusteePair is the hot and cold multisig address pair of a trustee session.
type TrusteePair struct {
	Hot  bitcoin.Address
	Cold bitcoin.Address
}

// Contains reports whether addr is the hot or the cold address.
func (p TrusteePair) Contains(addr bitcoin.Address) bool {
	return samePayee(p.Hot, addr) || samePayee(p.Cold, addr)
}

func (p TrusteePair) IsZero() bool { return p.Hot.IsZero() && p.Cold.IsZero() }

func samePayee(a, b bitcoin.Address) bool {
	return !a.IsZero() && a.Kind == b.Kind && a.Hash == b.Hash
}

// Config carries everything classification depends on.
type Config struct {
	Network    bitcoin.Network
	MinDeposit uint64
	Current    TrusteePair
	Last       *TrusteePair
	// AccountPrefix restricts native accounts in OP_RETURN payloads. Empty
	// accepts every known prefix.
	AccountPrefix crypto.AddressPrefix
}

// DepositInfo is attached to Deposit classifications.
type DepositInfo struct {
	Value     uint64
	OpReturn  *OpReturn
	InputAddr *bitcoin.Address
}

// Meta is the classification result.
type Meta struct {
	Type    TxType
	Deposit *DepositInfo
}

// InputAddress resolves the address spent by the first input of tx. prevTx
// must be the transaction that input spends.
func InputAddress(tx, prevTx *wire.MsgTx, net bitcoin.Network) (bitcoin.Address, bool) {
	if tx == nil || prevTx == nil || len(tx.TxIn) == 0 {
		return bitcoin.Address{}, false
	}
	outpoint := tx.TxIn[0].PreviousOutPoint
	if prevTx.TxHash() != outpoint.Hash || int(outpoint.Index) >= len(prevTx.TxOut) {
		return bitcoin.Address{}, false
	}
	return bitcoin.AddressFromScript(prevTx.TxOut[outpoint.Index].PkScript, net)
}

// Detect classifies tx. Withdrawal, TrusteeTransition and HotAndCold can only
// be recognised when prevTx is supplied; without it every transaction takes
// the deposit path.
func Detect(tx, prevTx *wire.MsgTx, cfg Config) Meta {
	input, hasInput := InputAddress(tx, prevTx, cfg.Network)
	if hasInput {
		allTrustee := allOutputsTo(tx, cfg.Current, cfg.Network)
		if cfg.Current.Contains(input) {
			if allTrustee {
				return Meta{Type: HotAndCold}
			}
			return Meta{Type: Withdrawal}
		}
		if cfg.Last != nil && cfg.Last.Contains(input) && allTrustee {
			return Meta{Type: TrusteeTransition}
		}
	}

	info := &DepositInfo{}
	if hasInput {
		info.InputAddr = &input
	}
	seenNullData := false
	for _, out := range tx.TxOut {
		if bitcoin.ClassifyScript(out.PkScript) == bitcoin.ScriptNullData {
			// only the first OP_RETURN output is considered
			if !seenNullData {
				info.OpReturn = decodeOpReturn(out.PkScript, cfg.AccountPrefix)
				seenNullData = true
			}
			continue
		}
		if addr, ok := bitcoin.AddressFromScript(out.PkScript, cfg.Network); ok && cfg.Current.Contains(addr) {
			info.Value += uint64(out.Value)
		}
	}

	switch {
	case info.Value > 0 && info.Value >= cfg.MinDeposit:
		return Meta{Type: Deposit, Deposit: info}
	case info.Value == 0 && info.OpReturn != nil:
		// binding only
		return Meta{Type: Deposit, Deposit: info}
	default:
		return Meta{Type: Irrelevance}
	}
}

// decodeOpReturn returns nil for payloads that do not name an account so the
// caller falls back to the input address.
func decodeOpReturn(pkScript []byte, prefix crypto.AddressPrefix) *OpReturn {
	data, ok := bitcoin.ExtractOpReturn(pkScript)
	if !ok {
		return nil
	}
	parsed, err := ParseOpReturn(data)
	if err != nil {
		return nil
	}
	if prefix != "" && parsed.Account.Kind == AccountNative && parsed.Account.Native.Prefix() != prefix {
		return nil
	}
	return &parsed
}

func allOutputsTo(tx *wire.MsgTx, pair TrusteePair, net bitcoin.Network) bool {
	if len(tx.TxOut) == 0 {
		return false
	}
	for _, out := range tx.TxOut {
		addr, ok := bitcoin.AddressFromScript(out.PkScript, net)
		if !ok || !pair.Contains(addr) {
			return false
		}
	}
	return true
}
