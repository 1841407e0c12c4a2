package records

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"

	"btcbridge/crypto"
)

// WithdrawalState tracks a withdrawal record through the trustee workflow.
type WithdrawalState uint8

const (
	WithdrawalApplying WithdrawalState = iota + 1
	WithdrawalProcessing
)

func (s WithdrawalState) String() string {
	switch s {
	case WithdrawalApplying:
		return "applying"
	case WithdrawalProcessing:
		return "processing"
	default:
		return "unknown"
	}
}

var (
	ErrWithdrawalNotFound = errors.New("records: withdrawal not found")
	ErrWithdrawalState    = errors.New("records: withdrawal in wrong state")
	ErrWithdrawalOwner    = errors.New("records: withdrawal belongs to another account")
	ErrEmptyBtcAddress    = errors.New("records: bitcoin address required")
)

// WithdrawalRecord is a user request to receive bridged BTC on Bitcoin. The
// amount is reserved at request time and burned when the record finishes.
type WithdrawalRecord struct {
	ID      uint32
	Account crypto.Address
	Asset   string
	Amount  uint64
	Address string
	State   WithdrawalState
	Height  uint64
}

type storedWithdrawal struct {
	ID      uint32
	Prefix  string
	Account [20]byte
	Asset   string
	Amount  uint64
	Address string
	State   uint8
	Height  uint64
}

func (s storedWithdrawal) record() *WithdrawalRecord {
	return &WithdrawalRecord{
		ID:      s.ID,
		Account: crypto.NewAddress(crypto.AddressPrefix(s.Prefix), s.Account),
		Asset:   s.Asset,
		Amount:  s.Amount,
		Address: s.Address,
		State:   WithdrawalState(s.State),
		Height:  s.Height,
	}
}

func encodeID(id uint32) []byte {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], id)
	return buf[:]
}

// ApplyWithdrawal reserves amount of the bridged asset and opens a record in
// the Applying state.
func (l *Ledger) ApplyWithdrawal(account crypto.Address, amount uint64, btcAddress string, height uint64) (uint32, error) {
	btcAddress = strings.TrimSpace(btcAddress)
	if btcAddress == "" {
		return 0, ErrEmptyBtcAddress
	}
	if err := l.Reserve(account, AssetBTC, new(big.Int).SetUint64(amount)); err != nil {
		return 0, err
	}
	var next uint32
	if _, err := l.store.KVGet(withdrawalNextKey, &next); err != nil {
		return 0, err
	}
	if err := l.store.KVPut(withdrawalNextKey, next+1); err != nil {
		return 0, err
	}
	stored := storedWithdrawal{
		ID:      next,
		Prefix:  string(account.Prefix()),
		Account: account.Bytes(),
		Asset:   AssetBTC,
		Amount:  amount,
		Address: btcAddress,
		State:   uint8(WithdrawalApplying),
		Height:  height,
	}
	if err := l.store.KVPut(withdrawalKey(next), stored); err != nil {
		return 0, err
	}
	if err := l.store.KVAppend(withdrawalIndex, encodeID(next)); err != nil {
		return 0, err
	}
	return next, nil
}

// WithdrawalRecord loads the record stored under id.
func (l *Ledger) WithdrawalRecord(id uint32) (*WithdrawalRecord, bool, error) {
	var stored storedWithdrawal
	ok, err := l.store.KVGet(withdrawalKey(id), &stored)
	if err != nil || !ok {
		return nil, false, err
	}
	return stored.record(), true, nil
}

func (l *Ledger) mustWithdrawal(id uint32) (*WithdrawalRecord, error) {
	record, ok, err := l.WithdrawalRecord(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrWithdrawalNotFound, id)
	}
	return record, nil
}

func (l *Ledger) putWithdrawal(record *WithdrawalRecord) error {
	return l.store.KVPut(withdrawalKey(record.ID), storedWithdrawal{
		ID:      record.ID,
		Prefix:  string(record.Account.Prefix()),
		Account: record.Account.Bytes(),
		Asset:   record.Asset,
		Amount:  record.Amount,
		Address: record.Address,
		State:   uint8(record.State),
		Height:  record.Height,
	})
}

// SetWithdrawalState moves a record between Applying and Processing.
func (l *Ledger) SetWithdrawalState(id uint32, state WithdrawalState) error {
	record, err := l.mustWithdrawal(id)
	if err != nil {
		return err
	}
	if state != WithdrawalApplying && state != WithdrawalProcessing {
		return fmt.Errorf("%w: %d", ErrWithdrawalState, state)
	}
	record.State = state
	return l.putWithdrawal(record)
}

// FinishWithdrawal burns the reserved amount of a Processing record and
// removes it.
func (l *Ledger) FinishWithdrawal(id uint32) error {
	record, err := l.mustWithdrawal(id)
	if err != nil {
		return err
	}
	if record.State != WithdrawalProcessing {
		return fmt.Errorf("%w: %d is %s", ErrWithdrawalState, id, record.State)
	}
	if err := l.BurnReserved(record.Account, record.Asset, new(big.Int).SetUint64(record.Amount)); err != nil {
		return err
	}
	return l.removeWithdrawal(id)
}

// CancelWithdrawal lets the owner withdraw an Applying request and releases
// the reserved amount.
func (l *Ledger) CancelWithdrawal(id uint32, account crypto.Address) error {
	record, err := l.mustWithdrawal(id)
	if err != nil {
		return err
	}
	if record.Account.Bytes() != account.Bytes() {
		return ErrWithdrawalOwner
	}
	if record.State != WithdrawalApplying {
		return fmt.Errorf("%w: %d is %s", ErrWithdrawalState, id, record.State)
	}
	if err := l.Unreserve(record.Account, record.Asset, new(big.Int).SetUint64(record.Amount)); err != nil {
		return err
	}
	return l.removeWithdrawal(id)
}

func (l *Ledger) removeWithdrawal(id uint32) error {
	if err := l.store.KVDelete(withdrawalKey(id)); err != nil {
		return err
	}
	var ids [][]byte
	if err := l.store.KVGetList(withdrawalIndex, &ids); err != nil {
		return err
	}
	target := encodeID(id)
	kept := ids[:0]
	for _, raw := range ids {
		if !bytes.Equal(raw, target) {
			kept = append(kept, raw)
		}
	}
	return l.store.KVPut(withdrawalIndex, kept)
}

// Withdrawals lists the open records ordered by id.
func (l *Ledger) Withdrawals() ([]*WithdrawalRecord, error) {
	var ids [][]byte
	if err := l.store.KVGetList(withdrawalIndex, &ids); err != nil {
		return nil, err
	}
	out := make([]*WithdrawalRecord, 0, len(ids))
	for _, raw := range ids {
		if len(raw) != 4 {
			continue
		}
		record, ok, err := l.WithdrawalRecord(binary.BigEndian.Uint32(raw))
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, record)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
