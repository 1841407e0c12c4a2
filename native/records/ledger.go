package records

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"btcbridge/crypto"
)

// Asset identifiers known to the reference ledger.
const (
	AssetBTC    = "XBTC"
	AssetNative = "BRG"
)

var (
	ErrInsufficientBalance  = errors.New("records: insufficient balance")
	ErrInsufficientReserved = errors.New("records: insufficient reserved balance")
	ErrInvalidAmount        = errors.New("records: amount must be positive")
	ErrUnknownAsset         = errors.New("records: asset required")
)

// Store abstracts the subset of state manager functionality required by the
// ledger.
type Store interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
	KVDelete(key []byte) error
	KVAppend(key []byte, value []byte) error
	KVGetList(key []byte, out interface{}) error
}

// Ledger is the reference asset ledger the bridge credits and debits through.
// Every account holds a free and a reserved balance per asset.
type Ledger struct {
	store Store
}

// NewLedger constructs a ledger bound to the provided storage backend.
func NewLedger(store Store) *Ledger {
	return &Ledger{store: store}
}

func (l *Ledger) getBig(key []byte) (*big.Int, error) {
	value := new(big.Int)
	ok, err := l.store.KVGet(key, value)
	if err != nil {
		return nil, err
	}
	if !ok {
		return big.NewInt(0), nil
	}
	return value, nil
}

func (l *Ledger) putBig(key []byte, value *big.Int) error {
	if value.Sign() == 0 {
		return l.store.KVDelete(key)
	}
	return l.store.KVPut(key, value)
}

func (l *Ledger) add(key []byte, amount *big.Int) error {
	current, err := l.getBig(key)
	if err != nil {
		return err
	}
	return l.putBig(key, current.Add(current, amount))
}

func (l *Ledger) sub(key []byte, amount *big.Int, insufficient error) error {
	current, err := l.getBig(key)
	if err != nil {
		return err
	}
	if current.Cmp(amount) < 0 {
		return fmt.Errorf("%w: have %s, need %s", insufficient, current, amount)
	}
	return l.putBig(key, current.Sub(current, amount))
}

func checkArgs(asset string, amount *big.Int) error {
	if strings.TrimSpace(asset) == "" {
		return ErrUnknownAsset
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	return nil
}

// Balance returns the free balance of account.
func (l *Ledger) Balance(account crypto.Address, asset string) (*big.Int, error) {
	return l.getBig(balanceKey(account, asset))
}

// Reserved returns the reserved balance of account.
func (l *Ledger) Reserved(account crypto.Address, asset string) (*big.Int, error) {
	return l.getBig(reservedKey(account, asset))
}

// TotalIssuance returns the minted minus burned supply of asset.
func (l *Ledger) TotalIssuance(asset string) (*big.Int, error) {
	return l.getBig(issuanceKey(asset))
}

// Mint credits newly issued units to account.
func (l *Ledger) Mint(account crypto.Address, asset string, amount *big.Int) error {
	if err := checkArgs(asset, amount); err != nil {
		return err
	}
	if err := l.add(balanceKey(account, asset), amount); err != nil {
		return err
	}
	return l.add(issuanceKey(asset), amount)
}

// Deposit credits a bridged deposit to a native account.
func (l *Ledger) Deposit(account crypto.Address, asset string, amount uint64) error {
	return l.Mint(account, asset, new(big.Int).SetUint64(amount))
}

// Transfer moves free balance between accounts.
func (l *Ledger) Transfer(from, to crypto.Address, asset string, amount *big.Int) error {
	if err := checkArgs(asset, amount); err != nil {
		return err
	}
	if err := l.sub(balanceKey(from, asset), amount, ErrInsufficientBalance); err != nil {
		return err
	}
	return l.add(balanceKey(to, asset), amount)
}

// Reserve moves free balance into the reserved bucket of the same account.
func (l *Ledger) Reserve(account crypto.Address, asset string, amount *big.Int) error {
	if err := checkArgs(asset, amount); err != nil {
		return err
	}
	if err := l.sub(balanceKey(account, asset), amount, ErrInsufficientBalance); err != nil {
		return err
	}
	return l.add(reservedKey(account, asset), amount)
}

// Unreserve returns reserved balance to the free bucket.
func (l *Ledger) Unreserve(account crypto.Address, asset string, amount *big.Int) error {
	if err := checkArgs(asset, amount); err != nil {
		return err
	}
	if err := l.sub(reservedKey(account, asset), amount, ErrInsufficientReserved); err != nil {
		return err
	}
	return l.add(balanceKey(account, asset), amount)
}

// SlashReserved moves reserved balance of from into the free balance of to.
func (l *Ledger) SlashReserved(from, to crypto.Address, asset string, amount *big.Int) error {
	if err := checkArgs(asset, amount); err != nil {
		return err
	}
	if err := l.sub(reservedKey(from, asset), amount, ErrInsufficientReserved); err != nil {
		return err
	}
	return l.add(balanceKey(to, asset), amount)
}

// BurnReserved destroys reserved balance and lowers the issuance.
func (l *Ledger) BurnReserved(account crypto.Address, asset string, amount *big.Int) error {
	if err := checkArgs(asset, amount); err != nil {
		return err
	}
	if err := l.sub(reservedKey(account, asset), amount, ErrInsufficientReserved); err != nil {
		return err
	}
	return l.sub(issuanceKey(asset), amount, ErrInsufficientBalance)
}

// DepositEVM credits a bridged deposit to an EVM-style address.
func (l *Ledger) DepositEVM(addr common.Address, asset string, amount uint64) error {
	value := new(big.Int).SetUint64(amount)
	if err := checkArgs(asset, value); err != nil {
		return err
	}
	if err := l.add(evmBalanceKey(addr, asset), value); err != nil {
		return err
	}
	return l.add(issuanceKey(asset), value)
}

// EVMBalance returns the balance credited to an EVM-style address.
func (l *Ledger) EVMBalance(addr common.Address, asset string) (*big.Int, error) {
	return l.getBig(evmBalanceKey(addr, asset))
}
