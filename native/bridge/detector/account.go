package detector

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"btcbridge/crypto"
)

// MaxReferralLength bounds the referral tag carried after '@'.
const MaxReferralLength = 32

var ErrInvalidOpReturn = errors.New("detector: op_return does not carry an account")

// AccountKind distinguishes native accounts from EVM-style addresses.
type AccountKind uint8

const (
	AccountNative AccountKind = iota + 1
	AccountEVM
)

func (k AccountKind) String() string {
	switch k {
	case AccountNative:
		return "native"
	case AccountEVM:
		return "evm"
	default:
		return "unknown"
	}
}

// Account references the credited party of a deposit.
type Account struct {
	Kind   AccountKind
	Native crypto.Address
	EVM    common.Address
}

// NativeAccount wraps a bech32 account.
func NativeAccount(addr crypto.Address) Account {
	return Account{Kind: AccountNative, Native: addr}
}

// EVMAccount wraps a 0x-prefixed address.
func EVMAccount(addr common.Address) Account {
	return Account{Kind: AccountEVM, EVM: addr}
}

func (a Account) IsZero() bool { return a.Kind == 0 }

func (a Account) String() string {
	switch a.Kind {
	case AccountNative:
		return a.Native.String()
	case AccountEVM:
		return a.EVM.Hex()
	default:
		return ""
	}
}

// ParseAccount accepts a bech32 native account or a 0x-prefixed hex address.
func ParseAccount(s string) (Account, error) {
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		if !common.IsHexAddress(s) {
			return Account{}, fmt.Errorf("%w: malformed evm address", crypto.ErrInvalidAccount)
		}
		return EVMAccount(common.HexToAddress(s)), nil
	}
	addr, err := crypto.DecodeAddress(s)
	if err != nil {
		return Account{}, err
	}
	return NativeAccount(addr), nil
}

// OpReturn is the decoded deposit payload `account[@referral]`.
type OpReturn struct {
	Account  Account
	Referral string
}

// ParseOpReturn decodes an OP_RETURN payload. An empty referral after '@' is
// treated as absent.
func ParseOpReturn(data []byte) (OpReturn, error) {
	account, referral, _ := strings.Cut(string(data), "@")
	if account == "" {
		return OpReturn{}, ErrInvalidOpReturn
	}
	acct, err := ParseAccount(account)
	if err != nil {
		return OpReturn{}, fmt.Errorf("%w: %v", ErrInvalidOpReturn, err)
	}
	if len(referral) > MaxReferralLength || strings.ContainsRune(referral, '@') {
		return OpReturn{}, fmt.Errorf("%w: bad referral", ErrInvalidOpReturn)
	}
	return OpReturn{Account: acct, Referral: referral}, nil
}

// Bytes renders the payload in its wire form.
func (o OpReturn) Bytes() []byte {
	if o.Referral == "" {
		return []byte(o.Account.String())
	}
	return []byte(o.Account.String() + "@" + o.Referral)
}
