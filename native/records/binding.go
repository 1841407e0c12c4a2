package records

import (
	"errors"
	"strings"

	"btcbridge/crypto"
)

var ErrEmptyBinding = errors.New("records: binding requires address and account")

// UpdateBinding binds a Bitcoin address to an account reference. Later calls
// overwrite the previous binding.
func (l *Ledger) UpdateBinding(btcAddress, account string) error {
	btcAddress = strings.TrimSpace(btcAddress)
	account = strings.TrimSpace(account)
	if btcAddress == "" || account == "" {
		return ErrEmptyBinding
	}
	return l.store.KVPut(bindingKey(btcAddress), account)
}

// LookupBinding returns the account bound to a Bitcoin address.
func (l *Ledger) LookupBinding(btcAddress string) (string, bool, error) {
	var account string
	ok, err := l.store.KVGet(bindingKey(btcAddress), &account)
	if err != nil || !ok {
		return "", false, err
	}
	return account, true, nil
}

// UpdateReferral records the referral tag supplied with a deposit. An empty
// referral leaves the existing one untouched.
func (l *Ledger) UpdateReferral(asset string, account crypto.Address, referral string) error {
	if referral == "" {
		return nil
	}
	return l.store.KVPut(referralKey(asset, account), referral)
}

// Referral returns the referral tag of account for asset.
func (l *Ledger) Referral(asset string, account crypto.Address) (string, bool, error) {
	var referral string
	ok, err := l.store.KVGet(referralKey(asset, account), &referral)
	if err != nil || !ok {
		return "", false, err
	}
	return referral, true, nil
}

// Attribute accrues withdrawal fee rewards to a trustee.
func (l *Ledger) Attribute(trustee crypto.Address, amount uint64) error {
	if amount == 0 {
		return nil
	}
	var current uint64
	if _, err := l.store.KVGet(rewardKey(trustee), &current); err != nil {
		return err
	}
	return l.store.KVPut(rewardKey(trustee), current+amount)
}

// Reward returns the fee rewards accrued by trustee.
func (l *Ledger) Reward(trustee crypto.Address) (uint64, error) {
	var current uint64
	if _, err := l.store.KVGet(rewardKey(trustee), &current); err != nil {
		return 0, err
	}
	return current, nil
}
