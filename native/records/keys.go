package records

import (
	"encoding/binary"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"btcbridge/crypto"
)

var (
	balancePrefix     = []byte("records/balance/")
	reservedPrefix    = []byte("records/reserved/")
	issuancePrefix    = []byte("records/issuance/")
	evmBalancePrefix  = []byte("records/evm/")
	withdrawalPrefix  = []byte("records/withdrawal/")
	withdrawalIndex   = []byte("records/withdrawal/index")
	withdrawalNextKey = []byte("records/withdrawal/next")
	bindingPrefix     = []byte("records/binding/")
	referralPrefix    = []byte("records/referral/")
	rewardPrefix      = []byte("records/reward/")
)

func join(prefix []byte, parts ...[]byte) []byte {
	size := len(prefix)
	for _, p := range parts {
		size += len(p) + 1
	}
	buf := make([]byte, 0, size)
	buf = append(buf, prefix...)
	for i, p := range parts {
		if i > 0 {
			buf = append(buf, '/')
		}
		buf = append(buf, p...)
	}
	return buf
}

func assetBytes(asset string) []byte {
	return []byte(strings.ToUpper(strings.TrimSpace(asset)))
}

func accountBytes(account crypto.Address) []byte {
	b := account.Bytes()
	return b[:]
}

func balanceKey(account crypto.Address, asset string) []byte {
	return join(balancePrefix, assetBytes(asset), accountBytes(account))
}

func reservedKey(account crypto.Address, asset string) []byte {
	return join(reservedPrefix, assetBytes(asset), accountBytes(account))
}

func issuanceKey(asset string) []byte {
	return join(issuancePrefix, assetBytes(asset))
}

func evmBalanceKey(addr common.Address, asset string) []byte {
	return join(evmBalancePrefix, assetBytes(asset), addr.Bytes())
}

func withdrawalKey(id uint32) []byte {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], id)
	return join(withdrawalPrefix, buf[:])
}

func bindingKey(btcAddress string) []byte {
	return join(bindingPrefix, []byte(strings.TrimSpace(btcAddress)))
}

func referralKey(asset string, account crypto.Address) []byte {
	return join(referralPrefix, assetBytes(asset), accountBytes(account))
}

func rewardKey(trustee crypto.Address) []byte {
	return join(rewardPrefix, accountBytes(trustee))
}
