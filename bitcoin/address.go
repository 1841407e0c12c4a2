package bitcoin

import (
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/base58"
	"github.com/btcsuite/btcd/txscript"
)

// AddressKind distinguishes the two Base58Check address forms.
type AddressKind uint8

const (
	P2PKH AddressKind = iota
	P2SH
)

// Address is a Base58Check Bitcoin address bound to a network.
type Address struct {
	Network Network
	Kind    AddressKind
	Hash    [20]byte
}

func (a Address) version() byte {
	params := a.Network.Params()
	if a.Kind == P2SH {
		return params.ScriptHashAddrID
	}
	return params.PubKeyHashAddrID
}

// String renders the Base58Check encoding.
func (a Address) String() string {
	return base58.CheckEncode(a.Hash[:], a.version())
}

// IsZero reports whether the address is unset.
func (a Address) IsZero() bool {
	return a.Hash == [20]byte{}
}

// ParseAddress decodes a Base58Check address and checks that its version byte
// belongs to net.
func ParseAddress(s string, net Network) (Address, error) {
	payload, version, err := base58.CheckDecode(s)
	if err != nil {
		return Address{}, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	if len(payload) != 20 {
		return Address{}, fmt.Errorf("%w: payload length %d", ErrInvalidAddress, len(payload))
	}
	params := net.Params()
	addr := Address{Network: net}
	switch version {
	case params.PubKeyHashAddrID:
		addr.Kind = P2PKH
	case params.ScriptHashAddrID:
		addr.Kind = P2SH
	default:
		return Address{}, fmt.Errorf("%w: version 0x%02x not valid for %s", ErrInvalidAddress, version, net)
	}
	copy(addr.Hash[:], payload)
	return addr, nil
}

// Script returns the output script paying to the address.
func (a Address) Script() ([]byte, error) {
	var (
		addr btcutil.Address
		err  error
	)
	switch a.Kind {
	case P2SH:
		addr, err = btcutil.NewAddressScriptHashFromHash(a.Hash[:], a.Network.Params())
	default:
		addr, err = btcutil.NewAddressPubKeyHash(a.Hash[:], a.Network.Params())
	}
	if err != nil {
		return nil, err
	}
	return txscript.PayToAddrScript(addr)
}

// AddressFromScript extracts the address paid by a P2PK, P2PKH or P2SH
// script. P2PK outputs map to the P2PKH address of their public key.
func AddressFromScript(pkScript []byte, net Network) (Address, bool) {
	addr := Address{Network: net}
	switch ClassifyScript(pkScript) {
	case ScriptP2PK:
		pubKey := pkScript[1 : len(pkScript)-1]
		copy(addr.Hash[:], btcutil.Hash160(pubKey))
		addr.Kind = P2PKH
	case ScriptP2PKH:
		// OP_DUP OP_HASH160 <20> OP_EQUALVERIFY OP_CHECKSIG
		copy(addr.Hash[:], pkScript[3:23])
		addr.Kind = P2PKH
	case ScriptP2SH:
		// OP_HASH160 <20> OP_EQUAL
		copy(addr.Hash[:], pkScript[2:22])
		addr.Kind = P2SH
	default:
		return Address{}, false
	}
	return addr, true
}
