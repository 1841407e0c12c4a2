// Package bitcoin decodes the Bitcoin wire structures the bridge consumes:
// block headers, transactions, output scripts, Base58Check addresses and
// BIP37 partial merkle proofs.
package bitcoin

import (
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/chaincfg"
)

var (
	ErrMalformedHeader      = errors.New("bitcoin: malformed header")
	ErrMalformedTransaction = errors.New("bitcoin: malformed transaction")
	ErrInvalidAddress       = errors.New("bitcoin: invalid address")
	ErrInvalidMerkleProof   = errors.New("bitcoin: invalid merkle proof")
	ErrUnknownNetwork       = errors.New("bitcoin: unknown network")
)

// Network selects the address version bytes and consensus defaults.
type Network uint8

const (
	Mainnet Network = iota
	Testnet
	Regtest
)

func (n Network) String() string {
	switch n {
	case Mainnet:
		return "mainnet"
	case Testnet:
		return "testnet"
	case Regtest:
		return "regtest"
	default:
		return fmt.Sprintf("network(%d)", uint8(n))
	}
}

// ParseNetwork maps a configuration string onto a Network.
func ParseNetwork(s string) (Network, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "mainnet", "main", "bitcoin":
		return Mainnet, nil
	case "testnet", "testnet3", "test":
		return Testnet, nil
	case "regtest", "regression":
		return Regtest, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownNetwork, s)
	}
}

// Params returns the btcd chain parameters for the network.
func (n Network) Params() *chaincfg.Params {
	switch n {
	case Testnet:
		return &chaincfg.TestNet3Params
	case Regtest:
		return &chaincfg.RegressionNetParams
	default:
		return &chaincfg.MainNetParams
	}
}
