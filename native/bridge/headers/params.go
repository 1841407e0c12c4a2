package headers

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/btcsuite/btcd/blockchain"

	"btcbridge/bitcoin"
)

// BestChainRule selects how competing branches are compared.
type BestChainRule string

const (
	// BestChainWork prefers the branch with more cumulative proof of work.
	BestChainWork BestChainRule = "work"
	// BestChainHeight prefers the taller branch.
	BestChainHeight BestChainRule = "height"
)

// ParseBestChainRule maps a configuration string onto a rule. The empty
// string selects BestChainWork.
func ParseBestChainRule(s string) (BestChainRule, error) {
	switch BestChainRule(strings.ToLower(strings.TrimSpace(s))) {
	case "", BestChainWork:
		return BestChainWork, nil
	case BestChainHeight:
		return BestChainHeight, nil
	default:
		return "", fmt.Errorf("headers: unknown best chain rule %q", s)
	}
}

// Params is the header validation configuration fixed at genesis.
type Params struct {
	Network            bitcoin.Network
	MaxBits            uint32
	BlockMaxFuture     uint32
	TargetTimespan     uint32
	TargetSpacing      uint32
	RetargetingFactor  uint32
	ConfirmationNumber uint32
	ReservedBlock      uint32
	CheckDifficulty    bool
	BestChain          BestChainRule
}

// MainnetParams mirrors Bitcoin mainnet consensus.
func MainnetParams() Params {
	return Params{
		Network:            bitcoin.Mainnet,
		MaxBits:            0x1d00ffff,
		BlockMaxFuture:     2 * 60 * 60,
		TargetTimespan:     14 * 24 * 60 * 60,
		TargetSpacing:      10 * 60,
		RetargetingFactor:  4,
		ConfirmationNumber: 4,
		ReservedBlock:      2100,
		CheckDifficulty:    true,
		BestChain:          BestChainWork,
	}
}

// TestnetParams relaxes the difficulty check; the testnet minimum difficulty
// rule is not modelled.
func TestnetParams() Params {
	p := MainnetParams()
	p.Network = bitcoin.Testnet
	p.CheckDifficulty = false
	return p
}

// RegtestParams uses the regtest proof of work limit.
func RegtestParams() Params {
	p := MainnetParams()
	p.Network = bitcoin.Regtest
	p.MaxBits = 0x207fffff
	p.CheckDifficulty = false
	p.ConfirmationNumber = 1
	p.ReservedBlock = 100
	return p
}

// ForNetwork returns the default parameters of net.
func ForNetwork(net bitcoin.Network) Params {
	switch net {
	case bitcoin.Testnet:
		return TestnetParams()
	case bitcoin.Regtest:
		return RegtestParams()
	default:
		return MainnetParams()
	}
}

// RetargetingInterval is the number of blocks between difficulty changes.
func (p Params) RetargetingInterval() uint32 {
	if p.TargetSpacing == 0 {
		return 0
	}
	return p.TargetTimespan / p.TargetSpacing
}

func (p Params) MinTimespan() uint32 { return p.TargetTimespan / p.RetargetingFactor }

func (p Params) MaxTimespan() uint32 { return p.TargetTimespan * p.RetargetingFactor }

// MaxTarget is the easiest target any header may carry.
func (p Params) MaxTarget() *big.Int {
	return blockchain.CompactToBig(p.MaxBits)
}

// Validate checks the parameters for internal consistency.
func (p Params) Validate() error {
	switch {
	case p.TargetSpacing == 0 || p.TargetTimespan == 0:
		return errors.New("headers: target timespan and spacing must be positive")
	case p.TargetTimespan%p.TargetSpacing != 0:
		return errors.New("headers: target timespan must be a multiple of the spacing")
	case p.RetargetingFactor == 0:
		return errors.New("headers: retargeting factor must be positive")
	case p.ConfirmationNumber == 0:
		return errors.New("headers: confirmation number must be positive")
	case p.ReservedBlock < p.ConfirmationNumber:
		return errors.New("headers: reserved block window shorter than confirmation depth")
	case p.MaxTarget().Sign() <= 0:
		return errors.New("headers: max bits must encode a positive target")
	}
	if _, err := ParseBestChainRule(string(p.BestChain)); err != nil {
		return err
	}
	return nil
}

// Retarget scales the target encoded by bits by actualTimespan/targetTimespan
// after clamping the timespan to the allowed window.
func Retarget(bits uint32, actualTimespan int64, p Params) uint32 {
	minSpan := int64(p.MinTimespan())
	maxSpan := int64(p.MaxTimespan())
	if actualTimespan < minSpan {
		actualTimespan = minSpan
	}
	if actualTimespan > maxSpan {
		actualTimespan = maxSpan
	}
	target := blockchain.CompactToBig(bits)
	target.Mul(target, big.NewInt(actualTimespan))
	target.Div(target, big.NewInt(int64(p.TargetTimespan)))
	if limit := p.MaxTarget(); target.Cmp(limit) > 0 {
		target = limit
	}
	return blockchain.BigToCompact(target)
}
