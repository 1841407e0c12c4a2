package vault

import (
	"errors"
	"fmt"
	"strings"

	"btcbridge/core/events"
	"btcbridge/crypto"
)

// QuoteDomain separates exchange rate signatures from other signed payloads.
const QuoteDomain = "BTCBRIDGE_RATE_V1"

var (
	ErrInvalidQuote        = errors.New("vault: invalid exchange rate quote")
	ErrUnknownOracle       = errors.New("vault: quote not signed by an oracle")
	ErrStaleQuote          = errors.New("vault: quote outside staleness window")
	ErrQuoteOutdated       = errors.New("vault: quote older than current rate")
	ErrExchangeRateExpired = errors.New("vault: exchange rate expired")
)

// Quote is a signed collateral/BTC price observation.
type Quote struct {
	Price     uint64
	Decimals  uint8
	Timestamp int64
	Signature []byte
}

// CanonicalMessage renders the payload oracles sign.
func (q Quote) CanonicalMessage() []byte {
	builder := strings.Builder{}
	builder.WriteString(QuoteDomain)
	builder.WriteString(fmt.Sprintf("|price=%d", q.Price))
	builder.WriteString(fmt.Sprintf("|decimals=%d", q.Decimals))
	builder.WriteString(fmt.Sprintf("|ts=%d", q.Timestamp))
	return []byte(builder.String())
}

// SignQuote signs q with key and returns the signed copy.
func SignQuote(key *crypto.PrivateKey, q Quote) (Quote, error) {
	sig, err := key.Sign(q.CanonicalMessage())
	if err != nil {
		return Quote{}, err
	}
	q.Signature = sig
	return q, nil
}

// Rate is the accepted exchange rate.
type Rate struct {
	Price     TradingPrice
	Timestamp int64
	Oracle    crypto.Address
}

type storedRate struct {
	Price     uint64
	Decimals  uint8
	Timestamp uint64
	Prefix    string
	Oracle    [20]byte
}

// ExchangeRate returns the last accepted rate, or nil.
func (e *Engine) ExchangeRate() (*Rate, error) {
	var stored storedRate
	ok, err := e.state.KVGet(rateKey, &stored)
	if err != nil || !ok {
		return nil, err
	}
	return &Rate{
		Price:     TradingPrice{Price: stored.Price, Decimals: stored.Decimals},
		Timestamp: int64(stored.Timestamp),
		Oracle:    crypto.NewAddress(crypto.AddressPrefix(stored.Prefix), stored.Oracle),
	}, nil
}

// freshRate returns the current rate if it is still inside the staleness
// window.
func (e *Engine) freshRate() (TradingPrice, error) {
	rate, err := e.ExchangeRate()
	if err != nil {
		return TradingPrice{}, err
	}
	if rate == nil {
		return TradingPrice{}, ErrNoExchangeRate
	}
	if age := e.nowFn() - rate.Timestamp; age > e.params.QuoteMaxAge {
		return TradingPrice{}, fmt.Errorf("%w: %ds old", ErrExchangeRateExpired, age)
	}
	return rate.Price, nil
}

// UpdateExchangeRate accepts a quote signed by a configured oracle, stores it
// and re-evaluates every vault against the new price.
func (e *Engine) UpdateExchangeRate(q Quote) (*Rate, error) {
	if q.Price == 0 {
		return nil, fmt.Errorf("%w: price must be positive", ErrInvalidQuote)
	}
	if q.Decimals > MaxPriceDecimals {
		return nil, fmt.Errorf("%w: %d decimals", ErrInvalidQuote, q.Decimals)
	}
	if q.Timestamp <= 0 {
		return nil, fmt.Errorf("%w: timestamp required", ErrInvalidQuote)
	}
	if len(q.Signature) == 0 {
		return nil, fmt.Errorf("%w: signature required", ErrInvalidQuote)
	}
	signer, err := crypto.RecoverSigner(q.CanonicalMessage(), q.Signature)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidQuote, err)
	}
	if !e.params.isOracle(signer) {
		return nil, ErrUnknownOracle
	}
	now := e.nowFn()
	if age := now - q.Timestamp; age > e.params.QuoteMaxAge || age < -e.params.QuoteMaxAge {
		return nil, fmt.Errorf("%w: quote at %d, now %d", ErrStaleQuote, q.Timestamp, now)
	}
	current, err := e.ExchangeRate()
	if err != nil {
		return nil, err
	}
	if current != nil && q.Timestamp <= current.Timestamp {
		return nil, fmt.Errorf("%w: %d <= %d", ErrQuoteOutdated, q.Timestamp, current.Timestamp)
	}

	oracle := crypto.NewAddress(crypto.AccountPrefix, signer)
	if err := e.state.KVPut(rateKey, storedRate{
		Price:     q.Price,
		Decimals:  q.Decimals,
		Timestamp: uint64(q.Timestamp),
		Prefix:    string(oracle.Prefix()),
		Oracle:    signer,
	}); err != nil {
		return nil, err
	}
	e.emit(events.ExchangeRateUpdated{Price: q.Price, Decimals: q.Decimals, Oracle: oracle})
	if err := e.refreshAll(); err != nil {
		return nil, err
	}
	return &Rate{
		Price:     TradingPrice{Price: q.Price, Decimals: q.Decimals},
		Timestamp: q.Timestamp,
		Oracle:    oracle,
	}, nil
}
