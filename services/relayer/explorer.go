package relayer

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"btcbridge/bitcoin"
	"btcbridge/observability"
)

const (
	// DefaultRequestTimeout bounds every explorer round trip.
	DefaultRequestTimeout = 2 * time.Second
	// MaxRetryNum bounds retries of a failed explorer request.
	MaxRetryNum = 5

	blockNotFoundBody = "Block not found"
	maxResponseBytes  = 8 << 20
)

var (
	ErrBlockNotFound    = errors.New("relayer: block not found")
	ErrTxNotFound       = errors.New("relayer: transaction not found")
	ErrUnexpectedReply  = errors.New("relayer: unexpected explorer response")
	ErrBroadcast        = errors.New("relayer: broadcast rejected")
	ErrNoCommonAncestor = errors.New("relayer: no common ancestor with explorer")
)

// ExplorerOption customises the explorer client.
type ExplorerOption func(*Explorer)

// WithHTTPClient replaces the instrumented default client.
func WithHTTPClient(client *http.Client) ExplorerOption {
	return func(e *Explorer) { e.http = client }
}

// WithRetryInterval sets the initial backoff between retries.
func WithRetryInterval(interval time.Duration) ExplorerOption {
	return func(e *Explorer) { e.retryInterval = interval }
}

// Explorer talks to an Esplora-compatible block explorer.
type Explorer struct {
	baseURL       string
	http          *http.Client
	timeout       time.Duration
	maxRetries    uint64
	retryInterval time.Duration
}

// NewExplorer constructs a client for cfg.BaseURL.
func NewExplorer(cfg ExplorerConfig, opts ...ExplorerOption) (*Explorer, error) {
	base := strings.TrimSpace(cfg.BaseURL)
	if base == "" {
		return nil, fmt.Errorf("relayer: explorer base url required")
	}
	timeout := cfg.Timeout.Duration
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	e := &Explorer{
		baseURL:       strings.TrimRight(base, "/"),
		http:          &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
		timeout:       timeout,
		maxRetries:    cfg.MaxRetries,
		retryInterval: 500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

func (e *Explorer) backOff(ctx context.Context) backoff.BackOff {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = e.retryInterval
	policy.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(policy, e.maxRetries), ctx)
}

// do performs one request with retries. Server errors and transport failures
// are retried; client errors are returned immediately.
func (e *Explorer) do(ctx context.Context, endpoint, method, path string, body []byte) ([]byte, error) {
	payload, err := backoff.RetryWithData(func() ([]byte, error) {
		return e.attempt(ctx, method, path, body)
	}, e.backOff(ctx))
	observability.Relayer().ObserveFetch(endpoint, err)
	return payload, err
}

func (e *Explorer) attempt(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	reqCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(reqCtx, method, e.baseURL+path, reader)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("relayer: request: %w", err))
	}
	if body != nil {
		req.Header.Set("Content-Type", "text/plain")
	}
	resp, err := e.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, backoff.Permanent(ctx.Err())
		}
		return nil, fmt.Errorf("relayer: call %s: %w", path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("relayer: read %s: %w", path, err)
	}
	if strings.TrimSpace(string(data)) == blockNotFoundBody {
		return nil, backoff.Permanent(ErrBlockNotFound)
	}
	switch {
	case resp.StatusCode == http.StatusOK:
		return data, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: status %d on %s", ErrUnexpectedReply, resp.StatusCode, path)
	default:
		return nil, backoff.Permanent(fmt.Errorf("%w: status %d on %s: %s",
			ErrUnexpectedReply, resp.StatusCode, path, strings.TrimSpace(string(data))))
	}
}

// BlockHash returns the hash of the main-chain block at height.
func (e *Explorer) BlockHash(ctx context.Context, height uint64) (chainhash.Hash, error) {
	data, err := e.do(ctx, "block_height", http.MethodGet, fmt.Sprintf("/block-height/%d", height), nil)
	if err != nil {
		return chainhash.Hash{}, err
	}
	hash, err := bitcoin.ParseHash(strings.TrimSpace(string(data)))
	if err != nil {
		return chainhash.Hash{}, fmt.Errorf("%w: block hash: %v", ErrUnexpectedReply, err)
	}
	return hash, nil
}

// Block downloads and decodes the raw block.
func (e *Explorer) Block(ctx context.Context, hash chainhash.Hash) (*wire.MsgBlock, error) {
	data, err := e.do(ctx, "block_raw", http.MethodGet, fmt.Sprintf("/block/%s/raw", hash), nil)
	if err != nil {
		return nil, err
	}
	block := new(wire.MsgBlock)
	if err := block.Deserialize(bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("%w: block %s: %v", ErrUnexpectedReply, hash, err)
	}
	if got := block.BlockHash(); got != hash {
		return nil, fmt.Errorf("%w: asked for %s, got %s", ErrUnexpectedReply, hash, got)
	}
	return block, nil
}

// Transaction downloads the raw transaction bytes of txid.
func (e *Explorer) Transaction(ctx context.Context, txid chainhash.Hash) ([]byte, error) {
	data, err := e.do(ctx, "tx_raw", http.MethodGet, fmt.Sprintf("/tx/%s/raw", txid), nil)
	if err != nil {
		return nil, err
	}
	tx, err := bitcoin.DecodeTransaction(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnexpectedReply, err)
	}
	if got := tx.TxHash(); got != txid {
		return nil, fmt.Errorf("%w: asked for %s, got %s", ErrTxNotFound, txid, got)
	}
	return data, nil
}

// Broadcast submits a raw transaction and returns the txid the explorer
// reports.
func (e *Explorer) Broadcast(ctx context.Context, raw []byte) (chainhash.Hash, error) {
	tx, err := bitcoin.DecodeTransaction(raw)
	if err != nil {
		return chainhash.Hash{}, err
	}
	data, err := e.do(ctx, "tx_post", http.MethodPost, "/tx", []byte(hex.EncodeToString(raw)))
	if err != nil {
		return chainhash.Hash{}, fmt.Errorf("%w: %v", ErrBroadcast, err)
	}
	txid, err := bitcoin.ParseHash(strings.TrimSpace(string(data)))
	if err != nil {
		return chainhash.Hash{}, fmt.Errorf("%w: %s", ErrBroadcast, strings.TrimSpace(string(data)))
	}
	if txid != tx.TxHash() {
		return chainhash.Hash{}, fmt.Errorf("%w: explorer returned %s", ErrBroadcast, txid)
	}
	return txid, nil
}

// TransactionProof downloads the block containing txid and returns the raw
// transaction with a BIP37 merkle proof, ready for submission.
func (e *Explorer) TransactionProof(ctx context.Context, block, txid chainhash.Hash) ([]byte, []byte, error) {
	msg, err := e.Block(ctx, block)
	if err != nil {
		return nil, nil, err
	}
	ids := make([]chainhash.Hash, len(msg.Transactions))
	index := -1
	for i, tx := range msg.Transactions {
		ids[i] = tx.TxHash()
		if ids[i] == txid {
			index = i
		}
	}
	if index < 0 {
		return nil, nil, fmt.Errorf("%w: %s not in block %s", ErrTxNotFound, txid, block)
	}
	proof := bitcoin.NewMerkleProof(msg.Header, ids, index)
	return bitcoin.EncodeTransaction(msg.Transactions[index]), bitcoin.EncodeMerkleProof(proof), nil
}
