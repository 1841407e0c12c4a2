package relayer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"btcbridge/bitcoin"
	"btcbridge/native/bridge/headers"
	"btcbridge/observability"
)

// Source yields main-chain blocks by height.
type Source interface {
	BlockHash(ctx context.Context, height uint64) (chainhash.Hash, error)
	Block(ctx context.Context, hash chainhash.Hash) (*wire.MsgBlock, error)
}

// HeaderSink accepts relayed headers. Submissions go through the same
// validation as any externally submitted header.
type HeaderSink interface {
	BestChain() (headers.Pointer, error)
	CanonicalHash(height uint64) (chainhash.Hash, bool, error)
	SubmitHeader(raw []byte, submitter string) error
}

// Worker relays headers from an explorer into the header tracker.
type Worker struct {
	source    Source
	sink      HeaderSink
	limiter   *rate.Limiter
	interval  time.Duration
	batch     int
	maxRewind uint64
	submitter string
}

// NewWorker constructs a relayer worker from cfg.
func NewWorker(source Source, sink HeaderSink, cfg Config) (*Worker, error) {
	if source == nil || sink == nil {
		return nil, fmt.Errorf("relayer: source and sink required")
	}
	applyDefaults(&cfg)
	return &Worker{
		source:    source,
		sink:      sink,
		limiter:   rate.NewLimiter(rate.Limit(cfg.RatePerSecond), 1),
		interval:  cfg.Interval.Duration,
		batch:     cfg.Batch,
		maxRewind: cfg.MaxRewind,
		submitter: cfg.Submitter,
	}, nil
}

// Run ticks until ctx is cancelled. Tick failures are logged and retried on
// the next interval.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		if _, err := w.Tick(ctx); err != nil && ctx.Err() == nil {
			slog.Warn("relayer: tick failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Tick fetches headers from best+1 up to the batch limit and submits them in
// order. When the explorer followed a reorg the next header is an orphan; the
// worker then rewinds to the last height both chains agree on and relays the
// explorer's branch from there. It stops at the first other failure and
// returns the number of headers accepted. Reaching the explorer tip is not an
// error.
func (w *Worker) Tick(ctx context.Context) (int, error) {
	id := uuid.NewString()
	start := time.Now()
	relayed, err := w.tick(ctx, id)
	observability.Relayer().ObserveTick(relayed, err, time.Since(start))
	if relayed > 0 {
		slog.Info("relayer: headers relayed", "tick", id, "count", relayed)
	}
	return relayed, err
}

func (w *Worker) tick(ctx context.Context, id string) (int, error) {
	best, err := w.sink.BestChain()
	if err != nil {
		return 0, fmt.Errorf("relayer: best chain: %w", err)
	}
	relayed := 0
	rewound := false
	for height := best.Height + 1; relayed < w.batch; height++ {
		hash, err := w.fetchHash(ctx, height)
		if errors.Is(err, ErrBlockNotFound) {
			return relayed, nil
		}
		if err != nil {
			return relayed, err
		}
		if err := w.limiter.Wait(ctx); err != nil {
			return relayed, err
		}
		block, err := w.source.Block(ctx, hash)
		if err != nil {
			return relayed, fmt.Errorf("relayer: block %d: %w", height, err)
		}
		err = w.sink.SubmitHeader(bitcoin.EncodeHeader(&block.Header), w.submitter)
		switch {
		case err == nil:
			relayed++
		case errors.Is(err, headers.ErrDuplicateHeader):
		case errors.Is(err, headers.ErrOrphanHeader) && !rewound:
			rewound = true
			fork, ferr := w.forkPoint(ctx)
			if ferr != nil {
				return relayed, ferr
			}
			if fork+1 >= height {
				return relayed, fmt.Errorf("relayer: submit %d: %w", height, err)
			}
			slog.Info("relayer: explorer reorg", "tick", id, "fork", fork, "height", height)
			height = fork
		default:
			slog.Warn("relayer: header rejected", "tick", id, "height", height, "hash", hash.String(), "error", err)
			return relayed, fmt.Errorf("relayer: submit %d: %w", height, err)
		}
	}
	return relayed, nil
}

// forkPoint walks down from the tracker tip to the highest height where the
// explorer and the tracker main chain share a block.
func (w *Worker) forkPoint(ctx context.Context) (uint64, error) {
	best, err := w.sink.BestChain()
	if err != nil {
		return 0, fmt.Errorf("relayer: best chain: %w", err)
	}
	for height := best.Height; best.Height-height <= w.maxRewind; height-- {
		ours, ok, err := w.sink.CanonicalHash(height)
		if err != nil {
			return 0, fmt.Errorf("relayer: canonical %d: %w", height, err)
		}
		if !ok {
			break
		}
		theirs, err := w.fetchHash(ctx, height)
		switch {
		case err == nil && theirs == ours:
			return height, nil
		case err != nil && !errors.Is(err, ErrBlockNotFound):
			return 0, err
		}
		if height == 0 {
			break
		}
	}
	return 0, fmt.Errorf("%w: below height %d", ErrNoCommonAncestor, best.Height)
}

func (w *Worker) fetchHash(ctx context.Context, height uint64) (chainhash.Hash, error) {
	if err := w.limiter.Wait(ctx); err != nil {
		return chainhash.Hash{}, err
	}
	return w.source.BlockHash(ctx, height)
}
