package payout

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/minermesh/minerpool/logging"
	"github.com/minermesh/minerpool/shared"
)

var (
	submittedMetric = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "minerpool",
		Subsystem: "payout",
		Name:      "submitted_total",
		Help:      "Number of payouts successfully submitted to the external ledger",
	})
	splitMetric = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "minerpool",
		Subsystem: "payout",
		Name:      "split_total",
		Help:      "Number of payouts split or requeued, by failure class",
	}, []string{"class"})
	deadLetterMetric = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "minerpool",
		Subsystem: "payout",
		Name:      "dead_letter_total",
		Help:      "Number of payouts dead-lettered after exhausting attempts",
	})
)

// Submitter is the external payment capability. Submit returns the
// transaction hash, or an error the pipeline classifies: *CapacityError,
// ErrRequestTooLarge, ErrUnreachable, or anything else (caught).
type Submitter interface {
	Ping(ctx context.Context) error
	Submit(ctx context.Context, wallet string, amount shared.Amount, memo string) (txHash string, err error)
}

// Pipeline batches pending payouts and pushes them to the external
// ledger, recovering from partial failures by splitting or requeueing.
// Every failure branch conserves the payout amount: the children of a
// split always sum to the original.
type Pipeline struct {
	cfg       Config
	db        *database
	submitter Submitter
	nowFn     func() time.Time
	newID     func() string
}

type newPipelineOptionFunc func(*Pipeline)

// WithNow overrides the clock, for tests.
func WithNow(now func() time.Time) newPipelineOptionFunc {
	return func(p *Pipeline) {
		p.nowFn = now
	}
}

func New(ctx context.Context, dbdir string, cfg Config, submitter Submitter, opts ...newPipelineOptionFunc) (*Pipeline, error) {
	db, err := newDatabase(filepath.Join(dbdir, "payouts"))
	if err != nil {
		return nil, fmt.Errorf("opening payouts database: %w", err)
	}
	p := &Pipeline{
		cfg:       cfg,
		db:        db,
		submitter: submitter,
		nowFn:     time.Now,
		newID:     func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

func (p *Pipeline) Close() error {
	return p.db.Close()
}

// Enqueue appends a payout instruction with a fresh unique id.
func (p *Pipeline) Enqueue(ctx context.Context, wallet string, amount shared.Amount, tag string) error {
	return p.enqueue(ctx, wallet, amount, tag, 0)
}

func (p *Pipeline) enqueue(ctx context.Context, wallet string, amount shared.Amount, tag string, attempts int32) error {
	return p.db.putPending(&PendingPayout{
		ID:        p.newID(),
		Wallet:    wallet,
		Amount:    amount,
		Tag:       tag,
		CreatedAt: p.nowFn().UnixNano(),
		Attempts:  attempts,
	})
}

// History returns the wallet's successfully pushed payouts, oldest first.
func (p *Pipeline) History(ctx context.Context, wallet string) ([]PushedPayout, error) {
	return p.db.pushedHistory(wallet)
}

// DrainBatch submits a batch of pending payouts. Per drain cycle only
// the earliest pending entry per wallet is serviced; later entries for
// the same wallet stay queued for the next cycle. When the external
// ledger is unreachable the whole cycle is skipped and everything stays
// queued.
func (p *Pipeline) DrainBatch(ctx context.Context) error {
	logger := logging.FromContext(ctx)

	if err := p.submitter.Ping(ctx); err != nil {
		logger.Warn("external ledger unreachable, leaving payouts queued", zap.Error(err))
		return nil
	}

	pending, err := p.db.listPending()
	if err != nil {
		return fmt.Errorf("listing pending payouts: %w", err)
	}

	seen := make(map[string]bool)
	var batch []PendingPayout
	for _, entry := range pending {
		if seen[entry.Wallet] {
			continue
		}
		seen[entry.Wallet] = true
		batch = append(batch, entry)
		if len(batch) == p.cfg.MaxBatch {
			break
		}
	}
	if len(batch) == 0 {
		logger.Debug("no pending payouts")
		return nil
	}

	for i := range batch {
		if err := p.process(ctx, &batch[i]); err != nil {
			logger.Error("payout processing failed",
				zap.String("id", batch[i].ID), zap.Error(err))
		}
	}
	return nil
}

// process submits one payout and applies the failure classification.
// Whatever branch is taken, the original entry is deleted and the
// amount either reaches the ledger, reappears in the queue, or lands
// in the error history.
func (p *Pipeline) process(ctx context.Context, entry *PendingPayout) error {
	logger := logging.FromContext(ctx).With(
		zap.String("id", entry.ID),
		zap.String("wallet", entry.Wallet),
		zap.Stringer("amount", entry.Amount))

	txHash, err := p.submitter.Submit(ctx, entry.Wallet, entry.Amount, "")
	if err == nil {
		if err := p.db.appendPushed(entry.Wallet, &PushedPayout{
			ID:        entry.ID,
			TxHash:    txHash,
			Amount:    entry.Amount,
			Tag:       entry.Tag,
			Timestamp: p.nowFn().UnixNano(),
		}); err != nil {
			return err
		}
		submittedMetric.Inc()
		logger.Info("payout submitted", zap.String("tx", txHash))
		return p.db.deletePending(entry)
	}

	var capErr *CapacityError
	switch {
	case errors.As(err, &capErr):
		parts := (capErr.RequiredInputs + p.cfg.MaxInputs - 1) / p.cfg.MaxInputs
		logger.Info("splitting payout over input capacity",
			zap.Int("required_inputs", capErr.RequiredInputs), zap.Int("parts", parts))
		splitMetric.WithLabelValues("capacity").Inc()
		return p.split(ctx, entry, parts, "utxo_split_"+entry.Tag)
	case errors.Is(err, ErrRequestTooLarge):
		logger.Info("splitting payout over request size")
		splitMetric.WithLabelValues("too_large").Inc()
		return p.split(ctx, entry, 2, "size_split_"+entry.Tag)
	case errors.Is(err, ErrUnreachable):
		logger.Warn("ledger connection failed, requeueing payout", zap.Error(err))
		splitMetric.WithLabelValues("retry").Inc()
		return p.split(ctx, entry, 1, "retry")
	default:
		logger.Error("unclassified submission failure", zap.Error(err))
		if recErr := p.db.appendError(&ErrorRecord{
			ID:        entry.ID,
			Wallet:    entry.Wallet,
			Amount:    entry.Amount,
			Tag:       entry.Tag,
			Reason:    err.Error(),
			Timestamp: p.nowFn().UnixNano(),
		}); recErr != nil {
			return recErr
		}
		splitMetric.WithLabelValues("caught").Inc()
		return p.split(ctx, entry, 1, "caught_"+entry.ID)
	}
}

// split replaces the entry with parts children carrying the same total
// amount. Once the attempt ceiling is reached the payout is
// dead-lettered instead: recorded terminally and never resubmitted.
func (p *Pipeline) split(ctx context.Context, entry *PendingPayout, parts int, tag string) error {
	if entry.Attempts+1 > p.cfg.MaxAttempts {
		deadLetterMetric.Inc()
		logging.FromContext(ctx).Error("payout exhausted attempts, dead-lettering",
			zap.String("id", entry.ID), zap.Int32("attempts", entry.Attempts))
		if err := p.db.appendError(&ErrorRecord{
			ID:        entry.ID,
			Wallet:    entry.Wallet,
			Amount:    entry.Amount,
			Tag:       entry.Tag,
			Reason:    "attempt ceiling reached",
			Timestamp: p.nowFn().UnixNano(),
			Terminal:  true,
		}); err != nil {
			return err
		}
		return p.db.deletePending(entry)
	}

	for _, amount := range entry.Amount.SplitEven(parts) {
		if err := p.enqueue(ctx, entry.Wallet, amount, tag, entry.Attempts+1); err != nil {
			return fmt.Errorf("enqueueing split child: %w", err)
		}
	}
	return p.db.deletePending(entry)
}

// Run drains the queue on a fixed interval until ctx is canceled.
func (p *Pipeline) Run(ctx context.Context) error {
	logger := logging.FromContext(ctx).Named("payout")
	ctx = logging.NewContext(ctx, logger)

	ticker := time.NewTicker(p.cfg.DrainInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := p.DrainBatch(ctx); err != nil {
				logger.Warn("drain cycle failed", zap.Error(err))
			}
		}
	}
}
