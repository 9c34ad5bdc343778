package settlement

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/minermesh/minerpool/ledger"
	"github.com/minermesh/minerpool/logging"
	"github.com/minermesh/minerpool/shared"
)

// TxOutput is one output of an upstream transaction.
type TxOutput struct {
	Address string
	Type    string
	Amount  shared.Amount
}

// Transaction is an upstream chain transaction in parsed form.
type Transaction struct {
	Hash    string
	Type    string
	Inputs  []string // input addresses
	Outputs []TxOutput
}

// Block is one upstream chain block.
type Block struct {
	ID           uint64
	Transactions []Transaction
}

// BlockFetcher pages blocks from the external chain API.
type BlockFetcher interface {
	FetchBlocks(ctx context.Context, offset uint64, limit int) ([]Block, error)
}

const regularType = "REGULAR"

// Settlement periodically scans new upstream blocks for plain transfers
// into the pool wallet and converts the summed income into balance
// credits: a fixed cut for the pool owner, the rest score-weighted
// across miners.
type Settlement struct {
	cfg        Config
	db         *database
	fetcher    BlockFetcher
	ledger     *ledger.Ledger
	poolWallet string
}

func New(
	ctx context.Context,
	dbdir string,
	cfg Config,
	fetcher BlockFetcher,
	ldg *ledger.Ledger,
	poolWallet string,
) (*Settlement, error) {
	db, err := newDatabase(filepath.Join(dbdir, "settlement"))
	if err != nil {
		return nil, fmt.Errorf("opening settlement database: %w", err)
	}
	return &Settlement{
		cfg:        cfg,
		db:         db,
		fetcher:    fetcher,
		ledger:     ldg,
		poolWallet: poolWallet,
	}, nil
}

func (s *Settlement) Close() error {
	return s.db.Close()
}

// Cycle runs one settlement pass: scan, filter, dedupe, split, credit.
func (s *Settlement) Cycle(ctx context.Context) error {
	logger := logging.FromContext(ctx)

	offset := s.cfg.StartHeight
	if height, ok, err := s.db.lastHeight(); err != nil {
		return err
	} else if ok {
		offset = height + 1
	}

	blocks, err := s.fetcher.FetchBlocks(ctx, offset, s.cfg.BlockPageSize)
	if err != nil {
		return fmt.Errorf("fetching blocks from height %d: %w", offset, err)
	}
	if len(blocks) == 0 {
		logger.Debug("no new blocks", zap.Uint64("offset", offset))
		return nil
	}

	var (
		total    shared.Amount
		credited []string
		seen     = make(map[string]struct{})
	)
	for _, block := range blocks {
		for _, tx := range block.Transactions {
			amount := s.eligibleAmount(tx)
			if amount == 0 {
				continue
			}
			if _, dup := seen[tx.Hash]; dup {
				continue
			}
			seen[tx.Hash] = struct{}{}
			processed, err := s.db.isProcessed(tx.Hash)
			if err != nil {
				return fmt.Errorf("deduplicating transaction %s: %w", tx.Hash, err)
			}
			if processed {
				logger.Debug("skipping already processed transaction", zap.String("hash", tx.Hash))
				continue
			}
			total += amount
			credited = append(credited, tx.Hash)
		}
	}

	first, last := blocks[0].ID, blocks[len(blocks)-1].ID
	if total > 0 {
		// Credit before committing the scan: a crediting failure
		// keeps the height where it was, so the income is picked up
		// again on the next interval instead of being dropped.
		if err := s.credit(ctx, total, first, last); err != nil {
			return err
		}
	} else {
		logger.Debug("no pool income in scanned blocks",
			zap.Uint64("first", first), zap.Uint64("last", last))
	}

	if err := s.db.commitScan(last, credited); err != nil {
		return fmt.Errorf("persisting scan to height %d: %w", last, err)
	}
	return nil
}

// credit splits the scanned income between the pool owner and the
// miners' score-weighted settlement.
func (s *Settlement) credit(ctx context.Context, total shared.Amount, first, last uint64) error {
	logger := logging.FromContext(ctx)

	ownerCut, minerShare := s.ledger.Config().MinerShare(total)
	blockRange := fmt.Sprintf("%d-%d", first, last)
	logger.Info("settling pool income",
		zap.String("block_range", blockRange),
		zap.Stringer("total", total),
		zap.Stringer("owner_cut", ownerCut),
		zap.Stringer("miner_share", minerShare))

	if err := s.ledger.CreditPoolOwner(ctx, ownerCut); err != nil {
		return fmt.Errorf("crediting pool owner: %w", err)
	}
	err := s.ledger.Settle(ctx, minerShare, blockRange)
	if errors.Is(err, ledger.ErrNoEligibleMiners) {
		// Income with no contributing miners stays with the owner.
		logger.Warn("no eligible miners, crediting remainder to pool owner")
		return s.ledger.CreditPoolOwner(ctx, minerShare)
	}
	return err
}

// eligibleAmount sums the transaction's outputs paying the pool wallet,
// excluding non-regular transactions and self-transfers.
func (s *Settlement) eligibleAmount(tx Transaction) shared.Amount {
	if tx.Type != "" && tx.Type != regularType {
		return 0
	}
	for _, input := range tx.Inputs {
		if input == s.poolWallet {
			return 0
		}
	}
	var amount shared.Amount
	for _, out := range tx.Outputs {
		if out.Address == s.poolWallet && out.Type == regularType {
			amount += out.Amount
		}
	}
	return amount
}

// Run executes settlement cycles on a fixed interval until ctx is
// canceled. A failed cycle is logged and retried on the next interval.
func (s *Settlement) Run(ctx context.Context) error {
	logger := logging.FromContext(ctx).Named("settlement")
	ctx = logging.NewContext(ctx, logger)

	ticker := time.NewTicker(s.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.Cycle(ctx); err != nil {
				logger.Warn("settlement cycle failed", zap.Error(err))
			}
		}
	}
}
