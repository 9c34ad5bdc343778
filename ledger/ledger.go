package ledger

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/syndtr/goleveldb/leveldb"
	"go.uber.org/zap"

	"github.com/minermesh/minerpool/logging"
	"github.com/minermesh/minerpool/shared"
)

var (
	ErrNoEligibleMiners       = errors.New("no miner has a positive score")
	ErrInvalidAmount          = errors.New("invalid amount")
	ErrInsufficientBalance    = errors.New("insufficient balance")
	ErrAccountNotFound        = errors.New("account not found")
	ErrPoolOwnerUninitialized = errors.New("pool owner account not initialized")
)

// Ledger keeps miner and pool-owner balances and applies score-weighted
// reward settlements. Balances never go negative; every mutation runs in
// a serializing store transaction.
type Ledger struct {
	cfg          Config
	db           *database
	rewardWallet string
	nowFn        func() time.Time
}

type newLedgerOptionFunc func(*Ledger)

// WithNow overrides the clock, for tests.
func WithNow(now func() time.Time) newLedgerOptionFunc {
	return func(l *Ledger) {
		l.nowFn = now
	}
}

// New opens the account ledger. rewardWallet is the wallet the pool
// owner account is bound to on first use.
func New(ctx context.Context, dbdir string, cfg Config, rewardWallet string, opts ...newLedgerOptionFunc) (*Ledger, error) {
	db, err := newDatabase(filepath.Join(dbdir, "accounts"))
	if err != nil {
		return nil, fmt.Errorf("opening accounts database: %w", err)
	}
	l := &Ledger{
		cfg:          cfg,
		db:           db,
		rewardWallet: rewardWallet,
		nowFn:        time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

func (l *Ledger) Close() error {
	return l.db.Close()
}

// Config returns the ledger's effective configuration.
func (l *Ledger) Config() Config {
	return l.cfg
}

// CreditScore adds one to the wallet's pending score, creating the
// account on first contact. Implements lease.ScoreKeeper.
func (l *Ledger) CreditScore(ctx context.Context, wallet string, now time.Time) error {
	return l.db.mutateMiner(wallet, func(acc *MinerAccount) (*MinerAccount, error) {
		if acc == nil {
			acc = &MinerAccount{Wallet: wallet}
		}
		acc.Score++
		acc.LastActive = now.UnixNano()
		return acc, nil
	})
}

// Settle distributes total across all miners with a positive score,
// proportionally to score, and resets scores to zero. Each account is
// persisted individually: a failure on one account is logged and does
// not roll back the others. An audit record keyed by blockRange is
// written with whatever was applied.
func (l *Ledger) Settle(ctx context.Context, total shared.Amount, blockRange string) error {
	logger := logging.FromContext(ctx)

	accounts, err := l.db.miners()
	if err != nil {
		return fmt.Errorf("listing miner accounts: %w", err)
	}
	var eligible []MinerAccount
	var totalScore int64
	for _, acc := range accounts {
		if acc.Score > 0 {
			eligible = append(eligible, acc)
			totalScore += acc.Score
		}
	}
	if totalScore == 0 {
		return ErrNoEligibleMiners
	}

	audit := &SettlementAudit{BlockRange: blockRange}
	var merr *multierror.Error
	for _, acc := range eligible {
		share := total.Fraction(acc.Score, totalScore)
		entry := AuditEntry{Wallet: acc.Wallet, Score: acc.Score}
		err := l.db.mutateMiner(acc.Wallet, func(cur *MinerAccount) (*MinerAccount, error) {
			if cur == nil {
				return nil, ErrAccountNotFound
			}
			entry.PreviousBalance = cur.Balance
			cur.Balance += share
			cur.Score = 0
			entry.Share = share
			entry.NewBalance = cur.Balance
			return cur, nil
		})
		if err != nil {
			logger.Error("failed to settle miner account",
				zap.String("wallet", acc.Wallet), zap.Error(err))
			merr = multierror.Append(merr, fmt.Errorf("settling %s: %w", acc.Wallet, err))
			continue
		}
		audit.Entries = append(audit.Entries, entry)
	}

	if err := l.db.putAudit(audit); err != nil {
		logger.Error("failed to store settlement audit", zap.Error(err))
		merr = multierror.Append(merr, err)
	}
	logger.Info("settlement applied",
		zap.String("block_range", blockRange),
		zap.Stringer("total", total),
		zap.Int("miners", len(audit.Entries)))
	return merr.ErrorOrNil()
}

// CreditPoolOwner adds amount to the pool owner's balance, initializing
// the account with the configured reward wallet on first use.
func (l *Ledger) CreditPoolOwner(ctx context.Context, amount shared.Amount) error {
	return l.db.mutateOwner(func(owner *PoolOwnerAccount) (*PoolOwnerAccount, error) {
		if owner == nil {
			owner = &PoolOwnerAccount{Wallet: l.rewardWallet}
		}
		owner.Balance += amount
		owner.LastSettlement = l.nowFn().UnixNano()
		return owner, nil
	})
}

func validateDeduction(amount shared.Amount) error {
	if amount < shared.MinDeduction {
		return ErrInvalidAmount
	}
	return nil
}

// DeductBalance withdraws amount from the wallet's balance and returns
// the deducted amount. Amounts below 0.001 are rejected; callers parse
// client input through shared.FromFloat, which enforces the 8-decimal
// limit.
func (l *Ledger) DeductBalance(ctx context.Context, wallet string, amount shared.Amount) (shared.Amount, error) {
	if err := validateDeduction(amount); err != nil {
		return 0, err
	}
	err := l.db.mutateMiner(wallet, func(acc *MinerAccount) (*MinerAccount, error) {
		if acc == nil {
			return nil, ErrAccountNotFound
		}
		if acc.Balance < shared.MinDeduction || acc.Balance < amount {
			return nil, ErrInsufficientBalance
		}
		acc.Balance -= amount
		return acc, nil
	})
	if err != nil {
		return 0, err
	}
	return amount, nil
}

// DeductPoolOwnerBalance withdraws amount from the pool owner account,
// returning the deducted amount and the owner wallet it belongs to.
func (l *Ledger) DeductPoolOwnerBalance(ctx context.Context, amount shared.Amount) (shared.Amount, string, error) {
	if err := validateDeduction(amount); err != nil {
		return 0, "", err
	}
	var wallet string
	err := l.db.mutateOwner(func(owner *PoolOwnerAccount) (*PoolOwnerAccount, error) {
		if owner == nil {
			return nil, ErrPoolOwnerUninitialized
		}
		if owner.Balance < shared.MinDeduction || owner.Balance < amount {
			return nil, ErrInsufficientBalance
		}
		owner.Balance -= amount
		wallet = owner.Wallet
		return owner, nil
	})
	if err != nil {
		return 0, "", err
	}
	return amount, wallet, nil
}

// GetBalance returns the wallet's current balance.
func (l *Ledger) GetBalance(ctx context.Context, wallet string) (shared.Amount, error) {
	acc, err := l.db.getMiner(wallet)
	switch {
	case errors.Is(err, leveldb.ErrNotFound):
		return 0, ErrAccountNotFound
	case err != nil:
		return 0, err
	}
	return acc.Balance, nil
}

// GetPoolOwnerBalance returns the pool owner's current balance.
func (l *Ledger) GetPoolOwnerBalance(ctx context.Context) (shared.Amount, error) {
	owner, err := l.db.getOwner()
	switch {
	case errors.Is(err, leveldb.ErrNotFound):
		return 0, ErrPoolOwnerUninitialized
	case err != nil:
		return 0, err
	}
	return owner.Balance, nil
}

// IsActive reports whether the wallet submitted within the activity
// window.
func (l *Ledger) IsActive(ctx context.Context, wallet string) (bool, error) {
	acc, err := l.db.getMiner(wallet)
	switch {
	case errors.Is(err, leveldb.ErrNotFound):
		return false, ErrAccountNotFound
	case err != nil:
		return false, err
	}
	return l.nowFn().Sub(time.Unix(0, acc.LastActive)) < l.cfg.ActivityWindow, nil
}

// SettlementHistory returns the audit record for a settled block range.
func (l *Ledger) SettlementHistory(ctx context.Context, blockRange string) (*SettlementAudit, error) {
	audit, err := l.db.getAudit(blockRange)
	switch {
	case errors.Is(err, leveldb.ErrNotFound):
		return nil, ErrAccountNotFound
	case err != nil:
		return nil, err
	}
	return audit, nil
}

// MinerShare returns the fraction of total income distributed to miners
// after the pool owner's cut.
func (c Config) MinerShare(total shared.Amount) (owner, miners shared.Amount) {
	owner = total.Fraction(c.PoolOwnerShare, 100)
	return owner, total - owner
}
