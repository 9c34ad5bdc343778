package settlement_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/minermesh/minerpool/ledger"
	"github.com/minermesh/minerpool/logging"
	"github.com/minermesh/minerpool/settlement"
	"github.com/minermesh/minerpool/shared"
)

const poolWallet = "pool-wallet"

func testCtx(t *testing.T) context.Context {
	return logging.NewContext(context.Background(), zaptest.NewLogger(t))
}

type fakeChain struct {
	blocks  []settlement.Block
	fetched []uint64
}

func (c *fakeChain) FetchBlocks(ctx context.Context, offset uint64, limit int) ([]settlement.Block, error) {
	c.fetched = append(c.fetched, offset)
	var page []settlement.Block
	for _, b := range c.blocks {
		if b.ID >= offset && len(page) < limit {
			page = append(page, b)
		}
	}
	return page, nil
}

func tokens(v int64) shared.Amount {
	return shared.Amount(v * shared.UnitsPerToken)
}

func incomeTx(hash string, amount shared.Amount) settlement.Transaction {
	return settlement.Transaction{
		Hash: hash,
		Type: "REGULAR",
		Outputs: []settlement.TxOutput{
			{Address: poolWallet, Type: "REGULAR", Amount: amount},
			{Address: "someone-else", Type: "REGULAR", Amount: tokens(3)},
		},
	}
}

type env struct {
	settlement *settlement.Settlement
	ledger     *ledger.Ledger
	chain      *fakeChain
}

func newEnv(t *testing.T, blocks []settlement.Block) *env {
	ctx := testCtx(t)
	dir := t.TempDir()

	l, err := ledger.New(ctx, dir, ledger.DefaultConfig(), "reward-wallet")
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, l.Close()) })

	chain := &fakeChain{blocks: blocks}
	s, err := settlement.New(ctx, dir, settlement.DefaultConfig(), chain, l, poolWallet)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, s.Close()) })

	return &env{settlement: s, ledger: l, chain: chain}
}

func TestCycleSplitsIncome(t *testing.T) {
	t.Parallel()
	req := require.New(t)
	ctx := testCtx(t)
	e := newEnv(t, []settlement.Block{
		{ID: 500, Transactions: []settlement.Transaction{incomeTx("tx-1", tokens(60))}},
		{ID: 501, Transactions: []settlement.Transaction{incomeTx("tx-2", tokens(40))}},
	})

	req.NoError(e.ledger.CreditScore(ctx, "miner-1", time.Now()))

	req.NoError(e.settlement.Cycle(ctx))

	// 18% to the owner, 82% across miners
	owner, err := e.ledger.GetPoolOwnerBalance(ctx)
	req.NoError(err)
	req.Equal(tokens(18), owner)

	miner, err := e.ledger.GetBalance(ctx, "miner-1")
	req.NoError(err)
	req.Equal(tokens(82), miner)

	audit, err := e.ledger.SettlementHistory(ctx, "500-501")
	req.NoError(err)
	req.Len(audit.Entries, 1)
}

func TestCycleResumesFromPersistedHeight(t *testing.T) {
	t.Parallel()
	req := require.New(t)
	ctx := testCtx(t)
	e := newEnv(t, []settlement.Block{
		{ID: 500, Transactions: []settlement.Transaction{incomeTx("tx-1", tokens(10))}},
	})
	req.NoError(e.ledger.CreditScore(ctx, "miner-1", time.Now()))

	req.NoError(e.settlement.Cycle(ctx))
	req.Equal([]uint64{500}, e.chain.fetched)

	e.chain.blocks = append(e.chain.blocks, settlement.Block{
		ID:           501,
		Transactions: []settlement.Transaction{incomeTx("tx-2", tokens(10))},
	})
	req.NoError(e.settlement.Cycle(ctx))
	req.Equal([]uint64{500, 501}, e.chain.fetched)
}

func TestCycleSkipsProcessedTransactions(t *testing.T) {
	t.Parallel()
	req := require.New(t)
	ctx := testCtx(t)

	// the same transaction shows up again in a later fetch window
	tx := incomeTx("tx-1", tokens(10))
	e := newEnv(t, []settlement.Block{
		{ID: 500, Transactions: []settlement.Transaction{tx}},
		{ID: 501, Transactions: []settlement.Transaction{tx}},
	})
	req.NoError(e.ledger.CreditScore(ctx, "miner-1", time.Now()))

	req.NoError(e.settlement.Cycle(ctx))

	owner, err := e.ledger.GetPoolOwnerBalance(ctx)
	req.NoError(err)
	req.Equal(tokens(10).Fraction(18, 100), owner)
}

func TestCycleIgnoresIneligibleTransactions(t *testing.T) {
	t.Parallel()
	req := require.New(t)
	ctx := testCtx(t)

	selfTransfer := settlement.Transaction{
		Hash:   "tx-self",
		Type:   "REGULAR",
		Inputs: []string{poolWallet},
		Outputs: []settlement.TxOutput{
			{Address: poolWallet, Type: "REGULAR", Amount: tokens(5)},
		},
	}
	coinbase := settlement.Transaction{
		Hash: "tx-coinbase",
		Type: "COINBASE",
		Outputs: []settlement.TxOutput{
			{Address: poolWallet, Type: "REGULAR", Amount: tokens(7)},
		},
	}
	e := newEnv(t, []settlement.Block{
		{ID: 500, Transactions: []settlement.Transaction{selfTransfer, coinbase}},
	})

	req.NoError(e.settlement.Cycle(ctx))

	_, err := e.ledger.GetPoolOwnerBalance(ctx)
	req.ErrorIs(err, ledger.ErrPoolOwnerUninitialized)
}

func TestCycleRetriesIncomeAfterCreditFailure(t *testing.T) {
	t.Parallel()
	req := require.New(t)
	ctx := testCtx(t)
	dir := t.TempDir()

	broken, err := ledger.New(ctx, filepath.Join(dir, "broken"), ledger.DefaultConfig(), "reward-wallet")
	req.NoError(err)
	req.NoError(broken.Close()) // every credit now fails

	chain := &fakeChain{blocks: []settlement.Block{
		{ID: 500, Transactions: []settlement.Transaction{incomeTx("tx-1", tokens(100))}},
	}}
	s, err := settlement.New(ctx, dir, settlement.DefaultConfig(), chain, broken, poolWallet)
	req.NoError(err)
	req.Error(s.Cycle(ctx))
	req.NoError(s.Close())

	// The failed cycle committed nothing: the next one rescans the same
	// blocks and the income is credited after all.
	l, err := ledger.New(ctx, filepath.Join(dir, "healthy"), ledger.DefaultConfig(), "reward-wallet")
	req.NoError(err)
	t.Cleanup(func() { require.NoError(t, l.Close()) })
	s2, err := settlement.New(ctx, dir, settlement.DefaultConfig(), chain, l, poolWallet)
	req.NoError(err)
	t.Cleanup(func() { require.NoError(t, s2.Close()) })

	req.NoError(s2.Cycle(ctx))
	req.Equal([]uint64{500, 500}, chain.fetched)

	owner, err := l.GetPoolOwnerBalance(ctx)
	req.NoError(err)
	req.Equal(tokens(100), owner)
}

func TestCycleWithoutMinersCreditsOwner(t *testing.T) {
	t.Parallel()
	req := require.New(t)
	ctx := testCtx(t)
	e := newEnv(t, []settlement.Block{
		{ID: 500, Transactions: []settlement.Transaction{incomeTx("tx-1", tokens(100))}},
	})

	req.NoError(e.settlement.Cycle(ctx))

	owner, err := e.ledger.GetPoolOwnerBalance(ctx)
	req.NoError(err)
	req.Equal(tokens(100), owner)
}
