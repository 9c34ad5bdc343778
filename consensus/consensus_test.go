package consensus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/minermesh/minerpool/logging"
)

func testCtx(t *testing.T) context.Context {
	return logging.NewContext(context.Background(), zaptest.NewLogger(t))
}

type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.now = c.now.Add(time.Second)
	return c.now
}

func newAccrual(t *testing.T, cfg Config) (*Accrual, *testClock) {
	clock := &testClock{now: time.Unix(1700000000, 0)}
	a, err := New(testCtx(t), t.TempDir(), cfg, WithNow(clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, a.Close()) })
	return a, clock
}

func TestCreateRecordIdempotent(t *testing.T) {
	t.Parallel()
	req := require.New(t)
	ctx := testCtx(t)
	a, _ := newAccrual(t, DefaultConfig())

	req.NoError(a.CreateRecord(ctx, "artifact-1"))
	req.NoError(a.Endorse(ctx, "artifact-1", "validator-1", 500))

	// re-creating keeps the accrued weight
	req.NoError(a.CreateRecord(ctx, "artifact-1"))
	pct, err := a.Percentage(ctx, "artifact-1")
	req.NoError(err)
	req.Equal(5.0, pct)
}

func TestEndorseDeduplicatesByWallet(t *testing.T) {
	t.Parallel()
	req := require.New(t)
	ctx := testCtx(t)
	a, _ := newAccrual(t, DefaultConfig())

	req.NoError(a.CreateRecord(ctx, "artifact-1"))
	req.NoError(a.Endorse(ctx, "artifact-1", "validator-1", 700))
	req.NoError(a.Endorse(ctx, "artifact-1", "validator-1", 700))
	req.NoError(a.Endorse(ctx, "artifact-1", "validator-2", 300))

	pct, err := a.Percentage(ctx, "artifact-1")
	req.NoError(err)
	req.Equal(10.0, pct)

	counted, err := a.HasEndorsed(ctx, "artifact-1", "validator-1")
	req.NoError(err)
	req.True(counted)

	counted, err = a.HasEndorsed(ctx, "artifact-1", "validator-3")
	req.NoError(err)
	req.False(counted)
}

func TestEndorseUnknownArtifact(t *testing.T) {
	t.Parallel()
	ctx := testCtx(t)
	a, _ := newAccrual(t, DefaultConfig())
	require.ErrorIs(t, a.Endorse(ctx, "ghost", "validator-1", 100), ErrNotFound)
}

func TestRetirementAtThreshold(t *testing.T) {
	t.Parallel()
	req := require.New(t)
	ctx := testCtx(t)
	a, _ := newAccrual(t, DefaultConfig())

	req.NoError(a.CreateRecord(ctx, "artifact-1"))
	req.NoError(a.Endorse(ctx, "artifact-1", "validator-1", 3000))
	req.NoError(a.Endorse(ctx, "artifact-1", "validator-2", 2100))

	// 51.00% accrued: the record is retired
	_, err := a.Percentage(ctx, "artifact-1")
	req.ErrorIs(err, ErrNotFound)
	_, err = a.SelectNextArtifactForValidation(ctx)
	req.ErrorIs(err, ErrNoRecords)
}

func TestSelectNextPrefersLowestWeight(t *testing.T) {
	t.Parallel()
	req := require.New(t)
	ctx := testCtx(t)
	a, _ := newAccrual(t, DefaultConfig())

	req.NoError(a.CreateRecord(ctx, "artifact-1"))
	req.NoError(a.CreateRecord(ctx, "artifact-2"))
	req.NoError(a.Endorse(ctx, "artifact-1", "validator-1", 1000))

	selected, err := a.SelectNextArtifactForValidation(ctx)
	req.NoError(err)
	req.Equal("artifact-2", selected)
}

func TestSelectNextCyclesThroughTies(t *testing.T) {
	t.Parallel()
	req := require.New(t)
	ctx := testCtx(t)
	a, _ := newAccrual(t, DefaultConfig())

	req.NoError(a.CreateRecord(ctx, "artifact-1"))
	req.NoError(a.CreateRecord(ctx, "artifact-2"))

	first, err := a.SelectNextArtifactForValidation(ctx)
	req.NoError(err)
	second, err := a.SelectNextArtifactForValidation(ctx)
	req.NoError(err)
	req.NotEqual(first, second)
}

func TestSelectNextLazilyRetires(t *testing.T) {
	t.Parallel()
	req := require.New(t)
	ctx := testCtx(t)

	cfg := DefaultConfig()
	a, _ := newAccrual(t, cfg)
	req.NoError(a.CreateRecord(ctx, "artifact-1"))
	req.NoError(a.CreateRecord(ctx, "artifact-2"))

	// push artifact-1 over the threshold behind the accrual's back
	err := a.db.mutateRecord("artifact-1", func(rec *Record) (*Record, error) {
		rec.Weight = cfg.RetirementThreshold * 100
		return rec, nil
	})
	req.NoError(err)

	selected, err := a.SelectNextArtifactForValidation(ctx)
	req.NoError(err)
	req.Equal("artifact-2", selected)

	_, err = a.Percentage(ctx, "artifact-1")
	req.ErrorIs(err, ErrNotFound)
}

type staticPeerSource struct {
	peers []RawPeer
	err   error
}

func (s *staticPeerSource) FetchPeers(ctx context.Context) ([]RawPeer, error) {
	return s.peers, s.err
}

func TestRegistryRefreshFilters(t *testing.T) {
	t.Parallel()
	req := require.New(t)
	ctx := testCtx(t)
	a, clock := newAccrual(t, DefaultConfig())

	now := clock.now
	source := &staticPeerSource{peers: []RawPeer{
		{Wallet: "validator-1", Endpoint: "10.0.0.1:5000", Weight: 7.5, LastPing: now},
		{Wallet: "underweight", Endpoint: "10.0.0.2:5000", Weight: 0.4, LastPing: now},
		{Wallet: "stale", Endpoint: "10.0.0.3:5000", Weight: 12, LastPing: now.Add(-5 * time.Hour)},
	}}
	registry := NewRegistry(a, source)

	req.NoError(registry.Refresh(ctx))
	peers, err := registry.Peers(ctx)
	req.NoError(err)
	req.Len(peers, 1)
	req.Equal("validator-1", peers[0].Wallet)
	req.Equal(int64(750), peers[0].Weight)

	// a later refresh fully replaces the snapshot
	source.peers = source.peers[:1]
	source.peers[0].LastPing = clock.now
	req.NoError(registry.Refresh(ctx))
	peers, err = registry.Peers(ctx)
	req.NoError(err)
	req.Len(peers, 1)
}

type staticPeerClient struct {
	endorse map[string]bool
}

func (c *staticPeerClient) RequestValidation(ctx context.Context, peer ValidatorPeer, artifactID string) (*Endorsement, error) {
	if !c.endorse[peer.Wallet] {
		return nil, nil
	}
	return &Endorsement{ArtifactID: artifactID, ValidatorWallet: peer.Wallet}, nil
}

func TestDialerAppliesEndorsements(t *testing.T) {
	t.Parallel()
	req := require.New(t)
	ctx := testCtx(t)
	a, clock := newAccrual(t, DefaultConfig())

	req.NoError(a.CreateRecord(ctx, "artifact-1"))

	source := &staticPeerSource{peers: []RawPeer{
		{Wallet: "validator-1", Endpoint: "10.0.0.1:5000", Weight: 10, LastPing: clock.now},
		{Wallet: "validator-2", Endpoint: "10.0.0.2:5000", Weight: 20, LastPing: clock.now},
	}}
	registry := NewRegistry(a, source)
	req.NoError(registry.Refresh(ctx))

	dialer := NewDialer(a, registry, &staticPeerClient{endorse: map[string]bool{"validator-1": true}})
	req.NoError(dialer.dialOnce(ctx))

	pct, err := a.Percentage(ctx, "artifact-1")
	req.NoError(err)
	req.Equal(10.0, pct)

	// validator-1 is already counted; a second round adds nothing
	req.NoError(dialer.dialOnce(ctx))
	pct, err = a.Percentage(ctx, "artifact-1")
	req.NoError(err)
	req.Equal(10.0, pct)
}
