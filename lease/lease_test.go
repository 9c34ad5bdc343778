package lease_test

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/minermesh/minerpool/lease"
	"github.com/minermesh/minerpool/logging"
)

func testCtx(t *testing.T) context.Context {
	return logging.NewContext(context.Background(), zaptest.NewLogger(t))
}

type fakeMerger struct {
	calls int
	paths []string
	err   error
}

func (m *fakeMerger) MergeArtifacts(ctx context.Context, paths []string) (string, error) {
	m.calls++
	m.paths = paths
	if m.err != nil {
		return "", m.err
	}
	return "merged.bin", nil
}

type fakeScores struct {
	credits map[string]int
	err     error
}

func (s *fakeScores) CreditScore(ctx context.Context, wallet string, now time.Time) error {
	if s.err != nil {
		return s.err
	}
	if s.credits == nil {
		s.credits = map[string]int{}
	}
	s.credits[wallet]++
	return nil
}

type fakeRecorder struct {
	created []string
}

func (r *fakeRecorder) CreateRecord(ctx context.Context, artifactID string) error {
	r.created = append(r.created, artifactID)
	return nil
}

type acceptAll struct{}

func (acceptAll) Verify(ctx context.Context, taskHash, path string) error { return nil }

type env struct {
	manager  *lease.Manager
	merger   *fakeMerger
	scores   *fakeScores
	recorder *fakeRecorder
	spool    string
	now      time.Time
}

func newEnv(t *testing.T, opts ...lease.Option) *env {
	e := &env{
		merger:   &fakeMerger{},
		scores:   &fakeScores{},
		recorder: &fakeRecorder{},
		spool:    t.TempDir(),
		now:      time.Now(),
	}
	allOpts := append([]lease.Option{
		lease.WithNow(func() time.Time { return e.now }),
		lease.WithVerifier(acceptAll{}),
		lease.WithSpoolDir(e.spool),
	}, opts...)
	m, err := lease.New(testCtx(t), t.TempDir(), lease.DefaultConfig(),
		e.merger, e.scores, e.recorder, allOpts...)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	e.manager = m
	return e
}

// artifact writes a dummy artifact file and returns its path.
func (e *env) artifact(t *testing.T, jobID, name string) string {
	dir := filepath.Join(e.spool, jobID)
	require.NoError(t, os.MkdirAll(dir, 0o700))
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(name), 0o600))
	return path
}

func someTasks(n int) []lease.Task {
	tasks := make([]lease.Task, n)
	for i := range tasks {
		tasks[i] = lease.Task{
			Hash: string(rune('a' + i)),
			URL:  "http://shards.example/" + string(rune('a'+i)),
		}
	}
	return tasks
}

func TestRequestLeaseNoActiveJob(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	_, err := e.manager.RequestLease(testCtx(t), "wallet-1")
	require.ErrorIs(t, err, lease.ErrNoActiveJob)
}

func TestLeaseHandsOutEachTaskOnce(t *testing.T) {
	t.Parallel()
	req := require.New(t)
	ctx := testCtx(t)
	e := newEnv(t)

	req.NoError(e.manager.CreateJob(ctx, "job-1", someTasks(2)))

	first, err := e.manager.RequestLease(ctx, "wallet-1")
	req.NoError(err)
	second, err := e.manager.RequestLease(ctx, "wallet-2")
	req.NoError(err)
	req.NotEqual(first.Hash, second.Hash)
	req.Equal("job-1", first.JobID)

	// both tasks are leased and neither lease expired
	_, err = e.manager.RequestLease(ctx, "wallet-3")
	req.ErrorIs(err, lease.ErrNoTaskAvailable)
}

func TestExpiredLeaseIsReassigned(t *testing.T) {
	t.Parallel()
	req := require.New(t)
	ctx := testCtx(t)
	e := newEnv(t)

	req.NoError(e.manager.CreateJob(ctx, "job-1", someTasks(1)))

	first, err := e.manager.RequestLease(ctx, "wallet-1")
	req.NoError(err)

	// within the timeout the task stays with wallet-1
	e.now = e.now.Add(time.Minute)
	_, err = e.manager.RequestLease(ctx, "wallet-2")
	req.ErrorIs(err, lease.ErrNoTaskAvailable)

	e.now = e.now.Add(lease.DefaultConfig().LeaseTimeout)
	second, err := e.manager.RequestLease(ctx, "wallet-2")
	req.NoError(err)
	req.Equal(first.Hash, second.Hash)
}

func TestRecordGradient(t *testing.T) {
	t.Parallel()
	req := require.New(t)
	ctx := testCtx(t)
	e := newEnv(t)

	req.NoError(e.manager.CreateJob(ctx, "job-1", someTasks(2)))
	desc, err := e.manager.RequestLease(ctx, "wallet-1")
	req.NoError(err)

	path := e.artifact(t, "job-1", "grad-1.bin")
	req.NoError(e.manager.RecordGradient(ctx, desc.JobID, desc.Hash, "wallet-1", path))
	req.Equal(1, e.scores.credits["wallet-1"])

	// duplicate submission loses and its upload is discarded
	dup := e.artifact(t, "job-1", "grad-dup.bin")
	err = e.manager.RecordGradient(ctx, desc.JobID, desc.Hash, "wallet-2", dup)
	req.ErrorIs(err, lease.ErrAlreadyRecorded)
	req.NoFileExists(dup)
	req.Zero(e.scores.credits["wallet-2"])
}

func TestRecordGradientGuards(t *testing.T) {
	t.Parallel()
	req := require.New(t)
	ctx := testCtx(t)
	e := newEnv(t)

	req.NoError(e.manager.CreateJob(ctx, "job-1", someTasks(2)))

	// unknown task
	path := e.artifact(t, "job-1", "unknown.bin")
	err := e.manager.RecordGradient(ctx, "job-1", "zzz", "wallet-1", path)
	req.ErrorIs(err, lease.ErrNotFound)
	req.NoFileExists(path)

	// task exists but was never leased
	path = e.artifact(t, "job-1", "never.bin")
	err = e.manager.RecordGradient(ctx, "job-1", "a", "wallet-1", path)
	req.ErrorIs(err, lease.ErrNotDownloaded)
	req.NoFileExists(path)
}

func TestCorruptArtifactIsRejected(t *testing.T) {
	t.Parallel()
	req := require.New(t)
	ctx := testCtx(t)
	e := newEnv(t, lease.WithVerifier(lease.Sha256Verifier{}))

	content := []byte("gradient payload")
	digest := sha256.Sum256(content)
	hash := hex.EncodeToString(digest[:])

	req.NoError(e.manager.CreateJob(ctx, "job-1", []lease.Task{
		{Hash: hash, URL: "http://shards.example/0"},
	}))
	desc, err := e.manager.RequestLease(ctx, "wallet-1")
	req.NoError(err)

	// content not matching the task hash is discarded
	bad := e.artifact(t, "job-1", "bad.bin")
	err = e.manager.RecordGradient(ctx, desc.JobID, desc.Hash, "wallet-1", bad)
	req.ErrorIs(err, lease.ErrCorruptArtifact)
	req.NoFileExists(bad)

	good := filepath.Join(e.spool, "job-1", "good.bin")
	req.NoError(os.WriteFile(good, content, 0o600))
	req.NoError(e.manager.RecordGradient(ctx, desc.JobID, desc.Hash, "wallet-1", good))
}

func TestScoreCreditFailureKeepsArtifact(t *testing.T) {
	t.Parallel()
	req := require.New(t)
	e := newEnv(t)
	req.NoError(e.manager.CreateJob(testCtx(t), "job-1", someTasks(2)))
	desc, err := e.manager.RequestLease(testCtx(t), "wallet-1")
	req.NoError(err)

	e.scores.err = errors.New("scores store down")
	path := e.artifact(t, desc.JobID, "grad.bin")
	err = e.manager.RecordGradient(testCtx(t), desc.JobID, desc.Hash, "wallet-1", path)
	req.Error(err)

	// The gradient committed before crediting failed: the artifact must
	// stay on disk for the merge, and the task must not be replayable.
	req.FileExists(path)
	dup := e.artifact(t, desc.JobID, "grad-retry.bin")
	err = e.manager.RecordGradient(testCtx(t), desc.JobID, desc.Hash, "wallet-1", dup)
	req.ErrorIs(err, lease.ErrAlreadyRecorded)
	req.NoFileExists(dup)
	req.FileExists(path)
}

func TestJobCompletion(t *testing.T) {
	t.Parallel()
	req := require.New(t)
	ctx := testCtx(t)
	e := newEnv(t)

	req.NoError(e.manager.CreateJob(ctx, "job-1", someTasks(2)))

	for _, wallet := range []string{"wallet-1", "wallet-2"} {
		desc, err := e.manager.RequestLease(ctx, wallet)
		req.NoError(err)
		path := e.artifact(t, "job-1", wallet+".bin")
		req.NoError(e.manager.RecordGradient(ctx, desc.JobID, desc.Hash, wallet, path))
	}

	req.Equal(1, e.merger.calls)
	req.Len(e.merger.paths, 2)
	req.Equal([]string{"job-1"}, e.recorder.created)

	// the job is retired: pointer cleared, mining off, spool cleaned
	_, err := e.manager.RequestLease(ctx, "wallet-3")
	req.ErrorIs(err, lease.ErrNoActiveJob)
	req.NoDirExists(filepath.Join(e.spool, "job-1"))

	mining, err := e.manager.State().Mining()
	req.NoError(err)
	req.False(mining)
}

func TestMergeFailureKeepsJob(t *testing.T) {
	t.Parallel()
	req := require.New(t)
	ctx := testCtx(t)
	e := newEnv(t)
	e.merger.err = errors.New("merge backend down")

	req.NoError(e.manager.CreateJob(ctx, "job-1", someTasks(1)))
	desc, err := e.manager.RequestLease(ctx, "wallet-1")
	req.NoError(err)
	path := e.artifact(t, "job-1", "grad.bin")
	req.NoError(e.manager.RecordGradient(ctx, desc.JobID, desc.Hash, "wallet-1", path))

	// job stays in place for manual intervention
	req.Equal(1, e.merger.calls)
	req.Empty(e.recorder.created)
	jobID, err := e.manager.State().ActiveJob()
	req.NoError(err)
	req.Equal("job-1", jobID)
}
