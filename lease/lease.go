package lease

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/syndtr/goleveldb/leveldb"
	"go.uber.org/zap"

	"github.com/minermesh/minerpool/logging"
)

var (
	ErrNotFound        = errors.New("job or task not found")
	ErrAlreadyRecorded = errors.New("gradient already recorded for this task")
	ErrNotDownloaded   = errors.New("task was never downloaded")
	ErrCorruptArtifact = errors.New("artifact failed validation")
	ErrNoActiveJob     = errors.New("no job is currently active")
	ErrNoTaskAvailable = errors.New("no task available")

	leasedTasksMetric = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "minerpool",
		Subsystem: "lease",
		Name:      "leased_tasks_total",
		Help:      "Number of task leases handed out",
	})
	gradientsMetric = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "minerpool",
		Subsystem: "lease",
		Name:      "gradients_total",
		Help:      "Number of accepted gradient submissions",
	})
	completedJobsMetric = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "minerpool",
		Subsystem: "lease",
		Name:      "completed_jobs_total",
		Help:      "Number of jobs merged and retired",
	})
)

// ArtifactVerifier validates a submitted gradient artifact before it is
// accepted. The default implementation checks the file content against
// the task's content hash.
type ArtifactVerifier interface {
	Verify(ctx context.Context, taskHash, path string) error
}

// Merger combines the artifacts of a completed job into one merged
// artifact. The merge computation itself is external to the pool.
type Merger interface {
	MergeArtifacts(ctx context.Context, paths []string) (mergedPath string, err error)
}

// JobSource hands out the next job to mine when the pool runs dry.
// The upstream transport is external; implementations return the parsed
// shard manifest.
type JobSource interface {
	NextJob(ctx context.Context) (jobID string, tasks []Task, err error)
}

// ScoreKeeper credits a miner for an accepted gradient.
type ScoreKeeper interface {
	CreditScore(ctx context.Context, wallet string, now time.Time) error
}

// ConsensusRecorder opens a consensus record for a freshly merged artifact.
type ConsensusRecorder interface {
	CreateRecord(ctx context.Context, artifactID string) error
}

// Descriptor is the reply to a granted lease request.
type Descriptor struct {
	JobID string `json:"job_id"`
	Hash  string `json:"hash"`
	URL   string `json:"url"`
}

// Manager owns job creation, task leasing, gradient collection and
// completion detection. It is the single writer of the active-job
// pointer and the mining flag.
type Manager struct {
	cfg   Config
	db    *database
	state *ActiveState

	verifier ArtifactVerifier
	merger   Merger
	scores   ScoreKeeper
	records  ConsensusRecorder
	source   JobSource

	spoolDir string
	nowFn    func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithNow overrides the clock, for tests.
func WithNow(now func() time.Time) Option {
	return func(m *Manager) {
		m.nowFn = now
	}
}

// WithVerifier replaces the default content-hash artifact verifier.
func WithVerifier(v ArtifactVerifier) Option {
	return func(m *Manager) {
		m.verifier = v
	}
}

// WithJobSource enables the background job poll against the given source.
func WithJobSource(s JobSource) Option {
	return func(m *Manager) {
		m.source = s
	}
}

// WithSpoolDir sets the directory holding per-job uploaded artifacts;
// a job's subdirectory is removed when the job retires.
func WithSpoolDir(dir string) Option {
	return func(m *Manager) {
		m.spoolDir = dir
	}
}

func New(
	ctx context.Context,
	dbdir string,
	cfg Config,
	merger Merger,
	scores ScoreKeeper,
	records ConsensusRecorder,
	opts ...Option,
) (*Manager, error) {
	db, err := newDatabase(filepath.Join(dbdir, "jobs"))
	if err != nil {
		return nil, fmt.Errorf("opening jobs database: %w", err)
	}
	m := &Manager{
		cfg:      cfg,
		db:       db,
		state:    newActiveState(db),
		verifier: Sha256Verifier{},
		merger:   merger,
		scores:   scores,
		records:  records,
		nowFn:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

func (m *Manager) Close() error {
	return m.db.Close()
}

// State exposes read access to the active-job pointer and mining flag.
func (m *Manager) State() *ActiveState {
	return m.state
}

// CreateJob inserts the tasks of a new job, points the pool at it and
// turns mining on. Re-creating an existing (job, hash) pair overwrites it.
func (m *Manager) CreateJob(ctx context.Context, jobID string, tasks []Task) error {
	if err := m.db.PutTasks(jobID, tasks); err != nil {
		return fmt.Errorf("creating job %s: %w", jobID, err)
	}
	if err := m.state.setActiveJob(jobID); err != nil {
		return fmt.Errorf("activating job %s: %w", jobID, err)
	}
	if err := m.state.setMining(true); err != nil {
		return fmt.Errorf("enabling mining: %w", err)
	}
	logging.FromContext(ctx).Info("job created", zap.String("job", jobID), zap.Int("tasks", len(tasks)))
	return nil
}

// RequestLease hands the wallet the first available task of the active
// job. When every task already has a gradient, mining is switched off
// and ErrNoTaskAvailable is returned.
func (m *Manager) RequestLease(ctx context.Context, wallet string) (*Descriptor, error) {
	mining, err := m.state.Mining()
	if err != nil {
		return nil, fmt.Errorf("reading mining flag: %w", err)
	}
	jobID, err := m.state.ActiveJob()
	if err != nil {
		return nil, fmt.Errorf("reading active job: %w", err)
	}
	if !mining || jobID == "" {
		return nil, ErrNoActiveJob
	}

	task, allDone, err := m.db.LeaseNext(ctx, jobID, wallet, m.nowFn(), m.cfg.LeaseTimeout)
	switch {
	case err != nil:
		return nil, fmt.Errorf("leasing task in job %s: %w", jobID, err)
	case allDone:
		if err := m.state.setMining(false); err != nil {
			logging.FromContext(ctx).Error("failed to disable mining", zap.Error(err))
		}
		return nil, ErrNoTaskAvailable
	case task == nil:
		return nil, ErrNoTaskAvailable
	}
	leasedTasksMetric.Inc()
	logging.FromContext(ctx).Debug("task leased",
		zap.String("job", jobID), zap.String("hash", task.Hash), zap.String("wallet", wallet))
	return &Descriptor{JobID: jobID, Hash: task.Hash, URL: task.URL}, nil
}

// RecordGradient accepts a submitted artifact for a task. Every failure
// deletes the uploaded file. On success the miner's score is credited
// and, when this was the job's last missing gradient, the job is merged
// and retired.
func (m *Manager) RecordGradient(ctx context.Context, jobID, hash, wallet, artifactPath string) error {
	logger := logging.FromContext(ctx).With(zap.String("job", jobID), zap.String("hash", hash))

	task, err := m.db.GetTask(jobID, hash)
	switch {
	case errors.Is(err, leveldb.ErrNotFound):
		m.discardArtifact(ctx, artifactPath)
		return ErrNotFound
	case err != nil:
		m.discardArtifact(ctx, artifactPath)
		return fmt.Errorf("loading task: %w", err)
	}
	if task.Gradient != 0 {
		m.discardArtifact(ctx, artifactPath)
		return ErrAlreadyRecorded
	}
	if !task.Downloaded {
		m.discardArtifact(ctx, artifactPath)
		return ErrNotDownloaded
	}

	if err := m.verifier.Verify(ctx, hash, artifactPath); err != nil {
		m.discardArtifact(ctx, artifactPath)
		return fmt.Errorf("%w: %v", ErrCorruptArtifact, err)
	}

	if err := m.db.recordGradient(ctx, jobID, hash, artifactPath); err != nil {
		m.discardArtifact(ctx, artifactPath)
		return err
	}
	if err := m.scores.CreditScore(ctx, wallet, m.nowFn()); err != nil {
		// The gradient is committed; the artifact must survive so the
		// merge still has its input.
		logger.Error("crediting score failed for committed gradient",
			zap.String("wallet", wallet), zap.Error(err))
		return fmt.Errorf("crediting score for %s: %w", wallet, err)
	}
	gradientsMetric.Inc()
	logger.Info("gradient recorded", zap.String("wallet", wallet))

	done, err := m.db.AllGradientsPresent(jobID)
	if err != nil {
		logger.Error("completion check failed", zap.Error(err))
		return nil
	}
	if done {
		m.complete(ctx, jobID)
	}
	return nil
}

// complete merges a finished job and retires it. A merge failure is
// fatal for the job: it is logged and the job stays in place for manual
// intervention.
func (m *Manager) complete(ctx context.Context, jobID string) {
	logger := logging.FromContext(ctx).With(zap.String("job", jobID))

	tasks, err := m.db.Tasks(jobID)
	if err != nil {
		logger.Error("failed to load tasks for merge", zap.Error(err))
		return
	}
	paths := make([]string, 0, len(tasks))
	for _, t := range tasks {
		paths = append(paths, t.Location)
	}

	mergedPath, err := m.merger.MergeArtifacts(ctx, paths)
	if err != nil {
		logger.Error("artifact merge failed, job left for manual intervention", zap.Error(err))
		return
	}

	if err := m.db.DeleteJob(jobID); err != nil {
		logger.Error("failed to delete merged job", zap.Error(err))
	}
	if err := m.state.clearActiveJob(); err != nil {
		logger.Error("failed to clear active job pointer", zap.Error(err))
	}
	if err := m.state.setMining(false); err != nil {
		logger.Error("failed to disable mining", zap.Error(err))
	}
	if err := m.records.CreateRecord(ctx, jobID); err != nil {
		logger.Error("failed to create consensus record", zap.Error(err))
	}
	if m.spoolDir != "" {
		if err := os.RemoveAll(filepath.Join(m.spoolDir, jobID)); err != nil {
			logger.Warn("failed to clean job spool directory", zap.Error(err))
		}
	}
	completedJobsMetric.Inc()
	logger.Info("job merged and retired", zap.String("artifact", mergedPath))
}

func (m *Manager) discardArtifact(ctx context.Context, path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		logging.FromContext(ctx).Warn("failed to delete rejected artifact",
			zap.String("path", path), zap.Error(err))
	}
}

// Run polls the job source whenever mining is off and no job is active.
// It returns when ctx is canceled.
func (m *Manager) Run(ctx context.Context) error {
	if m.source == nil {
		<-ctx.Done()
		return nil
	}
	logger := logging.FromContext(ctx).Named("jobsource")
	ctx = logging.NewContext(ctx, logger)

	ticker := time.NewTicker(m.cfg.JobPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := m.pollJobSource(ctx); err != nil {
				logger.Warn("job poll failed", zap.Error(err))
			}
		}
	}
}

func (m *Manager) pollJobSource(ctx context.Context) error {
	mining, err := m.state.Mining()
	if err != nil {
		return err
	}
	if mining {
		return nil
	}
	jobID, tasks, err := m.source.NextJob(ctx)
	if err != nil {
		return fmt.Errorf("fetching next job: %w", err)
	}
	if jobID == "" || len(tasks) == 0 {
		return nil
	}
	return m.CreateJob(ctx, jobID, tasks)
}
