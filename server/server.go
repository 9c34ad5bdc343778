package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/minermesh/minerpool/config"
	"github.com/minermesh/minerpool/consensus"
	"github.com/minermesh/minerpool/lease"
	"github.com/minermesh/minerpool/ledger"
	"github.com/minermesh/minerpool/logging"
	"github.com/minermesh/minerpool/payout"
	"github.com/minermesh/minerpool/pool"
	"github.com/minermesh/minerpool/settlement"
)

// Externals groups the collaborators whose transports live outside this
// process: the artifact merger, payout submission, chain access and
// validator calls. All are required except JobSource and PeerSource.
type Externals struct {
	Merger       lease.Merger
	Submitter    payout.Submitter
	BlockFetcher settlement.BlockFetcher
	PeerClient   consensus.PeerClient

	// JobSource, when set, lets the pool pull new jobs on its own
	// whenever mining is idle.
	JobSource lease.JobSource
	// PeerSource overrides the default HTTP registry configured via
	// the registry URL.
	PeerSource consensus.PeerSource
}

// Server owns every pool component and supervises their run loops.
type Server struct {
	cfg *config.Config

	ledger     *ledger.Ledger
	leases     *lease.Manager
	payouts    *payout.Pipeline
	accrual    *consensus.Accrual
	registry   *consensus.Registry
	dialer     *consensus.Dialer
	settlement *settlement.Settlement
	pool       *pool.Server

	poolListener    net.Listener
	metricsListener net.Listener
}

func New(ctx context.Context, cfg *config.Config, ext Externals) (*Server, error) {
	if cfg.PoolWallet == "" || cfg.RewardWallet == "" {
		return nil, errors.New("pool-wallet and reward-wallet must be configured")
	}

	poolListener, err := net.Listen(cfg.PoolListener.Network(), cfg.PoolListener.String())
	if err != nil {
		return nil, fmt.Errorf("failed to listen: %w", err)
	}
	var metricsListener net.Listener
	if cfg.MetricsListener != nil {
		metricsListener, err = net.Listen(cfg.MetricsListener.Network(), cfg.MetricsListener.String())
		if err != nil {
			return nil, fmt.Errorf("failed to listen for metrics: %w", err)
		}
	}

	for _, dir := range []string{cfg.DataDir, cfg.SpoolDir} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, err
		}
	}

	ldg, err := ledger.New(ctx, cfg.DataDir, *cfg.Ledger, cfg.RewardWallet)
	if err != nil {
		return nil, fmt.Errorf("creating ledger: %w", err)
	}

	accrual, err := consensus.New(ctx, cfg.DataDir, *cfg.Consensus)
	if err != nil {
		return nil, fmt.Errorf("creating consensus accrual: %w", err)
	}

	leases, err := lease.New(ctx, cfg.DataDir, *cfg.Lease, ext.Merger, ldg, accrual,
		lease.WithSpoolDir(cfg.SpoolDir), lease.WithJobSource(ext.JobSource))
	if err != nil {
		return nil, fmt.Errorf("creating lease manager: %w", err)
	}

	payouts, err := payout.New(ctx, cfg.DataDir, *cfg.Payout, ext.Submitter)
	if err != nil {
		return nil, fmt.Errorf("creating payout pipeline: %w", err)
	}

	stl, err := settlement.New(ctx, cfg.DataDir, *cfg.Settlement, ext.BlockFetcher, ldg, cfg.PoolWallet)
	if err != nil {
		return nil, fmt.Errorf("creating settlement scanner: %w", err)
	}

	peerSource := ext.PeerSource
	if peerSource == nil && cfg.RegistryURL != "" {
		peerSource = &consensus.HTTPPeerSource{URL: cfg.RegistryURL}
	}
	var registry *consensus.Registry
	var dialer *consensus.Dialer
	if peerSource != nil {
		registry = consensus.NewRegistry(accrual, peerSource)
		if ext.PeerClient != nil {
			dialer = consensus.NewDialer(accrual, registry, ext.PeerClient)
		}
	}

	handler, err := pool.NewHandler(*cfg.Pool, leases, cfg.SpoolDir)
	if err != nil {
		return nil, fmt.Errorf("creating pool handler: %w", err)
	}

	return &Server{
		cfg:             cfg,
		ledger:          ldg,
		leases:          leases,
		payouts:         payouts,
		accrual:         accrual,
		registry:        registry,
		dialer:          dialer,
		settlement:      stl,
		pool:            pool.NewServer(handler),
		poolListener:    poolListener,
		metricsListener: metricsListener,
	}, nil
}

func (s *Server) Close() error {
	var result *multierror.Error
	result = multierror.Append(result, s.leases.Close())
	result = multierror.Append(result, s.payouts.Close())
	result = multierror.Append(result, s.settlement.Close())
	result = multierror.Append(result, s.accrual.Close())
	result = multierror.Append(result, s.ledger.Close())
	return result.ErrorOrNil()
}

// Ledger exposes the balance ledger, for the operator surface.
func (s *Server) Ledger() *ledger.Ledger {
	return s.ledger
}

// Payouts exposes the payout pipeline, for the operator surface.
func (s *Server) Payouts() *payout.Pipeline {
	return s.payouts
}

// Leases exposes the task lease manager.
func (s *Server) Leases() *lease.Manager {
	return s.leases
}

// PoolAddr returns the address the miner protocol is listening on.
func (s *Server) PoolAddr() net.Addr {
	return s.poolListener.Addr()
}

// Start runs every component until ctx is canceled, then shuts down
// gracefully.
func (s *Server) Start(ctx context.Context) error {
	ctx, stop := context.WithCancel(ctx)
	defer stop()
	serverGroup, ctx := errgroup.WithContext(ctx)

	logger := logging.FromContext(ctx)

	logger.Info("starting lease manager")
	serverGroup.Go(func() error {
		return s.leases.Run(ctx)
	})

	logger.Info("starting payout pipeline")
	serverGroup.Go(func() error {
		return s.payouts.Run(ctx)
	})

	logger.Info("starting settlement scanner")
	serverGroup.Go(func() error {
		return s.settlement.Run(ctx)
	})

	if s.registry != nil {
		logger.Info("starting validator registry")
		serverGroup.Go(func() error {
			return s.registry.Run(ctx)
		})
	}
	if s.dialer != nil {
		logger.Info("starting consensus dialer")
		serverGroup.Go(func() error {
			return s.dialer.Run(ctx)
		})
	}

	serverGroup.Go(func() error {
		logger.Sugar().Infof("miner protocol listening on %s", s.poolListener.Addr())
		return s.pool.Serve(ctx, s.poolListener)
	})

	var metricsServer *http.Server
	if s.metricsListener != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{Handler: mux, ReadHeaderTimeout: time.Second * 5}
		serverGroup.Go(func() error {
			logger.Sugar().Infof("metrics listening on %s", s.metricsListener.Addr())
			err := metricsServer.Serve(s.metricsListener)
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		})
	}

	// Wait for the server to shut down gracefully
	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Sugar().Errorf("failed to shutdown metrics server: %s", err)
		}
	}
	if err := serverGroup.Wait(); err != nil {
		logger.Sugar().Errorf("error when waiting to shutdown components: %s", err)
	}
	return nil
}
