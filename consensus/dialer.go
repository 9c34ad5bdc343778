package consensus

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/minermesh/minerpool/logging"
)

// Endorsement is a validator's reply to a validation request.
type Endorsement struct {
	ArtifactID      string
	ValidatorWallet string
}

// PeerClient speaks the validation protocol with one validator peer.
// The wire transport is an external collaborator; implementations must
// honor the ctx deadline. A (nil, nil) return means the peer declined
// to endorse.
type PeerClient interface {
	RequestValidation(ctx context.Context, peer ValidatorPeer, artifactID string) (*Endorsement, error)
}

// Dialer is the outbound validation loop: it periodically picks the
// artifact most in need of endorsement and offers it to every cached
// validator that has not endorsed it yet. An unreachable peer never
// blocks the rest of the fanout.
type Dialer struct {
	accrual  *Accrual
	registry *Registry
	client   PeerClient
}

func NewDialer(accrual *Accrual, registry *Registry, client PeerClient) *Dialer {
	return &Dialer{accrual: accrual, registry: registry, client: client}
}

// Run dials validators on a fixed interval until ctx is canceled.
func (d *Dialer) Run(ctx context.Context) error {
	logger := logging.FromContext(ctx).Named("dialer")
	ctx = logging.NewContext(ctx, logger)

	ticker := time.NewTicker(d.accrual.cfg.DialInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := d.dialOnce(ctx); err != nil {
				logger.Warn("validation round incomplete", zap.Error(err))
			}
		}
	}
}

func (d *Dialer) dialOnce(ctx context.Context) error {
	logger := logging.FromContext(ctx)

	artifactID, err := d.accrual.SelectNextArtifactForValidation(ctx)
	switch {
	case errors.Is(err, ErrNoRecords):
		return nil
	case err != nil:
		return err
	}

	peers, err := d.registry.Peers(ctx)
	if err != nil {
		return err
	}
	weights := make(map[string]int64, len(peers))
	for _, peer := range peers {
		weights[peer.Wallet] = peer.Weight
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		merr *multierror.Error
	)
	for _, peer := range peers {
		counted, err := d.accrual.HasEndorsed(ctx, artifactID, peer.Wallet)
		if err != nil {
			return err
		}
		if counted {
			continue
		}

		peer := peer
		wg.Add(1)
		go func() {
			defer wg.Done()
			callCtx, cancel := context.WithTimeout(ctx, d.accrual.cfg.CallTimeout)
			defer cancel()

			endorsement, err := d.client.RequestValidation(callCtx, peer, artifactID)
			if err != nil {
				mu.Lock()
				merr = multierror.Append(merr, err)
				mu.Unlock()
				return
			}
			if endorsement == nil {
				return
			}
			weight, ok := weights[endorsement.ValidatorWallet]
			if !ok {
				logger.Warn("endorsement from unregistered validator",
					zap.String("wallet", endorsement.ValidatorWallet))
				return
			}
			err = d.accrual.Endorse(ctx, endorsement.ArtifactID, endorsement.ValidatorWallet, weight)
			if err != nil && !errors.Is(err, ErrNotFound) {
				mu.Lock()
				merr = multierror.Append(merr, err)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return merr.ErrorOrNil()
}
