package consensus

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/minermesh/minerpool/logging"
)

// RawPeer is one unfiltered validator registry entry as fetched from
// the upstream source.
type RawPeer struct {
	Wallet   string
	Endpoint string
	Weight   float64 // percent
	LastPing time.Time
}

// PeerSource fetches the current validator registry. The upstream
// service is an external collaborator.
type PeerSource interface {
	FetchPeers(ctx context.Context) ([]RawPeer, error)
}

// Registry keeps a locally cached, periodically refreshed snapshot of
// the validator registry. Entries below the weight floor or with a
// stale ping are dropped at refresh time.
type Registry struct {
	cfg    Config
	db     *database
	source PeerSource
	nowFn  func() time.Time
}

func NewRegistry(a *Accrual, source PeerSource) *Registry {
	return &Registry{cfg: a.cfg, db: a.db, source: source, nowFn: a.nowFn}
}

// Refresh replaces the cached snapshot with a freshly fetched and
// filtered one.
func (r *Registry) Refresh(ctx context.Context) error {
	raw, err := r.source.FetchPeers(ctx)
	if err != nil {
		return fmt.Errorf("fetching validator registry: %w", err)
	}

	logger := logging.FromContext(ctx)
	cutoff := r.nowFn().Add(-r.cfg.PeerTTL)
	peers := make([]ValidatorPeer, 0, len(raw))
	for _, p := range raw {
		if p.Weight < float64(r.cfg.MinPeerWeight) {
			logger.Debug("dropping underweight validator",
				zap.String("wallet", p.Wallet), zap.Float64("weight", p.Weight))
			continue
		}
		if p.LastPing.Before(cutoff) {
			logger.Debug("dropping stale validator",
				zap.String("wallet", p.Wallet), zap.Time("last_ping", p.LastPing))
			continue
		}
		peers = append(peers, ValidatorPeer{
			Wallet:   p.Wallet,
			Endpoint: p.Endpoint,
			Weight:   int64(math.Round(p.Weight * 100)),
		})
	}
	if err := r.db.replacePeers(peers); err != nil {
		return fmt.Errorf("caching validator registry: %w", err)
	}
	logger.Info("validator registry refreshed",
		zap.Int("fetched", len(raw)), zap.Int("kept", len(peers)))
	return nil
}

// Peers returns the cached registry snapshot.
func (r *Registry) Peers(ctx context.Context) ([]ValidatorPeer, error) {
	return r.db.peers()
}

// Run refreshes the registry on a fixed interval until ctx is canceled.
func (r *Registry) Run(ctx context.Context) error {
	logger := logging.FromContext(ctx).Named("registry")
	ctx = logging.NewContext(ctx, logger)

	ticker := time.NewTicker(r.cfg.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := r.Refresh(ctx); err != nil {
				logger.Warn("registry refresh failed", zap.Error(err))
			}
		}
	}
}

// HTTPPeerSource fetches the registry from an inode HTTP endpoint
// serving a JSON document keyed by validator wallet.
type HTTPPeerSource struct {
	URL    string
	Client *http.Client
}

type httpPeerEntry struct {
	IP         string  `json:"ip"`
	Port       int     `json:"port"`
	Percentage float64 `json:"percentage"`
	Ping       string  `json:"ping"`
}

func (s *HTTPPeerSource) FetchPeers(ctx context.Context) ([]RawPeer, error) {
	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("validator registry returned %s", resp.Status)
	}

	entries := make(map[string]httpPeerEntry)
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return nil, fmt.Errorf("decoding validator registry: %w", err)
	}

	peers := make([]RawPeer, 0, len(entries))
	for wallet, entry := range entries {
		ping, err := parsePing(entry.Ping)
		if err != nil {
			// A peer that never pinged is reported with ping "0".
			ping = time.Time{}
		}
		peers = append(peers, RawPeer{
			Wallet:   wallet,
			Endpoint: net.JoinHostPort(entry.IP, strconv.Itoa(entry.Port)),
			Weight:   entry.Percentage,
			LastPing: ping,
		})
	}
	return peers, nil
}

func parsePing(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05.999999", "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized ping timestamp %q", s)
}
