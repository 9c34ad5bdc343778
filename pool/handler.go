package pool

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/minermesh/minerpool/lease"
	"github.com/minermesh/minerpool/logging"
)

var (
	activeConnsMetric = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "minerpool",
		Subsystem: "pool",
		Name:      "active_connections",
		Help:      "Number of currently served miner connections",
	})
	rejectedConnsMetric = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "minerpool",
		Subsystem: "pool",
		Name:      "rejected_connections_total",
		Help:      "Number of connections rejected at the connection limit",
	})
)

// Message types understood by the miner protocol.
const (
	TypeRequestFile = "requestFile"
	TypeGradient    = "gradient"
	TypePing        = "ping"
)

// eofMarker terminates a chunked gradient upload.
var eofMarker = []byte("EOF")

// Message is one frame of the miner protocol.
type Message struct {
	Type       string `json:"type"`
	Wallet     string `json:"wallet_address"`
	JobID      string `json:"job_name,omitempty"`
	TaskHash   string `json:"task_hash,omitempty"`
	FileName   string `json:"file_name,omitempty"`
	Data       []byte `json:"file_data,omitempty"`
	FirstChunk bool   `json:"is_first_chunk,omitempty"`
}

// Conn abstracts one miner connection. The transport (websocket, plain
// TCP) lives outside this package; implementations deliver raw frames
// and accept text replies. Receive returns io.EOF when the peer
// disconnects.
type Conn interface {
	Receive() ([]byte, error)
	Send(reply string) error
	Close() error
}

// Handler serves the miner protocol: lease requests with a per-wallet
// cooldown, chunked gradient uploads spooled to disk, and pings. One
// Handler is shared by all connections.
type Handler struct {
	cfg        Config
	leases     *lease.Manager
	spoolDir   string
	cooldownMu sync.Mutex
	cooldowns  *lru.Cache
	conns      *semaphore.Weighted
	nowFn      func() time.Time
}

type newHandlerOptionFunc func(*Handler)

// WithNow overrides the clock, for tests.
func WithNow(now func() time.Time) newHandlerOptionFunc {
	return func(h *Handler) {
		h.nowFn = now
	}
}

func NewHandler(cfg Config, leases *lease.Manager, spoolDir string, opts ...newHandlerOptionFunc) (*Handler, error) {
	cooldowns, err := lru.New(cfg.CooldownSlots)
	if err != nil {
		return nil, fmt.Errorf("creating cooldown cache: %w", err)
	}
	h := &Handler{
		cfg:       cfg,
		leases:    leases,
		spoolDir:  spoolDir,
		cooldowns: cooldowns,
		conns:     semaphore.NewWeighted(cfg.MaxConnections),
		nowFn:     time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// Serve drives one connection until the peer disconnects, a terminal
// reply is sent or ctx is canceled. The connection is always closed on
// return.
func (h *Handler) Serve(ctx context.Context, conn Conn) error {
	defer conn.Close()

	if !h.conns.TryAcquire(1) {
		rejectedConnsMetric.Inc()
		_ = conn.Send("ERROR: Connection limit reached")
		return nil
	}
	defer h.conns.Release(1)
	activeConnsMetric.Inc()
	defer activeConnsMetric.Dec()

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		frame, err := conn.Receive()
		if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("receiving frame: %w", err)
		}
		done, err := h.handleFrame(ctx, conn, frame)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
}

// handleFrame dispatches one protocol frame. The returned bool reports
// whether the connection should be closed.
func (h *Handler) handleFrame(ctx context.Context, conn Conn, frame []byte) (bool, error) {
	var msg Message
	if err := json.Unmarshal(frame, &msg); err != nil {
		return true, conn.Send("ERROR: Invalid message format")
	}

	switch msg.Type {
	case TypeRequestFile:
		return true, h.handleLeaseRequest(ctx, conn, msg.Wallet)
	case TypeGradient:
		return h.handleGradient(ctx, conn, msg)
	case TypePing:
		return false, conn.Send("SUCCESS: ping")
	default:
		return true, conn.Send("ERROR: Unknown message type")
	}
}

// passCooldown atomically checks the wallet's cooldown window and, when
// it has passed, stamps the wallet with now. Concurrent requests from
// the same wallet admit at most one caller per window.
func (h *Handler) passCooldown(wallet string, now time.Time) bool {
	h.cooldownMu.Lock()
	defer h.cooldownMu.Unlock()
	if last, ok := h.cooldowns.Get(wallet); ok {
		if now.Sub(last.(time.Time)) < h.cfg.CooldownWindow {
			return false
		}
	}
	h.cooldowns.Add(wallet, now)
	return true
}

func (h *Handler) handleLeaseRequest(ctx context.Context, conn Conn, wallet string) error {
	if !h.passCooldown(wallet, h.nowFn()) {
		return conn.Send("ERROR: Cooldown period not yet passed. Please wait.")
	}

	desc, err := h.leases.RequestLease(ctx, wallet)
	switch {
	case errors.Is(err, lease.ErrNoActiveJob), errors.Is(err, lease.ErrNoTaskAvailable):
		return conn.Send("ERROR: NO JOB FOUND!")
	case err != nil:
		logging.FromContext(ctx).Error("lease request failed",
			zap.String("wallet", wallet), zap.Error(err))
		return conn.Send("ERROR: NO JOB FOUND!")
	}
	reply, err := json.Marshal(desc)
	if err != nil {
		return fmt.Errorf("encoding lease descriptor: %w", err)
	}
	return conn.Send(string(reply))
}

func (h *Handler) handleGradient(ctx context.Context, conn Conn, msg Message) (bool, error) {
	if !bytes.Equal(msg.Data, eofMarker) {
		if err := h.spoolChunk(msg); err != nil {
			logging.FromContext(ctx).Error("failed to spool gradient chunk",
				zap.String("job", msg.JobID), zap.String("file", msg.FileName), zap.Error(err))
			return true, conn.Send("ERROR: Upload failed")
		}
		return false, nil
	}

	path := h.artifactPath(msg.JobID, msg.FileName)
	err := h.leases.RecordGradient(ctx, msg.JobID, msg.TaskHash, msg.Wallet, path)
	if err != nil {
		return true, conn.Send(fmt.Sprintf("ERROR: %v", err))
	}
	return true, conn.Send("SUCCESS: GRADIENT ACCEPTED")
}

// spoolChunk appends a chunk to the upload's spool file. The first
// chunk truncates any leftover from an aborted earlier attempt.
func (h *Handler) spoolChunk(msg Message) error {
	dir := filepath.Join(h.spoolDir, filepath.Base(msg.JobID))
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	flags := os.O_CREATE | os.O_WRONLY | os.O_APPEND
	if msg.FirstChunk {
		flags = os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	}
	f, err := os.OpenFile(filepath.Join(dir, filepath.Base(msg.FileName)), flags, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(msg.Data); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func (h *Handler) artifactPath(jobID, fileName string) string {
	return filepath.Join(h.spoolDir, filepath.Base(jobID), filepath.Base(fileName))
}
