package consensus

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/syndtr/goleveldb/leveldb"
	"go.uber.org/zap"

	"github.com/minermesh/minerpool/logging"
)

var (
	ErrNotFound  = errors.New("no consensus record for artifact")
	ErrNoRecords = errors.New("no consensus records exist")

	endorsementsMetric = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "minerpool",
		Subsystem: "consensus",
		Name:      "endorsements_total",
		Help:      "Number of validator endorsements applied",
	})
	retiredMetric = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "minerpool",
		Subsystem: "consensus",
		Name:      "retired_artifacts_total",
		Help:      "Number of artifacts retired at the endorsement threshold",
	})
)

// Accrual tracks per-artifact validator endorsement and retires
// artifacts once the accrued weight crosses the configured threshold.
type Accrual struct {
	cfg   Config
	db    *database
	nowFn func() time.Time
}

type newAccrualOptionFunc func(*Accrual)

// WithNow overrides the clock, for tests.
func WithNow(now func() time.Time) newAccrualOptionFunc {
	return func(a *Accrual) {
		a.nowFn = now
	}
}

func New(ctx context.Context, dbdir string, cfg Config, opts ...newAccrualOptionFunc) (*Accrual, error) {
	db, err := newDatabase(filepath.Join(dbdir, "consensus"))
	if err != nil {
		return nil, fmt.Errorf("opening consensus database: %w", err)
	}
	a := &Accrual{cfg: cfg, db: db, nowFn: time.Now}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

func (a *Accrual) Close() error {
	return a.db.Close()
}

func (a *Accrual) threshold() int64 {
	return a.cfg.RetirementThreshold * 100
}

// CreateRecord opens a consensus record for a freshly merged artifact
// at zero percent. An existing record for the same artifact is kept
// untouched, so at most one record per artifact ever exists.
func (a *Accrual) CreateRecord(ctx context.Context, artifactID string) error {
	exists, err := a.db.hasRecord(artifactID)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	if err := a.db.putRecord(&Record{ArtifactID: artifactID}); err != nil {
		return err
	}
	logging.FromContext(ctx).Info("consensus record created", zap.String("artifact", artifactID))
	return nil
}

// Endorse adds the validator's weight (hundredths of a percent) to the
// artifact's accrued percentage. A wallet already counted is a no-op.
// Crossing the retirement threshold deletes the record.
func (a *Accrual) Endorse(ctx context.Context, artifactID, validatorWallet string, weight int64) error {
	retired := false
	err := a.db.mutateRecord(artifactID, func(rec *Record) (*Record, error) {
		if rec.counted(validatorWallet) {
			return rec, nil
		}
		rec.Weight += weight
		rec.Validators = append(rec.Validators, validatorWallet)
		endorsementsMetric.Inc()
		if rec.Weight >= a.threshold() {
			retired = true
			return nil, nil
		}
		return rec, nil
	})
	switch {
	case errors.Is(err, leveldb.ErrNotFound):
		return ErrNotFound
	case err != nil:
		return err
	}
	if retired {
		retiredMetric.Inc()
		logging.FromContext(ctx).Info("artifact retired from validation",
			zap.String("artifact", artifactID))
	}
	return nil
}

// HasEndorsed reports whether the validator wallet is already counted
// for the artifact. Unknown artifacts report false.
func (a *Accrual) HasEndorsed(ctx context.Context, artifactID, validatorWallet string) (bool, error) {
	rec, err := a.db.getRecord(artifactID)
	switch {
	case errors.Is(err, leveldb.ErrNotFound):
		return false, nil
	case err != nil:
		return false, err
	}
	return rec.counted(validatorWallet), nil
}

// SelectNextArtifactForValidation picks the record with the smallest
// accrued percentage, ties broken by oldest last-active time, and
// stamps it with the current time so repeated calls cycle through the
// candidates. Records at or above the threshold are lazily deleted.
func (a *Accrual) SelectNextArtifactForValidation(ctx context.Context) (string, error) {
	records, err := a.db.records()
	if err != nil {
		return "", err
	}

	var selected *Record
	for i := range records {
		rec := &records[i]
		if rec.Weight >= a.threshold() {
			if err := a.db.deleteRecord(rec.ArtifactID); err != nil {
				return "", err
			}
			retiredMetric.Inc()
			continue
		}
		if selected == nil ||
			rec.Weight < selected.Weight ||
			(rec.Weight == selected.Weight && rec.LastActive < selected.LastActive) {
			selected = rec
		}
	}
	if selected == nil {
		return "", ErrNoRecords
	}

	err = a.db.mutateRecord(selected.ArtifactID, func(rec *Record) (*Record, error) {
		rec.LastActive = a.nowFn().UnixNano()
		return rec, nil
	})
	if err != nil {
		return "", err
	}
	return selected.ArtifactID, nil
}

// Percentage returns the artifact's accrued endorsement percentage.
func (a *Accrual) Percentage(ctx context.Context, artifactID string) (float64, error) {
	rec, err := a.db.getRecord(artifactID)
	switch {
	case errors.Is(err, leveldb.ErrNotFound):
		return 0, ErrNotFound
	case err != nil:
		return 0, err
	}
	return float64(rec.Weight) / 100, nil
}
