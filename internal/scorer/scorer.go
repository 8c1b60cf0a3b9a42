// Package scorer combines a feature vector into a bounded directional score using a
// versioned, persisted weight vector.
package scorer

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync/atomic"

	"go.uber.org/zap"

	"risk-engine/internal/features"
	"risk-engine/pkg/db"
	"risk-engine/pkg/errs"
	"risk-engine/pkg/logger"
)

// Weights is an immutable weight vector. Values is keyed by feature name.
type Weights struct {
	Version int64              `json:"version"`
	Bias    float64            `json:"bias"`
	Values  map[string]float64 `json:"weights"`
}

// DefaultWeights is the seed vector used when nothing is persisted.
func DefaultWeights() Weights {
	return Weights{
		Version: 1,
		Values: map[string]float64{
			features.Momentum:      1.2,
			features.RSICentered:   0.8,
			features.VWAPDeviation: 0.7,
			features.ATRRegime:     -0.4,
			features.MicroTrend:    0.9,
		},
	}
}

// Validate rejects unknown feature names and non-finite values.
func (w Weights) Validate() error {
	if math.IsNaN(w.Bias) || math.IsInf(w.Bias, 0) {
		return fmt.Errorf("bias is not finite")
	}
	if len(w.Values) == 0 {
		return fmt.Errorf("no weights")
	}
	for name, v := range w.Values {
		if _, ok := (features.Vector{}).Get(name); !ok {
			return fmt.Errorf("unknown feature %q", name)
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("weight %s is not finite", name)
		}
	}
	return nil
}

func (w Weights) clone() Weights {
	vals := make(map[string]float64, len(w.Values))
	for k, v := range w.Values {
		vals[k] = v
	}
	return Weights{Version: w.Version, Bias: w.Bias, Values: vals}
}

// Store persists weight versions.
type Store interface {
	LatestWeights(ctx context.Context) (*db.Weights, error)
	InsertWeights(ctx context.Context, w db.Weights) error
}

// ErrStaleVersion is returned by Replace when the new version does not advance.
var ErrStaleVersion = errors.New("weights version must increase")

// Scorer evaluates feature vectors against the current weights. Score is lock-free
// and reads one weights pointer per call, so a concurrent Replace is observed either
// entirely or not at all.
type Scorer struct {
	store   Store
	current atomic.Pointer[Weights]
}

// New creates a scorer holding the default weights until Load is called.
func New(store Store) *Scorer {
	s := &Scorer{store: store}
	w := DefaultWeights()
	s.current.Store(&w)
	return s
}

// Load reads the latest persisted weights, seeding the defaults when none exist.
func (s *Scorer) Load(ctx context.Context) error {
	rec, err := s.store.LatestWeights(ctx)
	if errors.Is(err, db.ErrNotFound) {
		w := DefaultWeights()
		if err := s.store.InsertWeights(ctx, toRecord(w)); err != nil {
			return errs.E(errs.KindPersistence, "scorer.load", fmt.Errorf("%w: seed weights: %v", errs.ErrPersistence, err))
		}
		s.current.Store(&w)
		logger.Info("scorer weights seeded", zap.Int64("version", w.Version))
		return nil
	}
	if err != nil {
		return errs.E(errs.KindPersistence, "scorer.load", fmt.Errorf("%w: %v", errs.ErrPersistence, err))
	}
	w := Weights{Version: rec.Version, Bias: rec.Bias, Values: rec.Values}
	if err := w.Validate(); err != nil {
		return errs.E(errs.KindFatalConfig, "scorer.load", fmt.Errorf("%w: weights v%d: %v", errs.ErrFatalConfig, w.Version, err))
	}
	s.current.Store(&w)
	logger.Info("scorer weights loaded", zap.Int64("version", w.Version))
	return nil
}

// Replace persists a new weights version and then swaps it in.
func (s *Scorer) Replace(ctx context.Context, w Weights) error {
	if err := w.Validate(); err != nil {
		return fmt.Errorf("replace weights: %w", err)
	}
	cur := s.current.Load()
	if w.Version <= cur.Version {
		return fmt.Errorf("%w: have v%d, got v%d", ErrStaleVersion, cur.Version, w.Version)
	}
	w = w.clone()
	if err := s.store.InsertWeights(ctx, toRecord(w)); err != nil {
		return errs.E(errs.KindPersistence, "scorer.replace", fmt.Errorf("%w: %v", errs.ErrPersistence, err))
	}
	if !s.current.CompareAndSwap(cur, &w) {
		return fmt.Errorf("%w: concurrent replace", ErrStaleVersion)
	}
	logger.Info("scorer weights replaced", zap.Int64("from", cur.Version), zap.Int64("to", w.Version))
	return nil
}

// Current returns a copy of the active weights.
func (s *Scorer) Current() Weights {
	return s.current.Load().clone()
}

// Score returns tanh(bias + Σ w·f) clamped to [-1, 1].
func (s *Scorer) Score(v features.Vector) float64 {
	return score(s.current.Load(), v)
}

func score(w *Weights, v features.Vector) float64 {
	z := w.Bias
	for _, name := range features.Names {
		f, _ := v.Get(name)
		z += w.Values[name] * f
	}
	out := math.Tanh(z)
	if math.IsNaN(out) {
		return 0
	}
	return math.Max(-1, math.Min(1, out))
}

func toRecord(w Weights) db.Weights {
	return db.Weights{Version: w.Version, Bias: w.Bias, Values: w.Values}
}
