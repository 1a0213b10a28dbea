package shadow

import (
	"log/slog"
	"math"

	"github.com/modelmux/modelmux/internal/route"
	"github.com/modelmux/modelmux/internal/telemetry"
)

// OptimizerConfig bounds how fast and how far weights can move.
type OptimizerConfig struct {
	LearningRate   float64 // eta in the update rule
	MinWeight      float64
	MaxWeight      float64
	MaxChange      float64 // per-step weight delta cap
	MinComparisons int     // data required before a provider's weight moves
}

// DefaultOptimizerConfig returns the standard tuning.
func DefaultOptimizerConfig() OptimizerConfig {
	return OptimizerConfig{
		LearningRate:   0.2,
		MinWeight:      5,
		MaxWeight:      80,
		MaxChange:      10,
		MinComparisons: 20,
	}
}

// Optimizer periodically rebalances routing weights from judged win rates:
// newWeight = weight * (1 + eta * (winRate - 0.5)), clamped, delta-capped,
// rounded to one decimal, applied only when the move is at least 0.5, and
// finally renormalized so the table sums to 100. MinWeight and MaxWeight
// bound the raw update, not the normalized table: renormalization may land a
// weight slightly past them so the total stays at exactly 100.
type Optimizer struct {
	cfg       OptimizerConfig
	weights   *route.Weights
	collector *Collector
	metrics   *telemetry.Metrics
	log       *slog.Logger
}

// NewOptimizer creates an optimizer over the given weight table.
func NewOptimizer(cfg OptimizerConfig, weights *route.Weights, collector *Collector,
	metrics *telemetry.Metrics, log *slog.Logger) *Optimizer {
	if log == nil {
		log = slog.Default()
	}
	return &Optimizer{cfg: cfg, weights: weights, collector: collector, metrics: metrics, log: log}
}

func round1(v float64) float64 { return math.Round(v*10) / 10 }

// Step runs one optimization pass. It reports whether any weight moved and
// returns the resulting table.
func (o *Optimizer) Step() (bool, map[string]float64) {
	current := o.weights.Snapshot()
	next := make(map[string]float64, len(current))
	changed := false

	for name, w := range current {
		next[name] = w
		sum := o.collector.ProviderSummary(name)
		if sum.Count < o.cfg.MinComparisons {
			continue
		}

		nw := w * (1 + o.cfg.LearningRate*(sum.WinRate-0.5))
		nw = math.Max(o.cfg.MinWeight, math.Min(o.cfg.MaxWeight, nw))
		if delta := nw - w; math.Abs(delta) > o.cfg.MaxChange {
			nw = w + math.Copysign(o.cfg.MaxChange, delta)
		}
		nw = round1(nw)
		if math.Abs(nw-w) < 0.5 {
			continue
		}

		o.log.Info("weight update",
			"upstream", name, "old", w, "new", nw,
			"win_rate", sum.WinRate, "comparisons", sum.Count)
		next[name] = nw
		changed = true
	}

	if !changed {
		return false, current
	}

	normalize(next)
	o.weights.Replace(next)
	o.metrics.WeightUpdates.Inc()
	return true, next
}

// normalize rescales weights in place so they sum to 100.
func normalize(w map[string]float64) {
	var sum float64
	for _, v := range w {
		sum += v
	}
	if sum <= 0 {
		return
	}
	for name, v := range w {
		w[name] = round1(v * 100 / sum)
	}
}
