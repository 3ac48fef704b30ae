// Package metalearn implements the Meta-Learning Engine capability (C3): it
// tracks each optimization strategy's recent effectiveness and selects the
// strategy most likely to help next.
package metalearn

import (
	"math"
	"sync"
	"time"

	"github.com/virtuouscycle/gateway/pkg/capability"
	"github.com/virtuouscycle/gateway/pkg/statistics"
)

// HistoryWindow bounds the number of observed deltas retained per strategy.
const HistoryWindow = 32

// ZScore is the one-sided 80% confidence z-score used for the lower-bound
// strategy-selection estimate.
const ZScore = 1.28

// Strategy is a meta-learning entry tracking one optimization strategy's
// historical effectiveness.
type Strategy struct {
	StrategyID      string
	Description     string
	HistoricalDeltas []float64
	MeanDelta       float64
	Confidence      float64
	LastAppliedAt   time.Time
}

// lowerBound computes mean_delta - z*stddev/sqrt(n), the selection
// criterion from spec §4.3.
func (s *Strategy) lowerBound() float64 {
	n := len(s.HistoricalDeltas)
	if n == 0 {
		return math.Inf(-1)
	}
	stddev := statistics.StdDev(s.HistoricalDeltas)
	return s.MeanDelta - ZScore*stddev/math.Sqrt(float64(n))
}

// Engine tracks a population of strategies and recommends the next one to
// apply.
type Engine struct {
	mu         sync.Mutex
	strategies map[string]*Strategy
}

// New builds an empty Engine.
func New() *Engine {
	return &Engine{strategies: make(map[string]*Strategy)}
}

// Register adds a new strategy, or is a no-op if strategyID already exists.
func (e *Engine) Register(strategyID, description string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.strategies[strategyID]; ok {
		return
	}
	e.strategies[strategyID] = &Strategy{StrategyID: strategyID, Description: description}
}

// RecordDelta folds one observed post-application quality delta into
// strategyID's history, recomputing mean_delta and confidence. The history
// is capped at HistoryWindow, oldest dropped first.
func (e *Engine) RecordDelta(strategyID string, delta float64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.strategies[strategyID]
	if !ok {
		return capability.ErrInvariant
	}

	s.HistoricalDeltas = append(s.HistoricalDeltas, delta)
	if len(s.HistoricalDeltas) > HistoryWindow {
		s.HistoricalDeltas = s.HistoricalDeltas[len(s.HistoricalDeltas)-HistoryWindow:]
	}
	s.MeanDelta = statistics.Mean(s.HistoricalDeltas)
	s.Confidence = fractionPositive(s.HistoricalDeltas)
	s.LastAppliedAt = time.Now()
	return nil
}

func fractionPositive(deltas []float64) float64 {
	if len(deltas) == 0 {
		return 0
	}
	var positive int
	for _, d := range deltas {
		if d > 0 {
			positive++
		}
	}
	return float64(positive) / float64(len(deltas))
}

// Select returns the strategy with the highest lower-bound estimate,
// breaking ties by freshness (most recently applied wins). Returns
// ErrInsufficientData if no strategy has any recorded deltas yet.
func (e *Engine) Select() (Strategy, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var best *Strategy
	var bestBound float64
	for _, s := range e.strategies {
		if len(s.HistoricalDeltas) == 0 {
			continue
		}
		bound := s.lowerBound()
		if best == nil || bound > bestBound ||
			(bound == bestBound && s.LastAppliedAt.After(best.LastAppliedAt)) {
			best = s
			bestBound = bound
		}
	}
	if best == nil {
		return Strategy{}, capability.ErrInsufficientData
	}
	return *best, nil
}

// Get returns a copy of strategyID's current state.
func (e *Engine) Get(strategyID string) (Strategy, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.strategies[strategyID]
	if !ok {
		return Strategy{}, false
	}
	return *s, true
}
