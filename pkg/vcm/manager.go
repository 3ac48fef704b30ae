// Package vcm implements the Virtuous Cycle Manager (C4): the concurrency
// core that drains ingested traces, monitors rolling quality windows, and
// runs controlled optimization cycles against prompt variants.
package vcm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/virtuouscycle/gateway/pkg/capability"
	"github.com/virtuouscycle/gateway/pkg/capability/abtest"
	"github.com/virtuouscycle/gateway/pkg/capability/annotation"
	"github.com/virtuouscycle/gateway/pkg/capability/bulkanalytics"
	"github.com/virtuouscycle/gateway/pkg/capability/feedback"
	"github.com/virtuouscycle/gateway/pkg/capability/forecast"
	"github.com/virtuouscycle/gateway/pkg/capability/metalearn"
	"github.com/virtuouscycle/gateway/pkg/capability/patternindex"
	"github.com/virtuouscycle/gateway/pkg/capability/regression"
	"github.com/virtuouscycle/gateway/pkg/config"
	"github.com/virtuouscycle/gateway/pkg/gateway"
	"github.com/virtuouscycle/gateway/pkg/observability"
	"github.com/virtuouscycle/gateway/pkg/quality"
	"github.com/virtuouscycle/gateway/pkg/ratelimit"
	"github.com/virtuouscycle/gateway/pkg/statistics"
)

// QualityMonitorCadence is the QualityMonitor loop's tick interval.
const QualityMonitorCadence = 30 * time.Second

// ProcessorCadence is the Processor loop's tick interval.
const ProcessorCadence = 60 * time.Second

// DrainTimeout bounds how long Run waits for its loops to return after ctx
// is cancelled before abandoning them.
const DrainTimeout = 5 * time.Second

// OptimizationCooldown is the minimum interval between completed
// optimization cycles for the same (model, spectrum) key.
const OptimizationCooldown = 60 * time.Minute

// OptimizationMaxConcurrent is the global cap on in-flight optimization
// cycles.
const OptimizationMaxConcurrent = 3

// SustainedBreachWindows is the number of consecutive sub-threshold
// QualityMonitor ticks required to trigger an optimization cycle absent a
// statistically detected regression.
const SustainedBreachWindows = 3

// Deps bundles the Manager's constructor-injected dependencies.
type Deps struct {
	Config        *config.Config
	Obs           *observability.Client
	Collector     *quality.Collector
	TraceQueue    *quality.IngestQueue
	Patterns      *patternindex.Index
	Embedder      patternindex.Embedder
	Strategies    *metalearn.Engine
	FeedbackBatch *feedback.Batcher
	BulkAnalytics *bulkanalytics.Engine
	Annotations   *annotation.Queue
	ConfigHook    gateway.ConfigHook
	Monitor       *ratelimit.Monitor
}

// Metrics is the live counter snapshot exposed at
// GET /v1/virtuous-cycle/status.
type Metrics struct {
	TracesProcessed        int64
	QualityChecks          int64
	OptimizationsTriggered int64
	ImprovementsDeployed   int64
	CurrentQuality         float64
	LastUpdate             time.Time
}

// Status is the full /v1/virtuous-cycle/status response payload.
type Status struct {
	MonitoringActive bool
	Metrics          Metrics
	ComponentStatus  map[string]string
}

type runningCycle struct {
	experiment *abtest.Experiment
	candidate  gateway.PromptVariant
	strategyID string
	startedAt  time.Time
}

func cycleKey(model, spectrum string) string { return model + "|" + spectrum }

// Manager is the Virtuous Cycle Manager: a plain constructed value (no
// package-level singleton) holding every dependency it needs.
type Manager struct {
	cfg           *config.Config
	obs           *observability.Client
	collector     *quality.Collector
	traceQueue    *quality.IngestQueue
	patterns      *patternindex.Index
	embedder      patternindex.Embedder
	strategies    *metalearn.Engine
	feedbackBatch *feedback.Batcher
	bulkAnalytics *bulkanalytics.Engine
	annotations   *annotation.Queue
	configHook    gateway.ConfigHook
	monitor       *ratelimit.Monitor
	log           *slog.Logger

	alerts *alertTracker

	triggerCh chan triggerRequest

	cycleMu       sync.Mutex
	cycles        map[string]*runningCycle
	cooldownUntil map[string]time.Time
	breachCounts  map[string]int

	keysMu     sync.Mutex
	trackedKeys map[string][2]string // cycleKey -> [model, spectrum]

	forecastsMu sync.RWMutex
	forecasts   map[string]forecast.Result

	tracesProcessed        atomic.Int64
	qualityChecks          atomic.Int64
	optimizationsTriggered atomic.Int64
	improvementsDeployed   atomic.Int64

	monitoringActive   atomic.Bool
	lastUpdate         atomic.Pointer[time.Time]
	currentQualityValue float64
}

type triggerRequest struct {
	Model    string
	Spectrum string
	Reason   string
}

// New constructs a Manager. TraceQueue, Patterns, and Strategies must not
// be nil; FeedbackBatch may be nil, in which case feedback submission and
// its Run loop are skipped. Embedder defaults to
// patternindex.NewHashEmbedder(0) if nil.
func New(d Deps) *Manager {
	embedder := d.Embedder
	if embedder == nil {
		embedder = patternindex.NewHashEmbedder(0)
	}
	return &Manager{
		cfg:           d.Config,
		obs:           d.Obs,
		collector:     d.Collector,
		traceQueue:    d.TraceQueue,
		patterns:      d.Patterns,
		embedder:      embedder,
		strategies:    d.Strategies,
		feedbackBatch: d.FeedbackBatch,
		bulkAnalytics: d.BulkAnalytics,
		annotations:   d.Annotations,
		configHook:    d.ConfigHook,
		monitor:       d.Monitor,
		log:           slog.With("component", "virtuous_cycle_manager"),
		alerts:        newAlertTracker(1000),
		triggerCh:     make(chan triggerRequest, 64),
		cycles:        make(map[string]*runningCycle),
		cooldownUntil: make(map[string]time.Time),
		breachCounts:  make(map[string]int),
		trackedKeys:   make(map[string][2]string),
		forecasts:     make(map[string]forecast.Result),
	}
}

// Run launches the four concurrent loops, plus the feedback Batcher's own
// Run loop when FeedbackBatch is set, and blocks until ctx is cancelled
// and they drain (or DrainTimeout elapses, whichever comes first).
func (m *Manager) Run(ctx context.Context) error {
	m.monitoringActive.Store(true)
	defer m.monitoringActive.Store(false)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return m.traceIngestLoop(gctx) })
	g.Go(func() error { return m.qualityMonitorLoop(gctx) })
	g.Go(func() error { return m.optimizerLoop(gctx) })
	g.Go(func() error { return m.processorLoop(gctx) })
	if m.feedbackBatch != nil {
		g.Go(func() error { return m.feedbackBatch.Run(gctx) })
	}

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		select {
		case err := <-done:
			return err
		case <-time.After(DrainTimeout):
			m.log.Warn("loops did not drain within the timeout; abandoning them", "timeout", DrainTimeout)
			return ctx.Err()
		}
	}
}

// traceIngestLoop continuously drains the trace queue into the quality
// collector.
func (m *Manager) traceIngestLoop(ctx context.Context) error {
	ch := m.traceQueue.Chan()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case rec, ok := <-ch:
			if !ok {
				return nil
			}
			m.collector.Ingest(rec)
			m.tracesProcessed.Add(1)
			m.trackKey(rec.Model, string(rec.Spectrum))
			m.touch()
		}
	}
}

func (m *Manager) trackKey(model, spectrum string) {
	m.keysMu.Lock()
	defer m.keysMu.Unlock()
	m.trackedKeys[cycleKey(model, spectrum)] = [2]string{model, spectrum}
}

func (m *Manager) trackedKeySnapshot() [][2]string {
	m.keysMu.Lock()
	defer m.keysMu.Unlock()
	keys := make([][2]string, 0, len(m.trackedKeys))
	for _, pair := range m.trackedKeys {
		keys = append(keys, pair)
	}
	return keys
}

func (m *Manager) touch() {
	now := time.Now()
	m.lastUpdate.Store(&now)
}

// qualityMonitorLoop folds live quality records into any running
// experiment (so arms accrue real observations) and, every
// QualityMonitorCadence, evaluates each tracked (model, spectrum) pair for
// regression or sustained threshold breach and checks running experiments
// for conclusion.
func (m *Manager) qualityMonitorLoop(ctx context.Context) error {
	sub := m.collector.Subscribe()
	ticker := time.NewTicker(QualityMonitorCadence)
	defer ticker.Stop()
	lastTick := time.Now()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case rec, ok := <-sub:
			if !ok {
				sub = nil
				continue
			}
			m.feedExperiment(rec)
			m.maybeQueueForAnnotation(ctx, rec)
			m.maybeAdmitPattern(rec)
			m.maybeSubmitFeedback(rec)
		case tick := <-ticker.C:
			m.evaluateWindows(ctx)
			if m.monitor != nil {
				m.monitor.RecordLoopCadence("quality_monitor", tick.Sub(lastTick))
			}
			lastTick = tick
		}
	}
}

// feedExperiment deterministically assigns an ingested QualityRecord to
// whichever arm (control/treatment) its trace_id hashes into, for the
// active experiment at its (model, spectrum), if any. This is the
// mechanism by which ordinary production traffic accrues A/B samples
// without the gateway needing variant-aware routing logic of its own.
func (m *Manager) feedExperiment(rec quality.QualityRecord) {
	key := cycleKey(rec.Model, string(rec.Spectrum))
	m.cycleMu.Lock()
	cycle, ok := m.cycles[key]
	m.cycleMu.Unlock()
	if !ok || cycle.experiment == nil {
		return
	}
	arm := cycle.experiment.Assign(rec.TraceID)
	cycle.experiment.Record(arm, rec.Score)
}

// maybeQueueForAnnotation submits rec for human review when its score falls
// in the mid-band the automated scorer can't confidently resolve either way.
// The quality pipeline scores traces, not raw text, so Input carries a
// trace identifier rather than the original prompt/completion; Submit's
// dedup key is still stable per trace.
func (m *Manager) maybeQueueForAnnotation(ctx context.Context, rec quality.QualityRecord) {
	if m.annotations == nil {
		return
	}
	if rec.Score < annotation.ScoreLowerBound || rec.Score > annotation.ScoreUpperBound {
		return
	}
	candidate := annotation.Candidate{
		Model:             rec.Model,
		Spectrum:          string(rec.Spectrum),
		Input:             fmt.Sprintf("trace:%s", rec.TraceID),
		Score:             rec.Score,
		StructurallyValid: true,
	}
	if _, err := m.annotations.Submit(ctx, candidate); err != nil {
		m.log.Warn("annotation submit failed", "trace_id", rec.TraceID, "error", err)
	}
}

// maybeAdmitPattern embeds rec as a reusable Pattern once it clears the
// admission score, keeping the per-spectrum index populated from live
// traffic instead of only from _test.go fixtures.
func (m *Manager) maybeAdmitPattern(rec quality.QualityRecord) {
	if m.patterns == nil {
		return
	}
	if rec.Score < patternindex.AdmissionScore {
		return
	}
	embedding := m.embedder.Embed(rec.Model + " " + string(rec.Spectrum))
	exemplarRef := fmt.Sprintf("trace:%s", rec.TraceID)
	if _, ok := m.patterns.Admit(string(rec.Spectrum), exemplarRef, rec.Score, embedding); ok {
		m.log.Info("pattern admitted", "model", rec.Model, "spectrum", rec.Spectrum, "score", rec.Score)
	}
}

// maybeSubmitFeedback folds a high-quality trace into a training exemplar.
// The Batcher's own dedup (cosine >= feedback.DedupSimilarityThreshold)
// drops anything too close to an already-captured exemplar.
func (m *Manager) maybeSubmitFeedback(rec quality.QualityRecord) {
	if m.feedbackBatch == nil {
		return
	}
	if rec.Score < patternindex.AdmissionScore {
		return
	}
	embedding := m.embedder.Embed(rec.Model + " " + string(rec.Spectrum))
	m.feedbackBatch.Submit(feedback.Exemplar{
		TraceID:   rec.TraceID,
		Model:     rec.Model,
		Spectrum:  string(rec.Spectrum),
		Input:     fmt.Sprintf("trace:%s", rec.TraceID),
		Output:    fmt.Sprintf("score:%.3f", rec.Score),
		Score:     rec.Score,
		Embedding: embedding,
	})
}

func (m *Manager) evaluateWindows(ctx context.Context) {
	for _, pair := range m.trackedKeySnapshot() {
		model, spectrum := pair[0], pair[1]
		m.qualityChecks.Add(1)
		m.evaluateKey(ctx, model, quality.Spectrum(spectrum))
	}
}

func (m *Manager) evaluateKey(ctx context.Context, model string, spectrum quality.Spectrum) {
	key := cycleKey(model, string(spectrum))

	live := m.collector.Scores(quality.LiveWindowDuration, model, spectrum)
	baseline := m.collector.Scores(quality.BaselineWindowDuration, model, spectrum)

	delta := regression.DefaultRegressionDelta
	threshold := 0.90
	if m.cfg != nil {
		if m.cfg.RegressionDelta > 0 {
			delta = m.cfg.RegressionDelta
		}
		if m.cfg.QualityThresholdTarget > 0 {
			threshold = m.cfg.QualityThresholdTarget
		}
	}

	regResult, regErr := regression.Run(ctx, regression.Input{
		LiveScores:      live,
		BaselineScores:  baseline,
		AffectedModels:  []string{model},
		AffectedSpectrums: []string{string(spectrum)},
		RegressionDelta: delta,
	})
	regressionDetected := regErr == nil && regResult.Regression

	liveMean, breached := 0.0, false
	if len(live) > 0 {
		liveMean = statistics.Mean(live)
		breached = liveMean < threshold
	}

	m.cycleMu.Lock()
	if breached {
		m.breachCounts[key]++
	} else {
		m.breachCounts[key] = 0
	}
	sustained := m.breachCounts[key] >= SustainedBreachWindows
	m.cycleMu.Unlock()

	if len(live) > 0 {
		m.setCurrentQuality(liveMean)
	}

	if regressionDetected {
		if event, fired := m.alerts.fire(SeverityHigh, "quality_regression", key,
			fmt.Sprintf("regression magnitude=%.3f p=%.4f", regResult.Magnitude, regResult.PValue)); fired {
			m.log.Warn("quality regression detected", "model", model, "spectrum", spectrum, "detail", event.Detail)
		}
	}
	if breached {
		if event, fired := m.alerts.fire(SeverityMedium, "threshold_breach", key,
			fmt.Sprintf("live_mean=%.3f threshold=%.3f consecutive=%d", liveMean, threshold, m.breachCounts[key])); fired {
			m.log.Info("quality threshold breach", "model", model, "spectrum", spectrum, "detail", event.Detail)
		}
	}

	if regressionDetected || sustained {
		m.requestOptimization(model, string(spectrum), "regression_or_sustained_breach")
	}

	if cycle, ok := m.currentCycle(key); ok && cycle.experiment != nil {
		conclusion, err := cycle.experiment.Evaluate()
		if err == nil {
			m.concludeCycle(ctx, model, string(spectrum), cycle, conclusion)
		}
	}
}

func (m *Manager) currentCycle(key string) (*runningCycle, bool) {
	m.cycleMu.Lock()
	defer m.cycleMu.Unlock()
	c, ok := m.cycles[key]
	return c, ok
}

func (m *Manager) setCurrentQuality(v float64) {
	m.forecastsMu.Lock()
	defer m.forecastsMu.Unlock()
	m.currentQualityValue = v
}

func (m *Manager) requestOptimization(model, spectrum, reason string) {
	select {
	case m.triggerCh <- triggerRequest{Model: model, Spectrum: spectrum, Reason: reason}:
	default:
		m.log.Warn("optimization trigger queue full, dropping request", "model", model, "spectrum", spectrum)
	}
}

// optimizerLoop consumes trigger requests and starts optimization cycles,
// respecting coalescing, the global concurrency cap, and per-key cooldown.
func (m *Manager) optimizerLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case req := <-m.triggerCh:
			m.startCycle(ctx, req)
		}
	}
}

func (m *Manager) startCycle(ctx context.Context, req triggerRequest) {
	key := cycleKey(req.Model, req.Spectrum)

	m.cycleMu.Lock()
	if _, inFlight := m.cycles[key]; inFlight {
		m.cycleMu.Unlock()
		return
	}
	if until, ok := m.cooldownUntil[key]; ok && time.Now().Before(until) {
		m.cycleMu.Unlock()
		return
	}
	if len(m.cycles) >= OptimizationMaxConcurrent {
		m.cycleMu.Unlock()
		return
	}
	m.cycles[key] = &runningCycle{startedAt: time.Now()}
	m.cycleMu.Unlock()

	m.optimizationsTriggered.Add(1)
	if m.monitor != nil {
		m.monitor.RecordExperimentTerminal("started")
	}

	strategyID := "default-rewrite"
	if strategy, err := m.strategies.Select(); err == nil {
		strategyID = strategy.StrategyID
	}

	embedding := m.embedder.Embed(req.Model + " " + req.Spectrum)
	if matches := m.patterns.Query(req.Spectrum, embedding, patternindex.DefaultK); len(matches) > 0 {
		best := matches[0]
		m.patterns.RecordApplied(req.Spectrum, best.Pattern.PatternID)
		m.log.Info("optimization cycle drew on an indexed pattern",
			"model", req.Model, "spectrum", req.Spectrum, "pattern_id", best.Pattern.PatternID, "similarity", best.Similarity)
	}

	candidate := gateway.PromptVariant{
		VariantID: uuid.NewString(),
		CreatedAt: time.Now(),
		SystemPrompt: fmt.Sprintf("auto-optimized via strategy %q for %s/%s (%s)",
			strategyID, req.Model, req.Spectrum, req.Reason),
		Model:    req.Model,
		Spectrum: req.Spectrum,
	}
	experiment := abtest.New(req.Model, req.Spectrum, abtest.DefaultTrafficSplit)

	m.cycleMu.Lock()
	m.cycles[key] = &runningCycle{
		experiment: experiment,
		candidate:  candidate,
		strategyID: strategyID,
		startedAt:  time.Now(),
	}
	m.cycleMu.Unlock()

	m.log.Info("optimization cycle started", "model", req.Model, "spectrum", req.Spectrum,
		"reason", req.Reason, "strategy", strategyID, "experiment_id", experiment.ExperimentID)
}

func (m *Manager) concludeCycle(ctx context.Context, model, spectrum string, cycle *runningCycle, conclusion abtest.Conclusion) {
	key := cycleKey(model, spectrum)

	m.cycleMu.Lock()
	if _, ok := m.cycles[key]; !ok {
		m.cycleMu.Unlock()
		return
	}
	delete(m.cycles, key)
	m.cooldownUntil[key] = time.Now().Add(OptimizationCooldown)
	m.breachCounts[key] = 0
	m.cycleMu.Unlock()

	if m.monitor != nil {
		m.monitor.RecordExperimentTerminal(string(conclusion.Status))
	}

	if m.strategies != nil {
		delta := conclusion.TreatmentMean - conclusion.ControlMean
		if err := m.strategies.RecordDelta(cycle.strategyID, delta); err != nil {
			m.log.Warn("strategy delta not recorded", "strategy", cycle.strategyID, "error", err)
		}
	}

	if m.configHook == nil {
		return
	}

	action := gateway.VariantAction{Model: model, Spectrum: spectrum, Variant: cycle.candidate, Deploy: conclusion.Promote}
	if err := m.configHook(ctx, action); err != nil {
		m.log.Error("config hook failed to apply cycle conclusion", "model", model, "spectrum", spectrum, "error", err)
		return
	}
	if conclusion.Promote {
		m.improvementsDeployed.Add(1)
		m.log.Info("optimization cycle promoted a new variant", "model", model, "spectrum", spectrum, "variant_id", cycle.candidate.VariantID)
	} else {
		m.log.Info("optimization cycle archived its candidate", "model", model, "spectrum", spectrum, "status", conclusion.Status)
	}
}

// processorLoop runs 60-second housekeeping: refresh forecasts, run bulk
// rollups.
func (m *Manager) processorLoop(ctx context.Context) error {
	ticker := time.NewTicker(ProcessorCadence)
	defer ticker.Stop()
	lastTick := time.Now()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case tick := <-ticker.C:
			m.runHousekeeping(ctx)
			if m.monitor != nil {
				m.monitor.RecordLoopCadence("processor", tick.Sub(lastTick))
			}
			lastTick = tick
		}
	}
}

// runHousekeeping refreshes forecasts and runs bulk rollups. Feedback
// flushing is driven by the Batcher's own Run loop (50-items-or-60s
// trigger), started alongside the other loops in Run.
func (m *Manager) runHousekeeping(ctx context.Context) {
	m.refreshForecasts()

	if m.bulkAnalytics != nil {
		yesterday := time.Now().UTC().Add(-24 * time.Hour)
		if _, err := m.bulkAnalytics.ComputeRollups(ctx, yesterday); err != nil {
			m.log.Warn("bulk rollup failed", "error", err)
		}
	}
}

func (m *Manager) refreshForecasts() {
	for _, pair := range m.trackedKeySnapshot() {
		model, spectrum := pair[0], pair[1]
		baseline := m.collector.Scores(quality.BaselineWindowDuration, model, quality.Spectrum(spectrum))
		if len(baseline) < forecast.MinBaselineSamples {
			continue
		}
		result, err := forecast.Ensemble(forecast.Input{Series: baseline, Horizon: 24})
		if err != nil {
			if !errors.Is(err, capability.ErrInsufficientData) {
				m.log.Warn("forecast failed", "model", model, "spectrum", spectrum, "error", err)
			}
			continue
		}
		key := cycleKey(model, spectrum)
		m.forecastsMu.Lock()
		m.forecasts[key] = result
		m.forecastsMu.Unlock()
	}
}

// Forecast returns the most recently computed forecast for (model,
// spectrum), if any.
func (m *Manager) Forecast(model, spectrum string) (forecast.Result, bool) {
	m.forecastsMu.RLock()
	defer m.forecastsMu.RUnlock()
	res, ok := m.forecasts[cycleKey(model, spectrum)]
	return res, ok
}

// Trigger attempts a manual optimization trigger across every tracked
// (model, spectrum) pair, subject to the same cooldown and concurrency
// caps as automatic triggers. Returns accepted=true if at least one pair
// was enqueued.
func (m *Manager) Trigger(reason string) (accepted bool, detail string) {
	pairs := m.trackedKeySnapshot()
	if len(pairs) == 0 {
		return false, "no tracked model/spectrum pairs yet"
	}
	for _, pair := range pairs {
		select {
		case m.triggerCh <- triggerRequest{Model: pair[0], Spectrum: pair[1], Reason: reason}:
			accepted = true
		default:
		}
	}
	if !accepted {
		return false, "trigger queue full"
	}
	return true, "accepted"
}

// Status reports the Manager's current operating snapshot.
func (m *Manager) Status() Status {
	var lastUpdate time.Time
	if p := m.lastUpdate.Load(); p != nil {
		lastUpdate = *p
	}

	m.forecastsMu.RLock()
	currentQuality := m.currentQualityValue
	m.forecastsMu.RUnlock()

	componentStatus := map[string]string{
		"observability_client": "ok",
		"quality_collector":    "ok",
		"capability_engine":    "ok",
	}
	if m.obs == nil {
		componentStatus["observability_client"] = "degraded"
	}

	return Status{
		MonitoringActive: m.monitoringActive.Load(),
		Metrics: Metrics{
			TracesProcessed:        m.tracesProcessed.Load(),
			QualityChecks:          m.qualityChecks.Load(),
			OptimizationsTriggered: m.optimizationsTriggered.Load(),
			ImprovementsDeployed:   m.improvementsDeployed.Load(),
			CurrentQuality:         currentQuality,
			LastUpdate:             lastUpdate,
		},
		ComponentStatus: componentStatus,
	}
}

// Alerts returns a bounded history of fired AlertEvents.
func (m *Manager) Alerts() []AlertEvent {
	return m.alerts.snapshot()
}
