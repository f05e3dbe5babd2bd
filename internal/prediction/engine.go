package prediction

import (
	"sync"
	"time"

	"github.com/terminal-bench/txflow/internal/assessor"
)

// Config holds load prediction engine configuration.
type Config struct {
	RetentionHours int           // how much history to keep
	SampleInterval time.Duration // cadence snapshots arrive at
	MinSamples     int           // minimum history before forecasting
	Model          ModelSpec
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		RetentionHours: 24,
		SampleInterval: 30 * time.Second,
		MinSamples:     10,
		Model:          ModelSpec{Kind: ModelEnsemble, Window: 10},
	}
}

// Engine maintains a bounded history of assessed conditions plus the load
// observed alongside each, keeps one fitted prediction model, and re-runs
// pattern detection as history accumulates. Single writer; queries may run
// concurrently.
type Engine struct {
	cfg Config

	mu       sync.RWMutex
	history  *ring
	fit      fitted
	model    Model
	patterns []Pattern
}

// NewEngine creates a prediction engine. Zero-valued config fields fall
// back to defaults.
func NewEngine(cfg Config) *Engine {
	def := DefaultConfig()
	if cfg.RetentionHours <= 0 {
		cfg.RetentionHours = def.RetentionHours
	}
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = def.SampleInterval
	}
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = def.MinSamples
	}
	if cfg.Model == (ModelSpec{}) {
		cfg.Model = def.Model
	}

	retained := int(time.Duration(cfg.RetentionHours) * time.Hour / cfg.SampleInterval)
	if retained < cfg.MinSamples {
		retained = cfg.MinSamples
	}

	return &Engine{
		cfg:     cfg,
		history: newRing(retained),
		model:   Model{Kind: cfg.Model.Kind, Params: map[string]float64{}},
	}
}

// Ingest appends one assessed condition and the active-connection count
// observed with it, evicting the oldest sample beyond retention. Once the
// history reaches the prediction minimum the model is re-fitted and the
// accuracy backtested; pattern detection re-runs on its own larger minimum.
func (e *Engine) Ingest(cond *assessor.Assessment, load float64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.history.push(Sample{At: cond.Snapshot.Timestamp, Condition: cond, Load: load})
	if e.history.len() < e.cfg.MinSamples {
		return
	}

	series := e.history.loads()
	e.fit = fitModel(e.cfg.Model, series)

	accuracy := backtestAccuracy(e.cfg.Model, series)
	e.model = Model{
		Kind:       e.cfg.Model.Kind,
		Params:     e.fit.params,
		Accuracy:   accuracy,
		Confidence: accuracy,
	}

	e.patterns = detectPatterns(series, e.cfg.SampleInterval)
}

// Predict returns the forecast load `offset` samples ahead. The second
// return is false while history is below the prediction minimum; that is
// not an error, just "not yet".
func (e *Engine) Predict(offset int) (float64, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.history.len() < e.cfg.MinSamples {
		return 0, false
	}
	return e.fit.predict(offset), true
}

// Model returns a copy of the current fitted model state.
func (e *Engine) Model() Model {
	e.mu.RLock()
	defer e.mu.RUnlock()

	params := make(map[string]float64, len(e.model.Params))
	for k, v := range e.model.Params {
		params[k] = v
	}
	m := e.model
	m.Params = params
	return m
}

// Patterns returns the most recently detected pattern set.
func (e *Engine) Patterns() []Pattern {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]Pattern, len(e.patterns))
	copy(out, e.patterns)
	return out
}

// HasPattern reports whether a pattern of the given kind was detected in
// the last cycle.
func (e *Engine) HasPattern(kind PatternKind) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()

	for _, p := range e.patterns {
		if p.Kind == kind {
			return true
		}
	}
	return false
}

// HistoryLen returns the number of retained samples.
func (e *Engine) HistoryLen() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.history.len()
}

// Latest returns the most recently ingested condition, if any.
func (e *Engine) Latest() (*assessor.Assessment, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.history.len() == 0 {
		return nil, false
	}
	return e.history.last().Condition, true
}

// SampleInterval exposes the configured cadence for callers converting
// horizons to sample offsets.
func (e *Engine) SampleInterval() time.Duration {
	return e.cfg.SampleInterval
}

// MinSamples exposes the configured prediction minimum.
func (e *Engine) MinSamples() int {
	return e.cfg.MinSamples
}
