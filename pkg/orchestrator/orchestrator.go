package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dialogtree/dialog/pkg/providers"
)

// FallbackStrategy selects how the model chain is executed.
type FallbackStrategy string

const (
	// StrategySequential tries each model in chain order.
	StrategySequential FallbackStrategy = "sequential"
	// StrategyParallel launches all candidates concurrently; the first
	// result meeting the confidence threshold wins.
	StrategyParallel FallbackStrategy = "parallel"
	// StrategyHybrid tries the primary sequentially, then the remaining
	// fallbacks in parallel.
	StrategyHybrid FallbackStrategy = "hybrid"
)

// Config holds orchestrator tuning knobs.
type Config struct {
	ConfidenceThreshold float64          `yaml:"confidence_threshold"`
	Strategy            FallbackStrategy `yaml:"strategy"`
	BreakerThreshold    int              `yaml:"breaker_threshold"`
	BreakerCoolDown     time.Duration    `yaml:"breaker_cooldown"`
	RetryBaseDelay      time.Duration    `yaml:"retry_base_delay"`
	RetryMaxDelay       time.Duration    `yaml:"retry_max_delay"`
	ParallelTimeout     time.Duration    `yaml:"parallel_timeout"`
}

// SetDefaults applies default values.
func (c *Config) SetDefaults() {
	if c.ConfidenceThreshold == 0 {
		c.ConfidenceThreshold = 0.7
	}
	if c.Strategy == "" {
		c.Strategy = StrategySequential
	}
	if c.BreakerThreshold == 0 {
		c.BreakerThreshold = 5
	}
	if c.BreakerCoolDown == 0 {
		c.BreakerCoolDown = 300 * time.Second
	}
	if c.RetryBaseDelay == 0 {
		c.RetryBaseDelay = time.Second
	}
	if c.RetryMaxDelay == 0 {
		c.RetryMaxDelay = 30 * time.Second
	}
	if c.ParallelTimeout == 0 {
		c.ParallelTimeout = 20 * time.Second
	}
}

// Request is a capability request against the model catalog.
type Request struct {
	Capability     providers.Capability
	Input          string
	PreferredModel string
	Params         *providers.GenerationParams
	Metadata       map[string]any

	// ConfidenceThreshold overrides the configured threshold when > 0.
	ConfidenceThreshold float64
}

// Response is the gated outcome of a capability request.
type Response struct {
	Content      string
	Model        string
	Usage        providers.TokenUsage
	Confidence   float64
	Elapsed      time.Duration
	FallbackUsed bool
	Metadata     map[string]any
}

// Attempt is the diagnostic record of one failed model attempt.
type Attempt struct {
	Model      string              `json:"model"`
	Elapsed    time.Duration       `json:"elapsed"`
	Kind       providers.ErrorKind `json:"kind"`
	Message    string              `json:"message"`
	Confidence float64             `json:"confidence,omitempty"`
}

// ErrNoCandidate reports that no model supports the requested capability.
var ErrNoCandidate = errors.New("no model supports the requested capability")

// AllProvidersFailedError reports that every model in the chain failed or
// was skipped by its circuit breaker.
type AllProvidersFailedError struct {
	Capability providers.Capability
	Attempts   []Attempt
}

func (e *AllProvidersFailedError) Error() string {
	return fmt.Sprintf("all providers failed for capability %s (%d attempts)", e.Capability, len(e.Attempts))
}

// Recorder receives per-call observations. The observability package
// provides the production implementation; a nil recorder is valid.
type Recorder interface {
	RecordProviderCall(model string, elapsed time.Duration, success bool, tokens int)
}

// Orchestrator executes capability requests against model chains with
// confidence gating, retry, and circuit breaking.
type Orchestrator struct {
	registry *providers.Registry
	cfg      Config
	breakers *breakerSet
	usage    *UsageTracker
	recorder Recorder
	sleep    func(ctx context.Context, d time.Duration) error
}

// New builds an orchestrator over the given registry.
func New(reg *providers.Registry, cfg Config, recorder Recorder) *Orchestrator {
	cfg.SetDefaults()
	return &Orchestrator{
		registry: reg,
		cfg:      cfg,
		breakers: newBreakerSet(cfg.BreakerThreshold, cfg.BreakerCoolDown),
		usage:    NewUsageTracker(),
		recorder: recorder,
		sleep:    sleepCtx,
	}
}

// Usage exposes the cost/usage tracker.
func (o *Orchestrator) Usage() *UsageTracker {
	return o.usage
}

// BreakerStates returns the current circuit state per model.
func (o *Orchestrator) BreakerStates() map[string]string {
	return o.breakers.states()
}

// BreakerFor exposes the breaker for a model. Used by health reporting.
func (o *Orchestrator) BreakerFor(model string) *CircuitBreaker {
	return o.breakers.forModel(model)
}

// Process resolves a model chain for the request and executes it under the
// configured fallback strategy.
func (o *Orchestrator) Process(ctx context.Context, req *Request) (*Response, error) {
	chain := o.resolveChain(req)
	if len(chain) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoCandidate, req.Capability)
	}

	threshold := req.ConfidenceThreshold
	if threshold <= 0 {
		threshold = o.cfg.ConfidenceThreshold
	}

	switch o.cfg.Strategy {
	case StrategyParallel:
		return o.processParallel(ctx, req, chain, threshold)
	case StrategyHybrid:
		resp, err := o.processSequential(ctx, req, chain[:1], threshold)
		if err == nil {
			return resp, nil
		}
		if len(chain) == 1 {
			return nil, err
		}
		resp, perr := o.processParallel(ctx, req, chain[1:], threshold)
		if perr != nil {
			return nil, mergeFailures(req.Capability, err, perr)
		}
		resp.FallbackUsed = true
		return resp, nil
	default:
		return o.processSequential(ctx, req, chain, threshold)
	}
}

// resolveChain prefers the requested model's fallback chain when that model
// offers the capability; otherwise the capability's candidate list is used.
func (o *Orchestrator) resolveChain(req *Request) []*providers.ModelInfo {
	if req.PreferredModel != "" {
		if m, ok := o.registry.Lookup(req.PreferredModel); ok && m.HasCapability(req.Capability) {
			chain := o.registry.FallbackChain(m.Name)
			usable := make([]*providers.ModelInfo, 0, len(chain))
			for _, cm := range chain {
				if cm.HasCapability(req.Capability) {
					usable = append(usable, cm)
				}
			}
			if len(usable) > 0 {
				return usable
			}
		}
	}
	return o.registry.Candidates(req.Capability)
}

func (o *Orchestrator) processSequential(ctx context.Context, req *Request, chain []*providers.ModelInfo, threshold float64) (*Response, error) {
	attempts := make([]Attempt, 0, len(chain))

	for i, model := range chain {
		breaker := o.breakers.forModel(model.Name)
		if !breaker.Allow() {
			attempts = append(attempts, Attempt{
				Model:   model.Name,
				Kind:    providers.ErrorKindModelUnavailable,
				Message: "circuit open",
			})
			continue
		}

		resp, attempt := o.attempt(ctx, req, model, threshold)
		if resp != nil {
			resp.FallbackUsed = i > 0
			return resp, nil
		}
		attempts = append(attempts, *attempt)

		if ctx.Err() != nil {
			break
		}

		// Delay before moving to the next model.
		if i < len(chain)-1 && attempt.Kind.Retryable() {
			if err := o.sleep(ctx, o.backoff(i)); err != nil {
				break
			}
		}
	}

	return nil, &AllProvidersFailedError{Capability: req.Capability, Attempts: attempts}
}

type parallelOutcome struct {
	resp    *Response
	attempt *Attempt
}

func (o *Orchestrator) processParallel(ctx context.Context, req *Request, chain []*providers.ModelInfo, threshold float64) (*Response, error) {
	pctx, cancel := context.WithTimeout(ctx, o.cfg.ParallelTimeout)
	defer cancel()

	results := make(chan parallelOutcome, len(chain))
	var launched int
	attempts := make([]Attempt, 0, len(chain))

	var wg sync.WaitGroup
	for _, model := range chain {
		breaker := o.breakers.forModel(model.Name)
		if !breaker.Allow() {
			attempts = append(attempts, Attempt{
				Model:   model.Name,
				Kind:    providers.ErrorKindModelUnavailable,
				Message: "circuit open",
			})
			continue
		}

		launched++
		wg.Add(1)
		go func(m *providers.ModelInfo) {
			defer wg.Done()
			resp, attempt := o.attempt(pctx, req, m, threshold)
			results <- parallelOutcome{resp: resp, attempt: attempt}
		}(model)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	if launched == 0 {
		return nil, &AllProvidersFailedError{Capability: req.Capability, Attempts: attempts}
	}

	var best *Response
	for outcome := range results {
		if outcome.resp != nil {
			// First result meeting the threshold wins; losers are cancelled.
			cancel()
			if best == nil || outcome.resp.Confidence > best.Confidence {
				best = outcome.resp
			}
		} else if outcome.attempt != nil {
			attempts = append(attempts, *outcome.attempt)
		}
	}

	if best != nil {
		best.FallbackUsed = best.Model != chain[0].Name
		return best, nil
	}
	return nil, &AllProvidersFailedError{Capability: req.Capability, Attempts: attempts}
}

// attempt executes a single model call with the model's timeout and applies
// the confidence gate. Exactly one of the return values is non-nil.
func (o *Orchestrator) attempt(ctx context.Context, req *Request, model *providers.ModelInfo, threshold float64) (*Response, *Attempt) {
	breaker := o.breakers.forModel(model.Name)

	provider, err := o.registry.ProviderFor(model)
	if err != nil {
		breaker.RecordFailure()
		return nil, &Attempt{Model: model.Name, Kind: providers.ErrorKindModelUnavailable, Message: err.Error()}
	}

	callCtx, cancel := context.WithTimeout(ctx, model.Timeout)
	defer cancel()

	preq := &providers.Request{
		Capability: req.Capability,
		Input:      req.Input,
		Metadata:   req.Metadata,
		Params:     req.Params,
	}
	if preq.Params == nil {
		p := model.Generation
		preq.Params = &p
	}

	start := time.Now()
	result, err := provider.Invoke(callCtx, model, preq)
	elapsed := time.Since(start)

	if err != nil {
		kind := providers.Classify(err)
		breaker.RecordFailure()
		o.usage.RecordFailure(model.Name, elapsed)
		if o.recorder != nil {
			o.recorder.RecordProviderCall(model.Name, elapsed, false, 0)
		}
		slog.Debug("Provider attempt failed",
			"model", model.Name,
			"capability", req.Capability,
			"kind", kind,
			"error", err)
		return nil, &Attempt{Model: model.Name, Elapsed: elapsed, Kind: kind, Message: err.Error()}
	}

	if result.Confidence < threshold {
		breaker.RecordFailure()
		o.usage.RecordFailure(model.Name, elapsed)
		if o.recorder != nil {
			o.recorder.RecordProviderCall(model.Name, elapsed, false, result.Usage.TotalTokens)
		}
		return nil, &Attempt{
			Model:      model.Name,
			Elapsed:    elapsed,
			Kind:       providers.ErrorKindLowConfidence,
			Message:    fmt.Sprintf("confidence %.2f below threshold %.2f", result.Confidence, threshold),
			Confidence: result.Confidence,
		}
	}

	usage := result.Usage
	if usage.Cost == 0 && model.CostPer1KTokens > 0 {
		usage.Cost = float64(usage.TotalTokens) / 1000 * model.CostPer1KTokens
	}

	breaker.RecordSuccess()
	o.usage.RecordSuccess(model.Name, model.Provider, usage, result.Confidence, elapsed)
	if o.recorder != nil {
		o.recorder.RecordProviderCall(model.Name, elapsed, true, usage.TotalTokens)
	}

	return &Response{
		Content:    result.Content,
		Model:      model.Name,
		Usage:      usage,
		Confidence: result.Confidence,
		Elapsed:    elapsed,
		Metadata:   result.Metadata,
	}, nil
}

// backoff returns base·2^k capped at the configured max.
func (o *Orchestrator) backoff(k int) time.Duration {
	d := o.cfg.RetryBaseDelay << uint(k)
	if d > o.cfg.RetryMaxDelay || d <= 0 {
		return o.cfg.RetryMaxDelay
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func mergeFailures(capability providers.Capability, a, b error) error {
	var ea, eb *AllProvidersFailedError
	merged := &AllProvidersFailedError{Capability: capability}
	if errors.As(a, &ea) {
		merged.Attempts = append(merged.Attempts, ea.Attempts...)
	}
	if errors.As(b, &eb) {
		merged.Attempts = append(merged.Attempts, eb.Attempts...)
	}
	if len(merged.Attempts) == 0 {
		return b
	}
	return merged
}
