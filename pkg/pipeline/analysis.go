package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/mitchellh/mapstructure"
	"golang.org/x/sync/errgroup"

	"github.com/dialogtree/dialog/pkg/orchestrator"
	"github.com/dialogtree/dialog/pkg/providers"
)

// Entity is one extracted named entity.
type Entity struct {
	Type       string  `json:"type" mapstructure:"type"`
	Value      string  `json:"value" mapstructure:"value"`
	Confidence float64 `json:"confidence,omitempty" mapstructure:"confidence"`
}

// analysis accumulates the fan-out results. A zero field means its
// sub-step failed or was skipped; the pipeline continues regardless.
type analysis struct {
	mu sync.Mutex

	language string

	intent           string
	intentConfidence float64
	intentParams     map[string]any

	sentimentLabel      string
	sentimentScore      float64
	sentimentConfidence float64
	sentimentKnown      bool

	emotion           string
	emotionIntensity  float64
	emotionConfidence float64

	entities []Entity

	failures []providerFailure
}

type providerFailure struct {
	model string
	kind  providers.ErrorKind
}

type analysisStep struct {
	name string
	run  func(ctx context.Context) error
}

// fanOut runs the five analysis steps, concurrently in parallel mode and
// in order otherwise. Individual failures are isolated: the step's fields
// stay empty and the turn continues.
func (p *Pipeline) fanOut(ctx context.Context, a *analysis, utterance string) {
	steps := []analysisStep{
		{"language_detection", func(ctx context.Context) error { return p.detectLanguage(ctx, a, utterance) }},
		{"intent_classification", func(ctx context.Context) error { return p.classifyIntent(ctx, a, utterance) }},
		{"sentiment_analysis", func(ctx context.Context) error { return p.analyzeSentiment(ctx, a, utterance) }},
		{"emotion_detection", func(ctx context.Context) error { return p.detectEmotion(ctx, a, utterance) }},
		{"entity_extraction", func(ctx context.Context) error { return p.extractEntities(ctx, a, utterance) }},
	}

	if p.cfg.Sequential {
		for _, step := range steps {
			if err := step.run(ctx); err != nil {
				slog.Debug("Analysis step failed", "step", step.name, "error", err)
			}
		}
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, step := range steps {
		step := step
		g.Go(func() error {
			if err := step.run(gctx); err != nil {
				slog.Debug("Analysis step failed", "step", step.name, "error", err)
			}
			// Step failures never cancel siblings.
			return nil
		})
	}
	_ = g.Wait()
}

func (p *Pipeline) dispatch(ctx context.Context, a *analysis, capability providers.Capability, input string, meta map[string]any) (*orchestrator.Response, error) {
	resp, err := p.orch.Process(ctx, &orchestrator.Request{
		Capability: capability,
		Input:      input,
		Metadata:   meta,
	})
	if err != nil {
		a.recordFailure(err)
		return nil, err
	}
	return resp, nil
}

func (a *analysis) recordFailure(err error) {
	var apf *orchestrator.AllProvidersFailedError
	if !errors.As(err, &apf) {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, att := range apf.Attempts {
		a.failures = append(a.failures, providerFailure{model: att.Model, kind: att.Kind})
	}
}

func (p *Pipeline) detectLanguage(ctx context.Context, a *analysis, utterance string) error {
	resp, err := p.dispatch(ctx, a, providers.CapabilityLanguageDetection, utterance, nil)
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.language = resp.Content
	a.mu.Unlock()
	return nil
}

func (p *Pipeline) classifyIntent(ctx context.Context, a *analysis, utterance string) error {
	resp, err := p.dispatch(ctx, a, providers.CapabilityIntentClassification, utterance, map[string]any{
		"intents": p.cfg.Intents,
	})
	if err != nil {
		return err
	}

	params := map[string]any{}
	if raw, ok := resp.Metadata["params"]; ok {
		if decoded, ok := raw.(map[string]any); ok {
			params = decoded
		}
	}

	a.mu.Lock()
	a.intent = resp.Content
	a.intentConfidence = resp.Confidence
	a.intentParams = params
	a.mu.Unlock()
	return nil
}

func (p *Pipeline) analyzeSentiment(ctx context.Context, a *analysis, utterance string) error {
	resp, err := p.dispatch(ctx, a, providers.CapabilitySentimentAnalysis, utterance, nil)
	if err != nil {
		return err
	}

	a.mu.Lock()
	a.sentimentLabel = resp.Content
	a.sentimentScore = metaFloat(resp.Metadata, "score")
	a.sentimentConfidence = resp.Confidence
	a.sentimentKnown = true
	a.mu.Unlock()
	return nil
}

func (p *Pipeline) detectEmotion(ctx context.Context, a *analysis, utterance string) error {
	resp, err := p.dispatch(ctx, a, providers.CapabilityEmotionDetection, utterance, map[string]any{
		"emotions": p.cfg.Emotions,
	})
	if err != nil {
		return err
	}

	a.mu.Lock()
	a.emotion = resp.Content
	a.emotionIntensity = metaFloat(resp.Metadata, "intensity")
	a.emotionConfidence = resp.Confidence
	a.mu.Unlock()
	return nil
}

func (p *Pipeline) extractEntities(ctx context.Context, a *analysis, utterance string) error {
	resp, err := p.dispatch(ctx, a, providers.CapabilityEntityExtraction, utterance, nil)
	if err != nil {
		return err
	}

	var entities []Entity
	if raw, ok := resp.Metadata["entities"]; ok {
		switch v := raw.(type) {
		case []Entity:
			entities = v
		default:
			if err := mapstructure.Decode(raw, &entities); err != nil {
				slog.Debug("Failed to decode entities", "error", err)
			}
		}
	}

	a.mu.Lock()
	a.entities = entities
	a.mu.Unlock()
	return nil
}

// aggregateConfidence combines the analysis confidences with fixed weights
// (intent 0.5, sentiment 0.3, emotion 0.2), renormalised over the fields
// actually present.
func (a *analysis) aggregateConfidence() float64 {
	var sum, weight float64
	if a.intent != "" {
		sum += 0.5 * a.intentConfidence
		weight += 0.5
	}
	if a.sentimentKnown {
		sum += 0.3 * a.sentimentConfidence
		weight += 0.3
	}
	if a.emotion != "" {
		sum += 0.2 * a.emotionConfidence
		weight += 0.2
	}
	if weight == 0 {
		return 0
	}
	return sum / weight
}

func metaFloat(meta map[string]any, key string) float64 {
	if meta == nil {
		return 0
	}
	switch v := meta[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	default:
		return 0
	}
}
