package adaptation

import (
	"strings"
)

// Input carries everything the rewrite rules look at for one turn.
type Input struct {
	Text           string
	Emotion        string
	Intensity      float64
	Confidence     float64
	SentimentTrend string
}

// Result of adapting one response.
type Result struct {
	Text               string
	Modified           bool
	Tone               string
	RequiresEscalation bool
	EscalationReason   string
	AppliedRules       []string
	RequiredActions    []string
}

// Adapter rewrites responses according to the per-emotion strategy table.
type Adapter struct {
	strategies map[string]*Strategy
}

// NewAdapter builds an adapter. Overrides replace the default strategy for
// their emotion; a nil map keeps the built-in table.
func NewAdapter(overrides map[string]*Strategy) *Adapter {
	strategies := DefaultStrategies()
	for emotion, s := range overrides {
		if s != nil {
			strategies[emotion] = s
		}
	}
	return &Adapter{strategies: strategies}
}

// StrategyFor returns the strategy for an emotion, or nil when unknown.
func (a *Adapter) StrategyFor(emotion string) *Strategy {
	return a.strategies[emotion]
}

// Adapt applies the ordered rewrite rules and decides escalation.
func (a *Adapter) Adapt(in Input) *Result {
	strategy := a.strategies[in.Emotion]
	if strategy == nil {
		return &Result{Text: in.Text, Tone: ToneNeutral}
	}

	res := &Result{
		Text:            in.Text,
		Tone:            strategy.Tone,
		RequiredActions: strategy.RequiredActions,
	}

	lower := strings.ToLower(res.Text)

	// Rule 1: empathy opener, unless one is already present.
	if in.Intensity >= strategy.IntensityThreshold && !containsAny(lower, strategy.EmpathyOpeners) {
		if opener := strategy.openerFor(in.Intensity); opener != "" {
			res.Text = opener + " " + res.Text
			res.Modified = true
			res.AppliedRules = append(res.AppliedRules, "empathy_opener")
		}
	}

	// Rule 2: de-escalation closer.
	lower = strings.ToLower(res.Text)
	if in.Intensity >= strategy.IntensityThreshold && !containsAny(lower, strategy.DeEscalationClosers) {
		if closer := strategy.closerFor(in.Intensity, in.SentimentTrend); closer != "" {
			res.Text = strings.TrimRight(res.Text, " ") + " " + closer
			res.Modified = true
			res.AppliedRules = append(res.AppliedRules, "de_escalation_closer")
		}
	}

	// Rule 3: disallowed-phrase substitution, in declaration order.
	for _, sub := range strategy.Substitutions {
		if replaced, changed := replaceFold(res.Text, sub.Phrase, sub.Replacement); changed {
			res.Text = replaced
			res.Modified = true
			res.AppliedRules = append(res.AppliedRules, "substitution:"+sub.Phrase)
		}
	}

	// Rule 4: tone addition, idempotent on its marker class.
	if add, ok := toneAdditions[strategy.Tone]; ok {
		lower = strings.ToLower(res.Text)
		if !containsAny(lower, add.markers) {
			res.Text += add.addition
			res.Modified = true
			res.AppliedRules = append(res.AppliedRules, "tone:"+strategy.Tone)
		}
	}

	if in.Intensity >= strategy.EscalationThreshold {
		res.RequiresEscalation = true
		res.EscalationReason = "emotion intensity " + in.Emotion
	} else if strategy.RequiresHumanReview && in.Confidence >= 0.8 {
		res.RequiresEscalation = true
		res.EscalationReason = "human review required for " + in.Emotion
	}

	return res
}

func containsAny(lowerText string, candidates []string) bool {
	for _, c := range candidates {
		if c == "" {
			continue
		}
		if strings.Contains(lowerText, strings.ToLower(c)) {
			return true
		}
	}
	return false
}

// replaceFold replaces every case-insensitive occurrence of phrase.
func replaceFold(text, phrase, replacement string) (string, bool) {
	if phrase == "" {
		return text, false
	}
	lowerText := strings.ToLower(text)
	lowerPhrase := strings.ToLower(phrase)

	var b strings.Builder
	changed := false
	for {
		idx := strings.Index(lowerText, lowerPhrase)
		if idx < 0 {
			b.WriteString(text)
			break
		}
		b.WriteString(text[:idx])
		b.WriteString(replacement)
		text = text[idx+len(phrase):]
		lowerText = lowerText[idx+len(lowerPhrase):]
		changed = true
	}
	return b.String(), changed
}
