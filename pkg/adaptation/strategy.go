package adaptation

// Tone tags attached to adapted responses.
const (
	ToneEmpathetic    = "empathetic"
	ToneSupportive    = "supportive"
	ToneClearGuidance = "clear_guidance"
	ToneFriendly      = "friendly"
	ToneEnthusiastic  = "enthusiastic"
	ToneApologetic    = "apologetic"
	ToneNeutral       = "neutral"
)

// Substitution replaces one disallowed phrase. Substitutions apply in
// declaration order.
type Substitution struct {
	Phrase      string `yaml:"phrase"`
	Replacement string `yaml:"replacement"`
}

// Strategy describes how responses are rewritten for one detected emotion.
type Strategy struct {
	Emotion             string         `yaml:"emotion"`
	IntensityThreshold  float64        `yaml:"intensity_threshold"`
	Tone                string         `yaml:"tone"`
	EscalationThreshold float64        `yaml:"escalation_threshold"`
	RequiresHumanReview bool           `yaml:"requires_human_review,omitempty"`
	EmpathyOpeners      []string       `yaml:"empathy_openers,omitempty"`
	DeEscalationClosers []string       `yaml:"de_escalation_closers,omitempty"`
	Substitutions       []Substitution `yaml:"substitutions,omitempty"`
	RequiredActions     []string       `yaml:"required_actions,omitempty"`
}

// openerFor picks an opener slot by intensity bucket. High intensity takes
// the strongest (first) opener, medium the middle, low the last.
func (s *Strategy) openerFor(intensity float64) string {
	n := len(s.EmpathyOpeners)
	if n == 0 {
		return ""
	}
	switch {
	case intensity >= 0.8:
		return s.EmpathyOpeners[0]
	case intensity >= 0.5:
		return s.EmpathyOpeners[n/2]
	default:
		return s.EmpathyOpeners[n-1]
	}
}

// closerFor picks a de-escalation closer by intensity and the user's
// trailing sentiment trend. A worsening trend always takes the strongest
// closer.
func (s *Strategy) closerFor(intensity float64, trend string) string {
	n := len(s.DeEscalationClosers)
	if n == 0 {
		return ""
	}
	if trend == "worsening" || intensity >= 0.8 {
		return s.DeEscalationClosers[0]
	}
	if intensity >= 0.5 {
		return s.DeEscalationClosers[n/2]
	}
	return s.DeEscalationClosers[n-1]
}
