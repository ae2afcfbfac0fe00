package adaptation

// DefaultStrategies returns the built-in English strategy table. Deployments
// override entries through configuration; the emotion set is closed.
func DefaultStrategies() map[string]*Strategy {
	return map[string]*Strategy{
		"angry": {
			Emotion:             "angry",
			IntensityThreshold:  0.4,
			Tone:                ToneApologetic,
			EscalationThreshold: 0.7,
			RequiresHumanReview: true,
			EmpathyOpeners: []string{
				"I completely understand your frustration, and I sincerely apologize for this experience.",
				"I'm very sorry this has happened.",
				"I understand this is frustrating.",
			},
			DeEscalationClosers: []string{
				"I'm escalating this so it gets resolved as quickly as possible.",
				"I'll make sure this gets sorted out for you.",
				"Let's get this fixed together.",
			},
			Substitutions: []Substitution{
				{Phrase: "you should have", Replacement: "next time it may help to"},
				{Phrase: "you failed to", Replacement: "it looks like the step to"},
				{Phrase: "unfortunately", Replacement: "I'm sorry, but"},
				{Phrase: "policy dictates", Replacement: "our guidelines ask"},
			},
			RequiredActions: []string{"acknowledge", "apologize", "offer_resolution"},
		},
		"frustrated": {
			Emotion:             "frustrated",
			IntensityThreshold:  0.5,
			Tone:                ToneEmpathetic,
			EscalationThreshold: 0.8,
			EmpathyOpeners: []string{
				"I hear you, and I'm sorry this has been such a hassle.",
				"I understand how frustrating this must be.",
				"Thanks for bearing with this.",
			},
			DeEscalationClosers: []string{
				"I'll stay on this until it's resolved.",
				"We'll get this sorted out.",
				"I'm here to help until this is fixed.",
			},
			Substitutions: []Substitution{
				{Phrase: "you should have", Replacement: "next time it may help to"},
				{Phrase: "as stated before", Replacement: "to recap"},
			},
			RequiredActions: []string{"acknowledge", "offer_resolution"},
		},
		"confused": {
			Emotion:             "confused",
			IntensityThreshold:  0.4,
			Tone:                ToneClearGuidance,
			EscalationThreshold: 0.95,
			EmpathyOpeners: []string{
				"No worries, let me walk you through this step by step.",
				"Happy to clarify.",
				"Good question.",
			},
			DeEscalationClosers: []string{
				"Does that make things clearer? I'm happy to go over any step again.",
				"Let me know if any part needs more detail.",
			},
			RequiredActions: []string{"simplify", "offer_examples"},
		},
		"neutral": {
			Emotion:             "neutral",
			IntensityThreshold:  1.1,
			Tone:                ToneFriendly,
			EscalationThreshold: 1.1,
		},
		"satisfied": {
			Emotion:             "satisfied",
			IntensityThreshold:  0.6,
			Tone:                ToneFriendly,
			EscalationThreshold: 1.1,
			EmpathyOpeners: []string{
				"Glad to hear that!",
				"Great!",
			},
			DeEscalationClosers: []string{
				"Is there anything else I can help you with?",
			},
		},
		"happy": {
			Emotion:             "happy",
			IntensityThreshold:  0.6,
			Tone:                ToneFriendly,
			EscalationThreshold: 1.1,
			EmpathyOpeners: []string{
				"That's wonderful to hear!",
				"Glad to hear it!",
			},
			DeEscalationClosers: []string{
				"Is there anything else I can help you with?",
			},
		},
		"excited": {
			Emotion:             "excited",
			IntensityThreshold:  0.5,
			Tone:                ToneEnthusiastic,
			EscalationThreshold: 1.1,
			EmpathyOpeners: []string{
				"Love the enthusiasm!",
				"That's great!",
			},
			DeEscalationClosers: []string{
				"Let me know how else I can help!",
			},
		},
	}
}

// toneAdditions are idempotent per-tone suffixes: each runs only when its
// marker class is absent from the text.
var toneAdditions = map[string]struct {
	markers  []string
	addition string
}{
	ToneEmpathetic: {
		markers:  []string{"understand", "hear you", "sorry"},
		addition: " I understand how important this is.",
	},
	ToneSupportive: {
		markers:  []string{"here to help", "support", "assist"},
		addition: " I'm here to help.",
	},
	ToneClearGuidance: {
		markers:  []string{"step", "first", "follow"},
		addition: " Let's take this one step at a time.",
	},
	ToneFriendly: {
		markers:  []string{"happy", "glad", "!"},
		addition: " Happy to help!",
	},
	ToneEnthusiastic: {
		markers:  []string{"!", "great", "wonderful"},
		addition: " That's great!",
	},
	ToneApologetic: {
		markers:  []string{"sorry", "apolog"},
		addition: " I apologize for the inconvenience.",
	},
}
