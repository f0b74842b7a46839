package classify

import (
	"fmt"
	"maps"
	"slices"
	"strings"
)

// Risk is the coarse risk category of a verdict.
type Risk string

// Risk levels
const (
	RiskLow      Risk = "low"
	RiskModerate Risk = "moderate"
	RiskHigh     Risk = "high"
)

// ParseRisk validates a risk level name.
func ParseRisk(s string) (Risk, error) {
	switch r := Risk(strings.ToLower(strings.TrimSpace(s))); r {
	case RiskLow, RiskModerate, RiskHigh:
		return r, nil
	default:
		return "", fmt.Errorf("unknown risk level %q", s)
	}
}

// Rule is the fixed outcome attached to a predicted class.
type Rule struct {
	Risk            Risk     `mapstructure:"risk"`
	Findings        []string `mapstructure:"findings"`
	Recommendations []string `mapstructure:"recommendations"`
	NextSteps       []string `mapstructure:"next_steps"`
}

func (r Rule) clone() Rule {
	return Rule{
		Risk:            r.Risk,
		Findings:        slices.Clone(r.Findings),
		Recommendations: slices.Clone(r.Recommendations),
		NextSteps:       slices.Clone(r.NextSteps),
	}
}

// Policy maps predicted classes to rules and applies the low-confidence
// override.
type Policy struct {
	// Rules is keyed by lower-case class name.
	Rules map[string]Rule `mapstructure:"rules"`
	// Fallback applies to classes without a rule.
	Fallback Rule `mapstructure:"fallback"`
	// ConfidenceFloor is the percentage below which the verdict becomes moderate.
	ConfidenceFloor float64 `mapstructure:"confidence_floor"`
	// LowConfidenceFinding is appended to findings when the override applies.
	LowConfidenceFinding string `mapstructure:"low_confidence_finding"`
	// SecondOpinion is appended to recommendations when the override applies.
	SecondOpinion string `mapstructure:"second_opinion"`
	// Disclaimer is attached to every verdict.
	Disclaimer string `mapstructure:"disclaimer"`
}

// DefaultConfidenceFloor is the default override threshold, in percent.
const DefaultConfidenceFloor = 70.0

// DefaultDisclaimer accompanies every verdict.
const DefaultDisclaimer = "This AI analysis is for screening purposes only and should not replace " +
	"professional medical diagnosis. Please consult with a qualified dermatologist for proper " +
	"evaluation and treatment recommendations."

// DefaultPolicy returns the benign/malignant policy. Every call returns
// fresh slices.
func DefaultPolicy() Policy {
	return Policy{
		Rules: map[string]Rule{
			"malignant": {
				Risk: RiskHigh,
				Findings: []string{
					"Irregular pigmentation detected",
					"Asymmetrical border characteristics",
					"Color variation noted in central region",
				},
				Recommendations: []string{
					"Schedule consultation with dermatologist within 2-4 weeks",
					"Monitor for changes in size, color, or texture",
					"Avoid excessive sun exposure",
				},
				NextSteps: []string{
					"Book appointment with certified dermatologist",
					"Document any symptoms or changes",
					"Consider professional biopsy if recommended",
				},
			},
			"benign": {
				Risk: RiskLow,
				Findings: []string{
					"Size within normal parameters",
					"Regular pigmentation pattern",
					"Symmetrical border characteristics",
				},
				Recommendations: []string{
					"Monitor for changes in size, color, or texture",
					"Use broad-spectrum sunscreen daily",
					"Avoid excessive sun exposure",
				},
				NextSteps: []string{
					"Take additional photos for comparison",
					"Document any symptoms or changes",
					"Repeat the screening if the lesion changes",
				},
			},
		},
		Fallback: Rule{
			Risk: RiskModerate,
			Findings: []string{
				"Lesion characteristics do not match a known benign pattern",
			},
			Recommendations: []string{
				"Schedule consultation with dermatologist within 2-4 weeks",
				"Monitor for changes in size, color, or texture",
			},
			NextSteps: []string{
				"Book appointment with certified dermatologist",
				"Take additional photos for comparison",
			},
		},
		ConfidenceFloor:      DefaultConfidenceFloor,
		LowConfidenceFinding: "Model confidence is below the reliability threshold",
		SecondOpinion:        "Seek a second opinion from a dermatologist",
		Disclaimer:           DefaultDisclaimer,
	}
}

// Rule returns a copy of the rule for class, matching case-insensitively,
// or the fallback rule.
func (p Policy) Rule(class string) Rule {
	if r, ok := p.Rules[strings.ToLower(class)]; ok {
		return r.clone()
	}
	for k, r := range p.Rules {
		if strings.EqualFold(strings.TrimSpace(k), class) {
			return r.clone()
		}
	}
	if p.Fallback.Risk == "" {
		return Rule{Risk: RiskModerate}
	}
	return p.Fallback.clone()
}

// Normalize lower-cases rule keys so lookups are case-insensitive.
func (p Policy) Normalize() Policy {
	rules := make(map[string]Rule, len(p.Rules))
	for k, r := range p.Rules {
		rules[strings.ToLower(strings.TrimSpace(k))] = r.clone()
	}
	p.Rules = rules
	p.Fallback = p.Fallback.clone()
	return p
}

// Validate rejects floors outside [0, 100] and unknown risk levels.
func (p Policy) Validate() error {
	if p.ConfidenceFloor < 0 || p.ConfidenceFloor > 100 {
		return fmt.Errorf("confidence floor must be within [0, 100], got %v", p.ConfidenceFloor)
	}
	for _, k := range slices.Sorted(maps.Keys(p.Rules)) {
		if _, err := ParseRisk(string(p.Rules[k].Risk)); err != nil {
			return fmt.Errorf("rule %q: %w", k, err)
		}
	}
	if p.Fallback.Risk != "" {
		if _, err := ParseRisk(string(p.Fallback.Risk)); err != nil {
			return fmt.Errorf("fallback rule: %w", err)
		}
	}
	return nil
}
