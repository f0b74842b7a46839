package classify

import (
	"fmt"
	"strings"

	"github.com/nvr-ai/derm-screen/errs"
)

// ClassScore is one entry of the probability distribution.
type ClassScore struct {
	Class       string  `json:"class"`
	Probability float64 `json:"probability"`
}

// Verdict is the user-facing result of one run. It is built once and not
// modified afterwards.
type Verdict struct {
	RiskLevel         Risk         `json:"riskLevel"`
	ConfidencePercent float64      `json:"confidence"`
	PredictedClass    string       `json:"predictedClass"`
	Findings          []string     `json:"findings"`
	Recommendations   []string     `json:"recommendations"`
	NextSteps         []string     `json:"nextSteps"`
	Probabilities     []ClassScore `json:"probabilities"`
	Disclaimer        string       `json:"disclaimer,omitempty"`
}

// Classify turns logits into a verdict.
//
// The predicted class is the arg-max of the softmax. Its confidence is the
// top probability as a percentage with two decimals. The class's rule sets
// the risk and texts; below the policy's confidence floor the risk becomes
// moderate and the low-confidence finding and second-opinion recommendation
// are appended.
//
// Arguments:
//   - logits: One raw score per class.
//   - classNames: The class names in logit order.
//   - policy: The class rules and override settings.
//
// Returns:
//   - *Verdict: A fresh verdict.
//   - error: Internal when the lengths differ or the logits are unusable.
func Classify(logits []float32, classNames []string, policy Policy) (*Verdict, error) {
	const op = "classify"
	if len(logits) != len(classNames) {
		return nil, errs.Errorf(errs.Internal, op, "%d logits for %d classes", len(logits), len(classNames))
	}
	probs, err := Softmax(logits)
	if err != nil {
		return nil, err
	}

	idx, top := Top(probs)
	class := classNames[idx]
	confidence := ConfidencePercent(top)
	rule := policy.Rule(class)

	v := &Verdict{
		RiskLevel:         rule.Risk,
		ConfidencePercent: confidence,
		PredictedClass:    class,
		Findings:          nonNil(rule.Findings),
		Recommendations:   nonNil(rule.Recommendations),
		NextSteps:         nonNil(rule.NextSteps),
		Probabilities:     make([]ClassScore, len(probs)),
		Disclaimer:        policy.Disclaimer,
	}
	for i, p := range probs {
		v.Probabilities[i] = ClassScore{Class: classNames[i], Probability: p}
	}

	if confidence < policy.ConfidenceFloor {
		v.RiskLevel = RiskModerate
		if policy.LowConfidenceFinding != "" {
			v.Findings = append(v.Findings, policy.LowConfidenceFinding)
		}
		if policy.SecondOpinion != "" {
			v.Recommendations = append(v.Recommendations, policy.SecondOpinion)
		}
	}
	return v, nil
}

// Summary renders the verdict as plain text.
func (v *Verdict) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Risk level: %s\n", v.RiskLevel)
	fmt.Fprintf(&b, "Predicted class: %s (%.2f%% confidence)\n", v.PredictedClass, v.ConfidencePercent)
	section := func(title string, items []string) {
		if len(items) == 0 {
			return
		}
		fmt.Fprintf(&b, "%s:\n", title)
		for _, it := range items {
			fmt.Fprintf(&b, "  - %s\n", it)
		}
	}
	section("Findings", v.Findings)
	section("Recommendations", v.Recommendations)
	section("Next steps", v.NextSteps)
	if v.Disclaimer != "" {
		fmt.Fprintf(&b, "\n%s\n", v.Disclaimer)
	}
	return b.String()
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
