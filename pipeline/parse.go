package pipeline

import (
	"encoding/json"
	"strings"
)

// Structured-output stages parse their upstream response as JSON. Malformed
// output is never fatal: each parser substitutes a conservative, explicit
// default and the pipeline proceeds.

// Classification is the routing stage's structured output.
type Classification struct {
	// Complexity is "simple", "medium", or "complex".
	Complexity string `json:"complexity"`

	// Domains lists the knowledge domains the question touches.
	Domains []string `json:"domains,omitempty"`

	// NeedsSearch requests web context before reasoning.
	NeedsSearch bool `json:"needs_search"`

	// Reasoning is the model's routing justification.
	Reasoning string `json:"reasoning,omitempty"`
}

// DefaultClassification is the fallback for malformed routing output:
// medium complexity, no search.
func DefaultClassification() Classification {
	return Classification{Complexity: "medium"}
}

// ModeFor maps a classification onto a pipeline mode.
func (c Classification) ModeFor() Mode {
	switch c.Complexity {
	case "simple":
		return ModeInstant
	case "complex":
		return ModeUltra
	default:
		return ModeDeep
	}
}

// ParseClassification decodes routing output, defaulting on failure.
func ParseClassification(text string) Classification {
	var c Classification
	if err := json.Unmarshal(extractJSON(text), &c); err != nil {
		return DefaultClassification()
	}
	switch c.Complexity {
	case "simple", "medium", "complex":
	default:
		c.Complexity = "medium"
	}
	return c
}

// Decomposition is the problem breakdown produced before solving.
type Decomposition struct {
	// Subproblems are the ordered pieces the solvers address.
	Subproblems []string `json:"subproblems"`

	// Approach summarizes the overall solution strategy.
	Approach string `json:"approach,omitempty"`
}

// DefaultDecomposition is the fallback shape: the input itself as the single
// subproblem, solved directly.
func DefaultDecomposition(input string) Decomposition {
	return Decomposition{Subproblems: []string{input}, Approach: "direct"}
}

// ParseDecomposition decodes a breakdown, defaulting on failure or when the
// model returned no subproblems.
func ParseDecomposition(text, input string) Decomposition {
	var d Decomposition
	if err := json.Unmarshal(extractJSON(text), &d); err != nil || len(d.Subproblems) == 0 {
		return DefaultDecomposition(input)
	}
	return d
}

// Critique is the adversarial review of a candidate solution.
type Critique struct {
	// Issues are concrete problems found in the solution.
	Issues []string `json:"issues"`

	// MissingAngles are perspectives the solution failed to consider.
	// A non-empty list triggers escalation regardless of confidence.
	MissingAngles []string `json:"missing_angles"`

	// Strengths notes what the solution got right.
	Strengths []string `json:"strengths,omitempty"`
}

// ParseCritique decodes a critique; the default is empty issue lists.
func ParseCritique(text string) Critique {
	var c Critique
	if err := json.Unmarshal(extractJSON(text), &c); err != nil {
		return Critique{}
	}
	return c
}

// Verification is the cross-check of fan-out solutions against each other.
type Verification struct {
	// Consistent reports whether the solutions agree on essentials.
	Consistent bool `json:"consistent"`

	// Concerns lists contradictions or unsupported claims found.
	Concerns []string `json:"concerns,omitempty"`
}

// ParseVerification decodes verification output; the default treats the
// solutions as consistent with no concerns.
func ParseVerification(text string) Verification {
	var v Verification
	if err := json.Unmarshal(extractJSON(text), &v); err != nil {
		return Verification{Consistent: true}
	}
	return v
}

// Confidence is the self-assessment driving the escalation gate.
type Confidence struct {
	// Score is 0-100.
	Score int `json:"score"`

	// Justification explains the score.
	Justification string `json:"justification,omitempty"`
}

// NeutralConfidence is the fallback score for malformed confidence output.
// It sits exactly at the escalation threshold so a parse failure alone never
// forces the expensive branch.
const NeutralConfidence = 70

// ParseConfidence decodes a confidence assessment, defaulting to neutral.
func ParseConfidence(text string) Confidence {
	var c Confidence
	if err := json.Unmarshal(extractJSON(text), &c); err != nil {
		return Confidence{Score: NeutralConfidence}
	}
	if c.Score < 0 || c.Score > 100 {
		c.Score = NeutralConfidence
	}
	return c
}

// MetaCritique is the completeness judgment on a synthesized answer.
type MetaCritique struct {
	// Complete reports whether the answer fully addresses the input.
	Complete bool `json:"complete"`

	// Gaps lists what a re-synthesis should add.
	Gaps []string `json:"gaps,omitempty"`
}

// ParseMetaCritique decodes the judgment; the default accepts the answer as
// complete so a parse failure never triggers an extra synthesis pass.
func ParseMetaCritique(text string) MetaCritique {
	var m MetaCritique
	if err := json.Unmarshal(extractJSON(text), &m); err != nil {
		return MetaCritique{Complete: true}
	}
	return m
}

// ShouldEscalate computes the deep branch's gate: escalation on low
// confidence or on any flagged missing angle, each alone sufficient.
func ShouldEscalate(conf Confidence, crit Critique) bool {
	return conf.Score < NeutralConfidence || len(crit.MissingAngles) > 0
}

// extractJSON trims the response down to its outermost JSON object. Models
// frequently wrap JSON in prose or markdown fences.
func extractJSON(text string) []byte {
	text = strings.TrimSpace(text)
	if idx := strings.Index(text, "```"); idx >= 0 {
		text = strings.TrimPrefix(text[idx+3:], "json")
		if end := strings.Index(text, "```"); end >= 0 {
			text = text[:end]
		}
	}
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		text = text[start : end+1]
	}
	return []byte(text)
}
