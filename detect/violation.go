// Package detect implements the stateless detectors and the rule engine that
// evaluates one account (plus its recent statuses) against the active rule
// set.
package detect

import "encoding/json"

// Evidence is the structured record attached to a violation: what matched,
// where, and any computed metrics.
type Evidence struct {
	MatchedTerms     []string       `json:"matched_terms,omitempty"`
	MatchedStatusIDs []string       `json:"matched_status_ids,omitempty"`
	Metrics          map[string]any `json:"metrics,omitempty"`
}

// Violation is one rule hit. Score equals the rule's weight on match.
type Violation struct {
	RuleName string   `json:"rule_name"`
	Score    float64  `json:"score"`
	Evidence Evidence `json:"evidence"`
}

// TotalScore sums violation scores; the result is the scalar compared against
// the report threshold.
func TotalScore(violations []Violation) float64 {
	var total float64
	for _, v := range violations {
		total += v.Score
	}
	return total
}

// Summary is a compact canonical serialization of the violation set, used as
// the evidence component of report dedupe keys.
func Summary(violations []Violation) string {
	type entry struct {
		Rule  string  `json:"rule"`
		Score float64 `json:"score"`
	}
	entries := make([]entry, 0, len(violations))
	for _, v := range violations {
		entries = append(entries, entry{Rule: v.RuleName, Score: v.Score})
	}
	raw, _ := json.Marshal(entries)
	return string(raw)
}
