package detect

import (
	"strings"

	"github.com/mastomod/vigil/mastodon"
	"github.com/mastomod/vigil/store"
)

// evalKeyword treats the rule pattern as a comma-separated keyword list and
// does case-insensitive substring matching. One violation per target that
// contains at least one keyword; matched_terms enumerates every keyword that
// hit for that target.
func evalKeyword(rule *store.Rule, acct *mastodon.Account, statuses []*mastodon.Status) ([]Violation, error) {
	var keywords []string
	for _, kw := range strings.Split(rule.Pattern, ",") {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw != "" {
			keywords = append(keywords, kw)
		}
	}
	if len(keywords) == 0 {
		return nil, nil
	}

	var out []Violation
	for _, tgt := range accountTargets(acct, statuses) {
		text := strings.ToLower(tgt.text)
		if text == "" {
			continue
		}
		var matched []string
		for _, kw := range keywords {
			if strings.Contains(text, kw) {
				matched = append(matched, kw)
			}
		}
		if len(matched) == 0 {
			continue
		}
		v := Violation{
			RuleName: rule.Name,
			Score:    rule.Weight,
			Evidence: Evidence{
				MatchedTerms: matched,
				Metrics:      map[string]any{"field": tgt.field},
			},
		}
		if tgt.statusID != "" {
			v.Evidence.MatchedStatusIDs = []string{tgt.statusID}
		}
		out = append(out, v)
	}
	return out, nil
}
