package detect

import (
	"fmt"
	"regexp"

	"github.com/mastomod/vigil/mastodon"
	"github.com/mastomod/vigil/rules"
	"github.com/mastomod/vigil/store"
)

// matchTarget is one field of one input considered by the text detectors.
type matchTarget struct {
	field    string
	text     string
	statusID string
}

func accountTargets(acct *mastodon.Account, statuses []*mastodon.Status) []matchTarget {
	targets := []matchTarget{
		{field: "username", text: acct.Username},
		{field: "display_name", text: acct.DisplayName},
	}
	for _, st := range statuses {
		targets = append(targets, matchTarget{
			field:    "content",
			text:     statusText(st),
			statusID: st.ID,
		})
	}
	return targets
}

// evalRegex runs a case-insensitive regex rule over username, display name,
// and status content. With a boolean op, AND requires both patterns to match
// the same field of the same input; OR emits at most one violation per field
// per input.
func evalRegex(rule *store.Rule, acct *mastodon.Account, statuses []*mastodon.Status) ([]Violation, error) {
	primary, err := regexp.Compile("(?i)" + rule.Pattern)
	if err != nil {
		return nil, fmt.Errorf("rule %s: compiling pattern: %w", rule.Name, err)
	}
	var secondary *regexp.Regexp
	if rule.SecondaryPattern != nil {
		secondary, err = regexp.Compile("(?i)" + *rule.SecondaryPattern)
		if err != nil {
			return nil, fmt.Errorf("rule %s: compiling secondary pattern: %w", rule.Name, err)
		}
	}

	var out []Violation
	for _, tgt := range accountTargets(acct, statuses) {
		if tgt.text == "" {
			continue
		}
		primaryHit := primary.FindString(tgt.text)
		hit := primaryHit != ""
		terms := []string{}
		if primaryHit != "" {
			terms = append(terms, primaryHit)
		}
		if secondary != nil {
			secondaryHit := secondary.FindString(tgt.text)
			if secondaryHit != "" {
				terms = append(terms, secondaryHit)
			}
			switch *rule.BooleanOp {
			case rules.BoolAnd:
				hit = primaryHit != "" && secondaryHit != ""
			case rules.BoolOr:
				hit = primaryHit != "" || secondaryHit != ""
			}
		}
		if !hit {
			continue
		}
		v := Violation{
			RuleName: rule.Name,
			Score:    rule.Weight,
			Evidence: Evidence{
				MatchedTerms: terms,
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
