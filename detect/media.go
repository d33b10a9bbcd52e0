package detect

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/mastomod/vigil/mastodon"
	"github.com/mastomod/vigil/store"
)

// evalMedia substring-matches the lowercased pattern against each
// attachment's alt text, MIME-ish type, and a SHA-256 of the attachment URL
// (so known-bad media can be targeted by hash). Emits one violation per
// status carrying a match.
func evalMedia(rule *store.Rule, acct *mastodon.Account, statuses []*mastodon.Status) ([]Violation, error) {
	pattern := strings.ToLower(strings.TrimSpace(rule.Pattern))
	if pattern == "" {
		return nil, nil
	}

	var out []Violation
	for _, st := range statuses {
		attachments := st.MediaAttachments
		if st.Reblog != nil {
			attachments = st.Reblog.MediaAttachments
		}
		var matched []string
		for _, att := range attachments {
			if att.Description != nil && strings.Contains(strings.ToLower(*att.Description), pattern) {
				matched = append(matched, *att.Description)
				continue
			}
			if strings.Contains(strings.ToLower(att.Type), pattern) {
				matched = append(matched, att.Type)
				continue
			}
			sum := sha256.Sum256([]byte(att.URL))
			urlHash := hex.EncodeToString(sum[:])
			if strings.Contains(urlHash, pattern) {
				matched = append(matched, urlHash)
			}
		}
		if len(matched) == 0 {
			continue
		}
		out = append(out, Violation{
			RuleName: rule.Name,
			Score:    rule.Weight,
			Evidence: Evidence{
				MatchedTerms:     matched,
				MatchedStatusIDs: []string{st.ID},
				Metrics:          map[string]any{"attachments": len(attachments)},
			},
		})
	}
	return out, nil
}
