package detect

import (
	"context"
	"fmt"
	"time"

	"github.com/mastomod/vigil/mastodon"
	"github.com/mastomod/vigil/store"
)

const (
	BehaviorRapidPosting         = "rapid_posting"
	BehaviorDailyPosting         = "daily_posting"
	BehaviorInteractionSpam      = "interaction_spam"
	BehaviorAutomationDisclosure = "automation_disclosure"
	BehaviorLinkSpam             = "link_spam"
)

// window of statuses considered by the duplicate/link heuristics
const behaviorSampleSize = 20

// window of interactions considered by the interaction_spam policy
const interactionSampleSize = 100

func countPostsSince(statuses []*mastodon.Status, since time.Time, publicOnly bool) int64 {
	var n int64
	for _, st := range statuses {
		if st.CreatedAt.Before(since) {
			continue
		}
		if publicOnly && st.Visibility != mastodon.VisibilityPublic {
			continue
		}
		n++
	}
	return n
}

// evalBehavioral dispatches on the rule pattern's sub-policy. The 1h/24h post
// counts are recomputed and persisted on every evaluation regardless of
// sub-policy, keeping AccountBehaviorMetrics fresh as a side effect.
func (e *Engine) evalBehavioral(ctx context.Context, rule *store.Rule, accountID uint, acct *mastodon.Account, statuses []*mastodon.Status) ([]Violation, error) {
	now := time.Now()
	lastHour := countPostsSince(statuses, now.Add(-time.Hour), false)
	lastDay := countPostsSince(statuses, now.Add(-24*time.Hour), false)

	if e.Store != nil {
		if err := e.Store.UpsertBehaviorMetrics(ctx, accountID, lastHour, lastDay); err != nil {
			e.Logger.Warn("failed to persist behavior metrics", "account_id", accountID, "err", err)
		}
	}

	threshold := rule.TriggerThreshold
	switch rule.Pattern {
	case BehaviorRapidPosting:
		if float64(lastHour) >= threshold {
			return []Violation{{
				RuleName: rule.Name,
				Score:    rule.Weight,
				Evidence: Evidence{Metrics: map[string]any{"posts_last_hour": lastHour}},
			}}, nil
		}
	case BehaviorDailyPosting:
		if float64(lastDay) >= threshold {
			return []Violation{{
				RuleName: rule.Name,
				Score:    rule.Weight,
				Evidence: Evidence{Metrics: map[string]any{"posts_last_day": lastDay}},
			}}, nil
		}
	case BehaviorInteractionSpam:
		if e.Store == nil {
			return nil, nil
		}
		distinct, err := e.Store.CountDistinctInteractionTargets(ctx, accountID, interactionSampleSize)
		if err != nil {
			return nil, fmt.Errorf("counting interaction targets: %w", err)
		}
		if float64(distinct) >= threshold {
			return []Violation{{
				RuleName: rule.Name,
				Score:    rule.Weight,
				Evidence: Evidence{Metrics: map[string]any{"distinct_targets": distinct}},
			}}, nil
		}
	case BehaviorAutomationDisclosure:
		return evalAutomationDisclosure(rule, acct, statuses), nil
	case BehaviorLinkSpam:
		return evalLinkSpam(rule, statuses), nil
	default:
		return nil, fmt.Errorf("rule %s: unknown behavioral sub-policy: %q", rule.Name, rule.Pattern)
	}
	return nil, nil
}

// evalAutomationDisclosure flags undisclosed automation: for accounts not
// flagged as bots, a majority of near-duplicate posts; for disclosed bots,
// posting rates past what disclosure tolerates.
func evalAutomationDisclosure(rule *store.Rule, acct *mastodon.Account, statuses []*mastodon.Status) []Violation {
	sample := statuses
	if len(sample) > behaviorSampleSize {
		sample = sample[:behaviorSampleSize]
	}
	if len(sample) == 0 {
		return nil
	}

	if !acct.Bot {
		normalized := make([]string, 0, len(sample))
		for _, st := range sample {
			normalized = append(normalized, NormalizeContent(st.Content))
		}
		counts := make(map[string]int, len(normalized))
		for _, n := range normalized {
			counts[n]++
		}
		duplicated := 0
		for _, n := range normalized {
			if counts[n] > 1 {
				duplicated++
			}
		}
		fraction := float64(duplicated) / float64(len(normalized))
		if fraction > 0.5 {
			return []Violation{{
				RuleName: rule.Name,
				Score:    rule.Weight,
				Evidence: Evidence{Metrics: map[string]any{
					"duplicate_fraction": fraction,
					"sample_size":        len(normalized),
				}},
			}}
		}
		return nil
	}

	now := time.Now()
	publicHour := countPostsSince(statuses, now.Add(-time.Hour), true)
	publicDay := countPostsSince(statuses, now.Add(-24*time.Hour), true)
	if publicHour > 1 || publicDay > 24 {
		return []Violation{{
			RuleName: rule.Name,
			Score:    rule.Weight,
			Evidence: Evidence{Metrics: map[string]any{
				"public_posts_last_hour": publicHour,
				"public_posts_last_day":  publicDay,
				"bot_flagged":            true,
			}},
		}}
	}
	return nil
}

// evalLinkSpam looks at the most recent statuses: every one must carry a URL,
// and either one content template dominates or every link resolves to a
// single domain.
func evalLinkSpam(rule *store.Rule, statuses []*mastodon.Status) []Violation {
	sample := statuses
	if len(sample) > behaviorSampleSize {
		sample = sample[:behaviorSampleSize]
	}
	if len(sample) < 2 {
		return nil
	}

	templates := make(map[string]int, len(sample))
	domains := make(map[string]bool)
	statusIDs := make([]string, 0, len(sample))
	for _, st := range sample {
		urls := extractURLs(st.Content)
		if len(urls) == 0 {
			return nil
		}
		statusIDs = append(statusIDs, st.ID)
		templates[NormalizeContent(st.Content)]++
		for _, u := range urls {
			domains[urlHost(u)] = true
		}
	}

	dominant := 0
	for _, n := range templates {
		if n > dominant {
			dominant = n
		}
	}
	templateShare := float64(dominant) / float64(len(sample))
	singleDomain := len(domains) == 1

	if templateShare > 0.5 || singleDomain {
		return []Violation{{
			RuleName: rule.Name,
			Score:    rule.Weight,
			Evidence: Evidence{
				MatchedStatusIDs: statusIDs,
				Metrics: map[string]any{
					"template_share":   templateShare,
					"distinct_domains": len(domains),
				},
			},
		}}
	}
	return nil
}
