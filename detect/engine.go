package detect

import (
	"context"
	"log/slog"

	"github.com/mastomod/vigil/mastodon"
	"github.com/mastomod/vigil/rules"
	"github.com/mastomod/vigil/store"
)

// Storage is the slice of durable state the behavioral detectors read and
// write. Detectors never mutate accounts or statuses.
type Storage interface {
	CountDistinctInteractionTargets(ctx context.Context, accountID uint, lastN int) (int, error)
	UpsertBehaviorMetrics(ctx context.Context, accountID uint, lastHour, lastDay int64) error
}

// Engine orchestrates detectors over the active rule set.
type Engine struct {
	Rules  *rules.Cache
	Store  Storage
	Logger *slog.Logger
}

func NewEngine(cache *rules.Cache, st Storage) *Engine {
	return &Engine{
		Rules:  cache,
		Store:  st,
		Logger: slog.Default().With("subsystem", "detect"),
	}
}

// EvaluateAccount runs every active rule against the account and statuses,
// in rule order. A violation is kept iff its score reaches the rule's trigger
// threshold; behavioral rules consume the threshold as a count inside the
// detector instead, so their emitted violations pass through. The returned
// string is the rules-version digest the evaluation ran under.
func (e *Engine) EvaluateAccount(ctx context.Context, accountID uint, acct *mastodon.Account, statuses []*mastodon.Status) ([]Violation, string, error) {
	snap, err := e.Rules.GetActive(ctx, false)
	if err != nil {
		return nil, "", err
	}

	out := []Violation{}
	for i := range snap.Rules {
		rule := &snap.Rules[i]
		violations := e.evalRule(ctx, rule, accountID, acct, statuses)
		for _, v := range violations {
			if rule.DetectorKind != rules.KindBehavioral && v.Score < rule.TriggerThreshold {
				continue
			}
			out = append(out, v)
		}
	}
	return out, snap.Version, nil
}

// evalRule dispatches to the detector for the rule's kind. Similar to an HTTP
// server, we want to recover any panics from rule execution.
func (e *Engine) evalRule(ctx context.Context, rule *store.Rule, accountID uint, acct *mastodon.Account, statuses []*mastodon.Status) (out []Violation) {
	defer func() {
		if r := recover(); r != nil {
			e.Logger.Error("rule execution exception", "err", r, "rule", rule.Name, "account", acct.Acct)
			out = nil
		}
	}()

	var err error
	switch rule.DetectorKind {
	case rules.KindRegex:
		out, err = evalRegex(rule, acct, statuses)
	case rules.KindKeyword:
		out, err = evalKeyword(rule, acct, statuses)
	case rules.KindBehavioral:
		out, err = e.evalBehavioral(ctx, rule, accountID, acct, statuses)
	case rules.KindMedia:
		out, err = evalMedia(rule, acct, statuses)
	default:
		e.Logger.Warn("skipping rule with unknown detector kind", "rule", rule.Name, "kind", rule.DetectorKind)
	}
	if err != nil {
		e.Logger.Error("rule evaluation failed", "rule", rule.Name, "err", err)
		return nil
	}
	return out
}
