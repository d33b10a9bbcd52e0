package scanner

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"github.com/mastomod/vigil/detect"
	"github.com/mastomod/vigil/enforce"
	"github.com/mastomod/vigil/mastodon"
	"github.com/mastomod/vigil/rules"
	"github.com/mastomod/vigil/store"
)

// DefaultReportThreshold is the total score at which analysis escalates to a
// report, unless overridden by runtime config.
const DefaultReportThreshold = 1.0

// AnalyzePayload is the job payload for one account analysis. Result carries
// the scan that triggered the job; when absent the worker scans on its own.
type AnalyzePayload struct {
	AccountID  uint        `json:"account_id"`
	UpstreamID string      `json:"upstream_id"`
	Acct       string      `json:"acct"`
	Domain     string      `json:"domain"`
	Result     *ScanResult `json:"result,omitempty"`
}

// StatusEventPayload carries a status.created webhook event.
type StatusEventPayload struct {
	Status mastodon.Status `json:"status"`
}

// ReportEventPayload carries a report.created webhook event.
type ReportEventPayload struct {
	Report mastodon.Report `json:"report"`
}

// Pipeline is the analysis-and-enforcement worker: it persists evidence,
// applies at most one action per action kind, and escalates to a deduplicated
// report when the total score crosses the threshold.
type Pipeline struct {
	Store                *store.Store
	Client               *mastodon.Client
	Engine               *detect.Engine
	Rules                *rules.Cache
	Enforcer             *enforce.Enforcer
	Scanner              *Scanner
	Logger               *slog.Logger
	ReportCategory       string
	ForwardRemoteReports bool
}

func NewPipeline(sc *Scanner, enf *enforce.Enforcer, category string, forwardRemote bool) *Pipeline {
	if category == "" {
		category = mastodon.ReportCategorySpam
	}
	return &Pipeline{
		Store:                sc.Store,
		Client:               sc.Client,
		Engine:               sc.Engine,
		Rules:                sc.Rules,
		Enforcer:             enf,
		Scanner:              sc,
		Logger:               slog.Default().With("subsystem", "pipeline"),
		ReportCategory:       category,
		ForwardRemoteReports: forwardRemote,
	}
}

// AnalyzeAndMaybeReport is the core worker step. Evidence rows are written
// for every violation; enforcement applies the first rule's action per action
// kind; reporting happens only past the score threshold and is made
// at-most-once by the dedupe key.
func (p *Pipeline) AnalyzeAndMaybeReport(ctx context.Context, payload AnalyzePayload) (*ScanResult, error) {
	if p.Scanner.panicStopped(ctx) {
		return nil, nil
	}

	res := payload.Result
	if res == nil {
		acct, err := p.Client.GetAccount(ctx, payload.UpstreamID)
		if err != nil {
			return nil, fmt.Errorf("fetching account %s: %w", payload.UpstreamID, err)
		}
		res, _, err = p.Scanner.ScanAccountEfficiently(ctx, payload.AccountID, acct, 0)
		if err != nil {
			return nil, err
		}
	}
	if res.Score <= 0 || len(res.Violations) == 0 {
		return res, nil
	}

	for _, v := range res.Violations {
		p.recordViolation(ctx, payload.AccountID, res.RulesVersion, v)
	}

	snap, err := p.Rules.GetActive(ctx, false)
	if err != nil {
		return res, fmt.Errorf("loading rule snapshot: %w", err)
	}
	if err := p.enforceViolations(ctx, snap, payload, res.Violations); err != nil {
		return res, err
	}

	threshold, err := p.Store.GetConfigFloat(ctx, store.ConfigReportThreshold, DefaultReportThreshold)
	if err != nil {
		p.Logger.Error("failed to read report threshold, using default", "err", err)
		threshold = DefaultReportThreshold
	}
	if res.Score < threshold {
		return res, nil
	}

	remote := payload.Domain != store.LocalDomain
	if remote {
		if _, err := p.Store.IncrementDomainViolation(ctx, payload.Domain); err != nil {
			p.Logger.Error("failed to increment domain violations", "domain", payload.Domain, "err", err)
		}
	}

	req := enforce.ReportRequest{
		AccountID:         payload.AccountID,
		UpstreamAccountID: payload.UpstreamID,
		StatusIDs:         matchedStatusIDs(res.Violations),
		Comment:           reportComment(res),
		Category:          p.ReportCategory,
		Forward:           remote && p.ForwardRemoteReports,
		TriggeredByRuleID: firstRuleID(snap, res.Violations),
		RulesVersion:      res.RulesVersion,
		EvidenceSummary:   detect.Summary(res.Violations),
	}
	if _, err := p.Enforcer.FileReport(ctx, req); err != nil {
		return res, err
	}
	return res, nil
}

// recordViolation persists one evidence row, keyed so a retried job never
// duplicates it. The rule trigger counter bumps only when the row is new.
func (p *Pipeline) recordViolation(ctx context.Context, accountID uint, rulesVersion string, v detect.Violation) {
	evidence, _ := json.Marshal(v.Evidence)
	row := &store.Analysis{
		AccountID:    accountID,
		RuleKey:      v.RuleName,
		Score:        v.Score,
		Evidence:     string(evidence),
		RulesVersion: rulesVersion,
		DedupeKey:    analysisDedupeKey(accountID, v.RuleName, rulesVersion, string(evidence)),
	}
	if len(v.Evidence.MatchedStatusIDs) > 0 {
		row.StatusID = &v.Evidence.MatchedStatusIDs[0]
	}
	inserted, err := p.Store.InsertAnalysisIfNew(ctx, row)
	if err != nil {
		p.Logger.Error("failed to persist analysis", "rule", v.RuleName, "err", err)
		return
	}
	if !inserted {
		return
	}
	if err := p.Store.BumpRuleTrigger(ctx, v.RuleName); err != nil {
		p.Logger.Error("failed to bump rule trigger counter", "rule", v.RuleName, "err", err)
	}
}

func analysisDedupeKey(accountID uint, rule, rulesVersion, evidence string) string {
	sum := sha256.Sum256([]byte(strings.Join([]string{
		strconv.FormatUint(uint64(accountID), 10),
		rule,
		rulesVersion,
		evidence,
	}, "\x1f")))
	return hex.EncodeToString(sum[:])
}

// enforceViolations applies at most one action per action kind, first
// violation wins. The report kind is excluded here; reporting is the
// score-gated step that follows.
func (p *Pipeline) enforceViolations(ctx context.Context, snap *rules.Snapshot, payload AnalyzePayload, violations []detect.Violation) error {
	applied := make(map[string]bool)
	for _, v := range violations {
		rule := snap.Rule(v.RuleName)
		if rule == nil {
			// rule changed between scan and analysis; skip its action
			continue
		}
		kind := rule.ActionKind
		if kind == "" || kind == rules.ActionReport || applied[kind] {
			continue
		}
		applied[kind] = true
		if err := p.applyAction(ctx, rule, payload, v); err != nil {
			return fmt.Errorf("applying %s for rule %s: %w", kind, rule.Name, err)
		}
	}
	return nil
}

func (p *Pipeline) applyAction(ctx context.Context, rule *store.Rule, payload AnalyzePayload, v detect.Violation) error {
	evidence, _ := json.Marshal(v.Evidence)
	duration := rules.ActionDuration(rule)
	switch rule.ActionKind {
	case rules.ActionWarn:
		var text string
		if rule.WarningText != nil {
			text = *rule.WarningText
		}
		return p.Enforcer.Warn(ctx, payload.UpstreamID, &rule.ID, text, rule.WarningPresetID, string(evidence))
	case rules.ActionSilence:
		return p.Enforcer.Silence(ctx, payload.UpstreamID, &rule.ID, duration, rule.WarningText, string(evidence))
	case rules.ActionSuspend:
		return p.Enforcer.Suspend(ctx, payload.UpstreamID, &rule.ID, duration, rule.WarningText, string(evidence))
	case rules.ActionSensitive:
		return p.Enforcer.MarkSensitive(ctx, payload.UpstreamID, &rule.ID, string(evidence))
	case rules.ActionDomainBlock:
		if payload.Domain == store.LocalDomain {
			p.Logger.Warn("ignoring domain_block action for local account", "rule", rule.Name, "account", payload.Acct)
			return nil
		}
		comment := fmt.Sprintf("rule %s triggered by %s", rule.Name, payload.Acct)
		return p.Enforcer.BlockDomain(ctx, payload.Domain, "suspend", comment, &rule.ID)
	default:
		p.Logger.Warn("skipping unknown action kind", "kind", rule.ActionKind, "rule", rule.Name)
		return nil
	}
}

// ProcessNewStatus handles a status.created event. Private and direct posts
// are never analyzed. The author's recent statuses are merged with the event
// status and evaluated fresh (the content-hash cache only covers profile
// fields, which a new status does not touch).
func (p *Pipeline) ProcessNewStatus(ctx context.Context, payload StatusEventPayload) error {
	if p.Scanner.panicStopped(ctx) {
		return nil
	}
	st := payload.Status
	switch st.Visibility {
	case mastodon.VisibilityPublic, mastodon.VisibilityUnlisted:
	default:
		p.Logger.Debug("ignoring non-public status event", "visibility", st.Visibility)
		return nil
	}
	author := st.Account
	if author.ID == "" {
		p.Logger.Warn("status event without author, dropping", "status", st.ID)
		return nil
	}
	domain := author.Domain()
	acct, err := p.Store.UpsertAccount(ctx, author.ID, author.Acct, domain)
	if err != nil {
		return fmt.Errorf("upserting account %s: %w", author.Acct, err)
	}
	p.recordInteractions(ctx, acct.ID, author.ID, &st)

	recent, _, err := p.Client.GetAccountStatuses(ctx, author.ID, mastodon.StatusesParams{
		Limit: p.Scanner.Config.MaxStatusesToFetch,
	})
	if err != nil {
		return fmt.Errorf("fetching statuses for %s: %w", author.Acct, err)
	}
	statuses := mergeStatus(analyzableStatuses(recent), &st)

	violations, version, err := p.Engine.EvaluateAccount(ctx, acct.ID, &author, statuses)
	if err != nil {
		return fmt.Errorf("evaluating %s: %w", author.Acct, err)
	}
	res := &ScanResult{
		Violations:   violations,
		Score:        detect.TotalScore(violations),
		RulesVersion: version,
	}
	for _, s := range statuses {
		res.StatusIDs = append(res.StatusIDs, s.ID)
	}
	_, err = p.AnalyzeAndMaybeReport(ctx, AnalyzePayload{
		AccountID:  acct.ID,
		UpstreamID: author.ID,
		Acct:       author.Acct,
		Domain:     domain,
		Result:     res,
	})
	return err
}

// ProcessNewReport handles a report.created event: the reported account gets
// analyzed with the attached statuses merged in, and when a violated rule's
// action kind is report and our own analysis confirmed the complaint, the
// upstream report is resolved.
func (p *Pipeline) ProcessNewReport(ctx context.Context, payload ReportEventPayload) error {
	if p.Scanner.panicStopped(ctx) {
		return nil
	}
	rep := payload.Report
	if rep.TargetAccount == nil || rep.TargetAccount.ID == "" {
		p.Logger.Warn("report event without target account, dropping", "report", rep.ID)
		return nil
	}
	target := rep.TargetAccount
	domain := target.Domain()
	acct, err := p.Store.UpsertAccount(ctx, target.ID, target.Acct, domain)
	if err != nil {
		return fmt.Errorf("upserting account %s: %w", target.Acct, err)
	}

	recent, _, err := p.Client.GetAccountStatuses(ctx, target.ID, mastodon.StatusesParams{
		Limit: p.Scanner.Config.MaxStatusesToFetch,
	})
	if err != nil {
		return fmt.Errorf("fetching statuses for %s: %w", target.Acct, err)
	}
	statuses := analyzableStatuses(recent)
	for i := range rep.Statuses {
		statuses = mergeStatus(statuses, &rep.Statuses[i])
	}

	violations, version, err := p.Engine.EvaluateAccount(ctx, acct.ID, target, statuses)
	if err != nil {
		return fmt.Errorf("evaluating %s: %w", target.Acct, err)
	}
	res := &ScanResult{
		Violations:   violations,
		Score:        detect.TotalScore(violations),
		RulesVersion: version,
	}
	for _, s := range statuses {
		res.StatusIDs = append(res.StatusIDs, s.ID)
	}
	if _, err := p.AnalyzeAndMaybeReport(ctx, AnalyzePayload{
		AccountID:  acct.ID,
		UpstreamID: target.ID,
		Acct:       target.Acct,
		Domain:     domain,
		Result:     res,
	}); err != nil {
		return err
	}

	if rep.ActionTaken {
		return nil
	}
	snap, err := p.Rules.GetActive(ctx, false)
	if err != nil {
		return fmt.Errorf("loading rule snapshot: %w", err)
	}
	for _, v := range violations {
		rule := snap.Rule(v.RuleName)
		if rule != nil && rule.ActionKind == rules.ActionReport {
			return p.Enforcer.ResolveReport(ctx, rep.ID)
		}
	}
	return nil
}

// recordInteractions logs who this status reaches, feeding the interaction
// sampling the behavioral detectors read. The event path sees each status
// exactly once (webhook delivery is deduplicated), so mentions are counted
// here rather than in the periodic scan loop, which refetches old statuses.
func (p *Pipeline) recordInteractions(ctx context.Context, accountID uint, authorUpstreamID string, st *mastodon.Status) {
	record := func(target, kind string) {
		if target == "" || target == authorUpstreamID {
			return
		}
		if err := p.Store.RecordInteraction(ctx, accountID, target, kind); err != nil {
			p.Logger.Error("failed to record interaction", "kind", kind, "target", target, "err", err)
		}
	}
	for _, m := range st.Mentions {
		record(m.ID, "mention")
	}
	if st.InReplyToAccountID != nil {
		record(*st.InReplyToAccountID, "reply")
	}
}

// mergeStatus adds st to statuses unless an entry with the same id is already
// present. Only analyzable visibilities are merged.
func mergeStatus(statuses []*mastodon.Status, st *mastodon.Status) []*mastodon.Status {
	switch st.Visibility {
	case mastodon.VisibilityPublic, mastodon.VisibilityUnlisted:
	default:
		return statuses
	}
	for _, existing := range statuses {
		if existing.ID == st.ID {
			return statuses
		}
	}
	return append(statuses, st)
}

// matchedStatusIDs collects the sorted, deduplicated status ids cited across
// all violations.
func matchedStatusIDs(violations []detect.Violation) []string {
	seen := make(map[string]bool)
	var out []string
	for _, v := range violations {
		for _, id := range v.Evidence.MatchedStatusIDs {
			if id != "" && !seen[id] {
				seen[id] = true
				out = append(out, id)
			}
		}
	}
	sort.Strings(out)
	return out
}

func reportComment(res *ScanResult) string {
	names := make([]string, 0, len(res.Violations))
	seen := make(map[string]bool)
	for _, v := range res.Violations {
		if !seen[v.RuleName] {
			seen[v.RuleName] = true
			names = append(names, v.RuleName)
		}
	}
	return fmt.Sprintf("automated analysis scored %.2f; rules: %s", res.Score, strings.Join(names, ", "))
}

func firstRuleID(snap *rules.Snapshot, violations []detect.Violation) *uint {
	for _, v := range violations {
		if rule := snap.Rule(v.RuleName); rule != nil {
			id := rule.ID
			return &id
		}
	}
	return nil
}
