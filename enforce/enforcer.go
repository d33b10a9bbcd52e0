// Package enforce applies moderation actions through the API client. The
// enforcer is a stateless facade: all idempotency lives in durable state
// (report dedupe keys, scheduled-action conflict merges), never in memory.
package enforce

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/mastomod/vigil/mastodon"
	"github.com/mastomod/vigil/store"
)

type Enforcer struct {
	Client        *mastodon.Client
	Store         *store.Store
	Logger        *slog.Logger
	PolicyVersion string
}

func NewEnforcer(client *mastodon.Client, st *store.Store, policyVersion string) *Enforcer {
	return &Enforcer{
		Client:        client,
		Store:         st,
		Logger:        slog.Default().With("subsystem", "enforce"),
		PolicyVersion: policyVersion,
	}
}

// dryRun reads the runtime flag on demand; a store error fails safe (treat as
// dry-run, suppressing the upstream call).
func (e *Enforcer) dryRun(ctx context.Context) bool {
	v, err := e.Store.GetConfigBool(ctx, store.ConfigDryRun)
	if err != nil {
		e.Logger.Error("failed to read dry_run flag, suppressing action", "err", err)
		return true
	}
	return v
}

// panicStopped reads the kill switch; a store error fails safe (halt).
func (e *Enforcer) panicStopped(ctx context.Context) bool {
	v, err := e.Store.GetConfigBool(ctx, store.ConfigPanicStop)
	if err != nil {
		e.Logger.Error("failed to read panic_stop flag, halting", "err", err)
		return true
	}
	if v {
		e.Logger.Warn("panic_stop engaged, skipping work")
	}
	return v
}

func (e *Enforcer) audit(ctx context.Context, action, target string, ruleID *uint, evidence, apiResponse string) {
	row := &store.AuditLog{
		ActionKind:        action,
		TargetAccountID:   target,
		TriggeredByRuleID: ruleID,
		Evidence:          evidence,
		APIResponse:       apiResponse,
	}
	if err := e.Store.InsertAudit(ctx, row); err != nil {
		e.Logger.Error("failed to write audit log", "action", action, "target", target, "err", err)
	}
}

func (e *Enforcer) Warn(ctx context.Context, accountID string, ruleID *uint, text string, presetID *string, evidence string) error {
	if e.dryRun(ctx) {
		actionsDryRun.WithLabelValues("warn").Inc()
		e.Logger.Info("dry run: would warn account", "account", accountID)
		return nil
	}
	input := mastodon.AdminActionInput{Type: mastodon.ActionNone, WarningPresetID: presetID}
	if text != "" {
		input.Text = &text
	}
	if err := e.Client.AdminAccountAction(ctx, accountID, input); err != nil {
		return fmt.Errorf("warning account %s: %w", accountID, err)
	}
	actionsApplied.WithLabelValues("warn").Inc()
	e.audit(ctx, "warn", accountID, ruleID, evidence, "ok")
	return nil
}

func (e *Enforcer) Silence(ctx context.Context, accountID string, ruleID *uint, duration time.Duration, text *string, evidence string) error {
	return e.timedAction(ctx, mastodon.ActionSilence, accountID, ruleID, duration, text, evidence)
}

func (e *Enforcer) Suspend(ctx context.Context, accountID string, ruleID *uint, duration time.Duration, text *string, evidence string) error {
	return e.timedAction(ctx, mastodon.ActionSuspend, accountID, ruleID, duration, text, evidence)
}

func (e *Enforcer) MarkSensitive(ctx context.Context, accountID string, ruleID *uint, evidence string) error {
	if e.dryRun(ctx) {
		actionsDryRun.WithLabelValues(mastodon.ActionSensitive).Inc()
		e.Logger.Info("dry run: would force-sensitive account", "account", accountID)
		return nil
	}
	input := mastodon.AdminActionInput{Type: mastodon.ActionSensitive}
	if err := e.Client.AdminAccountAction(ctx, accountID, input); err != nil {
		return fmt.Errorf("marking account %s sensitive: %w", accountID, err)
	}
	actionsApplied.WithLabelValues(mastodon.ActionSensitive).Inc()
	e.audit(ctx, mastodon.ActionSensitive, accountID, ruleID, evidence, "ok")
	return nil
}

func (e *Enforcer) timedAction(ctx context.Context, action, accountID string, ruleID *uint, duration time.Duration, text *string, evidence string) error {
	if e.dryRun(ctx) {
		actionsDryRun.WithLabelValues(action).Inc()
		e.Logger.Info("dry run: would apply action", "action", action, "account", accountID, "duration", duration)
		return nil
	}
	input := mastodon.AdminActionInput{Type: action, Text: text}
	if duration > 0 {
		secs := int64(duration.Seconds())
		input.DurationSeconds = &secs
	}
	if err := e.Client.AdminAccountAction(ctx, accountID, input); err != nil {
		return fmt.Errorf("applying %s to account %s: %w", action, accountID, err)
	}
	actionsApplied.WithLabelValues(action).Inc()
	e.audit(ctx, action, accountID, ruleID, evidence, "ok")

	if duration > 0 {
		expiresAt := time.Now().Add(duration)
		if err := e.Store.UpsertScheduledAction(ctx, accountID, action, expiresAt); err != nil {
			return fmt.Errorf("scheduling %s reversal for %s: %w", action, accountID, err)
		}
		e.Logger.Info("scheduled action reversal", "action", action, "account", accountID, "expires_at", expiresAt)
	}
	return nil
}

func (e *Enforcer) Unsilence(ctx context.Context, accountID string) error {
	if e.dryRun(ctx) {
		actionsDryRun.WithLabelValues("unsilence").Inc()
		e.Logger.Info("dry run: would unsilence account", "account", accountID)
		return nil
	}
	if err := e.Client.AdminUnsilence(ctx, accountID); err != nil {
		return fmt.Errorf("unsilencing account %s: %w", accountID, err)
	}
	actionsApplied.WithLabelValues("unsilence").Inc()
	e.audit(ctx, "unsilence", accountID, nil, "", "ok")
	return nil
}

func (e *Enforcer) Unsuspend(ctx context.Context, accountID string) error {
	if e.dryRun(ctx) {
		actionsDryRun.WithLabelValues("unsuspend").Inc()
		e.Logger.Info("dry run: would unsuspend account", "account", accountID)
		return nil
	}
	if err := e.Client.AdminUnsuspend(ctx, accountID); err != nil {
		return fmt.Errorf("unsuspending account %s: %w", accountID, err)
	}
	actionsApplied.WithLabelValues("unsuspend").Inc()
	e.audit(ctx, "unsuspend", accountID, nil, "", "ok")
	return nil
}

func (e *Enforcer) BlockDomain(ctx context.Context, domain, severity, comment string, ruleID *uint) error {
	if e.dryRun(ctx) {
		actionsDryRun.WithLabelValues("domain_block").Inc()
		e.Logger.Info("dry run: would block domain", "domain", domain, "severity", severity)
		return nil
	}
	input := mastodon.DomainBlockInput{
		Domain:         domain,
		Severity:       severity,
		PrivateComment: comment,
	}
	if err := e.Client.AdminBlockDomain(ctx, input); err != nil {
		return fmt.Errorf("blocking domain %s: %w", domain, err)
	}
	actionsApplied.WithLabelValues("domain_block").Inc()
	e.audit(ctx, "domain_block", domain, ruleID, comment, "ok")
	return nil
}

func (e *Enforcer) ResolveReport(ctx context.Context, reportID string) error {
	if e.dryRun(ctx) {
		actionsDryRun.WithLabelValues("resolve_report").Inc()
		e.Logger.Info("dry run: would resolve report", "report", reportID)
		return nil
	}
	if err := e.Client.AdminResolveReport(ctx, reportID); err != nil {
		return fmt.Errorf("resolving report %s: %w", reportID, err)
	}
	actionsApplied.WithLabelValues("resolve_report").Inc()
	e.audit(ctx, "resolve_report", reportID, nil, "", "ok")
	return nil
}

// ReportRequest is everything needed to file (or dedupe-drop) one report.
type ReportRequest struct {
	AccountID         uint
	UpstreamAccountID string
	StatusIDs         []string
	Comment           string
	Category          string
	Forward           bool
	RuleIDs           []string
	TriggeredByRuleID *uint
	RulesVersion      string
	EvidenceSummary   string
}

// FileReport inserts the report row keyed by its dedupe key and, when the
// insert took and dry-run is off, submits upstream and records the upstream
// id. A duplicate is a benign outcome. Returns whether a new row was
// inserted.
func (e *Enforcer) FileReport(ctx context.Context, req ReportRequest) (bool, error) {
	key := DedupeKey(req.UpstreamAccountID, req.StatusIDs, e.PolicyVersion, req.RulesVersion, req.EvidenceSummary)
	rep := &store.Report{
		AccountID: req.AccountID,
		DedupeKey: key,
		Comment:   req.Comment,
	}
	inserted, err := e.Store.InsertReportIfNew(ctx, rep)
	if err != nil {
		return false, fmt.Errorf("inserting report row: %w", err)
	}
	if !inserted {
		reportsDeduped.Inc()
		e.Logger.Info("skipping duplicate report", "account", req.UpstreamAccountID, "dedupe_key", key)
		return false, nil
	}

	if e.dryRun(ctx) {
		actionsDryRun.WithLabelValues("report").Inc()
		e.Logger.Info("dry run: would file report", "account", req.UpstreamAccountID, "comment", req.Comment)
		return true, nil
	}

	upstream, err := e.Client.CreateReport(ctx, mastodon.ReportInput{
		AccountID: req.UpstreamAccountID,
		StatusIDs: req.StatusIDs,
		Comment:   req.Comment,
		Category:  req.Category,
		Forward:   req.Forward,
		RuleIDs:   req.RuleIDs,
	})
	if err != nil {
		return true, fmt.Errorf("submitting report for %s: %w", req.UpstreamAccountID, err)
	}
	if err := e.Store.SetReportUpstreamID(ctx, rep.ID, upstream.ID); err != nil {
		return true, fmt.Errorf("recording upstream report id: %w", err)
	}
	reportsFiled.Inc()
	resp, _ := json.Marshal(upstream)
	e.audit(ctx, "report", req.UpstreamAccountID, req.TriggeredByRuleID, req.EvidenceSummary, string(resp))
	return true, nil
}

// ReverseExpired undoes every timed action whose expiry has passed. Rows are
// deleted only after the upstream reversal succeeds; failures stay queued for
// the next tick. Under panic stop or dry-run nothing is touched, so reversals
// run once the flag clears.
func (e *Enforcer) ReverseExpired(ctx context.Context, now time.Time) (int, error) {
	if e.panicStopped(ctx) {
		return 0, nil
	}
	due, err := e.Store.DueScheduledActions(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("loading due scheduled actions: %w", err)
	}
	if len(due) == 0 {
		return 0, nil
	}
	if e.dryRun(ctx) {
		e.Logger.Info("dry run: leaving expired actions queued", "count", len(due))
		return 0, nil
	}

	reversed := 0
	for _, sa := range due {
		var err error
		switch sa.ActionToReverse {
		case mastodon.ActionSilence:
			err = e.Unsilence(ctx, sa.AccountID)
		case mastodon.ActionSuspend:
			err = e.Unsuspend(ctx, sa.AccountID)
		default:
			e.Logger.Error("unknown scheduled action kind, dropping", "kind", sa.ActionToReverse, "account", sa.AccountID)
			err = e.Store.DeleteScheduledAction(ctx, sa.ID)
			if err != nil {
				return reversed, err
			}
			continue
		}
		if err != nil {
			e.Logger.Error("failed to reverse action, leaving for retry", "action", sa.ActionToReverse, "account", sa.AccountID, "err", err)
			continue
		}
		if err := e.Store.DeleteScheduledAction(ctx, sa.ID); err != nil {
			return reversed, fmt.Errorf("deleting scheduled action: %w", err)
		}
		reversalsProcessed.Inc()
		reversed++
	}
	return reversed, nil
}
