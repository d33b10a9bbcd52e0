// Package scanner drives account polling and evaluation: it pages the admin
// accounts API behind durable cursors, skips unchanged accounts via the
// content-hash cache, and hands scored results to the analysis pipeline
// through the job queue.
package scanner

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/mastomod/vigil/detect"
	"github.com/mastomod/vigil/mastodon"
	"github.com/mastomod/vigil/rules"
	"github.com/mastomod/vigil/store"
)

// Job kinds consumed by the pipeline workers.
const (
	JobPollAccounts     = "poll_accounts"
	JobAnalyzeAccount   = "analyze_and_maybe_report"
	JobProcessNewStatus = "process_new_status"
	JobProcessNewReport = "process_new_report"
	JobFederatedSweep   = "federated_sweep"
	JobDomainCheck      = "check_domain_violations"
	JobReverseExpired   = "reverse_expired_actions"
	JobFlagStaleScans   = "flag_stale_scans"
)

// PollPayload selects which admin accounts listing a poll job walks.
type PollPayload struct {
	Origin string `json:"origin"`
}

// SweepPayload optionally narrows a federated sweep to specific domains.
type SweepPayload struct {
	Domains []string `json:"domains,omitempty"`
}

// Enqueuer is the slice of the job queue the scanner needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, kind string, payload interface{}) error
}

type Config struct {
	BatchSize          int
	MaxPagesPerPoll    int
	MaxStatusesToFetch int
	// how long a cached scan stays fresh under an unchanged rule set
	ScanTTL time.Duration
	// cached scans older than this get flagged for rescan regardless
	StaleRescanAge          time.Duration
	SweepDomainAccountLimit int
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.MaxPagesPerPoll <= 0 {
		c.MaxPagesPerPoll = 10
	}
	if c.MaxStatusesToFetch <= 0 {
		c.MaxStatusesToFetch = 40
	}
	if c.ScanTTL <= 0 {
		c.ScanTTL = 24 * time.Hour
	}
	if c.StaleRescanAge <= 0 {
		c.StaleRescanAge = 7 * 24 * time.Hour
	}
	if c.SweepDomainAccountLimit <= 0 {
		c.SweepDomainAccountLimit = 100
	}
	return c
}

// ScanResult is the cached output of one account evaluation. It round-trips
// through the content-scan table and the analyze job payload.
type ScanResult struct {
	Violations   []detect.Violation `json:"violations"`
	Score        float64            `json:"score"`
	RulesVersion string             `json:"rules_version"`
	StatusIDs    []string           `json:"status_ids,omitempty"`
}

type Scanner struct {
	Store  *store.Store
	Client *mastodon.Client
	Engine *detect.Engine
	Rules  *rules.Cache
	Queue  Enqueuer
	Logger *slog.Logger
	Config Config
}

func NewScanner(st *store.Store, client *mastodon.Client, engine *detect.Engine, cache *rules.Cache, queue Enqueuer, cfg Config) *Scanner {
	return &Scanner{
		Store:  st,
		Client: client,
		Engine: engine,
		Rules:  cache,
		Queue:  queue,
		Logger: slog.Default().With("subsystem", "scanner"),
		Config: cfg.withDefaults(),
	}
}

// panicStopped reads the kill switch; a store error fails safe (halt).
func (s *Scanner) panicStopped(ctx context.Context) bool {
	v, err := s.Store.GetConfigBool(ctx, store.ConfigPanicStop)
	if err != nil {
		s.Logger.Error("failed to read panic_stop flag, halting", "err", err)
		return true
	}
	if v {
		s.Logger.Warn("panic_stop engaged, skipping work")
	}
	return v
}

// PollAccounts walks one slice of the admin accounts listing for the given
// origin. The durable cursor is committed before each page is processed, so a
// crash mid-page re-delivers the page on the next poll rather than skipping
// it. Scans are at-least-once; everything downstream dedupes.
func (s *Scanner) PollAccounts(ctx context.Context, origin string) error {
	if s.panicStopped(ctx) {
		return nil
	}
	snap, err := s.Rules.GetActive(ctx, false)
	if err != nil {
		return fmt.Errorf("loading rule snapshot: %w", err)
	}
	sess, resumed, err := s.Store.StartSession(ctx, origin, snap.Version)
	if err != nil {
		return fmt.Errorf("starting %s scan session: %w", origin, err)
	}
	cursorName := "admin_accounts_" + origin
	cursor, err := s.Store.LoadCursor(ctx, cursorName)
	if err != nil {
		return fmt.Errorf("loading cursor %s: %w", cursorName, err)
	}
	s.Logger.Info("polling accounts", "origin", origin, "session", sess.ID, "resumed", resumed, "cursor", cursor)

	exhausted := false
	var pollErr error
	for page := 0; page < s.Config.MaxPagesPerPoll; page++ {
		accts, next, err := s.Client.AdminAccounts(ctx, mastodon.AdminAccountsParams{
			Origin: origin,
			Status: "active",
			Limit:  s.Config.BatchSize,
			MaxID:  cursor,
		})
		if err != nil {
			pollErr = fmt.Errorf("listing %s admin accounts: %w", origin, err)
			break
		}
		pagesPolled.WithLabelValues(origin).Inc()

		// commit the next position before touching the page contents
		if err := s.Store.SaveCursor(ctx, cursorName, next); err != nil {
			pollErr = fmt.Errorf("saving cursor %s: %w", cursorName, err)
			break
		}
		if err := s.Store.SetSessionCursor(ctx, sess.ID, next); err != nil {
			s.Logger.Error("failed to record session cursor", "session", sess.ID, "err", err)
		}

		for _, aa := range accts {
			if s.panicStopped(ctx) {
				return nil
			}
			s.processAdminAccount(ctx, sess.ID, origin, aa)
		}

		if next == "" {
			exhausted = true
			break
		}
		cursor = next
	}

	if pollErr != nil {
		if err := s.Store.FinishSession(ctx, sess.ID, store.SessionFailed); err != nil {
			s.Logger.Error("failed to mark session failed", "session", sess.ID, "err", err)
		}
		return pollErr
	}
	if exhausted {
		// listing walked to the end: rewind so the next poll starts fresh
		if err := s.Store.SaveCursor(ctx, cursorName, ""); err != nil {
			return fmt.Errorf("resetting cursor %s: %w", cursorName, err)
		}
		if err := s.Store.FinishSession(ctx, sess.ID, store.SessionCompleted); err != nil {
			return fmt.Errorf("completing session: %w", err)
		}
	}
	return nil
}

// processAdminAccount mirrors, scans, and (when the scan was fresh and found
// anything) enqueues analysis for one listed account. Per-account failures are
// logged and skipped so one bad account never wedges the poll.
func (s *Scanner) processAdminAccount(ctx context.Context, sessionID uint, origin string, aa *mastodon.AdminAccount) {
	pub := &aa.Account
	upstreamID := pub.ID
	if upstreamID == "" {
		upstreamID = aa.ID
	}
	domain := store.LocalDomain
	if aa.Domain != nil && *aa.Domain != "" {
		domain = *aa.Domain
	}
	acct, err := s.Store.UpsertAccount(ctx, upstreamID, pub.Acct, domain)
	if err != nil {
		s.Logger.Error("failed to upsert account", "account", pub.Acct, "err", err)
		return
	}
	res, cached, err := s.ScanAccountEfficiently(ctx, acct.ID, pub, sessionID)
	if err != nil {
		s.Logger.Error("account scan failed", "account", pub.Acct, "err", err)
		return
	}
	accountsScanned.WithLabelValues(origin).Inc()
	if cached || res.Score <= 0 {
		return
	}
	payload := AnalyzePayload{
		AccountID:  acct.ID,
		UpstreamID: upstreamID,
		Acct:       pub.Acct,
		Domain:     domain,
		Result:     res,
	}
	if err := s.Queue.Enqueue(ctx, JobAnalyzeAccount, payload); err != nil {
		s.Logger.Error("failed to enqueue analysis", "account", pub.Acct, "err", err)
	}
}

// ScanAccountEfficiently evaluates an account unless the content-hash cache
// says nothing relevant changed: same hash, same rules version, within the
// scan TTL, and not flagged for rescan. The bool reports whether the cache was
// hit (the caller must not re-trigger side effects for cached results).
func (s *Scanner) ScanAccountEfficiently(ctx context.Context, accountID uint, acct *mastodon.Account, sessionID uint) (*ScanResult, bool, error) {
	snap, err := s.Rules.GetActive(ctx, false)
	if err != nil {
		return nil, false, fmt.Errorf("loading rule snapshot: %w", err)
	}
	hash := ContentHash(acct)

	prev, err := s.Store.GetContentScan(ctx, hash)
	if err != nil {
		return nil, false, fmt.Errorf("reading content scan cache: %w", err)
	}
	if prev != nil && prev.RulesVersion == snap.Version && !prev.NeedsRescan &&
		time.Since(prev.LastScannedAt) < s.Config.ScanTTL {
		var res ScanResult
		if err := json.Unmarshal([]byte(prev.ScanResult), &res); err == nil {
			scansSkipped.Inc()
			return &res, true, nil
		}
		// undecodable cache entry: fall through and rescan
		s.Logger.Warn("discarding corrupt content scan entry", "hash", hash)
	}

	statuses, _, err := s.Client.GetAccountStatuses(ctx, acct.ID, mastodon.StatusesParams{
		Limit: s.Config.MaxStatusesToFetch,
	})
	if err != nil {
		return nil, false, fmt.Errorf("fetching statuses for %s: %w", acct.Acct, err)
	}
	statuses = analyzableStatuses(statuses)

	violations, version, err := s.Engine.EvaluateAccount(ctx, accountID, acct, statuses)
	if err != nil {
		return nil, false, fmt.Errorf("evaluating %s: %w", acct.Acct, err)
	}
	if len(violations) > 0 {
		violationsFound.Add(float64(len(violations)))
	}

	res := &ScanResult{
		Violations:   violations,
		Score:        detect.TotalScore(violations),
		RulesVersion: version,
	}
	for _, st := range statuses {
		res.StatusIDs = append(res.StatusIDs, st.ID)
	}

	raw, err := json.Marshal(res)
	if err != nil {
		return nil, false, fmt.Errorf("encoding scan result: %w", err)
	}
	if err := s.Store.UpsertContentScan(ctx, &store.ContentScan{
		ContentHash:   hash,
		AccountID:     accountID,
		ScanKind:      "efficient",
		ScanResult:    string(raw),
		RulesVersion:  version,
		LastScannedAt: time.Now(),
		NeedsRescan:   false,
	}); err != nil {
		return nil, false, fmt.Errorf("caching scan result: %w", err)
	}
	if err := s.Store.UpdateAccountScanState(ctx, accountID, hash); err != nil {
		s.Logger.Error("failed to update account scan state", "account", acct.Acct, "err", err)
	}
	if sessionID != 0 {
		if err := s.Store.BumpSession(ctx, sessionID, acct.ID); err != nil {
			s.Logger.Error("failed to bump session counter", "session", sessionID, "err", err)
		}
	}
	return res, false, nil
}

// analyzableStatuses keeps only statuses the sidecar is allowed to evaluate:
// public and unlisted. Private and direct posts are never analyzed.
func analyzableStatuses(statuses []*mastodon.Status) []*mastodon.Status {
	out := statuses[:0]
	for _, st := range statuses {
		switch st.Visibility {
		case mastodon.VisibilityPublic, mastodon.VisibilityUnlisted:
			out = append(out, st)
		}
	}
	return out
}

// FederatedSweep re-checks the locally known accounts of remote domains,
// bounded per domain. With no explicit domain list it covers every remote
// domain the store has seen.
func (s *Scanner) FederatedSweep(ctx context.Context, domains []string) error {
	if s.panicStopped(ctx) {
		return nil
	}
	if len(domains) == 0 {
		var err error
		domains, err = s.Store.RemoteDomains(ctx)
		if err != nil {
			return fmt.Errorf("listing remote domains: %w", err)
		}
	}
	snap, err := s.Rules.GetActive(ctx, false)
	if err != nil {
		return fmt.Errorf("loading rule snapshot: %w", err)
	}
	sess, _, err := s.Store.StartSession(ctx, store.SessionKindFederated, snap.Version)
	if err != nil {
		return fmt.Errorf("starting federated session: %w", err)
	}
	s.Logger.Info("starting federated sweep", "session", sess.ID, "domains", len(domains))

	for _, domain := range domains {
		if s.panicStopped(ctx) {
			return nil
		}
		if err := s.sweepDomain(ctx, sess.ID, domain); err != nil {
			s.Logger.Error("domain sweep failed", "domain", domain, "err", err)
		}
	}
	if err := s.Store.FinishSession(ctx, sess.ID, store.SessionCompleted); err != nil {
		return fmt.Errorf("completing federated session: %w", err)
	}
	return s.CheckDomainViolations(ctx)
}

func (s *Scanner) sweepDomain(ctx context.Context, sessionID uint, domain string) error {
	accts, err := s.Store.AccountsByDomain(ctx, domain, s.Config.SweepDomainAccountLimit)
	if err != nil {
		return fmt.Errorf("listing accounts for %s: %w", domain, err)
	}
	for _, a := range accts {
		remote, err := s.Client.GetAccount(ctx, a.UpstreamID)
		if err != nil {
			if mastodon.IsTerminal(err) {
				s.Logger.Info("skipping unfetchable remote account", "account", a.Handle, "err", err)
				continue
			}
			return err
		}
		res, cached, err := s.ScanAccountEfficiently(ctx, a.ID, remote, sessionID)
		if err != nil {
			s.Logger.Error("remote account scan failed", "account", a.Handle, "err", err)
			continue
		}
		accountsScanned.WithLabelValues("federated").Inc()
		if cached || res.Score <= 0 {
			continue
		}
		payload := AnalyzePayload{
			AccountID:  a.ID,
			UpstreamID: a.UpstreamID,
			Acct:       remote.Acct,
			Domain:     domain,
			Result:     res,
		}
		if err := s.Queue.Enqueue(ctx, JobAnalyzeAccount, payload); err != nil {
			s.Logger.Error("failed to enqueue analysis", "account", a.Handle, "err", err)
		}
	}
	return nil
}

// CheckDomainViolations flips defederation for every domain at or over its
// threshold. The store guarantees the flip happens at most once per domain,
// so repeated checks are harmless.
func (s *Scanner) CheckDomainViolations(ctx context.Context) error {
	if s.panicStopped(ctx) {
		return nil
	}
	alerts, err := s.Store.ListDomainAlerts(ctx)
	if err != nil {
		return fmt.Errorf("listing domain alerts: %w", err)
	}
	for _, alert := range alerts {
		if alert.IsDefederated || alert.ViolationCount < alert.DefederationThreshold {
			continue
		}
		notes := fmt.Sprintf("violation count %d reached threshold %d", alert.ViolationCount, alert.DefederationThreshold)
		flipped, err := s.Store.MarkDefederated(ctx, alert.Domain, "automated_system", notes)
		if err != nil {
			return fmt.Errorf("defederating %s: %w", alert.Domain, err)
		}
		if flipped {
			domainsDefederated.Inc()
			s.Logger.Warn("domain defederated", "domain", alert.Domain, "violations", alert.ViolationCount)
		}
	}
	return nil
}

// FlagStaleScans marks cache entries past the stale age for rescan.
func (s *Scanner) FlagStaleScans(ctx context.Context) error {
	if s.panicStopped(ctx) {
		return nil
	}
	n, err := s.Store.FlagStaleRescan(ctx, s.Config.StaleRescanAge)
	if err != nil {
		return fmt.Errorf("flagging stale scans: %w", err)
	}
	if n > 0 {
		s.Logger.Info("flagged stale scans for rescan", "count", n)
	}
	return nil
}
