package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Store wraps the gorm handle with typed queries for the pipeline's durable
// entities. Cross-worker races are resolved with database-level unique
// constraints and on-conflict semantics rather than explicit locking.
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying handle for packages that manage their own tables
// (the job queue does).
func (s *Store) DB() *gorm.DB {
	return s.db
}

// ===== config =====

func (s *Store) GetConfig(ctx context.Context, key string) (string, error) {
	var ent ConfigEntry
	err := s.db.WithContext(ctx).First(&ent, "key = ?", key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return ent.Value, nil
}

func (s *Store) ListConfig(ctx context.Context) (map[string]string, error) {
	var entries []ConfigEntry
	if err := s.db.WithContext(ctx).Find(&entries).Error; err != nil {
		return nil, err
	}
	out := make(map[string]string, len(entries))
	for _, ent := range entries {
		out[ent.Key] = ent.Value
	}
	return out, nil
}

func (s *Store) SetConfig(ctx context.Context, key, val string) error {
	ent := ConfigEntry{Key: key, Value: val, UpdatedAt: time.Now()}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&ent).Error
}

func (s *Store) GetConfigBool(ctx context.Context, key string) (bool, error) {
	val, err := s.GetConfig(ctx, key)
	if err != nil || val == "" {
		return false, err
	}
	out, err := strconv.ParseBool(val)
	if err != nil {
		return false, fmt.Errorf("config %s is not a bool: %w", key, err)
	}
	return out, nil
}

func (s *Store) GetConfigFloat(ctx context.Context, key string, def float64) (float64, error) {
	val, err := s.GetConfig(ctx, key)
	if err != nil {
		return def, err
	}
	if val == "" {
		return def, nil
	}
	out, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return def, fmt.Errorf("config %s is not a number: %w", key, err)
	}
	return out, nil
}

// ===== accounts =====

// UpsertAccount creates or refreshes the mirror row for an upstream account,
// bumping last_checked_at.
func (s *Store) UpsertAccount(ctx context.Context, upstreamID, handle, domain string) (*Account, error) {
	now := time.Now()
	acct := Account{
		UpstreamID:    upstreamID,
		Handle:        handle,
		Domain:        domain,
		LastCheckedAt: &now,
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "upstream_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"handle", "domain", "last_checked_at", "updated_at"}),
	}).Create(&acct).Error
	if err != nil {
		return nil, err
	}
	if acct.ID == 0 {
		// conflict path on some drivers does not backfill the primary key
		if err := s.db.WithContext(ctx).First(&acct, "upstream_id = ?", upstreamID).Error; err != nil {
			return nil, err
		}
	}
	return &acct, nil
}

func (s *Store) GetAccountByUpstreamID(ctx context.Context, upstreamID string) (*Account, error) {
	var acct Account
	if err := s.db.WithContext(ctx).First(&acct, "upstream_id = ?", upstreamID).Error; err != nil {
		return nil, err
	}
	return &acct, nil
}

// UpdateAccountScanState records the content hash and full-scan timestamp
// after a successful scan.
func (s *Store) UpdateAccountScanState(ctx context.Context, accountID uint, contentHash string) error {
	now := time.Now()
	return s.db.WithContext(ctx).Model(&Account{}).Where("id = ?", accountID).Updates(map[string]interface{}{
		"content_hash":      contentHash,
		"last_full_scan_at": &now,
	}).Error
}

// AccountsByDomain pages through locally-known accounts for one remote
// domain, for federated sweeps.
func (s *Store) AccountsByDomain(ctx context.Context, domain string, limit int) ([]Account, error) {
	var accts []Account
	if err := s.db.WithContext(ctx).Where("domain = ?", domain).Order("id").Limit(limit).Find(&accts).Error; err != nil {
		return nil, err
	}
	return accts, nil
}

// RemoteDomains returns the distinct set of remote domains with known
// accounts.
func (s *Store) RemoteDomains(ctx context.Context) ([]string, error) {
	var domains []string
	err := s.db.WithContext(ctx).Model(&Account{}).Where("domain != ?", LocalDomain).Distinct("domain").Pluck("domain", &domains).Error
	return domains, err
}

// ===== cursors =====

func (s *Store) SaveCursor(ctx context.Context, name, position string) error {
	cur := Cursor{Name: name, Position: position, UpdatedAt: time.Now()}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"position", "updated_at"}),
	}).Create(&cur).Error
}

func (s *Store) LoadCursor(ctx context.Context, name string) (string, error) {
	var cur Cursor
	err := s.db.WithContext(ctx).First(&cur, "name = ?", name).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return cur.Position, nil
}

// ===== scan sessions =====

// StartSession returns the existing active session for the kind if there is
// one, otherwise creates a new active session. The bool indicates resumption.
func (s *Store) StartSession(ctx context.Context, kind, rulesVersion string) (*ScanSession, bool, error) {
	var sess ScanSession
	err := s.db.WithContext(ctx).Where("session_kind = ? AND status = ?", kind, SessionActive).First(&sess).Error
	if err == nil {
		return &sess, true, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, err
	}
	sess = ScanSession{
		SessionKind:  kind,
		Status:       SessionActive,
		StartedAt:    time.Now(),
		RulesApplied: rulesVersion,
	}
	if err := s.db.WithContext(ctx).Create(&sess).Error; err != nil {
		return nil, false, err
	}
	return &sess, false, nil
}

func (s *Store) FinishSession(ctx context.Context, sessionID uint, status string) error {
	now := time.Now()
	return s.db.WithContext(ctx).Model(&ScanSession{}).Where("id = ?", sessionID).Updates(map[string]interface{}{
		"status":       status,
		"completed_at": &now,
	}).Error
}

// BumpSession increments the processed counter and records the most recently
// handled account.
func (s *Store) BumpSession(ctx context.Context, sessionID uint, lastAccountID string) error {
	return s.db.WithContext(ctx).Model(&ScanSession{}).Where("id = ?", sessionID).Updates(map[string]interface{}{
		"accounts_processed": gorm.Expr("accounts_processed + 1"),
		"last_account_id":    lastAccountID,
	}).Error
}

func (s *Store) SetSessionCursor(ctx context.Context, sessionID uint, cursor string) error {
	return s.db.WithContext(ctx).Model(&ScanSession{}).Where("id = ?", sessionID).Update("current_cursor", cursor).Error
}

// ===== content scans =====

func (s *Store) GetContentScan(ctx context.Context, contentHash string) (*ContentScan, error) {
	var scan ContentScan
	err := s.db.WithContext(ctx).First(&scan, "content_hash = ?", contentHash).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &scan, nil
}

func (s *Store) UpsertContentScan(ctx context.Context, scan *ContentScan) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "content_hash"}},
		DoUpdates: clause.AssignmentColumns([]string{"account_id", "scan_kind", "scan_result", "rules_version", "last_scanned_at", "needs_rescan", "updated_at"}),
	}).Create(scan).Error
}

// FlagAllRescan marks every cached scan stale. Called whenever the rule set
// changes.
func (s *Store) FlagAllRescan(ctx context.Context) (int64, error) {
	res := s.db.WithContext(ctx).Model(&ContentScan{}).Where("needs_rescan = ?", false).Update("needs_rescan", true)
	return res.RowsAffected, res.Error
}

// FlagStaleRescan marks scans older than the cutoff stale.
func (s *Store) FlagStaleRescan(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan)
	res := s.db.WithContext(ctx).Model(&ContentScan{}).Where("needs_rescan = ? AND last_scanned_at < ?", false, cutoff).Update("needs_rescan", true)
	return res.RowsAffected, res.Error
}

// ===== reports =====

// InsertReportIfNew inserts the report row, keyed on its dedupe key. Returns
// false when a row with the same key already exists (insert is a no-op).
func (s *Store) InsertReportIfNew(ctx context.Context, rep *Report) (bool, error) {
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "dedupe_key"}},
		DoNothing: true,
	}).Create(rep)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (s *Store) SetReportUpstreamID(ctx context.Context, reportID uint, upstreamID string) error {
	return s.db.WithContext(ctx).Model(&Report{}).Where("id = ?", reportID).Update("upstream_report_id", upstreamID).Error
}

// ===== domain alerts =====

// IncrementDomainViolation bumps the violation counter for a remote domain,
// creating the alert row on first sighting. The bump is a single atomic
// statement, so concurrent workers never lose increments.
func (s *Store) IncrementDomainViolation(ctx context.Context, domain string) (*DomainAlert, error) {
	now := time.Now()
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "domain"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"violation_count":   gorm.Expr("violation_count + 1"),
			"last_violation_at": now,
			"updated_at":        now,
		}),
	}).Create(&DomainAlert{
		Domain:                domain,
		ViolationCount:        1,
		LastViolationAt:       &now,
		DefederationThreshold: DefaultDefederationThreshold,
	}).Error
	if err != nil {
		return nil, err
	}
	return s.GetDomainAlert(ctx, domain)
}

// MarkDefederated flips is_defederated exactly once, and only when the
// violation count has reached the threshold. Returns true when this call
// performed the transition.
func (s *Store) MarkDefederated(ctx context.Context, domain, by, notes string) (bool, error) {
	now := time.Now()
	res := s.db.WithContext(ctx).Model(&DomainAlert{}).
		Where("domain = ? AND is_defederated = ? AND violation_count >= defederation_threshold", domain, false).
		Updates(map[string]interface{}{
			"is_defederated": true,
			"defederated_at": &now,
			"defederated_by": by,
			"notes":          notes,
		})
	return res.RowsAffected > 0, res.Error
}

func (s *Store) GetDomainAlert(ctx context.Context, domain string) (*DomainAlert, error) {
	var alert DomainAlert
	err := s.db.WithContext(ctx).First(&alert, "domain = ?", domain).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &alert, nil
}

func (s *Store) ListDomainAlerts(ctx context.Context) ([]DomainAlert, error) {
	var alerts []DomainAlert
	err := s.db.WithContext(ctx).Order("violation_count DESC").Find(&alerts).Error
	return alerts, err
}

// ===== scheduled actions =====

// UpsertScheduledAction schedules the reversal of a timed action. On conflict
// with an existing (account, action) row, the later expiry wins: a longer
// punishment always supersedes a shorter one.
func (s *Store) UpsertScheduledAction(ctx context.Context, accountID, action string, expiresAt time.Time) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing ScheduledAction
		err := tx.Where("account_id = ? AND action_to_reverse = ?", accountID, action).First(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return tx.Create(&ScheduledAction{
				AccountID:       accountID,
				ActionToReverse: action,
				ExpiresAt:       expiresAt,
			}).Error
		}
		if err != nil {
			return err
		}
		if !expiresAt.After(existing.ExpiresAt) {
			return nil
		}
		return tx.Model(&ScheduledAction{}).Where("id = ?", existing.ID).Update("expires_at", expiresAt).Error
	})
}

func (s *Store) DueScheduledActions(ctx context.Context, now time.Time) ([]ScheduledAction, error) {
	var due []ScheduledAction
	err := s.db.WithContext(ctx).Where("expires_at <= ?", now).Order("expires_at").Find(&due).Error
	return due, err
}

func (s *Store) DeleteScheduledAction(ctx context.Context, id uint) error {
	return s.db.WithContext(ctx).Unscoped().Delete(&ScheduledAction{}, id).Error
}

// ===== audit + analyses =====

func (s *Store) InsertAudit(ctx context.Context, row *AuditLog) error {
	return s.db.WithContext(ctx).Create(row).Error
}

// InsertAnalysisIfNew inserts the evidence row, keyed on its dedupe key.
// Returns false when a row with the same key already exists.
func (s *Store) InsertAnalysisIfNew(ctx context.Context, row *Analysis) (bool, error) {
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "dedupe_key"}},
		DoNothing: true,
	}).Create(row)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (s *Store) CountAnalyses(ctx context.Context, accountID uint) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&Analysis{}).Where("account_id = ?", accountID).Count(&n).Error
	return n, err
}

// ===== behavior metrics + interactions =====

func (s *Store) UpsertBehaviorMetrics(ctx context.Context, accountID uint, lastHour, lastDay int64) error {
	row := AccountBehaviorMetrics{
		AccountID:     accountID,
		PostsLastHour: lastHour,
		PostsLastDay:  lastDay,
		MeasuredAt:    time.Now(),
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "account_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"posts_last_hour", "posts_last_day", "measured_at", "updated_at"}),
	}).Create(&row).Error
}

func (s *Store) RecordInteraction(ctx context.Context, accountID uint, targetAccountID, kind string) error {
	return s.db.WithContext(ctx).Create(&InteractionHistory{
		AccountID:       accountID,
		TargetAccountID: targetAccountID,
		InteractionKind: kind,
	}).Error
}

// CountDistinctInteractionTargets counts distinct targets within the
// account's most recent lastN interactions.
func (s *Store) CountDistinctInteractionTargets(ctx context.Context, accountID uint, lastN int) (int, error) {
	var targets []string
	err := s.db.WithContext(ctx).Model(&InteractionHistory{}).
		Where("account_id = ?", accountID).
		Order("id DESC").Limit(lastN).
		Pluck("target_account_id", &targets).Error
	if err != nil {
		return 0, err
	}
	seen := make(map[string]bool, len(targets))
	for _, t := range targets {
		seen[t] = true
	}
	return len(seen), nil
}

// ===== rules (reads and writes used by the rules service) =====

func (s *Store) ListRules(ctx context.Context, enabledOnly bool) ([]Rule, error) {
	var out []Rule
	q := s.db.WithContext(ctx).Order("id")
	if enabledOnly {
		q = q.Where("enabled = ?", true)
	}
	err := q.Find(&out).Error
	return out, err
}

func (s *Store) GetRule(ctx context.Context, id uint) (*Rule, error) {
	var r Rule
	err := s.db.WithContext(ctx).First(&r, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *Store) GetRuleByName(ctx context.Context, name string) (*Rule, error) {
	var r Rule
	err := s.db.WithContext(ctx).First(&r, "name = ?", name).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *Store) CreateRule(ctx context.Context, r *Rule) error {
	return s.db.WithContext(ctx).Create(r).Error
}

func (s *Store) SaveRule(ctx context.Context, r *Rule) error {
	return s.db.WithContext(ctx).Save(r).Error
}

func (s *Store) DeleteRule(ctx context.Context, id uint) error {
	return s.db.WithContext(ctx).Unscoped().Delete(&Rule{}, id).Error
}

func (s *Store) SetRuleEnabled(ctx context.Context, id uint, enabled bool) error {
	return s.db.WithContext(ctx).Model(&Rule{}).Where("id = ?", id).Update("enabled", enabled).Error
}

func (s *Store) BulkSetRuleEnabled(ctx context.Context, ids []uint, enabled bool) (int64, error) {
	res := s.db.WithContext(ctx).Model(&Rule{}).Where("id IN ?", ids).Update("enabled", enabled)
	return res.RowsAffected, res.Error
}

// BumpRuleTrigger increments the trigger counter after a rule produced a kept
// violation.
func (s *Store) BumpRuleTrigger(ctx context.Context, name string) error {
	now := time.Now()
	return s.db.WithContext(ctx).Model(&Rule{}).Where("name = ?", name).Updates(map[string]interface{}{
		"trigger_count":     gorm.Expr("trigger_count + 1"),
		"last_triggered_at": &now,
	}).Error
}

// RuleStats summarizes the rule table for the admin surface.
type RuleStats struct {
	Total        int64            `json:"total"`
	Enabled      int64            `json:"enabled"`
	ByKind       map[string]int64 `json:"by_kind"`
	TopTriggered []Rule           `json:"top_triggered"`
}

func (s *Store) GetRuleStats(ctx context.Context) (*RuleStats, error) {
	stats := RuleStats{ByKind: make(map[string]int64)}
	if err := s.db.WithContext(ctx).Model(&Rule{}).Count(&stats.Total).Error; err != nil {
		return nil, err
	}
	if err := s.db.WithContext(ctx).Model(&Rule{}).Where("enabled = ?", true).Count(&stats.Enabled).Error; err != nil {
		return nil, err
	}
	type kindCount struct {
		DetectorKind string
		N            int64
	}
	var counts []kindCount
	if err := s.db.WithContext(ctx).Model(&Rule{}).Select("detector_kind, count(*) as n").Group("detector_kind").Scan(&counts).Error; err != nil {
		return nil, err
	}
	for _, kc := range counts {
		stats.ByKind[kc.DetectorKind] = kc.N
	}
	if err := s.db.WithContext(ctx).Order("trigger_count DESC").Limit(5).Find(&stats.TopTriggered).Error; err != nil {
		return nil, err
	}
	return &stats, nil
}
