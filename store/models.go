package store

import (
	"time"

	"gorm.io/gorm"
)

// Account mirrors an upstream account reference. Rows are created on first
// observation and updated on every successful scan.
type Account struct {
	gorm.Model
	UpstreamID     string `gorm:"uniqueIndex"`
	Handle         string `gorm:"index"`
	Domain         string `gorm:"index"`
	LastCheckedAt  *time.Time
	LastFullScanAt *time.Time
	ContentHash    string
}

// Local is the domain value used for accounts on this instance.
const LocalDomain = "local"

// Rule is a detector specification. Rules are owned by the admin surface; the
// pipeline only reads them (through the rule cache).
type Rule struct {
	gorm.Model
	Name                  string `gorm:"uniqueIndex"`
	DetectorKind          string `gorm:"index"`
	Pattern               string
	SecondaryPattern      *string
	BooleanOp             *string
	Weight                float64
	ActionKind            string
	TriggerThreshold      float64
	ActionDurationSeconds *int64
	WarningText           *string
	WarningPresetID       *string
	Enabled               bool `gorm:"index"`
	CreatedBy             string
	TriggerCount          int64
	LastTriggeredAt       *time.Time
}

// Analysis is an immutable evidence record for one rule hit. DedupeKey makes
// inserts idempotent across retried jobs.
type Analysis struct {
	ID        uint `gorm:"primarykey"`
	CreatedAt time.Time
	AccountID uint `gorm:"index"`
	StatusID  *string
	RuleKey   string `gorm:"index"`
	Score     float64
	// structured JSON: matched text, matched status ids, metrics
	Evidence     string
	RulesVersion string
	DedupeKey    string `gorm:"uniqueIndex"`
}

// ContentScan is the scan deduplication cache entry, keyed on a normalized
// digest of the account's user-visible identity fields.
type ContentScan struct {
	gorm.Model
	ContentHash   string `gorm:"uniqueIndex"`
	AccountID     uint   `gorm:"index"`
	ScanKind      string
	ScanResult    string
	RulesVersion  string    `gorm:"index"`
	LastScannedAt time.Time `gorm:"index"`
	NeedsRescan   bool      `gorm:"index"`
}

// Report is a submitted (or dry-run pending) moderation report. At most one
// row exists per DedupeKey; a second insert is a no-op.
type Report struct {
	gorm.Model
	AccountID        uint `gorm:"index"`
	StatusID         *string
	UpstreamReportID *string
	DedupeKey        string `gorm:"uniqueIndex"`
	Comment          string
}

// ScanSession is the progress ledger for one polling or sweep run.
type ScanSession struct {
	gorm.Model
	SessionKind       string `gorm:"index:idx_sessions_kind_status"`
	Status            string `gorm:"index:idx_sessions_kind_status"`
	StartedAt         time.Time
	CompletedAt       *time.Time
	AccountsProcessed int64
	TotalAccounts     *int64
	CurrentCursor     string
	LastAccountID     string
	// rules-version digest snapshot taken when the session started
	RulesApplied string
	Metadata     string
}

const (
	SessionActive    = "active"
	SessionCompleted = "completed"
	SessionFailed    = "failed"
)

const (
	SessionKindLocal       = "local"
	SessionKindRemote      = "remote"
	SessionKindFederated   = "federated"
	SessionKindDomainCheck = "domain_check"
)

// Cursor is a durable pagination marker, written after each processed page.
type Cursor struct {
	Name      string `gorm:"primarykey"`
	Position  string
	UpdatedAt time.Time
}

// DomainAlert tracks per-remote-domain violation counts and the defederation
// state machine.
type DomainAlert struct {
	gorm.Model
	Domain                string `gorm:"uniqueIndex"`
	ViolationCount        int64
	LastViolationAt       *time.Time
	DefederationThreshold int64
	IsDefederated         bool
	DefederatedAt         *time.Time
	DefederatedBy         string
	Notes                 string
}

const DefaultDefederationThreshold = 10

// ScheduledAction is a pending reversal of a timed moderation action. Unique
// on (account, action); on conflict the later expiry wins.
type ScheduledAction struct {
	gorm.Model
	AccountID       string    `gorm:"uniqueIndex:idx_scheduled_account_action"`
	ActionToReverse string    `gorm:"uniqueIndex:idx_scheduled_account_action"`
	ExpiresAt       time.Time `gorm:"index"`
}

// AuditLog is an immutable record of one enforcement attempt.
type AuditLog struct {
	ID        uint `gorm:"primarykey"`
	CreatedAt time.Time
	ActionKind string `gorm:"index"`
	// upstream account id, or a domain for domain-level actions
	TargetAccountID   string `gorm:"index"`
	TriggeredByRuleID *uint
	Evidence          string
	APIResponse       string
}

// ConfigEntry is a runtime key/value flag (panic_stop, dry_run,
// report_threshold). Read on demand; written from the admin surface.
type ConfigEntry struct {
	Key       string `gorm:"primarykey"`
	Value     string
	UpdatedAt time.Time
}

const (
	ConfigPanicStop       = "panic_stop"
	ConfigDryRun          = "dry_run"
	ConfigReportThreshold = "report_threshold"
)

// AccountBehaviorMetrics holds the latest 1h/24h posting counts for an
// account, upserted as a side effect of behavioral rule evaluation.
type AccountBehaviorMetrics struct {
	gorm.Model
	AccountID     uint `gorm:"uniqueIndex"`
	PostsLastHour int64
	PostsLastDay  int64
	MeasuredAt    time.Time
}

// InteractionHistory records one observed interaction (mention, reply) by an
// account toward a target, consumed by the interaction_spam detector.
type InteractionHistory struct {
	ID              uint `gorm:"primarykey"`
	CreatedAt       time.Time
	AccountID       uint `gorm:"index"`
	TargetAccountID string
	InteractionKind string
}
