// Package rules owns the detector rule table: validation, CRUD for the admin
// surface, the rules-version digest, and the TTL'd snapshot cache the
// pipeline reads from.
package rules

import (
	"fmt"
	"regexp"
	"time"

	"github.com/mastomod/vigil/store"
)

const (
	KindRegex      = "regex"
	KindKeyword    = "keyword"
	KindBehavioral = "behavioral"
	KindMedia      = "media"
)

const (
	ActionReport      = "report"
	ActionWarn        = "warn"
	ActionSilence     = "silence"
	ActionSuspend     = "suspend"
	ActionSensitive   = "sensitive"
	ActionDomainBlock = "domain_block"
)

const (
	BoolAnd = "AND"
	BoolOr  = "OR"
)

var detectorKinds = map[string]bool{
	KindRegex:      true,
	KindKeyword:    true,
	KindBehavioral: true,
	KindMedia:      true,
}

var actionKinds = map[string]bool{
	ActionReport:      true,
	ActionWarn:        true,
	ActionSilence:     true,
	ActionSuspend:     true,
	ActionSensitive:   true,
	ActionDomainBlock: true,
}

// ActionDuration returns the rule's configured action duration, zero for
// indefinite actions.
func ActionDuration(r *store.Rule) time.Duration {
	if r.ActionDurationSeconds == nil {
		return 0
	}
	return time.Duration(*r.ActionDurationSeconds) * time.Second
}

// Validate enforces the rule invariants before any create or update is
// persisted. Violations surface to the admin caller as structured 4xx; an
// invalid rule never reaches the pipeline.
func Validate(r *store.Rule) error {
	if r.Name == "" {
		return fmt.Errorf("rule name is required")
	}
	if !detectorKinds[r.DetectorKind] {
		return fmt.Errorf("unknown detector kind: %q", r.DetectorKind)
	}
	if !actionKinds[r.ActionKind] {
		return fmt.Errorf("unknown action kind: %q", r.ActionKind)
	}
	if r.Weight < 0 || r.Weight > 5 {
		return fmt.Errorf("weight must be in [0, 5], got %v", r.Weight)
	}
	if r.TriggerThreshold < 0 || r.TriggerThreshold > 10 {
		return fmt.Errorf("trigger threshold must be in [0, 10], got %v", r.TriggerThreshold)
	}
	if (r.BooleanOp == nil) != (r.SecondaryPattern == nil) {
		return fmt.Errorf("boolean_op and secondary_pattern must be both present or both absent")
	}
	if r.BooleanOp != nil && *r.BooleanOp != BoolAnd && *r.BooleanOp != BoolOr {
		return fmt.Errorf("boolean_op must be AND or OR, got %q", *r.BooleanOp)
	}
	if r.DetectorKind == KindRegex {
		if _, err := regexp.Compile("(?i)" + r.Pattern); err != nil {
			return fmt.Errorf("pattern does not compile: %w", err)
		}
		if r.SecondaryPattern != nil {
			if _, err := regexp.Compile("(?i)" + *r.SecondaryPattern); err != nil {
				return fmt.Errorf("secondary pattern does not compile: %w", err)
			}
		}
	}
	if r.Pattern == "" {
		return fmt.Errorf("pattern is required")
	}
	return nil
}
