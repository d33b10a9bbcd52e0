package enforce

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

// DedupeKey produces the content-addressable identity of a report: identical
// evidence under identical rules and policy hashes to the same key across
// restarts and workers, so the unique index on reports.dedupe_key makes
// submission at-most-once.
func DedupeKey(upstreamAccountID string, statusIDs []string, policyVersion, rulesVersion, evidenceSummary string) string {
	sorted := make([]string, len(statusIDs))
	copy(sorted, statusIDs)
	sort.Strings(sorted)
	canonical := strings.Join([]string{
		upstreamAccountID,
		strings.Join(sorted, ","),
		policyVersion,
		rulesVersion,
		evidenceSummary,
	}, "\x1f")
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])
}
