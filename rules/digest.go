package rules

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"

	"github.com/mastomod/vigil/store"
)

const (
	fieldSep  = "\x1f"
	recordSep = "\x1e"
)

// Version computes the deterministic rules-version digest: a SHA-256 over a
// stable serialization of every enabled rule. Two snapshots with identical
// digests are semantically equivalent; any change to an enabled rule's
// matching behavior produces a new digest.
func Version(all []store.Rule) string {
	enabled := make([]store.Rule, 0, len(all))
	for _, r := range all {
		if r.Enabled {
			enabled = append(enabled, r)
		}
	}
	sort.Slice(enabled, func(i, j int) bool { return enabled[i].ID < enabled[j].ID })

	records := make([]string, 0, len(enabled))
	for _, r := range enabled {
		records = append(records, strings.Join([]string{
			strconv.FormatUint(uint64(r.ID), 10),
			r.Pattern,
			strconv.FormatFloat(r.Weight, 'f', -1, 64),
			strconv.FormatBool(r.Enabled),
			r.DetectorKind,
			r.ActionKind,
			strconv.FormatFloat(r.TriggerThreshold, 'f', -1, 64),
		}, fieldSep))
	}
	sum := sha256.Sum256([]byte(strings.Join(records, recordSep)))
	return hex.EncodeToString(sum[:])
}
