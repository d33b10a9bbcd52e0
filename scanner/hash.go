package scanner

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/mastomod/vigil/mastodon"
)

// ContentHash digests the normalized subset of account fields whose change
// should trigger a rescan: username, display name, bio, avatar, header, and
// custom fields. The serialization is stable, so equal identity content
// always hashes equally.
func ContentHash(acct *mastodon.Account) string {
	parts := []string{
		acct.Username,
		acct.DisplayName,
		acct.Note,
		acct.Avatar,
		acct.Header,
	}
	for _, f := range acct.Fields {
		parts = append(parts, f.Name+"="+f.Value)
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "\x1f")))
	return hex.EncodeToString(sum[:])
}
