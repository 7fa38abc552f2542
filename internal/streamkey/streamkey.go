// Package streamkey implements the Clawline stream-key grammar:
// agent:<agentId>:clawline:<userId>:<suffix>, plus legacy-shape rewriting.
package streamkey

import (
	"fmt"
	"regexp"
	"strings"
)

const (
	SuffixMain = "main"
	SuffixDM   = "dm"
)

var (
	customSuffixPattern = regexp.MustCompile(`^s_[0-9a-f]{8}$`)
	// legacyDMPattern matches the pre-grammar shape agent:<agentId>:clawline:dm:<userId>.
	legacyDMPattern = regexp.MustCompile(`^agent:([^:]+):clawline:dm:([^:]+)$`)
	keyPattern      = regexp.MustCompile(`^agent:([^:]+):clawline:([^:]+):([^:]+)$`)
)

// Build returns the canonical stream key for a user's built-in or custom suffix.
func Build(agentID, userID, suffix string) string {
	return fmt.Sprintf("agent:%s:clawline:%s:%s", agentID, userID, suffix)
}

// IsCustomSuffix reports whether suffix matches the random-hex custom-stream grammar.
func IsCustomSuffix(suffix string) bool {
	return customSuffixPattern.MatchString(suffix)
}

// NewCustomSuffix returns a candidate custom suffix from 4 random bytes already hex-encoded by the caller.
func NewCustomSuffix(hex8 string) string {
	return "s_" + hex8
}

// Parsed is the decomposition of a stream key.
type Parsed struct {
	AgentID string
	UserID  string
	Suffix  string
}

// Parse decomposes a stream key, rewriting the legacy dm shape to the current grammar first.
// Legacy shapes are recognised, not purged: callers that need the canonical key should persist
// the rewritten form back, but Parse itself never mutates storage.
func Parse(key string) (Parsed, bool) {
	key = Rewrite(key)
	m := keyPattern.FindStringSubmatch(key)
	if m == nil {
		return Parsed{}, false
	}
	return Parsed{AgentID: m[1], UserID: m[2], Suffix: m[3]}, true
}

// Rewrite maps a legacy stream-key shape onto the current grammar. Unrecognised
// legacy shapes are returned unchanged.
func Rewrite(key string) string {
	if m := legacyDMPattern.FindStringSubmatch(key); m != nil {
		return Build(m[1], m[2], SuffixDM)
	}
	return key
}

// IsBuiltInSuffix reports whether suffix names one of the always-present streams.
func IsBuiltInSuffix(suffix string) bool {
	return suffix == SuffixMain || suffix == SuffixDM
}

// BelongsToUser reports whether a parsed key's userId segment, case-sensitively, is userID.
func BelongsToUser(key, userID string) bool {
	p, ok := Parse(key)
	return ok && p.UserID == userID
}

// IsPerUserFamily reports whether key is in the main|dm|s_xxxxxxxx family for some user,
// as opposed to the deployment-level admin global key (an opaque string outside this grammar).
func IsPerUserFamily(key string) bool {
	p, ok := Parse(key)
	if !ok {
		return false
	}
	return IsBuiltInSuffix(p.Suffix) || IsCustomSuffix(p.Suffix)
}

// NormalizeUserID derives a userId from a claimed display name: ASCII-lowercased,
// non-alphanumerics collapsed to '_', truncated to 48 bytes.
func NormalizeUserID(claimedName string) string {
	lower := strings.ToLower(claimedName)
	var b strings.Builder
	prevUnderscore := false
	for _, r := range lower {
		isAlnum := (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')
		if isAlnum {
			b.WriteRune(r)
			prevUnderscore = false
			continue
		}
		if !prevUnderscore {
			b.WriteByte('_')
			prevUnderscore = true
		}
	}
	out := strings.Trim(b.String(), "_")
	if len(out) > 48 {
		out = out[:48]
	}
	return out
}
