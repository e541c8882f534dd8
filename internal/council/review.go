package council

import (
	"encoding/json"
	"regexp"
	"strings"
	"time"
)

// Stance is a reviewer's overall position on the artifact.
type Stance string

const (
	StanceAgree    Stance = "agree"
	StanceMixed    Stance = "mixed"
	StanceDisagree Stance = "disagree"
	StanceUnknown  Stance = "unknown"
)

// Reviewer is one external reviewer in the fan-out.
type Reviewer struct {
	Name    string `json:"name"`
	Backend string `json:"backend"`
	Model   string `json:"model,omitempty"`
	// APIKey is resolved per organisation before dispatch.
	APIKey string `json:"-"`
	// Unavailable reviewers are never called; they get a fallback record.
	Unavailable bool `json:"unavailable,omitempty"`
}

// ReviewRecord is one reviewer's opinion, sealed atomically.
type ReviewRecord struct {
	Source     string        `json:"source"`
	Backend    string        `json:"backend"`
	Model      string        `json:"model,omitempty"`
	Stance     Stance        `json:"stance"`
	Content    string        `json:"content"`
	Latency    time.Duration `json:"latency"`
	IsFallback bool          `json:"is_fallback"`
	Skipped    bool          `json:"skipped,omitempty"`
	Error      string        `json:"error,omitempty"`
}

var (
	stanceLine  = regexp.MustCompile(`(?im)^\s*\**\s*stance\s*\**\s*[:=-]\s*\**\s*([a-z_ ]+)`)
	mixedPhrase = regexp.MustCompile(`(?i)\b(mixed|partially agree|partly agree|agree with reservations|somewhat agree)\b`)
	disagreeRe  = regexp.MustCompile(`(?i)\b(disagree|disagrees|reject|rejects)\b`)
	agreeRe     = regexp.MustCompile(`(?i)\b(agree|agrees|approve|approves|endorse|endorses)\b`)
)

// ParseStance reads a stance from a reviewer reply. An explicit "STANCE:" line
// wins, then a JSON "stance" field, then keyword matching.
func ParseStance(content string) Stance {
	if m := stanceLine.FindStringSubmatch(content); len(m) > 1 {
		if s := normalizeStance(m[1]); s != StanceUnknown {
			return s
		}
	}
	if trimmed := strings.TrimSpace(content); strings.HasPrefix(trimmed, "{") {
		var doc struct {
			Stance string `json:"stance"`
		}
		if err := json.Unmarshal([]byte(trimmed), &doc); err == nil {
			if s := normalizeStance(doc.Stance); s != StanceUnknown {
				return s
			}
		}
	}
	switch {
	case mixedPhrase.MatchString(content):
		return StanceMixed
	case disagreeRe.MatchString(content) && agreeRe.MatchString(strings.ReplaceAll(strings.ToLower(content), "disagree", "")):
		return StanceMixed
	case disagreeRe.MatchString(content):
		return StanceDisagree
	case agreeRe.MatchString(content):
		return StanceAgree
	}
	return StanceUnknown
}

func normalizeStance(s string) Stance {
	s = strings.ToLower(strings.TrimSpace(s))
	switch {
	case strings.HasPrefix(s, "disagree"):
		return StanceDisagree
	case strings.HasPrefix(s, "mixed"), strings.HasPrefix(s, "partial"):
		return StanceMixed
	case strings.HasPrefix(s, "agree"):
		return StanceAgree
	}
	return StanceUnknown
}

// Tally counts records by stance.
func Tally(records []ReviewRecord) map[Stance]int {
	out := make(map[Stance]int, 4)
	for _, r := range records {
		out[r.Stance]++
	}
	return out
}
