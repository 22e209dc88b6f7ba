// Package names proposes free agent names when a requested one is taken.
package names

import (
	"math/rand/v2"
	"strings"
	"unicode/utf8"
)

// Suffixes in the style of Iain M. Banks' Culture ship names, reduced to
// single lowercase words so variants stay short and shell-friendly.
var suffixes = []string{
	"gravitas", "ambition", "attitude", "problem",
	"regret", "doubt", "ethics", "patience",
	"virtue", "subtlety", "restraint", "enthusiasm",
	"optimism", "irony", "context", "margin",
	"error", "signal", "noise", "intention",
	"consequence", "coincidence", "certainty", "assumption",
	"negotiation", "position", "discretion", "indiscretion",
	"conditions", "convenience", "concern", "charm",
}

// Variant returns base joined to a random suffix, as in "agentA-irony". The
// base is shortened so the result has at most maxLen runes. maxLen <= 0
// means no limit.
func Variant(base string, maxLen int) string {
	base = strings.TrimSpace(base)
	suffix := suffixes[rand.IntN(len(suffixes))]
	if maxLen > 0 {
		room := maxLen - utf8.RuneCountInString(suffix) - 1
		if room < 1 {
			return truncate(suffix, maxLen)
		}
		base = truncate(base, room)
	}
	if base == "" {
		return suffix
	}
	return base + "-" + suffix
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
