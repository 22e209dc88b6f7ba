// Package glob matches lock paths against shell-style patterns. A segment of
// "**" spans any number of path segments; inside a segment "*", "?" and
// "[...]" classes never cross a "/".
package glob

import (
	"fmt"
	"strings"
)

const (
	MaxTokens    = 50
	MaxWildcards = 10
)

type tokenKind int

const (
	tokenLiteral tokenKind = iota
	tokenAny
	tokenStar
	tokenClass
)

type runeRange struct {
	lo rune
	hi rune
}

type token struct {
	kind    tokenKind
	lit     rune
	ranges  []runeRange
	negated bool
}

// Pattern is a compiled glob.
type Pattern struct {
	raw      string
	segments [][]token
	// deep marks "**" segments, whose token slice is nil.
	deep []bool
}

// Compile parses pattern and enforces the complexity limits.
func Compile(pattern string) (*Pattern, error) {
	raw := strings.TrimSpace(pattern)
	if raw == "" {
		return nil, fmt.Errorf("empty pattern")
	}
	p := &Pattern{raw: raw}
	totalTokens, totalWildcards := 0, 0
	for _, seg := range strings.Split(raw, "/") {
		if seg == "**" {
			p.segments = append(p.segments, nil)
			p.deep = append(p.deep, true)
			totalWildcards++
			continue
		}
		tokens, err := parseSegment(seg)
		if err != nil {
			return nil, fmt.Errorf("pattern %q: %w", pattern, err)
		}
		for _, t := range tokens {
			if t.kind != tokenLiteral {
				totalWildcards++
			}
		}
		totalTokens += len(tokens)
		p.segments = append(p.segments, tokens)
		p.deep = append(p.deep, false)
	}
	if totalTokens > MaxTokens {
		return nil, fmt.Errorf("pattern too complex: %d tokens exceeds limit of %d", totalTokens, MaxTokens)
	}
	if totalWildcards > MaxWildcards {
		return nil, fmt.Errorf("pattern too complex: %d wildcards exceeds limit of %d", totalWildcards, MaxWildcards)
	}
	return p, nil
}

func (p *Pattern) String() string { return p.raw }

// Match reports whether the slash-separated name matches the pattern.
func (p *Pattern) Match(name string) bool {
	return p.matchFrom(0, strings.Split(name, "/"))
}

func (p *Pattern) matchFrom(i int, parts []string) bool {
	for ; i < len(p.segments); i++ {
		if p.deep[i] {
			for skip := 0; skip <= len(parts); skip++ {
				if p.matchFrom(i+1, parts[skip:]) {
					return true
				}
			}
			return false
		}
		if len(parts) == 0 || !matchSegment(p.segments[i], []rune(parts[0])) {
			return false
		}
		parts = parts[1:]
	}
	return len(parts) == 0
}

// Match compiles pattern and matches name against it.
func Match(pattern, name string) (bool, error) {
	p, err := Compile(pattern)
	if err != nil {
		return false, err
	}
	return p.Match(name), nil
}

func matchSegment(tokens []token, name []rune) bool {
	if len(tokens) == 0 {
		return len(name) == 0
	}
	tok := tokens[0]
	if tok.kind == tokenStar {
		for skip := 0; skip <= len(name); skip++ {
			if matchSegment(tokens[1:], name[skip:]) {
				return true
			}
		}
		return false
	}
	if len(name) == 0 || !tok.accepts(name[0]) {
		return false
	}
	return matchSegment(tokens[1:], name[1:])
}

func (t token) accepts(r rune) bool {
	switch t.kind {
	case tokenLiteral:
		return r == t.lit
	case tokenAny:
		return r != '/'
	case tokenClass:
		if r == '/' {
			return false
		}
		in := false
		for _, rr := range t.ranges {
			if r >= rr.lo && r <= rr.hi {
				in = true
				break
			}
		}
		return in != t.negated
	}
	return false
}

func parseSegment(segment string) ([]token, error) {
	runes := []rune(segment)
	tokens := make([]token, 0, len(runes))

	for i := 0; i < len(runes); {
		ch := runes[i]
		switch ch {
		case '*':
			// Consecutive stars inside a segment behave as one.
			if len(tokens) == 0 || tokens[len(tokens)-1].kind != tokenStar {
				tokens = append(tokens, token{kind: tokenStar})
			}
			i++
		case '?':
			tokens = append(tokens, token{kind: tokenAny})
			i++
		case '[':
			tok, next, err := parseClass(runes, i)
			if err != nil {
				return nil, err
			}
			tokens = append(tokens, tok)
			i = next
		case '\\':
			if i+1 >= len(runes) {
				return nil, fmt.Errorf("bad pattern")
			}
			tokens = append(tokens, token{kind: tokenLiteral, lit: runes[i+1]})
			i += 2
		default:
			tokens = append(tokens, token{kind: tokenLiteral, lit: ch})
			i++
		}
	}

	return tokens, nil
}

func parseClass(runes []rune, start int) (token, int, error) {
	i := start + 1
	if i >= len(runes) {
		return token{}, 0, fmt.Errorf("bad pattern")
	}
	tok := token{kind: tokenClass}
	if runes[i] == '^' || runes[i] == '!' {
		tok.negated = true
		i++
	}

	hadItem := false
	for i < len(runes) {
		if runes[i] == ']' && hadItem {
			return tok, i + 1, nil
		}

		lo, next, err := readClassRune(runes, i)
		if err != nil {
			return token{}, 0, err
		}
		i = next

		if i+1 < len(runes) && runes[i] == '-' && runes[i+1] != ']' {
			hi, nextHi, err := readClassRune(runes, i+1)
			if err != nil {
				return token{}, 0, err
			}
			if hi < lo {
				return token{}, 0, fmt.Errorf("bad pattern")
			}
			tok.ranges = append(tok.ranges, runeRange{lo: lo, hi: hi})
			i = nextHi
			hadItem = true
			continue
		}

		tok.ranges = append(tok.ranges, runeRange{lo: lo, hi: lo})
		hadItem = true
	}
	return token{}, 0, fmt.Errorf("bad pattern")
}

func readClassRune(runes []rune, idx int) (rune, int, error) {
	if idx >= len(runes) {
		return 0, 0, fmt.Errorf("bad pattern")
	}
	if runes[idx] != '\\' {
		return runes[idx], idx + 1, nil
	}
	if idx+1 >= len(runes) {
		return 0, 0, fmt.Errorf("bad pattern")
	}
	return runes[idx+1], idx + 2, nil
}
