package config

import (
	"regexp"
	"strings"

	"github.com/pkg/errors"
)

const regexMeta = `.*+?()[]{}|\^$`

// Pattern matches application identifiers. Literal patterns compare for
// exact, case-sensitive equality; regex patterns use an unanchored search.
type Pattern struct {
	raw string
	re  *regexp.Regexp
}

// ParsePattern compiles raw. Any regex metacharacter makes it a regex.
func ParsePattern(raw string) (Pattern, error) {
	if !strings.ContainsAny(raw, regexMeta) {
		return Pattern{raw: raw}, nil
	}
	re, err := regexp.Compile(raw)
	if err != nil {
		return Pattern{}, errors.Wrapf(err, "invalid inhibit pattern %q", raw)
	}
	return Pattern{raw: raw, re: re}, nil
}

// MustPattern is ParsePattern for tests and literals known to be valid.
func MustPattern(raw string) Pattern {
	p, err := ParsePattern(raw)
	if err != nil {
		panic(err)
	}
	return p
}

func (p Pattern) IsRegex() bool { return p.re != nil }

func (p Pattern) String() string { return p.raw }

// Match reports whether id is inhibited by this pattern.
func (p Pattern) Match(id string) bool {
	if p.re != nil {
		return p.re.MatchString(id)
	}
	return p.raw == id
}

// JoinPatterns renders patterns as a comma-separated list.
func JoinPatterns(ps []Pattern) string {
	parts := make([]string, len(ps))
	for i, p := range ps {
		parts[i] = p.raw
	}
	return strings.Join(parts, ",")
}
