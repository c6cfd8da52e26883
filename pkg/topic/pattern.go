// Package topic provides MQTT topic pattern compilation and matching.
// Patterns use the standard MQTT wildcards: "+" matches exactly one level,
// "#" matches the remainder of the topic and is only valid as the last segment.
package topic

import (
	"fmt"
	"strings"
)

// Pattern is a compiled MQTT topic filter.
type Pattern struct {
	raw      string
	segments []string
	multi    bool // pattern ends with "#"
}

// Compile parses and validates an MQTT topic filter.
func Compile(filter string) (*Pattern, error) {
	if filter == "" {
		return nil, fmt.Errorf("topic filter must not be empty")
	}
	segments := strings.Split(filter, "/")
	for i, seg := range segments {
		switch {
		case seg == "#":
			if i != len(segments)-1 {
				return nil, fmt.Errorf("invalid topic filter %q: '#' is only valid as the last segment", filter)
			}
		case strings.Contains(seg, "#"):
			return nil, fmt.Errorf("invalid topic filter %q: '#' must occupy a whole segment", filter)
		case seg != "+" && strings.Contains(seg, "+"):
			return nil, fmt.Errorf("invalid topic filter %q: '+' must occupy a whole segment", filter)
		}
	}
	multi := segments[len(segments)-1] == "#"
	if multi {
		segments = segments[:len(segments)-1]
	}
	return &Pattern{raw: filter, segments: segments, multi: multi}, nil
}

// MustCompile is Compile that panics on invalid filters. For use with
// filters known at compile time.
func MustCompile(filter string) *Pattern {
	p, err := Compile(filter)
	if err != nil {
		panic(err)
	}
	return p
}

// String returns the original filter text.
func (p *Pattern) String() string { return p.raw }

// Match reports whether the topic matches the filter.
func (p *Pattern) Match(topic string) bool {
	parts := strings.Split(topic, "/")
	if len(parts) < len(p.segments) {
		return false
	}
	if !p.multi && len(parts) != len(p.segments) {
		return false
	}
	for i, seg := range p.segments {
		if seg == "+" {
			continue
		}
		if seg != parts[i] {
			return false
		}
	}
	return true
}

// HasWildcards reports whether the filter contains "+" or "#".
func (p *Pattern) HasWildcards() bool {
	if p.multi {
		return true
	}
	for _, seg := range p.segments {
		if seg == "+" {
			return true
		}
	}
	return false
}

// SQLRegexp converts the filter into a POSIX regular expression suitable for
// PostgreSQL's "~" operator, anchored at both ends. Used by the event store
// to push pattern filtering into the database.
func (p *Pattern) SQLRegexp() string {
	var b strings.Builder
	b.WriteString("^")
	for i, seg := range p.segments {
		if i > 0 {
			b.WriteString("/")
		}
		if seg == "+" {
			b.WriteString("[^/]+")
		} else {
			b.WriteString(escapeRegexp(seg))
		}
	}
	if p.multi {
		if len(p.segments) > 0 {
			b.WriteString("(/.*)?")
		} else {
			b.WriteString(".*")
		}
	}
	b.WriteString("$")
	return b.String()
}

// escapeRegexp escapes POSIX regexp metacharacters in a literal segment.
func escapeRegexp(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '.', '*', '%', '^', '$', '(', ')', '[', ']', '{', '}', '|', '\\', '?':
			b.WriteRune('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
