// Package identity implements the semantic identity value type: a
// colon-delimited triple project[:stack[:context]] naming a logical
// service or lock domain.
package identity

import (
	"fmt"
	"strings"
)

// MaxSegmentLen bounds each identity segment.
const MaxSegmentLen = 64

// Identity is a parsed semantic identity. Stack and Context are empty
// when absent. Wildcard segments ("*") are only legal in patterns.
type Identity struct {
	Project string
	Stack   string
	Context string
}

// String reassembles the canonical composite form.
func (id Identity) String() string {
	s := id.Project
	if id.Stack != "" {
		s += ":" + id.Stack
	}
	if id.Context != "" {
		s += ":" + id.Context
	}
	return s
}

// HasWildcard reports whether any segment is the "*" wildcard.
func (id Identity) HasWildcard() bool {
	return id.Project == "*" || id.Stack == "*" || id.Context == "*"
}

// Parse parses and validates a concrete identity. Wildcards are
// rejected; use ParsePattern for query patterns.
func Parse(s string) (Identity, error) {
	id, err := ParsePattern(s)
	if err != nil {
		return Identity{}, err
	}
	if id.HasWildcard() || strings.Contains(s, "*") {
		return Identity{}, fmt.Errorf("identity %q: wildcards are only allowed in patterns", s)
	}
	return id, nil
}

// ParsePattern parses an identity that may contain "*" wildcards.
func ParsePattern(s string) (Identity, error) {
	if s == "" {
		return Identity{}, fmt.Errorf("identity must not be empty")
	}
	parts := strings.Split(s, ":")
	if len(parts) > 3 {
		return Identity{}, fmt.Errorf("identity %q: at most 3 segments (project:stack:context)", s)
	}
	for _, p := range parts {
		if err := validateSegment(p); err != nil {
			return Identity{}, fmt.Errorf("identity %q: %w", s, err)
		}
	}
	id := Identity{Project: parts[0]}
	if len(parts) > 1 {
		id.Stack = parts[1]
	}
	if len(parts) > 2 {
		id.Context = parts[2]
	}
	return id, nil
}

func validateSegment(seg string) error {
	if seg == "" {
		return fmt.Errorf("empty segment")
	}
	if len(seg) > MaxSegmentLen {
		return fmt.Errorf("segment exceeds %d characters", MaxSegmentLen)
	}
	for _, r := range seg {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '.' || r == '_' || r == '-' || r == '*':
		default:
			return fmt.Errorf("invalid character %q", r)
		}
	}
	return nil
}

// Matches reports whether the concrete identity id matches the
// pattern. "*" in a pattern segment matches any single segment, and a
// missing trailing pattern segment is equivalent to "*". A "*" inside
// a segment (e.g. "acme-*") matches any run of characters.
func Matches(pattern, id Identity) bool {
	return segMatches(pattern.Project, id.Project) &&
		trailingMatches(pattern.Stack, id.Stack) &&
		trailingMatches(pattern.Context, id.Context)
}

// trailingMatches treats an absent pattern segment as "*".
func trailingMatches(pat, seg string) bool {
	if pat == "" {
		return true
	}
	return segMatches(pat, seg)
}

func segMatches(pat, seg string) bool {
	if pat == "*" {
		return true
	}
	if !strings.Contains(pat, "*") {
		return pat == seg
	}
	// Embedded wildcard: match piecewise.
	pieces := strings.Split(pat, "*")
	rest := seg
	for i, piece := range pieces {
		if piece == "" {
			continue
		}
		idx := strings.Index(rest, piece)
		if idx < 0 {
			return false
		}
		if i == 0 && idx != 0 {
			return false // anchored prefix
		}
		rest = rest[idx+len(piece):]
	}
	// Anchored suffix: last piece must end the segment.
	if last := pieces[len(pieces)-1]; last != "" && !strings.HasSuffix(seg, last) {
		return false
	}
	return true
}

// Glob compiles a pattern into an indexable SQL predicate over the
// (project, stack, context) prefix columns. Exact segments become
// equality tests; wildcard segments with embedded "*" become LIKE
// with "%"; full "*" or missing trailing segments add no constraint.
func Glob(pattern Identity) (where string, args []interface{}) {
	var clauses []string
	add := func(col, pat string) {
		if pat == "" || pat == "*" {
			return
		}
		if strings.Contains(pat, "*") {
			clauses = append(clauses, col+" LIKE ? ESCAPE '\\'")
			args = append(args, likePattern(pat))
			return
		}
		clauses = append(clauses, col+" = ?")
		args = append(args, pat)
	}
	add("project", pattern.Project)
	add("stack", pattern.Stack)
	add("context", pattern.Context)
	if len(clauses) == 0 {
		return "1=1", nil
	}
	return strings.Join(clauses, " AND "), args
}

// likePattern converts a segment glob to a SQL LIKE pattern, escaping
// the LIKE metacharacters in the literal parts.
func likePattern(pat string) string {
	var b strings.Builder
	for _, r := range pat {
		switch r {
		case '*':
			b.WriteByte('%')
		case '%', '_', '\\':
			b.WriteByte('\\')
			b.WriteRune(r)
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
