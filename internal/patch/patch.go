package patch

import (
	"fmt"
	"regexp"
	"strings"
)

// Mode selects how a rule modifies content at its anchor
type Mode string

const (
	ModeInsertBefore Mode = "insert-before"
	ModeReplaceLine  Mode = "replace-line"
	ModeReplaceBlock Mode = "replace-block"
)

// Rule describes one targeted edit of a managed configuration file
type Rule struct {
	Name        string
	Mode        Mode
	Matcher     string
	Regex       bool
	Replacement string
	// Check is the substring whose presence means the rule is already applied.
	// Empty means the trimmed replacement.
	Check string
	// BlockEnd ends a replace-block region. Empty means brace balancing.
	BlockEnd string
}

// Outcome reports what a rule did to the content it was applied to
type Outcome struct {
	Rule    string
	Applied bool
}

// AnchorNotFoundError is returned when a rule's anchor is missing from the
// content. It is always fatal to the caller's run.
type AnchorNotFoundError struct {
	Rule    string
	Matcher string
}

func (e *AnchorNotFoundError) Error() string {
	return fmt.Sprintf("patch rule %q: anchor %q not found", e.Rule, e.Matcher)
}

// IdempotenceCheck returns the substring used to detect an applied rule
func (r Rule) IdempotenceCheck() string {
	if r.Check != "" {
		return r.Check
	}
	return strings.TrimSpace(r.Replacement)
}

// Validate checks that the rule can be applied and that applying it yields
// content that satisfies its own idempotence check.
func (r Rule) Validate() error {
	switch r.Mode {
	case ModeInsertBefore, ModeReplaceLine, ModeReplaceBlock:
	default:
		return fmt.Errorf("invalid mode %q (must be insert-before, replace-line, or replace-block)", r.Mode)
	}
	if r.Matcher == "" {
		return fmt.Errorf("matcher is required")
	}
	if r.Regex {
		if _, err := regexp.Compile(r.Matcher); err != nil {
			return fmt.Errorf("invalid matcher regex: %w", err)
		}
	}
	if r.Mode != ModeReplaceBlock && r.BlockEnd != "" {
		return fmt.Errorf("block_end is only valid for replace-block")
	}
	check := r.IdempotenceCheck()
	if check == "" {
		return fmt.Errorf("replacement or check is required")
	}
	if !strings.Contains(r.Replacement, check) {
		return fmt.Errorf("check %q does not occur in the replacement", check)
	}
	return nil
}

// Apply applies rule to content. It returns the content unchanged and
// applied=false when the idempotence check is already satisfied.
func Apply(content string, rule Rule) (string, bool, error) {
	if strings.Contains(content, rule.IdempotenceCheck()) {
		return content, false, nil
	}

	index, err := matcherIndex(rule)
	if err != nil {
		return content, false, err
	}

	switch rule.Mode {
	case ModeInsertBefore:
		start := index(content)
		if start < 0 {
			return content, false, &AnchorNotFoundError{Rule: rule.Name, Matcher: rule.Matcher}
		}
		ls := lineStart(content, start)
		block := rule.Replacement
		if !strings.HasSuffix(block, "\n") {
			block += "\n"
		}
		return content[:ls] + block + content[ls:], true, nil

	case ModeReplaceLine:
		out, found := replaceLines(content, strings.TrimRight(rule.Replacement, "\r\n"), index)
		if !found {
			return content, false, &AnchorNotFoundError{Rule: rule.Name, Matcher: rule.Matcher}
		}
		return out, true, nil

	case ModeReplaceBlock:
		start := index(content)
		if start < 0 {
			return content, false, &AnchorNotFoundError{Rule: rule.Name, Matcher: rule.Matcher}
		}
		end, ok := blockEnd(content, start, rule.BlockEnd)
		if !ok {
			marker := rule.BlockEnd
			if marker == "" {
				marker = "}"
			}
			return content, false, &AnchorNotFoundError{Rule: rule.Name, Matcher: marker}
		}
		ls := lineStart(content, start)
		block := rule.Replacement
		if strings.HasSuffix(content[ls:end], "\n") && !strings.HasSuffix(block, "\n") {
			block += "\n"
		}
		return content[:ls] + block + content[end:], true, nil

	default:
		return content, false, fmt.Errorf("patch rule %q: unknown mode %q", rule.Name, rule.Mode)
	}
}

// ApplyAll applies rules in order against the evolving content. On error the
// original content is returned with the outcomes gathered so far.
func ApplyAll(content string, rules []Rule) (string, []Outcome, error) {
	outcomes := make([]Outcome, 0, len(rules))
	current := content
	for _, rule := range rules {
		next, applied, err := Apply(current, rule)
		if err != nil {
			return content, outcomes, err
		}
		current = next
		outcomes = append(outcomes, Outcome{Rule: rule.Name, Applied: applied})
	}
	return current, outcomes, nil
}

// AnyApplied reports whether at least one outcome changed the content
func AnyApplied(outcomes []Outcome) bool {
	for _, o := range outcomes {
		if o.Applied {
			return true
		}
	}
	return false
}

// matcherIndex returns a function reporting the byte offset of the first
// match in s, or -1.
func matcherIndex(rule Rule) (func(s string) int, error) {
	if !rule.Regex {
		return func(s string) int { return strings.Index(s, rule.Matcher) }, nil
	}
	re, err := regexp.Compile(rule.Matcher)
	if err != nil {
		return nil, fmt.Errorf("patch rule %q: invalid matcher regex: %w", rule.Name, err)
	}
	return func(s string) int {
		loc := re.FindStringIndex(s)
		if loc == nil {
			return -1
		}
		return loc[0]
	}, nil
}

// replaceLines replaces every line containing a match with the text before
// the match followed by replacement. Line terminators are kept.
func replaceLines(content, replacement string, index func(string) int) (string, bool) {
	var b strings.Builder
	b.Grow(len(content) + len(replacement))
	found := false
	for _, piece := range strings.SplitAfter(content, "\n") {
		body, eol := splitEOL(piece)
		i := index(body)
		if i < 0 {
			b.WriteString(piece)
			continue
		}
		found = true
		b.WriteString(body[:i])
		b.WriteString(replacement)
		b.WriteString(eol)
	}
	return b.String(), found
}

func splitEOL(line string) (string, string) {
	switch {
	case strings.HasSuffix(line, "\r\n"):
		return line[:len(line)-2], "\r\n"
	case strings.HasSuffix(line, "\n"):
		return line[:len(line)-1], "\n"
	}
	return line, ""
}

func lineStart(s string, pos int) int {
	return strings.LastIndexByte(s[:pos], '\n') + 1
}

// lineEnd returns the offset just past the newline ending the line at pos
func lineEnd(s string, pos int) int {
	i := strings.IndexByte(s[pos:], '\n')
	if i < 0 {
		return len(s)
	}
	return pos + i + 1
}

// blockEnd finds where a block starting at start ends. With a marker the
// block runs through the first following line containing it; otherwise
// through the line where the first opened brace is closed again.
func blockEnd(s string, start int, marker string) (int, bool) {
	if marker != "" {
		from := lineEnd(s, start)
		i := strings.Index(s[from:], marker)
		if i < 0 {
			return 0, false
		}
		return lineEnd(s, from+i), true
	}

	depth := 0
	opened := false
	for i := start; i < len(s); i++ {
		switch s[i] {
		case '{':
			depth++
			opened = true
		case '}':
			if !opened {
				continue
			}
			depth--
			if depth == 0 {
				return lineEnd(s, i), true
			}
		}
	}
	return 0, false
}
