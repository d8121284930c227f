// Package imapsearch compiles message pattern trees into IMAP SEARCH queries
// (RFC 3501 section 6.4.4).
//
// A pattern tree mixes criteria a server can evaluate (substring matches on
// body, header or whole message, raw server-side queries) with criteria only
// the caller can evaluate locally. Compile emits clauses for the former and
// drops the latter, so the caller can run the remaining criteria over the
// messages the server returns.
package imapsearch

import (
	"errors"
	"fmt"
	"strings"
)

// Op identifies what a pattern node matches.
type Op int

const (
	OpBody        Op = iota // Substring in the message body.
	OpHeader                // Substring in a named header, Match is "Name: value".
	OpWholeMsg              // Substring anywhere in the message.
	OpServerQuery           // Raw server-side query, sent as X-GM-RAW.
	OpAnd                   // All children must match.
	OpOr                    // At least one child must match.
)

// Pattern is a node in a message match tree. Leaves match a string, And/Or
// nodes combine their children. Not negates the node's result.
type Pattern struct {
	Op       Op
	Not      bool
	Match    string     // For leaves.
	Children []*Pattern // For And/Or.
}

var (
	// ErrHeaderPattern is returned for a header leaf whose match string has no
	// "Name: value" form to split on.
	ErrHeaderPattern = errors.New("header pattern without header name")

	// ErrNoServerQuery is returned for a server-query leaf when the server did
	// not announce the X-GM-EXT-1 capability.
	ErrNoServerQuery = errors.New("server does not support server-side queries")
)

// Eligible reports whether p would contribute a clause to a compiled query:
// a string leaf with a non-empty match, a server-query leaf, or a composite
// with at least one eligible child.
func Eligible(p *Pattern) bool {
	switch p.Op {
	case OpBody, OpHeader, OpWholeMsg:
		return p.Match != ""
	case OpServerQuery:
		return true
	case OpAnd, OpOr:
		for _, c := range p.Children {
			if Eligible(c) {
				return true
			}
		}
	}
	return false
}

// Compile turns a pattern tree into the query part of a "UID SEARCH" command.
// Ineligible nodes are dropped silently, the caller evaluates those locally
// against the messages the server selects. If nothing in the tree is
// eligible, ok is false and no query needs to be sent at all. has is
// consulted for capability-gated leaves and may be nil.
func Compile(pat *Pattern, has func(name string) bool) (query string, ok bool, err error) {
	if pat == nil || !Eligible(pat) {
		return "", false, nil
	}
	var b strings.Builder
	if err := compile(&b, pat, has, true); err != nil {
		return "", false, err
	}
	return b.String(), true, nil
}

func compile(b *strings.Builder, pat *Pattern, has func(string) bool, top bool) error {
	if pat.Not {
		b.WriteString("NOT ")
	}
	switch pat.Op {
	case OpAnd, OpOr:
		clauses := 0
		for _, c := range pat.Children {
			if Eligible(c) {
				clauses++
			}
		}
		// Adjacent search keys already mean AND, so the top-level list can go
		// without parentheses, except after NOT which binds to a single key.
		paren := !top || pat.Not
		if paren {
			b.WriteByte('(')
		}
		for _, c := range pat.Children {
			if !Eligible(c) {
				continue
			}
			// Binary OR, applied left-associatively over the clause list.
			if pat.Op == OpOr && clauses > 1 {
				b.WriteString("OR ")
			}
			clauses--
			if err := compile(b, c, has, false); err != nil {
				return err
			}
			if clauses > 0 {
				b.WriteByte(' ')
			}
		}
		if paren {
			b.WriteByte(')')
		}

	case OpHeader:
		name, value, found := strings.Cut(pat.Match, ":")
		if !found {
			return fmt.Errorf("%w: %q", ErrHeaderPattern, pat.Match)
		}
		value = strings.TrimLeft(value, " ")
		b.WriteString("HEADER ")
		b.WriteString(Quote(name))
		b.WriteByte(' ')
		b.WriteString(Quote(value))

	case OpBody:
		b.WriteString("BODY ")
		b.WriteString(Quote(pat.Match))

	case OpWholeMsg:
		b.WriteString("TEXT ")
		b.WriteString(Quote(pat.Match))

	case OpServerQuery:
		if has == nil || !has("X-GM-EXT-1") {
			return ErrNoServerQuery
		}
		b.WriteString("X-GM-RAW ")
		b.WriteString(Quote(pat.Match))

	default:
		return fmt.Errorf("unknown pattern op %d", pat.Op)
	}
	return nil
}

// Quote returns s as an IMAP quoted string, with backslash and double quote
// escaped.
func Quote(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 2)
	b.WriteByte('"')
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '"' || c == '\\' {
			b.WriteByte('\\')
		}
		b.WriteByte(c)
	}
	b.WriteByte('"')
	return b.String()
}
