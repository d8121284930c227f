package imapsearch

import (
	"errors"
	"testing"
)

func header(match string) *Pattern   { return &Pattern{Op: OpHeader, Match: match} }
func body(match string) *Pattern     { return &Pattern{Op: OpBody, Match: match} }
func wholeMsg(match string) *Pattern { return &Pattern{Op: OpWholeMsg, Match: match} }
func and(children ...*Pattern) *Pattern {
	return &Pattern{Op: OpAnd, Children: children}
}
func or(children ...*Pattern) *Pattern {
	return &Pattern{Op: OpOr, Children: children}
}
func not(p *Pattern) *Pattern {
	np := *p
	np.Not = true
	return &np
}

func hasGmail(name string) bool { return name == "X-GM-EXT-1" }

func TestCompile(t *testing.T) {
	check := func(pat *Pattern, has func(string) bool, expQuery string, expOK bool) {
		t.Helper()
		query, ok, err := Compile(pat, has)
		if err != nil {
			t.Fatalf("compile: %s", err)
		}
		if ok != expOK || query != expQuery {
			t.Fatalf("got %q (ok %v), expected %q (ok %v)", query, ok, expQuery, expOK)
		}
	}

	// Single leaves, emitted bare.
	check(body("spam"), nil, `BODY "spam"`, true)
	check(wholeMsg("urgent"), nil, `TEXT "urgent"`, true)
	check(header("Subject: foo"), nil, `HEADER "Subject" "foo"`, true)
	check(not(body("spam")), nil, `NOT BODY "spam"`, true)

	// Whitespace after the colon is not part of the header value.
	check(header("Subject:   hello"), nil, `HEADER "Subject" "hello"`, true)
	// An empty value still searches for header presence.
	check(header("X-Spam-Flag:"), nil, `HEADER "X-Spam-Flag" ""`, true)

	// Quoting.
	check(body(`say "hi" \now`), nil, `BODY "say \"hi\" \\now"`, true)

	// Ineligible patterns are dropped, or make the whole compilation a no-op.
	check(body(""), nil, "", false)
	check(and(body(""), header("")), nil, "", false)
	check((*Pattern)(nil), nil, "", false)

	// Top-level composites go without parentheses, adjacent keys mean AND.
	check(and(body("a"), body("b")), nil, `BODY "a" BODY "b"`, true)
	check(or(header("X-Spam: yes"), not(body("offer"))), nil, `OR HEADER "X-Spam" "yes" NOT BODY "offer"`, true)

	// OR over more than two clauses is left-associative binary OR.
	check(or(body("a"), body("b"), body("c")), nil, `OR BODY "a" OR BODY "b" BODY "c"`, true)
}

func TestCompileNested(t *testing.T) {
	check := func(pat *Pattern, expQuery string) {
		t.Helper()
		query, ok, err := Compile(pat, nil)
		if err != nil {
			t.Fatalf("compile: %s", err)
		}
		if !ok || query != expQuery {
			t.Fatalf("got %q (ok %v), expected %q", query, ok, expQuery)
		}
	}

	// Nested composites are parenthesized.
	check(and(body("a"), or(header("X: 1"), header("X: 2"))), `BODY "a" (OR HEADER "X" "1" HEADER "X" "2")`)
	check(or(and(body("a"), body("b")), body("c")), `OR (BODY "a" BODY "b") BODY "c"`)

	// Dropped children do not leave stray OR keywords or spaces.
	check(or(body("a"), body(""), body("c")), `OR BODY "a" BODY "c"`)
	check(and(body(""), body("b")), `BODY "b"`)
	check(or(body(""), body("b")), `BODY "b"`)

	// A negated composite keeps its parentheses so NOT covers all clauses.
	check(not(and(body("a"), body("b"))), `NOT (BODY "a" BODY "b")`)

	// Composites that only hold ineligible leaves vanish entirely.
	check(and(or(body(""), header("")), body("keep")), `BODY "keep"`)
}

func TestCompileServerQuery(t *testing.T) {
	pat := &Pattern{Op: OpServerQuery, Match: "has:attachment"}

	_, _, err := Compile(pat, nil)
	if !errors.Is(err, ErrNoServerQuery) {
		t.Fatalf("got %v, expected ErrNoServerQuery", err)
	}
	_, _, err = Compile(pat, func(string) bool { return false })
	if !errors.Is(err, ErrNoServerQuery) {
		t.Fatalf("got %v, expected ErrNoServerQuery", err)
	}

	query, ok, err := Compile(pat, hasGmail)
	if err != nil || !ok {
		t.Fatalf("compile: %v (ok %v)", err, ok)
	}
	if query != `X-GM-RAW "has:attachment"` {
		t.Fatalf("got %q", query)
	}
}

func TestCompileBadHeader(t *testing.T) {
	_, _, err := Compile(header("no colon here"), nil)
	if !errors.Is(err, ErrHeaderPattern) {
		t.Fatalf("got %v, expected ErrHeaderPattern", err)
	}

	// The error also surfaces from deep inside a composite.
	_, _, err = Compile(and(body("x"), or(header("bad"), body("y"))), nil)
	if !errors.Is(err, ErrHeaderPattern) {
		t.Fatalf("got %v, expected ErrHeaderPattern", err)
	}
}
