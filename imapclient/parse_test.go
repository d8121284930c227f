package imapclient

import (
	"errors"
	"fmt"
	"reflect"
	"testing"
)

func tcheckf(t *testing.T, err error, format string, args ...any) {
	if err != nil {
		t.Fatalf("%s: %s", fmt.Sprintf(format, args...), err)
	}
}

func tcompare(t *testing.T, a, b any) {
	if !reflect.DeepEqual(a, b) {
		t.Fatalf("got:\n%#v\nexpected:\n%#v", a, b)
	}
}

func uint32ptr(v uint32) *uint32 { return &v }

func TestParseCode(t *testing.T) {
	good := func(s string, exp Code) {
		t.Helper()
		code, err := ParseCode(s)
		tcheckf(t, err, "parsing code %q", s)
		tcompare(t, code, exp)
	}

	good("ALERT", CodeWord("ALERT"))
	good("CAPABILITY IMAP4rev1 IDLE", CodeCapability{CapIMAP4rev1, CapIdle})
	good("BADCHARSET (US-ASCII UTF-8)", CodeBadCharset([]string{"US-ASCII", "UTF-8"}))
	good("PERMANENTFLAGS (\\Seen \\*)", CodePermanentFlags([]string{`\Seen`, `\*`}))
	good("UIDNEXT 44292", CodeUIDNext(44292))
	good("UIDVALIDITY 3857529045", CodeUIDValidity(3857529045))
	good("APPENDUID 38505 3955",
		CodeAppendUID{UIDValidity: 38505, UIDs: NumRange{First: 3955}},
	)
	good("COPYUID 1 1:3 2:4",
		CodeCopyUID{
			DestUIDValidity: 1,
			From:            []NumRange{{First: 1, Last: uint32ptr(3)}},
			To:              []NumRange{{First: 2, Last: uint32ptr(4)}},
		},
	)
	good("HIGHESTMODSEQ 715194045007", CodeHighestModSeq(715194045007))
	good("MODIFIED 7,9",
		CodeModified(NumSet{Ranges: []NumRange{{First: 7}, {First: 9}}}),
	)
	// Unknown codes become words, with any parameters kept verbatim.
	good("XBLURDYBLOOP", CodeWord("XBLURDYBLOOP"))
	good("METADATA LONGENTRIES 2199", CodeParams{"METADATA", []string{"LONGENTRIES", "2199"}})
}

func TestParseUntagged(t *testing.T) {
	good := func(s string, exp Untagged) {
		t.Helper()
		ut, err := ParseUntagged(s)
		tcheckf(t, err, "parsing untagged %q", s)
		tcompare(t, ut, exp)
	}

	good("* BYE done\r\n", UntaggedBye{Text: "done"})
	good("* 17 EXISTS\r\n", UntaggedExists(17))
	good("* 2 RECENT\r\n", UntaggedRecent(2))
	good("* 3 EXPUNGE\r\n", UntaggedExpunge(3))

	good("* STATUS blurdybloop (MESSAGES 231 UIDNEXT 44292)\r\n",
		UntaggedStatus{
			Mailbox: "blurdybloop",
			Attrs:   map[StatusAttr]int64{StatusMessages: 231, StatusUIDNext: 44292},
		},
	)
	// Attribute keywords are matched case-insensitively, APPENDLIMIT can be nil.
	good("* STATUS inbox (messages 10 appendlimit nil)\r\n",
		UntaggedStatus{
			Mailbox: "inbox",
			Attrs:   map[StatusAttr]int64{StatusMessages: 10, "APPENDLIMIT": 0},
		},
	)

	good("* SEARCH 2 3 6\r\n", UntaggedSearch([]uint32{2, 3, 6}))
	good("* SEARCH 2 5 (MODSEQ 917162500)\r\n",
		UntaggedSearchModSeq{Nums: []uint32{2, 5}, ModSeq: 917162500},
	)

	good("* ESEARCH (TAG \"a0001\") UID MIN 2 MAX 47 ALL 2:5,10 COUNT 6 MODSEQ 1234\r\n",
		UntaggedEsearch{
			Tag: "a0001",
			UID: true,
			Min: 2,
			Max: 47,
			All: NumSet{Ranges: []NumRange{
				{First: 2, Last: uint32ptr(5)},
				{First: 10},
			}},
			Count:  uint32ptr(6),
			ModSeq: 1234,
		},
	)
	// A search with no matches is an empty ESEARCH response.
	good("* ESEARCH\r\n", UntaggedEsearch{})

	good("* VANISHED (EARLIER) 41,43:45\r\n",
		UntaggedVanished{
			Earlier: true,
			UIDs: NumSet{Ranges: []NumRange{
				{First: 41},
				{First: 43, Last: uint32ptr(45)},
			}},
		},
	)
	good("* VANISHED 3\r\n",
		UntaggedVanished{UIDs: NumSet{Ranges: []NumRange{{First: 3}}}},
	)

	good("* LIST (\\Noselect) \"/\" ~/Mail/foo\r\n",
		UntaggedList{Flags: []string{`\Noselect`}, Separator: '/', Mailbox: "~/Mail/foo"},
	)

	good("* 12 FETCH (UID 5 FLAGS (\\Seen) RFC822.SIZE 1024)\r\n",
		UntaggedFetch{
			Seq: 12,
			Attrs: []FetchAttr{
				FetchUID(5),
				FetchFlags{`\Seen`},
				FetchRFC822Size(1024),
			},
		},
	)
}

func TestParseResult(t *testing.T) {
	tag, result, err := ParseResult("tag1 OK [ALERT] Hello\r\n")
	tcheckf(t, err, "parsing result")
	tcompare(t, tag, "tag1")
	tcompare(t, result, Result{Status: OK, Code: CodeWord("ALERT"), Text: "Hello"})

	tag, result, err = ParseResult("a0002 NO [AUTHENTICATIONFAILED] bad credentials\r\n")
	tcheckf(t, err, "parsing result")
	tcompare(t, tag, "a0002")
	tcompare(t, result, Result{Status: NO, Code: CodeWord("AUTHENTICATIONFAILED"), Text: "bad credentials"})

	_, _, err = ParseResult("a0003 FROBNICATE nothing\r\n")
	if err == nil {
		t.Fatalf("parsing result with unknown status, expected error")
	}
}

func TestParseErrors(t *testing.T) {
	bad := func(s string) {
		t.Helper()
		_, err := ParseUntagged(s)
		if err == nil {
			t.Fatalf("parsing %q, expected error", s)
		}
		var perr Error
		if !errors.As(err, &perr) {
			t.Fatalf("parsing %q: got %v, expected a protocol error", s, err)
		}
	}

	bad("tag1 OK done\r\n") // Not untagged.
	bad("* 0 FETCH (UID 1)\r\n")
	bad("* STATUS inbox (MESSAGES 1 MESSAGES 2)\r\n")
	bad("* STATUS inbox (BOGUS 1)\r\n")
	bad("* ESEARCH MIN 1 MIN 2\r\n")
	bad("* ESEARCH ALL $\r\n")
	bad("* SEARCH 0\r\n")
	bad("* BYE no crlf")

	if _, err := ParseCode("COPYUID 1 1:3"); err == nil {
		t.Fatalf("parsing COPYUID code without destination set, expected error")
	}
	if _, err := ParseCode("UIDNEXT 0"); err == nil {
		t.Fatalf("parsing UIDNEXT 0, expected error")
	}
}
