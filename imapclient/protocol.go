package imapclient

import (
	"bufio"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Capability is a known string for the CAPABILITY and ENABLED responses.
// Servers could send unknown values. Always in upper case.
type Capability string

const (
	CapIMAP4rev1           Capability = "IMAP4REV1"
	CapIMAP4rev2           Capability = "IMAP4REV2"
	CapLoginDisabled       Capability = "LOGINDISABLED"
	CapStartTLS            Capability = "STARTTLS"
	CapSASLIR              Capability = "SASL-IR"
	CapAuthPlain           Capability = "AUTH=PLAIN"
	CapAuthLogin           Capability = "AUTH=LOGIN"
	CapAuthAnonymous       Capability = "AUTH=ANONYMOUS"
	CapAuthCRAMMD5         Capability = "AUTH=CRAM-MD5"
	CapAuthSCRAMSHA1       Capability = "AUTH=SCRAM-SHA-1"
	CapAuthSCRAMSHA1Plus   Capability = "AUTH=SCRAM-SHA-1-PLUS"
	CapAuthSCRAMSHA256     Capability = "AUTH=SCRAM-SHA-256"
	CapAuthSCRAMSHA256Plus Capability = "AUTH=SCRAM-SHA-256-PLUS"
	CapAuthOAuthBearer     Capability = "AUTH=OAUTHBEARER"
	CapAuthXoauth2         Capability = "AUTH=XOAUTH2"
	CapLiteralPlus         Capability = "LITERAL+"
	CapLiteralMinus        Capability = "LITERAL-" // Default since IMAP4rev2.
	CapIdle                Capability = "IDLE"
	CapUnselect            Capability = "UNSELECT"
	CapUidplus             Capability = "UIDPLUS"
	CapEsearch             Capability = "ESEARCH"
	CapEnable              Capability = "ENABLE"
	CapCondstore           Capability = "CONDSTORE"
	CapQresync             Capability = "QRESYNC"
	CapCompressDeflate     Capability = "COMPRESS=DEFLATE"
	CapGmailExt1           Capability = "X-GM-EXT-1"
)

// Status is the tagged final result of a command.
type Status string

const (
	BAD Status = "BAD" // Syntax error.
	NO  Status = "NO"  // Command failed.
	OK  Status = "OK"  // Command succeeded.
)

// StepResult classifies one server line processed by Step.
type StepResult int

const (
	// More protocol exchange expected: untagged data was dispatched, or a later
	// pipelined command completed while an earlier one is still outstanding.
	StepContinue StepResult = iota

	// The server sent a continuation request and is waiting for a raw payload
	// line, e.g. during a challenge-response authentication exchange.
	StepRespond

	// The oldest outstanding command completed, with this status.
	StepOK
	StepNo
	StepBad
)

func (s StepResult) String() string {
	switch s {
	case StepContinue:
		return "continue"
	case StepRespond:
		return "respond"
	case StepOK:
		return "ok"
	case StepNo:
		return "no"
	case StepBad:
		return "bad"
	}
	return fmt.Sprintf("(unknown step result %d)", int(s))
}

// Response is a response to an IMAP command including any preceding untagged
// responses. Response implements the error interface through Result.
//
// See [UntaggedResponseGet] and [UntaggedResponseList] to retrieve specific types
// of untagged responses.
type Response struct {
	Untagged []Untagged
	Result
}

var (
	ErrMissing  = errors.New("no response of type")        // Returned by UntaggedResponseGet.
	ErrMultiple = errors.New("multiple responses of type") // Idem.
)

// UntaggedResponseGet returns the single untagged response of type T. Only
// [ErrMissing] or [ErrMultiple] can be returned as error.
func UntaggedResponseGet[T Untagged](resp Response) (T, error) {
	var t T
	var have bool
	for _, e := range resp.Untagged {
		if tt, ok := e.(T); ok {
			if have {
				return t, ErrMultiple
			}
			t = tt
			have = true
		}
	}
	if !have {
		return t, ErrMissing
	}
	return t, nil
}

// UntaggedResponseList returns all untagged responses of type T.
func UntaggedResponseList[T Untagged](resp Response) []T {
	var l []T
	for _, e := range resp.Untagged {
		if tt, ok := e.(T); ok {
			l = append(l, tt)
		}
	}
	return l
}

// Result is the final response for a command, indicating success or failure.
type Result struct {
	Status Status
	Code   Code   // Set if response code is present.
	Text   string // Any remaining text.
}

func (r Result) Error() string {
	s := fmt.Sprintf("IMAP result %s", r.Status)
	if r.Code != nil {
		s += "[" + r.Code.CodeString() + "]"
	}
	if r.Text != "" {
		s += " " + r.Text
	}
	return s
}

// Code represents a response code with optional arguments, i.e. the data between [] in the response line.
type Code interface {
	CodeString() string
}

// CodeWord is a response code without parameters, always in upper case.
type CodeWord string

func (c CodeWord) CodeString() string {
	return string(c)
}

// CodeParams is an unrecognized response code with parameters.
type CodeParams struct {
	Code string // Always in upper case.
	Args []string
}

func (c CodeParams) CodeString() string {
	return c.Code + " " + strings.Join(c.Args, " ")
}

// CodeCapability is a CAPABILITY response code with the capabilities supported by the server.
type CodeCapability []Capability

func (c CodeCapability) CodeString() string {
	var s string
	for _, c := range c {
		s += " " + string(c)
	}
	return "CAPABILITY" + s
}

type CodeBadCharset []string

func (c CodeBadCharset) CodeString() string {
	s := "BADCHARSET"
	if len(c) == 0 {
		return s
	}
	return s + " (" + strings.Join([]string(c), " ") + ")"
}

type CodePermanentFlags []string

func (c CodePermanentFlags) CodeString() string {
	return "PERMANENTFLAGS (" + strings.Join([]string(c), " ") + ")"
}

type CodeUIDNext uint32

func (c CodeUIDNext) CodeString() string {
	return fmt.Sprintf("UIDNEXT %d", c)
}

type CodeUIDValidity uint32

func (c CodeUIDValidity) CodeString() string {
	return fmt.Sprintf("UIDVALIDITY %d", c)
}

type CodeUnseen uint32

func (c CodeUnseen) CodeString() string {
	return fmt.Sprintf("UNSEEN %d", c)
}

// "APPENDUID" response code.
type CodeAppendUID struct {
	UIDValidity uint32
	UIDs        NumRange
}

func (c CodeAppendUID) CodeString() string {
	return fmt.Sprintf("APPENDUID %d %s", c.UIDValidity, c.UIDs.String())
}

// "COPYUID" response code.
type CodeCopyUID struct {
	DestUIDValidity uint32
	From            []NumRange
	To              []NumRange
}

func (c CodeCopyUID) CodeString() string {
	str := func(l []NumRange) string {
		s := ""
		for i, e := range l {
			if i > 0 {
				s += ","
			}
			s += fmt.Sprintf("%d", e.First)
			if e.Last != nil {
				s += fmt.Sprintf(":%d", *e.Last)
			}
		}
		return s
	}
	return fmt.Sprintf("COPYUID %d %s %s", c.DestUIDValidity, str(c.From), str(c.To))
}

// For CONDSTORE.
type CodeModified NumSet

func (c CodeModified) CodeString() string {
	return fmt.Sprintf("MODIFIED %s", NumSet(c).String())
}

// For CONDSTORE.
type CodeHighestModSeq int64

func (c CodeHighestModSeq) CodeString() string {
	return fmt.Sprintf("HIGHESTMODSEQ %d", c)
}

// astring returns s as an IMAP atom or string.
func astring(s string) string {
	if len(s) == 0 {
		return stringx(s)
	}
	for _, c := range s {
		if c <= ' ' || c >= 0x7f || c == '(' || c == ')' || c == '{' || c == '%' || c == '*' || c == '"' || c == '\\' {
			return stringx(s)
		}
	}
	return s
}

// stringx returns an IMAP "string": double-quoted with escapes, or a
// non-synchronizing literal for bytes a quoted string cannot hold.
func stringx(s string) string {
	r := `"`
	for _, c := range s {
		if c == '\x00' || c == '\r' || c == '\n' {
			return literal(s)
		}
		if c == '\\' || c == '"' {
			r += `\`
		}
		r += string(c)
	}
	r += `"`
	return r
}

// literal returns a non-synchronizing literal, i.e. {<num>+}\r\n<num bytes>.
// Requires LITERAL+ (or IMAP4rev2) support from the server.
func literal(s string) string {
	return fmt.Sprintf("{%d+}\r\n", len(s)) + s
}

// Untagged is a parsed untagged response. See types starting with Untagged.
type Untagged any

type UntaggedBye struct {
	Code Code   // Set if response code is present.
	Text string // Any remaining text.
}
type UntaggedPreauth struct {
	Code Code   // Set if response code is present.
	Text string // Any remaining text.
}
type UntaggedExpunge uint32
type UntaggedExists uint32
type UntaggedRecent uint32

// UntaggedCapability lists all capabilities the server implements.
type UntaggedCapability []Capability

// UntaggedEnabled indicates the capabilities that were enabled on the connection
// by the server, typically in response to an ENABLE command.
type UntaggedEnabled []Capability

// UntaggedResult is an untagged OK/NO/BAD, with an optional response code.
type UntaggedResult Result

type UntaggedFlags []string

type UntaggedList struct {
	Flags     []string
	Separator byte // 0 for NIL.
	Mailbox   string
}

type UntaggedLsub struct {
	Flags     []string
	Separator byte
	Mailbox   string
}

type UntaggedFetch struct {
	Seq   uint32
	Attrs []FetchAttr
}

type UntaggedSearch []uint32

// UntaggedSearchModSeq is a search response with the highest mod-sequence of
// the returned messages, for condstore-enabled sessions.
type UntaggedSearchModSeq struct {
	Nums   []uint32
	ModSeq int64
}

type UntaggedStatus struct {
	Mailbox string
	Attrs   map[StatusAttr]int64 // Upper case status attributes.
}

// UntaggedVanished is used in QRESYNC to send UIDs that have been removed.
type UntaggedVanished struct {
	Earlier bool
	UIDs    NumSet
}

// UntaggedEsearch is an extended search response. Fields are optional and
// zero if absent.
type UntaggedEsearch struct {
	Tag    string // Correlator, the tag of the command that caused this response.
	UID    bool
	Min    uint32
	Max    uint32
	All    NumSet
	Count  *uint32
	ModSeq int64
}

type StatusAttr string

const (
	StatusMessages      StatusAttr = "MESSAGES"
	StatusUIDNext       StatusAttr = "UIDNEXT"
	StatusUIDValidity   StatusAttr = "UIDVALIDITY"
	StatusUnseen        StatusAttr = "UNSEEN"
	StatusDeleted       StatusAttr = "DELETED"
	StatusSize          StatusAttr = "SIZE"
	StatusRecent        StatusAttr = "RECENT"
	StatusHighestModSeq StatusAttr = "HIGHESTMODSEQ"
)

// FetchAttr represents a FETCH response attribute.
type FetchAttr interface {
	Attr() string // Name of attribute in upper case, e.g. "UID".
}

// NumSet is a set of message sequence numbers or UIDs.
type NumSet struct {
	SearchResult bool // True if "$", in which case Ranges is irrelevant.
	Ranges       []NumRange
}

func (ns NumSet) IsZero() bool {
	return !ns.SearchResult && ns.Ranges == nil
}

func (ns NumSet) String() string {
	if ns.SearchResult {
		return "$"
	}
	var r string
	for i, x := range ns.Ranges {
		if i > 0 {
			r += ","
		}
		r += x.String()
	}
	return r
}

// Nums expands the set into the numbers it contains, in the order of the
// ranges. Ranges with a "*" are skipped, their expansion is not known
// client-side.
func (ns NumSet) Nums() []uint32 {
	var l []uint32
	for _, r := range ns.Ranges {
		if r.First == 0 {
			continue
		}
		if r.Last == nil {
			l = append(l, r.First)
			continue
		}
		first, last := r.First, *r.Last
		if last == 0 {
			continue
		}
		if first > last {
			first, last = last, first
		}
		for i := first; ; i++ {
			l = append(l, i)
			if i >= last {
				break
			}
		}
	}
	return l
}

// ParseNumSet parses a number set, e.g. "1,5:10".
func ParseNumSet(s string) (ns NumSet, rerr error) {
	p := Proto{br: bufio.NewReader(strings.NewReader(s))}
	defer p.recover(&rerr)
	ns = p.xsequenceSet()
	return
}

// ParseUIDRange parses a single UID range, e.g. "1:100".
func ParseUIDRange(s string) (nr NumRange, rerr error) {
	p := Proto{br: bufio.NewReader(strings.NewReader(s))}
	defer p.recover(&rerr)
	nr = p.xuidrange()
	return
}

// NumRange is a single number or range.
type NumRange struct {
	First uint32  // 0 for "*".
	Last  *uint32 // Nil if absent, 0 for "*".
}

func (nr NumRange) String() string {
	var r string
	if nr.First == 0 {
		r += "*"
	} else {
		r += fmt.Sprintf("%d", nr.First)
	}
	if nr.Last == nil {
		return r
	}
	r += ":"
	v := *nr.Last
	if v == 0 {
		r += "*"
	} else {
		r += fmt.Sprintf("%d", v)
	}
	return r
}

// "UID" fetch response.
type FetchUID uint32

func (f FetchUID) Attr() string { return "UID" }

// "FLAGS" fetch response.
type FetchFlags []string

func (f FetchFlags) Attr() string { return "FLAGS" }

// "INTERNALDATE" fetch response.
type FetchInternalDate struct {
	Date time.Time
}

func (f FetchInternalDate) Attr() string { return "INTERNALDATE" }

// "RFC822.SIZE" fetch response.
type FetchRFC822Size int64

func (f FetchRFC822Size) Attr() string { return "RFC822.SIZE" }

// "ENVELOPE" fetch response.
type FetchEnvelope Envelope

func (f FetchEnvelope) Attr() string { return "ENVELOPE" }

// "BODY" or "BODYSTRUCTURE" fetch response, the decoded mime structure of a
// message.
type FetchBodystructure struct {
	RespAttr string
	Body     *Part
}

func (f FetchBodystructure) Attr() string { return f.RespAttr }

// "BODY[...]" fetch response, a body section with its data.
type FetchBody struct {
	RespAttr string
	Section  string // Text between [].
	Offset   int32  // For a partial fetch, the <origin> octet of the returned data.
	Body     string
}

func (f FetchBody) Attr() string { return f.RespAttr }

// "MODSEQ" fetch response.
type FetchModSeq int64

func (f FetchModSeq) Attr() string { return "MODSEQ" }
