package imapclient

import (
	"io"
	"strconv"
	"strings"
	"time"
)

func (p *Proto) recorded() string {
	s := string(p.recordBuf)
	p.recordBuf = nil
	p.record = false
	return s
}

func (p *Proto) recordAdd(buf []byte) {
	if p.record {
		p.recordBuf = append(p.recordBuf, buf...)
	}
}

func (p *Proto) xtake(s string) {
	buf := make([]byte, len(s))
	_, err := io.ReadFull(p.br, buf)
	p.xreadcheckf(err, "taking %q", s)
	if !strings.EqualFold(string(buf), s) {
		p.xerrorf("got %q, expected %q", buf, s)
	}
	p.recordAdd(buf)
}

func (p *Proto) readbyte() (byte, error) {
	b, err := p.br.ReadByte()
	if err == nil {
		p.recordAdd([]byte{b})
	}
	return b, err
}

func (p *Proto) unreadbyte() {
	if p.record {
		p.recordBuf = p.recordBuf[:len(p.recordBuf)-1]
	}
	err := p.br.UnreadByte()
	p.xcheckf(err, "unread byte")
}

func (p *Proto) readrune() (rune, error) {
	x, _, err := p.br.ReadRune()
	if err == nil {
		p.recordAdd([]byte(string(x)))
	}
	return x, err
}

func (p *Proto) xspace() {
	p.xtake(" ")
}

func (p *Proto) xcrlf() {
	p.xtake("\r\n")
}

func (p *Proto) peek(exp byte) bool {
	b, err := p.readbyte()
	if err == nil {
		p.unreadbyte()
	}
	return err == nil && strings.EqualFold(string(rune(b)), string(rune(exp)))
}

func (p *Proto) take(exp byte) bool {
	if p.peek(exp) {
		_, _ = p.readbyte()
		return true
	}
	return false
}

// skipws consumes a run of spaces. The bodystructure sub-grammar is parsed
// with lenient whitespace, unlike the line-oriented responses.
func (p *Proto) skipws() {
	for p.take(' ') {
	}
}

// xstatus parses a tagged result status. An unknown word means we cannot tell
// how to route the rest of the line, that's fatal for the session.
func (p *Proto) xstatus() Status {
	w := p.xword()
	W := strings.ToUpper(w)
	switch W {
	case "OK":
		return OK
	case "NO":
		return NO
	case "BAD":
		return BAD
	}
	p.connBroken = true
	p.xerrorf("expected status, got %q", w)
	panic("not reached")
}

// Already consumed: tag SP status SP
func (p *Proto) xresult(status Status) Result {
	code, text := p.xrespText()
	return Result{status, code, text}
}

func (p *Proto) xrespText() (code Code, text string) {
	if p.take('[') {
		code = p.xrespCode()
		p.xtake("]")
		p.xspace()
	}
	for !p.peek('\r') {
		text += string(rune(p.xbyte()))
	}
	return
}

var knownCodes = stringMap(
	// Without parameters.
	"ALERT", "PARSE", "READ-ONLY", "READ-WRITE", "TRYCREATE", "UIDNOTSTICKY", "UNAVAILABLE", "AUTHENTICATIONFAILED", "AUTHORIZATIONFAILED", "EXPIRED", "PRIVACYREQUIRED", "CONTACTADMIN", "NOPERM", "INUSE", "EXPUNGEISSUED", "CORRUPTION", "SERVERBUG", "CLIENTBUG", "CANNOT", "LIMIT", "OVERQUOTA", "ALREADYEXISTS", "NONEXISTENT", "NOTSAVED", "HASCHILDREN", "CLOSED", "UNKNOWN-CTE", "COMPRESSIONACTIVE",
	// With parameters.
	"BADCHARSET", "CAPABILITY", "PERMANENTFLAGS", "UIDNEXT", "UIDVALIDITY", "UNSEEN", "APPENDUID", "COPYUID",
	"HIGHESTMODSEQ", "MODIFIED",
)

func stringMap(l ...string) map[string]struct{} {
	r := map[string]struct{}{}
	for _, s := range l {
		r[s] = struct{}{}
	}
	return r
}

// ../rfc/9051:6895
func (p *Proto) xrespCode() Code {
	w := ""
	for !p.peek(' ') && !p.peek(']') {
		w += string(rune(p.xbyte()))
	}
	W := strings.ToUpper(w)

	if _, ok := knownCodes[W]; !ok {
		var args []string
		for p.take(' ') {
			arg := ""
			for !p.peek(' ') && !p.peek(']') {
				arg += string(rune(p.xbyte()))
			}
			args = append(args, arg)
		}
		if len(args) == 0 {
			return CodeWord(W)
		}
		return CodeParams{W, args}
	}

	var code Code
	switch W {
	case "BADCHARSET":
		var l []string // Must be nil initially.
		if p.take(' ') {
			p.xtake("(")
			l = []string{p.xcharset()}
			for p.take(' ') {
				l = append(l, p.xcharset())
			}
			p.xtake(")")
		}
		code = CodeBadCharset(l)
	case "CAPABILITY":
		p.xtake(" ")
		caps := []Capability{Capability(strings.ToUpper(p.xatom()))}
		for p.take(' ') {
			caps = append(caps, Capability(strings.ToUpper(p.xatom())))
		}
		code = CodeCapability(caps)
	case "PERMANENTFLAGS":
		l := []string{} // Must be non-nil.
		if p.take(' ') {
			p.xtake("(")
			l = []string{p.xflagPerm()}
			for p.take(' ') {
				l = append(l, p.xflagPerm())
			}
			p.xtake(")")
		}
		code = CodePermanentFlags(l)
	case "UIDNEXT":
		p.xspace()
		code = CodeUIDNext(p.xnzuint32())
	case "UIDVALIDITY":
		p.xspace()
		code = CodeUIDValidity(p.xnzuint32())
	case "UNSEEN":
		p.xspace()
		code = CodeUnseen(p.xnzuint32())
	case "APPENDUID":
		p.xspace()
		destUIDValidity := p.xnzuint32()
		p.xspace()
		uids := p.xuidrange()
		code = CodeAppendUID{destUIDValidity, uids}
	case "COPYUID":
		p.xspace()
		destUIDValidity := p.xnzuint32()
		p.xspace()
		from := p.xuidset()
		p.xspace()
		to := p.xuidset()
		code = CodeCopyUID{destUIDValidity, from, to}
	case "HIGHESTMODSEQ":
		p.xspace()
		code = CodeHighestModSeq(p.xint64())
	case "MODIFIED":
		p.xspace()
		code = CodeModified(NumSet{Ranges: p.xuidset()})
	default:
		code = CodeWord(W)
	}
	return code
}

func (p *Proto) xbyte() byte {
	b, err := p.readbyte()
	p.xreadcheckf(err, "read byte")
	return b
}

// take until b is seen. don't take b itself.
func (p *Proto) xtakeuntil(b byte) string {
	var s string
	for {
		x, err := p.readbyte()
		p.xreadcheckf(err, "read byte")
		if x == b {
			p.unreadbyte()
			return s
		}
		s += string(rune(x))
	}
}

// xline takes the rest of the line, without the ending CRLF.
func (p *Proto) xline() string {
	s := p.xtakeuntil('\r')
	p.xcrlf()
	return s
}

// flushline consumes the remainder of the current line after a decode error,
// positioning the stream at a line boundary again. Data the decoder left
// unconsumed, e.g. an unread literal, will desync the session and surface on
// a later read.
func (p *Proto) flushline() {
	for {
		b, err := p.readbyte()
		if err != nil {
			p.connBroken = true
			return
		}
		if b == '\n' {
			return
		}
	}
}

func (p *Proto) xdigits() string {
	var s string
	for {
		b, err := p.readbyte()
		if err == nil && (b >= '0' && b <= '9') {
			s += string(rune(b))
			continue
		}
		p.unreadbyte()
		return s
	}
}

func (p *Proto) xint32() int32 {
	s := p.xdigits()
	num, err := strconv.ParseInt(s, 10, 32)
	p.xcheckf(err, "parsing int32")
	return int32(num)
}

func (p *Proto) xint64() int64 {
	s := p.xdigits()
	num, err := strconv.ParseInt(s, 10, 63)
	p.xcheckf(err, "parsing int64")
	return num
}

func (p *Proto) xuint32() uint32 {
	s := p.xdigits()
	num, err := strconv.ParseUint(s, 10, 32)
	p.xcheckf(err, "parsing uint32")
	return uint32(num)
}

func (p *Proto) xnzuint32() uint32 {
	v := p.xuint32()
	if v == 0 {
		p.xerrorf("got 0, expected nonzero uint")
	}
	return v
}

// todo: replace with proper parsing.
func (p *Proto) xnonspace() string {
	var s string
	for !p.peek(' ') && !p.peek('\r') && !p.peek('\n') {
		s += string(rune(p.xbyte()))
	}
	if s == "" {
		p.xerrorf("expected non-space")
	}
	return s
}

// todo: replace with proper parsing
func (p *Proto) xword() string {
	return p.xatom()
}

// "*" SP is already consumed
// ../rfc/9051:6868
func (p *Proto) xuntagged() Untagged {
	w := p.xnonspace()
	W := strings.ToUpper(w)
	switch W {
	case "PREAUTH":
		p.xspace()
		code, text := p.xrespText()
		r := UntaggedPreauth{code, text}
		p.xcrlf()
		return r

	case "BYE":
		p.xspace()
		code, text := p.xrespText()
		r := UntaggedBye{code, text}
		p.xcrlf()
		return r

	case "OK", "NO", "BAD":
		p.xspace()
		r := UntaggedResult(p.xresult(Status(W)))
		p.xcrlf()
		return r

	case "CAPABILITY":
		// ../rfc/9051:6427
		var caps []Capability
		for p.take(' ') {
			caps = append(caps, Capability(strings.ToUpper(p.xnonspace())))
		}
		r := UntaggedCapability(caps)
		p.xcrlf()
		return r

	case "ENABLED":
		// ../rfc/9051:6520
		var caps []Capability
		for p.take(' ') {
			caps = append(caps, Capability(strings.ToUpper(p.xnonspace())))
		}
		r := UntaggedEnabled(caps)
		p.xcrlf()
		return r

	case "FLAGS":
		p.xspace()
		r := UntaggedFlags(p.xflagList())
		p.xcrlf()
		return r

	case "LIST":
		p.xspace()
		r := p.xmailboxList()
		p.xcrlf()
		return r

	case "LSUB":
		r := p.xlsub()
		p.xcrlf()
		return r

	case "STATUS":
		// ../rfc/9051:6681
		p.xspace()
		mailbox := p.xastring()
		p.xspace()
		p.xtake("(")
		attrs := map[StatusAttr]int64{}
		for !p.take(')') {
			if len(attrs) > 0 {
				p.xspace()
			}
			s := p.xword()
			p.xspace()
			S := StatusAttr(strings.ToUpper(s))
			var num int64
			// ../rfc/9051:7059
			switch S {
			case StatusMessages:
				num = int64(p.xuint32())
			case StatusUIDNext:
				num = int64(p.xnzuint32())
			case StatusUIDValidity:
				num = int64(p.xnzuint32())
			case StatusUnseen:
				num = int64(p.xuint32())
			case StatusDeleted:
				num = int64(p.xuint32())
			case StatusSize:
				num = p.xint64()
			case StatusRecent:
				num = int64(p.xuint32())
			case StatusHighestModSeq:
				num = p.xint64()
			case "APPENDLIMIT":
				if p.peek('n') {
					p.xtake("nil")
				} else {
					num = p.xint64()
				}
			default:
				p.xerrorf("status: unknown attribute %q", s)
			}
			if _, ok := attrs[S]; ok {
				p.xerrorf("status: duplicate attribute %q", s)
			}
			attrs[S] = num
		}
		r := UntaggedStatus{mailbox, attrs}
		p.xcrlf()
		return r

	case "SEARCH":
		// ../rfc/3501:4611
		var nums []uint32
		for p.take(' ') {
			// ../rfc/7162:2557
			if p.take('(') {
				p.xtake("MODSEQ")
				p.xspace()
				modseq := p.xint64()
				p.xtake(")")
				p.xcrlf()
				return UntaggedSearchModSeq{nums, modseq}
			}
			nums = append(nums, p.xnzuint32())
		}
		r := UntaggedSearch(nums)
		p.xcrlf()
		return r

	case "ESEARCH":
		r := p.xesearchResponse()
		p.xcrlf()
		return r

	// ../rfc/7162:2623
	case "VANISHED":
		p.xspace()
		var earlier bool
		if p.take('(') {
			p.xtake("EARLIER")
			p.xtake(")")
			p.xspace()
			earlier = true
		}
		uids := p.xuidset()
		p.xcrlf()
		return UntaggedVanished{earlier, NumSet{Ranges: uids}}

	default:
		v, err := strconv.ParseUint(w, 10, 32)
		if err == nil {
			num := uint32(v)
			p.xspace()
			w = p.xword()
			W = strings.ToUpper(w)
			switch W {
			case "FETCH":
				if num == 0 {
					p.xerrorf("invalid zero number for untagged fetch response")
				}
				p.xspace()
				r := p.xfetch(num)
				p.xcrlf()
				return r

			case "EXPUNGE":
				if num == 0 {
					p.xerrorf("invalid zero number for untagged expunge response")
				}
				p.xcrlf()
				return UntaggedExpunge(num)

			case "EXISTS":
				p.xcrlf()
				return UntaggedExists(num)

			case "RECENT":
				p.xcrlf()
				return UntaggedRecent(num)

			default:
				p.xerrorf("unknown untagged numbered response %q", w)
				panic("not reached")
			}
		}
		p.xerrorf("unknown untagged response %q", w)
	}
	panic("not reached")
}

// ../rfc/3501:4864
// Already parsed: "*" SP nznumber SP "FETCH" SP
func (p *Proto) xfetch(num uint32) UntaggedFetch {
	p.xtake("(")
	attrs := []FetchAttr{p.xmsgatt1()}
	for p.take(' ') {
		attrs = append(attrs, p.xmsgatt1())
	}
	p.xtake(")")
	return UntaggedFetch{num, attrs}
}

// ../rfc/9051:6746
func (p *Proto) xmsgatt1() FetchAttr {
	f := ""
	for {
		b := p.xbyte()
		if b >= 'a' && b <= 'z' || b >= 'A' && b <= 'Z' || b >= '0' && b <= '9' || b == '.' {
			f += string(rune(b))
			continue
		}
		p.unreadbyte()
		break
	}

	F := strings.ToUpper(f)
	switch F {
	case "FLAGS":
		p.xspace()
		p.xtake("(")
		var flags []string
		if !p.take(')') {
			flags = []string{p.xflag()}
			for p.take(' ') {
				flags = append(flags, p.xflag())
			}
			p.xtake(")")
		}
		return FetchFlags(flags)

	case "ENVELOPE":
		p.xspace()
		return FetchEnvelope(p.xenvelope())

	case "INTERNALDATE":
		p.xspace()
		s := p.xquoted()
		v, err := time.Parse("_2-Jan-2006 15:04:05 -0700", s)
		p.xcheckf(err, "parsing internaldate %q", s)
		return FetchInternalDate{v}

	case "RFC822.SIZE":
		p.xspace()
		return FetchRFC822Size(p.xint64())

	case "BODY":
		if p.take(' ') {
			return FetchBodystructure{F, p.xbodystructure()}
		}
		p.record = true
		section := p.xsection()
		var offset int32
		if p.take('<') {
			offset = p.xint32()
			p.xtake(">")
		}
		F += p.recorded()
		p.xspace()
		body := p.xnilString()
		return FetchBody{F, section, offset, body}

	case "BODYSTRUCTURE":
		p.xspace()
		return FetchBodystructure{F, p.xbodystructure()}

	case "UID":
		p.xspace()
		return FetchUID(p.xuint32())

	case "MODSEQ":
		// ../rfc/7162:2488
		p.xspace()
		p.xtake("(")
		modseq := p.xint64()
		p.xtake(")")
		return FetchModSeq(modseq)
	}
	p.xerrorf("unknown fetch attribute %q", f)
	panic("not reached")
}

func (p *Proto) xnilString() string {
	if p.peek('"') {
		return p.xquoted()
	} else if p.peek('{') {
		return string(p.xliteral())
	} else {
		p.xtake("NIL")
		return ""
	}
}

func (p *Proto) xstring() string {
	if p.peek('"') {
		return p.xquoted()
	}
	return string(p.xliteral())
}

func (p *Proto) xastring() string {
	if p.peek('"') {
		return p.xquoted()
	} else if p.peek('{') {
		return string(p.xliteral())
	}
	return p.xatom()
}

func (p *Proto) xatom() string {
	var s string
	for {
		b, err := p.readbyte()
		p.xreadcheckf(err, "read byte for atom")
		if b <= ' ' || strings.IndexByte("(){%*\"\\]", b) >= 0 {
			p.unreadbyte()
			if s == "" {
				p.xerrorf("expected atom")
			}
			return s
		}
		s += string(rune(b))
	}
}

// ../rfc/9051:6856
func (p *Proto) xquoted() string {
	p.xtake(`"`)
	s := ""
	for !p.take('"') {
		r, err := p.readrune()
		p.xreadcheckf(err, "reading rune in quoted string")
		if r == '\\' {
			r, err = p.readrune()
			p.xreadcheckf(err, "reading escaped char in quoted string")
			if r != '\\' && r != '"' {
				p.xerrorf("quoted char not backslash or dquote: %c", r)
			}
		}
		// todo: probably refuse some more chars. like \0 and all ctl and backspace.
		s += string(r)
	}
	return s
}

// Refuse to read absurdly large literals, servers are not trusted either.
const literalSizeLimit = 1 << 20

// xliteral reads a literal value: "{" size ["+"] "}" CRLF followed by exactly
// size raw bytes, CR and LF included. The non-synchronizing marker makes no
// difference when reading, the count is authoritative either way.
func (p *Proto) xliteral() []byte {
	p.xtake("{")
	size := p.xint64()
	p.take('+')
	p.xtake("}")
	p.xcrlf()
	if size > literalSizeLimit {
		p.xerrorf("refusing to read literal of %d bytes", size)
	}
	metricLiteralBytes.Add(float64(size))
	buf := make([]byte, int(size))
	_, err := io.ReadFull(p.br, buf)
	p.xreadcheckf(err, "reading data for literal")
	return buf
}

// ../rfc/9051:6565
// todo: stricter
func (p *Proto) xflag0(allowPerm bool) string {
	s := ""
	if p.take('\\') {
		s = `\`
		if allowPerm && p.take('*') {
			return `\*`
		}
	} else if p.take('$') {
		s = "$"
	}
	s += p.xatom()
	return s
}

func (p *Proto) xflag() string {
	return p.xflag0(false)
}

func (p *Proto) xflagPerm() string {
	return p.xflag0(true)
}

func (p *Proto) xsection() string {
	p.xtake("[")
	s := p.xtakeuntil(']')
	p.xtake("]")
	return s
}

// ../rfc/9051:6584
func (p *Proto) xflagList() []string {
	p.xtake("(")
	var l []string
	if !p.take(')') {
		l = []string{p.xflag()}
		for p.take(' ') {
			l = append(l, p.xflag())
		}
		p.xtake(")")
	}
	return l
}

// ../rfc/9051:6690
func (p *Proto) xmailboxList() UntaggedList {
	p.xtake("(")
	var flags []string
	if !p.peek(')') {
		flags = append(flags, p.xflag())
		for p.take(' ') {
			flags = append(flags, p.xflag())
		}
	}
	p.xtake(")")
	p.xspace()
	var quoted string
	var b byte
	if p.peek('"') {
		quoted = p.xquoted()
		if len(quoted) != 1 {
			p.xerrorf("mailbox-list has multichar quoted part: %q", quoted)
		}
		b = byte(quoted[0])
	} else if !p.peek(' ') {
		p.xtake("NIL")
	}
	p.xspace()
	mailbox := p.xastring()
	return UntaggedList{flags, b, mailbox}
}

// ../rfc/3501:4833
func (p *Proto) xlsub() UntaggedLsub {
	p.xspace()
	p.xtake("(")
	r := UntaggedLsub{}
	for !p.take(')') {
		if len(r.Flags) > 0 {
			p.xspace()
		}
		r.Flags = append(r.Flags, p.xflag())
	}
	p.xspace()
	if p.peek('"') {
		s := p.xquoted()
		if !p.peek(' ') {
			r.Mailbox = s
			return r
		}
		if len(s) != 1 {
			// todo: check valid char
			p.xerrorf("invalid separator %q", s)
		}
		r.Separator = byte(s[0])
	}
	p.xspace()
	r.Mailbox = p.xastring()
	return r
}

// ../rfc/9051:7034
func (p *Proto) xsequenceSet() NumSet {
	if p.take('$') {
		return NumSet{SearchResult: true}
	}
	var ss NumSet
	for {
		var sr NumRange
		if !p.take('*') {
			sr.First = p.xnzuint32()
		}
		if p.take(':') {
			var num uint32
			if !p.take('*') {
				num = p.xnzuint32()
			}
			sr.Last = &num
		}
		ss.Ranges = append(ss.Ranges, sr)
		if !p.take(',') {
			break
		}
	}
	return ss
}

// ../rfc/9051:7133
func (p *Proto) xuidset() []NumRange {
	ranges := []NumRange{p.xuidrange()}
	for p.take(',') {
		ranges = append(ranges, p.xuidrange())
	}
	return ranges
}

func (p *Proto) xuidrange() NumRange {
	uid := p.xnzuint32()
	var end *uint32
	if p.take(':') {
		x := p.xnzuint32()
		end = &x
	}
	return NumRange{uid, end}
}

// ../rfc/9051:6546
// Already consumed: "ESEARCH"
func (p *Proto) xesearchResponse() (r UntaggedEsearch) {
	if !p.take(' ') {
		return
	}
	if p.take('(') {
		// ../rfc/9051:6921
		p.xtake("TAG")
		p.xspace()
		r.Tag = p.xastring()
		p.xtake(")")
	}
	if !p.take(' ') {
		return
	}
	w := p.xnonspace()
	W := strings.ToUpper(w)
	if W == "UID" {
		r.UID = true
		if !p.take(' ') {
			return
		}
		w = p.xnonspace()
		W = strings.ToUpper(w)
	}
	for {
		// ../rfc/9051:6957
		switch W {
		case "MIN":
			if r.Min != 0 {
				p.xerrorf("duplicate MIN in ESEARCH")
			}
			p.xspace()
			r.Min = p.xnzuint32()

		case "MAX":
			if r.Max != 0 {
				p.xerrorf("duplicate MAX in ESEARCH")
			}
			p.xspace()
			r.Max = p.xnzuint32()

		case "ALL":
			if !r.All.IsZero() {
				p.xerrorf("duplicate ALL in ESEARCH")
			}
			p.xspace()
			ss := p.xsequenceSet()
			if ss.SearchResult {
				p.xerrorf("$ for last not valid in ESEARCH")
			}
			r.All = ss

		case "COUNT":
			if r.Count != nil {
				p.xerrorf("duplicate COUNT in ESEARCH")
			}
			p.xspace()
			num := p.xuint32()
			r.Count = &num

		// ../rfc/7162:1211 ../rfc/4731:273
		case "MODSEQ":
			p.xspace()
			r.ModSeq = p.xint64()

		default:
			p.xerrorf("unknown ESEARCH return item %q", w)
		}

		if !p.take(' ') {
			break
		}
		w = p.xnonspace()
		W = strings.ToUpper(w)
	}
	return
}

// ../rfc/9051:6441
func (p *Proto) xcharset() string {
	if p.peek('"') {
		return p.xquoted()
	}
	return p.xatom()
}
