package imapclient

import (
	"mime"
	"regexp"
	"strings"

	"github.com/emersion/go-message/charset"
)

// MediaType is the major MIME type of a part.
type MediaType byte

const (
	MediaOther MediaType = iota
	MediaAudio
	MediaApplication
	MediaImage
	MediaMessage
	MediaModel
	MediaMultipart
	MediaText
	MediaVideo
)

var mediaTypeNames = map[string]MediaType{
	"audio":       MediaAudio,
	"application": MediaApplication,
	"image":       MediaImage,
	"message":     MediaMessage,
	"model":       MediaModel,
	"multipart":   MediaMultipart,
	"text":        MediaText,
	"video":       MediaVideo,
}

func parseMediaType(s string) MediaType {
	if t, ok := mediaTypeNames[strings.ToLower(s)]; ok {
		return t
	}
	return MediaOther
}

func (t MediaType) String() string {
	for s, x := range mediaTypeNames {
		if x == t {
			return s
		}
	}
	return "other"
}

// Encoding is the content-transfer-encoding of a part.
type Encoding byte

const (
	Encoding7bit Encoding = iota
	Encoding8bit
	EncodingQuotedPrintable
	EncodingBase64
	EncodingBinary
	EncodingOther
)

var encodingNames = map[string]Encoding{
	"7bit":             Encoding7bit,
	"8bit":             Encoding8bit,
	"quoted-printable": EncodingQuotedPrintable,
	"base64":           EncodingBase64,
	"binary":           EncodingBinary,
}

func parseEncoding(s string) Encoding {
	if e, ok := encodingNames[strings.ToLower(s)]; ok {
		return e
	}
	return EncodingOther
}

func (e Encoding) String() string {
	for s, x := range encodingNames {
		if x == e {
			return s
		}
	}
	return "other"
}

// Disposition is the content-disposition of a part.
type Disposition byte

const (
	DispositionNone Disposition = iota
	DispositionInline
	DispositionAttachment
	DispositionFormData
)

func (d Disposition) String() string {
	switch d {
	case DispositionInline:
		return "inline"
	case DispositionAttachment:
		return "attachment"
	case DispositionFormData:
		return "form-data"
	}
	return "none"
}

// Part is a node in the decoded MIME structure of a message off the wire.
// Sizes are as declared by the server. The real size of a part is only known
// after downloading it, decoded parts start out with -1.
type Part struct {
	MediaType   MediaType
	Subtype     string // Never empty after decoding, defaulted when absent.
	Params      [][2]string
	ContentID   string
	Description string // RFC 2047-decoded.
	Encoding    Encoding
	Size        int64
	MD5         string
	Disposition Disposition
	Filename    string   // From the disposition "filename" parameter.
	FormName    string   // From the disposition "name" parameter.
	Language    []string // Single language or list.
	Location    string
	Envelope    *Envelope // Only for message/rfc822.
	Children    []*Part   // Any number for multipart, exactly one for message/rfc822.
}

// Param returns the value of the named parameter, or the empty string when
// absent. Parameter keys are lower-cased during decoding.
func (part *Part) Param(name string) string {
	name = strings.ToLower(name)
	for _, kv := range part.Params {
		if kv[0] == name {
			return kv[1]
		}
	}
	return ""
}

// Envelope is the header summary of a message as reported by the server.
type Envelope struct {
	Subject     string // RFC 2047-decoded.
	RealSubject string // Subject with any reply prefix stripped.
	From        []Address
	Sender      []Address
	ReplyTo     []Address
	To          []Address
	CC          []Address
	BCC         []Address
	References  []string // Message-ids from the in-reply-to field.
	MessageID   string
}

// Address is a single entry in an envelope address list.
type Address struct {
	Personal string // Display name, RFC 2047-decoded.
	Address  string // "localpart@domain".
	Group    bool   // Start-of-group marker, Personal holds the group name.
}

// Reply prefixes stripped off subjects, mirroring common mail client defaults.
// Case-insensitive, and repeated prefixes are stripped in one go.
var defaultReplyPrefix = regexp.MustCompile(`(?i)^((re|aw|sv)(\[[0-9]+\])*:[ \t]*)*`)

func (p *Proto) realSubject(subject string) string {
	re := p.replyPrefix
	if re == nil {
		re = defaultReplyPrefix
	}
	if m := re.FindStringIndex(subject); m != nil && m[0] == 0 {
		return subject[m[1]:]
	}
	return subject
}

// rfc2047Decode decodes encoded words in a header value, returning the value
// unmodified when decoding fails. Unknown charsets are handled through the
// go-message charset reader.
func (p *Proto) rfc2047Decode(s string) string {
	if p.wordDecoder == nil {
		p.wordDecoder = &mime.WordDecoder{CharsetReader: charset.Reader}
	}
	t, err := p.wordDecoder.DecodeHeader(s)
	if err != nil {
		return s
	}
	return t
}

// parseReferences pulls message-ids out of an in-reply-to value.
func parseReferences(s string) []string {
	var refs []string
	for _, w := range strings.Fields(s) {
		if strings.HasPrefix(w, "<") {
			refs = append(refs, w)
		}
	}
	return refs
}

// xbsvalue reads one value from a bodystructure or envelope: a literal, a
// quoted string, a bare number, or NIL when allowNil is set. The second
// return is false for NIL.
func (p *Proto) xbsvalue(allowNil bool) (string, bool) {
	defer p.skipws()
	switch {
	case p.peek('{'):
		return string(p.xliteral()), true
	case p.peek('"'):
		return p.xquoted(), true
	case p.peek('n'):
		if !allowNil {
			p.xerrorf("NIL for required value")
		}
		p.xtake("NIL")
		return "", false
	}
	s := p.xdigits()
	if s == "" {
		p.xerrorf("expected string, number or NIL")
	}
	return s, true
}

// xbsparams reads a parameter list: NIL or "(" key value ... ")". Keys are
// lower-cased, a duplicate key keeps the earlier value.
func (p *Proto) xbsparams() [][2]string {
	if !p.peek('(') {
		p.xtake("NIL")
		p.skipws()
		return nil
	}
	p.xtake("(")
	p.skipws()
	var params [][2]string
	for !p.take(')') {
		k, _ := p.xbsvalue(false)
		v, _ := p.xbsvalue(false)
		k = strings.ToLower(k)
		dup := false
		for _, kv := range params {
			if kv[0] == k {
				dup = true
				break
			}
		}
		if !dup {
			params = append(params, [2]string{k, v})
		}
	}
	p.skipws()
	return params
}

// xbsaddresses reads an envelope address list: NIL or "(" address ... ")".
// Addresses with neither mailbox nor host are group markers: a start marker
// carries the group name as personal name, an end marker is dropped.
func (p *Proto) xbsaddresses() []Address {
	if !p.peek('(') {
		p.xtake("NIL")
		p.skipws()
		return nil
	}
	p.xtake("(")
	p.skipws()
	var l []Address
	for p.take('(') {
		p.skipws()
		var a Address
		personal, hasPersonal := p.xbsvalue(true)
		p.xbsvalue(true) // Source route, obsolete.
		mailbox, hasMailbox := p.xbsvalue(true)
		host, hasHost := p.xbsvalue(true)
		p.xtake(")")
		p.skipws()
		if hasPersonal {
			a.Personal = p.rfc2047Decode(personal)
		}
		switch {
		case !hasMailbox && !hasHost:
			if !hasPersonal {
				continue
			}
			a.Group = true
		case !hasHost:
			a.Address = mailbox
		case !hasMailbox:
			a.Address = host
		default:
			a.Address = mailbox + "@" + host
		}
		l = append(l, a)
	}
	p.xtake(")")
	p.skipws()
	return l
}

// xenvelope decodes a parenthesized envelope: date (skipped), subject, six
// address lists, in-reply-to and message-id.
func (p *Proto) xenvelope() Envelope {
	var env Envelope
	p.xtake("(")
	p.skipws()
	p.xbsvalue(true) // Date, the caller has INTERNALDATE when it cares.
	if subj, ok := p.xbsvalue(true); ok {
		env.Subject = p.rfc2047Decode(subj)
		env.RealSubject = p.realSubject(env.Subject)
	}
	env.From = p.xbsaddresses()
	env.Sender = p.xbsaddresses()
	env.ReplyTo = p.xbsaddresses()
	env.To = p.xbsaddresses()
	env.CC = p.xbsaddresses()
	env.BCC = p.xbsaddresses()
	if irt, ok := p.xbsvalue(true); ok {
		env.References = parseReferences(irt)
	}
	if mid, ok := p.xbsvalue(true); ok {
		env.MessageID = mid
	}
	p.xtake(")")
	p.skipws()
	return env
}

// xbodystructure decodes a parenthesized body structure into a part tree,
// from the opening "(" through the matching ")". Any decode error aborts the
// whole structure, a partial tree is never returned.
func (p *Proto) xbodystructure() *Part {
	part := &Part{
		MediaType:   MediaText,
		Encoding:    Encoding7bit,
		Size:        -1,
		Disposition: DispositionInline,
	}
	p.xtake("(")
	p.skipws()
	if p.peek('(') {
		// Multipart, the children come first, then the subtype.
		part.MediaType = MediaMultipart
		for p.peek('(') {
			part.Children = append(part.Children, p.xbodystructure())
		}
		part.Subtype, _ = p.xbsvalue(false)
		if !p.peek(')') {
			part.Params = p.xbsparams()
			if !p.peek(')') {
				p.xbsext(part)
			}
		}
	} else {
		typ, _ := p.xbsvalue(false)
		part.MediaType = parseMediaType(typ)
		subtype, hasSubtype := p.xbsvalue(true)
		part.Subtype = subtype
		part.Params = p.xbsparams()
		part.ContentID, _ = p.xbsvalue(true)
		if desc, ok := p.xbsvalue(true); ok {
			part.Description = p.rfc2047Decode(desc)
		}
		if enc, ok := p.xbsvalue(true); ok {
			part.Encoding = parseEncoding(enc)
		}
		// Declared size, not to be trusted. The real size is recomputed
		// after a download, so Size stays -1 here.
		p.xbsvalue(true)

		if !hasSubtype && part.MediaType == MediaMessage {
			part.Subtype = "rfc822"
			hasSubtype = true
		}
		if part.MediaType == MediaMessage && strings.EqualFold(part.Subtype, "rfc822") {
			// ../rfc/9051:6366 Embedded message, exactly one child.
			env := p.xenvelope()
			part.Envelope = &env
			part.Children = []*Part{p.xbodystructure()}
			p.xbsvalue(true) // Line count.
		} else if part.MediaType == MediaText {
			p.xbsvalue(true) // Line count.
			if part.Param("charset") == "" {
				cs := p.assumedCharset
				if cs == "" {
					cs = "us-ascii"
				}
				part.Params = append(part.Params, [2]string{"charset", cs})
			}
		}
		if !hasSubtype {
			switch part.MediaType {
			case MediaText:
				part.Subtype = "plain"
			case MediaAudio:
				part.Subtype = "basic"
			case MediaOther:
				part.MediaType = MediaApplication
				part.Subtype = "x-" + p.bufferedAhead(125)
			default:
				part.Subtype = "x-unknown"
			}
		}
		if !p.peek(')') {
			if md5, ok := p.xbsvalue(true); ok {
				part.MD5 = md5
			}
			if !p.peek(')') {
				p.xbsext(part)
			}
		}
	}
	p.xtake(")")
	p.skipws()
	return part
}

// xbsext reads the extension fields shared by all parts: disposition,
// language and location. The fields are optional suffixes, the list can stop
// at any of them.
func (p *Proto) xbsext(part *Part) {
	// Disposition. ../rfc/2183
	if p.take('(') {
		p.skipws()
		disp, _ := p.xbsvalue(false)
		switch {
		case strings.EqualFold(disp, "inline"):
			part.Disposition = DispositionInline
		case strings.EqualFold(disp, "form-data"):
			part.Disposition = DispositionFormData
		default:
			part.Disposition = DispositionAttachment
		}
		for _, kv := range p.xbsparams() {
			switch kv[0] {
			case "filename":
				if part.Filename == "" {
					part.Filename = kv[1]
				}
			case "name":
				if part.FormName == "" {
					part.FormName = kv[1]
				}
			}
		}
		p.xtake(")")
		p.skipws()
	} else {
		p.xtake("NIL")
		p.skipws()
	}

	if p.peek(')') {
		return
	}
	// Language, a single value or a list.
	if p.take('(') {
		p.skipws()
		for !p.take(')') {
			v, _ := p.xbsvalue(false)
			part.Language = append(part.Language, v)
		}
		p.skipws()
	} else if v, ok := p.xbsvalue(true); ok {
		part.Language = []string{v}
	}

	if p.peek(')') {
		return
	}
	// Location.
	if v, ok := p.xbsvalue(true); ok {
		part.Location = v
	}
}

// bufferedAhead returns already-buffered input without consuming it, up to
// max bytes, cut at the end of the line. Only used to name unidentifiable
// parts, never for parsing decisions.
func (p *Proto) bufferedAhead(max int) string {
	n := p.br.Buffered()
	if n > max {
		n = max
	}
	buf, err := p.br.Peek(n)
	if err != nil {
		return ""
	}
	if i := strings.IndexAny(string(buf), "\r\n"); i >= 0 {
		buf = buf[:i]
	}
	return string(buf)
}
