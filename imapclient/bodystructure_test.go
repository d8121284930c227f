package imapclient

import (
	"bufio"
	"strings"
	"testing"
)

// decodeStructure parses s as a bodystructure, converting the internal parse
// panics into a returned error like the fetch attribute decoder does.
func decodeStructure(s string, assumedCharset string) (part *Part, rerr error) {
	p := Proto{br: bufio.NewReader(strings.NewReader(s)), assumedCharset: assumedCharset}
	defer p.recover(&rerr)
	part = p.xbodystructure()
	return
}

func TestBodystructureSingle(t *testing.T) {
	part, err := decodeStructure(`("TEXT" "PLAIN" ("CHARSET" "us-ascii") NIL NIL "7BIT" 1152 23)`, "")
	tcheckf(t, err, "decoding text part")
	tcompare(t, part.MediaType, MediaText)
	tcompare(t, part.Subtype, "PLAIN")
	tcompare(t, part.Params, [][2]string{{"charset", "us-ascii"}})
	tcompare(t, part.Encoding, Encoding7bit)
	// The declared size is not trusted, the real size is computed after
	// downloading the part.
	tcompare(t, part.Size, int64(-1))
	tcompare(t, len(part.Children), 0)
}

func TestBodystructureCharsetInjection(t *testing.T) {
	// A text part without charset parameter gets the assumed charset.
	part, err := decodeStructure(`("TEXT" "PLAIN" NIL NIL NIL "7BIT" 10 1)`, "")
	tcheckf(t, err, "decoding text part")
	tcompare(t, part.Param("charset"), "us-ascii")

	part, err = decodeStructure(`("TEXT" "PLAIN" NIL NIL NIL "7BIT" 10 1)`, "iso-8859-1")
	tcheckf(t, err, "decoding text part")
	tcompare(t, part.Param("charset"), "iso-8859-1")

	// An existing charset parameter is left alone.
	part, err = decodeStructure(`("TEXT" "PLAIN" ("CHARSET" "utf-8") NIL NIL "7BIT" 10 1)`, "iso-8859-1")
	tcheckf(t, err, "decoding text part")
	tcompare(t, part.Param("charset"), "utf-8")
}

func TestBodystructureValues(t *testing.T) {
	// Values can be quoted strings, literals or digit runs, in any mix.
	part, err := decodeStructure("({4}\r\nTEXT \"PLAIN\" (\"CHARSET\" {8}\r\nus-ascii) NIL {9}\r\nof a kind \"BASE64\" 1152 23)", "")
	tcheckf(t, err, "decoding part with literals")
	tcompare(t, part.MediaType, MediaText)
	tcompare(t, part.Param("charset"), "us-ascii")
	tcompare(t, part.Description, "of a kind")
	tcompare(t, part.Encoding, EncodingBase64)

	// Unknown encodings become EncodingOther.
	part, err = decodeStructure(`("APPLICATION" "OCTET-STREAM" NIL NIL NIL "X-UUENCODE" 100)`, "")
	tcheckf(t, err, "decoding part")
	tcompare(t, part.Encoding, EncodingOther)
	tcompare(t, part.MediaType, MediaApplication)
}

func TestBodystructureParams(t *testing.T) {
	// Keys are lower-cased, a duplicate key keeps the first value.
	part, err := decodeStructure(`("TEXT" "PLAIN" ("CHARSET" "us-ascii" "Charset" "utf-8" "Format" "flowed") NIL NIL "7BIT" 10 1)`, "")
	tcheckf(t, err, "decoding part")
	tcompare(t, part.Params, [][2]string{{"charset", "us-ascii"}, {"format", "flowed"}})
}

func TestBodystructureSubtypeDefaults(t *testing.T) {
	part, err := decodeStructure(`("TEXT" NIL NIL NIL NIL "7BIT" 10 1)`, "")
	tcheckf(t, err, "decoding text part without subtype")
	tcompare(t, part.Subtype, "plain")

	part, err = decodeStructure(`("AUDIO" NIL NIL NIL NIL "BASE64" 10)`, "")
	tcheckf(t, err, "decoding audio part without subtype")
	tcompare(t, part.Subtype, "basic")

	// An unrecognized major type without subtype falls back to application
	// with a made-up x- subtype.
	part, err = decodeStructure(`("XYZZY" NIL NIL NIL NIL "7BIT" 10)`, "")
	tcheckf(t, err, "decoding unknown part without subtype")
	tcompare(t, part.MediaType, MediaApplication)
	if !strings.HasPrefix(part.Subtype, "x-") {
		t.Fatalf("got subtype %q, expected x- fallback", part.Subtype)
	}

	part, err = decodeStructure(`("VIDEO" NIL NIL NIL NIL "BASE64" 10)`, "")
	tcheckf(t, err, "decoding video part without subtype")
	tcompare(t, part.Subtype, "x-unknown")

	// A message part without subtype still gets the envelope and the single
	// nested part, the default is injected first.
	part, err = decodeStructure(`("MESSAGE" NIL NIL NIL NIL "7BIT" 3000 `+
		`("Mon, 1 Jan 2024 10:00:00 +0100" "hi" NIL NIL NIL NIL NIL NIL NIL NIL) `+
		`("TEXT" "PLAIN" ("CHARSET" "us-ascii") NIL NIL "7BIT" 10 1) 50)`, "")
	tcheckf(t, err, "decoding message part without subtype")
	tcompare(t, part.Subtype, "rfc822")
	if part.Envelope == nil {
		t.Fatalf("missing envelope on message part")
	}
	tcompare(t, len(part.Children), 1)
	tcompare(t, part.Children[0].Subtype, "PLAIN")
}

func TestBodystructureMultipart(t *testing.T) {
	part, err := decodeStructure(`(("TEXT" "PLAIN" ("CHARSET" "us-ascii") NIL NIL "7BIT" 10 1)("TEXT" "HTML" ("CHARSET" "utf-8") NIL NIL "QUOTED-PRINTABLE" 20 1) "ALTERNATIVE")`, "")
	tcheckf(t, err, "decoding multipart")
	tcompare(t, part.MediaType, MediaMultipart)
	tcompare(t, part.Subtype, "ALTERNATIVE")
	tcompare(t, len(part.Children), 2)
	tcompare(t, part.Children[0].Subtype, "PLAIN")
	tcompare(t, part.Children[1].Encoding, EncodingQuotedPrintable)

	// With extension data: parameters, disposition, language and location.
	part, err = decodeStructure(`(("TEXT" "PLAIN" NIL NIL NIL "7BIT" 10 1) "MIXED" ("BOUNDARY" "xx") ("INLINE" NIL) ("en" "nl") "http://example.org")`, "")
	tcheckf(t, err, "decoding multipart with extensions")
	tcompare(t, part.Param("boundary"), "xx")
	tcompare(t, part.Disposition, DispositionInline)
	tcompare(t, part.Language, []string{"en", "nl"})
	tcompare(t, part.Location, "http://example.org")
}

func TestBodystructureDisposition(t *testing.T) {
	part, err := decodeStructure(`("APPLICATION" "PDF" NIL NIL NIL "BASE64" 100 "Q2hlY2sgSW50ZWdyaXR5IQ==" ("ATTACHMENT" ("FILENAME" "report.pdf")))`, "")
	tcheckf(t, err, "decoding part with disposition")
	tcompare(t, part.MD5, "Q2hlY2sgSW50ZWdyaXR5IQ==")
	tcompare(t, part.Disposition, DispositionAttachment)
	tcompare(t, part.Filename, "report.pdf")

	part, err = decodeStructure(`("TEXT" "PLAIN" NIL NIL NIL "7BIT" 10 1 NIL ("FORM-DATA" ("NAME" "field")))`, "")
	tcheckf(t, err, "decoding form-data part")
	tcompare(t, part.Disposition, DispositionFormData)
	tcompare(t, part.FormName, "field")
}

func TestBodystructureMessage(t *testing.T) {
	s := `("MESSAGE" "RFC822" NIL NIL NIL "7BIT" 3000 ` +
		`("Mon, 1 Jan 2024 10:00:00 +0100" "Re: =?utf-8?q?bijlage?=" ` +
		`(("The =?utf-8?q?author?=" NIL "from" "example.org")) ` +
		`(("sndr" NIL "sender" "example.org")) ` +
		`NIL ` +
		`(("undisclosed-recipients" NIL NIL NIL)(NIL NIL NIL NIL)) ` +
		`NIL NIL ` +
		`"<1@example.org> <2@example.org>" "<msg@example.org>") ` +
		`("TEXT" "PLAIN" ("CHARSET" "us-ascii") NIL NIL "7BIT" 100 10) 80)`
	part, err := decodeStructure(s, "")
	tcheckf(t, err, "decoding message/rfc822 part")
	tcompare(t, part.MediaType, MediaMessage)
	tcompare(t, part.Subtype, "RFC822")

	// Exactly one child: the encapsulated message.
	tcompare(t, len(part.Children), 1)
	tcompare(t, part.Children[0].MediaType, MediaText)

	env := part.Envelope
	if env == nil {
		t.Fatalf("message/rfc822 part without envelope")
	}
	tcompare(t, env.Subject, "Re: bijlage")
	tcompare(t, env.RealSubject, "bijlage")
	tcompare(t, env.From, []Address{{Personal: "The author", Address: "from@example.org"}})
	tcompare(t, env.Sender, []Address{{Personal: "sndr", Address: "sender@example.org"}})
	// A group start marker has a name but no mailbox/host, a group end marker
	// is dropped entirely.
	tcompare(t, env.To, []Address{{Personal: "undisclosed-recipients", Group: true}})
	tcompare(t, env.References, []string{"<1@example.org>", "<2@example.org>"})
	tcompare(t, env.MessageID, "<msg@example.org>")

	// Without subtype, message defaults to rfc822 and still gets its envelope.
	s = `("MESSAGE" NIL NIL NIL NIL "7BIT" 100 (NIL NIL NIL NIL NIL NIL NIL NIL NIL NIL) ("TEXT" "PLAIN" NIL NIL NIL "7BIT" 10 1) 5)`
	part, err = decodeStructure(s, "")
	tcheckf(t, err, "decoding message part without subtype")
	tcompare(t, part.Subtype, "rfc822")
	tcompare(t, len(part.Children), 1)
}

func TestBodystructureErrors(t *testing.T) {
	bad := func(s, what string) {
		t.Helper()
		part, err := decodeStructure(s, "")
		if err == nil {
			t.Fatalf("decoding %s succeeded", what)
		}
		// No partially built tree escapes.
		if part != nil {
			t.Fatalf("decoding %s returned partial part", what)
		}
	}

	bad(`("TEXT" "PLAIN" NIL NIL NIL "7BIT" 10 1`, "structure with unmatched paren")
	bad(`("TEXT" "PLAIN" ("CHARSET") NIL NIL "7BIT" 10 1)`, "parameter list with key without value")
	bad(`(NIL "PLAIN" NIL NIL NIL "7BIT" 10 1)`, "NIL for required type")
	bad(`("TEXT" "PLAIN" NIL NIL NIL "7BIT" xx 1)`, "junk size field")
	bad(``, "empty input")
}

func TestRealSubject(t *testing.T) {
	p := Proto{}
	tcompare(t, p.realSubject("Re: hello"), "hello")
	tcompare(t, p.realSubject("re: aw[2]: hello"), "hello")
	tcompare(t, p.realSubject("sv:hello"), "hello")
	tcompare(t, p.realSubject("fwd: hello"), "fwd: hello")
	tcompare(t, p.realSubject("hello re: there"), "hello re: there")
}
