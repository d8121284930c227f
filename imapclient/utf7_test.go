package imapclient

import (
	"errors"
	"testing"
)

func TestUTF7(t *testing.T) {
	good := func(name, enc string) {
		t.Helper()
		tcompare(t, utf7encode(name), enc)
		dec, err := utf7decode(enc)
		tcheckf(t, err, "decoding %q", enc)
		tcompare(t, dec, name)
	}

	good("INBOX", "INBOX")
	good("Lost & Found", "Lost &- Found")
	good("Entwürfe", "Entw&APw-rfe")
	good("日本語", "&ZeVnLIqe-")
	// A literal "&" directly after a base64 section stays "&-".
	good("ü&", "&APw-&-")
	// Codepoints outside the BMP go through surrogate pairs.
	good("mail📫", "mail&2D3c6w-")

	bad := func(enc string, exp error) {
		t.Helper()
		_, err := utf7decode(enc)
		if !errors.Is(err, exp) {
			t.Fatalf("decoding %q: got %v, expected %v", enc, err, exp)
		}
	}

	// Decoding only accepts the unique encoding.
	bad("&", errUTF7UnfinishedShift)
	bad("&APw", errUTF7UnfinishedShift)
	bad("&*-", errUTF7Base64)
	bad("&AP-", errUTF7OddSized)
	// Printable ASCII must not hide in a base64 section.
	bad("&AGE-", errUTF7UnneededShift)
	// Adjacent base64 sections should have been merged.
	bad("&APw-&APw-", errUTF7SuperfluousShift)
	bad("&2D3-", errUTF7BadSurrogate)
	bad("tab\there", errUTF7UnprintableASCII)

	if s := DecodeMailbox("Entw&APw-rfe"); s != "Entwürfe" {
		t.Fatalf("DecodeMailbox: got %q, expected %q", s, "Entwürfe")
	}
	if s := DecodeMailbox("&bogus"); s != "&bogus" {
		t.Fatalf("DecodeMailbox on invalid input: got %q, expected input unchanged", s)
	}
}
