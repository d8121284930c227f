package imapclient

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"unicode/utf16"
)

// Modified UTF-7, for mailbox names in IMAP4rev1, ../rfc/3501:1050. Printable
// ASCII 0x20-0x7e represents itself, except "&" which is "&-". Any other run
// of characters is "&", the base64 (with "," instead of "/", unpadded) of the
// big-endian UTF-16 encoding of the run, and "-".

const utf7chars = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789+,"

var utf7encoding = base64.NewEncoding(utf7chars).WithPadding(base64.NoPadding)

var (
	errUTF7SuperfluousShift = errors.New("utf7: superfluous unshift+shift")
	errUTF7Base64           = errors.New("utf7: bad base64")
	errUTF7OddSized         = errors.New("utf7: odd-sized data")
	errUTF7UnneededShift    = errors.New("utf7: unneeded shift")
	errUTF7UnfinishedShift  = errors.New("utf7: unfinished shift")
	errUTF7BadSurrogate     = errors.New("utf7: bad utf-16 surrogates")
	errUTF7UnprintableASCII = errors.New("utf7: non-printable ascii outside base64 section")
)

// utf7encode encodes a mailbox name with modified UTF-7.
func utf7encode(s string) string {
	var sb strings.Builder
	var run []rune

	flush := func() {
		if len(run) == 0 {
			return
		}
		u16 := utf16.Encode(run)
		buf := make([]byte, 2*len(u16))
		for i, c := range u16 {
			buf[2*i] = byte(c >> 8)
			buf[2*i+1] = byte(c)
		}
		sb.WriteByte('&')
		sb.WriteString(utf7encoding.EncodeToString(buf))
		sb.WriteByte('-')
		run = run[:0]
	}

	for _, c := range s {
		if c >= 0x20 && c <= 0x7e {
			flush()
			if c == '&' {
				sb.WriteString("&-")
			} else {
				sb.WriteRune(c)
			}
		} else {
			run = append(run, c)
		}
	}
	flush()
	return sb.String()
}

// DecodeMailbox returns the UTF-8 form of a modified UTF-7 mailbox name as
// returned by a server in e.g. LIST responses. Names that are not valid
// modified UTF-7 are returned unchanged.
func DecodeMailbox(name string) string {
	s, err := utf7decode(name)
	if err != nil {
		return name
	}
	return s
}

// utf7decode decodes a modified UTF-7 mailbox name. The encoding is unique,
// non-canonical forms are rejected: "&-" written as "&ACY-", any other
// printable ASCII in a base64 section, or adjacent base64 sections that should
// have been merged.
func utf7decode(s string) (string, error) {
	var r strings.Builder
	var shifted bool  // In a "&...-" section, gathering base64 into b.
	var adjacent bool // Current section directly follows a base64 section.
	var b string
	lastb64 := -2 // Index of the "-" ending the last non-empty section.

	for i, c := range s {
		if !shifted {
			if c == '&' {
				shifted = true
				adjacent = lastb64 == i-1
			} else if c < 0x20 || c > 0x7e {
				return "", errUTF7UnprintableASCII
			} else {
				r.WriteRune(c)
			}
			continue
		}

		if c != '-' {
			b += string(c)
			continue
		}

		shifted = false
		if b == "" {
			// "&-" is a literal "&". Also valid directly after a base64 section.
			r.WriteByte('&')
			continue
		}
		if adjacent {
			return "", errUTF7SuperfluousShift
		}
		lastb64 = i

		buf, err := utf7encoding.DecodeString(b)
		if err != nil {
			return "", fmt.Errorf("%w: %q: %v", errUTF7Base64, b, err)
		}
		b = ""

		if len(buf)%2 != 0 {
			return "", errUTF7OddSized
		}

		x := make([]uint16, len(buf)/2)
		for j := 0; j < len(buf); j += 2 {
			x[j/2] = uint16(buf[j])<<8 | uint16(buf[j+1])
		}
		for j := 0; j < len(x); j++ {
			c := rune(x[j])
			if utf16.IsSurrogate(c) {
				if j+1 >= len(x) {
					return "", errUTF7BadSurrogate
				}
				c = utf16.DecodeRune(c, rune(x[j+1]))
				if c == 0xfffd {
					return "", errUTF7BadSurrogate
				}
				j++
			}
			if c >= 0x20 && c <= 0x7e {
				return "", errUTF7UnneededShift
			}
			r.WriteRune(c)
		}
	}
	if shifted {
		return "", errUTF7UnfinishedShift
	}
	return r.String(), nil
}
