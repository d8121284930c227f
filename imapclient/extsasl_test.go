package imapclient

import (
	"encoding/base64"
	"errors"
	"strings"
	"testing"

	gosasl "github.com/emersion/go-sasl"

	"github.com/ternmail/tern/sasl"
)

func TestAuthExternalSASL(t *testing.T) {
	// A mechanism from the emersion/go-sasl package, wrapped so the engine can
	// drive it. With SASL-IR the initial response goes along with the command
	// and the tagged result completes the exchange.
	conn := testConn(t, "* OK [CAPABILITY IMAP4rev1 SASL-IR] tern testserver", nil, func(s *testServer) {
		line := s.readfull()
		tag, rest, _ := strings.Cut(line, " ")
		exp := "authenticate PLAIN " + base64.StdEncoding.EncodeToString([]byte("\u0000mjl\u0000testtest"))
		tcompare(s.t, rest, exp)
		s.writeline(tag + " OK authenticated")
	})

	a, err := sasl.External(gosasl.NewPlainClient("", "mjl", "testtest"))
	tcheckf(t, err, "wrapping plain client")
	resp, err := conn.AuthenticateSASL(a)
	tcheckf(t, err, "authenticate with wrapped mechanism")
	tcompare(t, resp.Result.Status, OK)
}

func TestAuthExternalSASLSplit(t *testing.T) {
	// Without SASL-IR the initial response waits for a continuation request. A
	// NO comes back as a Response error.
	conn := testConn(t, "* OK [CAPABILITY IMAP4rev1] tern testserver", nil, func(s *testServer) {
		line := s.readfull()
		tag, rest, _ := strings.Cut(line, " ")
		tcompare(s.t, rest, "authenticate PLAIN")
		s.writeline("+ ")
		payload := s.readfull()
		exp := base64.StdEncoding.EncodeToString([]byte("\u0000mjl\u0000wrong"))
		tcompare(s.t, payload, exp)
		s.writeline(tag + " NO [AUTHENTICATIONFAILED] bad credentials")
	})

	a, err := sasl.External(gosasl.NewPlainClient("", "mjl", "wrong"))
	tcheckf(t, err, "wrapping plain client")
	_, err = conn.AuthenticateSASL(a)
	var resp Response
	if !errors.As(err, &resp) || resp.Result.Status != NO {
		t.Fatalf("authenticate with wrapped mechanism: got %v, expected NO response", err)
	}
	tcompare(t, conn.Broken(), false)
}
