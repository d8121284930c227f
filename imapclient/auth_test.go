package imapclient

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"testing"
)

// testCreds is a Credentials with fixed values. A non-nil err makes every
// getter fail, like a failing password command would.
type testCreds struct {
	username, password, token string
	err                       error
}

func (c testCreds) Username() (string, error) { return c.username, c.err }
func (c testCreds) Password() (string, error) { return c.password, c.err }
func (c testCreds) Token() (string, error)    { return c.token, c.err }

// readfull reads one full command line from the client, without the crlf.
func (s *testServer) readfull() string {
	line, err := s.br.ReadString('\n')
	if err != nil {
		s.t.Errorf("server: read line: %s", err)
		return ""
	}
	return strings.TrimRight(line, "\r\n")
}

func TestAuthLoginDisabled(t *testing.T) {
	// LOGINDISABLED announced: the LOGIN command must not be attempted, no
	// bytes reach the server.
	conn := testConn(t, "* OK [CAPABILITY IMAP4rev1 LOGINDISABLED] tern testserver", nil, nil)

	res, err := conn.AuthenticateMech(MechLogin, testCreds{username: "tim", password: "secret"})
	tcheckf(t, err, "login while disabled")
	tcompare(t, res, AuthUnavailable)
}

func TestAuthLogin(t *testing.T) {
	conn := testConn(t, "* OK tern testserver", nil, func(s *testServer) {
		line := s.readfull()
		_, rest, _ := strings.Cut(line, " ")
		tcompare(s.t, rest, `login tim secret`)
		tag, _, _ := strings.Cut(line, " ")
		s.writeline(tag + " OK [CAPABILITY IMAP4rev1] authenticated")
	})

	res, err := conn.AuthenticateMech(MechLogin, testCreds{username: "tim", password: "secret"})
	tcheckf(t, err, "login")
	tcompare(t, res, AuthSuccess)
	// Capabilities from the result's response code replace the known set.
	tcompare(t, conn.Supports("IMAP4rev1"), true)
}

func TestAuthLoginRedacted(t *testing.T) {
	// The queued command text carries the password, the Cmd handle must not.
	tcompare(t, redactText(`login tim secret`), "login ****")
	tcompare(t, redactText(`authenticate PLAIN AHRpbQBzZWNyZXQ=`), "authenticate ****")
}

func TestAuthPlainInitialResponse(t *testing.T) {
	// With SASL-IR the initial response goes along with the command.
	conn := testConn(t, "* OK [CAPABILITY IMAP4rev1 SASL-IR AUTH=PLAIN] tern testserver", nil, func(s *testServer) {
		line := s.readfull()
		tag, rest, _ := strings.Cut(line, " ")
		exp := "authenticate PLAIN " + base64.StdEncoding.EncodeToString([]byte("\u0000tim\u0000secret"))
		tcompare(s.t, rest, exp)
		s.writeline(tag + " OK authenticated")
	})

	res, err := conn.AuthenticateMech(MechPlain, testCreds{username: "tim", password: "secret"})
	tcheckf(t, err, "authenticate plain")
	tcompare(t, res, AuthSuccess)
}

func TestAuthPlainSplit(t *testing.T) {
	// Without SASL-IR the command goes out bare, the initial response follows
	// the server's continuation request.
	conn := testConn(t, "* OK [CAPABILITY IMAP4rev1 AUTH=PLAIN] tern testserver", nil, func(s *testServer) {
		line := s.readfull()
		tag, rest, _ := strings.Cut(line, " ")
		tcompare(s.t, rest, "authenticate PLAIN")
		s.writeline("+ ")
		payload := s.readfull()
		exp := base64.StdEncoding.EncodeToString([]byte("\u0000tim\u0000wrong"))
		tcompare(s.t, payload, exp)
		s.writeline(tag + " NO [AUTHENTICATIONFAILED] bad credentials")
	})

	res, err := conn.AuthenticateMech(MechPlain, testCreds{username: "tim", password: "wrong"})
	// A NO is a definitive rejection, not an error.
	tcheckf(t, err, "authenticate plain")
	tcompare(t, res, AuthFailure)
	tcompare(t, conn.Broken(), false)
}

func TestAuthPlainBad(t *testing.T) {
	// BAD means the server rejected the exchange itself, other mechanisms are
	// still worth trying.
	conn := testConn(t, "* OK [CAPABILITY IMAP4rev1 SASL-IR] tern testserver", nil, func(s *testServer) {
		line := s.readfull()
		tag, _, _ := strings.Cut(line, " ")
		s.writeline(tag + " BAD who now")
	})

	res, err := conn.AuthenticateMech(MechPlain, testCreds{username: "tim", password: "secret"})
	tcheckf(t, err, "authenticate plain")
	tcompare(t, res, AuthUnavailable)
}

func TestAuthCredentialsError(t *testing.T) {
	// A failing credential source stops the attempt before any IO.
	conn := testConn(t, "* OK [CAPABILITY IMAP4rev1 AUTH=PLAIN] tern testserver", nil, nil)

	res, err := conn.AuthenticateMech(MechPlain, testCreds{err: errors.New("keyring locked")})
	if err == nil {
		t.Fatalf("authenticating with failing credentials succeeded")
	}
	tcompare(t, res, AuthFailure)
	tcompare(t, conn.Broken(), false)
}

func TestAuthAnonymous(t *testing.T) {
	conn := testConn(t, "* OK [CAPABILITY IMAP4rev1 AUTH=ANONYMOUS] tern testserver", nil, func(s *testServer) {
		line := s.readfull()
		tag, rest, _ := strings.Cut(line, " ")
		tcompare(s.t, rest, "authenticate ANONYMOUS")
		s.writeline("+ ")
		payload := s.readfull()
		tcompare(s.t, payload, base64.StdEncoding.EncodeToString([]byte("dummy")))
		s.writeline(tag + " OK anonymous access granted")
	})

	res, err := conn.AuthenticateMech(MechAnonymous, testCreds{})
	tcheckf(t, err, "authenticate anonymous")
	tcompare(t, res, AuthSuccess)
}

func TestAuthAnonymousWithUsername(t *testing.T) {
	// Anonymous authentication is only for connections without an identity.
	conn := testConn(t, "* OK [CAPABILITY IMAP4rev1 AUTH=ANONYMOUS] tern testserver", nil, nil)

	res, err := conn.AuthenticateMech(MechAnonymous, testCreds{username: "tim"})
	tcheckf(t, err, "authenticate anonymous")
	tcompare(t, res, AuthUnavailable)
}

func TestAuthCRAMMD5(t *testing.T) {
	// Challenge and expected digest from RFC 2195.
	challenge := "<1896.697170952@postoffice.reston.mci.net>"

	conn := testConn(t, "* OK [CAPABILITY IMAP4rev1 AUTH=CRAM-MD5] tern testserver", nil, func(s *testServer) {
		line := s.readfull()
		tag, rest, _ := strings.Cut(line, " ")
		tcompare(s.t, rest, "authenticate CRAM-MD5")
		s.writeline("+ " + base64.StdEncoding.EncodeToString([]byte(challenge)))
		payload := s.readfull()
		buf, err := base64.StdEncoding.DecodeString(payload)
		if err != nil {
			s.t.Errorf("server: malformed base64 response %q: %s", payload, err)
		}
		tcompare(s.t, string(buf), "tim b913a602c7eda7a495b4e6e7334d3890")
		s.writeline(tag + " OK authenticated")
	})

	res, err := conn.AuthenticateMech(MechCRAMMD5, testCreds{username: "tim", password: "tanstaaftanstaaf"})
	tcheckf(t, err, "authenticate cram-md5")
	tcompare(t, res, AuthSuccess)
}

func TestAuthenticate(t *testing.T) {
	// With only AUTH=PLAIN announced, the default mechanism list skips the
	// stronger mechanisms without touching the server and lands on PLAIN.
	conn := testConn(t, "* OK [CAPABILITY IMAP4rev1 SASL-IR AUTH=PLAIN] tern testserver", nil, func(s *testServer) {
		line := s.readfull()
		tag, rest, _ := strings.Cut(line, " ")
		if !strings.HasPrefix(rest, "authenticate PLAIN ") {
			s.t.Errorf("server: got %q, expected plain authentication", rest)
		}
		s.writeline(tag + " OK authenticated")
	})

	err := conn.Authenticate(testCreds{username: "tim", password: "secret"})
	tcheckf(t, err, "authenticate")
}

func TestAuthenticateNoMechanism(t *testing.T) {
	// No AUTH= capabilities at all and LOGINDISABLED: nothing to try except
	// PLAIN, which the server rejects as unimplemented.
	conn := testConn(t, "* OK [CAPABILITY IMAP4rev1 LOGINDISABLED] tern testserver", nil, func(s *testServer) {
		line := s.readfull()
		tag, _, _ := strings.Cut(line, " ")
		s.writeline("+ ")
		s.readfull()
		s.writeline(tag + " BAD unknown command")
	})

	err := conn.Authenticate(testCreds{username: "tim", password: "secret"})
	if err == nil {
		t.Fatalf("authenticating without usable mechanism succeeded")
	}
}

func TestParseMechanism(t *testing.T) {
	m, err := ParseMechanism("scram-sha-256")
	tcheckf(t, err, "parsing mechanism")
	tcompare(t, m, MechSCRAMSHA256)

	_, err = ParseMechanism("NTLM")
	if err == nil {
		t.Fatalf("parsing unknown mechanism succeeded")
	}
}

func TestAuthOutcome(t *testing.T) {
	xerr := fmt.Errorf("other error")

	res, err := authOutcome(Response{Result: Result{Status: OK}}, nil)
	tcheckf(t, err, "outcome for ok")
	tcompare(t, res, AuthSuccess)

	// NO and BAD double as the response error, the outcome absorbs it.
	resp := Response{Result: Result{Status: NO}}
	res, err = authOutcome(resp, resp)
	tcheckf(t, err, "outcome for no")
	tcompare(t, res, AuthFailure)

	resp = Response{Result: Result{Status: BAD}}
	res, err = authOutcome(resp, resp)
	tcheckf(t, err, "outcome for bad")
	tcompare(t, res, AuthUnavailable)

	// No status at all, e.g. a connection error: the error carries through.
	res, err = authOutcome(Response{}, xerr)
	tcompare(t, err, xerr)
	tcompare(t, res, AuthUnavailable)
}
