package imapclient

import (
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ternmail/tern/mlog"
	"github.com/ternmail/tern/sasl"
)

// Mechanism is an authentication mechanism that [Conn.Authenticate] can
// negotiate: a SASL mechanism for the AUTHENTICATE command, or "LOGIN" for the
// plain text LOGIN command.
type Mechanism string

const (
	MechLogin       Mechanism = "LOGIN" // The IMAP4 LOGIN command, not SASL "AUTH=LOGIN".
	MechPlain       Mechanism = "PLAIN"
	MechAnonymous   Mechanism = "ANONYMOUS"
	MechCRAMMD5     Mechanism = "CRAM-MD5"
	MechSCRAMSHA1   Mechanism = "SCRAM-SHA-1"
	MechSCRAMSHA256 Mechanism = "SCRAM-SHA-256"
	MechOAuthBearer Mechanism = "OAUTHBEARER"
	MechXoauth2     Mechanism = "XOAUTH2"
)

// ParseMechanism returns the mechanism for a case-insensitive name.
func ParseMechanism(s string) (Mechanism, error) {
	m := Mechanism(strings.ToUpper(s))
	switch m {
	case MechLogin, MechPlain, MechAnonymous, MechCRAMMD5, MechSCRAMSHA1, MechSCRAMSHA256, MechOAuthBearer, MechXoauth2:
		return m, nil
	}
	return "", fmt.Errorf("unknown authentication mechanism %q", s)
}

// Credentials supplies authentication secrets on demand. Implementations may
// prompt, run a command or consult a keyring, so each getter can fail. A
// getter is only called when the mechanism needs it, e.g. Password is never
// resolved for OAUTHBEARER.
type Credentials interface {
	Username() (string, error)
	Password() (string, error)
	Token() (string, error) // OAuth2 bearer token, for OAUTHBEARER and XOAUTH2.
}

// AuthResult is the outcome of an authentication attempt with a single
// mechanism. It is only authoritative when the accompanying error is nil.
type AuthResult int

const (
	// The mechanism cannot be tried: not announced by the server, disabled, or
	// missing required credentials. Nothing was sent to the server.
	AuthUnavailable AuthResult = iota

	// The mechanism was tried and did not authenticate the connection, e.g.
	// the server rejected the credentials.
	AuthFailure

	// The server accepted the credentials, the connection is authenticated.
	AuthSuccess
)

func (r AuthResult) String() string {
	switch r {
	case AuthUnavailable:
		return "unavailable"
	case AuthFailure:
		return "failure"
	case AuthSuccess:
		return "success"
	}
	return fmt.Sprintf("(unknown auth result %d)", int(r))
}

// Mechanisms tried by [Conn.Authenticate] when the caller does not specify
// any, in order of preference.
var defaultMechanisms = []Mechanism{
	MechOAuthBearer,
	MechXoauth2,
	MechSCRAMSHA256,
	MechSCRAMSHA1,
	MechCRAMMD5,
	MechAnonymous,
	MechPlain,
	MechLogin,
}

// Authenticate authenticates the connection, trying each mechanism in order
// until one succeeds. With no mechanisms given, a default preference order is
// used: OAUTHBEARER, XOAUTH2, SCRAM-SHA-256, SCRAM-SHA-1, CRAM-MD5,
// ANONYMOUS, PLAIN, LOGIN.
//
// If no capabilities are known yet, a CAPABILITY command is issued first:
// most mechanisms are gated on an announced "AUTH=" capability.
func (c *Conn) Authenticate(creds Credentials, mechanisms ...Mechanism) (rerr error) {
	defer c.recover(&rerr, nil)

	if len(c.CapAvailable) == 0 {
		_, err := c.Capability()
		c.xcheckf(err, "requesting capabilities")
	}
	if len(mechanisms) == 0 {
		mechanisms = defaultMechanisms
	}

	var failures int
	var lastErr error
	for _, mech := range mechanisms {
		res, err := c.AuthenticateMech(mech, creds)
		if res == AuthSuccess {
			return err
		}
		if err != nil {
			lastErr = err
			if c.connBroken {
				return err
			}
		}
		if res == AuthFailure {
			failures++
		}
		c.log.Debugx("authentication mechanism unsuccessful", err,
			slog.String("mechanism", strings.ToLower(string(mech))),
			slog.Any("result", res))
	}
	if lastErr != nil {
		return fmt.Errorf("authenticating: %w", lastErr)
	}
	if failures > 0 {
		return errors.New("authentication failed, server rejected credentials")
	}
	return errors.New("no authentication mechanism available")
}

// AuthenticateMech authenticates with a single mechanism. Policy is checked
// before any exchange with the server: a mechanism whose required capability
// is not announced, or LOGIN while "LOGINDISABLED" is announced, returns
// AuthUnavailable without sending anything.
//
// The result is only meaningful when the returned error is nil, except that
// AuthSuccess with a non-nil error means the server accepted the credentials
// but something else went wrong, e.g. decoding an untagged response.
func (c *Conn) AuthenticateMech(mech Mechanism, creds Credentials) (res AuthResult, rerr error) {
	res, rerr = c.authenticateMech(mech, creds)
	result := "error"
	if rerr == nil {
		switch res {
		case AuthSuccess:
			result = "ok"
		case AuthFailure:
			result = "failure"
		case AuthUnavailable:
			result = "unavailable"
		}
	}
	metricAuth.WithLabelValues(strings.ToLower(string(mech)), result).Inc()
	return
}

func (c *Conn) authenticateMech(mech Mechanism, creds Credentials) (res AuthResult, rerr error) {
	defer c.recover(&rerr, nil)

	userpass := func() (string, string, error) {
		username, err := creds.Username()
		if err != nil {
			return "", "", fmt.Errorf("resolving username: %w", err)
		}
		password, err := creds.Password()
		if err != nil {
			return "", "", fmt.Errorf("resolving password: %w", err)
		}
		return username, password, nil
	}
	usertoken := func() (string, string, error) {
		username, err := creds.Username()
		if err != nil {
			return "", "", fmt.Errorf("resolving username: %w", err)
		}
		token, err := creds.Token()
		if err != nil {
			return "", "", fmt.Errorf("resolving token: %w", err)
		}
		return username, token, nil
	}

	switch mech {
	case MechLogin:
		// Not allowed while the server announces LOGINDISABLED. ../rfc/3501:1761
		if c.Supports(CapLoginDisabled) {
			return AuthUnavailable, nil
		}
		username, password, err := userpass()
		if err != nil {
			return AuthFailure, err
		}
		return authOutcome(c.Login(username, password))

	case MechPlain:
		// Tried even when AUTH=PLAIN is not announced, it is the most widely
		// implemented mechanism.
		username, password, err := userpass()
		if err != nil {
			return AuthFailure, err
		}
		return authOutcome(c.AuthenticateSASL(sasl.NewClientPlain(username, password)))

	case MechAnonymous:
		if !c.Supports(CapAuthAnonymous) {
			return AuthUnavailable, nil
		}
		username, err := creds.Username()
		if err != nil {
			return AuthFailure, fmt.Errorf("resolving username: %w", err)
		}
		if username != "" {
			// Only for connections that are meant to be anonymous.
			return AuthUnavailable, nil
		}
		return authOutcome(c.AuthenticateSASL(sasl.NewClientAnonymous()))

	case MechCRAMMD5:
		if !c.Supports(CapAuthCRAMMD5) {
			return AuthUnavailable, nil
		}
		username, password, err := userpass()
		if err != nil {
			return AuthFailure, err
		}
		return authOutcome(c.AuthenticateSASL(sasl.NewClientCRAMMD5(username, password)))

	case MechSCRAMSHA1, MechSCRAMSHA256:
		capBase, capPlus := CapAuthSCRAMSHA1, CapAuthSCRAMSHA1Plus
		if mech == MechSCRAMSHA256 {
			capBase, capPlus = CapAuthSCRAMSHA256, CapAuthSCRAMSHA256Plus
		}
		cs := c.TLSConnectionState()
		if !c.Supports(capBase) && !(cs != nil && c.Supports(capPlus)) {
			return AuthUnavailable, nil
		}
		username, password, err := userpass()
		if err != nil {
			return AuthFailure, err
		}
		var a sasl.Client
		if cs != nil && c.Supports(capPlus) {
			// The PLUS variant binds the exchange to the TLS connection,
			// detecting MitM attacks.
			if mech == MechSCRAMSHA256 {
				a = sasl.NewClientSCRAMSHA256PLUS(username, password, *cs)
			} else {
				a = sasl.NewClientSCRAMSHA1PLUS(username, password, *cs)
			}
		} else {
			// On TLS without an announced PLUS variant, tell the server we
			// could have done channel binding, it can detect downgrades.
			noServerPlus := cs != nil
			if mech == MechSCRAMSHA256 {
				a = sasl.NewClientSCRAMSHA256(username, password, noServerPlus)
			} else {
				a = sasl.NewClientSCRAMSHA1(username, password, noServerPlus)
			}
		}
		return authOutcome(c.AuthenticateSASL(a))

	case MechOAuthBearer:
		if !c.Supports(CapAuthOAuthBearer) {
			return AuthUnavailable, nil
		}
		username, token, err := usertoken()
		if err != nil {
			return AuthFailure, err
		}
		return authOutcome(c.AuthenticateSASL(sasl.NewClientOAuthBearer(username, token, "", 0)))

	case MechXoauth2:
		if !c.Supports(CapAuthXoauth2) {
			return AuthUnavailable, nil
		}
		username, token, err := usertoken()
		if err != nil {
			return AuthFailure, err
		}
		return authOutcome(c.AuthenticateSASL(sasl.NewClientXoauth2(username, token)))
	}
	return AuthUnavailable, fmt.Errorf("unknown authentication mechanism %q", mech)
}

// authOutcome maps a command response to an authentication outcome. NO means
// the server rejected the attempt, e.g. bad credentials. BAD means it does not
// implement the mechanism or rejected the form of the exchange, so other
// mechanisms are still worth trying.
func authOutcome(resp Response, err error) (AuthResult, error) {
	switch resp.Status {
	case OK:
		return AuthSuccess, err
	case NO:
		return AuthFailure, nil
	case BAD:
		return AuthUnavailable, nil
	}
	return AuthUnavailable, err
}

// AuthenticateSASL authenticates with the IMAP4 "AUTHENTICATE" command,
// driving the SASL client through the challenge-response exchange with the
// server.
//
// The mechanism's initial response is sent along with the command when the
// server announces "SASL-IR", otherwise after the server's first continuation
// request. An error from the SASL client, e.g. a SCRAM server signature that
// does not verify, aborts the exchange with "*".
//
// For mechanisms that exchange credentials in (near) clear text, e.g. PLAIN,
// the protocol trace of the exchange is only written at an explicitly enabled
// authentication trace level.
func (c *Conn) AuthenticateSASL(a sasl.Client) (resp Response, rerr error) {
	defer c.recover(&rerr, &resp)

	name, cleartextCreds := a.Info()

	toserver, last, err := a.Next(nil)
	c.xcheckf(err, "initial step in sasl mechanism %s", name)

	if cleartextCreds {
		defer c.xtracewrite(mlog.LevelTraceauth)()
		defer c.xtraceread(mlog.LevelTraceauth)()
	}

	// Pending is the payload to write at the next continuation request: the
	// initial response if it could not go with the command. A non-nil empty
	// initial response is valid and distinct from none at all. ../rfc/4959:84
	var cmd *Cmd
	var pending []byte
	if toserver == nil {
		cmd = c.xqueuef(false, "authenticate %s", name)
	} else if !c.Supports(CapSASLIR) {
		cmd = c.xqueuef(false, "authenticate %s", name)
		pending = toserver
	} else if len(toserver) == 0 {
		// "=" is the zero-length initial response. ../rfc/4959:90
		cmd = c.xqueuef(cleartextCreds, "authenticate %s =", name)
	} else {
		cmd = c.xqueuef(cleartextCreds, "authenticate %s %s", name, base64.StdEncoding.EncodeToString(toserver))
	}
	c.xsend()

	// Restore the trace once our final message has been written, so the
	// server's result is traced normally again.
	restore := func() {
		if cleartextCreds {
			c.xtracewrite(mlog.LevelTrace)
			c.xtraceread(mlog.LevelTrace)
		}
	}
	if last && pending == nil {
		restore()
	}

	// Flushing the queue restores the write trace level, assert it again for
	// each payload frame, they can carry credentials too.
	xpayload := func(buf []byte) {
		if cleartextCreds {
			c.xtracewrite(mlog.LevelTraceauth)
		}
		err := c.Writelinef("%s", base64.StdEncoding.EncodeToString(buf))
		c.xcheck(err)
		if last {
			restore()
		}
	}

	// Abort the exchange. The server responds with a tagged result, usually
	// BAD, read it so the next command does not trip over it. ../rfc/3501:2157
	xabort := func(format string, args ...any) {
		if err := c.Writelinef("*"); err == nil {
			for !cmd.Done {
				if _, err := c.Step(); err != nil && c.connBroken {
					break
				}
			}
		}
		c.xerrorf(format, args...)
	}

	for {
		sres, err := c.Step()
		if err != nil && c.connBroken {
			c.xcheck(err)
		}
		if cmd.Done {
			if cmd.Result.Status == OK && !last {
				c.xerrorf("server completed authentication earlier than client expected")
			}
			resp = Response{Untagged: c.TakeUntagged(), Result: cmd.Result}
			if cmd.err != nil {
				return resp, cmd.err
			}
			if cmd.Result.Status != OK {
				return resp, resp
			}
			return resp, nil
		}
		if sres != StepRespond {
			continue
		}

		if pending != nil {
			xpayload(pending)
			pending = nil
			continue
		}

		// A challenge after the mechanism's last message is handed to the
		// mechanism too: OAUTHBEARER and XOAUTH2 send their errors in a
		// challenge that must be answered before the tagged result comes. A
		// mechanism that cannot use the challenge returns an error.
		fromserver, err := base64.StdEncoding.DecodeString(c.Continuation)
		if err != nil {
			xabort("malformed base64 in sasl challenge from server: %v", err)
		}
		toserver, last, err = a.Next(fromserver)
		if err != nil {
			xabort("sasl mechanism %s aborted: %v", name, err)
		}
		xpayload(toserver)
	}
}
