// Package sasl implements Simple Authentication and Security Layer, RFC 4422.
package sasl

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/tls"
	"fmt"
	"hash"
	"strings"

	gosasl "github.com/emersion/go-sasl"

	"github.com/ternmail/tern/scram"
)

// Client is a SASL client.
type Client interface {
	// Name as used in IMAP AUTHENTICATE, e.g. PLAIN, CRAM-MD5, SCRAM-SHA-256.
	// cleartextCredentials indicates if credentials are exchanged in clear text, which influences whether they are logged.
	Info() (name string, cleartextCredentials bool)

	// Next is called for each step of the SASL communication. The first call has a nil
	// fromServer and serves to get a possible "initial response" from the client. If
	// the client sends its final message it indicates so with last. Returning an error
	// aborts the authentication attempt.
	// For the first toServer ("initial response"), a nil toServer indicates there is
	// no data, which is different from a non-nil zero-length toServer.
	Next(fromServer []byte) (toServer []byte, last bool, err error)
}

type clientPlain struct {
	Username, Password string
	step               int
}

var _ Client = (*clientPlain)(nil)

// NewClientPlain returns a client for SASL PLAIN authentication.
func NewClientPlain(username, password string) Client {
	return &clientPlain{username, password, 0}
}

func (a *clientPlain) Info() (name string, hasCleartextCredentials bool) {
	return "PLAIN", true
}

func (a *clientPlain) Next(fromServer []byte) (toServer []byte, last bool, rerr error) {
	defer func() { a.step++ }()
	switch a.step {
	case 0:
		return []byte(fmt.Sprintf("\u0000%s\u0000%s", a.Username, a.Password)), true, nil
	default:
		return nil, false, fmt.Errorf("invalid step %d", a.step)
	}
}

type clientLogin struct {
	Username, Password string
	step               int
}

var _ Client = (*clientLogin)(nil)

// NewClientLogin returns a client for the obsolete SASL LOGIN authentication.
// Only used as portal of last resort, some servers only implement LOGIN.
func NewClientLogin(username, password string) Client {
	return &clientLogin{username, password, 0}
}

func (a *clientLogin) Info() (name string, hasCleartextCredentials bool) {
	return "LOGIN", true
}

func (a *clientLogin) Next(fromServer []byte) (toServer []byte, last bool, rerr error) {
	defer func() { a.step++ }()
	switch a.step {
	case 0:
		return []byte(a.Username), false, nil
	case 1:
		return []byte(a.Password), true, nil
	default:
		return nil, false, fmt.Errorf("invalid step %d", a.step)
	}
}

type clientAnonymous struct {
	step int
}

var _ Client = (*clientAnonymous)(nil)

// NewClientAnonymous returns a client for SASL ANONYMOUS authentication, RFC
// 4505. A fixed trace token is sent after the server's continuation request.
func NewClientAnonymous() Client {
	return &clientAnonymous{}
}

func (a *clientAnonymous) Info() (name string, hasCleartextCredentials bool) {
	return "ANONYMOUS", false
}

func (a *clientAnonymous) Next(fromServer []byte) (toServer []byte, last bool, rerr error) {
	defer func() { a.step++ }()
	switch a.step {
	case 0:
		// No initial response, wait for the server's continuation.
		return nil, false, nil
	case 1:
		return []byte("dummy"), true, nil
	default:
		return nil, false, fmt.Errorf("invalid step %d", a.step)
	}
}

type clientCRAMMD5 struct {
	Username, Password string
	step               int
}

var _ Client = (*clientCRAMMD5)(nil)

// NewClientCRAMMD5 returns a client for SASL CRAM-MD5 authentication.
func NewClientCRAMMD5(username, password string) Client {
	return &clientCRAMMD5{username, password, 0}
}

func (a *clientCRAMMD5) Info() (name string, hasCleartextCredentials bool) {
	return "CRAM-MD5", false
}

func (a *clientCRAMMD5) Next(fromServer []byte) (toServer []byte, last bool, rerr error) {
	defer func() { a.step++ }()
	switch a.step {
	case 0:
		return nil, false, nil
	case 1:
		// Validate the challenge.
		// ../rfc/2195:82
		s := string(fromServer)
		if !strings.HasPrefix(s, "<") || !strings.HasSuffix(s, ">") {
			return nil, false, fmt.Errorf("invalid challenge, missing angle brackets")
		}
		t := strings.SplitN(s, ".", 2)
		if len(t) != 2 || t[0] == "" {
			return nil, false, fmt.Errorf("invalid challenge, missing dot or random digits")
		}
		t = strings.Split(t[1], "@")
		if len(t) == 1 || t[0] == "" || t[len(t)-1] == "" {
			return nil, false, fmt.Errorf("invalid challenge, empty timestamp or empty hostname")
		}

		// ../rfc/2195:138
		key := []byte(a.Password)
		if len(key) > 64 {
			t := md5.Sum(key)
			key = t[:]
		}
		ipad := make([]byte, md5.BlockSize)
		opad := make([]byte, md5.BlockSize)
		copy(ipad, key)
		copy(opad, key)
		for i := range ipad {
			ipad[i] ^= 0x36
			opad[i] ^= 0x5c
		}
		ipadh := md5.New()
		ipadh.Write(ipad)
		ipadh.Write([]byte(fromServer))

		opadh := md5.New()
		opadh.Write(opad)
		opadh.Write(ipadh.Sum(nil))

		// ../rfc/2195:88
		return []byte(fmt.Sprintf("%s %x", a.Username, opadh.Sum(nil))), true, nil

	default:
		return nil, false, fmt.Errorf("invalid step %d", a.step)
	}
}

type clientSCRAMSHA struct {
	Username, Password string

	name         string
	step         int
	scram        *scram.Client
	noServerPlus bool
	cs           *tls.ConnectionState
}

var _ Client = (*clientSCRAMSHA)(nil)

// NewClientSCRAMSHA1 returns a client for SASL SCRAM-SHA-1 authentication.
//
// noServerPlus indicates the client would have used SCRAM-SHA-1-PLUS if the
// server had announced support. Used during the handshake to detect possible
// MitM attempts.
func NewClientSCRAMSHA1(username, password string, noServerPlus bool) Client {
	return &clientSCRAMSHA{username, password, "SCRAM-SHA-1", 0, nil, noServerPlus, nil}
}

// NewClientSCRAMSHA1PLUS returns a client for SASL SCRAM-SHA-1-PLUS
// authentication. The PLUS variant binds the authentication exchange to the
// TLS connection.
func NewClientSCRAMSHA1PLUS(username, password string, cs tls.ConnectionState) Client {
	return &clientSCRAMSHA{username, password, "SCRAM-SHA-1-PLUS", 0, nil, false, &cs}
}

// NewClientSCRAMSHA256 returns a client for SASL SCRAM-SHA-256 authentication.
//
// noServerPlus indicates the client would have used SCRAM-SHA-256-PLUS if the
// server had announced support. Used during the handshake to detect possible
// MitM attempts.
func NewClientSCRAMSHA256(username, password string, noServerPlus bool) Client {
	return &clientSCRAMSHA{username, password, "SCRAM-SHA-256", 0, nil, noServerPlus, nil}
}

// NewClientSCRAMSHA256PLUS returns a client for SASL SCRAM-SHA-256-PLUS
// authentication. The PLUS variant binds the authentication exchange to the
// TLS connection.
func NewClientSCRAMSHA256PLUS(username, password string, cs tls.ConnectionState) Client {
	return &clientSCRAMSHA{username, password, "SCRAM-SHA-256-PLUS", 0, nil, false, &cs}
}

func (a *clientSCRAMSHA) Info() (name string, hasCleartextCredentials bool) {
	return a.name, false
}

func (a *clientSCRAMSHA) Next(fromServer []byte) (toServer []byte, last bool, rerr error) {
	defer func() { a.step++ }()
	switch a.step {
	case 0:
		var h func() hash.Hash
		switch a.name {
		case "SCRAM-SHA-1", "SCRAM-SHA-1-PLUS":
			h = sha1.New
		case "SCRAM-SHA-256", "SCRAM-SHA-256-PLUS":
			h = sha256.New
		default:
			return nil, false, fmt.Errorf("invalid SCRAM-SHA variant %q", a.name)
		}

		a.scram = scram.NewClient(h, a.Username, "", a.noServerPlus, a.cs)
		toserver, err := a.scram.ClientFirst()
		return []byte(toserver), false, err

	case 1:
		clientFinal, err := a.scram.ServerFirst(fromServer, a.Password)
		return []byte(clientFinal), false, err

	case 2:
		err := a.scram.ServerFinal(fromServer)
		return nil, true, err

	default:
		return nil, false, fmt.Errorf("invalid step %d", a.step)
	}
}

type clientOAuthBearer struct {
	Username, Token string
	Host            string
	Port            int
	step            int
}

var _ Client = (*clientOAuthBearer)(nil)

// NewClientOAuthBearer returns a client for SASL OAUTHBEARER authentication,
// RFC 7628. Host and port are included in the initial message when nonzero.
func NewClientOAuthBearer(username, token, host string, port int) Client {
	return &clientOAuthBearer{username, token, host, port, 0}
}

func (a *clientOAuthBearer) Info() (name string, hasCleartextCredentials bool) {
	return "OAUTHBEARER", true
}

func (a *clientOAuthBearer) Next(fromServer []byte) (toServer []byte, last bool, rerr error) {
	defer func() { a.step++ }()
	switch a.step {
	case 0:
		// GS2 header, then key=value fields each terminated with a ^A, and a
		// final ^A. ../rfc/7628:216
		s := "n,a=" + a.Username + ",\x01"
		if a.Host != "" {
			s += "host=" + a.Host + "\x01"
		}
		if a.Port != 0 {
			s += fmt.Sprintf("port=%d\x01", a.Port)
		}
		s += "auth=Bearer " + a.Token + "\x01\x01"
		return []byte(s), true, nil
	case 1:
		// Server sent an error in a challenge, we respond with a lone ^A and
		// expect a negative completion. ../rfc/7628:287
		return []byte{1}, true, nil
	default:
		return nil, false, fmt.Errorf("invalid step %d", a.step)
	}
}

type clientXoauth2 struct {
	Username, Token string
	step            int
}

var _ Client = (*clientXoauth2)(nil)

// NewClientXoauth2 returns a client for the pre-standard XOAUTH2
// authentication used by several large mail providers.
func NewClientXoauth2(username, token string) Client {
	return &clientXoauth2{username, token, 0}
}

func (a *clientXoauth2) Info() (name string, hasCleartextCredentials bool) {
	return "XOAUTH2", true
}

func (a *clientXoauth2) Next(fromServer []byte) (toServer []byte, last bool, rerr error) {
	defer func() { a.step++ }()
	switch a.step {
	case 0:
		return []byte("user=" + a.Username + "\x01auth=Bearer " + a.Token + "\x01\x01"), true, nil
	case 1:
		// Server sent error details in a challenge, an empty response makes it
		// finish with the real tagged result.
		return []byte{}, true, nil
	default:
		return nil, false, fmt.Errorf("invalid step %d", a.step)
	}
}

type clientExternal struct {
	client gosasl.Client
	mech   string
	ir     []byte
	step   int
}

var _ Client = (*clientExternal)(nil)

// External wraps client, implementing a mechanism from the emersion/go-sasl
// package, so it can be used wherever a Client is expected. Start is called
// immediately, for the mechanism name and initial response. Since nothing is
// known about the mechanism, credentials are assumed to be exchanged in clear
// text and every message is marked as possibly the last: the server's tagged
// result decides completion, and any further challenge is handed to the
// wrapped client.
func External(client gosasl.Client) (Client, error) {
	mech, ir, err := client.Start()
	if err != nil {
		return nil, fmt.Errorf("starting delegated sasl mechanism: %w", err)
	}
	return &clientExternal{client: client, mech: mech, ir: ir}, nil
}

func (a *clientExternal) Info() (name string, hasCleartextCredentials bool) {
	return a.mech, true
}

func (a *clientExternal) Next(fromServer []byte) (toServer []byte, last bool, rerr error) {
	defer func() { a.step++ }()
	if a.step == 0 {
		return a.ir, true, nil
	}
	toServer, err := a.client.Next(fromServer)
	return toServer, true, err
}
