package imapclient

import (
	"bufio"
	"crypto/tls"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/mjl-/flate"

	"github.com/ternmail/tern/imapsearch"
	"github.com/ternmail/tern/mlog"
	"github.com/ternmail/tern/ternio"
)

// Capability writes the IMAP4 "CAPABILITY" command, requesting a list of
// capabilities from the server. They are returned in an UntaggedCapability
// response, and also tracked in [Conn.CapAvailable]. The server also sends
// capabilities in the initial server greeting, in the response code.
func (c *Conn) Capability() (resp Response, rerr error) {
	defer c.recover(&rerr, &resp)
	return c.transactf("capability")
}

// Noop writes the IMAP4 "NOOP" command, which does nothing on its own, but a
// server will return any pending untagged responses for new message delivery
// and changes to mailboxes.
func (c *Conn) Noop() (resp Response, rerr error) {
	defer c.recover(&rerr, &resp)
	return c.transactf("noop")
}

// Logout ends the IMAP4 session by writing an IMAP "LOGOUT" command.
// [Conn.Close] must still be called on this client to close the socket.
func (c *Conn) Logout() (resp Response, rerr error) {
	defer c.recover(&rerr, &resp)
	return c.transactf("logout")
}

// StartTLS enables TLS on the connection with the IMAP4 "STARTTLS" command.
func (c *Conn) StartTLS(config *tls.Config) (resp Response, rerr error) {
	defer c.recover(&rerr, &resp)
	resp, rerr = c.transactf("starttls")
	c.xcheckf(rerr, "starttls command")

	conn := c.xprefixConn()
	tlsConn := tls.Client(conn, config)
	err := tlsConn.Handshake()
	c.xcheckf(err, "tls handshake")
	c.conn = tlsConn
	return
}

// Login authenticates with the IMAP4 "LOGIN" command, sending the plain text
// password to the server.
//
// Authentication is not allowed while the "LOGINDISABLED" capability is
// announced. Call [Conn.StartTLS] first.
//
// See [Conn.Authenticate] for SASL authentication mechanisms that do not send
// the password in plain text.
func (c *Conn) Login(username, password string) (resp Response, rerr error) {
	defer c.recover(&rerr, &resp)

	cmd := c.xqueuef(true, "login %s %s", astring(username), astring(password))
	return c.Wait(cmd)
}

// CompressDeflate enables compression on the connection by executing the IMAP4
// "COMPRESS=DEFLATE" command.
//
// Required capability: "COMPRESS=DEFLATE".
//
// State: Authenticated or selected.
func (c *Conn) CompressDeflate() (resp Response, rerr error) {
	defer c.recover(&rerr, &resp)

	if !c.Supports(CapCompressDeflate) {
		c.xerrorf("server does not announce capability %s", CapCompressDeflate)
	}
	if c.compress {
		c.xerrorf("compression already active")
	}

	resp, rerr = c.transactf("compress deflate")
	c.xcheck(rerr)

	c.xflateBW = bufio.NewWriter(c)
	fw0, err := flate.NewWriter(c.xflateBW, flate.DefaultCompression)
	c.xcheckf(err, "deflate") // Cannot happen.
	fw := ternio.NewFlateWriter(fw0)

	c.compress = true
	c.xflateWriter = fw
	c.xtw = ternio.NewTraceWriter(c.log, "CW: ", fw)
	c.xbw = bufio.NewWriter(c.xtw)

	rc := c.xprefixConn()
	fr := flate.NewReaderPartial(rc)
	c.tr = ternio.NewTraceReader(c.log, "CR: ", fr)
	c.br = bufio.NewReader(c.tr)

	return
}

// Enable enables capabilities for use with the connection by executing the
// IMAP4 "ENABLE" command, e.g. "CONDSTORE" or "QRESYNC". Capabilities the
// server reports as enabled are tracked in [Conn.CapEnabled].
//
// Required capability: "ENABLE" or "IMAP4rev2"
func (c *Conn) Enable(capabilities ...Capability) (resp Response, rerr error) {
	defer c.recover(&rerr, &resp)

	var caps strings.Builder
	for _, e := range capabilities {
		caps.WriteString(" " + string(e))
	}
	return c.transactf("enable%s", caps.String())
}

// Select opens the mailbox with the IMAP4 "SELECT" command.
//
// If a mailbox is selected/active, it is automatically deselected before
// selecting the mailbox, without permanently removing ("expunging") messages
// marked \Deleted.
//
// If the mailbox cannot be opened, the connection is left in Authenticated
// state, not Selected.
func (c *Conn) Select(mailbox string) (resp Response, rerr error) {
	defer c.recover(&rerr, &resp)
	return c.transactf("select %s", astring(utf7encode(mailbox)))
}

// Examine opens the mailbox like [Conn.Select], but read-only, with the IMAP4
// "EXAMINE" command.
func (c *Conn) Examine(mailbox string) (resp Response, rerr error) {
	defer c.recover(&rerr, &resp)
	return c.transactf("examine %s", astring(utf7encode(mailbox)))
}

// Create makes a new mailbox on the server using the IMAP4 "CREATE" command.
func (c *Conn) Create(mailbox string) (resp Response, rerr error) {
	defer c.recover(&rerr, &resp)
	return c.transactf("create %s", astring(utf7encode(mailbox)))
}

// Delete removes an entire mailbox and its messages using the IMAP4 "DELETE"
// command.
func (c *Conn) Delete(mailbox string) (resp Response, rerr error) {
	defer c.recover(&rerr, &resp)
	return c.transactf("delete %s", astring(utf7encode(mailbox)))
}

// Rename changes the name of a mailbox and all its child mailboxes using the
// IMAP4 "RENAME" command.
func (c *Conn) Rename(omailbox, nmailbox string) (resp Response, rerr error) {
	defer c.recover(&rerr, &resp)
	return c.transactf("rename %s %s", astring(utf7encode(omailbox)), astring(utf7encode(nmailbox)))
}

// Subscribe marks a mailbox as subscribed using the IMAP4 "SUBSCRIBE" command.
//
// The mailbox does not have to exist. It is not an error if the mailbox is
// already subscribed.
func (c *Conn) Subscribe(mailbox string) (resp Response, rerr error) {
	defer c.recover(&rerr, &resp)
	return c.transactf("subscribe %s", astring(utf7encode(mailbox)))
}

// Unsubscribe marks a mailbox as unsubscribed using the IMAP4 "UNSUBSCRIBE"
// command.
func (c *Conn) Unsubscribe(mailbox string) (resp Response, rerr error) {
	defer c.recover(&rerr, &resp)
	return c.transactf("unsubscribe %s", astring(utf7encode(mailbox)))
}

// List lists mailboxes using the IMAP4 "LIST" command with the basic LIST
// syntax. Pattern can contain * (match any) or % (match any except hierarchy
// delimiter). The mailboxes are returned in UntaggedList responses.
func (c *Conn) List(pattern string) (resp Response, rerr error) {
	defer c.recover(&rerr, &resp)
	return c.transactf(`list "" %s`, astring(utf7encode(pattern)))
}

// Lsub lists subscribed mailboxes matching pattern using the IMAP4 "LSUB"
// command. The mailboxes are returned in UntaggedLsub responses.
func (c *Conn) Lsub(pattern string) (resp Response, rerr error) {
	defer c.recover(&rerr, &resp)
	return c.transactf(`lsub "" %s`, astring(utf7encode(pattern)))
}

// Status requests information about a mailbox using the IMAP4 "STATUS"
// command, e.g. number of messages and unseen messages. At least one attribute
// is required.
func (c *Conn) Status(mailbox string, attrs ...StatusAttr) (resp Response, rerr error) {
	defer c.recover(&rerr, &resp)
	l := make([]string, len(attrs))
	for i, a := range attrs {
		l[i] = string(a)
	}
	return c.transactf("status %s (%s)", astring(utf7encode(mailbox)), strings.Join(l, " "))
}

// Append is a parameter to the IMAP4 "APPEND" command, for adding a message to
// a mailbox.
type Append struct {
	Flags    []string   // Optional, flags for the new message.
	Received *time.Time // Optional, the INTERNALDATE field, typically the time at which a message was received.
	Size     int64
	Data     io.Reader // Required, must return exactly Size bytes.
}

// Append adds a message to a mailbox with flags and an optional receive time
// using the IMAP4 "APPEND" command, e.g. to store a copy of an outgoing
// message.
func (c *Conn) Append(mailbox string, msg Append) (resp Response, rerr error) {
	defer c.recover(&rerr, &resp)

	if c.connBroken {
		panic(Error{errBroken})
	}
	if len(c.cmds) >= c.slots {
		c.xsend()
		c.xdrain()
	}

	var date string
	if msg.Received != nil {
		date = ` "` + msg.Received.Format("_2-Jan-2006 15:04:05 -0700") + `"`
	}

	// The message literal does not go through the queue. Send pending command
	// lines first so order is preserved, then write the command with its
	// literal directly.
	c.xsend()
	text := fmt.Sprintf("append %s (%s)%s {%d+}", astring(utf7encode(mailbox)), strings.Join(msg.Flags, " "), date, msg.Size)
	cmd := &Cmd{Tag: c.nextTag(), Text: text}
	c.cmds = append(c.cmds, cmd)
	fmt.Fprintf(c.xbw, "%s %s\r\n", cmd.Tag, text)

	defer c.xtracewrite(mlog.LevelTracedata)()
	if _, err := io.Copy(c.xbw, msg.Data); err != nil {
		// A partial literal loses our position in the stream.
		c.connBroken = true
		c.xcheckf(err, "write message data")
	}
	c.xtracewrite(mlog.LevelTrace) // Restore.

	fmt.Fprintf(c.xbw, "\r\n")
	c.xflush()
	return c.Wait(cmd)
}

// Check requests a checkpoint of the selected mailbox using the IMAP4 "CHECK"
// command. Deprecated in IMAP4rev2, use [Conn.Noop] instead.
func (c *Conn) Check() (resp Response, rerr error) {
	defer c.recover(&rerr, &resp)
	return c.transactf("check")
}

// CloseMailbox closes the selected/active mailbox using the IMAP4 "CLOSE"
// command, permanently removing ("expunging") any messages marked with
// \Deleted.
//
// See [Conn.Unselect] for closing a mailbox without permanently removing
// messages.
func (c *Conn) CloseMailbox() (resp Response, rerr error) {
	defer c.recover(&rerr, &resp)
	return c.transactf("close")
}

// Unselect closes the selected/active mailbox using the IMAP4 "UNSELECT"
// command, but unlike [Conn.CloseMailbox] does not permanently remove
// ("expunge") any messages marked with \Deleted.
//
// Required capability: "UNSELECT" or "IMAP4rev2".
//
// If Unselect is not available, call [Conn.Select] with a non-existent mailbox
// for the same effect: deselecting a mailbox without permanently removing
// messages marked \Deleted.
func (c *Conn) Unselect() (resp Response, rerr error) {
	defer c.recover(&rerr, &resp)
	return c.transactf("unselect")
}

// Expunge removes all messages marked as deleted for the selected mailbox
// using the IMAP4 "EXPUNGE" command. If other sessions marked messages as
// deleted, even if they aren't visible in the session, they are removed as
// well.
//
// UIDExpunge gives more control over which messages are removed.
func (c *Conn) Expunge() (resp Response, rerr error) {
	defer c.recover(&rerr, &resp)
	return c.transactf("expunge")
}

// UIDExpunge is like expunge, but only removes messages matching the UID set,
// using the IMAP4 "UID EXPUNGE" command.
//
// Required capability: "UIDPLUS" or "IMAP4rev2".
func (c *Conn) UIDExpunge(uidSet NumSet) (resp Response, rerr error) {
	defer c.recover(&rerr, &resp)
	return c.transactf("uid expunge %s", uidSet.String())
}

// MSNStoreFlagsSet stores a new set of flags for messages matching message
// sequence numbers (MSNs) from the sequence set with the IMAP4 "STORE"
// command.
//
// If silent, no untagged responses with the updated flags will be sent by the
// server.
//
// Method [Conn.UIDStoreFlagsSet], which operates on a UID set, should be
// preferred.
func (c *Conn) MSNStoreFlagsSet(seqset string, silent bool, flags ...string) (resp Response, rerr error) {
	defer c.recover(&rerr, &resp)
	item := "flags"
	if silent {
		item += ".silent"
	}
	return c.transactf("store %s %s (%s)", seqset, item, strings.Join(flags, " "))
}

// MSNStoreFlagsAdd is like [Conn.MSNStoreFlagsSet], but only adds flags,
// leaving current flags on the message intact.
//
// Method [Conn.UIDStoreFlagsAdd], which operates on a UID set, should be
// preferred.
func (c *Conn) MSNStoreFlagsAdd(seqset string, silent bool, flags ...string) (resp Response, rerr error) {
	defer c.recover(&rerr, &resp)
	item := "+flags"
	if silent {
		item += ".silent"
	}
	return c.transactf("store %s %s (%s)", seqset, item, strings.Join(flags, " "))
}

// MSNStoreFlagsClear is like [Conn.MSNStoreFlagsSet], but only removes flags,
// leaving other flags on the message intact.
//
// Method [Conn.UIDStoreFlagsClear], which operates on a UID set, should be
// preferred.
func (c *Conn) MSNStoreFlagsClear(seqset string, silent bool, flags ...string) (resp Response, rerr error) {
	defer c.recover(&rerr, &resp)
	item := "-flags"
	if silent {
		item += ".silent"
	}
	return c.transactf("store %s %s (%s)", seqset, item, strings.Join(flags, " "))
}

// UIDStoreFlagsSet stores a new set of flags for messages matching UIDs from
// uidSet with the IMAP4 "UID STORE" command.
//
// If silent, no untagged responses with the updated flags will be sent by the
// server.
//
// Required capability: "UIDPLUS" or "IMAP4rev2".
func (c *Conn) UIDStoreFlagsSet(uidSet string, silent bool, flags ...string) (resp Response, rerr error) {
	defer c.recover(&rerr, &resp)
	item := "flags"
	if silent {
		item += ".silent"
	}
	return c.transactf("uid store %s %s (%s)", uidSet, item, strings.Join(flags, " "))
}

// UIDStoreFlagsAdd is like UIDStoreFlagsSet, but only adds flags, leaving
// current flags on the message intact.
//
// Required capability: "UIDPLUS" or "IMAP4rev2".
func (c *Conn) UIDStoreFlagsAdd(uidSet string, silent bool, flags ...string) (resp Response, rerr error) {
	defer c.recover(&rerr, &resp)
	item := "+flags"
	if silent {
		item += ".silent"
	}
	return c.transactf("uid store %s %s (%s)", uidSet, item, strings.Join(flags, " "))
}

// UIDStoreFlagsClear is like UIDStoreFlagsSet, but only removes flags, leaving
// other flags on the message intact.
//
// Required capability: "UIDPLUS" or "IMAP4rev2".
func (c *Conn) UIDStoreFlagsClear(uidSet string, silent bool, flags ...string) (resp Response, rerr error) {
	defer c.recover(&rerr, &resp)
	item := "-flags"
	if silent {
		item += ".silent"
	}
	return c.transactf("uid store %s %s (%s)", uidSet, item, strings.Join(flags, " "))
}

// MSNCopy adds messages from the sequences in the sequence set in the
// selected/active mailbox to destMailbox using the IMAP4 "COPY" command.
//
// Method [Conn.UIDCopy], operating on UIDs instead of sequence numbers, should
// be preferred.
func (c *Conn) MSNCopy(seqSet string, destMailbox string) (resp Response, rerr error) {
	defer c.recover(&rerr, &resp)
	return c.transactf("copy %s %s", seqSet, astring(utf7encode(destMailbox)))
}

// UIDCopy is like copy, but operates on UIDs, using the IMAP4 "UID COPY"
// command.
//
// Required capability: "UIDPLUS" or "IMAP4rev2".
func (c *Conn) UIDCopy(uidSet string, destMailbox string) (resp Response, rerr error) {
	defer c.recover(&rerr, &resp)
	return c.transactf("uid copy %s %s", uidSet, astring(utf7encode(destMailbox)))
}

// MSNFetch requests attributes, e.g. "(FLAGS ENVELOPE)" or "BODY.PEEK[1]", for
// messages matching message sequence numbers from the sequence set with the
// IMAP4 "FETCH" command. The data is returned in UntaggedFetch responses.
//
// Method [Conn.UIDFetch], operating on UIDs instead of sequence numbers,
// should be preferred.
func (c *Conn) MSNFetch(seqSet string, attrs string) (resp Response, rerr error) {
	defer c.recover(&rerr, &resp)
	return c.transactf("fetch %s %s", seqSet, attrs)
}

// UIDFetch is like fetch, but operates on UIDs, using the IMAP4 "UID FETCH"
// command.
func (c *Conn) UIDFetch(uidSet string, attrs string) (resp Response, rerr error) {
	defer c.recover(&rerr, &resp)
	return c.transactf("uid fetch %s %s", uidSet, attrs)
}

// MSNSearch returns messages from the selected/active mailbox that match the
// search criteria using the IMAP4 "SEARCH" command. Matching message sequence
// numbers are returned in UntaggedSearch responses.
//
// Method [Conn.UIDSearch], operating on UIDs instead of sequence numbers,
// should be preferred.
func (c *Conn) MSNSearch(criteria string) (resp Response, rerr error) {
	defer c.recover(&rerr, &resp)
	return c.transactf("search %s", criteria)
}

// UIDSearch returns messages from the selected/active mailbox that match the
// search criteria using the IMAP4 "UID SEARCH" command. Matching UIDs are
// returned in UntaggedSearch responses.
//
// Criteria is a search program, see RFC 9051 and RFC 3501 for details.
func (c *Conn) UIDSearch(criteria string) (resp Response, rerr error) {
	defer c.recover(&rerr, &resp)
	return c.transactf("uid search %s", criteria)
}

// UIDSearchPattern compiles the pattern tree into a "UID SEARCH" command,
// executes it and returns the matching UIDs.
//
// Criteria the server cannot evaluate are dropped from the compiled query, the
// caller evaluates those locally against the returned messages. If nothing in
// the tree can be evaluated by the server, no command is sent at all and
// requested is false: every message in the mailbox is a candidate.
func (c *Conn) UIDSearchPattern(pat *imapsearch.Pattern) (uids []uint32, requested bool, rerr error) {
	defer c.recover(&rerr, nil)

	query, ok, err := imapsearch.Compile(pat, func(name string) bool {
		return c.Supports(Capability(name))
	})
	c.xcheckf(err, "compiling search query")
	if !ok {
		return nil, false, nil
	}

	requested = true
	resp, err := c.transactf("uid search %s", query)
	c.xcheck(err)
	for _, ut := range resp.Untagged {
		switch e := ut.(type) {
		case UntaggedSearch:
			uids = append(uids, e...)
		case UntaggedSearchModSeq:
			uids = append(uids, e.Nums...)
		case UntaggedEsearch:
			uids = append(uids, e.All.Nums()...)
		}
	}
	return uids, true, nil
}

// IdleStart issues the IMAP4 "IDLE" command and reads responses until the
// server sends its continuation request, the go-ahead to idle. The ending
// "DONE" is then queued: it is written by the next flush, e.g. an explicit
// [Conn.Flush], possibly from another goroutine while a read is blocked, or
// the flush done by waiting on the returned command.
//
// While idling, read changes to the mailbox with [Conn.Step] and collect them
// with [Conn.TakeUntagged]. End the idle by flushing and waiting on the
// returned command with [Conn.Wait]. Commands queued while idling are written
// after the DONE, in order.
//
// If the server rejects idling with a tagged result before the continuation
// request, that response is returned as error.
//
// Required capability: "IDLE".
func (c *Conn) IdleStart() (cmd *Cmd, rerr error) {
	defer c.recover(&rerr, nil)

	if !c.Supports(CapIdle) {
		c.xerrorf("server does not announce capability %s", CapIdle)
	}
	if c.idling {
		c.xerrorf("already idling")
	}

	cmd = c.xqueuef(false, "idle")
	c.xsend()
	for {
		sres, err := c.Step()
		if err != nil && c.connBroken {
			c.xcheck(err)
		}
		if cmd.Done {
			// Tagged result before the continuation request, the server turned
			// down idling.
			resp := Response{Untagged: c.TakeUntagged(), Result: cmd.Result}
			if cmd.err != nil {
				return nil, cmd.err
			}
			return nil, resp
		}
		if sres == StepRespond {
			c.queued.WriteString("DONE\r\n")
			c.idling = true
			return cmd, nil
		}
	}
}
