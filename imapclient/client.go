// Package imapclient provides an IMAP4 client protocol engine: a pipelined
// command queue with tagged commands, strict decoding of responses including
// message envelopes and body structures, server-side search compilation and
// pluggable authentication.
//
// Commands are queued with Queuef and sent in batches. Step processes one
// server line at a time, attributing untagged responses to the oldest
// outstanding command. Wait flushes the queue and reads until a command has
// its tagged result.
package imapclient

import (
	"bufio"
	"bytes"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net"
	"regexp"
	"strings"

	"github.com/ternmail/tern/mlog"
	"github.com/ternmail/tern/ternio"
)

// Conn is an IMAP connection to a server.
type Conn struct {
	// If true, the server sent a PREAUTH greeting and the connection is already
	// authenticated, e.g. through a TLS client certificate.
	Preauth bool

	// Capabilities available at the server, from the greeting, an untagged
	// CAPABILITY response or a CAPABILITY response code. Each new list replaces
	// the previous one.
	CapAvailable []Capability
	// Capabilities marked as enabled by the server, e.g. in response to ENABLE.
	CapEnabled []Capability

	// Message counts of the selected mailbox, tracked from untagged EXISTS,
	// RECENT and EXPUNGE responses.
	Exists uint32
	Recent uint32

	// Continuation is the text after "+ " of the last continuation request
	// returned by Step.
	Continuation string

	Proto

	interrupt func() bool
	slots     int

	cmds            []*Cmd       // Outstanding commands, oldest first.
	queued          bytes.Buffer // Command lines not yet sent.
	queuedSensitive bool         // Whether queued holds credentials.
	seqid           byte
	seq             uint32
	idling          bool // An IDLE is outstanding, its ending DONE is queued.
	untagged        []Untagged
}

// Proto is the lower-level IMAP protocol state: the connection with its
// buffers, tracing and compression layers, and the read/parse primitives. The
// parse and write functions on Proto panic with Error on failure, methods on
// Conn recover and turn them into returned errors.
type Proto struct {
	conn net.Conn

	// Whether the connection is broken, after a read/write error or a response
	// we could not attribute. No further reads or writes happen.
	connBroken bool

	br *bufio.Reader
	tr *ternio.TraceReader

	// Writes go through xbw. The "x" indicates that failed writes panic with
	// Error and mark the connection broken.
	xbw          *bufio.Writer
	compress     bool // Whether deflate compression is active.
	xflateWriter *ternio.FlateWriter
	xflateBW     *bufio.Writer
	xtw          *ternio.TraceWriter

	log       mlog.Log
	errHandle func(err error)

	record    bool // If true, bytes read are added to recordBuf. recorded() resets.
	recordBuf []byte

	assumedCharset string
	replyPrefix    *regexp.Regexp
	wordDecoder    *mime.WordDecoder
}

// Error is a parse or other protocol error.
type Error struct{ err error }

func (e Error) Error() string {
	return e.err.Error()
}

func (e Error) Unwrap() error {
	return e.err
}

// ErrInterrupted is returned when a wait for command completion was abandoned
// because the Interrupt function from Opts returned true. The commands remain
// outstanding, waiting can be resumed.
var ErrInterrupted = errors.New("interrupted")

var errBroken = errors.New("connection broken")

// Commands outstanding before queueing another first drains the connection,
// when Opts.Pipeline is not set.
const defaultPipeline = 15

// Cmd is a single queued or outstanding command.
type Cmd struct {
	Tag  string
	Text string // Line as sent, without tag and CRLF. Redacted for commands carrying credentials.

	// Done is set when the tagged result for this command has been read. With
	// pipelining, a later command can be done before earlier ones.
	Done bool

	// Result is the tagged result line, valid once Done is set.
	Result Result

	// Handler, when set, is called for each untagged response read while this
	// command is the oldest outstanding one.
	Handler func(u Untagged) error

	err error // First handler or decode error, returned when waiting on the command.
}

// Err returns the first untagged-handling or decode error recorded against the
// command, e.g. a bad body structure in a FETCH response.
func (cmd *Cmd) Err() error {
	return cmd.err
}

// Opts has optional fields that influence behaviour of a Conn.
type Opts struct {
	Logger *slog.Logger

	// Error is called for IMAP-level and connection-level errors during the
	// IMAP command methods on Conn, not for errors in calls on Proto. Error is
	// allowed to call panic.
	Error func(err error)

	// Interrupt reports whether waiting for command completion should be
	// abandoned, e.g. after a signal. It is checked between response reads, a
	// read that is already blocked is not interrupted. An abandoned wait
	// returns ErrInterrupted.
	Interrupt func() bool

	// Pipeline is the maximum number of commands outstanding before queueing
	// another first drains the connection. The default is 15.
	Pipeline int

	// AssumedCharset is added as charset parameter to decoded text parts that
	// came without one. The default is "us-ascii".
	AssumedCharset string

	// ReplyPrefix matches the subject prefix that is stripped to get
	// Envelope.RealSubject. The default matches "re:", "aw:" and "sv:",
	// optionally numbered and repeated.
	ReplyPrefix *regexp.Regexp
}

// New initializes a new IMAP client on conn.
//
// Conn should normally be a TLS connection, typically connected to port 993 of
// an IMAP server. Alternatively, conn can be a plain TCP connection to port
// 143, on which TLS should be enabled with the [Conn.StartTLS] method if the
// server supports it.
//
// The initial untagged greeting response is read and must be "OK" or
// "PREAUTH". If preauth, the connection is already in authenticated state,
// typically through a TLS client certificate. This is indicated in
// Conn.Preauth.
//
// Logging is written to opts.Logger. In particular, IMAP protocol traces are
// written with prefixes "CR: " and "CW: " (client read/write) as quoted
// strings at levels Debug-4, with authentication messages at Debug-6 and
// (user) data at level Debug-8.
func New(conn net.Conn, opts *Opts) (client *Conn, rerr error) {
	c := Conn{
		Proto: Proto{conn: conn},
		seqid: 'a',
		slots: defaultPipeline,
	}

	var clog *slog.Logger
	if opts != nil {
		c.errHandle = opts.Error
		c.interrupt = opts.Interrupt
		if opts.Pipeline > 0 {
			c.slots = opts.Pipeline
		}
		c.assumedCharset = opts.AssumedCharset
		c.replyPrefix = opts.ReplyPrefix
		clog = opts.Logger
	} else {
		clog = slog.Default()
	}
	c.log = mlog.New("imapclient", clog)

	c.tr = ternio.NewTraceReader(c.log, "CR: ", &c)
	c.br = bufio.NewReader(c.tr)

	// Writes are buffered and write to Conn, which may panic.
	c.xtw = ternio.NewTraceWriter(c.log, "CW: ", &c)
	c.xbw = bufio.NewWriter(c.xtw)

	defer c.recover(&rerr, nil)
	tag := c.xnonspace()
	if tag != "*" {
		c.xerrorf("expected untagged *, got %q", tag)
	}
	c.xspace()
	ut := c.xuntagged()
	switch x := ut.(type) {
	case UntaggedResult:
		if x.Status != OK {
			c.xerrorf("greeting, got status %q, expected OK", x.Status)
		}
		if caps, ok := x.Code.(CodeCapability); ok {
			c.CapAvailable = caps
		}
		return &c, nil
	case UntaggedPreauth:
		c.Preauth = true
		if caps, ok := x.Code.(CodeCapability); ok {
			c.CapAvailable = caps
		}
		return &c, nil
	case UntaggedBye:
		c.xerrorf("greeting: server sent bye")
	default:
		c.xerrorf("unexpected untagged %v", ut)
	}
	panic("not reached")
}

func (c *Conn) recoverErr(rerr *error) {
	c.recover(rerr, nil)
}

func (c *Conn) recover(rerr *error, resp *Response) {
	if *rerr != nil {
		if r, ok := (*rerr).(Response); ok && resp != nil {
			*resp = r
		}
		if c.errHandle != nil {
			c.errHandle(*rerr)
		}
		return
	}

	x := recover()
	if x == nil {
		return
	}
	var err error
	switch e := x.(type) {
	case Error:
		err = e
	case Response:
		err = e
		if resp != nil {
			*resp = e
		}
	default:
		panic(x)
	}
	if c.errHandle != nil {
		c.errHandle(err)
	}
	*rerr = err
}

func (p *Proto) recover(rerr *error) {
	if *rerr != nil {
		return
	}

	x := recover()
	if x == nil {
		return
	}
	switch e := x.(type) {
	case Error:
		*rerr = e
	default:
		panic(x)
	}
}

func (p *Proto) xerrorf(format string, args ...any) {
	panic(Error{fmt.Errorf(format, args...)})
}

func (p *Proto) xcheckf(err error, format string, args ...any) {
	if err != nil {
		p.xerrorf("%s: %w", fmt.Sprintf(format, args...), err)
	}
}

// xreadcheckf is for errors from reads. A failed or short read loses our
// position in the stream, the connection cannot be used after that.
func (p *Proto) xreadcheckf(err error, format string, args ...any) {
	if err != nil {
		p.connBroken = true
		p.xcheckf(err, format, args...)
	}
}

func (p *Proto) xcheck(err error) {
	if err != nil {
		panic(err)
	}
}

// Write writes directly to the underlying connection (TCP, TLS). For internal
// use only, to implement io.Writer. Write errors do take the connection's
// panic mode into account, i.e. Write can panic.
func (p *Proto) Write(buf []byte) (n int, rerr error) {
	defer p.recover(&rerr)

	n, rerr = p.conn.Write(buf)
	if rerr != nil {
		p.connBroken = true
	}
	p.xcheckf(rerr, "write")
	return n, nil
}

// Read reads directly from the underlying connection (TCP, TLS). For internal
// use only, to implement io.Reader.
func (p *Proto) Read(buf []byte) (n int, err error) {
	return p.conn.Read(buf)
}

func (p *Proto) xflush() {
	// Not writing any more when connection is broken.
	if p.connBroken {
		return
	}

	err := p.xbw.Flush()
	p.xcheckf(err, "flush")

	// If compression is active, we need to flush the deflate stream.
	if p.compress {
		err := p.xflateWriter.Flush()
		p.xcheckf(err, "flush deflate")
		err = p.xflateBW.Flush()
		p.xcheckf(err, "flush deflate buffer")
	}
}

func (p *Proto) xtraceread(level slog.Level) func() {
	if p.tr == nil {
		// For ParseUntagged and other parse functions.
		return func() {}
	}
	p.tr.SetTrace(level)
	return func() {
		p.tr.SetTrace(mlog.LevelTrace)
	}
}

func (p *Proto) xtracewrite(level slog.Level) func() {
	if p.xtw == nil {
		// For ParseUntagged and other parse functions.
		return func() {}
	}
	p.xflush()
	p.xtw.SetTrace(level)
	return func() {
		p.xflush()
		p.xtw.SetTrace(mlog.LevelTrace)
	}
}

// Close closes the connection, flushing and closing any compression layer.
//
// It does not send a LOGOUT command, use [Conn.Logout] for a clean protocol
// shutdown.
func (c *Conn) Close() (rerr error) {
	defer c.recover(&rerr, nil)

	if c.conn == nil {
		return nil
	}
	if !c.connBroken && c.xflateWriter != nil {
		err := c.xflateWriter.Close()
		c.xcheckf(err, "close deflate writer")
		err = c.xflateBW.Flush()
		c.xcheckf(err, "flush deflate buffer")
		c.xflateWriter = nil
		c.xflateBW = nil
	}
	err := c.conn.Close()
	c.xcheckf(err, "close connection")
	c.conn = nil
	return
}

// TLSConnectionState returns the TLS connection state if the connection uses
// TLS, and nil otherwise.
func (c *Conn) TLSConnectionState() *tls.ConnectionState {
	if conn, ok := c.conn.(*tls.Conn); ok {
		cs := conn.ConnectionState()
		return &cs
	}
	return nil
}

// Broken returns whether the connection is past recovery, after a read/write
// error or a response that could not be attributed to a command.
func (c *Conn) Broken() bool {
	return c.connBroken
}

// Supports returns whether the server has announced the capability,
// case-insensitively.
func (c *Conn) Supports(cap Capability) bool {
	for _, x := range c.CapAvailable {
		if strings.EqualFold(string(x), string(cap)) {
			return true
		}
	}
	return false
}

func (c *Conn) nextTag() string {
	c.seq = (c.seq + 1) % 10000
	return fmt.Sprintf("%c%04d", c.seqid, c.seq)
}

// Queuef formats a command, assigns it a tag and appends it to the queue of
// commands to send. Nothing is written until the next flush, e.g. through
// Wait, Drain or Flush. If the maximum number of outstanding commands has been
// reached, Queuef first sends the queue and drains the connection.
//
// The format must not include the tag or the trailing CRLF. The returned Cmd
// can be given a Handler for untagged responses before waiting on it.
func (c *Conn) Queuef(format string, args ...any) (cmd *Cmd, rerr error) {
	defer c.recover(&rerr, nil)
	return c.xqueuef(false, format, args...), nil
}

func (c *Conn) xqueuef(sensitive bool, format string, args ...any) *Cmd {
	if c.connBroken {
		panic(Error{errBroken})
	}
	if len(c.cmds) >= c.slots {
		c.xsend()
		c.xdrain()
	}
	text := fmt.Sprintf(format, args...)
	cmd := &Cmd{Tag: c.nextTag(), Text: text}
	if sensitive {
		cmd.Text = redactText(text)
		c.queuedSensitive = true
	}
	fmt.Fprintf(&c.queued, "%s %s\r\n", cmd.Tag, text)
	c.cmds = append(c.cmds, cmd)
	return cmd
}

// redactText keeps only the command verb. The arguments hold credentials and
// must not end up in logs or error messages.
func redactText(s string) string {
	verb, _, _ := strings.Cut(s, " ")
	return verb + " ****"
}

// Flush writes all queued command lines to the server. Flush only writes, so
// it can be called from another goroutine while a read is blocked, e.g. to
// send the DONE that ends an IDLE.
func (c *Conn) Flush() (rerr error) {
	defer c.recover(&rerr, nil)
	c.xsend()
	return
}

func (c *Conn) xsend() {
	if c.queued.Len() == 0 {
		return
	}
	if c.queuedSensitive {
		// The queue holds credentials. Only an explicitly enabled
		// authentication trace level gets to see them.
		defer c.xtracewrite(mlog.LevelTraceauth)()
	}
	_, err := c.xbw.Write(c.queued.Bytes())
	c.xcheckf(err, "write queued commands")
	c.queued.Reset()
	c.queuedSensitive = false
	// If an ending DONE was queued, it has now been sent.
	c.idling = false
	c.xflush()
}

// TakeUntagged returns the untagged responses accumulated since the previous
// command completion or the previous call, e.g. those received while idling.
func (c *Conn) TakeUntagged() []Untagged {
	l := c.untagged
	c.untagged = nil
	return l
}

// Step reads and processes exactly one line from the server: an untagged
// response, a continuation request, or the tagged result of an outstanding
// command.
//
// Untagged responses are decoded, accounted in the connection state
// (capabilities, message counts) and passed to the Handler of the oldest
// outstanding command, if any. A decode error in an untagged response skips
// the rest of the line, records the error on the oldest outstanding command
// and returns it along with StepContinue. The session remains usable. Errors
// that lose the protocol position, i.e. read errors, an unknown tag or an
// unknown result status, break the connection for good.
//
// A continuation request stores the text after "+ " in Continuation and
// returns StepRespond. The caller owes the server a payload line, e.g. during
// an authentication exchange, or nothing at all when the request was the
// go-ahead for IDLE.
//
// A tagged result for the oldest outstanding command completes it and returns
// StepOK, StepNo or StepBad. A result for a later pipelined command is
// recorded on that command and returns StepContinue: completion is reported in
// queue order.
func (c *Conn) Step() (sres StepResult, rerr error) {
	if c.connBroken {
		return StepContinue, Error{errBroken}
	}

	// Set once this line turned out to be a tagged result. Losing a tagged
	// result to a decode error would leave its command outstanding forever, so
	// those errors break the connection instead.
	var tagged bool

	defer func() {
		x := recover()
		if x == nil {
			return
		}
		err, ok := x.(Error)
		if !ok {
			panic(x)
		}
		if c.connBroken || tagged {
			c.connBroken = true
			if c.errHandle != nil {
				c.errHandle(err)
			}
			sres, rerr = StepContinue, err
			return
		}
		// A response we could not decode. Skip the rest of the line and keep
		// the session going, recording the error for the command the response
		// belonged to.
		c.flushline()
		if len(c.cmds) > 0 && c.cmds[0].err == nil {
			c.cmds[0].err = err
		}
		sres, rerr = StepContinue, err
	}()

	word := c.xnonspace()

	if word == "*" {
		c.xspace()
		ut := c.xuntagged()
		c.processUntagged(ut)
		c.untagged = append(c.untagged, ut)
		if len(c.cmds) > 0 {
			if cmd := c.cmds[0]; cmd.Handler != nil {
				if err := cmd.Handler(ut); err != nil && cmd.err == nil {
					cmd.err = err
				}
			}
		}
		return StepContinue, nil
	}

	if word == "+" {
		// Continuation request. Some servers send a bare "+" without text.
		var text string
		if c.take(' ') {
			text = c.xline()
		} else {
			c.xcrlf()
		}
		c.Continuation = text
		return StepRespond, nil
	}

	// Tagged result. An unknown tag means we can no longer tell which command
	// the server is answering, that is beyond recovery.
	tagged = true
	var cmd *Cmd
	for _, x := range c.cmds {
		if !x.Done && x.Tag == word {
			cmd = x
			break
		}
	}
	if cmd == nil {
		c.connBroken = true
		c.xerrorf("unknown tag %q in command completion", word)
	}
	c.xspace()
	status := c.xstatus()
	c.xspace()
	cmd.Result = c.xresult(status)
	c.xcrlf()
	cmd.Done = true
	c.processResult(cmd.Result)
	metricCommands.WithLabelValues(strings.ToLower(string(status))).Inc()

	if cmd != c.cmds[0] {
		// A later pipelined command finished while earlier ones are still
		// running. Report it when its turn comes.
		return StepContinue, nil
	}

	// Pop the completed head, and commands after it that finished early.
	n := 1
	for n < len(c.cmds) && c.cmds[n].Done {
		n++
	}
	c.cmds = c.cmds[n:]

	switch status {
	case NO:
		return StepNo, nil
	case BAD:
		return StepBad, nil
	}
	return StepOK, nil
}

// Wait flushes queued commands and reads responses until cmd has its tagged
// result, returning it along with the untagged responses accumulated since the
// previous command completion.
//
// If the result is NO or BAD, the response is also returned as an error. If an
// untagged handler or response decoder failed during the command, that error
// is returned instead. A caller may wish to process resp.Untagged in all
// cases.
func (c *Conn) Wait(cmd *Cmd) (resp Response, rerr error) {
	defer c.recover(&rerr, &resp)

	c.xsend()
	for !cmd.Done {
		if c.interrupt != nil && c.interrupt() {
			return Response{}, ErrInterrupted
		}
		_, err := c.Step()
		if err != nil && c.connBroken {
			c.xcheck(err)
		}
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

// Drain flushes queued commands and reads responses until no command is
// outstanding anymore. Results of the drained commands are not checked here,
// callers that kept the Cmd handles can inspect them.
func (c *Conn) Drain() (rerr error) {
	defer c.recover(&rerr, nil)
	c.xsend()
	c.xdrain()
	return
}

func (c *Conn) xdrain() {
	for len(c.cmds) > 0 {
		if c.interrupt != nil && c.interrupt() {
			panic(Error{ErrInterrupted})
		}
		_, err := c.Step()
		if err != nil && c.connBroken {
			c.xcheck(err)
		}
	}
}

func (c *Conn) processUntagged(ut Untagged) {
	switch e := ut.(type) {
	case UntaggedCapability:
		c.CapAvailable = []Capability(e)
	case UntaggedEnabled:
		c.CapEnabled = append(c.CapEnabled, e...)
	case UntaggedExists:
		c.Exists = uint32(e)
	case UntaggedRecent:
		c.Recent = uint32(e)
	case UntaggedExpunge:
		if c.Exists > 0 {
			c.Exists--
		}
	case UntaggedResult:
		if caps, ok := e.Code.(CodeCapability); ok {
			c.CapAvailable = caps
		}
	}
}

func (c *Conn) processResult(r Result) {
	if caps, ok := r.Code.(CodeCapability); ok {
		c.CapAvailable = caps
	}
}

// transactf queues a command and waits for its completion.
func (c *Conn) transactf(format string, args ...any) (resp Response, rerr error) {
	defer c.recover(&rerr, &resp)

	cmd := c.xqueuef(false, format, args...)
	return c.Wait(cmd)
}

// Startf queues a command like Queuef and immediately sends the queue.
func (c *Conn) Startf(format string, args ...any) (cmd *Cmd, rerr error) {
	defer c.recover(&rerr, nil)
	cmd = c.xqueuef(false, format, args...)
	c.xsend()
	return cmd, nil
}

// Exec executes a single command from start to finish: queue, send, and read
// responses until its tagged result.
func (c *Conn) Exec(format string, args ...any) (resp Response, rerr error) {
	return c.transactf(format, args...)
}

// ParseCode parses a response code. The string must not have enclosing brackets.
//
// Example:
//
//	"APPENDUID 123 10"
func ParseCode(s string) (code Code, rerr error) {
	p := Proto{br: bufio.NewReader(strings.NewReader(s + "]"))}
	defer p.recover(&rerr)
	code = p.xrespCode()
	p.xtake("]")
	buf, err := io.ReadAll(p.br)
	p.xcheckf(err, "read")
	if len(buf) != 0 {
		p.xerrorf("leftover data %q", buf)
	}
	return code, nil
}

// ParseResult parses a line, including required crlf, as a command result line.
//
// Example:
//
//	"tag1 OK [APPENDUID 123 10] message added\r\n"
func ParseResult(s string) (tag string, result Result, rerr error) {
	p := Proto{br: bufio.NewReader(strings.NewReader(s))}
	defer p.recover(&rerr)
	tag = p.xnonspace()
	p.xspace()
	status := p.xstatus()
	p.xspace()
	result = p.xresult(status)
	p.xcrlf()
	return
}

// ParseUntagged parses a line, including required crlf, as untagged response.
//
// Example:
//
//	"* BYE shutting down connection\r\n"
func ParseUntagged(s string) (untagged Untagged, rerr error) {
	p := Proto{br: bufio.NewReader(strings.NewReader(s))}
	defer p.recover(&rerr)
	untagged, rerr = p.readUntagged()
	return
}

func (p *Proto) readUntagged() (untagged Untagged, rerr error) {
	defer p.recover(&rerr)
	tag := p.xnonspace()
	if tag != "*" {
		p.xerrorf("got tag %q, expected untagged", tag)
	}
	p.xspace()
	ut := p.xuntagged()
	return ut, nil
}

// Readline reads a line, including CRLF.
func (p *Proto) Readline() (line string, rerr error) {
	defer p.recover(&rerr)

	line, err := p.br.ReadString('\n')
	p.xreadcheckf(err, "read line")
	return line, nil
}

// Writelinef writes the formatted format and args as a single line, adding
// CRLF, and flushes. Used for raw payload lines, e.g. during an
// authentication exchange.
func (p *Proto) Writelinef(format string, args ...any) (rerr error) {
	defer p.recover(&rerr)

	s := fmt.Sprintf(format, args...)
	fmt.Fprintf(p.xbw, "%s\r\n", s)
	p.xflush()
	return nil
}
