package imapclient

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync/atomic"
	"testing"
)

// testServer scripts the server side of a connection over a net.Pipe. It runs
// in its own goroutine, so failures are reported with Errorf.
type testServer struct {
	t    *testing.T
	conn net.Conn
	br   *bufio.Reader
}

// readtag reads one command line from the client and returns its tag.
func (s *testServer) readtag() string {
	line, err := s.br.ReadString('\n')
	if err != nil {
		s.t.Errorf("server: read command line: %s", err)
		return ""
	}
	if !strings.HasSuffix(line, "\r\n") {
		s.t.Errorf("server: command line %q does not end in crlf", line)
	}
	tag, _, _ := strings.Cut(line, " ")
	return strings.TrimRight(tag, "\r\n")
}

func (s *testServer) writeline(line string) {
	if _, err := fmt.Fprintf(s.conn, "%s\r\n", line); err != nil {
		s.t.Errorf("server: write %q: %s", line, err)
	}
}

// testConn starts a scripted server and returns a connected client. The
// cleanup closes the client connection and waits for the script to finish.
func testConn(t *testing.T, greeting string, opts *Opts, fn func(s *testServer)) *Conn {
	t.Helper()

	cc, sc := net.Pipe()
	s := &testServer{t: t, conn: sc, br: bufio.NewReader(sc)}
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer sc.Close()
		s.writeline(greeting)
		if fn != nil {
			fn(s)
		}
	}()

	conn, err := New(cc, opts)
	if err != nil {
		cc.Close()
		<-done
		t.Fatalf("new connection: %s", err)
	}
	t.Cleanup(func() {
		conn.Close()
		<-done
	})
	return conn
}

func TestGreeting(t *testing.T) {
	conn := testConn(t, "* OK [CAPABILITY IMAP4rev1 IDLE] tern testserver", nil, nil)
	tcompare(t, conn.Preauth, false)
	tcompare(t, conn.Supports("IMAP4rev1"), true)
	tcompare(t, conn.Supports("imap4rev1"), true)
	tcompare(t, conn.Supports("AUTH=PLAIN"), false)
}

func TestGreetingPreauth(t *testing.T) {
	conn := testConn(t, "* PREAUTH [CAPABILITY IMAP4rev1] client cert accepted", nil, nil)
	tcompare(t, conn.Preauth, true)
	tcompare(t, conn.Supports("IMAP4rev1"), true)
}

func TestGreetingBye(t *testing.T) {
	cc, sc := net.Pipe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		fmt.Fprintf(sc, "* BYE overloaded, try again later\r\n")
		sc.Close()
	}()
	_, err := New(cc, nil)
	if err == nil {
		t.Fatalf("connecting to server that sent bye succeeded")
	}
	cc.Close()
	<-done
}

func TestExec(t *testing.T) {
	conn := testConn(t, "* OK tern testserver", nil, func(s *testServer) {
		tag := s.readtag()
		s.writeline("* 18 EXISTS")
		s.writeline("* 2 RECENT")
		s.writeline("* 4 EXPUNGE")
		s.writeline(tag + " OK done")
	})

	resp, err := conn.Exec("noop")
	tcheckf(t, err, "noop")
	tcompare(t, resp.Result.Status, OK)
	tcompare(t, len(resp.Untagged), 3)
	// Message counts are tracked from the untagged responses.
	tcompare(t, conn.Exists, uint32(17))
	tcompare(t, conn.Recent, uint32(2))
}

func TestLiteral(t *testing.T) {
	conn := testConn(t, "* OK tern testserver", nil, func(s *testServer) {
		tag := s.readtag()
		// The literal contains a crlf, it must come through byte-exact.
		fmt.Fprintf(s.conn, "* 1 FETCH (UID 5 BODY[] {12}\r\nhello\r\nworld)\r\n")
		s.writeline(tag + " OK fetch done")
	})

	resp, err := conn.MSNFetch("1", "body[]")
	tcheckf(t, err, "fetch")
	fetches := UntaggedResponseList[UntaggedFetch](resp)
	tcompare(t, len(fetches), 1)
	tcompare(t, fetches[0].Seq, uint32(1))
	tcompare(t, fetches[0].Attrs, []FetchAttr{FetchUID(5), FetchBody{RespAttr: "BODY[]", Body: "hello\r\nworld"}})
}

func TestPipeline(t *testing.T) {
	conn := testConn(t, "* OK tern testserver", nil, func(s *testServer) {
		tag1 := s.readtag()
		tag2 := s.readtag()
		// Answer the second command first. Completion must still be reported
		// in queue order.
		s.writeline(tag2 + " OK second")
		s.writeline(tag1 + " OK first")
	})

	cmd1, err := conn.Queuef("noop")
	tcheckf(t, err, "queue first command")
	cmd2, err := conn.Queuef("noop")
	tcheckf(t, err, "queue second command")
	err = conn.Flush()
	tcheckf(t, err, "flush")

	// First line completes the later command, not the head of the queue.
	sres, err := conn.Step()
	tcheckf(t, err, "step")
	tcompare(t, sres, StepContinue)
	tcompare(t, cmd2.Done, true)
	tcompare(t, cmd1.Done, false)

	// Second line completes the head, popping both.
	sres, err = conn.Step()
	tcheckf(t, err, "step")
	tcompare(t, sres, StepOK)
	tcompare(t, cmd1.Done, true)
	tcompare(t, len(conn.cmds), 0)
}

func TestStepDecodeError(t *testing.T) {
	conn := testConn(t, "* OK tern testserver", nil, func(s *testServer) {
		tag := s.readtag()
		// An untagged response we cannot decode. The engine must skip the
		// line and keep the session usable.
		s.writeline("* FROBNICATE 1 2 3")
		s.writeline(tag + " OK done")
	})

	cmd, err := conn.Startf("noop")
	tcheckf(t, err, "start noop")

	sres, err := conn.Step()
	if err == nil {
		t.Fatalf("step with undecodable untagged response succeeded")
	}
	tcompare(t, sres, StepContinue)
	tcompare(t, conn.Broken(), false)

	// The decode error is recorded on the command and returned by Wait, the
	// tagged result is still consumed.
	_, err = conn.Wait(cmd)
	if err == nil {
		t.Fatalf("wait returned nil, expected recorded decode error")
	}
	tcompare(t, err, cmd.Err())
	tcompare(t, cmd.Result.Status, OK)
}

func TestStepUnknownTag(t *testing.T) {
	conn := testConn(t, "* OK tern testserver", nil, func(s *testServer) {
		s.readtag()
		// A tag we never sent. We can no longer tell what the server is
		// answering, the session is beyond recovery.
		s.writeline("z9999 OK hmm")
	})

	_, err := conn.Startf("noop")
	tcheckf(t, err, "start noop")

	_, err = conn.Step()
	if err == nil {
		t.Fatalf("step with unknown tag succeeded")
	}
	tcompare(t, conn.Broken(), true)

	// Further commands fail immediately.
	_, err = conn.Queuef("noop")
	if err == nil {
		t.Fatalf("queueing on broken connection succeeded")
	}
}

func TestInterrupt(t *testing.T) {
	var interrupted atomic.Bool

	conn := testConn(t, "* OK tern testserver", &Opts{Interrupt: interrupted.Load}, func(s *testServer) {
		tag := s.readtag()
		s.writeline(tag + " OK done")
	})

	cmd, err := conn.Queuef("noop")
	tcheckf(t, err, "queue noop")

	// An interrupted wait abandons the command but leaves it outstanding.
	interrupted.Store(true)
	_, err = conn.Wait(cmd)
	if !errors.Is(err, ErrInterrupted) {
		t.Fatalf("got %v, expected ErrInterrupted", err)
	}
	tcompare(t, conn.Broken(), false)

	// The wait can be resumed.
	interrupted.Store(false)
	resp, err := conn.Wait(cmd)
	tcheckf(t, err, "resumed wait")
	tcompare(t, resp.Result.Status, OK)
}

func TestBadResult(t *testing.T) {
	conn := testConn(t, "* OK tern testserver", nil, func(s *testServer) {
		tag := s.readtag()
		s.writeline(tag + " NO [ALERT] not now")

		tag = s.readtag()
		s.writeline(tag + " BAD syntax error")
	})

	resp, err := conn.Exec("noop")
	if err == nil {
		t.Fatalf("command with NO result succeeded")
	}
	// The NO/BAD response doubles as the error.
	var xresp Response
	if !errors.As(err, &xresp) {
		t.Fatalf("got %#v, expected Response as error", err)
	}
	tcompare(t, resp.Result.Status, NO)
	tcompare(t, resp.Result.Code, CodeWord("ALERT"))

	resp, err = conn.Exec("frobnicate")
	if err == nil {
		t.Fatalf("command with BAD result succeeded")
	}
	tcompare(t, resp.Result.Status, BAD)
}

func TestIdle(t *testing.T) {
	conn := testConn(t, "* OK [CAPABILITY IMAP4rev1 IDLE] tern testserver", nil, func(s *testServer) {
		tag := s.readtag()
		s.writeline("+ idling")
		s.writeline("* 2 EXISTS")
		line, err := s.br.ReadString('\n')
		if err != nil {
			s.t.Errorf("server: read done: %s", err)
			return
		}
		if line != "DONE\r\n" {
			s.t.Errorf("server: got %q, expected DONE", line)
		}
		s.writeline(tag + " OK idle done")
	})

	cmd, err := conn.IdleStart()
	tcheckf(t, err, "start idle")

	// Mailbox changes arrive while idling.
	sres, err := conn.Step()
	tcheckf(t, err, "step while idling")
	tcompare(t, sres, StepContinue)
	tcompare(t, conn.TakeUntagged(), []Untagged{UntaggedExists(2)})
	tcompare(t, conn.Exists, uint32(2))

	// Waiting flushes the queued DONE and reads the tagged result.
	resp, err := conn.Wait(cmd)
	tcheckf(t, err, "wait for idle end")
	tcompare(t, resp.Result.Status, OK)
}

func TestIdleRejected(t *testing.T) {
	conn := testConn(t, "* OK [CAPABILITY IMAP4rev1 IDLE] tern testserver", nil, func(s *testServer) {
		tag := s.readtag()
		// A tagged result instead of the continuation go-ahead.
		s.writeline(tag + " NO not in this state")
	})

	_, err := conn.IdleStart()
	if err == nil {
		t.Fatalf("idle start succeeded, expected rejection")
	}
	tcompare(t, conn.Broken(), false)
}

func TestIdleUnsupported(t *testing.T) {
	// No IDLE in the capabilities, the command is refused without IO.
	conn := testConn(t, "* OK [CAPABILITY IMAP4rev1] tern testserver", nil, nil)
	_, err := conn.IdleStart()
	if err == nil {
		t.Fatalf("idle start without IDLE capability succeeded")
	}
}

func TestTagGeneration(t *testing.T) {
	conn := testConn(t, "* OK tern testserver", nil, nil)
	tcompare(t, conn.nextTag(), "a0001")
	tcompare(t, conn.nextTag(), "a0002")
	conn.seq = 9999
	// The sequence wraps before reaching five digits.
	tcompare(t, conn.nextTag(), "a0000")
}
