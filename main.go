// Command tern is a debugging command-line client for the tern IMAP engine:
// it connects to a configured account, authenticates and runs one IMAP
// operation, printing the decoded responses.
package main

import (
	"bufio"
	"crypto/tls"
	"fmt"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"sync/atomic"

	flag "github.com/spf13/pflag"

	"github.com/mjl-/sconf"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ternmail/tern/config"
	"github.com/ternmail/tern/imapclient"
	"github.com/ternmail/tern/imapsearch"
	"github.com/ternmail/tern/mlog"
	"github.com/ternmail/tern/ternvar"
)

func envString(k, def string) string {
	s := os.Getenv(k)
	if s == "" {
		return def
	}
	return s
}

var commands = []struct {
	cmd string
	fn  func(c *cmd)
}{
	{"config describe", cmdConfigDescribe},
	{"config test", cmdConfigTest},
	{"setpassword", cmdSetpassword},
	{"settoken", cmdSettoken},
	{"capability", cmdCapability},
	{"list", cmdList},
	{"status", cmdStatus},
	{"structure", cmdStructure},
	{"fetch", cmdFetch},
	{"search", cmdSearch},
	{"store", cmdStore},
	{"expunge", cmdExpunge},
	{"idle", cmdIdle},
	{"raw", cmdRaw},
	{"version", cmdVersion},

	{"help", cmdHelp},
	{"helpall", cmdHelpall},
}

var cmds []cmd

func init() {
	for _, xc := range commands {
		c := cmd{words: strings.Split(xc.cmd, " "), fn: xc.fn}
		cmds = append(cmds, c)
	}
}

type cmd struct {
	words []string
	fn    func(c *cmd)

	// Set before calling command.
	flag     *flag.FlagSet
	flagArgs []string
	_gather  bool // Set when using Parse to gather usage for a command.

	// Set by invoked command or Parse.
	unlisted bool   // If set, command is not listed until at least some words are matched from command.
	params   string // Arguments to command. Multiple lines possible.
	help     string // Additional explanation. First line is synopsis, the rest is only printed for an explicit help/usage for that command.
	args     []string

	log mlog.Log
}

func (c *cmd) Parse() []string {
	// To gather params and usage information, we just run the command but cause this
	// panic after the command has registered its flags and set its params and help
	// information. This is then caught and that info printed.
	if c._gather {
		panic("gather")
	}

	c.flag.Usage = c.Usage
	c.flag.Parse(c.flagArgs)
	c.args = c.flag.Args()
	return c.args
}

func (c *cmd) gather() {
	c.flag = flag.NewFlagSet("tern "+strings.Join(c.words, " "), flag.ExitOnError)
	c._gather = true
	defer func() {
		x := recover()
		// panic generated by Parse.
		if x != "gather" {
			panic(x)
		}
	}()
	c.fn(c)
}

func (c *cmd) makeUsage() string {
	var r strings.Builder
	cs := "tern " + strings.Join(c.words, " ")
	for i, line := range strings.Split(strings.TrimSpace(c.params), "\n") {
		s := ""
		if i == 0 {
			s = "usage:"
		}
		if line != "" {
			line = " " + line
		}
		fmt.Fprintf(&r, "%6s %s%s\n", s, cs, line)
	}
	c.flag.SetOutput(&r)
	c.flag.PrintDefaults()
	return r.String()
}

func (c *cmd) printUsage() {
	fmt.Fprint(os.Stderr, c.makeUsage())
	if c.help != "" {
		fmt.Fprint(os.Stderr, "\n"+c.help+"\n")
	}
}

func (c *cmd) Usage() {
	c.printUsage()
	os.Exit(2)
}

func cmdHelp(c *cmd) {
	c.params = "[command ...]"
	c.help = `Prints help about matching commands.

If multiple commands match, they are listed along with the first line of their help text.
If a single command matches, its usage and full help text is printed.
`
	args := c.Parse()
	if len(args) == 0 {
		c.Usage()
	}

	prefix := func(l, pre []string) bool {
		if len(pre) > len(l) {
			return false
		}
		return slices.Equal(pre, l[:len(pre)])
	}

	var partial []cmd
	for _, c := range cmds {
		if slices.Equal(c.words, args) {
			c.gather()
			fmt.Print(c.makeUsage())
			if c.help != "" {
				fmt.Print("\n" + c.help + "\n")
			}
			return
		} else if prefix(c.words, args) {
			partial = append(partial, c)
		}
	}
	if len(partial) == 0 {
		fmt.Fprintf(os.Stderr, "%s: unknown command\n", strings.Join(args, " "))
		os.Exit(2)
	}
	for _, c := range partial {
		c.gather()
		line := "tern " + strings.Join(c.words, " ")
		fmt.Printf("%s\n", line)
		if c.help != "" {
			fmt.Printf("\t%s\n", strings.Split(c.help, "\n")[0])
		}
	}
}

func cmdHelpall(c *cmd) {
	c.unlisted = true
	c.help = `Print all detailed usage and help information for all listed commands.

Used to generate documentation.
`
	args := c.Parse()
	if len(args) != 0 {
		c.Usage()
	}

	n := 0
	for _, c := range cmds {
		c.gather()
		if c.unlisted {
			continue
		}
		if n > 0 {
			fmt.Fprintf(os.Stderr, "\n")
		}
		n++

		fmt.Fprintf(os.Stderr, "# tern %s\n\n", strings.Join(c.words, " "))
		if c.help != "" {
			fmt.Fprintln(os.Stderr, c.help+"\n")
		}
		s := c.makeUsage()
		s = "\t" + strings.ReplaceAll(s, "\n", "\n\t")
		fmt.Fprintln(os.Stderr, s)
	}
}

func usage(l []cmd, unlisted bool) {
	var lines []string
	if !unlisted {
		lines = append(lines, "tern [-config tern.conf] [-loglevel level] ...")
	}
	for _, c := range l {
		c.gather()
		if c.unlisted && !unlisted {
			continue
		}
		for _, line := range strings.Split(c.params, "\n") {
			x := append([]string{"tern"}, c.words...)
			if line != "" {
				x = append(x, line)
			}
			lines = append(lines, strings.Join(x, " "))
		}
	}
	for i, line := range lines {
		pre := "       "
		if i == 0 {
			pre = "usage: "
		}
		fmt.Fprintln(os.Stderr, pre+line)
	}
	os.Exit(2)
}

func xcheckf(err error, format string, args ...any) {
	if err == nil {
		return
	}
	log.Fatalf("%s: %s", fmt.Sprintf(format, args...), err)
}

var configPath string
var loglevel string

// interrupted is set on SIGINT, checked by the engine between response reads
// so long-running loops stop cleanly at a line boundary.
var interrupted atomic.Bool

func xloadConfig() config.Config {
	cfg, err := config.ParseFile(configPath)
	xcheckf(err, "loading config")
	return cfg
}

func main() {
	log.SetFlags(0)

	flag.StringVar(&configPath, "config", envString("TERNCONF", filepath.FromSlash("tern.conf")), "configuration file, defaults to $TERNCONF with a fallback to tern.conf")
	flag.StringVar(&loglevel, "loglevel", "", "if non-empty, this log level overrides the one from the config file")
	var metricsAddr string
	flag.StringVar(&metricsAddr, "metrics", "", "if non-empty, address to serve prometheus metrics on while the command runs")

	var cpuprofile, memprofile, tracefile string
	flag.StringVar(&cpuprofile, "cpuprof", "", "store cpu profile to file")
	flag.StringVar(&memprofile, "memprof", "", "store mem profile to file")
	flag.StringVar(&tracefile, "trace", "", "store execution trace to file")

	flag.Usage = func() { usage(cmds, false) }
	flag.Parse()
	args := flag.Args()
	if len(args) == 0 {
		usage(cmds, false)
	}

	if tracefile != "" {
		defer traceExecution(tracefile)()
	}
	defer profile(cpuprofile, memprofile)()

	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		go func() {
			err := http.ListenAndServe(metricsAddr, mux)
			log.Printf("serving metrics: %v", err)
		}()
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)
	go func() {
		for range sig {
			interrupted.Store(true)
		}
	}()

	var partial []cmd
next:
	for _, c := range cmds {
		for i, w := range c.words {
			if i >= len(args) || w != args[i] {
				if i > 0 {
					partial = append(partial, c)
				}
				continue next
			}
		}
		c.flag = flag.NewFlagSet("tern "+strings.Join(c.words, " "), flag.ExitOnError)
		c.flagArgs = args[len(c.words):]
		c.log = mlog.New(c.words[0], xlogger())
		c.fn(&c)
		return
	}
	if len(partial) > 0 {
		usage(partial, true)
	}
	usage(cmds, false)
}

// xlogger returns a logger writing to stderr at the level from the config
// file or the -loglevel flag, trace levels included.
func xlogger() *slog.Logger {
	ll := loglevel
	if ll == "" {
		// The config file may not exist yet, e.g. for "tern config describe".
		if cfg, err := config.ParseFile(configPath); err == nil {
			ll = cfg.LogLevel
		}
	}
	if ll == "" {
		ll = "info"
	}
	level, ok := mlog.Levels[ll]
	if !ok {
		log.Fatalf("unknown loglevel %q", ll)
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func cmdVersion(c *cmd) {
	c.help = "Prints this tern version."
	if len(c.Parse()) != 0 {
		c.Usage()
	}
	fmt.Println(ternvar.Version)
}

func cmdConfigDescribe(c *cmd) {
	c.params = ">tern.conf"
	c.help = `Prints an annotated example configuration file.`
	if len(c.Parse()) != 0 {
		c.Usage()
	}
	err := sconf.Describe(os.Stdout, config.Example())
	xcheckf(err, "describing config")
}

func cmdConfigTest(c *cmd) {
	c.help = `Parses and checks the configuration file.`
	if len(c.Parse()) != 0 {
		c.Usage()
	}
	cfg := xloadConfig()
	fmt.Printf("config OK, %d account(s)\n", len(cfg.Accounts))
}

func xreadSecret(prompt string) string {
	fmt.Fprint(os.Stderr, prompt)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	xcheckf(err, "reading secret from stdin")
	s := strings.TrimRight(line, "\r\n")
	if s == "" {
		log.Fatalf("empty secret")
	}
	return s
}

func cmdSetpassword(c *cmd) {
	c.params = "account"
	c.help = `Store the password for an account in the operating system keyring.

The account must have a Keyring service name configured. The password is read
from stdin.
`
	args := c.Parse()
	if len(args) != 1 {
		c.Usage()
	}
	auth, err := xloadConfig().Auth(args[0])
	xcheckf(err, "looking up account")
	err = auth.StoreSecret("password", xreadSecret("Password: "))
	xcheckf(err, "storing password")
}

func cmdSettoken(c *cmd) {
	c.params = "account"
	c.help = `Store an OAuth2 bearer token for an account in the operating system keyring.

The account must have a Keyring service name configured. The token is read
from stdin. Tokens expire, prefer a TokenCommand that refreshes them.
`
	args := c.Parse()
	if len(args) != 1 {
		c.Usage()
	}
	auth, err := xloadConfig().Auth(args[0])
	xcheckf(err, "looking up account")
	err = auth.StoreSecret("token", xreadSecret("Token: "))
	xcheckf(err, "storing token")
}

// xdial connects to the account, upgrades to TLS as configured and
// authenticates. The caller is responsible for logout/close.
func xdial(c *cmd, account string) *imapclient.Conn {
	cfg := xloadConfig()
	acc, ok := cfg.Accounts[account]
	if !ok {
		log.Fatalf("unknown account %q", account)
	}
	auth, err := cfg.Auth(account)
	xcheckf(err, "credentials for account")

	addr := acc.Address()
	var nc net.Conn
	if acc.TLS {
		nc, err = tls.Dial("tcp", addr, &tls.Config{ServerName: acc.Host})
	} else {
		nc, err = net.Dial("tcp", addr)
	}
	xcheckf(err, "dialing %s", addr)

	opts := imapclient.Opts{
		Logger:         xlogger(),
		Interrupt:      interrupted.Load,
		Pipeline:       acc.Pipeline,
		AssumedCharset: acc.AssumedCharset,
	}
	if acc.ReplyPrefix != "" {
		opts.ReplyPrefix = regexp.MustCompile(acc.ReplyPrefix)
	}
	conn, err := imapclient.New(nc, &opts)
	xcheckf(err, "establishing imap session with %s", addr)

	if acc.STARTTLS {
		_, err := conn.StartTLS(&tls.Config{ServerName: acc.Host})
		xcheckf(err, "starttls with %s", addr)
	}

	if conn.Preauth {
		return conn
	}
	var mechs []imapclient.Mechanism
	if acc.AuthMethod != "" {
		mech, err := imapclient.ParseMechanism(acc.AuthMethod)
		xcheckf(err, "parsing AuthMethod")
		mechs = []imapclient.Mechanism{mech}
	}
	err = conn.Authenticate(auth, mechs...)
	xcheckf(err, "authenticating to %s", addr)
	return conn
}

func xlogout(conn *imapclient.Conn) {
	if !conn.Broken() {
		if _, err := conn.Logout(); err != nil {
			log.Printf("logout: %v", err)
		}
	}
	if err := conn.Close(); err != nil {
		log.Printf("closing connection: %v", err)
	}
}

func cmdCapability(c *cmd) {
	c.params = "account"
	c.help = `Prints the capabilities the server announces after authentication.`
	args := c.Parse()
	if len(args) != 1 {
		c.Usage()
	}
	conn := xdial(c, args[0])
	defer xlogout(conn)

	_, err := conn.Capability()
	xcheckf(err, "capability command")
	for _, cap := range conn.CapAvailable {
		fmt.Println(string(cap))
	}
}

func cmdList(c *cmd) {
	c.params = "[-subscribed] account [pattern]"
	c.help = `Lists mailboxes matching the pattern, default all.

The pattern can contain * (match any) and % (match any except the hierarchy
delimiter). With -subscribed, only subscribed mailboxes are listed.
`
	var subscribed bool
	c.flag.BoolVar(&subscribed, "subscribed", false, "list only subscribed mailboxes, with LSUB")
	args := c.Parse()
	if len(args) != 1 && len(args) != 2 {
		c.Usage()
	}
	pattern := "*"
	if len(args) == 2 {
		pattern = args[1]
	}
	conn := xdial(c, args[0])
	defer xlogout(conn)

	if subscribed {
		resp, err := conn.Lsub(pattern)
		xcheckf(err, "lsub command")
		for _, l := range imapclient.UntaggedResponseList[imapclient.UntaggedLsub](resp) {
			fmt.Printf("%s (%s)\n", imapclient.DecodeMailbox(l.Mailbox), strings.Join(l.Flags, " "))
		}
		return
	}
	resp, err := conn.List(pattern)
	xcheckf(err, "list command")
	for _, l := range imapclient.UntaggedResponseList[imapclient.UntaggedList](resp) {
		fmt.Printf("%s (%s)\n", imapclient.DecodeMailbox(l.Mailbox), strings.Join(l.Flags, " "))
	}
}

func cmdStatus(c *cmd) {
	c.params = "account mailbox"
	c.help = `Prints message counts and UID validity for a mailbox, without selecting it.`
	args := c.Parse()
	if len(args) != 2 {
		c.Usage()
	}
	conn := xdial(c, args[0])
	defer xlogout(conn)

	resp, err := conn.Status(args[1], imapclient.StatusMessages, imapclient.StatusUnseen, imapclient.StatusUIDNext, imapclient.StatusUIDValidity)
	xcheckf(err, "status command")
	st, err := imapclient.UntaggedResponseGet[imapclient.UntaggedStatus](resp)
	xcheckf(err, "missing status response")
	for attr, num := range st.Attrs {
		fmt.Printf("%s %d\n", strings.ToLower(string(attr)), num)
	}
}

func printPart(indent string, p *imapclient.Part) {
	var details []string
	if p.Size >= 0 {
		details = append(details, fmt.Sprintf("size %d", p.Size))
	}
	if p.Encoding != imapclient.Encoding7bit {
		details = append(details, p.Encoding.String())
	}
	if p.Filename != "" {
		details = append(details, fmt.Sprintf("filename %q", p.Filename))
	}
	if cs := p.Param("charset"); cs != "" {
		details = append(details, "charset "+cs)
	}
	d := ""
	if len(details) > 0 {
		d = " (" + strings.Join(details, ", ") + ")"
	}
	fmt.Printf("%s%s/%s%s\n", indent, p.MediaType, p.Subtype, d)
	if p.Envelope != nil {
		fmt.Printf("%s  subject: %s\n", indent, p.Envelope.Subject)
	}
	for _, ch := range p.Children {
		printPart(indent+"  ", ch)
	}
}

func cmdStructure(c *cmd) {
	c.params = "account mailbox uidset"
	c.help = `Prints the decoded MIME structure of messages, from BODYSTRUCTURE.

No message data is downloaded, only the structure as reported by the server.
`
	args := c.Parse()
	if len(args) != 3 {
		c.Usage()
	}
	conn := xdial(c, args[0])
	defer xlogout(conn)

	_, err := conn.Examine(args[1])
	xcheckf(err, "examine mailbox")
	resp, err := conn.UIDFetch(args[2], "(UID BODYSTRUCTURE)")
	xcheckf(err, "fetch command")
	for _, f := range imapclient.UntaggedResponseList[imapclient.UntaggedFetch](resp) {
		var uid uint32
		var part *imapclient.Part
		for _, attr := range f.Attrs {
			switch a := attr.(type) {
			case imapclient.FetchUID:
				uid = uint32(a)
			case imapclient.FetchBodystructure:
				part = a.Body
			}
		}
		fmt.Printf("uid %d:\n", uid)
		if part != nil {
			printPart("  ", part)
		}
	}
}

func cmdFetch(c *cmd) {
	c.params = "account mailbox uid [section]"
	c.help = `Writes a message, or one body section of it, to stdout.

The section is a BODY[] section specification, e.g. 1.2 or HEADER, default the
whole message.
`
	args := c.Parse()
	if len(args) != 3 && len(args) != 4 {
		c.Usage()
	}
	section := ""
	if len(args) == 4 {
		section = args[3]
	}
	conn := xdial(c, args[0])
	defer xlogout(conn)

	_, err := conn.Examine(args[1])
	xcheckf(err, "examine mailbox")
	resp, err := conn.UIDFetch(args[2], fmt.Sprintf("BODY.PEEK[%s]", section))
	xcheckf(err, "fetch command")
	for _, f := range imapclient.UntaggedResponseList[imapclient.UntaggedFetch](resp) {
		for _, attr := range f.Attrs {
			if b, ok := attr.(imapclient.FetchBody); ok {
				_, err := os.Stdout.WriteString(b.Body)
				xcheckf(err, "writing to stdout")
			}
		}
	}
}

func cmdSearch(c *cmd) {
	c.params = "[-or] [-not] [-body substr] [-header 'Name: value'] [-text substr] [-raw query] account mailbox"
	c.help = `Searches a mailbox server-side, printing matching UIDs.

Criteria given multiple times are combined, by default all must match, with
-or at least one. -raw sends a server-specific query (X-GM-RAW) and requires
the server to announce X-GM-EXT-1.
`
	var useOr, not bool
	var bodies, headers, texts, raws []string
	c.flag.BoolVar(&useOr, "or", false, "any criterion matching is enough")
	c.flag.BoolVar(&not, "not", false, "negate the whole search")
	c.flag.StringArrayVar(&bodies, "body", nil, "substring to search in message bodies")
	c.flag.StringArrayVar(&headers, "header", nil, "header to match, as 'Name: value'")
	c.flag.StringArrayVar(&texts, "text", nil, "substring to search in whole messages")
	c.flag.StringArrayVar(&raws, "raw", nil, "raw server-side query")
	args := c.Parse()
	if len(args) != 2 {
		c.Usage()
	}

	var children []*imapsearch.Pattern
	add := func(op imapsearch.Op, l []string) {
		for _, s := range l {
			children = append(children, &imapsearch.Pattern{Op: op, Match: s})
		}
	}
	add(imapsearch.OpBody, bodies)
	add(imapsearch.OpHeader, headers)
	add(imapsearch.OpWholeMsg, texts)
	add(imapsearch.OpServerQuery, raws)
	if len(children) == 0 {
		log.Fatalf("no search criteria")
	}
	op := imapsearch.OpAnd
	if useOr {
		op = imapsearch.OpOr
	}
	pat := &imapsearch.Pattern{Op: op, Not: not, Children: children}

	conn := xdial(c, args[0])
	defer xlogout(conn)

	_, err := conn.Examine(args[1])
	xcheckf(err, "examine mailbox")
	uids, requested, err := conn.UIDSearchPattern(pat)
	xcheckf(err, "search command")
	if !requested {
		fmt.Fprintln(os.Stderr, "nothing to ask the server, all criteria are local")
		return
	}
	for _, uid := range uids {
		fmt.Println(uid)
	}
}

func cmdStore(c *cmd) {
	c.params = "[-clear] account mailbox uidset flag..."
	c.help = `Adds flags to messages, e.g. \Seen or a custom keyword, or removes them with -clear.`
	var clear bool
	c.flag.BoolVar(&clear, "clear", false, "remove the flags instead of adding them")
	args := c.Parse()
	if len(args) < 4 {
		c.Usage()
	}
	conn := xdial(c, args[0])
	defer xlogout(conn)

	_, err := conn.Select(args[1])
	xcheckf(err, "select mailbox")
	if clear {
		_, err = conn.UIDStoreFlagsClear(args[2], true, args[3:]...)
	} else {
		_, err = conn.UIDStoreFlagsAdd(args[2], true, args[3:]...)
	}
	xcheckf(err, "store command")
}

func cmdExpunge(c *cmd) {
	c.params = "account mailbox"
	c.help = `Permanently removes messages marked \Deleted from a mailbox.`
	args := c.Parse()
	if len(args) != 2 {
		c.Usage()
	}
	conn := xdial(c, args[0])
	defer xlogout(conn)

	_, err := conn.Select(args[1])
	xcheckf(err, "select mailbox")
	_, err = conn.Expunge()
	xcheckf(err, "expunge command")
}

func cmdIdle(c *cmd) {
	c.params = "account mailbox"
	c.help = `Idles on a mailbox, printing changes as the server announces them.

Stop with ctrl-c, the idle is then ended cleanly with DONE before logout.
`
	args := c.Parse()
	if len(args) != 2 {
		c.Usage()
	}
	conn := xdial(c, args[0])
	defer xlogout(conn)

	_, err := conn.Select(args[1])
	xcheckf(err, "select mailbox")
	idle, err := conn.IdleStart()
	xcheckf(err, "idle command")
	c.log.Info("idling", slog.String("mailbox", args[1]))

	// A ctrl-c flushes the queued DONE while the read below is blocked. The
	// server then sends the tagged result, ending the loop.
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt)
	defer signal.Stop(stop)
	go func() {
		<-stop
		if err := conn.Flush(); err != nil {
			c.log.Errorx("ending idle", err)
		}
	}()

	for !idle.Done {
		if _, err := conn.Step(); err != nil {
			if conn.Broken() {
				xcheckf(err, "reading while idling")
			}
			c.log.Errorx("decoding response while idling", err)
		}
		for _, ut := range conn.TakeUntagged() {
			fmt.Printf("%#v\n", ut)
		}
	}
	if idle.Result.Status != imapclient.OK {
		xcheckf(idle.Result, "ending idle")
	}
}

func cmdRaw(c *cmd) {
	c.params = "account command..."
	c.help = `Sends a raw IMAP command and prints its untagged responses and result.

The tag is added automatically. Example:

	tern raw work select inbox
`
	args := c.Parse()
	if len(args) < 2 {
		c.Usage()
	}
	conn := xdial(c, args[0])
	defer xlogout(conn)

	resp, err := conn.Exec("%s", strings.Join(args[1:], " "))
	for _, ut := range resp.Untagged {
		fmt.Printf("%#v\n", ut)
	}
	if resp.Result.Status != "" {
		fmt.Printf("%s\n", resp.Result.Error())
	} else {
		xcheckf(err, "executing command")
	}
}
