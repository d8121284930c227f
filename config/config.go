// Package config holds the configuration file format for tern: the IMAP
// accounts to connect to and how to authenticate to them.
//
// The configuration file is in sconf format, see
// https://pkg.go.dev/github.com/mjl-/sconf. An annotated example is printed
// with "tern config describe".
package config

import (
	"fmt"
	"regexp"

	"github.com/mjl-/sconf"
)

// Config is the parsed form of the tern.conf configuration file.
type Config struct {
	LogLevel string             `sconf:"optional" sconf-doc:"Default log level, one of: error, warn, info, debug, trace, traceauth, tracedata. Trace logs IMAP protocol transcripts, traceauth also the messages carrying passwords, tracedata on top of that the bulk message data."`
	Accounts map[string]Account `sconf-doc:"Accounts to connect to, keyed by a short name used on the command line."`
}

// Account is the configuration of one IMAP account: where to connect and
// which credentials to present.
type Account struct {
	Host            string `sconf-doc:"Host to dial, e.g. imap.<domain>."`
	Port            int    `sconf:"optional" sconf-doc:"Port to dial. The default is 993 with TLS, 143 otherwise."`
	TLS             bool   `sconf:"optional" sconf-doc:"Connect with immediate TLS. Usually for connections to port 993."`
	STARTTLS        bool   `sconf:"optional" sconf-doc:"After connecting in plain text, use STARTTLS to enable TLS. For port 143."`
	Username        string `sconf:"optional" sconf-doc:"Username to authenticate as. Leave empty for anonymous IMAP."`
	Password        string `sconf:"optional" sconf-doc:"Password in plain text. Prefer PasswordCommand or Keyring, config files end up in backups."`
	PasswordCommand string `sconf:"optional" sconf-doc:"Shell command that prints the password on stdout, e.g. invoking a password manager."`
	TokenCommand    string `sconf:"optional" sconf-doc:"Shell command that prints an OAuth2 bearer token on stdout, for the OAUTHBEARER and XOAUTH2 mechanisms, e.g. invoking an oauth helper that refreshes the token."`
	Keyring         string `sconf:"optional" sconf-doc:"Service name for looking up secrets in the operating system keyring. The item named <account>-password holds the password, <account>-token an OAuth2 bearer token. Store them with \"tern setpassword\"."`
	AuthMethod      string `sconf:"optional" sconf-doc:"If set, only attempt this authentication mechanism, e.g. SCRAM-SHA-256. If not set, any mutually supported mechanism can be used, in order of most to least secure."`
	AssumedCharset  string `sconf:"optional" sconf-doc:"Charset assumed for text parts the server reports without a charset parameter. The default is us-ascii."`
	ReplyPrefix     string `sconf:"optional" sconf-doc:"Regular expression matching subject reply prefixes, stripped to get the real subject. The default matches re:, aw: and sv:, optionally numbered and repeated."`
	Pipeline        int    `sconf:"optional" sconf-doc:"Maximum number of commands outstanding on the connection before issuing another first drains it. The default is 15."`
}

// Example returns a configuration with example values, for "tern config
// describe".
func Example() Config {
	return Config{
		LogLevel: "info",
		Accounts: map[string]Account{
			"work": {
				Host:     "imap.example.com",
				TLS:      true,
				Username: "mjl@example.com",
				Keyring:  "tern",
			},
		},
	}
}

// ParseFile reads and checks the configuration file at path.
func ParseFile(path string) (Config, error) {
	var cfg Config
	if err := sconf.ParseFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing %s: %w", path, err)
	}
	if err := cfg.Check(); err != nil {
		return Config{}, fmt.Errorf("checking %s: %w", path, err)
	}
	return cfg, nil
}

// Check verifies the configuration beyond what the sconf format enforces.
func (cfg Config) Check() error {
	if len(cfg.Accounts) == 0 {
		return fmt.Errorf("no accounts configured")
	}
	for name, acc := range cfg.Accounts {
		if acc.Host == "" {
			return fmt.Errorf("account %s: missing host", name)
		}
		if acc.TLS && acc.STARTTLS {
			return fmt.Errorf("account %s: TLS and STARTTLS are mutually exclusive", name)
		}
		if acc.ReplyPrefix != "" {
			if _, err := regexp.Compile(acc.ReplyPrefix); err != nil {
				return fmt.Errorf("account %s: compiling reply prefix: %w", name, err)
			}
		}
	}
	return nil
}

// Address returns the host:port to dial for the account, applying the default
// port for the configured TLS mode.
func (acc Account) Address() string {
	port := acc.Port
	if port == 0 {
		if acc.TLS {
			port = 993
		} else {
			port = 143
		}
	}
	return fmt.Sprintf("%s:%d", acc.Host, port)
}
