package config

import (
	"fmt"
	"os/exec"
	"strings"

	"github.com/99designs/keyring"
)

// Auth resolves credentials for one account, implementing the credential
// provider interface of the imapclient package. Secrets are looked up lazily,
// in order: the static config value, the configured command, the operating
// system keyring. A resolved secret is cached for the lifetime of the Auth, a
// password manager should not be prompting once per mechanism attempt.
type Auth struct {
	Name string // Account name, used as keyring item prefix.
	Account

	password string
	token    string
}

// Auth returns a credential provider for the named account.
func (cfg Config) Auth(name string) (*Auth, error) {
	acc, ok := cfg.Accounts[name]
	if !ok {
		return nil, fmt.Errorf("unknown account %q", name)
	}
	return &Auth{Name: name, Account: acc}, nil
}

// Username returns the configured username. An empty username is valid, it
// selects anonymous IMAP.
func (a *Auth) Username() (string, error) {
	return a.Account.Username, nil
}

// Password returns the account password, resolving it on first use.
func (a *Auth) Password() (string, error) {
	if a.password != "" {
		return a.password, nil
	}
	switch {
	case a.Account.Password != "":
		a.password = a.Account.Password
	case a.Account.PasswordCommand != "":
		s, err := runSecretCommand(a.Account.PasswordCommand)
		if err != nil {
			return "", fmt.Errorf("password command: %w", err)
		}
		a.password = s
	case a.Account.Keyring != "":
		s, err := a.keyringGet(a.Name + "-password")
		if err != nil {
			return "", err
		}
		a.password = s
	default:
		return "", fmt.Errorf("account %s: no password source configured", a.Name)
	}
	return a.password, nil
}

// Token returns an OAuth2 bearer token for the account, resolving it on first
// use.
func (a *Auth) Token() (string, error) {
	if a.token != "" {
		return a.token, nil
	}
	switch {
	case a.Account.TokenCommand != "":
		s, err := runSecretCommand(a.Account.TokenCommand)
		if err != nil {
			return "", fmt.Errorf("token command: %w", err)
		}
		a.token = s
	case a.Account.Keyring != "":
		s, err := a.keyringGet(a.Name + "-token")
		if err != nil {
			return "", err
		}
		a.token = s
	default:
		return "", fmt.Errorf("account %s: no token source configured", a.Name)
	}
	return a.token, nil
}

// StoreSecret writes a secret to the account's keyring, under the item name
// "<account>-<kind>", e.g. work-password. Used by "tern setpassword".
func (a *Auth) StoreSecret(kind, value string) error {
	ring, err := a.openKeyring()
	if err != nil {
		return err
	}
	err = ring.Set(keyring.Item{Key: a.Name + "-" + kind, Data: []byte(value)})
	if err != nil {
		return fmt.Errorf("storing %s in keyring: %w", kind, err)
	}
	return nil
}

func (a *Auth) keyringGet(key string) (string, error) {
	ring, err := a.openKeyring()
	if err != nil {
		return "", err
	}
	item, err := ring.Get(key)
	if err != nil {
		return "", fmt.Errorf("getting %s from keyring: %w", key, err)
	}
	return string(item.Data), nil
}

func (a *Auth) openKeyring() (keyring.Keyring, error) {
	if a.Account.Keyring == "" {
		return nil, fmt.Errorf("account %s: no keyring service configured", a.Name)
	}
	ring, err := keyring.Open(keyring.Config{
		ServiceName: a.Account.Keyring,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.KWalletBackend,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return ring, nil
}

// runSecretCommand runs a shell command and returns its output with trailing
// whitespace stripped, the way password managers print secrets.
func runSecretCommand(command string) (string, error) {
	out, err := exec.Command("/bin/sh", "-c", command).Output()
	if err != nil {
		return "", fmt.Errorf("running %q: %w", command, err)
	}
	s := strings.TrimRight(string(out), " \t\r\n")
	if s == "" {
		return "", fmt.Errorf("command %q printed no secret", command)
	}
	return s, nil
}
