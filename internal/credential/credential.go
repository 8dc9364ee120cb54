package credential

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/term"
)

// Provider supplies SSH authentication methods. Secrets are read from
// where the operator keeps them; nothing is generated or stored.
type Provider interface {
	AuthMethods() ([]ssh.AuthMethod, error)
}

// Options selects which providers New chains together
type Options struct {
	SSHKeyFile     string
	PassphraseFile string
	PasswordFile   string
	UseAgent       bool
	// AgentSocket overrides SSH_AUTH_SOCK.
	AgentSocket    string
	PromptPassword bool
	PromptLabel    string
}

// New builds a provider chain from opts, in the order key file, agent,
// password file, prompt.
func New(opts Options) (Provider, error) {
	var chain Chain
	if opts.SSHKeyFile != "" {
		chain = append(chain, &KeyFile{Path: opts.SSHKeyFile, PassphraseFile: opts.PassphraseFile})
	}
	if opts.UseAgent {
		chain = append(chain, &Agent{Socket: opts.AgentSocket})
	}
	if opts.PasswordFile != "" {
		chain = append(chain, &PasswordFile{Path: opts.PasswordFile})
	}
	if opts.PromptPassword {
		chain = append(chain, &Prompt{Label: opts.PromptLabel, In: os.Stdin, Out: os.Stderr})
	}
	if len(chain) == 0 {
		return nil, errors.New("no authentication method configured")
	}
	return chain, nil
}

// Chain offers the credentials of every provider in order. The SSH client
// tries each method type only once, so all keys are merged into a single
// public key method and all passwords into a single password method that
// moves to the next source after a rejection.
type Chain []Provider

// signerSource is a provider whose keys can be merged with other keys
type signerSource interface {
	signers() (func() ([]ssh.Signer, error), error)
}

// passwordSource is a provider whose password can be retried with others
type passwordSource interface {
	password() (func() (string, error), error)
}

// AuthMethods implements Provider
func (c Chain) AuthMethods() ([]ssh.AuthMethod, error) {
	var (
		keys      []func() ([]ssh.Signer, error)
		passwords []func() (string, error)
		others    []ssh.AuthMethod
	)
	for _, p := range c {
		switch src := p.(type) {
		case signerSource:
			cb, err := src.signers()
			if err != nil {
				return nil, err
			}
			keys = append(keys, cb)
		case passwordSource:
			cb, err := src.password()
			if err != nil {
				return nil, err
			}
			passwords = append(passwords, cb)
		default:
			m, err := p.AuthMethods()
			if err != nil {
				return nil, err
			}
			others = append(others, m...)
		}
	}

	var methods []ssh.AuthMethod
	if len(keys) > 0 {
		methods = append(methods, ssh.PublicKeysCallback(mergeSigners(keys)))
	}
	if len(passwords) > 0 {
		methods = append(methods, ssh.RetryableAuthMethod(ssh.PasswordCallback(nextPassword(passwords)), len(passwords)))
	}
	return append(methods, others...), nil
}

// mergeSigners concatenates the keys of every source. A failing source is
// skipped as long as another one yields keys.
func mergeSigners(sources []func() ([]ssh.Signer, error)) func() ([]ssh.Signer, error) {
	return func() ([]ssh.Signer, error) {
		var (
			all  []ssh.Signer
			errs []error
		)
		for _, src := range sources {
			signers, err := src()
			if err != nil {
				errs = append(errs, err)
				continue
			}
			all = append(all, signers...)
		}
		if len(all) == 0 && len(errs) > 0 {
			return nil, errors.Join(errs...)
		}
		return all, nil
	}
}

// nextPassword returns each source's password in turn, one per attempt
func nextPassword(sources []func() (string, error)) func() (string, error) {
	next := 0
	return func() (string, error) {
		if next >= len(sources) {
			return "", errors.New("no password source left")
		}
		src := sources[next]
		next++
		return src()
	}
}

// KeyFile authenticates with a private key, optionally encrypted
type KeyFile struct {
	Path           string
	PassphraseFile string
}

// AuthMethods implements Provider
func (k *KeyFile) AuthMethods() ([]ssh.AuthMethod, error) {
	cb, err := k.signers()
	if err != nil {
		return nil, err
	}
	return []ssh.AuthMethod{ssh.PublicKeysCallback(cb)}, nil
}

func (k *KeyFile) signers() (func() ([]ssh.Signer, error), error) {
	pem, err := os.ReadFile(k.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to read SSH key file: %w", err)
	}

	signer, err := ssh.ParsePrivateKey(pem)
	var missing *ssh.PassphraseMissingError
	if errors.As(err, &missing) {
		if k.PassphraseFile == "" {
			return nil, fmt.Errorf("SSH key %s is encrypted and no passphrase file is configured", k.Path)
		}
		passphrase, readErr := readSecret(k.PassphraseFile)
		if readErr != nil {
			return nil, fmt.Errorf("failed to read passphrase file: %w", readErr)
		}
		signer, err = ssh.ParsePrivateKeyWithPassphrase(pem, []byte(passphrase))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse SSH key %s: %w", k.Path, err)
	}

	return func() ([]ssh.Signer, error) {
		return []ssh.Signer{signer}, nil
	}, nil
}

// PasswordFile authenticates with a password kept in a file
type PasswordFile struct {
	Path string
}

// AuthMethods implements Provider
func (p *PasswordFile) AuthMethods() ([]ssh.AuthMethod, error) {
	cb, err := p.password()
	if err != nil {
		return nil, err
	}
	return []ssh.AuthMethod{ssh.PasswordCallback(cb)}, nil
}

func (p *PasswordFile) password() (func() (string, error), error) {
	password, err := readSecret(p.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to read password file: %w", err)
	}
	if password == "" {
		return nil, fmt.Errorf("password file %s is empty", p.Path)
	}
	return func() (string, error) {
		return password, nil
	}, nil
}

// Agent authenticates with the keys held by a running ssh-agent
type Agent struct {
	Socket string
}

// AuthMethods implements Provider. The agent connection stays open for
// the lifetime of the process.
func (a *Agent) AuthMethods() ([]ssh.AuthMethod, error) {
	cb, err := a.signers()
	if err != nil {
		return nil, err
	}
	return []ssh.AuthMethod{ssh.PublicKeysCallback(cb)}, nil
}

func (a *Agent) signers() (func() ([]ssh.Signer, error), error) {
	socket := a.Socket
	if socket == "" {
		socket = os.Getenv("SSH_AUTH_SOCK")
	}
	if socket == "" {
		return nil, errors.New("ssh-agent requested but SSH_AUTH_SOCK is not set")
	}

	conn, err := net.Dial("unix", socket)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ssh-agent: %w", err)
	}

	return agent.NewClient(conn).Signers, nil
}

// Prompt asks for a password on the terminal when the server requests one
type Prompt struct {
	Label string
	In    *os.File
	Out   io.Writer
}

// AuthMethods implements Provider
func (p *Prompt) AuthMethods() ([]ssh.AuthMethod, error) {
	cb, err := p.password()
	if err != nil {
		return nil, err
	}
	return []ssh.AuthMethod{ssh.PasswordCallback(cb)}, nil
}

func (p *Prompt) password() (func() (string, error), error) {
	fd := int(p.In.Fd())
	if !term.IsTerminal(fd) {
		return nil, errors.New("password prompt requested but stdin is not a terminal")
	}

	return func() (string, error) {
		label := p.Label
		if label == "" {
			label = "SSH"
		}
		_, _ = fmt.Fprintf(p.Out, "%s password: ", label)
		secret, err := term.ReadPassword(fd)
		_, _ = fmt.Fprintln(p.Out)
		if err != nil {
			return "", fmt.Errorf("failed to read password: %w", err)
		}
		return string(secret), nil
	}, nil
}

// readSecret returns the file content without surrounding whitespace
func readSecret(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}
