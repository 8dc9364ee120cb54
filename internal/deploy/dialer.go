package deploy

import (
	"context"

	"github.com/schaermu/pushdeploy/internal/config"
	"github.com/schaermu/pushdeploy/internal/credential"
	"github.com/schaermu/pushdeploy/internal/remote"
)

// NewSSHDialer returns a Dialer for the configured target. Credentials and
// the host key policy are resolved at dial time, so a password prompt only
// appears once the bundle is built. promptPassword adds the terminal prompt
// to the configured auth methods.
func NewSSHDialer(cfg *config.Config, promptPassword bool) Dialer {
	return DialerFunc(func(ctx context.Context) (remote.Session, error) {
		target := remote.Target{
			Host:           cfg.Target.Host,
			Port:           cfg.Target.Port,
			User:           cfg.Target.User,
			ConnectTimeout: cfg.Target.ConnectTimeout,
			CommandTimeout: cfg.Target.CommandTimeout,
		}

		opts := cfg.CredentialOptions()
		if promptPassword {
			opts.PromptPassword = true
		}
		provider, err := credential.New(opts)
		if err != nil {
			return nil, &remote.ConnectionError{Addr: target.Addr(), Err: err}
		}
		if target.Auth, err = provider.AuthMethods(); err != nil {
			return nil, &remote.ConnectionError{Addr: target.Addr(), Err: err}
		}

		target.HostKey, err = remote.HostKeyCallback(cfg.Target.KnownHostsFile, cfg.Target.InsecureIgnoreHostKey)
		if err != nil {
			return nil, &remote.ConnectionError{Addr: target.Addr(), Err: err}
		}

		sess, err := remote.Dial(ctx, target)
		if err != nil {
			return nil, err
		}
		return sess, nil
	})
}
