package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/guardian/prism/internal/fanout"
	"github.com/guardian/prism/internal/prism"
	"github.com/guardian/prism/internal/query"
	"github.com/guardian/prism/internal/ssh/knownhosts"
	"github.com/guardian/prism/internal/ssh/sshconfig"
	"github.com/guardian/prism/internal/ssh/transport"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/ssh"
)

type sshOptions struct {
	user                  string
	command               string
	insecureIgnoreHostKey bool
}

func newSSHCmd(a *app) *cobra.Command {
	var opts sshOptions
	cmd := &cobra.Command{
		Use:     "ssh [filter...] [-- command...]",
		Aliases: []string{"exec"},
		Short:   "Run a command on every matching host",
		Long: fmt.Sprintf(`Run a command over SSH on every host matching the filters.

The login user is --user if given, otherwise the User from ~/.ssh/config for
the host, otherwise the local user. Runs on more than %d hosts ask for
confirmation first.`, fanout.Threshold),
		Example: `  marauder ssh stage=PROD stack=frontend article -- uptime
  marauder exec -u ubuntu -c 'df -h /' stage=CODE`,
		Args: cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			filters, words := splitAtDash(args, cmd.ArgsLenAtDash())
			command := opts.command
			if command == "" {
				command = strings.Join(words, " ")
			}
			return a.ssh(cmd, filters, command, opts)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&opts.user, "user", "u", "", "remote user (overrides ~/.ssh/config)")
	f.StringVarP(&opts.command, "cmd", "c", "", "command to run (takes precedence over words after --)")
	// Read in setup, where they override the config file.
	f.Int("parallel", fanout.DefaultConcurrency, "maximum concurrent sessions")
	f.Duration("timeout", fanout.DefaultSessionTimeout, "timeout for each remote session")
	f.Bool("strict-host-key-checking", false, "refuse hosts missing from known_hosts instead of recording their key")
	f.BoolVar(&opts.insecureIgnoreHostKey, "insecure-ignore-host-key", false, "do not verify host keys")
	return cmd
}

func splitAtDash(args []string, dash int) (filters, words []string) {
	if dash < 0 {
		return args, nil
	}
	return args[:dash], args[dash:]
}

func (a *app) ssh(cmd *cobra.Command, filters []string, command string, opts sshOptions) error {
	if err := fanout.ValidateCommand(command); err != nil {
		return err
	}

	q, err := query.Compile(filters)
	if err != nil {
		return err
	}
	res, err := a.discover(cmd.Context(), prism.Kinds, q)
	if err != nil {
		return err
	}
	if len(res.Records) == 0 {
		fmt.Fprintln(a.stderr, "No hosts found")
		return nil
	}

	addresses := make([]string, 0, len(res.Records))
	for _, rec := range res.Records {
		if addr := rec.Address(); addr != "" {
			addresses = append(addresses, addr)
		} else {
			a.logger.Warn().Str("kind", string(rec.Kind())).Msg("Skipping record without a DNS name")
		}
	}

	tr, closer, err := a.newTransport(a, opts)
	if err != nil {
		return err
	}
	defer closer.Close()

	exec := fanout.New(tr, fanout.Options{
		User:           opts.user,
		Users:          a.newUsers(a),
		Confirmer:      a.newConfirmer(a),
		Concurrency:    a.cfg.Parallel,
		SessionTimeout: a.cfg.SSHTimeout,
		Out:            a.stdout,
		Notices:        a.stderr,
		Logger:         a.logger.With().Str("component", "fanout").Logger(),
		Metrics:        a.metrics,
	})
	report, err := exec.Run(cmd.Context(), command, addresses)
	if err != nil {
		return err
	}

	if failed := report.Failed(); len(failed) > 0 {
		names := make([]string, len(failed))
		for i, f := range failed {
			names[i] = f.Target.Address
		}
		fmt.Fprintf(a.stderr, "%d of %d hosts failed: %s\n", len(failed), len(report.Results), strings.Join(names, ", "))
	}
	return report.Err()
}

func newSSHTransport(a *app, opts sshOptions) (fanout.Transport, io.Closer, error) {
	var (
		hostKeys   ssh.HostKeyCallback
		algorithms func(string) []string
	)
	if !opts.insecureIgnoreHostKey {
		checker, err := knownhosts.New(a.cfg.KnownHosts,
			knownhosts.WithLogger(a.logger),
			knownhosts.WithAcceptNew(!a.cfg.StrictHostKeyChecking),
		)
		if err != nil {
			return nil, nil, err
		}
		hostKeys = checker.HostKeyCallback()
		algorithms = checker.HostKeyAlgorithms
	}

	tr, err := transport.New(transport.Config{
		IdentityFiles:         a.cfg.IdentityFiles,
		HostKeyCallback:       hostKeys,
		HostKeyAlgorithms:     algorithms,
		InsecureIgnoreHostKey: opts.insecureIgnoreHostKey,
		Dial:                  a.dialer.DialContext,
		Logger:                a.logger.With().Str("component", "ssh").Logger(),
	})
	if err != nil {
		return nil, nil, err
	}
	return tr, tr, nil
}

func newTerminalConfirmer(a *app) fanout.Confirmer {
	return fanout.NewTerminalConfirmer(a.stdin, a.stderr)
}

func newSSHConfigUsers(a *app) fanout.UserLookup {
	return sshconfig.LoadOrEmpty(a.cfg.SSHConfig, a.logger)
}
