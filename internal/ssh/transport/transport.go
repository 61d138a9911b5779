// Package transport runs commands on remote hosts over SSH.
package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/guardian/prism/internal/netutil"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
)

const (
	DefaultPort           = 22
	DefaultConnectTimeout = 15 * time.Second
)

// ExitError reports a command that ran but exited non-zero.
type ExitError struct {
	Host   string
	Status int
	Signal string
}

func (e *ExitError) Error() string {
	if e.Signal != "" {
		return fmt.Sprintf("remote command on %s killed by signal %s", e.Host, e.Signal)
	}
	return fmt.Sprintf("remote command on %s exited with status %d", e.Host, e.Status)
}

// ExitStatus returns the remote exit status.
func (e *ExitError) ExitStatus() int {
	return e.Status
}

// Config configures a Transport.
type Config struct {
	Port int
	// IdentityFiles are private keys tried after the agent. Unreadable or
	// passphrase-protected files are skipped.
	IdentityFiles []string
	// AgentSocket defaults to $SSH_AUTH_SOCK.
	AgentSocket     string
	HostKeyCallback ssh.HostKeyCallback
	// HostKeyAlgorithms limits negotiation to the key types the host key
	// callback can verify for "host:port". Nil or an empty result leaves
	// the client defaults.
	HostKeyAlgorithms func(address string) []string
	// InsecureIgnoreHostKey disables host key checking.
	InsecureIgnoreHostKey bool
	ConnectTimeout        time.Duration
	Dial                  netutil.DialFunc
	Logger                zerolog.Logger
}

// Transport opens one SSH connection per Execute call.
type Transport struct {
	port              int
	hostKeyCallback   ssh.HostKeyCallback
	hostKeyAlgorithms func(address string) []string
	connectTimeout    time.Duration
	dial              netutil.DialFunc
	logger            zerolog.Logger

	signers   []ssh.Signer
	agent     agent.ExtendedAgent
	agentConn net.Conn
}

// New loads credentials and returns a Transport. It fails when no host key
// policy is configured or no credentials are available.
func New(cfg Config) (*Transport, error) {
	t := &Transport{
		port:              cfg.Port,
		hostKeyCallback:   cfg.HostKeyCallback,
		hostKeyAlgorithms: cfg.HostKeyAlgorithms,
		connectTimeout:    cfg.ConnectTimeout,
		dial:              cfg.Dial,
		logger:            cfg.Logger,
	}
	if t.port <= 0 {
		t.port = DefaultPort
	}
	if t.connectTimeout <= 0 {
		t.connectTimeout = DefaultConnectTimeout
	}
	if t.dial == nil {
		t.dial = netutil.NewDialer(t.connectTimeout).DialContext
	}
	if cfg.InsecureIgnoreHostKey {
		t.logger.Warn().Msg("Host key checking disabled")
		t.hostKeyCallback = ssh.InsecureIgnoreHostKey()
		t.hostKeyAlgorithms = nil
	}
	if t.hostKeyCallback == nil {
		return nil, errors.New("ssh transport: no host key callback configured")
	}

	socket := cfg.AgentSocket
	if socket == "" {
		socket = os.Getenv("SSH_AUTH_SOCK")
	}
	if socket != "" {
		conn, err := net.Dial("unix", socket)
		if err != nil {
			t.logger.Debug().Err(err).Str("socket", socket).Msg("ssh-agent unavailable")
		} else {
			t.agentConn = conn
			t.agent = agent.NewClient(conn)
		}
	}

	for _, path := range cfg.IdentityFiles {
		signer, err := loadIdentity(path)
		if err != nil {
			t.logger.Debug().Err(err).Str("identity", path).Msg("Skipping identity file")
			continue
		}
		t.signers = append(t.signers, signer)
	}

	if t.agent == nil && len(t.signers) == 0 {
		return nil, errors.New("ssh transport: no credentials available: start ssh-agent or configure identity-files")
	}
	return t, nil
}

func loadIdentity(path string) (ssh.Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	signer, err := ssh.ParsePrivateKey(data)
	if err != nil {
		var missing *ssh.PassphraseMissingError
		if errors.As(err, &missing) {
			return nil, fmt.Errorf("%s is passphrase protected; add it to ssh-agent", path)
		}
		return nil, err
	}
	return signer, nil
}

// Close releases the agent connection.
func (t *Transport) Close() error {
	if t.agentConn != nil {
		return t.agentConn.Close()
	}
	return nil
}

func (t *Transport) authSigners() ([]ssh.Signer, error) {
	var signers []ssh.Signer
	if t.agent != nil {
		agentSigners, err := t.agent.Signers()
		if err != nil {
			t.logger.Debug().Err(err).Msg("Failed to list ssh-agent keys")
		}
		signers = append(signers, agentSigners...)
	}
	return append(signers, t.signers...), nil
}

func (t *Transport) clientConfig(user, addr string) *ssh.ClientConfig {
	cfg := &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{ssh.PublicKeysCallback(t.authSigners)},
		HostKeyCallback: t.hostKeyCallback,
		Timeout:         t.connectTimeout,
	}
	if t.hostKeyAlgorithms != nil {
		if algos := t.hostKeyAlgorithms(addr); len(algos) > 0 {
			cfg.HostKeyAlgorithms = algos
		}
	}
	return cfg
}

func (t *Transport) hostPort(address string) string {
	if _, _, err := net.SplitHostPort(address); err == nil {
		return address
	}
	return net.JoinHostPort(address, strconv.Itoa(t.port))
}

// Execute runs command as user on address and returns combined stdout and
// stderr. Cancelling ctx closes the connection. A non-zero remote exit is
// returned as *ExitError along with the output collected so far.
func (t *Transport) Execute(ctx context.Context, address, user, command string) ([]byte, error) {
	addr := t.hostPort(address)

	dialCtx, cancelDial := context.WithTimeout(ctx, t.connectTimeout)
	conn, err := t.dial(dialCtx, "tcp", addr)
	cancelDial()
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, t.clientConfig(user, addr))
	if err != nil {
		conn.Close()
		return nil, t.contextErr(ctx, fmt.Errorf("ssh handshake with %s: %w", addr, err))
	}
	client := ssh.NewClient(sshConn, chans, reqs)
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return nil, t.contextErr(ctx, fmt.Errorf("open session on %s: %w", addr, err))
	}
	defer session.Close()

	var out lockedBuffer
	session.Stdout = &out
	session.Stderr = &out

	t.logger.Debug().Str("host", addr).Str("user", user).Str("command", command).Msg("Running remote command")
	err = session.Run(command)
	output := out.Bytes()
	if err == nil {
		return output, nil
	}

	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		return output, &ExitError{Host: address, Status: exitErr.ExitStatus(), Signal: exitErr.Signal()}
	}
	return output, t.contextErr(ctx, fmt.Errorf("run on %s: %w", addr, err))
}

// contextErr prefers the context's error when it caused err.
func (t *Transport) contextErr(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%w (%v)", ctxErr, err)
	}
	return err
}

// lockedBuffer is written by the session's stdout and stderr copiers concurrently.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.buf.Bytes()...)
}
