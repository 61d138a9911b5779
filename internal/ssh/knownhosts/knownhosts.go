// Package knownhosts verifies SSH host keys against an OpenSSH known_hosts
// file and records keys for hosts seen for the first time.
package knownhosts

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
	xknownhosts "golang.org/x/crypto/ssh/knownhosts"
)

var (
	mkdirAllFn       = os.MkdirAll
	statFn           = os.Stat
	openFileFn       = os.OpenFile
	appendOpenFileFn = func(path string) (io.WriteCloser, error) {
		return openFileFn(path, os.O_APPEND|os.O_WRONLY, 0o600)
	}

	// ErrHostKeyChanged signals that a host presented a key different from the recorded one.
	ErrHostKeyChanged = errors.New("knownhosts: host key changed")
	// ErrUnknownHost is returned for a host with no recorded key when new keys are not accepted.
	ErrUnknownHost = errors.New("knownhosts: unknown host")
)

// HostKeyChangeError describes a detected host key mismatch.
type HostKeyChangeError struct {
	Host     string
	Existing string
	Provided string
}

func (e *HostKeyChangeError) Error() string {
	return fmt.Sprintf("knownhosts: host key for %s changed (recorded %s, presented %s)", e.Host, e.Existing, e.Provided)
}

func (e *HostKeyChangeError) Unwrap() error {
	return ErrHostKeyChanged
}

// Option customizes a Checker.
type Option func(*Checker)

// WithAcceptNew controls whether keys of unknown hosts are appended to the
// file (OpenSSH's StrictHostKeyChecking=accept-new). Enabled by default.
func WithAcceptNew(accept bool) Option {
	return func(c *Checker) { c.acceptNew = accept }
}

// WithLogger sets the logger used to report newly recorded hosts.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Checker) { c.logger = logger }
}

// Checker wraps a known_hosts file. It is safe for concurrent use.
type Checker struct {
	path      string
	acceptNew bool
	logger    zerolog.Logger

	mu       sync.Mutex
	verify   ssh.HostKeyCallback
	accepted map[string]ssh.PublicKey
}

// New loads path, creating it and its directory when missing.
func New(path string, opts ...Option) (*Checker, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("knownhosts: empty path")
	}

	c := &Checker{
		path:      path,
		acceptNew: true,
		logger:    zerolog.Nop(),
		accepted:  make(map[string]ssh.PublicKey),
	}
	for _, opt := range opts {
		opt(c)
	}

	if err := c.ensureKnownHostsFile(); err != nil {
		return nil, err
	}
	verify, err := xknownhosts.New(path)
	if err != nil {
		return nil, fmt.Errorf("knownhosts: load %s: %w", path, err)
	}
	c.verify = verify
	return c, nil
}

// HostKeyCallback returns a callback for ssh.ClientConfig.
func (c *Checker) HostKeyCallback() ssh.HostKeyCallback {
	return c.check
}

func (c *Checker) check(hostname string, remote net.Addr, key ssh.PublicKey) error {
	host := xknownhosts.Normalize(hostname)

	c.mu.Lock()
	defer c.mu.Unlock()

	if prev, ok := c.accepted[host]; ok {
		if keysEqual(prev, key) {
			return nil
		}
		return &HostKeyChangeError{Host: host, Existing: ssh.FingerprintSHA256(prev), Provided: ssh.FingerprintSHA256(key)}
	}

	err := c.verify(hostname, remote, key)
	if err == nil {
		return nil
	}

	var keyErr *xknownhosts.KeyError
	if !errors.As(err, &keyErr) {
		return err
	}
	if len(keyErr.Want) > 0 {
		for _, known := range keyErr.Want {
			if known.Key.Type() == key.Type() {
				return &HostKeyChangeError{
					Host:     host,
					Existing: ssh.FingerprintSHA256(known.Key),
					Provided: ssh.FingerprintSHA256(key),
				}
			}
		}
		// Known host, but not with this key type. Only keys of the recorded
		// types are trusted.
		return fmt.Errorf("%w %s: no %s key recorded (have %s)", ErrUnknownHost, host, key.Type(), strings.Join(keyTypes(keyErr.Want), ", "))
	}

	if !c.acceptNew {
		return fmt.Errorf("%w %s (%s %s)", ErrUnknownHost, host, key.Type(), ssh.FingerprintSHA256(key))
	}
	if err := appendHostKey(c.path, []byte(xknownhosts.Line([]string{host}, key))); err != nil {
		return err
	}
	c.accepted[host] = key
	c.logger.Warn().
		Str("host", host).
		Str("fingerprint", ssh.FingerprintSHA256(key)).
		Str("file", c.path).
		Msg("Permanently added host key to known_hosts")
	return nil
}

// HostKeyAlgorithms returns the algorithms for the key types recorded for
// address ("host:port", as passed to the host key callback), for use in
// ssh.ClientConfig.HostKeyAlgorithms. Without it the client may negotiate a
// key type the file does not hold. Unknown hosts get nil so the client
// defaults apply.
func (c *Checker) HostKeyAlgorithms(address string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var types []string
	if key, ok := c.accepted[xknownhosts.Normalize(address)]; ok {
		types = append(types, key.Type())
	}

	// The lookup key never matches, so the error lists every recorded key.
	var keyErr *xknownhosts.KeyError
	if err := c.verify(address, lookupAddr, lookupKey{}); errors.As(err, &keyErr) {
		types = append(types, keyTypes(keyErr.Want)...)
	}
	return algorithmsFor(types)
}

var lookupAddr = &net.TCPAddr{IP: net.IPv4zero}

// lookupKey stands in for a presented key when listing recorded keys.
type lookupKey struct{}

func (lookupKey) Type() string                        { return "marauder-lookup" }
func (lookupKey) Marshal() []byte                     { return []byte{} }
func (lookupKey) Verify([]byte, *ssh.Signature) error { return errors.New("lookup key cannot verify") }

func keyTypes(known []xknownhosts.KnownKey) []string {
	types := make([]string, 0, len(known))
	for _, k := range known {
		types = append(types, k.Key.Type())
	}
	return types
}

// algorithmsFor maps key types to host key algorithms in first-seen order.
// An RSA key can sign with any of the RSA algorithms.
func algorithmsFor(types []string) []string {
	seen := make(map[string]bool, len(types))
	var algos []string
	for _, t := range types {
		if seen[t] {
			continue
		}
		seen[t] = true
		if t == ssh.KeyAlgoRSA {
			algos = append(algos, ssh.KeyAlgoRSASHA512, ssh.KeyAlgoRSASHA256, ssh.KeyAlgoRSA)
			continue
		}
		algos = append(algos, t)
	}
	return algos
}

func keysEqual(a, b ssh.PublicKey) bool {
	return a.Type() == b.Type() && string(a.Marshal()) == string(b.Marshal())
}

func (c *Checker) ensureKnownHostsFile() error {
	dir := filepath.Dir(c.path)
	if err := mkdirAllFn(dir, 0o700); err != nil {
		return fmt.Errorf("knownhosts: mkdir %s: %w", dir, err)
	}

	if _, err := statFn(c.path); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("knownhosts: stat %s: %w", c.path, err)
	}

	f, err := openFileFn(c.path, os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("knownhosts: create %s: %w", c.path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("knownhosts: close %s: %w", c.path, err)
	}
	return nil
}

func appendHostKey(path string, entries ...[]byte) (retErr error) {
	f, err := appendOpenFileFn(path)
	if err != nil {
		return fmt.Errorf("knownhosts: open %s: %w", path, err)
	}
	defer func() {
		retErr = joinCloseError(retErr, fmt.Sprintf("knownhosts: close %s", path), f.Close())
	}()

	for _, entry := range entries {
		if len(entry) == 0 {
			continue
		}
		if _, err := f.Write(append(entry, '\n')); err != nil {
			return fmt.Errorf("knownhosts: write entry to %s: %w", path, err)
		}
	}
	return nil
}

func joinCloseError(err error, op string, closeErr error) error {
	if closeErr == nil {
		return err
	}

	wrappedCloseErr := fmt.Errorf("%s: %w", op, closeErr)
	if err == nil {
		return wrappedCloseErr
	}

	return errors.Join(err, wrappedCloseErr)
}
