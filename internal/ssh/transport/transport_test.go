package transport

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/guardian/prism/internal/ssh/knownhosts"
	"golang.org/x/crypto/ssh"
	xknownhosts "golang.org/x/crypto/ssh/knownhosts"
)

type testServer struct {
	addr    string
	hostKey ssh.PublicKey
}

func newHostSigner(t *testing.T, ecdsaKey bool) ssh.Signer {
	t.Helper()
	var (
		priv any
		err  error
	)
	if ecdsaKey {
		priv, err = ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	} else {
		_, priv, err = ed25519.GenerateKey(rand.Reader)
	}
	if err != nil {
		t.Fatal(err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatal(err)
	}
	return signer
}

// startServer runs a minimal SSH server that accepts clientKey for user
// "deploy" and answers exec requests with handler.
func startServer(t *testing.T, clientKey ssh.PublicKey, handler func(cmd string) (string, uint32, time.Duration)) *testServer {
	t.Helper()
	return startServerWithHostKeys(t, clientKey, handler, newHostSigner(t, false))
}

// startServerWithHostKeys is startServer offering every given host key.
// testServer.hostKey is the first.
func startServerWithHostKeys(t *testing.T, clientKey ssh.PublicKey, handler func(cmd string) (string, uint32, time.Duration), hostSigners ...ssh.Signer) *testServer {
	t.Helper()

	cfg := &ssh.ServerConfig{
		PublicKeyCallback: func(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if conn.User() == "deploy" && bytes.Equal(key.Marshal(), clientKey.Marshal()) {
				return nil, nil
			}
			return nil, errors.New("denied")
		},
	}
	for _, signer := range hostSigners {
		cfg.AddHostKey(signer)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			nc, err := ln.Accept()
			if err != nil {
				return
			}
			go serveConn(nc, cfg, handler)
		}
	}()

	return &testServer{addr: ln.Addr().String(), hostKey: hostSigners[0].PublicKey()}
}

func serveConn(nc net.Conn, cfg *ssh.ServerConfig, handler func(string) (string, uint32, time.Duration)) {
	defer nc.Close()
	_, chans, reqs, err := ssh.NewServerConn(nc, cfg)
	if err != nil {
		return
	}
	go ssh.DiscardRequests(reqs)

	for newCh := range chans {
		if newCh.ChannelType() != "session" {
			newCh.Reject(ssh.UnknownChannelType, "unsupported")
			continue
		}
		ch, requests, err := newCh.Accept()
		if err != nil {
			continue
		}
		go func() {
			defer ch.Close()
			for req := range requests {
				if req.Type != "exec" {
					req.Reply(false, nil)
					continue
				}
				var payload struct{ Command string }
				if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
					req.Reply(false, nil)
					return
				}
				req.Reply(true, nil)

				out, status, delay := handler(payload.Command)
				time.Sleep(delay)
				ch.Write([]byte(out))
				ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{status}))
				return
			}
		}()
	}
}

func writeClientKey(t *testing.T) (string, ssh.PublicKey) {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	block, err := ssh.MarshalPrivateKey(priv, "")
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "id_ed25519")
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		t.Fatal(err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatal(err)
	}
	return path, signer.PublicKey()
}

func newTransport(t *testing.T, identity string, hostKey ssh.PublicKey) *Transport {
	t.Helper()
	tr, err := New(Config{
		IdentityFiles:   []string{filepath.Join(t.TempDir(), "missing"), identity},
		AgentSocket:     filepath.Join(t.TempDir(), "no-agent.sock"),
		HostKeyCallback: ssh.FixedHostKey(hostKey),
		ConnectTimeout:  2 * time.Second,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { tr.Close() })
	return tr
}

func echoHandler(cmd string) (string, uint32, time.Duration) {
	if cmd == "false" {
		return "nope\n", 1, 0
	}
	if strings.HasPrefix(cmd, "sleep") {
		return "", 0, 2 * time.Second
	}
	return "ran: " + cmd + "\n", 0, 0
}

func TestExecute(t *testing.T) {
	identity, pub := writeClientKey(t)
	srv := startServer(t, pub, echoHandler)
	tr := newTransport(t, identity, srv.hostKey)

	out, err := tr.Execute(context.Background(), srv.addr, "deploy", "uptime")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if string(out) != "ran: uptime\n" {
		t.Fatalf("output = %q", out)
	}
}

func TestExecuteNonZeroExit(t *testing.T) {
	identity, pub := writeClientKey(t)
	srv := startServer(t, pub, echoHandler)
	tr := newTransport(t, identity, srv.hostKey)

	out, err := tr.Execute(context.Background(), srv.addr, "deploy", "false")
	var exitErr *ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("expected ExitError, got %v", err)
	}
	if exitErr.ExitStatus() != 1 {
		t.Fatalf("status = %d", exitErr.ExitStatus())
	}
	if string(out) != "nope\n" {
		t.Fatalf("output = %q", out)
	}
}

func TestExecuteAuthFailure(t *testing.T) {
	identity, pub := writeClientKey(t)
	srv := startServer(t, pub, echoHandler)
	tr := newTransport(t, identity, srv.hostKey)

	_, err := tr.Execute(context.Background(), srv.addr, "root", "uptime")
	if err == nil || !strings.Contains(err.Error(), "unable to authenticate") {
		t.Fatalf("expected auth failure, got %v", err)
	}
}

func TestExecuteHostKeyMismatch(t *testing.T) {
	identity, pub := writeClientKey(t)
	srv := startServer(t, pub, echoHandler)
	_, otherPub := writeClientKey(t)
	tr := newTransport(t, identity, otherPub)

	if _, err := tr.Execute(context.Background(), srv.addr, "deploy", "uptime"); err == nil {
		t.Fatal("expected host key failure")
	}
}

func knownHostsChecker(t *testing.T, addr string, keys ...ssh.PublicKey) *knownhosts.Checker {
	t.Helper()
	var lines []string
	for _, key := range keys {
		lines = append(lines, xknownhosts.Line([]string{xknownhosts.Normalize(addr)}, key))
	}
	path := filepath.Join(t.TempDir(), "known_hosts")
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	checker, err := knownhosts.New(path, knownhosts.WithAcceptNew(false))
	if err != nil {
		t.Fatalf("knownhosts.New: %v", err)
	}
	return checker
}

func newCheckedTransport(t *testing.T, identity string, checker *knownhosts.Checker) *Transport {
	t.Helper()
	tr, err := New(Config{
		IdentityFiles:     []string{identity},
		AgentSocket:       filepath.Join(t.TempDir(), "no-agent.sock"),
		HostKeyCallback:   checker.HostKeyCallback(),
		HostKeyAlgorithms: checker.HostKeyAlgorithms,
		ConnectTimeout:    2 * time.Second,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { tr.Close() })
	return tr
}

// The client would prefer ECDSA, but known_hosts only records the host's
// ed25519 key, as OpenSSH usually leaves it.
func TestExecuteNegotiatesRecordedHostKeyType(t *testing.T) {
	identity, pub := writeClientKey(t)
	ed, ec := newHostSigner(t, false), newHostSigner(t, true)
	srv := startServerWithHostKeys(t, pub, echoHandler, ec, ed)
	tr := newCheckedTransport(t, identity, knownHostsChecker(t, srv.addr, ed.PublicKey()))

	out, err := tr.Execute(context.Background(), srv.addr, "deploy", "uptime")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if string(out) != "ran: uptime\n" {
		t.Fatalf("output = %q", out)
	}
}

func TestExecuteDetectsChangedRecordedKey(t *testing.T) {
	identity, pub := writeClientKey(t)
	ed, ec := newHostSigner(t, false), newHostSigner(t, true)
	srv := startServerWithHostKeys(t, pub, echoHandler, ec, ed)
	stale := newHostSigner(t, false).PublicKey()
	tr := newCheckedTransport(t, identity, knownHostsChecker(t, srv.addr, stale))

	_, err := tr.Execute(context.Background(), srv.addr, "deploy", "uptime")
	if !errors.Is(err, knownhosts.ErrHostKeyChanged) {
		t.Fatalf("expected ErrHostKeyChanged, got %v", err)
	}
}

func TestExecuteCancelledByContext(t *testing.T) {
	identity, pub := writeClientKey(t)
	srv := startServer(t, pub, echoHandler)
	tr := newTransport(t, identity, srv.hostKey)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := tr.Execute(ctx, srv.addr, "deploy", "sleep 10")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatal("Execute did not return promptly after cancellation")
	}
}

func TestExecuteConnectionRefused(t *testing.T) {
	identity, _ := writeClientKey(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	_, hostPub := writeClientKey(t)
	tr := newTransport(t, identity, hostPub)
	if _, err := tr.Execute(context.Background(), addr, "deploy", "uptime"); err == nil || !strings.Contains(err.Error(), "dial") {
		t.Fatalf("expected dial error, got %v", err)
	}
}

func TestNewRequiresHostKeyPolicyAndCredentials(t *testing.T) {
	identity, pub := writeClientKey(t)
	noAgent := filepath.Join(t.TempDir(), "no-agent.sock")

	if _, err := New(Config{IdentityFiles: []string{identity}, AgentSocket: noAgent}); err == nil {
		t.Fatal("expected error without host key callback")
	}
	if _, err := New(Config{AgentSocket: noAgent, HostKeyCallback: ssh.FixedHostKey(pub)}); err == nil {
		t.Fatal("expected error without credentials")
	}
	tr, err := New(Config{IdentityFiles: []string{identity}, AgentSocket: noAgent, InsecureIgnoreHostKey: true})
	if err != nil {
		t.Fatalf("insecure transport: %v", err)
	}
	tr.Close()
}

func TestHostPort(t *testing.T) {
	tr := &Transport{port: 2222}
	if got := tr.hostPort("db1.example.com"); got != "db1.example.com:2222" {
		t.Fatalf("hostPort = %s", got)
	}
	if got := tr.hostPort("10.0.0.1:22"); got != "10.0.0.1:22" {
		t.Fatalf("hostPort = %s", got)
	}
	if got := tr.hostPort("::1"); got != "[::1]:2222" {
		t.Fatalf("hostPort = %s", got)
	}
}

func TestExitErrorMessage(t *testing.T) {
	err := &ExitError{Host: "h", Status: 3}
	if err.Error() != "remote command on h exited with status 3" {
		t.Fatalf("Error() = %q", err.Error())
	}
}
