package fanout

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	internalerrors "github.com/guardian/prism/internal/errors"
	"github.com/rs/zerolog"
)

type fakeTransport struct {
	mu     sync.Mutex
	calls  []Target
	errs   map[string]error
	output map[string]string
	delay  time.Duration

	active    atomic.Int32
	maxActive atomic.Int32
}

func (f *fakeTransport) Execute(ctx context.Context, address, user, command string) ([]byte, error) {
	f.mu.Lock()
	f.calls = append(f.calls, Target{Address: address, User: user})
	f.mu.Unlock()

	n := f.active.Add(1)
	defer f.active.Add(-1)
	for {
		m := f.maxActive.Load()
		if n <= m || f.maxActive.CompareAndSwap(m, n) {
			break
		}
	}

	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err := f.errs[address]; err != nil {
		return nil, err
	}
	if out, ok := f.output[address]; ok {
		return []byte(out), nil
	}
	return []byte(fmt.Sprintf("%s ran %s\n", address, command)), nil
}

func (f *fakeTransport) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type exitErr int

func (e exitErr) Error() string   { return fmt.Sprintf("exited %d", int(e)) }
func (e exitErr) ExitStatus() int { return int(e) }

func hosts(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("host%d.example.com", i+1)
	}
	return out
}

func TestRunDeclinedAboveThresholdContactsNoHost(t *testing.T) {
	ft := &fakeTransport{}
	asked := 0
	var notices bytes.Buffer
	e := New(ft, Options{
		User:    "admin",
		Notices: &notices,
		Confirmer: ConfirmFunc(func(prompt string) (bool, error) {
			asked++
			if !strings.Contains(prompt, "5 hosts") {
				t.Errorf("prompt = %q", prompt)
			}
			return false, nil
		}),
	})

	report, err := e.Run(context.Background(), "uptime", hosts(5))
	if report != nil {
		t.Fatalf("expected no report, got %+v", report)
	}
	if !errors.Is(err, internalerrors.ErrConfirmationDeclined) {
		t.Fatalf("expected declined error, got %v", err)
	}
	if internalerrors.ExitCode(err) != internalerrors.ExitFailure {
		t.Fatalf("exit code = %d", internalerrors.ExitCode(err))
	}
	if asked != 1 {
		t.Fatalf("confirmer asked %d times", asked)
	}
	if notices.Len() != 0 {
		t.Fatalf("no banner expected for a declined run, got %q", notices.String())
	}
	if ft.callCount() != 0 {
		t.Fatalf("transport called %d times", ft.callCount())
	}
	if e.State() != StateDone {
		t.Fatalf("state = %s", e.State())
	}
}

func TestRunAtThresholdSkipsConfirmation(t *testing.T) {
	ft := &fakeTransport{}
	e := New(ft, Options{
		User: "admin",
		Confirmer: ConfirmFunc(func(string) (bool, error) {
			t.Fatal("confirmation should not be requested")
			return false, nil
		}),
	})

	report, err := e.Run(context.Background(), "uptime", hosts(Threshold))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(report.Results) != Threshold || report.Err() != nil {
		t.Fatalf("unexpected report: %+v", report)
	}
}

func TestRunWithoutConfirmerDeclines(t *testing.T) {
	ft := &fakeTransport{}
	_, err := New(ft, Options{User: "admin"}).Run(context.Background(), "uptime", hosts(6))
	if !errors.Is(err, internalerrors.ErrConfirmationDeclined) {
		t.Fatalf("expected declined error, got %v", err)
	}
	if ft.callCount() != 0 {
		t.Fatal("transport must not be called")
	}
}

func TestRunConfirmedAboveThreshold(t *testing.T) {
	ft := &fakeTransport{}
	var notices bytes.Buffer
	e := New(ft, Options{
		User:      "admin",
		Notices:   &notices,
		Confirmer: ConfirmFunc(func(string) (bool, error) { return true, nil }),
	})
	report, err := e.Run(context.Background(), "uptime", hosts(5))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if ft.callCount() != 5 || len(report.Results) != 5 {
		t.Fatalf("expected 5 sessions, got %d", ft.callCount())
	}
	if got := notices.String(); got != "ssh into 5 hosts and run `uptime`...\n" {
		t.Fatalf("banner = %q", got)
	}
}

func TestRunMissingCommandIsInputError(t *testing.T) {
	ft := &fakeTransport{}
	for _, cmd := range []string{"", "   "} {
		_, err := New(ft, Options{User: "admin"}).Run(context.Background(), cmd, hosts(1))
		if !errors.Is(err, internalerrors.ErrInput) {
			t.Fatalf("command %q: expected input error, got %v", cmd, err)
		}
	}
	if ft.callCount() != 0 {
		t.Fatal("transport must not be called")
	}
}

func TestRunContinuesAfterHostFailure(t *testing.T) {
	var out bytes.Buffer
	ft := &fakeTransport{
		errs: map[string]error{
			"host1.example.com": errors.New("dial tcp: connection refused"),
		},
		output: map[string]string{"host2.example.com": "up 3 days"},
	}
	e := New(ft, Options{User: "admin", Out: &out, Logger: zerolog.Nop()})

	report, err := e.Run(context.Background(), "uptime", hosts(2))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if !strings.Contains(out.String(), "== host2.example.com as admin ==\nup 3 days\n\n") {
		t.Fatalf("second host output missing:\n%s", out.String())
	}
	if !strings.Contains(out.String(), "== host1.example.com as admin ==\n!! exec failed on host1.example.com") {
		t.Fatalf("failed host block missing:\n%s", out.String())
	}

	failed := report.Failed()
	if len(failed) != 1 || failed[0].Target.Address != "host1.example.com" {
		t.Fatalf("Failed() = %+v", failed)
	}
	if got := internalerrors.ExitCode(report.Err()); got != internalerrors.ExitPartialFailure {
		t.Fatalf("exit code = %d", got)
	}
	if report.Results[1].Err != nil || string(report.Results[1].Output) != "up 3 days" {
		t.Fatalf("second result = %+v", report.Results[1])
	}
}

func TestRunRecordsRemoteExitStatus(t *testing.T) {
	ft := &fakeTransport{errs: map[string]error{"host1.example.com": exitErr(3)}}
	report, err := New(ft, Options{User: "admin"}).Run(context.Background(), "false", hosts(1))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Results[0].ExitCode != 3 {
		t.Fatalf("exit code = %d", report.Results[0].ExitCode)
	}
	if !errors.Is(report.Err(), internalerrors.ErrRemoteExecution) {
		t.Fatalf("Err() = %v", report.Err())
	}
}

func TestRunSessionTimeoutIsPerHostFailure(t *testing.T) {
	ft := &fakeTransport{delay: time.Second}
	e := New(ft, Options{User: "admin", SessionTimeout: 20 * time.Millisecond})

	start := time.Now()
	report, err := e.Run(context.Background(), "sleep 10", hosts(2))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Fatal("sessions were not cancelled")
	}
	for _, res := range report.Results {
		if res.Err == nil || !strings.Contains(res.Err.Error(), "timed out") {
			t.Fatalf("expected timeout for %s, got %v", res.Target.Address, res.Err)
		}
	}
}

func TestRunBoundsConcurrency(t *testing.T) {
	ft := &fakeTransport{delay: 20 * time.Millisecond}
	e := New(ft, Options{
		User:        "admin",
		Concurrency: 2,
		Confirmer:   ConfirmFunc(func(string) (bool, error) { return true, nil }),
	})

	if _, err := e.Run(context.Background(), "uptime", hosts(6)); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := ft.maxActive.Load(); got > 2 {
		t.Fatalf("max concurrent sessions = %d", got)
	}
}

func TestRunOutputBlocksAreContiguous(t *testing.T) {
	var out bytes.Buffer
	output := make(map[string]string)
	for _, h := range hosts(4) {
		output[h] = strings.Repeat(h+" line\n", 50)
	}
	ft := &fakeTransport{output: output}

	if _, err := New(ft, Options{User: "admin", Out: &out}).Run(context.Background(), "cat", hosts(4)); err != nil {
		t.Fatalf("Run: %v", err)
	}

	for _, block := range strings.Split(strings.TrimSpace(out.String()), "\n\n") {
		lines := strings.Split(block, "\n")
		header := strings.TrimSuffix(strings.TrimPrefix(lines[0], "== "), " as admin ==")
		for _, line := range lines[1:] {
			if line != header+" line" {
				t.Fatalf("block for %s contains %q", header, line)
			}
		}
	}
}

func TestStateString(t *testing.T) {
	if StateConfirmPending.String() != "confirm-pending" || State(42).String() != "state(42)" {
		t.Fatal("unexpected state names")
	}
}
