// Package fanout runs one command on many hosts with bounded parallelism.
package fanout

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	internalerrors "github.com/guardian/prism/internal/errors"
	"github.com/guardian/prism/internal/metrics"
	"github.com/rs/zerolog"
)

const (
	// Threshold is the largest target count that runs without confirmation.
	Threshold = 4

	DefaultConcurrency    = 8
	DefaultSessionTimeout = 60 * time.Second
)

// State tracks an executor through a single run.
type State int

const (
	StateIdle State = iota
	StateResolved
	StateConfirmPending
	StateExecuting
	StateDone
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateResolved:
		return "resolved"
	case StateConfirmPending:
		return "confirm-pending"
	case StateExecuting:
		return "executing"
	case StateDone:
		return "done"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Transport runs a command on a remote host and returns its combined output.
// A non-zero remote exit should be reported as an error implementing
// ExitStatus() int.
type Transport interface {
	Execute(ctx context.Context, address, user, command string) ([]byte, error)
}

// Options configures an Executor.
type Options struct {
	// User overrides per-host user resolution when set.
	User           string
	Users          UserLookup
	Confirmer      Confirmer
	Concurrency    int
	SessionTimeout time.Duration
	// Out receives one labelled block per host.
	Out io.Writer
	// Notices receives the banner announcing the run, once confirmed.
	Notices io.Writer
	Logger  zerolog.Logger
	Metrics *metrics.RunMetrics
}

// Result is the outcome of one host's session.
type Result struct {
	Target   Target
	Output   []byte
	ExitCode int
	Err      error
	Duration time.Duration
}

// Report holds per-target results in target order.
type Report struct {
	Results []Result
}

// Failed returns the results that carry an error.
func (r *Report) Failed() []Result {
	var failed []Result
	for _, res := range r.Results {
		if res.Err != nil {
			failed = append(failed, res)
		}
	}
	return failed
}

// Err joins every per-host error, or returns nil when all hosts succeeded.
func (r *Report) Err() error {
	var errs []error
	for _, res := range r.Failed() {
		errs = append(errs, res.Err)
	}
	return errors.Join(errs...)
}

// Executor drives resolve, confirm and execute for one command.
type Executor struct {
	transport Transport
	opts      Options

	mu    sync.Mutex
	state State

	outMu sync.Mutex
}

// New returns an Executor with defaults filled in.
func New(transport Transport, opts Options) *Executor {
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.SessionTimeout <= 0 {
		opts.SessionTimeout = DefaultSessionTimeout
	}
	if opts.Out == nil {
		opts.Out = io.Discard
	}
	if opts.Notices == nil {
		opts.Notices = io.Discard
	}
	return &Executor{transport: transport, opts: opts}
}

// State returns the current state.
func (e *Executor) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Executor) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
	e.opts.Logger.Debug().Str("state", s.String()).Msg("Fanout state changed")
}

// ValidateCommand rejects an empty command. Callers check it before any
// discovery so a missing command never causes network activity.
func ValidateCommand(command string) error {
	if strings.TrimSpace(command) == "" {
		return internalerrors.Input("exec", "no command given: pass --cmd or put the command after --")
	}
	return nil
}

// Run resolves users for addresses, asks for confirmation above Threshold
// and runs command on every target. Per-host failures are collected in the
// Report; the returned error is non-nil only for input errors and a declined
// confirmation, in which case no host was contacted.
func (e *Executor) Run(ctx context.Context, command string, addresses []string) (*Report, error) {
	defer e.setState(StateDone)

	if err := ValidateCommand(command); err != nil {
		return nil, err
	}

	targets, err := Resolve(addresses, e.opts.User, e.opts.Users)
	if err != nil {
		return nil, err
	}
	e.setState(StateResolved)

	if len(targets) > Threshold {
		e.setState(StateConfirmPending)
		prompt := fmt.Sprintf("About to run %q on %d hosts:\n%sContinue?", command, len(targets), Describe(targets))
		ok := false
		if e.opts.Confirmer != nil {
			ok, err = e.opts.Confirmer.Confirm(prompt)
			if err != nil {
				return nil, err
			}
		}
		if !ok {
			e.opts.Metrics.RecordSession(metrics.OutcomeDeclined, 0)
			return nil, internalerrors.Declined(fmt.Sprintf("run on %d hosts", len(targets)))
		}
	}

	e.setState(StateExecuting)
	fmt.Fprintf(e.opts.Notices, "ssh into %d hosts and run `%s`...\n", len(targets), command)
	e.opts.Logger.Debug().
		Str("command", command).
		Int("targets", len(targets)).
		Msg("Running command")

	return e.execute(ctx, command, targets), nil
}

func (e *Executor) execute(ctx context.Context, command string, targets []Target) *Report {
	report := &Report{Results: make([]Result, len(targets))}

	workers := e.opts.Concurrency
	if workers > len(targets) {
		workers = len(targets)
	}

	jobs := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				res := e.runOne(ctx, command, targets[i])
				report.Results[i] = res
				e.writeBlock(res)
			}
		}()
	}

	for i := range targets {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	return report
}

func (e *Executor) runOne(ctx context.Context, command string, t Target) Result {
	sessionCtx, cancel := context.WithTimeout(ctx, e.opts.SessionTimeout)
	defer cancel()

	start := time.Now()
	out, err := e.transport.Execute(sessionCtx, t.Address, t.User, command)
	res := Result{Target: t, Output: out, Duration: time.Since(start)}
	if err == nil {
		e.opts.Metrics.RecordSession(metrics.OutcomeSuccess, res.Duration)
		return res
	}

	outcome := metrics.OutcomeFailure
	res.ExitCode = -1
	var exit interface{ ExitStatus() int }
	if errors.As(err, &exit) {
		res.ExitCode = exit.ExitStatus()
	}
	if errors.Is(sessionCtx.Err(), context.DeadlineExceeded) {
		outcome = metrics.OutcomeTimeout
		err = fmt.Errorf("session timed out after %s: %w", e.opts.SessionTimeout, err)
	}
	res.Err = internalerrors.Remote(t.Address, err)
	e.opts.Metrics.RecordSession(outcome, res.Duration)

	event := e.opts.Logger.Error().Err(err).Str("host", t.Address).Str("user", t.User)
	if internalerrors.IsAuth(err) {
		event = event.Bool("auth", true)
	}
	event.Msg("Remote command failed")
	return res
}

// writeBlock writes a host's output as one contiguous block.
func (e *Executor) writeBlock(res Result) {
	var b bytes.Buffer
	fmt.Fprintf(&b, "== %s ==\n", res.Target)
	b.Write(res.Output)
	if len(res.Output) > 0 && res.Output[len(res.Output)-1] != '\n' {
		b.WriteByte('\n')
	}
	if res.Err != nil {
		fmt.Fprintf(&b, "!! %v\n", res.Err)
	}
	b.WriteByte('\n')

	e.outMu.Lock()
	defer e.outMu.Unlock()
	if _, err := e.opts.Out.Write(b.Bytes()); err != nil {
		e.opts.Logger.Warn().Err(err).Str("host", res.Target.Address).Msg("Failed to write host output")
	}
}
