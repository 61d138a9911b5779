package fanout

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// Confirmer asks the operator to approve a run.
type Confirmer interface {
	Confirm(prompt string) (bool, error)
}

// ConfirmFunc adapts a function to Confirmer.
type ConfirmFunc func(prompt string) (bool, error)

func (f ConfirmFunc) Confirm(prompt string) (bool, error) { return f(prompt) }

// TerminalConfirmer prompts on Err and reads the answer from In.
type TerminalConfirmer struct {
	In  io.Reader
	Err io.Writer
}

// NewTerminalConfirmer prompts on errOut and reads in, falling back to
// stdin and stderr.
func NewTerminalConfirmer(in io.Reader, errOut io.Writer) *TerminalConfirmer {
	if in == nil {
		in = os.Stdin
	}
	if errOut == nil {
		errOut = os.Stderr
	}
	return &TerminalConfirmer{In: in, Err: errOut}
}

var isTerminal = term.IsTerminal

// Confirm returns true only for "y" or "yes". End of input counts as no.
// Piped input is read too, so `yes | marauder ssh ...` works.
func (c *TerminalConfirmer) Confirm(prompt string) (bool, error) {
	hint := "[y/N]"
	if f, ok := c.In.(*os.File); ok && !isTerminal(int(f.Fd())) {
		hint = "[y/N, reading from non-interactive stdin]"
	}
	if _, err := fmt.Fprintf(c.Err, "%s %s ", prompt, hint); err != nil {
		return false, err
	}

	reader := bufio.NewReader(c.In)
	response, err := reader.ReadString('\n')
	if err != nil && err != io.EOF {
		return false, fmt.Errorf("read confirmation: %w", err)
	}
	response = strings.TrimSpace(strings.ToLower(response))
	if err == io.EOF && response == "" {
		fmt.Fprintln(c.Err)
	}
	return response == "yes" || response == "y", nil
}
