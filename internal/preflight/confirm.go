package preflight

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// Confirmer asks the operator a yes/no question.
type Confirmer interface {
	Confirm(question string) (bool, error)
}

// ErrNotInteractive is returned when a question needs an answer but stdin is
// not a terminal.
var ErrNotInteractive = errors.New("confirmation required but stdin is not a terminal (pass --yes to proceed)")

// TerminalConfirmer prompts on the controlling terminal.
type TerminalConfirmer struct {
	In  *os.File
	Out io.Writer
}

// NewTerminalConfirmer prompts on stdin/stderr.
func NewTerminalConfirmer() *TerminalConfirmer {
	return &TerminalConfirmer{In: os.Stdin, Out: os.Stderr}
}

func (c *TerminalConfirmer) Confirm(question string) (bool, error) {
	fd := int(c.In.Fd())
	if !term.IsTerminal(fd) {
		return false, ErrNotInteractive
	}

	state, err := term.MakeRaw(fd)
	if err != nil {
		return false, fmt.Errorf("switch terminal to raw mode: %w", err)
	}
	defer term.Restore(fd, state)

	screen := struct {
		io.Reader
		io.Writer
	}{c.In, c.Out}
	terminal := term.NewTerminal(screen, "")
	if _, err := fmt.Fprintf(terminal, "%s [y/N] ", question); err != nil {
		return false, err
	}
	line, err := terminal.ReadLine()
	if err != nil {
		return false, fmt.Errorf("read answer: %w", err)
	}
	return isYes(line), nil
}

// AssumeYes answers every question affirmatively.
type AssumeYes struct{}

func (AssumeYes) Confirm(string) (bool, error) { return true, nil }

func isYes(answer string) bool {
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "y", "yes":
		return true
	default:
		return false
	}
}
