// Package commandtest provides a scripted command.Runner for tests.
package commandtest

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/cochaviz/giftstick/internal/builderr"
	"github.com/cochaviz/giftstick/internal/command"
)

// Handler answers one invocation. Returning a non-nil error makes the call fail.
type Handler func(cmd command.Cmd) (*command.Result, error)

// Fake records every invocation and answers from registered handlers, keyed
// by tool name. Unknown tools succeed with empty output.
type Fake struct {
	mu       sync.Mutex
	handlers map[string]Handler
	Calls    []command.Cmd
}

var _ command.Runner = (*Fake)(nil)

// NewFake returns an empty Fake.
func NewFake() *Fake {
	return &Fake{handlers: map[string]Handler{}}
}

// On registers h for the named tool.
func (f *Fake) On(name string, h Handler) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[name] = h
	return f
}

// Stdout registers a handler that always prints out.
func (f *Fake) Stdout(name, out string) *Fake {
	return f.On(name, func(command.Cmd) (*command.Result, error) {
		return &command.Result{Stdout: out}, nil
	})
}

// Fail registers a handler that always fails like a tool exiting with code.
func (f *Fake) Fail(name string, code int, stderr string) *Fake {
	return f.On(name, func(cmd command.Cmd) (*command.Result, error) {
		return &command.Result{Stderr: stderr, ExitCode: code}, &builderr.Error{
			Kind:    builderr.KindTool,
			Op:      cmd.Name,
			Message: fmt.Sprintf("exit code %d: %s", code, stderr),
		}
	})
}

// Run implements command.Runner.
func (f *Fake) Run(ctx context.Context, cmd command.Cmd) (*command.Result, error) {
	f.mu.Lock()
	f.Calls = append(f.Calls, cmd)
	h := f.handlers[cmd.Name]
	f.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return &command.Result{ExitCode: -1}, builderr.Interrupted(cmd.Name, err)
	}
	if h == nil {
		return &command.Result{}, nil
	}
	res, err := h(cmd)
	if res == nil {
		res = &command.Result{}
	}
	if err == nil && cmd.Stdout != nil && res.Stdout != "" {
		if _, werr := io.WriteString(cmd.Stdout, res.Stdout); werr != nil {
			return res, werr
		}
		res.Stdout = ""
	}
	return res, err
}

// Invocations returns the rendered command lines, in call order.
func (f *Fake) Invocations() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.Calls))
	for _, c := range f.Calls {
		out = append(out, c.String())
	}
	return out
}

// Called returns every recorded invocation of the named tool.
func (f *Fake) Called(name string) []command.Cmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []command.Cmd
	for _, c := range f.Calls {
		if c.Name == name {
			out = append(out, c)
		}
	}
	return out
}

// Ran reports whether any invocation's command line starts with prefix.
func (f *Fake) Ran(prefix string) bool {
	for _, line := range f.Invocations() {
		if strings.HasPrefix(line, prefix) {
			return true
		}
	}
	return false
}
