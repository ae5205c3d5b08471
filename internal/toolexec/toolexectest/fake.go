// Package toolexectest provides a scripted toolexec.Runner for tests.
package toolexectest

import (
	"context"
	"strings"
	"sync"

	"github.com/pendergraft/contrascan/internal/toolexec"
)

// Handler produces the outcome of one invocation.
type Handler func(cmd toolexec.Command) (*toolexec.Result, error)

type route struct {
	prefix  string
	handler Handler
}

// Runner records every command it receives and answers from registered
// handlers. Handlers are matched by prefix against the rendered command line;
// the longest matching prefix wins. Unmatched commands exit 127.
type Runner struct {
	mu     sync.Mutex
	routes []route
	calls  []toolexec.Command
}

// New creates an empty scripted runner.
func New() *Runner {
	return &Runner{}
}

// On registers h for commands whose rendered line starts with prefix.
func (r *Runner) On(prefix string, h Handler) *Runner {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes = append(r.routes, route{prefix: prefix, handler: h})
	return r
}

// Run implements toolexec.Runner.
func (r *Runner) Run(ctx context.Context, cmd toolexec.Command) (*toolexec.Result, error) {
	r.mu.Lock()
	r.calls = append(r.calls, cmd)
	var best *route
	line := cmd.String()
	for i := range r.routes {
		rt := &r.routes[i]
		if strings.HasPrefix(line, rt.prefix) && (best == nil || len(rt.prefix) > len(best.prefix)) {
			best = rt
		}
	}
	r.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if best == nil {
		return &toolexec.Result{ExitCode: 127, Stderr: cmd.Name + ": command not found"}, nil
	}
	return best.handler(cmd)
}

// Calls returns a copy of every command received so far.
func (r *Runner) Calls() []toolexec.Command {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]toolexec.Command, len(r.calls))
	copy(out, r.calls)
	return out
}

// Lines returns the rendered command lines received so far.
func (r *Runner) Lines() []string {
	calls := r.Calls()
	out := make([]string, len(calls))
	for i, c := range calls {
		out[i] = c.String()
	}
	return out
}

// Count returns how many received commands start with prefix.
func (r *Runner) Count(prefix string) int {
	n := 0
	for _, line := range r.Lines() {
		if strings.HasPrefix(line, prefix) {
			n++
		}
	}
	return n
}

// Reply answers every call with the same result.
func Reply(stdout, stderr string, exitCode int) Handler {
	return func(toolexec.Command) (*toolexec.Result, error) {
		return &toolexec.Result{Stdout: stdout, Stderr: stderr, ExitCode: exitCode}, nil
	}
}

// Fail answers every call with err.
func Fail(err error) Handler {
	return func(toolexec.Command) (*toolexec.Result, error) {
		return nil, err
	}
}

// Sequence answers successive calls with successive handlers, repeating the
// last one once the list is exhausted.
func Sequence(handlers ...Handler) Handler {
	var mu sync.Mutex
	i := 0
	return func(cmd toolexec.Command) (*toolexec.Result, error) {
		mu.Lock()
		h := handlers[i]
		if i < len(handlers)-1 {
			i++
		}
		mu.Unlock()
		return h(cmd)
	}
}
