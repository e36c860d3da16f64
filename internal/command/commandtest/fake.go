// Package commandtest provides a scriptable command.Runner for tests.
package commandtest

import (
	"context"
	"strings"
	"sync"

	"github.com/nholik/hostkeeper/internal/command"
)

// Response is the scripted outcome for a matching command.
type Response struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Err      error
	// Do runs before the response is returned, e.g. to create files a real tool would.
	Do func(cmd command.Cmd)
}

type rule struct {
	prefix    string
	responses []Response
}

// Fake records every command and answers from rules matched by command-line prefix.
// Unmatched commands succeed with empty output.
type Fake struct {
	mu    sync.Mutex
	rules []*rule
	calls []command.Cmd
}

// NewFake returns an empty Fake.
func NewFake() *Fake {
	return &Fake{}
}

// On registers responses for commands whose String() starts with prefix.
// Responses are consumed in order; the last one repeats. Later rules win over earlier ones.
func (f *Fake) On(prefix string, responses ...Response) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(responses) == 0 {
		responses = []Response{{}}
	}
	f.rules = append(f.rules, &rule{prefix: prefix, responses: responses})
	return f
}

// Run implements command.Runner.
func (f *Fake) Run(_ context.Context, cmd command.Cmd) (command.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, cmd)
	resp := f.match(cmd.String())
	f.mu.Unlock()

	if resp.Do != nil {
		resp.Do(cmd)
	}
	return command.Result{
		Command:  cmd.String(),
		ExitCode: resp.ExitCode,
		Stdout:   []byte(resp.Stdout),
		Stderr:   []byte(resp.Stderr),
	}, resp.Err
}

func (f *Fake) match(line string) Response {
	for i := len(f.rules) - 1; i >= 0; i-- {
		r := f.rules[i]
		if !strings.HasPrefix(line, r.prefix) {
			continue
		}
		resp := r.responses[0]
		if len(r.responses) > 1 {
			r.responses = r.responses[1:]
		}
		return resp
	}
	return Response{}
}

// Calls returns the command lines run so far.
func (f *Fake) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	lines := make([]string, 0, len(f.calls))
	for _, c := range f.calls {
		lines = append(lines, c.String())
	}
	return lines
}

// Commands returns the recorded commands.
func (f *Fake) Commands() []command.Cmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]command.Cmd(nil), f.calls...)
}

// Ran reports whether any recorded command line starts with prefix.
func (f *Fake) Ran(prefix string) bool {
	return f.Count(prefix) > 0
}

// Count returns how many recorded command lines start with prefix.
func (f *Fake) Count(prefix string) int {
	n := 0
	for _, line := range f.Calls() {
		if strings.HasPrefix(line, prefix) {
			n++
		}
	}
	return n
}

// Index returns the position of the first command line starting with prefix, or -1.
func (f *Fake) Index(prefix string) int {
	for i, line := range f.Calls() {
		if strings.HasPrefix(line, prefix) {
			return i
		}
	}
	return -1
}
