/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package fake

import (
	"context"
	"io"
	"strings"
	"sync"
)

// ShellCall records one subprocess invocation, stdin drained.
type ShellCall struct {
	Argv  []string
	Stdin string
}

// ShellResult scripts the outcome of a matched invocation.
type ShellResult struct {
	Stdout   string
	ExitCode int
	Err      error
}

// Shell is a scripted shell.Shell. Results are registered by command-line
// prefix ("docker push", "gcloud auth"); the longest matching prefix wins
// and unmatched commands succeed with empty output.
type Shell struct {
	mu      sync.Mutex
	calls   []ShellCall
	results map[string]ShellResult
}

func NewShell() *Shell {
	return &Shell{results: map[string]ShellResult{}}
}

func (s *Shell) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = nil
	s.results = map[string]ShellResult{}
}

// OnPrefix scripts the result for every command line starting with prefix.
func (s *Shell) OnPrefix(prefix string, result ShellResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[prefix] = result
}

func (s *Shell) Run(_ context.Context, argv []string, stdin io.Reader) ([]byte, int, error) {
	call := ShellCall{Argv: append([]string{}, argv...)}
	if stdin != nil {
		data, _ := io.ReadAll(stdin)
		call.Stdin = string(data)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, call)
	line := strings.Join(argv, " ")
	best := ""
	for prefix := range s.results {
		if strings.HasPrefix(line, prefix) && len(prefix) > len(best) {
			best = prefix
		}
	}
	if best == "" {
		return nil, 0, nil
	}
	result := s.results[best]
	return []byte(result.Stdout), result.ExitCode, result.Err
}

// Calls returns every recorded invocation.
func (s *Shell) Calls() []ShellCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ShellCall{}, s.calls...)
}

// CallsMatching returns the invocations whose command line starts with
// prefix.
func (s *Shell) CallsMatching(prefix string) []ShellCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ShellCall
	for _, call := range s.calls {
		if strings.HasPrefix(strings.Join(call.Argv, " "), prefix) {
			out = append(out, call)
		}
	}
	return out
}
