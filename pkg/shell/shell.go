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

// Package shell confines every subprocess the components run (docker builds
// and pushes, gcloud token minting) behind one narrow interface so tests
// inject a scripted fake.
package shell

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
)

// Shell runs one subprocess to completion.
type Shell interface {
	// Run executes argv with optional stdin and returns captured stdout and
	// the process exit code. A non-zero exit returns an error carrying the
	// stderr tail; stdout is still returned for callers that parse partial
	// output.
	Run(ctx context.Context, argv []string, stdin io.Reader) (stdout []byte, exitCode int, err error)
}

// Exec is the real implementation on os/exec.
type Exec struct{}

func (Exec) Run(ctx context.Context, argv []string, stdin io.Reader) ([]byte, int, error) {
	if len(argv) == 0 {
		return nil, -1, fmt.Errorf("shell: empty argv")
	}
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdin = stdin
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return stdout.Bytes(), exitErr.ExitCode(), fmt.Errorf("running %q, exit %d, %s", argv[0], exitErr.ExitCode(), tail(stderr.String()))
		}
		return stdout.Bytes(), -1, fmt.Errorf("running %q, %w", argv[0], err)
	}
	return stdout.Bytes(), 0, nil
}

// Line runs argv and returns the first line of stdout, for commands that
// print a single token (image ids, access tokens).
func Line(ctx context.Context, sh Shell, argv ...string) (string, error) {
	out, _, err := sh.Run(ctx, argv, nil)
	if err != nil {
		return "", err
	}
	line, _, _ := strings.Cut(string(out), "\n")
	return strings.TrimSpace(line), nil
}

// tail keeps error messages bounded when a subprocess dumps a long trace.
func tail(s string) string {
	s = strings.TrimSpace(s)
	const max = 512
	if len(s) <= max {
		return s
	}
	return "..." + s[len(s)-max:]
}
