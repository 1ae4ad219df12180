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

package shell_test

import (
	"context"
	"strings"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/strato-cloud/strato/pkg/shell"
)

func TestShell(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Shell")
}

var _ = Describe("Exec", func() {
	var sh shell.Exec
	It("should capture stdout and report exit zero", func() {
		out, code, err := sh.Run(context.Background(), []string{"echo", "hello"}, nil)
		Expect(err).ToNot(HaveOccurred())
		Expect(code).To(Equal(0))
		Expect(string(out)).To(Equal("hello\n"))
	})
	It("should feed stdin to the process", func() {
		out, code, err := sh.Run(context.Background(), []string{"cat"}, strings.NewReader("piped"))
		Expect(err).ToNot(HaveOccurred())
		Expect(code).To(Equal(0))
		Expect(string(out)).To(Equal("piped"))
	})
	It("should surface non-zero exits with stderr", func() {
		_, code, err := sh.Run(context.Background(), []string{"sh", "-c", "echo broken >&2; exit 3"}, nil)
		Expect(code).To(Equal(3))
		Expect(err).To(MatchError(ContainSubstring("broken")))
	})
	It("should reject empty argv", func() {
		_, _, err := sh.Run(context.Background(), nil, nil)
		Expect(err).To(HaveOccurred())
	})
	It("should trim single-line output", func() {
		line, err := shell.Line(context.Background(), sh, "sh", "-c", "echo ' token '; echo extra")
		Expect(err).ToNot(HaveOccurred())
		Expect(line).To(Equal("token"))
	})
})
