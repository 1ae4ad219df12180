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

package names_test

import (
	"strings"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/strato-cloud/strato/pkg/utils/names"
)

func TestNames(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Names")
}

var _ = Describe("Suffixed", func() {
	It("should join short names untouched", func() {
		Expect(names.Suffixed("web", "alb", 32)).To(Equal("web-alb"))
	})

	It("should shorten long bases under the limit", func() {
		long := strings.Repeat("verylongservice", 4)
		name := names.Suffixed(long, "alb", 32)
		Expect(len(name)).To(BeNumerically("<=", 32))
		Expect(name).To(HaveSuffix("-alb"))
	})

	It("should keep distinct long bases distinct", func() {
		a := names.Suffixed(strings.Repeat("a", 64)+"x", "tg", 32)
		b := names.Suffixed(strings.Repeat("a", 64)+"y", "tg", 32)
		Expect(a).ToNot(Equal(b))
	})

	It("should be stable", func() {
		long := strings.Repeat("service", 10)
		Expect(names.Suffixed(long, "asg", 40)).To(Equal(names.Suffixed(long, "asg", 40)))
	})
})

var _ = Describe("Truncate", func() {
	It("should pass short names through", func() {
		Expect(names.Truncate("web", 63)).To(Equal("web"))
	})

	It("should cap long names with a hash tail", func() {
		name := names.Truncate(strings.Repeat("x", 100), 63)
		Expect(len(name)).To(Equal(63))
	})
})
