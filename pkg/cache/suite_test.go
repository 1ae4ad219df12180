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

package cache_test

import (
	"context"
	"testing"

	gocache "github.com/patrickmn/go-cache"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/strato-cloud/strato/pkg/cache"
	"github.com/strato-cloud/strato/pkg/test"
)

var (
	ctx      context.Context
	resolved *cache.ResolvedImages
)

func TestCache(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Cache")
}

var _ = BeforeEach(func() {
	ctx = test.Context()
	resolved = cache.NewResolvedImages(gocache.New(cache.ResolvedImagesTTL, cache.DefaultCleanupInterval))
})

var _ = Describe("ResolvedImages", func() {
	It("should miss before any resolution", func() {
		_, found := resolved.Get("registry.example.com", 42)
		Expect(found).To(BeFalse())
	})
	It("should return the recorded URI for the same inputs", func() {
		resolved.MarkResolved(ctx, "registry.example.com", 42, "registry.example.com/web:v1")
		uri, found := resolved.Get("registry.example.com", 42)
		Expect(found).To(BeTrue())
		Expect(uri).To(Equal("registry.example.com/web:v1"))
	})
	It("should key by registry and input hash independently", func() {
		resolved.MarkResolved(ctx, "registry.example.com", 42, "registry.example.com/web:v1")
		_, found := resolved.Get("other.example.com", 42)
		Expect(found).To(BeFalse())
		_, found = resolved.Get("registry.example.com", 43)
		Expect(found).To(BeFalse())
	})
	It("should forget everything on flush", func() {
		resolved.MarkResolved(ctx, "registry.example.com", 42, "registry.example.com/web:v1")
		resolved.Flush()
		_, found := resolved.Get("registry.example.com", 42)
		Expect(found).To(BeFalse())
	})
})
