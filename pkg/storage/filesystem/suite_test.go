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

package filesystem_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/samber/lo"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/strato-cloud/strato/pkg/apis"
	"github.com/strato-cloud/strato/pkg/errors"
	"github.com/strato-cloud/strato/pkg/storage"
	"github.com/strato-cloud/strato/pkg/storage/filesystem"
)

var (
	ctx      context.Context
	provider *filesystem.Provider
	store    *storage.ObjectStore
)

func TestFilesystem(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Storage/Filesystem")
}

var _ = BeforeEach(func() {
	ctx = context.Background()
	provider = lo.Must(filesystem.NewProvider(filesystem.Config{Root: GinkgoT().TempDir()}))
	store = storage.New(provider)
})

var _ = AfterEach(func() {
	Expect(provider.Close()).To(Succeed())
})

func createCollection(name string, versioned bool) {
	GinkgoHelper()
	result, err := store.CreateCollection(ctx, &storage.CollectionRequest{Name: name, Versioned: versioned})
	Expect(err).ToNot(HaveOccurred())
	Expect(result.Status).To(Equal(apis.CollectionCreated))
}

var _ = Describe("Collections", func() {
	It("should create and report existing collections", func() {
		createCollection("x8-test", false)
		result, err := store.CreateCollection(ctx, &storage.CollectionRequest{Name: "x8-test"})
		Expect(err).ToNot(HaveOccurred())
		Expect(result.Status).To(Equal(apis.CollectionExists))
	})
	It("should drop idempotently", func() {
		createCollection("x8-test", false)
		first := lo.Must(store.DropCollection(ctx, &storage.CollectionRequest{Name: "x8-test"}))
		Expect(first.Status).To(Equal(apis.CollectionDropped))
		second := lo.Must(store.DropCollection(ctx, &storage.CollectionRequest{Name: "x8-test"}))
		Expect(second.Status).To(Equal(apis.CollectionNotExists))
	})
	It("should turn a guarded drop of a missing collection into NotFound", func() {
		_, err := store.DropCollection(ctx, &storage.CollectionRequest{Name: "absent", Where: "exists()"})
		Expect(errors.IsNotFound(err)).To(BeTrue())
	})
	It("should turn a guarded create of an existing collection into Conflict", func() {
		createCollection("x8-test", false)
		_, err := store.CreateCollection(ctx, &storage.CollectionRequest{Name: "x8-test", Where: "not_exists()"})
		Expect(errors.IsConflict(err)).To(BeTrue())
	})
})

var _ = Describe("Versioned lifecycle", func() {
	const collection = "x8-test-versioned"
	BeforeEach(func() {
		createCollection(collection, true)
	})
	It("should put, get, update and delete across versions", func() {
		put, err := store.Put(ctx, &storage.PutRequest{
			Key:        apis.Key("test4"),
			Value:      []byte("Hello World Four"),
			Collection: collection,
		})
		Expect(err).ToNot(HaveOccurred())
		Expect(put.Properties.ETag).ToNot(BeEmpty())
		Expect(put.Key.Version).ToNot(BeEmpty())

		got, err := store.Get(ctx, &storage.GetRequest{Key: apis.Key("test4"), Collection: collection})
		Expect(err).ToNot(HaveOccurred())
		Expect(got.Value).To(Equal([]byte("Hello World Four")))
		Expect(got.Properties.ETag).To(Equal(put.Properties.ETag))
		Expect(got.Key.Version).To(Equal(put.Key.Version))

		updated, err := store.Update(ctx, &storage.UpdateRequest{
			Key:        apis.Key("test4"),
			Metadata:   map[string]string{"ustr": "uvalue"},
			Collection: collection,
		})
		Expect(err).ToNot(HaveOccurred())
		Expect(updated.Properties.ETag).ToNot(Equal(put.Properties.ETag))

		props, err := store.GetProperties(ctx, &storage.GetRequest{Key: apis.Key("test4"), Collection: collection})
		Expect(err).ToNot(HaveOccurred())
		Expect(props.Metadata).To(HaveKeyWithValue("ustr", "uvalue"))
		Expect(props.Properties.ETag).To(Equal(updated.Properties.ETag))

		Expect(store.Delete(ctx, &storage.DeleteRequest{
			Key:        apis.VersionedKey("test4", apis.AllVersions),
			Collection: collection,
		})).To(Succeed())
		_, err = store.Get(ctx, &storage.GetRequest{Key: apis.Key("test4"), Collection: collection})
		Expect(errors.IsNotFound(err)).To(BeTrue())
	})
	It("should keep N sequential puts as N ascending versions with one latest", func() {
		for i := 0; i < 4; i++ {
			_, err := store.Put(ctx, &storage.PutRequest{
				Key:        apis.Key("history"),
				Value:      []byte(fmt.Sprintf("revision %d", i)),
				Collection: collection,
			})
			Expect(err).ToNot(HaveOccurred())
		}
		item, err := store.GetVersions(ctx, &storage.GetRequest{Key: apis.Key("history"), Collection: collection})
		Expect(err).ToNot(HaveOccurred())
		Expect(item.Versions).To(HaveLen(4))
		for i := 1; i < len(item.Versions); i++ {
			Expect(item.Versions[i].LastModified).To(BeNumerically(">=", item.Versions[i-1].LastModified))
		}
		latest := lo.Filter(item.Versions, func(v apis.ObjectVersion, _ int) bool { return v.Latest })
		Expect(latest).To(HaveLen(1))
		Expect(latest[0].Version).To(Equal(item.Versions[len(item.Versions)-1].Version))
	})
	It("should read named versions after new puts", func() {
		first := lo.Must(store.Put(ctx, &storage.PutRequest{Key: apis.Key("pinned"), Value: []byte("one"), Collection: collection}))
		lo.Must(store.Put(ctx, &storage.PutRequest{Key: apis.Key("pinned"), Value: []byte("two"), Collection: collection}))
		got, err := store.Get(ctx, &storage.GetRequest{Key: apis.VersionedKey("pinned", first.Key.Version), Collection: collection})
		Expect(err).ToNot(HaveOccurred())
		Expect(got.Value).To(Equal([]byte("one")))
	})
	It("should repoint the head when the current version is deleted", func() {
		first := lo.Must(store.Put(ctx, &storage.PutRequest{Key: apis.Key("repoint"), Value: []byte("one"), Collection: collection}))
		lo.Must(store.Put(ctx, &storage.PutRequest{Key: apis.Key("repoint"), Value: []byte("two"), Collection: collection}))
		Expect(store.Delete(ctx, &storage.DeleteRequest{Key: apis.Key("repoint"), Collection: collection})).To(Succeed())
		got, err := store.Get(ctx, &storage.GetRequest{Key: apis.Key("repoint"), Collection: collection})
		Expect(err).ToNot(HaveOccurred())
		Expect(got.Value).To(Equal([]byte("one")))
		Expect(got.Key.Version).To(Equal(first.Key.Version))
	})
})

var _ = Describe("ETag preconditions", func() {
	const collection = "x8-test"
	BeforeEach(func() {
		createCollection(collection, false)
	})
	It("should enforce not_exists, wrong etags and current etags", func() {
		put, err := store.Put(ctx, &storage.PutRequest{
			Key:        apis.Key("test1"),
			Value:      []byte("Hello World One"),
			Where:      "not_exists()",
			Collection: collection,
		})
		Expect(err).ToNot(HaveOccurred())

		_, err = store.Put(ctx, &storage.PutRequest{
			Key:        apis.Key("test1"),
			Value:      []byte("Hello World One"),
			Where:      "not_exists()",
			Collection: collection,
		})
		Expect(errors.IsPreconditionFailed(err)).To(BeTrue())

		_, err = store.Put(ctx, &storage.PutRequest{
			Key:        apis.Key("test1"),
			Value:      []byte("clobber"),
			Where:      "$etag='bogus'",
			Collection: collection,
		})
		Expect(errors.IsPreconditionFailed(err)).To(BeTrue())

		replaced, err := store.Put(ctx, &storage.PutRequest{
			Key:        apis.Key("test1"),
			Value:      []byte("Hello World Two"),
			Where:      fmt.Sprintf("$etag='%s'", put.Properties.ETag),
			Collection: collection,
		})
		Expect(err).ToNot(HaveOccurred())
		Expect(replaced.Properties.ETag).ToNot(Equal(put.Properties.ETag))
	})
	It("should treat the etag wildcard as an existence requirement", func() {
		_, err := store.Put(ctx, &storage.PutRequest{
			Key:        apis.Key("missing"),
			Value:      []byte("x"),
			Where:      "$etag='*'",
			Collection: collection,
		})
		Expect(errors.IsPreconditionFailed(err)).To(BeTrue())
	})
	It("should return NotModified for an if-none-match hit on a read", func() {
		put := lo.Must(store.Put(ctx, &storage.PutRequest{Key: apis.Key("cached"), Value: []byte("x"), Collection: collection}))
		_, err := store.Get(ctx, &storage.GetRequest{
			Key:        apis.Key("cached"),
			Where:      fmt.Sprintf("$etag!='%s'", put.Properties.ETag),
			Collection: collection,
		})
		Expect(errors.IsNotModified(err)).To(BeTrue())
	})
	It("should bump the etag on every successful put and update", func() {
		first := lo.Must(store.Put(ctx, &storage.PutRequest{Key: apis.Key("bump"), Value: []byte("a"), Collection: collection}))
		second := lo.Must(store.Put(ctx, &storage.PutRequest{Key: apis.Key("bump"), Value: []byte("b"), Collection: collection}))
		Expect(second.Properties.ETag).ToNot(Equal(first.Properties.ETag))
		third := lo.Must(store.Update(ctx, &storage.UpdateRequest{
			Key:        apis.Key("bump"),
			Properties: &apis.ObjectProperties{ContentType: "text/plain"},
			Collection: collection,
		}))
		Expect(third.Properties.ETag).ToNot(Equal(second.Properties.ETag))
		Expect(third.Properties.ContentType).To(Equal("text/plain"))
	})
})

var _ = Describe("Range reads", func() {
	const collection = "x8-test"
	BeforeEach(func() {
		createCollection(collection, false)
		_, err := store.Put(ctx, &storage.PutRequest{Key: apis.Key("test1"), Value: []byte("Hello World One"), Collection: collection})
		Expect(err).ToNot(HaveOccurred())
	})
	DescribeTable("inclusive bounds with open ends",
		func(start, end *int64, expected string) {
			got, err := store.Get(ctx, &storage.GetRequest{Key: apis.Key("test1"), Start: start, End: end, Collection: collection})
			Expect(err).ToNot(HaveOccurred())
			Expect(string(got.Value)).To(Equal(expected))
		},
		Entry("open start and end", nil, nil, "Hello World One"),
		Entry("start only", lo.ToPtr(int64(3)), nil, "lo World One"),
		Entry("start and end", lo.ToPtr(int64(3)), lo.ToPtr(int64(7)), "lo Wo"),
		Entry("end only", nil, lo.ToPtr(int64(7)), "Hello Wo"),
	)
	It("should reject inverted and out-of-bounds ranges", func() {
		_, err := store.Get(ctx, &storage.GetRequest{Key: apis.Key("test1"), Start: lo.ToPtr(int64(9)), End: lo.ToPtr(int64(3)), Collection: collection})
		Expect(errors.IsBadRequest(err)).To(BeTrue())
		_, err = store.Get(ctx, &storage.GetRequest{Key: apis.Key("test1"), Start: lo.ToPtr(int64(100)), Collection: collection})
		Expect(errors.IsBadRequest(err)).To(BeTrue())
	})
})

var _ = Describe("Listing", func() {
	const collection = "x8-test"
	BeforeEach(func() {
		createCollection(collection, false)
		for _, id := range []string{
			"data/test02.txt",
			"data/test03.txt",
			"data/ab/test04.txt",
			"data/ab/test05.txt",
			"data/cd/test06.txt",
			"data/xy/test07.txt",
			"data/xy/deep/test08.txt",
			"other/test01.txt",
		} {
			_, err := store.Put(ctx, &storage.PutRequest{Key: apis.Key(id), Value: []byte(id), Collection: collection})
			Expect(err).ToNot(HaveOccurred())
		}
	})
	It("should collapse delimited prefixes in ascending order", func() {
		list, err := store.Query(ctx, &storage.QueryRequest{
			Where:      "starts_with_delimited($id,'data/','/')",
			Collection: collection,
		})
		Expect(err).ToNot(HaveOccurred())
		Expect(lo.Map(list.Items, func(i apis.ObjectItem, _ int) string { return i.Key.ID })).To(Equal([]string{
			"data/test02.txt",
			"data/test03.txt",
		}))
		Expect(list.Prefixes).To(Equal([]string{"data/ab/", "data/cd/", "data/xy/"}))
	})
	It("should count objects plus prefixes", func() {
		count, err := store.Count(ctx, &storage.QueryRequest{
			Where:      "starts_with_delimited($id,'data/','/')",
			Collection: collection,
		})
		Expect(err).ToNot(HaveOccurred())
		Expect(count).To(Equal(5))
	})
	It("should list a plain prefix without collapsing", func() {
		list, err := store.Query(ctx, &storage.QueryRequest{
			Where:      "starts_with($id,'data/xy/')",
			Collection: collection,
		})
		Expect(err).ToNot(HaveOccurred())
		Expect(list.Items).To(HaveLen(2))
		Expect(list.Items[0].Key.ID).To(Equal("data/xy/deep/test08.txt"))
	})
	It("should honor key bounds", func() {
		list, err := store.Query(ctx, &storage.QueryRequest{
			Where:      "$id > 'data/test02.txt' AND $id < 'other/'",
			Collection: collection,
		})
		Expect(err).ToNot(HaveOccurred())
		Expect(lo.Map(list.Items, func(i apis.ObjectItem, _ int) string { return i.Key.ID })).To(Equal([]string{"data/test03.txt", "data/xy/deep/test08.txt", "data/xy/test07.txt"}))
	})
	It("should reject non-listing expressions", func() {
		_, err := store.Query(ctx, &storage.QueryRequest{Where: "$etag='x'", Collection: collection})
		Expect(errors.IsBadRequest(err)).To(BeTrue())
	})
})

var _ = Describe("Paging", func() {
	const collection = "x8-test"
	var all []string
	BeforeEach(func() {
		createCollection(collection, false)
		all = nil
		for i := 0; i < 14; i++ {
			id := fmt.Sprintf("page/test%02d.txt", i)
			all = append(all, id)
			_, err := store.Put(ctx, &storage.PutRequest{Key: apis.Key(id), Value: []byte(id), Collection: collection})
			Expect(err).ToNot(HaveOccurred())
		}
	})
	It("should page 5, 5, 4 with a nil final continuation", func() {
		var pages [][]string
		continuation := ""
		for {
			list, err := store.Query(ctx, &storage.QueryRequest{
				Where:        "starts_with($id,'page/')",
				Continuation: continuation,
				Collection:   collection,
				Config:       &storage.Config{Paging: true, PageSize: 5},
			})
			Expect(err).ToNot(HaveOccurred())
			pages = append(pages, lo.Map(list.Items, func(i apis.ObjectItem, _ int) string { return i.Key.ID }))
			continuation = list.Continuation
			if continuation == "" {
				break
			}
		}
		Expect(pages).To(HaveLen(3))
		Expect(pages[0]).To(HaveLen(5))
		Expect(pages[1]).To(HaveLen(5))
		Expect(pages[2]).To(HaveLen(4))
		Expect(lo.Flatten(pages)).To(Equal(all))
	})
	It("should honor a limit below the page size", func() {
		list, err := store.Query(ctx, &storage.QueryRequest{
			Where:      "starts_with($id,'page/')",
			Limit:      3,
			Collection: collection,
		})
		Expect(err).ToNot(HaveOccurred())
		Expect(list.Items).To(HaveLen(3))
		Expect(list.Continuation).To(Equal("page/test02.txt"))
	})
})

var _ = Describe("Copy and batch", func() {
	const collection = "x8-test"
	BeforeEach(func() {
		createCollection(collection, false)
	})
	It("should copy bytes, metadata and properties", func() {
		_, err := store.Put(ctx, &storage.PutRequest{
			Key:        apis.Key("src"),
			Value:      []byte("payload"),
			Metadata:   map[string]string{"origin": "src"},
			Properties: &apis.ObjectProperties{ContentType: "text/plain"},
			Collection: collection,
		})
		Expect(err).ToNot(HaveOccurred())
		copied, err := store.Copy(ctx, &storage.CopyRequest{
			Key:        apis.Key("dst"),
			Source:     storage.CopySource{ID: "src"},
			Collection: collection,
		})
		Expect(err).ToNot(HaveOccurred())
		Expect(copied.Metadata).To(HaveKeyWithValue("origin", "src"))
		got := lo.Must(store.Get(ctx, &storage.GetRequest{Key: apis.Key("dst"), Collection: collection}))
		Expect(got.Value).To(Equal([]byte("payload")))
		Expect(got.Properties.ContentType).To(Equal("text/plain"))
	})
	It("should fail a copy from a missing source", func() {
		_, err := store.Copy(ctx, &storage.CopyRequest{
			Key:        apis.Key("dst"),
			Source:     storage.CopySource{ID: "absent"},
			Collection: collection,
		})
		Expect(errors.IsNotFound(err)).To(BeTrue())
	})
	It("should apply the destination precondition", func() {
		lo.Must(store.Put(ctx, &storage.PutRequest{Key: apis.Key("src"), Value: []byte("x"), Collection: collection}))
		lo.Must(store.Put(ctx, &storage.PutRequest{Key: apis.Key("dst"), Value: []byte("y"), Collection: collection}))
		_, err := store.Copy(ctx, &storage.CopyRequest{
			Key:        apis.Key("dst"),
			Source:     storage.CopySource{ID: "src"},
			Where:      "not_exists()",
			Collection: collection,
		})
		Expect(errors.IsPreconditionFailed(err)).To(BeTrue())
	})
	It("should delete batches atomically", func() {
		for _, id := range []string{"b/1", "b/2"} {
			lo.Must(store.Put(ctx, &storage.PutRequest{Key: apis.Key(id), Value: []byte(id), Collection: collection}))
		}
		err := store.Batch(ctx, &storage.BatchRequest{
			Operations: []storage.BatchOperation{
				{Type: storage.BatchDelete, Key: apis.Key("b/1")},
				{Type: storage.BatchDelete, Key: apis.Key("b/missing")},
			},
			Collection: collection,
		})
		Expect(errors.IsNotFound(err)).To(BeTrue())
		// The failed batch rolled back; b/1 survives, bytes included.
		got, err := store.Get(ctx, &storage.GetRequest{Key: apis.Key("b/1"), Collection: collection})
		Expect(err).ToNot(HaveOccurred())
		Expect(got.Value).To(Equal([]byte("b/1")))

		Expect(store.Batch(ctx, &storage.BatchRequest{
			Operations: []storage.BatchOperation{
				{Type: storage.BatchDelete, Key: apis.Key("b/1")},
				{Type: storage.BatchDelete, Key: apis.Key("b/2")},
			},
			Collection: collection,
		})).To(Succeed())
		_, err = store.Get(ctx, &storage.GetRequest{Key: apis.Key("b/2"), Collection: collection})
		Expect(errors.IsNotFound(err)).To(BeTrue())
	})
	It("should reject mixed batches", func() {
		err := store.Batch(ctx, &storage.BatchRequest{
			Operations: []storage.BatchOperation{{Type: "put", Key: apis.Key("x")}},
			Collection: collection,
		})
		Expect(errors.IsBadRequest(err)).To(BeTrue())
	})
})

var _ = Describe("Generate", func() {
	const collection = "x8-test"
	BeforeEach(func() {
		createCollection(collection, false)
		lo.Must(store.Put(ctx, &storage.PutRequest{Key: apis.Key("signed"), Value: []byte("x"), Collection: collection}))
	})
	It("should mint a file URL for reads", func() {
		item, err := store.Generate(ctx, &storage.GenerateRequest{Key: apis.Key("signed"), Method: storage.MethodGet, Expiry: time.Minute, Collection: collection})
		Expect(err).ToNot(HaveOccurred())
		Expect(item.URL).To(HavePrefix("file://"))
	})
	It("should refuse mutating methods", func() {
		_, err := store.Generate(ctx, &storage.GenerateRequest{Key: apis.Key("signed"), Method: storage.MethodPut, Expiry: time.Minute, Collection: collection})
		Expect(errors.IsUnsupported(err)).To(BeTrue())
	})
})
