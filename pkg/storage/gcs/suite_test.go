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

package gcs

import (
	"testing"

	"github.com/samber/lo"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/strato-cloud/strato/pkg/apis"
	"github.com/strato-cloud/strato/pkg/errors"
)

func TestGCS(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Storage/GCS")
}

var _ = Describe("Condition translation", func() {
	It("should map a not-exists requirement to DoesNotExist", func() {
		native, rest := conds(apis.MatchCondition{Exists: lo.ToPtr(false)})
		Expect(rest.Empty()).To(BeTrue())
		Expect(native.DoesNotExist).To(BeTrue())
	})
	It("should map a version match to a generation match", func() {
		native, rest := conds(apis.MatchCondition{IfVersionMatch: "1694000000000001"})
		Expect(rest.Empty()).To(BeTrue())
		Expect(native.GenerationMatch).To(Equal(int64(1694000000000001)))
	})
	It("should leave etag conditions for the pre-check", func() {
		native, rest := conds(apis.MatchCondition{IfMatch: "abc", IfNoneMatch: "def"})
		Expect(native).To(BeNil())
		Expect(rest.IfMatch).To(Equal("abc"))
		Expect(rest.IfNoneMatch).To(Equal("def"))
	})
	It("should leave a non-numeric version match for the pre-check", func() {
		native, rest := conds(apis.MatchCondition{IfVersionMatch: "null"})
		Expect(native).To(BeNil())
		Expect(rest.IfVersionMatch).To(Equal("null"))
	})
	It("should return no native conditions for an empty match", func() {
		native, rest := conds(apis.MatchCondition{})
		Expect(native).To(BeNil())
		Expect(rest.Empty()).To(BeTrue())
	})
})

var _ = Describe("Range translation", func() {
	DescribeTable("inclusive bounds to offset and length",
		func(start, end *int64, expectedOffset, expectedLength int64) {
			offset, length := readRange(start, end)
			Expect(offset).To(Equal(expectedOffset))
			Expect(length).To(Equal(expectedLength))
		},
		Entry("open start and end", nil, nil, int64(0), int64(-1)),
		Entry("start only", lo.ToPtr(int64(3)), nil, int64(3), int64(-1)),
		Entry("start and end", lo.ToPtr(int64(3)), lo.ToPtr(int64(7)), int64(3), int64(5)),
		Entry("end only", nil, lo.ToPtr(int64(7)), int64(0), int64(8)),
	)
})

var _ = Describe("Generations", func() {
	It("should round-trip a generation through the version string", func() {
		version := versionString(1694000000000042)
		gen, err := generation(version)
		Expect(err).ToNot(HaveOccurred())
		Expect(gen).To(Equal(int64(1694000000000042)))
	})
	It("should reject a malformed version", func() {
		_, err := generation("not-a-generation")
		Expect(errors.IsBadRequest(err)).To(BeTrue())
	})
})

var _ = Describe("Storage classes", func() {
	It("should round-trip every storage class", func() {
		for class, native := range storageClassTo {
			Expect(storageClassFrom[native]).To(Equal(class))
		}
		Expect(storageClassTo[apis.StorageClassHot]).To(Equal("STANDARD"))
		Expect(storageClassTo[apis.StorageClassCool]).To(Equal("NEARLINE"))
		Expect(storageClassTo[apis.StorageClassCold]).To(Equal("COLDLINE"))
		Expect(storageClassTo[apis.StorageClassArchive]).To(Equal("ARCHIVE"))
	})
})
