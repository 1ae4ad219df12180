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

package azblob

import (
	"testing"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/samber/lo"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/strato-cloud/strato/pkg/apis"
)

func TestAzblob(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Storage/AzureBlob")
}

var _ = Describe("Condition translation", func() {
	It("should map etag and time conditions onto access conditions", func() {
		access, rest := conditions(apis.MatchCondition{
			IfMatch:           "abc",
			IfNoneMatch:       "def",
			IfModifiedSince:   lo.ToPtr(float64(100)),
			IfUnmodifiedSince: lo.ToPtr(float64(200)),
		})
		Expect(rest.Empty()).To(BeTrue())
		Expect(access.ModifiedAccessConditions.IfMatch).To(Equal(lo.ToPtr(azcore.ETag("abc"))))
		Expect(access.ModifiedAccessConditions.IfNoneMatch).To(Equal(lo.ToPtr(azcore.ETag("def"))))
		Expect(access.ModifiedAccessConditions.IfModifiedSince.Unix()).To(Equal(int64(100)))
		Expect(access.ModifiedAccessConditions.IfUnmodifiedSince.Unix()).To(Equal(int64(200)))
	})
	It("should render a not-exists requirement as the wildcard if-none-match", func() {
		access, rest := conditions(apis.MatchCondition{Exists: lo.ToPtr(false)})
		Expect(rest.Empty()).To(BeTrue())
		Expect(access.ModifiedAccessConditions.IfNoneMatch).To(Equal(lo.ToPtr(azcore.ETagAny)))
	})
	It("should leave version conditions for the pre-check", func() {
		access, rest := conditions(apis.MatchCondition{IfVersionMatch: "v1", IfMatch: "abc"})
		Expect(access.ModifiedAccessConditions.IfMatch).To(Equal(lo.ToPtr(azcore.ETag("abc"))))
		Expect(rest.IfVersionMatch).To(Equal("v1"))
		Expect(rest.IfMatch).To(BeEmpty())
	})
	It("should return no access conditions for an empty match", func() {
		access, rest := conditions(apis.MatchCondition{})
		Expect(access).To(BeNil())
		Expect(rest.Empty()).To(BeTrue())
	})
})

var _ = Describe("Range translation", func() {
	DescribeTable("inclusive bounds to offset and count",
		func(start, end *int64, expected blob.HTTPRange) {
			Expect(httpRange(start, end)).To(Equal(expected))
		},
		Entry("open start and end", nil, nil, blob.HTTPRange{}),
		Entry("start only", lo.ToPtr(int64(3)), nil, blob.HTTPRange{Offset: 3}),
		Entry("start and end", lo.ToPtr(int64(3)), lo.ToPtr(int64(7)), blob.HTTPRange{Offset: 3, Count: 5}),
		Entry("end only", nil, lo.ToPtr(int64(7)), blob.HTTPRange{Count: 8}),
	)
})

var _ = Describe("Access tiers", func() {
	It("should round-trip every storage class", func() {
		for class, tier := range accessTierTo {
			Expect(accessTierFrom[tier]).To(Equal(class))
		}
		Expect(accessTierTo[apis.StorageClassHot]).To(Equal(blob.AccessTierHot))
		Expect(accessTierTo[apis.StorageClassArchive]).To(Equal(blob.AccessTierArchive))
	})
})
