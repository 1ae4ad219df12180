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

package batcher

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/strato-cloud/strato/pkg/fake"
	"github.com/strato-cloud/strato/pkg/test"
)

var (
	ctx   context.Context
	s3api *fake.S3API
)

func TestBatcher(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Batcher")
}

var _ = BeforeEach(func() {
	ctx = test.Context()
	s3api = fake.NewS3API()
})

func seedBucket(name string, keys ...string) {
	bucket := &fake.S3Bucket{Versioned: true, Objects: map[string][]*fake.S3Object{}}
	for _, key := range keys {
		bucket.Objects[key] = []*fake.S3Object{{Key: key, VersionID: "v1"}}
	}
	s3api.Buckets[name] = bucket
}

var _ = Describe("DeleteObjects Batcher", func() {
	var batcher *DeleteObjectsBatcher

	BeforeEach(func() {
		batcher = NewDeleteObjectsBatcher(ctx, s3api)
	})

	It("should coalesce concurrent single-key deletes into one call", func() {
		keys := []string{"a/1", "a/2", "a/3", "a/4", "a/5"}
		seedBucket("data", keys...)

		var wg sync.WaitGroup
		for _, key := range keys {
			wg.Add(1)
			go func(key string) {
				defer GinkgoRecover()
				defer wg.Done()
				out, err := batcher.DeleteObjects(ctx, &s3.DeleteObjectsInput{
					Bucket: aws.String("data"),
					Delete: &s3types.Delete{Objects: []s3types.ObjectIdentifier{{Key: aws.String(key), VersionId: aws.String("v1")}}},
				})
				Expect(err).ToNot(HaveOccurred())
				Expect(out.Deleted).To(HaveLen(1))
				Expect(aws.ToString(out.Deleted[0].Key)).To(Equal(key))
			}(key)
		}
		wg.Wait()

		Expect(s3api.DeleteObjectsBehavior.CalledWithInput.Len()).To(Equal(1))
		call := s3api.DeleteObjectsBehavior.CalledWithInput.Pop()
		Expect(call.Delete.Objects).To(HaveLen(len(keys)))
		Expect(s3api.Buckets["data"].Objects).To(BeEmpty())
	})

	It("should never batch across buckets", func() {
		seedBucket("left", "k")
		seedBucket("right", "k")

		var wg sync.WaitGroup
		for _, bucket := range []string{"left", "right"} {
			wg.Add(1)
			go func(bucket string) {
				defer GinkgoRecover()
				defer wg.Done()
				_, err := batcher.DeleteObjects(ctx, &s3.DeleteObjectsInput{
					Bucket: aws.String(bucket),
					Delete: &s3types.Delete{Objects: []s3types.ObjectIdentifier{{Key: aws.String("k"), VersionId: aws.String("v1")}}},
				})
				Expect(err).ToNot(HaveOccurred())
			}(bucket)
		}
		wg.Wait()

		Expect(s3api.DeleteObjectsBehavior.CalledWithInput.Len()).To(Equal(2))
	})

	It("should hand each caller only its own failure", func() {
		s3api.DeleteObjectsBehavior.Output.Set(&s3.DeleteObjectsOutput{
			Deleted: []s3types.DeletedObject{{Key: aws.String("ok"), VersionId: aws.String("v1")}},
			Errors:  []s3types.Error{{Key: aws.String("denied"), VersionId: aws.String("v1"), Code: aws.String("AccessDenied"), Message: aws.String("nope")}},
		})

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer GinkgoRecover()
			defer wg.Done()
			out, err := batcher.DeleteObjects(ctx, &s3.DeleteObjectsInput{
				Bucket: aws.String("data"),
				Delete: &s3types.Delete{Objects: []s3types.ObjectIdentifier{{Key: aws.String("ok"), VersionId: aws.String("v1")}}},
			})
			Expect(err).ToNot(HaveOccurred())
			Expect(out.Deleted).To(HaveLen(1))
		}()
		go func() {
			defer GinkgoRecover()
			defer wg.Done()
			_, err := batcher.DeleteObjects(ctx, &s3.DeleteObjectsInput{
				Bucket: aws.String("data"),
				Delete: &s3types.Delete{Objects: []s3types.ObjectIdentifier{{Key: aws.String("denied"), VersionId: aws.String("v1")}}},
			})
			Expect(err).To(MatchError(ContainSubstring("AccessDenied")))
		}()
		wg.Wait()
	})

	It("should refuse inputs carrying more than one object", func() {
		_, err := batcher.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String("data"),
			Delete: &s3types.Delete{Objects: []s3types.ObjectIdentifier{
				{Key: aws.String("a")},
				{Key: aws.String("b")},
			}},
		})
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("Hashers", func() {
	It("should spread distinct buckets and pin identical ones", func() {
		left := &s3.DeleteObjectsInput{Bucket: aws.String("left")}
		alsoLeft := &s3.DeleteObjectsInput{Bucket: aws.String("left")}
		right := &s3.DeleteObjectsInput{Bucket: aws.String("right")}
		Expect(BucketHasher(ctx, left)).To(Equal(BucketHasher(ctx, alsoLeft)))
		Expect(BucketHasher(ctx, left)).ToNot(Equal(BucketHasher(ctx, right)))
	})
	It("should put everything in one bucket with OneBucketHasher", func() {
		inputs := make([]*s3.DeleteObjectsInput, 3)
		for i := range inputs {
			inputs[i] = &s3.DeleteObjectsInput{Bucket: aws.String(fmt.Sprintf("bucket-%d", i))}
		}
		for _, input := range inputs {
			Expect(OneBucketHasher(ctx, input)).To(Equal(uint64(0)))
		}
	})
})
