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
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/mitchellh/hashstructure/v2"
	"github.com/samber/lo"
	"sigs.k8s.io/controller-runtime/pkg/log"

	sdk "github.com/strato-cloud/strato/pkg/aws"
)

// DeleteObjectsBatcher coalesces single-key version deletes into S3
// DeleteObjects calls. Wildcard deletes fan out to one request per version,
// which is exactly the shape this batcher folds back together.
type DeleteObjectsBatcher struct {
	batcher *Batcher[s3.DeleteObjectsInput, s3.DeleteObjectsOutput]
}

func NewDeleteObjectsBatcher(ctx context.Context, s3api sdk.S3API) *DeleteObjectsBatcher {
	options := Options[s3.DeleteObjectsInput, s3.DeleteObjectsOutput]{
		Name:          "delete_objects",
		IdleTimeout:   100 * time.Millisecond,
		MaxTimeout:    1 * time.Second,
		MaxItems:      500,
		RequestHasher: BucketHasher,
		BatchExecutor: execDeleteObjectsBatch(s3api),
	}
	return &DeleteObjectsBatcher{batcher: NewBatcher(ctx, options)}
}

func (b *DeleteObjectsBatcher) DeleteObjects(ctx context.Context, input *s3.DeleteObjectsInput) (*s3.DeleteObjectsOutput, error) {
	if input.Delete == nil || len(input.Delete.Objects) != 1 {
		return nil, fmt.Errorf("expected to receive a single object only, found %d", lo.TernaryF(input.Delete == nil, func() int { return 0 }, func() int { return len(input.Delete.Objects) }))
	}
	result := b.batcher.Add(ctx, input)
	return result.Output, result.Err
}

// BucketHasher buckets requests by bucket so one call never spans buckets.
func BucketHasher(ctx context.Context, input *s3.DeleteObjectsInput) uint64 {
	hash, err := hashstructure.Hash(input.Bucket, hashstructure.FormatV2, &hashstructure.HashOptions{SlicesAsSets: true})
	if err != nil {
		log.FromContext(ctx).Error(err, "failed hashing bucket")
	}
	return hash
}

func execDeleteObjectsBatch(s3api sdk.S3API) BatchExecutor[s3.DeleteObjectsInput, s3.DeleteObjectsOutput] {
	return func(ctx context.Context, inputs []*s3.DeleteObjectsInput) []Result[s3.DeleteObjectsOutput] {
		results := make([]Result[s3.DeleteObjectsOutput], len(inputs))
		firstInput := *inputs[0]
		merged := &s3types.Delete{Quiet: aws.Bool(false)}
		for _, input := range inputs {
			merged.Objects = append(merged.Objects, input.Delete.Objects...)
		}
		firstInput.Delete = merged

		out, err := s3api.DeleteObjects(ctx, &firstInput)
		if err != nil {
			for i := range results {
				results[i] = Result[s3.DeleteObjectsOutput]{Err: err}
			}
			return results
		}

		for i, input := range inputs {
			want := input.Delete.Objects[0]
			if failure, ok := lo.Find(out.Errors, func(e s3types.Error) bool {
				return identifierMatches(want, aws.ToString(e.Key), aws.ToString(e.VersionId))
			}); ok {
				results[i] = Result[s3.DeleteObjectsOutput]{
					Err: &smithy.GenericAPIError{Code: aws.ToString(failure.Code), Message: aws.ToString(failure.Message)},
				}
				continue
			}
			deleted := lo.Filter(out.Deleted, func(d s3types.DeletedObject, _ int) bool {
				return identifierMatches(want, aws.ToString(d.Key), aws.ToString(d.VersionId))
			})
			results[i] = Result[s3.DeleteObjectsOutput]{Output: &s3.DeleteObjectsOutput{Deleted: deleted}}
		}
		return results
	}
}

func identifierMatches(want s3types.ObjectIdentifier, key, versionID string) bool {
	if aws.ToString(want.Key) != key {
		return false
	}
	// Unversioned requests match any version the backend reports.
	return want.VersionId == nil || aws.ToString(want.VersionId) == versionID
}
