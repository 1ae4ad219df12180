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

package s3

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/samber/lo"
	"go.uber.org/multierr"
	"k8s.io/client-go/util/workqueue"

	"github.com/strato-cloud/strato/pkg/apis"
	"github.com/strato-cloud/strato/pkg/errors"
	"github.com/strato-cloud/strato/pkg/storage"
)

// emission is one listing result in ascending key order: either an object or
// a delimiter-collapsed common prefix.
type emission struct {
	key    string
	prefix bool
	object *s3types.Object
}

// Query lists natively: prefix, delimiter and start-after run server-side;
// the upper bound, limit and continuation bookkeeping run here. The
// continuation is the last emitted key and a resume skips everything at or
// before it, which also covers resuming inside a collapsed prefix group.
func (p *Provider) Query(ctx context.Context, req *storage.QueryRequest) (*apis.ObjectList, error) {
	bucket, err := p.bucket(req.Collection)
	if err != nil {
		return nil, err
	}
	pageSize := 0
	if req.Config != nil && req.Config.Paging {
		pageSize = req.Config.PageSize
	}
	full := func(emitted int) bool {
		if req.Limit > 0 && emitted >= req.Limit {
			return true
		}
		return pageSize > 0 && emitted >= pageSize
	}
	list := &apis.ObjectList{}
	emitted := 0
	last := ""
	err = p.walk(ctx, bucket, req, func(e emission) bool {
		if full(emitted) {
			// One more emission proves the page is truncated.
			list.Continuation = last
			return false
		}
		emitted++
		last = e.key
		if e.prefix {
			list.Prefixes = append(list.Prefixes, e.key)
			return true
		}
		list.Items = append(list.Items, apis.ObjectItem{
			Key: apis.Key(e.key),
			Properties: &apis.ObjectProperties{
				ContentLength: aws.ToInt64(e.object.Size),
				ETag:          trimETag(e.object.ETag),
				LastModified:  apis.EpochSeconds(aws.ToTime(e.object.LastModified)),
				StorageClass:  storageClassFromS3[s3types.StorageClass(e.object.StorageClass)],
			},
		})
		return true
	})
	if err != nil {
		return nil, err
	}
	return list, nil
}

// Count drains the listing ignoring limit and continuation, reporting objects
// plus collapsed prefixes.
func (p *Provider) Count(ctx context.Context, req *storage.QueryRequest) (int, error) {
	bucket, err := p.bucket(req.Collection)
	if err != nil {
		return 0, err
	}
	unbounded := *req
	unbounded.Limit = 0
	unbounded.Continuation = ""
	unbounded.Config = nil
	count := 0
	err = p.walk(ctx, bucket, &unbounded, func(emission) bool {
		count++
		return true
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// walk feeds every in-bounds emission to visit in ascending key order,
// following native pagination until visit stops it or the keys run out.
func (p *Provider) walk(ctx context.Context, bucket string, req *storage.QueryRequest, visit func(emission) bool) error {
	input := &awss3.ListObjectsV2Input{
		Bucket:    aws.String(bucket),
		Prefix:    lo.EmptyableToPtr(req.Plan.Prefix),
		Delimiter: lo.EmptyableToPtr(req.Plan.Delimiter),
	}
	if after := lo.Max([]string{req.Plan.After, req.Continuation}); after != "" {
		input.StartAfter = aws.String(after)
	}
	for {
		out, err := p.s3api.ListObjectsV2(ctx, input)
		if err != nil {
			return errors.FromAWS(err)
		}
		for _, e := range merge(out) {
			if req.Plan.Before != "" && e.key >= req.Plan.Before {
				return nil
			}
			// A prefix group resumes at its own collapsed key, which
			// start-after alone does not skip.
			if req.Continuation != "" && e.key <= req.Continuation {
				continue
			}
			if !visit(e) {
				return nil
			}
		}
		if !aws.ToBool(out.IsTruncated) {
			return nil
		}
		input.ContinuationToken = out.NextContinuationToken
		input.StartAfter = nil
	}
}

// merge interleaves the page's objects and common prefixes back into one
// ascending sequence; both inputs arrive sorted.
func merge(out *awss3.ListObjectsV2Output) []emission {
	emissions := make([]emission, 0, len(out.Contents)+len(out.CommonPrefixes))
	i, j := 0, 0
	for i < len(out.Contents) || j < len(out.CommonPrefixes) {
		switch {
		case j >= len(out.CommonPrefixes):
			emissions = append(emissions, emission{key: aws.ToString(out.Contents[i].Key), object: &out.Contents[i]})
			i++
		case i >= len(out.Contents) || aws.ToString(out.CommonPrefixes[j].Prefix) < aws.ToString(out.Contents[i].Key):
			emissions = append(emissions, emission{key: aws.ToString(out.CommonPrefixes[j].Prefix), prefix: true})
			j++
		default:
			emissions = append(emissions, emission{key: aws.ToString(out.Contents[i].Key), object: &out.Contents[i]})
			i++
		}
	}
	return emissions
}

// Batch fans the deletes out through the delete batcher, which folds them
// back into as few DeleteObjects calls as possible. Atomicity is per key.
func (p *Provider) Batch(ctx context.Context, req *storage.BatchRequest) error {
	bucket, err := p.bucket(req.Collection)
	if err != nil {
		return err
	}
	errs := make([]error, len(req.Operations))
	workqueue.ParallelizeUntil(ctx, 10, len(req.Operations), func(i int) {
		op := req.Operations[i]
		if err := p.check(ctx, bucket, op.Key.ID, apis.MatchCondition{}, false); err != nil {
			errs[i] = err
			return
		}
		identifier := s3types.ObjectIdentifier{Key: aws.String(op.Key.ID)}
		if op.Key.Version != "" && op.Key.Version != apis.AllVersions {
			identifier.VersionId = aws.String(op.Key.Version)
		}
		errs[i] = p.deleteIdentifier(ctx, bucket, identifier)
	})
	return multierr.Combine(errs...)
}
