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
	"context"

	gstorage "cloud.google.com/go/storage"
	"github.com/samber/lo"
	"google.golang.org/api/iterator"

	"github.com/strato-cloud/strato/pkg/apis"
	"github.com/strato-cloud/strato/pkg/errors"
	"github.com/strato-cloud/strato/pkg/storage"
)

type emission struct {
	key    string
	prefix bool
	attrs  *gstorage.ObjectAttrs
}

// Query lists through the object iterator. Prefix, delimiter and both key
// bounds translate natively; the continuation is the last emitted key and a
// resume skips everything at or before it.
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
			list.Continuation = last
			return false
		}
		emitted++
		last = e.key
		if e.prefix {
			list.Prefixes = append(list.Prefixes, e.key)
			return true
		}
		list.Items = append(list.Items, *itemFromAttrs(e.attrs))
		return true
	})
	if err != nil {
		return nil, err
	}
	return list, nil
}

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

// walk feeds in-bounds emissions to visit in ascending key order. StartOffset
// and EndOffset push the bounds server-side; the client-side guards stay for
// resumes inside a collapsed prefix group.
func (p *Provider) walk(ctx context.Context, bucket *gstorage.BucketHandle, req *storage.QueryRequest, visit func(emission) bool) error {
	query := &gstorage.Query{
		Prefix:      req.Plan.Prefix,
		Delimiter:   req.Plan.Delimiter,
		StartOffset: lo.Max([]string{req.Plan.After, req.Continuation}),
		EndOffset:   req.Plan.Before,
	}
	it := bucket.Objects(ctx, query)
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			return nil
		}
		if err != nil {
			return errors.FromGCP(err)
		}
		e := emission{key: attrs.Name, attrs: attrs}
		if attrs.Prefix != "" {
			e = emission{key: attrs.Prefix, prefix: true}
		}
		if req.Plan.Before != "" && e.key >= req.Plan.Before {
			return nil
		}
		if req.Plan.After != "" && e.key <= req.Plan.After {
			continue
		}
		if req.Continuation != "" && e.key <= req.Continuation {
			continue
		}
		if !visit(e) {
			return nil
		}
	}
}

// Batch runs the deletes sequentially; GCS has no multi-object delete, so
// atomicity stays per key and the first failure stops the batch.
func (p *Provider) Batch(ctx context.Context, req *storage.BatchRequest) error {
	bucket, err := p.bucket(req.Collection)
	if err != nil {
		return err
	}
	for _, op := range req.Operations {
		switch {
		case op.Key.Version == apis.AllVersions:
			if err := p.deleteAllGenerations(ctx, bucket, op.Key.ID); err != nil {
				return err
			}
		case op.Key.Version != "":
			gen, err := generation(op.Key.Version)
			if err != nil {
				return err
			}
			if err := bucket.Object(op.Key.ID).Generation(gen).Delete(ctx); err != nil {
				return errors.FromGCP(err)
			}
		default:
			if err := bucket.Object(op.Key.ID).Delete(ctx); err != nil {
				return errors.FromGCP(err)
			}
		}
	}
	return nil
}
