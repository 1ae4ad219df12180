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

// Package storage is the provider-agnostic object store: conditional writes
// against opaque etags, explicit versions, range reads, prefix and delimiter
// listings with paging, signed URLs, and batch deletes. The component owns
// request validation and query compilation; providers own translation to
// their backend.
package storage

import (
	"context"

	"github.com/samber/lo"

	"github.com/strato-cloud/strato/pkg/apis"
	"github.com/strato-cloud/strato/pkg/errors"
	"github.com/strato-cloud/strato/pkg/metrics"
	"github.com/strato-cloud/strato/pkg/query"
)

// ObjectStore dispatches uniform operations to one Provider. It is cheap to
// construct; callers wanting isolated caches construct separate providers.
type ObjectStore struct {
	provider Provider
}

func New(provider Provider) *ObjectStore {
	return &ObjectStore{provider: provider}
}

// Provider exposes the backend, for callers composing components.
func (s *ObjectStore) Provider() Provider {
	return s.provider
}

func (s *ObjectStore) Close() error {
	return s.provider.Close()
}

// Put writes a new object or a new version, applying the request's match
// condition atomically against the current head.
func (s *ObjectStore) Put(ctx context.Context, req *PutRequest) (*apis.ObjectItem, error) {
	if err := s.compileMatch(&req.Match, req.Where, req.Params); err != nil {
		return nil, err
	}
	if lo.CountBy([]bool{req.Value != nil, req.File != "", req.Stream != nil}, isTrue) > 1 {
		return nil, errors.NewBadRequest("storage: put accepts exactly one of value, file or stream")
	}
	return measure[*apis.ObjectItem](ctx, s.provider.Name(), "put", func(ctx context.Context) (*apis.ObjectItem, error) {
		return s.provider.Put(ctx, req)
	})
}

// Get reads the object, or the inclusive byte range [start..end] when either
// bound is set. An if-none-match hit on the current etag returns NotModified.
func (s *ObjectStore) Get(ctx context.Context, req *GetRequest) (*apis.ObjectItem, error) {
	if err := s.prepareGet(req); err != nil {
		return nil, err
	}
	return measure[*apis.ObjectItem](ctx, s.provider.Name(), "get", func(ctx context.Context) (*apis.ObjectItem, error) {
		return s.provider.Get(ctx, req)
	})
}

// GetMetadata reads user metadata without fetching the body.
func (s *ObjectStore) GetMetadata(ctx context.Context, req *GetRequest) (*apis.ObjectItem, error) {
	if err := s.prepareGet(req); err != nil {
		return nil, err
	}
	return measure[*apis.ObjectItem](ctx, s.provider.Name(), "get_metadata", func(ctx context.Context) (*apis.ObjectItem, error) {
		return s.provider.GetMetadata(ctx, req)
	})
}

// GetProperties reads system properties without fetching the body.
func (s *ObjectStore) GetProperties(ctx context.Context, req *GetRequest) (*apis.ObjectItem, error) {
	if err := s.prepareGet(req); err != nil {
		return nil, err
	}
	return measure[*apis.ObjectItem](ctx, s.provider.Name(), "get_properties", func(ctx context.Context) (*apis.ObjectItem, error) {
		return s.provider.GetProperties(ctx, req)
	})
}

// GetVersions returns the object's version history, oldest first, with
// exactly one Latest marker.
func (s *ObjectStore) GetVersions(ctx context.Context, req *GetRequest) (*apis.ObjectItem, error) {
	if err := s.prepareGet(req); err != nil {
		return nil, err
	}
	return measure[*apis.ObjectItem](ctx, s.provider.Name(), "get_versions", func(ctx context.Context) (*apis.ObjectItem, error) {
		return s.provider.GetVersions(ctx, req)
	})
}

// Update modifies metadata and properties atomically without uploading
// bytes. Even a property-only update bumps last_modified and the etag.
func (s *ObjectStore) Update(ctx context.Context, req *UpdateRequest) (*apis.ObjectItem, error) {
	if err := s.compileMatch(&req.Match, req.Where, req.Params); err != nil {
		return nil, err
	}
	if len(req.Metadata) == 0 && req.Properties == nil {
		return nil, errors.NewBadRequest("storage: update requires metadata or properties")
	}
	return measure[*apis.ObjectItem](ctx, s.provider.Name(), "update", func(ctx context.Context) (*apis.ObjectItem, error) {
		return s.provider.Update(ctx, req)
	})
}

// Delete removes the head (no version), one named version, or every version
// (version "*").
func (s *ObjectStore) Delete(ctx context.Context, req *DeleteRequest) error {
	if err := s.compileMatch(&req.Match, req.Where, req.Params); err != nil {
		return err
	}
	_, err := measure[struct{}](ctx, s.provider.Name(), "delete", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.provider.Delete(ctx, req)
	})
	return err
}

// Copy duplicates bytes, metadata and properties from Source to Key. The
// match condition applies to the destination's pre-state.
func (s *ObjectStore) Copy(ctx context.Context, req *CopyRequest) (*apis.ObjectItem, error) {
	if err := s.compileMatch(&req.Match, req.Where, req.Params); err != nil {
		return nil, err
	}
	if req.Source.ID == "" {
		return nil, errors.NewBadRequest("storage: copy requires a source id")
	}
	return measure[*apis.ObjectItem](ctx, s.provider.Name(), "copy", func(ctx context.Context) (*apis.ObjectItem, error) {
		return s.provider.Copy(ctx, req)
	})
}

// Generate mints a signed URL authorizing Method on the object until Expiry
// elapses.
func (s *ObjectStore) Generate(ctx context.Context, req *GenerateRequest) (*apis.ObjectItem, error) {
	switch req.Method {
	case MethodGet, MethodPut, MethodDelete:
	default:
		return nil, errors.NewBadRequest("storage: generate method %q is not one of GET, PUT, DELETE", req.Method)
	}
	if req.Expiry <= 0 {
		return nil, errors.NewBadRequest("storage: generate requires a positive expiry")
	}
	return measure[*apis.ObjectItem](ctx, s.provider.Name(), "generate", func(ctx context.Context) (*apis.ObjectItem, error) {
		return s.provider.Generate(ctx, req)
	})
}

// Query lists objects in ascending binary key order, honoring the compiled
// prefix, delimiter and bounds, the limit, and paging configuration.
func (s *ObjectStore) Query(ctx context.Context, req *QueryRequest) (*apis.ObjectList, error) {
	if err := s.compileListing(req); err != nil {
		return nil, err
	}
	return measure[*apis.ObjectList](ctx, s.provider.Name(), "query", func(ctx context.Context) (*apis.ObjectList, error) {
		return s.provider.Query(ctx, req)
	})
}

// Count returns the total number of objects plus collapsed prefixes the same
// query would list.
func (s *ObjectStore) Count(ctx context.Context, req *QueryRequest) (int, error) {
	if err := s.compileListing(req); err != nil {
		return 0, err
	}
	return measure[int](ctx, s.provider.Name(), "count", func(ctx context.Context) (int, error) {
		return s.provider.Count(ctx, req)
	})
}

// Batch executes a homogeneous delete batch.
func (s *ObjectStore) Batch(ctx context.Context, req *BatchRequest) error {
	if len(req.Operations) == 0 {
		return nil
	}
	for _, op := range req.Operations {
		if op.Type != BatchDelete {
			return errors.NewBadRequest("storage: batch supports delete operations only, got %q", op.Type)
		}
	}
	_, err := measure[struct{}](ctx, s.provider.Name(), "batch", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.provider.Batch(ctx, req)
	})
	return err
}

// CreateCollection creates the collection; an existing one reports EXISTS
// unless a not_exists() condition turns that into a Conflict.
func (s *ObjectStore) CreateCollection(ctx context.Context, req *CollectionRequest) (*apis.CollectionResult, error) {
	if err := s.compileExists(req); err != nil {
		return nil, err
	}
	return measure[*apis.CollectionResult](ctx, s.provider.Name(), "create_collection", func(ctx context.Context) (*apis.CollectionResult, error) {
		return s.provider.CreateCollection(ctx, req)
	})
}

// DropCollection drops the collection; a missing one reports NOT_EXISTS
// unless an exists() condition turns that into a NotFound.
func (s *ObjectStore) DropCollection(ctx context.Context, req *CollectionRequest) (*apis.CollectionResult, error) {
	if err := s.compileExists(req); err != nil {
		return nil, err
	}
	return measure[*apis.CollectionResult](ctx, s.provider.Name(), "drop_collection", func(ctx context.Context) (*apis.CollectionResult, error) {
		return s.provider.DropCollection(ctx, req)
	})
}

// HasCollection probes for the collection.
func (s *ObjectStore) HasCollection(ctx context.Context, req *CollectionRequest) (bool, error) {
	return measure[bool](ctx, s.provider.Name(), "has_collection", func(ctx context.Context) (bool, error) {
		return s.provider.HasCollection(ctx, req)
	})
}

func (s *ObjectStore) prepareGet(req *GetRequest) error {
	if err := s.compileMatch(&req.Match, req.Where, req.Params); err != nil {
		return err
	}
	if req.Start != nil && *req.Start < 0 {
		return errors.NewBadRequest("storage: range start %d is negative", *req.Start)
	}
	if req.End != nil && *req.End < 0 {
		return errors.NewBadRequest("storage: range end %d is negative", *req.End)
	}
	if req.Start != nil && req.End != nil && *req.End < *req.Start {
		return errors.NewBadRequest("storage: range end %d precedes start %d", *req.End, *req.Start)
	}
	return nil
}

func (s *ObjectStore) compileMatch(target *apis.MatchCondition, where string, params map[string]interface{}) error {
	if where == "" {
		return nil
	}
	match, err := query.ParseMatch(where, params)
	if err != nil {
		return err
	}
	*target = match
	return nil
}

func (s *ObjectStore) compileListing(req *QueryRequest) error {
	if req.Where == "" {
		return nil
	}
	plan, err := query.ParseListing(req.Where, req.Params)
	if err != nil {
		return err
	}
	req.Plan = plan
	return nil
}

func (s *ObjectStore) compileExists(req *CollectionRequest) error {
	if req.Where == "" {
		return nil
	}
	expr, err := query.Parse(req.Where)
	if err != nil {
		return err
	}
	exists, err := query.ExistsOnly(expr)
	if err != nil {
		return err
	}
	req.WhereExists = exists
	return nil
}

func measure[T any](ctx context.Context, provider, operation string, fn func(context.Context) (T, error)) (T, error) {
	var out T
	err := metrics.MeasureCtx(ctx, metrics.StoreOperationDuration.WithLabelValues(provider, operation), func(ctx context.Context) error {
		var err error
		out, err = fn(ctx)
		return err
	})
	if err != nil {
		metrics.OperationErrors.WithLabelValues(provider, operation, errors.KindName(err)).Inc()
	}
	return out, err
}

func isTrue(b bool) bool { return b }
