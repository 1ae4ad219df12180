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
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	gstorage "cloud.google.com/go/storage"
	"github.com/samber/lo"
	"google.golang.org/api/iterator"

	"github.com/strato-cloud/strato/pkg/apis"
	"github.com/strato-cloud/strato/pkg/errors"
	"github.com/strato-cloud/strato/pkg/storage"
)

// conds splits the match into conditions GCS evaluates natively and the rest.
// An existence guard maps to DoesNotExist and a version match to a generation
// match; etag and time conditions have no native form and stay in the rest.
func conds(match apis.MatchCondition) (*gstorage.Conditions, apis.MatchCondition) {
	native := &gstorage.Conditions{}
	rest := match
	if match.Exists != nil && !*match.Exists {
		native.DoesNotExist = true
		rest.Exists = nil
	}
	if match.IfVersionMatch != "" {
		if gen, err := generation(match.IfVersionMatch); err == nil {
			native.GenerationMatch = gen
			rest.IfVersionMatch = ""
		}
	}
	if (*native == gstorage.Conditions{}) {
		return nil, rest
	}
	return native, rest
}

func withConds(obj *gstorage.ObjectHandle, native *gstorage.Conditions) *gstorage.ObjectHandle {
	if native == nil {
		return obj
	}
	return obj.If(*native)
}

// Put streams the body through an object writer. The write is pre-checked
// against current attributes; only the existence guard and a generation pin
// ride the wire.
func (p *Provider) Put(ctx context.Context, req *storage.PutRequest) (*apis.ObjectItem, error) {
	if req.Key.Version != "" {
		return nil, errors.NewBadRequest("gcs: put does not accept an explicit version")
	}
	bucket, err := p.bucket(req.Collection)
	if err != nil {
		return nil, err
	}
	native, rest := conds(req.Match)
	if !rest.Empty() {
		if _, err := p.check(ctx, bucket, req.Key.ID, rest, false); err != nil {
			if err := errors.IgnoreNotFound(err); err != nil {
				return nil, err
			}
		}
	}
	body, closer, err := payload(req)
	if err != nil {
		return nil, err
	}
	w := withConds(bucket.Object(req.Key.ID), native).NewWriter(ctx)
	w.Metadata = req.Metadata
	if req.Properties != nil {
		w.CacheControl = req.Properties.CacheControl
		w.ContentDisposition = req.Properties.ContentDisposition
		w.ContentEncoding = req.Properties.ContentEncoding
		w.ContentLanguage = req.Properties.ContentLanguage
		w.ContentType = req.Properties.ContentType
		if class, ok := storageClassTo[req.Properties.StorageClass]; ok {
			w.StorageClass = class
		}
	}
	_, copyErr := io.Copy(w, body)
	closeErr := w.Close()
	if closer != nil {
		closer.Close()
	}
	if copyErr != nil {
		return nil, fmt.Errorf("writing object %q, %w", req.Key.ID, copyErr)
	}
	if closeErr != nil {
		return nil, errors.FromGCP(closeErr)
	}
	return itemFromAttrs(w.Attrs()), nil
}

// Get reads the object through a range reader; the inclusive end maps to a
// byte count. A pinned version reads that generation directly.
func (p *Provider) Get(ctx context.Context, req *storage.GetRequest) (*apis.ObjectItem, error) {
	bucket, err := p.bucket(req.Collection)
	if err != nil {
		return nil, err
	}
	attrs, err := p.check(ctx, bucket, req.Key.ID, req.Match, true)
	if err != nil {
		return nil, err
	}
	addressed := attrs
	obj := bucket.Object(req.Key.ID)
	if req.Key.Version != "" {
		gen, err := generation(req.Key.Version)
		if err != nil {
			return nil, err
		}
		obj = obj.Generation(gen)
		if addressed, err = p.attrs(ctx, bucket, req.Key); err != nil {
			return nil, err
		}
	}
	offset, length := readRange(req.Start, req.End)
	r, err := obj.NewRangeReader(ctx, offset, length)
	if err != nil {
		return nil, errors.FromGCP(err)
	}
	defer r.Close()
	item := itemFromAttrs(addressed)
	item.Properties.ContentLength = r.Attrs.Size
	switch {
	case req.Stream != nil:
		if _, err := io.Copy(req.Stream, r); err != nil {
			return nil, fmt.Errorf("streaming object %q, %w", req.Key.ID, err)
		}
	case req.File != "":
		f, err := os.Create(req.File)
		if err != nil {
			return nil, fmt.Errorf("creating %q, %w", req.File, err)
		}
		if _, err := io.Copy(f, r); err != nil {
			f.Close()
			return nil, fmt.Errorf("writing object %q to %q, %w", req.Key.ID, req.File, err)
		}
		if err := f.Close(); err != nil {
			return nil, fmt.Errorf("closing %q, %w", req.File, err)
		}
	default:
		data, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("reading object %q, %w", req.Key.ID, err)
		}
		item.Value = data
	}
	return item, nil
}

func (p *Provider) GetMetadata(ctx context.Context, req *storage.GetRequest) (*apis.ObjectItem, error) {
	item, err := p.GetProperties(ctx, req)
	if err != nil {
		return nil, err
	}
	item.Properties = nil
	return item, nil
}

func (p *Provider) GetProperties(ctx context.Context, req *storage.GetRequest) (*apis.ObjectItem, error) {
	bucket, err := p.bucket(req.Collection)
	if err != nil {
		return nil, err
	}
	attrs, err := p.attrs(ctx, bucket, req.Key)
	if err != nil {
		return nil, err
	}
	if err := storage.EvaluateMatch(req.Match, propertiesFromAttrs(attrs), versionString(attrs.Generation), true); err != nil {
		return nil, err
	}
	return itemFromAttrs(attrs), nil
}

// GetVersions lists the object's generations oldest-first. Every GCS object
// carries a generation, so an unversioned bucket reports its single live one.
func (p *Provider) GetVersions(ctx context.Context, req *storage.GetRequest) (*apis.ObjectItem, error) {
	bucket, err := p.bucket(req.Collection)
	if err != nil {
		return nil, err
	}
	attrs, err := p.check(ctx, bucket, req.Key.ID, req.Match, true)
	if err != nil {
		return nil, err
	}
	item := itemFromAttrs(attrs)
	it := bucket.Objects(ctx, &gstorage.Query{Prefix: req.Key.ID, Versions: true})
	for {
		entry, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, errors.FromGCP(err)
		}
		if entry.Name != req.Key.ID {
			continue
		}
		item.Versions = append(item.Versions, apis.ObjectVersion{
			Version:      versionString(entry.Generation),
			Latest:       entry.Generation == attrs.Generation,
			LastModified: apis.EpochSeconds(entry.Updated),
			ETag:         entry.Etag,
		})
	}
	sort.SliceStable(item.Versions, func(i, j int) bool {
		gi, _ := generation(item.Versions[i].Version)
		gj, _ := generation(item.Versions[j].Version)
		return gi < gj
	})
	return item, nil
}

// Update merges metadata and reapplies headers in place. A storage class
// change needs a rewrite, so it goes through a self-copy instead.
func (p *Provider) Update(ctx context.Context, req *storage.UpdateRequest) (*apis.ObjectItem, error) {
	bucket, err := p.bucket(req.Collection)
	if err != nil {
		return nil, err
	}
	attrs, err := p.check(ctx, bucket, req.Key.ID, req.Match, false)
	if err != nil {
		return nil, err
	}
	merged := *propertiesFromAttrs(attrs)
	storage.ApplyProperties(&merged, req.Properties)
	metadata := lo.Assign(attrs.Metadata, req.Metadata)
	obj := bucket.Object(req.Key.ID).If(gstorage.Conditions{GenerationMatch: attrs.Generation})
	if req.Properties != nil && req.Properties.StorageClass != "" {
		copier := bucket.Object(req.Key.ID).CopierFrom(bucket.Object(req.Key.ID).Generation(attrs.Generation))
		copier.Metadata = metadata
		copier.CacheControl = merged.CacheControl
		copier.ContentDisposition = merged.ContentDisposition
		copier.ContentEncoding = merged.ContentEncoding
		copier.ContentLanguage = merged.ContentLanguage
		copier.ContentType = merged.ContentType
		copier.StorageClass = storageClassTo[merged.StorageClass]
		updated, err := copier.Run(ctx)
		if err != nil {
			return nil, errors.FromGCP(err)
		}
		return itemFromAttrs(updated), nil
	}
	updated, err := obj.Update(ctx, gstorage.ObjectAttrsToUpdate{
		Metadata:           metadata,
		CacheControl:       merged.CacheControl,
		ContentDisposition: merged.ContentDisposition,
		ContentEncoding:    merged.ContentEncoding,
		ContentLanguage:    merged.ContentLanguage,
		ContentType:        merged.ContentType,
	})
	if err != nil {
		return nil, errors.FromGCP(err)
	}
	return itemFromAttrs(updated), nil
}

// Delete removes the object, one generation, or every generation on the
// wildcard.
func (p *Provider) Delete(ctx context.Context, req *storage.DeleteRequest) error {
	bucket, err := p.bucket(req.Collection)
	if err != nil {
		return err
	}
	if _, err := p.check(ctx, bucket, req.Key.ID, req.Match, false); err != nil {
		return err
	}
	switch {
	case req.Key.Version == apis.AllVersions:
		return p.deleteAllGenerations(ctx, bucket, req.Key.ID)
	case req.Key.Version != "":
		gen, err := generation(req.Key.Version)
		if err != nil {
			return err
		}
		if err := bucket.Object(req.Key.ID).Generation(gen).Delete(ctx); err != nil {
			return errors.FromGCP(err)
		}
		return nil
	default:
		if err := bucket.Object(req.Key.ID).Delete(ctx); err != nil {
			return errors.FromGCP(err)
		}
		return nil
	}
}

func (p *Provider) deleteAllGenerations(ctx context.Context, bucket *gstorage.BucketHandle, id string) error {
	found := false
	it := bucket.Objects(ctx, &gstorage.Query{Prefix: id, Versions: true})
	for {
		entry, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return errors.FromGCP(err)
		}
		if entry.Name != id {
			continue
		}
		found = true
		if err := bucket.Object(id).Generation(entry.Generation).Delete(ctx); err != nil {
			if err := errors.IgnoreNotFound(errors.FromGCP(err)); err != nil {
				return err
			}
		}
	}
	if !found {
		return errors.NewNotFound("object %q does not exist", id)
	}
	return nil
}

// Copy performs a server-side rewrite, preserving metadata and headers.
func (p *Provider) Copy(ctx context.Context, req *storage.CopyRequest) (*apis.ObjectItem, error) {
	bucket, err := p.bucket(req.Collection)
	if err != nil {
		return nil, err
	}
	srcBucket := bucket
	if req.Source.Collection != "" {
		srcBucket = p.client.Bucket(req.Source.Collection)
	}
	src := srcBucket.Object(req.Source.ID)
	if req.Source.Version != "" {
		gen, err := generation(req.Source.Version)
		if err != nil {
			return nil, err
		}
		src = src.Generation(gen)
	}
	if !req.Match.Empty() {
		if _, err := p.check(ctx, bucket, req.Key.ID, req.Match, false); err != nil {
			if err := errors.IgnoreNotFound(err); err != nil {
				return nil, err
			}
		}
	}
	attrs, err := bucket.Object(req.Key.ID).CopierFrom(src).Run(ctx)
	if err != nil {
		return nil, errors.FromGCP(err)
	}
	return itemFromAttrs(attrs), nil
}

// Generate mints a V4 signed URL for the requested verb.
func (p *Provider) Generate(ctx context.Context, req *storage.GenerateRequest) (*apis.ObjectItem, error) {
	bucket, err := p.bucket(req.Collection)
	if err != nil {
		return nil, err
	}
	switch req.Method {
	case storage.MethodGet, storage.MethodPut, storage.MethodDelete:
	default:
		return nil, errors.NewUnsupported("gcs: cannot sign method %q", req.Method)
	}
	signed, err := bucket.SignedURL(req.Key.ID, &gstorage.SignedURLOptions{
		Method:  string(req.Method),
		Expires: time.Now().Add(req.Expiry),
		Scheme:  gstorage.SigningSchemeV4,
	})
	if err != nil {
		return nil, errors.FromGCP(err)
	}
	return &apis.ObjectItem{Key: req.Key, URL: signed}, nil
}

// readRange maps inclusive bounds to the range reader's offset and length;
// length -1 reads to the end.
func readRange(start, end *int64) (offset, length int64) {
	if start != nil {
		offset = *start
	}
	length = -1
	if end != nil {
		length = *end - offset + 1
	}
	return offset, length
}

func payload(req *storage.PutRequest) (body io.Reader, closer io.Closer, err error) {
	switch {
	case req.Value != nil:
		return bytes.NewReader(req.Value), nil, nil
	case req.File != "":
		f, err := os.Open(req.File)
		if err != nil {
			return nil, nil, fmt.Errorf("opening payload file %q, %w", req.File, err)
		}
		return f, f, nil
	case req.Stream != nil:
		return req.Stream, nil, nil
	}
	return bytes.NewReader(nil), nil, nil
}
