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

// Package gcs implements the object store on Google Cloud Storage.
// Collections map to buckets, versions to object generations. GCS has no
// native etag conditions, so everything except a does-not-exist guard is
// pre-checked against current attributes before the write.
package gcs

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"strconv"

	gstorage "cloud.google.com/go/storage"
	"github.com/samber/lo"
	"google.golang.org/api/iterator"

	"github.com/strato-cloud/strato/pkg/apis"
	"github.com/strato-cloud/strato/pkg/errors"
	"github.com/strato-cloud/strato/pkg/storage"
)

// Config configures the provider. Bucket is the default collection; Project
// owns created buckets.
type Config struct {
	Bucket  string
	Project string
}

// Provider implements storage.Provider on GCS.
type Provider struct {
	config Config
	client *gstorage.Client
}

func NewProvider(client *gstorage.Client, config Config) *Provider {
	return &Provider{config: config, client: client}
}

func (p *Provider) Name() string { return "gcs" }

func (p *Provider) Close() error { return p.client.Close() }

func (p *Provider) bucket(requested string) (*gstorage.BucketHandle, error) {
	name := requested
	if name == "" {
		name = p.config.Bucket
	}
	if name == "" {
		return nil, errors.NewBadRequest("gcs: no bucket named and no default configured")
	}
	return p.client.Bucket(name), nil
}

func (p *Provider) CreateCollection(ctx context.Context, req *storage.CollectionRequest) (*apis.CollectionResult, error) {
	if req.Name == "" {
		return nil, errors.NewBadRequest("gcs: a bucket name is required")
	}
	bucket := p.client.Bucket(req.Name)
	if _, err := bucket.Attrs(ctx); err == nil {
		if req.WhereExists != nil && !*req.WhereExists {
			return nil, errors.NewConflict("bucket %q already exists", req.Name)
		}
		return &apis.CollectionResult{Name: req.Name, Status: apis.CollectionExists}, nil
	} else if err := errors.IgnoreNotFound(errors.FromGCP(err)); err != nil {
		return nil, err
	}
	if req.WhereExists != nil && *req.WhereExists {
		return nil, errors.NewNotFound("bucket %q does not exist", req.Name)
	}
	if err := bucket.Create(ctx, p.config.Project, &gstorage.BucketAttrs{VersioningEnabled: req.Versioned}); err != nil {
		if err := errors.IgnoreConflict(errors.FromGCP(err)); err != nil {
			return nil, err
		}
		return &apis.CollectionResult{Name: req.Name, Status: apis.CollectionExists}, nil
	}
	return &apis.CollectionResult{Name: req.Name, Status: apis.CollectionCreated}, nil
}

// DropCollection deletes every generation first; GCS refuses to remove a
// non-empty bucket.
func (p *Provider) DropCollection(ctx context.Context, req *storage.CollectionRequest) (*apis.CollectionResult, error) {
	if req.Name == "" {
		return nil, errors.NewBadRequest("gcs: a bucket name is required")
	}
	bucket := p.client.Bucket(req.Name)
	if _, err := bucket.Attrs(ctx); err != nil {
		if errors.IsNotFound(errors.FromGCP(err)) {
			if req.WhereExists != nil && *req.WhereExists {
				return nil, errors.NewNotFound("bucket %q does not exist", req.Name)
			}
			return &apis.CollectionResult{Name: req.Name, Status: apis.CollectionNotExists}, nil
		}
		return nil, errors.FromGCP(err)
	}
	it := bucket.Objects(ctx, &gstorage.Query{Versions: true})
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, errors.FromGCP(err)
		}
		if err := bucket.Object(attrs.Name).Generation(attrs.Generation).Delete(ctx); err != nil {
			if err := errors.IgnoreNotFound(errors.FromGCP(err)); err != nil {
				return nil, err
			}
		}
	}
	if err := bucket.Delete(ctx); err != nil {
		if err := errors.IgnoreNotFound(errors.FromGCP(err)); err != nil {
			return nil, err
		}
	}
	return &apis.CollectionResult{Name: req.Name, Status: apis.CollectionDropped}, nil
}

func (p *Provider) HasCollection(ctx context.Context, req *storage.CollectionRequest) (bool, error) {
	if _, err := p.client.Bucket(req.Name).Attrs(ctx); err != nil {
		if errors.IsNotFound(errors.FromGCP(err)) {
			return false, nil
		}
		return false, errors.FromGCP(err)
	}
	return true, nil
}

var storageClassTo = map[apis.StorageClass]string{
	apis.StorageClassHot:     "STANDARD",
	apis.StorageClassCool:    "NEARLINE",
	apis.StorageClassCold:    "COLDLINE",
	apis.StorageClassArchive: "ARCHIVE",
}

var storageClassFrom = lo.Invert(storageClassTo)

// generation parses a version string into an object generation.
func generation(version string) (int64, error) {
	gen, err := strconv.ParseInt(version, 10, 64)
	if err != nil {
		return 0, errors.NewBadRequest("gcs: invalid version %q", version)
	}
	return gen, nil
}

func versionString(gen int64) string {
	return strconv.FormatInt(gen, 10)
}

// propertiesFromAttrs maps object attributes to the neutral properties.
func propertiesFromAttrs(attrs *gstorage.ObjectAttrs) *apis.ObjectProperties {
	props := &apis.ObjectProperties{
		CacheControl:       attrs.CacheControl,
		ContentDisposition: attrs.ContentDisposition,
		ContentEncoding:    attrs.ContentEncoding,
		ContentLanguage:    attrs.ContentLanguage,
		ContentLength:      attrs.Size,
		ContentType:        attrs.ContentType,
		ETag:               attrs.Etag,
		LastModified:       apis.EpochSeconds(attrs.Updated),
		StorageClass:       storageClassFrom[attrs.StorageClass],
	}
	if len(attrs.MD5) > 0 {
		props.ContentMD5 = base64.StdEncoding.EncodeToString(attrs.MD5)
	}
	if attrs.CRC32C != 0 {
		crc := make([]byte, 4)
		binary.BigEndian.PutUint32(crc, attrs.CRC32C)
		props.CRC32C = base64.StdEncoding.EncodeToString(crc)
	}
	return props
}

// attrs reads the addressed generation's attributes.
func (p *Provider) attrs(ctx context.Context, bucket *gstorage.BucketHandle, key apis.ObjectKey) (*gstorage.ObjectAttrs, error) {
	obj := bucket.Object(key.ID)
	if key.Version != "" && key.Version != apis.AllVersions {
		gen, err := generation(key.Version)
		if err != nil {
			return nil, err
		}
		obj = obj.Generation(gen)
	}
	attrs, err := obj.Attrs(ctx)
	if err != nil {
		return nil, errors.FromGCP(err)
	}
	return attrs, nil
}

// check evaluates the condition against the current head; an absent object
// is NotFound for the mutating callers.
func (p *Provider) check(ctx context.Context, bucket *gstorage.BucketHandle, id string, match apis.MatchCondition, read bool) (*gstorage.ObjectAttrs, error) {
	attrs, err := p.attrs(ctx, bucket, apis.Key(id))
	if err != nil {
		if errors.IsNotFound(err) {
			if err := storage.EvaluateMatch(match, nil, "", read); err != nil {
				return nil, err
			}
			return nil, errors.NewNotFound("object %q does not exist", id)
		}
		return nil, err
	}
	if err := storage.EvaluateMatch(match, propertiesFromAttrs(attrs), versionString(attrs.Generation), read); err != nil {
		return nil, err
	}
	return attrs, nil
}

func itemFromAttrs(attrs *gstorage.ObjectAttrs) *apis.ObjectItem {
	return &apis.ObjectItem{
		Key:        apis.ObjectKey{ID: attrs.Name, Version: versionString(attrs.Generation)},
		Metadata:   attrs.Metadata,
		Properties: propertiesFromAttrs(attrs),
	}
}
