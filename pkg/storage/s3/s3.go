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

// Package s3 implements the object store on Amazon S3. Collections map to
// buckets, versions to S3 object versions, etag conditions to native
// If-Match headers; conditions S3 cannot enforce on the server are
// pre-checked with a HeadObject read. Multi-part transfers ride the s3
// manager uploader, which aborts the upload on error before surfacing it.
package s3

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/samber/lo"

	"github.com/strato-cloud/strato/pkg/apis"
	sdk "github.com/strato-cloud/strato/pkg/aws"
	"github.com/strato-cloud/strato/pkg/batcher"
	"github.com/strato-cloud/strato/pkg/errors"
	"github.com/strato-cloud/strato/pkg/storage"
)

// Config configures the provider. Bucket is the default collection; Region
// steers bucket creation.
type Config struct {
	Bucket string
	Region string
}

// Provider implements storage.Provider on S3.
type Provider struct {
	config   Config
	s3api    sdk.S3API
	presign  sdk.S3PresignAPI
	uploader *manager.Uploader
	deletes  *batcher.DeleteObjectsBatcher

	mu        sync.Mutex
	versioned map[string]bool
}

func NewProvider(ctx context.Context, s3api sdk.S3API, presign sdk.S3PresignAPI, config Config) *Provider {
	return &Provider{
		config:    config,
		s3api:     s3api,
		presign:   presign,
		uploader:  manager.NewUploader(s3api),
		deletes:   batcher.NewDeleteObjectsBatcher(ctx, s3api),
		versioned: map[string]bool{},
	}
}

func (p *Provider) Name() string { return "s3" }

func (p *Provider) Close() error { return nil }

func (p *Provider) bucket(requested string) (string, error) {
	name := requested
	if name == "" {
		name = p.config.Bucket
	}
	if name == "" {
		return "", errors.NewBadRequest("s3: no bucket named and no default configured")
	}
	return name, nil
}

// CreateCollection creates the bucket, enabling versioning when asked.
func (p *Provider) CreateCollection(ctx context.Context, req *storage.CollectionRequest) (*apis.CollectionResult, error) {
	if req.Name == "" {
		return nil, errors.NewBadRequest("s3: a bucket name is required")
	}
	exists, err := p.hasBucket(ctx, req.Name)
	if err != nil {
		return nil, err
	}
	if exists {
		if req.WhereExists != nil && !*req.WhereExists {
			return nil, errors.NewConflict("bucket %q already exists", req.Name)
		}
		return &apis.CollectionResult{Name: req.Name, Status: apis.CollectionExists}, nil
	}
	if req.WhereExists != nil && *req.WhereExists {
		return nil, errors.NewNotFound("bucket %q does not exist", req.Name)
	}
	input := &awss3.CreateBucketInput{Bucket: aws.String(req.Name)}
	// us-east-1 is the implied default and rejects an explicit constraint.
	if p.config.Region != "" && p.config.Region != "us-east-1" {
		input.CreateBucketConfiguration = &s3types.CreateBucketConfiguration{
			LocationConstraint: s3types.BucketLocationConstraint(p.config.Region),
		}
	}
	if _, err := p.s3api.CreateBucket(ctx, input); err != nil {
		if err := errors.IgnoreConflict(errors.FromAWS(err)); err != nil {
			return nil, err
		}
		return &apis.CollectionResult{Name: req.Name, Status: apis.CollectionExists}, nil
	}
	if req.Versioned {
		if _, err := p.s3api.PutBucketVersioning(ctx, &awss3.PutBucketVersioningInput{
			Bucket: aws.String(req.Name),
			VersioningConfiguration: &s3types.VersioningConfiguration{
				Status: s3types.BucketVersioningStatusEnabled,
			},
		}); err != nil {
			return nil, errors.FromAWS(err)
		}
	}
	p.mu.Lock()
	p.versioned[req.Name] = req.Versioned
	p.mu.Unlock()
	return &apis.CollectionResult{Name: req.Name, Status: apis.CollectionCreated}, nil
}

// DropCollection empties the bucket (all versions and delete markers) and
// deletes it.
func (p *Provider) DropCollection(ctx context.Context, req *storage.CollectionRequest) (*apis.CollectionResult, error) {
	if req.Name == "" {
		return nil, errors.NewBadRequest("s3: a bucket name is required")
	}
	exists, err := p.hasBucket(ctx, req.Name)
	if err != nil {
		return nil, err
	}
	if !exists {
		if req.WhereExists != nil && *req.WhereExists {
			return nil, errors.NewNotFound("bucket %q does not exist", req.Name)
		}
		return &apis.CollectionResult{Name: req.Name, Status: apis.CollectionNotExists}, nil
	}
	if err := p.emptyBucket(ctx, req.Name); err != nil {
		return nil, err
	}
	if _, err := p.s3api.DeleteBucket(ctx, &awss3.DeleteBucketInput{Bucket: aws.String(req.Name)}); err != nil {
		if err := errors.IgnoreNotFound(errors.FromAWS(err)); err != nil {
			return nil, err
		}
	}
	p.mu.Lock()
	delete(p.versioned, req.Name)
	p.mu.Unlock()
	return &apis.CollectionResult{Name: req.Name, Status: apis.CollectionDropped}, nil
}

func (p *Provider) HasCollection(ctx context.Context, req *storage.CollectionRequest) (bool, error) {
	return p.hasBucket(ctx, req.Name)
}

func (p *Provider) hasBucket(ctx context.Context, name string) (bool, error) {
	if _, err := p.s3api.HeadBucket(ctx, &awss3.HeadBucketInput{Bucket: aws.String(name)}); err != nil {
		if errors.IsNotFound(errors.FromAWS(err)) {
			return false, nil
		}
		return false, errors.FromAWS(err)
	}
	return true, nil
}

func (p *Provider) emptyBucket(ctx context.Context, bucket string) error {
	marker := &awss3.ListObjectVersionsInput{Bucket: aws.String(bucket)}
	for {
		out, err := p.s3api.ListObjectVersions(ctx, marker)
		if err != nil {
			return errors.FromAWS(err)
		}
		identifiers := append(
			lo.Map(out.Versions, func(v s3types.ObjectVersion, _ int) s3types.ObjectIdentifier {
				return s3types.ObjectIdentifier{Key: v.Key, VersionId: v.VersionId}
			}),
			lo.Map(out.DeleteMarkers, func(m s3types.DeleteMarkerEntry, _ int) s3types.ObjectIdentifier {
				return s3types.ObjectIdentifier{Key: m.Key, VersionId: m.VersionId}
			})...,
		)
		if len(identifiers) > 0 {
			if _, err := p.s3api.DeleteObjects(ctx, &awss3.DeleteObjectsInput{
				Bucket: aws.String(bucket),
				Delete: &s3types.Delete{Objects: identifiers, Quiet: aws.Bool(true)},
			}); err != nil {
				return errors.FromAWS(err)
			}
		}
		if !aws.ToBool(out.IsTruncated) {
			return nil
		}
		marker.KeyMarker = out.NextKeyMarker
		marker.VersionIdMarker = out.NextVersionIdMarker
	}
}

// isVersioned memoizes the bucket's versioning status per provider instance.
func (p *Provider) isVersioned(ctx context.Context, bucket string) (bool, error) {
	p.mu.Lock()
	if versioned, ok := p.versioned[bucket]; ok {
		p.mu.Unlock()
		return versioned, nil
	}
	p.mu.Unlock()
	out, err := p.s3api.GetBucketVersioning(ctx, &awss3.GetBucketVersioningInput{Bucket: aws.String(bucket)})
	if err != nil {
		return false, errors.FromAWS(err)
	}
	versioned := out.Status == s3types.BucketVersioningStatusEnabled
	p.mu.Lock()
	p.versioned[bucket] = versioned
	p.mu.Unlock()
	return versioned, nil
}

// head reads the current object state for condition checks that S3 cannot
// evaluate server-side on the requested call. nil properties means absent.
func (p *Provider) head(ctx context.Context, bucket, id string) (*apis.ObjectProperties, string, map[string]string, error) {
	out, err := p.s3api.HeadObject(ctx, &awss3.HeadObjectInput{Bucket: aws.String(bucket), Key: aws.String(id)})
	if err != nil {
		if errors.IsNotFound(errors.FromAWS(err)) {
			return nil, "", nil, nil
		}
		return nil, "", nil, errors.FromAWS(err)
	}
	props := propertiesFromHead(out)
	return props, aws.ToString(out.VersionId), out.Metadata, nil
}

// payload resolves the request body to a reader; closer is non-nil when the
// caller must close it after the upload.
func payload(req *storage.PutRequest) (body io.Reader, closer io.Closer, length int64, err error) {
	switch {
	case req.Value != nil:
		return bytes.NewReader(req.Value), nil, int64(len(req.Value)), nil
	case req.File != "":
		f, err := os.Open(req.File)
		if err != nil {
			return nil, nil, 0, fmt.Errorf("opening payload file %q, %w", req.File, err)
		}
		info, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, nil, 0, fmt.Errorf("sizing payload file %q, %w", req.File, err)
		}
		return f, f, info.Size(), nil
	case req.Stream != nil:
		return req.Stream, nil, -1, nil
	}
	return bytes.NewReader(nil), nil, 0, nil
}
