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

// Package azblob implements the object store on Azure Blob Storage.
// Collections map to containers, conditional operations to blob access
// conditions, versions to blob version IDs. Blob versioning is an account
// level setting, so create records the caller's intent instead of toggling
// anything per container.
package azblob

import (
	"context"
	"encoding/base64"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/service"
	"github.com/samber/lo"

	"github.com/strato-cloud/strato/pkg/apis"
	"github.com/strato-cloud/strato/pkg/errors"
	"github.com/strato-cloud/strato/pkg/storage"
)

// Config configures the provider. Container is the default collection.
type Config struct {
	Container string
}

// Provider implements storage.Provider on Azure Blob Storage.
type Provider struct {
	config Config
	client *service.Client

	mu        sync.Mutex
	versioned map[string]bool
}

func NewProvider(client *service.Client, config Config) *Provider {
	return &Provider{
		config:    config,
		client:    client,
		versioned: map[string]bool{},
	}
}

func (p *Provider) Name() string { return "azblob" }

func (p *Provider) Close() error { return nil }

func (p *Provider) container(requested string) (*container.Client, string, error) {
	name := requested
	if name == "" {
		name = p.config.Container
	}
	if name == "" {
		return nil, "", errors.NewBadRequest("azblob: no container named and no default configured")
	}
	return p.client.NewContainerClient(name), name, nil
}

func (p *Provider) CreateCollection(ctx context.Context, req *storage.CollectionRequest) (*apis.CollectionResult, error) {
	if req.Name == "" {
		return nil, errors.NewBadRequest("azblob: a container name is required")
	}
	exists, err := p.HasCollection(ctx, req)
	if err != nil {
		return nil, err
	}
	if exists {
		if req.WhereExists != nil && !*req.WhereExists {
			return nil, errors.NewConflict("container %q already exists", req.Name)
		}
		return &apis.CollectionResult{Name: req.Name, Status: apis.CollectionExists}, nil
	}
	if req.WhereExists != nil && *req.WhereExists {
		return nil, errors.NewNotFound("container %q does not exist", req.Name)
	}
	if _, err := p.client.NewContainerClient(req.Name).Create(ctx, nil); err != nil {
		if err := errors.IgnoreConflict(errors.FromAzure(err)); err != nil {
			return nil, err
		}
		return &apis.CollectionResult{Name: req.Name, Status: apis.CollectionExists}, nil
	}
	p.mu.Lock()
	p.versioned[req.Name] = req.Versioned
	p.mu.Unlock()
	return &apis.CollectionResult{Name: req.Name, Status: apis.CollectionCreated}, nil
}

func (p *Provider) DropCollection(ctx context.Context, req *storage.CollectionRequest) (*apis.CollectionResult, error) {
	if req.Name == "" {
		return nil, errors.NewBadRequest("azblob: a container name is required")
	}
	if _, err := p.client.NewContainerClient(req.Name).Delete(ctx, nil); err != nil {
		if errors.IsNotFound(errors.FromAzure(err)) {
			if req.WhereExists != nil && *req.WhereExists {
				return nil, errors.NewNotFound("container %q does not exist", req.Name)
			}
			return &apis.CollectionResult{Name: req.Name, Status: apis.CollectionNotExists}, nil
		}
		return nil, errors.FromAzure(err)
	}
	p.mu.Lock()
	delete(p.versioned, req.Name)
	p.mu.Unlock()
	return &apis.CollectionResult{Name: req.Name, Status: apis.CollectionDropped}, nil
}

func (p *Provider) HasCollection(ctx context.Context, req *storage.CollectionRequest) (bool, error) {
	if _, err := p.client.NewContainerClient(req.Name).GetProperties(ctx, nil); err != nil {
		if errors.IsNotFound(errors.FromAzure(err)) {
			return false, nil
		}
		return false, errors.FromAzure(err)
	}
	return true, nil
}

// isVersioned reports the intent recorded at create time; containers this
// provider didn't create are assumed unversioned.
func (p *Provider) isVersioned(name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.versioned[name]
}

var accessTierTo = map[apis.StorageClass]blob.AccessTier{
	apis.StorageClassHot:     blob.AccessTierHot,
	apis.StorageClassCool:    blob.AccessTierCool,
	apis.StorageClassCold:    blob.AccessTierCold,
	apis.StorageClassArchive: blob.AccessTierArchive,
}

var accessTierFrom = lo.Invert(accessTierTo)

// conditions splits a match into the conditions Azure evaluates on the wire
// and the remainder to pre-check against the current properties.
func conditions(match apis.MatchCondition) (*blob.AccessConditions, apis.MatchCondition) {
	rest := match
	modified := &blob.ModifiedAccessConditions{}
	if rest.IfMatch != "" && rest.IfMatch != apis.AllVersions {
		modified.IfMatch = lo.ToPtr(azcore.ETag(rest.IfMatch))
		rest.IfMatch = ""
	}
	if rest.IfNoneMatch != "" {
		modified.IfNoneMatch = lo.ToPtr(azcore.ETag(rest.IfNoneMatch))
		rest.IfNoneMatch = ""
	}
	if rest.Exists != nil && !*rest.Exists {
		modified.IfNoneMatch = lo.ToPtr(azcore.ETagAny)
		rest.Exists = nil
	}
	if rest.IfModifiedSince != nil {
		modified.IfModifiedSince = lo.ToPtr(apis.TimeFromEpoch(*rest.IfModifiedSince))
		rest.IfModifiedSince = nil
	}
	if rest.IfUnmodifiedSince != nil {
		modified.IfUnmodifiedSince = lo.ToPtr(apis.TimeFromEpoch(*rest.IfUnmodifiedSince))
		rest.IfUnmodifiedSince = nil
	}
	if *modified == (blob.ModifiedAccessConditions{}) {
		return nil, rest
	}
	return &blob.AccessConditions{ModifiedAccessConditions: modified}, rest
}

// check pre-checks the remainder conditions Azure cannot evaluate natively.
func (p *Provider) check(ctx context.Context, c *container.Client, id string, rest apis.MatchCondition, read bool) error {
	if rest.Empty() {
		return nil
	}
	props, version, _, err := p.properties(ctx, c, id, "")
	if err != nil {
		if errors.IsNotFound(err) {
			return storage.EvaluateMatch(rest, nil, "", read)
		}
		return err
	}
	return storage.EvaluateMatch(rest, props, version, read)
}

// properties reads the blob's current state; version addresses one version.
func (p *Provider) properties(ctx context.Context, c *container.Client, id, version string) (*apis.ObjectProperties, string, map[string]string, error) {
	client := c.NewBlobClient(id)
	if version != "" {
		var err error
		if client, err = client.WithVersionID(version); err != nil {
			return nil, "", nil, errors.NewBadRequest("azblob: invalid version %q, %s", version, err)
		}
	}
	resp, err := client.GetProperties(ctx, nil)
	if err != nil {
		return nil, "", nil, errors.FromAzure(err)
	}
	props := &apis.ObjectProperties{
		CacheControl:       lo.FromPtr(resp.CacheControl),
		ContentDisposition: lo.FromPtr(resp.ContentDisposition),
		ContentEncoding:    lo.FromPtr(resp.ContentEncoding),
		ContentLanguage:    lo.FromPtr(resp.ContentLanguage),
		ContentLength:      lo.FromPtr(resp.ContentLength),
		ContentType:        lo.FromPtr(resp.ContentType),
		ETag:               etagString(resp.ETag),
	}
	if len(resp.ContentMD5) > 0 {
		props.ContentMD5 = base64.StdEncoding.EncodeToString(resp.ContentMD5)
	}
	if resp.LastModified != nil {
		props.LastModified = apis.EpochSeconds(*resp.LastModified)
	}
	if resp.AccessTier != nil {
		props.StorageClass = accessTierFrom[blob.AccessTier(*resp.AccessTier)]
	}
	return props, lo.FromPtr(resp.VersionID), fromAzureMetadata(resp.Metadata), nil
}

func etagString(etag *azcore.ETag) string {
	if etag == nil {
		return ""
	}
	return string(*etag)
}

func toAzureMetadata(metadata map[string]string) map[string]*string {
	if metadata == nil {
		return nil
	}
	return lo.MapValues(metadata, func(v string, _ string) *string { return lo.ToPtr(v) })
}

func fromAzureMetadata(metadata map[string]*string) map[string]string {
	if metadata == nil {
		return nil
	}
	return lo.MapValues(metadata, func(v *string, _ string) string { return lo.FromPtr(v) })
}

// httpRange converts the inclusive bounds to Azure's offset and count form.
func httpRange(start, end *int64) blob.HTTPRange {
	if start == nil && end == nil {
		return blob.HTTPRange{}
	}
	offset := int64(0)
	if start != nil {
		offset = *start
	}
	r := blob.HTTPRange{Offset: offset}
	if end != nil {
		r.Count = *end - offset + 1
	}
	return r
}

func headersFromProperties(props *apis.ObjectProperties) *blob.HTTPHeaders {
	if props == nil {
		return nil
	}
	headers := &blob.HTTPHeaders{
		BlobCacheControl:       lo.EmptyableToPtr(props.CacheControl),
		BlobContentDisposition: lo.EmptyableToPtr(props.ContentDisposition),
		BlobContentEncoding:    lo.EmptyableToPtr(props.ContentEncoding),
		BlobContentLanguage:    lo.EmptyableToPtr(props.ContentLanguage),
		BlobContentType:        lo.EmptyableToPtr(props.ContentType),
	}
	if headers.BlobCacheControl == nil && headers.BlobContentDisposition == nil &&
		headers.BlobContentEncoding == nil && headers.BlobContentLanguage == nil &&
		headers.BlobContentType == nil {
		return nil
	}
	return headers
}

func sasExpiry(expiry time.Duration) time.Time {
	return time.Now().UTC().Add(expiry)
}
