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
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blockblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/sas"
	"github.com/samber/lo"

	"github.com/strato-cloud/strato/pkg/apis"
	"github.com/strato-cloud/strato/pkg/errors"
	"github.com/strato-cloud/strato/pkg/storage"
)

// Put streams the body into a block blob. Conditions Azure can evaluate ride
// on the request; the remainder is pre-checked against current properties.
func (p *Provider) Put(ctx context.Context, req *storage.PutRequest) (*apis.ObjectItem, error) {
	if req.Key.Version != "" {
		return nil, errors.NewBadRequest("azblob: put does not accept an explicit version")
	}
	c, _, err := p.container(req.Collection)
	if err != nil {
		return nil, err
	}
	access, rest := conditions(req.Match)
	if err := p.check(ctx, c, req.Key.ID, rest, false); err != nil {
		return nil, err
	}
	body, closer, err := payload(req)
	if err != nil {
		return nil, err
	}
	options := &blockblob.UploadStreamOptions{
		Metadata:         toAzureMetadata(req.Metadata),
		HTTPHeaders:      headersFromProperties(req.Properties),
		AccessConditions: access,
	}
	if req.Properties != nil {
		if tier, ok := accessTierTo[req.Properties.StorageClass]; ok {
			options.AccessTier = &tier
		}
	}
	_, err = c.NewBlockBlobClient(req.Key.ID).UploadStream(ctx, body, options)
	if closer != nil {
		closer.Close()
	}
	if err != nil {
		return nil, errors.FromAzure(err)
	}
	return p.item(ctx, c, req.Key.ID, "")
}

// Get downloads the blob, translating the inclusive bounds to an HTTP range.
func (p *Provider) Get(ctx context.Context, req *storage.GetRequest) (*apis.ObjectItem, error) {
	c, _, err := p.container(req.Collection)
	if err != nil {
		return nil, err
	}
	access, rest := conditions(req.Match)
	if err := p.check(ctx, c, req.Key.ID, rest, true); err != nil {
		return nil, err
	}
	client := c.NewBlobClient(req.Key.ID)
	if req.Key.Version != "" {
		if client, err = client.WithVersionID(req.Key.Version); err != nil {
			return nil, errors.NewBadRequest("azblob: invalid version %q, %s", req.Key.Version, err)
		}
	}
	resp, err := client.DownloadStream(ctx, &blob.DownloadStreamOptions{
		Range:            httpRange(req.Start, req.End),
		AccessConditions: access,
	})
	if err != nil {
		return nil, errors.FromAzure(err)
	}
	defer resp.Body.Close()
	item := &apis.ObjectItem{
		Key:      apis.ObjectKey{ID: req.Key.ID, Version: lo.FromPtr(resp.VersionID)},
		Metadata: fromAzureMetadata(resp.Metadata),
		Properties: &apis.ObjectProperties{
			ContentLength: lo.FromPtr(resp.ContentLength),
			ContentType:   lo.FromPtr(resp.ContentType),
			ETag:          etagString(resp.ETag),
		},
	}
	if resp.LastModified != nil {
		item.Properties.LastModified = apis.EpochSeconds(*resp.LastModified)
	}
	switch {
	case req.Stream != nil:
		if _, err := io.Copy(req.Stream, resp.Body); err != nil {
			return nil, fmt.Errorf("streaming blob %q, %w", req.Key.ID, err)
		}
	case req.File != "":
		f, err := os.Create(req.File)
		if err != nil {
			return nil, fmt.Errorf("creating %q, %w", req.File, err)
		}
		if _, err := io.Copy(f, resp.Body); err != nil {
			f.Close()
			return nil, fmt.Errorf("writing blob %q to %q, %w", req.Key.ID, req.File, err)
		}
		if err := f.Close(); err != nil {
			return nil, fmt.Errorf("closing %q, %w", req.File, err)
		}
	default:
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("reading blob %q, %w", req.Key.ID, err)
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
	c, _, err := p.container(req.Collection)
	if err != nil {
		return nil, err
	}
	props, version, metadata, err := p.properties(ctx, c, req.Key.ID, req.Key.Version)
	if err != nil {
		return nil, err
	}
	if err := storage.EvaluateMatch(req.Match, props, version, true); err != nil {
		return nil, err
	}
	return &apis.ObjectItem{
		Key:        apis.ObjectKey{ID: req.Key.ID, Version: version},
		Metadata:   metadata,
		Properties: props,
	}, nil
}

// GetVersions lists the blob's version IDs oldest-first; containers without
// versioning report the single "null" version.
func (p *Provider) GetVersions(ctx context.Context, req *storage.GetRequest) (*apis.ObjectItem, error) {
	c, name, err := p.container(req.Collection)
	if err != nil {
		return nil, err
	}
	props, version, metadata, err := p.properties(ctx, c, req.Key.ID, "")
	if err != nil {
		return nil, err
	}
	if err := storage.EvaluateMatch(req.Match, props, version, true); err != nil {
		return nil, err
	}
	item := &apis.ObjectItem{
		Key:        apis.ObjectKey{ID: req.Key.ID, Version: version},
		Metadata:   metadata,
		Properties: props,
	}
	if !p.isVersioned(name) {
		item.Versions = []apis.ObjectVersion{{Version: "null", Latest: true, LastModified: props.LastModified, ETag: props.ETag}}
		return item, nil
	}
	pager := c.NewListBlobsFlatPager(&container.ListBlobsFlatOptions{
		Prefix:  lo.ToPtr(req.Key.ID),
		Include: container.ListBlobsInclude{Versions: true},
	})
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, errors.FromAzure(err)
		}
		for _, entry := range page.Segment.BlobItems {
			if lo.FromPtr(entry.Name) != req.Key.ID {
				continue
			}
			v := apis.ObjectVersion{
				Version: lo.FromPtr(entry.VersionID),
				Latest:  lo.FromPtr(entry.IsCurrentVersion),
			}
			if entry.Properties != nil {
				v.ETag = etagString(entry.Properties.ETag)
				if entry.Properties.LastModified != nil {
					v.LastModified = apis.EpochSeconds(*entry.Properties.LastModified)
				}
			}
			item.Versions = append(item.Versions, v)
		}
	}
	sort.SliceStable(item.Versions, func(i, j int) bool {
		return item.Versions[i].LastModified < item.Versions[j].LastModified
	})
	return item, nil
}

// Update merges metadata and reapplies headers; Azure mutates both in place.
func (p *Provider) Update(ctx context.Context, req *storage.UpdateRequest) (*apis.ObjectItem, error) {
	c, _, err := p.container(req.Collection)
	if err != nil {
		return nil, err
	}
	props, version, metadata, err := p.properties(ctx, c, req.Key.ID, "")
	if err != nil {
		return nil, err
	}
	if err := storage.EvaluateMatch(req.Match, props, version, false); err != nil {
		return nil, err
	}
	client := c.NewBlobClient(req.Key.ID)
	if _, err := client.SetMetadata(ctx, toAzureMetadata(lo.Assign(metadata, req.Metadata)), nil); err != nil {
		return nil, errors.FromAzure(err)
	}
	merged := *props
	storage.ApplyProperties(&merged, req.Properties)
	if headers := headersFromProperties(&merged); headers != nil {
		if _, err := client.SetHTTPHeaders(ctx, *headers, nil); err != nil {
			return nil, errors.FromAzure(err)
		}
	}
	if req.Properties != nil && req.Properties.StorageClass != "" {
		if tier, ok := accessTierTo[req.Properties.StorageClass]; ok {
			if _, err := client.SetTier(ctx, tier, nil); err != nil {
				return nil, errors.FromAzure(err)
			}
		}
	}
	return p.item(ctx, c, req.Key.ID, "")
}

// Delete removes the blob, one version, or every version on the wildcard.
func (p *Provider) Delete(ctx context.Context, req *storage.DeleteRequest) error {
	c, _, err := p.container(req.Collection)
	if err != nil {
		return err
	}
	access, rest := conditions(req.Match)
	if err := p.check(ctx, c, req.Key.ID, rest, false); err != nil {
		return err
	}
	switch {
	case req.Key.Version == apis.AllVersions:
		return p.deleteAllVersions(ctx, c, req.Key.ID)
	case req.Key.Version != "":
		client, err := c.NewBlobClient(req.Key.ID).WithVersionID(req.Key.Version)
		if err != nil {
			return errors.NewBadRequest("azblob: invalid version %q, %s", req.Key.Version, err)
		}
		if _, err := client.Delete(ctx, nil); err != nil {
			return errors.FromAzure(err)
		}
		return nil
	default:
		if _, err := c.NewBlobClient(req.Key.ID).Delete(ctx, &blob.DeleteOptions{AccessConditions: access}); err != nil {
			return errors.FromAzure(err)
		}
		return nil
	}
}

// deleteAllVersions removes prior versions first, then the base blob; a base
// delete alone would leave the history behind.
func (p *Provider) deleteAllVersions(ctx context.Context, c *container.Client, id string) error {
	found := false
	pager := c.NewListBlobsFlatPager(&container.ListBlobsFlatOptions{
		Prefix:  lo.ToPtr(id),
		Include: container.ListBlobsInclude{Versions: true},
	})
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return errors.FromAzure(err)
		}
		for _, entry := range page.Segment.BlobItems {
			if lo.FromPtr(entry.Name) != id {
				continue
			}
			found = true
			if lo.FromPtr(entry.IsCurrentVersion) || lo.FromPtr(entry.VersionID) == "" {
				continue
			}
			client, err := c.NewBlobClient(id).WithVersionID(lo.FromPtr(entry.VersionID))
			if err != nil {
				return errors.NewBadRequest("azblob: invalid version %q, %s", lo.FromPtr(entry.VersionID), err)
			}
			if _, err := client.Delete(ctx, nil); err != nil {
				if err := errors.IgnoreNotFound(errors.FromAzure(err)); err != nil {
					return err
				}
			}
		}
	}
	if !found {
		return errors.NewNotFound("blob %q does not exist", id)
	}
	if _, err := c.NewBlobClient(id).Delete(ctx, nil); err != nil {
		return errors.IgnoreNotFound(errors.FromAzure(err))
	}
	return nil
}

// Copy performs a synchronous server-side copy from the source blob's URL.
func (p *Provider) Copy(ctx context.Context, req *storage.CopyRequest) (*apis.ObjectItem, error) {
	c, name, err := p.container(req.Collection)
	if err != nil {
		return nil, err
	}
	srcContainer := c
	if req.Source.Collection != "" && req.Source.Collection != name {
		srcContainer = p.client.NewContainerClient(req.Source.Collection)
	}
	src := srcContainer.NewBlobClient(req.Source.ID)
	if req.Source.Version != "" {
		if src, err = src.WithVersionID(req.Source.Version); err != nil {
			return nil, errors.NewBadRequest("azblob: invalid version %q, %s", req.Source.Version, err)
		}
	}
	if err := p.check(ctx, c, req.Key.ID, req.Match, false); err != nil {
		return nil, err
	}
	if _, err := c.NewBlobClient(req.Key.ID).CopyFromURL(ctx, src.URL(), nil); err != nil {
		return nil, errors.FromAzure(err)
	}
	return p.item(ctx, c, req.Key.ID, "")
}

// Generate mints a SAS URL scoped to the requested verb.
func (p *Provider) Generate(ctx context.Context, req *storage.GenerateRequest) (*apis.ObjectItem, error) {
	c, _, err := p.container(req.Collection)
	if err != nil {
		return nil, err
	}
	var permissions sas.BlobPermissions
	switch req.Method {
	case storage.MethodGet:
		permissions = sas.BlobPermissions{Read: true}
	case storage.MethodPut:
		permissions = sas.BlobPermissions{Create: true, Write: true}
	case storage.MethodDelete:
		permissions = sas.BlobPermissions{Delete: true}
	default:
		return nil, errors.NewUnsupported("azblob: cannot sign method %q", req.Method)
	}
	signed, err := c.NewBlobClient(req.Key.ID).GetSASURL(permissions, sasExpiry(req.Expiry), nil)
	if err != nil {
		return nil, errors.FromAzure(err)
	}
	return &apis.ObjectItem{Key: req.Key, URL: signed}, nil
}

// item re-reads the blob to report the post-write state.
func (p *Provider) item(ctx context.Context, c *container.Client, id, version string) (*apis.ObjectItem, error) {
	props, currentVersion, metadata, err := p.properties(ctx, c, id, version)
	if err != nil {
		return nil, err
	}
	return &apis.ObjectItem{
		Key:        apis.ObjectKey{ID: id, Version: currentVersion},
		Metadata:   metadata,
		Properties: props,
	}, nil
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
