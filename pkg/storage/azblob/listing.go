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
	"context"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"
	"github.com/samber/lo"

	"github.com/strato-cloud/strato/pkg/apis"
	"github.com/strato-cloud/strato/pkg/errors"
	"github.com/strato-cloud/strato/pkg/storage"
)

type emission struct {
	key    string
	prefix bool
	item   *container.BlobItem
}

// Query lists with the hierarchy pager when a delimiter is in play, the flat
// pager otherwise. Bound, limit and continuation bookkeeping run here; the
// continuation is the last emitted key and a resume skips everything at or
// before it.
func (p *Provider) Query(ctx context.Context, req *storage.QueryRequest) (*apis.ObjectList, error) {
	c, _, err := p.container(req.Collection)
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
	err = p.walk(ctx, c, req, func(e emission) bool {
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
		item := apis.ObjectItem{Key: apis.Key(e.key), Properties: &apis.ObjectProperties{}}
		if e.item.Properties != nil {
			item.Properties.ContentLength = lo.FromPtr(e.item.Properties.ContentLength)
			item.Properties.ETag = etagString(e.item.Properties.ETag)
			if e.item.Properties.LastModified != nil {
				item.Properties.LastModified = apis.EpochSeconds(*e.item.Properties.LastModified)
			}
			if e.item.Properties.AccessTier != nil {
				item.Properties.StorageClass = accessTierFrom[blob.AccessTier(*e.item.Properties.AccessTier)]
			}
		}
		list.Items = append(list.Items, item)
		return true
	})
	if err != nil {
		return nil, err
	}
	return list, nil
}

func (p *Provider) Count(ctx context.Context, req *storage.QueryRequest) (int, error) {
	c, _, err := p.container(req.Collection)
	if err != nil {
		return 0, err
	}
	unbounded := *req
	unbounded.Limit = 0
	unbounded.Continuation = ""
	unbounded.Config = nil
	count := 0
	err = p.walk(ctx, c, &unbounded, func(emission) bool {
		count++
		return true
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// walk feeds in-bounds emissions to visit in ascending key order. Both pagers
// return blobs and prefixes sorted, so the per-page merge preserves order.
func (p *Provider) walk(ctx context.Context, c *container.Client, req *storage.QueryRequest, visit func(emission) bool) error {
	inBounds := func(e emission) (bool, bool) {
		if req.Plan.Before != "" && e.key >= req.Plan.Before {
			return false, true
		}
		if req.Plan.After != "" && e.key <= req.Plan.After {
			return false, false
		}
		if req.Continuation != "" && e.key <= req.Continuation {
			return false, false
		}
		return true, false
	}
	if req.Plan.Delimiter != "" {
		pager := c.NewListBlobsHierarchyPager(req.Plan.Delimiter, &container.ListBlobsHierarchyOptions{
			Prefix: lo.EmptyableToPtr(req.Plan.Prefix),
		})
		for pager.More() {
			page, err := pager.NextPage(ctx)
			if err != nil {
				return errors.FromAzure(err)
			}
			for _, e := range mergeHierarchy(page) {
				ok, stop := inBounds(e)
				if stop {
					return nil
				}
				if !ok {
					continue
				}
				if !visit(e) {
					return nil
				}
			}
		}
		return nil
	}
	pager := c.NewListBlobsFlatPager(&container.ListBlobsFlatOptions{
		Prefix: lo.EmptyableToPtr(req.Plan.Prefix),
	})
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return errors.FromAzure(err)
		}
		for _, entry := range page.Segment.BlobItems {
			e := emission{key: lo.FromPtr(entry.Name), item: entry}
			ok, stop := inBounds(e)
			if stop {
				return nil
			}
			if !ok {
				continue
			}
			if !visit(e) {
				return nil
			}
		}
	}
	return nil
}

func mergeHierarchy(page container.ListBlobsHierarchyResponse) []emission {
	items := page.Segment.BlobItems
	prefixes := page.Segment.BlobPrefixes
	emissions := make([]emission, 0, len(items)+len(prefixes))
	i, j := 0, 0
	for i < len(items) || j < len(prefixes) {
		switch {
		case j >= len(prefixes):
			emissions = append(emissions, emission{key: lo.FromPtr(items[i].Name), item: items[i]})
			i++
		case i >= len(items) || lo.FromPtr(prefixes[j].Name) < lo.FromPtr(items[i].Name):
			emissions = append(emissions, emission{key: lo.FromPtr(prefixes[j].Name), prefix: true})
			j++
		default:
			emissions = append(emissions, emission{key: lo.FromPtr(items[i].Name), item: items[i]})
			i++
		}
	}
	return emissions
}

// Batch runs the deletes sequentially; Azure's blob batch API is scoped per
// service version, so atomicity stays per key and the first failure stops
// the batch.
func (p *Provider) Batch(ctx context.Context, req *storage.BatchRequest) error {
	c, _, err := p.container(req.Collection)
	if err != nil {
		return err
	}
	for _, op := range req.Operations {
		if op.Key.Version != "" && op.Key.Version != apis.AllVersions {
			client, err := c.NewBlobClient(op.Key.ID).WithVersionID(op.Key.Version)
			if err != nil {
				return errors.NewBadRequest("azblob: invalid version %q, %s", op.Key.Version, err)
			}
			if _, err := client.Delete(ctx, nil); err != nil {
				return errors.FromAzure(err)
			}
			continue
		}
		if _, err := c.NewBlobClient(op.Key.ID).Delete(ctx, nil); err != nil {
			return errors.FromAzure(err)
		}
	}
	return nil
}
