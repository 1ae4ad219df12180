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

package fake

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/image"
	"github.com/samber/lo"
)

// DockerImageAPI is an in-memory docker engine image store. Images live as
// summaries keyed by ID; tags and reference filters behave like the engine's.
type DockerImageAPI struct {
	mu     sync.Mutex
	images map[string]*image.Summary

	// Pulled records every ImagePull reference in order.
	Pulled []string

	TagError    AtomicError
	ListError   AtomicError
	RemoveError AtomicError
	PullError   AtomicError

	nextID int
}

func NewDockerImageAPI() *DockerImageAPI {
	return &DockerImageAPI{images: map[string]*image.Summary{}}
}

// Reset must be called between tests otherwise tests will pollute each other.
func (d *DockerImageAPI) Reset() {
	d.TagError.Reset()
	d.ListError.Reset()
	d.RemoveError.Reset()
	d.PullError.Reset()
	d.mu.Lock()
	defer d.mu.Unlock()
	d.images = map[string]*image.Summary{}
	d.Pulled = nil
	d.nextID = 0
}

// AddImage seeds an image carrying the given tags and returns its ID.
func (d *DockerImageAPI) AddImage(tags ...string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	id := fmt.Sprintf("sha256:fakeimage%04d", d.nextID)
	d.images[id] = &image.Summary{
		ID:       id,
		RepoTags: tags,
		RepoDigests: lo.Map(tags, func(tag string, _ int) string {
			return repositoryOf(tag) + "@sha256:" + strings.Repeat(fmt.Sprintf("%02d", d.nextID%100), 32)
		}),
		Size:    1024,
		Created: time.Now().Unix(),
	}
	return id
}

func (d *DockerImageAPI) ImageTag(_ context.Context, source, target string) error {
	if err := d.TagError.Get(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	summary := d.find(source)
	if summary == nil {
		return fmt.Errorf("No such image: %s", source)
	}
	if !lo.Contains(summary.RepoTags, target) {
		summary.RepoTags = append(summary.RepoTags, target)
	}
	return nil
}

func (d *DockerImageAPI) ImageList(_ context.Context, options image.ListOptions) ([]image.Summary, error) {
	if err := d.ListError.Get(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	references := options.Filters.Get("reference")
	var out []image.Summary
	for _, summary := range d.images {
		if len(references) == 0 || matchesReference(summary, references) {
			out = append(out, *summary)
		}
	}
	return out, nil
}

func (d *DockerImageAPI) ImageRemove(_ context.Context, imageID string, _ image.RemoveOptions) ([]image.DeleteResponse, error) {
	if err := d.RemoveError.Get(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	summary := d.find(imageID)
	if summary == nil {
		return nil, fmt.Errorf("No such image: %s", imageID)
	}
	// Removing by tag untags; removing the last tag or by ID deletes.
	if lo.Contains(summary.RepoTags, imageID) && len(summary.RepoTags) > 1 {
		summary.RepoTags = lo.Without(summary.RepoTags, imageID)
		return []image.DeleteResponse{{Untagged: imageID}}, nil
	}
	delete(d.images, summary.ID)
	return []image.DeleteResponse{{Deleted: summary.ID}}, nil
}

func (d *DockerImageAPI) ImagePull(_ context.Context, refStr string, _ image.PullOptions) (io.ReadCloser, error) {
	if err := d.PullError.Get(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Pulled = append(d.Pulled, refStr)
	return io.NopCloser(bytes.NewReader([]byte("{}\n"))), nil
}

// find resolves an ID or any tag; a bare tag reference implies ":latest".
func (d *DockerImageAPI) find(ref string) *image.Summary {
	if summary, ok := d.images[ref]; ok {
		return summary
	}
	for _, summary := range d.images {
		if lo.Contains(summary.RepoTags, ref) || lo.Contains(summary.RepoTags, ref+":latest") {
			return summary
		}
	}
	return nil
}

// matchesReference mirrors the engine's reference filter closely enough for
// tests: a bare repository matches all of its tags.
func matchesReference(summary *image.Summary, references []string) bool {
	for _, reference := range references {
		for _, tag := range summary.RepoTags {
			if tag == reference || repositoryOf(tag) == reference {
				return true
			}
		}
	}
	return false
}

func repositoryOf(tag string) string {
	if i := strings.LastIndex(tag, ":"); i > strings.LastIndex(tag, "/") {
		return tag[:i]
	}
	return tag
}
