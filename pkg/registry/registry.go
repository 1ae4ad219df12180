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

// Package registry is the provider-agnostic container registry: repository
// lifecycle, push/pull/tag/delete, and image enumeration. The component
// validates references; providers own authentication and transport.
package registry

import (
	"context"
	"time"

	"github.com/google/go-containerregistry/pkg/name"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/strato-cloud/strato/pkg/errors"
	"github.com/strato-cloud/strato/pkg/metrics"
)

// Repository is a named image repository within a registry.
type Repository struct {
	Name string `json:"name"`
	// URI is the pullable repository address, without a tag.
	URI string `json:"uri"`
}

// Image is one stored image of a repository.
type Image struct {
	Repository string    `json:"repository"`
	Tags       []string  `json:"tags,omitempty"`
	Digest     string    `json:"digest,omitempty"`
	SizeBytes  int64     `json:"sizeBytes,omitempty"`
	PushedAt   time.Time `json:"pushedAt,omitempty"`
}

// PushRequest uploads the image known locally as LocalRef to Repository:Tag
// in the provider's registry.
type PushRequest struct {
	LocalRef   string
	Repository string
	Tag        string
}

// Provider is the backend contract. Push returns the fully-qualified pushed
// reference; the deployment engine consumes it as the resolved image URI.
type Provider interface {
	Name() string
	// Address is the registry host images are pushed to.
	Address() string

	EnsureRepository(ctx context.Context, repository string) (*Repository, error)
	DeleteRepository(ctx context.Context, repository string) error
	Push(ctx context.Context, req *PushRequest) (string, error)
	Pull(ctx context.Context, ref string) error
	Tag(ctx context.Context, source, target string) error
	Delete(ctx context.Context, ref string) error
	ListImages(ctx context.Context, repository string) ([]Image, error)
	ListDigests(ctx context.Context, repository string) ([]string, error)

	Close() error
}

// ContainerRegistry dispatches uniform operations to one Provider.
type ContainerRegistry struct {
	provider Provider
}

func New(provider Provider) *ContainerRegistry {
	return &ContainerRegistry{provider: provider}
}

func (r *ContainerRegistry) Provider() Provider {
	return r.provider
}

func (r *ContainerRegistry) Address() string {
	return r.provider.Address()
}

func (r *ContainerRegistry) Close() error {
	return r.provider.Close()
}

// EnsureRepository creates the repository when absent and is a no-op when it
// already exists.
func (r *ContainerRegistry) EnsureRepository(ctx context.Context, repository string) (*Repository, error) {
	if repository == "" {
		return nil, errors.NewBadRequest("registry: a repository name is required")
	}
	return measure[*Repository](ctx, r.provider.Name(), "ensure_repository", func(ctx context.Context) (*Repository, error) {
		return r.provider.EnsureRepository(ctx, repository)
	})
}

// DeleteRepository removes the repository and its images.
func (r *ContainerRegistry) DeleteRepository(ctx context.Context, repository string) error {
	if repository == "" {
		return errors.NewBadRequest("registry: a repository name is required")
	}
	_, err := measure[struct{}](ctx, r.provider.Name(), "delete_repository", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, r.provider.DeleteRepository(ctx, repository)
	})
	return err
}

// Push uploads a local image, creating the repository first. The returned
// reference is pullable from the provider's registry.
func (r *ContainerRegistry) Push(ctx context.Context, req *PushRequest) (string, error) {
	if req.LocalRef == "" || req.Repository == "" {
		return "", errors.NewBadRequest("registry: push requires a local reference and a repository")
	}
	if req.Tag == "" {
		req.Tag = "latest"
	}
	if _, err := name.ParseReference(req.LocalRef); err != nil {
		return "", errors.NewBadRequest("registry: invalid local reference %q, %s", req.LocalRef, err)
	}
	if _, err := r.EnsureRepository(ctx, req.Repository); err != nil {
		return "", err
	}
	pushed, err := measure[string](ctx, r.provider.Name(), "push", func(ctx context.Context) (string, error) {
		return r.provider.Push(ctx, req)
	})
	if err != nil {
		return "", err
	}
	log.FromContext(ctx).WithValues("image", pushed, "registry", r.provider.Address()).V(1).Info("pushed image")
	return pushed, nil
}

// Pull fetches ref onto the local engine.
func (r *ContainerRegistry) Pull(ctx context.Context, ref string) error {
	if _, err := name.ParseReference(ref); err != nil {
		return errors.NewBadRequest("registry: invalid reference %q, %s", ref, err)
	}
	_, err := measure[struct{}](ctx, r.provider.Name(), "pull", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, r.provider.Pull(ctx, ref)
	})
	return err
}

// Tag aliases source under target on the local engine.
func (r *ContainerRegistry) Tag(ctx context.Context, source, target string) error {
	for _, ref := range []string{source, target} {
		if _, err := name.ParseReference(ref); err != nil {
			return errors.NewBadRequest("registry: invalid reference %q, %s", ref, err)
		}
	}
	_, err := measure[struct{}](ctx, r.provider.Name(), "tag", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, r.provider.Tag(ctx, source, target)
	})
	return err
}

// Delete removes one image reference from the registry.
func (r *ContainerRegistry) Delete(ctx context.Context, ref string) error {
	if _, err := name.ParseReference(ref); err != nil {
		return errors.NewBadRequest("registry: invalid reference %q, %s", ref, err)
	}
	_, err := measure[struct{}](ctx, r.provider.Name(), "delete", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, r.provider.Delete(ctx, ref)
	})
	return err
}

// ListImages enumerates the repository's images.
func (r *ContainerRegistry) ListImages(ctx context.Context, repository string) ([]Image, error) {
	if repository == "" {
		return nil, errors.NewBadRequest("registry: a repository name is required")
	}
	return measure[[]Image](ctx, r.provider.Name(), "list_images", func(ctx context.Context) ([]Image, error) {
		return r.provider.ListImages(ctx, repository)
	})
}

// ListDigests enumerates the repository's image digests.
func (r *ContainerRegistry) ListDigests(ctx context.Context, repository string) ([]string, error) {
	if repository == "" {
		return nil, errors.NewBadRequest("registry: a repository name is required")
	}
	return measure[[]string](ctx, r.provider.Name(), "list_digests", func(ctx context.Context) ([]string, error) {
		return r.provider.ListDigests(ctx, repository)
	})
}

func measure[T any](ctx context.Context, provider, operation string, fn func(context.Context) (T, error)) (T, error) {
	var out T
	err := metrics.MeasureCtx(ctx, metrics.CloudAPIDuration.WithLabelValues(provider, operation), func(ctx context.Context) error {
		var err error
		out, err = fn(ctx)
		return err
	})
	if err != nil {
		metrics.OperationErrors.WithLabelValues(provider, operation, errors.KindName(err)).Inc()
	}
	return out, err
}
