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

// Package gar implements the container registry on Google Artifact Registry.
// One Artifact Registry repository (from Config) holds every image; the
// component's repository names map to docker packages inside it, since AR
// references are host/project/repository/image:tag. Docker authenticates
// with short-lived access tokens minted by gcloud behind the shell seam.
package gar

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/samber/lo"
	"google.golang.org/api/artifactregistry/v1"

	"github.com/strato-cloud/strato/pkg/cache"
	"github.com/strato-cloud/strato/pkg/errors"
	"github.com/strato-cloud/strato/pkg/registry"
	"github.com/strato-cloud/strato/pkg/shell"
)

// Access tokens are valid for an hour; refresh well before expiry.
const tokenTTL = 45 * time.Minute

// Config places images in one project, location and Artifact Registry
// repository.
type Config struct {
	Project    string
	Location   string
	Repository string
}

// Provider implements registry.Provider on Artifact Registry.
type Provider struct {
	config  Config
	service *artifactregistry.Service
	sh      shell.Shell

	mu     sync.Mutex
	logins *gocache.Cache
}

func NewProvider(service *artifactregistry.Service, sh shell.Shell, config Config) *Provider {
	return &Provider{
		config:  config,
		service: service,
		sh:      sh,
		logins:  gocache.New(tokenTTL, cache.DefaultCleanupInterval),
	}
}

func (p *Provider) Name() string { return "gar" }

func (p *Provider) Address() string {
	return fmt.Sprintf("%s-docker.pkg.dev", p.config.Location)
}

func (p *Provider) Close() error { return nil }

func (p *Provider) parent() string {
	return fmt.Sprintf("projects/%s/locations/%s", p.config.Project, p.config.Location)
}

func (p *Provider) repositoryName() string {
	return p.parent() + "/repositories/" + p.config.Repository
}

func (p *Provider) imageURI(image string) string {
	return fmt.Sprintf("%s/%s/%s/%s", p.Address(), p.config.Project, p.config.Repository, image)
}

// EnsureRepository ensures the configured Artifact Registry repository
// exists; image packages inside it appear on first push.
func (p *Provider) EnsureRepository(ctx context.Context, repository string) (*registry.Repository, error) {
	if _, err := p.service.Projects.Locations.Repositories.Get(p.repositoryName()).Context(ctx).Do(); err != nil {
		if err := errors.IgnoreNotFound(errors.FromGCP(err)); err != nil {
			return nil, err
		}
		if _, err := p.service.Projects.Locations.Repositories.Create(p.parent(), &artifactregistry.Repository{
			Format: "DOCKER",
		}).RepositoryId(p.config.Repository).Context(ctx).Do(); err != nil {
			if err := errors.IgnoreConflict(errors.FromGCP(err)); err != nil {
				return nil, err
			}
		}
	}
	return &registry.Repository{Name: repository, URI: p.imageURI(repository)}, nil
}

// DeleteRepository removes the image package and its versions.
func (p *Provider) DeleteRepository(ctx context.Context, repository string) error {
	pkg := p.repositoryName() + "/packages/" + repository
	if _, err := p.service.Projects.Locations.Repositories.Packages.Delete(pkg).Context(ctx).Do(); err != nil {
		return errors.IgnoreNotFound(errors.FromGCP(err))
	}
	return nil
}

func (p *Provider) Push(ctx context.Context, req *registry.PushRequest) (string, error) {
	if err := p.login(ctx); err != nil {
		return "", err
	}
	target := fmt.Sprintf("%s:%s", p.imageURI(req.Repository), req.Tag)
	if _, _, err := p.sh.Run(ctx, []string{"docker", "tag", req.LocalRef, target}, nil); err != nil {
		return "", fmt.Errorf("tagging %q as %q, %w", req.LocalRef, target, err)
	}
	if _, _, err := p.sh.Run(ctx, []string{"docker", "push", target}, nil); err != nil {
		return "", fmt.Errorf("pushing %q, %w", target, err)
	}
	return target, nil
}

func (p *Provider) Pull(ctx context.Context, ref string) error {
	if err := p.login(ctx); err != nil {
		return err
	}
	if _, _, err := p.sh.Run(ctx, []string{"docker", "pull", ref}, nil); err != nil {
		return fmt.Errorf("pulling %q, %w", ref, err)
	}
	return nil
}

func (p *Provider) Tag(ctx context.Context, source, target string) error {
	if _, _, err := p.sh.Run(ctx, []string{"docker", "tag", source, target}, nil); err != nil {
		return fmt.Errorf("tagging %q as %q, %w", source, target, err)
	}
	return nil
}

// Delete removes the image version addressed by a digest reference; tag
// references resolve through the image list first.
func (p *Provider) Delete(ctx context.Context, ref string) error {
	image, identifier, byDigest := p.splitReference(ref)
	if !byDigest {
		images, err := p.ListImages(ctx, image)
		if err != nil {
			return err
		}
		found, ok := lo.Find(images, func(i registry.Image) bool {
			return lo.Contains(i.Tags, identifier)
		})
		if !ok {
			return errors.NewNotFound("image %q does not exist", ref)
		}
		identifier = found.Digest
	}
	version := fmt.Sprintf("%s/packages/%s/versions/%s", p.repositoryName(), image, identifier)
	if _, err := p.service.Projects.Locations.Repositories.Packages.Versions.Delete(version).Context(ctx).Do(); err != nil {
		return errors.FromGCP(err)
	}
	return nil
}

// ListImages enumerates the named image's versions within the configured
// Artifact Registry repository.
func (p *Provider) ListImages(ctx context.Context, repository string) ([]registry.Image, error) {
	var images []registry.Image
	call := p.service.Projects.Locations.Repositories.DockerImages.List(p.repositoryName())
	err := call.Pages(ctx, func(page *artifactregistry.ListDockerImagesResponse) error {
		for _, di := range page.DockerImages {
			uri, digest, _ := strings.Cut(di.Uri, "@")
			if lastSegment(uri) != repository {
				continue
			}
			image := registry.Image{
				Repository: repository,
				Tags:       di.Tags,
				Digest:     digest,
				SizeBytes:  di.ImageSizeBytes,
			}
			if di.UploadTime != "" {
				if t, err := time.Parse(time.RFC3339Nano, di.UploadTime); err == nil {
					image.PushedAt = t
				}
			}
			images = append(images, image)
		}
		return nil
	})
	if err != nil {
		return nil, errors.FromGCP(err)
	}
	return images, nil
}

func (p *Provider) ListDigests(ctx context.Context, repository string) ([]string, error) {
	images, err := p.ListImages(ctx, repository)
	if err != nil {
		return nil, err
	}
	return lo.FilterMap(images, func(i registry.Image, _ int) (string, bool) {
		return i.Digest, i.Digest != ""
	}), nil
}

// login mints an access token through gcloud and hands it to docker.
func (p *Provider) login(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.logins.Get(p.Address()); ok {
		return nil
	}
	token, err := shell.Line(ctx, p.sh, "gcloud", "auth", "print-access-token")
	if err != nil {
		return fmt.Errorf("minting access token, %w", err)
	}
	if _, _, err := p.sh.Run(ctx,
		[]string{"docker", "login", "--username", "oauth2accesstoken", "--password-stdin", p.Address()},
		strings.NewReader(token)); err != nil {
		return fmt.Errorf("logging in to %q, %w", p.Address(), err)
	}
	p.logins.SetDefault(p.Address(), struct{}{})
	return nil
}

// splitReference reduces any accepted form (bare image, image:tag, or the
// fully-qualified URI) to the image name and its tag or digest.
func (p *Provider) splitReference(ref string) (image, identifier string, byDigest bool) {
	if repo, digest, found := strings.Cut(ref, "@"); found {
		return lastSegment(repo), digest, true
	}
	if i := strings.LastIndex(ref, ":"); i > strings.LastIndex(ref, "/") {
		return lastSegment(ref[:i]), ref[i+1:], false
	}
	return lastSegment(ref), "latest", false
}

func lastSegment(path string) string {
	if i := strings.LastIndex(path, "/"); i >= 0 {
		return path[i+1:]
	}
	return path
}
