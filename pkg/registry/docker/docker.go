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

// Package docker implements the container registry against a plain registry
// host (registry:2 style) through the local docker engine. Tag, list and
// delete run on the engine API; pushes shell out to the docker CLI so
// credential helpers apply.
package docker

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/samber/lo"

	"github.com/strato-cloud/strato/pkg/errors"
	"github.com/strato-cloud/strato/pkg/registry"
	"github.com/strato-cloud/strato/pkg/shell"
)

// ImageAPI narrows the docker engine client to the image calls this provider
// makes, so the fake implements exactly this surface.
type ImageAPI interface {
	ImageTag(ctx context.Context, source, target string) error
	ImageList(ctx context.Context, options image.ListOptions) ([]image.Summary, error)
	ImageRemove(ctx context.Context, imageID string, options image.RemoveOptions) ([]image.DeleteResponse, error)
	ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error)
}

// Config configures the provider. Host is the registry images are pushed to.
type Config struct {
	Host string
}

// Provider implements registry.Provider on the local engine.
type Provider struct {
	config Config
	docker ImageAPI
	sh     shell.Shell
}

func NewProvider(docker ImageAPI, sh shell.Shell, config Config) *Provider {
	return &Provider{config: config, docker: docker, sh: sh}
}

func (p *Provider) Name() string { return "docker" }

func (p *Provider) Address() string { return p.config.Host }

func (p *Provider) Close() error { return nil }

// EnsureRepository is declarative only: a plain registry creates repositories
// on first push.
func (p *Provider) EnsureRepository(_ context.Context, repository string) (*registry.Repository, error) {
	return &registry.Repository{Name: repository, URI: p.repositoryURI(repository)}, nil
}

// DeleteRepository removes the repository's local images; the registry host
// itself garbage-collects untagged blobs on its own schedule.
func (p *Provider) DeleteRepository(ctx context.Context, repository string) error {
	summaries, err := p.list(ctx, repository)
	if err != nil {
		return err
	}
	for _, summary := range summaries {
		if _, err := p.docker.ImageRemove(ctx, summary.ID, image.RemoveOptions{Force: true}); err != nil {
			return fmt.Errorf("removing image %q, %w", summary.ID, err)
		}
	}
	return nil
}

func (p *Provider) Push(ctx context.Context, req *registry.PushRequest) (string, error) {
	target := fmt.Sprintf("%s:%s", p.repositoryURI(req.Repository), req.Tag)
	if err := p.docker.ImageTag(ctx, req.LocalRef, target); err != nil {
		return "", fmt.Errorf("tagging %q as %q, %w", req.LocalRef, target, err)
	}
	if _, _, err := p.sh.Run(ctx, []string{"docker", "push", target}, nil); err != nil {
		return "", fmt.Errorf("pushing %q, %w", target, err)
	}
	return target, nil
}

func (p *Provider) Pull(ctx context.Context, ref string) error {
	body, err := p.docker.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pulling %q, %w", ref, err)
	}
	defer body.Close()
	// The pull completes only once the progress stream is drained.
	if _, err := io.Copy(io.Discard, body); err != nil {
		return fmt.Errorf("pulling %q, %w", ref, err)
	}
	return nil
}

func (p *Provider) Tag(ctx context.Context, source, target string) error {
	if err := p.docker.ImageTag(ctx, source, target); err != nil {
		return fmt.Errorf("tagging %q as %q, %w", source, target, err)
	}
	return nil
}

func (p *Provider) Delete(ctx context.Context, ref string) error {
	deleted, err := p.docker.ImageRemove(ctx, ref, image.RemoveOptions{})
	if err != nil {
		if strings.Contains(err.Error(), "No such image") {
			return errors.NewNotFound("image %q does not exist", ref)
		}
		return fmt.Errorf("removing image %q, %w", ref, err)
	}
	if len(deleted) == 0 {
		return errors.NewNotFound("image %q does not exist", ref)
	}
	return nil
}

func (p *Provider) ListImages(ctx context.Context, repository string) ([]registry.Image, error) {
	summaries, err := p.list(ctx, repository)
	if err != nil {
		return nil, err
	}
	return lo.Map(summaries, func(s image.Summary, _ int) registry.Image {
		img := registry.Image{
			Repository: repository,
			Tags:       tagsOf(s.RepoTags),
			SizeBytes:  s.Size,
			PushedAt:   time.Unix(s.Created, 0),
		}
		if len(s.RepoDigests) > 0 {
			if _, digest, found := strings.Cut(s.RepoDigests[0], "@"); found {
				img.Digest = digest
			}
		}
		return img
	}), nil
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

func (p *Provider) list(ctx context.Context, repository string) ([]image.Summary, error) {
	summaries, err := p.docker.ImageList(ctx, image.ListOptions{
		Filters: filters.NewArgs(filters.Arg("reference", p.repositoryURI(repository))),
	})
	if err != nil {
		return nil, fmt.Errorf("listing images for %q, %w", repository, err)
	}
	return summaries, nil
}

func (p *Provider) repositoryURI(repository string) string {
	if p.config.Host == "" {
		return repository
	}
	return p.config.Host + "/" + repository
}

func tagsOf(repoTags []string) []string {
	return lo.FilterMap(repoTags, func(rt string, _ int) (string, bool) {
		if i := strings.LastIndex(rt, ":"); i > strings.LastIndex(rt, "/") {
			return rt[i+1:], true
		}
		return "", false
	})
}
