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

// Package ecr implements the container registry on Amazon ECR. Repository
// lifecycle and image enumeration go through the SDK; pushes go through the
// local docker engine via the shell seam, authenticated with a cached
// authorization token.
package ecr

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/service/ecr"
	ecrtypes "github.com/aws/aws-sdk-go-v2/service/ecr/types"
	gocache "github.com/patrickmn/go-cache"
	"github.com/samber/lo"

	sdk "github.com/strato-cloud/strato/pkg/aws"
	"github.com/strato-cloud/strato/pkg/cache"
	"github.com/strato-cloud/strato/pkg/errors"
	"github.com/strato-cloud/strato/pkg/registry"
	"github.com/strato-cloud/strato/pkg/shell"
)

// Config configures the provider. AccountID and Region form the registry
// address; Address overrides it outright (mirrors, localstack).
type Config struct {
	AccountID string
	Region    string
	Address   string
}

// Provider implements registry.Provider on ECR.
type Provider struct {
	config Config
	ecrapi sdk.ECRAPI
	sh     shell.Shell

	mu     sync.Mutex
	tokens *gocache.Cache
}

func NewProvider(ecrapi sdk.ECRAPI, sh shell.Shell, config Config) *Provider {
	return &Provider{
		config: config,
		ecrapi: ecrapi,
		sh:     sh,
		tokens: gocache.New(cache.RegistryTokenTTL, cache.DefaultCleanupInterval),
	}
}

func (p *Provider) Name() string { return "ecr" }

func (p *Provider) Address() string {
	if p.config.Address != "" {
		return p.config.Address
	}
	return fmt.Sprintf("%s.dkr.ecr.%s.amazonaws.com", p.config.AccountID, p.config.Region)
}

func (p *Provider) Close() error { return nil }

// EnsureRepository creates the repository when absent; a concurrent creator
// winning the race counts as success.
func (p *Provider) EnsureRepository(ctx context.Context, repository string) (*registry.Repository, error) {
	out, err := p.ecrapi.DescribeRepositories(ctx, &ecr.DescribeRepositoriesInput{
		RepositoryNames: []string{repository},
	})
	if err == nil && len(out.Repositories) > 0 {
		return &registry.Repository{Name: repository, URI: lo.FromPtr(out.Repositories[0].RepositoryUri)}, nil
	}
	if err := errors.IgnoreNotFound(errors.FromAWS(err)); err != nil {
		return nil, err
	}
	created, err := p.ecrapi.CreateRepository(ctx, &ecr.CreateRepositoryInput{
		RepositoryName: lo.ToPtr(repository),
	})
	if err != nil {
		if errors.IsConflict(errors.FromAWS(err)) {
			return p.EnsureRepository(ctx, repository)
		}
		return nil, errors.FromAWS(err)
	}
	return &registry.Repository{Name: repository, URI: lo.FromPtr(created.Repository.RepositoryUri)}, nil
}

func (p *Provider) DeleteRepository(ctx context.Context, repository string) error {
	if _, err := p.ecrapi.DeleteRepository(ctx, &ecr.DeleteRepositoryInput{
		RepositoryName: lo.ToPtr(repository),
		Force:          true,
	}); err != nil {
		return errors.IgnoreNotFound(errors.FromAWS(err))
	}
	return nil
}

// Push tags the local image into the repository and pushes it through the
// docker engine.
func (p *Provider) Push(ctx context.Context, req *registry.PushRequest) (string, error) {
	if err := p.login(ctx); err != nil {
		return "", err
	}
	target := fmt.Sprintf("%s/%s:%s", p.Address(), req.Repository, req.Tag)
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

// Delete removes the tagged image from the registry; a digest reference
// ("repo@sha256:...") deletes by digest.
func (p *Provider) Delete(ctx context.Context, ref string) error {
	repository, identifier, byDigest := splitReference(ref)
	id := ecrtypes.ImageIdentifier{ImageTag: lo.ToPtr(identifier)}
	if byDigest {
		id = ecrtypes.ImageIdentifier{ImageDigest: lo.ToPtr(identifier)}
	}
	out, err := p.ecrapi.BatchDeleteImage(ctx, &ecr.BatchDeleteImageInput{
		RepositoryName: lo.ToPtr(repository),
		ImageIds:       []ecrtypes.ImageIdentifier{id},
	})
	if err != nil {
		return errors.FromAWS(err)
	}
	for _, failure := range out.Failures {
		if failure.FailureCode == ecrtypes.ImageFailureCodeImageNotFound {
			return errors.NewNotFound("image %q does not exist", ref)
		}
		return fmt.Errorf("deleting image %q, %s: %s", ref, failure.FailureCode, lo.FromPtr(failure.FailureReason))
	}
	return nil
}

func (p *Provider) ListImages(ctx context.Context, repository string) ([]registry.Image, error) {
	var images []registry.Image
	var next *string
	for {
		out, err := p.ecrapi.DescribeImages(ctx, &ecr.DescribeImagesInput{
			RepositoryName: lo.ToPtr(repository),
			NextToken:      next,
		})
		if err != nil {
			return nil, errors.FromAWS(err)
		}
		for _, detail := range out.ImageDetails {
			image := registry.Image{
				Repository: repository,
				Tags:       detail.ImageTags,
				Digest:     lo.FromPtr(detail.ImageDigest),
				SizeBytes:  lo.FromPtr(detail.ImageSizeInBytes),
			}
			if detail.ImagePushedAt != nil {
				image.PushedAt = *detail.ImagePushedAt
			}
			images = append(images, image)
		}
		if out.NextToken == nil {
			return images, nil
		}
		next = out.NextToken
	}
}

func (p *Provider) ListDigests(ctx context.Context, repository string) ([]string, error) {
	images, err := p.ListImages(ctx, repository)
	if err != nil {
		return nil, err
	}
	return lo.Map(images, func(i registry.Image, _ int) string { return i.Digest }), nil
}

// login authenticates the docker engine against the registry. Tokens are
// valid for 12 hours; the cache holds them for 11.
func (p *Provider) login(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.tokens.Get(p.Address()); ok {
		return nil
	}
	out, err := p.ecrapi.GetAuthorizationToken(ctx, &ecr.GetAuthorizationTokenInput{})
	if err != nil {
		return errors.FromAWS(err)
	}
	if len(out.AuthorizationData) == 0 {
		return fmt.Errorf("ecr: empty authorization data")
	}
	password, err := decodeToken(lo.FromPtr(out.AuthorizationData[0].AuthorizationToken))
	if err != nil {
		return err
	}
	if _, _, err := p.sh.Run(ctx,
		[]string{"docker", "login", "--username", "AWS", "--password-stdin", p.Address()},
		strings.NewReader(password)); err != nil {
		return fmt.Errorf("logging in to %q, %w", p.Address(), err)
	}
	p.tokens.SetDefault(p.Address(), struct{}{})
	return nil
}

// decodeToken extracts the password from the base64 "AWS:password" token.
func decodeToken(token string) (string, error) {
	decoded, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return "", fmt.Errorf("decoding authorization token, %w", err)
	}
	_, password, found := strings.Cut(string(decoded), ":")
	if !found {
		return "", fmt.Errorf("ecr: malformed authorization token")
	}
	return password, nil
}

// splitReference splits "host/repo:tag" or "host/repo@digest" into the
// repository path and the identifier.
func splitReference(ref string) (repository, identifier string, byDigest bool) {
	if repo, digest, found := strings.Cut(ref, "@"); found {
		return stripHost(repo), digest, true
	}
	// The tag separator is the last colon after the final slash.
	if i := strings.LastIndex(ref, ":"); i > strings.LastIndex(ref, "/") {
		return stripHost(ref[:i]), ref[i+1:], false
	}
	return stripHost(ref), "latest", false
}

func stripHost(repo string) string {
	if i := strings.Index(repo, "/"); i >= 0 && strings.ContainsAny(repo[:i], ".:") {
		return repo[i+1:]
	}
	return repo
}
