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

// Package acr implements the container registry on Azure Container Registry.
// The registry itself is account-level infrastructure and must exist;
// repositories inside it are created on first push. Data-plane operations
// (repository delete, tag listing) go through the az CLI behind the shell
// seam; admin credentials come from the ARM API.
package acr

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/containerregistry/armcontainerregistry"
	gocache "github.com/patrickmn/go-cache"
	"github.com/samber/lo"

	"github.com/strato-cloud/strato/pkg/cache"
	"github.com/strato-cloud/strato/pkg/errors"
	"github.com/strato-cloud/strato/pkg/registry"
	"github.com/strato-cloud/strato/pkg/shell"
)

// RegistriesAPI narrows the ARM registries client to the calls this provider
// makes.
type RegistriesAPI interface {
	Get(ctx context.Context, resourceGroupName string, registryName string, options *armcontainerregistry.RegistriesClientGetOptions) (armcontainerregistry.RegistriesClientGetResponse, error)
	ListCredentials(ctx context.Context, resourceGroupName string, registryName string, options *armcontainerregistry.RegistriesClientListCredentialsOptions) (armcontainerregistry.RegistriesClientListCredentialsResponse, error)
}

// Config names the pre-existing registry.
type Config struct {
	ResourceGroup string
	RegistryName  string
}

// Provider implements registry.Provider on ACR.
type Provider struct {
	config     Config
	registries RegistriesAPI
	sh         shell.Shell

	mu     sync.Mutex
	logins *gocache.Cache
}

func NewProvider(registries RegistriesAPI, sh shell.Shell, config Config) *Provider {
	return &Provider{
		config:     config,
		registries: registries,
		sh:         sh,
		logins:     gocache.New(cache.RegistryTokenTTL, cache.DefaultCleanupInterval),
	}
}

func (p *Provider) Name() string { return "acr" }

func (p *Provider) Address() string {
	return fmt.Sprintf("%s.azurecr.io", strings.ToLower(p.config.RegistryName))
}

func (p *Provider) Close() error { return nil }

// EnsureRepository verifies the registry exists; ACR creates repositories on
// first push, so there is nothing to create here.
func (p *Provider) EnsureRepository(ctx context.Context, repository string) (*registry.Repository, error) {
	if _, err := p.registries.Get(ctx, p.config.ResourceGroup, p.config.RegistryName, nil); err != nil {
		return nil, errors.FromAzure(err)
	}
	return &registry.Repository{Name: repository, URI: p.Address() + "/" + repository}, nil
}

func (p *Provider) DeleteRepository(ctx context.Context, repository string) error {
	if _, _, err := p.sh.Run(ctx, []string{
		"az", "acr", "repository", "delete",
		"--name", p.config.RegistryName,
		"--repository", repository,
		"--yes",
	}, nil); err != nil {
		return fmt.Errorf("deleting repository %q, %w", repository, err)
	}
	return nil
}

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

// Delete removes one tag from the registry.
func (p *Provider) Delete(ctx context.Context, ref string) error {
	repository, tag := splitReference(ref)
	if _, _, err := p.sh.Run(ctx, []string{
		"az", "acr", "repository", "untag",
		"--name", p.config.RegistryName,
		"--image", repository + ":" + tag,
	}, nil); err != nil {
		return fmt.Errorf("untagging %q, %w", ref, err)
	}
	return nil
}

func (p *Provider) ListImages(ctx context.Context, repository string) ([]registry.Image, error) {
	out, _, err := p.sh.Run(ctx, []string{
		"az", "acr", "repository", "show-tags",
		"--name", p.config.RegistryName,
		"--repository", repository,
		"--output", "tsv",
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("listing tags for %q, %w", repository, err)
	}
	return lo.Map(lines(out), func(tag string, _ int) registry.Image {
		return registry.Image{Repository: repository, Tags: []string{tag}}
	}), nil
}

func (p *Provider) ListDigests(ctx context.Context, repository string) ([]string, error) {
	out, _, err := p.sh.Run(ctx, []string{
		"az", "acr", "manifest", "list-metadata",
		"--registry", p.config.RegistryName,
		"--name", repository,
		"--query", "[].digest",
		"--output", "tsv",
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("listing digests for %q, %w", repository, err)
	}
	return lines(out), nil
}

// login authenticates the docker engine with the registry's admin
// credentials.
func (p *Provider) login(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.logins.Get(p.Address()); ok {
		return nil
	}
	creds, err := p.registries.ListCredentials(ctx, p.config.ResourceGroup, p.config.RegistryName, nil)
	if err != nil {
		return errors.FromAzure(err)
	}
	if creds.Username == nil || len(creds.Passwords) == 0 || creds.Passwords[0].Value == nil {
		return fmt.Errorf("acr: registry %q has no admin credentials", p.config.RegistryName)
	}
	if _, _, err := p.sh.Run(ctx,
		[]string{"docker", "login", "--username", *creds.Username, "--password-stdin", p.Address()},
		strings.NewReader(*creds.Passwords[0].Value)); err != nil {
		return fmt.Errorf("logging in to %q, %w", p.Address(), err)
	}
	p.logins.SetDefault(p.Address(), struct{}{})
	return nil
}

// splitReference strips the registry host and splits "repo:tag".
func splitReference(ref string) (repository, tag string) {
	if i := strings.Index(ref, "/"); i >= 0 && strings.ContainsAny(ref[:i], ".:") {
		ref = ref[i+1:]
	}
	if i := strings.LastIndex(ref, ":"); i > strings.LastIndex(ref, "/") {
		return ref[:i], ref[i+1:]
	}
	return ref, "latest"
}

func lines(out []byte) []string {
	return lo.Filter(strings.Split(strings.TrimSpace(string(out)), "\n"), func(s string, _ int) bool {
		return strings.TrimSpace(s) != ""
	})
}
