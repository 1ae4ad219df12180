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

// Package cloudrun deploys services on Google Cloud Run. Services and
// revisions map directly onto Cloud Run's own; traffic splits use integer
// percents and long-running operations are waited out inside each call.
package cloudrun

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/samber/lo"
	"google.golang.org/api/run/v2"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/strato-cloud/strato/pkg/apis"
	"github.com/strato-cloud/strato/pkg/deploy"
	"github.com/strato-cloud/strato/pkg/errors"
)

const pollInterval = 2 * time.Second

// Config places every service in one project and region.
type Config struct {
	Project string
	Region  string
}

func (c Config) validate() error {
	if c.Project == "" || c.Region == "" {
		return errors.NewBadRequest("cloudrun: project and region are required")
	}
	return nil
}

type Provider struct {
	service *run.Service
	config  Config
}

func NewProvider(service *run.Service, config Config) (*Provider, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}
	return &Provider{service: service, config: config}, nil
}

func (p *Provider) Name() string { return "cloudrun" }

// Supports reports every capability: Cloud Run keeps addressable revisions,
// splits traffic by percent and runs sidecars.
func (p *Provider) Supports(feature apis.Feature) bool {
	return apis.KnownFeature(feature)
}

func (p *Provider) parent() string {
	return fmt.Sprintf("projects/%s/locations/%s", p.config.Project, p.config.Region)
}

func (p *Provider) serviceName(service string) string {
	return p.parent() + "/services/" + service
}

func (p *Provider) revisionName(service, revision string) string {
	return p.serviceName(service) + "/revisions/" + revision
}

func (p *Provider) CreateService(ctx context.Context, rollout *deploy.Rollout) (*apis.ServiceItem, error) {
	definition := rollout.Definition
	existing, err := p.getService(ctx, definition.Name)
	if err != nil {
		return nil, err
	}
	if rollout.WhereExists != nil {
		if *rollout.WhereExists && existing == nil {
			return nil, errors.NewPreconditionFailed("service %q does not exist", definition.Name)
		}
		if !*rollout.WhereExists && existing != nil {
			return nil, errors.NewPreconditionFailed("service %q already exists", definition.Name)
		}
	}
	translated, err := translateService(definition)
	if err != nil {
		return nil, err
	}
	var op *run.GoogleLongrunningOperation
	if existing == nil {
		op, err = p.service.Projects.Locations.Services.Create(p.parent(), translated).
			ServiceId(definition.Name).Context(ctx).Do()
	} else {
		op, err = p.service.Projects.Locations.Services.Patch(p.serviceName(definition.Name), translated).Context(ctx).Do()
	}
	if err != nil {
		return nil, errors.FromGCP(err)
	}
	if err := p.waitOperation(ctx, op, rollout.Timeout); err != nil {
		return nil, err
	}
	ready, err := p.waitReady(ctx, definition.Name, rollout.Timeout)
	if err != nil {
		return nil, err
	}
	item := serviceItem(ready)
	log.FromContext(ctx).WithValues("service", definition.Name, "region", p.config.Region, "status", item.Status).V(1).Info("reconciled service")
	return item, nil
}

func (p *Provider) GetService(ctx context.Context, name string) (*apis.ServiceItem, error) {
	service, err := p.getService(ctx, name)
	if err != nil {
		return nil, err
	}
	if service == nil {
		return nil, errors.NewNotFound("service %q not found", name)
	}
	return serviceItem(service), nil
}

func (p *Provider) ListServices(ctx context.Context) ([]apis.ServiceItem, error) {
	var items []apis.ServiceItem
	err := p.service.Projects.Locations.Services.List(p.parent()).Pages(ctx, func(page *run.GoogleCloudRunV2ListServicesResponse) error {
		for _, service := range page.Services {
			if service.Labels[managedLabel] != "true" {
				continue
			}
			items = append(items, *serviceItem(service))
		}
		return nil
	})
	if err != nil {
		return nil, errors.FromGCP(err)
	}
	return items, nil
}

func (p *Provider) DeleteService(ctx context.Context, name string, timeout time.Duration) error {
	op, err := p.service.Projects.Locations.Services.Delete(p.serviceName(name)).Context(ctx).Do()
	if err != nil {
		return errors.IgnoreNotFound(errors.FromGCP(err))
	}
	return p.waitOperation(ctx, op, timeout)
}

func (p *Provider) ListRevisions(ctx context.Context, service string) ([]apis.RevisionItem, error) {
	parent, err := p.getService(ctx, service)
	if err != nil {
		return nil, err
	}
	if parent == nil {
		return nil, errors.NewNotFound("service %q not found", service)
	}
	serving := servingRevisions(parent)
	var items []apis.RevisionItem
	err = p.service.Projects.Locations.Services.Revisions.List(p.serviceName(service)).
		Pages(ctx, func(page *run.GoogleCloudRunV2ListRevisionsResponse) error {
			for _, revision := range page.Revisions {
				items = append(items, revisionItem(service, revision, serving))
			}
			return nil
		})
	if err != nil {
		return nil, errors.FromGCP(err)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].CreatedAt.After(items[j].CreatedAt) })
	return items, nil
}

func (p *Provider) GetRevision(ctx context.Context, service, revision string) (*apis.RevisionItem, error) {
	parent, err := p.getService(ctx, service)
	if err != nil {
		return nil, err
	}
	if parent == nil {
		return nil, errors.NewNotFound("service %q not found", service)
	}
	got, err := p.service.Projects.Locations.Services.Revisions.Get(p.revisionName(service, revision)).Context(ctx).Do()
	if err != nil {
		return nil, errors.FromGCP(err)
	}
	return lo.ToPtr(revisionItem(service, got, servingRevisions(parent))), nil
}

// DeleteRevision refuses revisions still taking traffic.
func (p *Provider) DeleteRevision(ctx context.Context, service, revision string) error {
	parent, err := p.getService(ctx, service)
	if err != nil {
		return err
	}
	if parent == nil {
		return errors.NewNotFound("service %q not found", service)
	}
	if servingRevisions(parent)[revision] {
		return errors.NewPreconditionFailed("revision %q is serving traffic", revision)
	}
	op, err := p.service.Projects.Locations.Services.Revisions.Delete(p.revisionName(service, revision)).Context(ctx).Do()
	if err != nil {
		return errors.FromGCP(err)
	}
	return p.waitOperation(ctx, op, time.Minute)
}

func (p *Provider) UpdateTraffic(ctx context.Context, service string, traffic []apis.TrafficAllocation) (*apis.ServiceItem, error) {
	existing, err := p.getService(ctx, service)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, errors.NewNotFound("service %q not found", service)
	}
	op, err := p.service.Projects.Locations.Services.Patch(p.serviceName(service), &run.GoogleCloudRunV2Service{
		Traffic: translateTraffic(traffic),
	}).UpdateMask("traffic").Context(ctx).Do()
	if err != nil {
		return nil, errors.FromGCP(err)
	}
	if err := p.waitOperation(ctx, op, time.Minute); err != nil {
		return nil, err
	}
	updated, err := p.getService(ctx, service)
	if err != nil {
		return nil, err
	}
	if updated == nil {
		return nil, errors.NewNotFound("service %q disappeared during traffic update", service)
	}
	return serviceItem(updated), nil
}

func (p *Provider) Close() error { return nil }

func (p *Provider) getService(ctx context.Context, name string) (*run.GoogleCloudRunV2Service, error) {
	service, err := p.service.Projects.Locations.Services.Get(p.serviceName(name)).Context(ctx).Do()
	if err != nil {
		if errors.IsNotFound(errors.FromGCP(err)) {
			return nil, nil
		}
		return nil, errors.FromGCP(err)
	}
	return service, nil
}

// waitOperation polls a long-running operation to completion.
func (p *Provider) waitOperation(ctx context.Context, op *run.GoogleLongrunningOperation, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		if op.Done {
			return operationError(op)
		}
		if time.Now().After(deadline) {
			return errors.NewTimeout("operation %q did not complete within %s", op.Name, timeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval):
		}
		refreshed, err := p.service.Projects.Locations.Operations.Get(op.Name).Context(ctx).Do()
		if err != nil {
			return errors.FromGCP(err)
		}
		op = refreshed
	}
}

// waitReady polls until the service's terminal condition settles. The
// operation resolving does not guarantee the new revision passed its probes.
func (p *Provider) waitReady(ctx context.Context, name string, timeout time.Duration) (*run.GoogleCloudRunV2Service, error) {
	deadline := time.Now().Add(timeout)
	for {
		service, err := p.getService(ctx, name)
		if err != nil {
			return nil, err
		}
		if service == nil {
			return nil, errors.NewNotFound("service %q disappeared during rollout", name)
		}
		switch statusOf(service) {
		case apis.ServiceStatusReady:
			return service, nil
		case apis.ServiceStatusFailed:
			return nil, fmt.Errorf("service %q failed to roll out: %s", name, service.TerminalCondition.Message)
		}
		if time.Now().After(deadline) {
			return nil, errors.NewTimeout("service %q did not become ready within %s", name, timeout)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}
