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

// Package aca deploys services as Azure Container Apps. The provider owns a
// single resource group and managed environment and reconciles container apps
// inside them; revisions map one-to-one onto ACA revisions.
package aca

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/appcontainers/armappcontainers/v3"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/resources/armresources"
	"github.com/samber/lo"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/strato-cloud/strato/pkg/apis"
	"github.com/strato-cloud/strato/pkg/deploy"
	"github.com/strato-cloud/strato/pkg/errors"
)

const (
	managedTagKey = "strato.dev/managed"
	serviceTagKey = "strato.dev/service"

	pollInterval = 2 * time.Second
)

// Config locates the resource group and managed environment every app lives
// in. RegistryServer, when set, wires pull credentials into each app.
type Config struct {
	SubscriptionID   string
	ResourceGroup    string
	Environment      string
	Location         string
	RegistryServer   string
	RegistryUsername string
	RegistryPassword string
}

func (c Config) validate() error {
	if c.SubscriptionID == "" || c.ResourceGroup == "" || c.Environment == "" || c.Location == "" {
		return errors.NewBadRequest("aca: subscription, resource group, environment and location are required")
	}
	return nil
}

type Provider struct {
	apps         *armappcontainers.ContainerAppsClient
	revisions    *armappcontainers.ContainerAppsRevisionsClient
	environments *armappcontainers.ManagedEnvironmentsClient
	groups       *armresources.ResourceGroupsClient
	config       Config
}

func NewProvider(factory *armappcontainers.ClientFactory, groups *armresources.ResourceGroupsClient, config Config) (*Provider, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}
	return &Provider{
		apps:         factory.NewContainerAppsClient(),
		revisions:    factory.NewContainerAppsRevisionsClient(),
		environments: factory.NewManagedEnvironmentsClient(),
		groups:       groups,
		config:       config,
	}, nil
}

// NewDefaultProvider authenticates with the ambient Azure credential chain.
func NewDefaultProvider(config Config) (*Provider, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}
	credential, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, fmt.Errorf("building azure credential, %w", err)
	}
	factory, err := armappcontainers.NewClientFactory(config.SubscriptionID, credential, nil)
	if err != nil {
		return nil, fmt.Errorf("building container apps clients, %w", err)
	}
	groups, err := armresources.NewResourceGroupsClient(config.SubscriptionID, credential, nil)
	if err != nil {
		return nil, fmt.Errorf("building resource group client, %w", err)
	}
	return NewProvider(factory, groups, config)
}

func (p *Provider) Name() string { return "aca" }

// Supports reports every capability: ACA keeps addressable revisions, splits
// traffic by weight and runs sidecars natively.
func (p *Provider) Supports(feature apis.Feature) bool {
	return apis.KnownFeature(feature)
}

func (p *Provider) CreateService(ctx context.Context, rollout *deploy.Rollout) (*apis.ServiceItem, error) {
	definition := rollout.Definition
	if err := p.ensurePrerequisites(ctx); err != nil {
		return nil, err
	}
	existing, err := p.getApp(ctx, definition.Name)
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
	app, err := p.translateApp(definition, environmentID(p.config.SubscriptionID, p.config.ResourceGroup, p.config.Environment))
	if err != nil {
		return nil, err
	}
	poller, err := p.apps.BeginCreateOrUpdate(ctx, p.config.ResourceGroup, definition.Name, *app, nil)
	if err != nil {
		return nil, errors.FromAzure(err)
	}
	if _, err := poller.PollUntilDone(ctx, nil); err != nil {
		return nil, errors.FromAzure(err)
	}
	provisioned, err := p.waitProvisioned(ctx, definition.Name, rollout.Timeout)
	if err != nil {
		return nil, err
	}
	item := serviceItem(provisioned)
	log.FromContext(ctx).WithValues("service", definition.Name, "resourceGroup", p.config.ResourceGroup, "status", item.Status).V(1).Info("reconciled container app")
	return item, nil
}

func (p *Provider) GetService(ctx context.Context, name string) (*apis.ServiceItem, error) {
	app, err := p.getApp(ctx, name)
	if err != nil {
		return nil, err
	}
	if app == nil {
		return nil, errors.NewNotFound("service %q not found", name)
	}
	return serviceItem(app), nil
}

func (p *Provider) ListServices(ctx context.Context) ([]apis.ServiceItem, error) {
	var items []apis.ServiceItem
	pager := p.apps.NewListByResourceGroupPager(p.config.ResourceGroup, nil)
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, errors.FromAzure(err)
		}
		for _, app := range page.Value {
			if lo.FromPtr(app.Tags[managedTagKey]) != "true" {
				continue
			}
			items = append(items, *serviceItem(app))
		}
	}
	return items, nil
}

func (p *Provider) DeleteService(ctx context.Context, name string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	poller, err := p.apps.BeginDelete(ctx, p.config.ResourceGroup, name, nil)
	if err != nil {
		return errors.IgnoreNotFound(errors.FromAzure(err))
	}
	if _, err := poller.PollUntilDone(ctx, nil); err != nil {
		return errors.IgnoreNotFound(errors.FromAzure(err))
	}
	return nil
}

func (p *Provider) ListRevisions(ctx context.Context, service string) ([]apis.RevisionItem, error) {
	var items []apis.RevisionItem
	pager := p.revisions.NewListRevisionsPager(p.config.ResourceGroup, service, nil)
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, errors.FromAzure(err)
		}
		for _, revision := range page.Value {
			items = append(items, revisionItem(service, revision))
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].CreatedAt.After(items[j].CreatedAt) })
	return items, nil
}

func (p *Provider) GetRevision(ctx context.Context, service, revision string) (*apis.RevisionItem, error) {
	got, err := p.revisions.GetRevision(ctx, p.config.ResourceGroup, service, revision, nil)
	if err != nil {
		return nil, errors.FromAzure(err)
	}
	return lo.ToPtr(revisionItem(service, &got.Revision)), nil
}

// DeleteRevision deactivates: ACA reclaims deactivated revisions itself.
func (p *Provider) DeleteRevision(ctx context.Context, service, revision string) error {
	got, err := p.revisions.GetRevision(ctx, p.config.ResourceGroup, service, revision, nil)
	if err != nil {
		return errors.FromAzure(err)
	}
	if got.Properties != nil && lo.FromPtr(got.Properties.Active) {
		return errors.NewPreconditionFailed("revision %q is active", revision)
	}
	if _, err := p.revisions.DeactivateRevision(ctx, p.config.ResourceGroup, service, revision, nil); err != nil {
		return errors.FromAzure(err)
	}
	return nil
}

func (p *Provider) UpdateTraffic(ctx context.Context, service string, traffic []apis.TrafficAllocation) (*apis.ServiceItem, error) {
	app, err := p.getApp(ctx, service)
	if err != nil {
		return nil, err
	}
	if app == nil {
		return nil, errors.NewNotFound("service %q not found", service)
	}
	if app.Properties == nil || app.Properties.Configuration == nil || app.Properties.Configuration.Ingress == nil {
		return nil, errors.NewBadRequest("service %q has no ingress to route", service)
	}
	app.Properties.Configuration.Ingress.Traffic = trafficWeights(traffic)
	poller, err := p.apps.BeginCreateOrUpdate(ctx, p.config.ResourceGroup, service, *app, nil)
	if err != nil {
		return nil, errors.FromAzure(err)
	}
	response, err := poller.PollUntilDone(ctx, nil)
	if err != nil {
		return nil, errors.FromAzure(err)
	}
	return serviceItem(&response.ContainerApp), nil
}

func (p *Provider) Close() error { return nil }

// ensurePrerequisites reconciles the resource group and managed environment.
// Both calls are idempotent so no existence probe is needed for the group.
func (p *Provider) ensurePrerequisites(ctx context.Context) error {
	if _, err := p.groups.CreateOrUpdate(ctx, p.config.ResourceGroup, armresources.ResourceGroup{
		Location: lo.ToPtr(p.config.Location),
	}, nil); err != nil {
		return errors.FromAzure(err)
	}
	if _, err := p.environments.Get(ctx, p.config.ResourceGroup, p.config.Environment, nil); err == nil {
		return nil
	} else if !errors.IsNotFound(errors.FromAzure(err)) {
		return errors.FromAzure(err)
	}
	log.FromContext(ctx).WithValues("environment", p.config.Environment).V(1).Info("creating managed environment")
	poller, err := p.environments.BeginCreateOrUpdate(ctx, p.config.ResourceGroup, p.config.Environment, armappcontainers.ManagedEnvironment{
		Location: lo.ToPtr(p.config.Location),
		Tags:     map[string]*string{managedTagKey: lo.ToPtr("true")},
	}, nil)
	if err != nil {
		return errors.FromAzure(err)
	}
	if _, err := poller.PollUntilDone(ctx, nil); err != nil {
		return errors.FromAzure(err)
	}
	return nil
}

func (p *Provider) getApp(ctx context.Context, name string) (*armappcontainers.ContainerApp, error) {
	got, err := p.apps.Get(ctx, p.config.ResourceGroup, name, nil)
	if err != nil {
		if errors.IsNotFound(errors.FromAzure(err)) {
			return nil, nil
		}
		return nil, errors.FromAzure(err)
	}
	return &got.ContainerApp, nil
}

// waitProvisioned polls until the app reports a terminal provisioning state.
// The ARM poller resolves before new revisions finish provisioning, so this
// covers the gap.
func (p *Provider) waitProvisioned(ctx context.Context, name string, timeout time.Duration) (*armappcontainers.ContainerApp, error) {
	deadline := time.Now().Add(timeout)
	for {
		app, err := p.getApp(ctx, name)
		if err != nil {
			return nil, err
		}
		if app == nil {
			return nil, errors.NewNotFound("service %q disappeared during rollout", name)
		}
		if app.Properties != nil {
			switch lo.FromPtr(app.Properties.ProvisioningState) {
			case armappcontainers.ContainerAppProvisioningStateSucceeded:
				return app, nil
			case armappcontainers.ContainerAppProvisioningStateFailed, armappcontainers.ContainerAppProvisioningStateCanceled:
				return nil, errors.NewTimeout("service %q failed to provision", name)
			}
		}
		if time.Now().After(deadline) {
			return nil, errors.NewTimeout("service %q did not provision within %s", name, timeout)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

func serviceItem(app *armappcontainers.ContainerApp) *apis.ServiceItem {
	item := &apis.ServiceItem{
		Name:   lo.FromPtr(app.Name),
		Status: apis.ServiceStatusUnknown,
		Native: app,
	}
	if name := lo.FromPtr(app.Tags[serviceTagKey]); name != "" {
		item.Name = name
	}
	if data := app.SystemData; data != nil {
		item.CreatedAt = lo.FromPtr(data.CreatedAt)
		item.UpdatedAt = lo.FromPtr(data.LastModifiedAt)
	}
	properties := app.Properties
	if properties == nil {
		return item
	}
	switch lo.FromPtr(properties.ProvisioningState) {
	case armappcontainers.ContainerAppProvisioningStateSucceeded:
		item.Status = apis.ServiceStatusReady
	case armappcontainers.ContainerAppProvisioningStateInProgress, armappcontainers.ContainerAppProvisioningStateDeleting:
		item.Status = apis.ServiceStatusProgressing
	case armappcontainers.ContainerAppProvisioningStateFailed, armappcontainers.ContainerAppProvisioningStateCanceled:
		item.Status = apis.ServiceStatusFailed
	}
	item.LatestCreatedRevision = lo.FromPtr(properties.LatestRevisionName)
	item.LatestReadyRevision = lo.FromPtr(properties.LatestReadyRevisionName)
	if configuration := properties.Configuration; configuration != nil && configuration.Ingress != nil {
		if fqdn := lo.FromPtr(configuration.Ingress.Fqdn); fqdn != "" {
			item.URI = "https://" + fqdn
		}
		item.Traffic = lo.Map(configuration.Ingress.Traffic, func(w *armappcontainers.TrafficWeight, _ int) apis.TrafficAllocation {
			return apis.TrafficAllocation{
				RevisionName:   lo.FromPtr(w.RevisionName),
				Tag:            lo.FromPtr(w.Label),
				LatestRevision: lo.FromPtr(w.LatestRevision),
				Percent:        lo.FromPtr(w.Weight),
			}
		})
	}
	return item
}
