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

// Package deploy is the provider-agnostic container deployment engine. The
// component normalizes the request (overlay merge, name resolution, image
// resolution through the build-and-push pipeline, capability guards) and
// hands a fully-resolved rollout to the provider, which reconciles its cloud
// toward it and waits for stability.
package deploy

import (
	"context"
	"time"

	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/strato-cloud/strato/pkg/apis"
	"github.com/strato-cloud/strato/pkg/containerize"
	"github.com/strato-cloud/strato/pkg/errors"
	"github.com/strato-cloud/strato/pkg/metrics"
	"github.com/strato-cloud/strato/pkg/query"
	"github.com/strato-cloud/strato/pkg/registry"
)

// DefaultTimeout bounds the provider's stability wait.
const DefaultTimeout = 600 * time.Second

// Rollout is the provider-side input: a fully-resolved definition whose
// containers all carry pullable image references.
type Rollout struct {
	Definition *apis.ServiceDefinition
	// WhereExists preconditions the apply: true requires the service to
	// already exist, false requires it to be absent, nil applies regardless.
	WhereExists *bool
	Timeout     time.Duration
}

// Provider is the backend contract. Implementations are responsible for
// idempotent prerequisite reconciliation and for waiting out their rollout
// inside CreateService.
type Provider interface {
	Name() string
	Supports(feature apis.Feature) bool

	CreateService(ctx context.Context, rollout *Rollout) (*apis.ServiceItem, error)
	GetService(ctx context.Context, name string) (*apis.ServiceItem, error)
	DeleteService(ctx context.Context, name string, timeout time.Duration) error
	ListServices(ctx context.Context) ([]apis.ServiceItem, error)
	ListRevisions(ctx context.Context, service string) ([]apis.RevisionItem, error)
	GetRevision(ctx context.Context, service, revision string) (*apis.RevisionItem, error)
	DeleteRevision(ctx context.Context, service, revision string) error
	UpdateTraffic(ctx context.Context, service string, traffic []apis.TrafficAllocation) (*apis.ServiceItem, error)

	Close() error
}

// CreateServiceRequest deploys Definition, optionally adjusted by Overlay.
// Name overrides the definition's name; Where is a textual existence
// condition ("exists()" / "not_exists()").
type CreateServiceRequest struct {
	Definition *apis.ServiceDefinition
	Overlay    *ServiceOverlay
	Name       string
	Where      string
	Timeout    time.Duration
}

// ContainerDeployment dispatches uniform operations to one Provider. The
// containerizer and registry are optional; without them, image maps that
// need building are refused.
type ContainerDeployment struct {
	provider      Provider
	containerizer *containerize.Containerizer
	registry      *registry.ContainerRegistry
}

func New(provider Provider, containerizer *containerize.Containerizer, reg *registry.ContainerRegistry) *ContainerDeployment {
	return &ContainerDeployment{provider: provider, containerizer: containerizer, registry: reg}
}

func (d *ContainerDeployment) Provider() Provider {
	return d.provider
}

func (d *ContainerDeployment) Close() error {
	return d.provider.Close()
}

// Supports reports a provider capability; unknown features are refused
// rather than reported unsupported.
func (d *ContainerDeployment) Supports(feature apis.Feature) (bool, error) {
	if !apis.KnownFeature(feature) {
		return false, errors.NewBadRequest("deploy: unknown feature %q", feature)
	}
	return d.provider.Supports(feature), nil
}

// CreateService normalizes the request and applies it through the provider:
// overlay merge, name resolution, capability guards, existence condition,
// image resolution, then the provider's own reconciliation and wait.
func (d *ContainerDeployment) CreateService(ctx context.Context, req *CreateServiceRequest) (*apis.ServiceItem, error) {
	if req == nil || req.Definition == nil {
		return nil, errors.NewBadRequest("deploy: a service definition is required")
	}
	definition, err := MergeOverlay(req.Definition, req.Overlay)
	if err != nil {
		return nil, err
	}
	if req.Name != "" {
		definition.Name = req.Name
	}
	if definition.Name == "" {
		return nil, errors.NewBadRequest("deploy: a service name is required")
	}
	if len(definition.Containers) == 0 {
		return nil, errors.NewBadRequest("deploy: at least one container is required")
	}
	if err := d.guard(definition); err != nil {
		return nil, err
	}
	whereExists, err := parseWhere(req.Where)
	if err != nil {
		return nil, err
	}
	if err := d.resolveImages(ctx, definition); err != nil {
		return nil, err
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	item, err := measure[*apis.ServiceItem](ctx, d.provider.Name(), "create_service", func(ctx context.Context) (*apis.ServiceItem, error) {
		return d.provider.CreateService(ctx, &Rollout{Definition: definition, WhereExists: whereExists, Timeout: timeout})
	})
	if err != nil {
		return nil, err
	}
	log.FromContext(ctx).WithValues("service", definition.Name, "provider", d.provider.Name(), "status", item.Status).V(1).Info("applied service")
	return item, nil
}

// guard refuses definitions the provider cannot express.
func (d *ContainerDeployment) guard(definition *apis.ServiceDefinition) error {
	mains := definition.MainContainers()
	if len(mains) == 0 {
		return errors.NewBadRequest("deploy: at least one main container is required")
	}
	if len(mains) > 1 && !d.provider.Supports(apis.FeatureMultipleContainers) {
		return errors.NewBadRequest("deploy: provider %q runs a single main container per service", d.provider.Name())
	}
	if err := validateTraffic(definition.Traffic); err != nil {
		return err
	}
	if !d.provider.Supports(apis.FeatureTrafficSplit) && len(definition.Traffic) > 1 {
		return errors.NewBadRequest("deploy: provider %q does not split traffic", d.provider.Name())
	}
	return nil
}

func validateTraffic(traffic []apis.TrafficAllocation) error {
	if len(traffic) == 0 {
		return nil
	}
	var total int32
	for _, t := range traffic {
		if t.Percent < 0 {
			return errors.NewBadRequest("deploy: traffic percent must not be negative")
		}
		total += t.Percent
	}
	if total != 100 {
		return errors.NewBadRequest("deploy: traffic percents sum to %d, expected 100", total)
	}
	return nil
}

func parseWhere(where string) (*bool, error) {
	if where == "" {
		return nil, nil
	}
	expr, err := query.Parse(where)
	if err != nil {
		return nil, err
	}
	return query.ExistsOnly(expr)
}

func (d *ContainerDeployment) GetService(ctx context.Context, name string) (*apis.ServiceItem, error) {
	if name == "" {
		return nil, errors.NewBadRequest("deploy: a service name is required")
	}
	return measure[*apis.ServiceItem](ctx, d.provider.Name(), "get_service", func(ctx context.Context) (*apis.ServiceItem, error) {
		return d.provider.GetService(ctx, name)
	})
}

// DeleteService tears down the service and every prerequisite the provider
// created for it.
func (d *ContainerDeployment) DeleteService(ctx context.Context, name string, timeout time.Duration) error {
	if name == "" {
		return errors.NewBadRequest("deploy: a service name is required")
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	_, err := measure[struct{}](ctx, d.provider.Name(), "delete_service", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, d.provider.DeleteService(ctx, name, timeout)
	})
	return err
}

func (d *ContainerDeployment) ListServices(ctx context.Context) ([]apis.ServiceItem, error) {
	return measure[[]apis.ServiceItem](ctx, d.provider.Name(), "list_services", func(ctx context.Context) ([]apis.ServiceItem, error) {
		return d.provider.ListServices(ctx)
	})
}

// ListRevisions returns the service's revisions most-recent-first.
func (d *ContainerDeployment) ListRevisions(ctx context.Context, service string) ([]apis.RevisionItem, error) {
	if service == "" {
		return nil, errors.NewBadRequest("deploy: a service name is required")
	}
	if !d.provider.Supports(apis.FeatureMultipleRevisions) {
		return nil, errors.NewUnsupported("deploy: provider %q does not keep revisions", d.provider.Name())
	}
	return measure[[]apis.RevisionItem](ctx, d.provider.Name(), "list_revisions", func(ctx context.Context) ([]apis.RevisionItem, error) {
		return d.provider.ListRevisions(ctx, service)
	})
}

func (d *ContainerDeployment) GetRevision(ctx context.Context, service, revision string) (*apis.RevisionItem, error) {
	if service == "" || revision == "" {
		return nil, errors.NewBadRequest("deploy: a service and revision name are required")
	}
	if !d.provider.Supports(apis.FeatureMultipleRevisions) {
		return nil, errors.NewUnsupported("deploy: provider %q does not keep revisions", d.provider.Name())
	}
	return measure[*apis.RevisionItem](ctx, d.provider.Name(), "get_revision", func(ctx context.Context) (*apis.RevisionItem, error) {
		return d.provider.GetRevision(ctx, service, revision)
	})
}

// DeleteRevision removes an inactive revision; providers refuse the active
// one with PreconditionFailed.
func (d *ContainerDeployment) DeleteRevision(ctx context.Context, service, revision string) error {
	if service == "" || revision == "" {
		return errors.NewBadRequest("deploy: a service and revision name are required")
	}
	if !d.provider.Supports(apis.FeatureRevisionDelete) {
		return errors.NewUnsupported("deploy: provider %q does not delete revisions", d.provider.Name())
	}
	_, err := measure[struct{}](ctx, d.provider.Name(), "delete_revision", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, d.provider.DeleteRevision(ctx, service, revision)
	})
	return err
}

// UpdateTraffic switches or splits traffic between revisions. Providers
// without TRAFFIC_SPLIT accept only a single 100% allocation.
func (d *ContainerDeployment) UpdateTraffic(ctx context.Context, service string, traffic []apis.TrafficAllocation) (*apis.ServiceItem, error) {
	if service == "" {
		return nil, errors.NewBadRequest("deploy: a service name is required")
	}
	if len(traffic) == 0 {
		return nil, errors.NewBadRequest("deploy: at least one traffic allocation is required")
	}
	if err := validateTraffic(traffic); err != nil {
		return nil, err
	}
	if !d.provider.Supports(apis.FeatureTrafficSplit) && len(traffic) > 1 {
		return nil, errors.NewBadRequest("deploy: provider %q does not split traffic", d.provider.Name())
	}
	return measure[*apis.ServiceItem](ctx, d.provider.Name(), "update_traffic", func(ctx context.Context) (*apis.ServiceItem, error) {
		return d.provider.UpdateTraffic(ctx, service, traffic)
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
