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

package dockerlocal

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"

	"github.com/strato-cloud/strato/pkg/apis"
	"github.com/strato-cloud/strato/pkg/errors"
)

// ListRevisions returns the service's containers most-recent-first; the
// serving one is marked active.
func (p *Provider) ListRevisions(ctx context.Context, service string) ([]apis.RevisionItem, error) {
	existing, err := p.serviceContainers(ctx, service)
	if err != nil {
		return nil, err
	}
	if len(existing) == 0 {
		return nil, errors.NewNotFound("service %q does not exist", service)
	}
	current := currentContainer(existing)
	sort.Slice(existing, func(i, j int) bool {
		return revisionOf(&existing[i]) > revisionOf(&existing[j])
	})
	items := make([]apis.RevisionItem, 0, len(existing))
	for i := range existing {
		items = append(items, revisionItem(service, &existing[i], current))
	}
	return items, nil
}

func (p *Provider) GetRevision(ctx context.Context, service, revision string) (*apis.RevisionItem, error) {
	existing, err := p.serviceContainers(ctx, service)
	if err != nil {
		return nil, err
	}
	current := currentContainer(existing)
	target := findRevision(existing, service, revision)
	if target == nil {
		return nil, errors.NewNotFound("revision %q of service %q does not exist", revision, service)
	}
	item := revisionItem(service, target, current)
	return &item, nil
}

// DeleteRevision removes a superseded container; the serving one is refused.
func (p *Provider) DeleteRevision(ctx context.Context, service, revision string) error {
	existing, err := p.serviceContainers(ctx, service)
	if err != nil {
		return err
	}
	current := currentContainer(existing)
	target := findRevision(existing, service, revision)
	if target == nil {
		return errors.NewNotFound("revision %q of service %q does not exist", revision, service)
	}
	if current != nil && current.ID == target.ID {
		return errors.NewPreconditionFailed("revision %q is active", revision)
	}
	if err := p.docker.ContainerRemove(ctx, target.ID, container.RemoveOptions{Force: true}); err != nil {
		return fmt.Errorf("dockerlocal: removing container: %w", err)
	}
	return nil
}

// UpdateTraffic switches the service to a revision wholesale by starting its
// container and stopping the serving one.
func (p *Provider) UpdateTraffic(ctx context.Context, service string, traffic []apis.TrafficAllocation) (*apis.ServiceItem, error) {
	if len(traffic) != 1 || traffic[0].Percent != 100 {
		return nil, errors.NewBadRequest("dockerlocal: traffic moves to a single revision at 100%%")
	}
	existing, err := p.serviceContainers(ctx, service)
	if err != nil {
		return nil, err
	}
	current := currentContainer(existing)
	if current == nil {
		return nil, errors.NewNotFound("service %q does not exist", service)
	}
	target := current
	if !traffic[0].LatestRevision {
		target = findRevision(existing, service, traffic[0].RevisionName)
		if target == nil {
			return nil, errors.NewNotFound("revision %q of service %q does not exist", traffic[0].RevisionName, service)
		}
	}
	if target.ID != current.ID {
		if err := p.docker.ContainerStop(ctx, current.ID, container.StopOptions{}); err != nil {
			return nil, fmt.Errorf("dockerlocal: stopping container: %w", err)
		}
		if err := p.docker.ContainerStart(ctx, target.ID, container.StartOptions{}); err != nil {
			return nil, fmt.Errorf("dockerlocal: starting container: %w", err)
		}
	}
	inspected, err := p.docker.ContainerInspect(ctx, target.ID)
	if err != nil {
		return nil, fmt.Errorf("dockerlocal: inspecting container: %w", err)
	}
	return p.itemFromInspect(service, &inspected), nil
}

// findRevision accepts "service:N" or a bare revision number.
func findRevision(containers []container.Summary, service, revision string) *container.Summary {
	name := strings.TrimPrefix(revision, service+":")
	number, err := strconv.Atoi(name)
	if err != nil {
		return nil
	}
	for i := range containers {
		if revisionOf(&containers[i]) == number {
			return &containers[i]
		}
	}
	return nil
}

func revisionItem(service string, c *container.Summary, current *container.Summary) apis.RevisionItem {
	return apis.RevisionItem{
		Name:      fmt.Sprintf("%s:%d", service, revisionOf(c)),
		Service:   service,
		Active:    current != nil && current.ID == c.ID,
		Images:    []string{c.Image},
		CreatedAt: time.Unix(c.Created, 0),
		Native:    c,
	}
}
