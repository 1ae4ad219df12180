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

package ecs

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/ecs"
	ecstypes "github.com/aws/aws-sdk-go-v2/service/ecs/types"
	"github.com/samber/lo"

	"github.com/strato-cloud/strato/pkg/apis"
	"github.com/strato-cloud/strato/pkg/errors"
)

// ListRevisions returns the task definition family most-recent-first; the
// revision the service currently runs is marked active.
func (p *Provider) ListRevisions(ctx context.Context, service string) ([]apis.RevisionItem, error) {
	current, err := p.currentRevision(ctx, service)
	if err != nil {
		return nil, err
	}
	var items []apis.RevisionItem
	var next *string
	for {
		listed, err := p.ecsapi.ListTaskDefinitions(ctx, &ecs.ListTaskDefinitionsInput{
			FamilyPrefix: lo.ToPtr(service),
			Sort:         ecstypes.SortOrderDesc,
			NextToken:    next,
		})
		if err != nil {
			return nil, errors.FromAWS(err)
		}
		for _, arn := range listed.TaskDefinitionArns {
			item, err := p.revisionItem(ctx, service, arn, current)
			if err != nil {
				return nil, err
			}
			items = append(items, *item)
		}
		if listed.NextToken == nil {
			return items, nil
		}
		next = listed.NextToken
	}
}

func (p *Provider) GetRevision(ctx context.Context, service, revision string) (*apis.RevisionItem, error) {
	current, err := p.currentRevision(ctx, service)
	if err != nil {
		return nil, err
	}
	return p.revisionItem(ctx, service, qualifiedRevision(service, revision), current)
}

// DeleteRevision deregisters one task definition revision. The revision the
// service currently runs is refused.
func (p *Provider) DeleteRevision(ctx context.Context, service, revision string) error {
	current, err := p.currentRevision(ctx, service)
	if err != nil {
		return err
	}
	name := qualifiedRevision(service, revision)
	if current != "" && revisionName(name) == current {
		return errors.NewPreconditionFailed("revision %q is active", revision)
	}
	if _, err := p.ecsapi.DeregisterTaskDefinition(ctx, &ecs.DeregisterTaskDefinitionInput{
		TaskDefinition: lo.ToPtr(name),
	}); err != nil {
		return errors.FromAWS(err)
	}
	return nil
}

// currentRevision is the family:revision the service points at, or empty when
// the service does not exist.
func (p *Provider) currentRevision(ctx context.Context, service string) (string, error) {
	existing, err := p.describeService(ctx, service)
	if err != nil {
		return "", err
	}
	if existing == nil {
		return "", nil
	}
	return revisionName(lo.FromPtr(existing.TaskDefinition)), nil
}

func (p *Provider) revisionItem(ctx context.Context, service, reference, current string) (*apis.RevisionItem, error) {
	out, err := p.ecsapi.DescribeTaskDefinition(ctx, &ecs.DescribeTaskDefinitionInput{
		TaskDefinition: lo.ToPtr(reference),
	})
	if err != nil {
		return nil, errors.FromAWS(err)
	}
	td := out.TaskDefinition
	name := revisionName(lo.FromPtr(td.TaskDefinitionArn))
	item := &apis.RevisionItem{
		Name:    name,
		Service: service,
		Active:  name == current,
		Images: lo.Map(td.ContainerDefinitions, func(c ecstypes.ContainerDefinition, _ int) string {
			return lo.FromPtr(c.Image)
		}),
		Native: td,
	}
	if td.RegisteredAt != nil {
		item.CreatedAt = *td.RegisteredAt
	}
	return item, nil
}

// qualifiedRevision accepts "family:revision", a bare revision number, or a
// full ARN.
func qualifiedRevision(service, revision string) string {
	if strings.Contains(revision, "/") || strings.Contains(revision, ":") {
		return revision
	}
	return fmt.Sprintf("%s:%s", service, revision)
}
