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
	"encoding/base64"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/autoscaling"
	asgtypes "github.com/aws/aws-sdk-go-v2/service/autoscaling/types"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	ecstypes "github.com/aws/aws-sdk-go-v2/service/ecs/types"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/samber/lo"

	"github.com/strato-cloud/strato/pkg/apis"
	"github.com/strato-cloud/strato/pkg/errors"
	"github.com/strato-cloud/strato/pkg/utils/names"
)

// ecsAMIParameter resolves the current ECS-optimized AMI for the region.
const ecsAMIParameter = "/aws/service/ecs/optimized-ami/amazon-linux-2023/recommended/image_id"

// ensureCapacity reconciles the EC2 path: launch template, auto scaling
// group, capacity provider, and its attachment to the cluster, then waits
// for at least one container instance to register.
func (p *Provider) ensureCapacity(ctx context.Context, definition *apis.ServiceDefinition, res *resources) error {
	templateID, err := p.ensureLaunchTemplate(ctx, definition.Name, res)
	if err != nil {
		return err
	}
	if err := p.ensureAutoScalingGroup(ctx, definition, templateID, res); err != nil {
		return err
	}
	if err := p.ensureCapacityProvider(ctx, definition.Name, res); err != nil {
		return err
	}
	if err := p.attachCapacityProvider(ctx, res.capacityProvider); err != nil {
		return err
	}
	return p.waitContainerInstances(ctx)
}

func (p *Provider) ensureLaunchTemplate(ctx context.Context, service string, res *resources) (string, error) {
	name := launchTemplateName(service)
	described, err := p.ec2api.DescribeLaunchTemplates(ctx, &ec2.DescribeLaunchTemplatesInput{
		LaunchTemplateNames: []string{name},
	})
	if err == nil && len(described.LaunchTemplates) > 0 {
		return lo.FromPtr(described.LaunchTemplates[0].LaunchTemplateId), nil
	}
	if err != nil {
		if err := errors.IgnoreNotFound(errors.FromAWS(err)); err != nil {
			return "", err
		}
	}
	ami, err := p.resolveAMI(ctx)
	if err != nil {
		return "", err
	}
	// Instances must join the cluster by name before ECS can place tasks.
	userData := base64.StdEncoding.EncodeToString(fmt.Appendf(nil,
		"#!/bin/bash\necho ECS_CLUSTER=%s >> /etc/ecs/ecs.config\n", p.config.Cluster))
	var created *ec2.CreateLaunchTemplateOutput
	err = withProfilePropagation(func() error {
		var createErr error
		created, createErr = p.ec2api.CreateLaunchTemplate(ctx, &ec2.CreateLaunchTemplateInput{
			LaunchTemplateName: lo.ToPtr(name),
			LaunchTemplateData: &ec2types.RequestLaunchTemplateData{
				ImageId:      lo.ToPtr(ami),
				InstanceType: ec2types.InstanceType(p.config.InstanceType),
				UserData:     lo.ToPtr(userData),
				IamInstanceProfile: &ec2types.LaunchTemplateIamInstanceProfileSpecificationRequest{
					Arn: lo.ToPtr(res.instanceProfileArn),
				},
				SecurityGroupIds: []string{res.serviceSG},
			},
			TagSpecifications: []ec2types.TagSpecification{{
				ResourceType: ec2types.ResourceTypeLaunchTemplate,
				Tags:         ec2Tags(service),
			}},
		})
		return createErr
	})
	if err != nil {
		if errors.IsConflict(errors.FromAWS(err)) {
			return p.ensureLaunchTemplate(ctx, service, res)
		}
		return "", errors.FromAWS(err)
	}
	return lo.FromPtr(created.LaunchTemplate.LaunchTemplateId), nil
}

func (p *Provider) resolveAMI(ctx context.Context) (string, error) {
	out, err := p.ssmapi.GetParameter(ctx, &ssm.GetParameterInput{Name: lo.ToPtr(ecsAMIParameter)})
	if err != nil {
		return "", errors.FromAWS(err)
	}
	return lo.FromPtr(out.Parameter.Value), nil
}

func (p *Provider) ensureAutoScalingGroup(ctx context.Context, definition *apis.ServiceDefinition, templateID string, res *resources) error {
	name := autoScalingGroupName(definition.Name)
	described, err := p.asgapi.DescribeAutoScalingGroups(ctx, &autoscaling.DescribeAutoScalingGroupsInput{
		AutoScalingGroupNames: []string{name},
	})
	if err != nil {
		return errors.FromAWS(err)
	}
	size := desiredCount(definition)
	if len(described.AutoScalingGroups) > 0 {
		if _, err := p.asgapi.UpdateAutoScalingGroup(ctx, &autoscaling.UpdateAutoScalingGroupInput{
			AutoScalingGroupName: lo.ToPtr(name),
			MinSize:              lo.ToPtr(size),
			MaxSize:              lo.ToPtr(maxCapacity(definition)),
			DesiredCapacity:      lo.ToPtr(size),
		}); err != nil {
			return errors.FromAWS(err)
		}
		return nil
	}
	if _, err := p.asgapi.CreateAutoScalingGroup(ctx, &autoscaling.CreateAutoScalingGroupInput{
		AutoScalingGroupName: lo.ToPtr(name),
		MinSize:              lo.ToPtr(size),
		MaxSize:              lo.ToPtr(maxCapacity(definition)),
		DesiredCapacity:      lo.ToPtr(size),
		VPCZoneIdentifier:    lo.ToPtr(commaJoin(res.subnetIDs)),
		LaunchTemplate: &asgtypes.LaunchTemplateSpecification{
			LaunchTemplateId: lo.ToPtr(templateID),
			Version:          lo.ToPtr("$Latest"),
		},
		Tags: []asgtypes.Tag{
			{Key: lo.ToPtr(ManagedTagKey), Value: lo.ToPtr("true"), PropagateAtLaunch: lo.ToPtr(true)},
			{Key: lo.ToPtr(ServiceTagKey), Value: lo.ToPtr(definition.Name), PropagateAtLaunch: lo.ToPtr(true)},
		},
	}); err != nil {
		return errors.IgnoreConflict(errors.FromAWS(err))
	}
	return nil
}

func (p *Provider) ensureCapacityProvider(ctx context.Context, service string, res *resources) error {
	name := capacityProviderName(service)
	res.capacityProvider = name
	described, err := p.ecsapi.DescribeCapacityProviders(ctx, &ecs.DescribeCapacityProvidersInput{
		CapacityProviders: []string{name},
	})
	if err == nil && len(described.CapacityProviders) > 0 {
		return nil
	}
	if err != nil {
		if err := errors.IgnoreNotFound(errors.FromAWS(err)); err != nil {
			return err
		}
	}
	asgArn, err := p.autoScalingGroupArn(ctx, autoScalingGroupName(service))
	if err != nil {
		return err
	}
	if _, err := p.ecsapi.CreateCapacityProvider(ctx, &ecs.CreateCapacityProviderInput{
		Name: lo.ToPtr(name),
		AutoScalingGroupProvider: &ecstypes.AutoScalingGroupProvider{
			AutoScalingGroupArn: lo.ToPtr(asgArn),
			ManagedScaling: &ecstypes.ManagedScaling{
				Status:         ecstypes.ManagedScalingStatusEnabled,
				TargetCapacity: lo.ToPtr(int32(100)),
			},
		},
		Tags: ecsTags(service),
	}); err != nil {
		return errors.IgnoreConflict(errors.FromAWS(err))
	}
	return nil
}

func (p *Provider) autoScalingGroupArn(ctx context.Context, name string) (string, error) {
	out, err := p.asgapi.DescribeAutoScalingGroups(ctx, &autoscaling.DescribeAutoScalingGroupsInput{
		AutoScalingGroupNames: []string{name},
	})
	if err != nil {
		return "", errors.FromAWS(err)
	}
	if len(out.AutoScalingGroups) == 0 {
		return "", errors.NewNotFound("auto scaling group %q does not exist", name)
	}
	return lo.FromPtr(out.AutoScalingGroups[0].AutoScalingGroupARN), nil
}

func (p *Provider) attachCapacityProvider(ctx context.Context, name string) error {
	cluster, err := p.ecsapi.DescribeClusters(ctx, &ecs.DescribeClustersInput{Clusters: []string{p.config.Cluster}})
	if err != nil {
		return errors.FromAWS(err)
	}
	var attached []string
	if len(cluster.Clusters) > 0 {
		attached = cluster.Clusters[0].CapacityProviders
	}
	if lo.Contains(attached, name) {
		return nil
	}
	if _, err := p.ecsapi.PutClusterCapacityProviders(ctx, &ecs.PutClusterCapacityProvidersInput{
		Cluster:           lo.ToPtr(p.config.Cluster),
		CapacityProviders: append(attached, name),
		DefaultCapacityProviderStrategy: []ecstypes.CapacityProviderStrategyItem{{
			CapacityProvider: lo.ToPtr(name),
			Weight:           1,
		}},
	}); err != nil {
		return errors.FromAWS(err)
	}
	return nil
}

// waitContainerInstances blocks until the cluster has registered capacity;
// tasks placed earlier sit PENDING indefinitely.
func (p *Provider) waitContainerInstances(ctx context.Context) error {
	deadline := p.clk.Now().Add(5 * time.Minute)
	for {
		out, err := p.ecsapi.ListContainerInstances(ctx, &ecs.ListContainerInstancesInput{
			Cluster: lo.ToPtr(p.config.Cluster),
		})
		if err != nil {
			return errors.FromAWS(err)
		}
		if len(out.ContainerInstanceArns) > 0 {
			return nil
		}
		if p.clk.Now().After(deadline) {
			return errors.NewTimeout("cluster %q registered no container instances", p.config.Cluster)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.clk.After(5 * time.Second):
		}
	}
}

func maxCapacity(definition *apis.ServiceDefinition) int32 {
	if definition.Scale != nil && definition.Scale.MaxReplicas != nil {
		return *definition.Scale.MaxReplicas
	}
	return desiredCount(definition)
}

func commaJoin(values []string) string {
	out := ""
	for i, v := range values {
		if i > 0 {
			out += ","
		}
		out += v
	}
	return out
}

func launchTemplateName(service string) string   { return names.Suffixed(service, "lt", 128) }
func autoScalingGroupName(service string) string { return names.Suffixed(service, "asg", 255) }
func capacityProviderName(service string) string { return names.Suffixed(service, "cp", 255) }
