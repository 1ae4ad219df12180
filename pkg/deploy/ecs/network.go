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

	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/samber/lo"

	"github.com/strato-cloud/strato/pkg/apis"
	"github.com/strato-cloud/strato/pkg/errors"
)

// ensureNetwork resolves the VPC and subnets and reconciles the security
// group pair: the ALB group admits the world on :80, the service group
// admits only the ALB group on the target port.
func (p *Provider) ensureNetwork(ctx context.Context, definition *apis.ServiceDefinition, res *resources) error {
	if err := p.resolveVpc(ctx, res); err != nil {
		return err
	}
	if err := p.resolveSubnets(ctx, res); err != nil {
		return err
	}
	external := definition.Ingress != nil && definition.Ingress.External
	if external {
		albSG, err := p.ensureSecurityGroup(ctx, albSecurityGroupName(definition.Name), "load balancer ingress for "+definition.Name, definition.Name, res.vpcID)
		if err != nil {
			return err
		}
		res.albSG = albSG
		if err := p.authorizeIngress(ctx, albSG, "", "0.0.0.0/0", listenerPort(definition.Ingress)); err != nil {
			return err
		}
	}
	serviceSG, err := p.ensureSecurityGroup(ctx, serviceSecurityGroupName(definition.Name), "service traffic for "+definition.Name, definition.Name, res.vpcID)
	if err != nil {
		return err
	}
	res.serviceSG = serviceSG
	if external {
		if err := p.authorizeIngress(ctx, serviceSG, res.albSG, "", definition.Ingress.TargetPort); err != nil {
			return err
		}
	}
	return nil
}

func (p *Provider) resolveVpc(ctx context.Context, res *resources) error {
	if p.config.VpcID != "" {
		res.vpcID = p.config.VpcID
		return nil
	}
	out, err := p.ec2api.DescribeVpcs(ctx, &ec2.DescribeVpcsInput{
		Filters: []ec2types.Filter{{Name: lo.ToPtr("is-default"), Values: []string{"true"}}},
	})
	if err != nil {
		return errors.FromAWS(err)
	}
	if len(out.Vpcs) == 0 {
		return errors.NewNotFound("no default VPC; configure VpcID")
	}
	res.vpcID = lo.FromPtr(out.Vpcs[0].VpcId)
	return nil
}

func (p *Provider) resolveSubnets(ctx context.Context, res *resources) error {
	if len(p.config.SubnetIDs) > 0 {
		res.subnetIDs = p.config.SubnetIDs
		return nil
	}
	out, err := p.ec2api.DescribeSubnets(ctx, &ec2.DescribeSubnetsInput{
		Filters: []ec2types.Filter{{Name: lo.ToPtr("vpc-id"), Values: []string{res.vpcID}}},
	})
	if err != nil {
		return errors.FromAWS(err)
	}
	res.subnetIDs = lo.Map(out.Subnets, func(s ec2types.Subnet, _ int) string { return lo.FromPtr(s.SubnetId) })
	if len(res.subnetIDs) == 0 {
		return errors.NewNotFound("vpc %q has no subnets", res.vpcID)
	}
	return nil
}

func (p *Provider) ensureSecurityGroup(ctx context.Context, name, description, service, vpcID string) (string, error) {
	existing, err := p.findSecurityGroup(ctx, name, vpcID)
	if err != nil {
		return "", err
	}
	if existing != "" {
		return existing, nil
	}
	out, err := p.ec2api.CreateSecurityGroup(ctx, &ec2.CreateSecurityGroupInput{
		GroupName:   lo.ToPtr(name),
		Description: lo.ToPtr(description),
		VpcId:       lo.ToPtr(vpcID),
		TagSpecifications: []ec2types.TagSpecification{{
			ResourceType: ec2types.ResourceTypeSecurityGroup,
			Tags:         ec2Tags(service),
		}},
	})
	if err != nil {
		if errors.IsConflict(errors.FromAWS(err)) {
			return p.findSecurityGroup(ctx, name, vpcID)
		}
		return "", errors.FromAWS(err)
	}
	return lo.FromPtr(out.GroupId), nil
}

func (p *Provider) findSecurityGroup(ctx context.Context, name, vpcID string) (string, error) {
	out, err := p.ec2api.DescribeSecurityGroups(ctx, &ec2.DescribeSecurityGroupsInput{
		Filters: []ec2types.Filter{
			{Name: lo.ToPtr("group-name"), Values: []string{name}},
			{Name: lo.ToPtr("vpc-id"), Values: []string{vpcID}},
		},
	})
	if err != nil {
		return "", errors.FromAWS(err)
	}
	if len(out.SecurityGroups) == 0 {
		return "", nil
	}
	return lo.FromPtr(out.SecurityGroups[0].GroupId), nil
}

// authorizeIngress opens one port from either a source group or a CIDR; a
// duplicate rule counts as converged.
func (p *Provider) authorizeIngress(ctx context.Context, groupID, sourceGroup, cidr string, port int32) error {
	permission := ec2types.IpPermission{
		IpProtocol: lo.ToPtr("tcp"),
		FromPort:   lo.ToPtr(port),
		ToPort:     lo.ToPtr(port),
	}
	if sourceGroup != "" {
		permission.UserIdGroupPairs = []ec2types.UserIdGroupPair{{GroupId: lo.ToPtr(sourceGroup)}}
	} else {
		permission.IpRanges = []ec2types.IpRange{{CidrIp: lo.ToPtr(cidr)}}
	}
	if _, err := p.ec2api.AuthorizeSecurityGroupIngress(ctx, &ec2.AuthorizeSecurityGroupIngressInput{
		GroupId:       lo.ToPtr(groupID),
		IpPermissions: []ec2types.IpPermission{permission},
	}); err != nil {
		return errors.IgnoreConflict(errors.FromAWS(err))
	}
	return nil
}

func ec2Tags(service string) []ec2types.Tag {
	tags := []ec2types.Tag{{Key: lo.ToPtr(ManagedTagKey), Value: lo.ToPtr("true")}}
	if service != "" {
		tags = append(tags, ec2types.Tag{Key: lo.ToPtr(ServiceTagKey), Value: lo.ToPtr(service)})
	}
	return tags
}

// listenerPort is the externally exposed port, defaulting to 80.
func listenerPort(ingress *apis.Ingress) int32 {
	if ingress != nil && ingress.ExposedPort != 0 {
		return ingress.ExposedPort
	}
	return 80
}

func albSecurityGroupName(service string) string     { return fmt.Sprintf("%s-alb-sg", service) }
func serviceSecurityGroupName(service string) string { return fmt.Sprintf("%s-svc-sg", service) }
