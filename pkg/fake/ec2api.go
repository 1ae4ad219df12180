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

package fake

import (
	"context"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/samber/lo"

	sdk "github.com/strato-cloud/strato/pkg/aws"
)

type EC2Behavior struct {
	DescribeVpcsBehavior                  MockedFunction[ec2.DescribeVpcsInput, ec2.DescribeVpcsOutput]
	CreateVpcBehavior                     MockedFunction[ec2.CreateVpcInput, ec2.CreateVpcOutput]
	DeleteVpcBehavior                     MockedFunction[ec2.DeleteVpcInput, ec2.DeleteVpcOutput]
	DescribeSubnetsBehavior               MockedFunction[ec2.DescribeSubnetsInput, ec2.DescribeSubnetsOutput]
	CreateSubnetBehavior                  MockedFunction[ec2.CreateSubnetInput, ec2.CreateSubnetOutput]
	DeleteSubnetBehavior                  MockedFunction[ec2.DeleteSubnetInput, ec2.DeleteSubnetOutput]
	CreateSecurityGroupBehavior           MockedFunction[ec2.CreateSecurityGroupInput, ec2.CreateSecurityGroupOutput]
	DescribeSecurityGroupsBehavior        MockedFunction[ec2.DescribeSecurityGroupsInput, ec2.DescribeSecurityGroupsOutput]
	DeleteSecurityGroupBehavior           MockedFunction[ec2.DeleteSecurityGroupInput, ec2.DeleteSecurityGroupOutput]
	AuthorizeSecurityGroupIngressBehavior MockedFunction[ec2.AuthorizeSecurityGroupIngressInput, ec2.AuthorizeSecurityGroupIngressOutput]
	CreateLaunchTemplateBehavior          MockedFunction[ec2.CreateLaunchTemplateInput, ec2.CreateLaunchTemplateOutput]
	DescribeLaunchTemplatesBehavior       MockedFunction[ec2.DescribeLaunchTemplatesInput, ec2.DescribeLaunchTemplatesOutput]
	DeleteLaunchTemplateBehavior          MockedFunction[ec2.DeleteLaunchTemplateInput, ec2.DeleteLaunchTemplateOutput]
}

// EC2API is a behavioral in-memory slice of EC2 covering what the deploy
// providers touch: VPC and subnet discovery, security groups, and launch
// templates. A default VPC with two subnets is seeded.
type EC2API struct {
	EC2Behavior
	sync.Mutex

	Vpcs            map[string]*ec2types.Vpc
	Subnets         map[string]*ec2types.Subnet
	SecurityGroups  map[string]*ec2types.SecurityGroup
	LaunchTemplates map[string]*ec2types.LaunchTemplate

	nextID int
}

var _ sdk.EC2API = &EC2API{}

func NewEC2API() *EC2API {
	api := &EC2API{}
	api.seed()
	return api
}

// Reset must be called between tests otherwise tests will pollute each other.
func (e *EC2API) Reset() {
	e.DescribeVpcsBehavior.Reset()
	e.CreateVpcBehavior.Reset()
	e.DeleteVpcBehavior.Reset()
	e.DescribeSubnetsBehavior.Reset()
	e.CreateSubnetBehavior.Reset()
	e.DeleteSubnetBehavior.Reset()
	e.CreateSecurityGroupBehavior.Reset()
	e.DescribeSecurityGroupsBehavior.Reset()
	e.DeleteSecurityGroupBehavior.Reset()
	e.AuthorizeSecurityGroupIngressBehavior.Reset()
	e.CreateLaunchTemplateBehavior.Reset()
	e.DescribeLaunchTemplatesBehavior.Reset()
	e.DeleteLaunchTemplateBehavior.Reset()
	e.Lock()
	defer e.Unlock()
	e.seed()
}

func (e *EC2API) seed() {
	e.Vpcs = map[string]*ec2types.Vpc{
		"vpc-default": {VpcId: aws.String("vpc-default"), IsDefault: aws.Bool(true), CidrBlock: aws.String("172.31.0.0/16")},
	}
	e.Subnets = map[string]*ec2types.Subnet{
		"subnet-1a": {SubnetId: aws.String("subnet-1a"), VpcId: aws.String("vpc-default"), AvailabilityZone: aws.String("us-east-1a")},
		"subnet-1b": {SubnetId: aws.String("subnet-1b"), VpcId: aws.String("vpc-default"), AvailabilityZone: aws.String("us-east-1b")},
	}
	e.SecurityGroups = map[string]*ec2types.SecurityGroup{}
	e.LaunchTemplates = map[string]*ec2types.LaunchTemplate{}
	e.nextID = 0
}

func (e *EC2API) id(prefix string) string {
	e.nextID++
	return fmt.Sprintf("%s-%08d", prefix, e.nextID)
}

func (e *EC2API) DescribeVpcs(_ context.Context, input *ec2.DescribeVpcsInput, _ ...func(*ec2.Options)) (*ec2.DescribeVpcsOutput, error) {
	return e.DescribeVpcsBehavior.Invoke(input, func(input *ec2.DescribeVpcsInput) (*ec2.DescribeVpcsOutput, error) {
		e.Lock()
		defer e.Unlock()
		out := &ec2.DescribeVpcsOutput{}
		for _, vpc := range e.Vpcs {
			if matchVpcFilters(vpc, input.Filters) {
				out.Vpcs = append(out.Vpcs, *vpc)
			}
		}
		return out, nil
	})
}

func matchVpcFilters(vpc *ec2types.Vpc, filters []ec2types.Filter) bool {
	for _, f := range filters {
		switch aws.ToString(f.Name) {
		case "is-default":
			if !lo.Contains(f.Values, fmt.Sprintf("%t", aws.ToBool(vpc.IsDefault))) {
				return false
			}
		case "vpc-id":
			if !lo.Contains(f.Values, aws.ToString(vpc.VpcId)) {
				return false
			}
		}
	}
	return true
}

func (e *EC2API) CreateVpc(_ context.Context, input *ec2.CreateVpcInput, _ ...func(*ec2.Options)) (*ec2.CreateVpcOutput, error) {
	return e.CreateVpcBehavior.Invoke(input, func(input *ec2.CreateVpcInput) (*ec2.CreateVpcOutput, error) {
		e.Lock()
		defer e.Unlock()
		vpc := &ec2types.Vpc{VpcId: aws.String(e.id("vpc")), CidrBlock: input.CidrBlock}
		e.Vpcs[aws.ToString(vpc.VpcId)] = vpc
		return &ec2.CreateVpcOutput{Vpc: vpc}, nil
	})
}

func (e *EC2API) DeleteVpc(_ context.Context, input *ec2.DeleteVpcInput, _ ...func(*ec2.Options)) (*ec2.DeleteVpcOutput, error) {
	return e.DeleteVpcBehavior.Invoke(input, func(input *ec2.DeleteVpcInput) (*ec2.DeleteVpcOutput, error) {
		e.Lock()
		defer e.Unlock()
		id := aws.ToString(input.VpcId)
		if _, ok := e.Vpcs[id]; !ok {
			return nil, awsErr("InvalidVpcID.NotFound", fmt.Sprintf("vpc %q does not exist", id))
		}
		delete(e.Vpcs, id)
		return &ec2.DeleteVpcOutput{}, nil
	})
}

func (e *EC2API) DescribeSubnets(_ context.Context, input *ec2.DescribeSubnetsInput, _ ...func(*ec2.Options)) (*ec2.DescribeSubnetsOutput, error) {
	return e.DescribeSubnetsBehavior.Invoke(input, func(input *ec2.DescribeSubnetsInput) (*ec2.DescribeSubnetsOutput, error) {
		e.Lock()
		defer e.Unlock()
		out := &ec2.DescribeSubnetsOutput{}
		for _, subnet := range e.Subnets {
			matched := true
			for _, f := range input.Filters {
				if aws.ToString(f.Name) == "vpc-id" && !lo.Contains(f.Values, aws.ToString(subnet.VpcId)) {
					matched = false
				}
			}
			if matched {
				out.Subnets = append(out.Subnets, *subnet)
			}
		}
		return out, nil
	})
}

func (e *EC2API) CreateSubnet(_ context.Context, input *ec2.CreateSubnetInput, _ ...func(*ec2.Options)) (*ec2.CreateSubnetOutput, error) {
	return e.CreateSubnetBehavior.Invoke(input, func(input *ec2.CreateSubnetInput) (*ec2.CreateSubnetOutput, error) {
		e.Lock()
		defer e.Unlock()
		subnet := &ec2types.Subnet{
			SubnetId:         aws.String(e.id("subnet")),
			VpcId:            input.VpcId,
			CidrBlock:        input.CidrBlock,
			AvailabilityZone: input.AvailabilityZone,
		}
		e.Subnets[aws.ToString(subnet.SubnetId)] = subnet
		return &ec2.CreateSubnetOutput{Subnet: subnet}, nil
	})
}

func (e *EC2API) DeleteSubnet(_ context.Context, input *ec2.DeleteSubnetInput, _ ...func(*ec2.Options)) (*ec2.DeleteSubnetOutput, error) {
	return e.DeleteSubnetBehavior.Invoke(input, func(input *ec2.DeleteSubnetInput) (*ec2.DeleteSubnetOutput, error) {
		e.Lock()
		defer e.Unlock()
		id := aws.ToString(input.SubnetId)
		if _, ok := e.Subnets[id]; !ok {
			return nil, awsErr("InvalidSubnetID.NotFound", fmt.Sprintf("subnet %q does not exist", id))
		}
		delete(e.Subnets, id)
		return &ec2.DeleteSubnetOutput{}, nil
	})
}

func (e *EC2API) ModifySubnetAttribute(_ context.Context, _ *ec2.ModifySubnetAttributeInput, _ ...func(*ec2.Options)) (*ec2.ModifySubnetAttributeOutput, error) {
	return &ec2.ModifySubnetAttributeOutput{}, nil
}

func (e *EC2API) DescribeAvailabilityZones(_ context.Context, _ *ec2.DescribeAvailabilityZonesInput, _ ...func(*ec2.Options)) (*ec2.DescribeAvailabilityZonesOutput, error) {
	return &ec2.DescribeAvailabilityZonesOutput{AvailabilityZones: []ec2types.AvailabilityZone{
		{ZoneName: aws.String("us-east-1a")},
		{ZoneName: aws.String("us-east-1b")},
	}}, nil
}

func (e *EC2API) CreateInternetGateway(_ context.Context, _ *ec2.CreateInternetGatewayInput, _ ...func(*ec2.Options)) (*ec2.CreateInternetGatewayOutput, error) {
	e.Lock()
	defer e.Unlock()
	return &ec2.CreateInternetGatewayOutput{InternetGateway: &ec2types.InternetGateway{
		InternetGatewayId: aws.String(e.id("igw")),
	}}, nil
}

func (e *EC2API) AttachInternetGateway(_ context.Context, _ *ec2.AttachInternetGatewayInput, _ ...func(*ec2.Options)) (*ec2.AttachInternetGatewayOutput, error) {
	return &ec2.AttachInternetGatewayOutput{}, nil
}

func (e *EC2API) DetachInternetGateway(_ context.Context, _ *ec2.DetachInternetGatewayInput, _ ...func(*ec2.Options)) (*ec2.DetachInternetGatewayOutput, error) {
	return &ec2.DetachInternetGatewayOutput{}, nil
}

func (e *EC2API) DeleteInternetGateway(_ context.Context, _ *ec2.DeleteInternetGatewayInput, _ ...func(*ec2.Options)) (*ec2.DeleteInternetGatewayOutput, error) {
	return &ec2.DeleteInternetGatewayOutput{}, nil
}

func (e *EC2API) DescribeInternetGateways(_ context.Context, _ *ec2.DescribeInternetGatewaysInput, _ ...func(*ec2.Options)) (*ec2.DescribeInternetGatewaysOutput, error) {
	return &ec2.DescribeInternetGatewaysOutput{}, nil
}

func (e *EC2API) DescribeRouteTables(_ context.Context, _ *ec2.DescribeRouteTablesInput, _ ...func(*ec2.Options)) (*ec2.DescribeRouteTablesOutput, error) {
	return &ec2.DescribeRouteTablesOutput{}, nil
}

func (e *EC2API) CreateRoute(_ context.Context, _ *ec2.CreateRouteInput, _ ...func(*ec2.Options)) (*ec2.CreateRouteOutput, error) {
	return &ec2.CreateRouteOutput{Return: aws.Bool(true)}, nil
}

func (e *EC2API) CreateSecurityGroup(_ context.Context, input *ec2.CreateSecurityGroupInput, _ ...func(*ec2.Options)) (*ec2.CreateSecurityGroupOutput, error) {
	return e.CreateSecurityGroupBehavior.Invoke(input, func(input *ec2.CreateSecurityGroupInput) (*ec2.CreateSecurityGroupOutput, error) {
		e.Lock()
		defer e.Unlock()
		name := aws.ToString(input.GroupName)
		for _, group := range e.SecurityGroups {
			if aws.ToString(group.GroupName) == name && aws.ToString(group.VpcId) == aws.ToString(input.VpcId) {
				return nil, awsErr("InvalidGroup.Duplicate", fmt.Sprintf("security group %q already exists", name))
			}
		}
		group := &ec2types.SecurityGroup{
			GroupId:     aws.String(e.id("sg")),
			GroupName:   input.GroupName,
			Description: input.Description,
			VpcId:       input.VpcId,
		}
		for _, spec := range input.TagSpecifications {
			group.Tags = append(group.Tags, spec.Tags...)
		}
		e.SecurityGroups[aws.ToString(group.GroupId)] = group
		return &ec2.CreateSecurityGroupOutput{GroupId: group.GroupId}, nil
	})
}

func (e *EC2API) DescribeSecurityGroups(_ context.Context, input *ec2.DescribeSecurityGroupsInput, _ ...func(*ec2.Options)) (*ec2.DescribeSecurityGroupsOutput, error) {
	return e.DescribeSecurityGroupsBehavior.Invoke(input, func(input *ec2.DescribeSecurityGroupsInput) (*ec2.DescribeSecurityGroupsOutput, error) {
		e.Lock()
		defer e.Unlock()
		out := &ec2.DescribeSecurityGroupsOutput{}
		for _, group := range e.SecurityGroups {
			if matchGroupFilters(group, input.Filters) {
				out.SecurityGroups = append(out.SecurityGroups, *group)
			}
		}
		return out, nil
	})
}

func matchGroupFilters(group *ec2types.SecurityGroup, filters []ec2types.Filter) bool {
	for _, f := range filters {
		name := aws.ToString(f.Name)
		switch {
		case name == "group-name":
			if !lo.Contains(f.Values, aws.ToString(group.GroupName)) {
				return false
			}
		case name == "vpc-id":
			if !lo.Contains(f.Values, aws.ToString(group.VpcId)) {
				return false
			}
		case len(name) > 4 && name[:4] == "tag:":
			key := name[4:]
			tag, ok := lo.Find(group.Tags, func(t ec2types.Tag) bool { return aws.ToString(t.Key) == key })
			if !ok || !lo.Contains(f.Values, aws.ToString(tag.Value)) {
				return false
			}
		}
	}
	return true
}

func (e *EC2API) DeleteSecurityGroup(_ context.Context, input *ec2.DeleteSecurityGroupInput, _ ...func(*ec2.Options)) (*ec2.DeleteSecurityGroupOutput, error) {
	return e.DeleteSecurityGroupBehavior.Invoke(input, func(input *ec2.DeleteSecurityGroupInput) (*ec2.DeleteSecurityGroupOutput, error) {
		e.Lock()
		defer e.Unlock()
		id := aws.ToString(input.GroupId)
		if _, ok := e.SecurityGroups[id]; !ok {
			return nil, awsErr("InvalidGroup.NotFound", fmt.Sprintf("security group %q does not exist", id))
		}
		delete(e.SecurityGroups, id)
		return &ec2.DeleteSecurityGroupOutput{}, nil
	})
}

func (e *EC2API) AuthorizeSecurityGroupIngress(_ context.Context, input *ec2.AuthorizeSecurityGroupIngressInput, _ ...func(*ec2.Options)) (*ec2.AuthorizeSecurityGroupIngressOutput, error) {
	return e.AuthorizeSecurityGroupIngressBehavior.Invoke(input, func(input *ec2.AuthorizeSecurityGroupIngressInput) (*ec2.AuthorizeSecurityGroupIngressOutput, error) {
		e.Lock()
		defer e.Unlock()
		id := aws.ToString(input.GroupId)
		group, ok := e.SecurityGroups[id]
		if !ok {
			return nil, awsErr("InvalidGroup.NotFound", fmt.Sprintf("security group %q does not exist", id))
		}
		for _, permission := range input.IpPermissions {
			for _, existing := range group.IpPermissions {
				if aws.ToInt32(existing.FromPort) == aws.ToInt32(permission.FromPort) &&
					aws.ToInt32(existing.ToPort) == aws.ToInt32(permission.ToPort) {
					return nil, awsErr("InvalidPermission.Duplicate", "rule already exists")
				}
			}
		}
		group.IpPermissions = append(group.IpPermissions, input.IpPermissions...)
		return &ec2.AuthorizeSecurityGroupIngressOutput{Return: aws.Bool(true)}, nil
	})
}

func (e *EC2API) CreateLaunchTemplate(_ context.Context, input *ec2.CreateLaunchTemplateInput, _ ...func(*ec2.Options)) (*ec2.CreateLaunchTemplateOutput, error) {
	return e.CreateLaunchTemplateBehavior.Invoke(input, func(input *ec2.CreateLaunchTemplateInput) (*ec2.CreateLaunchTemplateOutput, error) {
		e.Lock()
		defer e.Unlock()
		name := aws.ToString(input.LaunchTemplateName)
		if _, ok := e.LaunchTemplates[name]; ok {
			return nil, awsErr("InvalidLaunchTemplateName.AlreadyExistsException", fmt.Sprintf("launch template %q already exists", name))
		}
		template := &ec2types.LaunchTemplate{
			LaunchTemplateId:   aws.String(e.id("lt")),
			LaunchTemplateName: input.LaunchTemplateName,
		}
		e.LaunchTemplates[name] = template
		return &ec2.CreateLaunchTemplateOutput{LaunchTemplate: template}, nil
	})
}

func (e *EC2API) DescribeLaunchTemplates(_ context.Context, input *ec2.DescribeLaunchTemplatesInput, _ ...func(*ec2.Options)) (*ec2.DescribeLaunchTemplatesOutput, error) {
	return e.DescribeLaunchTemplatesBehavior.Invoke(input, func(input *ec2.DescribeLaunchTemplatesInput) (*ec2.DescribeLaunchTemplatesOutput, error) {
		e.Lock()
		defer e.Unlock()
		out := &ec2.DescribeLaunchTemplatesOutput{}
		for _, name := range input.LaunchTemplateNames {
			template, ok := e.LaunchTemplates[name]
			if !ok {
				return nil, awsErr("InvalidLaunchTemplateName.NotFoundException", fmt.Sprintf("launch template %q does not exist", name))
			}
			out.LaunchTemplates = append(out.LaunchTemplates, *template)
		}
		return out, nil
	})
}

func (e *EC2API) DeleteLaunchTemplate(_ context.Context, input *ec2.DeleteLaunchTemplateInput, _ ...func(*ec2.Options)) (*ec2.DeleteLaunchTemplateOutput, error) {
	return e.DeleteLaunchTemplateBehavior.Invoke(input, func(input *ec2.DeleteLaunchTemplateInput) (*ec2.DeleteLaunchTemplateOutput, error) {
		e.Lock()
		defer e.Unlock()
		name := aws.ToString(input.LaunchTemplateName)
		template, ok := e.LaunchTemplates[name]
		if !ok {
			return nil, awsErr("InvalidLaunchTemplateName.NotFoundException", fmt.Sprintf("launch template %q does not exist", name))
		}
		delete(e.LaunchTemplates, name)
		return &ec2.DeleteLaunchTemplateOutput{LaunchTemplate: template}, nil
	})
}

func (e *EC2API) CreateTags(_ context.Context, _ *ec2.CreateTagsInput, _ ...func(*ec2.Options)) (*ec2.CreateTagsOutput, error) {
	return &ec2.CreateTagsOutput{}, nil
}
