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
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	iamtypes "github.com/aws/aws-sdk-go-v2/service/iam/types"
	"github.com/samber/lo"

	sdk "github.com/strato-cloud/strato/pkg/aws"
)

type IAMBehavior struct {
	CreateRoleBehavior                    MockedFunction[iam.CreateRoleInput, iam.CreateRoleOutput]
	GetRoleBehavior                       MockedFunction[iam.GetRoleInput, iam.GetRoleOutput]
	DeleteRoleBehavior                    MockedFunction[iam.DeleteRoleInput, iam.DeleteRoleOutput]
	AttachRolePolicyBehavior              MockedFunction[iam.AttachRolePolicyInput, iam.AttachRolePolicyOutput]
	DetachRolePolicyBehavior              MockedFunction[iam.DetachRolePolicyInput, iam.DetachRolePolicyOutput]
	ListAttachedRolePoliciesBehavior      MockedFunction[iam.ListAttachedRolePoliciesInput, iam.ListAttachedRolePoliciesOutput]
	CreateInstanceProfileBehavior         MockedFunction[iam.CreateInstanceProfileInput, iam.CreateInstanceProfileOutput]
	GetInstanceProfileBehavior            MockedFunction[iam.GetInstanceProfileInput, iam.GetInstanceProfileOutput]
	DeleteInstanceProfileBehavior         MockedFunction[iam.DeleteInstanceProfileInput, iam.DeleteInstanceProfileOutput]
	AddRoleToInstanceProfileBehavior      MockedFunction[iam.AddRoleToInstanceProfileInput, iam.AddRoleToInstanceProfileOutput]
	RemoveRoleFromInstanceProfileBehavior MockedFunction[iam.RemoveRoleFromInstanceProfileInput, iam.RemoveRoleFromInstanceProfileOutput]
}

// IAMAPI is a behavioral in-memory IAM covering roles, attached managed
// policies, and instance profiles.
type IAMAPI struct {
	IAMBehavior
	sync.Mutex

	Roles            map[string]*iamtypes.Role
	AttachedPolicies map[string][]string
	InstanceProfiles map[string]*iamtypes.InstanceProfile
}

var _ sdk.IAMAPI = &IAMAPI{}

func NewIAMAPI() *IAMAPI {
	return &IAMAPI{
		Roles:            map[string]*iamtypes.Role{},
		AttachedPolicies: map[string][]string{},
		InstanceProfiles: map[string]*iamtypes.InstanceProfile{},
	}
}

// Reset must be called between tests otherwise tests will pollute each other.
func (i *IAMAPI) Reset() {
	i.CreateRoleBehavior.Reset()
	i.GetRoleBehavior.Reset()
	i.DeleteRoleBehavior.Reset()
	i.AttachRolePolicyBehavior.Reset()
	i.DetachRolePolicyBehavior.Reset()
	i.ListAttachedRolePoliciesBehavior.Reset()
	i.CreateInstanceProfileBehavior.Reset()
	i.GetInstanceProfileBehavior.Reset()
	i.DeleteInstanceProfileBehavior.Reset()
	i.AddRoleToInstanceProfileBehavior.Reset()
	i.RemoveRoleFromInstanceProfileBehavior.Reset()
	i.Lock()
	defer i.Unlock()
	i.Roles = map[string]*iamtypes.Role{}
	i.AttachedPolicies = map[string][]string{}
	i.InstanceProfiles = map[string]*iamtypes.InstanceProfile{}
}

func (i *IAMAPI) CreateRole(_ context.Context, input *iam.CreateRoleInput, _ ...func(*iam.Options)) (*iam.CreateRoleOutput, error) {
	return i.CreateRoleBehavior.Invoke(input, func(input *iam.CreateRoleInput) (*iam.CreateRoleOutput, error) {
		i.Lock()
		defer i.Unlock()
		name := aws.ToString(input.RoleName)
		if _, ok := i.Roles[name]; ok {
			return nil, awsErr("EntityAlreadyExists", fmt.Sprintf("role %q already exists", name))
		}
		role := &iamtypes.Role{
			RoleName:                 aws.String(name),
			Arn:                      aws.String("arn:aws:iam::000000000000:role/" + name),
			AssumeRolePolicyDocument: input.AssumeRolePolicyDocument,
			Tags:                     input.Tags,
			CreateDate:               aws.Time(time.Now()),
		}
		i.Roles[name] = role
		return &iam.CreateRoleOutput{Role: role}, nil
	})
}

func (i *IAMAPI) GetRole(_ context.Context, input *iam.GetRoleInput, _ ...func(*iam.Options)) (*iam.GetRoleOutput, error) {
	return i.GetRoleBehavior.Invoke(input, func(input *iam.GetRoleInput) (*iam.GetRoleOutput, error) {
		i.Lock()
		defer i.Unlock()
		role, ok := i.Roles[aws.ToString(input.RoleName)]
		if !ok {
			return nil, awsErr("NoSuchEntity", fmt.Sprintf("role %q does not exist", aws.ToString(input.RoleName)))
		}
		return &iam.GetRoleOutput{Role: role}, nil
	})
}

func (i *IAMAPI) DeleteRole(_ context.Context, input *iam.DeleteRoleInput, _ ...func(*iam.Options)) (*iam.DeleteRoleOutput, error) {
	return i.DeleteRoleBehavior.Invoke(input, func(input *iam.DeleteRoleInput) (*iam.DeleteRoleOutput, error) {
		i.Lock()
		defer i.Unlock()
		name := aws.ToString(input.RoleName)
		if _, ok := i.Roles[name]; !ok {
			return nil, awsErr("NoSuchEntity", fmt.Sprintf("role %q does not exist", name))
		}
		if len(i.AttachedPolicies[name]) > 0 {
			return nil, awsErr("DeleteConflict", fmt.Sprintf("role %q still has attached policies", name))
		}
		delete(i.Roles, name)
		return &iam.DeleteRoleOutput{}, nil
	})
}

func (i *IAMAPI) TagRole(_ context.Context, _ *iam.TagRoleInput, _ ...func(*iam.Options)) (*iam.TagRoleOutput, error) {
	return &iam.TagRoleOutput{}, nil
}

func (i *IAMAPI) AttachRolePolicy(_ context.Context, input *iam.AttachRolePolicyInput, _ ...func(*iam.Options)) (*iam.AttachRolePolicyOutput, error) {
	return i.AttachRolePolicyBehavior.Invoke(input, func(input *iam.AttachRolePolicyInput) (*iam.AttachRolePolicyOutput, error) {
		i.Lock()
		defer i.Unlock()
		name := aws.ToString(input.RoleName)
		if _, ok := i.Roles[name]; !ok {
			return nil, awsErr("NoSuchEntity", fmt.Sprintf("role %q does not exist", name))
		}
		arn := aws.ToString(input.PolicyArn)
		if !lo.Contains(i.AttachedPolicies[name], arn) {
			i.AttachedPolicies[name] = append(i.AttachedPolicies[name], arn)
		}
		return &iam.AttachRolePolicyOutput{}, nil
	})
}

func (i *IAMAPI) DetachRolePolicy(_ context.Context, input *iam.DetachRolePolicyInput, _ ...func(*iam.Options)) (*iam.DetachRolePolicyOutput, error) {
	return i.DetachRolePolicyBehavior.Invoke(input, func(input *iam.DetachRolePolicyInput) (*iam.DetachRolePolicyOutput, error) {
		i.Lock()
		defer i.Unlock()
		name := aws.ToString(input.RoleName)
		arn := aws.ToString(input.PolicyArn)
		if !lo.Contains(i.AttachedPolicies[name], arn) {
			return nil, awsErr("NoSuchEntity", fmt.Sprintf("policy %q is not attached to %q", arn, name))
		}
		i.AttachedPolicies[name] = lo.Without(i.AttachedPolicies[name], arn)
		return &iam.DetachRolePolicyOutput{}, nil
	})
}

func (i *IAMAPI) ListAttachedRolePolicies(_ context.Context, input *iam.ListAttachedRolePoliciesInput, _ ...func(*iam.Options)) (*iam.ListAttachedRolePoliciesOutput, error) {
	return i.ListAttachedRolePoliciesBehavior.Invoke(input, func(input *iam.ListAttachedRolePoliciesInput) (*iam.ListAttachedRolePoliciesOutput, error) {
		i.Lock()
		defer i.Unlock()
		name := aws.ToString(input.RoleName)
		if _, ok := i.Roles[name]; !ok {
			return nil, awsErr("NoSuchEntity", fmt.Sprintf("role %q does not exist", name))
		}
		return &iam.ListAttachedRolePoliciesOutput{
			AttachedPolicies: lo.Map(i.AttachedPolicies[name], func(arn string, _ int) iamtypes.AttachedPolicy {
				return iamtypes.AttachedPolicy{PolicyArn: aws.String(arn)}
			}),
		}, nil
	})
}

func (i *IAMAPI) CreateInstanceProfile(_ context.Context, input *iam.CreateInstanceProfileInput, _ ...func(*iam.Options)) (*iam.CreateInstanceProfileOutput, error) {
	return i.CreateInstanceProfileBehavior.Invoke(input, func(input *iam.CreateInstanceProfileInput) (*iam.CreateInstanceProfileOutput, error) {
		i.Lock()
		defer i.Unlock()
		name := aws.ToString(input.InstanceProfileName)
		if _, ok := i.InstanceProfiles[name]; ok {
			return nil, awsErr("EntityAlreadyExists", fmt.Sprintf("instance profile %q already exists", name))
		}
		profile := &iamtypes.InstanceProfile{
			InstanceProfileName: aws.String(name),
			Arn:                 aws.String("arn:aws:iam::000000000000:instance-profile/" + name),
			Tags:                input.Tags,
			CreateDate:          aws.Time(time.Now()),
		}
		i.InstanceProfiles[name] = profile
		return &iam.CreateInstanceProfileOutput{InstanceProfile: profile}, nil
	})
}

func (i *IAMAPI) GetInstanceProfile(_ context.Context, input *iam.GetInstanceProfileInput, _ ...func(*iam.Options)) (*iam.GetInstanceProfileOutput, error) {
	return i.GetInstanceProfileBehavior.Invoke(input, func(input *iam.GetInstanceProfileInput) (*iam.GetInstanceProfileOutput, error) {
		i.Lock()
		defer i.Unlock()
		profile, ok := i.InstanceProfiles[aws.ToString(input.InstanceProfileName)]
		if !ok {
			return nil, awsErr("NoSuchEntity", fmt.Sprintf("instance profile %q does not exist", aws.ToString(input.InstanceProfileName)))
		}
		return &iam.GetInstanceProfileOutput{InstanceProfile: profile}, nil
	})
}

func (i *IAMAPI) DeleteInstanceProfile(_ context.Context, input *iam.DeleteInstanceProfileInput, _ ...func(*iam.Options)) (*iam.DeleteInstanceProfileOutput, error) {
	return i.DeleteInstanceProfileBehavior.Invoke(input, func(input *iam.DeleteInstanceProfileInput) (*iam.DeleteInstanceProfileOutput, error) {
		i.Lock()
		defer i.Unlock()
		name := aws.ToString(input.InstanceProfileName)
		profile, ok := i.InstanceProfiles[name]
		if !ok {
			return nil, awsErr("NoSuchEntity", fmt.Sprintf("instance profile %q does not exist", name))
		}
		if len(profile.Roles) > 0 {
			return nil, awsErr("DeleteConflict", fmt.Sprintf("instance profile %q still has roles", name))
		}
		delete(i.InstanceProfiles, name)
		return &iam.DeleteInstanceProfileOutput{}, nil
	})
}

func (i *IAMAPI) TagInstanceProfile(_ context.Context, _ *iam.TagInstanceProfileInput, _ ...func(*iam.Options)) (*iam.TagInstanceProfileOutput, error) {
	return &iam.TagInstanceProfileOutput{}, nil
}

func (i *IAMAPI) AddRoleToInstanceProfile(_ context.Context, input *iam.AddRoleToInstanceProfileInput, _ ...func(*iam.Options)) (*iam.AddRoleToInstanceProfileOutput, error) {
	return i.AddRoleToInstanceProfileBehavior.Invoke(input, func(input *iam.AddRoleToInstanceProfileInput) (*iam.AddRoleToInstanceProfileOutput, error) {
		i.Lock()
		defer i.Unlock()
		profile, ok := i.InstanceProfiles[aws.ToString(input.InstanceProfileName)]
		if !ok {
			return nil, awsErr("NoSuchEntity", fmt.Sprintf("instance profile %q does not exist", aws.ToString(input.InstanceProfileName)))
		}
		role, ok := i.Roles[aws.ToString(input.RoleName)]
		if !ok {
			return nil, awsErr("NoSuchEntity", fmt.Sprintf("role %q does not exist", aws.ToString(input.RoleName)))
		}
		if lo.ContainsBy(profile.Roles, func(r iamtypes.Role) bool { return aws.ToString(r.RoleName) == aws.ToString(role.RoleName) }) {
			return nil, awsErr("EntityAlreadyExists", "role already added")
		}
		profile.Roles = append(profile.Roles, *role)
		return &iam.AddRoleToInstanceProfileOutput{}, nil
	})
}

func (i *IAMAPI) RemoveRoleFromInstanceProfile(_ context.Context, input *iam.RemoveRoleFromInstanceProfileInput, _ ...func(*iam.Options)) (*iam.RemoveRoleFromInstanceProfileOutput, error) {
	return i.RemoveRoleFromInstanceProfileBehavior.Invoke(input, func(input *iam.RemoveRoleFromInstanceProfileInput) (*iam.RemoveRoleFromInstanceProfileOutput, error) {
		i.Lock()
		defer i.Unlock()
		profile, ok := i.InstanceProfiles[aws.ToString(input.InstanceProfileName)]
		if !ok {
			return nil, awsErr("NoSuchEntity", fmt.Sprintf("instance profile %q does not exist", aws.ToString(input.InstanceProfileName)))
		}
		kept := lo.Filter(profile.Roles, func(r iamtypes.Role, _ int) bool {
			return aws.ToString(r.RoleName) != aws.ToString(input.RoleName)
		})
		if len(kept) == len(profile.Roles) {
			return nil, awsErr("NoSuchEntity", "role is not in the instance profile")
		}
		profile.Roles = kept
		return &iam.RemoveRoleFromInstanceProfileOutput{}, nil
	})
}
