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
	aas "github.com/aws/aws-sdk-go-v2/service/applicationautoscaling"
	aastypes "github.com/aws/aws-sdk-go-v2/service/applicationautoscaling/types"

	sdk "github.com/strato-cloud/strato/pkg/aws"
)

type ScalingBehavior struct {
	RegisterScalableTargetBehavior   MockedFunction[aas.RegisterScalableTargetInput, aas.RegisterScalableTargetOutput]
	DeregisterScalableTargetBehavior MockedFunction[aas.DeregisterScalableTargetInput, aas.DeregisterScalableTargetOutput]
	DescribeScalableTargetsBehavior  MockedFunction[aas.DescribeScalableTargetsInput, aas.DescribeScalableTargetsOutput]
	PutScalingPolicyBehavior         MockedFunction[aas.PutScalingPolicyInput, aas.PutScalingPolicyOutput]
	DeleteScalingPolicyBehavior      MockedFunction[aas.DeleteScalingPolicyInput, aas.DeleteScalingPolicyOutput]
	DescribeScalingPoliciesBehavior  MockedFunction[aas.DescribeScalingPoliciesInput, aas.DescribeScalingPoliciesOutput]
}

// ScalingAPI is a behavioral in-memory Application Auto Scaling.
type ScalingAPI struct {
	ScalingBehavior
	sync.Mutex

	Targets  map[string]*aastypes.ScalableTarget
	Policies map[string]*aastypes.ScalingPolicy
}

var _ sdk.ScalingAPI = &ScalingAPI{}

func NewScalingAPI() *ScalingAPI {
	return &ScalingAPI{
		Targets:  map[string]*aastypes.ScalableTarget{},
		Policies: map[string]*aastypes.ScalingPolicy{},
	}
}

// Reset must be called between tests otherwise tests will pollute each other.
func (s *ScalingAPI) Reset() {
	s.RegisterScalableTargetBehavior.Reset()
	s.DeregisterScalableTargetBehavior.Reset()
	s.DescribeScalableTargetsBehavior.Reset()
	s.PutScalingPolicyBehavior.Reset()
	s.DeleteScalingPolicyBehavior.Reset()
	s.DescribeScalingPoliciesBehavior.Reset()
	s.Lock()
	defer s.Unlock()
	s.Targets = map[string]*aastypes.ScalableTarget{}
	s.Policies = map[string]*aastypes.ScalingPolicy{}
}

func (s *ScalingAPI) RegisterScalableTarget(_ context.Context, input *aas.RegisterScalableTargetInput, _ ...func(*aas.Options)) (*aas.RegisterScalableTargetOutput, error) {
	return s.RegisterScalableTargetBehavior.Invoke(input, func(input *aas.RegisterScalableTargetInput) (*aas.RegisterScalableTargetOutput, error) {
		s.Lock()
		defer s.Unlock()
		id := aws.ToString(input.ResourceId)
		s.Targets[id] = &aastypes.ScalableTarget{
			ResourceId:        input.ResourceId,
			ServiceNamespace:  input.ServiceNamespace,
			ScalableDimension: input.ScalableDimension,
			MinCapacity:       input.MinCapacity,
			MaxCapacity:       input.MaxCapacity,
		}
		return &aas.RegisterScalableTargetOutput{}, nil
	})
}

func (s *ScalingAPI) DeregisterScalableTarget(_ context.Context, input *aas.DeregisterScalableTargetInput, _ ...func(*aas.Options)) (*aas.DeregisterScalableTargetOutput, error) {
	return s.DeregisterScalableTargetBehavior.Invoke(input, func(input *aas.DeregisterScalableTargetInput) (*aas.DeregisterScalableTargetOutput, error) {
		s.Lock()
		defer s.Unlock()
		id := aws.ToString(input.ResourceId)
		if _, ok := s.Targets[id]; !ok {
			return nil, awsErr("ObjectNotFoundException", fmt.Sprintf("no scalable target for %q", id))
		}
		delete(s.Targets, id)
		return &aas.DeregisterScalableTargetOutput{}, nil
	})
}

func (s *ScalingAPI) DescribeScalableTargets(_ context.Context, input *aas.DescribeScalableTargetsInput, _ ...func(*aas.Options)) (*aas.DescribeScalableTargetsOutput, error) {
	return s.DescribeScalableTargetsBehavior.Invoke(input, func(input *aas.DescribeScalableTargetsInput) (*aas.DescribeScalableTargetsOutput, error) {
		s.Lock()
		defer s.Unlock()
		out := &aas.DescribeScalableTargetsOutput{}
		for _, id := range input.ResourceIds {
			if target, ok := s.Targets[id]; ok {
				out.ScalableTargets = append(out.ScalableTargets, *target)
			}
		}
		return out, nil
	})
}

func (s *ScalingAPI) PutScalingPolicy(_ context.Context, input *aas.PutScalingPolicyInput, _ ...func(*aas.Options)) (*aas.PutScalingPolicyOutput, error) {
	return s.PutScalingPolicyBehavior.Invoke(input, func(input *aas.PutScalingPolicyInput) (*aas.PutScalingPolicyOutput, error) {
		s.Lock()
		defer s.Unlock()
		id := aws.ToString(input.ResourceId)
		if _, ok := s.Targets[id]; !ok {
			return nil, awsErr("ObjectNotFoundException", fmt.Sprintf("no scalable target for %q", id))
		}
		name := aws.ToString(input.PolicyName)
		policy := &aastypes.ScalingPolicy{
			PolicyName:        input.PolicyName,
			PolicyARN:         aws.String("arn:aws:autoscaling:us-east-1:000000000000:scalingPolicy:" + name),
			ResourceId:        input.ResourceId,
			ServiceNamespace:  input.ServiceNamespace,
			ScalableDimension: input.ScalableDimension,
			PolicyType:        input.PolicyType,
			TargetTrackingScalingPolicyConfiguration: input.TargetTrackingScalingPolicyConfiguration,
		}
		s.Policies[id+"/"+name] = policy
		return &aas.PutScalingPolicyOutput{PolicyARN: policy.PolicyARN}, nil
	})
}

func (s *ScalingAPI) DeleteScalingPolicy(_ context.Context, input *aas.DeleteScalingPolicyInput, _ ...func(*aas.Options)) (*aas.DeleteScalingPolicyOutput, error) {
	return s.DeleteScalingPolicyBehavior.Invoke(input, func(input *aas.DeleteScalingPolicyInput) (*aas.DeleteScalingPolicyOutput, error) {
		s.Lock()
		defer s.Unlock()
		key := aws.ToString(input.ResourceId) + "/" + aws.ToString(input.PolicyName)
		if _, ok := s.Policies[key]; !ok {
			return nil, awsErr("ObjectNotFoundException", "no such policy")
		}
		delete(s.Policies, key)
		return &aas.DeleteScalingPolicyOutput{}, nil
	})
}

func (s *ScalingAPI) DescribeScalingPolicies(_ context.Context, input *aas.DescribeScalingPoliciesInput, _ ...func(*aas.Options)) (*aas.DescribeScalingPoliciesOutput, error) {
	return s.DescribeScalingPoliciesBehavior.Invoke(input, func(input *aas.DescribeScalingPoliciesInput) (*aas.DescribeScalingPoliciesOutput, error) {
		s.Lock()
		defer s.Unlock()
		out := &aas.DescribeScalingPoliciesOutput{}
		id := aws.ToString(input.ResourceId)
		for _, policy := range s.Policies {
			if id == "" || aws.ToString(policy.ResourceId) == id {
				out.ScalingPolicies = append(out.ScalingPolicies, *policy)
			}
		}
		return out, nil
	})
}
