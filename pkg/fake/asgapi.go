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
	"github.com/aws/aws-sdk-go-v2/service/autoscaling"
	asgtypes "github.com/aws/aws-sdk-go-v2/service/autoscaling/types"

	sdk "github.com/strato-cloud/strato/pkg/aws"
)

type ASGBehavior struct {
	CreateAutoScalingGroupBehavior    MockedFunction[autoscaling.CreateAutoScalingGroupInput, autoscaling.CreateAutoScalingGroupOutput]
	UpdateAutoScalingGroupBehavior    MockedFunction[autoscaling.UpdateAutoScalingGroupInput, autoscaling.UpdateAutoScalingGroupOutput]
	DescribeAutoScalingGroupsBehavior MockedFunction[autoscaling.DescribeAutoScalingGroupsInput, autoscaling.DescribeAutoScalingGroupsOutput]
	DeleteAutoScalingGroupBehavior    MockedFunction[autoscaling.DeleteAutoScalingGroupInput, autoscaling.DeleteAutoScalingGroupOutput]
}

// ASGAPI is a behavioral in-memory EC2 Auto Scaling.
type ASGAPI struct {
	ASGBehavior
	sync.Mutex

	Groups map[string]*asgtypes.AutoScalingGroup
}

var _ sdk.ASGAPI = &ASGAPI{}

func NewASGAPI() *ASGAPI {
	return &ASGAPI{Groups: map[string]*asgtypes.AutoScalingGroup{}}
}

// Reset must be called between tests otherwise tests will pollute each other.
func (a *ASGAPI) Reset() {
	a.CreateAutoScalingGroupBehavior.Reset()
	a.UpdateAutoScalingGroupBehavior.Reset()
	a.DescribeAutoScalingGroupsBehavior.Reset()
	a.DeleteAutoScalingGroupBehavior.Reset()
	a.Lock()
	defer a.Unlock()
	a.Groups = map[string]*asgtypes.AutoScalingGroup{}
}

func (a *ASGAPI) CreateAutoScalingGroup(_ context.Context, input *autoscaling.CreateAutoScalingGroupInput, _ ...func(*autoscaling.Options)) (*autoscaling.CreateAutoScalingGroupOutput, error) {
	return a.CreateAutoScalingGroupBehavior.Invoke(input, func(input *autoscaling.CreateAutoScalingGroupInput) (*autoscaling.CreateAutoScalingGroupOutput, error) {
		a.Lock()
		defer a.Unlock()
		name := aws.ToString(input.AutoScalingGroupName)
		if _, ok := a.Groups[name]; ok {
			return nil, awsErr("AlreadyExists", fmt.Sprintf("auto scaling group %q already exists", name))
		}
		a.Groups[name] = &asgtypes.AutoScalingGroup{
			AutoScalingGroupName: aws.String(name),
			AutoScalingGroupARN:  aws.String("arn:aws:autoscaling:us-east-1:000000000000:autoScalingGroup:" + name),
			MinSize:              input.MinSize,
			MaxSize:              input.MaxSize,
			DesiredCapacity:      input.DesiredCapacity,
			VPCZoneIdentifier:    input.VPCZoneIdentifier,
			LaunchTemplate:       input.LaunchTemplate,
		}
		return &autoscaling.CreateAutoScalingGroupOutput{}, nil
	})
}

func (a *ASGAPI) UpdateAutoScalingGroup(_ context.Context, input *autoscaling.UpdateAutoScalingGroupInput, _ ...func(*autoscaling.Options)) (*autoscaling.UpdateAutoScalingGroupOutput, error) {
	return a.UpdateAutoScalingGroupBehavior.Invoke(input, func(input *autoscaling.UpdateAutoScalingGroupInput) (*autoscaling.UpdateAutoScalingGroupOutput, error) {
		a.Lock()
		defer a.Unlock()
		name := aws.ToString(input.AutoScalingGroupName)
		group, ok := a.Groups[name]
		if !ok {
			return nil, awsErr("ValidationError", fmt.Sprintf("auto scaling group %q does not exist", name))
		}
		if input.MinSize != nil {
			group.MinSize = input.MinSize
		}
		if input.MaxSize != nil {
			group.MaxSize = input.MaxSize
		}
		if input.DesiredCapacity != nil {
			group.DesiredCapacity = input.DesiredCapacity
		}
		return &autoscaling.UpdateAutoScalingGroupOutput{}, nil
	})
}

func (a *ASGAPI) DescribeAutoScalingGroups(_ context.Context, input *autoscaling.DescribeAutoScalingGroupsInput, _ ...func(*autoscaling.Options)) (*autoscaling.DescribeAutoScalingGroupsOutput, error) {
	return a.DescribeAutoScalingGroupsBehavior.Invoke(input, func(input *autoscaling.DescribeAutoScalingGroupsInput) (*autoscaling.DescribeAutoScalingGroupsOutput, error) {
		a.Lock()
		defer a.Unlock()
		out := &autoscaling.DescribeAutoScalingGroupsOutput{}
		for _, name := range input.AutoScalingGroupNames {
			if group, ok := a.Groups[name]; ok {
				out.AutoScalingGroups = append(out.AutoScalingGroups, *group)
			}
		}
		return out, nil
	})
}

func (a *ASGAPI) DeleteAutoScalingGroup(_ context.Context, input *autoscaling.DeleteAutoScalingGroupInput, _ ...func(*autoscaling.Options)) (*autoscaling.DeleteAutoScalingGroupOutput, error) {
	return a.DeleteAutoScalingGroupBehavior.Invoke(input, func(input *autoscaling.DeleteAutoScalingGroupInput) (*autoscaling.DeleteAutoScalingGroupOutput, error) {
		a.Lock()
		defer a.Unlock()
		delete(a.Groups, aws.ToString(input.AutoScalingGroupName))
		return &autoscaling.DeleteAutoScalingGroupOutput{}, nil
	})
}
