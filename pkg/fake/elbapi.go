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
	elb "github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2"
	elbtypes "github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2/types"
	"github.com/samber/lo"

	sdk "github.com/strato-cloud/strato/pkg/aws"
)

type ELBBehavior struct {
	CreateLoadBalancerBehavior    MockedFunction[elb.CreateLoadBalancerInput, elb.CreateLoadBalancerOutput]
	DescribeLoadBalancersBehavior MockedFunction[elb.DescribeLoadBalancersInput, elb.DescribeLoadBalancersOutput]
	DeleteLoadBalancerBehavior    MockedFunction[elb.DeleteLoadBalancerInput, elb.DeleteLoadBalancerOutput]
	CreateTargetGroupBehavior     MockedFunction[elb.CreateTargetGroupInput, elb.CreateTargetGroupOutput]
	DescribeTargetGroupsBehavior  MockedFunction[elb.DescribeTargetGroupsInput, elb.DescribeTargetGroupsOutput]
	ModifyTargetGroupBehavior     MockedFunction[elb.ModifyTargetGroupInput, elb.ModifyTargetGroupOutput]
	DeleteTargetGroupBehavior     MockedFunction[elb.DeleteTargetGroupInput, elb.DeleteTargetGroupOutput]
	CreateListenerBehavior        MockedFunction[elb.CreateListenerInput, elb.CreateListenerOutput]
	DescribeListenersBehavior     MockedFunction[elb.DescribeListenersInput, elb.DescribeListenersOutput]
	DeleteListenerBehavior        MockedFunction[elb.DeleteListenerInput, elb.DeleteListenerOutput]
	DescribeTargetHealthBehavior  MockedFunction[elb.DescribeTargetHealthInput, elb.DescribeTargetHealthOutput]
}

// ELBAPI is a behavioral in-memory ELBv2. Load balancers provision over
// successive DescribeLoadBalancers calls, gated by ActivateAfter.
type ELBAPI struct {
	ELBBehavior
	sync.Mutex

	LoadBalancers map[string]*elbtypes.LoadBalancer
	TargetGroups  map[string]*elbtypes.TargetGroup
	Listeners     map[string][]elbtypes.Listener

	// ActivateAfter is how many DescribeLoadBalancers observations a fresh
	// ALB spends provisioning. Zero means active immediately.
	ActivateAfter int

	polls  map[string]int
	nextID int
}

var _ sdk.ELBAPI = &ELBAPI{}

func NewELBAPI() *ELBAPI {
	return &ELBAPI{
		LoadBalancers: map[string]*elbtypes.LoadBalancer{},
		TargetGroups:  map[string]*elbtypes.TargetGroup{},
		Listeners:     map[string][]elbtypes.Listener{},
		polls:         map[string]int{},
	}
}

// Reset must be called between tests otherwise tests will pollute each other.
func (e *ELBAPI) Reset() {
	e.CreateLoadBalancerBehavior.Reset()
	e.DescribeLoadBalancersBehavior.Reset()
	e.DeleteLoadBalancerBehavior.Reset()
	e.CreateTargetGroupBehavior.Reset()
	e.DescribeTargetGroupsBehavior.Reset()
	e.ModifyTargetGroupBehavior.Reset()
	e.DeleteTargetGroupBehavior.Reset()
	e.CreateListenerBehavior.Reset()
	e.DescribeListenersBehavior.Reset()
	e.DeleteListenerBehavior.Reset()
	e.DescribeTargetHealthBehavior.Reset()
	e.Lock()
	defer e.Unlock()
	e.LoadBalancers = map[string]*elbtypes.LoadBalancer{}
	e.TargetGroups = map[string]*elbtypes.TargetGroup{}
	e.Listeners = map[string][]elbtypes.Listener{}
	e.polls = map[string]int{}
	e.ActivateAfter = 0
	e.nextID = 0
}

func (e *ELBAPI) id() string {
	e.nextID++
	return fmt.Sprintf("%016x", e.nextID)
}

func (e *ELBAPI) CreateLoadBalancer(_ context.Context, input *elb.CreateLoadBalancerInput, _ ...func(*elb.Options)) (*elb.CreateLoadBalancerOutput, error) {
	return e.CreateLoadBalancerBehavior.Invoke(input, func(input *elb.CreateLoadBalancerInput) (*elb.CreateLoadBalancerOutput, error) {
		e.Lock()
		defer e.Unlock()
		name := aws.ToString(input.Name)
		if _, ok := e.LoadBalancers[name]; ok {
			return nil, awsErr("DuplicateLoadBalancerName", fmt.Sprintf("load balancer %q already exists", name))
		}
		alb := &elbtypes.LoadBalancer{
			LoadBalancerArn:  aws.String(fmt.Sprintf("arn:aws:elasticloadbalancing:us-east-1:000000000000:loadbalancer/app/%s/%s", name, e.id())),
			LoadBalancerName: aws.String(name),
			DNSName:          aws.String(name + "-12345.us-east-1.elb.amazonaws.com"),
			Type:             input.Type,
			Scheme:           input.Scheme,
			SecurityGroups:   input.SecurityGroups,
			State:            &elbtypes.LoadBalancerState{Code: elbtypes.LoadBalancerStateEnumProvisioning},
			AvailabilityZones: lo.Map(input.Subnets, func(subnet string, _ int) elbtypes.AvailabilityZone {
				return elbtypes.AvailabilityZone{SubnetId: aws.String(subnet)}
			}),
		}
		e.LoadBalancers[name] = alb
		return &elb.CreateLoadBalancerOutput{LoadBalancers: []elbtypes.LoadBalancer{*alb}}, nil
	})
}

// DescribeLoadBalancers advances provisioning one tick per observation.
func (e *ELBAPI) DescribeLoadBalancers(_ context.Context, input *elb.DescribeLoadBalancersInput, _ ...func(*elb.Options)) (*elb.DescribeLoadBalancersOutput, error) {
	return e.DescribeLoadBalancersBehavior.Invoke(input, func(input *elb.DescribeLoadBalancersInput) (*elb.DescribeLoadBalancersOutput, error) {
		e.Lock()
		defer e.Unlock()
		out := &elb.DescribeLoadBalancersOutput{}
		match := func(alb *elbtypes.LoadBalancer) bool {
			if len(input.Names) > 0 {
				return lo.Contains(input.Names, aws.ToString(alb.LoadBalancerName))
			}
			if len(input.LoadBalancerArns) > 0 {
				return lo.Contains(input.LoadBalancerArns, aws.ToString(alb.LoadBalancerArn))
			}
			return true
		}
		for _, alb := range e.LoadBalancers {
			if !match(alb) {
				continue
			}
			name := aws.ToString(alb.LoadBalancerName)
			e.polls[name]++
			if e.polls[name] > e.ActivateAfter {
				alb.State = &elbtypes.LoadBalancerState{Code: elbtypes.LoadBalancerStateEnumActive}
			}
			out.LoadBalancers = append(out.LoadBalancers, *alb)
		}
		if len(out.LoadBalancers) == 0 && (len(input.Names) > 0 || len(input.LoadBalancerArns) > 0) {
			return nil, awsErr("LoadBalancerNotFound", "load balancer does not exist")
		}
		return out, nil
	})
}

func (e *ELBAPI) DeleteLoadBalancer(_ context.Context, input *elb.DeleteLoadBalancerInput, _ ...func(*elb.Options)) (*elb.DeleteLoadBalancerOutput, error) {
	return e.DeleteLoadBalancerBehavior.Invoke(input, func(input *elb.DeleteLoadBalancerInput) (*elb.DeleteLoadBalancerOutput, error) {
		e.Lock()
		defer e.Unlock()
		arn := aws.ToString(input.LoadBalancerArn)
		for name, alb := range e.LoadBalancers {
			if aws.ToString(alb.LoadBalancerArn) == arn {
				delete(e.LoadBalancers, name)
				delete(e.Listeners, arn)
				return &elb.DeleteLoadBalancerOutput{}, nil
			}
		}
		return nil, awsErr("LoadBalancerNotFound", "load balancer does not exist")
	})
}

func (e *ELBAPI) CreateTargetGroup(_ context.Context, input *elb.CreateTargetGroupInput, _ ...func(*elb.Options)) (*elb.CreateTargetGroupOutput, error) {
	return e.CreateTargetGroupBehavior.Invoke(input, func(input *elb.CreateTargetGroupInput) (*elb.CreateTargetGroupOutput, error) {
		e.Lock()
		defer e.Unlock()
		name := aws.ToString(input.Name)
		if _, ok := e.TargetGroups[name]; ok {
			return nil, awsErr("DuplicateTargetGroupName", fmt.Sprintf("target group %q already exists", name))
		}
		tg := &elbtypes.TargetGroup{
			TargetGroupArn:             aws.String(fmt.Sprintf("arn:aws:elasticloadbalancing:us-east-1:000000000000:targetgroup/%s/%s", name, e.id())),
			TargetGroupName:            aws.String(name),
			Protocol:                   input.Protocol,
			Port:                       input.Port,
			VpcId:                      input.VpcId,
			TargetType:                 input.TargetType,
			HealthCheckPath:            input.HealthCheckPath,
			HealthCheckPort:            input.HealthCheckPort,
			HealthCheckProtocol:        input.HealthCheckProtocol,
			HealthCheckIntervalSeconds: input.HealthCheckIntervalSeconds,
			HealthCheckTimeoutSeconds:  input.HealthCheckTimeoutSeconds,
			HealthyThresholdCount:      input.HealthyThresholdCount,
			UnhealthyThresholdCount:    input.UnhealthyThresholdCount,
		}
		e.TargetGroups[name] = tg
		return &elb.CreateTargetGroupOutput{TargetGroups: []elbtypes.TargetGroup{*tg}}, nil
	})
}

func (e *ELBAPI) DescribeTargetGroups(_ context.Context, input *elb.DescribeTargetGroupsInput, _ ...func(*elb.Options)) (*elb.DescribeTargetGroupsOutput, error) {
	return e.DescribeTargetGroupsBehavior.Invoke(input, func(input *elb.DescribeTargetGroupsInput) (*elb.DescribeTargetGroupsOutput, error) {
		e.Lock()
		defer e.Unlock()
		out := &elb.DescribeTargetGroupsOutput{}
		for _, name := range input.Names {
			tg, ok := e.TargetGroups[name]
			if !ok {
				return nil, awsErr("TargetGroupNotFound", fmt.Sprintf("target group %q does not exist", name))
			}
			out.TargetGroups = append(out.TargetGroups, *tg)
		}
		if len(input.Names) == 0 {
			for _, tg := range e.TargetGroups {
				out.TargetGroups = append(out.TargetGroups, *tg)
			}
		}
		return out, nil
	})
}

func (e *ELBAPI) ModifyTargetGroup(_ context.Context, input *elb.ModifyTargetGroupInput, _ ...func(*elb.Options)) (*elb.ModifyTargetGroupOutput, error) {
	return e.ModifyTargetGroupBehavior.Invoke(input, func(input *elb.ModifyTargetGroupInput) (*elb.ModifyTargetGroupOutput, error) {
		e.Lock()
		defer e.Unlock()
		for _, tg := range e.TargetGroups {
			if aws.ToString(tg.TargetGroupArn) != aws.ToString(input.TargetGroupArn) {
				continue
			}
			if input.HealthCheckPath != nil {
				tg.HealthCheckPath = input.HealthCheckPath
			}
			if input.HealthCheckPort != nil {
				tg.HealthCheckPort = input.HealthCheckPort
			}
			if input.HealthCheckProtocol != "" {
				tg.HealthCheckProtocol = input.HealthCheckProtocol
			}
			if input.HealthCheckIntervalSeconds != nil {
				tg.HealthCheckIntervalSeconds = input.HealthCheckIntervalSeconds
			}
			if input.HealthCheckTimeoutSeconds != nil {
				tg.HealthCheckTimeoutSeconds = input.HealthCheckTimeoutSeconds
			}
			if input.HealthyThresholdCount != nil {
				tg.HealthyThresholdCount = input.HealthyThresholdCount
			}
			if input.UnhealthyThresholdCount != nil {
				tg.UnhealthyThresholdCount = input.UnhealthyThresholdCount
			}
			return &elb.ModifyTargetGroupOutput{TargetGroups: []elbtypes.TargetGroup{*tg}}, nil
		}
		return nil, awsErr("TargetGroupNotFound", "target group does not exist")
	})
}

func (e *ELBAPI) DeleteTargetGroup(_ context.Context, input *elb.DeleteTargetGroupInput, _ ...func(*elb.Options)) (*elb.DeleteTargetGroupOutput, error) {
	return e.DeleteTargetGroupBehavior.Invoke(input, func(input *elb.DeleteTargetGroupInput) (*elb.DeleteTargetGroupOutput, error) {
		e.Lock()
		defer e.Unlock()
		arn := aws.ToString(input.TargetGroupArn)
		for name, tg := range e.TargetGroups {
			if aws.ToString(tg.TargetGroupArn) == arn {
				delete(e.TargetGroups, name)
				return &elb.DeleteTargetGroupOutput{}, nil
			}
		}
		return nil, awsErr("TargetGroupNotFound", "target group does not exist")
	})
}

func (e *ELBAPI) CreateListener(_ context.Context, input *elb.CreateListenerInput, _ ...func(*elb.Options)) (*elb.CreateListenerOutput, error) {
	return e.CreateListenerBehavior.Invoke(input, func(input *elb.CreateListenerInput) (*elb.CreateListenerOutput, error) {
		e.Lock()
		defer e.Unlock()
		albArn := aws.ToString(input.LoadBalancerArn)
		for _, existing := range e.Listeners[albArn] {
			if aws.ToInt32(existing.Port) == aws.ToInt32(input.Port) {
				return nil, awsErr("DuplicateListener", "listener already exists")
			}
		}
		listener := elbtypes.Listener{
			ListenerArn:     aws.String(fmt.Sprintf("%s/listener/%s", albArn, e.id())),
			LoadBalancerArn: input.LoadBalancerArn,
			Port:            input.Port,
			Protocol:        input.Protocol,
			DefaultActions:  input.DefaultActions,
		}
		e.Listeners[albArn] = append(e.Listeners[albArn], listener)
		return &elb.CreateListenerOutput{Listeners: []elbtypes.Listener{listener}}, nil
	})
}

func (e *ELBAPI) DescribeListeners(_ context.Context, input *elb.DescribeListenersInput, _ ...func(*elb.Options)) (*elb.DescribeListenersOutput, error) {
	return e.DescribeListenersBehavior.Invoke(input, func(input *elb.DescribeListenersInput) (*elb.DescribeListenersOutput, error) {
		e.Lock()
		defer e.Unlock()
		return &elb.DescribeListenersOutput{
			Listeners: append([]elbtypes.Listener{}, e.Listeners[aws.ToString(input.LoadBalancerArn)]...),
		}, nil
	})
}

func (e *ELBAPI) DeleteListener(_ context.Context, input *elb.DeleteListenerInput, _ ...func(*elb.Options)) (*elb.DeleteListenerOutput, error) {
	return e.DeleteListenerBehavior.Invoke(input, func(input *elb.DeleteListenerInput) (*elb.DeleteListenerOutput, error) {
		e.Lock()
		defer e.Unlock()
		arn := aws.ToString(input.ListenerArn)
		for albArn, listeners := range e.Listeners {
			kept := lo.Filter(listeners, func(l elbtypes.Listener, _ int) bool {
				return aws.ToString(l.ListenerArn) != arn
			})
			if len(kept) != len(listeners) {
				e.Listeners[albArn] = kept
				return &elb.DeleteListenerOutput{}, nil
			}
		}
		return nil, awsErr("ListenerNotFound", "listener does not exist")
	})
}

func (e *ELBAPI) DescribeTargetHealth(_ context.Context, input *elb.DescribeTargetHealthInput, _ ...func(*elb.Options)) (*elb.DescribeTargetHealthOutput, error) {
	return e.DescribeTargetHealthBehavior.Invoke(input, func(_ *elb.DescribeTargetHealthInput) (*elb.DescribeTargetHealthOutput, error) {
		return &elb.DescribeTargetHealthOutput{TargetHealthDescriptions: []elbtypes.TargetHealthDescription{{
			TargetHealth: &elbtypes.TargetHealth{State: elbtypes.TargetHealthStateEnumHealthy},
		}}}, nil
	})
}
