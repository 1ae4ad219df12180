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

	elb "github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2"
	elbtypes "github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2/types"
	"github.com/samber/lo"

	"github.com/strato-cloud/strato/pkg/apis"
	"github.com/strato-cloud/strato/pkg/errors"
	"github.com/strato-cloud/strato/pkg/utils/names"
)

// ensureLoadBalancer reconciles the ALB, its target group, and the listener
// fronting an external service.
func (p *Provider) ensureLoadBalancer(ctx context.Context, definition *apis.ServiceDefinition, res *resources) error {
	if err := p.ensureALB(ctx, definition, res); err != nil {
		return err
	}
	if err := p.ensureTargetGroup(ctx, definition, res); err != nil {
		return err
	}
	return p.ensureListener(ctx, definition, res)
}

func (p *Provider) ensureALB(ctx context.Context, definition *apis.ServiceDefinition, res *resources) error {
	existing, err := p.findLoadBalancer(ctx, definition.Name)
	if err != nil {
		return err
	}
	if existing != nil {
		res.albArn = lo.FromPtr(existing.LoadBalancerArn)
		res.albDNS = lo.FromPtr(existing.DNSName)
		return nil
	}
	created, err := p.elbapi.CreateLoadBalancer(ctx, &elb.CreateLoadBalancerInput{
		Name:           lo.ToPtr(loadBalancerName(definition.Name)),
		Type:           elbtypes.LoadBalancerTypeEnumApplication,
		Scheme:         elbtypes.LoadBalancerSchemeEnumInternetFacing,
		Subnets:        res.subnetIDs,
		SecurityGroups: []string{res.albSG},
		Tags:           elbTags(definition.Name),
	})
	if err != nil {
		if errors.IsConflict(errors.FromAWS(err)) {
			return p.ensureALB(ctx, definition, res)
		}
		return errors.FromAWS(err)
	}
	res.albArn = lo.FromPtr(created.LoadBalancers[0].LoadBalancerArn)
	res.albDNS = lo.FromPtr(created.LoadBalancers[0].DNSName)
	return nil
}

// findLoadBalancer looks the service ALB up by its conventional name; absence
// is not an error.
func (p *Provider) findLoadBalancer(ctx context.Context, service string) (*elbtypes.LoadBalancer, error) {
	out, err := p.elbapi.DescribeLoadBalancers(ctx, &elb.DescribeLoadBalancersInput{
		Names: []string{loadBalancerName(service)},
	})
	if err != nil {
		return nil, errors.IgnoreNotFound(errors.FromAWS(err))
	}
	if len(out.LoadBalancers) == 0 {
		return nil, nil
	}
	return &out.LoadBalancers[0], nil
}

// ensureTargetGroup builds the target group with a health check derived from
// the main container's readiness probe. awsvpc tasks register by IP.
func (p *Provider) ensureTargetGroup(ctx context.Context, definition *apis.ServiceDefinition, res *resources) error {
	name := targetGroupName(definition.Name)
	described, err := p.elbapi.DescribeTargetGroups(ctx, &elb.DescribeTargetGroupsInput{Names: []string{name}})
	if err != nil {
		if err := errors.IgnoreNotFound(errors.FromAWS(err)); err != nil {
			return err
		}
	}
	if described != nil && len(described.TargetGroups) > 0 {
		res.targetGroup = lo.FromPtr(described.TargetGroups[0].TargetGroupArn)
		return p.modifyHealthCheck(ctx, definition, res.targetGroup)
	}
	input := &elb.CreateTargetGroupInput{
		Name:       lo.ToPtr(name),
		Protocol:   elbtypes.ProtocolEnumHttp,
		Port:       lo.ToPtr(definition.Ingress.TargetPort),
		VpcId:      lo.ToPtr(res.vpcID),
		TargetType: elbtypes.TargetTypeEnumIp,
		Tags:       elbTags(definition.Name),
	}
	applyHealthCheck(input, readinessProbe(definition))
	created, err := p.elbapi.CreateTargetGroup(ctx, input)
	if err != nil {
		if errors.IsConflict(errors.FromAWS(err)) {
			return p.ensureTargetGroup(ctx, definition, res)
		}
		return errors.FromAWS(err)
	}
	res.targetGroup = lo.FromPtr(created.TargetGroups[0].TargetGroupArn)
	return nil
}

func (p *Provider) modifyHealthCheck(ctx context.Context, definition *apis.ServiceDefinition, targetGroupArn string) error {
	probe := readinessProbe(definition)
	if probe == nil {
		return nil
	}
	input := &elb.ModifyTargetGroupInput{TargetGroupArn: lo.ToPtr(targetGroupArn)}
	fillHealthCheck(probe,
		&input.HealthCheckPath, &input.HealthCheckPort, &input.HealthCheckProtocol,
		&input.HealthCheckIntervalSeconds, &input.HealthCheckTimeoutSeconds,
		&input.HealthyThresholdCount, &input.UnhealthyThresholdCount)
	if _, err := p.elbapi.ModifyTargetGroup(ctx, input); err != nil {
		return errors.FromAWS(err)
	}
	return nil
}

func applyHealthCheck(input *elb.CreateTargetGroupInput, probe *apis.Probe) {
	if probe == nil {
		return
	}
	fillHealthCheck(probe,
		&input.HealthCheckPath, &input.HealthCheckPort, &input.HealthCheckProtocol,
		&input.HealthCheckIntervalSeconds, &input.HealthCheckTimeoutSeconds,
		&input.HealthyThresholdCount, &input.UnhealthyThresholdCount)
}

// fillHealthCheck maps a readiness probe onto target group health check
// fields. Only HTTP and TCP probes are expressible; timing fields left nil
// keep the ELB defaults.
func fillHealthCheck(probe *apis.Probe,
	path **string, port **string, protocol *elbtypes.ProtocolEnum,
	interval, timeout **int32, healthy, unhealthy **int32) {
	switch {
	case probe.HTTPGet != nil:
		*protocol = elbtypes.ProtocolEnumHttp
		*path = lo.ToPtr(lo.Ternary(probe.HTTPGet.Path != "", probe.HTTPGet.Path, "/"))
		if probe.HTTPGet.Port != 0 {
			*port = lo.ToPtr(fmt.Sprintf("%d", probe.HTTPGet.Port))
		}
	case probe.TCPSocket != nil:
		*protocol = elbtypes.ProtocolEnumTcp
		if probe.TCPSocket.Port != 0 {
			*port = lo.ToPtr(fmt.Sprintf("%d", probe.TCPSocket.Port))
		}
	default:
		return
	}
	if probe.PeriodSeconds != nil {
		*interval = probe.PeriodSeconds
	}
	if probe.TimeoutSeconds != nil {
		*timeout = probe.TimeoutSeconds
	}
	if probe.SuccessThreshold != nil {
		*healthy = probe.SuccessThreshold
	}
	if probe.FailureThreshold != nil {
		*unhealthy = probe.FailureThreshold
	}
}

// readinessProbe is the first readiness probe across main containers.
func readinessProbe(definition *apis.ServiceDefinition) *apis.Probe {
	for _, c := range definition.MainContainers() {
		if c.ReadinessProbe != nil {
			return c.ReadinessProbe
		}
	}
	return nil
}

func (p *Provider) ensureListener(ctx context.Context, definition *apis.ServiceDefinition, res *resources) error {
	existing, err := p.elbapi.DescribeListeners(ctx, &elb.DescribeListenersInput{
		LoadBalancerArn: lo.ToPtr(res.albArn),
	})
	if err != nil {
		return errors.FromAWS(err)
	}
	port := listenerPort(definition.Ingress)
	if listener, ok := lo.Find(existing.Listeners, func(l elbtypes.Listener) bool {
		return lo.FromPtr(l.Port) == port
	}); ok {
		res.listenerArn = lo.FromPtr(listener.ListenerArn)
		return nil
	}
	created, err := p.elbapi.CreateListener(ctx, &elb.CreateListenerInput{
		LoadBalancerArn: lo.ToPtr(res.albArn),
		Protocol:        elbtypes.ProtocolEnumHttp,
		Port:            lo.ToPtr(port),
		DefaultActions: []elbtypes.Action{{
			Type:           elbtypes.ActionTypeEnumForward,
			TargetGroupArn: lo.ToPtr(res.targetGroup),
		}},
		Tags: elbTags(definition.Name),
	})
	if err != nil {
		if errors.IsConflict(errors.FromAWS(err)) {
			return p.ensureListener(ctx, definition, res)
		}
		return errors.FromAWS(err)
	}
	res.listenerArn = lo.FromPtr(created.Listeners[0].ListenerArn)
	return nil
}

// loadBalancerActive reports whether the rollout's ALB is provisioned; a
// rollout without one is vacuously active.
func (p *Provider) loadBalancerActive(ctx context.Context, res *resources) bool {
	if res.albArn == "" {
		return true
	}
	out, err := p.elbapi.DescribeLoadBalancers(ctx, &elb.DescribeLoadBalancersInput{
		LoadBalancerArns: []string{res.albArn},
	})
	if err != nil || len(out.LoadBalancers) == 0 {
		return false
	}
	state := out.LoadBalancers[0].State
	return state != nil && state.Code == elbtypes.LoadBalancerStateEnumActive
}

func elbTags(service string) []elbtypes.Tag {
	tags := []elbtypes.Tag{{Key: lo.ToPtr(ManagedTagKey), Value: lo.ToPtr("true")}}
	if service != "" {
		tags = append(tags, elbtypes.Tag{Key: lo.ToPtr(ServiceTagKey), Value: lo.ToPtr(service)})
	}
	return tags
}

// ELB names are capped at 32 characters.
func loadBalancerName(service string) string { return names.Suffixed(service, "alb", 32) }
func targetGroupName(service string) string  { return names.Suffixed(service, "tg", 32) }
