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
	"strings"
	"time"

	"github.com/avast/retry-go"
	aas "github.com/aws/aws-sdk-go-v2/service/applicationautoscaling"
	aastypes "github.com/aws/aws-sdk-go-v2/service/applicationautoscaling/types"
	"github.com/aws/aws-sdk-go-v2/service/autoscaling"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	ecstypes "github.com/aws/aws-sdk-go-v2/service/ecs/types"
	elb "github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	iamtypes "github.com/aws/aws-sdk-go-v2/service/iam/types"
	"github.com/samber/lo"
	"go.uber.org/multierr"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/strato-cloud/strato/pkg/errors"
)

// DeleteService tears the service and its managed prerequisites down in
// reverse dependency order. Only resources carrying the managed tag, under
// the engine's naming convention, are touched; everything else stays.
func (p *Provider) DeleteService(ctx context.Context, name string, timeout time.Duration) error {
	existing, err := p.describeService(ctx, name)
	if err != nil {
		return err
	}
	if existing != nil {
		if err := p.drainService(ctx, name, timeout); err != nil {
			return err
		}
		if _, err := p.ecsapi.DeleteService(ctx, &ecs.DeleteServiceInput{
			Cluster: lo.ToPtr(p.config.Cluster),
			Service: lo.ToPtr(name),
			Force:   lo.ToPtr(true),
		}); err != nil {
			if err := errors.IgnoreNotFound(errors.FromAWS(err)); err != nil {
				return err
			}
		}
	}
	// Past the service itself, teardown is best effort: collect failures and
	// keep walking so a partial delete stays re-runnable.
	var errs error
	errs = multierr.Append(errs, p.deleteScalableTarget(ctx, name))
	if p.config.LaunchType == LaunchTypeEC2 {
		errs = multierr.Append(errs, p.deleteCapacityProvider(ctx, name))
		errs = multierr.Append(errs, p.deleteAutoScalingGroup(ctx, name))
		errs = multierr.Append(errs, p.deleteLaunchTemplate(ctx, name))
		errs = multierr.Append(errs, p.deleteInstanceProfile(ctx, name))
		errs = multierr.Append(errs, p.deleteRole(ctx, instanceRoleName(name)))
	}
	if p.config.ExecutionRoleArn == "" {
		errs = multierr.Append(errs, p.deleteRole(ctx, executionRoleName(name)))
	}
	if p.config.TaskRoleArn == "" {
		errs = multierr.Append(errs, p.deleteRole(ctx, taskRoleName(name)))
	}
	errs = multierr.Append(errs, p.deleteLoadBalancer(ctx, name))
	errs = multierr.Append(errs, p.deleteTargetGroup(ctx, name))
	errs = multierr.Append(errs, p.deleteSecurityGroups(ctx, name))
	errs = multierr.Append(errs, p.deleteClusterIfEmpty(ctx))
	if errs != nil {
		return errs
	}
	log.FromContext(ctx).WithValues("service", name, "cluster", p.config.Cluster).V(1).Info("deleted service")
	return nil
}

// drainService scales to zero and waits for running tasks to stop.
func (p *Provider) drainService(ctx context.Context, name string, timeout time.Duration) error {
	if _, err := p.ecsapi.UpdateService(ctx, &ecs.UpdateServiceInput{
		Cluster:      lo.ToPtr(p.config.Cluster),
		Service:      lo.ToPtr(name),
		DesiredCount: lo.ToPtr(int32(0)),
	}); err != nil {
		return errors.IgnoreNotFound(errors.FromAWS(err))
	}
	deadline := p.clk.Now().Add(timeout)
	for {
		service, err := p.describeService(ctx, name)
		if err != nil {
			return err
		}
		if service == nil || service.RunningCount == 0 {
			return nil
		}
		if p.clk.Now().After(deadline) {
			return errors.NewTimeout("service %q did not drain within %s", name, timeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.clk.After(2 * time.Second):
		}
	}
}

func (p *Provider) deleteScalableTarget(ctx context.Context, name string) error {
	if _, err := p.aasapi.DeregisterScalableTarget(ctx, &aas.DeregisterScalableTargetInput{
		ServiceNamespace:  aastypes.ServiceNamespaceEcs,
		ResourceId:        lo.ToPtr("service/" + p.config.Cluster + "/" + name),
		ScalableDimension: aastypes.ScalableDimensionECSServiceDesiredCount,
	}); err != nil {
		return errors.IgnoreNotFound(errors.FromAWS(err))
	}
	return nil
}

func (p *Provider) deleteCapacityProvider(ctx context.Context, name string) error {
	provider := capacityProviderName(name)
	cluster, err := p.ecsapi.DescribeClusters(ctx, &ecs.DescribeClustersInput{Clusters: []string{p.config.Cluster}})
	if err == nil && len(cluster.Clusters) > 0 && lo.Contains(cluster.Clusters[0].CapacityProviders, provider) {
		remaining := lo.Without(cluster.Clusters[0].CapacityProviders, provider)
		if _, err := p.ecsapi.PutClusterCapacityProviders(ctx, &ecs.PutClusterCapacityProvidersInput{
			Cluster:           lo.ToPtr(p.config.Cluster),
			CapacityProviders: remaining,
		}); err != nil {
			return errors.FromAWS(err)
		}
	}
	if _, err := p.ecsapi.DeleteCapacityProvider(ctx, &ecs.DeleteCapacityProviderInput{
		CapacityProvider: lo.ToPtr(provider),
	}); err != nil {
		return errors.IgnoreNotFound(errors.FromAWS(err))
	}
	return nil
}

func (p *Provider) deleteAutoScalingGroup(ctx context.Context, name string) error {
	if _, err := p.asgapi.DeleteAutoScalingGroup(ctx, &autoscaling.DeleteAutoScalingGroupInput{
		AutoScalingGroupName: lo.ToPtr(autoScalingGroupName(name)),
		ForceDelete:          lo.ToPtr(true),
	}); err != nil {
		return errors.IgnoreNotFound(errors.FromAWS(err))
	}
	return nil
}

func (p *Provider) deleteLaunchTemplate(ctx context.Context, name string) error {
	if _, err := p.ec2api.DeleteLaunchTemplate(ctx, &ec2.DeleteLaunchTemplateInput{
		LaunchTemplateName: lo.ToPtr(launchTemplateName(name)),
	}); err != nil {
		return errors.IgnoreNotFound(errors.FromAWS(err))
	}
	return nil
}

func (p *Provider) deleteInstanceProfile(ctx context.Context, name string) error {
	profile := instanceProfileName(name)
	if _, err := p.iamapi.RemoveRoleFromInstanceProfile(ctx, &iam.RemoveRoleFromInstanceProfileInput{
		InstanceProfileName: lo.ToPtr(profile),
		RoleName:            lo.ToPtr(instanceRoleName(name)),
	}); err != nil {
		if err := errors.IgnoreNotFound(errors.FromAWS(err)); err != nil {
			return err
		}
	}
	if _, err := p.iamapi.DeleteInstanceProfile(ctx, &iam.DeleteInstanceProfileInput{
		InstanceProfileName: lo.ToPtr(profile),
	}); err != nil {
		return errors.IgnoreNotFound(errors.FromAWS(err))
	}
	return nil
}

// deleteRole detaches whatever is attached, then deletes. Roles that are not
// tagged as managed are left alone.
func (p *Provider) deleteRole(ctx context.Context, name string) error {
	got, err := p.iamapi.GetRole(ctx, &iam.GetRoleInput{RoleName: lo.ToPtr(name)})
	if err != nil {
		return errors.IgnoreNotFound(errors.FromAWS(err))
	}
	managed := lo.ContainsBy(got.Role.Tags, func(tag iamtypes.Tag) bool {
		return lo.FromPtr(tag.Key) == ManagedTagKey && lo.FromPtr(tag.Value) == "true"
	})
	if !managed {
		return nil
	}
	attached, err := p.iamapi.ListAttachedRolePolicies(ctx, &iam.ListAttachedRolePoliciesInput{RoleName: lo.ToPtr(name)})
	if err != nil {
		return errors.FromAWS(err)
	}
	for _, policy := range attached.AttachedPolicies {
		if _, err := p.iamapi.DetachRolePolicy(ctx, &iam.DetachRolePolicyInput{
			RoleName:  lo.ToPtr(name),
			PolicyArn: policy.PolicyArn,
		}); err != nil {
			if err := errors.IgnoreNotFound(errors.FromAWS(err)); err != nil {
				return err
			}
		}
	}
	if _, err := p.iamapi.DeleteRole(ctx, &iam.DeleteRoleInput{RoleName: lo.ToPtr(name)}); err != nil {
		return errors.IgnoreNotFound(errors.FromAWS(err))
	}
	return nil
}

func (p *Provider) deleteLoadBalancer(ctx context.Context, name string) error {
	alb, err := p.findLoadBalancer(ctx, name)
	if err != nil || alb == nil {
		return err
	}
	listeners, err := p.elbapi.DescribeListeners(ctx, &elb.DescribeListenersInput{
		LoadBalancerArn: alb.LoadBalancerArn,
	})
	if err != nil {
		if err := errors.IgnoreNotFound(errors.FromAWS(err)); err != nil {
			return err
		}
	} else {
		for _, listener := range listeners.Listeners {
			if _, err := p.elbapi.DeleteListener(ctx, &elb.DeleteListenerInput{ListenerArn: listener.ListenerArn}); err != nil {
				if err := errors.IgnoreNotFound(errors.FromAWS(err)); err != nil {
					return err
				}
			}
		}
	}
	if _, err := p.elbapi.DeleteLoadBalancer(ctx, &elb.DeleteLoadBalancerInput{
		LoadBalancerArn: alb.LoadBalancerArn,
	}); err != nil {
		return errors.IgnoreNotFound(errors.FromAWS(err))
	}
	return nil
}

func (p *Provider) deleteTargetGroup(ctx context.Context, name string) error {
	described, err := p.elbapi.DescribeTargetGroups(ctx, &elb.DescribeTargetGroupsInput{
		Names: []string{targetGroupName(name)},
	})
	if err != nil {
		return errors.IgnoreNotFound(errors.FromAWS(err))
	}
	for _, tg := range described.TargetGroups {
		err := withDependencyRetry(func() error {
			_, err := p.elbapi.DeleteTargetGroup(ctx, &elb.DeleteTargetGroupInput{TargetGroupArn: tg.TargetGroupArn})
			return err
		})
		if err != nil {
			if err := errors.IgnoreNotFound(errors.FromAWS(err)); err != nil {
				return err
			}
		}
	}
	return nil
}

// deleteSecurityGroups finds the pair by tag and deletes service-side first;
// ENI detachment lags the service delete, hence the dependency retry.
func (p *Provider) deleteSecurityGroups(ctx context.Context, name string) error {
	described, err := p.ec2api.DescribeSecurityGroups(ctx, &ec2.DescribeSecurityGroupsInput{
		Filters: []ec2types.Filter{
			{Name: lo.ToPtr("tag:" + ManagedTagKey), Values: []string{"true"}},
			{Name: lo.ToPtr("tag:" + ServiceTagKey), Values: []string{name}},
		},
	})
	if err != nil {
		return errors.FromAWS(err)
	}
	for _, group := range described.SecurityGroups {
		groupID := lo.FromPtr(group.GroupId)
		err := withDependencyRetry(func() error {
			_, err := p.ec2api.DeleteSecurityGroup(ctx, &ec2.DeleteSecurityGroupInput{GroupId: lo.ToPtr(groupID)})
			return err
		})
		if err != nil {
			if err := errors.IgnoreNotFound(errors.FromAWS(err)); err != nil {
				return err
			}
		}
	}
	return nil
}

// deleteClusterIfEmpty removes the cluster only once no services remain on
// it, and only when the engine created it; a shared or pre-existing cluster
// keeps its services and survives.
func (p *Provider) deleteClusterIfEmpty(ctx context.Context) error {
	described, err := p.ecsapi.DescribeClusters(ctx, &ecs.DescribeClustersInput{
		Clusters: []string{p.config.Cluster},
		Include:  []ecstypes.ClusterField{ecstypes.ClusterFieldTags},
	})
	if err != nil {
		return errors.IgnoreNotFound(errors.FromAWS(err))
	}
	cluster, ok := lo.Find(described.Clusters, func(c ecstypes.Cluster) bool {
		return lo.FromPtr(c.ClusterName) == p.config.Cluster
	})
	if !ok {
		return nil
	}
	managed := lo.ContainsBy(cluster.Tags, func(tag ecstypes.Tag) bool {
		return lo.FromPtr(tag.Key) == ManagedTagKey && lo.FromPtr(tag.Value) == "true"
	})
	if !managed {
		return nil
	}
	listed, err := p.ecsapi.ListServices(ctx, &ecs.ListServicesInput{Cluster: lo.ToPtr(p.config.Cluster)})
	if err != nil {
		return errors.IgnoreNotFound(errors.FromAWS(err))
	}
	if len(listed.ServiceArns) > 0 {
		return nil
	}
	if _, err := p.ecsapi.DeleteCluster(ctx, &ecs.DeleteClusterInput{Cluster: lo.ToPtr(p.config.Cluster)}); err != nil {
		return errors.IgnoreNotFound(errors.FromAWS(err))
	}
	return nil
}

// withDependencyRetry retries DependencyViolation linearly, bounded at 60 s.
func withDependencyRetry(fn func() error) error {
	return retry.Do(fn,
		retry.Attempts(30),
		retry.Delay(2*time.Second),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return err != nil && strings.Contains(err.Error(), "DependencyViolation")
		}),
	)
}
