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

// Package ecs reconciles container services onto Amazon ECS. A rollout
// converges the full prerequisite chain before the service itself: cluster,
// networking, IAM, EC2 capacity when configured, load balancing, task
// definition, then the service and its autoscaling. Teardown walks the same
// chain in reverse and touches only resources the engine created, identified
// by the strato.dev/managed tag.
package ecs

import (
	"context"
	"fmt"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/applicationautoscaling"
	"github.com/aws/aws-sdk-go-v2/service/autoscaling"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	ecstypes "github.com/aws/aws-sdk-go-v2/service/ecs/types"
	"github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/samber/lo"
	"k8s.io/utils/clock"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/strato-cloud/strato/pkg/apis"
	sdk "github.com/strato-cloud/strato/pkg/aws"
	"github.com/strato-cloud/strato/pkg/deploy"
	"github.com/strato-cloud/strato/pkg/errors"
)

const (
	// ManagedTagKey marks resources the engine created and may delete.
	ManagedTagKey = "strato.dev/managed"
	// ServiceTagKey binds a resource to the service it serves.
	ServiceTagKey = "strato.dev/service"
)

type LaunchType string

const (
	LaunchTypeFargate LaunchType = "FARGATE"
	LaunchTypeEC2     LaunchType = "EC2"
)

// Config configures the provider. Zero values resolve to a dedicated
// "strato" cluster, the default VPC and its subnets, and Fargate.
type Config struct {
	Region     string
	Cluster    string
	LaunchType LaunchType

	// VpcID and SubnetIDs pin the network; empty means discover the
	// default VPC and its subnets.
	VpcID     string
	SubnetIDs []string

	// AssignPublicIP is required on Fargate tasks in public subnets.
	AssignPublicIP bool

	// InstanceType sizes EC2 capacity; ignored on Fargate.
	InstanceType string

	// ExecutionRoleArn and TaskRoleArn skip role reconciliation when set.
	ExecutionRoleArn string
	TaskRoleArn      string
}

func (c Config) withDefaults() Config {
	if c.Cluster == "" {
		c.Cluster = "strato"
	}
	if c.LaunchType == "" {
		c.LaunchType = LaunchTypeFargate
	}
	if c.InstanceType == "" {
		c.InstanceType = "t3.medium"
	}
	return c
}

// Provider implements deploy.Provider on ECS.
type Provider struct {
	config Config
	clk    clock.Clock
	ecsapi sdk.ECSAPI
	ec2api sdk.EC2API
	elbapi sdk.ELBAPI
	iamapi sdk.IAMAPI
	asgapi sdk.ASGAPI
	aasapi sdk.ScalingAPI
	ssmapi sdk.SSMAPI
}

func NewProvider(clk clock.Clock, ecsapi sdk.ECSAPI, ec2api sdk.EC2API, elbapi sdk.ELBAPI, iamapi sdk.IAMAPI,
	asgapi sdk.ASGAPI, aasapi sdk.ScalingAPI, ssmapi sdk.SSMAPI, config Config) *Provider {
	return &Provider{
		config: config.withDefaults(),
		clk:    clk,
		ecsapi: ecsapi,
		ec2api: ec2api,
		elbapi: elbapi,
		iamapi: iamapi,
		asgapi: asgapi,
		aasapi: aasapi,
		ssmapi: ssmapi,
	}
}

// NewDefaultProvider builds a provider from the ambient AWS credential
// chain.
func NewDefaultProvider(ctx context.Context, config Config) (*Provider, error) {
	opts := []func(*awsconfig.LoadOptions) error{}
	if config.Region != "" {
		opts = append(opts, awsconfig.WithRegion(config.Region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config, %w", err)
	}
	return NewProvider(
		clock.RealClock{},
		ecs.NewFromConfig(cfg),
		ec2.NewFromConfig(cfg),
		elasticloadbalancingv2.NewFromConfig(cfg),
		iam.NewFromConfig(cfg),
		autoscaling.NewFromConfig(cfg),
		applicationautoscaling.NewFromConfig(cfg),
		ssm.NewFromConfig(cfg),
		config,
	), nil
}

func (p *Provider) Name() string { return "ecs" }

func (p *Provider) Close() error { return nil }

// Supports: task definition families give addressable, deletable revisions
// and tasks run multiple containers; ECS services cannot split traffic.
func (p *Provider) Supports(feature apis.Feature) bool {
	switch feature {
	case apis.FeatureMultipleContainers, apis.FeatureMultipleRevisions, apis.FeatureRevisionDelete:
		return true
	}
	return false
}

// resources carries the reconciled prerequisite identifiers through one
// rollout.
type resources struct {
	vpcID     string
	subnetIDs []string

	albSG     string
	serviceSG string

	executionRoleArn   string
	taskRoleArn        string
	instanceProfileArn string

	capacityProvider string

	albArn      string
	albDNS      string
	targetGroup string
	listenerArn string

	taskDefinitionArn string
}

// CreateService reconciles the prerequisite chain, applies the service, and
// waits for the rollout to stabilize within the budget.
func (p *Provider) CreateService(ctx context.Context, rollout *deploy.Rollout) (*apis.ServiceItem, error) {
	definition := rollout.Definition
	if err := p.ensureCluster(ctx); err != nil {
		return nil, err
	}
	existing, err := p.describeService(ctx, definition.Name)
	if err != nil {
		return nil, err
	}
	if rollout.WhereExists != nil {
		if *rollout.WhereExists && existing == nil {
			return nil, errors.NewPreconditionFailed("service %q does not exist", definition.Name)
		}
		if !*rollout.WhereExists && existing != nil {
			return nil, errors.NewPreconditionFailed("service %q already exists", definition.Name)
		}
	}
	res := &resources{}
	if err := p.ensureNetwork(ctx, definition, res); err != nil {
		return nil, err
	}
	if err := p.ensureRoles(ctx, definition, res); err != nil {
		return nil, err
	}
	if p.config.LaunchType == LaunchTypeEC2 {
		if err := p.ensureCapacity(ctx, definition, res); err != nil {
			return nil, err
		}
	}
	if definition.Ingress != nil && definition.Ingress.External {
		if err := p.ensureLoadBalancer(ctx, definition, res); err != nil {
			return nil, err
		}
	}
	if err := p.registerTaskDefinition(ctx, definition, res); err != nil {
		return nil, err
	}
	if err := p.applyService(ctx, definition, existing, res); err != nil {
		return nil, err
	}
	if definition.Scale != nil && definition.Scale.Mode == apis.ScaleModeAuto {
		if err := p.ensureAutoscaling(ctx, definition, res); err != nil {
			return nil, err
		}
	}
	item, err := p.waitStable(ctx, definition.Name, res, rollout.Timeout)
	if err != nil {
		return nil, err
	}
	log.FromContext(ctx).WithValues("service", definition.Name, "cluster", p.config.Cluster, "status", item.Status).V(1).Info("reconciled service")
	return item, nil
}

func (p *Provider) ensureCluster(ctx context.Context) error {
	out, err := p.ecsapi.DescribeClusters(ctx, &ecs.DescribeClustersInput{Clusters: []string{p.config.Cluster}})
	if err != nil {
		return errors.FromAWS(err)
	}
	if cluster, ok := lo.Find(out.Clusters, func(c ecstypes.Cluster) bool {
		return lo.FromPtr(c.ClusterName) == p.config.Cluster
	}); ok && lo.FromPtr(cluster.Status) == "ACTIVE" {
		return nil
	}
	if _, err := p.ecsapi.CreateCluster(ctx, &ecs.CreateClusterInput{
		ClusterName: lo.ToPtr(p.config.Cluster),
		Tags:        ecsTags(""),
	}); err != nil {
		return errors.IgnoreConflict(errors.FromAWS(err))
	}
	return nil
}

// describeService returns nil for absent or inactive services.
func (p *Provider) describeService(ctx context.Context, name string) (*ecstypes.Service, error) {
	out, err := p.ecsapi.DescribeServices(ctx, &ecs.DescribeServicesInput{
		Cluster:  lo.ToPtr(p.config.Cluster),
		Services: []string{name},
	})
	if err != nil {
		return nil, errors.IgnoreNotFound(errors.FromAWS(err))
	}
	for i := range out.Services {
		service := &out.Services[i]
		if lo.FromPtr(service.Status) != "INACTIVE" {
			return service, nil
		}
	}
	return nil, nil
}

// applyService creates the service or converges an existing one; a lost
// create race switches to update.
func (p *Provider) applyService(ctx context.Context, definition *apis.ServiceDefinition, existing *ecstypes.Service, res *resources) error {
	desired := desiredCount(definition)
	if existing != nil {
		return p.updateService(ctx, definition.Name, res.taskDefinitionArn, desired)
	}
	input := &ecs.CreateServiceInput{
		Cluster:        lo.ToPtr(p.config.Cluster),
		ServiceName:    lo.ToPtr(definition.Name),
		TaskDefinition: lo.ToPtr(res.taskDefinitionArn),
		DesiredCount:   lo.ToPtr(desired),
		Tags:           ecsTags(definition.Name),
		NetworkConfiguration: &ecstypes.NetworkConfiguration{
			AwsvpcConfiguration: &ecstypes.AwsVpcConfiguration{
				Subnets:        res.subnetIDs,
				SecurityGroups: []string{res.serviceSG},
				AssignPublicIp: lo.Ternary(p.config.AssignPublicIP, ecstypes.AssignPublicIpEnabled, ecstypes.AssignPublicIpDisabled),
			},
		},
	}
	if p.config.LaunchType == LaunchTypeEC2 {
		input.CapacityProviderStrategy = []ecstypes.CapacityProviderStrategyItem{{
			CapacityProvider: lo.ToPtr(res.capacityProvider),
			Weight:           1,
		}}
	} else {
		input.LaunchType = ecstypes.LaunchTypeFargate
	}
	if res.targetGroup != "" {
		main := definition.MainContainers()[0]
		input.LoadBalancers = []ecstypes.LoadBalancer{{
			TargetGroupArn: lo.ToPtr(res.targetGroup),
			ContainerName:  lo.ToPtr(main.Name),
			ContainerPort:  lo.ToPtr(definition.Ingress.TargetPort),
		}}
	}
	if _, err := p.ecsapi.CreateService(ctx, input); err != nil {
		if errors.IsConflict(errors.FromAWS(err)) {
			return p.updateService(ctx, definition.Name, res.taskDefinitionArn, desired)
		}
		return errors.FromAWS(err)
	}
	return nil
}

func (p *Provider) updateService(ctx context.Context, name, taskDefinitionArn string, desired int32) error {
	if _, err := p.ecsapi.UpdateService(ctx, &ecs.UpdateServiceInput{
		Cluster:        lo.ToPtr(p.config.Cluster),
		Service:        lo.ToPtr(name),
		TaskDefinition: lo.ToPtr(taskDefinitionArn),
		DesiredCount:   lo.ToPtr(desired),
	}); err != nil {
		return errors.FromAWS(err)
	}
	return nil
}

// desiredCount: explicit replicas, else the autoscaling floor, else one.
func desiredCount(definition *apis.ServiceDefinition) int32 {
	if definition.Scale != nil {
		if definition.Scale.Replicas != nil {
			return *definition.Scale.Replicas
		}
		if definition.Scale.MinReplicas != nil {
			return *definition.Scale.MinReplicas
		}
	}
	return 1
}

func (p *Provider) GetService(ctx context.Context, name string) (*apis.ServiceItem, error) {
	service, err := p.describeService(ctx, name)
	if err != nil {
		return nil, err
	}
	if service == nil {
		return nil, errors.NewNotFound("service %q does not exist", name)
	}
	return p.serviceItem(ctx, service), nil
}

func (p *Provider) ListServices(ctx context.Context) ([]apis.ServiceItem, error) {
	var items []apis.ServiceItem
	var next *string
	for {
		listed, err := p.ecsapi.ListServices(ctx, &ecs.ListServicesInput{
			Cluster:   lo.ToPtr(p.config.Cluster),
			NextToken: next,
		})
		if err != nil {
			return nil, errors.FromAWS(err)
		}
		if len(listed.ServiceArns) > 0 {
			described, err := p.ecsapi.DescribeServices(ctx, &ecs.DescribeServicesInput{
				Cluster:  lo.ToPtr(p.config.Cluster),
				Services: listed.ServiceArns,
			})
			if err != nil {
				return nil, errors.FromAWS(err)
			}
			for i := range described.Services {
				if lo.FromPtr(described.Services[i].Status) == "INACTIVE" {
					continue
				}
				items = append(items, *p.serviceItem(ctx, &described.Services[i]))
			}
		}
		if listed.NextToken == nil {
			return items, nil
		}
		next = listed.NextToken
	}
}

// serviceItem normalizes an ECS service; the ALB address becomes the URI
// when one is attached.
func (p *Provider) serviceItem(ctx context.Context, service *ecstypes.Service) *apis.ServiceItem {
	item := &apis.ServiceItem{
		Name:   lo.FromPtr(service.ServiceName),
		Status: serviceStatus(service),
		Native: service,
	}
	if service.CreatedAt != nil {
		item.CreatedAt = *service.CreatedAt
	}
	if arn := lo.FromPtr(service.TaskDefinition); arn != "" {
		item.LatestCreatedRevision = revisionName(arn)
		item.LatestReadyRevision = item.LatestCreatedRevision
	}
	if len(service.LoadBalancers) > 0 {
		if dns := p.loadBalancerDNS(ctx, lo.FromPtr(service.ServiceName)); dns != "" {
			item.URI = "http://" + dns
		}
	}
	return item
}

func serviceStatus(service *ecstypes.Service) apis.ServiceStatus {
	if lo.FromPtr(service.Status) != "ACTIVE" {
		return apis.ServiceStatusUnknown
	}
	primary, ok := lo.Find(service.Deployments, func(d ecstypes.Deployment) bool {
		return lo.FromPtr(d.Status) == "PRIMARY"
	})
	if !ok {
		return apis.ServiceStatusUnknown
	}
	switch primary.RolloutState {
	case ecstypes.DeploymentRolloutStateCompleted:
		if service.RunningCount == service.DesiredCount {
			return apis.ServiceStatusReady
		}
		return apis.ServiceStatusProgressing
	case ecstypes.DeploymentRolloutStateFailed:
		return apis.ServiceStatusFailed
	default:
		return apis.ServiceStatusProgressing
	}
}

// UpdateTraffic on ECS only switches the service to a revision wholesale.
func (p *Provider) UpdateTraffic(ctx context.Context, service string, traffic []apis.TrafficAllocation) (*apis.ServiceItem, error) {
	if len(traffic) != 1 || traffic[0].Percent != 100 {
		return nil, errors.NewBadRequest("ecs: traffic moves to a single revision at 100%%")
	}
	existing, err := p.describeService(ctx, service)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, errors.NewNotFound("service %q does not exist", service)
	}
	target := traffic[0]
	taskDefinition := lo.FromPtr(existing.TaskDefinition)
	if !target.LatestRevision {
		revision, err := p.GetRevision(ctx, service, target.RevisionName)
		if err != nil {
			return nil, err
		}
		taskDefinition = revisionArn(revision)
	}
	if err := p.updateService(ctx, service, taskDefinition, existing.DesiredCount); err != nil {
		return nil, err
	}
	return p.GetService(ctx, service)
}

func ecsTags(service string) []ecstypes.Tag {
	tags := []ecstypes.Tag{{Key: lo.ToPtr(ManagedTagKey), Value: lo.ToPtr("true")}}
	if service != "" {
		tags = append(tags, ecstypes.Tag{Key: lo.ToPtr(ServiceTagKey), Value: lo.ToPtr(service)})
	}
	return tags
}

func (p *Provider) loadBalancerDNS(ctx context.Context, service string) string {
	alb, err := p.findLoadBalancer(ctx, service)
	if err != nil || alb == nil {
		return ""
	}
	return lo.FromPtr(alb.DNSName)
}

func revisionArn(revision *apis.RevisionItem) string {
	if td, ok := revision.Native.(*ecstypes.TaskDefinition); ok {
		return lo.FromPtr(td.TaskDefinitionArn)
	}
	return revision.Name
}

// waitStable polls the service until the primary deployment completes and
// the running count matches, then checks the ALB when one exists. On budget
// expiry the current state is returned with a Timeout only if the service
// never materialized.
func (p *Provider) waitStable(ctx context.Context, name string, res *resources, timeout time.Duration) (*apis.ServiceItem, error) {
	deadline := p.clk.Now().Add(timeout)
	interval := 2 * time.Second
	var last *ecstypes.Service
	for {
		service, err := p.describeService(ctx, name)
		if err != nil {
			return nil, err
		}
		if service != nil {
			last = service
			if serviceStatus(service) == apis.ServiceStatusReady && p.loadBalancerActive(ctx, res) {
				return p.serviceItem(ctx, service), nil
			}
			if serviceStatus(service) == apis.ServiceStatusFailed {
				return nil, fmt.Errorf("ecs: rollout of %q failed", name)
			}
		}
		if p.clk.Now().After(deadline) {
			if last == nil {
				return nil, errors.NewTimeout("service %q did not materialize within %s", name, timeout)
			}
			log.FromContext(ctx).WithValues("service", name).V(1).Info("rollout wait expired, returning current state")
			return p.serviceItem(ctx, last), nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-p.clk.After(interval):
		}
	}
}
