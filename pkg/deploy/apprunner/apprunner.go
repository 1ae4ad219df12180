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

// Package apprunner runs container services on AWS App Runner. App Runner
// keeps exactly one revision per service and manages ingress itself, so the
// provider surface is small: translate the definition, create or update, and
// wait for RUNNING.
package apprunner

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/apprunner"
	apprunnertypes "github.com/aws/aws-sdk-go-v2/service/apprunner/types"
	"github.com/samber/lo"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/strato-cloud/strato/pkg/apis"
	sdk "github.com/strato-cloud/strato/pkg/aws"
	"github.com/strato-cloud/strato/pkg/deploy"
	"github.com/strato-cloud/strato/pkg/errors"
)

const (
	managedTagKey = "strato.dev/managed"
	serviceTagKey = "strato.dev/service"
)

// memoryBuckets are the instance memory sizes App Runner offers, in GB.
// Requests round up to the smallest bucket that fits.
var memoryBuckets = []float64{0.5, 1, 2, 3, 4, 8}

// Config configures the provider. AccessRoleArn lets App Runner pull from
// private ECR; public images need none.
type Config struct {
	Region        string
	AccessRoleArn string
}

// Provider implements deploy.Provider on App Runner.
type Provider struct {
	config Config
	api    sdk.AppRunnerAPI
}

func NewProvider(api sdk.AppRunnerAPI, config Config) *Provider {
	return &Provider{config: config, api: api}
}

func (p *Provider) Name() string { return "apprunner" }

func (p *Provider) Close() error { return nil }

// Supports: one revision, one container, fully managed traffic.
func (p *Provider) Supports(apis.Feature) bool { return false }

// CreateService translates the definition and creates or updates the App
// Runner service, then waits for it to reach RUNNING within the budget.
func (p *Provider) CreateService(ctx context.Context, rollout *deploy.Rollout) (*apis.ServiceItem, error) {
	definition := rollout.Definition
	if len(definition.InitContainers()) > 0 {
		return nil, errors.NewUnsupported("apprunner: init containers are not supported")
	}
	summary, err := p.findService(ctx, definition.Name)
	if err != nil {
		return nil, err
	}
	if rollout.WhereExists != nil {
		if *rollout.WhereExists && summary == nil {
			return nil, errors.NewPreconditionFailed("service %q does not exist", definition.Name)
		}
		if !*rollout.WhereExists && summary != nil {
			return nil, errors.NewPreconditionFailed("service %q already exists", definition.Name)
		}
	}
	main := definition.MainContainers()[0]
	instance, err := instanceConfiguration(main)
	if err != nil {
		return nil, err
	}
	source := p.sourceConfiguration(definition, main)
	health := healthCheckConfiguration(main)
	var autoScalingArn *string
	if definition.Scale != nil && definition.Scale.Mode == apis.ScaleModeAuto {
		autoScalingArn, err = p.ensureAutoScaling(ctx, definition)
		if err != nil {
			return nil, err
		}
	}
	var serviceArn *string
	if summary == nil {
		created, err := p.api.CreateService(ctx, &apprunner.CreateServiceInput{
			ServiceName:                 lo.ToPtr(definition.Name),
			SourceConfiguration:         source,
			InstanceConfiguration:       instance,
			HealthCheckConfiguration:    health,
			AutoScalingConfigurationArn: autoScalingArn,
			Tags: []apprunnertypes.Tag{
				{Key: lo.ToPtr(managedTagKey), Value: lo.ToPtr("true")},
				{Key: lo.ToPtr(serviceTagKey), Value: lo.ToPtr(definition.Name)},
			},
		})
		if err != nil {
			return nil, errors.FromAWS(err)
		}
		serviceArn = created.Service.ServiceArn
	} else {
		updated, err := p.api.UpdateService(ctx, &apprunner.UpdateServiceInput{
			ServiceArn:                  summary.ServiceArn,
			SourceConfiguration:         source,
			InstanceConfiguration:       instance,
			HealthCheckConfiguration:    health,
			AutoScalingConfigurationArn: autoScalingArn,
		})
		if err != nil {
			return nil, errors.FromAWS(err)
		}
		serviceArn = updated.Service.ServiceArn
	}
	item, err := p.waitRunning(ctx, definition.Name, lo.FromPtr(serviceArn), rollout.Timeout)
	if err != nil {
		return nil, err
	}
	log.FromContext(ctx).WithValues("service", definition.Name, "status", item.Status).V(1).Info("reconciled service")
	return item, nil
}

func (p *Provider) sourceConfiguration(definition *apis.ServiceDefinition, main apis.Container) *apprunnertypes.SourceConfiguration {
	imageConfig := &apprunnertypes.ImageConfiguration{
		Port: lo.ToPtr(strconv.Itoa(int(servicePort(definition, main)))),
	}
	if env := apis.EffectiveEnv(main.Env); len(env) > 0 {
		imageConfig.RuntimeEnvironmentVariables = lo.SliceToMap(env, func(e apis.EnvVar) (string, string) {
			return e.Name, e.Value
		})
	}
	if command := append(append([]string{}, main.Command...), main.Args...); len(command) > 0 {
		imageConfig.StartCommand = lo.ToPtr(strings.Join(command, " "))
	}
	source := &apprunnertypes.SourceConfiguration{
		AutoDeploymentsEnabled: lo.ToPtr(false),
		ImageRepository: &apprunnertypes.ImageRepository{
			ImageIdentifier:     lo.ToPtr(main.Image),
			ImageConfiguration:  imageConfig,
			ImageRepositoryType: repositoryType(main.Image),
		},
	}
	if source.ImageRepository.ImageRepositoryType == apprunnertypes.ImageRepositoryTypeEcr && p.config.AccessRoleArn != "" {
		source.AuthenticationConfiguration = &apprunnertypes.AuthenticationConfiguration{
			AccessRoleArn: lo.ToPtr(p.config.AccessRoleArn),
		}
	}
	return source
}

func repositoryType(image string) apprunnertypes.ImageRepositoryType {
	if strings.Contains(image, ".dkr.ecr.") {
		return apprunnertypes.ImageRepositoryTypeEcr
	}
	return apprunnertypes.ImageRepositoryTypeEcrPublic
}

func servicePort(definition *apis.ServiceDefinition, main apis.Container) int32 {
	if definition.Ingress != nil && definition.Ingress.TargetPort != 0 {
		return definition.Ingress.TargetPort
	}
	if len(main.Ports) > 0 {
		return main.Ports[0].Port
	}
	return 8080
}

// instanceConfiguration quantizes requested resources onto App Runner's
// instance sizes: cpu passes through as "{x} vCPU", memory rounds up to the
// smallest bucket that fits.
func instanceConfiguration(main apis.Container) (*apprunnertypes.InstanceConfiguration, error) {
	cpu := main.Resources.Requests.CPU
	if cpu == 0 {
		cpu = main.Resources.Limits.CPU
	}
	memory := main.Resources.Requests.MemoryMiB
	if memory == 0 {
		memory = main.Resources.Limits.MemoryMiB
	}
	memorySetting, err := memorySetting(memory)
	if err != nil {
		return nil, err
	}
	return &apprunnertypes.InstanceConfiguration{
		Cpu:    lo.ToPtr(cpuSetting(cpu)),
		Memory: lo.ToPtr(memorySetting),
	}, nil
}

func cpuSetting(cores float64) string {
	if cores <= 0 {
		return "1 vCPU"
	}
	return strconv.FormatFloat(cores, 'f', -1, 64) + " vCPU"
}

func memorySetting(miB int64) (string, error) {
	if miB <= 0 {
		return "2 GB", nil
	}
	requested := float64(miB) / 1024
	for _, bucket := range memoryBuckets {
		if bucket >= requested {
			return strconv.FormatFloat(bucket, 'f', -1, 64) + " GB", nil
		}
	}
	return "", errors.NewBadRequest("apprunner: %d MiB exceeds the largest instance size of %g GB", miB, memoryBuckets[len(memoryBuckets)-1])
}

// healthCheckConfiguration uses the readiness probe, falling back to
// liveness; only http and tcp probes translate.
func healthCheckConfiguration(main apis.Container) *apprunnertypes.HealthCheckConfiguration {
	probe := main.ReadinessProbe
	if probe == nil {
		probe = main.LivenessProbe
	}
	if probe == nil {
		return nil
	}
	check := &apprunnertypes.HealthCheckConfiguration{}
	switch {
	case probe.HTTPGet != nil:
		check.Protocol = apprunnertypes.HealthCheckProtocolHttp
		check.Path = lo.ToPtr(lo.Ternary(probe.HTTPGet.Path == "", "/", probe.HTTPGet.Path))
	case probe.TCPSocket != nil:
		check.Protocol = apprunnertypes.HealthCheckProtocolTcp
	default:
		return nil
	}
	check.Interval = probe.PeriodSeconds
	check.Timeout = probe.TimeoutSeconds
	check.HealthyThreshold = probe.SuccessThreshold
	check.UnhealthyThreshold = probe.FailureThreshold
	return check
}

// ensureAutoScaling creates a configuration revision for the service's
// window; App Runner versions configurations under a shared name.
func (p *Provider) ensureAutoScaling(ctx context.Context, definition *apis.ServiceDefinition) (*string, error) {
	scale := definition.Scale
	input := &apprunner.CreateAutoScalingConfigurationInput{
		AutoScalingConfigurationName: lo.ToPtr(autoScalingName(definition.Name)),
		MinSize:                      lo.ToPtr(lo.FromPtrOr(scale.MinReplicas, int32(1))),
		Tags: []apprunnertypes.Tag{
			{Key: lo.ToPtr(managedTagKey), Value: lo.ToPtr("true")},
			{Key: lo.ToPtr(serviceTagKey), Value: lo.ToPtr(definition.Name)},
		},
	}
	if scale.MaxReplicas != nil {
		input.MaxSize = scale.MaxReplicas
	}
	for _, rule := range scale.Rules {
		if rule.Type != apis.ScaleRuleHTTP {
			return nil, errors.NewUnsupported("apprunner: only http concurrency scale rules are supported")
		}
		if value, err := strconv.Atoi(rule.Metadata["value"]); err == nil {
			input.MaxConcurrency = lo.ToPtr(int32(value))
		}
	}
	created, err := p.api.CreateAutoScalingConfiguration(ctx, input)
	if err != nil {
		return nil, errors.FromAWS(err)
	}
	return created.AutoScalingConfiguration.AutoScalingConfigurationArn, nil
}

func autoScalingName(service string) string { return service + "-autoscaling" }

// findService resolves a name through the paged list; App Runner has no
// describe-by-name.
func (p *Provider) findService(ctx context.Context, name string) (*apprunnertypes.ServiceSummary, error) {
	var next *string
	for {
		listed, err := p.api.ListServices(ctx, &apprunner.ListServicesInput{NextToken: next})
		if err != nil {
			return nil, errors.FromAWS(err)
		}
		for i := range listed.ServiceSummaryList {
			summary := &listed.ServiceSummaryList[i]
			if lo.FromPtr(summary.ServiceName) == name && summary.Status != apprunnertypes.ServiceStatusDeleted {
				return summary, nil
			}
		}
		if listed.NextToken == nil {
			return nil, nil
		}
		next = listed.NextToken
	}
}

func (p *Provider) describe(ctx context.Context, serviceArn string) (*apprunnertypes.Service, error) {
	out, err := p.api.DescribeService(ctx, &apprunner.DescribeServiceInput{ServiceArn: lo.ToPtr(serviceArn)})
	if err != nil {
		return nil, errors.FromAWS(err)
	}
	return out.Service, nil
}

func (p *Provider) waitRunning(ctx context.Context, name, serviceArn string, timeout time.Duration) (*apis.ServiceItem, error) {
	deadline := time.Now().Add(timeout)
	var last *apprunnertypes.Service
	for {
		service, err := p.describe(ctx, serviceArn)
		if err != nil && !errors.IsNotFound(err) {
			return nil, err
		}
		if service != nil {
			last = service
			switch service.Status {
			case apprunnertypes.ServiceStatusRunning:
				return serviceItem(service), nil
			case apprunnertypes.ServiceStatusCreateFailed:
				return nil, fmt.Errorf("apprunner: rollout of %q failed", name)
			}
		}
		if time.Now().After(deadline) {
			if last == nil {
				return nil, errors.NewTimeout("service %q did not materialize within %s", name, timeout)
			}
			return serviceItem(last), nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
}

func serviceItem(service *apprunnertypes.Service) *apis.ServiceItem {
	item := &apis.ServiceItem{
		Name:   lo.FromPtr(service.ServiceName),
		Status: statusOf(service.Status),
		Native: service,
	}
	if url := lo.FromPtr(service.ServiceUrl); url != "" {
		item.URI = "https://" + url
	}
	if service.CreatedAt != nil {
		item.CreatedAt = *service.CreatedAt
	}
	if service.UpdatedAt != nil {
		item.UpdatedAt = *service.UpdatedAt
	}
	return item
}

func statusOf(status apprunnertypes.ServiceStatus) apis.ServiceStatus {
	switch status {
	case apprunnertypes.ServiceStatusRunning:
		return apis.ServiceStatusReady
	case apprunnertypes.ServiceStatusOperationInProgress:
		return apis.ServiceStatusProgressing
	case apprunnertypes.ServiceStatusCreateFailed, apprunnertypes.ServiceStatusDeleteFailed:
		return apis.ServiceStatusFailed
	default:
		return apis.ServiceStatusUnknown
	}
}

func (p *Provider) GetService(ctx context.Context, name string) (*apis.ServiceItem, error) {
	summary, err := p.findService(ctx, name)
	if err != nil {
		return nil, err
	}
	if summary == nil {
		return nil, errors.NewNotFound("service %q does not exist", name)
	}
	service, err := p.describe(ctx, lo.FromPtr(summary.ServiceArn))
	if err != nil {
		return nil, err
	}
	return serviceItem(service), nil
}

func (p *Provider) ListServices(ctx context.Context) ([]apis.ServiceItem, error) {
	var items []apis.ServiceItem
	var next *string
	for {
		listed, err := p.api.ListServices(ctx, &apprunner.ListServicesInput{NextToken: next})
		if err != nil {
			return nil, errors.FromAWS(err)
		}
		for i := range listed.ServiceSummaryList {
			summary := &listed.ServiceSummaryList[i]
			if summary.Status == apprunnertypes.ServiceStatusDeleted {
				continue
			}
			item := apis.ServiceItem{
				Name:   lo.FromPtr(summary.ServiceName),
				Status: statusOf(summary.Status),
				Native: summary,
			}
			if url := lo.FromPtr(summary.ServiceUrl); url != "" {
				item.URI = "https://" + url
			}
			if summary.CreatedAt != nil {
				item.CreatedAt = *summary.CreatedAt
			}
			items = append(items, item)
		}
		if listed.NextToken == nil {
			return items, nil
		}
		next = listed.NextToken
	}
}

// DeleteService removes the service, waits out the deletion, then drops its
// autoscaling configuration.
func (p *Provider) DeleteService(ctx context.Context, name string, timeout time.Duration) error {
	summary, err := p.findService(ctx, name)
	if err != nil {
		return err
	}
	if summary == nil {
		return nil
	}
	service, err := p.describe(ctx, lo.FromPtr(summary.ServiceArn))
	if err != nil && !errors.IsNotFound(err) {
		return err
	}
	if _, err := p.api.DeleteService(ctx, &apprunner.DeleteServiceInput{ServiceArn: summary.ServiceArn}); err != nil {
		if err := errors.IgnoreNotFound(errors.FromAWS(err)); err != nil {
			return err
		}
	}
	if err := p.waitDeleted(ctx, lo.FromPtr(summary.ServiceArn), timeout); err != nil {
		return err
	}
	if service != nil && service.AutoScalingConfigurationSummary != nil &&
		lo.FromPtr(service.AutoScalingConfigurationSummary.AutoScalingConfigurationName) == autoScalingName(name) {
		if _, err := p.api.DeleteAutoScalingConfiguration(ctx, &apprunner.DeleteAutoScalingConfigurationInput{
			AutoScalingConfigurationArn: service.AutoScalingConfigurationSummary.AutoScalingConfigurationArn,
		}); err != nil {
			if err := errors.IgnoreNotFound(errors.FromAWS(err)); err != nil {
				return err
			}
		}
	}
	log.FromContext(ctx).WithValues("service", name).V(1).Info("deleted service")
	return nil
}

func (p *Provider) waitDeleted(ctx context.Context, serviceArn string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		service, err := p.describe(ctx, serviceArn)
		if err != nil {
			if errors.IsNotFound(err) {
				return nil
			}
			return err
		}
		if service.Status == apprunnertypes.ServiceStatusDeleted {
			return nil
		}
		if time.Now().After(deadline) {
			return errors.NewTimeout("service deletion did not finish within %s", timeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
}

func (p *Provider) ListRevisions(context.Context, string) ([]apis.RevisionItem, error) {
	return nil, errors.NewUnsupported("apprunner: services keep a single revision")
}

func (p *Provider) GetRevision(context.Context, string, string) (*apis.RevisionItem, error) {
	return nil, errors.NewUnsupported("apprunner: services keep a single revision")
}

func (p *Provider) DeleteRevision(context.Context, string, string) error {
	return errors.NewUnsupported("apprunner: services keep a single revision")
}

// UpdateTraffic accepts only the trivial allocation; App Runner routes all
// traffic to the single revision itself.
func (p *Provider) UpdateTraffic(ctx context.Context, service string, traffic []apis.TrafficAllocation) (*apis.ServiceItem, error) {
	if len(traffic) != 1 || traffic[0].Percent != 100 {
		return nil, errors.NewBadRequest("apprunner: traffic always goes to the single revision")
	}
	if !traffic[0].LatestRevision && traffic[0].RevisionName != "" {
		return nil, errors.NewUnsupported("apprunner: services keep a single revision")
	}
	return p.GetService(ctx, service)
}
