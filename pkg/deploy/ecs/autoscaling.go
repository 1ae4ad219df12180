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
	"strconv"
	"strings"

	aas "github.com/aws/aws-sdk-go-v2/service/applicationautoscaling"
	aastypes "github.com/aws/aws-sdk-go-v2/service/applicationautoscaling/types"
	"github.com/samber/lo"

	"github.com/strato-cloud/strato/pkg/apis"
	"github.com/strato-cloud/strato/pkg/errors"
)

// Default target values when a rule carries no explicit one.
const (
	defaultUtilizationTarget = 70.0
	defaultRequestsPerTarget = 1000.0
)

// ensureAutoscaling registers the service as a scalable target and lays a
// target-tracking policy per rule. Rules without a type ECS can express are
// refused rather than dropped.
func (p *Provider) ensureAutoscaling(ctx context.Context, definition *apis.ServiceDefinition, res *resources) error {
	scale := definition.Scale
	resourceID := fmt.Sprintf("service/%s/%s", p.config.Cluster, definition.Name)
	if _, err := p.aasapi.RegisterScalableTarget(ctx, &aas.RegisterScalableTargetInput{
		ServiceNamespace:  aastypes.ServiceNamespaceEcs,
		ResourceId:        lo.ToPtr(resourceID),
		ScalableDimension: aastypes.ScalableDimensionECSServiceDesiredCount,
		MinCapacity:       lo.ToPtr(lo.FromPtrOr(scale.MinReplicas, int32(1))),
		MaxCapacity:       lo.ToPtr(lo.FromPtrOr(scale.MaxReplicas, desiredCount(definition))),
	}); err != nil {
		return errors.FromAWS(err)
	}
	rules := scale.Rules
	if len(rules) == 0 {
		rules = []apis.ScaleRule{{Name: "cpu", Type: apis.ScaleRuleCPU}}
	}
	for _, rule := range rules {
		config, err := p.trackingConfiguration(rule, scale, res)
		if err != nil {
			return err
		}
		if _, err := p.aasapi.PutScalingPolicy(ctx, &aas.PutScalingPolicyInput{
			PolicyName:                               lo.ToPtr(policyName(definition.Name, rule)),
			ServiceNamespace:                         aastypes.ServiceNamespaceEcs,
			ResourceId:                               lo.ToPtr(resourceID),
			ScalableDimension:                        aastypes.ScalableDimensionECSServiceDesiredCount,
			PolicyType:                               aastypes.PolicyTypeTargetTrackingScaling,
			TargetTrackingScalingPolicyConfiguration: config,
		}); err != nil {
			return errors.FromAWS(err)
		}
	}
	return nil
}

func (p *Provider) trackingConfiguration(rule apis.ScaleRule, scale *apis.Scale, res *resources) (*aastypes.TargetTrackingScalingPolicyConfiguration, error) {
	config := &aastypes.TargetTrackingScalingPolicyConfiguration{}
	switch rule.Type {
	case apis.ScaleRuleCPU:
		config.PredefinedMetricSpecification = &aastypes.PredefinedMetricSpecification{
			PredefinedMetricType: aastypes.MetricTypeECSServiceAverageCPUUtilization,
		}
		config.TargetValue = lo.ToPtr(ruleTarget(rule, defaultUtilizationTarget))
	case apis.ScaleRuleMemory:
		config.PredefinedMetricSpecification = &aastypes.PredefinedMetricSpecification{
			PredefinedMetricType: aastypes.MetricTypeECSServiceAverageMemoryUtilization,
		}
		config.TargetValue = lo.ToPtr(ruleTarget(rule, defaultUtilizationTarget))
	case apis.ScaleRuleHTTP:
		if res.albArn == "" || res.targetGroup == "" {
			return nil, errors.NewBadRequest("ecs: http scale rules need an external ingress")
		}
		config.PredefinedMetricSpecification = &aastypes.PredefinedMetricSpecification{
			PredefinedMetricType: aastypes.MetricTypeALBRequestCountPerTarget,
			ResourceLabel:        lo.ToPtr(albResourceLabel(res.albArn, res.targetGroup)),
		}
		config.TargetValue = lo.ToPtr(ruleTarget(rule, defaultRequestsPerTarget))
	default:
		return nil, errors.NewUnsupported("ecs: scale rule type %q has no target-tracking metric", rule.Type)
	}
	if scale.CooldownPeriodSeconds != nil {
		config.ScaleInCooldown = scale.CooldownPeriodSeconds
		config.ScaleOutCooldown = scale.CooldownPeriodSeconds
	}
	return config, nil
}

// ruleTarget reads the "value" metadata entry, falling back on the rule
// type's default.
func ruleTarget(rule apis.ScaleRule, fallback float64) float64 {
	if raw, ok := rule.Metadata["value"]; ok {
		if value, err := strconv.ParseFloat(raw, 64); err == nil {
			return value
		}
	}
	return fallback
}

// albResourceLabel joins the ALB and target group ARN suffixes into the
// resource label CloudWatch expects for ALBRequestCountPerTarget.
func albResourceLabel(albArn, targetGroupArn string) string {
	alb := albArn
	if i := strings.Index(albArn, "loadbalancer/"); i >= 0 {
		alb = albArn[i+len("loadbalancer/"):]
	}
	tg := targetGroupArn
	if i := strings.LastIndex(targetGroupArn, ":"); i >= 0 {
		tg = targetGroupArn[i+1:]
	}
	return alb + "/" + tg
}

func policyName(service string, rule apis.ScaleRule) string {
	name := rule.Name
	if name == "" {
		name = string(rule.Type)
	}
	return fmt.Sprintf("%s-%s", service, name)
}
