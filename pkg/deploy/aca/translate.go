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

package aca

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/appcontainers/armappcontainers/v3"
	"github.com/samber/lo"

	"github.com/strato-cloud/strato/pkg/apis"
	"github.com/strato-cloud/strato/pkg/errors"
)

const registryPasswordSecret = "registry-password"

// translateApp renders a definition as a Container App envelope.
func (p *Provider) translateApp(definition *apis.ServiceDefinition, environmentID string) (*armappcontainers.ContainerApp, error) {
	template, err := translateTemplate(definition)
	if err != nil {
		return nil, err
	}
	configuration := &armappcontainers.Configuration{}
	if ingress := definition.Ingress; ingress != nil {
		configuration.Ingress = &armappcontainers.Ingress{
			External:   lo.ToPtr(ingress.External),
			TargetPort: lo.ToPtr(ingress.TargetPort),
			Transport:  transportMethod(ingress.Transport),
			Traffic:    trafficWeights(definition.Traffic),
		}
	}
	if p.config.RegistryServer != "" {
		configuration.Secrets = []*armappcontainers.Secret{{
			Name:  lo.ToPtr(registryPasswordSecret),
			Value: lo.ToPtr(p.config.RegistryPassword),
		}}
		configuration.Registries = []*armappcontainers.RegistryCredentials{{
			Server:            lo.ToPtr(p.config.RegistryServer),
			Username:          lo.ToPtr(p.config.RegistryUsername),
			PasswordSecretRef: lo.ToPtr(registryPasswordSecret),
		}}
	}
	tags := map[string]*string{
		managedTagKey: lo.ToPtr("true"),
		serviceTagKey: lo.ToPtr(definition.Name),
	}
	for key, value := range definition.Labels {
		tags[key] = lo.ToPtr(value)
	}
	return &armappcontainers.ContainerApp{
		Location: lo.ToPtr(p.config.Location),
		Tags:     tags,
		Properties: &armappcontainers.ContainerAppProperties{
			ManagedEnvironmentID: lo.ToPtr(environmentID),
			Configuration:        configuration,
			Template:             template,
		},
	}, nil
}

func translateTemplate(definition *apis.ServiceDefinition) (*armappcontainers.Template, error) {
	template := &armappcontainers.Template{}
	for _, c := range definition.MainContainers() {
		translated, err := translateContainer(c)
		if err != nil {
			return nil, err
		}
		template.Containers = append(template.Containers, translated)
	}
	for _, c := range definition.InitContainers() {
		translated, err := translateContainer(c)
		if err != nil {
			return nil, err
		}
		template.InitContainers = append(template.InitContainers, &armappcontainers.InitContainer{
			Name:         translated.Name,
			Image:        translated.Image,
			Command:      translated.Command,
			Args:         translated.Args,
			Env:          translated.Env,
			Resources:    translated.Resources,
			VolumeMounts: translated.VolumeMounts,
		})
	}
	if scale := definition.Scale; scale != nil {
		template.Scale = &armappcontainers.Scale{
			MinReplicas: scale.MinReplicas,
			MaxReplicas: scale.MaxReplicas,
		}
		if scale.Mode == apis.ScaleModeManual && scale.Replicas != nil {
			// ACA has no fixed count; pin the window instead.
			template.Scale.MinReplicas = scale.Replicas
			template.Scale.MaxReplicas = scale.Replicas
		}
		rules, err := scaleRules(scale.Rules)
		if err != nil {
			return nil, err
		}
		template.Scale.Rules = rules
	}
	return template, nil
}

func translateContainer(c apis.Container) (*armappcontainers.Container, error) {
	container := &armappcontainers.Container{
		Name:    lo.ToPtr(c.Name),
		Image:   lo.ToPtr(c.Image),
		Command: lo.ToSlicePtr(c.Command),
		Args:    lo.ToSlicePtr(c.Args),
		Env: lo.Map(apis.EffectiveEnv(c.Env), func(e apis.EnvVar, _ int) *armappcontainers.EnvironmentVar {
			return &armappcontainers.EnvironmentVar{Name: lo.ToPtr(e.Name), Value: lo.ToPtr(e.Value)}
		}),
		VolumeMounts: lo.Map(c.VolumeMounts, func(m apis.VolumeMount, _ int) *armappcontainers.VolumeMount {
			return &armappcontainers.VolumeMount{VolumeName: lo.ToPtr(m.Name), MountPath: lo.ToPtr(m.MountPath)}
		}),
	}
	if resources := resourcesOf(c); resources != nil {
		container.Resources = resources
	}
	if probe := probeFor(c.LivenessProbe, armappcontainers.TypeLiveness); probe != nil {
		container.Probes = append(container.Probes, probe)
	}
	if probe := probeFor(c.ReadinessProbe, armappcontainers.TypeReadiness); probe != nil {
		container.Probes = append(container.Probes, probe)
	}
	if probe := probeFor(c.StartupProbe, armappcontainers.TypeStartup); probe != nil {
		container.Probes = append(container.Probes, probe)
	}
	return container, nil
}

func resourcesOf(c apis.Container) *armappcontainers.ContainerResources {
	cpu := c.Resources.Requests.CPU
	if cpu == 0 {
		cpu = c.Resources.Limits.CPU
	}
	memory := c.Resources.Requests.MemoryMiB
	if memory == 0 {
		memory = c.Resources.Limits.MemoryMiB
	}
	if cpu == 0 && memory == 0 {
		return nil
	}
	resources := &armappcontainers.ContainerResources{}
	if cpu != 0 {
		resources.CPU = lo.ToPtr(cpu)
	}
	if memory != 0 {
		resources.Memory = lo.ToPtr(memoryString(memory))
	}
	return resources
}

// memoryString renders MiB as ACA's "{gi}Gi", rounded to two decimals with
// trailing zeros stripped: 512 -> "0.5Gi", 1024 -> "1Gi".
func memoryString(miB int64) string {
	gi := strconv.FormatFloat(float64(miB)/1024, 'f', 2, 64)
	gi = strings.TrimRight(strings.TrimRight(gi, "0"), ".")
	return gi + "Gi"
}

// parseMemory accepts the Mi, Gi and Ti suffixes ACA emits.
func parseMemory(s string) (int64, error) {
	for suffix, factor := range map[string]float64{"Mi": 1, "Gi": 1024, "Ti": 1024 * 1024} {
		if strings.HasSuffix(s, suffix) {
			value, err := strconv.ParseFloat(strings.TrimSuffix(s, suffix), 64)
			if err != nil {
				return 0, errors.NewBadRequest("aca: unparseable memory %q", s)
			}
			return int64(value * factor), nil
		}
	}
	return 0, errors.NewBadRequest("aca: unparseable memory %q", s)
}

// scaleRules renders rules in KEDA shape: http stays native, cpu and memory
// become Utilization custom rules, custom passes metadata through.
func scaleRules(rules []apis.ScaleRule) ([]*armappcontainers.ScaleRule, error) {
	out := make([]*armappcontainers.ScaleRule, 0, len(rules))
	for _, rule := range rules {
		name := rule.Name
		if name == "" {
			name = string(rule.Type)
		}
		translated := &armappcontainers.ScaleRule{Name: lo.ToPtr(name)}
		switch rule.Type {
		case apis.ScaleRuleHTTP:
			translated.HTTP = &armappcontainers.HTTPScaleRule{
				Metadata: map[string]*string{
					"concurrentRequests": lo.ToPtr(metadataValue(rule, "100")),
				},
				Auth: ruleAuth(rule),
			}
		case apis.ScaleRuleTCP:
			translated.TCP = &armappcontainers.TCPScaleRule{
				Metadata: map[string]*string{
					"concurrentConnections": lo.ToPtr(metadataValue(rule, "100")),
				},
				Auth: ruleAuth(rule),
			}
		case apis.ScaleRuleCPU, apis.ScaleRuleMemory:
			translated.Custom = &armappcontainers.CustomScaleRule{
				Type: lo.ToPtr(string(rule.Type)),
				Metadata: map[string]*string{
					"type":  lo.ToPtr("Utilization"),
					"value": lo.ToPtr(metadataValue(rule, "70")),
				},
				Auth: ruleAuth(rule),
			}
		case apis.ScaleRuleCustom:
			kind, ok := rule.Metadata["type"]
			if !ok {
				return nil, errors.NewBadRequest("aca: custom scale rule %q needs a metadata type", name)
			}
			translated.Custom = &armappcontainers.CustomScaleRule{
				Type: lo.ToPtr(kind),
				Metadata: lo.MapEntries(rule.Metadata, func(k, v string) (string, *string) {
					return k, lo.ToPtr(v)
				}),
				Auth: ruleAuth(rule),
			}
		default:
			return nil, errors.NewUnsupported("aca: scale rule type %q is not supported", rule.Type)
		}
		out = append(out, translated)
	}
	return out, nil
}

func metadataValue(rule apis.ScaleRule, fallback string) string {
	if value, ok := rule.Metadata["value"]; ok {
		return value
	}
	return fallback
}

func ruleAuth(rule apis.ScaleRule) []*armappcontainers.ScaleRuleAuth {
	return lo.Map(rule.Auth, func(a apis.ScaleRuleAuth, _ int) *armappcontainers.ScaleRuleAuth {
		return &armappcontainers.ScaleRuleAuth{
			SecretRef:        lo.ToPtr(a.SecretRef),
			TriggerParameter: lo.ToPtr(a.TriggerParameter),
		}
	})
}

// trafficWeights defaults to everything on the latest revision.
func trafficWeights(traffic []apis.TrafficAllocation) []*armappcontainers.TrafficWeight {
	if len(traffic) == 0 {
		return []*armappcontainers.TrafficWeight{{
			LatestRevision: lo.ToPtr(true),
			Weight:         lo.ToPtr(int32(100)),
		}}
	}
	return lo.Map(traffic, func(t apis.TrafficAllocation, _ int) *armappcontainers.TrafficWeight {
		weight := &armappcontainers.TrafficWeight{Weight: lo.ToPtr(t.Percent)}
		if t.LatestRevision {
			weight.LatestRevision = lo.ToPtr(true)
		} else {
			weight.RevisionName = lo.ToPtr(t.RevisionName)
		}
		if t.Tag != "" {
			weight.Label = lo.ToPtr(t.Tag)
		}
		return weight
	})
}

func transportMethod(transport apis.Transport) *armappcontainers.IngressTransportMethod {
	switch transport {
	case apis.TransportHTTP:
		return lo.ToPtr(armappcontainers.IngressTransportMethodHTTP)
	case apis.TransportHTTP2:
		return lo.ToPtr(armappcontainers.IngressTransportMethodHTTP2)
	case apis.TransportTCP:
		return lo.ToPtr(armappcontainers.IngressTransportMethodTCP)
	default:
		return lo.ToPtr(armappcontainers.IngressTransportMethodAuto)
	}
}

func probeFor(probe *apis.Probe, kind armappcontainers.Type) *armappcontainers.ContainerAppProbe {
	if probe == nil {
		return nil
	}
	translated := &armappcontainers.ContainerAppProbe{
		Type:                lo.ToPtr(kind),
		InitialDelaySeconds: probe.InitialDelaySeconds,
		PeriodSeconds:       probe.PeriodSeconds,
		TimeoutSeconds:      probe.TimeoutSeconds,
		SuccessThreshold:    probe.SuccessThreshold,
		FailureThreshold:    probe.FailureThreshold,
	}
	switch {
	case probe.HTTPGet != nil:
		translated.HTTPGet = &armappcontainers.ContainerAppProbeHTTPGet{
			Path: lo.ToPtr(lo.Ternary(probe.HTTPGet.Path == "", "/", probe.HTTPGet.Path)),
			Port: lo.ToPtr(probe.HTTPGet.Port),
		}
		if probe.HTTPGet.Host != "" {
			translated.HTTPGet.Host = lo.ToPtr(probe.HTTPGet.Host)
		}
	case probe.TCPSocket != nil:
		translated.TCPSocket = &armappcontainers.ContainerAppProbeTCPSocket{
			Port: lo.ToPtr(probe.TCPSocket.Port),
		}
		if probe.TCPSocket.Host != "" {
			translated.TCPSocket.Host = lo.ToPtr(probe.TCPSocket.Host)
		}
	default:
		// ACA probes are http or tcp only.
		return nil
	}
	return translated
}

// revisionItem normalizes an ACA revision.
func revisionItem(service string, revision *armappcontainers.Revision) apis.RevisionItem {
	item := apis.RevisionItem{
		Name:    lo.FromPtr(revision.Name),
		Service: service,
		Native:  revision,
	}
	if properties := revision.Properties; properties != nil {
		item.Active = lo.FromPtr(properties.Active)
		if properties.CreatedTime != nil {
			item.CreatedAt = *properties.CreatedTime
		}
		if template := properties.Template; template != nil {
			for _, c := range template.Containers {
				if image := lo.FromPtr(c.Image); image != "" {
					item.Images = append(item.Images, image)
				}
			}
		}
	}
	return item
}

func environmentID(subscription, resourceGroup, environment string) string {
	return fmt.Sprintf("/subscriptions/%s/resourceGroups/%s/providers/Microsoft.App/managedEnvironments/%s",
		subscription, resourceGroup, environment)
}
