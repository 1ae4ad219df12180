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

package cloudrun

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/samber/lo"
	"google.golang.org/api/run/v2"

	"github.com/strato-cloud/strato/pkg/apis"
	"github.com/strato-cloud/strato/pkg/errors"
)

// GCP label keys reject dots and slashes, so the marker labels diverge from
// the tag keys the other providers use.
const (
	managedLabel = "strato-managed"
	serviceLabel = "strato-service"
)

// translateService renders a definition as a Cloud Run v2 service.
func translateService(definition *apis.ServiceDefinition) (*run.GoogleCloudRunV2Service, error) {
	if len(definition.InitContainers()) > 0 {
		return nil, errors.NewUnsupported("cloudrun: init containers are not supported")
	}
	template := &run.GoogleCloudRunV2RevisionTemplate{}
	for i, c := range definition.MainContainers() {
		container, err := translateContainer(c)
		if err != nil {
			return nil, err
		}
		// Only the ingress container may declare a port.
		if i == 0 {
			container.Ports = []*run.GoogleCloudRunV2ContainerPort{{ContainerPort: int64(ingressPort(definition, c))}}
		}
		template.Containers = append(template.Containers, container)
	}
	if scale := definition.Scale; scale != nil {
		scaling, concurrency, err := translateScale(scale)
		if err != nil {
			return nil, err
		}
		template.Scaling = scaling
		template.MaxInstanceRequestConcurrency = concurrency
	}
	labels := map[string]string{
		managedLabel: "true",
		serviceLabel: definition.Name,
	}
	for key, value := range definition.Labels {
		labels[key] = value
	}
	service := &run.GoogleCloudRunV2Service{
		Labels:   labels,
		Template: template,
		Ingress:  "INGRESS_TRAFFIC_INTERNAL_ONLY",
		Traffic:  translateTraffic(definition.Traffic),
	}
	if definition.Ingress != nil && definition.Ingress.External {
		service.Ingress = "INGRESS_TRAFFIC_ALL"
	}
	return service, nil
}

func ingressPort(definition *apis.ServiceDefinition, c apis.Container) int32 {
	if definition.Ingress != nil && definition.Ingress.TargetPort != 0 {
		return definition.Ingress.TargetPort
	}
	if len(c.Ports) > 0 {
		return c.Ports[0].Port
	}
	return 8080
}

func translateContainer(c apis.Container) (*run.GoogleCloudRunV2Container, error) {
	container := &run.GoogleCloudRunV2Container{
		Name:       c.Name,
		Image:      c.Image,
		Command:    c.Command,
		Args:       c.Args,
		WorkingDir: c.WorkingDir,
		Env: lo.Map(apis.EffectiveEnv(c.Env), func(e apis.EnvVar, _ int) *run.GoogleCloudRunV2EnvVar {
			return &run.GoogleCloudRunV2EnvVar{Name: e.Name, Value: e.Value}
		}),
		VolumeMounts: lo.Map(c.VolumeMounts, func(m apis.VolumeMount, _ int) *run.GoogleCloudRunV2VolumeMount {
			return &run.GoogleCloudRunV2VolumeMount{Name: m.Name, MountPath: m.MountPath}
		}),
	}
	if limits := resourceLimits(c); len(limits) > 0 {
		container.Resources = &run.GoogleCloudRunV2ResourceRequirements{Limits: limits}
	}
	if probe := translateProbe(c.LivenessProbe); probe != nil {
		container.LivenessProbe = probe
	}
	// Cloud Run has startup probes but no readiness; a readiness probe
	// gates startup instead when no explicit startup probe is set.
	if probe := translateProbe(c.StartupProbe); probe != nil {
		container.StartupProbe = probe
	} else if probe := translateProbe(c.ReadinessProbe); probe != nil {
		container.StartupProbe = probe
	}
	return container, nil
}

func resourceLimits(c apis.Container) map[string]string {
	cpu := c.Resources.Limits.CPU
	if cpu == 0 {
		cpu = c.Resources.Requests.CPU
	}
	memory := c.Resources.Limits.MemoryMiB
	if memory == 0 {
		memory = c.Resources.Requests.MemoryMiB
	}
	limits := map[string]string{}
	if cpu != 0 {
		limits["cpu"] = cpuString(cpu)
	}
	if memory != 0 {
		limits["memory"] = strconv.FormatInt(memory, 10) + "Mi"
	}
	return limits
}

// cpuString renders cores the way Cloud Run expects: whole cores bare,
// fractions in millicores.
func cpuString(cores float64) string {
	if cores == math.Trunc(cores) {
		return strconv.FormatInt(int64(cores), 10)
	}
	return strconv.FormatInt(int64(math.Round(cores*1000)), 10) + "m"
}

// parseCPU inverts cpuString, accepting both millicore and core forms.
func parseCPU(s string) (float64, error) {
	if milli, ok := strings.CutSuffix(s, "m"); ok {
		value, err := strconv.ParseFloat(milli, 64)
		if err != nil {
			return 0, errors.NewBadRequest("cloudrun: unparseable cpu %q", s)
		}
		return value / 1000, nil
	}
	value, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, errors.NewBadRequest("cloudrun: unparseable cpu %q", s)
	}
	return value, nil
}

func translateProbe(probe *apis.Probe) *run.GoogleCloudRunV2Probe {
	if probe == nil {
		return nil
	}
	translated := &run.GoogleCloudRunV2Probe{
		InitialDelaySeconds: int64(lo.FromPtr(probe.InitialDelaySeconds)),
		PeriodSeconds:       int64(lo.FromPtr(probe.PeriodSeconds)),
		TimeoutSeconds:      int64(lo.FromPtr(probe.TimeoutSeconds)),
		FailureThreshold:    int64(lo.FromPtr(probe.FailureThreshold)),
	}
	switch {
	case probe.HTTPGet != nil:
		translated.HttpGet = &run.GoogleCloudRunV2HTTPGetAction{
			Path: lo.Ternary(probe.HTTPGet.Path == "", "/", probe.HTTPGet.Path),
			Port: int64(probe.HTTPGet.Port),
			HttpHeaders: lo.Map(probe.HTTPGet.Headers, func(h apis.HTTPHeader, _ int) *run.GoogleCloudRunV2HTTPHeader {
				return &run.GoogleCloudRunV2HTTPHeader{Name: h.Name, Value: h.Value}
			}),
		}
	case probe.TCPSocket != nil:
		translated.TcpSocket = &run.GoogleCloudRunV2TCPSocketAction{Port: int64(probe.TCPSocket.Port)}
	case probe.GRPC != nil:
		translated.Grpc = &run.GoogleCloudRunV2GRPCAction{
			Port:    int64(probe.GRPC.Port),
			Service: lo.FromPtr(probe.GRPC.Service),
		}
	default:
		return nil
	}
	return translated
}

// translateScale maps manual replicas to a pinned instance window and auto
// scale to min/max with the http rule's value as request concurrency. Cloud
// Run scales on request concurrency only, so other rule types are refused.
func translateScale(scale *apis.Scale) (*run.GoogleCloudRunV2RevisionScaling, int64, error) {
	scaling := &run.GoogleCloudRunV2RevisionScaling{}
	if scale.Mode == apis.ScaleModeManual && scale.Replicas != nil {
		scaling.MinInstanceCount = int64(*scale.Replicas)
		scaling.MaxInstanceCount = int64(*scale.Replicas)
		return scaling, 0, nil
	}
	scaling.MinInstanceCount = int64(lo.FromPtr(scale.MinReplicas))
	if scale.MaxReplicas != nil {
		scaling.MaxInstanceCount = int64(*scale.MaxReplicas)
	}
	var concurrency int64
	for _, rule := range scale.Rules {
		if rule.Type != apis.ScaleRuleHTTP {
			return nil, 0, errors.NewUnsupported("cloudrun: scale rule type %q is not supported", rule.Type)
		}
		if value, ok := rule.Metadata["value"]; ok {
			parsed, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return nil, 0, errors.NewBadRequest("cloudrun: unparseable concurrency %q", value)
			}
			concurrency = parsed
		}
	}
	return scaling, concurrency, nil
}

// translateTraffic defaults to everything on the latest ready revision.
// Cloud Run percents are integers; the component validates the sum.
func translateTraffic(traffic []apis.TrafficAllocation) []*run.GoogleCloudRunV2TrafficTarget {
	if len(traffic) == 0 {
		return []*run.GoogleCloudRunV2TrafficTarget{{
			Type:    "TRAFFIC_TARGET_ALLOCATION_TYPE_LATEST",
			Percent: 100,
		}}
	}
	return lo.Map(traffic, func(t apis.TrafficAllocation, _ int) *run.GoogleCloudRunV2TrafficTarget {
		target := &run.GoogleCloudRunV2TrafficTarget{
			Percent: int64(t.Percent),
			Tag:     t.Tag,
		}
		if t.LatestRevision {
			target.Type = "TRAFFIC_TARGET_ALLOCATION_TYPE_LATEST"
		} else {
			target.Type = "TRAFFIC_TARGET_ALLOCATION_TYPE_REVISION"
			target.Revision = t.RevisionName
		}
		return target
	})
}

func statusOf(service *run.GoogleCloudRunV2Service) apis.ServiceStatus {
	if service.TerminalCondition == nil {
		return apis.ServiceStatusProgressing
	}
	switch service.TerminalCondition.State {
	case "CONDITION_SUCCEEDED":
		if service.Reconciling {
			return apis.ServiceStatusProgressing
		}
		return apis.ServiceStatusReady
	case "CONDITION_FAILED":
		return apis.ServiceStatusFailed
	case "CONDITION_PENDING", "CONDITION_RECONCILING":
		return apis.ServiceStatusProgressing
	default:
		return apis.ServiceStatusUnknown
	}
}

func serviceItem(service *run.GoogleCloudRunV2Service) *apis.ServiceItem {
	item := &apis.ServiceItem{
		Name:                  shortName(service.Name),
		URI:                   service.Uri,
		Status:                statusOf(service),
		LatestReadyRevision:   shortName(service.LatestReadyRevision),
		LatestCreatedRevision: shortName(service.LatestCreatedRevision),
		Native:                service,
	}
	if name := service.Labels[serviceLabel]; name != "" {
		item.Name = name
	}
	if t, err := time.Parse(time.RFC3339Nano, service.CreateTime); err == nil {
		item.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, service.UpdateTime); err == nil {
		item.UpdatedAt = t
	}
	for _, status := range service.TrafficStatuses {
		allocation := apis.TrafficAllocation{
			RevisionName: shortName(status.Revision),
			Tag:          status.Tag,
			Percent:      int32(status.Percent),
		}
		if status.Type == "TRAFFIC_TARGET_ALLOCATION_TYPE_LATEST" {
			allocation.LatestRevision = true
		}
		item.Traffic = append(item.Traffic, allocation)
	}
	return item
}

func revisionItem(service string, revision *run.GoogleCloudRunV2Revision, serving map[string]bool) apis.RevisionItem {
	item := apis.RevisionItem{
		Name:    shortName(revision.Name),
		Service: service,
		Active:  serving[shortName(revision.Name)],
		Images: lo.FilterMap(revision.Containers, func(c *run.GoogleCloudRunV2Container, _ int) (string, bool) {
			return c.Image, c.Image != ""
		}),
		Native: revision,
	}
	if t, err := time.Parse(time.RFC3339Nano, revision.CreateTime); err == nil {
		item.CreatedAt = t
	}
	return item
}

// servingRevisions resolves the revisions currently taking traffic,
// expanding latest-type targets to the latest ready revision.
func servingRevisions(service *run.GoogleCloudRunV2Service) map[string]bool {
	serving := map[string]bool{}
	for _, status := range service.TrafficStatuses {
		if status.Percent == 0 && status.Tag == "" {
			continue
		}
		if status.Type == "TRAFFIC_TARGET_ALLOCATION_TYPE_LATEST" {
			serving[shortName(service.LatestReadyRevision)] = true
			continue
		}
		serving[shortName(status.Revision)] = true
	}
	return serving
}

func shortName(resource string) string {
	if i := strings.LastIndex(resource, "/"); i >= 0 {
		return resource[i+1:]
	}
	return resource
}

func operationError(op *run.GoogleLongrunningOperation) error {
	if op.Error == nil {
		return nil
	}
	return fmt.Errorf("operation %q failed: %s", op.Name, op.Error.Message)
}
