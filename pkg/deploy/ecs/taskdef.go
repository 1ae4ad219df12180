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
	"regexp"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/ecs"
	ecstypes "github.com/aws/aws-sdk-go-v2/service/ecs/types"
	"github.com/samber/lo"

	"github.com/strato-cloud/strato/pkg/apis"
	"github.com/strato-cloud/strato/pkg/errors"
)

// fargateClasses maps each CPU class to its allowed memory tiers, ascending.
var fargateClasses = []struct {
	cpu    int32
	memory []int32
}{
	{256, []int32{512, 1024, 2048}},
	{512, tiers(1024, 4096, 1024)},
	{1024, tiers(2048, 8192, 1024)},
	{2048, tiers(4096, 16384, 1024)},
	{4096, tiers(8192, 30720, 1024)},
	{8192, tiers(16384, 61440, 4096)},
	{16384, tiers(32768, 122880, 8192)},
}

func tiers(min, max, step int32) []int32 {
	var out []int32
	for v := min; v <= max; v += step {
		out = append(out, v)
	}
	return out
}

// quantizeFargate picks the smallest CPU class covering the request and the
// smallest memory tier within it. Memory beyond the class maximum is refused
// rather than silently bumped to a larger class.
func quantizeFargate(cpuUnits, memoryMiB int32) (int32, int32, error) {
	for _, class := range fargateClasses {
		if class.cpu < cpuUnits {
			continue
		}
		for _, tier := range class.memory {
			if tier >= memoryMiB {
				return class.cpu, tier, nil
			}
		}
		return 0, 0, errors.NewBadRequest("fargate: %d MiB exceeds the %d CPU class maximum of %d MiB",
			memoryMiB, class.cpu, class.memory[len(class.memory)-1])
	}
	return 0, 0, errors.NewBadRequest("fargate: %d CPU units exceeds the largest class (16384)", cpuUnits)
}

// registerTaskDefinition translates the definition into a new revision of the
// service's task definition family.
func (p *Provider) registerTaskDefinition(ctx context.Context, definition *apis.ServiceDefinition, res *resources) error {
	var containers []ecstypes.ContainerDefinition
	for _, c := range definition.InitContainers() {
		cd, err := containerDefinition(c, false)
		if err != nil {
			return err
		}
		containers = append(containers, cd)
	}
	initNames := lo.Map(definition.InitContainers(), func(c apis.Container, _ int) string { return c.Name })
	for _, c := range definition.MainContainers() {
		cd, err := containerDefinition(c, true)
		if err != nil {
			return err
		}
		// Main containers start only after every init container exits cleanly.
		cd.DependsOn = lo.Map(initNames, func(name string, _ int) ecstypes.ContainerDependency {
			return ecstypes.ContainerDependency{
				ContainerName: lo.ToPtr(name),
				Condition:     ecstypes.ContainerConditionSuccess,
			}
		})
		containers = append(containers, cd)
	}
	input := &ecs.RegisterTaskDefinitionInput{
		Family:               lo.ToPtr(definition.Name),
		ContainerDefinitions: containers,
		NetworkMode:          ecstypes.NetworkModeAwsvpc,
		ExecutionRoleArn:     lo.ToPtr(res.executionRoleArn),
		TaskRoleArn:          lo.ToPtr(res.taskRoleArn),
		Volumes:              taskVolumes(definition.Volumes),
		Tags:                 ecsTags(definition.Name),
	}
	if p.config.LaunchType == LaunchTypeFargate {
		cpu, memory, err := quantizeFargate(totalCPUUnits(definition), totalMemoryMiB(definition))
		if err != nil {
			return err
		}
		input.RequiresCompatibilities = []ecstypes.Compatibility{ecstypes.CompatibilityFargate}
		input.Cpu = lo.ToPtr(strconv.Itoa(int(cpu)))
		input.Memory = lo.ToPtr(strconv.Itoa(int(memory)))
	}
	out, err := p.ecsapi.RegisterTaskDefinition(ctx, input)
	if err != nil {
		return errors.FromAWS(err)
	}
	res.taskDefinitionArn = lo.FromPtr(out.TaskDefinition.TaskDefinitionArn)
	return nil
}

func containerDefinition(c apis.Container, essential bool) (ecstypes.ContainerDefinition, error) {
	cd := ecstypes.ContainerDefinition{
		Name:       lo.ToPtr(c.Name),
		Image:      lo.ToPtr(c.Image),
		Essential:  lo.ToPtr(essential),
		Command:    c.Args,
		EntryPoint: c.Command,
		Environment: lo.Map(apis.EffectiveEnv(c.Env), func(e apis.EnvVar, _ int) ecstypes.KeyValuePair {
			return ecstypes.KeyValuePair{Name: lo.ToPtr(e.Name), Value: lo.ToPtr(e.Value)}
		}),
		PortMappings: lo.Map(c.Ports, func(port apis.ContainerPort, _ int) ecstypes.PortMapping {
			return ecstypes.PortMapping{
				ContainerPort: lo.ToPtr(port.Port),
				Protocol:      lo.Ternary(port.Protocol == apis.ProtocolUDP, ecstypes.TransportProtocolUdp, ecstypes.TransportProtocolTcp),
			}
		}),
		MountPoints: lo.Map(c.VolumeMounts, func(m apis.VolumeMount, _ int) ecstypes.MountPoint {
			return ecstypes.MountPoint{
				SourceVolume:  lo.ToPtr(m.Name),
				ContainerPath: lo.ToPtr(m.MountPath),
				ReadOnly:      lo.ToPtr(m.ReadOnly),
			}
		}),
	}
	if c.WorkingDir != "" {
		cd.WorkingDirectory = lo.ToPtr(c.WorkingDir)
	}
	if c.Resources.Requests.CPU > 0 {
		cd.Cpu = cpuUnits(c.Resources.Requests.CPU)
	}
	if c.Resources.Requests.MemoryMiB > 0 {
		cd.MemoryReservation = lo.ToPtr(int32(c.Resources.Requests.MemoryMiB))
	}
	if c.Resources.Limits.MemoryMiB > 0 {
		cd.Memory = lo.ToPtr(int32(c.Resources.Limits.MemoryMiB))
	}
	if c.LivenessProbe != nil {
		check, err := probeToHealthCheck(c.LivenessProbe)
		if err != nil {
			return ecstypes.ContainerDefinition{}, err
		}
		cd.HealthCheck = check
	}
	return cd, nil
}

// probeToHealthCheck renders a probe as the fixed CMD-SHELL shapes that
// healthCheckToProbe parses back.
func probeToHealthCheck(probe *apis.Probe) (*ecstypes.HealthCheck, error) {
	var command string
	switch {
	case probe.HTTPGet != nil:
		scheme := strings.ToLower(probe.HTTPGet.Scheme)
		if scheme == "" {
			scheme = "http"
		}
		host := probe.HTTPGet.Host
		if host == "" {
			host = "localhost"
		}
		command = fmt.Sprintf("curl -fsS %s://%s:%d%s || exit 1", scheme, host, probe.HTTPGet.Port, probe.HTTPGet.Path)
	case probe.TCPSocket != nil:
		host := probe.TCPSocket.Host
		if host == "" {
			host = "localhost"
		}
		command = fmt.Sprintf("bash -c '</dev/tcp/%s/%d' || exit 1", host, probe.TCPSocket.Port)
	case probe.Exec != nil:
		return &ecstypes.HealthCheck{
			Command:     append([]string{"CMD"}, probe.Exec.Command...),
			Interval:    probe.PeriodSeconds,
			Timeout:     probe.TimeoutSeconds,
			Retries:     probe.FailureThreshold,
			StartPeriod: probe.InitialDelaySeconds,
		}, nil
	default:
		return nil, errors.NewUnsupported("ecs: only http, tcp, and exec probes translate to health checks")
	}
	return &ecstypes.HealthCheck{
		Command:     []string{"CMD-SHELL", command},
		Interval:    probe.PeriodSeconds,
		Timeout:     probe.TimeoutSeconds,
		Retries:     probe.FailureThreshold,
		StartPeriod: probe.InitialDelaySeconds,
	}, nil
}

var (
	httpCheckPattern = regexp.MustCompile(`^curl -fsS (https?)://([^:/]+):(\d+)(\S*) \|\| exit 1$`)
	tcpCheckPattern  = regexp.MustCompile(`^bash -c '</dev/tcp/([^/]+)/(\d+)' \|\| exit 1$`)
)

// healthCheckToProbe inverts probeToHealthCheck. Commands that do not match
// the generated shapes come back as exec probes.
func healthCheckToProbe(check *ecstypes.HealthCheck) *apis.Probe {
	if check == nil || len(check.Command) == 0 {
		return nil
	}
	probe := &apis.Probe{
		PeriodSeconds:       check.Interval,
		TimeoutSeconds:      check.Timeout,
		FailureThreshold:    check.Retries,
		InitialDelaySeconds: check.StartPeriod,
	}
	if check.Command[0] == "CMD-SHELL" && len(check.Command) == 2 {
		if m := httpCheckPattern.FindStringSubmatch(check.Command[1]); m != nil {
			port, _ := strconv.Atoi(m[3])
			probe.HTTPGet = &apis.HTTPGetAction{
				Scheme: m[1],
				Host:   m[2],
				Port:   int32(port),
				Path:   m[4],
			}
			return probe
		}
		if m := tcpCheckPattern.FindStringSubmatch(check.Command[1]); m != nil {
			port, _ := strconv.Atoi(m[2])
			probe.TCPSocket = &apis.TCPSocketAction{Host: m[1], Port: int32(port)}
			return probe
		}
		probe.Exec = &apis.ExecAction{Command: []string{"sh", "-c", check.Command[1]}}
		return probe
	}
	probe.Exec = &apis.ExecAction{Command: check.Command[1:]}
	return probe
}

func taskVolumes(volumes []apis.Volume) []ecstypes.Volume {
	return lo.Map(volumes, func(v apis.Volume, _ int) ecstypes.Volume {
		out := ecstypes.Volume{Name: lo.ToPtr(v.Name)}
		if v.HostPath != nil {
			out.Host = &ecstypes.HostVolumeProperties{SourcePath: lo.ToPtr(v.HostPath.Path)}
		}
		return out
	})
}

// totalCPUUnits sums container CPU requests in ECS units (1024 per core).
func totalCPUUnits(definition *apis.ServiceDefinition) int32 {
	total := int32(0)
	for _, c := range definition.Containers {
		total += cpuUnits(c.Resources.Requests.CPU)
	}
	if total == 0 {
		return 256
	}
	return total
}

func totalMemoryMiB(definition *apis.ServiceDefinition) int32 {
	total := int32(0)
	for _, c := range definition.Containers {
		total += int32(c.Resources.Requests.MemoryMiB)
	}
	if total == 0 {
		return 512
	}
	return total
}

func cpuUnits(cores float64) int32 {
	return int32(cores * 1024)
}

// revisionName renders a task definition ARN as "family:revision".
func revisionName(arn string) string {
	if i := strings.LastIndex(arn, "/"); i >= 0 {
		return arn[i+1:]
	}
	return arn
}
