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

// Package dockerlocal runs container services on the local docker engine,
// one container per service. The serving container carries the service name;
// superseded revisions stay behind as stopped containers under
// "{service}.r{revision}" so they can be listed, reactivated, or deleted.
package dockerlocal

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/strslice"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/samber/lo"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/strato-cloud/strato/pkg/apis"
	"github.com/strato-cloud/strato/pkg/deploy"
	"github.com/strato-cloud/strato/pkg/errors"
)

const (
	managedLabel  = "strato.dev/managed"
	serviceLabel  = "strato.dev/service"
	revisionLabel = "strato.dev/revision"
)

// ContainerAPI narrows the docker engine client to the container calls this
// provider makes, so the fake implements exactly this surface.
type ContainerAPI interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig,
		networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerRename(ctx context.Context, containerID, newName string) error
	ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error)
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
	ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error)
}

// Provider implements deploy.Provider on the local engine.
type Provider struct {
	docker ContainerAPI
}

func NewProvider(docker ContainerAPI) *Provider {
	return &Provider{docker: docker}
}

// NewEnvironmentProvider connects to the engine named by the standard
// DOCKER_HOST family of variables.
func NewEnvironmentProvider() (*Provider, error) {
	docker, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("connecting to docker, %w", err)
	}
	return NewProvider(docker), nil
}

func (p *Provider) Name() string { return "dockerlocal" }

func (p *Provider) Close() error { return nil }

// Supports: kept containers give addressable revisions; a single container
// cannot split traffic or run sidecars.
func (p *Provider) Supports(feature apis.Feature) bool {
	switch feature {
	case apis.FeatureMultipleRevisions, apis.FeatureRevisionDelete:
		return true
	}
	return false
}

// CreateService archives the serving container and starts a fresh one from
// the definition.
func (p *Provider) CreateService(ctx context.Context, rollout *deploy.Rollout) (*apis.ServiceItem, error) {
	definition := rollout.Definition
	if len(definition.InitContainers()) > 0 {
		return nil, errors.NewUnsupported("dockerlocal: init containers are not supported")
	}
	existing, err := p.serviceContainers(ctx, definition.Name)
	if err != nil {
		return nil, err
	}
	current := currentContainer(existing)
	if rollout.WhereExists != nil {
		if *rollout.WhereExists && current == nil {
			return nil, errors.NewPreconditionFailed("service %q does not exist", definition.Name)
		}
		if !*rollout.WhereExists && current != nil {
			return nil, errors.NewPreconditionFailed("service %q already exists", definition.Name)
		}
	}
	main := definition.MainContainers()[0]
	p.pull(ctx, main.Image)
	revision := nextRevision(existing)
	if current != nil {
		if err := p.archive(ctx, definition.Name, current); err != nil {
			return nil, err
		}
	}
	config, hostConfig := translate(definition, main, revision)
	created, err := p.docker.ContainerCreate(ctx, config, hostConfig, nil, nil, definition.Name)
	if err != nil {
		return nil, fmt.Errorf("dockerlocal: creating container: %w", err)
	}
	if err := p.docker.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("dockerlocal: starting container: %w", err)
	}
	item, err := p.waitRunning(ctx, definition.Name, created.ID, rollout.Timeout)
	if err != nil {
		return nil, err
	}
	log.FromContext(ctx).WithValues("service", definition.Name, "container", created.ID, "revision", revision).V(1).Info("started service container")
	return item, nil
}

// pull is best effort: locally built images have nothing to pull from.
func (p *Provider) pull(ctx context.Context, ref string) {
	body, err := p.docker.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		log.FromContext(ctx).WithValues("image", ref).V(1).Info("image pull failed, using local image")
		return
	}
	_, _ = io.Copy(io.Discard, body)
	_ = body.Close()
}

// archive stops the serving container and frees its name for the successor.
func (p *Provider) archive(ctx context.Context, service string, current *container.Summary) error {
	if err := p.docker.ContainerStop(ctx, current.ID, container.StopOptions{}); err != nil {
		return fmt.Errorf("dockerlocal: stopping container: %w", err)
	}
	archived := fmt.Sprintf("%s.r%d", service, revisionOf(current))
	if err := p.docker.ContainerRename(ctx, current.ID, archived); err != nil {
		return fmt.Errorf("dockerlocal: archiving container: %w", err)
	}
	return nil
}

func translate(definition *apis.ServiceDefinition, main apis.Container, revision int) (*container.Config, *container.HostConfig) {
	config := &container.Config{
		Image:      main.Image,
		Entrypoint: strslice.StrSlice(main.Command),
		Cmd:        strslice.StrSlice(main.Args),
		WorkingDir: main.WorkingDir,
		Env: lo.Map(apis.EffectiveEnv(main.Env), func(e apis.EnvVar, _ int) string {
			return e.Name + "=" + e.Value
		}),
		Labels: map[string]string{
			managedLabel:  "true",
			serviceLabel:  definition.Name,
			revisionLabel: strconv.Itoa(revision),
		},
		ExposedPorts: nat.PortSet{},
	}
	for key, value := range definition.Labels {
		config.Labels[key] = value
	}
	if probe := main.LivenessProbe; probe != nil {
		config.Healthcheck = healthConfig(probe)
	}
	hostConfig := &container.HostConfig{
		RestartPolicy: restartPolicy(definition.RestartPolicy),
		PortBindings:  nat.PortMap{},
	}
	for _, port := range main.Ports {
		config.ExposedPorts[containerPort(port.Port)] = struct{}{}
	}
	if ingress := definition.Ingress; ingress != nil {
		target := containerPort(ingress.TargetPort)
		config.ExposedPorts[target] = struct{}{}
		hostConfig.PortBindings[target] = []nat.PortBinding{{
			HostIP:   "0.0.0.0",
			HostPort: strconv.Itoa(int(exposedPort(ingress))),
		}}
	}
	return config, hostConfig
}

func containerPort(port int32) nat.Port {
	return nat.Port(fmt.Sprintf("%d/tcp", port))
}

// exposedPort defaults to 80 for http-shaped transports and to the target
// port for raw tcp.
func exposedPort(ingress *apis.Ingress) int32 {
	if ingress.ExposedPort != 0 {
		return ingress.ExposedPort
	}
	if ingress.Transport == apis.TransportTCP {
		return ingress.TargetPort
	}
	return 80
}

func restartPolicy(policy apis.RestartPolicy) container.RestartPolicy {
	switch policy {
	case apis.RestartPolicyNever:
		return container.RestartPolicy{Name: container.RestartPolicyDisabled}
	case apis.RestartPolicyOnFailure:
		return container.RestartPolicy{Name: container.RestartPolicyOnFailure}
	default:
		return container.RestartPolicy{Name: container.RestartPolicyAlways}
	}
}

func healthConfig(probe *apis.Probe) *container.HealthConfig {
	check := &container.HealthConfig{}
	switch {
	case probe.Exec != nil:
		check.Test = append([]string{"CMD"}, probe.Exec.Command...)
	case probe.HTTPGet != nil:
		get := probe.HTTPGet
		scheme := lo.Ternary(get.Scheme == "", "http", get.Scheme)
		host := lo.Ternary(get.Host == "", "localhost", get.Host)
		check.Test = []string{"CMD-SHELL", fmt.Sprintf("curl -fsS %s://%s:%d%s || exit 1", scheme, host, get.Port, get.Path)}
	case probe.TCPSocket != nil:
		host := lo.Ternary(probe.TCPSocket.Host == "", "localhost", probe.TCPSocket.Host)
		check.Test = []string{"CMD-SHELL", fmt.Sprintf("bash -c '</dev/tcp/%s/%d' || exit 1", host, probe.TCPSocket.Port)}
	default:
		return nil
	}
	if probe.PeriodSeconds != nil {
		check.Interval = time.Duration(*probe.PeriodSeconds) * time.Second
	}
	if probe.TimeoutSeconds != nil {
		check.Timeout = time.Duration(*probe.TimeoutSeconds) * time.Second
	}
	if probe.FailureThreshold != nil {
		check.Retries = int(*probe.FailureThreshold)
	}
	if probe.InitialDelaySeconds != nil {
		check.StartPeriod = time.Duration(*probe.InitialDelaySeconds) * time.Second
	}
	return check
}

// waitRunning polls the container until it runs (and reports healthy when a
// health check is configured). On budget expiry the current state is
// returned; a Timeout error only when the container was never observed.
func (p *Provider) waitRunning(ctx context.Context, service, containerID string, timeout time.Duration) (*apis.ServiceItem, error) {
	deadline := time.Now().Add(timeout)
	var last *container.InspectResponse
	for {
		inspected, err := p.docker.ContainerInspect(ctx, containerID)
		if err == nil {
			last = &inspected
			if running(&inspected) {
				return p.itemFromInspect(service, &inspected), nil
			}
		}
		if time.Now().After(deadline) {
			if last == nil {
				return nil, errors.NewTimeout("service %q did not materialize within %s", service, timeout)
			}
			return p.itemFromInspect(service, last), nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
}

func running(inspected *container.InspectResponse) bool {
	if inspected.State == nil || !inspected.State.Running {
		return false
	}
	if inspected.State.Health != nil {
		return inspected.State.Health.Status == container.Healthy
	}
	return true
}

func (p *Provider) GetService(ctx context.Context, name string) (*apis.ServiceItem, error) {
	existing, err := p.serviceContainers(ctx, name)
	if err != nil {
		return nil, err
	}
	current := currentContainer(existing)
	if current == nil {
		return nil, errors.NewNotFound("service %q does not exist", name)
	}
	inspected, err := p.docker.ContainerInspect(ctx, current.ID)
	if err != nil {
		return nil, fmt.Errorf("dockerlocal: inspecting container: %w", err)
	}
	return p.itemFromInspect(name, &inspected), nil
}

func (p *Provider) ListServices(ctx context.Context) ([]apis.ServiceItem, error) {
	listed, err := p.docker.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", managedLabel+"=true")),
	})
	if err != nil {
		return nil, fmt.Errorf("dockerlocal: listing containers: %w", err)
	}
	byService := lo.GroupBy(listed, func(c container.Summary) string { return c.Labels[serviceLabel] })
	var items []apis.ServiceItem
	for service, group := range byService {
		if service == "" {
			continue
		}
		current := currentContainer(group)
		inspected, err := p.docker.ContainerInspect(ctx, current.ID)
		if err != nil {
			return nil, fmt.Errorf("dockerlocal: inspecting container: %w", err)
		}
		items = append(items, *p.itemFromInspect(service, &inspected))
	}
	return items, nil
}

// DeleteService removes every container of the service, running or not.
func (p *Provider) DeleteService(ctx context.Context, name string, _ time.Duration) error {
	existing, err := p.serviceContainers(ctx, name)
	if err != nil {
		return err
	}
	for _, c := range existing {
		if err := p.docker.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true}); err != nil {
			return fmt.Errorf("dockerlocal: removing container: %w", err)
		}
	}
	log.FromContext(ctx).WithValues("service", name, "containers", len(existing)).V(1).Info("deleted service")
	return nil
}

func (p *Provider) serviceContainers(ctx context.Context, service string) ([]container.Summary, error) {
	listed, err := p.docker.ContainerList(ctx, container.ListOptions{
		All: true,
		Filters: filters.NewArgs(
			filters.Arg("label", managedLabel+"=true"),
			filters.Arg("label", serviceLabel+"="+service),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("dockerlocal: listing containers: %w", err)
	}
	return listed, nil
}

// currentContainer is the running one; with nothing running, the highest
// revision stands in so reads keep working after a crash.
func currentContainer(containers []container.Summary) *container.Summary {
	if len(containers) == 0 {
		return nil
	}
	for i := range containers {
		if containers[i].State == "running" {
			return &containers[i]
		}
	}
	return lo.MaxBy(lo.ToSlicePtr(containers), func(a, b *container.Summary) bool {
		return revisionOf(a) > revisionOf(b)
	})
}

func revisionOf(c *container.Summary) int {
	revision, _ := strconv.Atoi(c.Labels[revisionLabel])
	return revision
}

func nextRevision(containers []container.Summary) int {
	next := 1
	for i := range containers {
		if r := revisionOf(&containers[i]); r >= next {
			next = r + 1
		}
	}
	return next
}

func (p *Provider) itemFromInspect(service string, inspected *container.InspectResponse) *apis.ServiceItem {
	item := &apis.ServiceItem{
		Name:   service,
		Status: statusOf(inspected),
		Native: inspected,
	}
	if inspected.Config != nil {
		if revision := inspected.Config.Labels[revisionLabel]; revision != "" {
			item.LatestCreatedRevision = service + ":" + revision
			item.LatestReadyRevision = item.LatestCreatedRevision
		}
	}
	if created, err := time.Parse(time.RFC3339Nano, inspected.Created); err == nil {
		item.CreatedAt = created
	}
	if inspected.HostConfig != nil {
		for _, bindings := range inspected.HostConfig.PortBindings {
			if len(bindings) > 0 {
				item.URI = "http://localhost:" + bindings[0].HostPort
				break
			}
		}
	}
	return item
}

func statusOf(inspected *container.InspectResponse) apis.ServiceStatus {
	state := inspected.State
	if state == nil {
		return apis.ServiceStatusUnknown
	}
	switch {
	case state.Running && state.Health != nil && state.Health.Status == container.Starting:
		return apis.ServiceStatusProgressing
	case state.Running && state.Health != nil && state.Health.Status == container.Unhealthy:
		return apis.ServiceStatusFailed
	case state.Running:
		return apis.ServiceStatusReady
	case state.Status == "created" || state.Status == "restarting":
		return apis.ServiceStatusProgressing
	default:
		return apis.ServiceStatusFailed
	}
}
