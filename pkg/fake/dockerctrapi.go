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
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// DockerContainer is one fake engine container: the create-time config plus
// runtime state the provider observes through list and inspect.
type DockerContainer struct {
	ID         string
	Name       string
	Config     container.Config
	HostConfig container.HostConfig
	Running    bool
	Created    time.Time
}

// DockerContainerAPI is an in-memory docker engine container store. Label
// filters and name conflicts behave like the engine's.
type DockerContainerAPI struct {
	mu         sync.Mutex
	containers map[string]*DockerContainer

	// Pulled records every ImagePull reference in order.
	Pulled []string

	CreateError  AtomicError
	StartError   AtomicError
	StopError    AtomicError
	RemoveError  AtomicError
	ListError    AtomicError
	InspectError AtomicError
	RenameError  AtomicError
	PullError    AtomicError

	nextID int
}

func NewDockerContainerAPI() *DockerContainerAPI {
	return &DockerContainerAPI{containers: map[string]*DockerContainer{}}
}

// Reset must be called between tests otherwise tests will pollute each other.
func (d *DockerContainerAPI) Reset() {
	d.CreateError.Reset()
	d.StartError.Reset()
	d.StopError.Reset()
	d.RemoveError.Reset()
	d.ListError.Reset()
	d.InspectError.Reset()
	d.RenameError.Reset()
	d.PullError.Reset()
	d.mu.Lock()
	defer d.mu.Unlock()
	d.containers = map[string]*DockerContainer{}
	d.Pulled = nil
	d.nextID = 0
}

// Containers returns the live set for assertions.
func (d *DockerContainerAPI) Containers() []*DockerContainer {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*DockerContainer, 0, len(d.containers))
	for _, c := range d.containers {
		out = append(out, c)
	}
	return out
}

func (d *DockerContainerAPI) ContainerCreate(_ context.Context, config *container.Config, hostConfig *container.HostConfig,
	_ *network.NetworkingConfig, _ *ocispec.Platform, containerName string) (container.CreateResponse, error) {
	if err := d.CreateError.Get(); err != nil {
		return container.CreateResponse{}, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, c := range d.containers {
		if c.Name == containerName {
			return container.CreateResponse{}, fmt.Errorf("Conflict. The container name %q is already in use by container %q", containerName, c.ID)
		}
	}
	d.nextID++
	c := &DockerContainer{
		ID:      fmt.Sprintf("fakecontainer%04d", d.nextID),
		Name:    containerName,
		Created: time.Now(),
	}
	if config != nil {
		c.Config = *config
	}
	if hostConfig != nil {
		c.HostConfig = *hostConfig
	}
	d.containers[c.ID] = c
	return container.CreateResponse{ID: c.ID}, nil
}

func (d *DockerContainerAPI) ContainerStart(_ context.Context, containerID string, _ container.StartOptions) error {
	if err := d.StartError.Get(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	c := d.find(containerID)
	if c == nil {
		return fmt.Errorf("No such container: %s", containerID)
	}
	c.Running = true
	return nil
}

func (d *DockerContainerAPI) ContainerStop(_ context.Context, containerID string, _ container.StopOptions) error {
	if err := d.StopError.Get(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	c := d.find(containerID)
	if c == nil {
		return fmt.Errorf("No such container: %s", containerID)
	}
	c.Running = false
	return nil
}

func (d *DockerContainerAPI) ContainerRemove(_ context.Context, containerID string, options container.RemoveOptions) error {
	if err := d.RemoveError.Get(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	c := d.find(containerID)
	if c == nil {
		return fmt.Errorf("No such container: %s", containerID)
	}
	if c.Running && !options.Force {
		return fmt.Errorf("cannot remove running container %s", c.ID)
	}
	delete(d.containers, c.ID)
	return nil
}

func (d *DockerContainerAPI) ContainerRename(_ context.Context, containerID, newName string) error {
	if err := d.RenameError.Get(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	c := d.find(containerID)
	if c == nil {
		return fmt.Errorf("No such container: %s", containerID)
	}
	for _, other := range d.containers {
		if other.Name == newName && other.ID != c.ID {
			return fmt.Errorf("Conflict. The container name %q is already in use by container %q", newName, other.ID)
		}
	}
	c.Name = newName
	return nil
}

func (d *DockerContainerAPI) ContainerList(_ context.Context, options container.ListOptions) ([]container.Summary, error) {
	if err := d.ListError.Get(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	labels := options.Filters.Get("label")
	var out []container.Summary
	for _, c := range d.containers {
		if !options.All && !c.Running {
			continue
		}
		if !matchesLabels(c.Config.Labels, labels) {
			continue
		}
		out = append(out, container.Summary{
			ID:      c.ID,
			Names:   []string{"/" + c.Name},
			Image:   c.Config.Image,
			Labels:  c.Config.Labels,
			State:   stateOf(c),
			Created: c.Created.Unix(),
		})
	}
	return out, nil
}

func (d *DockerContainerAPI) ContainerInspect(_ context.Context, containerID string) (container.InspectResponse, error) {
	if err := d.InspectError.Get(); err != nil {
		return container.InspectResponse{}, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	c := d.find(containerID)
	if c == nil {
		return container.InspectResponse{}, fmt.Errorf("No such container: %s", containerID)
	}
	state := &container.State{Status: stateOf(c), Running: c.Running}
	if c.Config.Healthcheck != nil && len(c.Config.Healthcheck.Test) > 0 {
		status := container.Unhealthy
		if c.Running {
			status = container.Healthy
		}
		state.Health = &container.Health{Status: status}
	}
	config := c.Config
	hostConfig := c.HostConfig
	return container.InspectResponse{
		ContainerJSONBase: &container.ContainerJSONBase{
			ID:         c.ID,
			Name:       "/" + c.Name,
			Created:    c.Created.Format(time.RFC3339Nano),
			State:      state,
			HostConfig: &hostConfig,
		},
		Config: &config,
	}, nil
}

func (d *DockerContainerAPI) ImagePull(_ context.Context, refStr string, _ image.PullOptions) (io.ReadCloser, error) {
	if err := d.PullError.Get(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Pulled = append(d.Pulled, refStr)
	return io.NopCloser(bytes.NewReader([]byte("{}\n"))), nil
}

// find resolves an ID or a name, with or without the leading slash.
func (d *DockerContainerAPI) find(ref string) *DockerContainer {
	if c, ok := d.containers[ref]; ok {
		return c
	}
	name := strings.TrimPrefix(ref, "/")
	for _, c := range d.containers {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func stateOf(c *DockerContainer) string {
	if c.Running {
		return "running"
	}
	return "exited"
}

// matchesLabels applies engine-style "key" or "key=value" label filters.
func matchesLabels(labels map[string]string, filters []string) bool {
	for _, f := range filters {
		key, value, hasValue := strings.Cut(f, "=")
		got, ok := labels[key]
		if !ok || (hasValue && got != value) {
			return false
		}
	}
	return true
}
