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

package deploy

import (
	"encoding/json"
	"fmt"

	"github.com/samber/lo"

	"github.com/strato-cloud/strato/pkg/apis"
	"github.com/strato-cloud/strato/pkg/errors"
)

// ServiceOverlay selectively adjusts a base definition per environment. Env
// entries merge into the base container by name; every other set field
// replaces the base's wholesale.
type ServiceOverlay struct {
	Containers    []ContainerOverlay        `json:"containers,omitempty"`
	Ingress       *apis.Ingress             `json:"ingress,omitempty"`
	Scale         *apis.Scale               `json:"scale,omitempty"`
	Traffic       []apis.TrafficAllocation  `json:"traffic,omitempty"`
	Volumes       []apis.Volume             `json:"volumes,omitempty"`
	RestartPolicy apis.RestartPolicy        `json:"restartPolicy,omitempty"`
	Labels        map[string]string         `json:"labels,omitempty"`
}

// ContainerOverlay adjusts the base container with the same name.
type ContainerOverlay struct {
	Name    string        `json:"name"`
	Image   string        `json:"image,omitempty"`
	Command []string      `json:"command,omitempty"`
	Args    []string      `json:"args,omitempty"`
	Env     []apis.EnvVar `json:"env,omitempty"`
}

// MergeOverlay returns a copy of base with the overlay applied; base itself
// is never mutated. An overlay naming an absent container is refused.
func MergeOverlay(base *apis.ServiceDefinition, overlay *ServiceOverlay) (*apis.ServiceDefinition, error) {
	merged, err := clone(base)
	if err != nil {
		return nil, err
	}
	if overlay == nil {
		return merged, nil
	}
	for _, co := range overlay.Containers {
		i := lo.IndexOf(lo.Map(merged.Containers, func(c apis.Container, _ int) string { return c.Name }), co.Name)
		if i < 0 {
			return nil, errors.NewBadRequest("deploy: overlay names unknown container %q", co.Name)
		}
		target := &merged.Containers[i]
		if co.Image != "" {
			target.Image = co.Image
			target.ImageMap = nil
		}
		if co.Command != nil {
			target.Command = co.Command
		}
		if co.Args != nil {
			target.Args = co.Args
		}
		target.Env = mergeEnv(target.Env, co.Env)
	}
	if overlay.Ingress != nil {
		merged.Ingress = overlay.Ingress
	}
	if overlay.Scale != nil {
		merged.Scale = overlay.Scale
	}
	if overlay.Traffic != nil {
		merged.Traffic = overlay.Traffic
	}
	if overlay.Volumes != nil {
		merged.Volumes = overlay.Volumes
	}
	if overlay.RestartPolicy != "" {
		merged.RestartPolicy = overlay.RestartPolicy
	}
	if overlay.Labels != nil {
		merged.Labels = lo.Assign(merged.Labels, overlay.Labels)
	}
	return merged, nil
}

// mergeEnv replaces base entries on matching names in place and appends new
// ones, preserving base order.
func mergeEnv(base, overlay []apis.EnvVar) []apis.EnvVar {
	out := append([]apis.EnvVar{}, base...)
	for _, e := range overlay {
		replaced := false
		for i := range out {
			if out[i].Name == e.Name {
				out[i].Value = e.Value
				replaced = true
				break
			}
		}
		if !replaced {
			out = append(out, e)
		}
	}
	return out
}

func clone(def *apis.ServiceDefinition) (*apis.ServiceDefinition, error) {
	data, err := json.Marshal(def)
	if err != nil {
		return nil, fmt.Errorf("cloning service definition, %w", err)
	}
	out := &apis.ServiceDefinition{}
	if err := json.Unmarshal(data, out); err != nil {
		return nil, fmt.Errorf("cloning service definition, %w", err)
	}
	return out, nil
}
