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

// Package test holds shared helpers for the Ginkgo suites: definition
// builders with override merging and a context wired to the test logger.
package test

import (
	"fmt"
	"strings"

	"github.com/Pallinder/go-randomdata"
	"github.com/imdario/mergo"

	"github.com/strato-cloud/strato/pkg/apis"
)

// ServiceDefinitionOptions customizes a ServiceDefinition. Overrides are
// applied in order with last write wins.
type ServiceDefinitionOptions struct {
	Name       string
	Containers []apis.Container
	Ingress    *apis.Ingress
	Scale      *apis.Scale
	Traffic    []apis.TrafficAllocation
	Labels     map[string]string
}

func ServiceDefinition(overrides ...ServiceDefinitionOptions) *apis.ServiceDefinition {
	options := ServiceDefinitionOptions{}
	for _, opts := range overrides {
		if err := mergo.Merge(&options, opts, mergo.WithOverride); err != nil {
			panic(fmt.Sprintf("failed to merge service definition options: %s", err))
		}
	}
	if options.Name == "" {
		options.Name = RandomName()
	}
	if len(options.Containers) == 0 {
		options.Containers = []apis.Container{Container()}
	}
	return &apis.ServiceDefinition{
		Name:       options.Name,
		Containers: options.Containers,
		Ingress:    options.Ingress,
		Scale:      options.Scale,
		Traffic:    options.Traffic,
		Labels:     options.Labels,
	}
}

// ContainerOptions customizes a Container.
type ContainerOptions struct {
	Name  string
	Image string
	Env   []apis.EnvVar
	Ports []apis.ContainerPort
}

func Container(overrides ...ContainerOptions) apis.Container {
	options := ContainerOptions{}
	for _, opts := range overrides {
		if err := mergo.Merge(&options, opts, mergo.WithOverride); err != nil {
			panic(fmt.Sprintf("failed to merge container options: %s", err))
		}
	}
	if options.Name == "" {
		options.Name = RandomName()
	}
	if options.Image == "" {
		options.Image = "nginx:1.27"
	}
	return apis.Container{
		Name:  options.Name,
		Image: options.Image,
		Env:   options.Env,
		Ports: options.Ports,
	}
}

// RandomName returns a lowercase name safe for every provider.
func RandomName() string {
	return strings.ToLower(randomdata.SillyName())
}
