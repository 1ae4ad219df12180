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
	"context"
	"strings"

	"github.com/strato-cloud/strato/pkg/apis"
	"github.com/strato-cloud/strato/pkg/errors"
	"github.com/strato-cloud/strato/pkg/registry"
)

// resolveImages replaces every image map with a pullable reference, in
// container order: URI maps pass through, handles are pushed as-is, sources
// go through prepare/build first. The pushed URI lands back on the same
// container.
func (d *ContainerDeployment) resolveImages(ctx context.Context, definition *apis.ServiceDefinition) error {
	for i := range definition.Containers {
		container := &definition.Containers[i]
		if container.Image != "" {
			continue
		}
		m := container.ImageMap
		if m == nil {
			return errors.NewBadRequest("deploy: container %q has no image", container.Name)
		}
		if m.Resolved() {
			container.Image = m.URI
			continue
		}
		if d.registry == nil {
			return errors.NewBadRequest("deploy: container %q needs an image push but no registry is configured", container.Name)
		}
		localRef := m.Handle
		tag := "latest"
		if m.NeedsBuild() {
			if d.containerizer == nil {
				return errors.NewBadRequest("deploy: container %q needs an image build but no containerizer is configured", container.Name)
			}
			config, err := d.containerizer.Prepare(ctx, m)
			if err != nil {
				return err
			}
			if _, err := d.containerizer.Build(ctx, config); err != nil {
				return err
			}
			localRef = config.Ref()
			tag = config.Tag
		} else if t := tagOf(localRef); t != "" {
			tag = t
		}
		repository := m.Name
		if repository == "" {
			repository = repositoryOf(localRef)
		}
		pushed, err := d.registry.Push(ctx, &registry.PushRequest{LocalRef: localRef, Repository: repository, Tag: tag})
		if err != nil {
			return err
		}
		container.Image = pushed
	}
	return nil
}

func tagOf(ref string) string {
	if i := strings.LastIndex(ref, ":"); i > strings.LastIndex(ref, "/") {
		return ref[i+1:]
	}
	return ""
}

func repositoryOf(ref string) string {
	if i := strings.LastIndex(ref, ":"); i > strings.LastIndex(ref, "/") {
		ref = ref[:i]
	}
	if i := strings.LastIndex(ref, "/"); i >= 0 {
		return ref[i+1:]
	}
	return ref
}
