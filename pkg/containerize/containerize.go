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

// Package containerize turns a source directory into a runnable container
// image: Prepare resolves the build configuration (strato.toml plus
// defaults), Build produces the image through docker, Run starts it for
// smoke checks. All docker invocations go through the shell seam.
package containerize

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/uuid"
	"github.com/pelletier/go-toml/v2"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/strato-cloud/strato/pkg/apis"
	"github.com/strato-cloud/strato/pkg/errors"
	"github.com/strato-cloud/strato/pkg/metrics"
	"github.com/strato-cloud/strato/pkg/shell"
)

// ManifestName is the optional build manifest looked up in the source tree.
const ManifestName = "strato.toml"

// BuildConfig is the fully-resolved input to Build. Fields mirror the
// strato.toml schema; Prepare fills the gaps from the image map.
type BuildConfig struct {
	ImageName  string            `toml:"image_name"`
	Tag        string            `toml:"tag"`
	Context    string            `toml:"context"`
	Dockerfile string            `toml:"dockerfile"`
	Platform   string            `toml:"platform"`
	BuildArgs  map[string]string `toml:"build_args"`
}

// Ref is the local reference Build tags the image with.
func (c *BuildConfig) Ref() string {
	return c.ImageName + ":" + c.Tag
}

// RunRequest starts a built image. Name defaults to a generated one.
type RunRequest struct {
	Ref   string
	Name  string
	Env   map[string]string
	Ports []string
	Args  []string
}

// Containerizer is the source-to-image pipeline.
type Containerizer struct {
	sh shell.Shell
}

func New(sh shell.Shell) *Containerizer {
	return &Containerizer{sh: sh}
}

// Prepare resolves the build configuration for an image that needs building:
// the manifest in the source tree is loaded when present, the image name
// falls back to the map's name, and a minimal dockerfile is generated when
// the context has none.
func (c *Containerizer) Prepare(ctx context.Context, image *apis.ImageMap) (*BuildConfig, error) {
	if image == nil || image.Source == "" {
		return nil, errors.NewBadRequest("containerize: a source directory is required")
	}
	if _, err := os.Stat(image.Source); err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NewNotFound("source directory %q does not exist", image.Source)
		}
		return nil, fmt.Errorf("reading source directory %q, %w", image.Source, err)
	}
	config := &BuildConfig{}
	manifest := filepath.Join(image.Source, ManifestName)
	if data, err := os.ReadFile(manifest); err == nil {
		if err := toml.Unmarshal(data, config); err != nil {
			return nil, errors.NewBadRequest("parsing %q, %s", manifest, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading %q, %w", manifest, err)
	}
	if config.ImageName == "" {
		config.ImageName = image.Name
	}
	if config.ImageName == "" {
		return nil, errors.NewBadRequest("containerize: an image name is required")
	}
	if config.Tag == "" {
		config.Tag = "latest"
	}
	if _, err := name.NewTag(config.Ref()); err != nil {
		return nil, errors.NewBadRequest("containerize: invalid image reference %q, %s", config.Ref(), err)
	}
	if config.Context == "" {
		config.Context = image.Source
	} else if !filepath.IsAbs(config.Context) {
		config.Context = filepath.Join(image.Source, config.Context)
	}
	if err := c.resolveDockerfile(config); err != nil {
		return nil, err
	}
	log.FromContext(ctx).WithValues("image", config.Ref(), "context", config.Context).V(1).Info("prepared build")
	return config, nil
}

// resolveDockerfile anchors a configured dockerfile to the context, finds the
// conventional one, or generates a minimal one outside the source tree.
func (c *Containerizer) resolveDockerfile(config *BuildConfig) error {
	if config.Dockerfile != "" {
		if !filepath.IsAbs(config.Dockerfile) {
			config.Dockerfile = filepath.Join(config.Context, config.Dockerfile)
		}
		if _, err := os.Stat(config.Dockerfile); err != nil {
			return errors.NewBadRequest("containerize: dockerfile %q does not exist", config.Dockerfile)
		}
		return nil
	}
	conventional := filepath.Join(config.Context, "Dockerfile")
	if _, err := os.Stat(conventional); err == nil {
		config.Dockerfile = conventional
		return nil
	}
	dir, err := os.MkdirTemp("", "strato-build-")
	if err != nil {
		return fmt.Errorf("creating build directory, %w", err)
	}
	generated := filepath.Join(dir, "Dockerfile")
	if err := os.WriteFile(generated, []byte(defaultDockerfile), 0o644); err != nil {
		return fmt.Errorf("writing generated dockerfile, %w", err)
	}
	config.Dockerfile = generated
	return nil
}

const defaultDockerfile = `FROM busybox:stable
WORKDIR /app
COPY . .
CMD ["sh"]
`

// Build runs docker build over the resolved configuration and returns the
// built image id.
func (c *Containerizer) Build(ctx context.Context, config *BuildConfig) (string, error) {
	if config == nil || config.ImageName == "" || config.Context == "" {
		return "", errors.NewBadRequest("containerize: build requires a prepared configuration")
	}
	return measure(ctx, "build", func(ctx context.Context) (string, error) {
		argv := []string{"docker", "build", "-q", "-t", config.Ref()}
		if config.Dockerfile != "" {
			argv = append(argv, "-f", config.Dockerfile)
		}
		if config.Platform != "" {
			argv = append(argv, "--platform", config.Platform)
		}
		for _, key := range sortedKeys(config.BuildArgs) {
			argv = append(argv, "--build-arg", key+"="+config.BuildArgs[key])
		}
		argv = append(argv, config.Context)
		id, err := shell.Line(ctx, c.sh, argv...)
		if err != nil {
			return "", fmt.Errorf("building %q, %w", config.Ref(), err)
		}
		log.FromContext(ctx).WithValues("image", config.Ref(), "id", id).V(1).Info("built image")
		return id, nil
	})
}

// Run starts the image detached and returns the container id.
func (c *Containerizer) Run(ctx context.Context, req *RunRequest) (string, error) {
	if req == nil || req.Ref == "" {
		return "", errors.NewBadRequest("containerize: run requires an image reference")
	}
	if req.Name == "" {
		req.Name = "strato-" + uuid.NewString()[:8]
	}
	return measure(ctx, "run", func(ctx context.Context) (string, error) {
		argv := []string{"docker", "run", "-d", "--name", req.Name}
		for _, key := range sortedKeys(req.Env) {
			argv = append(argv, "-e", key+"="+req.Env[key])
		}
		for _, port := range req.Ports {
			argv = append(argv, "-p", port)
		}
		argv = append(argv, req.Ref)
		argv = append(argv, req.Args...)
		id, err := shell.Line(ctx, c.sh, argv...)
		if err != nil {
			return "", fmt.Errorf("running %q, %w", req.Ref, err)
		}
		return id, nil
	})
}

// Stop force-removes a container started by Run.
func (c *Containerizer) Stop(ctx context.Context, containerID string) error {
	if containerID == "" {
		return errors.NewBadRequest("containerize: a container id is required")
	}
	_, err := measure(ctx, "stop", func(ctx context.Context) (string, error) {
		if _, _, err := c.sh.Run(ctx, []string{"docker", "rm", "-f", containerID}, nil); err != nil {
			return "", fmt.Errorf("removing container %q, %w", containerID, err)
		}
		return "", nil
	})
	return err
}

func measure(ctx context.Context, operation string, fn func(context.Context) (string, error)) (string, error) {
	var out string
	err := metrics.MeasureCtx(ctx, metrics.CloudAPIDuration.WithLabelValues("containerize", operation), func(ctx context.Context) error {
		var err error
		out, err = fn(ctx)
		return err
	})
	if err != nil {
		metrics.OperationErrors.WithLabelValues("containerize", operation, errors.KindName(err)).Inc()
	}
	return out, err
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
