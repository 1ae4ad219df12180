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

package containerize_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/strato-cloud/strato/pkg/apis"
	"github.com/strato-cloud/strato/pkg/containerize"
	"github.com/strato-cloud/strato/pkg/errors"
	"github.com/strato-cloud/strato/pkg/fake"
)

var (
	ctx    context.Context
	sh     *fake.Shell
	c      *containerize.Containerizer
	source string
)

func TestContainerize(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Containerize")
}

var _ = BeforeEach(func() {
	ctx = context.Background()
	sh = fake.NewShell()
	c = containerize.New(sh)
	source = GinkgoT().TempDir()
})

func write(path, content string) {
	GinkgoHelper()
	Expect(os.MkdirAll(filepath.Dir(path), 0o755)).To(Succeed())
	Expect(os.WriteFile(path, []byte(content), 0o644)).To(Succeed())
}

var _ = Describe("Prepare", func() {
	It("should default everything from the image map", func() {
		config, err := c.Prepare(ctx, &apis.ImageMap{Name: "web", Source: source})
		Expect(err).ToNot(HaveOccurred())
		Expect(config.ImageName).To(Equal("web"))
		Expect(config.Tag).To(Equal("latest"))
		Expect(config.Context).To(Equal(source))
		Expect(config.Ref()).To(Equal("web:latest"))
	})
	It("should generate a dockerfile when the context has none", func() {
		config, err := c.Prepare(ctx, &apis.ImageMap{Name: "web", Source: source})
		Expect(err).ToNot(HaveOccurred())
		Expect(config.Dockerfile).ToNot(BeEmpty())
		Expect(config.Dockerfile).ToNot(HavePrefix(source))
		data, err := os.ReadFile(config.Dockerfile)
		Expect(err).ToNot(HaveOccurred())
		Expect(string(data)).To(HavePrefix("FROM "))
	})
	It("should pick up the conventional dockerfile", func() {
		write(filepath.Join(source, "Dockerfile"), "FROM scratch\n")
		config, err := c.Prepare(ctx, &apis.ImageMap{Name: "web", Source: source})
		Expect(err).ToNot(HaveOccurred())
		Expect(config.Dockerfile).To(Equal(filepath.Join(source, "Dockerfile")))
	})
	It("should load the manifest and anchor its paths to the source tree", func() {
		write(filepath.Join(source, "strato.toml"), `
image_name = "frontend"
tag = "v3"
platform = "linux/amd64"
context = "app"
dockerfile = "build/Dockerfile.prod"

[build_args]
MODE = "release"
`)
		write(filepath.Join(source, "app", "build", "Dockerfile.prod"), "FROM scratch\n")
		config, err := c.Prepare(ctx, &apis.ImageMap{Name: "web", Source: source})
		Expect(err).ToNot(HaveOccurred())
		Expect(config.ImageName).To(Equal("frontend"))
		Expect(config.Tag).To(Equal("v3"))
		Expect(config.Platform).To(Equal("linux/amd64"))
		Expect(config.Context).To(Equal(filepath.Join(source, "app")))
		Expect(config.Dockerfile).To(Equal(filepath.Join(source, "app", "build", "Dockerfile.prod")))
		Expect(config.BuildArgs).To(HaveKeyWithValue("MODE", "release"))
	})
	It("should reject a missing source directory", func() {
		_, err := c.Prepare(ctx, &apis.ImageMap{Name: "web", Source: filepath.Join(source, "absent")})
		Expect(errors.IsNotFound(err)).To(BeTrue())
	})
	It("should reject an image with no source", func() {
		_, err := c.Prepare(ctx, &apis.ImageMap{Name: "web", Handle: "web:local"})
		Expect(errors.IsBadRequest(err)).To(BeTrue())
	})
	It("should require an image name from the map or the manifest", func() {
		_, err := c.Prepare(ctx, &apis.ImageMap{Source: source})
		Expect(errors.IsBadRequest(err)).To(BeTrue())
	})
	It("should reject a malformed manifest", func() {
		write(filepath.Join(source, "strato.toml"), "image_name = [broken")
		_, err := c.Prepare(ctx, &apis.ImageMap{Name: "web", Source: source})
		Expect(errors.IsBadRequest(err)).To(BeTrue())
	})
	It("should reject a configured dockerfile that does not exist", func() {
		write(filepath.Join(source, "strato.toml"), `dockerfile = "missing/Dockerfile"`)
		_, err := c.Prepare(ctx, &apis.ImageMap{Name: "web", Source: source})
		Expect(errors.IsBadRequest(err)).To(BeTrue())
	})
})

var _ = Describe("Build", func() {
	It("should run docker build over the resolved configuration", func() {
		sh.OnPrefix("docker build", fake.ShellResult{Stdout: "sha256:built\n"})
		write(filepath.Join(source, "Dockerfile"), "FROM scratch\n")
		config, err := c.Prepare(ctx, &apis.ImageMap{Name: "web", Source: source})
		Expect(err).ToNot(HaveOccurred())

		id, err := c.Build(ctx, config)
		Expect(err).ToNot(HaveOccurred())
		Expect(id).To(Equal("sha256:built"))

		builds := sh.CallsMatching("docker build")
		Expect(builds).To(HaveLen(1))
		Expect(builds[0].Argv).To(Equal([]string{
			"docker", "build", "-q", "-t", "web:latest",
			"-f", filepath.Join(source, "Dockerfile"),
			source,
		}))
	})
	It("should pass platform and sorted build args", func() {
		config := &containerize.BuildConfig{
			ImageName: "web",
			Tag:       "v1",
			Context:   source,
			Platform:  "linux/arm64",
			BuildArgs: map[string]string{"B": "2", "A": "1"},
		}
		_, err := c.Build(ctx, config)
		Expect(err).ToNot(HaveOccurred())

		builds := sh.CallsMatching("docker build")
		Expect(builds).To(HaveLen(1))
		Expect(builds[0].Argv).To(Equal([]string{
			"docker", "build", "-q", "-t", "web:v1",
			"--platform", "linux/arm64",
			"--build-arg", "A=1", "--build-arg", "B=2",
			source,
		}))
	})
	It("should reject an unprepared configuration", func() {
		_, err := c.Build(ctx, &containerize.BuildConfig{})
		Expect(errors.IsBadRequest(err)).To(BeTrue())
	})
	It("should surface build failures", func() {
		sh.OnPrefix("docker build", fake.ShellResult{ExitCode: 1, Err: assertShellError{}})
		_, err := c.Build(ctx, &containerize.BuildConfig{ImageName: "web", Tag: "v1", Context: source})
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("Run", func() {
	It("should start the image detached with env, ports and args", func() {
		sh.OnPrefix("docker run", fake.ShellResult{Stdout: "cid123\n"})
		id, err := c.Run(ctx, &containerize.RunRequest{
			Ref:   "web:v1",
			Name:  "smoke",
			Env:   map[string]string{"B": "2", "A": "1"},
			Ports: []string{"8080:80"},
			Args:  []string{"--verbose"},
		})
		Expect(err).ToNot(HaveOccurred())
		Expect(id).To(Equal("cid123"))

		runs := sh.CallsMatching("docker run")
		Expect(runs).To(HaveLen(1))
		Expect(runs[0].Argv).To(Equal([]string{
			"docker", "run", "-d", "--name", "smoke",
			"-e", "A=1", "-e", "B=2",
			"-p", "8080:80",
			"web:v1", "--verbose",
		}))
	})
	It("should generate a container name when unset", func() {
		req := &containerize.RunRequest{Ref: "web:v1"}
		_, err := c.Run(ctx, req)
		Expect(err).ToNot(HaveOccurred())
		Expect(req.Name).To(HavePrefix("strato-"))
	})
	It("should stop a container by force-removing it", func() {
		Expect(c.Stop(ctx, "cid123")).To(Succeed())
		Expect(sh.Calls()[0].Argv).To(Equal([]string{"docker", "rm", "-f", "cid123"}))
	})
})

// assertShellError stands in for a non-zero exit from the engine.
type assertShellError struct{}

func (assertShellError) Error() string { return "exit status 1" }
