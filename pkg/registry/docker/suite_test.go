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

package docker_test

import (
	"context"
	"testing"

	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/strato-cloud/strato/pkg/errors"
	"github.com/strato-cloud/strato/pkg/fake"
	"github.com/strato-cloud/strato/pkg/registry"
	dockerprovider "github.com/strato-cloud/strato/pkg/registry/docker"
)

var (
	ctx    context.Context
	engine *fake.DockerImageAPI
	sh     *fake.Shell
	reg    *registry.ContainerRegistry
)

const host = "localhost:5000"

func TestDocker(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Registry/Docker")
}

var _ = BeforeEach(func() {
	ctx = context.Background()
	engine = fake.NewDockerImageAPI()
	sh = fake.NewShell()
	reg = registry.New(dockerprovider.NewProvider(engine, sh, dockerprovider.Config{Host: host}))
})

var _ = Describe("Push", func() {
	It("should tag onto the registry host and push through the CLI", func() {
		engine.AddImage("web:local")

		pushed, err := reg.Push(ctx, &registry.PushRequest{LocalRef: "web:local", Repository: "web", Tag: "v1"})
		Expect(err).ToNot(HaveOccurred())
		Expect(pushed).To(Equal(host + "/web:v1"))

		images, err := engine.ImageList(ctx, listOptions(host+"/web"))
		Expect(err).ToNot(HaveOccurred())
		Expect(images).To(HaveLen(1))
		Expect(images[0].RepoTags).To(ContainElement(host + "/web:v1"))

		pushes := sh.CallsMatching("docker push")
		Expect(pushes).To(HaveLen(1))
		Expect(pushes[0].Argv).To(Equal([]string{"docker", "push", host + "/web:v1"}))
	})
	It("should fail when the local image does not exist", func() {
		_, err := reg.Push(ctx, &registry.PushRequest{LocalRef: "web:local", Repository: "web", Tag: "v1"})
		Expect(err).To(HaveOccurred())
		Expect(sh.Calls()).To(BeEmpty())
	})
})

var _ = Describe("Images", func() {
	BeforeEach(func() {
		engine.AddImage(host + "/web:v1")
		engine.AddImage(host + "/web:v2")
		engine.AddImage(host + "/api:v1")
	})
	It("should list only the repository's images", func() {
		images, err := reg.ListImages(ctx, "web")
		Expect(err).ToNot(HaveOccurred())
		Expect(images).To(HaveLen(2))
		for _, image := range images {
			Expect(image.Repository).To(Equal("web"))
			Expect(image.Digest).To(HavePrefix("sha256:"))
		}
	})
	It("should delete an image and report a missing one", func() {
		Expect(reg.Delete(ctx, host+"/web:v1")).To(Succeed())
		images, err := reg.ListImages(ctx, "web")
		Expect(err).ToNot(HaveOccurred())
		Expect(images).To(HaveLen(1))

		err = reg.Delete(ctx, host+"/web:v1")
		Expect(errors.IsNotFound(err)).To(BeTrue())
	})
	It("should remove every local image on repository delete", func() {
		Expect(reg.DeleteRepository(ctx, "web")).To(Succeed())
		images, err := reg.ListImages(ctx, "web")
		Expect(err).ToNot(HaveOccurred())
		Expect(images).To(BeEmpty())

		others, err := reg.ListImages(ctx, "api")
		Expect(err).ToNot(HaveOccurred())
		Expect(others).To(HaveLen(1))
	})
})

func listOptions(reference string) image.ListOptions {
	return image.ListOptions{Filters: filters.NewArgs(filters.Arg("reference", reference))}
}

var _ = Describe("Pull", func() {
	It("should drain the engine's progress stream", func() {
		Expect(reg.Pull(ctx, host+"/web:v1")).To(Succeed())
		Expect(engine.Pulled).To(ConsistOf(host + "/web:v1"))
	})
})
