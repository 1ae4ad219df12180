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

package ecr_test

import (
	"context"
	"testing"
	"time"

	ecrtypes "github.com/aws/aws-sdk-go-v2/service/ecr/types"
	"github.com/aws/smithy-go"
	"github.com/samber/lo"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/strato-cloud/strato/pkg/errors"
	"github.com/strato-cloud/strato/pkg/fake"
	"github.com/strato-cloud/strato/pkg/registry"
	ecrprovider "github.com/strato-cloud/strato/pkg/registry/ecr"
)

var (
	ctx      context.Context
	ecrapi   *fake.ECRAPI
	sh       *fake.Shell
	provider *ecrprovider.Provider
	reg      *registry.ContainerRegistry
)

const address = "000000000000.dkr.ecr.us-east-1.amazonaws.com"

func TestECR(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Registry/ECR")
}

var _ = BeforeEach(func() {
	ctx = context.Background()
	ecrapi = fake.NewECRAPI()
	sh = fake.NewShell()
	provider = ecrprovider.NewProvider(ecrapi, sh, ecrprovider.Config{AccountID: "000000000000", Region: "us-east-1"})
	reg = registry.New(provider)
})

var _ = Describe("Repositories", func() {
	It("should create a repository on first ensure and reuse it afterwards", func() {
		repo, err := reg.EnsureRepository(ctx, "web")
		Expect(err).ToNot(HaveOccurred())
		Expect(repo.URI).To(Equal(address + "/web"))

		again, err := reg.EnsureRepository(ctx, "web")
		Expect(err).ToNot(HaveOccurred())
		Expect(again.URI).To(Equal(repo.URI))
		Expect(ecrapi.CreateRepositoryBehavior.Calls()).To(Equal(1))
	})
	It("should retry a lost creation race", func() {
		ecrapi.CreateRepositoryBehavior.Error.Set(&smithy.GenericAPIError{
			Code: "RepositoryAlreadyExistsException", Message: "repository already exists",
		})

		repo, err := reg.EnsureRepository(ctx, "web")
		Expect(err).ToNot(HaveOccurred())
		Expect(repo.URI).To(Equal(address + "/web"))
		Expect(ecrapi.CreateRepositoryBehavior.Calls()).To(Equal(2))
	})
	It("should delete a repository and tolerate a missing one", func() {
		Expect(reg.EnsureRepository(ctx, "web")).ToNot(BeNil())
		Expect(reg.DeleteRepository(ctx, "web")).To(Succeed())
		Expect(ecrapi.Repositories).ToNot(HaveKey("web"))
		Expect(reg.DeleteRepository(ctx, "web")).To(Succeed())
	})
	It("should reject an empty repository name", func() {
		_, err := reg.EnsureRepository(ctx, "")
		Expect(errors.IsBadRequest(err)).To(BeTrue())
	})
})

var _ = Describe("Push", func() {
	It("should ensure the repository, log in, tag and push", func() {
		pushed, err := reg.Push(ctx, &registry.PushRequest{LocalRef: "web:local", Repository: "web", Tag: "v1"})
		Expect(err).ToNot(HaveOccurred())
		Expect(pushed).To(Equal(address + "/web:v1"))
		Expect(ecrapi.Repositories).To(HaveKey("web"))

		logins := sh.CallsMatching("docker login")
		Expect(logins).To(HaveLen(1))
		Expect(logins[0].Argv).To(Equal([]string{"docker", "login", "--username", "AWS", "--password-stdin", address}))
		Expect(logins[0].Stdin).To(Equal("fakepassword"))

		tags := sh.CallsMatching("docker tag")
		Expect(tags).To(HaveLen(1))
		Expect(tags[0].Argv).To(Equal([]string{"docker", "tag", "web:local", address + "/web:v1"}))

		pushes := sh.CallsMatching("docker push")
		Expect(pushes).To(HaveLen(1))
		Expect(pushes[0].Argv).To(Equal([]string{"docker", "push", address + "/web:v1"}))
	})
	It("should log in once across pushes while the token is fresh", func() {
		_, err := reg.Push(ctx, &registry.PushRequest{LocalRef: "web:local", Repository: "web", Tag: "v1"})
		Expect(err).ToNot(HaveOccurred())
		_, err = reg.Push(ctx, &registry.PushRequest{LocalRef: "web:local", Repository: "web", Tag: "v2"})
		Expect(err).ToNot(HaveOccurred())

		Expect(sh.CallsMatching("docker login")).To(HaveLen(1))
		Expect(ecrapi.GetAuthorizationTokenBehavior.Calls()).To(Equal(1))
	})
	It("should default the tag to latest", func() {
		pushed, err := reg.Push(ctx, &registry.PushRequest{LocalRef: "web:local", Repository: "web"})
		Expect(err).ToNot(HaveOccurred())
		Expect(pushed).To(Equal(address + "/web:latest"))
	})
	It("should reject an unparseable local reference", func() {
		_, err := reg.Push(ctx, &registry.PushRequest{LocalRef: "WEB !?", Repository: "web"})
		Expect(errors.IsBadRequest(err)).To(BeTrue())
		Expect(sh.Calls()).To(BeEmpty())
	})
})

var _ = Describe("Images", func() {
	BeforeEach(func() {
		ecrapi.AddImage("web", ecrtypes.ImageDetail{
			ImageTags:        []string{"v1"},
			ImageDigest:      lo.ToPtr("sha256:aaaa"),
			ImageSizeInBytes: lo.ToPtr(int64(2048)),
			ImagePushedAt:    lo.ToPtr(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)),
		})
		ecrapi.AddImage("web", ecrtypes.ImageDetail{
			ImageTags:   []string{"v2"},
			ImageDigest: lo.ToPtr("sha256:bbbb"),
		})
	})
	It("should list a repository's images", func() {
		images, err := reg.ListImages(ctx, "web")
		Expect(err).ToNot(HaveOccurred())
		Expect(images).To(HaveLen(2))
		Expect(images[0].Tags).To(ConsistOf("v1"))
		Expect(images[0].Digest).To(Equal("sha256:aaaa"))
		Expect(images[0].SizeBytes).To(Equal(int64(2048)))
		Expect(images[1].PushedAt.IsZero()).To(BeTrue())
	})
	It("should list digests", func() {
		digests, err := reg.ListDigests(ctx, "web")
		Expect(err).ToNot(HaveOccurred())
		Expect(digests).To(ConsistOf("sha256:aaaa", "sha256:bbbb"))
	})
	It("should return not-found for an absent repository", func() {
		_, err := reg.ListImages(ctx, "missing")
		Expect(errors.IsNotFound(err)).To(BeTrue())
	})
	It("should delete by tag", func() {
		Expect(reg.Delete(ctx, address+"/web:v1")).To(Succeed())
		images, err := reg.ListImages(ctx, "web")
		Expect(err).ToNot(HaveOccurred())
		Expect(images).To(HaveLen(1))
		Expect(images[0].Tags).To(ConsistOf("v2"))
	})
	It("should delete by digest", func() {
		Expect(reg.Delete(ctx, address+"/web@sha256:bbbb")).To(Succeed())
		images, err := reg.ListImages(ctx, "web")
		Expect(err).ToNot(HaveOccurred())
		Expect(images).To(HaveLen(1))
	})
	It("should return not-found for an absent image", func() {
		err := reg.Delete(ctx, address+"/web:v9")
		Expect(errors.IsNotFound(err)).To(BeTrue())
	})
})
