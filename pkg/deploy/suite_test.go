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

package deploy_test

import (
	"context"
	"testing"
	"time"

	"github.com/samber/lo"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/strato-cloud/strato/pkg/apis"
	"github.com/strato-cloud/strato/pkg/containerize"
	"github.com/strato-cloud/strato/pkg/deploy"
	"github.com/strato-cloud/strato/pkg/errors"
	"github.com/strato-cloud/strato/pkg/fake"
	"github.com/strato-cloud/strato/pkg/registry"
	ecrprovider "github.com/strato-cloud/strato/pkg/registry/ecr"
	"github.com/strato-cloud/strato/pkg/test"
)

var (
	ctx      context.Context
	provider *stubProvider
	engine   *deploy.ContainerDeployment
)

func TestDeploy(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Deploy")
}

var _ = BeforeEach(func() {
	ctx = test.Context()
	provider = &stubProvider{features: apis.NewFeatures(apis.AllFeatures()...)}
	engine = deploy.New(provider, nil, nil)
})

func definition() *apis.ServiceDefinition {
	return test.ServiceDefinition(test.ServiceDefinitionOptions{
		Name: "web",
		Containers: []apis.Container{test.Container(test.ContainerOptions{
			Name:  "web",
			Image: "nginx:1.27",
			Env:   []apis.EnvVar{{Name: "MODE", Value: "dev"}, {Name: "REGION", Value: "us"}},
		})},
	})
}

var _ = Describe("Overlay merge", func() {
	It("should replace matching env entries and append new ones", func() {
		merged, err := deploy.MergeOverlay(definition(), &deploy.ServiceOverlay{
			Containers: []deploy.ContainerOverlay{{
				Name: "web",
				Env:  []apis.EnvVar{{Name: "MODE", Value: "prod"}, {Name: "DEBUG", Value: "0"}},
			}},
		})
		Expect(err).ToNot(HaveOccurred())
		Expect(merged.Containers[0].Env).To(Equal([]apis.EnvVar{
			{Name: "MODE", Value: "prod"},
			{Name: "REGION", Value: "us"},
			{Name: "DEBUG", Value: "0"},
		}))
	})
	It("should replace other fields wholesale", func() {
		base := definition()
		base.Scale = &apis.Scale{Mode: apis.ScaleModeManual, Replicas: lo.ToPtr(int32(3))}
		merged, err := deploy.MergeOverlay(base, &deploy.ServiceOverlay{
			Scale:   &apis.Scale{Mode: apis.ScaleModeAuto, MinReplicas: lo.ToPtr(int32(1)), MaxReplicas: lo.ToPtr(int32(5))},
			Ingress: &apis.Ingress{External: true, TargetPort: 8080},
		})
		Expect(err).ToNot(HaveOccurred())
		Expect(merged.Scale.Mode).To(Equal(apis.ScaleModeAuto))
		Expect(merged.Scale.Replicas).To(BeNil())
		Expect(merged.Ingress.TargetPort).To(Equal(int32(8080)))
	})
	It("should never mutate the base definition", func() {
		base := definition()
		_, err := deploy.MergeOverlay(base, &deploy.ServiceOverlay{
			Containers: []deploy.ContainerOverlay{{Name: "web", Env: []apis.EnvVar{{Name: "MODE", Value: "prod"}}}},
		})
		Expect(err).ToNot(HaveOccurred())
		Expect(base.Containers[0].Env[0].Value).To(Equal("dev"))
	})
	It("should refuse an overlay for an unknown container", func() {
		_, err := deploy.MergeOverlay(definition(), &deploy.ServiceOverlay{
			Containers: []deploy.ContainerOverlay{{Name: "ghost"}},
		})
		Expect(errors.IsBadRequest(err)).To(BeTrue())
	})
})

var _ = Describe("Guards", func() {
	It("should refuse multiple main containers without the capability", func() {
		provider.features = apis.NewFeatures()
		def := definition()
		def.Containers = append(def.Containers, apis.Container{Name: "sidecar", Image: "envoy:1"})
		_, err := engine.CreateService(ctx, &deploy.CreateServiceRequest{Definition: def})
		Expect(errors.IsBadRequest(err)).To(BeTrue())
	})
	It("should refuse a definition with only init containers", func() {
		def := definition()
		def.Containers[0].Type = apis.ContainerTypeInit
		_, err := engine.CreateService(ctx, &deploy.CreateServiceRequest{Definition: def})
		Expect(errors.IsBadRequest(err)).To(BeTrue())
	})
	It("should allow a single 100% allocation without traffic split", func() {
		provider.features = apis.NewFeatures()
		def := definition()
		def.Traffic = []apis.TrafficAllocation{{LatestRevision: true, Percent: 100}}
		_, err := engine.CreateService(ctx, &deploy.CreateServiceRequest{Definition: def})
		Expect(err).ToNot(HaveOccurred())
	})
	It("should refuse a split without the capability", func() {
		provider.features = apis.NewFeatures()
		def := definition()
		def.Traffic = []apis.TrafficAllocation{{Tag: "blue", Percent: 50}, {Tag: "green", Percent: 50}}
		_, err := engine.CreateService(ctx, &deploy.CreateServiceRequest{Definition: def})
		Expect(errors.IsBadRequest(err)).To(BeTrue())
	})
	It("should refuse traffic not summing to 100", func() {
		def := definition()
		def.Traffic = []apis.TrafficAllocation{{Tag: "blue", Percent: 60}, {Tag: "green", Percent: 50}}
		_, err := engine.CreateService(ctx, &deploy.CreateServiceRequest{Definition: def})
		Expect(errors.IsBadRequest(err)).To(BeTrue())
	})
	It("should refuse unknown features", func() {
		_, err := engine.Supports("TIME_TRAVEL")
		Expect(errors.IsBadRequest(err)).To(BeTrue())
	})
	It("should gate revision operations on capabilities", func() {
		provider.features = apis.NewFeatures()
		_, err := engine.ListRevisions(ctx, "web")
		Expect(errors.IsUnsupported(err)).To(BeTrue())
		err = engine.DeleteRevision(ctx, "web", "web-001")
		Expect(errors.IsUnsupported(err)).To(BeTrue())
	})
})

var _ = Describe("Where conditions", func() {
	It("should pass existence intent to the provider", func() {
		_, err := engine.CreateService(ctx, &deploy.CreateServiceRequest{Definition: definition(), Where: "not_exists()"})
		Expect(err).ToNot(HaveOccurred())
		Expect(provider.lastRollout.WhereExists).To(HaveValue(BeFalse()))
	})
	It("should refuse richer conditions", func() {
		_, err := engine.CreateService(ctx, &deploy.CreateServiceRequest{Definition: definition(), Where: "$etag='*'"})
		Expect(errors.IsBadRequest(err)).To(BeTrue())
	})
})

var _ = Describe("Image resolution", func() {
	var (
		sh     *fake.Shell
		ecrapi *fake.ECRAPI
	)
	const address = "000000000000.dkr.ecr.us-east-1.amazonaws.com"

	BeforeEach(func() {
		sh = fake.NewShell()
		ecrapi = fake.NewECRAPI()
		reg := registry.New(ecrprovider.NewProvider(ecrapi, sh, ecrprovider.Config{AccountID: "000000000000", Region: "us-east-1"}))
		engine = deploy.New(provider, containerize.New(sh), reg)
	})

	It("should pass resolved URIs through untouched", func() {
		def := definition()
		def.Containers[0].Image = ""
		def.Containers[0].ImageMap = &apis.ImageMap{Name: "web", URI: "registry.example.com/web:v1"}
		_, err := engine.CreateService(ctx, &deploy.CreateServiceRequest{Definition: def})
		Expect(err).ToNot(HaveOccurred())
		Expect(provider.lastRollout.Definition.Containers[0].Image).To(Equal("registry.example.com/web:v1"))
		Expect(sh.Calls()).To(BeEmpty())
	})
	It("should push a local handle and map the URI back positionally", func() {
		def := definition()
		def.Containers = append(def.Containers, apis.Container{
			Name:     "sidecar",
			ImageMap: &apis.ImageMap{Name: "sidecar", Handle: "sidecar:v2"},
		})
		_, err := engine.CreateService(ctx, &deploy.CreateServiceRequest{Definition: def})
		Expect(err).ToNot(HaveOccurred())
		Expect(provider.lastRollout.Definition.Containers[0].Image).To(Equal("nginx:1.27"))
		Expect(provider.lastRollout.Definition.Containers[1].Image).To(Equal(address + "/sidecar:v2"))
	})
	It("should build a source map before pushing", func() {
		source := GinkgoT().TempDir()
		sh.OnPrefix("docker build", fake.ShellResult{Stdout: "sha256:built\n"})
		def := definition()
		def.Containers[0].Image = ""
		def.Containers[0].ImageMap = &apis.ImageMap{Name: "web", Source: source}
		_, err := engine.CreateService(ctx, &deploy.CreateServiceRequest{Definition: def})
		Expect(err).ToNot(HaveOccurred())
		Expect(sh.CallsMatching("docker build")).To(HaveLen(1))
		Expect(provider.lastRollout.Definition.Containers[0].Image).To(Equal(address + "/web:latest"))
	})
	It("should refuse a container with neither image nor map", func() {
		def := definition()
		def.Containers[0].Image = ""
		_, err := engine.CreateService(ctx, &deploy.CreateServiceRequest{Definition: def})
		Expect(errors.IsBadRequest(err)).To(BeTrue())
	})
})

var _ = Describe("Timeouts", func() {
	It("should default the rollout timeout", func() {
		_, err := engine.CreateService(ctx, &deploy.CreateServiceRequest{Definition: definition()})
		Expect(err).ToNot(HaveOccurred())
		Expect(provider.lastRollout.Timeout).To(Equal(600 * time.Second))
	})
})

// stubProvider records the rollout it receives and reports scripted
// capabilities.
type stubProvider struct {
	features    apis.Features
	lastRollout *deploy.Rollout
}

func (s *stubProvider) Name() string                        { return "stub" }
func (s *stubProvider) Supports(feature apis.Feature) bool  { return s.features.Has(feature) }
func (s *stubProvider) Close() error                        { return nil }

func (s *stubProvider) CreateService(_ context.Context, rollout *deploy.Rollout) (*apis.ServiceItem, error) {
	s.lastRollout = rollout
	return &apis.ServiceItem{Name: rollout.Definition.Name, Status: apis.ServiceStatusReady}, nil
}

func (s *stubProvider) GetService(_ context.Context, name string) (*apis.ServiceItem, error) {
	return &apis.ServiceItem{Name: name, Status: apis.ServiceStatusReady}, nil
}

func (s *stubProvider) DeleteService(context.Context, string, time.Duration) error { return nil }

func (s *stubProvider) ListServices(context.Context) ([]apis.ServiceItem, error) { return nil, nil }

func (s *stubProvider) ListRevisions(context.Context, string) ([]apis.RevisionItem, error) {
	return nil, nil
}

func (s *stubProvider) GetRevision(_ context.Context, service, revision string) (*apis.RevisionItem, error) {
	return &apis.RevisionItem{Name: revision, Service: service}, nil
}

func (s *stubProvider) DeleteRevision(context.Context, string, string) error { return nil }

func (s *stubProvider) UpdateTraffic(_ context.Context, service string, traffic []apis.TrafficAllocation) (*apis.ServiceItem, error) {
	return &apis.ServiceItem{Name: service, Traffic: traffic}, nil
}
