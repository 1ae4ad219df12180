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

package apprunner

import (
	"context"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	apprunnertypes "github.com/aws/aws-sdk-go-v2/service/apprunner/types"
	"github.com/samber/lo"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/strato-cloud/strato/pkg/apis"
	"github.com/strato-cloud/strato/pkg/deploy"
	"github.com/strato-cloud/strato/pkg/errors"
	"github.com/strato-cloud/strato/pkg/fake"
)

var (
	ctx      context.Context
	api      *fake.AppRunnerAPI
	provider *Provider
)

func TestAppRunner(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "AppRunner")
}

var _ = BeforeEach(func() {
	ctx = context.Background()
	api = fake.NewAppRunnerAPI()
	provider = NewProvider(api, Config{Region: "us-east-1", AccessRoleArn: "arn:aws:iam::000000000000:role/apprunner-access"})
})

func webDefinition() *apis.ServiceDefinition {
	return &apis.ServiceDefinition{
		Name: "web",
		Containers: []apis.Container{{
			Name:  "web",
			Image: "public.ecr.aws/nginx/nginx:1.27",
			Env:   []apis.EnvVar{{Name: "MODE", Value: "prod"}},
			Ports: []apis.ContainerPort{{Port: 8080}},
			ReadinessProbe: &apis.Probe{
				HTTPGet: &apis.HTTPGetAction{Path: "/healthz", Port: 8080},
			},
		}},
		Ingress: &apis.Ingress{External: true, TargetPort: 8080},
	}
}

func rollout(definition *apis.ServiceDefinition) *deploy.Rollout {
	return &deploy.Rollout{Definition: definition, Timeout: 30 * time.Second}
}

var _ = Describe("CreateService", func() {
	It("should create a service and wait for RUNNING", func() {
		item, err := provider.CreateService(ctx, rollout(webDefinition()))
		Expect(err).ToNot(HaveOccurred())
		Expect(item.Status).To(Equal(apis.ServiceStatusReady))
		Expect(item.URI).To(HavePrefix("https://"))

		service := api.Services["web"]
		Expect(service).ToNot(BeNil())
		source := service.Service.SourceConfiguration
		Expect(aws.ToString(source.ImageRepository.ImageIdentifier)).To(Equal("public.ecr.aws/nginx/nginx:1.27"))
		Expect(source.ImageRepository.ImageRepositoryType).To(Equal(apprunnertypes.ImageRepositoryTypeEcrPublic))
		Expect(aws.ToString(source.ImageRepository.ImageConfiguration.Port)).To(Equal("8080"))
		Expect(source.ImageRepository.ImageConfiguration.RuntimeEnvironmentVariables).To(HaveKeyWithValue("MODE", "prod"))
	})

	It("should attach pull credentials for private ECR images", func() {
		definition := webDefinition()
		definition.Containers[0].Image = "000000000000.dkr.ecr.us-east-1.amazonaws.com/web:1"
		_, err := provider.CreateService(ctx, rollout(definition))
		Expect(err).ToNot(HaveOccurred())
		source := api.Services["web"].Service.SourceConfiguration
		Expect(source.ImageRepository.ImageRepositoryType).To(Equal(apprunnertypes.ImageRepositoryTypeEcr))
		Expect(aws.ToString(source.AuthenticationConfiguration.AccessRoleArn)).To(ContainSubstring("apprunner-access"))
	})

	It("should update in place on re-run", func() {
		_, err := provider.CreateService(ctx, rollout(webDefinition()))
		Expect(err).ToNot(HaveOccurred())
		_, err = provider.CreateService(ctx, rollout(webDefinition()))
		Expect(err).ToNot(HaveOccurred())
		Expect(api.CreateServiceBehavior.Calls()).To(Equal(1))
		Expect(api.UpdateServiceBehavior.Calls()).To(Equal(1))
	})

	It("should wait out a slow operation", func() {
		api.StabilizeAfter = 2
		item, err := provider.CreateService(ctx, rollout(webDefinition()))
		Expect(err).ToNot(HaveOccurred())
		Expect(item.Status).To(Equal(apis.ServiceStatusReady))
	})

	It("should create an autoscaling configuration for auto scale", func() {
		definition := webDefinition()
		definition.Scale = &apis.Scale{
			Mode:        apis.ScaleModeAuto,
			MinReplicas: lo.ToPtr(int32(2)),
			MaxReplicas: lo.ToPtr(int32(10)),
			Rules:       []apis.ScaleRule{{Type: apis.ScaleRuleHTTP, Metadata: map[string]string{"value": "80"}}},
		}
		_, err := provider.CreateService(ctx, rollout(definition))
		Expect(err).ToNot(HaveOccurred())
		Expect(api.AutoScalingConfigurations).To(HaveLen(1))
		config := lo.Values(api.AutoScalingConfigurations)[0]
		Expect(config.MinSize).To(HaveValue(Equal(int32(2))))
		Expect(config.MaxSize).To(HaveValue(Equal(int32(10))))
		Expect(config.MaxConcurrency).To(HaveValue(Equal(int32(80))))
		Expect(api.Services["web"].Service.AutoScalingConfigurationSummary).ToNot(BeNil())
	})

	It("should refuse non-http scale rules", func() {
		definition := webDefinition()
		definition.Scale = &apis.Scale{
			Mode:  apis.ScaleModeAuto,
			Rules: []apis.ScaleRule{{Type: apis.ScaleRuleCPU}},
		}
		_, err := provider.CreateService(ctx, rollout(definition))
		Expect(errors.IsUnsupported(err)).To(BeTrue())
	})

	It("should honor existence preconditions", func() {
		r := rollout(webDefinition())
		r.WhereExists = lo.ToPtr(true)
		_, err := provider.CreateService(ctx, r)
		Expect(errors.IsPreconditionFailed(err)).To(BeTrue())
	})
})

var _ = Describe("Instance sizing", func() {
	DescribeTable("should render cpu as vCPU text",
		func(cores float64, want string) {
			Expect(cpuSetting(cores)).To(Equal(want))
		},
		Entry("default", 0.0, "1 vCPU"),
		Entry("quarter core", 0.25, "0.25 vCPU"),
		Entry("whole cores", 2.0, "2 vCPU"),
	)

	DescribeTable("should round memory up to the smallest bucket",
		func(miB int64, want string) {
			got, err := memorySetting(miB)
			Expect(err).ToNot(HaveOccurred())
			Expect(got).To(Equal(want))
		},
		Entry("default", int64(0), "2 GB"),
		Entry("half gig floor", int64(256), "0.5 GB"),
		Entry("exact bucket", int64(1024), "1 GB"),
		Entry("rounds up", int64(1536), "2 GB"),
		Entry("odd bucket", int64(2560), "3 GB"),
		Entry("top bucket", int64(8192), "8 GB"),
	)

	It("should refuse memory beyond the largest bucket", func() {
		_, err := memorySetting(9216)
		Expect(errors.IsBadRequest(err)).To(BeTrue())
	})
})

var _ = Describe("Reads", func() {
	BeforeEach(func() {
		_, err := provider.CreateService(ctx, rollout(webDefinition()))
		Expect(err).ToNot(HaveOccurred())
	})

	It("should get by name", func() {
		item, err := provider.GetService(ctx, "web")
		Expect(err).ToNot(HaveOccurred())
		Expect(item.Name).To(Equal("web"))
		Expect(item.Status).To(Equal(apis.ServiceStatusReady))
	})

	It("should list live services", func() {
		items, err := provider.ListServices(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(items).To(HaveLen(1))
		Expect(items[0].Name).To(Equal("web"))
	})

	It("should report a missing service as not found", func() {
		_, err := provider.GetService(ctx, "nope")
		Expect(errors.IsNotFound(err)).To(BeTrue())
	})
})

var _ = Describe("DeleteService", func() {
	It("should delete the service and its autoscaling configuration", func() {
		definition := webDefinition()
		definition.Scale = &apis.Scale{Mode: apis.ScaleModeAuto, MinReplicas: lo.ToPtr(int32(1)), MaxReplicas: lo.ToPtr(int32(3))}
		_, err := provider.CreateService(ctx, rollout(definition))
		Expect(err).ToNot(HaveOccurred())

		Expect(provider.DeleteService(ctx, "web", 30*time.Second)).To(Succeed())
		Expect(api.Services["web"].Service.Status).To(Equal(apprunnertypes.ServiceStatusDeleted))
		Expect(api.AutoScalingConfigurations).To(BeEmpty())
	})

	It("should be a no-op for a missing service", func() {
		Expect(provider.DeleteService(ctx, "web", 30*time.Second)).To(Succeed())
	})
})

var _ = Describe("Revisions and traffic", func() {
	It("should refuse revision operations", func() {
		_, err := provider.ListRevisions(ctx, "web")
		Expect(errors.IsUnsupported(err)).To(BeTrue())
		err = provider.DeleteRevision(ctx, "web", "web:1")
		Expect(errors.IsUnsupported(err)).To(BeTrue())
	})

	It("should accept only the trivial traffic allocation", func() {
		_, err := provider.CreateService(ctx, rollout(webDefinition()))
		Expect(err).ToNot(HaveOccurred())
		item, err := provider.UpdateTraffic(ctx, "web", []apis.TrafficAllocation{{LatestRevision: true, Percent: 100}})
		Expect(err).ToNot(HaveOccurred())
		Expect(item.Name).To(Equal("web"))

		_, err = provider.UpdateTraffic(ctx, "web", []apis.TrafficAllocation{{RevisionName: "web:1", Percent: 100}})
		Expect(errors.IsUnsupported(err)).To(BeTrue())
	})
})
