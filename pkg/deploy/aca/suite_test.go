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

package aca

import (
	"testing"

	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/appcontainers/armappcontainers/v3"
	"github.com/samber/lo"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/strato-cloud/strato/pkg/apis"
	"github.com/strato-cloud/strato/pkg/errors"
)

var provider *Provider

func TestACA(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "ACA")
}

var _ = BeforeEach(func() {
	provider = &Provider{config: Config{
		SubscriptionID: "00000000-0000-0000-0000-000000000000",
		ResourceGroup:  "strato",
		Environment:    "strato-env",
		Location:       "eastus",
	}}
})

func webDefinition() *apis.ServiceDefinition {
	return &apis.ServiceDefinition{
		Name: "web",
		Containers: []apis.Container{{
			Name:  "web",
			Image: "strato.azurecr.io/web:1",
			Env:   []apis.EnvVar{{Name: "MODE", Value: "prod"}},
			Ports: []apis.ContainerPort{{Port: 8080}},
			Resources: apis.Resources{
				Requests: apis.ResourceSpec{CPU: 0.5, MemoryMiB: 1024},
			},
			ReadinessProbe: &apis.Probe{
				HTTPGet: &apis.HTTPGetAction{Path: "/healthz", Port: 8080},
			},
		}},
		Ingress: &apis.Ingress{External: true, TargetPort: 8080, Transport: apis.TransportHTTP},
	}
}

var _ = Describe("Memory", func() {
	DescribeTable("should render MiB as Gi with trailing zeros stripped",
		func(miB int64, want string) {
			Expect(memoryString(miB)).To(Equal(want))
		},
		Entry("half gig", int64(512), "0.5Gi"),
		Entry("whole gig", int64(1024), "1Gi"),
		Entry("gig and a half", int64(1536), "1.5Gi"),
		Entry("four gigs", int64(4096), "4Gi"),
	)

	DescribeTable("should parse the suffixes ACA emits",
		func(text string, want int64) {
			got, err := parseMemory(text)
			Expect(err).ToNot(HaveOccurred())
			Expect(got).To(Equal(want))
		},
		Entry("mebibytes", "512Mi", int64(512)),
		Entry("gibibytes", "2Gi", int64(2048)),
		Entry("fractional gibibytes", "1.5Gi", int64(1536)),
		Entry("tebibytes", "1Ti", int64(1024*1024)),
	)

	It("should reject unknown suffixes", func() {
		_, err := parseMemory("2GB")
		Expect(errors.IsBadRequest(err)).To(BeTrue())
		_, err = parseMemory("muchGi")
		Expect(errors.IsBadRequest(err)).To(BeTrue())
	})
})

var _ = Describe("Scale rules", func() {
	It("should keep http rules native", func() {
		rules, err := scaleRules([]apis.ScaleRule{{
			Type:     apis.ScaleRuleHTTP,
			Metadata: map[string]string{"value": "50"},
		}})
		Expect(err).ToNot(HaveOccurred())
		Expect(rules).To(HaveLen(1))
		Expect(lo.FromPtr(rules[0].Name)).To(Equal("http"))
		Expect(rules[0].HTTP.Metadata).To(HaveKeyWithValue("concurrentRequests", lo.ToPtr("50")))
	})

	It("should translate cpu rules to Utilization custom rules", func() {
		rules, err := scaleRules([]apis.ScaleRule{{
			Name:     "busy",
			Type:     apis.ScaleRuleCPU,
			Metadata: map[string]string{"value": "60"},
		}})
		Expect(err).ToNot(HaveOccurred())
		Expect(lo.FromPtr(rules[0].Custom.Type)).To(Equal("cpu"))
		Expect(rules[0].Custom.Metadata).To(HaveKeyWithValue("type", lo.ToPtr("Utilization")))
		Expect(rules[0].Custom.Metadata).To(HaveKeyWithValue("value", lo.ToPtr("60")))
	})

	It("should pass custom rule metadata and auth through", func() {
		rules, err := scaleRules([]apis.ScaleRule{{
			Name:     "queue",
			Type:     apis.ScaleRuleCustom,
			Metadata: map[string]string{"type": "azure-servicebus", "queueName": "orders"},
			Auth:     []apis.ScaleRuleAuth{{SecretRef: "sb-connection", TriggerParameter: "connection"}},
		}})
		Expect(err).ToNot(HaveOccurred())
		Expect(lo.FromPtr(rules[0].Custom.Type)).To(Equal("azure-servicebus"))
		Expect(rules[0].Custom.Metadata).To(HaveKeyWithValue("queueName", lo.ToPtr("orders")))
		Expect(rules[0].Custom.Auth).To(HaveLen(1))
		Expect(lo.FromPtr(rules[0].Custom.Auth[0].SecretRef)).To(Equal("sb-connection"))
	})

	It("should require a type on custom rules", func() {
		_, err := scaleRules([]apis.ScaleRule{{Name: "queue", Type: apis.ScaleRuleCustom}})
		Expect(errors.IsBadRequest(err)).To(BeTrue())
	})
})

var _ = Describe("Traffic", func() {
	It("should default to the latest revision", func() {
		weights := trafficWeights(nil)
		Expect(weights).To(HaveLen(1))
		Expect(lo.FromPtr(weights[0].LatestRevision)).To(BeTrue())
		Expect(lo.FromPtr(weights[0].Weight)).To(Equal(int32(100)))
	})

	It("should carry names, tags and weights", func() {
		weights := trafficWeights([]apis.TrafficAllocation{
			{RevisionName: "web--abc", Percent: 80},
			{LatestRevision: true, Percent: 20, Tag: "canary"},
		})
		Expect(weights).To(HaveLen(2))
		Expect(lo.FromPtr(weights[0].RevisionName)).To(Equal("web--abc"))
		Expect(lo.FromPtr(weights[0].Weight)).To(Equal(int32(80)))
		Expect(lo.FromPtr(weights[1].LatestRevision)).To(BeTrue())
		Expect(lo.FromPtr(weights[1].Label)).To(Equal("canary"))
	})
})

var _ = Describe("App translation", func() {
	It("should render containers, ingress and tags", func() {
		app, err := provider.translateApp(webDefinition(), environmentID("00000000-0000-0000-0000-000000000000", "strato", "strato-env"))
		Expect(err).ToNot(HaveOccurred())
		Expect(lo.FromPtr(app.Location)).To(Equal("eastus"))
		Expect(app.Tags).To(HaveKeyWithValue("strato.dev/managed", lo.ToPtr("true")))
		Expect(app.Tags).To(HaveKeyWithValue("strato.dev/service", lo.ToPtr("web")))
		Expect(lo.FromPtr(app.Properties.ManagedEnvironmentID)).To(ContainSubstring("managedEnvironments/strato-env"))

		ingress := app.Properties.Configuration.Ingress
		Expect(lo.FromPtr(ingress.External)).To(BeTrue())
		Expect(lo.FromPtr(ingress.TargetPort)).To(Equal(int32(8080)))
		Expect(lo.FromPtr(ingress.Transport)).To(Equal(armappcontainers.IngressTransportMethodHTTP))

		containers := app.Properties.Template.Containers
		Expect(containers).To(HaveLen(1))
		Expect(lo.FromPtr(containers[0].Image)).To(Equal("strato.azurecr.io/web:1"))
		Expect(lo.FromPtr(containers[0].Resources.CPU)).To(Equal(0.5))
		Expect(lo.FromPtr(containers[0].Resources.Memory)).To(Equal("1Gi"))
		Expect(containers[0].Probes).To(HaveLen(1))
		Expect(lo.FromPtr(containers[0].Probes[0].Type)).To(Equal(armappcontainers.TypeReadiness))
		Expect(lo.FromPtr(containers[0].Probes[0].HTTPGet.Path)).To(Equal("/healthz"))
	})

	It("should split init containers out of the template", func() {
		definition := webDefinition()
		definition.Containers = append(definition.Containers, apis.Container{
			Name: "migrate", Type: apis.ContainerTypeInit, Image: "strato.azurecr.io/migrate:1",
		})
		app, err := provider.translateApp(definition, "env-id")
		Expect(err).ToNot(HaveOccurred())
		Expect(app.Properties.Template.Containers).To(HaveLen(1))
		Expect(app.Properties.Template.InitContainers).To(HaveLen(1))
		Expect(lo.FromPtr(app.Properties.Template.InitContainers[0].Name)).To(Equal("migrate"))
	})

	It("should pin the scale window for manual replicas", func() {
		definition := webDefinition()
		definition.Scale = &apis.Scale{Mode: apis.ScaleModeManual, Replicas: lo.ToPtr(int32(3))}
		app, err := provider.translateApp(definition, "env-id")
		Expect(err).ToNot(HaveOccurred())
		Expect(lo.FromPtr(app.Properties.Template.Scale.MinReplicas)).To(Equal(int32(3)))
		Expect(lo.FromPtr(app.Properties.Template.Scale.MaxReplicas)).To(Equal(int32(3)))
	})

	It("should wire registry credentials through a secret", func() {
		provider.config.RegistryServer = "strato.azurecr.io"
		provider.config.RegistryUsername = "strato"
		provider.config.RegistryPassword = "hunter2"
		app, err := provider.translateApp(webDefinition(), "env-id")
		Expect(err).ToNot(HaveOccurred())
		configuration := app.Properties.Configuration
		Expect(configuration.Secrets).To(HaveLen(1))
		Expect(lo.FromPtr(configuration.Secrets[0].Name)).To(Equal("registry-password"))
		Expect(configuration.Registries).To(HaveLen(1))
		Expect(lo.FromPtr(configuration.Registries[0].PasswordSecretRef)).To(Equal("registry-password"))
	})

	It("should default empty traffic to latest", func() {
		app, err := provider.translateApp(webDefinition(), "env-id")
		Expect(err).ToNot(HaveOccurred())
		traffic := app.Properties.Configuration.Ingress.Traffic
		Expect(traffic).To(HaveLen(1))
		Expect(lo.FromPtr(traffic[0].LatestRevision)).To(BeTrue())
	})

	It("should drop exec probes", func() {
		definition := webDefinition()
		definition.Containers[0].ReadinessProbe = &apis.Probe{Exec: &apis.ExecAction{Command: []string{"ok"}}}
		app, err := provider.translateApp(definition, "env-id")
		Expect(err).ToNot(HaveOccurred())
		Expect(app.Properties.Template.Containers[0].Probes).To(BeEmpty())
	})
})
