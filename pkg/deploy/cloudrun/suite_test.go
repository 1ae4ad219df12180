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

package cloudrun

import (
	"testing"

	"github.com/samber/lo"
	"google.golang.org/api/run/v2"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/strato-cloud/strato/pkg/apis"
	"github.com/strato-cloud/strato/pkg/errors"
)

func TestCloudRun(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "CloudRun")
}

func webDefinition() *apis.ServiceDefinition {
	return &apis.ServiceDefinition{
		Name: "web",
		Containers: []apis.Container{{
			Name:  "web",
			Image: "us-docker.pkg.dev/strato/images/web:1",
			Env:   []apis.EnvVar{{Name: "MODE", Value: "prod"}},
			Ports: []apis.ContainerPort{{Port: 8080}},
			Resources: apis.Resources{
				Limits: apis.ResourceSpec{CPU: 0.25, MemoryMiB: 512},
			},
			ReadinessProbe: &apis.Probe{
				HTTPGet: &apis.HTTPGetAction{Path: "/healthz", Port: 8080},
			},
		}},
		Ingress: &apis.Ingress{External: true, TargetPort: 8080},
	}
}

var _ = Describe("CPU", func() {
	DescribeTable("should render cores the way Cloud Run expects",
		func(cores float64, want string) {
			Expect(cpuString(cores)).To(Equal(want))
		},
		Entry("quarter core", 0.25, "250m"),
		Entry("half core", 0.5, "500m"),
		Entry("whole core", 1.0, "1"),
		Entry("several cores", 4.0, "4"),
	)

	DescribeTable("should parse both millicore and core forms",
		func(text string, want float64) {
			got, err := parseCPU(text)
			Expect(err).ToNot(HaveOccurred())
			Expect(got).To(Equal(want))
		},
		Entry("millicores", "250m", 0.25),
		Entry("bare cores", "2", 2.0),
		Entry("fractional cores", "1.5", 1.5),
	)

	It("should reject garbage", func() {
		_, err := parseCPU("fastm")
		Expect(errors.IsBadRequest(err)).To(BeTrue())
	})
})

var _ = Describe("Service translation", func() {
	It("should render containers, limits and ingress", func() {
		service, err := translateService(webDefinition())
		Expect(err).ToNot(HaveOccurred())
		Expect(service.Ingress).To(Equal("INGRESS_TRAFFIC_ALL"))
		Expect(service.Labels).To(HaveKeyWithValue("strato-managed", "true"))
		Expect(service.Labels).To(HaveKeyWithValue("strato-service", "web"))

		containers := service.Template.Containers
		Expect(containers).To(HaveLen(1))
		Expect(containers[0].Image).To(Equal("us-docker.pkg.dev/strato/images/web:1"))
		Expect(containers[0].Ports).To(HaveLen(1))
		Expect(containers[0].Ports[0].ContainerPort).To(Equal(int64(8080)))
		Expect(containers[0].Resources.Limits).To(HaveKeyWithValue("cpu", "250m"))
		Expect(containers[0].Resources.Limits).To(HaveKeyWithValue("memory", "512Mi"))
		Expect(containers[0].Env).To(ContainElement(&run.GoogleCloudRunV2EnvVar{Name: "MODE", Value: "prod"}))
	})

	It("should keep internal services off the public ingress", func() {
		definition := webDefinition()
		definition.Ingress.External = false
		service, err := translateService(definition)
		Expect(err).ToNot(HaveOccurred())
		Expect(service.Ingress).To(Equal("INGRESS_TRAFFIC_INTERNAL_ONLY"))
	})

	It("should promote a readiness probe to the startup probe", func() {
		service, err := translateService(webDefinition())
		Expect(err).ToNot(HaveOccurred())
		probe := service.Template.Containers[0].StartupProbe
		Expect(probe).ToNot(BeNil())
		Expect(probe.HttpGet.Path).To(Equal("/healthz"))
		Expect(service.Template.Containers[0].LivenessProbe).To(BeNil())
	})

	It("should only give the first container a port", func() {
		definition := webDefinition()
		definition.Containers = append(definition.Containers, apis.Container{
			Name: "proxy", Image: "envoy:1", Ports: []apis.ContainerPort{{Port: 9901}},
		})
		service, err := translateService(definition)
		Expect(err).ToNot(HaveOccurred())
		Expect(service.Template.Containers).To(HaveLen(2))
		Expect(service.Template.Containers[0].Ports).To(HaveLen(1))
		Expect(service.Template.Containers[1].Ports).To(BeEmpty())
	})

	It("should refuse init containers", func() {
		definition := webDefinition()
		definition.Containers = append(definition.Containers, apis.Container{
			Name: "migrate", Type: apis.ContainerTypeInit, Image: "migrate:1",
		})
		_, err := translateService(definition)
		Expect(errors.IsUnsupported(err)).To(BeTrue())
	})

	It("should pin the instance window for manual replicas", func() {
		definition := webDefinition()
		definition.Scale = &apis.Scale{Mode: apis.ScaleModeManual, Replicas: lo.ToPtr(int32(3))}
		service, err := translateService(definition)
		Expect(err).ToNot(HaveOccurred())
		Expect(service.Template.Scaling.MinInstanceCount).To(Equal(int64(3)))
		Expect(service.Template.Scaling.MaxInstanceCount).To(Equal(int64(3)))
	})

	It("should map the http rule to request concurrency", func() {
		definition := webDefinition()
		definition.Scale = &apis.Scale{
			Mode:        apis.ScaleModeAuto,
			MinReplicas: lo.ToPtr(int32(1)),
			MaxReplicas: lo.ToPtr(int32(10)),
			Rules:       []apis.ScaleRule{{Type: apis.ScaleRuleHTTP, Metadata: map[string]string{"value": "80"}}},
		}
		service, err := translateService(definition)
		Expect(err).ToNot(HaveOccurred())
		Expect(service.Template.Scaling.MinInstanceCount).To(Equal(int64(1)))
		Expect(service.Template.Scaling.MaxInstanceCount).To(Equal(int64(10)))
		Expect(service.Template.MaxInstanceRequestConcurrency).To(Equal(int64(80)))
	})

	It("should refuse non-http scale rules", func() {
		definition := webDefinition()
		definition.Scale = &apis.Scale{Mode: apis.ScaleModeAuto, Rules: []apis.ScaleRule{{Type: apis.ScaleRuleCPU}}}
		_, err := translateService(definition)
		Expect(errors.IsUnsupported(err)).To(BeTrue())
	})
})

var _ = Describe("Traffic", func() {
	It("should default to the latest revision", func() {
		targets := translateTraffic(nil)
		Expect(targets).To(HaveLen(1))
		Expect(targets[0].Type).To(Equal("TRAFFIC_TARGET_ALLOCATION_TYPE_LATEST"))
		Expect(targets[0].Percent).To(Equal(int64(100)))
	})

	It("should carry revision names, tags and percents", func() {
		targets := translateTraffic([]apis.TrafficAllocation{
			{RevisionName: "web-00001-abc", Percent: 90},
			{LatestRevision: true, Percent: 10, Tag: "canary"},
		})
		Expect(targets).To(HaveLen(2))
		Expect(targets[0].Type).To(Equal("TRAFFIC_TARGET_ALLOCATION_TYPE_REVISION"))
		Expect(targets[0].Revision).To(Equal("web-00001-abc"))
		Expect(targets[1].Type).To(Equal("TRAFFIC_TARGET_ALLOCATION_TYPE_LATEST"))
		Expect(targets[1].Tag).To(Equal("canary"))
	})
})

var _ = Describe("Read-side views", func() {
	makeService := func() *run.GoogleCloudRunV2Service {
		return &run.GoogleCloudRunV2Service{
			Name:                  "projects/strato/locations/us-central1/services/web",
			Uri:                   "https://web-abc123-uc.a.run.app",
			Labels:                map[string]string{managedLabel: "true", serviceLabel: "web"},
			LatestReadyRevision:   "projects/strato/locations/us-central1/services/web/revisions/web-00002-def",
			LatestCreatedRevision: "projects/strato/locations/us-central1/services/web/revisions/web-00002-def",
			CreateTime:            "2026-08-01T12:00:00Z",
			TerminalCondition:     &run.GoogleCloudRunV2Condition{State: "CONDITION_SUCCEEDED"},
			TrafficStatuses: []*run.GoogleCloudRunV2TrafficTargetStatus{
				{Type: "TRAFFIC_TARGET_ALLOCATION_TYPE_LATEST", Percent: 90},
				{Type: "TRAFFIC_TARGET_ALLOCATION_TYPE_REVISION", Revision: "web-00001-abc", Percent: 10},
			},
		}
	}

	It("should normalize the service view", func() {
		item := serviceItem(makeService())
		Expect(item.Name).To(Equal("web"))
		Expect(item.URI).To(Equal("https://web-abc123-uc.a.run.app"))
		Expect(item.Status).To(Equal(apis.ServiceStatusReady))
		Expect(item.LatestReadyRevision).To(Equal("web-00002-def"))
		Expect(item.Traffic).To(HaveLen(2))
		Expect(item.Traffic[0].LatestRevision).To(BeTrue())
		Expect(item.Traffic[0].Percent).To(Equal(int32(90)))
		Expect(item.Traffic[1].RevisionName).To(Equal("web-00001-abc"))
	})

	It("should report reconciling services as progressing", func() {
		service := makeService()
		service.Reconciling = true
		Expect(statusOf(service)).To(Equal(apis.ServiceStatusProgressing))
	})

	It("should expand latest targets when resolving serving revisions", func() {
		serving := servingRevisions(makeService())
		Expect(serving).To(HaveKeyWithValue("web-00002-def", true))
		Expect(serving).To(HaveKeyWithValue("web-00001-abc", true))
	})

	It("should mark serving revisions active", func() {
		revision := &run.GoogleCloudRunV2Revision{
			Name:       "projects/strato/locations/us-central1/services/web/revisions/web-00001-abc",
			CreateTime: "2026-08-01T11:00:00Z",
			Containers: []*run.GoogleCloudRunV2Container{{Image: "us-docker.pkg.dev/strato/images/web:1"}},
		}
		item := revisionItem("web", revision, map[string]bool{"web-00001-abc": true})
		Expect(item.Name).To(Equal("web-00001-abc"))
		Expect(item.Active).To(BeTrue())
		Expect(item.Images).To(ConsistOf("us-docker.pkg.dev/strato/images/web:1"))
	})
})
