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

package ecs

import (
	"context"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	ecstypes "github.com/aws/aws-sdk-go-v2/service/ecs/types"
	elbtypes "github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2/types"
	"github.com/aws/smithy-go"
	"github.com/samber/lo"
	clock "k8s.io/utils/clock/testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/strato-cloud/strato/pkg/apis"
	"github.com/strato-cloud/strato/pkg/deploy"
	"github.com/strato-cloud/strato/pkg/errors"
	"github.com/strato-cloud/strato/pkg/fake"
)

var (
	ctx       context.Context
	fakeClock *clock.FakeClock
	ecsapi    *fake.ECSAPI
	ec2api    *fake.EC2API
	elbapi    *fake.ELBAPI
	iamapi    *fake.IAMAPI
	asgapi    *fake.ASGAPI
	aasapi    *fake.ScalingAPI
	ssmapi    *fake.SSMAPI
	provider  *Provider
)

func TestECS(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "ECS")
}

var _ = BeforeEach(func() {
	ctx = context.Background()
	fakeClock = clock.NewFakeClock(time.Now())
	ecsapi = fake.NewECSAPI()
	ec2api = fake.NewEC2API()
	elbapi = fake.NewELBAPI()
	iamapi = fake.NewIAMAPI()
	asgapi = fake.NewASGAPI()
	aasapi = fake.NewScalingAPI()
	ssmapi = fake.NewSSMAPI()
	provider = NewProvider(fakeClock, ecsapi, ec2api, elbapi, iamapi, asgapi, aasapi, ssmapi, Config{Region: "us-east-1"})
})

// stepClock advances the fake clock whenever the provider sleeps between
// polls, until stop is closed.
func stepClock(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		default:
			if fakeClock.HasWaiters() {
				fakeClock.Step(2 * time.Second)
			}
			time.Sleep(time.Millisecond)
		}
	}
}

func webDefinition() *apis.ServiceDefinition {
	return &apis.ServiceDefinition{
		Name: "web",
		Containers: []apis.Container{{
			Name:  "web",
			Image: "nginx:1.27",
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
	It("should reconcile the full prerequisite chain for an external service", func() {
		item, err := provider.CreateService(ctx, rollout(webDefinition()))
		Expect(err).ToNot(HaveOccurred())

		alb, ok := elbapi.LoadBalancers["web-alb"]
		Expect(ok).To(BeTrue())
		Expect(elbapi.Listeners[aws.ToString(alb.LoadBalancerArn)]).To(HaveLen(1))
		Expect(elbapi.Listeners[aws.ToString(alb.LoadBalancerArn)][0].Port).To(HaveValue(Equal(int32(80))))

		tg, ok := elbapi.TargetGroups["web-tg"]
		Expect(ok).To(BeTrue())
		Expect(tg.HealthCheckPath).To(HaveValue(Equal("/healthz")))
		Expect(tg.TargetType).To(Equal(elbtypes.TargetTypeEnumIp))

		names := lo.Map(lo.Values(ec2api.SecurityGroups), groupName)
		Expect(names).To(ConsistOf("web-alb-sg", "web-svc-sg"))

		Expect(ecsapi.TaskDefinitions["web"]).To(HaveLen(1))
		service := ecsapi.Services["strato/web"]
		Expect(service).ToNot(BeNil())
		Expect(service.Service.DesiredCount).To(Equal(int32(1)))

		Expect(item.Status).To(Equal(apis.ServiceStatusReady))
		Expect(item.URI).To(Equal("http://" + aws.ToString(alb.DNSName)))
	})

	It("should be a no-op on re-run, switching to update", func() {
		first, err := provider.CreateService(ctx, rollout(webDefinition()))
		Expect(err).ToNot(HaveOccurred())
		second, err := provider.CreateService(ctx, rollout(webDefinition()))
		Expect(err).ToNot(HaveOccurred())

		Expect(ecsapi.CreateServiceBehavior.Calls()).To(Equal(1))
		Expect(ecsapi.UpdateServiceBehavior.Calls()).To(Equal(1))
		Expect(elbapi.LoadBalancers).To(HaveLen(1))
		Expect(elbapi.CreateLoadBalancerBehavior.Calls()).To(Equal(1))
		Expect(ec2api.CreateSecurityGroupBehavior.Calls()).To(Equal(2))
		Expect(second.URI).To(Equal(first.URI))
	})

	It("should wait for a slow rollout to stabilize", func() {
		ecsapi.StabilizeAfter = 2
		elbapi.ActivateAfter = 1
		stop := make(chan struct{})
		defer close(stop)
		go stepClock(stop)
		item, err := provider.CreateService(ctx, rollout(webDefinition()))
		Expect(err).ToNot(HaveOccurred())
		Expect(item.Status).To(Equal(apis.ServiceStatusReady))
	})

	It("should return the current state when the rollout outlives the budget", func() {
		ecsapi.StabilizeAfter = 1000
		stop := make(chan struct{})
		defer close(stop)
		go stepClock(stop)
		item, err := provider.CreateService(ctx, rollout(webDefinition()))
		Expect(err).ToNot(HaveOccurred())
		Expect(item.Status).To(Equal(apis.ServiceStatusProgressing))
	})

	It("should skip load balancing for internal services", func() {
		definition := webDefinition()
		definition.Ingress = nil
		_, err := provider.CreateService(ctx, rollout(definition))
		Expect(err).ToNot(HaveOccurred())
		Expect(elbapi.LoadBalancers).To(BeEmpty())
		names := lo.Map(lo.Values(ec2api.SecurityGroups), groupName)
		Expect(names).To(ConsistOf("web-svc-sg"))
	})

	It("should honor existence preconditions", func() {
		r := rollout(webDefinition())
		r.WhereExists = lo.ToPtr(true)
		_, err := provider.CreateService(ctx, r)
		Expect(errors.IsPreconditionFailed(err)).To(BeTrue())

		_, err = provider.CreateService(ctx, rollout(webDefinition()))
		Expect(err).ToNot(HaveOccurred())

		r = rollout(webDefinition())
		r.WhereExists = lo.ToPtr(false)
		_, err = provider.CreateService(ctx, r)
		Expect(errors.IsPreconditionFailed(err)).To(BeTrue())
	})

	It("should use the autoscaling floor as the desired count", func() {
		definition := webDefinition()
		definition.Scale = &apis.Scale{
			Mode:        apis.ScaleModeAuto,
			MinReplicas: lo.ToPtr(int32(2)),
			MaxReplicas: lo.ToPtr(int32(5)),
		}
		_, err := provider.CreateService(ctx, rollout(definition))
		Expect(err).ToNot(HaveOccurred())
		Expect(ecsapi.Services["strato/web"].Service.DesiredCount).To(Equal(int32(2)))

		target, ok := aasapi.Targets["service/strato/web"]
		Expect(ok).To(BeTrue())
		Expect(target.MinCapacity).To(HaveValue(Equal(int32(2))))
		Expect(target.MaxCapacity).To(HaveValue(Equal(int32(5))))
		Expect(aasapi.Policies).To(HaveKey("service/strato/web/web-cpu"))
	})

	It("should lay one target-tracking policy per rule", func() {
		definition := webDefinition()
		definition.Scale = &apis.Scale{
			Mode:        apis.ScaleModeAuto,
			MinReplicas: lo.ToPtr(int32(1)),
			MaxReplicas: lo.ToPtr(int32(4)),
			Rules: []apis.ScaleRule{
				{Name: "cpu", Type: apis.ScaleRuleCPU, Metadata: map[string]string{"value": "60"}},
				{Name: "rps", Type: apis.ScaleRuleHTTP, Metadata: map[string]string{"value": "500"}},
			},
		}
		_, err := provider.CreateService(ctx, rollout(definition))
		Expect(err).ToNot(HaveOccurred())

		cpu := aasapi.Policies["service/strato/web/web-cpu"]
		Expect(cpu.TargetTrackingScalingPolicyConfiguration.TargetValue).To(HaveValue(Equal(60.0)))
		rps := aasapi.Policies["service/strato/web/web-rps"]
		Expect(rps.TargetTrackingScalingPolicyConfiguration.PredefinedMetricSpecification.ResourceLabel).ToNot(BeNil())
		Expect(rps.TargetTrackingScalingPolicyConfiguration.TargetValue).To(HaveValue(Equal(500.0)))
	})

	It("should provision EC2 capacity on the EC2 launch type", func() {
		provider = NewProvider(fakeClock, ecsapi, ec2api, elbapi, iamapi, asgapi, aasapi, ssmapi, Config{
			Region:     "us-east-1",
			LaunchType: LaunchTypeEC2,
		})
		ecsapi.ContainerInstances["strato"] = []string{"arn:aws:ecs:us-east-1:000000000000:container-instance/abc"}

		_, err := provider.CreateService(ctx, rollout(webDefinition()))
		Expect(err).ToNot(HaveOccurred())

		Expect(ec2api.LaunchTemplates).To(HaveKey("web-lt"))
		Expect(asgapi.Groups).To(HaveKey("web-asg"))
		Expect(ecsapi.CapacityProviders).To(HaveKey("web-cp"))
		Expect(ecsapi.Clusters["strato"].CapacityProviders).To(ContainElement("web-cp"))
		Expect(iamapi.InstanceProfiles).To(HaveKey("web-instance-profile"))
	})
})

var _ = Describe("Fargate quantization", func() {
	DescribeTable("should pick the smallest class and tier",
		func(cpuUnits, memoryMiB, wantCPU, wantMemory int32) {
			cpu, memory, err := quantizeFargate(cpuUnits, memoryMiB)
			Expect(err).ToNot(HaveOccurred())
			Expect(cpu).To(Equal(wantCPU))
			Expect(memory).To(Equal(wantMemory))
		},
		Entry("quarter vCPU floor", int32(256), int32(512), int32(256), int32(512)),
		Entry("memory rounds up within the class", int32(256), int32(600), int32(256), int32(1024)),
		Entry("cpu rounds up to the next class", int32(300), int32(1024), int32(512), int32(1024)),
		Entry("mid class", int32(1024), int32(3000), int32(1024), int32(3072)),
		Entry("coarse tiers on large classes", int32(8192), int32(17000), int32(8192), int32(20480)),
		Entry("largest class ceiling", int32(16384), int32(122880), int32(16384), int32(122880)),
	)

	It("should refuse memory beyond the class maximum", func() {
		_, _, err := quantizeFargate(256, 4096)
		Expect(errors.IsBadRequest(err)).To(BeTrue())
	})

	It("should refuse cpu beyond the largest class", func() {
		_, _, err := quantizeFargate(20000, 1024)
		Expect(errors.IsBadRequest(err)).To(BeTrue())
	})
})

var _ = Describe("Probe translation", func() {
	It("should render http probes as a curl health check", func() {
		check, err := probeToHealthCheck(&apis.Probe{
			HTTPGet:       &apis.HTTPGetAction{Path: "/healthz", Port: 8080},
			PeriodSeconds: lo.ToPtr(int32(10)),
		})
		Expect(err).ToNot(HaveOccurred())
		Expect(check.Command).To(Equal([]string{"CMD-SHELL", "curl -fsS http://localhost:8080/healthz || exit 1"}))
		Expect(check.Interval).To(HaveValue(Equal(int32(10))))
	})

	It("should render tcp probes as a /dev/tcp health check", func() {
		check, err := probeToHealthCheck(&apis.Probe{
			TCPSocket: &apis.TCPSocketAction{Port: 6379},
		})
		Expect(err).ToNot(HaveOccurred())
		Expect(check.Command).To(Equal([]string{"CMD-SHELL", "bash -c '</dev/tcp/localhost/6379' || exit 1"}))
	})

	It("should round-trip the generated shapes", func() {
		check, err := probeToHealthCheck(&apis.Probe{
			HTTPGet:          &apis.HTTPGetAction{Path: "/healthz", Port: 8080, Host: "localhost", Scheme: "http"},
			TimeoutSeconds:   lo.ToPtr(int32(5)),
			FailureThreshold: lo.ToPtr(int32(3)),
		})
		Expect(err).ToNot(HaveOccurred())
		probe := healthCheckToProbe(check)
		Expect(probe.HTTPGet).To(Equal(&apis.HTTPGetAction{Path: "/healthz", Port: 8080, Host: "localhost", Scheme: "http"}))
		Expect(probe.TimeoutSeconds).To(HaveValue(Equal(int32(5))))
		Expect(probe.FailureThreshold).To(HaveValue(Equal(int32(3))))

		check, err = probeToHealthCheck(&apis.Probe{TCPSocket: &apis.TCPSocketAction{Port: 6379, Host: "localhost"}})
		Expect(err).ToNot(HaveOccurred())
		Expect(healthCheckToProbe(check).TCPSocket).To(Equal(&apis.TCPSocketAction{Port: 6379, Host: "localhost"}))
	})

	It("should fall back to exec for foreign commands", func() {
		probe := healthCheckToProbe(&ecstypes.HealthCheck{Command: []string{"CMD", "pgrep", "nginx"}})
		Expect(probe.Exec).To(Equal(&apis.ExecAction{Command: []string{"pgrep", "nginx"}}))
	})
})

var _ = Describe("Revisions", func() {
	BeforeEach(func() {
		_, err := provider.CreateService(ctx, rollout(webDefinition()))
		Expect(err).ToNot(HaveOccurred())
		definition := webDefinition()
		definition.Containers[0].Image = "nginx:1.28"
		_, err = provider.CreateService(ctx, rollout(definition))
		Expect(err).ToNot(HaveOccurred())
	})

	It("should list most-recent-first with the active marker", func() {
		revisions, err := provider.ListRevisions(ctx, "web")
		Expect(err).ToNot(HaveOccurred())
		Expect(revisions).To(HaveLen(2))
		Expect(revisions[0].Name).To(Equal("web:2"))
		Expect(revisions[0].Active).To(BeTrue())
		Expect(revisions[0].Images).To(ConsistOf("nginx:1.28"))
		Expect(revisions[1].Name).To(Equal("web:1"))
		Expect(revisions[1].Active).To(BeFalse())
	})

	It("should refuse to delete the active revision", func() {
		err := provider.DeleteRevision(ctx, "web", "web:2")
		Expect(errors.IsPreconditionFailed(err)).To(BeTrue())
	})

	It("should deregister inactive revisions", func() {
		Expect(provider.DeleteRevision(ctx, "web", "web:1")).To(Succeed())
		revisions, err := provider.ListRevisions(ctx, "web")
		Expect(err).ToNot(HaveOccurred())
		Expect(revisions).To(HaveLen(1))
		Expect(revisions[0].Name).To(Equal("web:2"))
	})

	It("should switch the service to a named revision on traffic update", func() {
		item, err := provider.UpdateTraffic(ctx, "web", []apis.TrafficAllocation{{RevisionName: "web:1", Percent: 100}})
		Expect(err).ToNot(HaveOccurred())
		Expect(item.LatestCreatedRevision).To(Equal("web:1"))
	})

	It("should refuse partial splits", func() {
		_, err := provider.UpdateTraffic(ctx, "web", []apis.TrafficAllocation{
			{RevisionName: "web:1", Percent: 50},
			{RevisionName: "web:2", Percent: 50},
		})
		Expect(errors.IsBadRequest(err)).To(BeTrue())
	})
})

var _ = Describe("DeleteService", func() {
	BeforeEach(func() {
		_, err := provider.CreateService(ctx, rollout(webDefinition()))
		Expect(err).ToNot(HaveOccurred())
	})

	It("should tear managed resources down in reverse order", func() {
		Expect(provider.DeleteService(ctx, "web", 30*time.Second)).To(Succeed())
		Expect(aws.ToString(ecsapi.Services["strato/web"].Service.Status)).To(Equal("INACTIVE"))
		Expect(elbapi.LoadBalancers).To(BeEmpty())
		Expect(elbapi.TargetGroups).To(BeEmpty())
		Expect(ec2api.SecurityGroups).To(BeEmpty())
		Expect(iamapi.Roles).To(BeEmpty())
		Expect(ecsapi.Clusters).To(BeEmpty())
	})

	It("should retry security group deletes while dependents drain", func() {
		ec2api.DeleteSecurityGroupBehavior.Error.Set(
			&smithy.GenericAPIError{Code: "DependencyViolation", Message: "resource has a dependent object"},
			fake.MaxCalls(2),
		)
		Expect(provider.DeleteService(ctx, "web", 30*time.Second)).To(Succeed())
		Expect(ec2api.SecurityGroups).To(BeEmpty())
	})

	It("should be re-runnable after partial teardown", func() {
		Expect(provider.DeleteService(ctx, "web", 30*time.Second)).To(Succeed())
		Expect(provider.DeleteService(ctx, "web", 30*time.Second)).To(Succeed())
	})

	It("should keep a cluster it did not create", func() {
		// A pre-existing, user-owned cluster carries no managed tag.
		ecsapi.Clusters["strato"].Tags = nil
		Expect(provider.DeleteService(ctx, "web", 30*time.Second)).To(Succeed())
		Expect(ecsapi.Clusters).To(HaveKey("strato"))
	})

	It("should keep a shared cluster that still has services", func() {
		definition := webDefinition()
		definition.Name = "api"
		_, err := provider.CreateService(ctx, rollout(definition))
		Expect(err).ToNot(HaveOccurred())
		Expect(provider.DeleteService(ctx, "web", 30*time.Second)).To(Succeed())
		Expect(ecsapi.Clusters).To(HaveKey("strato"))
	})
})

func groupName(group *ec2types.SecurityGroup, _ int) string { return aws.ToString(group.GroupName) }
