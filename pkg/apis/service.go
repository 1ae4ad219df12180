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

package apis

import (
	"time"

	"github.com/samber/lo"
)

// ServiceDefinition is the desired state of a container service. Providers
// reconcile whatever exists under Name toward it; they never read fields they
// cannot express and never mutate the definition.
type ServiceDefinition struct {
	Name          string              `json:"name"`
	Containers    []Container         `json:"containers,omitempty"`
	Ingress       *Ingress            `json:"ingress,omitempty"`
	Scale         *Scale              `json:"scale,omitempty"`
	Traffic       []TrafficAllocation `json:"traffic,omitempty"`
	Volumes       []Volume            `json:"volumes,omitempty"`
	RestartPolicy RestartPolicy       `json:"restartPolicy,omitempty"`
	Labels        map[string]string   `json:"labels,omitempty"`
	// NativeParams is an unchecked provider-specific bag passed through to
	// the underlying SDK calls.
	NativeParams map[string]interface{} `json:"nativeParams,omitempty"`
}

type RestartPolicy string

const (
	RestartPolicyAlways    RestartPolicy = "always"
	RestartPolicyOnFailure RestartPolicy = "on-failure"
	RestartPolicyNever     RestartPolicy = "never"
)

type ContainerType string

const (
	ContainerTypeMain ContainerType = "main"
	ContainerTypeInit ContainerType = "init"
)

// Container describes one container of a service. Image and ImageMap are
// mutually exclusive: ImageMap defers resolution to the build-and-push
// pipeline, Image is a ready-to-pull reference.
type Container struct {
	Name            string           `json:"name"`
	Type            ContainerType    `json:"type,omitempty"`
	Image           string           `json:"image,omitempty"`
	ImageMap        *ImageMap        `json:"imageMap,omitempty"`
	Command         []string         `json:"command,omitempty"`
	Args            []string         `json:"args,omitempty"`
	WorkingDir      string           `json:"workingDir,omitempty"`
	Env             []EnvVar         `json:"env,omitempty"`
	Ports           []ContainerPort  `json:"ports,omitempty"`
	VolumeMounts    []VolumeMount    `json:"volumeMounts,omitempty"`
	Resources       Resources        `json:"resources,omitempty"`
	LivenessProbe   *Probe           `json:"livenessProbe,omitempty"`
	ReadinessProbe  *Probe           `json:"readinessProbe,omitempty"`
	StartupProbe    *Probe           `json:"startupProbe,omitempty"`
	Lifecycle       *Lifecycle       `json:"lifecycle,omitempty"`
	SecurityContext *SecurityContext `json:"securityContext,omitempty"`
}

// EnvVar entries are ordered; on duplicate names the last one wins.
type EnvVar struct {
	Name  string `json:"name"`
	Value string `json:"value,omitempty"`
}

type Protocol string

const (
	ProtocolTCP Protocol = "TCP"
	ProtocolUDP Protocol = "UDP"
)

type ContainerPort struct {
	Name     string   `json:"name,omitempty"`
	Port     int32    `json:"port"`
	Protocol Protocol `json:"protocol,omitempty"`
}

type VolumeMount struct {
	Name      string `json:"name"`
	MountPath string `json:"mountPath"`
	ReadOnly  bool   `json:"readOnly,omitempty"`
}

type Volume struct {
	Name     string          `json:"name"`
	EmptyDir *EmptyDirVolume `json:"emptyDir,omitempty"`
	HostPath *HostPathVolume `json:"hostPath,omitempty"`
	Secret   *SecretVolume   `json:"secret,omitempty"`
}

type EmptyDirVolume struct {
	SizeLimitMiB int64 `json:"sizeLimitMiB,omitempty"`
}

type HostPathVolume struct {
	Path string `json:"path"`
}

type SecretVolume struct {
	SecretName string `json:"secretName"`
}

// Resources carries requests and limits. CPU is in cores, memory in MiB.
type Resources struct {
	Requests ResourceSpec `json:"requests,omitempty"`
	Limits   ResourceSpec `json:"limits,omitempty"`
}

type ResourceSpec struct {
	CPU       float64 `json:"cpu,omitempty"`
	MemoryMiB int64   `json:"memoryMiB,omitempty"`
	GPU       *GPU    `json:"gpu,omitempty"`
}

type GPU struct {
	Count int32  `json:"count"`
	Type  string `json:"type,omitempty"`
}

// Probe has exactly one action set. Timing fields left nil take
// provider-side defaults but round-trip losslessly when set.
type Probe struct {
	HTTPGet   *HTTPGetAction   `json:"httpGet,omitempty"`
	TCPSocket *TCPSocketAction `json:"tcpSocket,omitempty"`
	Exec      *ExecAction      `json:"exec,omitempty"`
	GRPC      *GRPCAction      `json:"grpc,omitempty"`

	InitialDelaySeconds *int32 `json:"initialDelaySeconds,omitempty"`
	PeriodSeconds       *int32 `json:"periodSeconds,omitempty"`
	TimeoutSeconds      *int32 `json:"timeoutSeconds,omitempty"`
	SuccessThreshold    *int32 `json:"successThreshold,omitempty"`
	FailureThreshold    *int32 `json:"failureThreshold,omitempty"`
}

type HTTPGetAction struct {
	Path    string       `json:"path,omitempty"`
	Port    int32        `json:"port"`
	Host    string       `json:"host,omitempty"`
	Scheme  string       `json:"scheme,omitempty"`
	Headers []HTTPHeader `json:"headers,omitempty"`
}

type HTTPHeader struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type TCPSocketAction struct {
	Port int32  `json:"port"`
	Host string `json:"host,omitempty"`
}

type ExecAction struct {
	Command []string `json:"command,omitempty"`
}

type GRPCAction struct {
	Port    int32   `json:"port"`
	Service *string `json:"service,omitempty"`
}

type Lifecycle struct {
	PostStart *LifecycleHandler `json:"postStart,omitempty"`
	PreStop   *LifecycleHandler `json:"preStop,omitempty"`
}

type LifecycleHandler struct {
	Exec    *ExecAction    `json:"exec,omitempty"`
	HTTPGet *HTTPGetAction `json:"httpGet,omitempty"`
}

type SecurityContext struct {
	RunAsUser              *int64 `json:"runAsUser,omitempty"`
	RunAsGroup             *int64 `json:"runAsGroup,omitempty"`
	RunAsNonRoot           *bool  `json:"runAsNonRoot,omitempty"`
	ReadOnlyRootFilesystem *bool  `json:"readOnlyRootFilesystem,omitempty"`
	Privileged             *bool  `json:"privileged,omitempty"`
}

// Ingress is the externally reachable endpoint contract.
type Ingress struct {
	External bool `json:"external,omitempty"`
	// TargetPort is the container port that receives traffic.
	TargetPort int32 `json:"targetPort,omitempty"`
	// ExposedPort is the externally visible port; zero means the
	// provider's default for the transport.
	ExposedPort int32     `json:"exposedPort,omitempty"`
	Transport   Transport `json:"transport,omitempty"`
}

type Transport string

const (
	TransportAuto  Transport = "auto"
	TransportHTTP  Transport = "http"
	TransportHTTP2 Transport = "http2"
	TransportTCP   Transport = "tcp"
)

type ScaleMode string

const (
	ScaleModeManual ScaleMode = "manual"
	ScaleModeAuto   ScaleMode = "auto"
)

// Scale is either a fixed replica count (manual) or an autoscaling window
// with rules (auto).
type Scale struct {
	Mode                   ScaleMode   `json:"mode,omitempty"`
	Replicas               *int32      `json:"replicas,omitempty"`
	MinReplicas            *int32      `json:"minReplicas,omitempty"`
	MaxReplicas            *int32      `json:"maxReplicas,omitempty"`
	CooldownPeriodSeconds  *int32      `json:"cooldownPeriodSeconds,omitempty"`
	PollingIntervalSeconds *int32      `json:"pollingIntervalSeconds,omitempty"`
	Rules                  []ScaleRule `json:"rules,omitempty"`
}

type ScaleRuleType string

const (
	ScaleRuleHTTP   ScaleRuleType = "http"
	ScaleRuleTCP    ScaleRuleType = "tcp"
	ScaleRuleCPU    ScaleRuleType = "cpu"
	ScaleRuleMemory ScaleRuleType = "memory"
	ScaleRuleCustom ScaleRuleType = "custom"
)

type ScaleRule struct {
	Name     string            `json:"name,omitempty"`
	Type     ScaleRuleType     `json:"type"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Auth     []ScaleRuleAuth   `json:"auth,omitempty"`
}

type ScaleRuleAuth struct {
	SecretRef        string `json:"secretRef"`
	TriggerParameter string `json:"triggerParameter,omitempty"`
}

// TrafficAllocation routes Percent of traffic to a revision, a tag, or the
// latest ready revision. Percent values sum to 100 when any are present.
type TrafficAllocation struct {
	RevisionName   string `json:"revisionName,omitempty"`
	Tag            string `json:"tag,omitempty"`
	LatestRevision bool   `json:"latestRevision,omitempty"`
	Percent        int32  `json:"percent"`
}

type ServiceStatus string

const (
	ServiceStatusReady       ServiceStatus = "Ready"
	ServiceStatusProgressing ServiceStatus = "Progressing"
	ServiceStatusFailed      ServiceStatus = "Failed"
	ServiceStatusUnknown     ServiceStatus = "Unknown"
)

// ServiceItem is the normalized read-side view of a service. Native carries
// the provider's raw object for callers that need cloud-specific fields.
type ServiceItem struct {
	Name                  string              `json:"name"`
	URI                   string              `json:"uri,omitempty"`
	Status                ServiceStatus       `json:"status,omitempty"`
	LatestReadyRevision   string              `json:"latestReadyRevision,omitempty"`
	LatestCreatedRevision string              `json:"latestCreatedRevision,omitempty"`
	Traffic               []TrafficAllocation `json:"traffic,omitempty"`
	CreatedAt             time.Time           `json:"createdAt,omitempty"`
	UpdatedAt             time.Time           `json:"updatedAt,omitempty"`
	Native                interface{}         `json:"-"`
}

// RevisionItem is the normalized read-side view of a revision.
type RevisionItem struct {
	Name      string      `json:"name"`
	Service   string      `json:"service,omitempty"`
	Active    bool        `json:"active,omitempty"`
	Images    []string    `json:"images,omitempty"`
	CreatedAt time.Time   `json:"createdAt,omitempty"`
	Native    interface{} `json:"-"`
}

// MainContainers returns the containers that serve traffic, in definition
// order. Containers with no explicit type count as main.
func (s *ServiceDefinition) MainContainers() []Container {
	return lo.Filter(s.Containers, func(c Container, _ int) bool {
		return c.Type == ContainerTypeMain || c.Type == ""
	})
}

// InitContainers returns containers that run to completion before the main
// containers start.
func (s *ServiceDefinition) InitContainers() []Container {
	return lo.Filter(s.Containers, func(c Container, _ int) bool {
		return c.Type == ContainerTypeInit
	})
}

// Container looks a container up by name.
func (s *ServiceDefinition) Container(name string) (Container, bool) {
	return lo.Find(s.Containers, func(c Container) bool { return c.Name == name })
}

// TrafficPercentTotal sums the allocation percents.
func (s *ServiceDefinition) TrafficPercentTotal() int32 {
	return lo.SumBy(s.Traffic, func(t TrafficAllocation) int32 { return t.Percent })
}

// EffectiveEnv collapses the ordered env list so the last entry wins on
// duplicate names, preserving first-occurrence order.
func EffectiveEnv(env []EnvVar) []EnvVar {
	index := map[string]int{}
	out := make([]EnvVar, 0, len(env))
	for _, e := range env {
		if i, ok := index[e.Name]; ok {
			out[i] = e
			continue
		}
		index[e.Name] = len(out)
		out = append(out, e)
	}
	return out
}
