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

package fake

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	ecstypes "github.com/aws/aws-sdk-go-v2/service/ecs/types"
	"github.com/aws/smithy-go"
	"github.com/samber/lo"

	sdk "github.com/strato-cloud/strato/pkg/aws"
)

type ECSBehavior struct {
	CreateClusterBehavior               MockedFunction[ecs.CreateClusterInput, ecs.CreateClusterOutput]
	DescribeClustersBehavior            MockedFunction[ecs.DescribeClustersInput, ecs.DescribeClustersOutput]
	DeleteClusterBehavior               MockedFunction[ecs.DeleteClusterInput, ecs.DeleteClusterOutput]
	RegisterTaskDefinitionBehavior      MockedFunction[ecs.RegisterTaskDefinitionInput, ecs.RegisterTaskDefinitionOutput]
	DeregisterTaskDefinitionBehavior    MockedFunction[ecs.DeregisterTaskDefinitionInput, ecs.DeregisterTaskDefinitionOutput]
	DescribeTaskDefinitionBehavior      MockedFunction[ecs.DescribeTaskDefinitionInput, ecs.DescribeTaskDefinitionOutput]
	ListTaskDefinitionsBehavior         MockedFunction[ecs.ListTaskDefinitionsInput, ecs.ListTaskDefinitionsOutput]
	CreateServiceBehavior               MockedFunction[ecs.CreateServiceInput, ecs.CreateServiceOutput]
	UpdateServiceBehavior               MockedFunction[ecs.UpdateServiceInput, ecs.UpdateServiceOutput]
	DeleteServiceBehavior               MockedFunction[ecs.DeleteServiceInput, ecs.DeleteServiceOutput]
	DescribeServicesBehavior            MockedFunction[ecs.DescribeServicesInput, ecs.DescribeServicesOutput]
	ListServicesBehavior                MockedFunction[ecs.ListServicesInput, ecs.ListServicesOutput]
	ListContainerInstancesBehavior      MockedFunction[ecs.ListContainerInstancesInput, ecs.ListContainerInstancesOutput]
	CreateCapacityProviderBehavior      MockedFunction[ecs.CreateCapacityProviderInput, ecs.CreateCapacityProviderOutput]
	DeleteCapacityProviderBehavior      MockedFunction[ecs.DeleteCapacityProviderInput, ecs.DeleteCapacityProviderOutput]
	DescribeCapacityProvidersBehavior   MockedFunction[ecs.DescribeCapacityProvidersInput, ecs.DescribeCapacityProvidersOutput]
	PutClusterCapacityProvidersBehavior MockedFunction[ecs.PutClusterCapacityProvidersInput, ecs.PutClusterCapacityProvidersOutput]
}

// ECSService is one service plus its fake rollout clock.
type ECSService struct {
	Service ecstypes.Service
	// polls counts DescribeServices observations; the rollout completes
	// once it passes the API's StabilizeAfter.
	polls int
}

// ECSAPI is a behavioral in-memory ECS. Services roll out over successive
// DescribeServices calls so the waiter has something to wait on.
type ECSAPI struct {
	ECSBehavior
	sync.Mutex

	Clusters          map[string]*ecstypes.Cluster
	Services          map[string]*ECSService
	TaskDefinitions   map[string][]*ecstypes.TaskDefinition
	CapacityProviders map[string]*ecstypes.CapacityProvider

	// ContainerInstances per cluster; seed before EC2 rollouts or the
	// capacity wait spins.
	ContainerInstances map[string][]string

	// StabilizeAfter is how many DescribeServices polls a fresh deployment
	// needs before it reports COMPLETED. Zero means immediately stable.
	StabilizeAfter int
}

var _ sdk.ECSAPI = &ECSAPI{}

func NewECSAPI() *ECSAPI {
	return &ECSAPI{
		Clusters:           map[string]*ecstypes.Cluster{},
		Services:           map[string]*ECSService{},
		TaskDefinitions:    map[string][]*ecstypes.TaskDefinition{},
		CapacityProviders:  map[string]*ecstypes.CapacityProvider{},
		ContainerInstances: map[string][]string{},
	}
}

// Reset must be called between tests otherwise tests will pollute each other.
func (e *ECSAPI) Reset() {
	e.CreateClusterBehavior.Reset()
	e.DescribeClustersBehavior.Reset()
	e.DeleteClusterBehavior.Reset()
	e.RegisterTaskDefinitionBehavior.Reset()
	e.DeregisterTaskDefinitionBehavior.Reset()
	e.DescribeTaskDefinitionBehavior.Reset()
	e.ListTaskDefinitionsBehavior.Reset()
	e.CreateServiceBehavior.Reset()
	e.UpdateServiceBehavior.Reset()
	e.DeleteServiceBehavior.Reset()
	e.DescribeServicesBehavior.Reset()
	e.ListServicesBehavior.Reset()
	e.ListContainerInstancesBehavior.Reset()
	e.CreateCapacityProviderBehavior.Reset()
	e.DeleteCapacityProviderBehavior.Reset()
	e.DescribeCapacityProvidersBehavior.Reset()
	e.PutClusterCapacityProvidersBehavior.Reset()
	e.Lock()
	defer e.Unlock()
	e.Clusters = map[string]*ecstypes.Cluster{}
	e.Services = map[string]*ECSService{}
	e.TaskDefinitions = map[string][]*ecstypes.TaskDefinition{}
	e.CapacityProviders = map[string]*ecstypes.CapacityProvider{}
	e.ContainerInstances = map[string][]string{}
	e.StabilizeAfter = 0
}

func serviceKey(cluster, service string) string { return cluster + "/" + service }

// awsErr is shared by the AWS control-plane fakes.
func awsErr(code, message string) error {
	return &smithy.GenericAPIError{Code: code, Message: message}
}

func (e *ECSAPI) CreateCluster(_ context.Context, input *ecs.CreateClusterInput, _ ...func(*ecs.Options)) (*ecs.CreateClusterOutput, error) {
	return e.CreateClusterBehavior.Invoke(input, func(input *ecs.CreateClusterInput) (*ecs.CreateClusterOutput, error) {
		e.Lock()
		defer e.Unlock()
		name := aws.ToString(input.ClusterName)
		cluster := &ecstypes.Cluster{
			ClusterName: aws.String(name),
			ClusterArn:  aws.String("arn:aws:ecs:us-east-1:000000000000:cluster/" + name),
			Status:      aws.String("ACTIVE"),
			Tags:        input.Tags,
		}
		e.Clusters[name] = cluster
		return &ecs.CreateClusterOutput{Cluster: cluster}, nil
	})
}

// DescribeClusters omits unknown names, as the real API does.
func (e *ECSAPI) DescribeClusters(_ context.Context, input *ecs.DescribeClustersInput, _ ...func(*ecs.Options)) (*ecs.DescribeClustersOutput, error) {
	return e.DescribeClustersBehavior.Invoke(input, func(input *ecs.DescribeClustersInput) (*ecs.DescribeClustersOutput, error) {
		e.Lock()
		defer e.Unlock()
		out := &ecs.DescribeClustersOutput{}
		for _, name := range input.Clusters {
			if cluster, ok := e.Clusters[name]; ok {
				out.Clusters = append(out.Clusters, *cluster)
			}
		}
		return out, nil
	})
}

func (e *ECSAPI) DeleteCluster(_ context.Context, input *ecs.DeleteClusterInput, _ ...func(*ecs.Options)) (*ecs.DeleteClusterOutput, error) {
	return e.DeleteClusterBehavior.Invoke(input, func(input *ecs.DeleteClusterInput) (*ecs.DeleteClusterOutput, error) {
		e.Lock()
		defer e.Unlock()
		name := aws.ToString(input.Cluster)
		if _, ok := e.Clusters[name]; !ok {
			return nil, awsErr("ClusterNotFoundException", fmt.Sprintf("cluster %q does not exist", name))
		}
		delete(e.Clusters, name)
		return &ecs.DeleteClusterOutput{}, nil
	})
}

func (e *ECSAPI) RegisterTaskDefinition(_ context.Context, input *ecs.RegisterTaskDefinitionInput, _ ...func(*ecs.Options)) (*ecs.RegisterTaskDefinitionOutput, error) {
	return e.RegisterTaskDefinitionBehavior.Invoke(input, func(input *ecs.RegisterTaskDefinitionInput) (*ecs.RegisterTaskDefinitionOutput, error) {
		e.Lock()
		defer e.Unlock()
		family := aws.ToString(input.Family)
		revision := int32(len(e.TaskDefinitions[family]) + 1)
		td := &ecstypes.TaskDefinition{
			TaskDefinitionArn:       aws.String(fmt.Sprintf("arn:aws:ecs:us-east-1:000000000000:task-definition/%s:%d", family, revision)),
			Family:                  aws.String(family),
			Revision:                revision,
			Status:                  ecstypes.TaskDefinitionStatusActive,
			ContainerDefinitions:    input.ContainerDefinitions,
			NetworkMode:             input.NetworkMode,
			RequiresCompatibilities: input.RequiresCompatibilities,
			Cpu:                     input.Cpu,
			Memory:                  input.Memory,
			ExecutionRoleArn:        input.ExecutionRoleArn,
			TaskRoleArn:             input.TaskRoleArn,
			Volumes:                 input.Volumes,
			RegisteredAt:            aws.Time(time.Now()),
		}
		e.TaskDefinitions[family] = append(e.TaskDefinitions[family], td)
		return &ecs.RegisterTaskDefinitionOutput{TaskDefinition: td}, nil
	})
}

func (e *ECSAPI) DeregisterTaskDefinition(_ context.Context, input *ecs.DeregisterTaskDefinitionInput, _ ...func(*ecs.Options)) (*ecs.DeregisterTaskDefinitionOutput, error) {
	return e.DeregisterTaskDefinitionBehavior.Invoke(input, func(input *ecs.DeregisterTaskDefinitionInput) (*ecs.DeregisterTaskDefinitionOutput, error) {
		e.Lock()
		defer e.Unlock()
		td := e.findTaskDefinition(aws.ToString(input.TaskDefinition))
		if td == nil {
			return nil, awsErr("ClientException", "unable to describe task definition")
		}
		td.Status = ecstypes.TaskDefinitionStatusInactive
		return &ecs.DeregisterTaskDefinitionOutput{TaskDefinition: td}, nil
	})
}

func (e *ECSAPI) DescribeTaskDefinition(_ context.Context, input *ecs.DescribeTaskDefinitionInput, _ ...func(*ecs.Options)) (*ecs.DescribeTaskDefinitionOutput, error) {
	return e.DescribeTaskDefinitionBehavior.Invoke(input, func(input *ecs.DescribeTaskDefinitionInput) (*ecs.DescribeTaskDefinitionOutput, error) {
		e.Lock()
		defer e.Unlock()
		td := e.findTaskDefinition(aws.ToString(input.TaskDefinition))
		if td == nil {
			return nil, awsErr("ClientException", "unable to describe task definition")
		}
		return &ecs.DescribeTaskDefinitionOutput{TaskDefinition: td}, nil
	})
}

// findTaskDefinition resolves an ARN, "family:revision", or bare family (the
// latest active revision). Callers hold the lock.
func (e *ECSAPI) findTaskDefinition(reference string) *ecstypes.TaskDefinition {
	if i := strings.LastIndex(reference, "/"); i >= 0 {
		reference = reference[i+1:]
	}
	family, revision, qualified := strings.Cut(reference, ":")
	for i := len(e.TaskDefinitions[family]) - 1; i >= 0; i-- {
		td := e.TaskDefinitions[family][i]
		if qualified {
			if fmt.Sprintf("%d", td.Revision) == revision {
				return td
			}
			continue
		}
		if td.Status == ecstypes.TaskDefinitionStatusActive {
			return td
		}
	}
	return nil
}

func (e *ECSAPI) ListTaskDefinitions(_ context.Context, input *ecs.ListTaskDefinitionsInput, _ ...func(*ecs.Options)) (*ecs.ListTaskDefinitionsOutput, error) {
	return e.ListTaskDefinitionsBehavior.Invoke(input, func(input *ecs.ListTaskDefinitionsInput) (*ecs.ListTaskDefinitionsOutput, error) {
		e.Lock()
		defer e.Unlock()
		family := aws.ToString(input.FamilyPrefix)
		active := lo.Filter(e.TaskDefinitions[family], func(td *ecstypes.TaskDefinition, _ int) bool {
			return td.Status == ecstypes.TaskDefinitionStatusActive
		})
		arns := lo.Map(active, func(td *ecstypes.TaskDefinition, _ int) string {
			return aws.ToString(td.TaskDefinitionArn)
		})
		if input.Sort == ecstypes.SortOrderDesc {
			arns = lo.Reverse(arns)
		}
		return &ecs.ListTaskDefinitionsOutput{TaskDefinitionArns: arns}, nil
	})
}

func (e *ECSAPI) CreateService(_ context.Context, input *ecs.CreateServiceInput, _ ...func(*ecs.Options)) (*ecs.CreateServiceOutput, error) {
	return e.CreateServiceBehavior.Invoke(input, func(input *ecs.CreateServiceInput) (*ecs.CreateServiceOutput, error) {
		e.Lock()
		defer e.Unlock()
		cluster := aws.ToString(input.Cluster)
		if _, ok := e.Clusters[cluster]; !ok {
			return nil, awsErr("ClusterNotFoundException", fmt.Sprintf("cluster %q does not exist", cluster))
		}
		name := aws.ToString(input.ServiceName)
		key := serviceKey(cluster, name)
		if existing, ok := e.Services[key]; ok && aws.ToString(existing.Service.Status) != "INACTIVE" {
			return nil, awsErr("ResourceInUseException", fmt.Sprintf("service %q already exists", name))
		}
		service := &ECSService{Service: ecstypes.Service{
			ServiceName:          aws.String(name),
			ServiceArn:           aws.String(fmt.Sprintf("arn:aws:ecs:us-east-1:000000000000:service/%s/%s", cluster, name)),
			ClusterArn:           aws.String("arn:aws:ecs:us-east-1:000000000000:cluster/" + cluster),
			Status:               aws.String("ACTIVE"),
			TaskDefinition:       input.TaskDefinition,
			DesiredCount:         aws.ToInt32(input.DesiredCount),
			LoadBalancers:        input.LoadBalancers,
			NetworkConfiguration: input.NetworkConfiguration,
			Tags:                 input.Tags,
			CreatedAt:            aws.Time(time.Now()),
			Deployments: []ecstypes.Deployment{{
				Status:         aws.String("PRIMARY"),
				TaskDefinition: input.TaskDefinition,
				RolloutState:   ecstypes.DeploymentRolloutStateInProgress,
			}},
		}}
		e.Services[key] = service
		return &ecs.CreateServiceOutput{Service: &service.Service}, nil
	})
}

func (e *ECSAPI) UpdateService(_ context.Context, input *ecs.UpdateServiceInput, _ ...func(*ecs.Options)) (*ecs.UpdateServiceOutput, error) {
	return e.UpdateServiceBehavior.Invoke(input, func(input *ecs.UpdateServiceInput) (*ecs.UpdateServiceOutput, error) {
		e.Lock()
		defer e.Unlock()
		key := serviceKey(aws.ToString(input.Cluster), aws.ToString(input.Service))
		service, ok := e.Services[key]
		if !ok {
			return nil, awsErr("ServiceNotFoundException", fmt.Sprintf("service %q does not exist", aws.ToString(input.Service)))
		}
		if input.TaskDefinition != nil {
			service.Service.TaskDefinition = input.TaskDefinition
		}
		if input.DesiredCount != nil {
			service.Service.DesiredCount = *input.DesiredCount
		}
		// A new deployment starts rolling.
		service.polls = 0
		service.Service.Deployments = []ecstypes.Deployment{{
			Status:         aws.String("PRIMARY"),
			TaskDefinition: service.Service.TaskDefinition,
			RolloutState:   ecstypes.DeploymentRolloutStateInProgress,
		}}
		return &ecs.UpdateServiceOutput{Service: &service.Service}, nil
	})
}

func (e *ECSAPI) DeleteService(_ context.Context, input *ecs.DeleteServiceInput, _ ...func(*ecs.Options)) (*ecs.DeleteServiceOutput, error) {
	return e.DeleteServiceBehavior.Invoke(input, func(input *ecs.DeleteServiceInput) (*ecs.DeleteServiceOutput, error) {
		e.Lock()
		defer e.Unlock()
		key := serviceKey(aws.ToString(input.Cluster), aws.ToString(input.Service))
		service, ok := e.Services[key]
		if !ok {
			return nil, awsErr("ServiceNotFoundException", fmt.Sprintf("service %q does not exist", aws.ToString(input.Service)))
		}
		service.Service.Status = aws.String("INACTIVE")
		service.Service.RunningCount = 0
		return &ecs.DeleteServiceOutput{Service: &service.Service}, nil
	})
}

// DescribeServices advances each observed rollout one tick.
func (e *ECSAPI) DescribeServices(_ context.Context, input *ecs.DescribeServicesInput, _ ...func(*ecs.Options)) (*ecs.DescribeServicesOutput, error) {
	return e.DescribeServicesBehavior.Invoke(input, func(input *ecs.DescribeServicesInput) (*ecs.DescribeServicesOutput, error) {
		e.Lock()
		defer e.Unlock()
		out := &ecs.DescribeServicesOutput{}
		cluster := aws.ToString(input.Cluster)
		for _, name := range input.Services {
			if i := strings.LastIndex(name, "/"); i >= 0 {
				name = name[i+1:]
			}
			service, ok := e.Services[serviceKey(cluster, name)]
			if !ok {
				out.Failures = append(out.Failures, ecstypes.Failure{
					Arn:    aws.String(name),
					Reason: aws.String("MISSING"),
				})
				continue
			}
			e.progress(service)
			out.Services = append(out.Services, service.Service)
		}
		return out, nil
	})
}

// progress moves an ACTIVE service toward its desired state. Callers hold
// the lock.
func (e *ECSAPI) progress(service *ECSService) {
	if aws.ToString(service.Service.Status) != "ACTIVE" {
		return
	}
	service.polls++
	if service.polls <= e.StabilizeAfter {
		return
	}
	service.Service.RunningCount = service.Service.DesiredCount
	for i := range service.Service.Deployments {
		if aws.ToString(service.Service.Deployments[i].Status) == "PRIMARY" {
			service.Service.Deployments[i].RolloutState = ecstypes.DeploymentRolloutStateCompleted
			service.Service.Deployments[i].RunningCount = service.Service.DesiredCount
		}
	}
}

func (e *ECSAPI) ListServices(_ context.Context, input *ecs.ListServicesInput, _ ...func(*ecs.Options)) (*ecs.ListServicesOutput, error) {
	return e.ListServicesBehavior.Invoke(input, func(input *ecs.ListServicesInput) (*ecs.ListServicesOutput, error) {
		e.Lock()
		defer e.Unlock()
		cluster := aws.ToString(input.Cluster)
		var arns []string
		for key, service := range e.Services {
			if strings.HasPrefix(key, cluster+"/") && aws.ToString(service.Service.Status) == "ACTIVE" {
				arns = append(arns, aws.ToString(service.Service.ServiceArn))
			}
		}
		return &ecs.ListServicesOutput{ServiceArns: arns}, nil
	})
}

func (e *ECSAPI) ListContainerInstances(_ context.Context, input *ecs.ListContainerInstancesInput, _ ...func(*ecs.Options)) (*ecs.ListContainerInstancesOutput, error) {
	return e.ListContainerInstancesBehavior.Invoke(input, func(input *ecs.ListContainerInstancesInput) (*ecs.ListContainerInstancesOutput, error) {
		e.Lock()
		defer e.Unlock()
		return &ecs.ListContainerInstancesOutput{
			ContainerInstanceArns: append([]string{}, e.ContainerInstances[aws.ToString(input.Cluster)]...),
		}, nil
	})
}

func (e *ECSAPI) CreateCapacityProvider(_ context.Context, input *ecs.CreateCapacityProviderInput, _ ...func(*ecs.Options)) (*ecs.CreateCapacityProviderOutput, error) {
	return e.CreateCapacityProviderBehavior.Invoke(input, func(input *ecs.CreateCapacityProviderInput) (*ecs.CreateCapacityProviderOutput, error) {
		e.Lock()
		defer e.Unlock()
		name := aws.ToString(input.Name)
		if _, ok := e.CapacityProviders[name]; ok {
			return nil, awsErr("ResourceInUseException", fmt.Sprintf("capacity provider %q already exists", name))
		}
		provider := &ecstypes.CapacityProvider{
			Name:                     aws.String(name),
			CapacityProviderArn:      aws.String("arn:aws:ecs:us-east-1:000000000000:capacity-provider/" + name),
			Status:                   ecstypes.CapacityProviderStatusActive,
			AutoScalingGroupProvider: input.AutoScalingGroupProvider,
			Tags:                     input.Tags,
		}
		e.CapacityProviders[name] = provider
		return &ecs.CreateCapacityProviderOutput{CapacityProvider: provider}, nil
	})
}

func (e *ECSAPI) DeleteCapacityProvider(_ context.Context, input *ecs.DeleteCapacityProviderInput, _ ...func(*ecs.Options)) (*ecs.DeleteCapacityProviderOutput, error) {
	return e.DeleteCapacityProviderBehavior.Invoke(input, func(input *ecs.DeleteCapacityProviderInput) (*ecs.DeleteCapacityProviderOutput, error) {
		e.Lock()
		defer e.Unlock()
		name := aws.ToString(input.CapacityProvider)
		provider, ok := e.CapacityProviders[name]
		if !ok {
			return nil, awsErr("ResourceNotFoundException", fmt.Sprintf("capacity provider %q does not exist", name))
		}
		delete(e.CapacityProviders, name)
		return &ecs.DeleteCapacityProviderOutput{CapacityProvider: provider}, nil
	})
}

func (e *ECSAPI) DescribeCapacityProviders(_ context.Context, input *ecs.DescribeCapacityProvidersInput, _ ...func(*ecs.Options)) (*ecs.DescribeCapacityProvidersOutput, error) {
	return e.DescribeCapacityProvidersBehavior.Invoke(input, func(input *ecs.DescribeCapacityProvidersInput) (*ecs.DescribeCapacityProvidersOutput, error) {
		e.Lock()
		defer e.Unlock()
		out := &ecs.DescribeCapacityProvidersOutput{}
		for _, name := range input.CapacityProviders {
			if provider, ok := e.CapacityProviders[name]; ok {
				out.CapacityProviders = append(out.CapacityProviders, *provider)
			}
		}
		return out, nil
	})
}

func (e *ECSAPI) PutClusterCapacityProviders(_ context.Context, input *ecs.PutClusterCapacityProvidersInput, _ ...func(*ecs.Options)) (*ecs.PutClusterCapacityProvidersOutput, error) {
	return e.PutClusterCapacityProvidersBehavior.Invoke(input, func(input *ecs.PutClusterCapacityProvidersInput) (*ecs.PutClusterCapacityProvidersOutput, error) {
		e.Lock()
		defer e.Unlock()
		name := aws.ToString(input.Cluster)
		cluster, ok := e.Clusters[name]
		if !ok {
			return nil, awsErr("ClusterNotFoundException", fmt.Sprintf("cluster %q does not exist", name))
		}
		cluster.CapacityProviders = input.CapacityProviders
		cluster.DefaultCapacityProviderStrategy = input.DefaultCapacityProviderStrategy
		return &ecs.PutClusterCapacityProvidersOutput{Cluster: cluster}, nil
	})
}
