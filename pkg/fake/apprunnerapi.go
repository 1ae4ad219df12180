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
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/apprunner"
	apprunnertypes "github.com/aws/aws-sdk-go-v2/service/apprunner/types"

	sdk "github.com/strato-cloud/strato/pkg/aws"
)

type AppRunnerBehavior struct {
	CreateServiceBehavior                  MockedFunction[apprunner.CreateServiceInput, apprunner.CreateServiceOutput]
	UpdateServiceBehavior                  MockedFunction[apprunner.UpdateServiceInput, apprunner.UpdateServiceOutput]
	DeleteServiceBehavior                  MockedFunction[apprunner.DeleteServiceInput, apprunner.DeleteServiceOutput]
	DescribeServiceBehavior                MockedFunction[apprunner.DescribeServiceInput, apprunner.DescribeServiceOutput]
	ListServicesBehavior                   MockedFunction[apprunner.ListServicesInput, apprunner.ListServicesOutput]
	CreateAutoScalingConfigurationBehavior MockedFunction[apprunner.CreateAutoScalingConfigurationInput, apprunner.CreateAutoScalingConfigurationOutput]
	DeleteAutoScalingConfigurationBehavior MockedFunction[apprunner.DeleteAutoScalingConfigurationInput, apprunner.DeleteAutoScalingConfigurationOutput]
}

// AppRunnerService wraps a service with its rollout clock.
type AppRunnerService struct {
	Service apprunnertypes.Service
	// polls counts DescribeService observations; the operation finishes
	// once it passes the API's StabilizeAfter.
	polls int
}

// AppRunnerAPI is a behavioral in-memory App Runner. Operations progress
// over successive DescribeService calls so the waiter has something to wait
// on.
type AppRunnerAPI struct {
	AppRunnerBehavior
	sync.Mutex

	Services                  map[string]*AppRunnerService
	AutoScalingConfigurations map[string]*apprunnertypes.AutoScalingConfiguration

	// StabilizeAfter is how many DescribeService polls an operation stays
	// IN_PROGRESS before completing. Zero completes on first observation.
	StabilizeAfter int

	nextID int
}

var _ sdk.AppRunnerAPI = &AppRunnerAPI{}

func NewAppRunnerAPI() *AppRunnerAPI {
	return &AppRunnerAPI{
		Services:                  map[string]*AppRunnerService{},
		AutoScalingConfigurations: map[string]*apprunnertypes.AutoScalingConfiguration{},
	}
}

// Reset must be called between tests otherwise tests will pollute each other.
func (a *AppRunnerAPI) Reset() {
	a.CreateServiceBehavior.Reset()
	a.UpdateServiceBehavior.Reset()
	a.DeleteServiceBehavior.Reset()
	a.DescribeServiceBehavior.Reset()
	a.ListServicesBehavior.Reset()
	a.CreateAutoScalingConfigurationBehavior.Reset()
	a.DeleteAutoScalingConfigurationBehavior.Reset()
	a.Lock()
	defer a.Unlock()
	a.Services = map[string]*AppRunnerService{}
	a.AutoScalingConfigurations = map[string]*apprunnertypes.AutoScalingConfiguration{}
	a.StabilizeAfter = 0
	a.nextID = 0
}

func (a *AppRunnerAPI) CreateService(_ context.Context, input *apprunner.CreateServiceInput, _ ...func(*apprunner.Options)) (*apprunner.CreateServiceOutput, error) {
	return a.CreateServiceBehavior.Invoke(input, func(input *apprunner.CreateServiceInput) (*apprunner.CreateServiceOutput, error) {
		a.Lock()
		defer a.Unlock()
		name := aws.ToString(input.ServiceName)
		if existing, ok := a.Services[name]; ok && existing.Service.Status != apprunnertypes.ServiceStatusDeleted {
			return nil, awsErr("InvalidRequestException", fmt.Sprintf("service %q already exists", name))
		}
		a.nextID++
		id := fmt.Sprintf("%016d", a.nextID)
		service := &AppRunnerService{Service: apprunnertypes.Service{
			ServiceName:           input.ServiceName,
			ServiceId:             aws.String(id),
			ServiceArn:            aws.String("arn:aws:apprunner:us-east-1:000000000000:service/" + name + "/" + id),
			ServiceUrl:            aws.String(id + ".us-east-1.awsapprunner.com"),
			Status:                apprunnertypes.ServiceStatusOperationInProgress,
			SourceConfiguration:   input.SourceConfiguration,
			InstanceConfiguration: input.InstanceConfiguration,
			CreatedAt:             aws.Time(time.Now()),
			UpdatedAt:             aws.Time(time.Now()),
		}}
		if input.AutoScalingConfigurationArn != nil {
			if config, ok := a.AutoScalingConfigurations[aws.ToString(input.AutoScalingConfigurationArn)]; ok {
				service.Service.AutoScalingConfigurationSummary = &apprunnertypes.AutoScalingConfigurationSummary{
					AutoScalingConfigurationArn:  config.AutoScalingConfigurationArn,
					AutoScalingConfigurationName: config.AutoScalingConfigurationName,
				}
			}
		}
		a.Services[name] = service
		return &apprunner.CreateServiceOutput{Service: &service.Service}, nil
	})
}

func (a *AppRunnerAPI) UpdateService(_ context.Context, input *apprunner.UpdateServiceInput, _ ...func(*apprunner.Options)) (*apprunner.UpdateServiceOutput, error) {
	return a.UpdateServiceBehavior.Invoke(input, func(input *apprunner.UpdateServiceInput) (*apprunner.UpdateServiceOutput, error) {
		a.Lock()
		defer a.Unlock()
		service := a.findByArn(aws.ToString(input.ServiceArn))
		if service == nil {
			return nil, awsErr("ResourceNotFoundException", "service does not exist")
		}
		if input.SourceConfiguration != nil {
			service.Service.SourceConfiguration = input.SourceConfiguration
		}
		if input.InstanceConfiguration != nil {
			service.Service.InstanceConfiguration = input.InstanceConfiguration
		}
		if input.AutoScalingConfigurationArn != nil {
			if config, ok := a.AutoScalingConfigurations[aws.ToString(input.AutoScalingConfigurationArn)]; ok {
				service.Service.AutoScalingConfigurationSummary = &apprunnertypes.AutoScalingConfigurationSummary{
					AutoScalingConfigurationArn:  config.AutoScalingConfigurationArn,
					AutoScalingConfigurationName: config.AutoScalingConfigurationName,
				}
			}
		}
		// A new operation starts rolling.
		service.polls = 0
		service.Service.Status = apprunnertypes.ServiceStatusOperationInProgress
		service.Service.UpdatedAt = aws.Time(time.Now())
		return &apprunner.UpdateServiceOutput{Service: &service.Service}, nil
	})
}

func (a *AppRunnerAPI) DeleteService(_ context.Context, input *apprunner.DeleteServiceInput, _ ...func(*apprunner.Options)) (*apprunner.DeleteServiceOutput, error) {
	return a.DeleteServiceBehavior.Invoke(input, func(input *apprunner.DeleteServiceInput) (*apprunner.DeleteServiceOutput, error) {
		a.Lock()
		defer a.Unlock()
		service := a.findByArn(aws.ToString(input.ServiceArn))
		if service == nil {
			return nil, awsErr("ResourceNotFoundException", "service does not exist")
		}
		service.Service.Status = apprunnertypes.ServiceStatusDeleted
		return &apprunner.DeleteServiceOutput{Service: &service.Service}, nil
	})
}

// DescribeService advances each observed operation one tick.
func (a *AppRunnerAPI) DescribeService(_ context.Context, input *apprunner.DescribeServiceInput, _ ...func(*apprunner.Options)) (*apprunner.DescribeServiceOutput, error) {
	return a.DescribeServiceBehavior.Invoke(input, func(input *apprunner.DescribeServiceInput) (*apprunner.DescribeServiceOutput, error) {
		a.Lock()
		defer a.Unlock()
		service := a.findByArn(aws.ToString(input.ServiceArn))
		if service == nil {
			return nil, awsErr("ResourceNotFoundException", "service does not exist")
		}
		if service.Service.Status == apprunnertypes.ServiceStatusOperationInProgress {
			service.polls++
			if service.polls > a.StabilizeAfter {
				service.Service.Status = apprunnertypes.ServiceStatusRunning
			}
		}
		return &apprunner.DescribeServiceOutput{Service: &service.Service}, nil
	})
}

func (a *AppRunnerAPI) ListServices(_ context.Context, input *apprunner.ListServicesInput, _ ...func(*apprunner.Options)) (*apprunner.ListServicesOutput, error) {
	return a.ListServicesBehavior.Invoke(input, func(input *apprunner.ListServicesInput) (*apprunner.ListServicesOutput, error) {
		a.Lock()
		defer a.Unlock()
		out := &apprunner.ListServicesOutput{}
		for _, service := range a.Services {
			out.ServiceSummaryList = append(out.ServiceSummaryList, apprunnertypes.ServiceSummary{
				ServiceName: service.Service.ServiceName,
				ServiceArn:  service.Service.ServiceArn,
				ServiceId:   service.Service.ServiceId,
				ServiceUrl:  service.Service.ServiceUrl,
				Status:      service.Service.Status,
				CreatedAt:   service.Service.CreatedAt,
				UpdatedAt:   service.Service.UpdatedAt,
			})
		}
		return out, nil
	})
}

func (a *AppRunnerAPI) CreateAutoScalingConfiguration(_ context.Context, input *apprunner.CreateAutoScalingConfigurationInput, _ ...func(*apprunner.Options)) (*apprunner.CreateAutoScalingConfigurationOutput, error) {
	return a.CreateAutoScalingConfigurationBehavior.Invoke(input, func(input *apprunner.CreateAutoScalingConfigurationInput) (*apprunner.CreateAutoScalingConfigurationOutput, error) {
		a.Lock()
		defer a.Unlock()
		a.nextID++
		name := aws.ToString(input.AutoScalingConfigurationName)
		config := &apprunnertypes.AutoScalingConfiguration{
			AutoScalingConfigurationName:     input.AutoScalingConfigurationName,
			AutoScalingConfigurationArn:      aws.String(fmt.Sprintf("arn:aws:apprunner:us-east-1:000000000000:autoscalingconfiguration/%s/%d", name, a.nextID)),
			AutoScalingConfigurationRevision: aws.Int32(int32(a.nextID)),
			MaxConcurrency:                   input.MaxConcurrency,
			MinSize:                          input.MinSize,
			MaxSize:                          input.MaxSize,
			CreatedAt:                        aws.Time(time.Now()),
		}
		a.AutoScalingConfigurations[aws.ToString(config.AutoScalingConfigurationArn)] = config
		return &apprunner.CreateAutoScalingConfigurationOutput{AutoScalingConfiguration: config}, nil
	})
}

func (a *AppRunnerAPI) DeleteAutoScalingConfiguration(_ context.Context, input *apprunner.DeleteAutoScalingConfigurationInput, _ ...func(*apprunner.Options)) (*apprunner.DeleteAutoScalingConfigurationOutput, error) {
	return a.DeleteAutoScalingConfigurationBehavior.Invoke(input, func(input *apprunner.DeleteAutoScalingConfigurationInput) (*apprunner.DeleteAutoScalingConfigurationOutput, error) {
		a.Lock()
		defer a.Unlock()
		arn := aws.ToString(input.AutoScalingConfigurationArn)
		config, ok := a.AutoScalingConfigurations[arn]
		if !ok {
			return nil, awsErr("ResourceNotFoundException", "autoscaling configuration does not exist")
		}
		delete(a.AutoScalingConfigurations, arn)
		return &apprunner.DeleteAutoScalingConfigurationOutput{AutoScalingConfiguration: config}, nil
	})
}

// findByArn resolves an ARN across live services. Callers hold the lock.
func (a *AppRunnerAPI) findByArn(arn string) *AppRunnerService {
	for _, service := range a.Services {
		if aws.ToString(service.Service.ServiceArn) == arn {
			return service
		}
	}
	return nil
}
