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
	"math"
	"strings"
	"time"

	"github.com/avast/retry-go"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	iamtypes "github.com/aws/aws-sdk-go-v2/service/iam/types"
	"github.com/samber/lo"

	"github.com/strato-cloud/strato/pkg/apis"
	"github.com/strato-cloud/strato/pkg/errors"
	"github.com/strato-cloud/strato/pkg/utils/names"
)

const (
	executionRolePolicy = "arn:aws:iam::aws:policy/service-role/AmazonECSTaskExecutionRolePolicy"
	instanceRolePolicy  = "arn:aws:iam::aws:policy/service-role/AmazonEC2ContainerServiceforEC2Role"

	taskAssumePolicy = `{"Version":"2012-10-17","Statement":[{"Effect":"Allow","Principal":{"Service":"ecs-tasks.amazonaws.com"},"Action":"sts:AssumeRole"}]}`
	ec2AssumePolicy  = `{"Version":"2012-10-17","Statement":[{"Effect":"Allow","Principal":{"Service":"ec2.amazonaws.com"},"Action":"sts:AssumeRole"}]}`
)

// ensureRoles reconciles the execution and task roles, plus the instance
// role and profile on the EC2 launch type. Configured ARNs win over
// reconciliation.
func (p *Provider) ensureRoles(ctx context.Context, definition *apis.ServiceDefinition, res *resources) error {
	if p.config.ExecutionRoleArn != "" {
		res.executionRoleArn = p.config.ExecutionRoleArn
	} else {
		arn, err := p.ensureRole(ctx, executionRoleName(definition.Name), taskAssumePolicy, executionRolePolicy, definition.Name)
		if err != nil {
			return err
		}
		res.executionRoleArn = arn
	}
	if p.config.TaskRoleArn != "" {
		res.taskRoleArn = p.config.TaskRoleArn
	} else {
		arn, err := p.ensureRole(ctx, taskRoleName(definition.Name), taskAssumePolicy, "", definition.Name)
		if err != nil {
			return err
		}
		res.taskRoleArn = arn
	}
	if p.config.LaunchType == LaunchTypeEC2 {
		if _, err := p.ensureRole(ctx, instanceRoleName(definition.Name), ec2AssumePolicy, instanceRolePolicy, definition.Name); err != nil {
			return err
		}
		arn, err := p.ensureInstanceProfile(ctx, definition.Name)
		if err != nil {
			return err
		}
		res.instanceProfileArn = arn
	}
	return nil
}

func (p *Provider) ensureRole(ctx context.Context, name, assumePolicy, managedPolicy, service string) (string, error) {
	var arn string
	got, err := p.iamapi.GetRole(ctx, &iam.GetRoleInput{RoleName: lo.ToPtr(name)})
	if err == nil {
		arn = lo.FromPtr(got.Role.Arn)
	} else {
		if err := errors.IgnoreNotFound(errors.FromAWS(err)); err != nil {
			return "", err
		}
		created, err := p.iamapi.CreateRole(ctx, &iam.CreateRoleInput{
			RoleName:                 lo.ToPtr(name),
			AssumeRolePolicyDocument: lo.ToPtr(assumePolicy),
			Tags:                     iamTags(service),
		})
		if err != nil {
			if !errors.IsConflict(errors.FromAWS(err)) {
				return "", errors.FromAWS(err)
			}
			if got, err = p.iamapi.GetRole(ctx, &iam.GetRoleInput{RoleName: lo.ToPtr(name)}); err != nil {
				return "", errors.FromAWS(err)
			}
			arn = lo.FromPtr(got.Role.Arn)
		} else {
			arn = lo.FromPtr(created.Role.Arn)
		}
	}
	if managedPolicy != "" {
		if _, err := p.iamapi.AttachRolePolicy(ctx, &iam.AttachRolePolicyInput{
			RoleName:  lo.ToPtr(name),
			PolicyArn: lo.ToPtr(managedPolicy),
		}); err != nil {
			if err := errors.IgnoreConflict(errors.FromAWS(err)); err != nil {
				return "", err
			}
		}
	}
	return arn, nil
}

func (p *Provider) ensureInstanceProfile(ctx context.Context, service string) (string, error) {
	name := instanceProfileName(service)
	got, err := p.iamapi.GetInstanceProfile(ctx, &iam.GetInstanceProfileInput{InstanceProfileName: lo.ToPtr(name)})
	if err == nil {
		return lo.FromPtr(got.InstanceProfile.Arn), nil
	}
	if err := errors.IgnoreNotFound(errors.FromAWS(err)); err != nil {
		return "", err
	}
	created, err := p.iamapi.CreateInstanceProfile(ctx, &iam.CreateInstanceProfileInput{
		InstanceProfileName: lo.ToPtr(name),
		Tags:                iamTags(service),
	})
	if err != nil {
		if !errors.IsConflict(errors.FromAWS(err)) {
			return "", errors.FromAWS(err)
		}
		if got, err = p.iamapi.GetInstanceProfile(ctx, &iam.GetInstanceProfileInput{InstanceProfileName: lo.ToPtr(name)}); err != nil {
			return "", errors.FromAWS(err)
		}
		return lo.FromPtr(got.InstanceProfile.Arn), nil
	}
	if _, err := p.iamapi.AddRoleToInstanceProfile(ctx, &iam.AddRoleToInstanceProfileInput{
		InstanceProfileName: lo.ToPtr(name),
		RoleName:            lo.ToPtr(instanceRoleName(service)),
	}); err != nil {
		if err := errors.IgnoreConflict(errors.FromAWS(err)); err != nil {
			return "", err
		}
	}
	return lo.FromPtr(created.InstanceProfile.Arn), nil
}

// withProfilePropagation retries an operation that references a freshly
// created instance profile; IAM propagation shows up as a ValidationError
// naming the profile.
func withProfilePropagation(fn func() error) error {
	return retry.Do(fn,
		retry.Attempts(5),
		retry.DelayType(func(n uint, _ error, _ *retry.Config) time.Duration {
			delay := time.Duration(float64(700*time.Millisecond) * math.Pow(1.7, float64(n)))
			return lo.Min([]time.Duration{delay, 3 * time.Second})
		}),
		retry.LastErrorOnly(true),
		retry.RetryIf(isProfilePropagation),
	)
}

func isProfilePropagation(err error) bool {
	if err == nil {
		return false
	}
	message := err.Error()
	return strings.Contains(message, "ValidationError") && strings.Contains(strings.ToLower(message), "iaminstanceprofile")
}

func iamTags(service string) []iamtypes.Tag {
	tags := []iamtypes.Tag{{Key: lo.ToPtr(ManagedTagKey), Value: lo.ToPtr("true")}}
	if service != "" {
		tags = append(tags, iamtypes.Tag{Key: lo.ToPtr(ServiceTagKey), Value: lo.ToPtr(service)})
	}
	return tags
}

// IAM role names are capped at 64 characters, instance profiles at 128.
func executionRoleName(service string) string   { return names.Suffixed(service, "execution-role", 64) }
func taskRoleName(service string) string        { return names.Suffixed(service, "task-role", 64) }
func instanceRoleName(service string) string    { return names.Suffixed(service, "instance-role", 64) }
func instanceProfileName(service string) string { return names.Suffixed(service, "instance-profile", 128) }
