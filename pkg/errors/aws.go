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

package errors

import (
	"errors"
	"net/http"

	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/smithy-go"
	"k8s.io/apimachinery/pkg/util/sets"
)

const (
	DependencyViolationCode = "DependencyViolation"
	AccessDeniedCode        = "AccessDenied"
)

var (
	// This is not an exhaustive list, add to it as needed
	awsNotFoundCodes = sets.New[string](
		"NoSuchKey",
		"NoSuchBucket",
		"NotFound",
		"NoSuchEntity",
		"ClusterNotFoundException",
		"ServiceNotFoundException",
		"ServiceNotActiveException",
		"LoadBalancerNotFound",
		"TargetGroupNotFound",
		"ListenerNotFound",
		"ParameterNotFound",
		"RepositoryNotFoundException",
		"ImageNotFoundException",
		"ResourceNotFoundException",
		"ObjectNotFoundException",
		"InvalidLaunchTemplateName.NotFoundException",
		"InvalidGroup.NotFound",
		"InvalidVpcID.NotFound",
		"InvalidSubnetID.NotFound",
		"InvalidPermission.NotFound",
	)
	awsConflictCodes = sets.New[string](
		"EntityAlreadyExists",
		"RepositoryAlreadyExistsException",
		"BucketAlreadyExists",
		"BucketAlreadyOwnedByYou",
		"InvalidPermission.Duplicate",
		"InvalidGroup.Duplicate",
		"DuplicateLoadBalancerName",
		"DuplicateTargetGroupName",
		"DuplicateListener",
		"AlreadyExists",
		"InvalidLaunchTemplateName.AlreadyExistsException",
		"ResourceInUseException",
		"DeleteConflict",
		DependencyViolationCode,
	)
	awsPreconditionCodes = sets.New[string](
		"PreconditionFailed",
		"ConditionalRequestConflict",
	)
	awsBadRequestCodes = sets.New[string](
		"InvalidParameterException",
		"ClientException",
		"InvalidRange",
	)
)

// FromAWS classifies an aws-sdk-go-v2 error into the taxonomy, preserving it
// as the native error. Errors that don't classify are returned unchanged.
func FromAWS(err error) error {
	if err == nil {
		return nil
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		switch {
		case awsNotFoundCodes.Has(code):
			return Wrap(KindNotFound, err, "%s", code)
		case awsConflictCodes.Has(code):
			return Wrap(KindConflict, err, "%s", code)
		case awsPreconditionCodes.Has(code):
			return Wrap(KindPreconditionFailed, err, "%s", code)
		case awsBadRequestCodes.Has(code):
			return Wrap(KindBadRequest, err, "%s", code)
		}
	}
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		switch respErr.HTTPStatusCode() {
		case http.StatusNotModified:
			return Wrap(KindNotModified, err, "not modified")
		case http.StatusNotFound:
			return Wrap(KindNotFound, err, "not found")
		case http.StatusConflict:
			return Wrap(KindConflict, err, "conflict")
		case http.StatusPreconditionFailed:
			return Wrap(KindPreconditionFailed, err, "precondition failed")
		}
	}
	return err
}

// IsDependencyViolation matches the EC2 error raised when a resource still
// has dependents (security groups referenced by ENIs, subnets with mapped
// addresses). Teardown retries on it while dependents drain.
func IsDependencyViolation(err error) bool {
	if err == nil {
		return false
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode() == DependencyViolationCode
	}
	return false
}

// IsAccessDenied returns true if the error is an AWS error (even if it's
// wrapped) and is known to mean "access denied" (as opposed to a more
// serious or unexpected error)
func IsAccessDenied(err error) bool {
	if err == nil {
		return false
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode() == AccessDeniedCode || apiErr.ErrorCode() == "AccessDeniedException"
	}
	return false
}
