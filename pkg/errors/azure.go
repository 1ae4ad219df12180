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

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"k8s.io/apimachinery/pkg/util/sets"
)

var (
	azureNotFoundCodes = sets.New[string](
		"BlobNotFound",
		"ContainerNotFound",
		"ResourceNotFound",
		"ResourceGroupNotFound",
		"ManagedEnvironmentNotFound",
		"ContainerAppNotFound",
	)
	azureConflictCodes = sets.New[string](
		"BlobAlreadyExists",
		"ContainerAlreadyExists",
		"ResourceAlreadyExists",
		"Conflict",
	)
	azurePreconditionCodes = sets.New[string](
		"ConditionNotMet",
		"TargetConditionNotMet",
		"SourceConditionNotMet",
	)
)

// FromAzure classifies an Azure SDK *azcore.ResponseError into the taxonomy,
// preserving it as the native error. Errors that don't classify are returned
// unchanged.
func FromAzure(err error) error {
	if err == nil {
		return nil
	}
	var respErr *azcore.ResponseError
	if !errors.As(err, &respErr) {
		return err
	}
	switch {
	case azureNotFoundCodes.Has(respErr.ErrorCode):
		return Wrap(KindNotFound, err, "%s", respErr.ErrorCode)
	case azureConflictCodes.Has(respErr.ErrorCode):
		return Wrap(KindConflict, err, "%s", respErr.ErrorCode)
	case azurePreconditionCodes.Has(respErr.ErrorCode):
		return Wrap(KindPreconditionFailed, err, "%s", respErr.ErrorCode)
	}
	switch respErr.StatusCode {
	case http.StatusNotModified:
		return Wrap(KindNotModified, err, "not modified")
	case http.StatusNotFound:
		return Wrap(KindNotFound, err, "not found")
	case http.StatusConflict:
		return Wrap(KindConflict, err, "conflict")
	case http.StatusPreconditionFailed:
		return Wrap(KindPreconditionFailed, err, "precondition failed")
	case http.StatusRequestedRangeNotSatisfiable:
		return Wrap(KindBadRequest, err, "range not satisfiable")
	}
	return err
}
