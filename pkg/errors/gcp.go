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

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
)

// FromGCP classifies a Google API error into the taxonomy, preserving it as
// the native error. Errors that don't classify are returned unchanged.
func FromGCP(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, storage.ErrObjectNotExist) || errors.Is(err, storage.ErrBucketNotExist) {
		return Wrap(KindNotFound, err, "not found")
	}
	var apiErr *googleapi.Error
	if !errors.As(err, &apiErr) {
		return err
	}
	switch apiErr.Code {
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
