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

package storage

import (
	"github.com/strato-cloud/strato/pkg/apis"
	"github.com/strato-cloud/strato/pkg/errors"
)

// EvaluateMatch checks a compiled condition against the current head of an
// object. current is nil when the object does not exist. Backends with no
// native conditional primitive (the filesystem store inside its kv
// transaction, the test fakes) share this exact evaluation so every provider
// refuses the same requests.
//
// On a read, an if-none-match hit or an unmet modified-since bound reports
// NotModified; every other refusal is PreconditionFailed.
func EvaluateMatch(cond apis.MatchCondition, current *apis.ObjectProperties, currentVersion string, read bool) error {
	if cond.Empty() {
		return nil
	}
	exists := current != nil
	if cond.Exists != nil && *cond.Exists != exists {
		if *cond.Exists {
			return errors.NewPreconditionFailed("condition requires the object to exist")
		}
		return errors.NewPreconditionFailed("condition requires the object to not exist")
	}
	if cond.IfMatch != "" && (!exists || current.ETag != cond.IfMatch) {
		return errors.NewPreconditionFailed("etag %q does not match", cond.IfMatch)
	}
	if cond.IfNoneMatch != "" && exists && current.ETag == cond.IfNoneMatch {
		if read {
			return errors.NewNotModified("etag %q is current", cond.IfNoneMatch)
		}
		return errors.NewPreconditionFailed("etag %q still matches", cond.IfNoneMatch)
	}
	if cond.IfVersionMatch != "" && (!exists || currentVersion != cond.IfVersionMatch) {
		return errors.NewPreconditionFailed("version %q does not match", cond.IfVersionMatch)
	}
	if cond.IfVersionNotMatch != "" && exists && currentVersion == cond.IfVersionNotMatch {
		return errors.NewPreconditionFailed("version %q still matches", cond.IfVersionNotMatch)
	}
	if cond.IfModifiedSince != nil && exists && current.LastModified <= *cond.IfModifiedSince {
		if read {
			return errors.NewNotModified("not modified since %f", *cond.IfModifiedSince)
		}
		return errors.NewPreconditionFailed("not modified since %f", *cond.IfModifiedSince)
	}
	if cond.IfUnmodifiedSince != nil && exists && current.LastModified > *cond.IfUnmodifiedSince {
		return errors.NewPreconditionFailed("modified after %f", *cond.IfUnmodifiedSince)
	}
	return nil
}
