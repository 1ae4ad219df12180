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

// Package ranges resolves inclusive byte ranges against in-memory payloads.
package ranges

import (
	"github.com/strato-cloud/strato/pkg/errors"
)

// Slice returns the inclusive [start..end] window of data. A nil start reads
// from the beginning, a nil end reads to the last byte, and an end past the
// payload is clamped. A start beyond the payload is a BadRequest.
func Slice(data []byte, start, end *int64) ([]byte, error) {
	if start == nil && end == nil {
		return data, nil
	}
	from := int64(0)
	if start != nil {
		from = *start
	}
	if from >= int64(len(data)) {
		return nil, errors.NewBadRequest("range start %d is beyond object length %d", from, len(data))
	}
	to := int64(len(data)) - 1
	if end != nil && *end < to {
		to = *end
	}
	return data[from : to+1], nil
}
