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
)

// ApplyProperties folds the caller-settable fields of src into dst.
// Body-derived fields (length, checksums, etag, last modified) never move
// without a write, so they are left alone.
func ApplyProperties(dst *apis.ObjectProperties, src *apis.ObjectProperties) {
	if src == nil {
		return
	}
	if src.CacheControl != "" {
		dst.CacheControl = src.CacheControl
	}
	if src.ContentDisposition != "" {
		dst.ContentDisposition = src.ContentDisposition
	}
	if src.ContentEncoding != "" {
		dst.ContentEncoding = src.ContentEncoding
	}
	if src.ContentLanguage != "" {
		dst.ContentLanguage = src.ContentLanguage
	}
	if src.ContentType != "" {
		dst.ContentType = src.ContentType
	}
	if src.Expires != nil {
		dst.Expires = src.Expires
	}
	if src.StorageClass != "" {
		dst.StorageClass = src.StorageClass
	}
}
