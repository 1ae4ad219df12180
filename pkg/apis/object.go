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
)

// AllVersions is the ObjectKey version wildcard: delete removes every
// version of the object along with its head pointer.
const AllVersions = "*"

// ObjectKey addresses an object, optionally pinned to one version. ID is a
// UTF-8 path-shaped string; a leading slash is allowed and preserved in
// listings.
type ObjectKey struct {
	ID      string `json:"id"`
	Version string `json:"version,omitempty"`
}

// Key addresses the latest version of id.
func Key(id string) ObjectKey {
	return ObjectKey{ID: id}
}

// VersionedKey addresses one specific version of id.
func VersionedKey(id, version string) ObjectKey {
	return ObjectKey{ID: id, Version: version}
}

func (k ObjectKey) String() string {
	if k.Version == "" {
		return k.ID
	}
	return k.ID + "@" + k.Version
}

type StorageClass string

const (
	StorageClassHot     StorageClass = "hot"
	StorageClassCool    StorageClass = "cool"
	StorageClassCold    StorageClass = "cold"
	StorageClassArchive StorageClass = "archive"
)

// ObjectProperties are the system properties of one object version.
// LastModified and Expires are epoch seconds; ETag is opaque and only ever
// compared for equality.
type ObjectProperties struct {
	CacheControl       string       `json:"cacheControl,omitempty"`
	ContentDisposition string       `json:"contentDisposition,omitempty"`
	ContentEncoding    string       `json:"contentEncoding,omitempty"`
	ContentLanguage    string       `json:"contentLanguage,omitempty"`
	ContentLength      int64        `json:"contentLength,omitempty"`
	ContentMD5         string       `json:"contentMD5,omitempty"`
	ContentType        string       `json:"contentType,omitempty"`
	CRC32C             string       `json:"crc32c,omitempty"`
	Expires            *float64     `json:"expires,omitempty"`
	LastModified       float64      `json:"lastModified,omitempty"`
	ETag               string       `json:"etag,omitempty"`
	StorageClass       StorageClass `json:"storageClass,omitempty"`
}

// ObjectVersion is one entry of an object's version history. Exactly one
// version of an object has Latest set.
type ObjectVersion struct {
	Version      string  `json:"version"`
	Latest       bool    `json:"latest"`
	LastModified float64 `json:"lastModified,omitempty"`
	ETag         string  `json:"etag,omitempty"`
}

// ObjectItem is an object as returned by reads and listings. Value, Versions
// and URL are populated only when the operation asked for them.
type ObjectItem struct {
	Key        ObjectKey         `json:"key"`
	Value      []byte            `json:"value,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Properties *ObjectProperties `json:"properties,omitempty"`
	Versions   []ObjectVersion   `json:"versions,omitempty"`
	URL        string            `json:"url,omitempty"`
}

// ObjectList is one page of a listing. Continuation is the last emitted key;
// passing it back resumes strictly after it. Prefixes holds the collapsed
// common prefixes when a delimiter was in play.
type ObjectList struct {
	Items        []ObjectItem `json:"items,omitempty"`
	Prefixes     []string     `json:"prefixes,omitempty"`
	Continuation string       `json:"continuation,omitempty"`
}

// MatchCondition is the compiled form of a where expression restricted to
// pre-/post-condition checks on a single target. Zero value matches
// unconditionally.
type MatchCondition struct {
	Exists            *bool    `json:"exists,omitempty"`
	IfMatch           string   `json:"ifMatch,omitempty"`
	IfNoneMatch       string   `json:"ifNoneMatch,omitempty"`
	IfVersionMatch    string   `json:"ifVersionMatch,omitempty"`
	IfVersionNotMatch string   `json:"ifVersionNotMatch,omitempty"`
	IfModifiedSince   *float64 `json:"ifModifiedSince,omitempty"`
	IfUnmodifiedSince *float64 `json:"ifUnmodifiedSince,omitempty"`
}

// Empty reports whether the condition constrains anything.
func (m MatchCondition) Empty() bool {
	return m == MatchCondition{}
}

type CollectionStatus string

const (
	CollectionCreated   CollectionStatus = "CREATED"
	CollectionExists    CollectionStatus = "EXISTS"
	CollectionDropped   CollectionStatus = "DROPPED"
	CollectionNotExists CollectionStatus = "NOT_EXISTS"
)

// CollectionResult reports the outcome of a collection create or drop.
type CollectionResult struct {
	Name   string           `json:"name"`
	Status CollectionStatus `json:"status"`
}

// EpochSeconds converts a time to the model's epoch-seconds representation.
func EpochSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

// TimeFromEpoch converts epoch seconds back to a time.
func TimeFromEpoch(seconds float64) time.Time {
	return time.Unix(0, int64(seconds*float64(time.Second)))
}
