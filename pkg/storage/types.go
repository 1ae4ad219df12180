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
	"io"
	"time"

	"github.com/strato-cloud/strato/pkg/apis"
	"github.com/strato-cloud/strato/pkg/query"
)

// Config carries per-operation knobs. NativeParams passes through to the
// underlying SDK call unchecked.
type Config struct {
	// Paging makes listings return one page at a time with a continuation
	// token instead of draining the full result.
	Paging   bool
	PageSize int
	Timeout  time.Duration
	// NativeParams is an unchecked provider-specific bag.
	NativeParams map[string]interface{}
}

func (c *Config) pageSize() int {
	if c == nil {
		return 0
	}
	return c.PageSize
}

func (c *Config) paging() bool {
	return c != nil && c.Paging
}

// PutRequest writes object bytes from exactly one of Value, File or Stream.
type PutRequest struct {
	Key        apis.ObjectKey
	Value      []byte
	File       string
	Stream     io.Reader
	Metadata   map[string]string
	Properties *apis.ObjectProperties
	Where      string
	Params     map[string]interface{}
	Collection string
	Config     *Config

	// Match is compiled from Where by the component; providers never see the
	// textual form.
	Match apis.MatchCondition
}

// GetRequest reads an object. When File or Stream is set the body is written
// there and Value stays empty. Start and End are inclusive byte offsets;
// a nil bound leaves that side open.
type GetRequest struct {
	Key        apis.ObjectKey
	File       string
	Stream     io.Writer
	Where      string
	Params     map[string]interface{}
	Start      *int64
	End        *int64
	Collection string
	Config     *Config

	Match apis.MatchCondition
}

// UpdateRequest modifies metadata and properties without uploading bytes.
// Metadata merges entry-wise; set property fields replace.
type UpdateRequest struct {
	Key        apis.ObjectKey
	Metadata   map[string]string
	Properties *apis.ObjectProperties
	Where      string
	Params     map[string]interface{}
	Collection string
	Config     *Config

	Match apis.MatchCondition
}

// DeleteRequest removes an object, one version, or all versions
// (Key.Version == apis.AllVersions).
type DeleteRequest struct {
	Key        apis.ObjectKey
	Where      string
	Params     map[string]interface{}
	Collection string
	Config     *Config

	Match apis.MatchCondition
}

// CopySource names the object copied from; an empty Collection means the
// destination's collection.
type CopySource struct {
	ID         string
	Version    string
	Collection string
}

// CopyRequest copies bytes, metadata and properties. The match condition
// applies to the destination's pre-state.
type CopyRequest struct {
	Key        apis.ObjectKey
	Source     CopySource
	Where      string
	Params     map[string]interface{}
	Collection string
	Config     *Config

	Match apis.MatchCondition
}

// Method is the HTTP verb a generated URL authorizes.
type Method string

const (
	MethodGet    Method = "GET"
	MethodPut    Method = "PUT"
	MethodDelete Method = "DELETE"
)

// GenerateRequest mints a provider-native signed URL.
type GenerateRequest struct {
	Key        apis.ObjectKey
	Method     Method
	Expiry     time.Duration
	Collection string
	Config     *Config
}

// QueryRequest lists objects. Where is restricted to the listing forms
// (prefix, delimited prefix, key bounds); Plan is its compiled form.
type QueryRequest struct {
	Where        string
	Params       map[string]interface{}
	Limit        int
	Continuation string
	Collection   string
	Config       *Config

	Plan query.ListPlan
}

type BatchOperationType string

const (
	BatchDelete BatchOperationType = "delete"
)

// BatchOperation is one entry of a batch. Only homogeneous delete batches
// are accepted today.
type BatchOperation struct {
	Type BatchOperationType
	Key  apis.ObjectKey
}

// BatchRequest executes operations as a single provider batch when the
// backend supports one, sequentially with best-effort atomicity otherwise.
type BatchRequest struct {
	Operations []BatchOperation
	Collection string
	Config     *Config
}

// CollectionRequest creates, drops or probes a collection. Versioned only
// applies to create.
type CollectionRequest struct {
	Name      string
	Versioned bool
	Where     string
	Params    map[string]interface{}
	Config    *Config

	// WhereExists is the compiled existence intent of Where: nil when no
	// condition was given.
	WhereExists *bool
}
