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

package filesystem

import (
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"

	"github.com/strato-cloud/strato/pkg/apis"
)

var (
	objectsBucket  = []byte("objects")
	versionsBucket = []byte("versions")
	configBucket   = []byte("config")

	versionedKey = []byte("versioned")
)

// record is one kv row: the head row under the object id, and one row per
// version under versionKey. The row's ETag is regenerated on every committed
// write, which is what gives the store its compare-and-swap.
type record struct {
	Version    string                `json:"version,omitempty"`
	ETag       string                `json:"etag"`
	Metadata   map[string]string     `json:"metadata,omitempty"`
	Properties apis.ObjectProperties `json:"properties"`
	Created    float64               `json:"created"`
}

func (r *record) marshal() []byte {
	out, err := json.Marshal(r)
	if err != nil {
		// Records are plain data; marshaling only fails on programmer error.
		panic(fmt.Sprintf("marshaling object record: %s", err))
	}
	return out
}

func unmarshalRecord(raw []byte) (*record, error) {
	if raw == nil {
		return nil, nil
	}
	rec := &record{}
	if err := json.Unmarshal(raw, rec); err != nil {
		return nil, fmt.Errorf("unmarshaling object record, %w", err)
	}
	return rec, nil
}

// versionKey scopes a version row to its object. NUL never occurs in a UTF-8
// path-shaped id, so per-object rows stay contiguous and unambiguous under
// the cursor's binary order.
func versionKey(id, version string) []byte {
	return []byte(id + "\x00" + version)
}

func versionKeyPrefix(id string) []byte {
	return []byte(id + "\x00")
}

func headRecord(tx *bolt.Tx, id string) (*record, error) {
	return unmarshalRecord(tx.Bucket(objectsBucket).Get([]byte(id)))
}

func versionRecord(tx *bolt.Tx, id, version string) (*record, error) {
	return unmarshalRecord(tx.Bucket(versionsBucket).Get(versionKey(id, version)))
}

func isVersioned(tx *bolt.Tx) bool {
	return string(tx.Bucket(configBucket).Get(versionedKey)) == "true"
}

func (r *record) item(id string) *apis.ObjectItem {
	props := r.Properties
	return &apis.ObjectItem{
		Key:        apis.ObjectKey{ID: id, Version: r.Version},
		Metadata:   r.Metadata,
		Properties: &props,
	}
}
