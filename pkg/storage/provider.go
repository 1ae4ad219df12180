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
	"context"

	"github.com/strato-cloud/strato/pkg/apis"
)

// Provider is the backend contract of the object store. Requests arrive with
// their match conditions and listing plans already compiled; providers
// translate them to native calls and classify native failures through
// pkg/errors.
type Provider interface {
	// Name identifies the backend in logs and metrics ("filesystem", "s3").
	Name() string

	Put(ctx context.Context, req *PutRequest) (*apis.ObjectItem, error)
	Get(ctx context.Context, req *GetRequest) (*apis.ObjectItem, error)
	// GetMetadata and GetProperties never fetch the body.
	GetMetadata(ctx context.Context, req *GetRequest) (*apis.ObjectItem, error)
	GetProperties(ctx context.Context, req *GetRequest) (*apis.ObjectItem, error)
	// GetVersions returns the version history oldest-first with exactly one
	// Latest marker.
	GetVersions(ctx context.Context, req *GetRequest) (*apis.ObjectItem, error)
	Update(ctx context.Context, req *UpdateRequest) (*apis.ObjectItem, error)
	Delete(ctx context.Context, req *DeleteRequest) error
	Copy(ctx context.Context, req *CopyRequest) (*apis.ObjectItem, error)
	Generate(ctx context.Context, req *GenerateRequest) (*apis.ObjectItem, error)
	Query(ctx context.Context, req *QueryRequest) (*apis.ObjectList, error)
	Count(ctx context.Context, req *QueryRequest) (int, error)
	Batch(ctx context.Context, req *BatchRequest) error

	CreateCollection(ctx context.Context, req *CollectionRequest) (*apis.CollectionResult, error)
	DropCollection(ctx context.Context, req *CollectionRequest) (*apis.CollectionResult, error)
	HasCollection(ctx context.Context, req *CollectionRequest) (bool, error)

	Close() error
}
