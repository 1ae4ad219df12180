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

// Package filesystem is the reference object-store provider. Object bytes
// live on disk under {root}/{collection}/{id}; versioned collections keep
// bytes under {root}/{collection}/{version}/{id} with the unversioned path a
// symlink to the current version. A per-collection bbolt database tracks the
// head row per object, one row per version, and the collection's versioned
// flag; its single-writer update transaction serializes version bumps and
// carries the etag compare-and-swap.
//
// Write order is bytes first, kv commit second: a crash in between leaves
// orphaned bytes no read can see, overwritten by the next successful put.
// Deletes mirror it from the other side: byte removal is staged during the
// transaction and unlinked only after the commit, so a rollback never leaves
// a record without its payload.
package filesystem

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
	"k8s.io/utils/clock"

	"github.com/strato-cloud/strato/pkg/apis"
	"github.com/strato-cloud/strato/pkg/errors"
	"github.com/strato-cloud/strato/pkg/storage"
)

const dbFileName = ".strato.db"

// Config configures the provider. Collection is the default collection for
// requests that name none; Versioned is the flag applied when a collection
// is created implicitly by first use.
type Config struct {
	Root       string
	Collection string
	Versioned  bool
}

// Provider implements storage.Provider on the local filesystem.
type Provider struct {
	config Config
	clock  clock.Clock

	mu  sync.Mutex
	dbs map[string]*bolt.DB
}

func NewProvider(config Config) (*Provider, error) {
	if config.Root == "" {
		return nil, errors.NewBadRequest("filesystem: a root path is required")
	}
	if err := os.MkdirAll(config.Root, 0o755); err != nil {
		return nil, fmt.Errorf("creating store root %q, %w", config.Root, err)
	}
	return &Provider{
		config: config,
		clock:  clock.RealClock{},
		dbs:    map[string]*bolt.DB{},
	}, nil
}

func (p *Provider) Name() string { return "filesystem" }

func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for name, db := range p.dbs {
		if err := db.Close(); err != nil {
			return fmt.Errorf("closing collection %q, %w", name, err)
		}
		delete(p.dbs, name)
	}
	return nil
}

// CreateCollection creates the directory and kv database. An existing
// collection reports EXISTS, or Conflict under a not_exists() condition.
func (p *Provider) CreateCollection(_ context.Context, req *storage.CollectionRequest) (*apis.CollectionResult, error) {
	if req.Name == "" {
		return nil, errors.NewBadRequest("filesystem: a collection name is required")
	}
	exists, err := p.hasCollection(req.Name)
	if err != nil {
		return nil, err
	}
	if exists {
		if req.WhereExists != nil && !*req.WhereExists {
			return nil, errors.NewConflict("collection %q already exists", req.Name)
		}
		return &apis.CollectionResult{Name: req.Name, Status: apis.CollectionExists}, nil
	}
	if req.WhereExists != nil && *req.WhereExists {
		return nil, errors.NewNotFound("collection %q does not exist", req.Name)
	}
	if _, err := p.openDB(req.Name, req.Versioned); err != nil {
		return nil, err
	}
	return &apis.CollectionResult{Name: req.Name, Status: apis.CollectionCreated}, nil
}

// DropCollection removes the directory, bytes and kv database. A missing
// collection reports NOT_EXISTS, or NotFound under an exists() condition.
func (p *Provider) DropCollection(_ context.Context, req *storage.CollectionRequest) (*apis.CollectionResult, error) {
	if req.Name == "" {
		return nil, errors.NewBadRequest("filesystem: a collection name is required")
	}
	exists, err := p.hasCollection(req.Name)
	if err != nil {
		return nil, err
	}
	if !exists {
		if req.WhereExists != nil && *req.WhereExists {
			return nil, errors.NewNotFound("collection %q does not exist", req.Name)
		}
		return &apis.CollectionResult{Name: req.Name, Status: apis.CollectionNotExists}, nil
	}
	p.mu.Lock()
	if db, ok := p.dbs[req.Name]; ok {
		if err := db.Close(); err != nil {
			p.mu.Unlock()
			return nil, fmt.Errorf("closing collection %q, %w", req.Name, err)
		}
		delete(p.dbs, req.Name)
	}
	p.mu.Unlock()
	if err := os.RemoveAll(filepath.Join(p.config.Root, req.Name)); err != nil {
		return nil, fmt.Errorf("removing collection %q, %w", req.Name, err)
	}
	return &apis.CollectionResult{Name: req.Name, Status: apis.CollectionDropped}, nil
}

func (p *Provider) HasCollection(_ context.Context, req *storage.CollectionRequest) (bool, error) {
	return p.hasCollection(req.Name)
}

func (p *Provider) hasCollection(name string) (bool, error) {
	if _, err := os.Stat(filepath.Join(p.config.Root, name, dbFileName)); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// collection resolves the effective collection name for a request.
func (p *Provider) collection(requested string) (string, error) {
	name := requested
	if name == "" {
		name = p.config.Collection
	}
	if name == "" {
		return "", errors.NewBadRequest("filesystem: no collection named and no default configured")
	}
	return name, nil
}

// db returns the collection's kv handle, opening (and creating the
// collection) lazily. Handles are cached per provider instance.
func (p *Provider) db(collection string) (*bolt.DB, error) {
	p.mu.Lock()
	if db, ok := p.dbs[collection]; ok {
		p.mu.Unlock()
		return db, nil
	}
	p.mu.Unlock()
	return p.openDB(collection, p.config.Versioned)
}

func (p *Provider) openDB(collection string, versioned bool) (*bolt.DB, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if db, ok := p.dbs[collection]; ok {
		return db, nil
	}
	dir := filepath.Join(p.config.Root, collection)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating collection %q, %w", collection, err)
	}
	db, err := bolt.Open(filepath.Join(dir, dbFileName), 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening collection %q, %w", collection, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{objectsBucket, versionsBucket, configBucket} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		// The versioned flag is settled at creation and never flipped.
		if tx.Bucket(configBucket).Get(versionedKey) == nil {
			return tx.Bucket(configBucket).Put(versionedKey, []byte(fmt.Sprintf("%t", versioned)))
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing collection %q, %w", collection, err)
	}
	p.dbs[collection] = db
	return db, nil
}

// objectPath is where the (current) object bytes live. For versioned
// collections it is a symlink into a version directory.
func (p *Provider) objectPath(collection, id string) string {
	return filepath.Join(p.config.Root, collection, filepath.FromSlash(strings.TrimPrefix(id, "/")))
}

func (p *Provider) versionPath(collection, version, id string) string {
	return filepath.Join(p.config.Root, collection, version, filepath.FromSlash(strings.TrimPrefix(id, "/")))
}

func validateID(id string) error {
	if id == "" {
		return errors.NewBadRequest("filesystem: an object id is required")
	}
	for _, part := range strings.Split(id, "/") {
		if part == ".." {
			return errors.NewBadRequest("filesystem: object id %q escapes the collection", id)
		}
	}
	return nil
}
