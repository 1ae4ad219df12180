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
	"bytes"
	"context"
	"crypto/md5"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"sort"

	"github.com/google/uuid"
	"github.com/samber/lo"
	bolt "go.etcd.io/bbolt"

	"github.com/strato-cloud/strato/pkg/apis"
	"github.com/strato-cloud/strato/pkg/errors"
	"github.com/strato-cloud/strato/pkg/storage"
	"github.com/strato-cloud/strato/pkg/utils/ranges"
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Put writes the object bytes, then commits the kv row that makes them
// visible. Versioned collections get a fresh version directory and the head
// symlink is repointed inside the same transaction.
func (p *Provider) Put(ctx context.Context, req *storage.PutRequest) (*apis.ObjectItem, error) {
	if err := validateID(req.Key.ID); err != nil {
		return nil, err
	}
	if req.Key.Version != "" {
		return nil, errors.NewBadRequest("filesystem: put does not accept an explicit version")
	}
	value, err := payload(req)
	if err != nil {
		return nil, err
	}
	collection, err := p.collection(req.Collection)
	if err != nil {
		return nil, err
	}
	db, err := p.db(collection)
	if err != nil {
		return nil, err
	}
	var item *apis.ObjectItem
	err = db.Update(func(tx *bolt.Tx) error {
		rec, err := p.write(tx, collection, req.Key.ID, value, req.Metadata, req.Properties, req.Match)
		if err != nil {
			return err
		}
		item = rec.item(req.Key.ID)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return item, nil
}

// write is the shared put path, also used by Copy. It must run inside an
// update transaction.
func (p *Provider) write(tx *bolt.Tx, collection, id string, value []byte, metadata map[string]string, properties *apis.ObjectProperties, match apis.MatchCondition) (*record, error) {
	head, err := headRecord(tx, id)
	if err != nil {
		return nil, err
	}
	if err := storage.EvaluateMatch(match, recProperties(head), recVersion(head), false); err != nil {
		return nil, err
	}
	now := apis.EpochSeconds(p.clock.Now())
	rec := &record{
		ETag:     uuid.NewString(),
		Metadata: metadata,
		Created:  now,
	}
	rec.Properties = stampProperties(properties, value, rec.ETag, now)
	if isVersioned(tx) {
		rec.Version = uuid.NewString()
		path := p.versionPath(collection, rec.Version, id)
		if err := writeBytes(path, value); err != nil {
			return nil, err
		}
		if err := relink(p.objectPath(collection, id), path); err != nil {
			return nil, err
		}
		if err := tx.Bucket(versionsBucket).Put(versionKey(id, rec.Version), rec.marshal()); err != nil {
			return nil, err
		}
	} else {
		if err := writeBytes(p.objectPath(collection, id), value); err != nil {
			return nil, err
		}
	}
	if err := tx.Bucket(objectsBucket).Put([]byte(id), rec.marshal()); err != nil {
		return nil, err
	}
	return rec, nil
}

// Get reads the object body, applying the range bounds inclusively.
func (p *Provider) Get(ctx context.Context, req *storage.GetRequest) (*apis.ObjectItem, error) {
	rec, collection, err := p.lookup(req)
	if err != nil {
		return nil, err
	}
	path := p.objectPath(collection, req.Key.ID)
	if req.Key.Version != "" {
		path = p.versionPath(collection, req.Key.Version, req.Key.ID)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NewNotFound("object %q has no stored bytes", req.Key.ID)
		}
		return nil, fmt.Errorf("reading object %q, %w", req.Key.ID, err)
	}
	data, err = sliceRange(data, req.Start, req.End)
	if err != nil {
		return nil, err
	}
	item := rec.item(req.Key.ID)
	switch {
	case req.Stream != nil:
		if _, err := req.Stream.Write(data); err != nil {
			return nil, fmt.Errorf("writing object %q to stream, %w", req.Key.ID, err)
		}
	case req.File != "":
		if err := writeBytes(req.File, data); err != nil {
			return nil, err
		}
	default:
		item.Value = data
	}
	return item, nil
}

// GetMetadata returns the object's user metadata without touching the body.
func (p *Provider) GetMetadata(ctx context.Context, req *storage.GetRequest) (*apis.ObjectItem, error) {
	rec, _, err := p.lookup(req)
	if err != nil {
		return nil, err
	}
	item := rec.item(req.Key.ID)
	item.Properties = nil
	return item, nil
}

// GetProperties returns system properties plus metadata without the body.
func (p *Provider) GetProperties(ctx context.Context, req *storage.GetRequest) (*apis.ObjectItem, error) {
	rec, _, err := p.lookup(req)
	if err != nil {
		return nil, err
	}
	return rec.item(req.Key.ID), nil
}

// GetVersions returns the history oldest-first; the head's version carries
// the Latest marker.
func (p *Provider) GetVersions(ctx context.Context, req *storage.GetRequest) (*apis.ObjectItem, error) {
	if err := validateID(req.Key.ID); err != nil {
		return nil, err
	}
	collection, err := p.collection(req.Collection)
	if err != nil {
		return nil, err
	}
	db, err := p.db(collection)
	if err != nil {
		return nil, err
	}
	var item *apis.ObjectItem
	err = db.View(func(tx *bolt.Tx) error {
		head, err := headRecord(tx, req.Key.ID)
		if err != nil {
			return err
		}
		if head == nil {
			return errors.NewNotFound("object %q does not exist", req.Key.ID)
		}
		if err := storage.EvaluateMatch(req.Match, recProperties(head), recVersion(head), true); err != nil {
			return err
		}
		item = head.item(req.Key.ID)
		if !isVersioned(tx) {
			// Unversioned collections report the head as the sole version.
			item.Versions = []apis.ObjectVersion{{Version: "null", Latest: true, LastModified: head.Properties.LastModified, ETag: head.ETag}}
			return nil
		}
		records := []*record{}
		c := tx.Bucket(versionsBucket).Cursor()
		prefix := versionKeyPrefix(req.Key.ID)
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			rec, err := unmarshalRecord(v)
			if err != nil {
				return err
			}
			records = append(records, rec)
		}
		sort.SliceStable(records, func(i, j int) bool { return records[i].Created < records[j].Created })
		item.Versions = lo.Map(records, func(rec *record, _ int) apis.ObjectVersion {
			return apis.ObjectVersion{
				Version:      rec.Version,
				Latest:       rec.Version == head.Version,
				LastModified: rec.Properties.LastModified,
				ETag:         rec.ETag,
			}
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return item, nil
}

// Update merges metadata and applies property changes without uploading
// bytes; the etag and last_modified always move.
func (p *Provider) Update(ctx context.Context, req *storage.UpdateRequest) (*apis.ObjectItem, error) {
	if err := validateID(req.Key.ID); err != nil {
		return nil, err
	}
	collection, err := p.collection(req.Collection)
	if err != nil {
		return nil, err
	}
	db, err := p.db(collection)
	if err != nil {
		return nil, err
	}
	var item *apis.ObjectItem
	err = db.Update(func(tx *bolt.Tx) error {
		head, err := headRecord(tx, req.Key.ID)
		if err != nil {
			return err
		}
		if head == nil {
			return errors.NewNotFound("object %q does not exist", req.Key.ID)
		}
		if err := storage.EvaluateMatch(req.Match, recProperties(head), recVersion(head), false); err != nil {
			return err
		}
		head.Metadata = lo.Assign(head.Metadata, req.Metadata)
		storage.ApplyProperties(&head.Properties, req.Properties)
		head.ETag = uuid.NewString()
		head.Properties.ETag = head.ETag
		head.Properties.LastModified = apis.EpochSeconds(p.clock.Now())
		if err := tx.Bucket(objectsBucket).Put([]byte(req.Key.ID), head.marshal()); err != nil {
			return err
		}
		if head.Version != "" {
			if err := tx.Bucket(versionsBucket).Put(versionKey(req.Key.ID, head.Version), head.marshal()); err != nil {
				return err
			}
		}
		item = head.item(req.Key.ID)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return item, nil
}

// Delete removes the head, one version, or every version atomically.
func (p *Provider) Delete(ctx context.Context, req *storage.DeleteRequest) error {
	if err := validateID(req.Key.ID); err != nil {
		return err
	}
	collection, err := p.collection(req.Collection)
	if err != nil {
		return err
	}
	db, err := p.db(collection)
	if err != nil {
		return err
	}
	staged := &stagedFiles{}
	if err := db.Update(func(tx *bolt.Tx) error {
		return p.deleteInTx(tx, collection, req.Key, req.Match, staged)
	}); err != nil {
		return err
	}
	return staged.apply()
}

// deleteInTx mutates only kv records; byte removal and head repointing are
// staged so a rollback never orphans a record whose payload is already gone.
func (p *Provider) deleteInTx(tx *bolt.Tx, collection string, key apis.ObjectKey, match apis.MatchCondition, staged *stagedFiles) error {
	head, err := headRecord(tx, key.ID)
	if err != nil {
		return err
	}
	if head == nil {
		return errors.NewNotFound("object %q does not exist", key.ID)
	}
	if err := storage.EvaluateMatch(match, recProperties(head), recVersion(head), false); err != nil {
		return err
	}
	switch {
	case key.Version == apis.AllVersions:
		c := tx.Bucket(versionsBucket).Cursor()
		prefix := versionKeyPrefix(key.ID)
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			rec, err := unmarshalRecord(v)
			if err != nil {
				return err
			}
			if err := c.Delete(); err != nil {
				return err
			}
			staged.remove(p.versionPath(collection, rec.Version, key.ID))
		}
		staged.remove(p.objectPath(collection, key.ID))
		return tx.Bucket(objectsBucket).Delete([]byte(key.ID))
	case key.Version == "":
		if head.Version == "" {
			staged.remove(p.objectPath(collection, key.ID))
			return tx.Bucket(objectsBucket).Delete([]byte(key.ID))
		}
		return p.deleteVersion(tx, collection, key.ID, head, head.Version, staged)
	default:
		return p.deleteVersion(tx, collection, key.ID, head, key.Version, staged)
	}
}

// deleteVersion removes one version; deleting the head version repoints the
// head at the most recent survivor, or removes the object entirely.
func (p *Provider) deleteVersion(tx *bolt.Tx, collection, id string, head *record, version string, staged *stagedFiles) error {
	rec, err := versionRecord(tx, id, version)
	if err != nil {
		return err
	}
	if rec == nil {
		return errors.NewNotFound("object %q has no version %q", id, version)
	}
	if err := tx.Bucket(versionsBucket).Delete(versionKey(id, version)); err != nil {
		return err
	}
	staged.remove(p.versionPath(collection, version, id))
	if head.Version != version {
		return nil
	}
	// Find the most recent surviving version to promote.
	var survivor *record
	c := tx.Bucket(versionsBucket).Cursor()
	prefix := versionKeyPrefix(id)
	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		candidate, err := unmarshalRecord(v)
		if err != nil {
			return err
		}
		if survivor == nil || candidate.Created > survivor.Created {
			survivor = candidate
		}
	}
	if survivor == nil {
		staged.remove(p.objectPath(collection, id))
		return tx.Bucket(objectsBucket).Delete([]byte(id))
	}
	staged.relink(p.objectPath(collection, id), p.versionPath(collection, survivor.Version, id))
	return tx.Bucket(objectsBucket).Put([]byte(id), survivor.marshal())
}

// Copy reads the source (possibly from another collection) and writes it to
// the destination as a regular put, preserving metadata and properties.
func (p *Provider) Copy(ctx context.Context, req *storage.CopyRequest) (*apis.ObjectItem, error) {
	if err := validateID(req.Key.ID); err != nil {
		return nil, err
	}
	destCollection, err := p.collection(req.Collection)
	if err != nil {
		return nil, err
	}
	srcCollection := req.Source.Collection
	if srcCollection == "" {
		srcCollection = destCollection
	}
	src, err := p.Get(ctx, &storage.GetRequest{
		Key:        apis.ObjectKey{ID: req.Source.ID, Version: req.Source.Version},
		Collection: srcCollection,
	})
	if err != nil {
		return nil, err
	}
	props := *src.Properties
	return p.Put(ctx, &storage.PutRequest{
		Key:        apis.ObjectKey{ID: req.Key.ID},
		Value:      src.Value,
		Metadata:   src.Metadata,
		Properties: &props,
		Collection: req.Collection,
		Match:      req.Match,
	})
}

// Generate returns a file URL for reads; the filesystem has no signing
// primitive for mutations.
func (p *Provider) Generate(ctx context.Context, req *storage.GenerateRequest) (*apis.ObjectItem, error) {
	if req.Method != storage.MethodGet {
		return nil, errors.NewUnsupported("filesystem: generate supports GET only")
	}
	collection, err := p.collection(req.Collection)
	if err != nil {
		return nil, err
	}
	path := p.objectPath(collection, req.Key.ID)
	if req.Key.Version != "" {
		path = p.versionPath(collection, req.Key.Version, req.Key.ID)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving %q, %w", path, err)
	}
	u := url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}
	return &apis.ObjectItem{Key: req.Key, URL: u.String()}, nil
}

// lookup resolves a read request to its record, evaluating the condition
// against the current head.
func (p *Provider) lookup(req *storage.GetRequest) (*record, string, error) {
	if err := validateID(req.Key.ID); err != nil {
		return nil, "", err
	}
	collection, err := p.collection(req.Collection)
	if err != nil {
		return nil, "", err
	}
	db, err := p.db(collection)
	if err != nil {
		return nil, "", err
	}
	var rec *record
	err = db.View(func(tx *bolt.Tx) error {
		head, err := headRecord(tx, req.Key.ID)
		if err != nil {
			return err
		}
		if head == nil {
			return errors.NewNotFound("object %q does not exist", req.Key.ID)
		}
		if err := storage.EvaluateMatch(req.Match, recProperties(head), recVersion(head), true); err != nil {
			return err
		}
		if req.Key.Version == "" {
			rec = head
			return nil
		}
		rec, err = versionRecord(tx, req.Key.ID, req.Key.Version)
		if err != nil {
			return err
		}
		if rec == nil {
			return errors.NewNotFound("object %q has no version %q", req.Key.ID, req.Key.Version)
		}
		return nil
	})
	if err != nil {
		return nil, "", err
	}
	return rec, collection, nil
}

func payload(req *storage.PutRequest) ([]byte, error) {
	switch {
	case req.Value != nil:
		return req.Value, nil
	case req.File != "":
		data, err := os.ReadFile(req.File)
		if err != nil {
			return nil, fmt.Errorf("reading payload file %q, %w", req.File, err)
		}
		return data, nil
	case req.Stream != nil:
		data, err := io.ReadAll(req.Stream)
		if err != nil {
			return nil, fmt.Errorf("reading payload stream, %w", err)
		}
		return data, nil
	}
	return []byte{}, nil
}

func sliceRange(data []byte, start, end *int64) ([]byte, error) {
	return ranges.Slice(data, start, end)
}

// stampProperties derives the stored properties from the caller's intent and
// the actual bytes.
func stampProperties(requested *apis.ObjectProperties, value []byte, etag string, now float64) apis.ObjectProperties {
	props := apis.ObjectProperties{}
	if requested != nil {
		props = *requested
	}
	props.ContentLength = int64(len(value))
	sum := md5.Sum(value)
	props.ContentMD5 = base64.StdEncoding.EncodeToString(sum[:])
	crc := make([]byte, 4)
	binary.BigEndian.PutUint32(crc, crc32.Checksum(value, castagnoli))
	props.CRC32C = base64.StdEncoding.EncodeToString(crc)
	props.ETag = etag
	props.LastModified = now
	return props
}

func recProperties(rec *record) *apis.ObjectProperties {
	if rec == nil {
		return nil
	}
	return &rec.Properties
}

func recVersion(rec *record) string {
	if rec == nil {
		return ""
	}
	return rec.Version
}

func writeBytes(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating %q, %w", filepath.Dir(path), err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing %q, %w", path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("publishing %q, %w", path, err)
	}
	return nil
}

// relink atomically points link at target via a sibling temp link.
func relink(link, target string) error {
	if err := os.MkdirAll(filepath.Dir(link), 0o755); err != nil {
		return fmt.Errorf("creating %q, %w", filepath.Dir(link), err)
	}
	tmp := link + ".lnk"
	_ = os.Remove(tmp)
	if err := os.Symlink(target, tmp); err != nil {
		return fmt.Errorf("linking %q, %w", link, err)
	}
	if err := os.Rename(tmp, link); err != nil {
		return fmt.Errorf("publishing link %q, %w", link, err)
	}
	return nil
}

// stagedFiles defers the filesystem side of a delete until the kv transaction
// commits. Removing bytes mid-transaction would destroy payloads bolt cannot
// restore on rollback, leaving live records pointing at nothing.
type stagedFiles struct {
	relinks  []stagedLink
	removals []string
}

type stagedLink struct {
	link, target string
}

func (s *stagedFiles) remove(path string) {
	s.removals = append(s.removals, path)
}

func (s *stagedFiles) relink(link, target string) {
	s.relinks = append(s.relinks, stagedLink{link: link, target: target})
}

// apply runs after a successful commit: head repoints first, then removals.
// Removal is best-effort; a leftover file without a kv row is invisible to
// reads.
func (s *stagedFiles) apply() error {
	for _, l := range s.relinks {
		if err := relink(l.link, l.target); err != nil {
			return err
		}
	}
	for _, path := range s.removals {
		_ = os.Remove(path)
	}
	return nil
}
