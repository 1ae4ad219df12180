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
	"context"

	bolt "go.etcd.io/bbolt"

	"github.com/strato-cloud/strato/pkg/apis"
	"github.com/strato-cloud/strato/pkg/storage"
)

// Query walks the kv head rows in the cursor's binary ascending order and
// runs them through the shared listing algorithm.
func (p *Provider) Query(ctx context.Context, req *storage.QueryRequest) (*apis.ObjectList, error) {
	collection, err := p.collection(req.Collection)
	if err != nil {
		return nil, err
	}
	db, err := p.db(collection)
	if err != nil {
		return nil, err
	}
	emitter := storage.NewListEmitter(req)
	list := &apis.ObjectList{}
	err = db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(objectsBucket).Cursor()
	walk:
		for k, v := c.Seek([]byte(req.Plan.Prefix)); k != nil; k, v = c.Next() {
			switch emitter.Offer(string(k)) {
			case storage.ListStop:
				break walk
			case storage.ListEmit:
				rec, err := unmarshalRecord(v)
				if err != nil {
					return err
				}
				list.Items = append(list.Items, *rec.item(string(k)))
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	list.Prefixes = emitter.Prefixes()
	list.Continuation = emitter.Continuation()
	return list, nil
}

// Count runs the same walk without limits and reports objects plus collapsed
// prefixes.
func (p *Provider) Count(ctx context.Context, req *storage.QueryRequest) (int, error) {
	collection, err := p.collection(req.Collection)
	if err != nil {
		return 0, err
	}
	db, err := p.db(collection)
	if err != nil {
		return 0, err
	}
	unbounded := *req
	unbounded.Limit = 0
	unbounded.Continuation = ""
	unbounded.Config = nil
	emitter := storage.NewListEmitter(&unbounded)
	err = db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(objectsBucket).Cursor()
		for k, _ := c.Seek([]byte(req.Plan.Prefix)); k != nil; k, _ = c.Next() {
			if emitter.Offer(string(k)) == storage.ListStop {
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return emitter.Emitted(), nil
}

// Batch executes every delete inside one kv transaction, so the batch is
// genuinely all-or-nothing on this backend. Object bytes are only unlinked
// once the whole transaction has committed; a failing operation rolls every
// record back with its payload intact.
func (p *Provider) Batch(ctx context.Context, req *storage.BatchRequest) error {
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
		for _, op := range req.Operations {
			if err := p.deleteInTx(tx, collection, op.Key, apis.MatchCondition{}, staged); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return err
	}
	return staged.apply()
}
