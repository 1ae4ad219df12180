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

package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"
	"sigs.k8s.io/controller-runtime/pkg/log"
)

const (
	ResolvedImagesTTL = 15 * time.Minute
)

// ResolvedImages remembers which pushed image URI a build input produced so
// repeated reconciles of the same definition skip redundant build+push
// rounds. Entries are keyed by the hash of the build inputs; any change to
// the inputs changes the key.
type ResolvedImages struct {
	// key: <registry>:<inputs hash>, value: image URI
	cache *cache.Cache
}

func NewResolvedImages(c *cache.Cache) *ResolvedImages {
	return &ResolvedImages{
		cache: c,
	}
}

// Get returns the previously pushed URI for the build inputs, if still fresh.
func (r *ResolvedImages) Get(registry string, inputsHash uint64) (string, bool) {
	uri, found := r.cache.Get(r.key(registry, inputsHash))
	if !found {
		return "", false
	}
	return uri.(string), true
}

// MarkResolved records a completed build+push round.
func (r *ResolvedImages) MarkResolved(ctx context.Context, registry string, inputsHash uint64, uri string) {
	// Set even on repeat resolutions to extend the entry's TTL.
	log.FromContext(ctx).WithValues(
		"registry", registry,
		"image-uri", uri,
		"resolved-images-ttl", ResolvedImagesTTL).V(1).Info("caching resolved image")
	r.cache.SetDefault(r.key(registry, inputsHash), uri)
}

// Flush clears the cache, forcing the next reconcile to rebuild.
func (r *ResolvedImages) Flush() {
	r.cache.Flush()
}

func (r *ResolvedImages) key(registry string, inputsHash uint64) string {
	return fmt.Sprintf("%s:%016x", registry, inputsHash)
}
