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
	"strings"
)

// ListDecision tells an enumerating provider what to do with one key.
type ListDecision int

const (
	// ListSkip: the key is filtered out; keep enumerating.
	ListSkip ListDecision = iota
	// ListEmit: the key is part of the page; the provider appends its item.
	ListEmit
	// ListEmitPrefix: the key collapsed into a new common prefix (already
	// recorded on the emitter); keep enumerating.
	ListEmitPrefix
	// ListStop: nothing further can match; stop enumerating.
	ListStop
)

// ListEmitter implements the shared listing algorithm over any backend that
// can enumerate keys in ascending binary order: prefix and bound filtering,
// delimiter collapse into deduped common prefixes, limit and page-size
// budgets, and last-emitted-key continuations that resume strictly after.
// Providers with a native listing API skip it; the filesystem store and the
// fakes feed every candidate key through Offer.
type ListEmitter struct {
	plan         planView
	limit        int
	pageSize     int
	continuation string

	prefixes     []string
	lastPrefix   string
	emitted      int
	last         string
	nextResume   string
	sawTruncated bool
}

type planView struct {
	Prefix    string
	Delimiter string
	After     string
	Before    string
}

// NewListEmitter builds an emitter from an already-compiled query request.
func NewListEmitter(req *QueryRequest) *ListEmitter {
	e := &ListEmitter{
		plan: planView{
			Prefix:    req.Plan.Prefix,
			Delimiter: req.Plan.Delimiter,
			After:     req.Plan.After,
			Before:    req.Plan.Before,
		},
		limit:        req.Limit,
		continuation: req.Continuation,
	}
	if req.Config.paging() {
		e.pageSize = req.Config.pageSize()
	}
	return e
}

// Offer feeds one key; keys must arrive in ascending binary order.
func (e *ListEmitter) Offer(key string) ListDecision {
	if e.sawTruncated {
		return ListStop
	}
	if e.plan.Prefix != "" && !strings.HasPrefix(key, e.plan.Prefix) {
		if key > e.plan.Prefix {
			return ListStop
		}
		return ListSkip
	}
	if e.plan.Before != "" && key >= e.plan.Before {
		return ListStop
	}
	if e.plan.After != "" && key <= e.plan.After {
		return ListSkip
	}

	emission := key
	isPrefix := false
	if e.plan.Delimiter != "" {
		rest := key[len(e.plan.Prefix):]
		if i := strings.Index(rest, e.plan.Delimiter); i >= 0 {
			emission = e.plan.Prefix + rest[:i+len(e.plan.Delimiter)]
			isPrefix = true
		}
	}
	// Ascending order groups a prefix's keys contiguously, so comparing
	// against the last collapsed prefix is a complete dedupe.
	if isPrefix && emission == e.lastPrefix {
		return ListSkip
	}
	// A continuation is the last key the previous page emitted; resume
	// strictly after it.
	if e.continuation != "" && emission <= e.continuation {
		if isPrefix {
			e.lastPrefix = emission
		}
		return ListSkip
	}
	if e.full() {
		// One more would-be emission proves the listing is truncated.
		e.sawTruncated = true
		e.nextResume = e.last
		return ListStop
	}
	e.emitted++
	e.last = emission
	if isPrefix {
		e.lastPrefix = emission
		e.prefixes = append(e.prefixes, emission)
		return ListEmitPrefix
	}
	return ListEmit
}

func (e *ListEmitter) full() bool {
	if e.limit > 0 && e.emitted >= e.limit {
		return true
	}
	if e.pageSize > 0 && e.emitted >= e.pageSize {
		return true
	}
	return false
}

// Prefixes returns the collapsed common prefixes, in emission order.
func (e *ListEmitter) Prefixes() []string {
	return e.prefixes
}

// Emitted counts objects plus prefixes on this page.
func (e *ListEmitter) Emitted() int {
	return e.emitted
}

// Continuation returns the resume token, empty when the listing is complete.
func (e *ListEmitter) Continuation() string {
	if e.sawTruncated {
		return e.nextResume
	}
	return ""
}
