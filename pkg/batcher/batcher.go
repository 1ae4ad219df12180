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

// Package batcher coalesces many small cloud API requests into few large
// ones. Callers Add single-item requests; requests hashing to the same
// bucket within one batching window execute as one SDK call, and each caller
// gets back its own slice of the result.
package batcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mitchellh/hashstructure/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/samber/lo"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/strato-cloud/strato/pkg/metrics"
)

var (
	batchSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: metrics.Namespace,
			Subsystem: "batcher",
			Name:      "batch_size",
			Help:      "Number of requests coalesced into one batch execution.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
		},
		[]string{"batcher"},
	)
	batchWindowDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: metrics.Namespace,
			Subsystem: "batcher",
			Name:      "batch_time_seconds",
			Help:      "Duration of batch executions.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		},
		[]string{"batcher"},
	)
)

func init() {
	metrics.Registry.MustRegister(batchSize, batchWindowDuration)
}

// Result is the outcome delivered back to one caller.
type Result[U any] struct {
	Output *U
	Err    error
}

// BatchExecutor executes one bucket of coalesced inputs and returns exactly
// one Result per input, in input order.
type BatchExecutor[T any, U any] func(ctx context.Context, inputs []*T) []Result[U]

// RequestHasher buckets inputs; only same-bucket requests may share a batch.
type RequestHasher[T any] func(ctx context.Context, input *T) uint64

// Options configures a Batcher.
type Options[T any, U any] struct {
	Name string
	// IdleTimeout closes the window after this long without a new request.
	IdleTimeout time.Duration
	// MaxTimeout closes the window unconditionally.
	MaxTimeout time.Duration
	// MaxItems flushes immediately once any bucket reaches this size.
	// Zero means unbounded.
	MaxItems int
	// MaxRequestWorkers caps buckets executing concurrently. Zero means 10.
	MaxRequestWorkers int
	RequestHasher     RequestHasher[T]
	BatchExecutor     BatchExecutor[T, U]
}

// Batcher coalesces requests for one API shape.
type Batcher[T any, U any] struct {
	ctx     context.Context
	options Options[T, U]

	mu       sync.Mutex
	requests map[uint64][]*request[T, U]

	trigger    chan struct{}
	forceFlush chan struct{}
	workers    chan struct{}
}

type request[T any, U any] struct {
	input     *T
	requestor chan Result[U]
}

// NewBatcher starts the batching loop; it runs until ctx is canceled.
func NewBatcher[T any, U any](ctx context.Context, options Options[T, U]) *Batcher[T, U] {
	b := &Batcher[T, U]{
		ctx:        ctx,
		options:    options,
		requests:   map[uint64][]*request[T, U]{},
		trigger:    make(chan struct{}, 1),
		forceFlush: make(chan struct{}, 1),
		workers:    make(chan struct{}, lo.Ternary(options.MaxRequestWorkers > 0, options.MaxRequestWorkers, 10)),
	}
	go b.run()
	return b
}

// Add enqueues one input and blocks until its result arrives or ctx ends.
func (b *Batcher[T, U]) Add(ctx context.Context, input *T) Result[U] {
	hash := b.options.RequestHasher(ctx, input)
	req := &request[T, U]{input: input, requestor: make(chan Result[U], 1)}
	b.mu.Lock()
	b.requests[hash] = append(b.requests[hash], req)
	full := b.options.MaxItems > 0 && len(b.requests[hash]) >= b.options.MaxItems
	b.mu.Unlock()

	signal(b.trigger)
	if full {
		signal(b.forceFlush)
	}
	select {
	case result := <-req.requestor:
		return result
	case <-ctx.Done():
		return Result[U]{Err: ctx.Err()}
	}
}

func (b *Batcher[T, U]) run() {
	for {
		select {
		case <-b.ctx.Done():
			return
		case <-b.trigger:
		}
		b.waitForIdle()
		b.runCalls()
	}
}

// waitForIdle holds the window open while requests keep arriving, closing it
// on idle, on the hard window cap, or when a bucket fills.
func (b *Batcher[T, U]) waitForIdle() {
	maxTimeout := time.NewTimer(b.options.MaxTimeout)
	defer maxTimeout.Stop()
	idle := time.NewTimer(b.options.IdleTimeout)
	defer idle.Stop()
	for {
		select {
		case <-b.ctx.Done():
			return
		case <-b.forceFlush:
			return
		case <-maxTimeout.C:
			return
		case <-idle.C:
			return
		case <-b.trigger:
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(b.options.IdleTimeout)
		}
	}
}

func (b *Batcher[T, U]) runCalls() {
	b.mu.Lock()
	pending := b.requests
	b.requests = map[uint64][]*request[T, U]{}
	b.mu.Unlock()

	for _, batch := range pending {
		batch := batch
		select {
		case b.workers <- struct{}{}:
		case <-b.ctx.Done():
			for _, req := range batch {
				req.requestor <- Result[U]{Err: b.ctx.Err()}
			}
			continue
		}
		go func() {
			defer func() { <-b.workers }()
			b.exec(batch)
		}()
	}
}

func (b *Batcher[T, U]) exec(batch []*request[T, U]) {
	start := time.Now()
	batchSize.WithLabelValues(b.options.Name).Observe(float64(len(batch)))
	results := b.options.BatchExecutor(b.ctx, lo.Map(batch, func(r *request[T, U], _ int) *T { return r.input }))
	batchWindowDuration.WithLabelValues(b.options.Name).Observe(time.Since(start).Seconds())

	if len(results) != len(batch) {
		err := fmt.Errorf("expected %d batch results, got %d", len(batch), len(results))
		for _, req := range batch {
			req.requestor <- Result[U]{Err: err}
		}
		return
	}
	for i, req := range batch {
		req.requestor <- results[i]
	}
}

// DefaultHasher buckets by the full input value.
func DefaultHasher[T any](ctx context.Context, input *T) uint64 {
	hash, err := hashstructure.Hash(input, hashstructure.FormatV2, &hashstructure.HashOptions{SlicesAsSets: true})
	if err != nil {
		log.FromContext(ctx).Error(err, "failed hashing batch input")
	}
	return hash
}

// OneBucketHasher puts every request in a single bucket.
func OneBucketHasher[T any](context.Context, *T) uint64 {
	return 0
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
