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

// Package kube applies normalized manifests to a cluster: YAML in,
// unstructured objects out, server-side apply with a create-then-update
// fallback, label-based pruning and readiness waits. Everything runs through
// a controller-runtime client so callers pick the cluster.
package kube

import (
	"context"
	"time"

	"go.uber.org/multierr"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/util/sets"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/strato-cloud/strato/pkg/errors"
	"github.com/strato-cloud/strato/pkg/utils/env"
)

const (
	// ManagedLabel marks objects the engine created and may prune.
	ManagedLabel = "strato.dev/managed"
	// OwnerLabel binds an object to the release that applied it.
	OwnerLabel = "strato.dev/owner"

	defaultFieldOwner  = "strato"
	defaultWaitTimeout = 300 * time.Second
	pollInterval       = 2 * time.Second
)

// Config tunes the engine. Namespace is injected into namespaced objects
// that do not name one.
type Config struct {
	FieldOwner  string
	Namespace   string
	WaitTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.FieldOwner == "" {
		c.FieldOwner = env.WithDefaultString("STRATO_KUBE_FIELD_OWNER", defaultFieldOwner)
	}
	if c.WaitTimeout == 0 {
		c.WaitTimeout = env.WithDefaultDuration("STRATO_KUBE_WAIT_TIMEOUT", defaultWaitTimeout)
	}
	return c
}

type Engine struct {
	client client.Client
	config Config
}

func NewEngine(c client.Client, config Config) *Engine {
	return &Engine{client: c, config: config.withDefaults()}
}

// Apply reconciles the objects in order, labeling each so Prune can find it
// later. The returned objects carry the server's view.
func (e *Engine) Apply(ctx context.Context, owner string, objects []*unstructured.Unstructured) error {
	for _, obj := range objects {
		labels := obj.GetLabels()
		if labels == nil {
			labels = map[string]string{}
		}
		labels[ManagedLabel] = "true"
		labels[OwnerLabel] = owner
		obj.SetLabels(labels)
		if err := e.applyObject(ctx, obj); err != nil {
			return err
		}
		log.FromContext(ctx).WithValues("kind", obj.GetKind(), "name", obj.GetName(), "namespace", obj.GetNamespace()).V(1).Info("applied object")
	}
	return nil
}

// applyObject prefers server-side apply; clusters or clients without apply
// support fall back to create-then-update.
func (e *Engine) applyObject(ctx context.Context, obj *unstructured.Unstructured) error {
	patched := obj.DeepCopy()
	if err := e.client.Patch(ctx, patched, client.Apply, client.FieldOwner(e.config.FieldOwner), client.ForceOwnership); err == nil {
		return nil
	}
	existing := &unstructured.Unstructured{}
	existing.SetGroupVersionKind(obj.GroupVersionKind())
	if err := e.client.Get(ctx, client.ObjectKeyFromObject(obj), existing); err != nil {
		if apierrors.IsNotFound(err) {
			return e.client.Create(ctx, obj)
		}
		return err
	}
	obj.SetResourceVersion(existing.GetResourceVersion())
	return e.client.Update(ctx, obj)
}

// Prune deletes objects the owner applied before but no longer declares. It
// only looks at kinds present in the current set, so a kind dropped entirely
// must be emptied first.
func (e *Engine) Prune(ctx context.Context, owner string, applied []*unstructured.Unstructured) error {
	keep := sets.New[string]()
	kinds := map[schema.GroupVersionKind]struct{}{}
	for _, obj := range applied {
		keep.Insert(objectKey(obj))
		kinds[obj.GroupVersionKind()] = struct{}{}
	}
	var errs error
	for gvk := range kinds {
		list := &unstructured.UnstructuredList{}
		list.SetGroupVersionKind(gvk.GroupVersion().WithKind(gvk.Kind + "List"))
		if err := e.client.List(ctx, list, client.MatchingLabels{ManagedLabel: "true", OwnerLabel: owner}); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		for i := range list.Items {
			item := &list.Items[i]
			if keep.Has(objectKey(item)) {
				continue
			}
			log.FromContext(ctx).WithValues("kind", item.GetKind(), "name", item.GetName()).V(1).Info("pruning object")
			if err := e.client.Delete(ctx, item); err != nil && !apierrors.IsNotFound(err) {
				errs = multierr.Append(errs, err)
			}
		}
	}
	return errs
}

// Delete removes every object the owner applied, across the given kinds.
func (e *Engine) Delete(ctx context.Context, owner string, kinds []schema.GroupVersionKind) error {
	var errs error
	for _, gvk := range kinds {
		list := &unstructured.UnstructuredList{}
		list.SetGroupVersionKind(gvk.GroupVersion().WithKind(gvk.Kind + "List"))
		if err := e.client.List(ctx, list, client.MatchingLabels{ManagedLabel: "true", OwnerLabel: owner}); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		for i := range list.Items {
			if err := e.client.Delete(ctx, &list.Items[i]); err != nil && !apierrors.IsNotFound(err) {
				errs = multierr.Append(errs, err)
			}
		}
	}
	return errs
}

// Wait blocks until every object reports ready or the budget runs out. The
// budget failure is a Timeout error naming the first unready object.
func (e *Engine) Wait(ctx context.Context, objects []*unstructured.Unstructured) error {
	deadline := time.Now().Add(e.config.WaitTimeout)
	for _, obj := range objects {
		for {
			current := &unstructured.Unstructured{}
			current.SetGroupVersionKind(obj.GroupVersionKind())
			if err := e.client.Get(ctx, client.ObjectKeyFromObject(obj), current); err != nil {
				return err
			}
			ready, err := objectReady(current)
			if err != nil {
				return err
			}
			if ready {
				break
			}
			if time.Now().After(deadline) {
				return errors.NewTimeout("%s %q did not become ready within %s", obj.GetKind(), obj.GetName(), e.config.WaitTimeout)
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(pollInterval):
			}
		}
	}
	return nil
}

func objectKey(obj *unstructured.Unstructured) string {
	return obj.GetKind() + "/" + obj.GetNamespace() + "/" + obj.GetName()
}
