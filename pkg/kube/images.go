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

package kube

import (
	"strings"

	"github.com/google/go-containerregistry/pkg/name"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
)

// Pod spec locations the rewrite walks, relative to the object root.
var podSpecPaths = [][]string{
	{"spec", "template", "spec"},
	{"spec", "jobTemplate", "spec", "template", "spec"},
	{"spec"},
}

// RewriteImages replaces container image references that the push pipeline
// remapped. Keys match an exact reference first, then the repository's last
// path segment, so "web" rewrites both "web:1" and "ghcr.io/acme/web:1".
// The object is mutated in place.
func RewriteImages(obj *unstructured.Unstructured, images map[string]string) {
	if len(images) == 0 {
		return
	}
	for _, path := range podSpecPaths {
		spec, found, _ := unstructured.NestedMap(obj.Object, path...)
		if !found {
			continue
		}
		if !rewritePodSpec(spec, images) {
			continue
		}
		_ = unstructured.SetNestedMap(obj.Object, spec, path...)
		return
	}
}

func rewritePodSpec(spec map[string]interface{}, images map[string]string) bool {
	changed := false
	for _, field := range []string{"containers", "initContainers"} {
		list, ok := spec[field].([]interface{})
		if !ok {
			continue
		}
		for _, entry := range list {
			container, ok := entry.(map[string]interface{})
			if !ok {
				continue
			}
			image, ok := container["image"].(string)
			if !ok {
				continue
			}
			if rewritten, ok := resolveImage(image, images); ok {
				container["image"] = rewritten
				changed = true
			}
		}
	}
	return changed
}

func resolveImage(image string, images map[string]string) (string, bool) {
	if rewritten, ok := images[image]; ok {
		return rewritten, true
	}
	ref, err := name.ParseReference(image, name.WeakValidation)
	if err != nil {
		return "", false
	}
	repository := ref.Context().RepositoryStr()
	if i := strings.LastIndex(repository, "/"); i >= 0 {
		repository = repository[i+1:]
	}
	if rewritten, ok := images[repository]; ok {
		return rewritten, true
	}
	return "", false
}
