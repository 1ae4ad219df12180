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
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
)

// MergeOverlay merges an overlay tree onto a base object without mutating
// either: an explicit null removes the key, maps merge recursively, lists
// and scalars replace wholesale.
func MergeOverlay(base *unstructured.Unstructured, overlay map[string]interface{}) *unstructured.Unstructured {
	merged := base.DeepCopy()
	merged.Object = mergeMaps(merged.Object, overlay)
	return merged
}

func mergeMaps(base, overlay map[string]interface{}) map[string]interface{} {
	out := map[string]interface{}{}
	for key, value := range base {
		out[key] = value
	}
	for key, value := range overlay {
		if value == nil {
			delete(out, key)
			continue
		}
		if overlayMap, ok := value.(map[string]interface{}); ok {
			if baseMap, ok := out[key].(map[string]interface{}); ok {
				out[key] = mergeMaps(baseMap, overlayMap)
				continue
			}
		}
		out[key] = runtime.DeepCopyJSONValue(value)
	}
	return out
}
