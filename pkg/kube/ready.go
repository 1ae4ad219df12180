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
	"fmt"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
)

// objectReady evaluates kind-specific readiness. Unknown kinds fall back to
// observedGeneration catching up with generation; kinds without even that
// count as ready the moment they exist.
func objectReady(obj *unstructured.Unstructured) (bool, error) {
	switch obj.GetKind() {
	case "Deployment":
		return conditionTrue(obj, "Available") && generationObserved(obj), nil
	case "StatefulSet":
		ready, _, _ := unstructured.NestedInt64(obj.Object, "status", "readyReplicas")
		want, found, _ := unstructured.NestedInt64(obj.Object, "spec", "replicas")
		if !found {
			want = 1
		}
		return ready >= want && generationObserved(obj), nil
	case "DaemonSet":
		desired, _, _ := unstructured.NestedInt64(obj.Object, "status", "desiredNumberScheduled")
		ready, _, _ := unstructured.NestedInt64(obj.Object, "status", "numberReady")
		return ready >= desired && generationObserved(obj), nil
	case "Job":
		if conditionTrue(obj, "Failed") {
			return false, fmt.Errorf("job %q failed", obj.GetName())
		}
		return conditionTrue(obj, "Complete"), nil
	case "Pod":
		return conditionTrue(obj, "Ready"), nil
	default:
		return generationObserved(obj), nil
	}
}

func conditionTrue(obj *unstructured.Unstructured, kind string) bool {
	conditions, _, _ := unstructured.NestedSlice(obj.Object, "status", "conditions")
	for _, entry := range conditions {
		condition, ok := entry.(map[string]interface{})
		if !ok {
			continue
		}
		if condition["type"] == kind && condition["status"] == "True" {
			return true
		}
	}
	return false
}

// generationObserved reports whether the controller has seen the latest
// spec. Objects whose status never carries observedGeneration pass.
func generationObserved(obj *unstructured.Unstructured) bool {
	observed, found, _ := unstructured.NestedInt64(obj.Object, "status", "observedGeneration")
	if !found {
		return true
	}
	return observed >= obj.GetGeneration()
}
