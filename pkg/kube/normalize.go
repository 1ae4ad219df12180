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
	"regexp"
	"strings"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/util/sets"
	"sigs.k8s.io/yaml"

	"github.com/strato-cloud/strato/pkg/errors"
)

var documentSeparator = regexp.MustCompile(`(?m)^---\s*$`)

// Kinds the engine knows are cluster-scoped and must not get a namespace.
var clusterScopedKinds = sets.New(
	"Namespace", "Node", "PersistentVolume", "StorageClass",
	"ClusterRole", "ClusterRoleBinding", "CustomResourceDefinition",
	"PriorityClass", "ValidatingWebhookConfiguration", "MutatingWebhookConfiguration",
)

// Normalize splits a multi-document manifest into unstructured objects,
// validating the GVK of each and injecting the configured namespace where
// none is set. Empty documents are skipped.
func (e *Engine) Normalize(manifest []byte) ([]*unstructured.Unstructured, error) {
	var objects []*unstructured.Unstructured
	for _, document := range documentSeparator.Split(string(manifest), -1) {
		if strings.TrimSpace(document) == "" {
			continue
		}
		content := map[string]interface{}{}
		if err := yaml.Unmarshal([]byte(document), &content); err != nil {
			return nil, errors.NewBadRequest("kube: unparseable manifest document, %s", err)
		}
		if len(content) == 0 {
			continue
		}
		obj := &unstructured.Unstructured{Object: content}
		if obj.GetAPIVersion() == "" || obj.GetKind() == "" {
			return nil, errors.NewBadRequest("kube: document %q is missing apiVersion or kind", obj.GetName())
		}
		if obj.GetName() == "" && !hasGenerateName(obj) {
			return nil, errors.NewBadRequest("kube: %s document is missing a name", obj.GetKind())
		}
		if e.config.Namespace != "" && obj.GetNamespace() == "" && !clusterScopedKinds.Has(obj.GetKind()) {
			obj.SetNamespace(e.config.Namespace)
		}
		objects = append(objects, obj)
	}
	return objects, nil
}

func hasGenerateName(obj *unstructured.Unstructured) bool {
	name, _, _ := unstructured.NestedString(obj.Object, "metadata", "generateName")
	return name != ""
}
