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

package apis

import (
	"k8s.io/apimachinery/pkg/util/sets"
)

// Feature is a deployment-provider capability. The set is closed; callers
// needing one must check Supports before issuing the request.
type Feature string

const (
	// FeatureMultipleRevisions: the provider keeps addressable historic
	// revisions of a service.
	FeatureMultipleRevisions Feature = "MULTIPLE_REVISIONS"
	// FeatureRevisionDelete: inactive revisions can be deleted individually.
	FeatureRevisionDelete Feature = "REVISION_DELETE"
	// FeatureMultipleContainers: a service may run more than one main
	// container.
	FeatureMultipleContainers Feature = "MULTIPLE_CONTAINERS"
	// FeatureTrafficSplit: traffic can be split across revisions by percent.
	FeatureTrafficSplit Feature = "TRAFFIC_SPLIT"
)

// Features is a capability set.
type Features = sets.Set[Feature]

// NewFeatures builds a capability set.
func NewFeatures(features ...Feature) Features {
	return sets.New[Feature](features...)
}

// AllFeatures enumerates the closed capability set.
func AllFeatures() []Feature {
	return []Feature{FeatureMultipleRevisions, FeatureRevisionDelete, FeatureMultipleContainers, FeatureTrafficSplit}
}

// KnownFeature reports whether f names a member of the closed set.
func KnownFeature(f Feature) bool {
	return sets.New[Feature](AllFeatures()...).Has(f)
}
