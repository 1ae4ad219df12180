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

// ImageMap names a container image by how to obtain it. Exactly one of
// Handle, Source or URI is set:
//
//   - Handle references an image already present on the local engine.
//   - Source is a build-context directory handed to the containerizer.
//   - URI is a fully-qualified reference requiring no work.
//
// Name is the logical image name; builds default their tag from it.
type ImageMap struct {
	Name   string `json:"name"`
	Handle string `json:"handle,omitempty"`
	Source string `json:"source,omitempty"`
	URI    string `json:"uri,omitempty"`
}

// Resolved reports whether the image needs no build or push work.
func (m *ImageMap) Resolved() bool {
	return m != nil && m.URI != ""
}

// NeedsBuild reports whether a containerizer build is required before push.
func (m *ImageMap) NeedsBuild() bool {
	return m != nil && m.URI == "" && m.Handle == "" && m.Source != ""
}
