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

// Package names derives resource names within cloud length limits. Derived
// names are stable: the same inputs always produce the same name.
package names

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

const hashLength = 8

// Suffixed joins base and suffix with a dash, shortening base under limit.
// When base must be cut, a hash of the full base keeps the name unique.
func Suffixed(base, suffix string, limit int) string {
	name := fmt.Sprintf("%s-%s", base, suffix)
	if len(name) <= limit {
		return name
	}
	keep := limit - len(suffix) - hashLength - 2
	if keep < 1 {
		keep = 1
	}
	return fmt.Sprintf("%s-%s-%s", base[:keep], hashOf(base), suffix)
}

// Truncate shortens name under limit, replacing the tail with a hash of the
// full name so distinct long names stay distinct.
func Truncate(name string, limit int) string {
	if len(name) <= limit {
		return name
	}
	keep := limit - hashLength - 1
	if keep < 1 {
		keep = 1
	}
	return fmt.Sprintf("%s-%s", name[:keep], hashOf(name))
}

func hashOf(name string) string {
	sum := sha256.Sum256([]byte(name))
	return hex.EncodeToString(sum[:])[:hashLength]
}
