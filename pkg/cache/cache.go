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

package cache

import (
	"time"
)

const (
	// DefaultTTL restricts how often providers re-describe cloud resources
	// that rarely change underneath them (clusters, VPCs, subnets).
	DefaultTTL = time.Minute
	// DefaultCleanupInterval triggers cache cleanup (lazy eviction) at this interval.
	DefaultCleanupInterval = 10 * time.Minute
	// NetworkTTL caches discovered default VPCs and subnets; network layout
	// changes are rare and externally driven.
	NetworkTTL = 5 * time.Minute
	// RegistryTokenTTL caches registry authorization tokens. ECR tokens are
	// valid for 12 hours; the hour of slack absorbs clock drift and long
	// pushes started near expiry.
	RegistryTokenTTL = 11 * time.Hour
	// ImageTTL caches resolved machine-image parameters (SSM lookups).
	ImageTTL = time.Hour
	// URLTTL caches generated pre-signed URLs just long enough to dedupe
	// bursts without outliving short expiries.
	URLTTL = 30 * time.Second
)
