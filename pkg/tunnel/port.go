/*
Copyright © contributors to CloudNativePG, established as
CloudNativePG a Series of LF Projects, LLC.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.

SPDX-License-Identifier: Apache-2.0
*/

package tunnel

import (
	"hash/fnv"
)

const (
	// portRangeStart is the first port LocalPortFor can return
	portRangeStart = 20000

	// portRangeSize is the number of ports LocalPortFor can return
	portRangeSize = 10000
)

// LocalPortFor derives a stable local port from a gate identifier, so
// that concurrent gates targeting the same service don't collide
func LocalPortFor(id string) int {
	hasher := fnv.New32a()
	_, _ = hasher.Write([]byte(id))
	return portRangeStart + int(hasher.Sum32()%portRangeSize)
}
