// Copyright 2026 vfsindex Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package cache provides in-memory caches for the vfsindex storage layer.
//
// Currently provides:
// - NameCache: bidirectional name <-> id cache in front of the name table
//
// Caches never own data: the backing table is the source of truth and every
// cache can be dropped at any time with Invalidate.
package cache

import "os"

// Disabled controls whether all caching mechanisms are disabled.
// Set via VFSINDEX_CACHE=0 environment variable.
// When true:
// - NameCache lookups always miss
// - NameCache.Put() is a no-op
//
// This is useful for testing and debugging to verify logic works correctly
// without caching, and to isolate cache-related bugs.
var Disabled = os.Getenv("VFSINDEX_CACHE") == "0"

// Invalidator is implemented by all caches that support full invalidation.
type Invalidator interface {
	// Invalidate clears all entries from the cache.
	Invalidate()
}
