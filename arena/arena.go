/*
 * Copyright 2024 CloudWeGo Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package arena sources backing regions for the allocator. The allocator
// itself never maps or allocates memory; it manages whatever region the
// caller hands it, and this package covers the two common sources.
package arena

import (
	"github.com/bytedance/gopkg/lang/dirtmake"

	"github.com/cloudwego/kmem/buddy"
)

// Heap returns a region of blockCount blocks from the Go heap. The bytes
// are not zeroed; the allocator initialises the control words it needs.
func Heap(blockCount int) []byte {
	n := blockCount * buddy.BlockSize
	return dirtmake.Bytes(n, n)
}
