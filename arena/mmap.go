//go:build linux || darwin

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

package arena

import (
	"golang.org/x/sys/unix"

	"github.com/cloudwego/kmem/buddy"
)

// Map returns a page-aligned anonymous mapping of blockCount blocks,
// keeping the region off the Go heap entirely. Release it with Unmap.
func Map(blockCount int) ([]byte, error) {
	return unix.Mmap(-1, 0, blockCount*buddy.BlockSize,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
}

// Unmap releases a region obtained from Map. The allocator state inside it
// is gone afterwards.
func Unmap(region []byte) error {
	return unix.Munmap(region)
}
