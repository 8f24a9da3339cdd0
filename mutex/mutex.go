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

// Package mutex provides a blocking mutual-exclusion handle constructed in
// caller-supplied storage, for code that keeps all of its state inside a raw
// memory region.
package mutex

import (
	"sync"
	"unsafe"
)

// Size is the number of bytes of storage a Mutex occupies.
const Size = 16

// Mutex is an opaque lock living in caller-provided bytes. Acquire blocks
// without timeout; the lock is not recursive and fairness is unspecified.
type Mutex struct {
	impl sync.Mutex
}

// Size bytes must cover the lock state plus worst-case alignment slack.
var _ [Size - unsafe.Sizeof(Mutex{}) - 7]byte

// Init constructs a Mutex in storage and returns the handle. The lock is
// placed on the first 8-byte boundary inside storage (the storage may sit at
// any offset of a raw region) and its bytes are zeroed, so storage may
// arrive dirty. Panics if storage is smaller than Size; that is a
// programming error, not a runtime condition.
func Init(storage []byte) *Mutex {
	if len(storage) < Size {
		panic("mutex: storage smaller than mutex.Size")
	}
	off := 0
	if rem := uintptr(unsafe.Pointer(&storage[0])) % 8; rem != 0 {
		off = int(8 - rem)
	}
	end := off + int(unsafe.Sizeof(Mutex{}))
	for i := off; i < end; i++ {
		storage[i] = 0
	}
	return (*Mutex)(unsafe.Pointer(&storage[off]))
}

// Acquire blocks until the lock is held.
func (m *Mutex) Acquire() {
	m.impl.Lock()
}

// Release unlocks the mutex.
func (m *Mutex) Release() {
	m.impl.Unlock()
}

// Destroy ends the lock's lifetime. It holds no resources beyond its
// storage, which may be reused afterwards. The lock must not be held.
func (m *Mutex) Destroy() {
	m.impl = sync.Mutex{}
}
