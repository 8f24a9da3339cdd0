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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudwego/kmem/buddy"
)

func TestHeap(t *testing.T) {
	region := Heap(64)
	require.Equal(t, 64*buddy.BlockSize, len(region))

	// the region must be usable as-is
	b, err := buddy.Init(region, 64)
	require.NoError(t, err)
	assert.Equal(t, 63, b.FreeBlocks())
}
