package kmem

import (
	"fmt"

	"github.com/cloudwego/kmem/arena"
)

func Example() {
	region := arena.Heap(64)
	k, _ := Init(region, 64)

	c := k.CacheCreate("example", 128, nil, nil)
	obj := k.CacheAlloc(c)
	buf := k.Malloc(70) // served by the 128-byte class

	fmt.Println(obj != nil, buf != nil)

	k.CacheFree(c, obj)
	k.Free(buf)

	info := k.CacheInfo(c)
	fmt.Println(info.Name, info.Slabs, info.UsedObjects)

	// Output:
	// true true
	// example 1 0
}
