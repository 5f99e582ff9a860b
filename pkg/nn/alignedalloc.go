package nn

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// System page size. Read at startup.
var pageSize uintptr

const floatSize = int(unsafe.Sizeof(float32(0)))

// Allocate n float32 values, with the first element aligned to a page boundary.
// Engines that can consume host memory directly avoid a copy when the batch is page aligned.
func PageAlignedFloats(n int) []float32 {
	if n <= 0 {
		return []float32{}
	}
	raw := make([]byte, n*floatSize+int(pageSize))
	offset := pageSize - (uintptr(unsafe.Pointer(&raw[0])) % pageSize)
	if offset == pageSize {
		offset = 0
	}
	return unsafe.Slice((*float32)(unsafe.Pointer(&raw[offset])), n)
}

func init() {
	pageSize = uintptr(unix.Getpagesize())
}
