package stackcache

import (
	"runtime"

	"github.com/grafana/stackcache/pkg/slices"
)

// Capture stores the return addresses of the calling goroutine into dst,
// innermost first, and returns the resulting slice. skip is the number of
// frames to skip above the caller of Capture; 0 starts at the caller.
//
// At most MaxFramesLimit frames are captured.
func Capture(skip int, dst []uint64) []uint64 {
	var pcs [MaxFramesLimit]uintptr
	n := runtime.Callers(skip+2, pcs[:])
	dst = slices.GrowLen(dst, n)
	for i, pc := range pcs[:n] {
		dst[i] = uint64(pc)
	}
	return dst
}
