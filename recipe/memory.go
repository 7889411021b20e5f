package recipe

import (
	"runtime"

	"github.com/dustin/go-humanize"
	"k8s.io/klog/v2"
)

const gib = 1 << 30

// memoryStats reports the Go heap of this process in GiB, under the names
// accelerator memory stats are usually logged with.
func memoryStats() map[string]float64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	klog.V(1).Infof("memory: heap in use %s, allocated %s, reserved %s",
		humanize.IBytes(ms.HeapInuse), humanize.IBytes(ms.HeapAlloc), humanize.IBytes(ms.Sys))
	return map[string]float64{
		"peak_memory_active":   float64(ms.HeapInuse) / gib,
		"peak_memory_alloc":    float64(ms.HeapAlloc) / gib,
		"peak_memory_reserved": float64(ms.Sys) / gib,
	}
}
