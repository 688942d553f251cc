//go:build linux && cgo

package host

import (
	"context"
	"testing"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/omptarget/config"
	"github.com/gomlx/omptarget/offload"
	"github.com/janpfeifer/must"
)

var benchmarkSizes = []int{16, 4 << 10, 1 << 20, 16 << 20}

func newBenchmarkRuntime(b *testing.B) *offload.Runtime {
	cfg := config.Default()
	cfg.Host.TmpDir = b.TempDir()
	r := must.M1(offload.NewRuntimeFromConfig(cfg))
	b.Cleanup(func() { must.M(r.Close(context.Background())) })
	must.M(r.InitDevice(context.Background(), 0))
	return r
}

func benchmarkData() [][]byte {
	data := make([][]byte, len(benchmarkSizes))
	for sizeIdx, size := range benchmarkSizes {
		data[sizeIdx] = make([]byte, size)
		for ii := range data[sizeIdx] {
			data[sizeIdx][ii] = byte(ii)
		}
	}
	return data
}

// BenchmarkDataSubmit measures an alloc, a submit and a delete through the runtime.
func BenchmarkDataSubmit(b *testing.B) {
	ctx := context.Background()
	r := newBenchmarkRuntime(b)
	data := benchmarkData()

	benchSize := func(sizeIdx int) {
		h := must.M1(r.DataAlloc(ctx, 0, int64(benchmarkSizes[sizeIdx]), 0))
		must.M(r.DataSubmit(ctx, 0, h, data[sizeIdx]))
		must.M(r.DataDelete(ctx, 0, h))
	}

	// Warmup for each size.
	for sizeIdx := range benchmarkSizes {
		for range 10 {
			benchSize(sizeIdx)
		}
	}
	b.ResetTimer()

	for sizeIdx, size := range benchmarkSizes {
		b.Run(humanize.IBytes(uint64(size)), func(b *testing.B) {
			b.SetBytes(int64(size))
			for i := 0; i < b.N; i++ {
				benchSize(sizeIdx)
			}
		})
	}
}

// BenchmarkDataRetrieve measures retrieves of buffers already in the device.
func BenchmarkDataRetrieve(b *testing.B) {
	ctx := context.Background()
	r := newBenchmarkRuntime(b)
	data := benchmarkData()
	handles := make([]offload.TargetHandle, len(benchmarkSizes))
	for sizeIdx, size := range benchmarkSizes {
		handles[sizeIdx] = must.M1(r.DataAlloc(ctx, 0, int64(size), 0))
		must.M(r.DataSubmit(ctx, 0, handles[sizeIdx], data[sizeIdx]))
	}
	defer func() {
		for _, h := range handles {
			must.M(r.DataDelete(ctx, 0, h))
		}
	}()

	benchSize := func(sizeIdx int) {
		must.M(r.DataRetrieve(ctx, 0, data[sizeIdx], handles[sizeIdx]))
	}

	// Warmup for each size.
	for sizeIdx := range benchmarkSizes {
		for range 10 {
			benchSize(sizeIdx)
		}
	}
	b.ResetTimer()

	for sizeIdx, size := range benchmarkSizes {
		b.Run(humanize.IBytes(uint64(size)), func(b *testing.B) {
			b.SetBytes(int64(size))
			for i := 0; i < b.N; i++ {
				benchSize(sizeIdx)
			}
		})
	}
}
