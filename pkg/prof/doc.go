// Package prof captures pprof profiles of the softdma stack.
//
// It wraps [runtime/pprof] with the small surface the throughput
// tooling needs: streamed CPU profiling and point-in-time heap and
// block snapshots. The package is conditionally compiled under the
// "profile" build tag:
//
//	go build -tags profile
//
// Without the tag every function is a no-op, so profiling hooks stay
// wired into the examples at zero cost.
//
// CPU profiling brackets the measured region:
//
//	prof.StartCPU("cpu.prof")
//	defer prof.StopCPU()
//
// Heap and block snapshots are taken after the run. Block profiling is
// the interesting one for a stack built around blocking transfers, and
// must be enabled before the measured region:
//
//	prof.SetBlockProfileRate(1)
//	defer prof.WriteBlock("block.prof")
package prof
