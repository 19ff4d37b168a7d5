//go:build profile

package prof

import (
	"errors"
	"os"
	"runtime"
	"runtime/pprof"
	"sync"
)

// Profiling errors.
var (
	// ErrActive indicates CPU profiling is already running.
	ErrActive = errors.New("cpu profile already active")
)

var cpu struct {
	sync.Mutex
	file *os.File
}

// StartCPU begins CPU profiling into the file at path. A second start
// while profiling is running returns [ErrActive].
func StartCPU(path string) error {
	cpu.Lock()
	defer cpu.Unlock()

	if cpu.file != nil {
		return ErrActive
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := pprof.StartCPUProfile(f); err != nil {
		f.Close()
		return err
	}
	cpu.file = f
	return nil
}

// StopCPU ends CPU profiling and closes the profile file. Calling it
// while profiling is not running is a no-op.
func StopCPU() {
	cpu.Lock()
	defer cpu.Unlock()

	if cpu.file == nil {
		return
	}
	pprof.StopCPUProfile()
	cpu.file.Close()
	cpu.file = nil
}

// WriteHeap snapshots the live-object heap profile to the file at path.
func WriteHeap(path string) error {
	return writeSnapshot("heap", path)
}

// WriteBlock snapshots the blocking profile to the file at path. The
// profile is empty unless [SetBlockProfileRate] enabled collection.
func WriteBlock(path string) error {
	return writeSnapshot("block", path)
}

// SetBlockProfileRate controls how many blocking events the runtime
// records: rate is the average nanoseconds blocked per sample, 1
// records every event, 0 disables collection.
func SetBlockProfileRate(rate int) {
	runtime.SetBlockProfileRate(rate)
}

func writeSnapshot(name, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return pprof.Lookup(name).WriteTo(f, 0)
}
