//go:build !profile

package prof

// ErrActive indicates CPU profiling is already running. Never returned
// by the no-op build.
var ErrActive error

// StartCPU is a no-op when built without the "profile" tag.
func StartCPU(_ string) error { return nil }

// StopCPU is a no-op when built without the "profile" tag.
func StopCPU() {}

// WriteHeap is a no-op when built without the "profile" tag.
func WriteHeap(_ string) error { return nil }

// WriteBlock is a no-op when built without the "profile" tag.
func WriteBlock(_ string) error { return nil }

// SetBlockProfileRate is a no-op when built without the "profile" tag.
func SetBlockProfileRate(_ int) {}
