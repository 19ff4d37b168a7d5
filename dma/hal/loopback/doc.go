// Package loopback provides an in-memory [hal.Engine] pair for testing
// and benchmarking the softdma channel core without hardware.
//
// [NewPair] returns two connected engines: the TX (mem-to-dev) engine
// gathers each submitted scatter-gather table into a packet and pushes
// it onto a bounded simulated wire; the RX (dev-to-mem) engine pops a
// packet and scatters it into its submitted table. Packets preserve
// submission order, so bytes written to the TX channel arrive on the RX
// channel byte-identical and in order.
//
// # Completion Context
//
// Each engine runs a single notifier goroutine that executes
// descriptors and fires their completion callbacks. This goroutine
// stands in for the hardware interrupt path; callbacks run on it
// directly.
//
// # Backpressure
//
// The wire buffers a fixed number of packets. A full wire stalls the TX
// notifier until the RX side drains it, the same way a device-side FIFO
// throttles a real engine.
//
// # Termination
//
// TerminateAll aborts outstanding descriptors without firing their
// completions. A packet already gathered onto the wire is not recalled;
// as with a hardware FIFO, termination discards posted work but cannot
// unsend bytes.
//
// # Example
//
//	tx, rx := loopback.NewPair("loop", 4)
//	defer tx.Release()
//	defer rx.Release()
//
//	txCh, _ := dma.NewChannel("loop_tx", dma.HostToDevice, tx)
//	rxCh, _ := dma.NewChannel("loop_rx", dma.DeviceToHost, rx)
package loopback
