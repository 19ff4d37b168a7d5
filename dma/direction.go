package dma

import "github.com/ardnew/softdma/dma/hal"

// Direction is a channel's configured transfer direction, fixed at
// creation.
type Direction uint8

// Channel transfer directions.
const (
	DirectionUnknown Direction = iota // Not configured
	HostToDevice                      // Writes stream host memory into the device (TX)
	DeviceToHost                      // Reads stream the device into host memory (RX)
)

// String returns a human-readable direction name.
func (d Direction) String() string {
	switch d {
	case HostToDevice:
		return "host-to-device"
	case DeviceToHost:
		return "device-to-host"
	default:
		return "unknown"
	}
}

// Valid returns true for a configured direction.
func (d Direction) Valid() bool {
	return d == HostToDevice || d == DeviceToHost
}

// ParseDirection parses a configuration direction value. Accepted forms
// follow the channel enumeration surface: "tx"/"host-to-device" and
// "rx"/"device-to-host".
func ParseDirection(s string) Direction {
	switch s {
	case "tx", "host-to-device":
		return HostToDevice
	case "rx", "device-to-host":
		return DeviceToHost
	default:
		return DirectionUnknown
	}
}

// halDirection converts a channel direction to the engine's view.
func halDirection(d Direction) hal.Direction {
	switch d {
	case HostToDevice:
		return hal.MemToDev
	case DeviceToHost:
		return hal.DevToMem
	default:
		return hal.DirUnknown
	}
}
