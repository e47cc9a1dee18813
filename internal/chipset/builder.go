// Package chipset assembles peripheral devices into a single bus: it checks
// their register windows for overlap, dispatches MMIO accesses, and clocks
// devices in a fixed order.
package chipset

import (
	"fmt"
)

type mmioBinding struct {
	device  string
	region  MmioRegion
	handler MmioHandler
}

// ChipsetBuilder registers devices and their intercepts before creating a Chipset.
type ChipsetBuilder struct {
	devices map[string]ChipsetDevice
	mmio    []mmioBinding
	clocked []namedClock
}

type namedClock struct {
	name  string
	clock ClockedDevice
}

// NewBuilder returns an empty ChipsetBuilder instance.
func NewBuilder() *ChipsetBuilder {
	return &ChipsetBuilder{
		devices: make(map[string]ChipsetDevice),
	}
}

// RegisterDevice adds a chipset device and wires up its intercepts.
// Clocked devices tick in registration order.
func (b *ChipsetBuilder) RegisterDevice(name string, dev ChipsetDevice) error {
	if b == nil {
		return fmt.Errorf("chipset: nil builder")
	}
	if name == "" {
		return fmt.Errorf("chipset: device name is empty")
	}
	if dev == nil {
		return fmt.Errorf("chipset: device %q is nil", name)
	}
	if _, exists := b.devices[name]; exists {
		return fmt.Errorf("chipset: device %q already registered", name)
	}

	if intercept := dev.SupportsMmio(); intercept != nil {
		if intercept.Handler == nil {
			return fmt.Errorf("chipset: device %q provided MMIO regions with nil handler", name)
		}
		for _, region := range intercept.Regions {
			if err := b.withMmioRegion(name, region.Address, region.Size, intercept.Handler); err != nil {
				return fmt.Errorf("device %q: %w", name, err)
			}
		}
	}

	if clock := dev.SupportsClock(); clock != nil {
		b.clocked = append(b.clocked, namedClock{name: name, clock: clock})
	}

	b.devices[name] = dev
	return nil
}

// WithMmioRegion registers a memory-mapped region handler that does not
// belong to a device.
func (b *ChipsetBuilder) WithMmioRegion(base, size uint64, handler MmioHandler) error {
	return b.withMmioRegion("", base, size, handler)
}

func (b *ChipsetBuilder) withMmioRegion(device string, base, size uint64, handler MmioHandler) error {
	if handler == nil {
		return fmt.Errorf("chipset: MMIO handler for region 0x%x size 0x%x is nil", base, size)
	}
	if size == 0 {
		return fmt.Errorf("chipset: MMIO region at 0x%x has zero size", base)
	}
	if base+size < base {
		return fmt.Errorf("chipset: MMIO region at 0x%x with size 0x%x overflows", base, size)
	}
	for _, existing := range b.mmio {
		if regionsOverlap(base, size, existing.region.Address, existing.region.Size) {
			return fmt.Errorf(
				"chipset: MMIO region 0x%x-0x%x overlaps existing region 0x%x-0x%x (%s)",
				base, base+size-1, existing.region.Address, existing.region.Address+existing.region.Size-1, existing.device)
		}
	}

	b.mmio = append(b.mmio, mmioBinding{
		device: device,
		region: MmioRegion{
			Address: base,
			Size:    size,
		},
		handler: handler,
	})
	return nil
}

// Build finalizes the chipset layout and returns the constructed Chipset.
func (b *ChipsetBuilder) Build() (*Chipset, error) {
	if b == nil {
		return nil, fmt.Errorf("chipset: nil builder")
	}

	devices := make(map[string]ChipsetDevice, len(b.devices))
	for name, dev := range b.devices {
		devices[name] = dev
	}

	mmio := make([]mmioBinding, len(b.mmio))
	copy(mmio, b.mmio)

	clocked := make([]namedClock, len(b.clocked))
	copy(clocked, b.clocked)

	return &Chipset{
		devices: devices,
		mmio:    mmio,
		clocked: clocked,
	}, nil
}

func regionsOverlap(baseA, sizeA, baseB, sizeB uint64) bool {
	endA := baseA + sizeA
	endB := baseB + sizeB
	return baseA < endB && baseB < endA
}

// Chipset represents the built dispatch tables for chipset devices.
type Chipset struct {
	devices map[string]ChipsetDevice
	mmio    []mmioBinding
	clocked []namedClock
}
