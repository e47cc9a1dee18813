package chipset

import (
	"fmt"
	"sort"
)

// Reset resets all registered devices in name order.
func (c *Chipset) Reset() error {
	for _, name := range c.deviceNames() {
		if err := c.devices[name].Reset(); err != nil {
			return fmt.Errorf("chipset: reset device %q: %w", name, err)
		}
	}
	return nil
}

// Tick advances every clocked device by one cycle, in registration order.
func (c *Chipset) Tick() {
	for _, entry := range c.clocked {
		entry.clock.Tick()
	}
}

// Device returns a registered device by name.
func (c *Chipset) Device(name string) (ChipsetDevice, bool) {
	dev, ok := c.devices[name]
	return dev, ok
}

// Region describes one registered MMIO window.
type Region struct {
	Device string
	MmioRegion
}

// Regions lists the registered MMIO windows ordered by address.
func (c *Chipset) Regions() []Region {
	regions := make([]Region, 0, len(c.mmio))
	for _, binding := range c.mmio {
		regions = append(regions, Region{Device: binding.device, MmioRegion: binding.region})
	}
	sort.Slice(regions, func(i, j int) bool { return regions[i].Address < regions[j].Address })
	return regions
}

// HandleMMIO dispatches an MMIO access to the registered device.
func (c *Chipset) HandleMMIO(addr uint64, data []byte, isWrite bool) error {
	accessEnd := addr + uint64(len(data))
	if accessEnd < addr {
		return fmt.Errorf("chipset: MMIO access overflow at 0x%08x", addr)
	}

	for _, binding := range c.mmio {
		start := binding.region.Address
		end := start + binding.region.Size
		if addr >= start && accessEnd <= end {
			if isWrite {
				return binding.handler.WriteMMIO(addr, data)
			}
			return binding.handler.ReadMMIO(addr, data)
		}
	}

	return fmt.Errorf("chipset: no handler for MMIO address 0x%08x", addr)
}

func (c *Chipset) deviceNames() []string {
	names := make([]string, 0, len(c.devices))
	for name := range c.devices {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
