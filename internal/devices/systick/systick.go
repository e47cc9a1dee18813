// Package systick models the free-running millisecond tick register.
package systick

import (
	"fmt"

	"github.com/nshcat/risc-v/internal/chipset"
	"github.com/nshcat/risc-v/internal/regfile"
)

// Addr is the SYSTICK register.
const Addr uint32 = 0x4030

// SysTick counts milliseconds of simulated time.
type SysTick struct {
	rf  *regfile.File
	reg *regfile.Reg

	cyclesPerMs uint64
	cycles      uint64
}

// New defines SYSTICK in rf. clockHz is the core clock; the register
// advances every clockHz/1000 cycles.
func New(rf *regfile.File, clockHz uint64) (*SysTick, error) {
	if clockHz < 1000 {
		return nil, fmt.Errorf("systick: clock %d Hz is below 1 kHz", clockHz)
	}
	reg, err := rf.Define(regfile.Field{Name: "SYSTICK", Addr: Addr, Mode: regfile.ReadOnly, Doc: "milliseconds since reset"})
	if err != nil {
		return nil, fmt.Errorf("systick: %w", err)
	}
	return &SysTick{rf: rf, reg: reg, cyclesPerMs: clockHz / 1000}, nil
}

// CyclesPerMillisecond returns the tick period in cycles.
func (s *SysTick) CyclesPerMillisecond() uint64 { return s.cyclesPerMs }

// Millis returns the register value.
func (s *SysTick) Millis() uint32 { return s.reg.Load() }

// Tick implements chipset.ClockedDevice.
func (s *SysTick) Tick() {
	s.cycles++
	if s.cycles == s.cyclesPerMs {
		s.cycles = 0
		s.reg.Store(s.reg.Load() + 1)
	}
}

// Reset implements chipset.ChangeDeviceState.
func (s *SysTick) Reset() error {
	s.cycles = 0
	s.reg.Store(0)
	return nil
}

// SupportsMmio implements chipset.ChipsetDevice.
func (s *SysTick) SupportsMmio() *chipset.MmioIntercept {
	return &chipset.MmioIntercept{
		Regions: []chipset.MmioRegion{{Address: uint64(Addr), Size: 4}},
		Handler: s.rf,
	}
}

// SupportsClock implements chipset.ChipsetDevice.
func (s *SysTick) SupportsClock() chipset.ClockedDevice { return s }

var (
	_ chipset.ChipsetDevice = (*SysTick)(nil)
	_ chipset.ClockedDevice = (*SysTick)(nil)
)
