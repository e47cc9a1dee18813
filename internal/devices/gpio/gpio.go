// Package gpio models the GPIO port and the LED status register.
package gpio

import (
	"errors"
	"fmt"

	"github.com/nshcat/risc-v/internal/chipset"
	"github.com/nshcat/risc-v/internal/regfile"
)

const (
	AddrDDR uint32 = 0x4034
	AddrOut uint32 = 0x4038
	AddrIn  uint32 = 0x403c
	AddrLED uint32 = 0x40f0

	DefaultPins = 16
	maxPins     = 32
)

var (
	// ErrNoSuchPin is returned for pins outside the port.
	ErrNoSuchPin = errors.New("gpio: no such pin")
	// ErrOutputPin is returned when an external level is driven onto a pin
	// configured as output.
	ErrOutputPin = errors.New("gpio: pin is configured as output")
)

// PinObserver is notified of input level changes (usually the EIC).
type PinObserver interface {
	ObservePinTransition(pin int, level bool)
}

// Port is the GPIO port.
type Port struct {
	rf *regfile.File

	ddr *regfile.Reg
	out *regfile.Reg
	in  *regfile.Reg
	led *regfile.Reg

	pins     int
	observer PinObserver

	// alternate function outputs (e.g. timer compare) override GPIO_OUT.
	altMask  uint32
	altLevel uint32
}

// Option customises a Port.
type Option func(*Port)

// WithPins sets the port width.
func WithPins(n int) Option {
	return func(p *Port) {
		if n > 0 && n <= maxPins {
			p.pins = n
		}
	}
}

// WithObserver forwards input transitions to obs.
func WithObserver(obs PinObserver) Option {
	return func(p *Port) {
		p.observer = obs
	}
}

// New defines the GPIO and LED registers in rf.
func New(rf *regfile.File, opts ...Option) (*Port, error) {
	p := &Port{rf: rf, pins: DefaultPins}
	for _, opt := range opts {
		opt(p)
	}

	fields := []struct {
		dst  **regfile.Reg
		name string
		addr uint32
		mode regfile.Mode
		doc  string
	}{
		{&p.ddr, "GPIO_DDR", AddrDDR, regfile.ReadWrite, "direction, 0 input 1 output"},
		{&p.out, "GPIO_OUT", AddrOut, regfile.ReadWrite, "output levels"},
		{&p.in, "GPIO_IN", AddrIn, regfile.ReadOnly, "input levels"},
		{&p.led, "LED_STATE", AddrLED, regfile.ReadWrite, "LED bank"},
	}
	for _, f := range fields {
		reg, err := rf.Define(regfile.Field{Name: f.name, Addr: f.addr, Mode: f.mode, Doc: f.doc})
		if err != nil {
			return nil, fmt.Errorf("gpio: %w", err)
		}
		*f.dst = reg
	}
	return p, nil
}

// Pins returns the port width.
func (p *Port) Pins() int { return p.pins }

func (p *Port) check(pin int) error {
	if pin < 0 || pin >= p.pins {
		return fmt.Errorf("%w %d", ErrNoSuchPin, pin)
	}
	return nil
}

// IsOutput reports whether pin is configured as output.
func (p *Port) IsOutput(pin int) bool {
	return pin >= 0 && pin < p.pins && p.ddr.Bit(uint(pin))
}

// SetInput drives an external level onto an input pin.
func (p *Port) SetInput(pin int, level bool) error {
	if err := p.check(pin); err != nil {
		return err
	}
	if p.IsOutput(pin) {
		return fmt.Errorf("%w: %d", ErrOutputPin, pin)
	}
	bit := uint32(1) << uint(pin)
	prev := p.in.Load()&bit != 0
	if level {
		p.in.SetBits(bit)
	} else {
		p.in.ClearBits(bit)
	}
	if prev != level && p.observer != nil {
		p.observer.ObservePinTransition(pin, level)
	}
	return nil
}

// Level returns what is seen on pin: the alternate function output if one
// is routed there, GPIO_OUT for outputs, GPIO_IN for inputs.
func (p *Port) Level(pin int) bool {
	if pin < 0 || pin >= p.pins {
		return false
	}
	bit := uint32(1) << uint(pin)
	switch {
	case p.altMask&bit != 0:
		return p.altLevel&bit != 0
	case p.IsOutput(pin):
		return p.out.Load()&bit != 0
	default:
		return p.in.Load()&bit != 0
	}
}

// AlternateLine returns a line that drives pin from a peripheral output.
func (p *Port) AlternateLine(pin int) (chipset.LineInterrupt, error) {
	if err := p.check(pin); err != nil {
		return nil, err
	}
	bit := uint32(1) << uint(pin)
	p.altMask |= bit
	return chipset.LineInterruptFromFunc(func(level bool) {
		if level {
			p.altLevel |= bit
		} else {
			p.altLevel &^= bit
		}
	}), nil
}

// LED returns the LED status register.
func (p *Port) LED() uint32 { return p.led.Load() }

// Reset implements chipset.ChangeDeviceState.
func (p *Port) Reset() error {
	for _, reg := range []*regfile.Reg{p.ddr, p.out, p.in, p.led} {
		reg.Store(0)
	}
	p.altLevel = 0
	return nil
}

// SupportsMmio implements chipset.ChipsetDevice.
func (p *Port) SupportsMmio() *chipset.MmioIntercept {
	return &chipset.MmioIntercept{
		Regions: []chipset.MmioRegion{
			{Address: uint64(AddrDDR), Size: 0xc},
			{Address: uint64(AddrLED), Size: 4},
		},
		Handler: p.rf,
	}
}

// SupportsClock implements chipset.ChipsetDevice.
func (p *Port) SupportsClock() chipset.ClockedDevice { return nil }

var _ chipset.ChipsetDevice = (*Port)(nil)
