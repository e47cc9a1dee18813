// Package eic models the external interrupt controller: per-pin edge
// detection with optional debouncing and a single active-event latch.
//
// An edge is recognised on a pin when it matches an enabled direction
// (EIC_FALLING/EIC_RISING) and the pin is in EIC_DETECT_MASK; recognition sets
// the pin's EIC_FLAGS bit. If the pin is also in EIC_EVENT_MASK the event
// latches into EIC_ACTIVE and raises an interrupt, but only while EIC_ACTIVE is
// zero. Firmware rearms the latch by writing zero to EIC_ACTIVE. Events that
// arrive while the latch is held are dropped: they are recorded in
// EIC_DROPPED and never delivered later.
package eic

import (
	"fmt"
	"log/slog"
	"math/bits"

	"github.com/nshcat/risc-v/internal/chipset"
	"github.com/nshcat/risc-v/internal/regfile"
)

const (
	Base       uint32 = 0x4010
	WindowSize uint32 = 0x20

	regEventMask  = 0x00
	regDetectMask = 0x04
	regFlags      = 0x08
	regActive     = 0x0c
	regFalling    = 0x10
	regRising     = 0x14
	regDebounce   = 0x18
	regDropped    = 0x1c // W1C

	// MaxPins is the width of every EIC mask register.
	MaxPins = 32

	DefaultDebounceCycles = 16
)

// Edge is a transition direction.
type Edge int

const (
	Falling Edge = iota
	Rising
)

func (e Edge) String() string {
	if e == Rising {
		return "rising"
	}
	return "falling"
}

// Drop describes an event discarded because the active latch was held.
type Drop struct {
	Pin    int
	Edge   Edge
	Active uint32
}

// Stats counts EIC activity.
type Stats struct {
	Edges   uint64 // recognised transitions on any pin
	Flagged uint64 // transitions that set a pending flag
	Latched uint64 // events that latched EIC_ACTIVE and raised an interrupt
	Dropped uint64
	Bounced uint64 // transitions abandoned before the debounce window elapsed
}

type channel struct {
	level   bool   // recognised level
	sampled bool   // last observed raw level
	stable  uint32 // cycles the raw level has differed from level
}

// EIC is the external interrupt controller.
type EIC struct {
	log *slog.Logger
	rf  *regfile.File

	eventMask  *regfile.Reg
	detectMask *regfile.Reg
	flags      *regfile.Reg
	active     *regfile.Reg
	falling    *regfile.Reg
	rising     *regfile.Reg
	debounce   *regfile.Reg
	dropped    *regfile.Reg

	pins           int
	debounceCycles uint32
	channels       [MaxPins]channel

	irq      chipset.LineInterrupt
	routed   bool // irq is connected
	pinLines map[int]chipset.LineInterrupt
	onDrop   func(Drop)

	stats Stats
}

// Option customises an EIC.
type Option func(*EIC)

// WithIRQLine sets the aggregate EIC interrupt line.
func WithIRQLine(line chipset.LineInterrupt) Option {
	return func(e *EIC) {
		if line != nil {
			e.irq = line
			e.routed = true
		}
	}
}

// WithPinLine routes events of one pin to a dedicated interrupt line instead
// of the aggregate line.
func WithPinLine(pin int, line chipset.LineInterrupt) Option {
	return func(e *EIC) {
		if line != nil {
			e.pinLines[pin] = line
		}
	}
}

// WithPins sets how many pins are wired to the EIC.
func WithPins(n int) Option {
	return func(e *EIC) {
		if n > 0 && n <= MaxPins {
			e.pins = n
		}
	}
}

// WithDebounceCycles sets how long a new level must be held before a
// debounced pin recognises the edge.
func WithDebounceCycles(cycles uint32) Option {
	return func(e *EIC) {
		e.debounceCycles = cycles
	}
}

// WithDropHandler installs a callback for dropped events.
func WithDropHandler(fn func(Drop)) Option {
	return func(e *EIC) {
		e.onDrop = fn
	}
}

// WithLogger overrides the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *EIC) {
		if logger != nil {
			e.log = logger
		}
	}
}

// New defines the EIC registers in rf.
func New(rf *regfile.File, opts ...Option) (*EIC, error) {
	e := &EIC{
		log:            slog.Default(),
		rf:             rf,
		pins:           MaxPins,
		debounceCycles: DefaultDebounceCycles,
		irq:            chipset.LineInterruptDetached(),
		pinLines:       make(map[int]chipset.LineInterrupt),
	}
	for _, opt := range opts {
		opt(e)
	}

	fields := []struct {
		dst    **regfile.Reg
		name   string
		offset uint32
		mode   regfile.Mode
		doc    string
	}{
		{&e.eventMask, "EIC_EVENT_MASK", regEventMask, regfile.ReadWrite, "pins that raise an interrupt"},
		{&e.detectMask, "EIC_DETECT_MASK", regDetectMask, regfile.ReadWrite, "pins with edge detection"},
		{&e.flags, "EIC_FLAGS", regFlags, regfile.ReadWrite, "pending event flags"},
		{&e.active, "EIC_ACTIVE", regActive, regfile.ReadWrite, "latched pin, write 0 to rearm"},
		{&e.falling, "EIC_FALLING", regFalling, regfile.ReadWrite, "falling edge enables"},
		{&e.rising, "EIC_RISING", regRising, regfile.ReadWrite, "rising edge enables"},
		{&e.debounce, "EIC_DEBOUNCE", regDebounce, regfile.ReadWrite, "debounce enables"},
		{&e.dropped, "EIC_DROPPED", regDropped, regfile.WriteOneToClear, "pins with dropped events"},
	}
	for _, f := range fields {
		reg, err := rf.Define(regfile.Field{Name: f.name, Addr: Base + f.offset, Mode: f.mode, Doc: f.doc})
		if err != nil {
			return nil, fmt.Errorf("eic: %w", err)
		}
		*f.dst = reg
	}
	return e, nil
}

// ObservePinTransition feeds a raw level change on pin. Non-debounced pins
// recognise the edge immediately; debounced pins wait for Tick to confirm
// the level has been stable for the debounce window.
func (e *EIC) ObservePinTransition(pin int, level bool) {
	if pin < 0 || pin >= e.pins {
		return
	}
	ch := &e.channels[pin]
	if ch.sampled == level {
		return
	}
	ch.sampled = level
	if ch.stable != 0 {
		e.stats.Bounced++
	}
	ch.stable = 0

	if !e.debounced(pin) {
		e.recognize(pin, level)
	}
}

// Tick advances the debounce counters by one cycle.
func (e *EIC) Tick() {
	for pin := 0; pin < e.pins; pin++ {
		ch := &e.channels[pin]
		if ch.sampled == ch.level {
			ch.stable = 0
			continue
		}
		if !e.debounced(pin) {
			ch.stable = 0
			e.recognize(pin, ch.sampled)
			continue
		}
		ch.stable++
		if ch.stable >= e.debounceCycles {
			ch.stable = 0
			e.recognize(pin, ch.sampled)
		}
	}
}

func (e *EIC) debounced(pin int) bool {
	return e.debounceCycles > 0 && e.debounce.Bit(uint(pin))
}

func (e *EIC) recognize(pin int, level bool) {
	ch := &e.channels[pin]
	ch.level = level
	e.stats.Edges++

	bit := uint32(1) << uint(pin)
	edge := Falling
	enables := e.falling
	if level {
		edge = Rising
		enables = e.rising
	}
	if e.detectMask.Load()&bit == 0 || enables.Load()&bit == 0 {
		return
	}

	e.flags.SetBits(bit)
	e.stats.Flagged++

	if e.eventMask.Load()&bit == 0 {
		return
	}

	// A pin with no interrupt line keeps its flag but never takes the latch.
	line, ok := e.lineFor(pin)
	if !ok {
		e.log.Debug("eic: no interrupt line for pin", "pin", pin, "edge", edge.String())
		return
	}

	if held := e.active.Load(); held != 0 {
		e.dropped.SetBits(bit)
		e.stats.Dropped++
		e.log.Debug("eic: event dropped, latch not rearmed",
			"pin", pin, "edge", edge.String(), "active", fmt.Sprintf("%#x", held))
		if e.onDrop != nil {
			e.onDrop(Drop{Pin: pin, Edge: edge, Active: held})
		}
		return
	}

	e.active.Store(bit)
	e.stats.Latched++
	line.PulseInterrupt()
}

func (e *EIC) lineFor(pin int) (chipset.LineInterrupt, bool) {
	if line, ok := e.pinLines[pin]; ok {
		return line, true
	}
	return e.irq, e.routed
}

// Active returns the latched pin, if any.
func (e *EIC) Active() (int, bool) {
	v := e.active.Load()
	if v == 0 {
		return 0, false
	}
	return bits.TrailingZeros32(v), true
}

// Pending reports whether pin has its EIC_FLAGS bit set.
func (e *EIC) Pending(pin int) bool {
	return pin >= 0 && pin < MaxPins && e.flags.Bit(uint(pin))
}

// Level returns the recognised level of pin.
func (e *EIC) Level(pin int) bool {
	return pin >= 0 && pin < e.pins && e.channels[pin].level
}

// Stats returns a copy of the event counters.
func (e *EIC) Stats() Stats { return e.stats }

// Reset implements chipset.ChangeDeviceState.
func (e *EIC) Reset() error {
	for _, reg := range []*regfile.Reg{e.eventMask, e.detectMask, e.flags, e.active, e.falling, e.rising, e.debounce, e.dropped} {
		reg.Store(0)
	}
	e.channels = [MaxPins]channel{}
	e.stats = Stats{}
	return nil
}

// SupportsMmio implements chipset.ChipsetDevice.
func (e *EIC) SupportsMmio() *chipset.MmioIntercept {
	return &chipset.MmioIntercept{
		Regions: []chipset.MmioRegion{{Address: uint64(Base), Size: uint64(WindowSize)}},
		Handler: e.rf,
	}
}

// SupportsClock implements chipset.ChipsetDevice.
func (e *EIC) SupportsClock() chipset.ClockedDevice { return e }

var (
	_ chipset.ChipsetDevice = (*EIC)(nil)
	_ chipset.ClockedDevice = (*EIC)(nil)
)
