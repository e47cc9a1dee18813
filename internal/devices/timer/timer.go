// Package timer models the SoC's prescaled general-purpose timers.
//
// Each timer owns a 0x20-byte register window. While enabled, the prescaler
// counts every cycle up to PRESCTH and then advances the counter; the counter
// wraps after reaching CNTRTH. The wrap is the timer tick: it pulses the
// timer's interrupt line. With the comparator enabled the compare output is
// high while the counter is below CMPV, and low while either is disabled.
package timer

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/nshcat/risc-v/internal/chipset"
	"github.com/nshcat/risc-v/internal/regfile"
)

// Register window layout.
const (
	BaseTimer1 uint32 = 0x40a0
	Stride     uint32 = 0x20
	WindowSize uint32 = 0x20

	regControl            = 0x00
	regPrescalerThreshold = 0x04
	regCounterThreshold   = 0x08
	regCompareValue       = 0x0c
	regPrescalerValue     = 0x10 // RO
	regCounterValue       = 0x14 // RO
	regCompareOutput      = 0x18 // RO
)

// Control register bits.
const (
	ControlEnable        uint32 = 1 << 0
	ControlCompareEnable uint32 = 1 << 1
)

// ErrZeroThreshold rejects a counter threshold of zero at configuration time.
var ErrZeroThreshold = errors.New("timer: counter threshold must be non-zero")

// Base returns the register window base of timer n (1-based).
func Base(n int) uint32 {
	return BaseTimer1 + Stride*uint32(n-1)
}

// Stats counts timer events.
type Stats struct {
	Ticks         uint64
	OutputToggles uint64
}

// Timer is one general-purpose timer.
type Timer struct {
	index int
	name  string
	base  uint32
	log   *slog.Logger
	rf    *regfile.File

	control   *regfile.Reg
	prescTh   *regfile.Reg
	counterTh *regfile.Reg
	compare   *regfile.Reg
	prescV    *regfile.Reg
	counterV  *regfile.Reg
	output    *regfile.Reg

	irq chipset.LineInterrupt
	out chipset.LineInterrupt

	stats Stats
}

// Option customises a Timer.
type Option func(*Timer)

// WithIRQLine connects the tick to an interrupt line.
func WithIRQLine(line chipset.LineInterrupt) Option {
	return func(t *Timer) {
		if line != nil {
			t.irq = line
		}
	}
}

// WithOutputLine routes the compare output to a line (usually a GPIO pin).
func WithOutputLine(line chipset.LineInterrupt) Option {
	return func(t *Timer) {
		if line != nil {
			t.out = line
		}
	}
}

// WithLogger overrides the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Timer) {
		if logger != nil {
			t.log = logger
		}
	}
}

// New defines the registers of timer n (1-based) in rf.
func New(rf *regfile.File, n int, opts ...Option) (*Timer, error) {
	if n < 1 {
		return nil, fmt.Errorf("timer: invalid index %d", n)
	}
	t := &Timer{
		index: n,
		name:  fmt.Sprintf("TIM%d", n),
		base:  Base(n),
		log:   slog.Default(),
		rf:    rf,
		irq:   chipset.LineInterruptDetached(),
		out:   chipset.LineInterruptDetached(),
	}
	for _, opt := range opts {
		opt(t)
	}

	fields := []struct {
		dst    **regfile.Reg
		suffix string
		offset uint32
		mode   regfile.Mode
		doc    string
	}{
		{&t.control, "CNTRL", regControl, regfile.ReadWrite, "bit0 enable, bit1 compare output enable"},
		{&t.prescTh, "PRESCTH", regPrescalerThreshold, regfile.ReadWrite, "prescaler threshold"},
		{&t.counterTh, "CNTRTH", regCounterThreshold, regfile.ReadWrite, "counter threshold"},
		{&t.compare, "CMPV", regCompareValue, regfile.ReadWrite, "comparator value"},
		{&t.prescV, "PRESCV", regPrescalerValue, regfile.ReadOnly, "prescaler value"},
		{&t.counterV, "CNTRV", regCounterValue, regfile.ReadOnly, "counter value"},
		{&t.output, "CMPO", regCompareOutput, regfile.ReadOnly, "compare output level"},
	}
	for _, f := range fields {
		reg, err := rf.Define(regfile.Field{
			Name: t.name + "_" + f.suffix,
			Addr: t.base + f.offset,
			Mode: f.mode,
			Doc:  f.doc,
		})
		if err != nil {
			return nil, fmt.Errorf("timer: %s: %w", t.name, err)
		}
		*f.dst = reg
	}
	return t, nil
}

// Name returns the register prefix, e.g. "TIM2".
func (t *Timer) Name() string { return t.name }

// Configure loads the thresholds and compare value. A zero counter threshold
// is rejected.
func (t *Timer) Configure(prescalerThreshold, counterThreshold, compareValue uint32) error {
	if counterThreshold == 0 {
		return fmt.Errorf("%w (%s)", ErrZeroThreshold, t.name)
	}
	t.prescTh.Store(prescalerThreshold)
	t.counterTh.Store(counterThreshold)
	t.compare.Store(compareValue)
	t.log.Debug("timer: configured", "timer", t.name,
		"prescaler", prescalerThreshold, "counter", counterThreshold, "compare", compareValue)
	return nil
}

// Enable starts the timer, optionally with the compare output.
func (t *Timer) Enable(compare bool) {
	ctrl := t.control.Load() | ControlEnable
	if compare {
		ctrl |= ControlCompareEnable
	} else {
		ctrl &^= ControlCompareEnable
	}
	t.control.Store(ctrl)
}

// Disable stops the timer. Counter values are retained.
func (t *Timer) Disable() {
	t.control.ClearBits(ControlEnable)
}

// Enabled reports whether the timer is counting.
func (t *Timer) Enabled() bool { return t.control.Load()&ControlEnable != 0 }

func (t *Timer) ReadCounter() uint32   { return t.counterV.Load() }
func (t *Timer) ReadPrescaler() uint32 { return t.prescV.Load() }

// CompareOutput returns the current compare output level.
func (t *Timer) CompareOutput() bool { return t.output.Load()&1 != 0 }

// Stats returns a copy of the event counters.
func (t *Timer) Stats() Stats { return t.stats }

// Tick advances the timer by one clock cycle. It never fails.
func (t *Timer) Tick() {
	if !t.Enabled() {
		t.updateOutput()
		return
	}
	if t.control.Load()&ControlCompareEnable == 0 {
		t.updateOutput()
	}

	if presc := t.prescV.Load(); presc < t.prescTh.Load() {
		t.prescV.Store(presc + 1)
		return
	}
	t.prescV.Store(0)

	wrapped := false
	if cnt := t.counterV.Load(); cnt < t.counterTh.Load() {
		t.counterV.Store(cnt + 1)
	} else {
		t.counterV.Store(0)
		wrapped = true
	}

	t.updateOutput()

	if wrapped {
		t.stats.Ticks++
		t.irq.PulseInterrupt()
	}
}

// updateOutput drives CMPO low whenever the timer or its comparator is off.
func (t *Timer) updateOutput() {
	const on = ControlEnable | ControlCompareEnable
	level := t.control.Load()&on == on && t.counterV.Load() < t.compare.Load()
	prev := t.CompareOutput()
	if level == prev {
		return
	}
	if level {
		t.output.Store(1)
	} else {
		t.output.Store(0)
	}
	t.stats.OutputToggles++
	t.out.SetLevel(level)
}

// Reset implements chipset.ChangeDeviceState.
func (t *Timer) Reset() error {
	for _, reg := range []*regfile.Reg{t.control, t.prescTh, t.counterTh, t.compare, t.prescV, t.counterV, t.output} {
		reg.Store(0)
	}
	t.stats = Stats{}
	t.out.SetLevel(false)
	return nil
}

// SupportsMmio implements chipset.ChipsetDevice. Accesses land in the shared
// register file.
func (t *Timer) SupportsMmio() *chipset.MmioIntercept {
	return &chipset.MmioIntercept{
		Regions: []chipset.MmioRegion{{Address: uint64(t.base), Size: uint64(WindowSize)}},
		Handler: t.rf,
	}
}

// SupportsClock implements chipset.ChipsetDevice.
func (t *Timer) SupportsClock() chipset.ClockedDevice { return t }

func (t *Timer) String() string {
	return fmt.Sprintf("%s(ctrl=%#x presc=%d/%d cnt=%d/%d cmp=%d out=%v)",
		t.name, t.control.Load(), t.prescV.Load(), t.prescTh.Load(),
		t.counterV.Load(), t.counterTh.Load(), t.compare.Load(), t.CompareOutput())
}

var (
	_ chipset.ChipsetDevice = (*Timer)(nil)
	_ chipset.ClockedDevice = (*Timer)(nil)
)
