// Package soc assembles the interrupt subsystem of one board and steps it
// cycle by cycle.
//
// A cycle first ticks every clocked peripheral (timers, EIC debounce,
// SYSTICK) in registration order and then lets the core evaluate and vector
// at most one interrupt. The same board and the same stimulus always produce
// the same trace.
package soc

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/nshcat/risc-v/internal/chipset"
	"github.com/nshcat/risc-v/internal/config"
	"github.com/nshcat/risc-v/internal/core"
	"github.com/nshcat/risc-v/internal/devices/eic"
	"github.com/nshcat/risc-v/internal/devices/gpio"
	"github.com/nshcat/risc-v/internal/devices/irq"
	"github.com/nshcat/risc-v/internal/devices/systick"
	"github.com/nshcat/risc-v/internal/devices/timer"
	"github.com/nshcat/risc-v/internal/probe"
	"github.com/nshcat/risc-v/internal/regfile"
)

// SoC is one simulated board.
type SoC struct {
	mu  sync.Mutex
	log *slog.Logger

	board   config.Board
	rf      *regfile.File
	chipset *chipset.Chipset

	ctrl    *irq.Controller
	vectors *irq.AddressRegisters
	timers  []*timer.Timer
	eic     *eic.EIC
	gpio    *gpio.Port
	systick *systick.SysTick
	core    *core.Core

	cycle  uint64
	trace  []Event
	probes []*probe.Probe
}

// Option customises a SoC.
type Option func(*SoC)

// WithLogger routes all component logs to logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *SoC) {
		if logger != nil {
			s.log = logger
		}
	}
}

// New builds a board.
func New(board config.Board, opts ...Option) (*SoC, error) {
	if err := board.Validate(); err != nil {
		return nil, err
	}
	s := &SoC{log: slog.Default(), board: board}
	for _, opt := range opts {
		opt(s)
	}
	s.rf = regfile.New(regfile.WithLogger(s.log))

	sources := make([]irq.Source, len(board.Sources))
	for i, src := range board.Sources {
		sources[i] = irq.Source{Name: src.Name, Bit: uint(i)}
	}

	var vectors irq.VectorSource
	switch board.Vectoring {
	case config.AddressRegisters:
		regs, err := irq.NewAddressRegisters(s.rf, sources)
		if err != nil {
			return nil, err
		}
		s.vectors = regs
		vectors = regs
	default:
		table := make(irq.FixedTable, len(board.VectorTable))
		for i, w := range board.VectorTable {
			table[i] = uint32(w)
		}
		vectors = table
	}

	policy := irq.ClearByFirmware
	if board.ClearPolicy == config.ClearOnEntry {
		policy = irq.ClearOnEntry
	}
	ctrl, err := irq.New(s.rf, sources, vectors,
		irq.WithClearPolicy(policy),
		irq.WithLogger(s.log),
		irq.WithUnvectoredHandler(func(src irq.Source) {
			s.record(Event{Kind: EventNoVector, Source: src.Name, Pin: -1})
		}),
	)
	if err != nil {
		return nil, err
	}
	s.ctrl = ctrl

	eicOpts := []eic.Option{
		eic.WithPins(board.GPIOPins),
		eic.WithDebounceCycles(board.DebounceCycles),
		eic.WithLogger(s.log),
		eic.WithDropHandler(func(d eic.Drop) {
			s.record(Event{Kind: EventDrop, Pin: d.Pin, Detail: fmt.Sprintf("%s edge, active=%#b", d.Edge, d.Active)})
		}),
	}
	timerLines := make(map[int]chipset.LineInterrupt)
	for i, src := range board.Sources {
		switch src.Kind {
		case config.SourceTimer:
			timerLines[src.Unit] = ctrl.Line(i)
		case config.SourceEIC:
			eicOpts = append(eicOpts, eic.WithIRQLine(ctrl.Line(i)))
		case config.SourceEICPin:
			eicOpts = append(eicOpts, eic.WithPinLine(src.Unit, ctrl.Line(i)))
		}
	}
	if s.eic, err = eic.New(s.rf, eicOpts...); err != nil {
		return nil, err
	}
	if s.gpio, err = gpio.New(s.rf, gpio.WithPins(board.GPIOPins), gpio.WithObserver(s.eic)); err != nil {
		return nil, err
	}

	pwm := make(map[int]int)
	for _, route := range board.PWM {
		pwm[route.Timer] = route.Pin
	}
	for n := 1; n <= board.Timers; n++ {
		opts := []timer.Option{timer.WithLogger(s.log)}
		if line, ok := timerLines[n]; ok {
			opts = append(opts, timer.WithIRQLine(line))
		}
		if pin, ok := pwm[n]; ok {
			line, err := s.gpio.AlternateLine(pin)
			if err != nil {
				return nil, err
			}
			opts = append(opts, timer.WithOutputLine(line))
		}
		tim, err := timer.New(s.rf, n, opts...)
		if err != nil {
			return nil, err
		}
		s.timers = append(s.timers, tim)
	}
	if s.systick, err = systick.New(s.rf, board.ClockHz); err != nil {
		return nil, err
	}

	builder := chipset.NewBuilder()
	for _, tim := range s.timers {
		if err := builder.RegisterDevice(strings.ToLower(tim.Name()), tim); err != nil {
			return nil, fmt.Errorf("soc: %w", err)
		}
	}
	for _, dev := range []struct {
		name string
		dev  chipset.ChipsetDevice
	}{
		{"eic", s.eic},
		{"systick", s.systick},
		{"gpio", s.gpio},
		{"irq", s.ctrl},
	} {
		if err := builder.RegisterDevice(dev.name, dev.dev); err != nil {
			return nil, fmt.Errorf("soc: %w", err)
		}
	}
	if s.chipset, err = builder.Build(); err != nil {
		return nil, fmt.Errorf("soc: %w", err)
	}

	s.core = core.New(busAdapter{s.chipset}, ctrl,
		core.WithProgramSize(uint32(board.ProgramSize)),
		core.WithLogger(s.log),
		core.WithObserver(s.observe),
	)
	return s, nil
}

// busAdapter gives the core word access through the chipset MMIO dispatch.
type busAdapter struct {
	cs *chipset.Chipset
}

func (b busAdapter) Read(addr uint32) (uint32, error) {
	var buf [4]byte
	if err := b.cs.HandleMMIO(uint64(addr), buf[:], false); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

func (b busAdapter) Write(addr uint32, value uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], value)
	return b.cs.HandleMMIO(uint64(addr), buf[:], true)
}

func (s *SoC) observe(ev core.Event) {
	out := Event{Source: ev.Source, Addr: ev.Addr, Pin: -1}
	switch ev.Kind {
	case core.EventVector:
		out.Kind = EventVector
	case core.EventDefaultHandler:
		out.Kind = EventDefaultHandler
	case core.EventReti:
		out.Kind = EventReti
	case core.EventFault:
		out.Kind = EventFault
		if ev.Fault != nil {
			out.Detail = ev.Fault.Kind.String()
		}
	}
	s.record(out)
}

func (s *SoC) record(ev Event) {
	ev.Cycle = s.cycle
	s.trace = append(s.trace, ev)
}

// Step advances one cycle. It returns the fault once the core has halted;
// a halted board no longer ticks.
func (s *SoC) Step() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.step()
}

func (s *SoC) step() error {
	if f := s.core.Fault(); f != nil {
		return f
	}
	s.cycle++
	s.chipset.Tick()
	err := s.core.Evaluate()
	for _, p := range s.probes {
		p.Sample()
	}
	return err
}

// Run advances n cycles, stopping early on a fault or when ctx is done.
func (s *SoC) Run(ctx context.Context, n uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := uint64(0); i < n; i++ {
		if i%4096 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		if err := s.step(); err != nil {
			return err
		}
	}
	return nil
}

// SetPin drives an external level onto an input pin.
func (s *SoC) SetPin(pin int, level bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gpio.SetInput(pin, level)
}

// Pin returns the level seen on a pin.
func (s *SoC) Pin(pin int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gpio.Level(pin)
}

// Read is a main-program load.
func (s *SoC) Read(addr uint32) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return busAdapter{s.chipset}.Read(addr)
}

// Write is a main-program store.
func (s *SoC) Write(addr uint32, value uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return busAdapter{s.chipset}.Write(addr, value)
}

// Resolve turns a register name or a numeric address into an address.
func (s *SoC) Resolve(ref string) (uint32, error) {
	for _, name := range []string{ref, strings.ToUpper(ref)} {
		if reg, ok := s.rf.Lookup(name); ok {
			return reg.Addr(), nil
		}
	}
	v, err := strconv.ParseUint(ref, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("soc: unknown register %q", ref)
	}
	return uint32(v), nil
}

// ReadReg loads a register by name.
func (s *SoC) ReadReg(name string) (uint32, error) {
	addr, err := s.Resolve(name)
	if err != nil {
		return 0, err
	}
	return s.Read(addr)
}

// WriteReg stores a register by name.
func (s *SoC) WriteReg(name string, value uint32) error {
	addr, err := s.Resolve(name)
	if err != nil {
		return err
	}
	return s.Write(addr, value)
}

// Install places a handler routine in program memory.
func (s *SoC) Install(addr uint32, h core.Handler) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.core.Install(addr, h)
}

// Reti issues a return-from-interrupt from the main program.
func (s *SoC) Reti() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.core.Reti()
}

// Probe attaches a probe to a signal: "pin<N>" or "tim<N>.cmpo".
func (s *SoC) Probe(signal string) (*probe.Probe, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn, err := s.signal(signal)
	if err != nil {
		return nil, err
	}
	p := probe.New(signal, fn)
	s.probes = append(s.probes, p)
	return p, nil
}

func (s *SoC) signal(name string) (probe.Signal, error) {
	name = strings.ToLower(name)
	if rest, ok := strings.CutPrefix(name, "pin"); ok {
		pin, err := strconv.Atoi(rest)
		if err != nil || pin < 0 || pin >= s.gpio.Pins() {
			return nil, fmt.Errorf("soc: unknown signal %q", name)
		}
		return func() bool { return s.gpio.Level(pin) }, nil
	}
	if rest, ok := strings.CutSuffix(name, ".cmpo"); ok {
		n, err := strconv.Atoi(strings.TrimPrefix(rest, "tim"))
		if err != nil || n < 1 || n > len(s.timers) {
			return nil, fmt.Errorf("soc: unknown signal %q", name)
		}
		tim := s.timers[n-1]
		return tim.CompareOutput, nil
	}
	return nil, fmt.Errorf("soc: unknown signal %q", name)
}

// Reset returns every peripheral and the core to power-on state. Installed
// routines and attached probes stay.
func (s *SoC) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.chipset.Reset(); err != nil {
		return err
	}
	s.core.Reset()
	s.cycle = 0
	s.trace = nil
	for _, p := range s.probes {
		p.Reset()
	}
	return nil
}

func (s *SoC) Board() config.Board            { return s.board }
func (s *SoC) Registers() *regfile.File       { return s.rf }
func (s *SoC) Chipset() *chipset.Chipset      { return s.chipset }
func (s *SoC) Controller() *irq.Controller    { return s.ctrl }
func (s *SoC) EIC() *eic.EIC                  { return s.eic }
func (s *SoC) GPIO() *gpio.Port               { return s.gpio }
func (s *SoC) SysTick() *systick.SysTick      { return s.systick }
func (s *SoC) Core() *core.Core               { return s.core }
func (s *SoC) Vectors() *irq.AddressRegisters { return s.vectors }

// Timer returns timer n (1-based).
func (s *SoC) Timer(n int) (*timer.Timer, bool) {
	if n < 1 || n > len(s.timers) {
		return nil, false
	}
	return s.timers[n-1], true
}

// Cycle returns the number of cycles stepped since reset.
func (s *SoC) Cycle() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cycle
}

// Fault returns the fault that halted the core, or nil.
func (s *SoC) Fault() *core.Fault {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.core.Fault()
}

// Entries returns how often the named source was vectored.
func (s *SoC) Entries(source string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.core.Entries(source)
}

// Trace returns a copy of the recorded events.
func (s *SoC) Trace() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.trace...)
}
