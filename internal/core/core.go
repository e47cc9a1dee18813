// Package core runs the firmware side of the interrupt dispatch protocol.
//
// The core has no instruction pipeline. Firmware handlers are Go functions
// installed at program addresses, the main program is a program counter that
// advances one word per idle cycle, and vectoring, servicing and the
// return-from-interrupt transition happen inside a single Evaluate call:
//
//	Idle -> Servicing(source) -> Returning -> Idle
//
// Any protocol violation is a hard fault that halts the core.
package core

import (
	"fmt"
	"log/slog"

	"github.com/nshcat/risc-v/internal/devices/irq"
)

// DefaultProgramSize is the size of program memory in bytes.
const DefaultProgramSize uint32 = 0x4000

// State is the dispatch state.
type State int

const (
	Idle State = iota
	Servicing
	Returning
	Halted
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Servicing:
		return "servicing"
	case Returning:
		return "returning"
	case Halted:
		return "halted"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Bus is the firmware view of the peripheral registers.
type Bus interface {
	Read(addr uint32) (uint32, error)
	Write(addr uint32, value uint32) error
}

// Controller is the part of the interrupt controller the core drives.
type Controller interface {
	Select() (irq.Selection, bool)
	Enter(sel irq.Selection)
	Complete()
	ClearFlag(index int)
}

// Handler is a firmware interrupt routine. It must end with ctx.Reti().
type Handler func(ctx *Context) error

// EventKind classifies dispatch events.
type EventKind int

const (
	EventVector EventKind = iota
	EventDefaultHandler
	EventReti
	EventFault
)

func (k EventKind) String() string {
	switch k {
	case EventVector:
		return "vector"
	case EventDefaultHandler:
		return "default-handler"
	case EventReti:
		return "reti"
	case EventFault:
		return "fault"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is reported to the observer for every dispatch transition.
type Event struct {
	Kind   EventKind
	Cycle  uint64
	Source string
	Addr   uint32
	PC     uint32
	Fault  *Fault
}

// Core is the dispatch state machine.
type Core struct {
	log  *slog.Logger
	bus  Bus
	ctrl Controller

	programSize uint32
	handlers    map[uint32]Handler
	observer    func(Event)

	state   State
	pc      uint32
	savedPC uint32
	cycle   uint64
	current irq.Selection
	fault   *Fault

	entries map[string]uint64
}

// Option customises a Core.
type Option func(*Core)

// WithProgramSize sets the program memory size used to validate vectors.
func WithProgramSize(size uint32) Option {
	return func(c *Core) {
		if size != 0 {
			c.programSize = size
		}
	}
}

// WithObserver receives every dispatch event.
func WithObserver(fn func(Event)) Option {
	return func(c *Core) {
		c.observer = fn
	}
}

// WithLogger overrides the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Core) {
		if logger != nil {
			c.log = logger
		}
	}
}

// New returns an idle core.
func New(bus Bus, ctrl Controller, opts ...Option) *Core {
	c := &Core{
		log:         slog.Default(),
		bus:         bus,
		ctrl:        ctrl,
		programSize: DefaultProgramSize,
		handlers:    make(map[uint32]Handler),
		entries:     make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Install places a handler routine at addr.
func (c *Core) Install(addr uint32, h Handler) error {
	if h == nil {
		return fmt.Errorf("core: nil handler at %#x", addr)
	}
	if err := c.checkAddr(addr); err != nil {
		return err
	}
	c.handlers[addr] = h
	return nil
}

func (c *Core) checkAddr(addr uint32) error {
	if addr%4 != 0 {
		return fmt.Errorf("core: handler address %#x is not word aligned", addr)
	}
	if addr >= c.programSize {
		return fmt.Errorf("core: handler address %#x outside program memory (%#x bytes)", addr, c.programSize)
	}
	return nil
}

func (c *Core) State() State        { return c.state }
func (c *Core) PC() uint32          { return c.pc }
func (c *Core) Cycle() uint64       { return c.cycle }
func (c *Core) ProgramSize() uint32 { return c.programSize }

// Fault returns the fault that halted the core, or nil.
func (c *Core) Fault() *Fault { return c.fault }

// Entries returns how many times the named source's handler was entered.
func (c *Core) Entries(source string) uint64 { return c.entries[source] }

// Evaluate runs one dispatch cycle: if idle, vector at most one interrupt
// and run its handler to completion, otherwise advance the main program.
func (c *Core) Evaluate() error {
	if c.state == Halted {
		return c.fault
	}
	c.cycle++

	sel, ok := c.ctrl.Select()
	if !ok {
		c.pc = (c.pc + 4) % c.programSize
		return nil
	}

	switch sel.Target.Kind {
	case irq.TargetDefault:
		c.ctrl.Enter(sel)
		c.ctrl.ClearFlag(sel.Index)
		c.ctrl.Complete()
		c.entries[sel.Source.Name]++
		c.emit(Event{Kind: EventDefaultHandler, Source: sel.Source.Name})
		return nil
	case irq.TargetHandler:
		return c.vector(sel)
	default:
		c.pc = (c.pc + 4) % c.programSize
		return nil
	}
}

func (c *Core) vector(sel irq.Selection) error {
	addr := sel.Target.Addr
	if err := c.checkAddr(addr); err != nil {
		return c.raise(FaultInvalidVector, sel, err)
	}
	h, ok := c.handlers[addr]
	if !ok {
		return c.raise(FaultInvalidVector, sel, fmt.Errorf("core: no routine at %#x", addr))
	}

	c.ctrl.Enter(sel)
	c.current = sel
	c.savedPC = c.pc
	c.pc = addr
	c.state = Servicing
	c.entries[sel.Source.Name]++
	c.log.Debug("core: vector", "source", sel.Source.Name, "addr", fmt.Sprintf("%#x", addr), "cycle", c.cycle)
	c.emit(Event{Kind: EventVector, Source: sel.Source.Name, Addr: addr})

	ctx := &Context{core: c, sel: sel}
	if err := h(ctx); err != nil {
		if c.state == Halted {
			return c.fault
		}
		return c.raise(FaultBus, sel, err)
	}

	switch c.state {
	case Halted:
		return c.fault
	case Servicing:
		return c.raise(FaultMissingReti, sel, nil)
	}

	c.pc = c.savedPC
	c.ctrl.Complete()
	c.state = Idle
	c.current = irq.Selection{}
	c.emit(Event{Kind: EventReti, Source: sel.Source.Name, Addr: addr})
	return nil
}

// Reti issues a return-from-interrupt from the main program. It is always
// a protocol violation there: handlers return through their Context.
func (c *Core) Reti() error {
	if c.state == Halted {
		return c.fault
	}
	return c.reti()
}

func (c *Core) reti() error {
	if c.state != Servicing {
		return c.raise(FaultRetiOutsideHandler, c.current, fmt.Errorf("core: reti in state %s", c.state))
	}
	c.state = Returning
	return nil
}

func (c *Core) raise(kind FaultKind, sel irq.Selection, err error) *Fault {
	f := &Fault{
		Kind:   kind,
		Cycle:  c.cycle,
		PC:     c.pc,
		Addr:   sel.Target.Addr,
		Source: sel.Source.Name,
		Err:    err,
	}
	c.fault = f
	c.state = Halted
	c.log.Warn("core: hard fault", "kind", kind.String(), "cycle", c.cycle,
		"pc", fmt.Sprintf("%#x", c.pc), "source", sel.Source.Name)
	c.emit(Event{Kind: EventFault, Source: sel.Source.Name, Addr: sel.Target.Addr, Fault: f})
	return f
}

func (c *Core) emit(ev Event) {
	if c.observer == nil {
		return
	}
	ev.Cycle = c.cycle
	ev.PC = c.pc
	c.observer(ev)
}

// Reset returns the core to Idle at pc 0. Installed routines survive reset
// the way program memory does.
func (c *Core) Reset() {
	c.state = Idle
	c.pc = 0
	c.savedPC = 0
	c.cycle = 0
	c.current = irq.Selection{}
	c.fault = nil
	c.entries = make(map[string]uint64)
}

// Context is what a running handler sees.
type Context struct {
	core *Core
	sel  irq.Selection
}

// Source returns the source being serviced.
func (ctx *Context) Source() irq.Source { return ctx.sel.Source }

// Cycle returns the cycle the handler runs in.
func (ctx *Context) Cycle() uint64 { return ctx.core.cycle }

// Read loads a register.
func (ctx *Context) Read(addr uint32) (uint32, error) {
	return ctx.core.bus.Read(addr)
}

// Write stores a register.
func (ctx *Context) Write(addr uint32, value uint32) error {
	return ctx.core.bus.Write(addr, value)
}

// Set performs reg |= bits.
func (ctx *Context) Set(addr uint32, bits uint32) error {
	v, err := ctx.core.bus.Read(addr)
	if err != nil {
		return err
	}
	return ctx.core.bus.Write(addr, v|bits)
}

// Clear performs reg &= ^bits.
func (ctx *Context) Clear(addr uint32, bits uint32) error {
	v, err := ctx.core.bus.Read(addr)
	if err != nil {
		return err
	}
	return ctx.core.bus.Write(addr, v&^bits)
}

// Reti ends the handler. A second Reti in the same handler faults.
func (ctx *Context) Reti() error {
	return ctx.core.reti()
}
