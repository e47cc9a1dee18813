package core

import (
	"errors"
	"testing"

	"github.com/nshcat/risc-v/internal/devices/irq"
	"github.com/nshcat/risc-v/internal/regfile"
)

const (
	irqMask  uint32 = 0x4000
	irqFlags uint32 = 0x4004
)

type harness struct {
	rf     *regfile.File
	ctrl   *irq.Controller
	core   *Core
	events []Event
}

func newHarness(t *testing.T, table irq.FixedTable, policy irq.ClearPolicy) *harness {
	t.Helper()
	h := &harness{rf: regfile.New()}
	sources := []irq.Source{{Name: "tim1", Bit: 0}, {Name: "tim2", Bit: 1}, {Name: "eic", Bit: 2}}
	ctrl, err := irq.New(h.rf, sources, table, irq.WithClearPolicy(policy))
	if err != nil {
		t.Fatalf("new controller: %v", err)
	}
	h.ctrl = ctrl
	h.core = New(h.rf, ctrl, WithObserver(func(ev Event) { h.events = append(h.events, ev) }))
	return h
}

func (h *harness) kinds() []EventKind {
	var out []EventKind
	for _, ev := range h.events {
		out = append(out, ev.Kind)
	}
	return out
}

func TestRetiOutsideHandlerFaults(t *testing.T) {
	h := newHarness(t, irq.FixedTable{}, irq.ClearByFirmware)

	err := h.core.Reti()
	var fault *Fault
	if !errors.As(err, &fault) || fault.Kind != FaultRetiOutsideHandler {
		t.Fatalf("err = %v, want FaultRetiOutsideHandler", err)
	}
	if h.core.State() != Halted {
		t.Fatalf("state = %s, want halted", h.core.State())
	}
	if err := h.core.Evaluate(); !errors.Is(err, ErrHalted) {
		t.Fatalf("evaluate after fault: %v", err)
	}
}

func TestDefaultHandlerClearsFlag(t *testing.T) {
	h := newHarness(t, irq.FixedTable{0, 0, 0}, irq.ClearByFirmware)
	h.ctrl.Unmask(0b100)
	h.ctrl.Raise(2)

	if err := h.core.Evaluate(); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if v, _ := h.rf.Read(irqFlags); v != 0 {
		t.Fatalf("IRQ_FLAGS = %#b after default handler", v)
	}
	if h.core.State() != Idle {
		t.Fatalf("state = %s", h.core.State())
	}
	if got := h.kinds(); len(got) != 1 || got[0] != EventDefaultHandler {
		t.Fatalf("events = %v", got)
	}
	if h.core.Entries("eic") != 1 {
		t.Fatalf("entries = %d", h.core.Entries("eic"))
	}
}

func TestInvalidVectorFaults(t *testing.T) {
	for _, tc := range []struct {
		name string
		addr uint32
	}{
		{"misaligned", 0x102},
		{"out of range", 0x8000},
		{"no routine", 0x200},
	} {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, irq.FixedTable{tc.addr}, irq.ClearByFirmware)
			h.ctrl.Unmask(0b1)
			h.ctrl.Raise(0)

			err := h.core.Evaluate()
			var fault *Fault
			if !errors.As(err, &fault) || fault.Kind != FaultInvalidVector {
				t.Fatalf("err = %v, want FaultInvalidVector", err)
			}
			if fault.Source != "tim1" || fault.Addr != tc.addr {
				t.Fatalf("fault = %+v", fault)
			}
		})
	}
}

func TestHandlerWithoutRetiFaults(t *testing.T) {
	h := newHarness(t, irq.FixedTable{0x100}, irq.ClearByFirmware)
	if err := h.core.Install(0x100, func(ctx *Context) error {
		return ctx.Clear(irqFlags, ctx.Source().Mask())
	}); err != nil {
		t.Fatalf("install: %v", err)
	}
	h.ctrl.Unmask(0b1)
	h.ctrl.Raise(0)

	err := h.core.Evaluate()
	var fault *Fault
	if !errors.As(err, &fault) || fault.Kind != FaultMissingReti {
		t.Fatalf("err = %v, want FaultMissingReti", err)
	}
}

func TestDoubleRetiFaults(t *testing.T) {
	h := newHarness(t, irq.FixedTable{0x100}, irq.ClearOnEntry)
	_ = h.core.Install(0x100, func(ctx *Context) error {
		if err := ctx.Reti(); err != nil {
			return err
		}
		return ctx.Reti()
	})
	h.ctrl.Unmask(0b1)
	h.ctrl.Raise(0)

	err := h.core.Evaluate()
	var fault *Fault
	if !errors.As(err, &fault) || fault.Kind != FaultRetiOutsideHandler {
		t.Fatalf("err = %v, want FaultRetiOutsideHandler", err)
	}
}

func TestBusErrorInHandlerFaults(t *testing.T) {
	h := newHarness(t, irq.FixedTable{0x100}, irq.ClearOnEntry)
	_ = h.core.Install(0x100, func(ctx *Context) error {
		if err := ctx.Write(0x7ff0, 1); err != nil {
			return err
		}
		return ctx.Reti()
	})
	h.ctrl.Unmask(0b1)
	h.ctrl.Raise(0)

	err := h.core.Evaluate()
	var fault *Fault
	if !errors.As(err, &fault) || fault.Kind != FaultBus {
		t.Fatalf("err = %v, want FaultBus", err)
	}
	if !errors.Is(err, regfile.ErrUnmapped) {
		t.Fatalf("fault does not wrap the bus error: %v", err)
	}
}

func TestHandlerThatKeepsFlagIsReentered(t *testing.T) {
	h := newHarness(t, irq.FixedTable{0x100}, irq.ClearByFirmware)
	_ = h.core.Install(0x100, func(ctx *Context) error {
		return ctx.Reti()
	})
	h.ctrl.Unmask(0b1)
	h.ctrl.Raise(0)

	for i := 0; i < 5; i++ {
		if err := h.core.Evaluate(); err != nil {
			t.Fatalf("evaluate %d: %v", i, err)
		}
	}
	if got := h.core.Entries("tim1"); got != 5 {
		t.Fatalf("entries = %d, want 5 (re-entered every cycle)", got)
	}
}

func TestPCRestoredAfterReti(t *testing.T) {
	h := newHarness(t, irq.FixedTable{0x100}, irq.ClearByFirmware)
	var seenPC uint32
	_ = h.core.Install(0x100, func(ctx *Context) error {
		seenPC = ctx.core.PC()
		if err := ctx.Clear(irqFlags, ctx.Source().Mask()); err != nil {
			return err
		}
		return ctx.Reti()
	})
	h.ctrl.Unmask(0b1)

	for i := 0; i < 3; i++ {
		_ = h.core.Evaluate()
	}
	if h.core.PC() != 12 {
		t.Fatalf("pc = %#x, want 0xc", h.core.PC())
	}
	h.ctrl.Raise(0)
	if err := h.core.Evaluate(); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if seenPC != 0x100 {
		t.Fatalf("handler ran at pc %#x", seenPC)
	}
	if h.core.PC() != 12 {
		t.Fatalf("pc after reti = %#x, want 0xc", h.core.PC())
	}
	if v, _ := h.rf.Read(0x400c); v != 0 {
		t.Fatalf("IRQ_ACTIVE_FLAG = %#x after reti", v)
	}
	want := []EventKind{EventVector, EventReti}
	got := h.kinds()
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("events = %v, want %v", got, want)
	}
}

func TestMaskingBlocksVectoring(t *testing.T) {
	h := newHarness(t, irq.FixedTable{0x100}, irq.ClearByFirmware)
	_ = h.core.Install(0x100, func(ctx *Context) error {
		if err := ctx.Clear(irqFlags, ctx.Source().Mask()); err != nil {
			return err
		}
		return ctx.Reti()
	})
	h.ctrl.Raise(0)
	for i := 0; i < 3; i++ {
		_ = h.core.Evaluate()
	}
	if h.core.Entries("tim1") != 0 {
		t.Fatalf("masked source was vectored")
	}

	if err := h.rf.Write(irqMask, 0b1); err != nil {
		t.Fatalf("write mask: %v", err)
	}
	_ = h.core.Evaluate()
	if h.core.Entries("tim1") != 1 {
		t.Fatalf("unmasked source not vectored on the next cycle")
	}
}

func TestInstallValidatesAddress(t *testing.T) {
	h := newHarness(t, irq.FixedTable{}, irq.ClearByFirmware)
	noop := func(ctx *Context) error { return ctx.Reti() }
	if err := h.core.Install(0x101, noop); err == nil {
		t.Fatalf("expected misaligned install to fail")
	}
	if err := h.core.Install(DefaultProgramSize, noop); err == nil {
		t.Fatalf("expected out-of-range install to fail")
	}
	if err := h.core.Install(0x10, nil); err == nil {
		t.Fatalf("expected nil handler to fail")
	}
}

func TestParseFaultKind(t *testing.T) {
	for k := FaultRetiOutsideHandler; k <= FaultBus; k++ {
		got, err := ParseFaultKind(k.String())
		if err != nil || got != k {
			t.Fatalf("ParseFaultKind(%q) = %v, %v", k.String(), got, err)
		}
	}
	if _, err := ParseFaultKind("nope"); err == nil {
		t.Fatalf("expected error")
	}
}
