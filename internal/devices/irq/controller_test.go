package irq

import (
	"testing"

	"github.com/nshcat/risc-v/internal/regfile"
)

var gen1Sources = []Source{
	{Name: "TIM1", Bit: 0},
	{Name: "TIM2", Bit: 1},
	{Name: "EIC", Bit: 2},
}

func newFixed(t *testing.T, table FixedTable, opts ...Option) (*regfile.File, *Controller) {
	t.Helper()
	rf := regfile.New()
	c, err := New(rf, gen1Sources, table, opts...)
	if err != nil {
		t.Fatalf("new controller: %v", err)
	}
	return rf, c
}

func TestSelectPriorityIsTableOrder(t *testing.T) {
	_, c := newFixed(t, FixedTable{0x100, 0x200, 0x300})
	c.Unmask(0b111)
	c.Raise(2)
	c.Raise(1)

	sel, ok := c.Select()
	if !ok {
		t.Fatalf("nothing selected")
	}
	if sel.Index != 1 || sel.Target.Addr != 0x200 {
		t.Fatalf("selected %+v, want TIM2", sel)
	}
}

func TestMaskPreventsSelectionUntilUnmasked(t *testing.T) {
	_, c := newFixed(t, FixedTable{0x100, 0x200, 0x300})
	c.Raise(0)

	if _, ok := c.Select(); ok {
		t.Fatalf("masked source selected")
	}
	c.Unmask(gen1Sources[0].Mask())
	sel, ok := c.Select()
	if !ok || sel.Index != 0 {
		t.Fatalf("unmasked pending source not selected: %+v %v", sel, ok)
	}
	c.Mask(gen1Sources[0].Mask())
	if _, ok := c.Select(); ok {
		t.Fatalf("re-masked source selected")
	}
}

func TestFixedTableNullEntryIsDefault(t *testing.T) {
	table := FixedTable{0x100, 0, 0x300}
	if got := table.Resolve(1); got.Kind != TargetDefault {
		t.Fatalf("null entry resolved to %v", got.Kind)
	}
	if got := table.Resolve(7); got.Kind != TargetDefault {
		t.Fatalf("entry past the table resolved to %v", got.Kind)
	}
	if got := table.Resolve(2); got.Kind != TargetHandler || got.Addr != 0x300 {
		t.Fatalf("entry resolved to %+v", got)
	}
}

func TestAddressRegistersZeroMeansNoTransfer(t *testing.T) {
	rf := regfile.New()
	sources := []Source{{Name: "EXT1", Bit: 0}, {Name: "EXT2", Bit: 1}, {Name: "TIM1", Bit: 2}, {Name: "TIM2", Bit: 3}}
	regs, err := NewAddressRegisters(rf, sources)
	if err != nil {
		t.Fatalf("address registers: %v", err)
	}
	var unvectored []string
	c, err := New(rf, sources, regs, WithUnvectoredHandler(func(s Source) { unvectored = append(unvectored, s.Name) }))
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	c.Unmask(0b1111)
	c.Raise(2)
	for i := 0; i < 3; i++ {
		if _, ok := c.Select(); ok {
			t.Fatalf("source without handler was selected")
		}
	}
	if len(unvectored) != 1 || unvectored[0] != "TIM1" {
		t.Fatalf("unvectored reports = %v, want one TIM1", unvectored)
	}

	// Firmware installs the handler through the ISR_TIM1 register.
	if err := rf.Write(HandlerBase+8, 0x240); err != nil {
		t.Fatalf("write ISR_TIM1: %v", err)
	}
	sel, ok := c.Select()
	if !ok || sel.Source.Name != "TIM1" || sel.Target.Addr != 0x240 {
		t.Fatalf("selection after install = %+v %v", sel, ok)
	}
}

func TestUnvectoredSourceDoesNotBlockLowerPriority(t *testing.T) {
	rf := regfile.New()
	regs, err := NewAddressRegisters(rf, gen1Sources)
	if err != nil {
		t.Fatalf("address registers: %v", err)
	}
	c, err := New(rf, gen1Sources, regs)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := regs.Set(2, 0x80); err != nil {
		t.Fatalf("set: %v", err)
	}
	c.Unmask(0b111)
	c.Raise(0)
	c.Raise(2)

	sel, ok := c.Select()
	if !ok || sel.Index != 2 {
		t.Fatalf("selection = %+v %v, want EIC", sel, ok)
	}
}

func TestClearPolicies(t *testing.T) {
	cases := []struct {
		policy      ClearPolicy
		wantPending bool
	}{
		{ClearByFirmware, true},
		{ClearOnEntry, false},
	}
	for _, tc := range cases {
		t.Run(tc.policy.String(), func(t *testing.T) {
			rf, c := newFixed(t, FixedTable{0x100}, WithClearPolicy(tc.policy))
			c.Unmask(0b1)
			c.Raise(0)
			sel, ok := c.Select()
			if !ok {
				t.Fatalf("nothing selected")
			}
			c.Enter(sel)

			if got := c.Pending() != 0; got != tc.wantPending {
				t.Fatalf("pending after entry = %v, want %v", got, tc.wantPending)
			}
			if v, _ := rf.Read(Base + regActiveFlag); v != 0b1 {
				t.Fatalf("IRQ_ACTIVE_FLAG = %#b", v)
			}
			c.Complete()
			if v, _ := rf.Read(Base + regActiveFlag); v != 0 {
				t.Fatalf("IRQ_ACTIVE_FLAG after complete = %#b", v)
			}
		})
	}
}

func TestLinePulseRaisesFlag(t *testing.T) {
	rf, c := newFixed(t, FixedTable{})
	c.Line(1).PulseInterrupt()
	if v, _ := rf.Read(Base + regFlags); v != 0b10 {
		t.Fatalf("IRQ_FLAGS = %#b", v)
	}
	if c.Stats().Raised != 1 {
		t.Fatalf("stats = %+v", c.Stats())
	}
}

func TestFirmwareClearsFlagWithAndNot(t *testing.T) {
	rf, c := newFixed(t, FixedTable{})
	c.Raise(0)
	c.Raise(2)
	v, _ := rf.Read(Base + regFlags)
	if err := rf.Write(Base+regFlags, v&^0b100); err != nil {
		t.Fatalf("write: %v", err)
	}
	if v, _ := rf.Read(Base + regFlags); v != 0b1 {
		t.Fatalf("IRQ_FLAGS = %#b", v)
	}
}

func TestSourceTableValidation(t *testing.T) {
	bad := [][]Source{
		nil,
		{{Name: "A", Bit: 0}, {Name: "A", Bit: 1}},
		{{Name: "A", Bit: 0}, {Name: "B", Bit: 0}},
		{{Name: "A", Bit: 40}},
		{{Name: "", Bit: 0}},
	}
	for i, sources := range bad {
		if _, err := New(regfile.New(), sources, FixedTable{}); err == nil {
			t.Fatalf("case %d: expected validation error", i)
		}
	}
}
