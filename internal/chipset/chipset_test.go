package chipset

import (
	"strings"
	"testing"
)

type fakeDevice struct {
	name    string
	base    uint64
	size    uint64
	ticks   *[]string
	resets  int
	reads   int
	writes  int
	clocked bool
}

func (d *fakeDevice) Reset() error {
	d.resets++
	return nil
}

func (d *fakeDevice) SupportsMmio() *MmioIntercept {
	if d.size == 0 {
		return nil
	}
	return &MmioIntercept{
		Regions: []MmioRegion{{Address: d.base, Size: d.size}},
		Handler: d,
	}
}

func (d *fakeDevice) SupportsClock() ClockedDevice {
	if !d.clocked {
		return nil
	}
	return d
}

func (d *fakeDevice) Tick() { *d.ticks = append(*d.ticks, d.name) }

func (d *fakeDevice) ReadMMIO(addr uint64, data []byte) error {
	d.reads++
	return nil
}

func (d *fakeDevice) WriteMMIO(addr uint64, data []byte) error {
	d.writes++
	return nil
}

func TestBuilderRejectsOverlappingRegions(t *testing.T) {
	b := NewBuilder()
	if err := b.RegisterDevice("timer1", &fakeDevice{base: 0x40a0, size: 0x20}); err != nil {
		t.Fatalf("register timer1: %v", err)
	}
	err := b.RegisterDevice("timer2", &fakeDevice{base: 0x40b0, size: 0x20})
	if err == nil {
		t.Fatalf("expected overlap error")
	}
	if !strings.Contains(err.Error(), "timer1") {
		t.Fatalf("overlap error does not name the owner: %v", err)
	}
}

func TestBuilderRejectsDuplicateNames(t *testing.T) {
	b := NewBuilder()
	if err := b.RegisterDevice("gpio", &fakeDevice{}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := b.RegisterDevice("gpio", &fakeDevice{}); err == nil {
		t.Fatalf("expected duplicate error")
	}
}

func TestTickFollowsRegistrationOrder(t *testing.T) {
	var ticks []string
	b := NewBuilder()
	for _, name := range []string{"zeta", "alpha", "mid"} {
		if err := b.RegisterDevice(name, &fakeDevice{name: name, ticks: &ticks, clocked: true}); err != nil {
			t.Fatalf("register %s: %v", name, err)
		}
	}
	if err := b.RegisterDevice("passive", &fakeDevice{name: "passive", ticks: &ticks}); err != nil {
		t.Fatalf("register passive: %v", err)
	}
	cs, err := b.Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	cs.Tick()
	if got := strings.Join(ticks, ","); got != "zeta,alpha,mid" {
		t.Fatalf("tick order = %s", got)
	}
}

func TestHandleMMIODispatch(t *testing.T) {
	dev := &fakeDevice{base: 0x4000, size: 0x10}
	b := NewBuilder()
	if err := b.RegisterDevice("irq", dev); err != nil {
		t.Fatalf("register: %v", err)
	}
	cs, err := b.Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	buf := make([]byte, 4)
	if err := cs.HandleMMIO(0x4004, buf, true); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := cs.HandleMMIO(0x400c, buf, false); err != nil {
		t.Fatalf("read: %v", err)
	}
	if dev.writes != 1 || dev.reads != 1 {
		t.Fatalf("reads=%d writes=%d", dev.reads, dev.writes)
	}
	if err := cs.HandleMMIO(0x400e, buf, false); err == nil {
		t.Fatalf("expected error for access crossing the window end")
	}
	if err := cs.HandleMMIO(0x5000, buf, false); err == nil {
		t.Fatalf("expected error for unmapped address")
	}
}

type recordingSink struct {
	calls []bool
}

func (s *recordingSink) SetIRQ(line uint8, level bool) { s.calls = append(s.calls, level) }

func TestLineSetForwardsChangesOnly(t *testing.T) {
	sink := &recordingSink{}
	lines := NewLineSet(sink)
	line := lines.AllocateLine(3)

	line.SetLevel(true)
	line.SetLevel(true)
	line.SetLevel(false)
	if len(sink.calls) != 2 {
		t.Fatalf("expected 2 forwarded changes, got %d", len(sink.calls))
	}

	line.PulseInterrupt()
	if len(sink.calls) != 4 || !sink.calls[2] || sink.calls[3] {
		t.Fatalf("pulse not forwarded as high/low: %v", sink.calls)
	}
}
