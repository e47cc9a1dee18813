package regfile

import (
	"encoding/binary"
	"errors"
	"testing"
)

func newTestFile(t *testing.T) (*File, *Reg, *Reg, *Reg) {
	t.Helper()
	f := New()
	rw, err := f.Define(Field{Name: "CTRL", Addr: 0x4000, Mode: ReadWrite})
	if err != nil {
		t.Fatalf("define CTRL: %v", err)
	}
	ro, err := f.Define(Field{Name: "COUNT", Addr: 0x4004, Mode: ReadOnly})
	if err != nil {
		t.Fatalf("define COUNT: %v", err)
	}
	w1c, err := f.Define(Field{Name: "STATUS", Addr: 0x4008, Mode: WriteOneToClear})
	if err != nil {
		t.Fatalf("define STATUS: %v", err)
	}
	return f, rw, ro, w1c
}

func TestAccessModes(t *testing.T) {
	f, rw, ro, w1c := newTestFile(t)

	if err := f.Write(0x4000, 0xabcd); err != nil {
		t.Fatalf("write CTRL: %v", err)
	}
	if got := rw.Load(); got != 0xabcd {
		t.Fatalf("CTRL = %#x, want 0xabcd", got)
	}

	ro.Store(7)
	if err := f.Write(0x4004, 99); err != nil {
		t.Fatalf("write COUNT: %v", err)
	}
	if got := ro.Load(); got != 7 {
		t.Fatalf("read-only field changed to %d", got)
	}
	if got := ro.IgnoredWrites(); got != 1 {
		t.Fatalf("ignored writes = %d, want 1", got)
	}

	w1c.Store(0b1011)
	if err := f.Write(0x4008, 0b0011); err != nil {
		t.Fatalf("write STATUS: %v", err)
	}
	if got := w1c.Load(); got != 0b1000 {
		t.Fatalf("STATUS = %#b, want 0b1000", got)
	}
}

func TestInvalidAccess(t *testing.T) {
	f, _, _, _ := newTestFile(t)

	if _, err := f.Read(0x4002); !errors.Is(err, ErrMisaligned) {
		t.Fatalf("misaligned read err = %v", err)
	}
	if err := f.Write(0x5000, 1); !errors.Is(err, ErrUnmapped) {
		t.Fatalf("unmapped write err = %v", err)
	}
}

func TestDefineRejectsCollisions(t *testing.T) {
	f, _, _, _ := newTestFile(t)

	if _, err := f.Define(Field{Name: "OTHER", Addr: 0x4000}); err == nil {
		t.Fatalf("expected address collision error")
	}
	if _, err := f.Define(Field{Name: "CTRL", Addr: 0x4010}); err == nil {
		t.Fatalf("expected name collision error")
	}
	if _, err := f.Define(Field{Name: "ODD", Addr: 0x4011}); !errors.Is(err, ErrMisaligned) {
		t.Fatalf("expected misaligned error, got %v", err)
	}
}

func TestResetZeroesEverything(t *testing.T) {
	f, rw, ro, w1c := newTestFile(t)
	rw.Store(1)
	ro.Store(2)
	w1c.Store(3)
	_ = f.Write(ro.Addr(), 5)

	f.Reset()

	for _, reg := range []*Reg{rw, ro, w1c} {
		if reg.Load() != 0 {
			t.Fatalf("%s not reset: %#x", reg.Name(), reg.Load())
		}
	}
	if ro.IgnoredWrites() != 0 {
		t.Fatalf("ignored write counter not reset")
	}
}

func TestMMIOByteOrder(t *testing.T) {
	f, rw, _, _ := newTestFile(t)

	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, 0x11223344)
	if err := f.WriteMMIO(0x4000, buf); err != nil {
		t.Fatalf("WriteMMIO: %v", err)
	}
	if rw.Load() != 0x11223344 {
		t.Fatalf("CTRL = %#x", rw.Load())
	}

	out := make([]byte, 4)
	if err := f.ReadMMIO(0x4000, out); err != nil {
		t.Fatalf("ReadMMIO: %v", err)
	}
	if out[0] != 0x44 || out[3] != 0x11 {
		t.Fatalf("unexpected bytes %x", out)
	}

	if err := f.ReadMMIO(0x4000, make([]byte, 2)); err == nil {
		t.Fatalf("expected size error")
	}
}

func TestFieldsSortedByAddress(t *testing.T) {
	f := New()
	for _, field := range []Field{
		{Name: "C", Addr: 0x8},
		{Name: "A", Addr: 0x0},
		{Name: "B", Addr: 0x4},
	} {
		if _, err := f.Define(field); err != nil {
			t.Fatalf("define %s: %v", field.Name, err)
		}
	}
	fields := f.Fields()
	for i, want := range []string{"A", "B", "C"} {
		if fields[i].Name != want {
			t.Fatalf("fields[%d] = %s, want %s", i, fields[i].Name, want)
		}
	}
}
