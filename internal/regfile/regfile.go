// Package regfile holds the memory-mapped peripheral registers of the SoC.
//
// Every peripheral field lives in exactly one File. Firmware reaches the
// fields through Read/Write (or the byte-oriented MMIO pair), which honour the
// declared access mode. Peripheral models hold *Reg handles and update the
// same storage directly, bypassing the access mode the way hardware does.
//
// A File is not safe for concurrent use; the owning SoC serialises access.
package regfile

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sort"
)

var (
	// ErrUnmapped is returned for firmware accesses to addresses without a field.
	ErrUnmapped = errors.New("regfile: unmapped address")
	// ErrMisaligned is returned for firmware accesses that are not word aligned.
	ErrMisaligned = errors.New("regfile: misaligned access")
)

// Mode is the firmware-visible access mode of a field.
type Mode int

const (
	// ReadWrite fields store whatever firmware writes.
	ReadWrite Mode = iota
	// ReadOnly fields are updated by hardware only. Firmware writes are
	// ignored and counted.
	ReadOnly
	// WriteOneToClear fields clear the bits firmware writes as 1.
	WriteOneToClear
)

func (m Mode) String() string {
	switch m {
	case ReadWrite:
		return "RW"
	case ReadOnly:
		return "RO"
	case WriteOneToClear:
		return "W1C"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// Field describes one 32-bit register.
type Field struct {
	Name string
	Addr uint32
	Mode Mode
	Doc  string
}

// Reg is the storage for a single field.
type Reg struct {
	field   Field
	value   uint32
	ignored uint64
}

func (r *Reg) Name() string   { return r.field.Name }
func (r *Reg) Addr() uint32   { return r.field.Addr }
func (r *Reg) Mode() Mode     { return r.field.Mode }
func (r *Reg) Field() Field   { return r.field }
func (r *Reg) Load() uint32   { return r.value }
func (r *Reg) Store(v uint32) { r.value = v }

// SetBits ORs mask into the register.
func (r *Reg) SetBits(mask uint32) { r.value |= mask }

// ClearBits clears the bits of mask.
func (r *Reg) ClearBits(mask uint32) { r.value &^= mask }

// Bit reports whether bit n is set.
func (r *Reg) Bit(n uint) bool { return r.value&(1<<n) != 0 }

// IgnoredWrites returns how many firmware writes were dropped because the
// field is read-only.
func (r *Reg) IgnoredWrites() uint64 { return r.ignored }

func (r *Reg) String() string {
	return fmt.Sprintf("%s@%#x=%#x", r.field.Name, r.field.Addr, r.value)
}

// File is the register file.
type File struct {
	log *slog.Logger

	regs   map[uint32]*Reg
	byName map[string]*Reg
}

// Option customises a File.
type Option func(*File)

// WithLogger routes diagnostics to logger instead of slog.Default.
func WithLogger(logger *slog.Logger) Option {
	return func(f *File) {
		if logger != nil {
			f.log = logger
		}
	}
}

// New returns an empty register file.
func New(opts ...Option) *File {
	f := &File{
		log:    slog.Default(),
		regs:   make(map[uint32]*Reg),
		byName: make(map[string]*Reg),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Define adds a field and returns its handle. Fields start at zero.
func (f *File) Define(field Field) (*Reg, error) {
	if field.Name == "" {
		return nil, fmt.Errorf("regfile: field at %#x has no name", field.Addr)
	}
	if field.Addr%4 != 0 {
		return nil, fmt.Errorf("regfile: field %s at %#x: %w", field.Name, field.Addr, ErrMisaligned)
	}
	if existing, ok := f.regs[field.Addr]; ok {
		return nil, fmt.Errorf("regfile: field %s at %#x collides with %s", field.Name, field.Addr, existing.Name())
	}
	if _, ok := f.byName[field.Name]; ok {
		return nil, fmt.Errorf("regfile: field %s already defined", field.Name)
	}
	reg := &Reg{field: field}
	f.regs[field.Addr] = reg
	f.byName[field.Name] = reg
	return reg, nil
}

// Lookup finds a field by name.
func (f *File) Lookup(name string) (*Reg, bool) {
	reg, ok := f.byName[name]
	return reg, ok
}

// At finds a field by address.
func (f *File) At(addr uint32) (*Reg, bool) {
	reg, ok := f.regs[addr]
	return reg, ok
}

// Fields lists every field ordered by address.
func (f *File) Fields() []Field {
	fields := make([]Field, 0, len(f.regs))
	for _, reg := range f.regs {
		fields = append(fields, reg.field)
	}
	sort.Slice(fields, func(i, j int) bool { return fields[i].Addr < fields[j].Addr })
	return fields
}

// Reset zeroes every field and the ignored-write counters.
func (f *File) Reset() {
	for _, reg := range f.regs {
		reg.value = 0
		reg.ignored = 0
	}
}

func (f *File) resolve(addr uint32) (*Reg, error) {
	if addr%4 != 0 {
		return nil, fmt.Errorf("%w at %#x", ErrMisaligned, addr)
	}
	reg, ok := f.regs[addr]
	if !ok {
		return nil, fmt.Errorf("%w %#x", ErrUnmapped, addr)
	}
	return reg, nil
}

// Read performs a firmware load.
func (f *File) Read(addr uint32) (uint32, error) {
	reg, err := f.resolve(addr)
	if err != nil {
		return 0, err
	}
	return reg.value, nil
}

// Write performs a firmware store, honouring the field's access mode.
func (f *File) Write(addr uint32, value uint32) error {
	reg, err := f.resolve(addr)
	if err != nil {
		return err
	}
	switch reg.field.Mode {
	case ReadWrite:
		reg.value = value
	case ReadOnly:
		reg.ignored++
		f.log.Debug("regfile: write to read-only field ignored",
			"field", reg.field.Name, "addr", fmt.Sprintf("%#x", addr), "value", fmt.Sprintf("%#x", value))
	case WriteOneToClear:
		reg.value &^= value
	}
	return nil
}

// ReadMMIO serves a word-sized load in little-endian byte order.
func (f *File) ReadMMIO(addr uint64, data []byte) error {
	if len(data) != 4 {
		return fmt.Errorf("regfile: invalid read size %d at %#x", len(data), addr)
	}
	if addr > 0xffffffff {
		return fmt.Errorf("%w %#x", ErrUnmapped, addr)
	}
	value, err := f.Read(uint32(addr))
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(data, value)
	return nil
}

// WriteMMIO serves a word-sized store in little-endian byte order.
func (f *File) WriteMMIO(addr uint64, data []byte) error {
	if len(data) != 4 {
		return fmt.Errorf("regfile: invalid write size %d at %#x", len(data), addr)
	}
	if addr > 0xffffffff {
		return fmt.Errorf("%w %#x", ErrUnmapped, addr)
	}
	return f.Write(uint32(addr), binary.LittleEndian.Uint32(data))
}
