package irq

import (
	"fmt"
	"strings"

	"github.com/nshcat/risc-v/internal/chipset"
	"github.com/nshcat/risc-v/internal/regfile"
)

// TargetKind says what vectoring a source leads to.
type TargetKind int

const (
	// TargetNone means no transfer happens; the source stays pending.
	TargetNone TargetKind = iota
	// TargetDefault runs the built-in default handler, which clears the
	// source flag and returns.
	TargetDefault
	// TargetHandler transfers control to a firmware handler address.
	TargetHandler
)

func (k TargetKind) String() string {
	switch k {
	case TargetNone:
		return "none"
	case TargetDefault:
		return "default"
	case TargetHandler:
		return "handler"
	default:
		return fmt.Sprintf("TargetKind(%d)", int(k))
	}
}

// Target is a resolved vector.
type Target struct {
	Kind TargetKind
	Addr uint32
}

// VectorSource resolves the handler for the source at a table index.
type VectorSource interface {
	Resolve(index int) Target
}

// FixedTable is an indexed vector table populated at link time. A zero
// entry, or an index past the end of the table, selects the default handler.
type FixedTable []uint32

// Resolve implements VectorSource.
func (t FixedTable) Resolve(index int) Target {
	if index < 0 || index >= len(t) || t[index] == 0 {
		return Target{Kind: TargetDefault}
	}
	return Target{Kind: TargetHandler, Addr: t[index]}
}

// HandlerBase is the address of the first per-source handler register.
const HandlerBase uint32 = 0x4040

// AddressRegisters is the per-source writable handler register variant. A
// register holding zero means the source is not vectored at all.
type AddressRegisters struct {
	regs []*regfile.Reg
}

// NewAddressRegisters defines one ISR_<name> register per source.
func NewAddressRegisters(rf *regfile.File, sources []Source) (*AddressRegisters, error) {
	if len(sources) > MaxSources {
		return nil, fmt.Errorf("irq: %d sources exceed %d handler registers", len(sources), MaxSources)
	}
	a := &AddressRegisters{}
	for i, src := range sources {
		reg, err := rf.Define(regfile.Field{
			Name: "ISR_" + strings.ToUpper(src.Name),
			Addr: HandlerBase + 4*uint32(i),
			Mode: regfile.ReadWrite,
			Doc:  "handler address for " + src.Name,
		})
		if err != nil {
			return nil, fmt.Errorf("irq: %w", err)
		}
		a.regs = append(a.regs, reg)
	}
	return a, nil
}

// Resolve implements VectorSource.
func (a *AddressRegisters) Resolve(index int) Target {
	if index < 0 || index >= len(a.regs) {
		return Target{Kind: TargetNone}
	}
	addr := a.regs[index].Load()
	if addr == 0 {
		return Target{Kind: TargetNone}
	}
	return Target{Kind: TargetHandler, Addr: addr}
}

// Set installs a handler address, as firmware does with ISR_x = addr.
func (a *AddressRegisters) Set(index int, addr uint32) error {
	if index < 0 || index >= len(a.regs) {
		return fmt.Errorf("irq: no handler register for source %d", index)
	}
	a.regs[index].Store(addr)
	return nil
}

func (a *AddressRegisters) reset() {
	for _, reg := range a.regs {
		reg.Store(0)
	}
}

func (a *AddressRegisters) regions() []chipset.MmioRegion {
	if len(a.regs) == 0 {
		return nil
	}
	return []chipset.MmioRegion{{Address: uint64(HandlerBase), Size: uint64(4 * MaxSources)}}
}

var (
	_ VectorSource = FixedTable(nil)
	_ VectorSource = (*AddressRegisters)(nil)
)
