// Package irq models the interrupt controller: it latches source flags in
// IRQ_FLAGS, gates them with IRQ_MASK, picks the highest-priority pending
// source (lowest table index) and resolves its vector through one of two
// vectoring generations.
package irq

import (
	"fmt"
	"log/slog"

	"github.com/nshcat/risc-v/internal/chipset"
	"github.com/nshcat/risc-v/internal/regfile"
)

const (
	Base       uint32 = 0x4000
	WindowSize uint32 = 0x10

	regMask       = 0x00
	regFlags      = 0x04
	regActive     = 0x08 // RO, index of the last vectored source
	regActiveFlag = 0x0c // RO, flag bit of the source being serviced

	// MaxSources bounds the source table.
	MaxSources = 8
)

// ClearPolicy says who clears a source flag when it is serviced.
type ClearPolicy int

const (
	// ClearByFirmware leaves IRQ_FLAGS alone on entry; the handler clears it.
	ClearByFirmware ClearPolicy = iota
	// ClearOnEntry clears the source flag when control is transferred.
	ClearOnEntry
)

func (p ClearPolicy) String() string {
	if p == ClearOnEntry {
		return "on-entry"
	}
	return "firmware"
}

// Source is one entry of the ordered source table.
type Source struct {
	Name string
	Bit  uint
}

// Mask returns the source's flag bit as a mask.
func (s Source) Mask() uint32 { return 1 << s.Bit }

// Selection is the source chosen for vectoring.
type Selection struct {
	Index  int
	Source Source
	Target Target
}

// Stats counts controller activity.
type Stats struct {
	Raised     uint64
	Vectored   uint64
	Unvectored uint64
	PerSource  [MaxSources]uint64
}

// Controller is the interrupt controller.
type Controller struct {
	log *slog.Logger
	rf  *regfile.File

	mask       *regfile.Reg
	flags      *regfile.Reg
	active     *regfile.Reg
	activeFlag *regfile.Reg

	sources []Source
	vectors VectorSource
	policy  ClearPolicy
	lines   *chipset.LineSet

	reported     uint32
	onUnvectored func(Source)

	stats Stats
}

// Option customises a Controller.
type Option func(*Controller)

// WithClearPolicy selects the flag clearing convention.
func WithClearPolicy(policy ClearPolicy) Option {
	return func(c *Controller) {
		c.policy = policy
	}
}

// WithUnvectoredHandler installs a callback invoked once per assertion of a
// pending, unmasked source whose vector resolves to nothing.
func WithUnvectoredHandler(fn func(Source)) Option {
	return func(c *Controller) {
		c.onUnvectored = fn
	}
}

// WithLogger overrides the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) {
		if logger != nil {
			c.log = logger
		}
	}
}

// New defines the controller registers in rf. The order of sources is the
// priority order.
func New(rf *regfile.File, sources []Source, vectors VectorSource, opts ...Option) (*Controller, error) {
	if err := validateSources(sources); err != nil {
		return nil, err
	}
	if vectors == nil {
		return nil, fmt.Errorf("irq: no vector source")
	}
	c := &Controller{
		log:     slog.Default(),
		rf:      rf,
		sources: append([]Source(nil), sources...),
		vectors: vectors,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.lines = chipset.NewLineSet(c)

	fields := []struct {
		dst    **regfile.Reg
		name   string
		offset uint32
		mode   regfile.Mode
		doc    string
	}{
		{&c.mask, "IRQ_MASK", regMask, regfile.ReadWrite, "enabled sources"},
		{&c.flags, "IRQ_FLAGS", regFlags, regfile.ReadWrite, "pending source flags"},
		{&c.active, "IRQ_ACTIVE", regActive, regfile.ReadOnly, "index of the active source"},
		{&c.activeFlag, "IRQ_ACTIVE_FLAG", regActiveFlag, regfile.ReadOnly, "flag of the active source"},
	}
	for _, f := range fields {
		reg, err := rf.Define(regfile.Field{Name: f.name, Addr: Base + f.offset, Mode: f.mode, Doc: f.doc})
		if err != nil {
			return nil, fmt.Errorf("irq: %w", err)
		}
		*f.dst = reg
	}
	return c, nil
}

func validateSources(sources []Source) error {
	if len(sources) == 0 {
		return fmt.Errorf("irq: empty source table")
	}
	if len(sources) > MaxSources {
		return fmt.Errorf("irq: %d sources exceed the maximum of %d", len(sources), MaxSources)
	}
	var used uint32
	names := make(map[string]bool, len(sources))
	for _, src := range sources {
		if src.Name == "" {
			return fmt.Errorf("irq: source without a name")
		}
		if names[src.Name] {
			return fmt.Errorf("irq: duplicate source %q", src.Name)
		}
		names[src.Name] = true
		if src.Bit >= 32 {
			return fmt.Errorf("irq: source %q flag bit %d out of range", src.Name, src.Bit)
		}
		if used&src.Mask() != 0 {
			return fmt.Errorf("irq: source %q reuses flag bit %d", src.Name, src.Bit)
		}
		used |= src.Mask()
	}
	return nil
}

// Sources returns the source table.
func (c *Controller) Sources() []Source {
	return append([]Source(nil), c.sources...)
}

// IndexOf finds a source by name.
func (c *Controller) IndexOf(name string) (int, bool) {
	for i, src := range c.sources {
		if src.Name == name {
			return i, true
		}
	}
	return 0, false
}

// Policy returns the configured clear policy.
func (c *Controller) Policy() ClearPolicy { return c.policy }

// Vectors returns the vector source.
func (c *Controller) Vectors() VectorSource { return c.vectors }

// Line returns the interrupt line of the source at index. Pulsing it raises
// the source.
func (c *Controller) Line(index int) chipset.LineInterrupt {
	return c.lines.AllocateLine(uint8(index))
}

// SetIRQ implements chipset.InterruptSink. Sources are edge triggered: a
// rising level raises the flag.
func (c *Controller) SetIRQ(line uint8, level bool) {
	if level {
		c.Raise(int(line))
	}
}

// Raise sets the flag of the source at index.
func (c *Controller) Raise(index int) {
	if index < 0 || index >= len(c.sources) {
		c.log.Warn("irq: raise of unknown source", "index", index)
		return
	}
	c.flags.SetBits(c.sources[index].Mask())
	c.stats.Raised++
}

// Mask disables the sources in bits.
func (c *Controller) Mask(bits uint32) { c.mask.ClearBits(bits) }

// Unmask enables the sources in bits.
func (c *Controller) Unmask(bits uint32) { c.mask.SetBits(bits) }

// Pending returns the flags that are set and unmasked.
func (c *Controller) Pending() uint32 {
	return c.flags.Load() & c.mask.Load()
}

// Select picks the highest-priority pending source that has a vector.
// Sources whose vector resolves to TargetNone are skipped and stay pending.
func (c *Controller) Select() (Selection, bool) {
	flags := c.flags.Load()
	c.reported &= flags
	pending := flags & c.mask.Load()
	if pending == 0 {
		return Selection{}, false
	}

	for i, src := range c.sources {
		bit := src.Mask()
		if pending&bit == 0 {
			continue
		}
		target := c.vectors.Resolve(i)
		if target.Kind == TargetNone {
			if c.reported&bit == 0 {
				c.reported |= bit
				c.stats.Unvectored++
				c.log.Debug("irq: pending source has no handler installed", "source", src.Name)
				if c.onUnvectored != nil {
					c.onUnvectored(src)
				}
			}
			continue
		}
		return Selection{Index: i, Source: src, Target: target}, true
	}
	return Selection{}, false
}

// Enter latches the selection as the active source and applies the clear
// policy.
func (c *Controller) Enter(sel Selection) {
	c.active.Store(uint32(sel.Index))
	c.activeFlag.Store(sel.Source.Mask())
	if c.policy == ClearOnEntry {
		c.flags.ClearBits(sel.Source.Mask())
	}
	c.stats.Vectored++
	if sel.Index < MaxSources {
		c.stats.PerSource[sel.Index]++
	}
}

// Complete drops the active latch after return-from-interrupt.
func (c *Controller) Complete() {
	c.activeFlag.Store(0)
}

// ClearFlag clears the flag of the source at index, as the default handler does.
func (c *Controller) ClearFlag(index int) {
	if index < 0 || index >= len(c.sources) {
		return
	}
	c.flags.ClearBits(c.sources[index].Mask())
}

// Stats returns a copy of the controller counters.
func (c *Controller) Stats() Stats { return c.stats }

// Reset implements chipset.ChangeDeviceState.
func (c *Controller) Reset() error {
	for _, reg := range []*regfile.Reg{c.mask, c.flags, c.active, c.activeFlag} {
		reg.Store(0)
	}
	if regs, ok := c.vectors.(*AddressRegisters); ok {
		regs.reset()
	}
	c.reported = 0
	c.stats = Stats{}
	return nil
}

// SupportsMmio implements chipset.ChipsetDevice.
func (c *Controller) SupportsMmio() *chipset.MmioIntercept {
	regions := []chipset.MmioRegion{{Address: uint64(Base), Size: uint64(WindowSize)}}
	if regs, ok := c.vectors.(*AddressRegisters); ok {
		regions = append(regions, regs.regions()...)
	}
	return &chipset.MmioIntercept{Regions: regions, Handler: c.rf}
}

// SupportsClock implements chipset.ChipsetDevice. The controller is
// evaluated by the core, not clocked.
func (c *Controller) SupportsClock() chipset.ClockedDevice { return nil }

func (c *Controller) String() string {
	return fmt.Sprintf("IRQ(mask=%#x flags=%#x active=%d activeFlag=%#x policy=%s)",
		c.mask.Load(), c.flags.Load(), c.active.Load(), c.activeFlag.Load(), c.policy)
}

var (
	_ chipset.ChipsetDevice = (*Controller)(nil)
	_ chipset.InterruptSink = (*Controller)(nil)
)
