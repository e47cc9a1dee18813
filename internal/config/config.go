// Package config describes a board: which hardware generation of the
// interrupt subsystem it carries and how its peripherals are wired.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"sort"

	"golang.org/x/mod/semver"
	"gopkg.in/yaml.v3"
)

// SchemaVersion is the board file version written by this package.
const SchemaVersion = "v1.0.0"

const (
	DefaultClockHz        = 16_500_000
	DefaultProgramSize    = 0x4000
	DefaultGPIOPins       = 16
	DefaultTimers         = 2
	DefaultDebounceCycles = 16

	// MaxTimers is the number of timer blocks that fit below LED_STATE.
	MaxTimers  = 2
	maxSources = 8
	maxPins    = 32
)

// Vectoring selects the vector source generation.
type Vectoring string

const (
	FixedTable       Vectoring = "fixed-table"
	AddressRegisters Vectoring = "address-registers"
)

// ClearPolicy names who clears IRQ_FLAGS.
type ClearPolicy string

const (
	ClearByFirmware ClearPolicy = "firmware"
	ClearOnEntry    ClearPolicy = "on-entry"
)

// SourceKind says what raises an interrupt source.
type SourceKind string

const (
	// SourceTimer is raised by the tick of timer Unit (1-based).
	SourceTimer SourceKind = "timer"
	// SourceEIC is the aggregate EIC interrupt.
	SourceEIC SourceKind = "eic"
	// SourceEICPin is raised by EIC events on pin Unit only.
	SourceEICPin SourceKind = "eic-pin"
)

// Source is one row of the interrupt source table. Its position is its
// priority and its flag bit.
type Source struct {
	Name string     `yaml:"name"`
	Kind SourceKind `yaml:"kind"`
	Unit int        `yaml:"unit,omitempty"`
}

// PWMRoute drives a GPIO pin from a timer compare output.
type PWMRoute struct {
	Timer int `yaml:"timer"`
	Pin   int `yaml:"pin"`
}

// Board is a decoded board file.
type Board struct {
	Version        string      `yaml:"version"`
	Preset         string      `yaml:"preset,omitempty"`
	ClockHz        uint64      `yaml:"clock_hz"`
	ProgramSize    Word        `yaml:"program_size"`
	GPIOPins       int         `yaml:"gpio_pins"`
	DebounceCycles uint32      `yaml:"debounce_cycles"`
	Vectoring      Vectoring   `yaml:"vectoring"`
	ClearPolicy    ClearPolicy `yaml:"clear_policy"`
	Timers         int         `yaml:"timers"`
	PWM            []PWMRoute  `yaml:"pwm,omitempty"`
	Sources        []Source    `yaml:"sources"`
	VectorTable    []Word      `yaml:"vector_table,omitempty"`
}

var presets = map[string]func() Board{
	// Fixed vector table, firmware clears IRQ_FLAGS in each handler.
	"gen1": func() Board {
		b := base("gen1")
		b.Vectoring = FixedTable
		b.ClearPolicy = ClearByFirmware
		b.Sources = []Source{
			{Name: "tim1", Kind: SourceTimer, Unit: 1},
			{Name: "tim2", Kind: SourceTimer, Unit: 2},
			{Name: "eic", Kind: SourceEIC},
		}
		return b
	},
	// Per-source handler registers, flags cleared on entry.
	"gen2": func() Board {
		b := base("gen2")
		b.Vectoring = AddressRegisters
		b.ClearPolicy = ClearOnEntry
		b.Sources = []Source{
			{Name: "ext1", Kind: SourceEICPin, Unit: 0},
			{Name: "ext2", Kind: SourceEICPin, Unit: 1},
			{Name: "tim1", Kind: SourceTimer, Unit: 1},
			{Name: "tim2", Kind: SourceTimer, Unit: 2},
		}
		return b
	},
}

func base(name string) Board {
	return Board{
		Version:        SchemaVersion,
		Preset:         name,
		ClockHz:        DefaultClockHz,
		ProgramSize:    DefaultProgramSize,
		GPIOPins:       DefaultGPIOPins,
		DebounceCycles: DefaultDebounceCycles,
		Timers:         DefaultTimers,
	}
}

// Presets lists the built-in preset names.
func Presets() []string {
	names := make([]string, 0, len(presets))
	for name := range presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Preset returns a copy of the named preset.
func Preset(name string) (Board, error) {
	fn, ok := presets[name]
	if !ok {
		return Board{}, fmt.Errorf("config: unknown preset %q (have %v)", name, Presets())
	}
	return fn(), nil
}

// Default returns the gen1 preset.
func Default() Board {
	b, _ := Preset("gen1")
	return b
}

// Parse decodes a board file. When it names a preset, the preset is the
// starting point and the file overrides individual fields. An explicit
// debounce_cycles of 0 turns debouncing off.
func Parse(data []byte) (Board, error) {
	var head struct {
		Preset string `yaml:"preset"`
	}
	if err := yaml.Unmarshal(data, &head); err != nil {
		return Board{}, fmt.Errorf("config: decode: %w", err)
	}

	board := Board{DebounceCycles: DefaultDebounceCycles}
	if head.Preset != "" {
		p, err := Preset(head.Preset)
		if err != nil {
			return Board{}, err
		}
		board = p
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&board); err != nil {
		return Board{}, fmt.Errorf("config: decode: %w", err)
	}
	board.applyDefaults()
	if err := board.Validate(); err != nil {
		return Board{}, err
	}
	return board, nil
}

// Load reads and validates a board file.
func Load(path string) (Board, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Board{}, fmt.Errorf("config: read board: %w", err)
	}
	b, err := Parse(data)
	if err != nil {
		return Board{}, fmt.Errorf("%s: %w", path, err)
	}
	return b, nil
}

// Marshal encodes the board as YAML.
func (b Board) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(b); err != nil {
		return nil, fmt.Errorf("config: encode: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("config: encode: %w", err)
	}
	return buf.Bytes(), nil
}

func (b *Board) applyDefaults() {
	if b.Version == "" {
		b.Version = SchemaVersion
	}
	if b.ClockHz == 0 {
		b.ClockHz = DefaultClockHz
	}
	if b.ProgramSize == 0 {
		b.ProgramSize = DefaultProgramSize
	}
	if b.GPIOPins == 0 {
		b.GPIOPins = DefaultGPIOPins
	}
	if b.Vectoring == "" {
		b.Vectoring = FixedTable
	}
	if b.ClearPolicy == "" {
		b.ClearPolicy = ClearByFirmware
	}
}

// Validate reports every problem with the board.
func (b Board) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("config: "+format, args...))
	}

	switch {
	case !semver.IsValid(b.Version):
		add("version %q is not a semantic version", b.Version)
	case semver.Major(b.Version) != semver.Major(SchemaVersion):
		add("version %s is not compatible with %s", b.Version, SchemaVersion)
	}
	if b.ClockHz < 1000 {
		add("clock_hz %d is below 1 kHz", b.ClockHz)
	}
	if b.ProgramSize%4 != 0 {
		add("program_size %s is not word aligned", b.ProgramSize)
	}
	if b.GPIOPins < 1 || b.GPIOPins > maxPins {
		add("gpio_pins %d out of range 1..%d", b.GPIOPins, maxPins)
	}
	if b.Timers < 0 || b.Timers > MaxTimers {
		add("timers %d out of range 0..%d", b.Timers, MaxTimers)
	}
	switch b.Vectoring {
	case FixedTable, AddressRegisters:
	default:
		add("unknown vectoring %q", b.Vectoring)
	}
	switch b.ClearPolicy {
	case ClearByFirmware, ClearOnEntry:
	default:
		add("unknown clear_policy %q", b.ClearPolicy)
	}

	if len(b.Sources) == 0 || len(b.Sources) > maxSources {
		add("%d sources, want 1..%d", len(b.Sources), maxSources)
	}
	names := make(map[string]bool)
	pins := make(map[int]string)
	aggregate := 0
	for i, src := range b.Sources {
		if src.Name == "" {
			add("source %d has no name", i)
		} else if names[src.Name] {
			add("duplicate source %q", src.Name)
		}
		names[src.Name] = true
		switch src.Kind {
		case SourceTimer:
			if src.Unit < 1 || src.Unit > b.Timers {
				add("source %q: timer %d does not exist", src.Name, src.Unit)
			}
		case SourceEIC:
			aggregate++
		case SourceEICPin:
			if src.Unit < 0 || src.Unit >= b.GPIOPins {
				add("source %q: pin %d does not exist", src.Name, src.Unit)
			} else if other, ok := pins[src.Unit]; ok {
				add("source %q: pin %d already routed to %q", src.Name, src.Unit, other)
			}
			pins[src.Unit] = src.Name
		default:
			add("source %q: unknown kind %q", src.Name, src.Kind)
		}
	}
	if aggregate > 1 {
		add("%d aggregate eic sources, want at most 1", aggregate)
	}

	if len(b.VectorTable) > 0 {
		if b.Vectoring != FixedTable {
			add("vector_table requires vectoring %q", FixedTable)
		}
		if len(b.VectorTable) > len(b.Sources) {
			add("vector_table has %d entries for %d sources", len(b.VectorTable), len(b.Sources))
		}
	}

	used := make(map[int]bool)
	for _, route := range b.PWM {
		if route.Timer < 1 || route.Timer > b.Timers {
			add("pwm: timer %d does not exist", route.Timer)
		}
		if route.Pin < 0 || route.Pin >= b.GPIOPins {
			add("pwm: pin %d does not exist", route.Pin)
		} else if used[route.Pin] {
			add("pwm: pin %d routed twice", route.Pin)
		}
		used[route.Pin] = true
	}
	return errors.Join(errs...)
}
