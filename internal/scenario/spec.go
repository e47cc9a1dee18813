// Package scenario runs declarative conformance scenarios against a board.
//
// A scenario describes firmware as handler routines made of register
// operations, a setup prologue, and a list of steps that drive pins, run
// cycles and check register values, faults, drops and handler entries.
package scenario

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/nshcat/risc-v/internal/config"
)

// Scenario is one decoded scenario file.
type Scenario struct {
	Name        string    `yaml:"name"`
	Description string    `yaml:"description"`
	Board       yaml.Node `yaml:"board"`
	Probes      []string  `yaml:"probes,omitempty"`
	Handlers    []Handler `yaml:"handlers"`
	Setup       []Op      `yaml:"setup"`
	Steps       []Step    `yaml:"steps"`
}

// Handler is a firmware routine installed at Addr. When Source is set the
// address is also written to the source's ISR register.
type Handler struct {
	Addr   config.Word `yaml:"addr"`
	Source string      `yaml:"source,omitempty"`
	Ops    []Op        `yaml:"ops"`
}

// OpKind is a firmware operation.
type OpKind string

const (
	OpWrite     OpKind = "write"
	OpSet       OpKind = "set"
	OpClear     OpKind = "clear"
	OpClearFrom OpKind = "clear-from"
	OpCount     OpKind = "count"
	OpReti      OpKind = "reti"
)

// Op is one firmware operation. In YAML it is either the bare scalar
// "reti" or a single-key mapping:
//
//   - write: {reg: EIC_ACTIVE, value: 0}
//   - clear-from: {reg: EIC_FLAGS, from: EIC_ACTIVE}
//   - count: presses
type Op struct {
	Kind    OpKind
	Reg     string
	Value   config.Word
	From    string
	Counter string
}

// RegOperand names a register and a value or a second register.
type RegOperand struct {
	Reg   string      `yaml:"reg"`
	Value config.Word `yaml:"value"`
	From  string      `yaml:"from"`
}

// UnmarshalYAML implements yaml.Unmarshaler for Op.
func (o *Op) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		if OpKind(value.Value) != OpReti {
			return fmt.Errorf("line %d: unknown operation %q", value.Line, value.Value)
		}
		*o = Op{Kind: OpReti}
		return nil
	}
	if value.Kind != yaml.MappingNode || len(value.Content) != 2 {
		return fmt.Errorf("line %d: operation must be a single-key mapping", value.Line)
	}
	key, body := value.Content[0], value.Content[1]
	kind := OpKind(key.Value)
	switch kind {
	case OpCount:
		var name string
		if err := body.Decode(&name); err != nil {
			return fmt.Errorf("line %d: %w", body.Line, err)
		}
		*o = Op{Kind: OpCount, Counter: name}
	case OpWrite, OpSet, OpClear, OpClearFrom:
		var operand RegOperand
		if err := body.Decode(&operand); err != nil {
			return fmt.Errorf("line %d: %w", body.Line, err)
		}
		if operand.Reg == "" {
			return fmt.Errorf("line %d: %s needs a reg", body.Line, kind)
		}
		if kind == OpClearFrom && operand.From == "" {
			return fmt.Errorf("line %d: clear-from needs a from register", body.Line)
		}
		*o = Op{Kind: kind, Reg: operand.Reg, Value: operand.Value, From: operand.From}
	case OpReti:
		*o = Op{Kind: OpReti}
	default:
		return fmt.Errorf("line %d: unknown operation %q", key.Line, key.Value)
	}
	return nil
}

// PinStep drives an input pin.
type PinStep struct {
	Pin   int  `yaml:"pin"`
	Level bool `yaml:"level"`
}

// DutyExpect checks a probe summary.
type DutyExpect struct {
	Signal    string  `yaml:"signal"`
	Duty      float64 `yaml:"duty"`
	Period    float64 `yaml:"period,omitempty"`
	Tolerance float64 `yaml:"tolerance,omitempty"`
}

// Step is one scenario step. Exactly one field is set.
type Step struct {
	Run           uint64                 `yaml:"run,omitempty"`
	Pin           *PinStep               `yaml:"pin,omitempty"`
	Write         *RegOperand            `yaml:"write,omitempty"`
	Reti          bool                   `yaml:"reti,omitempty"`
	Expect        map[string]config.Word `yaml:"expect,omitempty"`
	ExpectFault   string                 `yaml:"expect_fault,omitempty"`
	ExpectDrops   *int                   `yaml:"expect_drops,omitempty"`
	ExpectEntries map[string]uint64      `yaml:"expect_entries,omitempty"`
	ExpectCounts  map[string]uint64      `yaml:"expect_counts,omitempty"`
	ExpectDuty    *DutyExpect            `yaml:"expect_duty,omitempty"`
}

func (s Step) actions() int {
	n := 0
	for _, set := range []bool{
		s.Run != 0, s.Pin != nil, s.Write != nil, s.Reti,
		s.Expect != nil, s.ExpectFault != "", s.ExpectDrops != nil,
		s.ExpectEntries != nil, s.ExpectCounts != nil, s.ExpectDuty != nil,
	} {
		if set {
			n++
		}
	}
	return n
}

// Parse decodes and checks a scenario.
func Parse(data []byte) (*Scenario, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var sc Scenario
	if err := dec.Decode(&sc); err != nil {
		return nil, fmt.Errorf("scenario: decode: %w", err)
	}
	if sc.Name == "" {
		return nil, fmt.Errorf("scenario: missing name")
	}
	for i, step := range sc.Steps {
		if n := step.actions(); n != 1 {
			return nil, fmt.Errorf("scenario %q: step %d has %d actions, want 1", sc.Name, i+1, n)
		}
	}
	return &sc, nil
}

// Load reads a scenario file.
func Load(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("scenario: read: %w", err)
	}
	sc, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return sc, nil
}

// BoardConfig returns the inline board, or fallback when the scenario has
// none.
func (sc *Scenario) BoardConfig(fallback config.Board) (config.Board, error) {
	if sc.Board.Kind == 0 {
		return fallback, nil
	}
	data, err := yaml.Marshal(&sc.Board)
	if err != nil {
		return config.Board{}, fmt.Errorf("scenario %q: board: %w", sc.Name, err)
	}
	b, err := config.Parse(data)
	if err != nil {
		return config.Board{}, fmt.Errorf("scenario %q: board: %w", sc.Name, err)
	}
	return b, nil
}
