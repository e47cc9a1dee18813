package config

import (
	"fmt"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Word is a 32-bit value that decodes from plain integers or from
// "0x"/"0b"/"0o" prefixed strings.
type Word uint32

// ParseWord parses a register value the way YAML files spell them.
func ParseWord(s string) (Word, error) {
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid word %q: %w", s, err)
	}
	return Word(v), nil
}

// UnmarshalYAML implements yaml.Unmarshaler for Word.
func (w *Word) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: expected a scalar word", value.Line)
	}
	parsed, err := ParseWord(value.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*w = parsed
	return nil
}

// MarshalYAML implements yaml.Marshaler for Word.
func (w Word) MarshalYAML() (any, error) {
	return fmt.Sprintf("%#x", uint32(w)), nil
}

func (w Word) String() string { return fmt.Sprintf("%#x", uint32(w)) }
