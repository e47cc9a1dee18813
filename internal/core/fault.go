package core

import (
	"errors"
	"fmt"
)

// ErrHalted is returned once the core has taken a hard fault. Every *Fault
// matches it with errors.Is.
var ErrHalted = errors.New("core: halted")

// FaultKind classifies protocol violations.
type FaultKind int

const (
	// FaultRetiOutsideHandler is a return-from-interrupt issued while no
	// handler is being serviced.
	FaultRetiOutsideHandler FaultKind = iota + 1
	// FaultInvalidVector is a transfer to a misaligned, out-of-range or
	// empty handler address.
	FaultInvalidVector
	// FaultMissingReti is a handler that finished without RETI.
	FaultMissingReti
	// FaultBus is a handler access to an unmapped or misaligned address.
	FaultBus
)

func (k FaultKind) String() string {
	switch k {
	case FaultRetiOutsideHandler:
		return "reti-outside-handler"
	case FaultInvalidVector:
		return "invalid-vector"
	case FaultMissingReti:
		return "missing-reti"
	case FaultBus:
		return "bus-error"
	default:
		return fmt.Sprintf("FaultKind(%d)", int(k))
	}
}

// ParseFaultKind is the inverse of FaultKind.String.
func ParseFaultKind(s string) (FaultKind, error) {
	for k := FaultRetiOutsideHandler; k <= FaultBus; k++ {
		if k.String() == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("core: unknown fault kind %q", s)
}

// Fault is a hard fault. The core stops evaluating once one is raised.
type Fault struct {
	Kind   FaultKind
	Cycle  uint64
	PC     uint32
	Addr   uint32
	Source string
	Err    error
}

func (f *Fault) Error() string {
	msg := fmt.Sprintf("core: %s at cycle %d (pc=%#x", f.Kind, f.Cycle, f.PC)
	if f.Source != "" {
		msg += fmt.Sprintf(" source=%s addr=%#x", f.Source, f.Addr)
	}
	msg += ")"
	if f.Err != nil {
		msg += ": " + f.Err.Error()
	}
	return msg
}

func (f *Fault) Unwrap() error { return f.Err }

// Is reports ErrHalted as matching.
func (f *Fault) Is(target error) bool { return target == ErrHalted }
