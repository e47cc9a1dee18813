package soc

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/x/ansi"
)

// EventKind classifies trace events.
type EventKind int

const (
	EventVector EventKind = iota
	EventDefaultHandler
	EventReti
	EventDrop
	EventFault
	EventNoVector
)

func (k EventKind) String() string {
	switch k {
	case EventVector:
		return "vector"
	case EventDefaultHandler:
		return "default-handler"
	case EventReti:
		return "reti"
	case EventDrop:
		return "drop"
	case EventFault:
		return "fault"
	case EventNoVector:
		return "no-vector"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is one cycle-stamped trace entry. Pin is -1 for events that are
// not tied to a pin.
type Event struct {
	Cycle  uint64
	Kind   EventKind
	Source string
	Pin    int
	Addr   uint32
	Detail string
}

func (e Event) subject() string {
	switch {
	case e.Pin >= 0:
		return fmt.Sprintf("pin%d", e.Pin)
	case e.Source != "":
		return e.Source
	default:
		return "-"
	}
}

func (e Event) String() string {
	s := fmt.Sprintf("%d %s %s", e.Cycle, e.Kind, e.subject())
	if e.Addr != 0 {
		s += fmt.Sprintf(" %#x", e.Addr)
	}
	if e.Detail != "" {
		s += " " + e.Detail
	}
	return s
}

// Count returns how many events of kind are in events.
func Count(events []Event, kind EventKind) int {
	n := 0
	for _, ev := range events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

func styleFor(kind EventKind) ansi.Style {
	switch kind {
	case EventFault:
		return ansi.Style{}.Bold().ForegroundColor(ansi.Red)
	case EventDrop, EventNoVector:
		return ansi.Style{}.ForegroundColor(ansi.Yellow)
	case EventVector, EventDefaultHandler:
		return ansi.Style{}.ForegroundColor(ansi.Cyan)
	default:
		return ansi.Style{}
	}
}

// RenderTrace writes events as aligned columns. With color the kind column
// is styled; faults are bold red and drops yellow.
func RenderTrace(w io.Writer, events []Event, color bool) error {
	rows := make([][4]string, 0, len(events)+1)
	rows = append(rows, [4]string{"CYCLE", "EVENT", "SUBJECT", "DETAIL"})
	for _, ev := range events {
		detail := ev.Detail
		if ev.Addr != 0 {
			detail = strings.TrimSpace(fmt.Sprintf("%#x %s", ev.Addr, detail))
		}
		kind := ev.Kind.String()
		if color {
			kind = styleFor(ev.Kind).Styled(kind)
		}
		rows = append(rows, [4]string{fmt.Sprintf("%d", ev.Cycle), kind, ev.subject(), detail})
	}

	var widths [4]int
	for _, row := range rows {
		for i, cell := range row {
			widths[i] = max(widths[i], ansi.StringWidth(cell))
		}
	}
	for _, row := range rows {
		var b strings.Builder
		for i, cell := range row {
			b.WriteString(cell)
			if i < len(row)-1 {
				b.WriteString(strings.Repeat(" ", widths[i]-ansi.StringWidth(cell)+2))
			}
		}
		if _, err := fmt.Fprintln(w, strings.TrimRight(b.String(), " ")); err != nil {
			return err
		}
	}
	return nil
}
