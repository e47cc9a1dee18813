package scenario

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/nshcat/risc-v/internal/config"
	"github.com/nshcat/risc-v/internal/core"
	"github.com/nshcat/risc-v/internal/probe"
	"github.com/nshcat/risc-v/internal/soc"
)

const defaultDutyTolerance = 0.01

// Result is the outcome of one scenario.
type Result struct {
	Name     string
	Passed   bool
	Failures []string
	Cycles   uint64
	Fault    *core.Fault
	Trace    []soc.Event
	Probes   []probe.Summary
	Counters map[string]uint64
	Duration time.Duration
}

// Options configures Run.
type Options struct {
	// Board is used when the scenario has no inline board.
	Board  config.Board
	Logger *slog.Logger
	// Progress, if set, is called with the cycles completed so far.
	Progress func(cycles uint64)
}

type runner struct {
	sc   *Scenario
	soc  *soc.SoC
	opts Options

	counters map[string]uint64
	probes   map[string]*probe.Probe
	faultOK  bool
	failures []string
}

// Run executes sc on a fresh board. The returned error covers problems with
// the scenario itself; expectation mismatches are reported in the result.
func Run(ctx context.Context, sc *Scenario, opts Options) (*Result, error) {
	start := time.Now()
	if opts.Board.Version == "" {
		opts.Board = config.Default()
	}
	board, err := sc.BoardConfig(opts.Board)
	if err != nil {
		return nil, err
	}
	var socOpts []soc.Option
	if opts.Logger != nil {
		socOpts = append(socOpts, soc.WithLogger(opts.Logger))
	}
	s, err := soc.New(board, socOpts...)
	if err != nil {
		return nil, fmt.Errorf("scenario %q: %w", sc.Name, err)
	}

	r := &runner{
		sc:       sc,
		soc:      s,
		opts:     opts,
		counters: make(map[string]uint64),
		probes:   make(map[string]*probe.Probe),
	}
	if err := r.prepare(); err != nil {
		return nil, fmt.Errorf("scenario %q: %w", sc.Name, err)
	}
	for i, step := range sc.Steps {
		if err := r.step(ctx, step); err != nil {
			return nil, fmt.Errorf("scenario %q: step %d: %w", sc.Name, i+1, err)
		}
	}

	res := &Result{
		Name:     sc.Name,
		Cycles:   s.Cycle(),
		Fault:    s.Fault(),
		Trace:    s.Trace(),
		Counters: r.counters,
		Duration: time.Since(start),
	}
	if res.Fault != nil && !r.faultOK {
		r.fail("unexpected fault: %v", res.Fault)
	}
	for _, name := range sc.Probes {
		res.Probes = append(res.Probes, r.probes[name].Summary())
	}
	res.Failures = r.failures
	res.Passed = len(r.failures) == 0
	return res, nil
}

func (r *runner) fail(format string, args ...any) {
	r.failures = append(r.failures, fmt.Sprintf(format, args...))
}

func (r *runner) prepare() error {
	for _, name := range r.sc.Probes {
		p, err := r.soc.Probe(name)
		if err != nil {
			return err
		}
		r.probes[name] = p
	}
	for _, h := range r.sc.Handlers {
		fn, err := r.compile(h.Ops)
		if err != nil {
			return fmt.Errorf("handler %s: %w", h.Addr, err)
		}
		if err := r.soc.Install(uint32(h.Addr), fn); err != nil {
			return err
		}
		if h.Source != "" {
			if r.soc.Vectors() == nil {
				return fmt.Errorf("handler %s: board has no handler registers for source %q", h.Addr, h.Source)
			}
			if err := r.soc.WriteReg("ISR_"+h.Source, uint32(h.Addr)); err != nil {
				return fmt.Errorf("handler %s: %w", h.Addr, err)
			}
		}
	}
	for _, op := range r.sc.Setup {
		if err := r.mainOp(op); err != nil {
			return fmt.Errorf("setup: %w", err)
		}
	}
	return nil
}

type compiledOp struct {
	Op
	addr uint32
	from uint32
}

func (r *runner) resolve(op Op) (compiledOp, error) {
	c := compiledOp{Op: op}
	var err error
	if op.Reg != "" {
		if c.addr, err = r.soc.Resolve(op.Reg); err != nil {
			return c, err
		}
	}
	if op.From != "" {
		if c.from, err = r.soc.Resolve(op.From); err != nil {
			return c, err
		}
	}
	return c, nil
}

// compile turns an op list into a handler routine.
func (r *runner) compile(ops []Op) (core.Handler, error) {
	compiled := make([]compiledOp, 0, len(ops))
	for _, op := range ops {
		c, err := r.resolve(op)
		if err != nil {
			return nil, err
		}
		compiled = append(compiled, c)
	}
	return func(ctx *core.Context) error {
		for _, op := range compiled {
			var err error
			switch op.Kind {
			case OpWrite:
				err = ctx.Write(op.addr, uint32(op.Value))
			case OpSet:
				err = ctx.Set(op.addr, uint32(op.Value))
			case OpClear:
				err = ctx.Clear(op.addr, uint32(op.Value))
			case OpClearFrom:
				var v uint32
				if v, err = ctx.Read(op.from); err == nil {
					err = ctx.Clear(op.addr, v)
				}
			case OpCount:
				r.counters[op.Counter]++
			case OpReti:
				err = ctx.Reti()
			}
			if err != nil {
				return err
			}
		}
		return nil
	}, nil
}

// mainOp runs an operation from the main program.
func (r *runner) mainOp(op Op) error {
	c, err := r.resolve(op)
	if err != nil {
		return err
	}
	switch op.Kind {
	case OpWrite:
		return r.soc.Write(c.addr, uint32(op.Value))
	case OpSet, OpClear, OpClearFrom:
		v, err := r.soc.Read(c.addr)
		if err != nil {
			return err
		}
		switch op.Kind {
		case OpSet:
			v |= uint32(op.Value)
		case OpClear:
			v &^= uint32(op.Value)
		default:
			from, err := r.soc.Read(c.from)
			if err != nil {
				return err
			}
			v &^= from
		}
		return r.soc.Write(c.addr, v)
	case OpCount:
		r.counters[op.Counter]++
		return nil
	case OpReti:
		return ignoreFault(r.soc.Reti())
	}
	return fmt.Errorf("unknown operation %q", op.Kind)
}

// ignoreFault drops core faults: they halt the board and are checked by
// expect_fault, they do not abort the scenario.
func ignoreFault(err error) error {
	var fault *core.Fault
	if errors.As(err, &fault) {
		return nil
	}
	return err
}

const progressChunk = 1 << 14

func (r *runner) step(ctx context.Context, step Step) error {
	switch {
	case step.Run != 0:
		for left := step.Run; left > 0; {
			n := min(left, progressChunk)
			if err := ignoreFault(r.soc.Run(ctx, n)); err != nil {
				return err
			}
			left -= n
			if r.opts.Progress != nil {
				r.opts.Progress(r.soc.Cycle())
			}
			if r.soc.Fault() != nil {
				break
			}
		}
	case step.Pin != nil:
		return r.soc.SetPin(step.Pin.Pin, step.Pin.Level)
	case step.Write != nil:
		return r.mainOp(Op{Kind: OpWrite, Reg: step.Write.Reg, Value: step.Write.Value})
	case step.Reti:
		return r.mainOp(Op{Kind: OpReti})
	case step.Expect != nil:
		for _, name := range sortedKeys(step.Expect) {
			got, err := r.soc.ReadReg(name)
			if err != nil {
				return err
			}
			if want := uint32(step.Expect[name]); got != want {
				r.fail("cycle %d: %s = %#x, want %#x", r.soc.Cycle(), name, got, want)
			}
		}
	case step.ExpectFault != "":
		return r.expectFault(step.ExpectFault)
	case step.ExpectDrops != nil:
		if got := soc.Count(r.soc.Trace(), soc.EventDrop); got != *step.ExpectDrops {
			r.fail("cycle %d: %d dropped events, want %d", r.soc.Cycle(), got, *step.ExpectDrops)
		}
	case step.ExpectEntries != nil:
		for _, name := range sortedKeys(step.ExpectEntries) {
			if got, want := r.soc.Entries(name), step.ExpectEntries[name]; got != want {
				r.fail("cycle %d: source %s entered %d times, want %d", r.soc.Cycle(), name, got, want)
			}
		}
	case step.ExpectCounts != nil:
		for _, name := range sortedKeys(step.ExpectCounts) {
			if got, want := r.counters[name], step.ExpectCounts[name]; got != want {
				r.fail("cycle %d: counter %s = %d, want %d", r.soc.Cycle(), name, got, want)
			}
		}
	case step.ExpectDuty != nil:
		return r.expectDuty(*step.ExpectDuty)
	}
	return nil
}

func (r *runner) expectFault(want string) error {
	if want == "none" {
		if f := r.soc.Fault(); f != nil {
			r.fail("cycle %d: fault %s, want none", r.soc.Cycle(), f.Kind)
		}
		return nil
	}
	kind, err := core.ParseFaultKind(want)
	if err != nil {
		return err
	}
	r.faultOK = true
	f := r.soc.Fault()
	switch {
	case f == nil:
		r.fail("cycle %d: no fault, want %s", r.soc.Cycle(), kind)
	case f.Kind != kind:
		r.fail("cycle %d: fault %s, want %s", r.soc.Cycle(), f.Kind, kind)
	}
	return nil
}

func (r *runner) expectDuty(want DutyExpect) error {
	p, ok := r.probes[want.Signal]
	if !ok {
		return fmt.Errorf("expect_duty: signal %q is not probed", want.Signal)
	}
	tol := want.Tolerance
	if tol == 0 {
		tol = defaultDutyTolerance
	}
	sum := p.Summary()
	if math.Abs(sum.Duty-want.Duty) > tol {
		r.fail("%s: duty %.4f, want %.4f±%.4f", want.Signal, sum.Duty, want.Duty, tol)
	}
	if want.Period != 0 && math.Abs(sum.Period-want.Period) > want.Period*tol {
		r.fail("%s: period %.2f cycles, want %.2f", want.Signal, sum.Period, want.Period)
	}
	return nil
}

// Summary renders a one-line verdict.
func (res *Result) Summary() string {
	status := "PASS"
	if !res.Passed {
		status = "FAIL"
	}
	line := fmt.Sprintf("%s %s (%d cycles, %s)", status, res.Name, res.Cycles, res.Duration.Round(time.Microsecond))
	if len(res.Failures) > 0 {
		line += "\n  " + strings.Join(res.Failures, "\n  ")
	}
	return line
}

func sortedKeys[K cmp.Ordered, V any](m map[K]V) []K {
	keys := make([]K, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
