package scenario

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nshcat/risc-v/internal/config"
	"github.com/nshcat/risc-v/internal/core"
)

func TestTestdataScenariosPass(t *testing.T) {
	paths, err := filepath.Glob(filepath.Join("testdata", "*.yaml"))
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	if len(paths) == 0 {
		t.Fatalf("no scenarios in testdata")
	}
	for _, path := range paths {
		t.Run(strings.TrimSuffix(filepath.Base(path), ".yaml"), func(t *testing.T) {
			sc, err := Load(path)
			if err != nil {
				t.Fatalf("load: %v", err)
			}
			res, err := Run(context.Background(), sc, Options{})
			if err != nil {
				t.Fatalf("run: %v", err)
			}
			if !res.Passed {
				t.Fatalf("%s", res.Summary())
			}
		})
	}
}

func parse(t *testing.T, src string) *Scenario {
	t.Helper()
	sc, err := Parse([]byte(src))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	return sc
}

func TestFailedExpectationIsReported(t *testing.T) {
	sc := parse(t, `
name: wrong expectation
setup:
  - write: {reg: LED_STATE, value: 0x5}
steps:
  - expect: {LED_STATE: 0x6}
`)
	res, err := Run(context.Background(), sc, Options{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Passed || len(res.Failures) != 1 || !strings.Contains(res.Failures[0], "LED_STATE = 0x5, want 0x6") {
		t.Fatalf("result = %+v", res)
	}
	if !strings.HasPrefix(res.Summary(), "FAIL wrong expectation") {
		t.Fatalf("summary = %q", res.Summary())
	}
}

func TestUnexpectedFaultFails(t *testing.T) {
	sc := parse(t, `
name: stray reti
steps:
  - reti: true
`)
	res, err := Run(context.Background(), sc, Options{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Passed {
		t.Fatalf("scenario with an unexpected fault passed")
	}
	if res.Fault == nil || res.Fault.Kind != core.FaultRetiOutsideHandler {
		t.Fatalf("fault = %v", res.Fault)
	}
}

func TestBoardFallback(t *testing.T) {
	sc := parse(t, `
name: uses the caller's board
steps:
  - expect: {ISR_EXT1: 0}
`)
	gen2, _ := config.Preset("gen2")
	res, err := Run(context.Background(), sc, Options{Board: gen2})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !res.Passed {
		t.Fatalf("%s", res.Summary())
	}
	if _, err := Run(context.Background(), sc, Options{}); err == nil {
		t.Fatalf("gen1 has no ISR_EXT1, expected an error")
	}
}

func TestParseErrors(t *testing.T) {
	for name, src := range map[string]string{
		"two actions":   "name: x\nsteps:\n  - {run: 1, reti: true}\n",
		"no action":     "name: x\nsteps:\n  - {}\n",
		"unknown op":    "name: x\nsetup:\n  - jump: {reg: IRQ_MASK}\n",
		"bare op":       "name: x\nsetup:\n  - nop\n",
		"missing from":  "name: x\nsetup:\n  - clear-from: {reg: EIC_FLAGS}\n",
		"unknown field": "name: x\nstepz: []\n",
		"no name":       "steps: []\n",
	} {
		if _, err := Parse([]byte(src)); err == nil {
			t.Errorf("%s: expected parse error", name)
		}
	}
}

func TestHandlerSourceNeedsAddressRegisters(t *testing.T) {
	sc := parse(t, `
name: fixed table has no ISR registers
board: {preset: gen1}
handlers:
  - addr: 0x100
    source: tim1
    ops: [reti]
`)
	if _, err := Run(context.Background(), sc, Options{}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestProgressReportsCycles(t *testing.T) {
	sc := parse(t, "name: long run\nsteps:\n  - run: 40000\n")
	var last uint64
	calls := 0
	_, err := Run(context.Background(), sc, Options{Progress: func(c uint64) {
		last = c
		calls++
	}})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if last != 40000 || calls != 3 {
		t.Fatalf("progress: last=%d calls=%d", last, calls)
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "s.yaml")
	if err := os.WriteFile(path, []byte("name: from disk\nsteps:\n  - run: 1\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	sc, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if sc.Name != "from disk" || len(sc.Steps) != 1 {
		t.Fatalf("scenario = %+v", sc)
	}
}
