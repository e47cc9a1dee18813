// Command mcusim runs interrupt-subsystem scenarios against a simulated board.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/nshcat/risc-v/internal/config"
	"github.com/nshcat/risc-v/internal/scenario"
	"github.com/nshcat/risc-v/internal/soc"
)

func usage() {
	fmt.Fprintf(os.Stderr, `usage: mcusim <command> [flags]

commands:
  run [-board file] [-preset name] [-j N] [-v] [-trace] scenario.yaml...
  regs [-board file] [-preset name]
  presets
`)
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "run":
		err = runCommand(os.Args[2:])
	case "regs":
		err = regsCommand(os.Args[2:])
	case "presets":
		err = presetsCommand()
	case "-h", "-help", "--help", "help":
		usage()
		return
	default:
		fmt.Fprintf(os.Stderr, "mcusim: unknown command %q\n", os.Args[1])
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "mcusim: %v\n", err)
		os.Exit(1)
	}
}

func loadBoard(path, preset string) (config.Board, error) {
	if path != "" {
		return config.Load(path)
	}
	return config.Preset(preset)
}

func setupLogging(verbose bool) *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger
}

func runCommand(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	boardPath := fs.String("board", "", "board configuration file")
	preset := fs.String("preset", "gen1", "board preset used when -board is not given")
	jobs := fs.Int("j", 4, "scenarios to run in parallel")
	verbose := fs.Bool("v", false, "enable debug logging")
	showTrace := fs.Bool("trace", false, "print the event trace of every scenario")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return errors.New("no scenario files given")
	}

	logger := setupLogging(*verbose)
	board, err := loadBoard(*boardPath, *preset)
	if err != nil {
		return err
	}

	scenarios := make([]*scenario.Scenario, fs.NArg())
	var total int64
	for i, path := range fs.Args() {
		sc, err := scenario.Load(path)
		if err != nil {
			return err
		}
		scenarios[i] = sc
		for _, step := range sc.Steps {
			total += int64(step.Run)
		}
	}

	tty := term.IsTerminal(int(os.Stdout.Fd()))
	var bar *progressbar.ProgressBar
	if tty && !*verbose && total > 0 {
		bar = progressbar.Default(total, "cycles")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	results := make([]*scenario.Result, len(scenarios))
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(*jobs, 1))
	for i, sc := range scenarios {
		i, sc := i, sc
		g.Go(func() error {
			var done uint64
			opts := scenario.Options{Board: board, Logger: logger}
			if bar != nil {
				opts.Progress = func(cycles uint64) {
					mu.Lock()
					defer mu.Unlock()
					_ = bar.Add64(int64(cycles - done))
					done = cycles
				}
			}
			res, err := scenario.Run(gctx, sc, opts)
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}
	err = g.Wait()
	if bar != nil {
		_ = bar.Finish()
		fmt.Fprintln(os.Stderr)
	}
	if err != nil {
		return err
	}

	failed := 0
	for _, res := range results {
		fmt.Println(res.Summary())
		for _, p := range res.Probes {
			fmt.Printf("  %s\n", p)
		}
		if *showTrace && len(res.Trace) > 0 {
			if err := soc.RenderTrace(os.Stdout, res.Trace, tty); err != nil {
				return err
			}
		}
		if !res.Passed {
			failed++
		}
	}
	fmt.Printf("%d passed, %d failed\n", len(results)-failed, failed)
	if failed > 0 {
		return fmt.Errorf("%d scenario(s) failed", failed)
	}
	return nil
}

func regsCommand(args []string) error {
	fs := flag.NewFlagSet("regs", flag.ExitOnError)
	boardPath := fs.String("board", "", "board configuration file")
	preset := fs.String("preset", "gen1", "board preset used when -board is not given")
	if err := fs.Parse(args); err != nil {
		return err
	}
	setupLogging(false)

	board, err := loadBoard(*boardPath, *preset)
	if err != nil {
		return err
	}
	s, err := soc.New(board)
	if err != nil {
		return err
	}

	owner := make(map[uint32]string)
	for _, r := range s.Chipset().Regions() {
		for addr := r.Address; addr < r.Address+r.Size; addr += 4 {
			owner[uint32(addr)] = r.Device
		}
	}
	fmt.Printf("%-8s %-18s %-4s %-8s %s\n", "ADDR", "NAME", "MODE", "DEVICE", "DESCRIPTION")
	for _, f := range s.Registers().Fields() {
		fmt.Printf("%#08x %-18s %-4s %-8s %s\n", f.Addr, f.Name, f.Mode, owner[f.Addr], f.Doc)
	}
	return nil
}

func presetsCommand() error {
	names := config.Presets()
	for i, name := range names {
		b, err := config.Preset(name)
		if err != nil {
			return err
		}
		data, err := b.Marshal()
		if err != nil {
			return err
		}
		if i > 0 {
			fmt.Println("---")
		}
		fmt.Printf("# %s\n%s", name, strings.TrimRight(string(data), "\n")+"\n")
	}
	return nil
}
