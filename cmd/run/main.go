package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/charmbracelet/lipgloss"
	units "github.com/docker/go-units"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/wippyai/hle-runtime/config"
	"github.com/wippyai/hle-runtime/cpu"
	"github.com/wippyai/hle-runtime/diag"
	"github.com/wippyai/hle-runtime/dispatch"
	"github.com/wippyai/hle-runtime/hostwasm"
	"github.com/wippyai/hle-runtime/loader"
	"github.com/wippyai/hle-runtime/memory"
	"github.com/wippyai/hle-runtime/objc"
	"github.com/wippyai/hle-runtime/runtime"
)

// pluginList collects repeated -plugin flags.
type pluginList []string

func (p *pluginList) String() string { return strings.Join(*p, ",") }

func (p *pluginList) Set(v string) error {
	*p = append(*p, v)
	return nil
}

func main() {
	var (
		configFile  = flag.String("config", "", "Path to hle.toml")
		logLevel    = flag.String("log-level", "", "Log level (debug, info, warn, error); overrides the config file")
		dumpFile    = flag.String("dump", "", "Write a crash dump to this file when the run does not exit normally")
		interactive = flag.Bool("i", false, "Inspect the finished run in a TUI")
		plugins     pluginList
	)
	flag.Var(&plugins, "plugin", "Framework plugin wasm file (repeatable)")
	flag.Parse()

	if flag.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Usage: run [-config hle.toml] [-plugin UIKit.wasm ...] [-dump crash.hled] [-i] <image> [args...]")
		os.Exit(2)
	}

	code, err := run(*configFile, *logLevel, *dumpFile, plugins, *interactive, flag.Arg(0), flag.Args()[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	os.Exit(code)
}

func run(configFile, logLevel, dumpFile string, plugins []string, interactive bool, imagePath string, args []string) (int, error) {
	cfg := config.Default()
	if configFile != "" {
		var err error
		if cfg, err = config.Load(configFile); err != nil {
			return 0, err
		}
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if len(args) > 0 {
		cfg.Guest.Args = args
	}

	logger, err := cfg.Log.Logger()
	if err != nil {
		return 0, fmt.Errorf("logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()
	setLoggers(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	eng := hostwasm.NewEngine(ctx, nil)
	defer eng.Close(context.Background())

	var opts []runtime.Option
	for _, path := range append(cfg.Plugins, plugins...) {
		p, err := eng.LoadFile(ctx, path)
		if err != nil {
			return 0, err
		}
		opts = append(opts, runtime.WithHost(p))
	}

	env, err := runtime.New(cfg, opts...)
	if err != nil {
		return 0, err
	}
	data, err := os.ReadFile(imagePath)
	if err != nil {
		return 0, fmt.Errorf("read image: %w", err)
	}
	img, err := env.Load(data, imagePath)
	if err != nil {
		return 0, err
	}
	if len(img.Unresolved) > 0 {
		logger.Warn("imports bound to unimplemented stubs", zap.Strings("symbols", img.Unresolved))
	}

	res := env.RunUntilExit(ctx)
	logger.Info("run finished",
		zap.Stringer("run", env.ID()),
		zap.Stringer("kind", res.Kind),
		zap.String("classification", res.Classification),
		zap.Uint64("dispatches", res.Dispatches))

	if dumpFile != "" && res.Kind != runtime.ResultExited {
		if err := writeDump(dumpFile, env, res); err != nil {
			return 0, err
		}
		logger.Info("crash dump written", zap.String("path", dumpFile))
	}

	if interactive {
		if err := runInteractive(ctx, imagePath, env, res); err != nil {
			return 0, err
		}
	} else {
		printResult(os.Stdout, term.IsTerminal(int(os.Stdout.Fd())), env, res)
	}
	return res.ExitCode(), nil
}

func setLoggers(l *zap.Logger) {
	memory.SetLogger(l.Named("memory"))
	cpu.SetLogger(l.Named("cpu"))
	dispatch.SetLogger(l.Named("dispatch"))
	loader.SetLogger(l.Named("loader"))
	objc.SetLogger(l.Named("objc"))
	runtime.SetLogger(l.Named("runtime"))
	hostwasm.SetLogger(l.Named("hostwasm"))
	diag.SetLogger(l.Named("diag"))
}

func writeDump(path string, env *runtime.Environment, res runtime.Result) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create dump: %w", err)
	}
	if err := diag.Write(f, diag.Capture(env, res)); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

var (
	okStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#90EE90"))
	faultStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FF6B6B"))
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#87CEEB")).Width(12)
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#666666"))
)

// printResult reports how the run ended. Faults include the registers and
// the most recent host calls.
func printResult(w io.Writer, styled bool, env *runtime.Environment, res runtime.Result) {
	if !styled {
		fmt.Fprintln(w, res)
		if res.Kind == runtime.ResultFault || res.Kind == runtime.ResultGuestError {
			fmt.Fprint(w, formatRegisters(res.Context))
		}
		return
	}

	status := faultStyle
	if res.Kind == runtime.ResultExited {
		status = okStyle
	}
	fmt.Fprintln(w, status.Render(res.Kind.String())+" "+res.Classification)
	row := func(label, value string) {
		fmt.Fprintln(w, labelStyle.Render(label)+value)
	}
	if res.Kind != runtime.ResultExited && res.Kind != runtime.ResultError {
		where := fmt.Sprintf("0x%08x", res.PC)
		if sym := env.Symbolize(res.PC); sym != "" {
			where += " " + sym
		}
		row("pc", where)
		if res.Symbol != "" {
			row("symbol", res.Symbol)
		}
		if res.Err != nil {
			row("error", res.Err.Error())
		}
	}
	hs := env.Memory().HeapStats()
	row("heap", fmt.Sprintf("%s of %s in %d blocks",
		units.BytesSize(float64(hs.Used)), units.BytesSize(float64(hs.Size)), hs.Allocations))
	row("dispatches", fmt.Sprintf("%d", res.Dispatches))

	if res.Kind == runtime.ResultFault || res.Kind == runtime.ResultGuestError {
		fmt.Fprintln(w)
		fmt.Fprint(w, formatRegisters(res.Context))
		recs := env.Trace().Records()
		if len(recs) > 8 {
			recs = recs[len(recs)-8:]
		}
		if len(recs) > 0 {
			fmt.Fprintln(w)
			for _, r := range recs {
				fmt.Fprintln(w, dimStyle.Render(fmt.Sprintf("#%d", r.Seq))+" "+formatRecord(r))
			}
		}
	}
}

func formatRegisters(c cpu.Context) string {
	var b strings.Builder
	for i := 0; i < cpu.NumRegs; i++ {
		fmt.Fprintf(&b, "%-4s %08x", cpu.Reg(i), c.Regs[i])
		if i%4 == 3 {
			b.WriteByte('\n')
		} else {
			b.WriteString("  ")
		}
	}
	fmt.Fprintf(&b, "cpsr %08x  tls  %08x\n", c.CPSR, c.TLS)
	return b.String()
}

func formatRecord(r runtime.Record) string {
	s := fmt.Sprintf("%s(0x%x, 0x%x, 0x%x, 0x%x) = 0x%x  thread %d depth %d",
		r.Symbol, r.Args[0], r.Args[1], r.Args[2], r.Args[3], r.Result, r.Thread, r.Depth)
	if r.Err != "" {
		s += "  " + r.Err
	}
	return s
}
