// monctl - DDC/CI monitor control
// Reads and writes monitor VCP features (brightness, volume, input) over I2C or AVService
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	flag "github.com/spf13/pflag"

	"monctl/internal/config"
	"monctl/internal/control"
	"monctl/internal/ddc"
	"monctl/internal/session"
	"monctl/internal/shell"
	"monctl/internal/trace"
)

var (
	version    = "0.3.0"
	configPath = flag.String("config", "", "Path to config file (default: user config dir)")
	listMons   = flag.BoolP("list", "l", false, "List configured displays")
	displayID  = flag.StringP("display", "d", "", "Display id for --get/--set (default: all)")
	getVCP     = flag.StringP("get", "g", "", "Read a VCP feature (name or code)")
	setVCP     = flag.StringP("set", "s", "", "Write a VCP feature, e.g. brightness=50%")
	runShell   = flag.Bool("shell", false, "Start the interactive shell")
	addDisplay = flag.String("add-display", "", "Add a display to the config: id=location[,name]")
	delDisplay = flag.String("remove-display", "", "Remove a display from the config")
	dumpTrace  = flag.String("dump-trace", "", "Print a frame trace file and exit")
	backend    = flag.String("backend", "", "Force the backend: auto, i2c or avservice")
	logLevel   = flag.String("log-level", "", "Log level: debug, info, warn, error")
	showVer    = flag.BoolP("version", "v", false, "Show version")
)

func main() {
	flag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly})

	if *showVer {
		fmt.Printf("monctl version %s\n", version)
		return
	}

	if *dumpTrace != "" {
		if err := printTrace(os.Stdout, *dumpTrace); err != nil {
			log.Fatal().Err(err).Msg("failed to read trace")
		}
		return
	}

	cfgMgr, err := config.NewManager(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize config")
	}
	if err := cfgMgr.Load(); err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	cfg := cfgMgr.Get()
	if *backend != "" {
		cfg.Backend = *backend
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	setupLogging(cfg.LogLevel)

	// Config edits do not touch the bus
	if *addDisplay != "" {
		handleAddDisplay(cfgMgr, *addDisplay)
		return
	}
	if *delDisplay != "" {
		if _, ok := cfgMgr.Display(*delDisplay); !ok {
			log.Fatal().Str("display", *delDisplay).Msg("no such display in config")
		}
		cfgMgr.DeleteDisplay(*delDisplay)
		if err := cfgMgr.Save(); err != nil {
			log.Fatal().Err(err).Msg("failed to save config")
		}
		fmt.Printf("Removed display: %s\n", *delDisplay)
		return
	}

	exitCode := 0
	defer func() {
		if exitCode != 0 {
			os.Exit(exitCode)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, closeTrace := newSession(cfg)
	defer closeTrace()
	defer func() {
		if err := s.Close(); err != nil {
			log.Warn().Err(err).Msg("session close")
		}
	}()

	ctrl := control.New(s, log.Logger)
	ctrl.SetOnError(func(err error) {
		log.Debug().Err(err).Msg("control error")
	})
	if err := ctrl.Sync(cfg.Displays); err != nil {
		log.Warn().Err(err).Msg("some displays could not be attached")
	}

	switch {
	case *listMons:
		listDisplays(s, cfg.Displays)
	case *getVCP != "":
		if err := handleGet(ctx, ctrl, s, *getVCP); err != nil {
			log.Error().Err(err).Msg("get failed")
			exitCode = 1
		}
	case *setVCP != "":
		if err := handleSet(ctx, ctrl, s, *setVCP); err != nil {
			log.Error().Err(err).Msg("set failed")
			exitCode = 1
		}
	case *runShell:
		if err := shell.New(ctrl, s).Run(ctx); err != nil {
			log.Error().Err(err).Msg("shell error")
		}
	default:
		flag.Usage()
	}
}

func setupLogging(level string) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
}

// newSession builds the session from config. The returned func closes the trace file.
func newSession(cfg *config.Config) (*session.Session, func()) {
	var loggers []trace.Logger
	closeTrace := func() {}
	if cfg.TraceFile != "" {
		fl, err := trace.NewFileLogger(cfg.TraceFile)
		if err != nil {
			log.Warn().Err(err).Str("path", cfg.TraceFile).Msg("failed to open trace file")
		} else {
			loggers = append(loggers, fl)
			closeTrace = func() {
				if err := fl.Close(); err != nil {
					log.Warn().Err(err).Msg("trace close")
				}
			}
		}
	}
	if zerolog.GlobalLevel() <= zerolog.DebugLevel {
		loggers = append(loggers, trace.NewZerologAdapter(log.Logger))
	}

	opts := session.Options{
		Kind:             cfg.BackendKind(),
		TransactionDelay: cfg.Timing.TransactionDelay,
		ReplyDelay:       cfg.Timing.ReplyDelay,
		Debounce:         cfg.Timing.Debounce,
		Logger:           log.Logger,
		OnWriteError: func(h session.Handle, vcp ddc.VCP, value uint16, err error) {
			log.Warn().Err(err).Stringer("handle", h).Stringer("vcp", vcp).Uint16("value", value).Msg("write failed")
		},
	}
	if len(loggers) > 0 {
		opts.Tracer = trace.NewTracer(trace.NewMultiLogger(loggers...))
	}
	return session.New(opts), closeTrace
}

func listDisplays(s *session.Session, configured []session.Display) {
	attached := make(map[string]session.Info)
	for _, info := range s.Displays() {
		attached[info.Display.ID] = info
	}

	fmt.Printf("Backend: %s\n", s.Kind())
	fmt.Println("Displays:")
	fmt.Println("---------")
	for _, d := range configured {
		fmt.Printf("ID: %s\n", d.ID)
		if d.Name != "" {
			fmt.Printf("  Name: %s\n", d.Name)
		}
		fmt.Printf("  Location: %s\n", d.Location)
		if info, ok := attached[d.ID]; ok {
			fmt.Printf("  DDC/CI: attached (%s)\n", info.Handle)
		} else {
			fmt.Printf("  DDC/CI: unavailable\n")
		}
		fmt.Println()
	}
}

func targets(s *session.Session) []string {
	if *displayID != "" {
		return []string{*displayID}
	}
	var ids []string
	for _, info := range s.Displays() {
		ids = append(ids, info.Display.ID)
	}
	return ids
}

func handleGet(ctx context.Context, ctrl *control.Controller, s *session.Session, arg string) error {
	vcp, err := ddc.ParseVCP(arg)
	if err != nil {
		return err
	}
	var errs []error
	for _, id := range targets(s) {
		level, r, err := ctrl.Get(ctx, id, vcp)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", id, err))
			continue
		}
		fmt.Printf("%s %s: current=%d max=%d (%.0f%%)\n", id, vcp, r.Current, r.Max, level*100)
	}
	return errors.Join(errs...)
}

func handleSet(ctx context.Context, ctrl *control.Controller, s *session.Session, arg string) error {
	name, raw, ok := strings.Cut(arg, "=")
	if !ok {
		return fmt.Errorf("invalid --set %q, want vcp=value", arg)
	}
	vcp, err := ddc.ParseVCP(name)
	if err != nil {
		return err
	}
	v, err := control.ParseValue(raw)
	if err != nil {
		return err
	}

	var errs []error
	for _, id := range targets(s) {
		if err := ctrl.Apply(ctx, id, vcp, v); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", id, err))
		}
	}
	// Writes are coalesced in the background; wait for them before exiting.
	if err := s.Flush(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func handleAddDisplay(cfgMgr *config.Manager, arg string) {
	id, rest, ok := strings.Cut(arg, "=")
	if !ok || id == "" {
		log.Fatal().Str("arg", arg).Msg("invalid --add-display, want id=location[,name]")
	}
	location, name, _ := strings.Cut(rest, ",")
	cfgMgr.SetDisplay(session.Display{ID: id, Name: name, Location: location})
	if err := cfgMgr.Save(); err != nil {
		log.Fatal().Err(err).Msg("failed to save config")
	}
	fmt.Printf("Saved display %s to %s\n", id, cfgMgr.Path())
}

func printTrace(w io.Writer, path string) error {
	events, err := trace.ReadFile(path)
	if err != nil {
		return err
	}
	for _, e := range events {
		fmt.Fprintln(w, e)
	}
	return nil
}
