// Package shell provides the interactive command line for monctl.
package shell

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/chzyer/readline"

	"monctl/internal/control"
	"monctl/internal/ddc"
	"monctl/internal/session"
)

// Shell runs get/set commands against the attached displays
type Shell struct {
	ctrl    *control.Controller
	session *session.Session
	out     io.Writer
}

// New creates a shell. Output goes to stdout until Run attaches readline.
func New(ctrl *control.Controller, s *session.Session) *Shell {
	return &Shell{ctrl: ctrl, session: s, out: os.Stdout}
}

// Run reads commands until quit, EOF or ctx is done
func (sh *Shell) Run(ctx context.Context) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "monctl> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		AutoComplete: readline.NewPrefixCompleter(
			readline.PcItem("help"),
			readline.PcItem("list"),
			readline.PcItem("get"),
			readline.PcItem("set"),
			readline.PcItem("setall"),
			readline.PcItem("flush"),
			readline.PcItem("quit"),
		),
	})
	if err != nil {
		return fmt.Errorf("failed to create readline: %w", err)
	}
	defer rl.Close()
	sh.out = rl.Stdout()

	sh.printHelp()
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		line, err := rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) {
				continue
			}
			return nil
		}
		if sh.Execute(ctx, line) {
			return nil
		}
	}
}

// Execute runs one command line and reports whether the shell should exit
func (sh *Shell) Execute(ctx context.Context, line string) bool {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return false
	}
	cmd := strings.ToLower(parts[0])
	args := parts[1:]

	switch cmd {
	case "help", "?":
		sh.printHelp()
	case "list", "ls":
		sh.cmdList()
	case "get", "g":
		sh.cmdGet(ctx, args)
	case "set", "s":
		sh.cmdSet(ctx, args)
	case "setall":
		sh.cmdSetAll(ctx, args)
	case "flush":
		if err := sh.session.Flush(ctx); err != nil {
			fmt.Fprintf(sh.out, "Error: %v\n", err)
		}
	case "quit", "exit", "q":
		fmt.Fprintln(sh.out, "Exiting...")
		return true
	default:
		fmt.Fprintf(sh.out, "Unknown command: %s (type 'help' for commands)\n", cmd)
	}
	return false
}

func (sh *Shell) printHelp() {
	fmt.Fprintln(sh.out, `
monctl commands:
    list                         - List attached displays
    get <display> <vcp>          - Read a VCP feature (brightness, volume, 0x60, ...)
    set <display> <vcp> <value>  - Write a value: 50%, 0.5 or a raw number
    setall <vcp> <value>         - Write a level or raw value on every display
    flush                        - Wait for queued writes to reach the displays
    quit                         - Exit`)
}

func (sh *Shell) cmdList() {
	infos := sh.session.Displays()
	if len(infos) == 0 {
		fmt.Fprintln(sh.out, "No displays attached")
		return
	}
	for _, info := range infos {
		fmt.Fprintf(sh.out, "  %-12s %-24s %-10s %s\n",
			info.Display.ID, info.Display.Name, info.Kind, info.Display.Location)
	}
}

func (sh *Shell) cmdGet(ctx context.Context, args []string) {
	if len(args) != 2 {
		fmt.Fprintln(sh.out, "Usage: get <display> <vcp>")
		return
	}
	vcp, err := ddc.ParseVCP(args[1])
	if err != nil {
		fmt.Fprintf(sh.out, "Error: %v\n", err)
		return
	}
	level, r, err := sh.ctrl.Get(ctx, args[0], vcp)
	if err != nil {
		fmt.Fprintf(sh.out, "Error: %v\n", err)
		return
	}
	fmt.Fprintf(sh.out, "%s %s: current=%d max=%d (%.0f%%)\n", args[0], vcp, r.Current, r.Max, level*100)
}

func (sh *Shell) cmdSet(ctx context.Context, args []string) {
	if len(args) != 3 {
		fmt.Fprintln(sh.out, "Usage: set <display> <vcp> <value>")
		return
	}
	vcp, err := ddc.ParseVCP(args[1])
	if err != nil {
		fmt.Fprintf(sh.out, "Error: %v\n", err)
		return
	}
	v, err := control.ParseValue(args[2])
	if err != nil {
		fmt.Fprintf(sh.out, "Error: %v\n", err)
		return
	}
	if err := sh.ctrl.Apply(ctx, args[0], vcp, v); err != nil {
		fmt.Fprintf(sh.out, "Error: %v\n", err)
		return
	}
	fmt.Fprintf(sh.out, "%s %s <- %s\n", args[0], vcp, v)
}

func (sh *Shell) cmdSetAll(ctx context.Context, args []string) {
	if len(args) != 2 {
		fmt.Fprintln(sh.out, "Usage: setall <vcp> <value>")
		return
	}
	vcp, err := ddc.ParseVCP(args[0])
	if err != nil {
		fmt.Fprintf(sh.out, "Error: %v\n", err)
		return
	}
	v, err := control.ParseValue(args[1])
	if err != nil {
		fmt.Fprintf(sh.out, "Error: %v\n", err)
		return
	}
	if err := sh.ctrl.SetAll(ctx, vcp, v); err != nil {
		fmt.Fprintf(sh.out, "Error: %v\n", err)
		return
	}
	fmt.Fprintf(sh.out, "all %s <- %s\n", vcp, v)
}
