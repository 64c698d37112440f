// Command homer orchestrates interactive AI coding CLIs working on a
// repository. It spawns tool sessions on pseudo-terminals, schedules
// tasks from a PRD or GitHub issues, verifies each finished task with
// the project's own checks, and accumulates what worked in a per-repo
// memory store.
//
// Usage:
//
//	homer --auto --agents 3
//	homer --tool aider --model gpt-4.1 --repo acme/site
//	homer --resume
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"syscall"

	"github.com/alecthomas/kong"
	"golang.org/x/term"

	"github.com/homerhq/homer"
	"github.com/homerhq/homer/pkg/bus"
	"github.com/homerhq/homer/pkg/config"
	"github.com/homerhq/homer/pkg/memory"
	"github.com/homerhq/homer/pkg/server"
	"github.com/homerhq/homer/pkg/supervisor"
	"github.com/homerhq/homer/pkg/tools"
	"github.com/homerhq/homer/pkg/workspace"
)

// CLI defines the command-line interface.
type CLI struct {
	Tool           string `help:"Coding CLI to drive (claude, aider, codex, or any command on PATH)."`
	Model          string `help:"Model name passed through to the tool."`
	Repo           string `help:"Repository identifier (owner/name) for issue import and workspace naming."`
	Auto           bool   `help:"Pull tasks and replace finished agents automatically."`
	Agents         int    `help:"Concurrency target for auto mode." placeholder:"N"`
	Label          string `help:"Agent id prefix." placeholder:"PREFIX"`
	PermissionMode string `name:"permission-mode" help:"Permission mode forwarded to tools that support one."`
	Resume         bool   `help:"Resume the saved session without asking."`
	Fresh          bool   `help:"Discard any saved session and start clean."`

	Listen    string `help:"Control server listen address." placeholder:"HOST:PORT"`
	Config    string `short:"c" help:"Config file path (default ~/.homer/config.yaml)." type:"path"`
	LogLevel  string `name:"log-level" help:"Log level (debug, info, warn, error)."`
	LogFile   string `name:"log-file" help:"Log file path (empty = stderr)."`
	LogFormat string `name:"log-format" help:"Log format (text or json)."`

	Version kong.VersionFlag `help:"Print version and exit."`
}

func (c *CLI) options() config.Options {
	return config.Options{
		Tool:           c.Tool,
		Model:          c.Model,
		Repo:           c.Repo,
		Auto:           c.Auto,
		Agents:         c.Agents,
		Label:          c.Label,
		PermissionMode: c.PermissionMode,
		Listen:         c.Listen,
		LogLevel:       c.LogLevel,
		LogFormat:      c.LogFormat,
		LogFile:        c.LogFile,
		Resume:         c.Resume,
		Fresh:          c.Fresh,
	}
}

func buildVersion() string {
	info := homer.BuildInfo()
	if bi, ok := debug.ReadBuildInfo(); ok {
		if bi.Main.Version != "(devel)" && bi.Main.Version != "" {
			info.Version = bi.Main.Version
		}
	}
	return info.String()
}

func run(cli *CLI) error {
	configPath := cli.Config
	if configPath == "" {
		configPath = config.DefaultFilePath()
	}
	fileOpts, err := config.LoadFile(configPath)
	if err != nil {
		return err
	}
	opts := config.Resolve(cli.options(), fileOpts)
	if err := opts.Validate(); err != nil {
		return err
	}

	cleanup, err := initLogger(opts.LogLevel, opts.LogFile, opts.LogFormat)
	if err != nil {
		return err
	}
	if cleanup != nil {
		defer cleanup()
	}

	tool, err := tools.Resolve(opts.Tool)
	if err != nil {
		return err
	}

	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("cannot determine working directory: %w", err)
	}

	paths, err := workspace.NewPaths(opts.Repo, cwd)
	if err != nil {
		return fmt.Errorf("workspace unavailable: %w", err)
	}
	if err := paths.EnsureTree(); err != nil {
		return fmt.Errorf("workspace unavailable: %w", err)
	}
	if err := paths.EnsureSharedNotes(); err != nil {
		slog.Warn("shared notes bootstrap failed", "error", err)
	}

	mem, err := memory.Open(paths.MemoryDB())
	if err != nil {
		return fmt.Errorf("memory store: %w", err)
	}
	defer mem.Close()

	b := bus.New()
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("shutting down")
		cancel()
	}()

	sup := supervisor.New(opts, tool, cwd, b, mem, paths)
	if cols, rows, err := term.GetSize(int(os.Stdout.Fd())); err == nil {
		sup.InitialCols = uint16(cols)
		sup.InitialRows = uint16(rows)
	}

	if err := sup.Start(ctx); err != nil {
		return err
	}
	defer sup.Shutdown()

	srv := server.New(opts.Listen, sup, b)
	printStartupInfo(srv.Address(), tool, opts, paths)

	return srv.Start(ctx)
}

func printStartupInfo(addr string, tool tools.Descriptor, opts config.Options, paths *workspace.Paths) {
	fmt.Printf("\nhomer ready\n")
	fmt.Printf("   State:     http://%s/api/state\n", addr)
	fmt.Printf("   Events:    ws://%s/ws\n", addr)
	fmt.Printf("   Metrics:   http://%s/metrics\n", addr)
	fmt.Printf("   Tool:      %s", tool.ID)
	if opts.Model != "" {
		fmt.Printf(" (%s)", opts.Model)
	}
	fmt.Println()
	if detected := tools.Detect(); len(detected) > 0 {
		ids := make([]string, 0, len(detected))
		for _, d := range detected {
			ids = append(ids, d.ID)
		}
		fmt.Printf("   Available: %s\n", strings.Join(ids, ", "))
	}
	if opts.Auto {
		fmt.Printf("   Mode:      auto, %d agent(s)\n", opts.Agents)
	} else {
		fmt.Printf("   Mode:      manual\n")
	}
	fmt.Printf("   Workspace: %s\n", paths.ContextDir())
	fmt.Println("\nPress Ctrl+C to stop")
}

// printBanner prints the startup banner when stdout is a terminal.
func printBanner() {
	if fileInfo, err := os.Stdout.Stat(); err == nil {
		if (fileInfo.Mode() & os.ModeCharDevice) == 0 {
			return
		}
	} else {
		return
	}

	// Amber: #f59e0b = RGB(245, 158, 11)
	amber := "\033[38;2;245;158;11m"
	reset := "\033[0m"

	banner := `
██╗  ██╗ ██████╗ ███╗   ███╗███████╗██████╗
██║  ██║██╔═══██╗████╗ ████║██╔════╝██╔══██╗
███████║██║   ██║██╔████╔██║█████╗  ██████╔╝
██╔══██║██║   ██║██║╚██╔╝██║██╔══╝  ██╔══██╗
██║  ██║╚██████╔╝██║ ╚═╝ ██║███████╗██║  ██║
╚═╝  ╚═╝ ╚═════╝ ╚═╝     ╚═╝╚══════╝╚═╝  ╚═╝
`
	fmt.Printf("%s%s%s\n", amber, banner, reset)
}

func main() {
	printBanner()

	_ = config.LoadEnvFiles()

	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("homer"),
		kong.Description("Multi-agent orchestrator for interactive AI coding CLIs."),
		kong.UsageOnError(),
		kong.Vars{"version": buildVersion()},
	)

	ctx.FatalIfErrorf(run(&cli))
}
