// Package main is the entry point for the monocod orchestration daemon.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/nugget/monocod/internal/buildinfo"
	"github.com/nugget/monocod/internal/config"
	"github.com/nugget/monocod/internal/daemon"
	"github.com/nugget/monocod/internal/defaults"
	"github.com/nugget/monocod/internal/issue"
	"github.com/nugget/monocod/internal/mailbox"
)

// command is one entry in the table-driven dispatch: commands are a
// flat mapping from a verb to a handler consuming the parsed flags and
// remaining arguments.
type command struct {
	usage string
	help  string
	run   func(logger *slog.Logger, configPath string, args []string) int
}

var commands = map[string]command{
	"serve":      {usage: "serve [--daemon]", help: "Start the orchestration daemon", run: runServe},
	"stop":       {usage: "stop", help: "Stop the running daemon", run: runStop},
	"status":     {usage: "status", help: "Report daemon liveness", run: runStatus},
	"init":       {usage: "init", help: "Write a starter config.yaml", run: runInit},
	"create":     {usage: "create <type> <title>", help: "Create a draft issue", run: runCreate},
	"start":      {usage: "start <id> [mode]", help: "Start an issue (worktree|branch|direct)", run: runStart},
	"submit":     {usage: "submit <id>", help: "Sync files, lint, and move an issue to review", run: runSubmit},
	"close":      {usage: "close <id> <solution> [--no-prune]", help: "Scoped-merge and close an issue", run: runClose},
	"sync-files": {usage: "sync-files <id>", help: "Refresh an issue's files list from its branch", run: runSyncFiles},
	"send":       {usage: "send <draft.md>", help: "Validate a draft and queue it for outbound dispatch", run: runSend},
	"version":    {usage: "version", help: "Show build information", run: runVersion},
}

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	if flag.NArg() == 0 {
		printHelp()
		return
	}
	cmd, ok := commands[flag.Arg(0)]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", flag.Arg(0))
		os.Exit(1)
	}
	os.Exit(cmd.run(logger, *configPath, flag.Args()[1:]))
}

func printHelp() {
	fmt.Println("monocod - filesystem-rooted orchestration daemon for coding agents")
	fmt.Println()
	fmt.Println("Commands:")
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Printf("  %-34s %s\n", commands[name].usage, commands[name].help)
	}
	fmt.Println()
	fmt.Println("Flags:")
	flag.PrintDefaults()
}

// loadConfig finds and loads configuration, falling back to defaults
// when no config file exists anywhere.
func loadConfig(logger *slog.Logger, configPath string) (*config.Config, *slog.Logger, error) {
	cfgPath, err := config.FindConfig(configPath)
	if err != nil {
		if configPath != "" {
			return nil, logger, err
		}
		logger.Debug("no config file found, using defaults")
		return config.Default(), logger, nil
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, logger, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	// Reconfigure logger with config-driven level
	if cfg.LogLevel != "" {
		level, err := config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			return nil, logger, err
		}
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level:       level,
			ReplaceAttr: config.ReplaceLogLevelNames,
		}))
	}
	logger.Info("config loaded", "path", cfgPath, "project", cfg.Project.Root)
	return cfg, logger, nil
}

func runServe(logger *slog.Logger, configPath string, args []string) int {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	detach := fs.Bool("daemon", false, "run detached, logging to .monoco/log/daemon.log")
	fs.Parse(args)

	cfg, logger, err := loadConfig(logger, configPath)
	if err != nil {
		logger.Error("config", "error", err)
		return 1
	}

	if *detach {
		return respawnDetached(logger, cfg, configPath)
	}

	logger.Info("starting monocod",
		"version", buildinfo.Version, "commit", buildinfo.GitCommit,
		"branch", buildinfo.GitBranch, "built", buildinfo.BuildTime,
	)

	d, err := daemon.New(cfg, logger)
	if err != nil {
		logger.Error("daemon construction failed", "error", err)
		return 1
	}

	// Graceful shutdown on SIGINT/SIGTERM.
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutdown signal received")
		cancel()
	}()

	if err := d.Run(ctx); err != nil {
		logger.Error("daemon exited", "error", err)
		return 1
	}
	return 0
}

// respawnDetached re-executes the binary in the background with stdout
// and stderr redirected to the daemon log.
func respawnDetached(logger *slog.Logger, cfg *config.Config, configPath string) int {
	logDir := filepath.Join(cfg.DataDir, "log")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		logger.Error("create log dir", "error", err)
		return 1
	}
	logFile, err := os.OpenFile(filepath.Join(logDir, "daemon.log"),
		os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		logger.Error("open daemon log", "error", err)
		return 1
	}
	defer logFile.Close()

	argv := []string{os.Args[0]}
	if configPath != "" {
		argv = append(argv, "-config", configPath)
	}
	argv = append(argv, "serve")

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		logger.Error("detach failed", "error", err)
		return 1
	}
	fmt.Printf("daemon started (pid %d), logging to %s\n", cmd.Process.Pid, logFile.Name())
	return 0
}

func runStop(logger *slog.Logger, configPath string, args []string) int {
	cfg, logger, err := loadConfig(logger, configPath)
	if err != nil {
		logger.Error("config", "error", err)
		return 1
	}
	if err := daemon.StopDaemon(cfg.DataDir, 10*time.Second); err != nil {
		logger.Error("stop failed", "error", err)
		return 1
	}
	fmt.Println("stopped")
	return 0
}

func runStatus(logger *slog.Logger, configPath string, args []string) int {
	cfg, logger, err := loadConfig(logger, configPath)
	if err != nil {
		logger.Error("config", "error", err)
		return 1
	}
	pf, live, err := daemon.StatusDaemon(cfg.DataDir)
	if err != nil {
		logger.Error("status failed", "error", err)
		return 1
	}
	if pf == nil || !live {
		fmt.Println("not running")
		return 1
	}
	fmt.Printf("running: pid %d on %s:%d since %s\n", pf.PID, pf.Host, pf.Port, pf.StartedAt.Format(time.RFC3339))
	return 0
}

func runInit(logger *slog.Logger, configPath string, args []string) int {
	path := "config.yaml"
	if _, err := os.Stat(path); err == nil {
		fmt.Fprintln(os.Stderr, "config.yaml already exists")
		return 1
	}
	if err := os.WriteFile(path, defaults.ConfigYAML, 0o644); err != nil {
		logger.Error("write config", "error", err)
		return 1
	}
	fmt.Println("wrote config.yaml")
	return 0
}

// transitions builds the issue transition core for CLI-invoked
// operations (no running daemon required; hooks still fire).
func transitions(logger *slog.Logger, configPath string) (*issue.Transitions, *config.Config, error) {
	cfg, logger, err := loadConfig(logger, configPath)
	if err != nil {
		return nil, nil, err
	}
	d, err := daemon.New(cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	return d.Trans, cfg, nil
}

func runCreate(logger *slog.Logger, configPath string, args []string) int {
	if len(args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: monocod create <type> <title>")
		return 1
	}
	trans, _, err := transitions(logger, configPath)
	if err != nil {
		logger.Error("setup", "error", err)
		return 1
	}
	iss, dec, err := trans.Create(context.Background(), issue.Type(args[0]), args[1], "")
	if err != nil {
		logger.Error("create failed", "error", err)
		return 1
	}
	if dec.Message != "" {
		fmt.Fprintln(os.Stderr, dec.Message)
	}
	fmt.Println(iss.Front.ID)
	return 0
}

func runStart(logger *slog.Logger, configPath string, args []string) int {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: monocod start <id> [mode]")
		return 1
	}
	mode := ""
	if len(args) > 1 {
		mode = args[1]
	}
	trans, _, err := transitions(logger, configPath)
	if err != nil {
		logger.Error("setup", "error", err)
		return 1
	}
	iss, err := trans.Start(context.Background(), args[0], mode)
	if err != nil {
		logger.Error("start failed", "error", err)
		return 1
	}
	fmt.Printf("%s -> %s (%s %s)\n", iss.Front.ID, iss.Front.Stage,
		iss.Front.Isolation.Type, iss.Front.Isolation.Ref)
	return 0
}

func runSubmit(logger *slog.Logger, configPath string, args []string) int {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: monocod submit <id>")
		return 1
	}
	trans, _, err := transitions(logger, configPath)
	if err != nil {
		logger.Error("setup", "error", err)
		return 1
	}
	iss, err := trans.Submit(context.Background(), args[0], issue.NewLinter(trans.Store))
	if err != nil {
		logger.Error("submit failed", "error", err)
		return 1
	}
	fmt.Printf("%s -> %s (%d files)\n", iss.Front.ID, iss.Front.Stage, len(iss.Front.Files))
	return 0
}

func runClose(logger *slog.Logger, configPath string, args []string) int {
	if len(args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: monocod close <id> <solution> [--no-prune]")
		return 1
	}
	noPrune := false
	for _, a := range args[2:] {
		if a == "--no-prune" {
			noPrune = true
		}
	}
	trans, _, err := transitions(logger, configPath)
	if err != nil {
		logger.Error("setup", "error", err)
		return 1
	}
	res, err := trans.Close(context.Background(), args[0], args[1], noPrune)
	if err != nil {
		if res != nil && len(res.Conflicts) > 0 {
			fmt.Fprintln(os.Stderr, "merge conflicts:")
			for _, f := range res.Conflicts {
				fmt.Fprintln(os.Stderr, "  "+f)
			}
		}
		logger.Error("close failed", "error", err)
		return 1
	}
	fmt.Printf("%s closed (%s)\n", res.Issue.Front.ID, args[1])
	return 0
}

func runSyncFiles(logger *slog.Logger, configPath string, args []string) int {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: monocod sync-files <id>")
		return 1
	}
	trans, _, err := transitions(logger, configPath)
	if err != nil {
		logger.Error("setup", "error", err)
		return 1
	}
	iss, err := trans.SyncFiles(context.Background(), args[0])
	if err != nil {
		logger.Error("sync-files failed", "error", err)
		return 1
	}
	for _, f := range iss.Front.Files {
		fmt.Println(f)
	}
	return 0
}

func runSend(logger *slog.Logger, configPath string, args []string) int {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: monocod send <draft.md>")
		return 1
	}
	cfg, logger, err := loadConfig(logger, configPath)
	if err != nil {
		logger.Error("config", "error", err)
		return 1
	}
	tree := mailbox.NewTree(filepath.Join(cfg.DataDir, "mailbox"))
	msg, err := mailbox.Send(tree, args[0])
	if err != nil {
		logger.Error("send failed", "error", err)
		return 1
	}
	fmt.Printf("queued %s for %s\n", msg.Front.ID, msg.Front.Provider)
	return 0
}

func runVersion(logger *slog.Logger, configPath string, args []string) int {
	fmt.Println(buildinfo.String())
	info := buildinfo.BuildInfo()
	keys := make([]string, 0, len(info))
	for k := range info {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Printf("  %-12s %s\n", k+":", info[k])
	}
	return 0
}
