package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/agent-relay/relayd/internal/config"
	"github.com/agent-relay/relayd/internal/daemon"
)

func main() {
	if len(os.Args) < 2 {
		runDaemon(nil)
		return
	}

	switch os.Args[1] {
	case "run":
		runDaemon(os.Args[2:])
	case "status":
		runStatus(os.Args[2:])
	case "sessions":
		runSessions(os.Args[2:])
	case "stop":
		runStop(os.Args[2:])
	case "version":
		fmt.Printf("relayd %s\n", daemon.Version)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Print(`relayd - relay local agent sessions to a remote stream

Usage:
  relayd [run]         start the daemon (default)
  relayd status        show daemon status
  relayd sessions      list active sessions
  relayd stop          stop a running daemon
  relayd version       print version
  relayd help          show this help

Flags for run:
  -config PATH         config file (default ~/.relayd/config.yaml)

Flags for status and sessions:
  -config PATH         config file
  -json                machine-readable output
`)
}

func loadConfig(fs *flag.FlagSet, args []string) (*config.Config, *flag.FlagSet) {
	configPath := fs.String("config", config.DefaultPath(), "config file path")
	fs.Parse(args)
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}
	return cfg, fs
}

func runDaemon(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	cfg, _ := loadConfig(fs, args)

	d, err := daemon.New(cfg)
	if err != nil {
		log.Fatalf("initializing daemon: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := d.Run(ctx); err != nil {
		log.Fatalf("daemon: %v", err)
	}
}

func runStatus(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	jsonOut := fs.Bool("json", false, "output JSON")
	cfg, _ := loadConfig(fs, args)

	status, err := daemon.ReadStatusFile(cfg.Daemon.StateDir)
	if err != nil {
		fmt.Println("relayd is not running")
		os.Exit(1)
	}
	if !processAliveStatus(cfg.Daemon.StateDir) {
		fmt.Println("relayd is not running (stale status file)")
		os.Exit(1)
	}

	if *jsonOut {
		out, _ := json.MarshalIndent(status, "", "  ")
		fmt.Println(string(out))
		return
	}

	fmt.Printf("relayd %s (pid %d)\n", status.Version, status.PID)
	fmt.Printf("  client:    %s\n", status.ClientID)
	fmt.Printf("  uptime:    %s\n", time.Since(status.StartedAt).Round(time.Second))
	switch {
	case status.PermanentDown:
		fmt.Printf("  server:    permanently disconnected\n")
	case status.Connected:
		fmt.Printf("  server:    connected\n")
	default:
		fmt.Printf("  server:    reconnecting\n")
	}
	fmt.Printf("  sessions:  %d tracked, %d spawned\n", len(status.Tracked), len(status.Spawned))
}

func runSessions(args []string) {
	fs := flag.NewFlagSet("sessions", flag.ExitOnError)
	jsonOut := fs.Bool("json", false, "output JSON")
	cfg, _ := loadConfig(fs, args)

	status, err := daemon.ReadStatusFile(cfg.Daemon.StateDir)
	if err != nil {
		fmt.Println("relayd is not running")
		os.Exit(1)
	}

	if *jsonOut {
		out, _ := json.MarshalIndent(map[string]any{
			"tracked": status.Tracked,
			"spawned": status.Spawned,
		}, "", "  ")
		fmt.Println(string(out))
		return
	}

	if len(status.Tracked) == 0 && len(status.Spawned) == 0 {
		fmt.Println("no active sessions")
		return
	}
	for _, s := range status.Tracked {
		title := s.Title
		if title == "" {
			title = "(untitled)"
		}
		fmt.Printf("tracked  %-12s %-40s %s\n", s.ID, title, s.ProjectPath)
	}
	for _, s := range status.Spawned {
		fmt.Printf("spawned  %-12s %-40s %s\n", s.ID, s.State, s.Cwd)
	}
}

func runStop(args []string) {
	fs := flag.NewFlagSet("stop", flag.ExitOnError)
	cfg, _ := loadConfig(fs, args)

	pid, err := daemon.ReadPIDFile(cfg.Daemon.StateDir)
	if err != nil {
		fmt.Println("relayd is not running")
		os.Exit(1)
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		log.Fatalf("finding process %d: %v", pid, err)
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		log.Fatalf("stopping pid %d: %v", pid, err)
	}
	fmt.Printf("sent SIGTERM to pid %d\n", pid)
}

func processAliveStatus(stateDir string) bool {
	pid, err := daemon.ReadPIDFile(stateDir)
	if err != nil {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
