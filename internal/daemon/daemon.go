// Package daemon wires the subsystems together and owns the process
// lifecycle: pid file, status file, socket, and shutdown ordering.
package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/agent-relay/relayd/internal/api"
	"github.com/agent-relay/relayd/internal/config"
	"github.com/agent-relay/relayd/internal/harness"
	"github.com/agent-relay/relayd/internal/metrics"
	"github.com/agent-relay/relayd/internal/protocol"
	"github.com/agent-relay/relayd/internal/spawn"
	"github.com/agent-relay/relayd/internal/tracker"
	"github.com/agent-relay/relayd/internal/watcher"
	"github.com/agent-relay/relayd/internal/ws"
)

// Version is stamped at build time.
var Version = "dev"

type Daemon struct {
	cfg      *config.Config
	clientID string

	socket    *ws.Client
	track     *tracker.Tracker
	watch     *watcher.Watcher
	spawnMgr  *spawn.Manager
	harnesses map[string]bool

	startedAt time.Time
}

func New(cfg *config.Config) (*Daemon, error) {
	clientID, err := config.ClientID(cfg.Daemon.StateDir)
	if err != nil {
		return nil, err
	}

	apiClient := api.NewClient(cfg.Server.APIURL, cfg.Server.Token, clientID)

	track := tracker.New(apiClient, tracker.NewGitDiffer(), tracker.Config{
		DiffDebounce:    time.Duration(cfg.Daemon.DiffDebounceMs) * time.Millisecond,
		IdleTimeout:     time.Duration(cfg.Daemon.IdleTimeoutMs) * time.Millisecond,
		IdleSweep:       time.Duration(cfg.Daemon.IdleSweepMs) * time.Millisecond,
		ParseStateLimit: cfg.Harness.ParseStateLimit,
		AllowedRepos:    cfg.Repos.Allowed,
	})

	adapters := []harness.Adapter{harness.NewClaudeCode("")}
	harnesses := make(map[string]bool, len(adapters))
	for _, a := range adapters {
		harnesses[a.Name()] = true
	}
	watch, err := watcher.New(track, adapters, watcher.Config{
		RescanInterval: time.Duration(cfg.Daemon.RescanIntervalMs) * time.Millisecond,
		RecentWindow:   24 * time.Hour,
	})
	if err != nil {
		return nil, fmt.Errorf("creating watcher: %w", err)
	}

	socket := ws.NewClient(
		cfg.Server.WSURL, cfg.Server.Token, clientID,
		cfg.Server.ReconnectBackoffMs,
		cfg.Server.MaxReconnectAttempts,
		time.Duration(cfg.Server.HeartbeatIntervalMs)*time.Millisecond,
	)
	hostname, _ := os.Hostname()
	socket.SetHello(protocol.DaemonConnected{
		Hostname:     hostname,
		Version:      Version,
		Capabilities: []string{"track", "spawn", "diff"},
	})

	spawnMgr := spawn.NewManager(spawn.Config{
		Bin:                   cfg.Harness.ClaudeBin,
		DefaultPermissionMode: cfg.Harness.DefaultPermissionMode,
		LaunchGrace:           time.Duration(cfg.Harness.LaunchGraceMs) * time.Millisecond,
		KillGrace:             time.Duration(cfg.Harness.KillGraceMs) * time.Millisecond,
		DiffDebounce:          time.Duration(cfg.Daemon.DiffDebounceMs) * time.Millisecond,
		HistoryLimit:          cfg.Harness.HistoryLimit,
		AllowedRepos:          cfg.Repos.Allowed,
	}, socket.Send)

	d := &Daemon{
		cfg:       cfg,
		clientID:  clientID,
		socket:    socket,
		track:     track,
		watch:     watch,
		spawnMgr:  spawnMgr,
		harnesses: harnesses,
		startedAt: time.Now(),
	}
	socket.SetCommandHandler(d.handleCommand)
	socket.SetOnConnect(func() {
		// Catch the server up on anything it missed while the
		// socket was down.
		for _, s := range spawnMgr.ActiveSessions() {
			hist := spawnMgr.History(s.ID)
			if len(hist) == 0 {
				continue
			}
			if err := socket.Send(protocol.SessionOutput{
				Type:      protocol.TypeSessionOutput,
				SessionID: s.ID,
				Messages:  hist,
			}); err != nil {
				log.Printf("replaying history for %s: %v", s.ID, err)
			}
		}
	})
	socket.SetOnPermanentDisconnect(func() {
		log.Printf("server unreachable, spawn control is offline until restart")
	})
	return d, nil
}

// Run blocks until ctx is cancelled.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.writePIDFile(); err != nil {
		return err
	}
	defer os.Remove(d.pidPath())
	defer os.Remove(d.statusPath())

	if d.cfg.Metrics.Listen != "" {
		go func() {
			if err := metrics.Serve(d.cfg.Metrics.Listen); err != nil {
				log.Printf("metrics endpoint: %v", err)
			}
		}()
	}

	if err := d.socket.Connect(); err != nil {
		// Tracking still works; the reconnect loop owns the socket.
		log.Printf("initial connect failed: %v", err)
		go d.socket.Reconnect()
	}

	go d.watch.Run(ctx)
	go d.track.Run(ctx)
	go d.statusLoop(ctx)

	log.Printf("relayd %s up, client %s", Version, d.clientID)
	<-ctx.Done()

	log.Printf("shutting down")
	d.spawnMgr.Shutdown()
	d.track.CloseAll()
	d.socket.Close()
	return nil
}

func (d *Daemon) handleCommand(cmd any) {
	switch c := cmd.(type) {
	case *protocol.StartSession:
		if err := d.startSpawned(c); err != nil {
			log.Printf("start_session %s: %v", c.SessionID, err)
			if err := d.socket.Send(protocol.SessionEnded{
				Type:      protocol.TypeSessionEnded,
				SessionID: c.SessionID,
				ExitCode:  -1,
				Reason:    spawn.ReasonError,
				Error:     err.Error(),
			}); err != nil {
				log.Printf("reporting spawn failure: %v", err)
			}
		}
	case *protocol.SendInput:
		d.spawnMgr.SendInput(c.SessionID, c.Text)
	case *protocol.EndSession:
		d.spawnMgr.End(c.SessionID)
	case *protocol.InterruptSession:
		d.spawnMgr.Interrupt(c.SessionID)
	case *protocol.PermissionResponse:
		d.spawnMgr.RespondToPermission(c.SessionID, c.RequestID, c.Allow, c.Message)
	case *protocol.QuestionResponse:
		d.spawnMgr.AnswerQuestion(c.SessionID, c.ToolUseID, c.Answer)
	case *protocol.ControlResponse:
		d.spawnMgr.RespondToControl(c.SessionID, c.RequestID, c.Response)
	default:
		log.Printf("unhandled command %T", cmd)
	}
}

// startSpawned validates the requested harness before forking; an
// empty harness means "whatever the daemon runs by default".
func (d *Daemon) startSpawned(c *protocol.StartSession) error {
	if c.Harness != "" && !d.harnesses[c.Harness] {
		return fmt.Errorf("harness %q is not available on this daemon", c.Harness)
	}
	return d.spawnMgr.Start(c)
}

// Status is the snapshot persisted for the CLI subcommands.
type Status struct {
	PID           int               `json:"pid"`
	Version       string            `json:"version"`
	ClientID      string            `json:"client_id"`
	StartedAt     time.Time         `json:"started_at"`
	Connected     bool              `json:"connected"`
	PermanentDown bool              `json:"permanently_disconnected"`
	Tracked       []tracker.Summary `json:"tracked_sessions"`
	Spawned       []spawn.Summary   `json:"spawned_sessions"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

func (d *Daemon) status() Status {
	return Status{
		PID:           os.Getpid(),
		Version:       Version,
		ClientID:      d.clientID,
		StartedAt:     d.startedAt,
		Connected:     d.socket.IsConnected(),
		PermanentDown: d.socket.PermanentlyDisconnected(),
		Tracked:       d.track.ActiveSessions(),
		Spawned:       d.spawnMgr.ActiveSessions(),
		UpdatedAt:     time.Now(),
	}
}

func (d *Daemon) statusLoop(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	d.writeStatusFile()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.writeStatusFile()
		}
	}
}

func (d *Daemon) writeStatusFile() {
	data, err := json.MarshalIndent(d.status(), "", "  ")
	if err != nil {
		return
	}
	tmp := d.statusPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		log.Printf("writing status file: %v", err)
		return
	}
	if err := os.Rename(tmp, d.statusPath()); err != nil {
		log.Printf("writing status file: %v", err)
	}
}

func (d *Daemon) pidPath() string {
	return filepath.Join(d.cfg.Daemon.StateDir, "relayd.pid")
}

func (d *Daemon) statusPath() string {
	return filepath.Join(d.cfg.Daemon.StateDir, "status.json")
}

func (d *Daemon) writePIDFile() error {
	if err := os.MkdirAll(d.cfg.Daemon.StateDir, 0o755); err != nil {
		return err
	}
	path := d.pidPath()
	if pid, err := ReadPIDFile(d.cfg.Daemon.StateDir); err == nil && processAlive(pid) {
		return fmt.Errorf("relayd already running (pid %d)", pid)
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644)
}

// ReadPIDFile returns the pid recorded under stateDir.
func ReadPIDFile(stateDir string) (int, error) {
	data, err := os.ReadFile(filepath.Join(stateDir, "relayd.pid"))
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("malformed pid file: %w", err)
	}
	return pid, nil
}

// ReadStatusFile loads the last snapshot the daemon wrote.
func ReadStatusFile(stateDir string) (*Status, error) {
	data, err := os.ReadFile(filepath.Join(stateDir, "status.json"))
	if err != nil {
		return nil, err
	}
	var s Status
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("malformed status file: %w", err)
	}
	return &s, nil
}

func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
