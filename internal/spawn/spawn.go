// Package spawn launches harness subprocesses on behalf of remote
// users and bridges their NDJSON stdio to the relay server. Unlike
// tracked file-resident sessions, a spawned session's lifecycle is
// owned by the daemon.
package spawn

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agent-relay/relayd/internal/gitdiff"
	"github.com/agent-relay/relayd/internal/metrics"
	"github.com/agent-relay/relayd/internal/msg"
	"github.com/agent-relay/relayd/internal/protocol"
	"github.com/agent-relay/relayd/internal/tailer"
)

// State is a spawned session's lifecycle position.
type State string

const (
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateWaiting  State = "waiting"
	StateEnding   State = "ending"
	StateEnded    State = "ended"
	StateFailed   State = "failed"
)

// End reasons reported upstream.
const (
	ReasonCompleted      = "completed"
	ReasonError          = "error"
	ReasonUserTerminated = "user_terminated"
	ReasonTimeout        = "timeout"
)

// Sender delivers daemon-to-server messages. Delivery is best-effort;
// a down socket drops them.
type Sender func(v any) error

type Config struct {
	Bin                   string
	DefaultPermissionMode string
	LaunchGrace           time.Duration
	KillGrace             time.Duration
	DiffDebounce          time.Duration
	HistoryLimit          int
	AllowedRepos          []string
}

type Manager struct {
	cfg   Config
	send  Sender
	repos *gitdiff.RepoCache

	mu       sync.Mutex
	sessions map[string]*Session

	wg sync.WaitGroup
}

// Session is one spawned subprocess and its bridge state.
type Session struct {
	ID        string
	Cwd       string
	StartedAt time.Time

	cmd      *exec.Cmd
	stdin    io.WriteCloser
	readDone chan struct{}

	mu               sync.Mutex
	state            State
	harnessID        string
	pendingPerms     map[string]struct{}
	pendingControls  map[string]struct{}
	pendingQuestions map[string]struct{}
	touched          map[string]struct{}
	wantDiff         bool
	diffTimer        *time.Timer
	killTimer        *time.Timer
	timedOut         bool
	hist             *history
}

func NewManager(cfg Config, send Sender) *Manager {
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 1000
	}
	if cfg.DiffDebounce <= 0 {
		cfg.DiffDebounce = 2 * time.Second
	}
	if cfg.LaunchGrace <= 0 {
		cfg.LaunchGrace = 2 * time.Second
	}
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = 5 * time.Second
	}
	return &Manager{
		cfg:      cfg,
		send:     send,
		repos:    gitdiff.NewRepoCache(30 * time.Second),
		sessions: make(map[string]*Session),
	}
}

// Start launches a subprocess for the requested session and begins relaying its
// output. The initial prompt is written to stdin and echoed upstream
// so viewers see the turn that started the session.
func (m *Manager) Start(req *protocol.StartSession) error {
	cwd, err := expandPath(req.Cwd)
	if err != nil {
		return err
	}
	fi, err := os.Stat(cwd)
	if err != nil || !fi.IsDir() {
		return fmt.Errorf("cwd %s is not a directory", cwd)
	}
	if !repoAllowed(m.cfg.AllowedRepos, cwd) {
		return fmt.Errorf("cwd %s is outside the allowed repos", cwd)
	}

	m.mu.Lock()
	if _, exists := m.sessions[req.SessionID]; exists {
		m.mu.Unlock()
		return fmt.Errorf("session %s already running", req.SessionID)
	}
	// Reserve the ID before the fork so a duplicate start_session
	// cannot race us into two subprocesses.
	s := &Session{
		ID:               req.SessionID,
		Cwd:              cwd,
		StartedAt:        time.Now(),
		state:            StateStarting,
		pendingPerms:     make(map[string]struct{}),
		pendingControls:  make(map[string]struct{}),
		pendingQuestions: make(map[string]struct{}),
		touched:          make(map[string]struct{}),
		hist:             newHistory(m.cfg.HistoryLimit),
	}
	m.sessions[req.SessionID] = s
	m.mu.Unlock()

	if err := m.launch(s, req); err != nil {
		m.mu.Lock()
		delete(m.sessions, req.SessionID)
		m.mu.Unlock()
		return err
	}
	metrics.ActiveSessions.Inc()
	return nil
}

func (m *Manager) launch(s *Session, req *protocol.StartSession) error {
	mode := req.PermissionMode
	if mode == "" {
		mode = m.cfg.DefaultPermissionMode
	}
	args := []string{
		"--output-format", "stream-json",
		"--input-format", "stream-json",
		"--verbose",
		"--permission-prompt-tool", "stdio",
	}
	if mode != "" {
		args = append(args, "--permission-mode", mode)
	}
	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}
	if req.ResumeSessionID != "" {
		args = append(args, "--resume", req.ResumeSessionID)
	}

	cmd := exec.Command(m.cfg.Bin, args...)
	cmd.Dir = s.Cwd

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	cmd.Stderr = cmd.Stdout // interleave; everything is line-framed

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting %s: %w", m.cfg.Bin, err)
	}
	s.cmd = cmd
	s.stdin = stdin
	s.readDone = make(chan struct{})

	if err := s.writeUserText(req.Prompt); err != nil {
		// A dead pipe here means the process already exited; the
		// wait loop reports the launch failure.
		log.Printf("writing initial prompt to %s: %v", s.ID, err)
	}
	// Echo the prompt so remote viewers see what started the run.
	echo, _ := json.Marshal(userTextMessage(req.Prompt))
	m.relayLine(s, echo)

	m.wg.Add(2)
	go m.readLoop(s, stdout)
	go m.waitLoop(s)
	return nil
}

// SendInput forwards a user turn into the subprocess. Unknown
// sessions are a no-op; the race with session end is benign.
func (m *Manager) SendInput(sessionID, text string) {
	s := m.get(sessionID)
	if s == nil {
		log.Printf("send_input for unknown session %s ignored", sessionID)
		return
	}
	if err := s.writeUserText(text); err != nil {
		log.Printf("send_input to %s failed: %v", sessionID, err)
		return
	}
	echo, _ := json.Marshal(userTextMessage(text))
	m.relayLine(s, echo)
	s.setState(StateWaiting, StateRunning)
}

// Interrupt stops the current turn without ending the session.
func (m *Manager) Interrupt(sessionID string) {
	s := m.get(sessionID)
	if s == nil {
		log.Printf("interrupt for unknown session %s ignored", sessionID)
		return
	}
	req := map[string]any{
		"type":       "control_request",
		"request_id": uuid.NewString(),
		"request":    map[string]any{"subtype": "interrupt"},
	}
	if err := s.writeLine(req); err != nil {
		log.Printf("interrupt of %s failed: %v", sessionID, err)
	}
}

// RespondToPermission answers a legacy stdio permission request.
func (m *Manager) RespondToPermission(sessionID, requestID string, allow bool, message string) {
	s := m.get(sessionID)
	if s == nil {
		log.Printf("permission_response for unknown session %s ignored", sessionID)
		return
	}
	s.mu.Lock()
	_, pending := s.pendingPerms[requestID]
	delete(s.pendingPerms, requestID)
	s.mu.Unlock()
	if !pending {
		log.Printf("permission_response for unknown request %s ignored", requestID)
		return
	}

	behavior := "deny"
	if allow {
		behavior = "allow"
	}
	inner := map[string]any{"behavior": behavior}
	if message != "" {
		inner["message"] = message
	}
	resp := map[string]any{
		"type": "control_response",
		"response": map[string]any{
			"subtype":    "success",
			"request_id": requestID,
			"response":   inner,
		},
	}
	if err := s.writeLine(resp); err != nil {
		log.Printf("permission response to %s failed: %v", sessionID, err)
	}
}

// RespondToControl forwards a server-supplied control response
// verbatim, matched to a retained request id.
func (m *Manager) RespondToControl(sessionID, requestID string, response json.RawMessage) {
	s := m.get(sessionID)
	if s == nil {
		log.Printf("control_response for unknown session %s ignored", sessionID)
		return
	}
	s.mu.Lock()
	_, pending := s.pendingControls[requestID]
	delete(s.pendingControls, requestID)
	s.mu.Unlock()
	if !pending {
		log.Printf("control_response for unknown request %s ignored", requestID)
		return
	}

	resp := map[string]any{
		"type": "control_response",
		"response": map[string]any{
			"subtype":    "success",
			"request_id": requestID,
			"response":   response,
		},
	}
	if err := s.writeLine(resp); err != nil {
		log.Printf("control response to %s failed: %v", sessionID, err)
	}
}

// AnswerQuestion answers an interactive-question tool call by
// feeding its tool_result back through stdin.
func (m *Manager) AnswerQuestion(sessionID, toolUseID, answer string) {
	s := m.get(sessionID)
	if s == nil {
		log.Printf("question_response for unknown session %s ignored", sessionID)
		return
	}
	s.mu.Lock()
	_, pending := s.pendingQuestions[toolUseID]
	delete(s.pendingQuestions, toolUseID)
	s.mu.Unlock()
	if !pending {
		log.Printf("question_response for unknown tool use %s ignored", toolUseID)
		return
	}

	reply := map[string]any{
		"type": "user",
		"message": map[string]any{
			"role": "user",
			"content": []map[string]any{{
				"type":        "tool_result",
				"tool_use_id": toolUseID,
				"content":     answer,
			}},
		},
	}
	if err := s.writeLine(reply); err != nil {
		log.Printf("question answer to %s failed: %v", sessionID, err)
		return
	}
	s.setState(StateWaiting, StateRunning)
}

// End gracefully shuts a session down: close stdin, give the
// subprocess a grace period, then kill it.
func (m *Manager) End(sessionID string) {
	s := m.get(sessionID)
	if s == nil {
		log.Printf("end_session for unknown session %s ignored", sessionID)
		return
	}
	s.mu.Lock()
	if s.cmd == nil || s.state == StateEnding || s.state == StateEnded {
		s.mu.Unlock()
		return
	}
	s.state = StateEnding
	kill := s.cmd.Process
	s.killTimer = time.AfterFunc(m.cfg.KillGrace, func() {
		s.mu.Lock()
		s.timedOut = true
		s.mu.Unlock()
		kill.Kill()
	})
	s.mu.Unlock()

	s.stdin.Close()
}

// History returns the retained raw output of a running session for
// mid-session viewer attach.
func (m *Manager) History(sessionID string) []json.RawMessage {
	s := m.get(sessionID)
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hist.snapshot()
}

// Summary describes one spawned session for status output.
type Summary struct {
	ID        string    `json:"id"`
	Cwd       string    `json:"cwd"`
	State     string    `json:"state"`
	StartedAt time.Time `json:"started_at"`
}

func (m *Manager) ActiveSessions() []Summary {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Summary, 0, len(m.sessions))
	for _, s := range m.sessions {
		s.mu.Lock()
		out = append(out, Summary{ID: s.ID, Cwd: s.Cwd, State: string(s.state), StartedAt: s.StartedAt})
		s.mu.Unlock()
	}
	return out
}

// Shutdown ends every session and waits for their loops to drain.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.End(id)
	}
	m.wg.Wait()
}

func (m *Manager) get(sessionID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[sessionID]
}

// streamEvent is the envelope of one NDJSON line from the
// subprocess.
type streamEvent struct {
	Type      string          `json:"type"`
	Subtype   string          `json:"subtype"`
	SessionID string          `json:"session_id"`
	RequestID string          `json:"request_id"`
	Request   json.RawMessage `json:"request"`
	Message   json.RawMessage `json:"message"`
	IsError   bool            `json:"is_error"`
	ToolName  string          `json:"tool_name"`
	ToolInput json.RawMessage `json:"input"`
}

func (m *Manager) readLoop(s *Session, stdout io.Reader) {
	defer m.wg.Done()
	defer close(s.readDone)

	var lb tailer.LineBuffer
	buf := make([]byte, 32*1024)
	for {
		n, err := stdout.Read(buf)
		if n > 0 {
			for _, line := range lb.Feed(buf[:n]) {
				if strings.TrimSpace(line) == "" {
					continue
				}
				m.handleLine(s, []byte(line))
			}
		}
		if err != nil {
			return
		}
	}
}

func (m *Manager) handleLine(s *Session, raw []byte) {
	var ev streamEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		// Non-JSON output (stderr noise) is still worth relaying.
		m.relayText(s, string(raw))
		return
	}

	switch ev.Type {
	case "system":
		if ev.Subtype == "init" {
			s.mu.Lock()
			s.harnessID = ev.SessionID
			if s.state == StateStarting {
				s.state = StateRunning
			}
			s.mu.Unlock()
		}

	case "assistant":
		s.setState(StateWaiting, StateRunning)
		s.setState(StateStarting, StateRunning)
		m.classifyAssistant(s, ev.Message)

	case "result":
		// Turn complete; the subprocess idles until more input.
		s.setState(StateRunning, StateWaiting)
		m.scheduleDiffIfNeeded(s)

	case "control_request":
		s.mu.Lock()
		s.pendingControls[ev.RequestID] = struct{}{}
		s.mu.Unlock()
		m.sendUp(protocol.ControlRequest{
			Type:      protocol.TypeControlRequest,
			SessionID: s.ID,
			RequestID: ev.RequestID,
			Request:   ev.Request,
		})

	case "permission_request":
		// Older harness builds prompt through a dedicated event.
		s.mu.Lock()
		s.pendingPerms[ev.RequestID] = struct{}{}
		s.mu.Unlock()
		m.sendUp(protocol.PermissionPrompt{
			Type:      protocol.TypePermissionPrompt,
			SessionID: s.ID,
			RequestID: ev.RequestID,
			Tool:      ev.ToolName,
			Details:   ev.ToolInput,
		})
	}

	m.relayLine(s, raw)
}

// classifyAssistant inspects an assistant turn for question tools and
// working-tree writes.
func (m *Manager) classifyAssistant(s *Session, message json.RawMessage) {
	var body struct {
		Content []struct {
			Type  string          `json:"type"`
			ID    string          `json:"id"`
			Name  string          `json:"name"`
			Input json.RawMessage `json:"input"`
		} `json:"content"`
	}
	if err := json.Unmarshal(message, &body); err != nil {
		return
	}
	for _, b := range body.Content {
		if b.Type != "tool_use" {
			continue
		}
		if b.Name == msg.QuestionTool {
			var q struct {
				Question string          `json:"question"`
				Options  json.RawMessage `json:"options"`
			}
			if err := json.Unmarshal(b.Input, &q); err != nil {
				q.Question = string(b.Input)
			}
			s.mu.Lock()
			s.pendingQuestions[b.ID] = struct{}{}
			s.mu.Unlock()
			m.sendUp(protocol.QuestionPrompt{
				Type:      protocol.TypeQuestionPrompt,
				SessionID: s.ID,
				ToolUseID: b.ID,
				Question:  q.Question,
				Options:   q.Options,
			})
			continue
		}
		block := msg.ContentBlock{Type: msg.BlockToolUse, ToolName: b.Name, ToolInput: b.Input}
		if msg.IsFileModifyingTool(b.Name) {
			if p := msg.TouchedPath(block); p != "" {
				s.mu.Lock()
				s.touched[p] = struct{}{}
				s.mu.Unlock()
			}
			m.scheduleDiff(s)
			continue
		}
		if b.Name == "Bash" {
			var input struct {
				Command string `json:"command"`
			}
			if json.Unmarshal(b.Input, &input) == nil && msg.ShellMutatesWorkTree(input.Command) {
				m.scheduleDiff(s)
			}
		}
	}
}

// scheduleDiff arms (or re-arms) the debounced diff capture.
func (m *Manager) scheduleDiff(s *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wantDiff = true
	if s.diffTimer != nil {
		s.diffTimer.Reset(m.cfg.DiffDebounce)
		return
	}
	s.diffTimer = time.AfterFunc(m.cfg.DiffDebounce, func() {
		m.captureDiff(s)
	})
}

func (m *Manager) scheduleDiffIfNeeded(s *Session) {
	s.mu.Lock()
	want := s.wantDiff
	s.mu.Unlock()
	if want {
		m.scheduleDiff(s)
	}
}

func (m *Manager) captureDiff(s *Session) {
	s.mu.Lock()
	s.wantDiff = false
	touched := make([]string, 0, len(s.touched))
	for p := range s.touched {
		touched = append(touched, p)
	}
	s.mu.Unlock()

	info := m.repos.Resolve(s.Cwd)
	if info == nil {
		return
	}
	d, err := gitdiff.Capture(info.RepoRoot, touched)
	if err != nil {
		log.Printf("diff capture for %s failed: %v", s.ID, err)
		return
	}
	metrics.DiffsCaptured.Inc()
	m.sendUp(protocol.SessionDiff{
		Type:      protocol.TypeSessionDiff,
		SessionID: s.ID,
		Diff:      d.Unified,
		Files:     d.Files,
	})
}

func (m *Manager) waitLoop(s *Session) {
	defer m.wg.Done()

	// Wait closes the stdout pipe; let the reader hit EOF first so
	// trailing output is never discarded.
	<-s.readDone
	err := s.cmd.Wait()
	exitCode := 0
	if err != nil {
		exitCode = -1
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		}
	}

	s.mu.Lock()
	if s.diffTimer != nil {
		s.diffTimer.Stop()
	}
	if s.killTimer != nil {
		s.killTimer.Stop()
	}
	prev := s.state
	timedOut := s.timedOut
	launched := s.harnessID != "" || prev != StateStarting
	touched := len(s.touched) > 0
	wantDiff := s.wantDiff
	s.state = StateEnded
	s.mu.Unlock()

	// A final snapshot so the stream's diff reflects the work left
	// behind.
	if touched || wantDiff {
		m.captureDiff(s)
	}

	reason := ReasonCompleted
	errMsg := ""
	switch {
	case timedOut:
		reason = ReasonTimeout
	case prev == StateEnding:
		reason = ReasonUserTerminated
	case !launched && time.Since(s.StartedAt) < m.cfg.LaunchGrace:
		reason = ReasonError
		errMsg = fmt.Sprintf("%s exited during launch (code %d)", m.cfg.Bin, exitCode)
		s.mu.Lock()
		s.state = StateFailed
		s.mu.Unlock()
	case exitCode != 0:
		reason = ReasonError
		errMsg = fmt.Sprintf("exited with code %d", exitCode)
	}

	m.sendUp(protocol.SessionEnded{
		Type:      protocol.TypeSessionEnded,
		SessionID: s.ID,
		ExitCode:  exitCode,
		Reason:    reason,
		Error:     errMsg,
	})

	m.mu.Lock()
	delete(m.sessions, s.ID)
	m.mu.Unlock()
	metrics.ActiveSessions.Dec()
}

func (m *Manager) relayLine(s *Session, raw json.RawMessage) {
	s.mu.Lock()
	s.hist.append(raw)
	s.mu.Unlock()
	metrics.MessagesRelayed.Inc()
	m.sendUp(protocol.SessionOutput{
		Type:      protocol.TypeSessionOutput,
		SessionID: s.ID,
		Messages:  []json.RawMessage{raw},
	})
}

func (m *Manager) relayText(s *Session, text string) {
	raw, err := json.Marshal(map[string]string{"type": "stderr", "text": text})
	if err != nil {
		return
	}
	m.relayLine(s, raw)
}

func (m *Manager) sendUp(v any) {
	if err := m.send(v); err != nil {
		log.Printf("upstream send dropped: %v", err)
	}
}

// writeUserText frames a plain user turn for the subprocess.
func (s *Session) writeUserText(text string) error {
	return s.writeLine(userTextMessage(text))
}

func userTextMessage(text string) map[string]any {
	return map[string]any{
		"type": "user",
		"message": map[string]any{
			"role": "user",
			"content": []map[string]any{
				{"type": "text", "text": text},
			},
		},
	}
}

// writeLine serializes one NDJSON line to stdin. Writes are mutexed
// so concurrent responses cannot interleave.
func (s *Session) writeLine(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateEnded || s.state == StateFailed {
		return fmt.Errorf("session %s has ended", s.ID)
	}
	_, err = s.stdin.Write(append(data, '\n'))
	return err
}

// setState moves from one specific state to another, ignoring the
// call when the session is elsewhere.
func (s *Session) setState(from, to State) {
	s.mu.Lock()
	if s.state == from {
		s.state = to
	}
	s.mu.Unlock()
}

// State reports the session's current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func expandPath(p string) (string, error) {
	if p == "~" || strings.HasPrefix(p, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, strings.TrimPrefix(p, "~")), nil
	}
	return p, nil
}

func repoAllowed(allowed []string, cwd string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, a := range allowed {
		if cwd == a || strings.HasPrefix(cwd, strings.TrimSuffix(a, "/")+"/") {
			return true
		}
	}
	return false
}
