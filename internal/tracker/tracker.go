// Package tracker follows file-resident harness sessions: it decides
// which session files to adopt, tails them, normalizes their content
// and delivers it upstream over HTTP.
package tracker

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/agent-relay/relayd/internal/api"
	"github.com/agent-relay/relayd/internal/gitdiff"
	"github.com/agent-relay/relayd/internal/harness"
	"github.com/agent-relay/relayd/internal/metrics"
	"github.com/agent-relay/relayd/internal/msg"
	"github.com/agent-relay/relayd/internal/tailer"
)

// Outcome of a StartSession attempt.
type Outcome int

const (
	// Started means the session is now tracked.
	Started Outcome = iota
	// AlreadyTracking means another attempt got there first.
	AlreadyTracking
	// RetryLater means the file has no parseable content yet; the
	// caller should try again on the next change.
	RetryLater
	// Skipped means repo policy excludes this session permanently.
	Skipped
)

// Remote is the upstream surface the tracker needs. *api.Client
// implements it.
type Remote interface {
	CreateSession(ctx context.Context, req api.CreateSessionRequest) (*api.CreateSessionResult, error)
	AppendMessages(ctx context.Context, ref api.SessionRef, messages []msg.Message) error
	AppendToolResults(ctx context.Context, ref api.SessionRef, results []msg.ToolResult) error
	ReplaceDiff(ctx context.Context, ref api.SessionRef, diff string, files []string) error
	UpdateTitle(ctx context.Context, ref api.SessionRef, title string) error
	MarkInteractive(ctx context.Context, ref api.SessionRef) error
	ClearInteractive(ctx context.Context, ref api.SessionRef) error
	CompleteSession(ctx context.Context, ref api.SessionRef) error
	DeleteSession(ctx context.Context, ref api.SessionRef) error
}

// Differ captures working-tree diffs; split out so tests can fake
// git.
type Differ interface {
	Resolve(cwd string) *gitdiff.RepoInfo
	Capture(repoRoot string, touched []string) (*gitdiff.Diff, error)
}

type gitDiffer struct {
	cache *gitdiff.RepoCache
}

func (g *gitDiffer) Resolve(cwd string) *gitdiff.RepoInfo { return g.cache.Resolve(cwd) }
func (g *gitDiffer) Capture(repoRoot string, touched []string) (*gitdiff.Diff, error) {
	return gitdiff.Capture(repoRoot, touched)
}

// NewGitDiffer is the production Differ.
func NewGitDiffer() Differ {
	return &gitDiffer{cache: gitdiff.NewRepoCache(30 * time.Second)}
}

type Config struct {
	DiffDebounce    time.Duration
	IdleTimeout     time.Duration
	IdleSweep       time.Duration
	ParseStateLimit int
	AllowedRepos    []string
	// TailPoll overrides the tailer's fallback poll cadence.
	TailPoll time.Duration
}

type Tracker struct {
	remote Remote
	differ Differ
	cfg    Config

	mu       sync.Mutex
	sessions map[string]*session

	wg sync.WaitGroup
}

type session struct {
	path    string
	adapter harness.Adapter
	info    harness.SessionInfo
	ref     api.SessionRef
	tl      *tailer.Tailer

	mu           sync.Mutex
	state        *msg.ParseState
	lastActivity time.Time
	delivered    int
	touched      map[string]struct{}
	diffTimer    *time.Timer
	repoRoot     string
	closed       bool

	// interactive mirrors the remote waiting-on-input flag; open
	// question ids are the tool uses that can clear it.
	interactive   bool
	openQuestions map[string]struct{}
}

func New(remote Remote, differ Differ, cfg Config) *Tracker {
	if cfg.DiffDebounce <= 0 {
		cfg.DiffDebounce = 2 * time.Second
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = time.Minute
	}
	if cfg.IdleSweep <= 0 {
		cfg.IdleSweep = 15 * time.Second
	}
	if cfg.ParseStateLimit <= 0 {
		cfg.ParseStateLimit = 50
	}
	return &Tracker{
		remote:   remote,
		differ:   differ,
		cfg:      cfg,
		sessions: make(map[string]*session),
	}
}

// StartSession adopts the session file at path. At most one session
// per path exists at any time, however many watcher events race.
func (t *Tracker) StartSession(ctx context.Context, path string, adapter harness.Adapter) (Outcome, error) {
	t.mu.Lock()
	if _, exists := t.sessions[path]; exists {
		t.mu.Unlock()
		return AlreadyTracking, nil
	}
	// Reserve the path before any I/O so concurrent attempts see it.
	s := &session{
		path:          path,
		adapter:       adapter,
		state:         msg.NewParseState(),
		lastActivity:  time.Now(),
		touched:       make(map[string]struct{}),
		openQuestions: make(map[string]struct{}),
	}
	t.sessions[path] = s
	t.mu.Unlock()

	outcome, err := t.adopt(ctx, s)
	if outcome != Started {
		t.mu.Lock()
		delete(t.sessions, path)
		t.mu.Unlock()
	}
	return outcome, err
}

func (t *Tracker) adopt(ctx context.Context, s *session) (Outcome, error) {
	info, err := s.adapter.SessionInfoFor(s.path)
	if err != nil {
		return RetryLater, err
	}
	s.info = info

	if !repoAllowed(t.cfg.AllowedRepos, info.ProjectPath) {
		return Skipped, nil
	}

	hasContent, err := hasParseableContent(s.path, s.adapter)
	if err != nil {
		return RetryLater, err
	}
	if !hasContent {
		return RetryLater, nil
	}

	req := api.CreateSessionRequest{
		HarnessSessionID: info.HarnessSessionID,
		Harness:          s.adapter.Name(),
		ProjectPath:      info.ProjectPath,
	}
	if repo := t.differ.Resolve(info.ProjectPath); repo != nil {
		s.repoRoot = repo.RepoRoot
		req.Branch = repo.Branch
		req.Remote = repo.Remote
	}
	result, err := t.remote.CreateSession(ctx, req)
	if err != nil {
		return RetryLater, fmt.Errorf("registering session: %w", err)
	}
	s.ref = api.SessionRef{ID: result.SessionID, Token: result.Token}

	var opts []tailer.Option
	if t.cfg.TailPoll > 0 {
		opts = append(opts, tailer.WithPollInterval(t.cfg.TailPoll))
	}
	if (result.Resumed || result.Restored) && result.MessageCount > 0 {
		// The server already holds this transcript; replay it
		// locally to rebuild pairing state, then tail new bytes only.
		s.delivered = result.MessageCount
		if err := s.rebuildFromFile(t.cfg.ParseStateLimit); err != nil {
			log.Printf("rebuilding state for %s: %v", s.path, err)
		}
		opts = append(opts, tailer.FromEnd())
	}
	s.tl = tailer.New(s.path, opts...)
	if err := s.tl.Start(); err != nil {
		return RetryLater, err
	}

	t.wg.Add(1)
	go t.consume(s)
	metrics.ActiveSessions.Inc()
	log.Printf("tracking %s session %s (%s)", s.adapter.Name(), result.SessionID, s.path)
	return Started, nil
}

// hasParseableContent scans until the first line that yields a
// message.
func hasParseableContent(path string, adapter harness.Adapter) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()

	scratch := msg.NewParseState()
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		if r := adapter.ParseLine(scanner.Text(), scratch); len(r.Messages) > 0 {
			return true, nil
		}
	}
	return false, scanner.Err()
}

// rebuildFromFile replays the whole file into the parse state without
// delivering anything, so resumed sessions can still pair tool
// results and know which files were touched.
func (s *session) rebuildFromFile(stateLimit int) error {
	f, err := os.Open(s.path)
	if err != nil {
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		r := s.adapter.ParseLine(scanner.Text(), s.state)
		for _, m := range r.Messages {
			for _, b := range m.Blocks {
				if p := msg.TouchedPath(b); p != "" && msg.IsFileModifyingTool(b.ToolName) {
					s.touched[p] = struct{}{}
				}
			}
		}
	}
	for _, m := range s.state.Messages() {
		for _, b := range m.Blocks {
			if b.Type == msg.BlockToolUse && b.ToolName == msg.QuestionTool && !b.HasResult {
				s.openQuestions[b.ToolUseID] = struct{}{}
			}
		}
	}
	// Mirror what the server last saw, so the eventual answer still
	// produces a clear.
	s.interactive = len(s.openQuestions) > 0
	s.state.SetTitle(s.adapter.DeriveTitle(s.state))
	s.state.Trim(stateLimit)
	return scanner.Err()
}

// consume is the session's single processing goroutine: lines leave
// the tailer in file order and are handled one at a time.
func (t *Tracker) consume(s *session) {
	defer t.wg.Done()
	for {
		select {
		case line, ok := <-s.tl.Lines():
			if !ok {
				return
			}
			t.handleLine(s, line)
		case err := <-s.tl.Errs():
			log.Printf("tail %s: %v", s.path, err)
		}
	}
}

func (t *Tracker) handleLine(s *session, line string) {
	ctx := context.Background()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.lastActivity = time.Now()
	r := s.adapter.ParseLine(line, s.state)
	wantDiff := false
	wantInteractive := s.interactive
	for _, m := range r.Messages {
		if m.Role == "user" && hasUserText(m) {
			// The user is back at the keyboard; the waiting flag is
			// stale.
			wantInteractive = false
		}
		for _, b := range m.Blocks {
			if b.Type != msg.BlockToolUse {
				continue
			}
			if b.ToolName == msg.QuestionTool {
				s.openQuestions[b.ToolUseID] = struct{}{}
				wantInteractive = true
				continue
			}
			if msg.IsFileModifyingTool(b.ToolName) {
				if p := msg.TouchedPath(b); p != "" {
					s.touched[p] = struct{}{}
				}
				wantDiff = true
			} else if b.ToolName == "Bash" {
				var input struct {
					Command string `json:"command"`
				}
				if json.Unmarshal(b.ToolInput, &input) == nil && msg.ShellMutatesWorkTree(input.Command) {
					wantDiff = true
				}
			}
		}
	}
	for _, tr := range r.ToolResults {
		if _, open := s.openQuestions[tr.ToolUseID]; open {
			delete(s.openQuestions, tr.ToolUseID)
			wantInteractive = false
		}
	}
	markInteractive := wantInteractive && !s.interactive
	clearInteractive := !wantInteractive && s.interactive
	s.interactive = wantInteractive
	needTitle := s.state.Title() == "" && s.state.Len() >= 2
	s.mu.Unlock()

	if len(r.Messages) > 0 {
		if err := t.remote.AppendMessages(ctx, s.ref, r.Messages); err != nil {
			log.Printf("delivering %d messages for %s: %v", len(r.Messages), s.ref.ID, err)
		} else {
			s.mu.Lock()
			s.delivered += len(r.Messages)
			s.mu.Unlock()
			metrics.MessagesRelayed.Add(float64(len(r.Messages)))
		}
	}
	if len(r.ToolResults) > 0 {
		if err := t.remote.AppendToolResults(ctx, s.ref, r.ToolResults); err != nil {
			log.Printf("delivering tool results for %s: %v", s.ref.ID, err)
		}
	}

	if needTitle {
		if title := s.adapter.DeriveTitle(s.state); title != "" {
			s.mu.Lock()
			set := s.state.SetTitle(title)
			if set {
				// Once titled, old messages are only needed for
				// pairing; cap the retained window.
				s.state.Trim(t.cfg.ParseStateLimit)
			}
			s.mu.Unlock()
			if set {
				if err := t.remote.UpdateTitle(ctx, s.ref, title); err != nil {
					log.Printf("updating title for %s: %v", s.ref.ID, err)
				}
			}
		}
	}

	// Best-effort, like the title push: a failed flag update is
	// logged, not retried.
	if markInteractive {
		if err := t.remote.MarkInteractive(ctx, s.ref); err != nil {
			log.Printf("marking %s interactive: %v", s.ref.ID, err)
		}
	} else if clearInteractive {
		if err := t.remote.ClearInteractive(ctx, s.ref); err != nil {
			log.Printf("clearing interactive on %s: %v", s.ref.ID, err)
		}
	}

	if wantDiff {
		t.scheduleDiff(s)
	}
}

func hasUserText(m msg.Message) bool {
	for _, b := range m.Blocks {
		if b.Type == msg.BlockText && strings.TrimSpace(b.Text) != "" {
			return true
		}
	}
	return false
}

// scheduleDiff arms the per-session debounce timer; edits landing in
// a burst produce one capture.
func (t *Tracker) scheduleDiff(s *session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if s.diffTimer != nil {
		s.diffTimer.Reset(t.cfg.DiffDebounce)
		return
	}
	s.diffTimer = time.AfterFunc(t.cfg.DiffDebounce, func() {
		t.captureDiff(s)
	})
}

func (t *Tracker) captureDiff(s *session) {
	s.mu.Lock()
	if s.closed {
		// EndSession stopped the timer, but a capture already in
		// flight when Stop ran must not race the final diff.
		s.mu.Unlock()
		return
	}
	root := s.repoRoot
	touched := make([]string, 0, len(s.touched))
	for p := range s.touched {
		touched = append(touched, p)
	}
	s.mu.Unlock()
	if root == "" {
		return
	}
	d, err := t.differ.Capture(root, touched)
	if err != nil {
		log.Printf("diff capture for %s: %v", s.ref.ID, err)
		return
	}
	metrics.DiffsCaptured.Inc()
	if err := t.remote.ReplaceDiff(context.Background(), s.ref, d.Unified, d.Files); err != nil {
		log.Printf("replacing diff for %s: %v", s.ref.ID, err)
	}
}

// EndSession stops tracking path. The session leaves the local
// registry before any network work, so a concurrent StartSession for
// the same path can begin immediately.
func (t *Tracker) EndSession(ctx context.Context, path string) error {
	t.mu.Lock()
	s, ok := t.sessions[path]
	if ok {
		delete(t.sessions, path)
	}
	t.mu.Unlock()
	if !ok {
		return nil
	}

	s.mu.Lock()
	s.closed = true
	if s.diffTimer != nil {
		s.diffTimer.Stop()
	}
	delivered := s.delivered
	s.mu.Unlock()
	if s.tl != nil {
		s.tl.Stop()
	}
	metrics.ActiveSessions.Dec()

	if s.repoRoot != "" {
		t.captureDiffFinal(ctx, s)
	}

	if delivered > 0 {
		if err := t.remote.CompleteSession(ctx, s.ref); err != nil {
			return fmt.Errorf("completing session %s: %w", s.ref.ID, err)
		}
	} else {
		// Nothing ever flowed; an empty stream is just clutter.
		if err := t.remote.DeleteSession(ctx, s.ref); err != nil {
			return fmt.Errorf("deleting session %s: %w", s.ref.ID, err)
		}
	}
	log.Printf("stopped tracking %s (%s)", s.ref.ID, path)
	return nil
}

func (t *Tracker) captureDiffFinal(ctx context.Context, s *session) {
	s.mu.Lock()
	touched := make([]string, 0, len(s.touched))
	for p := range s.touched {
		touched = append(touched, p)
	}
	root := s.repoRoot
	s.mu.Unlock()
	d, err := t.differ.Capture(root, touched)
	if err != nil {
		return
	}
	if err := t.remote.ReplaceDiff(ctx, s.ref, d.Unified, d.Files); err != nil {
		log.Printf("final diff for %s: %v", s.ref.ID, err)
	}
}

// Poke wakes the tailer for path after a filesystem notification.
func (t *Tracker) Poke(path string) {
	t.mu.Lock()
	s := t.sessions[path]
	t.mu.Unlock()
	if s != nil && s.tl != nil {
		s.tl.Wake()
	}
}

// Tracks reports whether path is currently tracked.
func (t *Tracker) Tracks(path string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.sessions[path]
	return ok
}

// Run sweeps idle sessions until ctx is done, then ends everything.
func (t *Tracker) Run(ctx context.Context) {
	ticker := time.NewTicker(t.cfg.IdleSweep)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			t.CloseAll()
			return
		case <-ticker.C:
			t.sweepIdle()
		}
	}
}

func (t *Tracker) sweepIdle() {
	cutoff := time.Now().Add(-t.cfg.IdleTimeout)
	t.mu.Lock()
	var idle []string
	for path, s := range t.sessions {
		s.mu.Lock()
		if s.lastActivity.Before(cutoff) {
			idle = append(idle, path)
		}
		s.mu.Unlock()
	}
	t.mu.Unlock()

	for _, path := range idle {
		if err := t.EndSession(context.Background(), path); err != nil {
			log.Printf("idle sweep of %s: %v", path, err)
		}
	}
}

// CloseAll ends every tracked session, e.g. at daemon shutdown.
func (t *Tracker) CloseAll() {
	t.mu.Lock()
	paths := make([]string, 0, len(t.sessions))
	for p := range t.sessions {
		paths = append(paths, p)
	}
	t.mu.Unlock()
	for _, p := range paths {
		if err := t.EndSession(context.Background(), p); err != nil {
			log.Printf("closing %s: %v", p, err)
		}
	}
	t.wg.Wait()
}

// Summary describes one tracked session for status output.
type Summary struct {
	ID          string    `json:"id"`
	Path        string    `json:"path"`
	ProjectPath string    `json:"project_path"`
	Title       string    `json:"title,omitempty"`
	Messages    int       `json:"messages"`
	LastActive  time.Time `json:"last_active"`
}

func (t *Tracker) ActiveSessions() []Summary {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Summary, 0, len(t.sessions))
	for _, s := range t.sessions {
		s.mu.Lock()
		out = append(out, Summary{
			ID:          s.ref.ID,
			Path:        s.path,
			ProjectPath: s.info.ProjectPath,
			Title:       s.state.Title(),
			Messages:    s.delivered,
			LastActive:  s.lastActivity,
		})
		s.mu.Unlock()
	}
	return out
}

func repoAllowed(allowed []string, projectPath string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, a := range allowed {
		a = strings.TrimSuffix(a, "/")
		if projectPath == a || strings.HasPrefix(projectPath, a+"/") {
			return true
		}
	}
	return false
}
