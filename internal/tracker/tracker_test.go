package tracker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agent-relay/relayd/internal/api"
	"github.com/agent-relay/relayd/internal/gitdiff"
	"github.com/agent-relay/relayd/internal/harness"
	"github.com/agent-relay/relayd/internal/msg"
)

type fakeRemote struct {
	mu           sync.Mutex
	createResult api.CreateSessionResult
	createErr    error
	appendErr    error

	created     []api.CreateSessionRequest
	appended    []msg.Message
	toolResults []msg.ToolResult
	titles      []string
	diffs       []string
	marks       int
	clears      int
	completed   []string
	deleted     []string
}

func (f *fakeRemote) CreateSession(_ context.Context, req api.CreateSessionRequest) (*api.CreateSessionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.created = append(f.created, req)
	res := f.createResult
	if res.SessionID == "" {
		res.SessionID = fmt.Sprintf("r-%d", len(f.created))
	}
	return &res, nil
}

func (f *fakeRemote) AppendMessages(_ context.Context, _ api.SessionRef, messages []msg.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.appendErr != nil {
		return f.appendErr
	}
	f.appended = append(f.appended, messages...)
	return nil
}

func (f *fakeRemote) AppendToolResults(_ context.Context, _ api.SessionRef, results []msg.ToolResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.toolResults = append(f.toolResults, results...)
	return nil
}

func (f *fakeRemote) ReplaceDiff(_ context.Context, _ api.SessionRef, diff string, _ []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.diffs = append(f.diffs, diff)
	return nil
}

func (f *fakeRemote) UpdateTitle(_ context.Context, _ api.SessionRef, title string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.titles = append(f.titles, title)
	return nil
}

func (f *fakeRemote) MarkInteractive(_ context.Context, _ api.SessionRef) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marks++
	return nil
}

func (f *fakeRemote) ClearInteractive(_ context.Context, _ api.SessionRef) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clears++
	return nil
}

func (f *fakeRemote) CompleteSession(_ context.Context, ref api.SessionRef) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = append(f.completed, ref.ID)
	return nil
}

func (f *fakeRemote) DeleteSession(_ context.Context, ref api.SessionRef) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, ref.ID)
	return nil
}

func (f *fakeRemote) appendedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.appended)
}

func (f *fakeRemote) diffCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.diffs)
}

func (f *fakeRemote) interactiveCounts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.marks, f.clears
}

func (f *fakeRemote) titleCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.titles)
}

type fakeDiffer struct {
	mu       sync.Mutex
	captures int
}

func (f *fakeDiffer) Resolve(cwd string) *gitdiff.RepoInfo {
	return &gitdiff.RepoInfo{RepoRoot: cwd, Branch: "main", UpdatedAt: time.Now()}
}

func (f *fakeDiffer) Capture(_ string, touched []string) (*gitdiff.Diff, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.captures++
	return &gitdiff.Diff{Unified: fmt.Sprintf("capture-%d", f.captures), Files: touched}, nil
}

func (f *fakeDiffer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.captures
}

type fixture struct {
	tracker *Tracker
	remote  *fakeRemote
	differ  *fakeDiffer
	adapter *harness.ClaudeCode
	path    string
	project string
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	root := t.TempDir()
	project := t.TempDir()
	dir := filepath.Join(root, "-project")
	require.NoError(t, os.MkdirAll(dir, 0o755))

	if cfg.TailPoll == 0 {
		cfg.TailPoll = 20 * time.Millisecond
	}
	if cfg.DiffDebounce == 0 {
		cfg.DiffDebounce = 50 * time.Millisecond
	}
	remote := &fakeRemote{}
	differ := &fakeDiffer{}
	fx := &fixture{
		tracker: New(remote, differ, cfg),
		remote:  remote,
		differ:  differ,
		adapter: harness.NewClaudeCode(root),
		path:    filepath.Join(dir, "sess-1.jsonl"),
		project: project,
	}
	t.Cleanup(fx.tracker.CloseAll)
	return fx
}

func (fx *fixture) userLine(text string) string {
	return fmt.Sprintf(`{"type":"user","uuid":"u-%d","sessionId":"sess-1","cwd":%q,"message":{"role":"user","content":%q}}`,
		time.Now().UnixNano(), fx.project, text)
}

func (fx *fixture) editLine(id, file string) string {
	return fmt.Sprintf(`{"type":"assistant","uuid":"a-%d","message":{"role":"assistant","content":[{"type":"tool_use","id":%q,"name":"Edit","input":{"file_path":%q}}]}}`,
		time.Now().UnixNano(), id, file)
}

func (fx *fixture) assistantLine(text string) string {
	return fmt.Sprintf(`{"type":"assistant","uuid":"a-%d","message":{"role":"assistant","content":[{"type":"text","text":%q}]}}`,
		time.Now().UnixNano(), text)
}

func (fx *fixture) questionLine(id, question string) string {
	return fmt.Sprintf(`{"type":"assistant","uuid":"q-%d","message":{"role":"assistant","content":[{"type":"tool_use","id":%q,"name":"AskUserQuestion","input":{"question":%q,"options":["a","b"]}}]}}`,
		time.Now().UnixNano(), id, question)
}

func (fx *fixture) answerLine(id, answer string) string {
	return fmt.Sprintf(`{"type":"user","uuid":"r-%d","message":{"role":"user","content":[{"type":"tool_result","tool_use_id":%q,"content":%q}]}}`,
		time.Now().UnixNano(), id, answer)
}

func (fx *fixture) write(t *testing.T, lines ...string) {
	t.Helper()
	f, err := os.OpenFile(fx.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	defer f.Close()
	for _, l := range lines {
		_, err := f.WriteString(l + "\n")
		require.NoError(t, err)
	}
	fx.tracker.Poke(fx.path)
}

func TestStartSessionEmptyFileRetryLater(t *testing.T) {
	fx := newFixture(t, Config{})
	require.NoError(t, os.WriteFile(fx.path, nil, 0o644))

	outcome, err := fx.tracker.StartSession(context.Background(), fx.path, fx.adapter)
	require.NoError(t, err)
	assert.Equal(t, RetryLater, outcome)
	assert.Empty(t, fx.remote.created)
	assert.False(t, fx.tracker.Tracks(fx.path))
}

func TestStartSessionDeliversContent(t *testing.T) {
	fx := newFixture(t, Config{})
	content := fx.userLine("add retries to the client") + "\n" + fx.assistantLine("on it") + "\n"
	require.NoError(t, os.WriteFile(fx.path, []byte(content), 0o644))

	outcome, err := fx.tracker.StartSession(context.Background(), fx.path, fx.adapter)
	require.NoError(t, err)
	assert.Equal(t, Started, outcome)

	require.Eventually(t, func() bool { return fx.remote.appendedCount() >= 2 },
		2*time.Second, 10*time.Millisecond)
	fx.remote.mu.Lock()
	defer fx.remote.mu.Unlock()
	assert.Equal(t, "user", fx.remote.appended[0].Role)
	require.Len(t, fx.remote.created, 1)
	assert.Equal(t, "sess-1", fx.remote.created[0].HarnessSessionID)
	assert.Equal(t, fx.project, fx.remote.created[0].ProjectPath)
	assert.Equal(t, "main", fx.remote.created[0].Branch)
	assert.Contains(t, fx.remote.titles, "add retries to the client")
}

func TestTitleWaitsForSecondMessage(t *testing.T) {
	fx := newFixture(t, Config{})
	require.NoError(t, os.WriteFile(fx.path, []byte(fx.userLine("hello world")+"\n"), 0o644))

	_, err := fx.tracker.StartSession(context.Background(), fx.path, fx.adapter)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return fx.remote.appendedCount() >= 1 },
		2*time.Second, 10*time.Millisecond)

	// One message is not enough to commit to a title.
	assert.Equal(t, 0, fx.remote.titleCount())

	fx.write(t, fx.assistantLine("hi"))
	require.Eventually(t, func() bool { return fx.remote.titleCount() == 1 },
		2*time.Second, 10*time.Millisecond)
	fx.remote.mu.Lock()
	defer fx.remote.mu.Unlock()
	assert.Equal(t, []string{"hello world"}, fx.remote.titles)
}

func TestStartSessionAtMostOnePerPath(t *testing.T) {
	fx := newFixture(t, Config{})
	require.NoError(t, os.WriteFile(fx.path, []byte(fx.userLine("hi")+"\n"), 0o644))

	outcome, err := fx.tracker.StartSession(context.Background(), fx.path, fx.adapter)
	require.NoError(t, err)
	require.Equal(t, Started, outcome)

	outcome, err = fx.tracker.StartSession(context.Background(), fx.path, fx.adapter)
	require.NoError(t, err)
	assert.Equal(t, AlreadyTracking, outcome)

	fx.remote.mu.Lock()
	defer fx.remote.mu.Unlock()
	assert.Len(t, fx.remote.created, 1)
}

func TestStartSessionSkipsDisallowedRepo(t *testing.T) {
	fx := newFixture(t, Config{AllowedRepos: []string{"/somewhere/else"}})
	require.NoError(t, os.WriteFile(fx.path, []byte(fx.userLine("hi")+"\n"), 0o644))

	outcome, err := fx.tracker.StartSession(context.Background(), fx.path, fx.adapter)
	require.NoError(t, err)
	assert.Equal(t, Skipped, outcome)
	assert.Empty(t, fx.remote.created)
}

func TestEndSessionCompletesWhenContentDelivered(t *testing.T) {
	fx := newFixture(t, Config{})
	require.NoError(t, os.WriteFile(fx.path, []byte(fx.userLine("hi")+"\n"), 0o644))

	_, err := fx.tracker.StartSession(context.Background(), fx.path, fx.adapter)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return fx.remote.appendedCount() >= 1 },
		2*time.Second, 10*time.Millisecond)

	require.NoError(t, fx.tracker.EndSession(context.Background(), fx.path))
	assert.False(t, fx.tracker.Tracks(fx.path))
	fx.remote.mu.Lock()
	defer fx.remote.mu.Unlock()
	assert.Len(t, fx.remote.completed, 1)
	assert.Empty(t, fx.remote.deleted)
}

func TestEndSessionDeletesWhenNothingDelivered(t *testing.T) {
	fx := newFixture(t, Config{})
	fx.remote.appendErr = fmt.Errorf("server unreachable")
	require.NoError(t, os.WriteFile(fx.path, []byte(fx.userLine("hi")+"\n"), 0o644))

	_, err := fx.tracker.StartSession(context.Background(), fx.path, fx.adapter)
	require.NoError(t, err)
	// Give the consumer a moment to attempt (and fail) delivery.
	time.Sleep(150 * time.Millisecond)

	require.NoError(t, fx.tracker.EndSession(context.Background(), fx.path))
	fx.remote.mu.Lock()
	defer fx.remote.mu.Unlock()
	assert.Empty(t, fx.remote.completed)
	assert.Len(t, fx.remote.deleted, 1)
}

func TestEndSessionUnknownPathIsNoop(t *testing.T) {
	fx := newFixture(t, Config{})
	assert.NoError(t, fx.tracker.EndSession(context.Background(), "/no/such/file.jsonl"))
}

func TestDiffDebounceCoalescesBurst(t *testing.T) {
	fx := newFixture(t, Config{DiffDebounce: 100 * time.Millisecond})
	require.NoError(t, os.WriteFile(fx.path, []byte(fx.userLine("edit things")+"\n"), 0o644))

	_, err := fx.tracker.StartSession(context.Background(), fx.path, fx.adapter)
	require.NoError(t, err)

	// A burst of edits inside the debounce window.
	fx.write(t,
		fx.editLine("e1", filepath.Join(fx.project, "a.go")),
		fx.editLine("e2", filepath.Join(fx.project, "b.go")),
		fx.editLine("e3", filepath.Join(fx.project, "c.go")),
	)

	require.Eventually(t, func() bool { return fx.differ.count() >= 1 },
		2*time.Second, 10*time.Millisecond)
	// The window has passed; a coalesced burst captures exactly once.
	time.Sleep(250 * time.Millisecond)
	assert.Equal(t, 1, fx.differ.count())
	assert.Equal(t, 1, fx.remote.diffCount())
}

func TestInteractiveFlagFollowsQuestion(t *testing.T) {
	fx := newFixture(t, Config{})
	require.NoError(t, os.WriteFile(fx.path, []byte(fx.userLine("pick a storage layer")+"\n"), 0o644))

	_, err := fx.tracker.StartSession(context.Background(), fx.path, fx.adapter)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return fx.remote.appendedCount() >= 1 },
		2*time.Second, 10*time.Millisecond)

	fx.write(t, fx.questionLine("q-1", "which db?"))
	require.Eventually(t, func() bool { m, _ := fx.remote.interactiveCounts(); return m == 1 },
		2*time.Second, 10*time.Millisecond)
	_, clears := fx.remote.interactiveCounts()
	assert.Equal(t, 0, clears)

	// Answering the question clears the flag.
	fx.write(t, fx.answerLine("q-1", "postgres"))
	require.Eventually(t, func() bool { _, c := fx.remote.interactiveCounts(); return c == 1 },
		2*time.Second, 10*time.Millisecond)
	marks, _ := fx.remote.interactiveCounts()
	assert.Equal(t, 1, marks)
}

func TestEndSessionSuppressesPendingDiffCapture(t *testing.T) {
	fx := newFixture(t, Config{DiffDebounce: time.Hour})
	require.NoError(t, os.WriteFile(fx.path, []byte(fx.userLine("edit things")+"\n"), 0o644))

	_, err := fx.tracker.StartSession(context.Background(), fx.path, fx.adapter)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return fx.remote.appendedCount() >= 1 },
		2*time.Second, 10*time.Millisecond)

	fx.write(t, fx.editLine("e1", filepath.Join(fx.project, "a.go")))
	require.Eventually(t, func() bool {
		fx.tracker.mu.Lock()
		s := fx.tracker.sessions[fx.path]
		fx.tracker.mu.Unlock()
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.diffTimer != nil
	}, 2*time.Second, 10*time.Millisecond)

	fx.tracker.mu.Lock()
	s := fx.tracker.sessions[fx.path]
	fx.tracker.mu.Unlock()

	require.NoError(t, fx.tracker.EndSession(context.Background(), fx.path))
	finalDiffs := fx.remote.diffCount()
	require.Equal(t, 1, finalDiffs)

	// A capture that was already in flight when the timer was stopped
	// must land after the session closed and do nothing.
	fx.tracker.captureDiff(s)
	assert.Equal(t, finalDiffs, fx.remote.diffCount())
}

func TestResumeSkipsHistoricalLines(t *testing.T) {
	fx := newFixture(t, Config{})
	fx.remote.createResult = api.CreateSessionResult{
		SessionID: "r-resume", Resumed: true, MessageCount: 2,
	}
	require.NoError(t, os.WriteFile(fx.path,
		[]byte(fx.userLine("old turn one")+"\n"+fx.userLine("old turn two")+"\n"), 0o644))

	outcome, err := fx.tracker.StartSession(context.Background(), fx.path, fx.adapter)
	require.NoError(t, err)
	require.Equal(t, Started, outcome)

	// Historical lines must not be re-delivered.
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 0, fx.remote.appendedCount())

	fx.write(t, fx.userLine("new turn"))
	require.Eventually(t, func() bool { return fx.remote.appendedCount() == 1 },
		2*time.Second, 10*time.Millisecond)

	sessions := fx.tracker.ActiveSessions()
	require.Len(t, sessions, 1)
	// Delivered count includes what the server restored.
	assert.Equal(t, 3, sessions[0].Messages)
}

func TestIdleSweepEndsQuietSessions(t *testing.T) {
	fx := newFixture(t, Config{
		IdleTimeout: 100 * time.Millisecond,
		IdleSweep:   30 * time.Millisecond,
	})
	require.NoError(t, os.WriteFile(fx.path, []byte(fx.userLine("hi")+"\n"), 0o644))

	_, err := fx.tracker.StartSession(context.Background(), fx.path, fx.adapter)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go fx.tracker.Run(ctx)

	require.Eventually(t, func() bool { return !fx.tracker.Tracks(fx.path) },
		2*time.Second, 20*time.Millisecond, "idle session never swept")
}
