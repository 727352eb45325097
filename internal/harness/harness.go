// Package harness abstracts over AI coding-agent products that write
// file-resident session transcripts. An Adapter knows where a
// harness keeps its sessions, which files are sessions, and how to
// turn transcript lines into normalized messages.
package harness

import (
	"github.com/agent-relay/relayd/internal/msg"
)

// SessionInfo identifies a session file and the project it works on.
type SessionInfo struct {
	// Path is the transcript file on disk.
	Path string
	// ProjectPath is the working directory the session runs in.
	ProjectPath string
	// HarnessSessionID is the harness's own identifier, used for
	// resume correlation.
	HarnessSessionID string
}

// ParseResult is the outcome of feeding one transcript line through
// an adapter: zero or more new messages appended to the parse state,
// plus any tool results that were folded into earlier messages.
type ParseResult struct {
	Messages    []msg.Message
	ToolResults []msg.ToolResult
}

// Adapter is implemented once per supported harness product.
type Adapter interface {
	// Name is a stable identifier, e.g. "claude-code".
	Name() string

	// Roots are the directories the watcher scans and watches for
	// this harness. Missing directories are skipped.
	Roots() []string

	// RecognizesPath reports whether path is a session transcript
	// this adapter can parse.
	RecognizesPath(path string) bool

	// SessionInfoFor resolves identity and project metadata for a
	// recognized session file.
	SessionInfoFor(path string) (SessionInfo, error)

	// ParseLine folds one raw transcript line into state. Lines that
	// carry no conversational content produce an empty result.
	// Malformed lines are skipped, never fatal.
	ParseLine(line string, state *msg.ParseState) ParseResult

	// DeriveTitle produces a human-readable session title from the
	// messages seen so far, or "" if none can be derived yet.
	DeriveTitle(state *msg.ParseState) string
}
