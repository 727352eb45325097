// Package msg defines the normalized message model shared by the
// session tracker, the harness adapters and the transport layer.
package msg

import (
	"encoding/json"
	"strings"
	"time"
)

// Block types.
const (
	BlockText       = "text"
	BlockThinking   = "thinking"
	BlockToolUse    = "tool_use"
	BlockToolResult = "tool_result"
)

// Message is one normalized conversation turn. Tool results never
// appear as messages of their own; they are folded into the tool_use
// block they answer.
type Message struct {
	ID        string         `json:"id"`
	Role      string         `json:"role"`
	Timestamp time.Time      `json:"timestamp"`
	Blocks    []ContentBlock `json:"blocks"`
}

// ContentBlock is one piece of a message: text, thinking, or a tool
// invocation with its (possibly later-attached) result.
type ContentBlock struct {
	Type       string          `json:"type"`
	Text       string          `json:"text,omitempty"`
	ToolUseID  string          `json:"tool_use_id,omitempty"`
	ToolName   string          `json:"tool_name,omitempty"`
	ToolInput  json.RawMessage `json:"tool_input,omitempty"`
	ToolResult string          `json:"tool_result,omitempty"`
	HasResult  bool            `json:"has_result,omitempty"`
	IsError    bool            `json:"is_error,omitempty"`
}

// ToolResult is the delta sent upstream when a result arrives for a
// tool_use block that was already delivered.
type ToolResult struct {
	ToolUseID string `json:"tool_use_id"`
	Content   string `json:"content"`
	IsError   bool   `json:"is_error,omitempty"`
}

// fileModifyingTools are harness tools whose invocation means the
// working tree may have changed.
var fileModifyingTools = map[string]bool{
	"Edit":         true,
	"Write":        true,
	"MultiEdit":    true,
	"NotebookEdit": true,
}

// mutatingGitSubcommands are git operations that rewrite the working
// tree when run through a shell tool.
var mutatingGitSubcommands = map[string]bool{
	"checkout":    true,
	"reset":       true,
	"restore":     true,
	"stash":       true,
	"clean":       true,
	"revert":      true,
	"merge":       true,
	"rebase":      true,
	"pull":        true,
	"cherry-pick": true,
	"am":          true,
	"apply":       true,
}

// QuestionTool is the harness tool that asks the user to choose among
// options instead of running something.
const QuestionTool = "AskUserQuestion"

// IsFileModifyingTool reports whether a tool invocation by this name
// writes to files in the working tree.
func IsFileModifyingTool(name string) bool {
	return fileModifyingTools[name]
}

// ShellMutatesWorkTree reports whether a shell command line invokes a
// git subcommand that rewrites the working tree.
func ShellMutatesWorkTree(command string) bool {
	fields := strings.Fields(command)
	for i, f := range fields {
		if f != "git" {
			continue
		}
		args := fields[i+1:]
		for j := 0; j < len(args); j++ {
			arg := args[j]
			// -C and -c take a value; the subcommand is past it.
			if arg == "-C" || arg == "-c" {
				j++
				continue
			}
			if strings.HasPrefix(arg, "-") {
				continue
			}
			return mutatingGitSubcommands[arg]
		}
	}
	return false
}

// TouchedPath extracts the filesystem path a file-modifying tool_use
// block targets, or "" if none can be determined.
func TouchedPath(b ContentBlock) string {
	if b.Type != BlockToolUse || len(b.ToolInput) == 0 {
		return ""
	}
	var input struct {
		FilePath     string `json:"file_path"`
		NotebookPath string `json:"notebook_path"`
	}
	if err := json.Unmarshal(b.ToolInput, &input); err != nil {
		return ""
	}
	if input.FilePath != "" {
		return input.FilePath
	}
	return input.NotebookPath
}
