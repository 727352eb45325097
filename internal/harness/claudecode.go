package harness

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/agent-relay/relayd/internal/msg"
)

// ClaudeCode adapts Claude Code's session transcripts: one JSONL
// file per session under ~/.claude/projects/<encoded-cwd>/.
type ClaudeCode struct {
	root string
}

// NewClaudeCode creates the adapter. An empty root uses the default
// location under the user's home directory.
func NewClaudeCode(root string) *ClaudeCode {
	if root == "" {
		if home, err := os.UserHomeDir(); err == nil {
			root = filepath.Join(home, ".claude", "projects")
		}
	}
	return &ClaudeCode{root: root}
}

func (c *ClaudeCode) Name() string { return "claude-code" }

func (c *ClaudeCode) Roots() []string {
	if c.root == "" {
		return nil
	}
	return []string{c.root}
}

func (c *ClaudeCode) RecognizesPath(path string) bool {
	if filepath.Ext(path) != ".jsonl" {
		return false
	}
	// Sidechain transcripts of subagents are not sessions.
	if strings.HasPrefix(filepath.Base(path), "agent-") {
		return false
	}
	if c.root == "" {
		return false
	}
	rel, err := filepath.Rel(c.root, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return false
	}
	return true
}

// transcriptLine is the subset of a Claude Code JSONL record the
// daemon cares about.
type transcriptLine struct {
	Type      string          `json:"type"`
	UUID      string          `json:"uuid"`
	Timestamp string          `json:"timestamp"`
	SessionID string          `json:"sessionId"`
	Cwd       string          `json:"cwd"`
	IsMeta    bool            `json:"isMeta"`
	Message   json.RawMessage `json:"message"`
}

type transcriptMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type transcriptBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text"`
	Thinking  string          `json:"thinking"`
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input"`
	ToolUseID string          `json:"tool_use_id"`
	Content   json.RawMessage `json:"content"`
	IsError   bool            `json:"is_error"`
}

func (c *ClaudeCode) SessionInfoFor(path string) (SessionInfo, error) {
	info := SessionInfo{
		Path:             path,
		HarnessSessionID: strings.TrimSuffix(filepath.Base(path), ".jsonl"),
	}

	// The transcript records its own cwd; prefer that over decoding
	// the directory name, which is lossy for paths with dashes.
	f, err := os.Open(path)
	if err != nil {
		return info, fmt.Errorf("opening session file: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for i := 0; i < 25 && scanner.Scan(); i++ {
		var line transcriptLine
		if err := json.Unmarshal(scanner.Bytes(), &line); err != nil {
			continue
		}
		if line.Cwd != "" {
			info.ProjectPath = line.Cwd
		}
		if line.SessionID != "" {
			info.HarnessSessionID = line.SessionID
		}
		if info.ProjectPath != "" {
			break
		}
	}
	if info.ProjectPath == "" {
		info.ProjectPath = decodeProjectDir(filepath.Base(filepath.Dir(path)))
	}
	return info, nil
}

// decodeProjectDir reverses Claude Code's path encoding, which
// replaces every path separator with a dash.
func decodeProjectDir(name string) string {
	return strings.ReplaceAll(name, "-", string(filepath.Separator))
}

func (c *ClaudeCode) ParseLine(raw string, state *msg.ParseState) ParseResult {
	var result ParseResult

	var line transcriptLine
	if err := json.Unmarshal([]byte(raw), &line); err != nil {
		return result
	}
	if line.IsMeta || (line.Type != "user" && line.Type != "assistant") {
		return result
	}
	var tm transcriptMessage
	if err := json.Unmarshal(line.Message, &tm); err != nil {
		return result
	}

	m := msg.Message{
		ID:        line.UUID,
		Role:      tm.Role,
		Timestamp: parseTimestamp(line.Timestamp),
	}
	if m.Role == "" {
		m.Role = line.Type
	}

	// Content is either a bare string or a block array.
	var text string
	if err := json.Unmarshal(tm.Content, &text); err == nil {
		if strings.TrimSpace(text) == "" {
			return result
		}
		m.Blocks = []msg.ContentBlock{{Type: msg.BlockText, Text: text}}
		state.Append(m)
		result.Messages = append(result.Messages, m)
		return result
	}

	var blocks []transcriptBlock
	if err := json.Unmarshal(tm.Content, &blocks); err != nil {
		return result
	}
	for _, b := range blocks {
		switch b.Type {
		case "text":
			m.Blocks = append(m.Blocks, msg.ContentBlock{Type: msg.BlockText, Text: b.Text})
		case "thinking":
			m.Blocks = append(m.Blocks, msg.ContentBlock{Type: msg.BlockThinking, Text: b.Thinking})
		case "tool_use":
			m.Blocks = append(m.Blocks, msg.ContentBlock{
				Type:      msg.BlockToolUse,
				ToolUseID: b.ID,
				ToolName:  b.Name,
				ToolInput: b.Input,
			})
		case "tool_result":
			content := flattenResultContent(b.Content)
			if state.AttachToolResult(b.ToolUseID, content, b.IsError) {
				result.ToolResults = append(result.ToolResults, msg.ToolResult{
					ToolUseID: b.ToolUseID,
					Content:   content,
					IsError:   b.IsError,
				})
			}
			// Unmatched results are dropped.
		}
	}
	if len(m.Blocks) == 0 {
		return result
	}
	state.Append(m)
	result.Messages = append(result.Messages, m)
	return result
}

// flattenResultContent renders a tool_result content field, which is
// either a string or an array of text blocks, as plain text.
func flattenResultContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []transcriptBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return string(raw)
	}
	var parts []string
	for _, b := range blocks {
		if b.Type == "text" && b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}

func parseTimestamp(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

const maxTitleLen = 80

func (c *ClaudeCode) DeriveTitle(state *msg.ParseState) string {
	for _, m := range state.Messages() {
		if m.Role != "user" {
			continue
		}
		for _, b := range m.Blocks {
			if b.Type != msg.BlockText {
				continue
			}
			title := strings.TrimSpace(b.Text)
			if title == "" || strings.HasPrefix(title, "<") {
				continue
			}
			if i := strings.IndexByte(title, '\n'); i > 0 {
				title = title[:i]
			}
			if utf8.RuneCountInString(title) > maxTitleLen {
				title = string([]rune(title)[:maxTitleLen])
			}
			return title
		}
	}
	return ""
}
