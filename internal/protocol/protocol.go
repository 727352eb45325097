// Package protocol defines the messages exchanged with the relay
// server over the WebSocket. Every message is a flat JSON object
// discriminated by its "type" field.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Daemon-to-server message types.
const (
	TypeDaemonConnected  = "daemon_connected"
	TypeSessionOutput    = "session_output"
	TypeSessionEnded     = "session_ended"
	TypePermissionPrompt = "permission_prompt"
	TypeQuestionPrompt   = "question_prompt"
	TypeControlRequest   = "control_request"
	TypeSessionDiff      = "session_diff"
)

// Server-to-daemon message types.
const (
	TypeStartSession       = "start_session"
	TypeSendInput          = "send_input"
	TypeEndSession         = "end_session"
	TypeInterruptSession   = "interrupt_session"
	TypePermissionResponse = "permission_response"
	TypeQuestionResponse   = "question_response"
	TypeControlResponse    = "control_response"
)

// DaemonConnected is the capability hello sent as the first message
// on every (re)connected socket.
type DaemonConnected struct {
	Type         string   `json:"type"`
	ClientID     string   `json:"client_id"`
	Hostname     string   `json:"hostname"`
	Version      string   `json:"version"`
	Capabilities []string `json:"capabilities"`
}

// SessionOutput carries framed subprocess output lines upstream,
// verbatim.
type SessionOutput struct {
	Type      string            `json:"type"`
	SessionID string            `json:"session_id"`
	Messages  []json.RawMessage `json:"messages"`
}

// SessionEnded reports a spawned session leaving the running set.
type SessionEnded struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	ExitCode  int    `json:"exit_code"`
	Reason    string `json:"reason"`
	Error     string `json:"error,omitempty"`
}

// PermissionPrompt surfaces a legacy stdio permission request to
// remote viewers.
type PermissionPrompt struct {
	Type        string          `json:"type"`
	SessionID   string          `json:"session_id"`
	RequestID   string          `json:"request_id"`
	Tool        string          `json:"tool"`
	Description string          `json:"description,omitempty"`
	Details     json.RawMessage `json:"details,omitempty"`
}

// QuestionPrompt surfaces an interactive-question tool invocation.
type QuestionPrompt struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id"`
	ToolUseID string          `json:"tool_use_id"`
	Question  string          `json:"question"`
	Options   json.RawMessage `json:"options,omitempty"`
}

// ControlRequest relays a subprocess control-protocol request
// verbatim; the server answers with a ControlResponse.
type ControlRequest struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id"`
	RequestID string          `json:"request_id"`
	Request   json.RawMessage `json:"request"`
}

// SessionDiff replaces the remote working-tree diff for a session.
type SessionDiff struct {
	Type      string   `json:"type"`
	SessionID string   `json:"session_id"`
	Diff      string   `json:"diff"`
	Files     []string `json:"modified_files,omitempty"`
}

// StartSession asks the daemon to spawn a new harness subprocess.
type StartSession struct {
	Type            string `json:"type"`
	SessionID       string `json:"session_id"`
	Harness         string `json:"harness,omitempty"`
	Prompt          string `json:"prompt"`
	Cwd             string `json:"cwd"`
	Model           string `json:"model,omitempty"`
	PermissionMode  string `json:"permission_mode,omitempty"`
	ResumeSessionID string `json:"resume_session_id,omitempty"`
}

// SendInput forwards a user turn into a spawned session's stdin.
type SendInput struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
}

// EndSession requests a graceful shutdown of a spawned session.
type EndSession struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

// InterruptSession interrupts the current turn without ending the
// session.
type InterruptSession struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

// PermissionResponse answers a PermissionPrompt.
type PermissionResponse struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	RequestID string `json:"request_id"`
	Allow     bool   `json:"allow"`
	Message   string `json:"message,omitempty"`
}

// QuestionResponse answers a QuestionPrompt.
type QuestionResponse struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	ToolUseID string `json:"tool_use_id"`
	Answer    string `json:"answer"`
}

// ControlResponse answers a ControlRequest; Response is forwarded to
// the subprocess verbatim.
type ControlResponse struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id"`
	RequestID string          `json:"request_id"`
	Response  json.RawMessage `json:"response"`
}

// DecodeServerMessage decodes one server-to-daemon message. Unknown
// types return (nil, nil) so the connection survives protocol
// additions.
func DecodeServerMessage(data []byte) (any, error) {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("decoding message envelope: %w", err)
	}
	var m any
	switch probe.Type {
	case TypeStartSession:
		m = &StartSession{}
	case TypeSendInput:
		m = &SendInput{}
	case TypeEndSession:
		m = &EndSession{}
	case TypeInterruptSession:
		m = &InterruptSession{}
	case TypePermissionResponse:
		m = &PermissionResponse{}
	case TypeQuestionResponse:
		m = &QuestionResponse{}
	case TypeControlResponse:
		m = &ControlResponse{}
	default:
		return nil, nil
	}
	if err := json.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", probe.Type, err)
	}
	return m, nil
}
