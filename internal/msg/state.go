package msg

// blockRef addresses a tool_use block by absolute message index (as
// counted since the start of the session) and block index within it.
type blockRef struct {
	msgIdx   int
	blockIdx int
}

// ParseState accumulates the normalized view of one session's
// transcript. Messages are held in arrival order; tool_use blocks are
// indexed by ID so a later tool_result can be folded back into the
// block that issued it.
type ParseState struct {
	messages []Message
	dropped  int // messages trimmed from the front
	pending  map[string]blockRef
	title    string
}

func NewParseState() *ParseState {
	return &ParseState{pending: make(map[string]blockRef)}
}

// Append records a message and indexes its tool_use blocks. It
// returns the message's absolute index.
func (s *ParseState) Append(m Message) int {
	idx := s.dropped + len(s.messages)
	s.messages = append(s.messages, m)
	for i, b := range m.Blocks {
		if b.Type == BlockToolUse && b.ToolUseID != "" {
			s.pending[b.ToolUseID] = blockRef{msgIdx: idx, blockIdx: i}
		}
	}
	return idx
}

// AttachToolResult mutates the tool_use block matching toolUseID in
// place. It reports false when no such block is known, or when the
// owning message has already been trimmed; callers drop the result in
// that case.
func (s *ParseState) AttachToolResult(toolUseID, content string, isError bool) bool {
	ref, ok := s.pending[toolUseID]
	if !ok {
		return false
	}
	delete(s.pending, toolUseID)
	rel := ref.msgIdx - s.dropped
	if rel < 0 {
		return false
	}
	b := &s.messages[rel].Blocks[ref.blockIdx]
	b.ToolResult = content
	b.HasResult = true
	b.IsError = isError
	return true
}

// Trim drops messages from the front until at most max remain.
// Pending tool_use refs into trimmed messages become unattachable and
// their results are discarded when they arrive.
func (s *ParseState) Trim(max int) {
	if len(s.messages) <= max {
		return
	}
	n := len(s.messages) - max
	s.messages = append([]Message(nil), s.messages[n:]...)
	s.dropped += n
}

// Len is the number of messages seen since the session started,
// including trimmed ones.
func (s *ParseState) Len() int { return s.dropped + len(s.messages) }

// Messages returns the retained messages in arrival order.
func (s *ParseState) Messages() []Message { return s.messages }

// Title returns the derived session title, or "" if none yet.
func (s *ParseState) Title() string { return s.title }

// SetTitle records the derived title. It only takes effect once.
func (s *ParseState) SetTitle(t string) bool {
	if s.title != "" || t == "" {
		return false
	}
	s.title = t
	return true
}
