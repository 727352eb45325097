package tailer

import "bytes"

// LineBuffer splits an arbitrary byte stream into newline-terminated
// lines, carrying partial trailing data across feeds. It is shared by
// the file tailer and the subprocess stdout reader so both use the
// same framing.
type LineBuffer struct {
	carry []byte
}

// Feed appends p to the buffer and returns every complete line now
// available, without trailing newlines. Bytes after the last newline
// are retained for the next feed.
func (b *LineBuffer) Feed(p []byte) []string {
	if len(p) == 0 {
		return nil
	}
	data := append(b.carry, p...)
	var lines []string
	for {
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			break
		}
		line := data[:i]
		if len(line) > 0 && line[len(line)-1] == '\r' {
			line = line[:len(line)-1]
		}
		lines = append(lines, string(line))
		data = data[i+1:]
	}
	b.carry = append([]byte(nil), data...)
	return lines
}

// Pending reports whether a partial line is buffered.
func (b *LineBuffer) Pending() bool { return len(b.carry) > 0 }

// Reset discards any buffered partial line.
func (b *LineBuffer) Reset() { b.carry = nil }
