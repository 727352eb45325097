// Package tailer reads appended lines from a growing file. It keeps a
// byte offset into the file, reads only the delta on each cycle, and
// emits complete lines; a partial trailing line waits for the rest of
// its bytes. Shrinking files are treated as truncated and re-read
// from the start.
package tailer

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

const defaultPollInterval = 2 * time.Second

type Tailer struct {
	path  string
	lines chan string
	errs  chan error
	wake  chan struct{}
	done  chan struct{}

	pollInterval time.Duration
	fromEnd      bool

	mu     sync.Mutex
	offset int64
	buf    LineBuffer

	stopOnce sync.Once
}

type Option func(*Tailer)

// FromEnd starts tailing at the file's current size instead of byte
// zero, skipping existing content.
func FromEnd() Option {
	return func(t *Tailer) { t.fromEnd = true }
}

// WithPollInterval overrides the fallback poll cadence.
func WithPollInterval(d time.Duration) Option {
	return func(t *Tailer) { t.pollInterval = d }
}

// New creates a tailer for path. Start must be called before lines
// flow.
func New(path string, opts ...Option) *Tailer {
	t := &Tailer{
		path:         path,
		lines:        make(chan string, 256),
		errs:         make(chan error, 8),
		wake:         make(chan struct{}, 1),
		done:         make(chan struct{}),
		pollInterval: defaultPollInterval,
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Start establishes the initial offset and launches the read loop.
func (t *Tailer) Start() error {
	if t.fromEnd {
		fi, err := os.Stat(t.path)
		if err != nil {
			return fmt.Errorf("stat %s: %w", t.path, err)
		}
		t.offset = fi.Size()
	}
	go t.run()
	return nil
}

// Lines is the channel of complete lines in file order.
func (t *Tailer) Lines() <-chan string { return t.lines }

// Errs reports read failures. The tailer keeps running after an
// error; the file may reappear.
func (t *Tailer) Errs() <-chan error { return t.errs }

// Wake requests an immediate read cycle, typically from a filesystem
// notification. Multiple wakes before the cycle runs coalesce into
// one.
func (t *Tailer) Wake() {
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

// Stop terminates the read loop. Safe to call more than once.
func (t *Tailer) Stop() {
	t.stopOnce.Do(func() { close(t.done) })
}

// Offset returns the current read position.
func (t *Tailer) Offset() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.offset
}

// run serializes all read cycles on one goroutine: a wake arriving
// mid-cycle waits for the next iteration rather than racing it.
func (t *Tailer) run() {
	ticker := time.NewTicker(t.pollInterval)
	defer ticker.Stop()
	// Closing lines lets consumers drain and exit after Stop.
	defer close(t.lines)

	t.cycle()
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
		case <-t.wake:
		}
		t.cycle()
	}
}

// cycle drains the file: it keeps reading [offset, size) passes until
// a re-stat shows no new bytes, so writes landing mid-read are picked
// up in the same wake instead of waiting for the next poll.
func (t *Tailer) cycle() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for {
		more, err := t.readDelta()
		if err != nil {
			t.reportErr(err)
			return
		}
		if !more {
			return
		}
		select {
		case <-t.done:
			return
		default:
		}
	}
}

// readDelta performs one read pass and reports whether the file had
// new bytes (so the caller should stat again).
func (t *Tailer) readDelta() (bool, error) {
	fi, err := os.Stat(t.path)
	if err != nil {
		return false, err
	}
	size := fi.Size()
	if size < t.offset {
		// File shrank: truncated and rewritten. Start over.
		t.offset = 0
		t.buf.Reset()
	}
	if size == t.offset {
		return false, nil
	}

	f, err := os.Open(t.path)
	if err != nil {
		return false, err
	}
	defer f.Close()

	if _, err := f.Seek(t.offset, io.SeekStart); err != nil {
		return false, err
	}
	data, err := io.ReadAll(io.LimitReader(f, size-t.offset))
	if err != nil {
		return false, err
	}
	t.offset += int64(len(data))

	for _, line := range t.buf.Feed(data) {
		select {
		case t.lines <- line:
		case <-t.done:
			return false, nil
		}
	}
	return true, nil
}

func (t *Tailer) reportErr(err error) {
	select {
	case t.errs <- err:
	default:
	}
}
