package terminal

import (
	"strings"
	"sync"
)

const defaultScrollbackLines = 2000

// Scrollback is a fixed-size ring of terminal output lines. Old lines are
// dropped once the ring is full, so commands like `yes` cannot exhaust memory.
type Scrollback struct {
	mu      sync.RWMutex
	lines   []string
	head    int // index of the oldest line
	count   int
	partial strings.Builder
}

// NewScrollback creates a ring holding at most maxLines complete lines.
func NewScrollback(maxLines int) *Scrollback {
	if maxLines <= 0 {
		maxLines = defaultScrollbackLines
	}
	return &Scrollback{lines: make([]string, maxLines)}
}

// Write implements io.Writer. Text after the last newline is held until the
// line completes.
func (s *Scrollback) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	text := string(p)
	for {
		i := strings.IndexByte(text, '\n')
		if i < 0 {
			s.partial.WriteString(text)
			break
		}
		s.partial.WriteString(text[:i])
		s.pushLocked(strings.TrimSuffix(s.partial.String(), "\r"))
		s.partial.Reset()
		text = text[i+1:]
	}
	return len(p), nil
}

func (s *Scrollback) pushLocked(line string) {
	size := len(s.lines)
	if s.count < size {
		s.lines[(s.head+s.count)%size] = line
		s.count++
		return
	}
	s.lines[s.head] = line
	s.head = (s.head + 1) % size
}

// Lines returns the complete lines, oldest first, followed by the pending
// partial line if any.
func (s *Scrollback) Lines() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, s.count+1)
	for i := 0; i < s.count; i++ {
		out = append(out, s.lines[(s.head+i)%len(s.lines)])
	}
	if s.partial.Len() > 0 {
		out = append(out, s.partial.String())
	}
	return out
}

// String returns the visible log as text.
func (s *Scrollback) String() string {
	return strings.Join(s.Lines(), "\n")
}

// Len returns the number of complete lines held.
func (s *Scrollback) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.count
}

// Reset clears the log. It is idempotent.
func (s *Scrollback) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.head, s.count = 0, 0
	s.partial.Reset()
}

// Capacity returns the maximum number of lines kept.
func (s *Scrollback) Capacity() int {
	return len(s.lines)
}
