// Package history holds the append-only command execution log shared by the
// terminal and the assistant context.
package history

import (
	"strings"
	"sync"

	"github.com/redmage123/course-creator-sub015/internal/domain"
)

// ErrorVocabulary is the fixed set of substrings that mark command output as erroring.
var ErrorVocabulary = []string{"error", "exception", "traceback"}

// Buffer is an ordered log of command records, most-recent-last.
type Buffer struct {
	mu      sync.RWMutex
	records []domain.CommandRecord
}

// New creates an empty buffer.
func New() *Buffer {
	return &Buffer{}
}

// Append adds a record at the end of the log.
func (b *Buffer) Append(rec domain.CommandRecord) {
	b.mu.Lock()
	b.records = append(b.records, rec)
	b.mu.Unlock()
}

// Records returns a copy of all records in order.
func (b *Buffer) Records() []domain.CommandRecord {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]domain.CommandRecord, len(b.records))
	copy(out, b.records)
	return out
}

// Len returns the number of records.
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.records)
}

// Last returns the most recent record.
func (b *Buffer) Last() (domain.CommandRecord, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.records) == 0 {
		return domain.CommandRecord{}, false
	}
	return b.records[len(b.records)-1], true
}

// Recent returns up to n most recent records, oldest first.
func (b *Buffer) Recent(n int) []domain.CommandRecord {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if n <= 0 {
		return nil
	}
	start := len(b.records) - n
	if start < 0 {
		start = 0
	}
	out := make([]domain.CommandRecord, len(b.records)-start)
	copy(out, b.records[start:])
	return out
}

// Inputs returns submitted inputs, most-recent-first.
func (b *Buffer) Inputs() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.records))
	for i := len(b.records) - 1; i >= 0; i-- {
		out = append(out, b.records[i].Input)
	}
	return out
}

// LastError returns the most recent record whose output contains any of
// ErrorVocabulary, case-insensitive.
func (b *Buffer) LastError() (domain.CommandRecord, bool) {
	return b.LastMatching(ErrorVocabulary)
}

// LastMatching returns the most recent record whose output contains any of vocab.
func (b *Buffer) LastMatching(vocab []string) (domain.CommandRecord, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for i := len(b.records) - 1; i >= 0; i-- {
		if ContainsAny(b.records[i].Output, vocab) {
			return b.records[i], true
		}
	}
	return domain.CommandRecord{}, false
}

// Replace swaps the whole log, used when loading remote history.
func (b *Buffer) Replace(records []domain.CommandRecord) {
	cp := make([]domain.CommandRecord, len(records))
	copy(cp, records)
	b.mu.Lock()
	b.records = cp
	b.mu.Unlock()
}

// Clear drops all records.
func (b *Buffer) Clear() {
	b.mu.Lock()
	b.records = nil
	b.mu.Unlock()
}

// ContainsAny reports whether s contains any of vocab, ignoring case.
func ContainsAny(s string, vocab []string) bool {
	lower := strings.ToLower(s)
	for _, v := range vocab {
		if strings.Contains(lower, strings.ToLower(v)) {
			return true
		}
	}
	return false
}
