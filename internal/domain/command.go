package domain

import (
	"time"
)

// CommandRecord is one completed terminal interaction. Never mutated after creation.
type CommandRecord struct {
	Input     string    `json:"input"`
	Output    string    `json:"output"`
	ExitCode  int       `json:"exit_code"`
	Timestamp time.Time `json:"timestamp"`
}

// Failed reports whether the command exited non-zero.
func (r CommandRecord) Failed() bool {
	return r.ExitCode != 0
}
