// Package domain contains core domain types for the lab session engine.
package domain

import (
	"time"
)

// SessionStatus is the lifecycle state of a lab session.
type SessionStatus string

const (
	StatusStopped  SessionStatus = "stopped"
	StatusStarting SessionStatus = "starting"
	StatusRunning  SessionStatus = "running"
	StatusPaused   SessionStatus = "paused"
	StatusStopping SessionStatus = "stopping"
)

// Valid reports whether s is one of the five lifecycle states.
func (s SessionStatus) Valid() bool {
	switch s {
	case StatusStopped, StatusStarting, StatusRunning, StatusPaused, StatusStopping:
		return true
	}
	return false
}

// Stable reports whether s is a confirmed (non-intermediate) state.
func (s SessionStatus) Stable() bool {
	return s == StatusStopped || s == StatusRunning || s == StatusPaused
}

// Active reports whether a session in state s holds a live sandbox.
func (s SessionStatus) Active() bool {
	return s == StatusRunning || s == StatusPaused
}

// ResourceSnapshot is a point-in-time measurement of sandbox resource usage.
type ResourceSnapshot struct {
	CPUPercent    float64   `json:"cpu_percent"`
	MemoryUsed    uint64    `json:"memory_used"`
	MemoryTotal   uint64    `json:"memory_total"`
	DiskUsed      uint64    `json:"disk_used"`
	DiskTotal     uint64    `json:"disk_total"`
	NetworkRxRate *float64  `json:"network_rx_rate,omitempty"`
	NetworkTxRate *float64  `json:"network_tx_rate,omitempty"`
	SampledAt     time.Time `json:"sampled_at"`
}

// Session identifies one remote sandbox for a (learner, exercise) pair.
type Session struct {
	ID          string            `json:"id"`
	OwnerID     string            `json:"owner_id"`
	ExerciseID  string            `json:"exercise_id"`
	CourseID    string            `json:"course_id,omitempty"`
	Status      SessionStatus     `json:"status"`
	StartedAt   time.Time         `json:"started_at"`
	EndedAt     *time.Time        `json:"ended_at,omitempty"`
	Resources   *ResourceSnapshot `json:"resources,omitempty"`
	ContainerID string            `json:"-"`
	LastSeenAt  time.Time         `json:"-"`
}

// Clone returns a deep copy of the session.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	if s.EndedAt != nil {
		ended := *s.EndedAt
		c.EndedAt = &ended
	}
	if s.Resources != nil {
		res := *s.Resources
		c.Resources = &res
	}
	return &c
}

// Elapsed returns the wall-clock time the session has been alive as of now.
// Returns 0 if the session never started.
func (s *Session) Elapsed(now time.Time) time.Duration {
	if s == nil || s.StartedAt.IsZero() {
		return 0
	}
	end := now
	if s.EndedAt != nil {
		end = *s.EndedAt
	}
	if end.Before(s.StartedAt) {
		return 0
	}
	return end.Sub(s.StartedAt)
}
