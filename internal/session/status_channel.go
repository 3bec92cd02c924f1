package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/redmage123/course-creator-sub015/internal/channel"
	"github.com/redmage123/course-creator-sub015/internal/protocol"
)

// errSessionEnded ends a read loop once the session is no longer live.
var errSessionEnded = errors.New("session no longer active")

// ensureChannel starts the status channel if the session is live and no
// channel goroutine is running.
func (m *Manager) ensureChannel() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil || !m.status.Active() {
		return
	}
	if m.chDone != nil {
		select {
		case <-m.chDone:
		default:
			return
		}
		m.chCancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	m.chCancel, m.chDone = cancel, done
	go m.runChannel(ctx, m.session.ID, done)
}

// closeChannel deliberately closes the status channel and waits for its
// goroutine to exit. Must not be called from the channel goroutine.
func (m *Manager) closeChannel() {
	m.mu.Lock()
	cancel, done := m.chCancel, m.chDone
	m.chCancel, m.chDone = nil, nil
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	m.mu.Lock()
	m.setChannelStateLocked(ChannelClosed)
	m.mu.Unlock()
	m.flush()
}

// live reports whether the channel for id should stay up.
func (m *Manager) live(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session != nil && m.session.ID == id && m.status.Active()
}

func (m *Manager) setChannelState(state ChannelState) {
	m.mu.Lock()
	m.setChannelStateLocked(state)
	m.mu.Unlock()
	m.flush()
}

func (m *Manager) runChannel(ctx context.Context, id string, done chan struct{}) {
	defer close(done)

	attempt := 0
	for {
		if ctx.Err() != nil || !m.live(id) {
			m.setChannelState(ChannelClosed)
			return
		}
		if attempt == 0 {
			m.setChannelState(ChannelConnecting)
		}

		conn, err := channel.Dial(ctx, m.api.StatusURL(id), m.cfg.Header)
		if err == nil {
			attempt = 0
			m.setChannelState(ChannelOpen)
			m.log.Debug("status channel open", "session_id", id)
			var next string
			next, err = m.readLoop(ctx, conn, id)
			_ = conn.CloseNow()
			if next != "" {
				m.log.Info("status channel following replaced session", "from", id, "to", next)
				id = next
				continue
			}
		}

		if ctx.Err() != nil || !m.live(id) {
			m.setChannelState(ChannelClosed)
			return
		}

		attempt++
		if m.cfg.Reconnect.Exhausted(attempt) {
			m.failChannel(id, err)
			return
		}
		delay := m.cfg.Reconnect.Delay(attempt)
		m.log.Warn("status channel lost, reconnecting", "session_id", id, "attempt", attempt, "delay", delay, "error", err)
		m.setChannelState(ChannelReconnecting)
		if channel.Sleep(ctx, delay) != nil {
			m.setChannelState(ChannelClosed)
			return
		}
	}
}

func (m *Manager) failChannel(id string, cause error) {
	err := fmt.Errorf("%w: status channel for session %s: %v", channel.ErrExhausted, id, cause)
	m.log.Error("status channel failed", "session_id", id, "error", cause)
	m.mu.Lock()
	m.setChannelStateLocked(ChannelFailed)
	m.failLocked(err)
	m.mu.Unlock()
	m.flush()
}

// readLoop processes messages in arrival order. It returns the new session
// id when the remote side replaced the session.
func (m *Manager) readLoop(ctx context.Context, conn *channel.Conn, id string) (string, error) {
	for {
		var msg protocol.StatusMessage
		if err := conn.ReadJSON(ctx, &msg); err != nil {
			return "", err
		}
		next, err := m.dispatch(id, msg)
		if err != nil || next != "" {
			return next, err
		}
	}
}

func (m *Manager) dispatch(id string, msg protocol.StatusMessage) (string, error) {
	m.mu.Lock()
	defer m.flush()
	defer m.mu.Unlock()

	if m.session == nil || m.session.ID != id {
		return "", errSessionEnded
	}

	switch msg.Type {
	case protocol.StatusChanged:
		if !msg.Status.Valid() {
			m.log.Warn("ignoring invalid status", "status", msg.Status)
			return "", nil
		}
		status := settle(msg.Status)
		m.setStatusLocked(status)
		if !status.Active() {
			return "", errSessionEnded
		}
	case protocol.ResourceSnapshot:
		if msg.Resources != nil {
			m.setResourcesLocked(msg.Resources)
		}
	case protocol.SessionReplaced:
		if msg.Session == nil {
			m.log.Warn("session_replaced without session")
			return "", nil
		}
		prev := m.session.ID
		m.adoptLocked(msg.Session)
		m.pending = append(m.pending, Event{
			Kind:     EventSessionReplaced,
			Status:   m.status,
			Session:  m.session.Clone(),
			Previous: prev,
		})
		if !m.status.Active() {
			return "", errSessionEnded
		}
		if m.session.ID != prev {
			return m.session.ID, nil
		}
	default:
		m.log.Debug("ignoring unknown status message", "type", msg.Type)
	}
	return "", nil
}
