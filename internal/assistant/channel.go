package assistant

import (
	"context"
	"fmt"

	"github.com/redmage123/course-creator-sub015/internal/channel"
	"github.com/redmage123/course-creator-sub015/internal/domain"
	"github.com/redmage123/course-creator-sub015/internal/protocol"
)

func (m *Manager) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	for {
		err := m.connectOnce(ctx)
		if ctx.Err() != nil || m.isClosed() {
			return
		}

		m.mu.Lock()
		m.attempt++
		attempt := m.attempt
		if m.cfg.Reconnect.Exhausted(attempt) {
			m.lastErr = fmt.Errorf("%w after %d attempts: %v", ErrConnectionFailed, attempt-1, err)
			m.setStateLocked(StateFailed)
			m.mu.Unlock()
			m.log.Error("assistant channel failed", "error", err)
			return
		}
		m.setStateLocked(StateReconnecting)
		m.mu.Unlock()

		delay := m.cfg.Reconnect.Delay(attempt)
		m.log.Warn("assistant channel lost, reconnecting", "attempt", attempt, "delay", delay, "error", err)
		if channel.Sleep(ctx, delay) != nil {
			return
		}
	}
}

func (m *Manager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// connectOnce dials, sends init and reads until the connection ends.
func (m *Manager) connectOnce(ctx context.Context) error {
	conn, err := channel.Dial(ctx, m.cfg.URL, m.cfg.Header)
	if err != nil {
		return err
	}
	defer func() { _ = conn.CloseNow() }()

	id := m.cfg.Identity()
	if err := conn.WriteJSON(ctx, protocol.AssistantMessage{
		Type:       protocol.AssistantInit,
		LearnerID:  id.LearnerID,
		SessionID:  id.SessionID,
		ExerciseID: id.ExerciseID,
		CourseID:   id.CourseID,
	}); err != nil {
		return fmt.Errorf("send init: %w", err)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.conn = conn
	m.mu.Unlock()

	err = m.readLoop(ctx, conn)

	m.mu.Lock()
	if m.conn == conn {
		m.conn = nil
	}
	if m.pending {
		m.lastErr = fmt.Errorf("connection lost while waiting for reply: %w", err)
	}
	m.pending, m.thinking, m.streaming = false, false, -1
	m.notifyLocked()
	m.mu.Unlock()
	return err
}

func (m *Manager) readLoop(ctx context.Context, conn *channel.Conn) error {
	for {
		var msg protocol.AssistantMessage
		if err := conn.ReadJSON(ctx, &msg); err != nil {
			return err
		}
		m.dispatch(msg)
	}
}

func (m *Manager) dispatch(msg protocol.AssistantMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch msg.Type {
	case protocol.AssistantConnected:
		m.attempt = 0
		m.setStateLocked(StateReady)
		m.log.Info("assistant channel ready")
	case protocol.AssistantThinking:
		if m.pending {
			m.thinking = true
			m.notifyLocked()
		}
	case protocol.AssistantResponse:
		m.appendChunkLocked(msg.Content)
		if msg.Final() {
			m.pending, m.thinking, m.streaming = false, false, -1
		}
		m.notifyLocked()
	case protocol.AssistantError:
		text := msg.Error
		if text == "" {
			text = msg.Content
		}
		m.turns = append(m.turns, domain.Turn{
			ID:        m.newID(),
			Role:      domain.RoleAssistant,
			Content:   text,
			Timestamp: m.now(),
			Error:     true,
		})
		m.lastErr = fmt.Errorf("assistant: %s", text)
		m.pending, m.thinking, m.streaming = false, false, -1
		m.notifyLocked()
	case protocol.AssistantHistoryCleared:
		m.turns = nil
		m.streaming = -1
		m.notifyLocked()
	default:
		m.log.Warn("ignoring unknown assistant message", "type", msg.Type)
	}
}

// appendChunkLocked accumulates streamed content into the current reply turn.
func (m *Manager) appendChunkLocked(content string) {
	if m.streaming >= 0 && m.streaming < len(m.turns) {
		m.turns[m.streaming].Content += content
		return
	}
	m.turns = append(m.turns, domain.Turn{
		ID:        m.newID(),
		Role:      domain.RoleAssistant,
		Content:   content,
		Timestamp: m.now(),
	})
	m.streaming = len(m.turns) - 1
}
