// Package channel provides the websocket primitive and reconnect policy shared
// by the session status channel and the assistant channel.
package channel

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// readLimit bounds a single inbound frame.
const readLimit = 1 << 20

// Conn is a JSON message connection over a websocket.
// ReadJSON must only be called from one goroutine; WriteJSON and Close are
// safe for concurrent use.
type Conn struct {
	ws *websocket.Conn
}

// Dial opens a websocket to url with the given request header.
func Dial(ctx context.Context, url string, header http.Header) (*Conn, error) {
	ws, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: header,
	})
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	ws.SetReadLimit(readLimit)
	return &Conn{ws: ws}, nil
}

// Wrap adapts an already accepted websocket, used on the server side.
func Wrap(ws *websocket.Conn) *Conn {
	ws.SetReadLimit(readLimit)
	return &Conn{ws: ws}
}

// ReadJSON blocks until the next message arrives and decodes it into v.
func (c *Conn) ReadJSON(ctx context.Context, v any) error {
	return wsjson.Read(ctx, c.ws, v)
}

// WriteJSON encodes v as one text message.
func (c *Conn) WriteJSON(ctx context.Context, v any) error {
	return wsjson.Write(ctx, c.ws, v)
}

// Close performs a normal closing handshake.
func (c *Conn) Close(reason string) error {
	return c.ws.Close(websocket.StatusNormalClosure, reason)
}

// CloseNow tears down the connection without a handshake.
func (c *Conn) CloseNow() error {
	return c.ws.CloseNow()
}

// IsNormalClosure reports whether err is a deliberate close by the peer
// (normal closure or going away).
func IsNormalClosure(err error) bool {
	if err == nil {
		return false
	}
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return true
	}
	return false
}

// Backoff is a capped exponential reconnect policy.
type Backoff struct {
	Base        time.Duration
	Max         time.Duration
	MaxAttempts int
}

// DefaultBackoff starts at one second, doubles up to thirty seconds and gives
// up after five attempts.
func DefaultBackoff() Backoff {
	return Backoff{Base: time.Second, Max: 30 * time.Second, MaxAttempts: 5}
}

// Delay returns the wait before the given attempt (1-based):
// min(Base * 2^(attempt-1), Max).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := b.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if b.Max > 0 && d >= b.Max {
			return b.Max
		}
	}
	if b.Max > 0 && d > b.Max {
		return b.Max
	}
	return d
}

// Exhausted reports whether attempt exceeds the attempt budget.
// A non-positive MaxAttempts means unbounded.
func (b Backoff) Exhausted(attempt int) bool {
	return b.MaxAttempts > 0 && attempt > b.MaxAttempts
}

// ErrExhausted is returned once the reconnect budget is spent.
var ErrExhausted = errors.New("reconnect attempts exhausted")

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
