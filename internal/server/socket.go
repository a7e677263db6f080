package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// rateLimiter admits messages within a sliding window.
type rateLimiter struct {
	max    int
	window time.Duration
	now    func() time.Time

	mu     sync.Mutex
	stamps []time.Time
}

func newRateLimiter(max int, window time.Duration) *rateLimiter {
	return &rateLimiter{max: max, window: window, now: time.Now}
}

// allow reports whether another message fits in the window, recording it
// when it does.
func (r *rateLimiter) allow() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	cutoff := now.Add(-r.window)

	kept := r.stamps[:0]
	for _, t := range r.stamps {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	r.stamps = kept

	if len(r.stamps) >= r.max {
		return false
	}
	r.stamps = append(r.stamps, now)
	return true
}

func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowedOrigins,
	})
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err, "remote", r.RemoteAddr)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()

	s.wg.Add(1)
	defer s.wg.Done()
	s.track(conn)
	defer s.untrack(conn)

	c := &client{
		srv:     s,
		conn:    conn,
		logger:  s.logger.With("component", "bridge", "remote", r.RemoteAddr),
		limiter: newRateLimiter(s.rlMax, s.rlWindow),
	}
	c.logger.Info("candidate connected")
	c.serve(r.Context())
	c.logger.Info("candidate disconnected")
}

// client is the per-connection state: the socket, its message budget, and,
// once a start message arrives, the interview session being driven.
type client struct {
	srv     *Server
	conn    *websocket.Conn
	logger  *slog.Logger
	limiter *rateLimiter

	session  Session
	appID    string
	cancel   context.CancelFunc
	pumpDone chan struct{}
}

// serve reads control messages until the socket dies or the session ends.
// On exit any live session is cancelled, awaited, and released, so a
// candidate closing the tab still gets a completed interview record.
func (c *client) serve(ctx context.Context) {
	defer func() {
		if c.session == nil {
			return
		}
		c.cancel()
		c.session.Wait()
		<-c.pumpDone
		c.srv.manager.Release(c.appID)
	}()

	for {
		var raw json.RawMessage
		if err := wsjson.Read(ctx, c.conn, &raw); err != nil {
			c.logger.Debug("socket read ended", "error", err)
			return
		}

		if !c.limiter.allow() {
			c.logger.Warn("message rate limit exceeded")
			c.write(ctx, warningFrame{Type: frameWarning, Message: "rate limit exceeded"})
			continue
		}

		var env envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			c.write(ctx, warningFrame{Type: frameWarning, Message: "malformed message"})
			continue
		}

		if !c.dispatch(ctx, env.Type, raw) {
			return
		}
	}
}

// dispatch handles one inbound message. A false return closes the
// connection.
func (c *client) dispatch(ctx context.Context, kind string, raw json.RawMessage) bool {
	switch kind {
	case msgStart:
		return c.handleStart(ctx, raw)

	case msgSubmit:
		if c.started(ctx) {
			c.session.SubmitAnswer()
		}

	case msgHangup:
		if c.started(ctx) {
			c.session.Hangup()
		}

	case msgMute:
		var m muteMessage
		if err := json.Unmarshal(raw, &m); err != nil {
			c.write(ctx, warningFrame{Type: frameWarning, Message: "malformed message"})
			return true
		}
		if c.started(ctx) {
			c.session.SetMuted(m.Muted)
		}

	case msgVisibility:
		var m visibilityMessage
		if err := json.Unmarshal(raw, &m); err != nil {
			c.write(ctx, warningFrame{Type: frameWarning, Message: "malformed message"})
			return true
		}
		if c.started(ctx) {
			c.session.VisibilityChanged(m.Hidden)
		}

	default:
		c.logger.Warn("unsupported message", "type", kind)
		c.write(ctx, warningFrame{Type: frameWarning, Message: "unsupported message type: " + kind})
	}
	return true
}

// started guards commands that need a live session.
func (c *client) started(ctx context.Context) bool {
	if c.session != nil {
		return true
	}
	c.write(ctx, warningFrame{Type: frameWarning, Message: "no interview started"})
	return false
}

// handleStart opens the session and begins streaming its events. The
// connection closes when the manager refuses: there is nothing further the
// client can do on this socket.
func (c *client) handleStart(ctx context.Context, raw json.RawMessage) bool {
	if c.session != nil {
		c.write(ctx, warningFrame{Type: frameWarning, Message: "interview already started"})
		return true
	}

	var m startMessage
	if err := json.Unmarshal(raw, &m); err != nil || m.ApplicationID == "" {
		c.write(ctx, errorFrame{Type: frameError, Reason: "start requires an application_id"})
		return false
	}

	sess, err := c.srv.manager.Open(ctx, m.ApplicationID)
	if err != nil {
		c.logger.Warn("session open refused", "application_id", m.ApplicationID, "error", err)
		c.write(ctx, errorFrame{Type: frameError, Reason: err.Error()})
		return false
	}

	sctx, cancel := context.WithCancel(ctx)
	if err := sess.Start(sctx); err != nil {
		cancel()
		c.srv.manager.Release(m.ApplicationID)
		c.write(ctx, errorFrame{Type: frameError, Reason: err.Error()})
		return false
	}

	c.session = sess
	c.appID = m.ApplicationID
	c.cancel = cancel
	c.pumpDone = make(chan struct{})
	c.logger = c.logger.With("application_id", m.ApplicationID)
	c.logger.Info("interview started")

	go c.pump(ctx)
	return true
}

// pump forwards session events to the socket as JSON frames. When the event
// stream ends, meaning the session reached a terminal state, it closes the
// socket so the read loop unblocks.
func (c *client) pump(ctx context.Context) {
	defer close(c.pumpDone)

	for ev := range c.session.Events() {
		frame, ok := eventFrame(ev)
		if !ok {
			continue
		}
		if !c.write(ctx, frame) {
			return
		}
	}
	_ = c.conn.Close(websocket.StatusNormalClosure, "interview ended")
}

// write sends one frame under a bounded deadline. A false return means the
// connection is gone.
func (c *client) write(ctx context.Context, frame any) bool {
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := wsjson.Write(wctx, c.conn, frame); err != nil {
		c.logger.Debug("socket write failed", "error", err)
		return false
	}
	return true
}
