package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/skypro1111/voice-note-capture/internal/capture"
	"github.com/skypro1111/voice-note-capture/internal/protocol"
	"github.com/skypro1111/voice-note-capture/internal/stream"
)

const (
	wsOutboxSize  = 64
	wsWriteWait   = 10 * time.Second
	wsPongWait    = 60 * time.Second
	wsPingPeriod  = wsPongWait * 9 / 10
	wsFinishLimit = 2 * time.Minute
)

// wsConn serializes writes to one websocket connection. Messages are queued
// and written by a single goroutine.
type wsConn struct {
	conn   *websocket.Conn
	outbox chan protocol.Message
	done   chan struct{}
	closed bool
	mu     sync.Mutex
}

func newWSConn(conn *websocket.Conn) *wsConn {
	c := &wsConn{
		conn:   conn,
		outbox: make(chan protocol.Message, wsOutboxSize),
		done:   make(chan struct{}),
	}
	go c.writeLoop()
	return c
}

// send queues msg. Progress messages are dropped when the client is slow;
// everything else waits for room.
func (c *wsConn) send(msg protocol.Message) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	if msg.Type == protocol.MessageProgress {
		select {
		case c.outbox <- msg:
		default:
		}
		return
	}
	select {
	case c.outbox <- msg:
	case <-c.done:
	}
}

// close flushes queued messages, sends a close frame and waits for the writer.
func (c *wsConn) close() {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		close(c.outbox)
	}
	c.mu.Unlock()
	<-c.done
}

func (c *wsConn) writeLoop() {
	defer close(c.done)

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-c.outbox:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *HTTPServer) upgrader() websocket.Upgrader {
	allowed := make(map[string]bool, len(h.config.HTTP.AllowedOrigins))
	for _, origin := range h.config.HTTP.AllowedOrigins {
		allowed[origin] = true
	}

	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowed) == 0 {
				return true
			}
			return allowed[r.Header.Get("Origin")]
		},
	}
}

// wsCapture is the per-connection state of a websocket capture.
type wsCapture struct {
	h       *HTTPServer
	out     *wsConn
	logger  *slog.Logger
	session *stream.CaptureSession
	source  *capture.PushSource
	lastSeq uint32
}

// handleWebsocket runs one capture over a websocket. The client sends a start
// frame, chunk frames and control frames; the server answers with JSON
// messages. A client that disconnects mid-recording loses the recording.
func (h *HTTPServer) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	upgrader := h.upgrader()
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Failed to upgrade connection", slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	h.metrics.WSConnected(1)
	defer h.metrics.WSConnected(-1)

	out := newWSConn(conn)
	defer out.close()

	c := &wsCapture{
		h:      h,
		out:    out,
		logger: h.logger.With(slog.String("remote", r.RemoteAddr)),
	}

	// Pongs run on this goroutine, inside ReadMessage, so c.session is safe here.
	conn.SetReadLimit(int64(protocol.HeaderSize + protocol.MaxChunkSamples*protocol.BytesPerSample))
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		if c.session != nil {
			c.session.Touch()
		}
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Warn("Websocket read failed", slog.String("error", err.Error()))
			}
			c.abandon()
			return
		}
		conn.SetReadDeadline(time.Now().Add(wsPongWait))

		if messageType != websocket.BinaryMessage {
			c.protocolError(fmt.Errorf("expected binary frame, got message type %d", messageType))
			continue
		}

		frame, err := protocol.ParseFrame(data)
		if err != nil {
			c.protocolError(err)
			continue
		}

		if done := c.handleFrame(r.Context(), frame); done {
			return
		}
	}
}

// handleFrame applies one frame and reports whether the connection is finished.
func (c *wsCapture) handleFrame(ctx context.Context, frame *protocol.Frame) bool {
	if frame.Header.Type != protocol.FrameTypeStart && c.session == nil {
		c.protocolError(fmt.Errorf("%s frame before start", protocol.TypeString(frame.Header.Type)))
		return false
	}
	if c.session != nil {
		c.session.Touch()
	}

	switch frame.Header.Type {
	case protocol.FrameTypeStart:
		c.start(int(frame.Start.SampleRate))

	case protocol.FrameTypeChunk:
		if frame.Header.Sequence <= c.lastSeq && c.lastSeq != 0 {
			c.logger.Debug("Out-of-order chunk frame",
				slog.Uint64("sequence", uint64(frame.Header.Sequence)),
				slog.Uint64("last_sequence", uint64(c.lastSeq)))
		}
		c.lastSeq = frame.Header.Sequence
		if len(frame.Samples) == 0 {
			return false
		}
		if err := c.source.Push(frame.Samples); err != nil {
			c.sendError(err)
		}

	case protocol.FrameTypePause:
		if err := c.session.Pause(); err != nil {
			c.sendError(err)
		}

	case protocol.FrameTypeResume:
		if err := c.session.Resume(); err != nil {
			c.sendError(err)
		}

	case protocol.FrameTypeStop:
		c.finish(ctx)
		return true

	case protocol.FrameTypeCancel:
		if err := c.h.sessions.Cancel(c.session.ID); err != nil {
			c.sendError(err)
		}
		c.out.send(protocol.Message{Type: protocol.MessageCancelled, RecordingID: c.session.ID})
		return true
	}

	return false
}

func (c *wsCapture) start(sampleRate int) {
	if c.session != nil {
		c.protocolError(fmt.Errorf("recording %s already started", c.session.ID))
		return
	}

	session, source, err := c.h.sessions.Create(sampleRate)
	if err != nil {
		c.sendError(err)
		return
	}
	// The connection's read deadline and abandon own this session's lifetime.
	session.Hold(true)
	c.session = session
	c.source = source
	c.logger = c.logger.With(slog.String("session_id", session.ID))

	session.OnUpdate(func(u stream.Update) {
		msg := protocol.Message{
			Type:            protocol.MessageProgress,
			RecordingID:     u.SessionID,
			State:           u.State.String(),
			DurationSeconds: u.Progress.Duration.Seconds(),
			Chunks:          u.Progress.Chunks,
			Level:           u.Level,
		}
		if u.Progress.Chunks == 0 || u.LimitReached || u.Err != nil {
			msg.Type = protocol.MessageState
		}
		if u.Err != nil {
			msg.Error = u.Err.Error()
		}
		c.out.send(msg)
	})

	c.out.send(protocol.Message{
		Type:        protocol.MessageStarted,
		RecordingID: session.ID,
		State:       session.State().String(),
	})
	c.logger.Info("Websocket capture started", slog.Int("sample_rate", sampleRate))
}

func (c *wsCapture) finish(ctx context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), wsFinishLimit)
	defer cancel()

	result, err := c.h.sessions.Finish(ctx, c.session.ID)
	if err != nil {
		c.sendError(err)
		return
	}

	msg := protocol.Message{
		Type:            protocol.MessageResult,
		RecordingID:     result.SessionID,
		State:           stream.StateStopped.String(),
		DurationSeconds: result.DurationSeconds,
	}
	if result.Handle != nil {
		msg.TranscriptionID = result.Handle.ID
		msg.Text = result.Handle.Text
	}
	c.out.send(msg)
}

// abandon discards the recording of a client that went away.
func (c *wsCapture) abandon() {
	if c.session == nil {
		return
	}
	err := c.h.sessions.Cancel(c.session.ID)
	if err != nil && !errors.Is(err, stream.ErrSessionNotFound) {
		c.logger.Warn("Failed to discard abandoned recording", slog.String("error", err.Error()))
		return
	}
	c.logger.Info("Client disconnected, recording discarded")
}

func (c *wsCapture) protocolError(err error) {
	c.h.metrics.RecordFrameError()
	c.logger.Warn("Malformed frame", slog.String("error", err.Error()))
	c.sendError(err)
}

func (c *wsCapture) sendError(err error) {
	msg := protocol.Message{Type: protocol.MessageError, Error: err.Error()}
	if c.session != nil {
		msg.RecordingID = c.session.ID
	}
	c.out.send(msg)
}
