package telephony

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/carelinehq/careline/pkg/errorsx"
)

const streamWriteTimeout = 10 * time.Second

// StreamConn wraps an upgraded Twilio Media Streams websocket. Outbound
// messages go through a buffered channel drained by a single writer
// goroutine, so callers never block on a slow socket. When the buffer is
// full the frame is dropped and counted; dropping audio is recoverable,
// stalling the bridge is not.
type StreamConn struct {
	ws      *websocket.Conn
	sendCh  chan []byte
	sendMu  sync.RWMutex
	closed  atomic.Bool
	dropped atomic.Int64
	done    chan struct{}
	log     *slog.Logger
}

// NewStreamConn starts the writer pump for an upgraded connection.
// sendBuffer <= 0 falls back to 256 messages.
func NewStreamConn(ws *websocket.Conn, sendBuffer int, log *slog.Logger) *StreamConn {
	if sendBuffer <= 0 {
		sendBuffer = 256
	}
	if log == nil {
		log = slog.Default()
	}
	c := &StreamConn{
		ws:     ws,
		sendCh: make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
		log:    log,
	}
	go c.writeLoop()
	return c
}

func (c *StreamConn) writeLoop() {
	defer close(c.done)
	for msg := range c.sendCh {
		_ = c.ws.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
		if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
			c.log.Debug("stream write failed", "error", err)
			return
		}
	}
}

// ReadEvent blocks for the next Twilio message. A transport failure comes
// back tagged stream_read; a frame that is not valid JSON comes back tagged
// protocol so callers can tolerate a bounded number of them.
func (c *StreamConn) ReadEvent() (StreamEvent, error) {
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		return StreamEvent{}, errorsx.Wrap(err, errorsx.ReasonStreamRead)
	}
	ev, err := DecodeStreamEvent(data)
	if err != nil {
		return StreamEvent{}, errorsx.Wrap(err, errorsx.ReasonProtocol)
	}
	return ev, nil
}

// SendAudio queues a media envelope carrying mu-law audio for the caller.
func (c *StreamConn) SendAudio(streamSID string, audio []byte) error {
	msg, err := EncodeMediaMessage(streamSID, audio)
	if err != nil {
		return errorsx.Wrap(err, errorsx.ReasonStreamSend)
	}
	return c.send(msg)
}

// SendJSON queues an arbitrary message, used for marks and test traffic.
func (c *StreamConn) SendJSON(msg []byte) error {
	return c.send(msg)
}

// send holds the read lock for the whole enqueue so shutdown cannot close
// the channel out from under a concurrent writer.
func (c *StreamConn) send(msg []byte) error {
	c.sendMu.RLock()
	defer c.sendMu.RUnlock()
	if c.closed.Load() {
		return errorsx.New("stream connection closed", errorsx.ReasonSessionClosed)
	}
	select {
	case c.sendCh <- msg:
	default:
		c.dropped.Add(1)
	}
	return nil
}

// Dropped reports how many outbound messages were discarded on a full buffer.
func (c *StreamConn) Dropped() int64 {
	return c.dropped.Load()
}

// Close stops the pump, sends a normal closure frame, and closes the socket.
// Safe to call more than once.
func (c *StreamConn) Close() error {
	return c.shutdown(websocket.CloseNormalClosure, "")
}

// CloseWithStatus tears the socket down with a specific close code. Used when
// setup fails after the upgrade already succeeded.
func (c *StreamConn) CloseWithStatus(code int, reason string) error {
	return c.shutdown(code, reason)
}

func (c *StreamConn) shutdown(code int, reason string) error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.sendMu.Lock()
	close(c.sendCh)
	c.sendMu.Unlock()
	select {
	case <-c.done:
	case <-time.After(streamWriteTimeout):
	}
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return c.ws.Close()
}
