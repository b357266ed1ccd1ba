package agent

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/carelinehq/careline/pkg/errorsx"
	"github.com/carelinehq/careline/pkg/resilience"
)

// DefaultURL is the converse endpoint.
const DefaultURL = "wss://agent.deepgram.com/v1/agent/converse"

const writeTimeout = 10 * time.Second

type Config struct {
	URL          string
	APIKey       string
	DialTimeout  time.Duration
	DialRetries  int
	RetryBackoff time.Duration
}

func (c Config) withDefaults() Config {
	if c.URL == "" {
		c.URL = DefaultURL
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.DialRetries <= 0 {
		c.DialRetries = 2
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 500 * time.Millisecond
	}
	return c
}

// Dialer opens authenticated converse connections. Auth rides the
// websocket subprotocol list, not a header.
type Dialer struct {
	cfg Config
	log *slog.Logger
}

func NewDialer(cfg Config, log *slog.Logger) *Dialer {
	if log == nil {
		log = slog.Default()
	}
	return &Dialer{cfg: cfg.withDefaults(), log: log}
}

// Dial connects and returns a Conn ready for SendSettings. Transient
// failures are retried with backoff; ctx cancel stops the attempts.
func (d *Dialer) Dial(ctx context.Context) (*Conn, error) {
	if strings.TrimSpace(d.cfg.APIKey) == "" {
		return nil, errorsx.New("agent api key is not set", errorsx.ReasonAgentConnect)
	}
	wsDialer := &websocket.Dialer{
		HandshakeTimeout: d.cfg.DialTimeout,
		Subprotocols:     []string{"token", d.cfg.APIKey},
	}

	var ws *websocket.Conn
	policy := resilience.NewRetryPolicy(d.cfg.DialRetries, d.cfg.RetryBackoff)
	err := policy.DoContext(ctx, func() error {
		conn, resp, dialErr := wsDialer.DialContext(ctx, d.cfg.URL, nil)
		if dialErr != nil {
			status := 0
			if resp != nil {
				status = resp.StatusCode
			}
			d.log.Warn("agent_dial_failed", "status", status, "error", dialErr)
			return dialErr
		}
		ws = conn
		return nil
	})
	if err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonAgentConnect)
	}
	return &Conn{ws: ws, log: d.log}, nil
}

// Conn is one live converse socket. Reads come from a single
// goroutine; writes may come from both relay directions, so they are
// serialized here.
type Conn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
	closed  atomic.Bool
	log     *slog.Logger
}

// SendSettings must be the first write on the socket.
func (c *Conn) SendSettings(s Settings) error {
	if err := c.writeJSON(s); err != nil {
		return errorsx.Wrap(err, errorsx.ReasonAgentSettings)
	}
	return nil
}

// SendAudio forwards one mu-law chunk as a binary frame.
func (c *Conn) SendAudio(chunk []byte) error {
	if c.closed.Load() {
		return errorsx.New("agent connection closed", errorsx.ReasonSessionClosed)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.ws.WriteMessage(websocket.BinaryMessage, chunk); err != nil {
		return errorsx.Wrap(err, errorsx.ReasonAgentSend)
	}
	return nil
}

// SendJSON writes a text frame, used for function call responses.
func (c *Conn) SendJSON(v any) error {
	if err := c.writeJSON(v); err != nil {
		return errorsx.Wrap(err, errorsx.ReasonAgentSend)
	}
	return nil
}

func (c *Conn) writeJSON(v any) error {
	if c.closed.Load() {
		return errorsx.New("agent connection closed", errorsx.ReasonSessionClosed)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteJSON(v)
}

// ReadEvent blocks for the next frame. Socket-level failures return an
// error; malformed JSON text returns an Event with an empty Type for
// the caller to count.
func (c *Conn) ReadEvent() (Event, error) {
	msgType, data, err := c.ws.ReadMessage()
	if err != nil {
		return Event{}, errorsx.Wrap(err, errorsx.ReasonAgentRead)
	}
	if msgType == websocket.BinaryMessage {
		return Event{Audio: data}, nil
	}
	return decodeEvent(data), nil
}

// Close is idempotent.
func (c *Conn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	deadline := time.Now().Add(2 * time.Second)
	c.writeMu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	c.writeMu.Unlock()
	return c.ws.Close()
}
