package telephony

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	twilioclient "github.com/twilio/twilio-go/client"

	"github.com/carelinehq/careline/pkg/configutil"
	"github.com/carelinehq/careline/pkg/errorsx"
	"github.com/carelinehq/careline/pkg/redact"
)

type Config struct {
	ServerAddr         string   `mapstructure:"server_addr"`
	PublicURL          string   `mapstructure:"public_url"`
	AccountSID         string   `mapstructure:"account_sid"`
	AuthToken          string   `mapstructure:"auth_token"`
	FromNumber         string   `mapstructure:"from_number"`
	VoicePath          string   `mapstructure:"voice_path"`
	StreamPath         string   `mapstructure:"stream_path"`
	StatusCallbackPath string   `mapstructure:"status_callback_path"`
	SendBuffer         int      `mapstructure:"send_buffer"`
	AllowAnyOrigin     bool     `mapstructure:"allow_any_origin"`
	AllowedOrigins     []string `mapstructure:"allowed_origins"`
}

func (c Config) withDefaults() Config {
	c.ServerAddr = configutil.StringValue(c.ServerAddr, ":8080")
	c.VoicePath = configutil.StringValue(c.VoicePath, "/voice")
	c.StreamPath = configutil.StringValue(c.StreamPath, "/ws")
	c.StatusCallbackPath = configutil.StringValue(c.StatusCallbackPath, "/status")
	if c.SendBuffer <= 0 {
		c.SendBuffer = 256
	}
	if !c.AllowAnyOrigin && len(c.AllowedOrigins) == 0 {
		c.AllowAnyOrigin = true
	}
	return c
}

// StreamHandler runs a bridged call on an accepted Twilio stream socket.
// rawPath and rawQuery keep their original percent-encoding; the handler owns
// decoding so the call id survives doubly-encoded callback URLs.
type StreamHandler interface {
	HandleStream(ctx context.Context, conn *StreamConn, rawPath, rawQuery string)
}

// VoiceHandler answers an inbound call by resolving or creating a call row.
// The returned agent name is embedded in the stream URL.
type VoiceHandler interface {
	AnswerCall(ctx context.Context, from, to, callSID, agent string) (int64, string, error)
}

// StatusHandler receives terminal Twilio status callbacks for calls that may
// never have reached the stream endpoint.
type StatusHandler interface {
	CallStatus(ctx context.Context, callSID, reason string)
}

// Server exposes the Twilio-facing HTTP surface: the voice webhook, the media
// stream websocket, the status callback, and any API routes registered by the
// caller before Start.
type Server struct {
	cfg      Config
	upgrader websocket.Upgrader
	mux      *http.ServeMux
	server   *http.Server
	stream   StreamHandler
	voice    VoiceHandler
	status   StatusHandler
	draining atomic.Bool
	log      *slog.Logger
}

func NewServer(cfg Config, stream StreamHandler, log *slog.Logger) *Server {
	cfg = cfg.withDefaults()
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		mux:    http.NewServeMux(),
		stream: stream,
		log:    log,
	}
	s.upgrader.CheckOrigin = s.checkOrigin
	s.mux.HandleFunc(cfg.VoicePath, s.handleVoice)
	s.mux.HandleFunc(cfg.StreamPath, s.handleStream)
	s.mux.HandleFunc(cfg.StreamPath+"/", s.handleStream)
	s.mux.HandleFunc(cfg.StatusCallbackPath, s.handleStatusCallback)
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return s
}

// SetVoiceHandler wires inbound call answering. Without one the voice webhook
// answers every caller with a polite hangup.
func (s *Server) SetVoiceHandler(h VoiceHandler) { s.voice = h }

// SetStatusHandler wires terminal status callback delivery.
func (s *Server) SetStatusHandler(h StatusHandler) { s.status = h }

// Handle registers an extra route. Must be called before Start.
func (s *Server) Handle(pattern string, h http.Handler) {
	s.mux.Handle(pattern, h)
}

// HandleFunc registers an extra route. Must be called before Start.
func (s *Server) HandleFunc(pattern string, fn func(http.ResponseWriter, *http.Request)) {
	s.mux.HandleFunc(pattern, fn)
}

// Handler exposes the composed mux, mostly for httptest.
func (s *Server) Handler() http.Handler { return s.mux }

func (s *Server) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.server = &http.Server{
		Addr:              s.cfg.ServerAddr,
		ReadHeaderTimeout: 5 * time.Second,
		Handler:           s.mux,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	go func() {
		<-ctx.Done()
		_ = s.server.Close()
	}()
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("telephony_server_error", "error", err.Error())
		}
	}()
	return nil
}

// Drain rejects new stream upgrades with 503 while in-flight calls finish.
func (s *Server) Drain() { s.draining.Store(true) }

func (s *Server) Stop() error {
	s.draining.Store(true)
	if s.server != nil {
		return s.server.Close()
	}
	return nil
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if s.draining.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	if s.stream == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	rawPath := r.URL.EscapedPath()
	rawQuery := r.URL.RawQuery
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn := NewStreamConn(ws, s.cfg.SendBuffer, s.log)
	s.stream.HandleStream(r.Context(), conn, rawPath, rawQuery)
	_ = conn.Close()
}

func (s *Server) handleVoice(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.cfg.AuthToken != "" && !s.ValidateRequest(r) {
		s.log.Warn("twilio_invalid_signature", "reason_code", string(errorsx.ReasonInvalidSignature), "path", r.URL.Path)
		w.WriteHeader(http.StatusForbidden)
		return
	}
	if err := r.ParseForm(); err != nil || s.voice == nil {
		WriteTwiML(w, HangupTwiML("This line is not accepting calls right now. Goodbye."))
		return
	}
	from := r.FormValue("From")
	to := r.FormValue("To")
	callSID := r.FormValue("CallSid")
	agent := r.URL.Query().Get("agent")
	callID, resolvedAgent, err := s.voice.AnswerCall(r.Context(), from, to, callSID, agent)
	if err != nil {
		s.log.Warn("inbound_call_rejected", "from", redact.Text(from), "error", err.Error())
		WriteTwiML(w, HangupTwiML("Sorry, we could not match your number to a patient record. Goodbye."))
		return
	}
	streamURL := s.StreamURL(r, callID, resolvedAgent)
	s.log.Info("inbound_call_answered", "call_id", callID, "agent", resolvedAgent)
	WriteTwiML(w, ConnectStreamTwiML(streamURL))
}

func (s *Server) handleStatusCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.cfg.AuthToken != "" && !s.ValidateRequest(r) {
		s.log.Warn("twilio_status_invalid_signature", "reason_code", string(errorsx.ReasonInvalidSignature))
		w.WriteHeader(http.StatusForbidden)
		return
	}
	if err := r.ParseForm(); err != nil {
		w.WriteHeader(http.StatusOK)
		return
	}
	callSID := r.FormValue("CallSid")
	reason := NormalizeCallEndReason(r.FormValue("CallStatus"))
	if callSID != "" && reason != "" && s.status != nil {
		s.status.CallStatus(r.Context(), callSID, reason)
	}
	w.WriteHeader(http.StatusOK)
}

// ValidateRequest checks the X-Twilio-Signature header. Form posts are
// signed over the URL plus sorted form parameters; anything else is signed
// over the raw body. The body is restored so downstream handlers can
// re-read it.
func (s *Server) ValidateRequest(r *http.Request) bool {
	signature := r.Header.Get("X-Twilio-Signature")
	if signature == "" || s.cfg.AuthToken == "" {
		return false
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return false
	}
	_ = r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(body))

	validator := twilioclient.NewRequestValidator(s.cfg.AuthToken)
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/x-www-form-urlencoded") {
		form, err := url.ParseQuery(string(body))
		if err != nil {
			return false
		}
		params := make(map[string]string, len(form))
		for k, vs := range form {
			if len(vs) > 0 {
				params[k] = vs[0]
			}
		}
		return validator.Validate(s.requestURL(r), params, signature)
	}
	return validator.ValidateBody(s.requestURL(r), body, signature)
}

func (s *Server) requestURL(r *http.Request) string {
	if s.cfg.PublicURL != "" {
		base := "https://" + normalizePublicURL(s.cfg.PublicURL)
		return base + r.URL.RequestURI()
	}
	scheme := r.URL.Scheme
	if scheme == "" {
		if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
			scheme = proto
		} else {
			scheme = "https"
		}
	}
	host := r.Host
	if host == "" {
		host = strings.TrimPrefix(s.cfg.ServerAddr, ":")
	}
	return scheme + "://" + host + r.URL.RequestURI()
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if s.cfg.AllowAnyOrigin {
		return true
	}
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	origin = strings.TrimRight(origin, "/")
	originHost := strings.TrimPrefix(origin, "https://")
	originHost = strings.TrimPrefix(originHost, "http://")
	for _, allowed := range s.cfg.AllowedOrigins {
		a := strings.TrimSpace(allowed)
		if a == "" {
			continue
		}
		a = strings.TrimRight(a, "/")
		if strings.HasPrefix(a, "http://") || strings.HasPrefix(a, "https://") {
			if strings.EqualFold(a, origin) {
				return true
			}
			continue
		}
		if strings.EqualFold(a, originHost) {
			return true
		}
	}
	return false
}

// StreamURL builds the wss URL a TwiML response points Twilio at for a call.
func (s *Server) StreamURL(r *http.Request, callID int64, agent string) string {
	host := ""
	if s.cfg.PublicURL != "" {
		host = normalizePublicURL(s.cfg.PublicURL)
	} else if r != nil && r.Host != "" {
		host = r.Host
	} else {
		host = strings.TrimPrefix(s.cfg.ServerAddr, ":")
	}
	u := "wss://" + host + s.cfg.StreamPath + "/" + strconv.FormatInt(callID, 10)
	if agent != "" {
		u += "?agent=" + url.QueryEscape(agent)
	}
	return u
}

// CallbackURL builds a public https address for a Twilio-facing callback
// path, preferring the configured public host over the incoming request's.
func (s *Server) CallbackURL(r *http.Request, path string) string {
	if s.cfg.PublicURL != "" {
		return "https://" + normalizePublicURL(s.cfg.PublicURL) + path
	}
	if r != nil && r.Host != "" {
		return "https://" + r.Host + path
	}
	return s.publicHTTPURL(path)
}

// VoiceWebhookURL is the public address Twilio should POST inbound calls to.
func (s *Server) VoiceWebhookURL() string {
	return s.publicHTTPURL(s.cfg.VoicePath)
}

// StatusCallbackURL is the public address for terminal status callbacks.
func (s *Server) StatusCallbackURL() string {
	return s.publicHTTPURL(s.cfg.StatusCallbackPath)
}

func (s *Server) publicHTTPURL(path string) string {
	if s.cfg.PublicURL != "" {
		return "https://" + normalizePublicURL(s.cfg.PublicURL) + path
	}
	addr := s.cfg.ServerAddr
	if addr == "" {
		addr = ":8080"
	}
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return "http://" + addr + path
}

func normalizePublicURL(v string) string {
	if v == "" {
		return ""
	}
	v = strings.TrimPrefix(v, "https://")
	v = strings.TrimPrefix(v, "http://")
	for len(v) > 0 && v[len(v)-1] == '/' {
		v = v[:len(v)-1]
	}
	return v
}

// NormalizeCallEndReason folds the many Twilio status spellings into the
// small set stored on call rows. Transient statuses map to empty.
func NormalizeCallEndReason(raw string) string {
	r := strings.ToLower(strings.TrimSpace(raw))
	if r == "" {
		return ""
	}
	switch r {
	case "queued", "ringing", "in-progress", "inprogress", "initiated":
		return ""
	case "completed", "call_ended", "call-ended", "completed_by_user", "hangup":
		return "completed"
	case "busy":
		return "busy"
	case "no_answer", "noanswer", "no-answer":
		return "no_answer"
	case "failed", "error", "canceled", "cancelled", "transport_closed":
		return "failed"
	default:
		return "unknown"
	}
}
