package telephony

import (
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/carelinehq/careline/pkg/errorsx"
)

func dialTestStream(t *testing.T, handler func(*websocket.Conn)) *StreamConn {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		handler(ws)
	}))
	t.Cleanup(srv.Close)

	ws, _, err := websocket.DefaultDialer.Dial(strings.Replace(srv.URL, "http", "ws", 1), nil)
	if err != nil {
		t.Fatalf("dial error: %v", err)
	}
	return NewStreamConn(ws, 4, nil)
}

func TestStreamConnSendAudioDeliversEnvelope(t *testing.T) {
	got := make(chan []byte, 1)
	conn := dialTestStream(t, func(ws *websocket.Conn) {
		_, msg, err := ws.ReadMessage()
		if err != nil {
			return
		}
		got <- msg
	})
	defer conn.Close()

	audio := []byte{0x7F, 0xFF}
	if err := conn.SendAudio("MZ1", audio); err != nil {
		t.Fatalf("send error: %v", err)
	}
	select {
	case msg := <-got:
		ev, err := DecodeStreamEvent(msg)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if ev.Event != EventMedia || ev.StreamSID != "MZ1" {
			t.Fatalf("unexpected envelope: %+v", ev)
		}
		if ev.Media.Payload != base64.StdEncoding.EncodeToString(audio) {
			t.Fatalf("unexpected payload %q", ev.Media.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("audio never delivered")
	}
}

func TestStreamConnReadEventTagsBadFrames(t *testing.T) {
	conn := dialTestStream(t, func(ws *websocket.Conn) {
		_ = ws.WriteMessage(websocket.TextMessage, []byte("not json"))
		_ = ws.WriteMessage(websocket.TextMessage, []byte(`{"event":"stop","stop":{"reason":"completed"}}`))
	})
	defer conn.Close()

	_, err := conn.ReadEvent()
	if !errorsx.HasReason(err, errorsx.ReasonProtocol) {
		t.Fatalf("expected protocol reason, got %v", err)
	}
	ev, err := conn.ReadEvent()
	if err != nil {
		t.Fatalf("read error: %v", err)
	}
	if ev.Event != EventStop || ev.Stop == nil || ev.Stop.Reason != "completed" {
		t.Fatalf("unexpected event %+v", ev)
	}
}

func TestStreamConnCloseIsIdempotent(t *testing.T) {
	conn := dialTestStream(t, func(ws *websocket.Conn) {
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	})
	if err := conn.Close(); err != nil {
		t.Fatalf("close error: %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("second close error: %v", err)
	}
	err := conn.SendAudio("MZ1", []byte{0x00})
	if !errorsx.HasReason(err, errorsx.ReasonSessionClosed) {
		t.Fatalf("expected session closed reason, got %v", err)
	}
}
