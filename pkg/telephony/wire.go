package telephony

import (
	"encoding/base64"
	"encoding/json"

	"github.com/carelinehq/careline/pkg/errorsx"
)

// Stream event names used by Twilio Media Streams.
const (
	EventConnected = "connected"
	EventStart     = "start"
	EventMedia     = "media"
	EventDTMF      = "dtmf"
	EventMark      = "mark"
	EventStop      = "stop"
)

// TrackInbound is the caller-side audio track. Outbound echo frames carry
// track "outbound" and must not be fed back to the agent.
const TrackInbound = "inbound"

type StreamStart struct {
	CallSID   string            `json:"callSid"`
	StreamSID string            `json:"streamSid"`
	From      string            `json:"from"`
	To        string            `json:"to"`
	Custom    map[string]string `json:"customParameters,omitempty"`
}

type StreamMedia struct {
	Track   string `json:"track"`
	Payload string `json:"payload"`
}

type StreamDTMF struct {
	Digit string `json:"digit"`
}

type StreamStop struct {
	CallSID string `json:"callSid"`
	Reason  string `json:"reason"`
}

type StreamMark struct {
	Name string `json:"name"`
}

// StreamEvent is one JSON message on a Twilio Media Streams websocket.
type StreamEvent struct {
	Event     string       `json:"event"`
	StreamSID string       `json:"streamSid,omitempty"`
	Start     *StreamStart `json:"start,omitempty"`
	Media     *StreamMedia `json:"media,omitempty"`
	DTMF      *StreamDTMF  `json:"dtmf,omitempty"`
	Stop      *StreamStop  `json:"stop,omitempty"`
	Mark      *StreamMark  `json:"mark,omitempty"`
}

// DecodeStreamEvent parses a raw websocket message from Twilio. Unknown event
// types decode fine; callers switch on Event and ignore what they don't use.
func DecodeStreamEvent(data []byte) (StreamEvent, error) {
	var ev StreamEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return StreamEvent{}, err
	}
	return ev, nil
}

// InboundAudio returns the decoded mu-law payload when the event is a media
// frame on the inbound track. Frames on other tracks return nil silently —
// echo frames must not reach the agent. A payload that fails to decode is a
// protocol error so the caller can count it against the peer's budget.
func (e StreamEvent) InboundAudio() ([]byte, error) {
	if e.Event != EventMedia || e.Media == nil {
		return nil, nil
	}
	if e.Media.Track != TrackInbound {
		return nil, nil
	}
	raw, err := base64.StdEncoding.DecodeString(e.Media.Payload)
	if err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonProtocol)
	}
	return raw, nil
}

// EncodeMediaMessage builds the media envelope Twilio expects for audio sent
// back to the caller.
func EncodeMediaMessage(streamSID string, audio []byte) ([]byte, error) {
	return json.Marshal(StreamEvent{
		Event:     EventMedia,
		StreamSID: streamSID,
		Media:     &StreamMedia{Payload: base64.StdEncoding.EncodeToString(audio)},
	})
}
