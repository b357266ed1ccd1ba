package telephony

import (
	"net/http"
	"strings"
)

// ConnectStreamTwiML answers a call by bridging its audio to the given
// websocket URL.
func ConnectStreamTwiML(streamURL string) string {
	return `<Response><Connect><Stream url="` + xmlEscape(streamURL) + `"/></Connect></Response>`
}

// SayStreamTwiML speaks a short greeting before bridging.
func SayStreamTwiML(greeting, streamURL string) string {
	if strings.TrimSpace(greeting) == "" {
		return ConnectStreamTwiML(streamURL)
	}
	return `<Response><Say>` + xmlEscape(greeting) + `</Say><Connect><Stream url="` + xmlEscape(streamURL) + `"/></Connect></Response>`
}

// HangupTwiML speaks a short message and ends the call.
func HangupTwiML(message string) string {
	if strings.TrimSpace(message) == "" {
		return `<Response><Hangup/></Response>`
	}
	return `<Response><Say>` + xmlEscape(message) + `</Say><Hangup/></Response>`
}

// WriteTwiML writes a TwiML document with the content type Twilio expects.
func WriteTwiML(w http.ResponseWriter, twiml string) {
	w.Header().Set("Content-Type", "text/xml")
	_, _ = w.Write([]byte(twiml))
}

func xmlEscape(in string) string {
	replacer := strings.NewReplacer(
		"&", "&amp;",
		"<", "&lt;",
		">", "&gt;",
		"\"", "&quot;",
		"'", "&apos;",
	)
	return replacer.Replace(in)
}
