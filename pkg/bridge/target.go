package bridge

import (
	"net/url"
	"strconv"
	"strings"

	"github.com/carelinehq/careline/pkg/errorsx"
)

// StreamTarget identifies which call a newly accepted stream socket belongs
// to. AgentHint is only a fallback; the call row is the primary source.
type StreamTarget struct {
	CallID    int64
	AgentHint string
}

// ParseStreamTarget resolves the call id from the stream URL. Twilio and
// intermediate proxies mangle these URLs in the wild, so several shapes are
// accepted: /ws/70, /ws/call_id=70, percent-encoded variants of both, and
// ?call_id=70 in the query string. The query wins, the path is the fallback.
func ParseStreamTarget(rawPath, rawQuery string) (StreamTarget, error) {
	var target StreamTarget

	values, err := url.ParseQuery(rawQuery)
	if err != nil {
		values = url.Values{}
	}
	for _, key := range []string{"call_id", "CallId", "call"} {
		if v := values.Get(key); v != "" {
			if id, err := strconv.ParseInt(v, 10, 64); err == nil {
				target.CallID = id
				break
			}
		}
	}

	if target.CallID == 0 {
		decoded, err := url.PathUnescape(rawPath)
		if err != nil {
			decoded = rawPath
		}
		parts := strings.Split(strings.Trim(decoded, "/"), "/")
		if len(parts) >= 2 && parts[0] == "ws" {
			candidate := parts[1]
			if k, v, found := strings.Cut(candidate, "="); found {
				switch strings.ToLower(k) {
				case "call_id", "call", "id":
					if id, err := strconv.ParseInt(v, 10, 64); err == nil && id > 0 {
						target.CallID = id
					}
				}
			} else if id, err := strconv.ParseInt(candidate, 10, 64); err == nil && id > 0 {
				target.CallID = id
			}
		}
	}

	for _, key := range []string{"agent", "Agent", "agent_name"} {
		if v := values.Get(key); v != "" {
			target.AgentHint = v
			break
		}
	}

	if target.CallID == 0 {
		return target, errorsx.Newf(errorsx.ReasonCallUnresolved, "no call id in path %q query %q", rawPath, rawQuery)
	}
	return target, nil
}
