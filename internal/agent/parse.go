package agent

import (
	"encoding/json"
	"strings"
)

// singleObject is the one-shot JSON result shape. Backends disagree on
// the reply key, so all three known spellings are read.
type singleObject struct {
	Output         string `json:"output"`
	Response       string `json:"response"`
	Result         string `json:"result"`
	SessionIDCamel string `json:"sessionId"`
	SessionIDSnake string `json:"session_id"`
}

// streamEvent is one line of a newline-delimited event stream. Text-bearing
// events carry either text (incremental) or result (terminal summary).
type streamEvent struct {
	Type           string `json:"type"`
	Text           string `json:"text"`
	Result         string `json:"result"`
	SessionIDCamel string `json:"sessionId"`
	SessionIDSnake string `json:"session_id"`
}

// ParseOutput extracts the reply and session id from raw agent stdout.
// Two grammars are tried in order: a single JSON object, then a
// newline-delimited stream of type-tagged JSON events. ok is false when
// neither matches; callers fall back to the raw text.
func ParseOutput(raw string) (reply, sessionID string, ok bool) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", "", false
	}

	if reply, sessionID, ok = parseSingleObject(trimmed); ok {
		return reply, sessionID, true
	}
	return parseEventStream(trimmed)
}

// parseSingleObject matches a whole-output JSON object. The reply is the
// first non-empty of output, response, result.
func parseSingleObject(trimmed string) (string, string, bool) {
	if !strings.HasPrefix(trimmed, "{") {
		return "", "", false
	}
	var obj singleObject
	if err := json.Unmarshal([]byte(trimmed), &obj); err != nil {
		return "", "", false
	}
	reply := firstNonEmpty(obj.Output, obj.Response, obj.Result)
	if reply == "" {
		return "", "", false
	}
	return reply, firstNonEmpty(obj.SessionIDCamel, obj.SessionIDSnake), true
}

// parseEventStream matches newline-delimited type-tagged events. Text
// events are concatenated in stream order; the first event carrying a
// session identifier supplies the id. One unparseable line rejects the
// whole stream.
func parseEventStream(trimmed string) (string, string, bool) {
	var reply strings.Builder
	sessionID := ""

	for _, line := range strings.Split(trimmed, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var ev streamEvent
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			return "", "", false
		}
		if ev.Type == "" {
			return "", "", false
		}
		if ev.Text != "" {
			reply.WriteString(ev.Text)
		} else if ev.Result != "" {
			reply.WriteString(ev.Result)
		}
		if sessionID == "" {
			sessionID = firstNonEmpty(ev.SessionIDCamel, ev.SessionIDSnake)
		}
	}

	if reply.Len() == 0 {
		return "", "", false
	}
	return reply.String(), sessionID, true
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
