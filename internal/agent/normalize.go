package agent

import (
	"encoding/json"
	"math"
	"strconv"
	"time"

	"alfred/internal/domain"
)

const (
	channelUnknown  = "unknown"
	channelWhatsApp = "whatsapp"
)

// Key precedence per event field; the first non-empty value wins.
var (
	channelKeys      = []string{"channel", "integration", "provider"}
	sessionKeys      = []string{"sessionId", "session_id", "conversationId", "conversation_id", "externalId", "external_id"}
	conversationKeys = []string{"conversationId", "conversation_id"}
	leadKeys         = []string{"leadId", "lead_id"}
	triggerKeys      = []string{"trigger", "type"}
	fromKeys         = []string{"from", "sender", "contact"}
	contentKeys      = []string{"content", "message", "text"}
	attachmentKeys   = []string{"attachments", "media"}
	timestampKeys    = []string{"timestamp"}
)

// NormalizeEvent maps any inbound payload onto the canonical Event. It never
// fails: every field has a default.
func NormalizeEvent(payload domain.RawPayload) domain.Event {
	return normalizeAt(payload, time.Now())
}

// NormalizeGatewayEvent normalizes a channel webhook payload. Webhooks that
// do not name their channel are WhatsApp deliveries.
func NormalizeGatewayEvent(payload domain.RawPayload) domain.Event {
	ev := NormalizeEvent(payload)
	if ev.Channel == channelUnknown {
		ev.Channel = channelWhatsApp
	}
	return ev
}

func normalizeAt(payload domain.RawPayload, now time.Time) domain.Event {
	if payload == nil {
		payload = domain.RawPayload{}
	}
	ev := domain.Event{
		Channel:        firstString(payload, channelKeys),
		SessionID:      firstString(payload, sessionKeys),
		ConversationID: firstString(payload, conversationKeys),
		LeadID:         firstString(payload, leadKeys),
		Trigger:        firstString(payload, triggerKeys),
		From:           firstString(payload, fromKeys),
		Content:        firstString(payload, contentKeys),
		Attachments:    firstList(payload, attachmentKeys),
		Timestamp:      firstTime(payload, timestampKeys, now),
		Raw:            payload,
	}
	if ev.Channel == "" {
		ev.Channel = channelUnknown
	}
	return ev
}

func firstString(p domain.RawPayload, keys []string) string {
	for _, k := range keys {
		if s := scalarString(p[k]); s != "" {
			return s
		}
	}
	return ""
}

// scalarString renders JSON scalars as text. Objects and arrays are not
// identifiers and yield "".
func scalarString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		if x == 0 {
			return ""
		}
		if x == math.Trunc(x) && math.Abs(x) < 1e15 {
			return strconv.FormatInt(int64(x), 10)
		}
		return strconv.FormatFloat(x, 'f', -1, 64)
	case int:
		if x == 0 {
			return ""
		}
		return strconv.Itoa(x)
	case int64:
		if x == 0 {
			return ""
		}
		return strconv.FormatInt(x, 10)
	case json.Number:
		return x.String()
	case bool:
		if x {
			return "true"
		}
		return ""
	default:
		return ""
	}
}

func firstList(p domain.RawPayload, keys []string) []any {
	for _, k := range keys {
		switch x := p[k].(type) {
		case []any:
			if len(x) > 0 {
				return x
			}
		case []string:
			if len(x) > 0 {
				out := make([]any, len(x))
				for i, s := range x {
					out[i] = s
				}
				return out
			}
		}
	}
	return []any{}
}

func firstTime(p domain.RawPayload, keys []string, now time.Time) time.Time {
	for _, k := range keys {
		if t, ok := parseTimestamp(p[k]); ok {
			return t
		}
	}
	return now
}

// parseTimestamp accepts RFC 3339 strings and unix seconds or milliseconds.
func parseTimestamp(v any) (time.Time, bool) {
	switch x := v.(type) {
	case string:
		if x == "" {
			return time.Time{}, false
		}
		if t, err := time.Parse(time.RFC3339Nano, x); err == nil {
			return t, true
		}
		if n, err := strconv.ParseFloat(x, 64); err == nil {
			return unixTime(n), true
		}
	case float64:
		if x > 0 {
			return unixTime(x), true
		}
	case int64:
		if x > 0 {
			return unixTime(float64(x)), true
		}
	case int:
		if x > 0 {
			return unixTime(float64(x)), true
		}
	case time.Time:
		if !x.IsZero() {
			return x, true
		}
	}
	return time.Time{}, false
}

// Values past 1e12 are taken as milliseconds (after 2001 in ms, year 33658 in s).
func unixTime(n float64) time.Time {
	if n >= 1e12 {
		return time.UnixMilli(int64(n)).UTC()
	}
	sec, frac := math.Modf(n)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC()
}
