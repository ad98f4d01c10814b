package goThreeDS

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"
)

// Event names an out-of-band notification.
type Event string

const (
	EventMethodFinished     Event = "3DSMethodFinished"
	EventMethodSkipped      Event = "3DSMethodSkipped"
	EventInitAuthTimedOut   Event = "InitAuthTimedOut"
	EventChallengeCompleted Event = "Challenge:Completed"
	EventAuthResultReady    Event = "AuthResultReady"
)

// Fingerprint reports whether e completes the fingerprint phase.
func (e Event) Fingerprint() bool {
	return e == EventMethodFinished || e == EventMethodSkipped
}

// Challenge reports whether e completes the challenge phase.
func (e Event) Challenge() bool {
	return e == EventInitAuthTimedOut || e == EventChallengeCompleted || e == EventAuthResultReady
}

func (e Event) Known() bool {
	return e.Fingerprint() || e.Challenge()
}

// Channel identifies which out-of-band source delivered a notification.
type Channel string

const (
	ChannelMonitoring Channel = "monitoring"
	ChannelCallback   Channel = "callback"
	ChannelChallenge  Channel = "challenge"
)

// Notification is one out-of-band message. Legacy is set for the plain
// string form, which carries only the event name.
type Notification struct {
	Event            Event   `json:"event"`
	Param            string  `json:"param,omitempty"`
	ServerTransID    string  `json:"threeDSServerTransID,omitempty"`
	RequestorTransID string  `json:"requestorTransId,omitempty"`
	Channel          Channel `json:"channel,omitempty"`
	Legacy           bool    `json:"legacy,omitempty"`
}

// ParseNotification accepts the structured object form, a JSON string, or
// a bare event name. Unknown events fail with ErrNotificationInvalid.
func ParseNotification(data []byte) (Notification, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return Notification{}, ErrNotificationInvalid
	}

	var n Notification
	switch {
	case gjson.ValidBytes(data) && gjson.ParseBytes(data).IsObject():
		doc := gjson.ParseBytes(data)
		n.Event = Event(strings.TrimSpace(doc.Get("event").String()))
		n.Param = strings.TrimSpace(doc.Get("param").String())
		n.ServerTransID = strings.TrimSpace(doc.Get("threeDSServerTransID").String())
		n.RequestorTransID = strings.TrimSpace(firstString(doc, "requestorTransId", "threeDSRequestorTransID"))
	case gjson.ValidBytes(data) && gjson.ParseBytes(data).Type == gjson.String:
		n.Event = Event(strings.TrimSpace(gjson.ParseBytes(data).Str))
		n.Legacy = true
	default:
		n.Event = Event(string(data))
		n.Legacy = true
	}

	if !n.Event.Known() {
		return Notification{}, ErrNotificationInvalid
	}
	return n, nil
}

func firstString(doc gjson.Result, paths ...string) string {
	for _, p := range paths {
		if v := doc.Get(p); v.Exists() {
			return v.String()
		}
	}
	return ""
}

func encodeNotification(n Notification) ([]byte, error) {
	return json.Marshal(n)
}

func decodeNotification(data []byte) (Notification, error) {
	var n Notification
	if err := json.Unmarshal(data, &n); err != nil {
		return Notification{}, err
	}
	if !n.Event.Known() {
		return Notification{}, ErrNotificationInvalid
	}
	return n, nil
}
