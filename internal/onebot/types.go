// Package onebot holds the canonical OneBot 12 event and action model shared by
// every adapter and transport binding.
package onebot

import (
	"math"
	"time"
)

type EventType string

const (
	EventMessage EventType = "message"
	EventNotice  EventType = "notice"
	EventRequest EventType = "request"
	EventMeta    EventType = "meta"
)

func (t EventType) Valid() bool {
	switch t {
	case EventMessage, EventNotice, EventRequest, EventMeta:
		return true
	}
	return false
}

// Detail types shared across platforms.
const (
	DetailPrivate = "private"
	DetailGroup   = "group"
	DetailChannel = "channel"

	DetailConnect      = "connect"
	DetailStatusUpdate = "status_update"
	DetailHeartbeat    = "heartbeat"
)

// TimeEstimatedKey marks events whose timestamp was filled in locally because the
// platform did not provide one.
const TimeEstimatedKey = "all4one.time_estimated"

// Self identifies one connected account.
type Self struct {
	Platform string `json:"platform"`
	UserID   string `json:"user_id"`
}

func (s Self) IsZero() bool { return s.Platform == "" && s.UserID == "" }

func (s Self) String() string { return s.Platform + ":" + s.UserID }

func (s Self) toMap() map[string]any {
	return map[string]any{"platform": s.Platform, "user_id": s.UserID}
}

// Version is the payload of connect meta events and get_version.
type Version struct {
	Impl          string `json:"impl"`
	Version       string `json:"version"`
	OneBotVersion string `json:"onebot_version"`
}

func (v Version) toMap() map[string]any {
	return map[string]any{"impl": v.Impl, "version": v.Version, "onebot_version": v.OneBotVersion}
}

type BotStatus struct {
	Self   Self `json:"self"`
	Online bool `json:"online"`
}

// Status is the payload of status_update meta events and get_status.
type Status struct {
	Good bool        `json:"good"`
	Bots []BotStatus `json:"bots"`
}

func (s Status) ToMap() map[string]any {
	bots := make([]any, 0, len(s.Bots))
	for _, b := range s.Bots {
		bots = append(bots, map[string]any{"self": b.Self.toMap(), "online": b.Online})
	}
	return map[string]any{"good": s.Good, "bots": bots}
}

// Timestamp converts t to epoch seconds with millisecond precision.
func Timestamp(t time.Time) float64 {
	return float64(t.UnixMilli()) / 1000
}

// FromTimestamp is the inverse of Timestamp.
func FromTimestamp(f float64) time.Time {
	return time.UnixMilli(int64(math.Round(f * 1000)))
}

// Now returns the current time truncated to the precision kept on the wire.
func Now() time.Time {
	return time.UnixMilli(time.Now().UnixMilli())
}
