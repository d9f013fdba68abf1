package onebot

import (
	"fmt"
	"strconv"
	"time"
)

// Event is a canonical OneBot 12 event. Fields not modelled explicitly, such as
// platform-namespaced extensions, live in Extra.
type Event struct {
	ID            string
	Time          time.Time
	TimeEstimated bool
	Type          EventType
	DetailType    string
	SubType       string
	Self          Self

	MessageID  string
	Message    Message
	AltMessage string
	UserID     string
	GroupID    string
	GuildID    string
	ChannelID  string
	OperatorID string

	Version  *Version
	Status   *Status
	Interval int64

	Extra map[string]any
}

var knownEventKeys = map[string]struct{}{
	"id": {}, "time": {}, "type": {}, "detail_type": {}, "sub_type": {}, "self": {},
	"message_id": {}, "message": {}, "alt_message": {}, "user_id": {}, "group_id": {},
	"guild_id": {}, "channel_id": {}, "operator_id": {}, "version": {}, "status": {},
	"interval": {}, TimeEstimatedKey: {},
}

// Namespaced returns "platform.detail", the form used for native subtypes that
// have no canonical counterpart.
func Namespaced(platform, detail string) string {
	return platform + "." + detail
}

// SetExtra stores a platform extension field.
func (e *Event) SetExtra(key string, value any) {
	if e.Extra == nil {
		e.Extra = make(map[string]any)
	}
	e.Extra[key] = value
}

// ToMap renders the event in its wire shape.
func (e Event) ToMap() map[string]any {
	m := make(map[string]any, 12+len(e.Extra))
	for k, v := range e.Extra {
		m[k] = v
	}
	m["id"] = e.ID
	m["time"] = Timestamp(e.Time)
	m["type"] = string(e.Type)
	m["detail_type"] = e.DetailType
	m["sub_type"] = e.SubType
	if !e.Self.IsZero() {
		m["self"] = e.Self.toMap()
	}
	if e.TimeEstimated {
		m[TimeEstimatedKey] = true
	}
	if e.Type == EventMessage {
		m["message_id"] = e.MessageID
		m["message"] = e.Message.ToList()
		m["alt_message"] = e.AltMessage
		m["user_id"] = e.UserID
	} else {
		putNonEmpty(m, "message_id", e.MessageID)
		putNonEmpty(m, "user_id", e.UserID)
	}
	putNonEmpty(m, "group_id", e.GroupID)
	putNonEmpty(m, "guild_id", e.GuildID)
	putNonEmpty(m, "channel_id", e.ChannelID)
	putNonEmpty(m, "operator_id", e.OperatorID)
	if e.Version != nil {
		m["version"] = e.Version.toMap()
	}
	if e.Status != nil {
		m["status"] = e.Status.ToMap()
	}
	if e.Interval > 0 {
		m["interval"] = e.Interval
	}
	return m
}

func putNonEmpty(m map[string]any, key, value string) {
	if value != "" {
		m[key] = value
	}
}

// EventFromMap parses the wire shape produced by ToMap (after any codec round trip).
func EventFromMap(m map[string]any) (Event, error) {
	var e Event
	typ, _ := m["type"].(string)
	e.Type = EventType(typ)
	if !e.Type.Valid() {
		return e, fmt.Errorf("invalid event type %q", typ)
	}
	e.ID = AnyString(m["id"])
	if ts, ok := AnyFloat(m["time"]); ok {
		e.Time = FromTimestamp(ts)
	}
	e.DetailType, _ = m["detail_type"].(string)
	e.SubType, _ = m["sub_type"].(string)
	if raw, ok := m["self"].(map[string]any); ok {
		e.Self = selfFromMap(raw)
	}
	if b, ok := m[TimeEstimatedKey].(bool); ok {
		e.TimeEstimated = b
	}
	e.MessageID = AnyString(m["message_id"])
	if raw, ok := m["message"]; ok {
		msg, err := ParseMessage(raw)
		if err != nil {
			return e, err
		}
		e.Message = msg
	}
	e.AltMessage, _ = m["alt_message"].(string)
	e.UserID = AnyString(m["user_id"])
	e.GroupID = AnyString(m["group_id"])
	e.GuildID = AnyString(m["guild_id"])
	e.ChannelID = AnyString(m["channel_id"])
	e.OperatorID = AnyString(m["operator_id"])
	if raw, ok := m["version"].(map[string]any); ok {
		e.Version = &Version{
			Impl:          AnyString(raw["impl"]),
			Version:       AnyString(raw["version"]),
			OneBotVersion: AnyString(raw["onebot_version"]),
		}
	}
	if raw, ok := m["status"].(map[string]any); ok {
		e.Status = StatusFromMap(raw)
	}
	if iv, ok := AnyInt(m["interval"]); ok {
		e.Interval = iv
	}
	for k, v := range m {
		if _, known := knownEventKeys[k]; known {
			continue
		}
		e.SetExtra(k, v)
	}
	return e, nil
}

func selfFromMap(m map[string]any) Self {
	return Self{Platform: AnyString(m["platform"]), UserID: AnyString(m["user_id"])}
}

// StatusFromMap parses the status object of get_status and status_update.
func StatusFromMap(m map[string]any) *Status {
	st := &Status{Bots: []BotStatus{}}
	st.Good, _ = m["good"].(bool)
	bots, _ := m["bots"].([]any)
	for _, raw := range bots {
		bm, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		var bs BotStatus
		if sm, ok := bm["self"].(map[string]any); ok {
			bs.Self = selfFromMap(sm)
		}
		bs.Online, _ = bm["online"].(bool)
		st.Bots = append(st.Bots, bs)
	}
	return st
}

// AnyString formats ids that platforms deliver as numbers or strings.
func AnyString(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case []byte:
		return string(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(val), 'f', -1, 32)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case int32:
		return strconv.FormatInt(int64(val), 10)
	case int8:
		return strconv.FormatInt(int64(val), 10)
	case int16:
		return strconv.FormatInt(int64(val), 10)
	case uint64:
		return strconv.FormatUint(val, 10)
	case uint32:
		return strconv.FormatUint(uint64(val), 10)
	case uint:
		return strconv.FormatUint(uint64(val), 10)
	case uint8:
		return strconv.FormatUint(uint64(val), 10)
	case uint16:
		return strconv.FormatUint(uint64(val), 10)
	case fmt.Stringer:
		return val.String()
	default:
		return fmt.Sprint(val)
	}
}

func AnyFloat(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case string:
		f, err := strconv.ParseFloat(val, 64)
		return f, err == nil
	default:
		if i, ok := AnyInt(v); ok {
			return float64(i), true
		}
	}
	return 0, false
}

func AnyInt(v any) (int64, bool) {
	switch val := v.(type) {
	case int:
		return int64(val), true
	case int8:
		return int64(val), true
	case int16:
		return int64(val), true
	case int32:
		return int64(val), true
	case int64:
		return val, true
	case uint:
		return int64(val), true
	case uint8:
		return int64(val), true
	case uint16:
		return int64(val), true
	case uint32:
		return int64(val), true
	case uint64:
		return int64(val), true
	case float64:
		return int64(val), val == float64(int64(val))
	case float32:
		return int64(val), val == float32(int64(val))
	case string:
		i, err := strconv.ParseInt(val, 10, 64)
		return i, err == nil
	}
	return 0, false
}
